package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ChainID identifies a network the wallet can sign for.
type ChainID uint64

// String returns the 0x-prefixed hex form used on the provider surface.
func (c ChainID) String() string {
	return "0x" + strconv.FormatUint(uint64(c), 16)
}

// Key returns the decimal form used in storage keys.
func (c ChainID) Key() string {
	return strconv.FormatUint(uint64(c), 10)
}

// MarshalJSON encodes the chain ID as a 0x-hex string.
func (c ChainID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts a 0x-hex string, a decimal string or a bare number.
func (c *ChainID) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*c = ChainID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid chain id: %s", data)
	}
	parsed, err := ParseChainID(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseChainID parses "0x1" or "1".
func ParseChainID(s string) (ChainID, error) {
	var (
		n   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		n, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", s, err)
	}
	return ChainID(n), nil
}
