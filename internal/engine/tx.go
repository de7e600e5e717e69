package engine

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// Transaction is the transaction object callers submit. Amount and fee
// fields are carried as opaque 0x-hex quantities.
type Transaction struct {
	From                 types.Address  `json:"from"`
	To                   *types.Address `json:"to,omitempty"`
	Value                string         `json:"value,omitempty"`
	Data                 string         `json:"data,omitempty"`
	Gas                  string         `json:"gas,omitempty"`
	GasPrice             string         `json:"gasPrice,omitempty"`
	MaxFeePerGas         string         `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string         `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                string         `json:"nonce,omitempty"`
	ChainID              types.ChainID  `json:"chainId,omitempty"`
}

// SignedTransaction is a transaction with its signature, the raw form sent
// to the network.
type SignedTransaction struct {
	Transaction
	Signature string `json:"signature"`
}

// Raw encodes the signed transaction for broadcast.
func (s *SignedTransaction) Raw() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	return "0x" + hex.EncodeToString(data), nil
}

// DecodeRawTransaction reverses SignedTransaction.Raw.
func DecodeRawTransaction(raw string) (*SignedTransaction, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode raw transaction: %w", err)
	}
	var st SignedTransaction
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode raw transaction: %w", err)
	}
	return &st, nil
}

func validQuantity(q string) bool {
	if q == "" {
		return true
	}
	if !strings.HasPrefix(q, "0x") || len(q) < 3 {
		return false
	}
	_, err := hex.DecodeString(evenHex(q[2:]))
	return err == nil
}

func evenHex(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

// validate checks the shape of a caller transaction.
func (tx *Transaction) validate() error {
	for name, q := range map[string]string{
		"value":                tx.Value,
		"gas":                  tx.Gas,
		"gasPrice":             tx.GasPrice,
		"maxFeePerGas":         tx.MaxFeePerGas,
		"maxPriorityFeePerGas": tx.MaxPriorityFeePerGas,
	} {
		if !validQuantity(q) {
			return fmt.Errorf("%s must be a 0x-prefixed hex quantity", name)
		}
	}
	if tx.Data != "" {
		if !strings.HasPrefix(tx.Data, "0x") {
			return fmt.Errorf("data must be 0x-prefixed hex")
		}
		if _, err := hex.DecodeString(tx.Data[2:]); err != nil {
			return fmt.Errorf("data must be 0x-prefixed hex")
		}
	}
	if tx.To == nil && tx.Data == "" {
		return fmt.Errorf("transaction needs a recipient or data")
	}
	return nil
}

// firstParam decodes the first element of a positional params array.
func firstParam(params json.RawMessage, v any) error {
	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil {
		return fmt.Errorf("params must be an array")
	}
	if len(list) == 0 {
		return fmt.Errorf("missing parameter")
	}
	return json.Unmarshal(list[0], v)
}

// splitSignParams separates the address and the payload of a signing call,
// which dapps send in either order.
func splitSignParams(params json.RawMessage) (types.Address, json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil || len(list) < 2 {
		return types.Address{}, nil, fmt.Errorf("expected [address, data]")
	}
	if addr, ok := asAddress(list[0]); ok {
		return addr, list[1], nil
	}
	if addr, ok := asAddress(list[1]); ok {
		return addr, list[0], nil
	}
	return types.Address{}, nil, fmt.Errorf("no address parameter")
}

func asAddress(raw json.RawMessage) (types.Address, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Address{}, false
	}
	addr, err := types.ParseAddress(s)
	return addr, err == nil
}

// typedDataPayload normalizes a typed-data argument, which may arrive as
// an object or as a JSON string.
func typedDataPayload(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = json.RawMessage(s)
	}
	var probe struct {
		Domain  json.RawMessage `json:"domain"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("typed data: %w", err)
	}
	if len(probe.Domain) == 0 || len(probe.Message) == 0 {
		return nil, fmt.Errorf("typed data needs domain and message")
	}
	return raw, nil
}

// typedDataChain returns domain.chainId if present.
func typedDataChain(raw json.RawMessage) (types.ChainID, bool) {
	var probe struct {
		Domain struct {
			ChainID *types.ChainID `json:"chainId"`
		} `json:"domain"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Domain.ChainID == nil {
		return 0, false
	}
	return *probe.Domain.ChainID, true
}
