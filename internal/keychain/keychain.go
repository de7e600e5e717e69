package keychain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// Kind is the variant of a keychain.
type Kind uint8

const (
	KindHD Kind = iota + 1
	KindKeyPair
	KindHardware
	KindReadOnly
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindHD:
		return "hd"
	case KindKeyPair:
		return "keypair"
	case KindHardware:
		return "hardware"
	case KindReadOnly:
		return "readonly"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindHD, KindKeyPair, KindHardware, KindReadOnly:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown keychain kind %d", uint8(k))
	}
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "hd":
		*k = KindHD
	case "keypair":
		*k = KindKeyPair
	case "hardware":
		*k = KindHardware
	case "readonly":
		*k = KindReadOnly
	default:
		return fmt.Errorf("unknown keychain kind %q", text)
	}
	return nil
}

// Account is a single address owned by a keychain.
type Account struct {
	Address types.Address `json:"address"`
	Index   uint32        `json:"index"`
	Path    string        `json:"path,omitempty"`
}

// Wallet describes the keychain that owns an address.
type Wallet struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"type"`
	Accounts []types.Address `json:"accounts"`
	Imported bool            `json:"imported"`
	Vendor   types.Vendor    `json:"vendor,omitempty"`
}

// record is the vault serialization of one keychain. Fields unused by a kind
// stay empty.
type record struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Imported bool   `json:"imported,omitempty"`

	Mnemonic        string          `json:"mnemonic,omitempty"`
	AccountsEnabled uint32          `json:"accounts_enabled,omitempty"`
	AccountsDeleted []types.Address `json:"accounts_deleted,omitempty"`

	PrivateKey []byte `json:"private_key,omitempty"`

	Vendor   types.Vendor `json:"vendor,omitempty"`
	DeviceID string       `json:"device_id,omitempty"`
	Accounts []Account    `json:"accounts,omitempty"`

	Address types.Address `json:"address,omitempty"`
}

// keychain is the closed set of custody variants.
type keychain interface {
	id() string
	kind() Kind
	accounts() []Account
	owns(addr types.Address) bool
	// signer returns a local signing key; external and read-only
	// keychains return ErrExternalSigner / ErrReadOnly.
	signer(addr types.Address) (*crypto.PrivateKey, error)
	exportAccount(addr types.Address) ([]byte, error)
	exportSecret() (string, error)
	// removeAccount drops addr; the manager removes the keychain once
	// accounts() is empty.
	removeAccount(addr types.Address)
	wallet() Wallet
	record() record
	// wipe zeroes secret material.
	wipe()
}

func addressesOf(accts []Account) []types.Address {
	out := make([]types.Address, len(accts))
	for i, a := range accts {
		out[i] = a.Address
	}
	return out
}

func fromRecord(r record) (keychain, error) {
	switch r.Kind {
	case KindHD:
		return restoreHD(r)
	case KindKeyPair:
		return restoreKeyPair(r)
	case KindHardware:
		return restoreHardware(r)
	case KindReadOnly:
		return &readOnlyKeychain{ID: r.ID, address: r.Address}, nil
	default:
		return nil, fmt.Errorf("vault record %s: unknown kind %d", r.ID, r.Kind)
	}
}
