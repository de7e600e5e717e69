package keychain

import (
	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// hardwareKeychain tracks accounts whose keys live on a device. The vault
// only stores addresses and derivation paths.
type hardwareKeychain struct {
	ID       string
	vendor   types.Vendor
	deviceID string
	accts    []Account
}

func restoreHardware(r record) (keychain, error) {
	return &hardwareKeychain{
		ID:       r.ID,
		vendor:   r.Vendor,
		deviceID: r.DeviceID,
		accts:    append([]Account(nil), r.Accounts...),
	}, nil
}

func (kc *hardwareKeychain) id() string { return kc.ID }
func (kc *hardwareKeychain) kind() Kind { return KindHardware }

func (kc *hardwareKeychain) accounts() []Account {
	return append([]Account(nil), kc.accts...)
}

func (kc *hardwareKeychain) owns(addr types.Address) bool {
	_, ok := kc.find(addr)
	return ok
}

func (kc *hardwareKeychain) find(addr types.Address) (Account, bool) {
	for _, a := range kc.accts {
		if a.Address == addr {
			return a, true
		}
	}
	return Account{}, false
}

func (kc *hardwareKeychain) signer(addr types.Address) (*crypto.PrivateKey, error) {
	if !kc.owns(addr) {
		return nil, ErrNotFound
	}
	return nil, ErrExternalSigner
}

func (kc *hardwareKeychain) exportAccount(types.Address) ([]byte, error) {
	return nil, ErrExportNotSupported
}

func (kc *hardwareKeychain) exportSecret() (string, error) {
	return "", ErrExportNotSupported
}

func (kc *hardwareKeychain) removeAccount(addr types.Address) {
	out := kc.accts[:0]
	for _, a := range kc.accts {
		if a.Address != addr {
			out = append(out, a)
		}
	}
	kc.accts = out
}

func (kc *hardwareKeychain) wallet() Wallet {
	return Wallet{ID: kc.ID, Kind: KindHardware, Accounts: addressesOf(kc.accts), Imported: true, Vendor: kc.vendor}
}

func (kc *hardwareKeychain) record() record {
	return record{ID: kc.ID, Kind: KindHardware, Imported: true, Vendor: kc.vendor, DeviceID: kc.deviceID, Accounts: kc.accounts()}
}

func (kc *hardwareKeychain) wipe() {}

// readOnlyKeychain watches a single address.
type readOnlyKeychain struct {
	ID      string
	address types.Address
	removed bool
}

func (kc *readOnlyKeychain) id() string { return kc.ID }
func (kc *readOnlyKeychain) kind() Kind { return KindReadOnly }

func (kc *readOnlyKeychain) accounts() []Account {
	if kc.removed {
		return nil
	}
	return []Account{{Address: kc.address}}
}

func (kc *readOnlyKeychain) owns(addr types.Address) bool {
	return !kc.removed && kc.address == addr
}

func (kc *readOnlyKeychain) signer(addr types.Address) (*crypto.PrivateKey, error) {
	if !kc.owns(addr) {
		return nil, ErrNotFound
	}
	return nil, ErrReadOnly
}

func (kc *readOnlyKeychain) exportAccount(types.Address) ([]byte, error) {
	return nil, ErrExportNotSupported
}

func (kc *readOnlyKeychain) exportSecret() (string, error) {
	return "", ErrExportNotSupported
}

func (kc *readOnlyKeychain) removeAccount(addr types.Address) {
	if kc.address == addr {
		kc.removed = true
	}
}

func (kc *readOnlyKeychain) wallet() Wallet {
	return Wallet{ID: kc.ID, Kind: KindReadOnly, Accounts: addressesOf(kc.accounts())}
}

func (kc *readOnlyKeychain) record() record {
	return record{ID: kc.ID, Kind: KindReadOnly, Address: kc.address}
}

func (kc *readOnlyKeychain) wipe() {}
