package keychain

import (
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

type hdAccount struct {
	index uint32
	key   *HDKey
	addr  types.Address
}

// hdKeychain derives accounts 0..accountsEnabled-1 from a mnemonic, minus
// the ones the user removed.
type hdKeychain struct {
	ID       string
	mnemonic string
	imported bool
	master   *HDKey

	accountsEnabled uint32
	deleted         map[types.Address]bool
	derived         []hdAccount
}

func newHD(id, mnemonic string, imported bool, accountsEnabled uint32) (*hdKeychain, error) {
	seed, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	master, err := NewMasterKey(seed)
	zero(seed)
	if err != nil {
		return nil, err
	}
	if accountsEnabled == 0 {
		accountsEnabled = 1
	}
	kc := &hdKeychain{
		ID:       id,
		mnemonic: NormalizeMnemonic(mnemonic),
		imported: imported,
		master:   master,
		deleted:  make(map[types.Address]bool),
	}
	for i := uint32(0); i < accountsEnabled; i++ {
		if _, err := kc.deriveNext(); err != nil {
			return nil, err
		}
	}
	return kc, nil
}

func restoreHD(r record) (keychain, error) {
	kc, err := newHD(r.ID, r.Mnemonic, r.Imported, r.AccountsEnabled)
	if err != nil {
		return nil, fmt.Errorf("restore hd keychain %s: %w", r.ID, err)
	}
	for _, a := range r.AccountsDeleted {
		kc.deleted[a] = true
	}
	return kc, nil
}

// deriveAddress derives the address at index without enabling it.
func (kc *hdKeychain) deriveAddress(index uint32) (types.Address, error) {
	k, err := kc.master.DeriveAccount(index)
	if err != nil {
		return types.Address{}, err
	}
	return k.Address(), nil
}

// deriveNext enables the next index.
func (kc *hdKeychain) deriveNext() (hdAccount, error) {
	index := uint32(len(kc.derived))
	k, err := kc.master.DeriveAccount(index)
	if err != nil {
		return hdAccount{}, err
	}
	acct := hdAccount{index: index, key: k, addr: k.Address()}
	kc.derived = append(kc.derived, acct)
	kc.accountsEnabled = uint32(len(kc.derived))
	delete(kc.deleted, acct.addr)
	return acct, nil
}

func (kc *hdKeychain) id() string { return kc.ID }
func (kc *hdKeychain) kind() Kind { return KindHD }

func (kc *hdKeychain) accounts() []Account {
	var out []Account
	for _, a := range kc.derived {
		if kc.deleted[a.addr] {
			continue
		}
		out = append(out, Account{Address: a.addr, Index: a.index, Path: AccountPath(a.index)})
	}
	return out
}

func (kc *hdKeychain) find(addr types.Address) (hdAccount, bool) {
	for _, a := range kc.derived {
		if a.addr == addr && !kc.deleted[addr] {
			return a, true
		}
	}
	return hdAccount{}, false
}

func (kc *hdKeychain) owns(addr types.Address) bool {
	_, ok := kc.find(addr)
	return ok
}

func (kc *hdKeychain) signer(addr types.Address) (*crypto.PrivateKey, error) {
	a, ok := kc.find(addr)
	if !ok {
		return nil, ErrNotFound
	}
	return a.key.PrivateKey()
}

func (kc *hdKeychain) exportAccount(addr types.Address) ([]byte, error) {
	pk, err := kc.signer(addr)
	if err != nil {
		return nil, err
	}
	return pk.Serialize(), nil
}

func (kc *hdKeychain) exportSecret() (string, error) {
	return kc.mnemonic, nil
}

func (kc *hdKeychain) removeAccount(addr types.Address) {
	if kc.owns(addr) {
		kc.deleted[addr] = true
	}
}

func (kc *hdKeychain) wallet() Wallet {
	return Wallet{ID: kc.ID, Kind: KindHD, Accounts: addressesOf(kc.accounts()), Imported: kc.imported}
}

func (kc *hdKeychain) record() record {
	r := record{
		ID:              kc.ID,
		Kind:            KindHD,
		Imported:        kc.imported,
		Mnemonic:        kc.mnemonic,
		AccountsEnabled: kc.accountsEnabled,
	}
	for a := range kc.deleted {
		r.AccountsDeleted = append(r.AccountsDeleted, a)
	}
	return r
}

func (kc *hdKeychain) wipe() {
	kc.mnemonic = ""
	kc.master = nil
	kc.derived = nil
}

// keyPairKeychain holds a single imported private key.
type keyPairKeychain struct {
	ID      string
	key     *crypto.PrivateKey
	addr    types.Address
	removed bool
}

func newKeyPair(id string, secret []byte) (*keyPairKeychain, error) {
	pk, err := crypto.PrivateKeyFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return &keyPairKeychain{ID: id, key: pk, addr: pk.Address()}, nil
}

func restoreKeyPair(r record) (keychain, error) {
	kc, err := newKeyPair(r.ID, r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("restore keypair %s: %w", r.ID, err)
	}
	return kc, nil
}

func (kc *keyPairKeychain) id() string { return kc.ID }
func (kc *keyPairKeychain) kind() Kind { return KindKeyPair }

func (kc *keyPairKeychain) accounts() []Account {
	if kc.removed {
		return nil
	}
	return []Account{{Address: kc.addr}}
}

func (kc *keyPairKeychain) owns(addr types.Address) bool {
	return !kc.removed && kc.addr == addr
}

func (kc *keyPairKeychain) signer(addr types.Address) (*crypto.PrivateKey, error) {
	if !kc.owns(addr) {
		return nil, ErrNotFound
	}
	return kc.key, nil
}

func (kc *keyPairKeychain) exportAccount(addr types.Address) ([]byte, error) {
	if !kc.owns(addr) {
		return nil, ErrNotFound
	}
	return kc.key.Serialize(), nil
}

func (kc *keyPairKeychain) exportSecret() (string, error) {
	return "0x" + hex.EncodeToString(kc.key.Serialize()), nil
}

func (kc *keyPairKeychain) removeAccount(addr types.Address) {
	if kc.addr == addr {
		kc.removed = true
	}
}

func (kc *keyPairKeychain) wallet() Wallet {
	return Wallet{ID: kc.ID, Kind: KindKeyPair, Accounts: addressesOf(kc.accounts()), Imported: true}
}

func (kc *keyPairKeychain) record() record {
	return record{ID: kc.ID, Kind: KindKeyPair, Imported: true, PrivateKey: kc.key.Serialize()}
}

func (kc *keyPairKeychain) wipe() {
	kc.key.Zero()
}
