package keychain

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/internal/discovery"
	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/storage"
	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

var vaultKey = []byte("vault")

// vaultFile is the plaintext inside the encrypted vault blob.
type vaultFile struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Keychains []record  `json:"keychains"`
}

// Config configures a Manager.
type Config struct {
	Params EncryptionParams
	// Oracle answers address activity for HD auto-discovery. Nil disables
	// discovery; AutoDiscover imports then enable a single account.
	Oracle         discovery.Oracle
	DiscoveryBatch int
}

// Manager is the key custody store. Every address it exposes belongs to
// exactly one keychain. All keychain material lives in memory only while the
// vault is unlocked.
type Manager struct {
	mu       sync.RWMutex
	db       storage.DB
	cfg      Config
	logger   zerolog.Logger
	password []byte
	unlocked bool
	chains   []keychain
}

// NewManager creates a locked manager over db.
func NewManager(db storage.DB, cfg Config) *Manager {
	if cfg.Params == (EncryptionParams{}) {
		cfg.Params = DefaultParams()
	}
	return &Manager{db: db, cfg: cfg, logger: klog.Keychain}
}

// HasVault reports whether a password was ever set.
func (m *Manager) HasVault() bool {
	ok, err := m.db.Has(vaultKey)
	return err == nil && ok
}

// IsUnlocked reports whether keychains are loaded.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unlocked
}

// SetPassword creates the vault, or re-encrypts it under a new password when
// unlocked.
func (m *Manager) SetPassword(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return errors.New("password must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.unlocked && m.HasVault() {
		return ErrAuthRequired
	}
	old := m.password
	m.password = append([]byte(nil), password...)
	m.unlocked = true
	if err := m.persistLocked(); err != nil {
		m.password = old
		return err
	}
	zero(old)
	m.logger.Info().Int("keychains", len(m.chains)).Msg("Vault password set")
	return nil
}

// Unlock decrypts the vault and loads every keychain.
func (m *Manager) Unlock(ctx context.Context, password []byte) error {
	blob, err := m.db.Get(vaultKey)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoVault
	}
	if err != nil {
		return fmt.Errorf("load vault: %w", err)
	}
	plain, err := Decrypt(blob, password)
	if err != nil {
		return err
	}
	defer zero(plain)

	var vf vaultFile
	if err := json.Unmarshal(plain, &vf); err != nil {
		return fmt.Errorf("decode vault: %w", err)
	}
	chains := make([]keychain, 0, len(vf.Keychains))
	for _, r := range vf.Keychains {
		kc, err := fromRecord(r)
		if err != nil {
			return err
		}
		chains = append(chains, kc)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.wipeLocked()
	m.chains = chains
	m.password = append([]byte(nil), password...)
	m.unlocked = true
	m.logger.Info().Int("keychains", len(chains)).Msg("Vault unlocked")
	return nil
}

// Lock drops all key material from memory.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return
	}
	m.wipeLocked()
	m.logger.Info().Msg("Vault locked")
}

// Wipe deletes the vault from storage and locks.
func (m *Manager) Wipe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wipeLocked()
	if p, ok := m.db.(*storage.PrefixDB); ok {
		if err := p.Clear(); err != nil {
			return fmt.Errorf("wipe vault: %w", err)
		}
	} else if err := m.db.Delete(vaultKey); err != nil {
		return fmt.Errorf("wipe vault: %w", err)
	}
	m.logger.Warn().Msg("Vault wiped")
	return nil
}

// VerifyPassword checks password against the vault.
func (m *Manager) VerifyPassword(password []byte) bool {
	m.mu.RLock()
	if m.unlocked {
		ok := subtle.ConstantTimeCompare(m.password, password) == 1
		m.mu.RUnlock()
		return ok
	}
	m.mu.RUnlock()

	blob, err := m.db.Get(vaultKey)
	if err != nil {
		return false
	}
	plain, err := Decrypt(blob, password)
	if err != nil {
		return false
	}
	zero(plain)
	return true
}

// AddKeychain adds a keychain and returns its id. Addresses already owned by
// a read-only keychain are taken over; any other overlap fails with
// ErrDuplicateAccount and leaves the store unchanged.
func (m *Manager) AddKeychain(ctx context.Context, d Descriptor) (string, error) {
	if !m.IsUnlocked() {
		return "", ErrAuthRequired
	}
	kc, err := m.build(ctx, uuid.NewString(), d)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return "", ErrAuthRequired
	}
	for _, a := range kc.accounts() {
		if err := m.claimLocked(a.Address); err != nil {
			return "", err
		}
	}

	prev := m.chains
	next := make([]keychain, 0, len(prev)+1)
	for _, existing := range prev {
		if existing.kind() == KindReadOnly && ownsAny(kc, existing.accounts()) {
			m.logger.Info().Str("id", existing.id()).Msg("Watch-only account upgraded")
			continue
		}
		next = append(next, existing)
	}
	m.chains = append(next, kc)
	if err := m.persistLocked(); err != nil {
		m.chains = prev
		return "", err
	}

	m.logger.Info().
		Str("id", kc.id()).
		Str("kind", kc.kind().String()).
		Int("accounts", len(kc.accounts())).
		Msg("Keychain added")
	return kc.id(), nil
}

// build materializes a keychain from d. HD discovery runs here, outside the
// manager lock.
func (m *Manager) build(ctx context.Context, id string, d Descriptor) (keychain, error) {
	switch d := d.(type) {
	case HDDescriptor:
		mnemonic := d.Mnemonic
		if mnemonic == "" {
			var err error
			if mnemonic, err = GenerateMnemonic(MnemonicEntropyBits12); err != nil {
				return nil, err
			}
		}
		enabled := d.AccountsEnabled
		if d.AutoDiscover && m.cfg.Oracle != nil {
			probe, err := newHD(id, mnemonic, d.Imported, 1)
			if err != nil {
				return nil, err
			}
			n, err := discovery.Scanner{BatchSize: m.cfg.DiscoveryBatch}.Discover(ctx, probe.deriveAddress, m.cfg.Oracle)
			if err != nil {
				return nil, err
			}
			enabled = uint32(n)
		}
		return newHD(id, mnemonic, d.Imported, enabled)
	case KeyPairDescriptor:
		return newKeyPair(id, d.PrivateKey)
	case HardwareDescriptor:
		if len(d.Accounts) == 0 {
			return nil, fmt.Errorf("%w: hardware keychain needs at least one account", ErrInvalidDescriptor)
		}
		if d.Vendor == types.VendorNone {
			return nil, fmt.Errorf("%w: hardware keychain needs a vendor", ErrInvalidDescriptor)
		}
		seen := make(map[types.Address]bool)
		for _, a := range d.Accounts {
			if seen[a.Address] {
				return nil, fmt.Errorf("%w: %s listed twice", ErrDuplicateAccount, a.Address)
			}
			seen[a.Address] = true
		}
		return &hardwareKeychain{ID: id, vendor: d.Vendor, deviceID: d.DeviceID, accts: append([]Account(nil), d.Accounts...)}, nil
	case ReadOnlyDescriptor:
		if d.Address.IsZero() {
			return nil, fmt.Errorf("%w: empty address", ErrInvalidDescriptor)
		}
		return &readOnlyKeychain{ID: id, address: d.Address}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidDescriptor, d)
	}
}

// claimLocked fails if addr is owned by anything but a read-only keychain.
func (m *Manager) claimLocked(addr types.Address) error {
	for _, kc := range m.chains {
		if kc.owns(addr) && kc.kind() != KindReadOnly {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, addr)
		}
	}
	return nil
}

// AddAccount enables the next account of an HD keychain.
func (m *Manager) AddAccount(ctx context.Context, id string) (types.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return types.Address{}, ErrAuthRequired
	}
	kc, err := m.keychainLocked(id)
	if err != nil {
		return types.Address{}, err
	}
	hd, ok := kc.(*hdKeychain)
	if !ok {
		return types.Address{}, ErrNotSupported
	}

	prev := m.chains
	prevEnabled := hd.accountsEnabled
	rollback := func() {
		hd.derived = hd.derived[:prevEnabled]
		hd.accountsEnabled = prevEnabled
		m.chains = prev
	}

	acct, err := hd.deriveNext()
	if err != nil {
		return types.Address{}, err
	}
	next := make([]keychain, 0, len(prev))
	for _, other := range prev {
		if other != kc && other.owns(acct.addr) {
			if other.kind() != KindReadOnly {
				rollback()
				return types.Address{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, acct.addr)
			}
			continue
		}
		next = append(next, other)
	}
	m.chains = next
	if err := m.persistLocked(); err != nil {
		rollback()
		return types.Address{}, err
	}
	return acct.addr, nil
}

// RemoveAccount removes addr; a keychain left without accounts is removed too.
func (m *Manager) RemoveAccount(ctx context.Context, addr types.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return ErrAuthRequired
	}
	kc, err := m.ownerLocked(addr)
	if err != nil {
		return err
	}
	kc.removeAccount(addr)
	m.dropEmptyLocked()
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.logger.Info().Str("address", addr.String()).Msg("Account removed")
	return nil
}

// Accounts returns every address across all keychains, in keychain order.
// A locked manager has no accounts.
func (m *Manager) Accounts() []types.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Address
	for _, kc := range m.chains {
		out = append(out, addressesOf(kc.accounts())...)
	}
	return out
}

// Wallets describes every keychain.
func (m *Manager) Wallets() []Wallet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Wallet, 0, len(m.chains))
	for _, kc := range m.chains {
		out = append(out, kc.wallet())
	}
	return out
}

// Wallet describes the keychain owning addr.
func (m *Manager) Wallet(addr types.Address) (Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return Wallet{}, ErrAuthRequired
	}
	kc, err := m.ownerLocked(addr)
	if err != nil {
		return Wallet{}, err
	}
	return kc.wallet(), nil
}

// Account returns the account record (index, path) for addr.
func (m *Manager) Account(addr types.Address) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return Account{}, ErrAuthRequired
	}
	kc, err := m.ownerLocked(addr)
	if err != nil {
		return Account{}, err
	}
	for _, a := range kc.accounts() {
		if a.Address == addr {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

// GetSigner returns the local signing key for addr. Hardware accounts yield
// ErrExternalSigner and read-only accounts ErrReadOnly.
func (m *Manager) GetSigner(addr types.Address) (*crypto.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return nil, ErrAuthRequired
	}
	kc, err := m.ownerLocked(addr)
	if err != nil {
		return nil, err
	}
	return kc.signer(addr)
}

// ExportAccount returns the raw private key of addr after re-checking the
// password.
func (m *Manager) ExportAccount(ctx context.Context, addr types.Address, password []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.authorizeLocked(password); err != nil {
		return nil, err
	}
	kc, err := m.ownerLocked(addr)
	if err != nil {
		return nil, err
	}
	return kc.exportAccount(addr)
}

// ExportKeychain returns the keychain secret (mnemonic or hex key) after
// re-checking the password.
func (m *Manager) ExportKeychain(ctx context.Context, id string, password []byte) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.authorizeLocked(password); err != nil {
		return "", err
	}
	kc, err := m.keychainLocked(id)
	if err != nil {
		return "", err
	}
	return kc.exportSecret()
}

func (m *Manager) authorizeLocked(password []byte) error {
	if !m.unlocked {
		return ErrAuthRequired
	}
	if subtle.ConstantTimeCompare(m.password, password) != 1 {
		return ErrWrongPassword
	}
	return nil
}

func (m *Manager) ownerLocked(addr types.Address) (keychain, error) {
	for _, kc := range m.chains {
		if kc.owns(addr) {
			return kc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
}

func (m *Manager) keychainLocked(id string) (keychain, error) {
	for _, kc := range m.chains {
		if kc.id() == id {
			return kc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeychainNotFound, id)
}

func ownsAny(kc keychain, accts []Account) bool {
	for _, a := range accts {
		if kc.owns(a.Address) {
			return true
		}
	}
	return false
}

func (m *Manager) dropEmptyLocked() {
	out := m.chains[:0]
	for _, kc := range m.chains {
		if len(kc.accounts()) > 0 {
			out = append(out, kc)
		} else {
			m.logger.Debug().Str("id", kc.id()).Msg("Removed empty keychain")
		}
	}
	m.chains = out
}

func (m *Manager) persistLocked() error {
	vf := vaultFile{Version: 1, UpdatedAt: time.Now().UTC()}
	for _, kc := range m.chains {
		vf.Keychains = append(vf.Keychains, kc.record())
	}
	plain, err := json.Marshal(vf)
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}
	defer zero(plain)
	blob, err := Encrypt(plain, m.password, m.cfg.Params)
	if err != nil {
		return fmt.Errorf("encrypt vault: %w", err)
	}
	if err := m.db.Put(vaultKey, blob); err != nil {
		return fmt.Errorf("store vault: %w", err)
	}
	return nil
}

func (m *Manager) wipeLocked() {
	for _, kc := range m.chains {
		kc.wipe()
	}
	m.chains = nil
	zero(m.password)
	m.password = nil
	m.unlocked = false
}
