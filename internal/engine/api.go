package engine

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/Klingon-tech/klingnet-vault/internal/keychain"
	"github.com/Klingon-tech/klingnet-vault/internal/requests"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// Relay topics between the relay context and the engine.
const (
	TopicProviderRequest = "provider.request"
	TopicProviderEvent   = "provider.event"
)

// Approval-UI topics. Requests flow UI → engine, except hw.sign.
const (
	TopicRequestsList    = "requests.list"
	TopicRequestsApprove = "requests.approve"
	TopicRequestsReject  = "requests.reject"
	TopicRequestsChanged = "requests.changed" // event, engine → UI

	TopicVaultStatus = "vault.status"
	TopicVaultCreate = "vault.create"
	TopicVaultUnlock = "vault.unlock"
	TopicVaultLock   = "vault.lock"

	TopicAccountsList   = "accounts.list"
	TopicAccountsAdd    = "accounts.add"
	TopicAccountsRemove = "accounts.remove"
	TopicAccountsExport = "accounts.export"
	TopicKeychainAdd    = "keychain.add"
	TopicKeychainExport = "keychain.export"

	TopicSessionsList   = "sessions.list"
	TopicSessionsRevoke = "sessions.revoke"
)

// Provider events.
const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
)

// ProviderRequest is a caller request forwarded by the relay.
type ProviderRequest struct {
	Origin string          `json:"origin"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Event is a broadcast notification for the callers of one host.
type Event struct {
	Host string          `json:"host"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HostOf extracts the host an origin is keyed by.
func HostOf(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return strings.ToLower(u.Host)
	}
	return strings.ToLower(origin)
}

// DecideParams is the payload of requests.approve and requests.reject.
type DecideParams struct {
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectApproval is the approval payload for account-granting requests.
// A zero Address selects the first account; a zero ChainID the default chain.
type ConnectApproval struct {
	Address types.Address `json:"address"`
	ChainID types.ChainID `json:"chainId"`
}

// PasswordParams carries a vault password.
type PasswordParams struct {
	Password string `json:"password"`
}

// VaultStatus answers vault.status.
type VaultStatus struct {
	HasVault bool   `json:"hasVault"`
	Unlocked bool   `json:"unlocked"`
	State    string `json:"state"`
	Pending  int    `json:"pending"`
}

// KeychainParams is the payload of keychain.add.
type KeychainParams struct {
	Type         keychain.Kind      `json:"type"`
	Mnemonic     string             `json:"mnemonic,omitempty"`
	Generate     bool               `json:"generate,omitempty"`
	AutoDiscover bool               `json:"autoDiscover,omitempty"`
	PrivateKey   string             `json:"privateKey,omitempty"`
	Vendor       types.Vendor       `json:"vendor,omitempty"`
	DeviceID     string             `json:"deviceId,omitempty"`
	Accounts     []keychain.Account `json:"accounts,omitempty"`
	Address      types.Address      `json:"address,omitempty"`
}

// KeychainResult answers keychain.add. Mnemonic is set only for generated
// seeds, so the user can back it up.
type KeychainResult struct {
	ID       string          `json:"id"`
	Mnemonic string          `json:"mnemonic,omitempty"`
	Wallet   keychain.Wallet `json:"wallet"`
}

// AccountParams names a keychain or an address.
type AccountParams struct {
	ID      string        `json:"id,omitempty"`
	Address types.Address `json:"address,omitempty"`
}

// ExportParams names the account (Address) or keychain (ID) to export and
// re-confirms the vault password.
type ExportParams struct {
	ID       string        `json:"id,omitempty"`
	Address  types.Address `json:"address,omitempty"`
	Password string        `json:"password"`
}

// ExportResult carries an exported secret: a 0x-hex private key for
// accounts, the mnemonic or hex key for keychains.
type ExportResult struct {
	Secret string `json:"secret"`
}

// HostParams names a session host.
type HostParams struct {
	Host string `json:"host"`
}

// PendingList answers requests.list and is the requests.changed payload.
type PendingList struct {
	Requests []requests.Request `json:"requests"`
}
