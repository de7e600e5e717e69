package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/Klingon-tech/klingnet-vault/internal/keychain"
	"github.com/Klingon-tech/klingnet-vault/internal/relay"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// AttachApproval serves an approval UI over port until it disconnects.
// While attached the UI receives requests.changed events and hardware
// signing requests.
func (e *Engine) AttachApproval(port relay.Port) *relay.Messenger {
	m := relay.Attach(relay.ContextEngine, port)
	e.registerApproval(m)

	detachBridge := e.bridge.Attach(m)
	e.life.Attach()

	changes, unsubscribe := e.queue.Subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-changes:
				if err := m.Emit(TopicRequestsChanged, PendingList{Requests: e.queue.List()}); err != nil {
					e.logger.Debug().Err(err).Str("port", port.Name()).Msg("Queue update not delivered")
				}
			}
		}
	}()

	port.OnDisconnect(func() {
		close(done)
		unsubscribe()
		detachBridge()
		m.Close()
		e.life.Detach(e.now())
		e.logger.Info().Str("port", port.Name()).Msg("Approval UI detached")
	})
	e.logger.Info().Str("port", port.Name()).Msg("Approval UI attached")
	return m
}

// handle adapts a typed approval handler: the payload is decoded into P and
// errors are mapped to provider errors.
func handle[P any](m *relay.Messenger, topic string, fn func(ctx context.Context, p P) (any, error)) {
	m.Reply(topic, func(ctx context.Context, msg relay.Message) (any, error) {
		var p P
		if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return nil, errInvalidParams("%v", err)
			}
		}
		out, err := fn(ctx, p)
		if err != nil {
			return nil, providerError(err)
		}
		return out, nil
	})
}

type none struct{}

func (e *Engine) registerApproval(m *relay.Messenger) {
	handle(m, TopicRequestsList, func(context.Context, none) (any, error) {
		return PendingList{Requests: e.queue.List()}, nil
	})
	handle(m, TopicRequestsApprove, func(_ context.Context, p DecideParams) (any, error) {
		return true, e.queue.Approve(p.ID, p.Payload)
	})
	handle(m, TopicRequestsReject, func(_ context.Context, p DecideParams) (any, error) {
		return true, e.queue.Reject(p.ID)
	})

	handle(m, TopicVaultStatus, func(context.Context, none) (any, error) {
		return e.status(), nil
	})
	handle(m, TopicVaultCreate, func(ctx context.Context, p PasswordParams) (any, error) {
		if err := e.keys.SetPassword(ctx, []byte(p.Password)); err != nil {
			return nil, err
		}
		e.life.Unlocked(e.now())
		return e.status(), nil
	})
	handle(m, TopicVaultUnlock, func(ctx context.Context, p PasswordParams) (any, error) {
		if err := e.keys.Unlock(ctx, []byte(p.Password)); err != nil {
			return nil, err
		}
		e.life.Unlocked(e.now())
		return e.status(), nil
	})
	handle(m, TopicVaultLock, func(context.Context, none) (any, error) {
		e.Lock()
		return e.status(), nil
	})

	handle(m, TopicAccountsList, func(context.Context, none) (any, error) {
		if !e.keys.IsUnlocked() {
			return nil, keychain.ErrAuthRequired
		}
		return e.keys.Wallets(), nil
	})
	handle(m, TopicAccountsAdd, func(ctx context.Context, p AccountParams) (any, error) {
		return e.keys.AddAccount(ctx, p.ID)
	})
	handle(m, TopicAccountsRemove, func(ctx context.Context, p AccountParams) (any, error) {
		return true, e.removeAccount(ctx, p.Address)
	})
	handle(m, TopicAccountsExport, func(ctx context.Context, p ExportParams) (any, error) {
		secret, err := e.keys.ExportAccount(ctx, p.Address, []byte(p.Password))
		if err != nil {
			return nil, err
		}
		defer clear(secret)
		return ExportResult{Secret: "0x" + hex.EncodeToString(secret)}, nil
	})
	handle(m, TopicKeychainAdd, e.addKeychain)
	handle(m, TopicKeychainExport, func(ctx context.Context, p ExportParams) (any, error) {
		secret, err := e.keys.ExportKeychain(ctx, p.ID, []byte(p.Password))
		if err != nil {
			return nil, err
		}
		return ExportResult{Secret: secret}, nil
	})

	handle(m, TopicSessionsList, func(context.Context, none) (any, error) {
		return e.sessions.List(), nil
	})
	handle(m, TopicSessionsRevoke, func(_ context.Context, p HostParams) (any, error) {
		return true, e.revoke(strings.ToLower(p.Host))
	})
}

func (e *Engine) status() VaultStatus {
	return VaultStatus{
		HasVault: e.keys.HasVault(),
		Unlocked: e.keys.IsUnlocked(),
		State:    e.life.State().String(),
		Pending:  e.queue.Len(),
	}
}

// Lock wipes key material from memory. Pending requests stay queued.
func (e *Engine) Lock() {
	e.keys.Lock()
	e.life.Locked()
}

// removeAccount deletes addr and everything tied to it: nonce records and
// app sessions, whose hosts are told the account is gone.
func (e *Engine) removeAccount(ctx context.Context, addr types.Address) error {
	if err := e.keys.RemoveAccount(ctx, addr); err != nil {
		return err
	}
	if records := e.nonces.Records(addr); len(records) > 0 {
		if err := e.nonces.Forget(addr); err != nil {
			e.logger.Warn().Err(err).Str("address", addr.String()).Msg("Forget nonces")
		} else {
			e.logger.Info().Str("address", addr.String()).Int("chains", len(records)).Msg("Dropped nonce records")
		}
	}
	hosts, err := e.sessions.RemoveAddress(addr)
	for _, host := range hosts {
		e.emit(host, EventAccountsChanged, []types.Address{})
		e.emit(host, EventDisconnect, nil)
	}
	return err
}

func (e *Engine) addKeychain(ctx context.Context, p KeychainParams) (any, error) {
	var (
		d        keychain.Descriptor
		mnemonic string
	)
	switch p.Type {
	case keychain.KindHD:
		phrase := p.Mnemonic
		if phrase == "" {
			if !p.Generate {
				return nil, errInvalidParams("mnemonic required unless generate is set")
			}
			var err error
			if phrase, err = keychain.GenerateMnemonic(keychain.MnemonicEntropyBits12); err != nil {
				return nil, err
			}
			mnemonic = phrase
		}
		d = keychain.HDDescriptor{Mnemonic: phrase, Imported: p.Mnemonic != "", AutoDiscover: p.AutoDiscover}
	case keychain.KindKeyPair:
		secret, err := hex.DecodeString(strings.TrimPrefix(p.PrivateKey, "0x"))
		if err != nil {
			return nil, errInvalidParams("private key must be hex")
		}
		d = keychain.KeyPairDescriptor{PrivateKey: secret}
	case keychain.KindHardware:
		d = keychain.HardwareDescriptor{Vendor: p.Vendor, DeviceID: p.DeviceID, Accounts: p.Accounts}
	case keychain.KindReadOnly:
		d = keychain.ReadOnlyDescriptor{Address: p.Address}
	default:
		return nil, errInvalidParams("unknown keychain type %v", p.Type)
	}

	id, err := e.keys.AddKeychain(ctx, d)
	if err != nil {
		return nil, err
	}
	res := KeychainResult{ID: id, Mnemonic: mnemonic}
	for _, w := range e.keys.Wallets() {
		if w.ID == id {
			res.Wallet = w
			break
		}
	}
	return res, nil
}
