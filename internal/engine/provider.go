package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/internal/hwbridge"
	"github.com/Klingon-tech/klingnet-vault/internal/keychain"
	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/requests"
	"github.com/Klingon-tech/klingnet-vault/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// forwarded methods are read-only and answered by the session chain's node.
var forwarded = map[string]bool{
	"eth_blockNumber":           true,
	"eth_getBalance":            true,
	"eth_call":                  true,
	"eth_estimateGas":           true,
	"eth_gasPrice":              true,
	"eth_getCode":               true,
	"eth_getTransactionByHash":  true,
	"eth_getTransactionReceipt": true,
	"eth_getTransactionCount":   true,
	"eth_getBlockByNumber":      true,
}

// Permission is an EIP-2255 permission descriptor.
type Permission struct {
	ParentCapability string `json:"parentCapability"`
	Invoker          string `json:"invoker"`
}

// HandleProvider answers one caller request.
func (e *Engine) HandleProvider(ctx context.Context, req ProviderRequest) (any, error) {
	host := HostOf(req.Origin)
	logger := klog.WithOrigin(e.logger, host)

	if !skipRateLimit(req.Method) && !e.limiter.allow(host, e.now()) {
		logger.Warn().Str("method", req.Method).Msg("Rate limit exceeded")
		return nil, errRateLimited
	}
	sess, connected := e.sessions.Get(host)

	switch req.Method {
	case "eth_chainId":
		if connected {
			return sess.ChainID, nil
		}
		return e.cfg.DefaultChain, nil
	case "eth_coinbase":
		if connected {
			return sess.Address, nil
		}
		return nil, nil
	case "eth_accounts":
		if connected {
			return []types.Address{sess.Address}, nil
		}
		return []types.Address{}, nil
	case "eth_requestAccounts":
		return e.requestAccounts(ctx, req, host, logger)
	case "wallet_requestPermissions":
		if _, err := e.requestAccounts(ctx, req, host, logger); err != nil {
			return nil, err
		}
		return []Permission{{ParentCapability: "eth_accounts", Invoker: req.Origin}}, nil
	case "wallet_getPermissions":
		if !connected {
			return []Permission{}, nil
		}
		return []Permission{{ParentCapability: "eth_accounts", Invoker: sess.Origin}}, nil
	case "wallet_revokePermissions":
		return nil, e.revoke(host)
	case "wallet_switchEthereumChain":
		return nil, e.switchChain(req.Params, host, sess, connected, logger)
	case "eth_sendTransaction", "eth_signTransaction":
		return e.transaction(ctx, req, sess, connected, logger)
	case "personal_sign":
		return e.personalSign(ctx, req, sess, connected)
	case "eth_signTypedData", "eth_signTypedData_v3", "eth_signTypedData_v4":
		return e.signTypedData(ctx, req, sess, connected)
	default:
		if forwarded[req.Method] {
			return e.forward(ctx, req, sess, connected)
		}
		logger.Debug().Str("method", req.Method).Msg("Unsupported provider method")
		return nil, errUnsupported(req.Method)
	}
}

// await queues req for the user and blocks until it is decided, returning
// the approval payload.
func (e *Engine) await(ctx context.Context, req ProviderRequest) (json.RawMessage, error) {
	pending := requests.Request{
		ID:        e.queue.NextID(),
		Method:    req.Method,
		Params:    req.Params,
		Origin:    req.Origin,
		Timestamp: e.now(),
	}
	if !e.queue.Add(pending) {
		return nil, errRequestPending
	}
	if e.cfg.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ApprovalTimeout)
		defer cancel()
	}
	logger := klog.WithRequest(klog.WithOrigin(e.logger, HostOf(req.Origin)), pending.ID, req.Method)
	logger.Debug().Msg("Awaiting approval")
	res, err := e.queue.Wait(ctx, pending.ID)
	if err != nil {
		logger.Debug().Err(err).Msg("Approval wait ended")
		return nil, err
	}
	if res.Status != requests.StatusApproved {
		logger.Info().Msg("Request rejected")
		return nil, errUserRejected
	}
	logger.Debug().Msg("Request approved")
	return res.Payload, nil
}

func (e *Engine) requestAccounts(ctx context.Context, req ProviderRequest, host string, logger zerolog.Logger) ([]types.Address, error) {
	if sess, ok := e.sessions.Get(host); ok {
		return []types.Address{sess.Address}, nil
	}
	payload, err := e.await(ctx, req)
	if err != nil {
		return nil, err
	}

	var approval ConnectApproval
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &approval); err != nil {
			return nil, fmt.Errorf("decode approval: %w", err)
		}
	}
	if approval.Address.IsZero() {
		accounts := e.keys.Accounts()
		if len(accounts) == 0 {
			return nil, errUnauthorized
		}
		approval.Address = accounts[0]
	}
	if _, err := e.keys.Account(approval.Address); err != nil {
		return nil, err
	}
	if approval.ChainID == 0 {
		approval.ChainID = e.cfg.DefaultChain
	}
	if !e.supported(approval.ChainID) {
		return nil, newError(CodeUnrecognizedChain, "unrecognized chain %s", approval.ChainID)
	}

	sess := Session{
		Host:        host,
		Origin:      req.Origin,
		Address:     approval.Address,
		ChainID:     approval.ChainID,
		ConnectedAt: e.now(),
	}
	if err := e.sessions.Put(sess); err != nil {
		return nil, err
	}
	logger.Info().Str("address", sess.Address.String()).Str("chain", sess.ChainID.String()).Msg("App connected")

	e.emit(host, EventConnect, map[string]types.ChainID{"chainId": sess.ChainID})
	e.emit(host, EventAccountsChanged, []types.Address{sess.Address})
	return []types.Address{sess.Address}, nil
}

func (e *Engine) revoke(host string) error {
	removed, err := e.sessions.Remove(host)
	if err != nil {
		return err
	}
	if removed {
		e.logger.Info().Str("host", host).Msg("App disconnected")
		e.emit(host, EventAccountsChanged, []types.Address{})
		e.emit(host, EventDisconnect, nil)
	}
	return nil
}

func (e *Engine) switchChain(params json.RawMessage, host string, sess Session, connected bool, logger zerolog.Logger) error {
	var p struct {
		ChainID *types.ChainID `json:"chainId"`
	}
	if err := firstParam(params, &p); err != nil || p.ChainID == nil {
		return errInvalidParams("expected [{chainId}]")
	}
	if !e.supported(*p.ChainID) {
		return newError(CodeUnrecognizedChain, "unrecognized chain %s", *p.ChainID)
	}
	if !connected {
		return errUnauthorized
	}
	if sess.ChainID == *p.ChainID {
		return nil
	}
	sess.ChainID = *p.ChainID
	if err := e.sessions.Put(sess); err != nil {
		return err
	}
	logger.Info().Str("chain", sess.ChainID.String()).Msg("App switched chain")
	e.emit(host, EventChainChanged, sess.ChainID)
	return nil
}

func (e *Engine) transaction(ctx context.Context, req ProviderRequest, sess Session, connected bool, logger zerolog.Logger) (string, error) {
	var tx Transaction
	if err := firstParam(req.Params, &tx); err != nil {
		return "", errInvalidParams("%v", err)
	}
	if !connected || tx.From != sess.Address {
		return "", errUnauthorized
	}
	if tx.ChainID != 0 && tx.ChainID != sess.ChainID {
		return "", errInvalidParams("chainId %s does not match the connected chain %s", tx.ChainID, sess.ChainID)
	}
	tx.ChainID = sess.ChainID
	if err := tx.validate(); err != nil {
		return "", errInvalidParams("%v", err)
	}
	if req.Method == "eth_sendTransaction" && e.broadcaster == nil {
		return "", errDisconnected
	}

	if _, err := e.await(ctx, req); err != nil {
		return "", err
	}

	n, err := e.nonces.Reserve(ctx, e.feed, tx.From, tx.ChainID)
	if err != nil {
		return "", err
	}
	release := func() {
		if err := e.nonces.Release(tx.From, tx.ChainID, n); err != nil {
			logger.Warn().Err(err).Uint64("nonce", n).Msg("Nonce release failed")
		}
	}
	tx.Nonce = fmt.Sprintf("0x%x", n)

	payload, err := json.Marshal(tx)
	if err != nil {
		release()
		return "", err
	}
	sig, err := e.sign(ctx, tx.From, hwbridge.ActionSignTransaction, payload)
	if err != nil {
		release()
		return "", err
	}
	signed := SignedTransaction{Transaction: tx, Signature: "0x" + hex.EncodeToString(sig)}
	raw, err := signed.Raw()
	if err != nil {
		release()
		return "", err
	}
	if req.Method == "eth_signTransaction" {
		logger.Info().Stringer("digest", crypto.Hash(payload)).Uint64("nonce", n).Msg("Transaction signed")
		return raw, nil
	}

	hash, err := e.broadcaster.Broadcast(ctx, tx.ChainID, raw)
	if err != nil {
		release()
		logger.Warn().Err(err).Uint64("nonce", n).Msg("Broadcast failed")
		return "", newError(CodeTransactionRejected, "%v", err)
	}
	if err := e.nonces.Commit(tx.From, tx.ChainID, n); err != nil {
		logger.Warn().Err(err).Msg("Nonce commit failed")
	}
	logger.Info().Str("hash", hash).Uint64("nonce", n).Msg("Transaction sent")
	return hash, nil
}

func (e *Engine) personalSign(ctx context.Context, req ProviderRequest, sess Session, connected bool) (string, error) {
	addr, data, err := splitSignParams(req.Params)
	if err != nil {
		return "", errInvalidParams("%v", err)
	}
	if !connected || addr != sess.Address {
		return "", errUnauthorized
	}
	if _, err := hwbridge.MessageBytes(data); err != nil {
		return "", errInvalidParams("%v", err)
	}
	if _, err := e.await(ctx, req); err != nil {
		return "", err
	}
	sig, err := e.sign(ctx, addr, hwbridge.ActionSignMessage, data)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func (e *Engine) signTypedData(ctx context.Context, req ProviderRequest, sess Session, connected bool) (string, error) {
	addr, data, err := splitSignParams(req.Params)
	if err != nil {
		return "", errInvalidParams("%v", err)
	}
	if !connected || addr != sess.Address {
		return "", errUnauthorized
	}
	payload, err := typedDataPayload(data)
	if err != nil {
		return "", errInvalidParams("%v", err)
	}
	if chain, ok := typedDataChain(payload); ok && chain != sess.ChainID {
		return "", errInvalidParams("domain chainId %s does not match the connected chain %s", chain, sess.ChainID)
	}
	if _, err := e.await(ctx, req); err != nil {
		return "", err
	}
	sig, err := e.sign(ctx, addr, hwbridge.ActionSignTypedData, payload)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// sign signs payload for addr with the local key, or through the hardware
// bridge for device accounts.
func (e *Engine) sign(ctx context.Context, addr types.Address, action hwbridge.Action, payload json.RawMessage) ([]byte, error) {
	key, err := e.keys.GetSigner(addr)
	switch {
	case err == nil:
		defer key.Zero()
		digest, err := hwbridge.Digest(action, payload)
		if err != nil {
			return nil, errInvalidParams("%v", err)
		}
		return key.Sign(digest)
	case errors.Is(err, keychain.ErrExternalSigner):
		w, err := e.keys.Wallet(addr)
		if err != nil {
			return nil, err
		}
		acct, err := e.keys.Account(addr)
		if err != nil {
			return nil, err
		}
		return e.bridge.Sign(ctx, hwbridge.Request{
			Action:  action,
			Vendor:  w.Vendor,
			Path:    acct.Path,
			Payload: payload,
		})
	default:
		return nil, err
	}
}

func (e *Engine) forward(ctx context.Context, req ProviderRequest, sess Session, connected bool) (json.RawMessage, error) {
	chain := e.cfg.DefaultChain
	if connected {
		chain = sess.ChainID
	}
	client, ok := e.upstreams.Client(chain)
	if !ok {
		return nil, newError(CodeDisconnected, "no node for chain %s", chain)
	}
	var params any = req.Params
	if len(req.Params) == 0 {
		params = []any{}
	}
	var result json.RawMessage
	if err := client.CallContext(ctx, req.Method, params, &result); err != nil {
		var rerr *rpcclient.RPCError
		if errors.As(err, &rerr) {
			return nil, &ProviderError{Code: rerr.Code, Message: rerr.Message}
		}
		return nil, newError(CodeInternal, "%v", err)
	}
	return result, nil
}
