package hwbridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/relay"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// Errors drivers report for common device conditions.
var (
	ErrUserRejected   = errors.New("user rejected on device")
	ErrDeviceLocked   = errors.New("device is locked")
	ErrDeviceNotFound = errors.New("device not found")
)

// Driver abstracts one hardware wallet vendor.
type Driver interface {
	Vendor() types.Vendor
	SignTransaction(ctx context.Context, path string, tx json.RawMessage) ([]byte, error)
	SignMessage(ctx context.Context, path string, msg []byte) ([]byte, error)
	SignTypedData(ctx context.Context, path string, data TypedData) ([]byte, error)
}

// Responder is the approval-UI side: it answers signing requests by
// dispatching them to the driver for the requested vendor.
type Responder struct {
	mu      sync.RWMutex
	drivers map[types.Vendor]Driver
	logger  zerolog.Logger
}

// NewResponder creates a responder for the given drivers.
func NewResponder(drivers ...Driver) *Responder {
	r := &Responder{
		drivers: make(map[types.Vendor]Driver),
		logger:  klog.HWBridge.With().Str("side", "ui").Logger(),
	}
	for _, d := range drivers {
		r.drivers[d.Vendor()] = d
	}
	return r
}

// Register installs the responder's handler on the UI's messenger.
func (r *Responder) Register(m *relay.Messenger) {
	m.Reply(TopicSign, func(ctx context.Context, msg relay.Message) (any, error) {
		var req Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, &relay.RemoteError{Code: -32602, Message: "malformed hw request: " + err.Error()}
		}
		return r.Handle(ctx, req), nil
	})
}

// Handle signs req with the matching driver. Device and driver failures are
// reported in the response, never as a transport error.
func (r *Responder) Handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}
	if err := req.Validate(); err != nil {
		resp.Error = err.Error()
		return resp
	}

	r.mu.RLock()
	d, ok := r.drivers[req.Vendor]
	r.mu.RUnlock()
	if !ok {
		resp.Error = fmt.Sprintf("no %s driver available", req.Vendor)
		return resp
	}

	var (
		sig []byte
		err error
	)
	switch req.Action {
	case ActionSignTransaction:
		sig, err = d.SignTransaction(ctx, req.Path, req.Payload)
	case ActionSignMessage:
		var msg []byte
		if msg, err = MessageBytes(req.Payload); err == nil {
			sig, err = d.SignMessage(ctx, req.Path, msg)
		}
	case ActionSignTypedData:
		var td TypedData
		if err = json.Unmarshal(req.Payload, &td); err == nil {
			sig, err = d.SignTypedData(ctx, req.Path, td)
		}
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}
	if err != nil {
		r.logger.Info().Err(err).Str("id", req.ID).Str("vendor", req.Vendor.String()).Msg("Device signing failed")
		resp.Error = err.Error()
		return resp
	}
	resp.Signature = "0x" + hex.EncodeToString(sig)
	return resp
}
