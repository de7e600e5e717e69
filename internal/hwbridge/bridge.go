package hwbridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/relay"
)

// Status is the lifecycle of a signing request as seen by the engine.
type Status int

const (
	StatusPending Status = iota
	StatusSigned
	StatusRejected
	StatusAbandoned
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSigned:
		return "signed"
	case StatusRejected:
		return "rejected"
	case StatusAbandoned:
		return "abandoned"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return s != StatusPending }

// maxTracked bounds the status history.
const maxTracked = 512

// Bridge is the engine side of the protocol. Requests go to the most
// recently attached approval UI that is still connected.
type Bridge struct {
	mu       sync.Mutex
	uis      []*relay.Messenger
	statuses map[string]Status
	order    []string

	prefix string
	seq    atomic.Uint64
	logger zerolog.Logger
}

// New creates a bridge with no approval UI attached.
func New() *Bridge {
	return &Bridge{
		statuses: make(map[string]Status),
		prefix:   "hw-" + uuid.NewString()[:8],
		logger:   klog.HWBridge,
	}
}

// Attach binds an approval-UI messenger. The returned func detaches it;
// callers invoke it when the UI's port disconnects.
func (b *Bridge) Attach(ui *relay.Messenger) (detach func()) {
	b.mu.Lock()
	b.uis = append(b.uis, ui)
	b.mu.Unlock()
	b.logger.Debug().Str("ui", string(ui.Self())).Msg("Approval UI attached")

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, m := range b.uis {
				if m == ui {
					b.uis = append(b.uis[:i], b.uis[i+1:]...)
					break
				}
			}
		})
	}
}

// Attached reports whether any approval UI is bound.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uis) > 0
}

// Sign asks the device behind the approval UI to sign req and returns the
// signature. Every call ends in a signature, a *DeviceRejectedError,
// ErrAbandoned, ErrProtocol or the context's error.
func (b *Bridge) Sign(ctx context.Context, req Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("hw request: %w", err)
	}
	if req.ID == "" {
		req.ID = fmt.Sprintf("%s-%d", b.prefix, b.seq.Add(1))
	}

	b.mu.Lock()
	if _, dup := b.statuses[req.ID]; dup {
		b.mu.Unlock()
		return nil, fmt.Errorf("hw request %s already issued", req.ID)
	}
	var ui *relay.Messenger
	if n := len(b.uis); n > 0 {
		ui = b.uis[n-1]
	}
	b.trackLocked(req.ID, StatusPending)
	b.mu.Unlock()

	logger := b.logger.With().Str("id", req.ID).Str("action", string(req.Action)).Str("vendor", req.Vendor.String()).Logger()
	if ui == nil {
		b.finish(req.ID, StatusAbandoned)
		return nil, fmt.Errorf("%w: no approval UI attached", ErrAbandoned)
	}

	logger.Debug().Msg("Hardware signing request sent")
	var resp Response
	err := ui.Call(ctx, TopicSign, req, &resp)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrAbandoned), errors.Is(err, relay.ErrOrphaned), errors.Is(err, relay.ErrClosed):
		b.finish(req.ID, StatusAbandoned)
		logger.Info().Err(err).Msg("Hardware signing abandoned")
		return nil, fmt.Errorf("%w: %v", ErrAbandoned, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		b.finish(req.ID, StatusAbandoned)
		return nil, err
	default:
		// Transport errors and handler errors alike mean the other side
		// did not speak the protocol.
		b.finish(req.ID, StatusFailed)
		logger.Warn().Err(err).Msg("Hardware signing failed")
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if resp.ID != req.ID {
		b.finish(req.ID, StatusFailed)
		return nil, fmt.Errorf("%w: response id %q for request %q", ErrProtocol, resp.ID, req.ID)
	}
	if resp.Error != "" {
		b.finish(req.ID, StatusRejected)
		logger.Info().Str("reason", resp.Error).Msg("Device rejected signing")
		return nil, &DeviceRejectedError{Reason: resp.Error}
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(resp.Signature, "0x"))
	if err != nil || len(sig) == 0 {
		b.finish(req.ID, StatusFailed)
		return nil, fmt.Errorf("%w: bad signature encoding", ErrProtocol)
	}
	b.finish(req.ID, StatusSigned)
	logger.Debug().Msg("Hardware signature received")
	return sig, nil
}

// Status returns the last known status of request id.
func (b *Bridge) Status(id string) (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.statuses[id]
	return s, ok
}

// finish moves id to a terminal status. Terminal statuses never change.
func (b *Bridge) finish(id string, s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.statuses[id]; ok && cur.Terminal() {
		return
	}
	b.trackLocked(id, s)
}

func (b *Bridge) trackLocked(id string, s Status) {
	if _, ok := b.statuses[id]; !ok {
		b.order = append(b.order, id)
		if len(b.order) > maxTracked {
			old := b.order[0]
			b.order = b.order[1:]
			delete(b.statuses, old)
		}
	}
	b.statuses[id] = s
}
