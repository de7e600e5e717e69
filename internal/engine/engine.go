// Package engine is the privileged context of the vault. It owns the
// custody store, nonce tracker, pending-request queue and hardware bridge,
// answers provider requests forwarded by the relay, and serves the
// approval UI.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/internal/hwbridge"
	"github.com/Klingon-tech/klingnet-vault/internal/keychain"
	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/nonce"
	"github.com/Klingon-tech/klingnet-vault/internal/relay"
	"github.com/Klingon-tech/klingnet-vault/internal/requests"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// tickInterval drives auto-lock and limiter cleanup.
const tickInterval = time.Second

// Config holds engine settings.
type Config struct {
	// DefaultChain is reported to hosts without a session.
	DefaultChain types.ChainID
	// Chains lists the chains sessions may switch to. DefaultChain is
	// always included.
	Chains []types.ChainID
	// AutoLock locks the vault after no approval UI has been open this
	// long. Zero disables it.
	AutoLock time.Duration
	// ApprovalTimeout bounds how long a request waits for the user. Zero
	// waits until the request is decided.
	ApprovalTimeout time.Duration
	RateLimit       RateLimit
}

// Deps are the stores and collaborators the engine drives.
type Deps struct {
	Keys     *keychain.Manager
	Nonces   *nonce.Tracker
	Feed     nonce.Feed
	Queue    *requests.Queue
	Bridge   *hwbridge.Bridge
	Sessions *Sessions
	// Upstreams answers read-only chain methods; may be nil.
	Upstreams *Upstreams
	// Broadcaster defaults to Upstreams.
	Broadcaster Broadcaster
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine is the privileged request handler.
type Engine struct {
	cfg         Config
	keys        *keychain.Manager
	nonces      *nonce.Tracker
	feed        nonce.Feed
	queue       *requests.Queue
	bridge      *hwbridge.Bridge
	sessions    *Sessions
	upstreams   *Upstreams
	broadcaster Broadcaster
	now         func() time.Time

	limiter *rateLimiter
	life    *Lifecycle

	mu     sync.Mutex
	relay  *relay.Messenger
	logger zerolog.Logger
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.DefaultChain == 0 {
		cfg.DefaultChain = 1
	}
	if cfg.RateLimit == (RateLimit{}) {
		cfg.RateLimit = DefaultRateLimit
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		cfg:         cfg,
		keys:        deps.Keys,
		nonces:      deps.Nonces,
		feed:        deps.Feed,
		queue:       deps.Queue,
		bridge:      deps.Bridge,
		sessions:    deps.Sessions,
		upstreams:   deps.Upstreams,
		broadcaster: deps.Broadcaster,
		now:         now,
		limiter:     newRateLimiter(cfg.RateLimit),
		logger:      klog.Engine,
	}
	if e.broadcaster == nil && deps.Upstreams != nil {
		e.broadcaster = deps.Upstreams
	}
	if e.bridge == nil {
		e.bridge = hwbridge.New()
	}
	e.life = newLifecycle(!e.keys.IsUnlocked(), cfg.AutoLock, now(), e.keys.Lock, e.logger)
	return e
}

// Lifecycle exposes the auto-lock state machine.
func (e *Engine) Lifecycle() *Lifecycle { return e.life }

// Serve answers provider requests arriving on m and publishes provider
// events through it.
func (e *Engine) Serve(m *relay.Messenger) {
	e.mu.Lock()
	e.relay = m
	e.mu.Unlock()

	m.Reply(TopicProviderRequest, func(ctx context.Context, msg relay.Message) (any, error) {
		var req ProviderRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, errInvalidParams("%v", err)
		}
		result, err := e.HandleProvider(ctx, req)
		if err != nil {
			return nil, providerError(err)
		}
		return result, nil
	})
}

// Run drives periodic work until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one round of periodic work at the engine's clock.
func (e *Engine) Tick() {
	now := e.now()
	e.life.Tick(now)
	e.limiter.prune(now)
}

// emit publishes a provider event for host.
func (e *Engine) emit(host, name string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		e.logger.Error().Err(err).Str("event", name).Msg("Encode event")
		return
	}
	e.mu.Lock()
	m := e.relay
	e.mu.Unlock()
	if m == nil {
		return
	}
	if err := m.Emit(TopicProviderEvent, Event{Host: host, Name: name, Data: raw}); err != nil {
		e.logger.Debug().Err(err).Str("host", host).Str("event", name).Msg("Event not delivered")
	}
}

func (e *Engine) supported(chain types.ChainID) bool {
	if chain == e.cfg.DefaultChain {
		return true
	}
	for _, c := range e.cfg.Chains {
		if c == chain {
			return true
		}
	}
	return false
}
