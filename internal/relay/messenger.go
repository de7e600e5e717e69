package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
)

// State is the lifecycle of one outgoing call.
type State int

const (
	StateCreated State = iota
	StateInFlight
	StateResolved
	StateOrphaned
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInFlight:
		return "IN_FLIGHT"
	case StateResolved:
		return "RESOLVED"
	case StateOrphaned:
		return "ORPHANED"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler answers a request. The returned value is JSON-encoded into the
// reply; a returned error becomes a RemoteError.
type Handler func(ctx context.Context, msg Message) (any, error)

// Listener receives events.
type Listener func(msg Message)

type outcome struct {
	payload json.RawMessage
	err     error
}

type call struct {
	topic string
	state State
	done  chan outcome
}

// Messenger is one context's endpoint towards a single peer. Every
// outgoing call gets an id unique for the messenger's lifetime
// (<epoch>-<seq>) and exactly one terminal outcome: a reply, abandonment
// on disconnect, orphaning on Close, or the caller's own context ending.
// Replies to unknown ids are ignored.
type Messenger struct {
	self  ContextID
	send  func(Message) error
	epoch string
	seq   atomic.Uint64

	mu        sync.Mutex
	calls     map[string]*call
	handlers  map[string]Handler
	listeners map[string][]*Listener
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	onStop []func()
	logger zerolog.Logger
}

// NewMessenger creates a messenger for context self that sends through send.
// Inbound messages must be passed to Deliver.
func NewMessenger(self ContextID, send func(Message) error) *Messenger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Messenger{
		self:      self,
		send:      send,
		epoch:     uuid.NewString()[:8],
		calls:     make(map[string]*call),
		handlers:  make(map[string]Handler),
		listeners: make(map[string][]*Listener),
		ctx:       ctx,
		cancel:    cancel,
		logger:    klog.Relay.With().Str("context", string(self)).Logger(),
	}
}

// Self returns the owning context.
func (m *Messenger) Self() ContextID { return m.self }

// Call sends a request on topic and waits for its reply, decoding the
// result into out (which may be nil).
func (m *Messenger) Call(ctx context.Context, topic string, payload, out any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	id := fmt.Sprintf("%s-%d", m.epoch, m.seq.Add(1))
	c := &call{topic: topic, state: StateCreated, done: make(chan outcome, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.calls[id] = c
	m.mu.Unlock()

	msg := Message{Kind: KindRequest, Topic: topic, ID: id, From: m.self, Payload: data}
	if err := m.send(msg); err != nil {
		m.evict(id)
		return fmt.Errorf("send %s: %w", topic, err)
	}
	m.mu.Lock()
	if c.state == StateCreated {
		c.state = StateInFlight
	}
	m.mu.Unlock()

	select {
	case res := <-c.done:
		if res.err != nil {
			return res.err
		}
		if out != nil && len(res.payload) > 0 {
			if err := json.Unmarshal(res.payload, out); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrProtocol, topic, err)
			}
		}
		return nil
	case <-ctx.Done():
		if m.evict(id) {
			m.logger.Debug().Str("topic", topic).Str("id", id).Msg("Call abandoned by caller")
			return ctx.Err()
		}
		// The outcome raced the cancellation; it wins.
		res := <-c.done
		if res.err != nil {
			return res.err
		}
		if out != nil && len(res.payload) > 0 {
			if err := json.Unmarshal(res.payload, out); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrProtocol, topic, err)
			}
		}
		return nil
	}
}

// evict drops a pending call. It reports whether the call was still pending.
func (m *Messenger) evict(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[id]; !ok {
		return false
	}
	delete(m.calls, id)
	return true
}

// Reply registers the handler for requests on topic.
func (m *Messenger) Reply(topic string, h Handler) {
	m.mu.Lock()
	m.handlers[topic] = h
	m.mu.Unlock()
}

// On subscribes to events on topic.
func (m *Messenger) On(topic string, l Listener) (cancel func()) {
	lp := &l
	m.mu.Lock()
	m.listeners[topic] = append(m.listeners[topic], lp)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		ls := m.listeners[topic]
		for i, x := range ls {
			if x == lp {
				m.listeners[topic] = append(ls[:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Emit sends a fire-and-forget event.
func (m *Messenger) Emit(topic string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return m.send(Message{Kind: KindEvent, Topic: topic, From: m.self, Payload: data})
}

// Deliver processes one inbound message. Request handlers run on their own
// goroutine so a slow handler never blocks the context's message loop.
func (m *Messenger) Deliver(msg Message) {
	switch msg.Kind {
	case KindReply:
		m.resolve(msg)
	case KindRequest:
		m.mu.Lock()
		h, ok := m.handlers[msg.Topic]
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if !ok {
			m.sendReply(msg, nil, &RemoteError{Code: CodeMethodNotFound, Message: "no handler for " + msg.Topic})
			return
		}
		go m.serve(h, msg)
	case KindEvent:
		m.mu.Lock()
		ls := append([]*Listener(nil), m.listeners[msg.Topic]...)
		m.mu.Unlock()
		for _, l := range ls {
			(*l)(msg)
		}
	default:
		m.logger.Warn().Str("kind", string(msg.Kind)).Str("topic", msg.Topic).Msg("Dropped message of unknown kind")
	}
}

func (m *Messenger) serve(h Handler, msg Message) {
	result, err := h(m.ctx, msg)
	if err != nil {
		m.sendReply(msg, nil, toRemote(err))
		return
	}
	data, err := encodePayload(result)
	if err != nil {
		m.sendReply(msg, nil, toRemote(err))
		return
	}
	m.sendReply(msg, data, nil)
}

func (m *Messenger) sendReply(req Message, payload json.RawMessage, rerr *RemoteError) {
	reply := Message{Kind: KindReply, Topic: req.Topic, ID: req.ID, From: m.self, Payload: payload, Error: rerr}
	if err := m.send(reply); err != nil {
		// The requester is gone; its side will orphan or abandon the call.
		m.logger.Debug().Err(err).Str("topic", req.Topic).Str("id", req.ID).Msg("Reply not delivered")
	}
}

func (m *Messenger) resolve(msg Message) {
	m.mu.Lock()
	c, ok := m.calls[msg.ID]
	if ok {
		delete(m.calls, msg.ID)
		c.state = StateResolved
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Debug().Str("topic", msg.Topic).Str("id", msg.ID).Msg("Ignored reply for unknown call")
		return
	}
	if msg.Error != nil {
		c.done <- outcome{err: msg.Error}
		return
	}
	c.done <- outcome{payload: msg.Payload}
}

// Pending returns the number of calls awaiting a reply.
func (m *Messenger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Abandon fails every pending call with err wrapped around ErrAbandoned.
// The messenger stays usable; later replies for those ids are ignored.
func (m *Messenger) Abandon(reason string) {
	m.terminate(StateAbandoned, fmt.Errorf("%w: %s", ErrAbandoned, reason))
}

// OnClose registers fn to run when the messenger closes.
func (m *Messenger) OnClose(fn func()) {
	m.mu.Lock()
	m.onStop = append(m.onStop, fn)
	m.mu.Unlock()
}

// Close tears the context down: pending calls are orphaned, running
// handlers see their context cancelled, and nothing more is sent.
func (m *Messenger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stops := m.onStop
	m.onStop = nil
	m.mu.Unlock()

	m.terminate(StateOrphaned, ErrOrphaned)
	m.cancel()
	for _, fn := range stops {
		fn()
	}
}

func (m *Messenger) terminate(state State, err error) {
	m.mu.Lock()
	calls := m.calls
	m.calls = make(map[string]*call)
	for _, c := range calls {
		c.state = state
	}
	m.mu.Unlock()

	for id, c := range calls {
		m.logger.Debug().Str("topic", c.topic).Str("id", id).Str("state", state.String()).Msg("Call terminated")
		c.done <- outcome{err: err}
	}
}
