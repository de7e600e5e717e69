package relay

import (
	"sync"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
)

const mailboxSize = 256

// Transport is the host's message-passing primitive: fire-and-forget sends
// addressed to a context, and a per-context inbound hook.
type Transport interface {
	SendToContext(to ContextID, msg Message) error
	OnMessage(self ContextID, fn func(Message)) (unsubscribe func())
}

type mailbox struct {
	ch   chan Message
	fns  map[int]func(Message)
	next int
	quit chan struct{}
}

// Hub is an in-process Transport. Each context gets a mailbox drained by a
// single goroutine, so a context sees its messages one at a time and in
// send order. Delivery is at-most-once: messages for a context that is not
// listening, or whose mailbox is full, are dropped.
type Hub struct {
	mu     sync.Mutex
	boxes  map[ContextID]*mailbox
	closed bool
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		boxes:  make(map[ContextID]*mailbox),
		logger: klog.Relay.With().Str("transport", "hub").Logger(),
	}
}

// SendToContext implements Transport. It never blocks.
func (h *Hub) SendToContext(to ContextID, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	box, ok := h.boxes[to]
	if !ok {
		h.logger.Debug().Str("to", string(to)).Str("topic", msg.Topic).Msg("Dropped message for absent context")
		return nil
	}
	select {
	case box.ch <- msg:
	default:
		h.logger.Warn().Str("to", string(to)).Str("topic", msg.Topic).Msg("Mailbox full, message dropped")
	}
	return nil
}

// OnMessage implements Transport. The mailbox for self is created on the
// first subscription and torn down with the last one.
func (h *Hub) OnMessage(self ContextID, fn func(Message)) func() {
	h.mu.Lock()
	box, ok := h.boxes[self]
	if !ok {
		box = &mailbox{
			ch:   make(chan Message, mailboxSize),
			fns:  make(map[int]func(Message)),
			quit: make(chan struct{}),
		}
		h.boxes[self] = box
		go h.drain(box)
	}
	id := box.next
	box.next++
	box.fns[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(box.fns, id)
			if len(box.fns) == 0 && h.boxes[self] == box {
				delete(h.boxes, self)
				close(box.quit)
			}
		})
	}
}

func (h *Hub) drain(box *mailbox) {
	for {
		select {
		case <-box.quit:
			return
		case msg := <-box.ch:
			h.mu.Lock()
			fns := make([]func(Message), 0, len(box.fns))
			for i := 0; i < box.next; i++ {
				if fn, ok := box.fns[i]; ok {
					fns = append(fns, fn)
				}
			}
			h.mu.Unlock()
			for _, fn := range fns {
				fn(msg)
			}
		}
	}
}

// Close drops every mailbox. Further sends fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, box := range h.boxes {
		close(box.quit)
		delete(h.boxes, id)
	}
}

// Connect returns a messenger for self whose outbound messages go to peer
// over t. Closing the messenger unsubscribes it.
func Connect(t Transport, self, peer ContextID) *Messenger {
	m := NewMessenger(self, func(msg Message) error {
		return t.SendToContext(peer, msg)
	})
	m.OnClose(t.OnMessage(self, m.Deliver))
	return m
}
