package rpc

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/internal/engine"
	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
)

const (
	eventBuffer       = 32
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// subscriber is one /events connection.
type subscriber struct {
	host string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// eventHub fans provider events out to the subscribers of each host.
type eventHub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger zerolog.Logger
}

func newEventHub() *eventHub {
	return &eventHub{
		subs:   make(map[*subscriber]struct{}),
		logger: klog.RPC,
	}
}

func (h *eventHub) subscribe(host string) *subscriber {
	sub := &subscriber{
		host: host,
		send: make(chan []byte, eventBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *eventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.stop()
}

// publish delivers ev to every subscriber of its host. Slow subscribers
// miss events rather than block the engine.
func (h *eventHub) publish(ev engine.Event) {
	data, err := json.Marshal(Notification{
		JSONRPC: "2.0",
		Method:  NotificationMethod,
		Params:  EventParams{Event: ev.Name, Data: ev.Data},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Encode event notification")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.host != ev.Host {
			continue
		}
		select {
		case sub.send <- data:
		default:
			logger := klog.WithOrigin(h.logger, sub.host)
			logger.Warn().Str("event", ev.Name).Msg("Event dropped for slow subscriber")
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
}

// serve writes notifications to conn until the subscriber stops or the peer
// goes away. Inbound frames are discarded.
func (h *eventHub) serve(sub *subscriber, conn *websocket.Conn) {
	defer conn.Close()
	defer h.unsubscribe(sub)

	go func() {
		defer sub.stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-sub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case data := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		}
	}
}
