package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
)

const (
	wsPingInterval     = 30 * time.Second
	wsPingWriteTimeout = 5 * time.Second
	wsPongTimeout      = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsReadLimit        = 1 << 20
)

// WSPort is a Port over a websocket connection carrying one JSON Message
// per text frame.
type WSPort struct {
	name string
	conn *websocket.Conn

	writeMu sync.Mutex
	disc    disconnector
	quit    chan struct{}
	start   sync.Once
	logger  zerolog.Logger
}

// NewWSPort wraps an established connection. Delivery starts on Receive.
func NewWSPort(name string, conn *websocket.Conn) *WSPort {
	conn.SetReadLimit(wsReadLimit)
	p := &WSPort{
		name:   name,
		conn:   conn,
		quit:   make(chan struct{}),
		logger: klog.Relay.With().Str("port", name).Logger(),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})
	return p
}

// Name implements Port.
func (p *WSPort) Name() string { return p.name }

// Send implements Port.
func (p *WSPort) Send(msg Message) error {
	if p.disc.fired() {
		return ErrClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := p.conn.WriteJSON(msg); err != nil {
		go p.Close()
		return err
	}
	return nil
}

// Receive implements Port.
func (p *WSPort) Receive(fn func(Message)) {
	p.start.Do(func() {
		go p.readLoop(fn)
		go p.pingLoop()
	})
}

// OnDisconnect implements Port.
func (p *WSPort) OnDisconnect(fn func()) { p.disc.register(fn) }

// Close implements Port.
func (p *WSPort) Close() error {
	if !p.disc.fire() {
		return nil
	}
	close(p.quit)
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsPingWriteTimeout))
	p.writeMu.Unlock()
	return p.conn.Close()
}

func (p *WSPort) readLoop(fn func(Message)) {
	defer p.Close()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug().Err(err).Msg("Port read failed")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn().Err(err).Msg("Dropped undecodable frame")
			continue
		}
		fn(msg)
	}
}

func (p *WSPort) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPingWriteTimeout))
			p.writeMu.Unlock()
			if err != nil {
				p.Close()
				return
			}
			_ = p.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		}
	}
}
