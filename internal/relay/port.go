package relay

import (
	"sync"
)

// Port is a long-lived bidirectional channel between two contexts. Unlike
// Transport it can tell when the other end goes away.
type Port interface {
	// Name identifies the port in logs.
	Name() string
	// Send queues msg for the peer.
	Send(msg Message) error
	// Receive installs the inbound handler and starts delivery. Call once,
	// after OnDisconnect.
	Receive(fn func(Message))
	// OnDisconnect registers fn to run once when the port closes from
	// either side.
	OnDisconnect(fn func())
	// Close disconnects the port.
	Close() error
}

// Attach returns a messenger for self speaking over port. Pending calls are
// abandoned when the port disconnects.
func Attach(self ContextID, port Port) *Messenger {
	m := NewMessenger(self, port.Send)
	port.OnDisconnect(func() {
		m.Abandon(port.Name() + " disconnected")
	})
	port.Receive(m.Deliver)
	return m
}

// disconnector fires registered callbacks exactly once.
type disconnector struct {
	mu   sync.Mutex
	done bool
	fns  []func()
}

func (d *disconnector) register(fn func()) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		fn()
		return
	}
	d.fns = append(d.fns, fn)
	d.mu.Unlock()
}

func (d *disconnector) fire() bool {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return false
	}
	d.done = true
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

func (d *disconnector) fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// pipeEnd is one side of an in-memory port pair.
type pipeEnd struct {
	name  string
	in    chan Message
	peer  *pipeEnd
	disc  *disconnector
	quit  chan struct{}
	start sync.Once
}

// Pipe returns two connected in-memory ports. Closing either end
// disconnects both.
func Pipe(nameA, nameB string) (Port, Port) {
	disc := &disconnector{}
	quit := make(chan struct{})
	a := &pipeEnd{name: nameA, in: make(chan Message, mailboxSize), disc: disc, quit: quit}
	b := &pipeEnd{name: nameB, in: make(chan Message, mailboxSize), disc: disc, quit: quit}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Name() string { return p.name }

func (p *pipeEnd) Send(msg Message) error {
	if p.disc.fired() {
		return ErrClosed
	}
	select {
	case p.peer.in <- msg:
		return nil
	case <-p.quit:
		return ErrClosed
	}
}

func (p *pipeEnd) Receive(fn func(Message)) {
	p.start.Do(func() {
		go func() {
			for {
				select {
				case <-p.quit:
					return
				case msg := <-p.in:
					fn(msg)
				}
			}
		}()
	})
}

func (p *pipeEnd) OnDisconnect(fn func()) { p.disc.register(fn) }

func (p *pipeEnd) Close() error {
	if p.disc.fire() {
		close(p.quit)
	}
	return nil
}
