package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type echoParams struct {
	Text string `json:"text"`
}

// pair connects two messengers through a hub.
func pair(t *testing.T) (*Hub, *Messenger, *Messenger) {
	t.Helper()
	hub := NewHub()
	relay := Connect(hub, ContextRelay, ContextEngine)
	engine := Connect(hub, ContextEngine, ContextRelay)
	t.Cleanup(func() {
		relay.Close()
		engine.Close()
		hub.Close()
	})
	return hub, relay, engine
}

func TestMessenger_CallResolves(t *testing.T) {
	_, relay, engine := pair(t)
	engine.Reply("echo", func(_ context.Context, msg Message) (any, error) {
		var p echoParams
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
		return echoParams{Text: strings.ToUpper(p.Text)}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out echoParams
	if err := relay.Call(ctx, "echo", echoParams{Text: "hi"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "HI" {
		t.Errorf("got %q, want HI", out.Text)
	}
	if relay.Pending() != 0 {
		t.Errorf("pending = %d, want 0", relay.Pending())
	}
}

type codedErr struct{}

func (codedErr) Error() string  { return "user rejected" }
func (codedErr) ErrorCode() int { return 4001 }

func TestMessenger_RemoteErrorKeepsCode(t *testing.T) {
	_, relay, engine := pair(t)
	engine.Reply("sign", func(context.Context, Message) (any, error) {
		return nil, codedErr{}
	})

	err := relay.Call(context.Background(), "sign", nil, nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.Code != 4001 || re.Message != "user rejected" {
		t.Errorf("got %+v", re)
	}
}

func TestMessenger_UnknownTopic(t *testing.T) {
	_, relay, _ := pair(t)
	err := relay.Call(context.Background(), "nope", nil, nil)
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %v", err)
	}
}

func TestMessenger_MalformedReply(t *testing.T) {
	_, relay, engine := pair(t)
	engine.Reply("num", func(context.Context, Message) (any, error) {
		return "not a number", nil
	})
	var n int
	err := relay.Call(context.Background(), "num", nil, &n)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestMessenger_ConcurrentCallsCorrelate(t *testing.T) {
	_, relay, engine := pair(t)
	engine.Reply("echo", func(_ context.Context, msg Message) (any, error) {
		var p echoParams
		_ = json.Unmarshal(msg.Payload, &p)
		// Reverse completion order relative to send order.
		if p.Text == "slow" {
			time.Sleep(50 * time.Millisecond)
		}
		return p, nil
	})

	var wg sync.WaitGroup
	for _, text := range []string{"slow", "a", "b", "c"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			var out echoParams
			if err := relay.Call(context.Background(), "echo", echoParams{Text: text}, &out); err != nil {
				t.Errorf("Call(%s): %v", text, err)
				return
			}
			if out.Text != text {
				t.Errorf("reply for %q carried %q", text, out.Text)
			}
		}(text)
	}
	wg.Wait()
}

func TestMessenger_UnknownReplyIgnored(t *testing.T) {
	m := NewMessenger(ContextRelay, func(Message) error { return nil })
	defer m.Close()
	m.Deliver(Message{Kind: KindReply, Topic: "x", ID: "nobody-1", Payload: json.RawMessage(`1`)})
	if m.Pending() != 0 {
		t.Errorf("pending = %d", m.Pending())
	}
}

func TestMessenger_CloseOrphans(t *testing.T) {
	sent := make(chan Message, 1)
	m := NewMessenger(ContextRelay, func(msg Message) error {
		sent <- msg
		return nil
	})

	errc := make(chan error, 1)
	go func() { errc <- m.Call(context.Background(), "slow", nil, nil) }()

	req := <-sent
	m.Close()

	if err := <-errc; !errors.Is(err, ErrOrphaned) {
		t.Fatalf("expected ErrOrphaned, got %v", err)
	}
	// A reply after teardown is a no-op.
	m.Deliver(Message{Kind: KindReply, Topic: req.Topic, ID: req.ID})
	if err := m.Call(context.Background(), "slow", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after Close: %v", err)
	}
}

func TestMessenger_AbandonOnDisconnect(t *testing.T) {
	a, b := Pipe("relay", "ui")
	relay := Attach(ContextRelay, a)
	defer relay.Close()

	// The UI end never answers.
	b.Receive(func(Message) {})

	errc := make(chan error, 1)
	go func() { errc <- relay.Call(context.Background(), "sign", nil, nil) }()

	deadline := time.Now().Add(time.Second)
	for relay.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrAbandoned) {
			t.Fatalf("expected ErrAbandoned, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call not abandoned")
	}
	if err := a.Send(Message{Kind: KindEvent}); !errors.Is(err, ErrClosed) {
		t.Errorf("send on closed pipe: %v", err)
	}
}

func TestMessenger_CallerCancel(t *testing.T) {
	m := NewMessenger(ContextRelay, func(Message) error { return nil })
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Call(ctx, "never", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("pending = %d", m.Pending())
	}
}

func TestMessenger_IDsUnique(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	m := NewMessenger(ContextCaller, func(msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		if seen[msg.ID] {
			t.Errorf("duplicate id %s", msg.ID)
		}
		seen[msg.ID] = true
		return nil
	})
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 100; i++ {
		_ = m.Call(ctx, "t", nil, nil)
	}
	if len(seen) != 100 {
		t.Errorf("sent %d ids, want 100", len(seen))
	}
}

func TestMessenger_SendFailure(t *testing.T) {
	boom := errors.New("boom")
	m := NewMessenger(ContextCaller, func(Message) error { return boom })
	defer m.Close()
	if err := m.Call(context.Background(), "t", nil, nil); !errors.Is(err, boom) {
		t.Fatalf("expected send error, got %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("pending = %d", m.Pending())
	}
}

func TestMessenger_Events(t *testing.T) {
	_, relay, engine := pair(t)

	got := make(chan string, 2)
	cancel := relay.On("accountsChanged", func(msg Message) {
		got <- string(msg.Payload)
	})

	if err := engine.Emit("accountsChanged", []string{"0xabc"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case p := <-got:
		if p != `["0xabc"]` {
			t.Errorf("payload = %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	_ = engine.Emit("accountsChanged", []string{})
	select {
	case p := <-got:
		t.Errorf("unexpected event after cancel: %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateString(t *testing.T) {
	if StateAbandoned.String() != "ABANDONED" || StateInFlight.String() != "IN_FLIGHT" {
		t.Error("unexpected state names")
	}
}
