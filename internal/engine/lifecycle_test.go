package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLifecycle_AutoLock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	locks := 0
	l := newLifecycle(false, time.Minute, start, func() { locks++ }, zerolog.Nop())

	if l.State() != StateAllContextsClosed {
		t.Fatalf("initial state = %v", l.State())
	}
	l.Attach()
	l.Attach()
	l.Detach(start)
	if l.State() != StateActive {
		t.Fatalf("state with one context open = %v", l.State())
	}
	if l.Tick(start.Add(time.Hour)) {
		t.Fatal("locked while a context is open")
	}

	l.Detach(start)
	if l.Tick(start.Add(59 * time.Second)) {
		t.Fatal("locked before the timeout")
	}
	if l.State() != StateAllContextsClosed {
		t.Fatalf("state after early tick = %v", l.State())
	}
	if !l.Tick(start.Add(time.Minute)) {
		t.Fatal("not locked at the timeout")
	}
	if locks != 1 || l.State() != StateLocked {
		t.Fatalf("locks = %d, state = %v", locks, l.State())
	}
	if l.Tick(start.Add(time.Hour)) || locks != 1 {
		t.Fatal("locked twice")
	}

	// Unlocking with no UI open restarts the countdown.
	l.Unlocked(start.Add(2 * time.Hour))
	if l.State() != StateAllContextsClosed {
		t.Fatalf("state after unlock = %v", l.State())
	}
	if !l.Tick(start.Add(2*time.Hour + time.Minute)) {
		t.Fatal("no auto-lock after unlock")
	}
}

func TestLifecycle_Disabled(t *testing.T) {
	start := time.Unix(0, 0)
	l := newLifecycle(false, 0, start, func() { t.Fatal("lock called") }, zerolog.Nop())
	if l.Tick(start.Add(24 * time.Hour)) {
		t.Fatal("locked with auto-lock disabled")
	}
}

func TestLifecycle_StartsLocked(t *testing.T) {
	l := newLifecycle(true, time.Minute, time.Unix(0, 0), func() {}, zerolog.Nop())
	if l.State() != StateLocked {
		t.Fatalf("state = %v", l.State())
	}
	if l.Tick(time.Unix(3600, 0)) {
		t.Fatal("auto-lock fired on a locked vault")
	}
	l.Attach()
	if l.State() != StateActive {
		t.Fatalf("state after attach = %v", l.State())
	}
}
