package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LifecycleState tracks whether any approval UI is open and whether the
// vault should lock itself.
type LifecycleState int

const (
	StateActive LifecycleState = iota
	StateAllContextsClosed
	StateMaybeAutoLock
	StateLocked
)

func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateAllContextsClosed:
		return "all-contexts-closed"
	case StateMaybeAutoLock:
		return "maybe-auto-lock"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("LifecycleState(%d)", int(s))
	}
}

// Lifecycle is the auto-lock state machine:
//
//	Active --last UI detaches--> AllContextsClosed
//	AllContextsClosed --tick--> MaybeAutoLock --due--> Locked
//	                                          \--not due--> AllContextsClosed
//	any --UI attaches--> Active
//
// It is driven by Attach/Detach and Tick, with time supplied by the caller.
type Lifecycle struct {
	mu       sync.Mutex
	state    LifecycleState
	contexts int
	closedAt time.Time
	timeout  time.Duration
	lock     func()
	logger   zerolog.Logger
}

// newLifecycle starts with no UI attached, Locked or AllContextsClosed
// depending on the vault. A timeout <= 0 disables auto-lock.
func newLifecycle(locked bool, timeout time.Duration, now time.Time, lock func(), logger zerolog.Logger) *Lifecycle {
	state := StateAllContextsClosed
	if locked {
		state = StateLocked
	}
	return &Lifecycle{
		state:    state,
		closedAt: now,
		timeout:  timeout,
		lock:     lock,
		logger:   logger,
	}
}

// State returns the current state.
func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attach records an approval UI opening.
func (l *Lifecycle) Attach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contexts++
	l.setLocked(StateActive)
}

// Detach records an approval UI closing.
func (l *Lifecycle) Detach(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.contexts > 0 {
		l.contexts--
	}
	if l.contexts == 0 && l.state == StateActive {
		l.closedAt = now
		l.setLocked(StateAllContextsClosed)
	}
}

// Unlocked records a vault unlock.
func (l *Lifecycle) Unlocked(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.contexts > 0 {
		l.setLocked(StateActive)
		return
	}
	l.closedAt = now
	l.setLocked(StateAllContextsClosed)
}

// Locked records an explicit lock.
func (l *Lifecycle) Locked() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(StateLocked)
}

// Tick evaluates the auto-lock transition at now and reports whether the
// vault was locked.
func (l *Lifecycle) Tick(now time.Time) bool {
	l.mu.Lock()
	if l.state != StateAllContextsClosed {
		l.mu.Unlock()
		return false
	}
	l.setLocked(StateMaybeAutoLock)
	if l.timeout <= 0 || now.Sub(l.closedAt) < l.timeout {
		l.setLocked(StateAllContextsClosed)
		l.mu.Unlock()
		return false
	}
	l.setLocked(StateLocked)
	lock := l.lock
	idle := now.Sub(l.closedAt)
	l.mu.Unlock()

	l.logger.Info().Dur("idle", idle).Msg("Vault auto-locked")
	if lock != nil {
		lock()
	}
	return true
}

func (l *Lifecycle) setLocked(s LifecycleState) {
	if l.state == s {
		return
	}
	l.logger.Trace().Str("from", l.state.String()).Str("to", s.String()).Msg("Lifecycle transition")
	l.state = s
}
