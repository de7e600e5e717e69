// Package requests holds the user-approval queue: requests from untrusted
// callers that wait for an approve/reject decision.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
)

// ErrNotFound is returned for an id that is not (or no longer) queued.
var ErrNotFound = errors.New("pending request not found")

// Account-granting methods. At most one per origin may be pending.
const (
	MethodRequestAccounts    = "eth_requestAccounts"
	MethodRequestPermissions = "wallet_requestPermissions"
)

// IsAccountGranting reports whether method belongs to the deduplicated class.
func IsAccountGranting(method string) bool {
	return method == MethodRequestAccounts || method == MethodRequestPermissions
}

// Request is a caller request awaiting approval.
type Request struct {
	ID        uint64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
}

// Status is the outcome of a request.
type Status string

const (
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Result is delivered to Wait once the request is decided.
type Result struct {
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Queue is an ordered, deduplicating pending-request queue. It is safe for
// concurrent use; Add's duplicate check and insert happen under one lock.
type Queue struct {
	mu      sync.Mutex
	items   []Request
	// waiters holds a one-slot result channel per request, from Add until
	// the result is consumed by Wait.
	waiters map[uint64]chan Result
	subs    []chan struct{}
	closed  bool
	lastID  atomic.Uint64
	logger  zerolog.Logger
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		waiters: make(map[uint64]chan Result),
		logger:  klog.Requests,
	}
}

// NextID returns a fresh request id, unique for the queue's lifetime.
func (q *Queue) NextID() uint64 {
	return q.lastID.Add(1)
}

// Add appends req unless its id is already queued, or it is an
// account-granting request and one is already pending for the same origin.
// It returns whether the request was inserted.
func (q *Queue) Add(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for _, it := range q.items {
		if it.ID == req.ID {
			return false
		}
		if IsAccountGranting(req.Method) && IsAccountGranting(it.Method) && it.Origin == req.Origin {
			q.logger.Debug().
				Str("origin", req.Origin).
				Str("method", req.Method).
				Msg("Duplicate account request suppressed")
			return false
		}
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	q.items = append(q.items, req)
	q.waiters[req.ID] = make(chan Result, 1)
	q.notifyLocked()
	q.logger.Debug().Uint64("id", req.ID).Str("method", req.Method).Str("origin", req.Origin).Msg("Request queued")
	return true
}

// Remove drops id, keeping the relative order of the rest. Removing an
// absent id is a no-op. A waiter on a removed request is rejected.
func (q *Queue) Remove(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.removeLocked(id) {
		q.resolveLocked(id, Result{Status: StatusRejected})
		q.notifyLocked()
	}
}

// List returns a snapshot in insertion order.
func (q *Queue) List() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Request(nil), q.items...)
}

// Head returns the oldest pending request.
func (q *Queue) Head() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Request{}, false
	}
	return q.items[0], true
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Get returns the pending request with id.
func (q *Queue) Get(id uint64) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			return it, true
		}
	}
	return Request{}, false
}

// Approve resolves id as approved with payload and removes it.
func (q *Queue) Approve(id uint64, payload json.RawMessage) error {
	return q.decide(id, Result{Status: StatusApproved, Payload: payload})
}

// Reject resolves id as rejected (null payload) and removes it.
func (q *Queue) Reject(id uint64) error {
	return q.decide(id, Result{Status: StatusRejected})
}

func (q *Queue) decide(id uint64, res Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(id) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	q.resolveLocked(id, res)
	q.notifyLocked()
	q.logger.Info().Uint64("id", id).Str("status", string(res.Status)).Msg("Request decided")
	return nil
}

// Wait blocks until id is decided or ctx ends. A decision made before Wait
// is called is still delivered. Waiting on an unknown id fails with
// ErrNotFound. When ctx ends first the request is withdrawn from the queue.
func (q *Queue) Wait(ctx context.Context, id uint64) (Result, error) {
	q.mu.Lock()
	ch, ok := q.waiters[id]
	q.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	select {
	case res := <-ch:
		q.mu.Lock()
		delete(q.waiters, id)
		q.mu.Unlock()
		return res, nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.removeLocked(id) {
			q.notifyLocked()
		}
		delete(q.waiters, id)
		q.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

// Subscribe returns a channel signalled (coalesced) whenever the queue
// changes, and a cancel func.
func (q *Queue) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.subs = append(q.subs, ch)
	q.mu.Unlock()
	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, s := range q.subs {
			if s == ch {
				q.subs = append(q.subs[:i], q.subs[i+1:]...)
				return
			}
		}
	}
}

// Close rejects every pending request and refuses new ones.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, it := range q.items {
		q.resolveLocked(it.ID, Result{Status: StatusRejected})
	}
	q.items = nil
	q.notifyLocked()
}

func (q *Queue) removeLocked(id uint64) bool {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// resolveLocked parks res in the waiter slot. Called at most once per id
// since the request leaves items at the same time.
func (q *Queue) resolveLocked(id uint64, res Result) {
	if ch, ok := q.waiters[id]; ok {
		ch <- res
	}
}

func (q *Queue) notifyLocked() {
	for _, s := range q.subs {
		select {
		case s <- struct{}{}:
		default:
		}
	}
}
