// Package nonce tracks, per (address, chain), the last nonce this wallet
// issued and the last nonce the backend has confirmed.
package nonce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/storage"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// ErrInvalidRecord is returned by Set when current < confirmed.
var ErrInvalidRecord = errors.New("current nonce below confirmed nonce")

// Record is the nonce state of one (address, chain) pair.
type Record struct {
	Address              types.Address `json:"address"`
	ChainID              types.ChainID `json:"chain_id"`
	CurrentNonce         uint64        `json:"current_nonce"`
	LatestConfirmedNonce uint64        `json:"latest_confirmed_nonce"`
	// HasConfirmed is false until the backend has confirmed any nonce;
	// LatestConfirmedNonce is meaningless until then.
	HasConfirmed bool `json:"has_confirmed"`
	// Released holds claimed nonces below CurrentNonce that were given
	// back. Reserve reissues the lowest one before moving forward.
	Released []uint64 `json:"released,omitempty"`
}

type key struct {
	addr  types.Address
	chain types.ChainID
}

func (k key) bytes() []byte {
	return []byte(k.chain.Key() + "/" + k.addr.Hex())
}

// Tracker is the nonce store. Writes go through to the durable store.
type Tracker struct {
	mu      sync.Mutex
	db      storage.DB
	records map[key]Record
	logger  zerolog.Logger
}

// NewTracker creates a tracker persisting into db.
func NewTracker(db storage.DB) *Tracker {
	return &Tracker{
		db:      db,
		records: make(map[key]Record),
		logger:  klog.Nonce,
	}
}

// Load rehydrates all records from the durable store.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.ForEach(nil, func(k, v []byte) error {
		var r Record
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("nonce record %s: %w", k, err)
		}
		t.records[key{r.Address, r.ChainID}] = r
		return nil
	})
}

// Get returns the record for (addr, chain).
func (t *Tracker) Get(addr types.Address, chain types.ChainID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{addr, chain}]
	return r, ok
}

// Set overwrites only the (addr, chain) record.
func (t *Tracker) Set(addr types.Address, chain types.ChainID, current, confirmed uint64) error {
	if current < confirmed {
		return fmt.Errorf("%w: current %d, confirmed %d", ErrInvalidRecord, current, confirmed)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putLocked(Record{
		Address:              addr,
		ChainID:              chain,
		CurrentNonce:         current,
		LatestConfirmedNonce: confirmed,
		HasConfirmed:         true,
	})
}

// Confirm raises the confirmed nonce to n. The current nonce is raised too
// when the backend is ahead (transactions sent from elsewhere).
func (t *Tracker) Confirm(addr types.Address, chain types.ChainID, n uint64) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{addr, chain}
	r, ok := t.records[k]
	if !ok {
		r = Record{Address: addr, ChainID: chain}
	}
	if r.HasConfirmed && n <= r.LatestConfirmedNonce {
		return r, nil
	}
	r.LatestConfirmedNonce = n
	r.HasConfirmed = true
	if r.CurrentNonce < n {
		r.CurrentNonce = n
	}
	r.pruneReleased()
	if err := t.putLocked(r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// IsConfirmed reports whether nonce n is at or below the confirmed nonce.
func (t *Tracker) IsConfirmed(addr types.Address, chain types.ChainID, n uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{addr, chain}]
	return ok && r.HasConfirmed && r.LatestConfirmedNonce >= n
}

// Commit records that nonce n was broadcast.
func (t *Tracker) Commit(addr types.Address, chain types.ChainID, n uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{addr, chain}
	r, ok := t.records[k]
	switch {
	case !ok:
		r = Record{Address: addr, ChainID: chain, CurrentNonce: n}
	case n > r.CurrentNonce:
		r.CurrentNonce = n
	case r.dropReleased(n):
	default:
		return nil
	}
	t.logger.Debug().
		Str("address", addr.String()).
		Str("chain", chain.String()).
		Uint64("nonce", n).
		Msg("Nonce committed")
	return t.putLocked(r)
}

// Reconcile pulls the confirmed nonce for (addr, chain) from feed.
func (t *Tracker) Reconcile(ctx context.Context, feed Feed, addr types.Address, chain types.ChainID) (Record, error) {
	n, ok, err := feed.LatestConfirmedNonce(ctx, addr, chain)
	if err != nil {
		return Record{}, fmt.Errorf("confirmation feed: %w", err)
	}
	if !ok {
		r, _ := t.Get(addr, chain)
		return r, nil
	}
	return t.Confirm(addr, chain, n)
}

// Reserve reconciles with feed (when non-nil) and atomically claims the
// next nonce, so concurrent transactions from one account never share one.
// A feed failure falls back to local state. Release undoes an unused claim.
func (t *Tracker) Reserve(ctx context.Context, feed Feed, addr types.Address, chain types.ChainID) (uint64, error) {
	if feed != nil {
		if _, err := t.Reconcile(ctx, feed, addr, chain); err != nil {
			t.logger.Warn().Err(err).Str("address", addr.String()).Msg("Nonce reconcile failed, using local state")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{addr, chain}
	r, ok := t.records[k]
	var n uint64
	switch {
	case !ok:
		r = Record{Address: addr, ChainID: chain}
	case len(r.Released) > 0:
		n = r.Released[0]
		r.Released = append([]uint64(nil), r.Released[1:]...)
	default:
		n = r.CurrentNonce + 1
		r.CurrentNonce = n
	}
	if err := t.putLocked(r); err != nil {
		return 0, err
	}
	t.logger.Debug().
		Str("address", addr.String()).
		Str("chain", chain.String()).
		Uint64("nonce", n).
		Msg("Nonce reserved")
	return n, nil
}

// Release gives back an unused claim on nonce n. The latest claim rolls
// CurrentNonce back (past any released nonces directly below it); an older
// one is kept for Reserve to hand out again. A fresh record with no
// confirmations left is removed entirely.
func (t *Tracker) Release(addr types.Address, chain types.ChainID, n uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{addr, chain}
	r, ok := t.records[k]
	if !ok || n > r.CurrentNonce || (r.HasConfirmed && r.LatestConfirmedNonce >= n) {
		return nil
	}
	if n < r.CurrentNonce {
		if slices.Contains(r.Released, n) {
			return nil
		}
		r.Released = append(slices.Clone(r.Released), n)
		slices.Sort(r.Released)
		return t.putLocked(r)
	}
	for {
		if r.CurrentNonce == 0 {
			if !r.HasConfirmed {
				delete(t.records, k)
				return t.db.Delete(k.bytes())
			}
			break
		}
		r.CurrentNonce--
		if !r.dropReleased(r.CurrentNonce) {
			break
		}
		if r.HasConfirmed && r.LatestConfirmedNonce >= r.CurrentNonce {
			break
		}
	}
	return t.putLocked(r)
}

// Forget drops every record of addr (all chains).
func (t *Tracker) Forget(addr types.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var doomed []key
	for k := range t.records {
		if k.addr == addr {
			doomed = append(doomed, k)
		}
	}
	err := storage.Update(t.db, func(w storage.Writer) error {
		for _, k := range doomed {
			if err := w.Delete(k.bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete nonce records: %w", err)
	}
	for _, k := range doomed {
		delete(t.records, k)
	}
	return nil
}

// Records returns a snapshot of all records for addr.
func (t *Tracker) Records(addr types.Address) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for k, r := range t.records {
		if k.addr == addr {
			out = append(out, r)
		}
	}
	return out
}

// dropReleased removes n from the released set, reporting whether it was there.
func (r *Record) dropReleased(n uint64) bool {
	i, found := slices.BinarySearch(r.Released, n)
	if found {
		r.Released = slices.Delete(slices.Clone(r.Released), i, i+1)
	}
	return found
}

// pruneReleased drops released nonces the backend has already confirmed or
// that are no longer below CurrentNonce.
func (r *Record) pruneReleased() {
	r.Released = slices.DeleteFunc(slices.Clone(r.Released), func(n uint64) bool {
		return (r.HasConfirmed && n <= r.LatestConfirmedNonce) || n >= r.CurrentNonce
	})
	if len(r.Released) == 0 {
		r.Released = nil
	}
}

func (t *Tracker) putLocked(r Record) error {
	k := key{r.Address, r.ChainID}
	if err := storage.PutJSON(t.db, k.bytes(), r); err != nil {
		return fmt.Errorf("persist nonce %s: %w", k.bytes(), err)
	}
	t.records[k] = r
	return nil
}
