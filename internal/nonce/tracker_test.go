package nonce

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Klingon-tech/klingnet-vault/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-vault/internal/storage"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

var (
	alice = types.Address{0xa1}
	bob   = types.Address{0xb0}
)

const (
	mainnet types.ChainID = 1
	polygon types.ChainID = 137
)

func TestTracker_SetGetIsolated(t *testing.T) {
	tr := NewTracker(storage.NewMemory())

	if _, ok := tr.Get(alice, mainnet); ok {
		t.Fatal("Get() on empty tracker returned a record")
	}
	if err := tr.Set(alice, mainnet, 5, 3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tr.Set(alice, polygon, 9, 9); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tr.Set(bob, mainnet, 1, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	r, ok := tr.Get(alice, mainnet)
	if !ok || r.CurrentNonce != 5 || r.LatestConfirmedNonce != 3 {
		t.Fatalf("Get(alice, mainnet) = %+v, %v", r, ok)
	}
	r, _ = tr.Get(alice, polygon)
	if r.CurrentNonce != 9 || r.LatestConfirmedNonce != 9 {
		t.Fatalf("Get(alice, polygon) = %+v", r)
	}

	// Overwriting one pair leaves the others alone.
	tr.Set(alice, mainnet, 6, 6)
	if r, _ := tr.Get(alice, polygon); r.CurrentNonce != 9 {
		t.Fatalf("alice/polygon changed: %+v", r)
	}
	if r, _ := tr.Get(bob, mainnet); r.CurrentNonce != 1 {
		t.Fatalf("bob/mainnet changed: %+v", r)
	}
}

func TestTracker_SetRejectsInvertedRecord(t *testing.T) {
	tr := NewTracker(storage.NewMemory())
	if err := tr.Set(alice, mainnet, 2, 3); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Set(2, 3) = %v, want ErrInvalidRecord", err)
	}
}

func TestTracker_ConfirmAndIsConfirmed(t *testing.T) {
	tr := NewTracker(storage.NewMemory())

	if tr.IsConfirmed(alice, mainnet, 0) {
		t.Fatal("nonce 0 confirmed before any confirmation")
	}
	tr.Set(alice, mainnet, 7, 4)
	if !tr.IsConfirmed(alice, mainnet, 4) || tr.IsConfirmed(alice, mainnet, 5) {
		t.Fatal("IsConfirmed boundary wrong")
	}

	// Stale confirmations never lower the record.
	r, _ := tr.Confirm(alice, mainnet, 2)
	if r.LatestConfirmedNonce != 4 {
		t.Fatalf("Confirm(2) lowered confirmed to %d", r.LatestConfirmedNonce)
	}
	// Backend ahead of local state raises both.
	r, _ = tr.Confirm(alice, mainnet, 10)
	if r.LatestConfirmedNonce != 10 || r.CurrentNonce != 10 {
		t.Fatalf("Confirm(10) = %+v", r)
	}
}

func TestTracker_ReserveSequence(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(storage.NewMemory())

	for want := uint64(0); want < 3; want++ {
		n, err := tr.Reserve(ctx, nil, alice, mainnet)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if n != want {
			t.Fatalf("Reserve = %d, want %d", n, want)
		}
	}
	// Release of the latest claim hands it out again.
	tr.Release(alice, mainnet, 2)
	if n, _ := tr.Reserve(ctx, nil, alice, mainnet); n != 2 {
		t.Fatalf("Reserve after Release = %d, want 2", n)
	}
}

func TestTracker_ReleaseFirstClaimForgetsRecord(t *testing.T) {
	tr := NewTracker(storage.NewMemory())
	n, _ := tr.Reserve(context.Background(), nil, alice, mainnet)
	if err := tr.Release(alice, mainnet, n); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := tr.Get(alice, mainnet); ok {
		t.Fatal("record kept after releasing the only claim")
	}
}

func TestTracker_ReleasedNonceReissuedAfterLaterCommit(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(storage.NewMemory())

	first, _ := tr.Reserve(ctx, nil, alice, mainnet)
	second, _ := tr.Reserve(ctx, nil, alice, mainnet)
	if first != 0 || second != 1 {
		t.Fatalf("Reserve = %d, %d; want 0, 1", first, second)
	}
	// The first transaction fails while the second is still signing.
	if err := tr.Release(alice, mainnet, first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := tr.Commit(alice, mainnet, second); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if n, _ := tr.Reserve(ctx, nil, alice, mainnet); n != 0 {
		t.Fatalf("Reserve = %d, want released nonce 0", n)
	}
	if n, _ := tr.Reserve(ctx, nil, alice, mainnet); n != 2 {
		t.Fatalf("Reserve = %d, want 2", n)
	}
}

func TestTracker_ReleaseOutOfOrderCollapses(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(storage.NewMemory())
	for i := 0; i < 3; i++ {
		tr.Reserve(ctx, nil, alice, mainnet)
	}
	for _, n := range []uint64{0, 1, 2} {
		if err := tr.Release(alice, mainnet, n); err != nil {
			t.Fatalf("Release(%d): %v", n, err)
		}
	}
	if r, ok := tr.Get(alice, mainnet); ok {
		t.Fatalf("record kept after releasing every claim: %+v", r)
	}

	for i := 0; i < 3; i++ {
		tr.Reserve(ctx, nil, alice, mainnet)
	}
	tr.Release(alice, mainnet, 1)
	tr.Release(alice, mainnet, 2)
	r, _ := tr.Get(alice, mainnet)
	if r.CurrentNonce != 0 || len(r.Released) != 0 {
		t.Fatalf("after releasing 1 and 2: %+v, want current 0 and nothing released", r)
	}
	if n, _ := tr.Reserve(ctx, nil, alice, mainnet); n != 1 {
		t.Fatalf("Reserve = %d, want 1", n)
	}
}

func TestTracker_ConfirmDropsReleased(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(storage.NewMemory())
	tr.Reserve(ctx, nil, alice, mainnet)
	tr.Reserve(ctx, nil, alice, mainnet)
	tr.Release(alice, mainnet, 0)

	// Nonce 0 was used from elsewhere after all.
	if _, err := tr.Confirm(alice, mainnet, 0); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if n, _ := tr.Reserve(ctx, nil, alice, mainnet); n != 2 {
		t.Fatalf("Reserve = %d, want 2", n)
	}
}

func TestTracker_ReleasedSurvivesReload(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	tr := NewTracker(db)
	tr.Reserve(ctx, nil, alice, mainnet)
	tr.Reserve(ctx, nil, alice, mainnet)
	tr.Release(alice, mainnet, 0)

	again := NewTracker(db)
	if err := again.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n, _ := again.Reserve(ctx, nil, alice, mainnet); n != 0 {
		t.Fatalf("Reserve after reload = %d, want 0", n)
	}
}

func TestTracker_ReserveUsesFeed(t *testing.T) {
	feed := FeedFunc(func(_ context.Context, addr types.Address, chain types.ChainID) (uint64, bool, error) {
		return 41, true, nil
	})
	tr := NewTracker(storage.NewMemory())
	n, err := tr.Reserve(context.Background(), feed, alice, mainnet)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n != 42 {
		t.Fatalf("Reserve = %d, want 42", n)
	}
	if !tr.IsConfirmed(alice, mainnet, 41) {
		t.Fatal("feed confirmation not recorded")
	}
}

func TestTracker_ReserveFeedDownFallsBack(t *testing.T) {
	feed := FeedFunc(func(context.Context, types.Address, types.ChainID) (uint64, bool, error) {
		return 0, false, errors.New("timeout")
	})
	tr := NewTracker(storage.NewMemory())
	tr.Set(alice, mainnet, 3, 3)
	n, err := tr.Reserve(context.Background(), feed, alice, mainnet)
	if err != nil || n != 4 {
		t.Fatalf("Reserve = %d, %v; want 4", n, err)
	}
}

func TestTracker_ConcurrentReserveUnique(t *testing.T) {
	tr := NewTracker(storage.NewMemory())
	const workers = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := tr.Reserve(context.Background(), nil, alice, mainnet)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[n] {
				t.Errorf("nonce %d handed out twice", n)
			}
			seen[n] = true
		}()
	}
	wg.Wait()
	if len(seen) != workers {
		t.Fatalf("got %d distinct nonces, want %d", len(seen), workers)
	}
}

func TestTracker_PersistAndLoad(t *testing.T) {
	db := storage.NewPrefixDB(storage.NewMemory(), storage.NamespaceNonces)
	tr := NewTracker(db)
	tr.Set(alice, mainnet, 5, 2)
	tr.Commit(bob, polygon, 8)

	again := NewTracker(db)
	if err := again.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r, ok := again.Get(alice, mainnet); !ok || r.CurrentNonce != 5 || r.LatestConfirmedNonce != 2 {
		t.Fatalf("reloaded alice = %+v, %v", r, ok)
	}
	if r, ok := again.Get(bob, polygon); !ok || r.CurrentNonce != 8 || r.HasConfirmed {
		t.Fatalf("reloaded bob = %+v, %v", r, ok)
	}

	if err := again.Forget(alice); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	third := NewTracker(db)
	third.Load()
	if _, ok := third.Get(alice, mainnet); ok {
		t.Fatal("forgotten record came back after reload")
	}
}

func TestRPCFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		result := "0x0"
		if req.Params[0] == alice.String() {
			result = "0x10"
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	defer srv.Close()

	feed := NewRPCFeed(map[types.ChainID]*rpcclient.Client{mainnet: rpcclient.New(srv.URL)})
	n, ok, err := feed.LatestConfirmedNonce(context.Background(), alice, mainnet)
	if err != nil || !ok || n != 15 {
		t.Fatalf("alice = %d, %v, %v; want 15", n, ok, err)
	}
	_, ok, err = feed.LatestConfirmedNonce(context.Background(), bob, mainnet)
	if err != nil || ok {
		t.Fatalf("bob = %v, %v; want no confirmations", ok, err)
	}
	if _, _, err := feed.LatestConfirmedNonce(context.Background(), alice, polygon); err == nil {
		t.Fatal("unknown chain should fail")
	}
}
