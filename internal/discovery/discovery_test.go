package discovery

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Klingon-tech/klingnet-vault/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// indexAddress encodes the index into the address so the oracle can tell
// which account it is being asked about.
func indexAddress(i uint32) (types.Address, error) {
	var a types.Address
	binary.BigEndian.PutUint32(a[:4], i+1)
	return a, nil
}

func addressIndex(a types.Address) int {
	return int(binary.BigEndian.Uint32(a[:4])) - 1
}

// usedBelow returns an oracle reporting indices < n as used, and counts calls.
func usedBelow(n int, calls *int) Oracle {
	return OracleFunc(func(_ context.Context, addrs []types.Address) ([]bool, error) {
		*calls++
		out := make([]bool, len(addrs))
		for i, a := range addrs {
			out[i] = addressIndex(a) < n
		}
		return out, nil
	})
}

func TestDiscover_Counts(t *testing.T) {
	tests := []struct {
		used      int
		wantCalls int
	}{
		{used: 0, wantCalls: 1},
		{used: 3, wantCalls: 1},
		{used: 9, wantCalls: 1},
		{used: 10, wantCalls: 2},
		{used: 13, wantCalls: 2},
		{used: 20, wantCalls: 3},
	}
	for _, tt := range tests {
		calls := 0
		got, err := Discover(context.Background(), indexAddress, usedBelow(tt.used, &calls))
		if err != nil {
			t.Fatalf("used=%d: Discover: %v", tt.used, err)
		}
		if got != tt.used {
			t.Errorf("used=%d: Discover = %d", tt.used, got)
		}
		if calls != tt.wantCalls {
			t.Errorf("used=%d: oracle calls = %d, want %d", tt.used, calls, tt.wantCalls)
		}
	}
}

func TestDiscover_FirstUnusedEndsBatch(t *testing.T) {
	// Index 2 unused, index 5 used again: only the prefix counts.
	oracle := OracleFunc(func(_ context.Context, addrs []types.Address) ([]bool, error) {
		out := make([]bool, len(addrs))
		for i, a := range addrs {
			idx := addressIndex(a)
			out[i] = idx != 2 && idx < 8
		}
		return out, nil
	})
	got, err := Discover(context.Background(), indexAddress, oracle)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != 2 {
		t.Fatalf("Discover = %d, want 2", got)
	}
}

func TestDiscover_BatchSizeAndOrder(t *testing.T) {
	var seen [][]int
	oracle := OracleFunc(func(_ context.Context, addrs []types.Address) ([]bool, error) {
		idx := make([]int, len(addrs))
		out := make([]bool, len(addrs))
		for i, a := range addrs {
			idx[i] = addressIndex(a)
			out[i] = len(seen) == 0
		}
		seen = append(seen, idx)
		return out, nil
	})
	if _, err := Discover(context.Background(), indexAddress, oracle); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("batches = %d, want 2", len(seen))
	}
	for b, batch := range seen {
		if len(batch) != BatchSize {
			t.Fatalf("batch %d size = %d, want %d", b, len(batch), BatchSize)
		}
		for i, idx := range batch {
			if idx != b*BatchSize+i {
				t.Errorf("batch %d[%d] = index %d", b, i, idx)
			}
		}
	}
}

func TestDiscover_OracleFailure(t *testing.T) {
	calls := 0
	oracle := OracleFunc(func(_ context.Context, addrs []types.Address) ([]bool, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("backend down")
		}
		out := make([]bool, len(addrs))
		for i := range out {
			out[i] = true
		}
		return out, nil
	})
	n, err := Discover(context.Background(), indexAddress, oracle)
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("error = %v, want ErrOracleUnavailable", err)
	}
	if n != 0 {
		t.Errorf("count on failure = %d, want 0", n)
	}
}

func TestDiscover_ShortAnswer(t *testing.T) {
	oracle := OracleFunc(func(_ context.Context, addrs []types.Address) ([]bool, error) {
		return []bool{true}, nil
	})
	if _, err := Discover(context.Background(), indexAddress, oracle); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("error = %v, want ErrOracleUnavailable", err)
	}
}

func TestScanner_CustomBatch(t *testing.T) {
	calls := 0
	got, err := Scanner{BatchSize: 4}.Discover(context.Background(), indexAddress, usedBelow(6, &calls))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != 6 || calls != 2 {
		t.Fatalf("Discover = %d after %d calls, want 6 after 2", got, calls)
	}
}

func TestDiscover_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	if _, err := Discover(ctx, indexAddress, usedBelow(50, &calls)); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("oracle called %d times after cancel", calls)
	}
}

func TestRPCOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Addresses []types.Address `json:"addresses"`
			} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != ActivityMethod {
			t.Errorf("method = %s", req.Method)
		}
		used := make([]bool, len(req.Params.Addresses))
		for i, a := range req.Params.Addresses {
			used[i] = addressIndex(a) < 12
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": used})
	}))
	defer srv.Close()

	got, err := Discover(context.Background(), indexAddress, NewRPCOracle(rpcclient.New(srv.URL)))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != 12 {
		t.Fatalf("Discover = %d, want 12", got)
	}
}

func TestRPCOracle_ErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), indexAddress, NewRPCOracle(rpcclient.New(srv.URL)))
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("error = %v, want ErrOracleUnavailable", err)
	}
}
