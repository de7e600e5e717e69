package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-vault/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

type nodeRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls with fn. A non-nil error map is sent as
// the error member.
func fakeNode(t *testing.T, fn func(req nodeRequest) (any, map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req nodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rerr := fn(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUpstreams_Broadcast(t *testing.T) {
	var gotMethod, gotParams string
	srv := fakeNode(t, func(req nodeRequest) (any, map[string]any) {
		gotMethod, gotParams = req.Method, string(req.Params)
		return "0xabc", nil
	})
	up := NewUpstreams(map[types.ChainID]*rpcclient.Client{1: rpcclient.New(srv.URL)})

	hash, err := up.Broadcast(context.Background(), 1, "0x1234")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if hash != "0xabc" {
		t.Errorf("hash = %q", hash)
	}
	if gotMethod != SendRawTransactionMethod || gotParams != `["0x1234"]` {
		t.Errorf("node saw %s %s", gotMethod, gotParams)
	}

	if _, err := up.Broadcast(context.Background(), 137, "0x1234"); err == nil {
		t.Error("broadcast to an unconfigured chain succeeded")
	}
}

func TestUpstreams_NilSafe(t *testing.T) {
	var up *Upstreams
	if _, ok := up.Client(1); ok {
		t.Error("nil Upstreams returned a client")
	}
	if len(up.Clients()) != 0 {
		t.Error("nil Upstreams has clients")
	}
}

func TestEngine_ForwardsReadMethods(t *testing.T) {
	srv := fakeNode(t, func(req nodeRequest) (any, map[string]any) {
		switch req.Method {
		case "eth_blockNumber":
			return "0x10", nil
		default:
			return nil, map[string]any{"code": -32000, "message": "execution reverted"}
		}
	})
	h := newHarness(t)
	h.e.upstreams = NewUpstreams(map[types.ChainID]*rpcclient.Client{1: rpcclient.New(srv.URL)})

	raw, err := h.call(testOrigin, "eth_blockNumber", nil)
	if err != nil || string(raw) != `"0x10"` {
		t.Fatalf("eth_blockNumber = %s, %v", raw, err)
	}

	_, err = h.call(testOrigin, "eth_call", []any{map[string]string{"to": "0x00000000000000000000000000000000000000aa"}, "latest"})
	if codeOf(err) != -32000 || !strings.Contains(err.Error(), "reverted") {
		t.Fatalf("node error not passed through: %v", err)
	}

	// Sessions on a chain without a node are disconnected.
	h.connect(t, testOrigin, ConnectApproval{ChainID: 137})
	if _, err := h.call(testOrigin, "eth_blockNumber", nil); codeOf(err) != CodeDisconnected {
		t.Fatalf("expected %d, got %v", CodeDisconnected, err)
	}
}
