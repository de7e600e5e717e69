package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-vault/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// Broadcaster submits signed transactions to a chain.
type Broadcaster interface {
	Broadcast(ctx context.Context, chain types.ChainID, raw string) (string, error)
}

// SendRawTransactionMethod is the node method used to broadcast.
const SendRawTransactionMethod = "eth_sendRawTransaction"

// Upstreams maps chains to their node endpoints.
type Upstreams struct {
	mu      sync.RWMutex
	clients map[types.ChainID]*rpcclient.Client
}

// NewUpstreams wraps clients. The map is copied.
func NewUpstreams(clients map[types.ChainID]*rpcclient.Client) *Upstreams {
	u := &Upstreams{clients: make(map[types.ChainID]*rpcclient.Client, len(clients))}
	for id, c := range clients {
		u.clients[id] = c
	}
	return u
}

// Client returns the endpoint for chain.
func (u *Upstreams) Client(chain types.ChainID) (*rpcclient.Client, bool) {
	if u == nil {
		return nil, false
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	c, ok := u.clients[chain]
	return c, ok
}

// Clients returns a copy of the endpoint map.
func (u *Upstreams) Clients() map[types.ChainID]*rpcclient.Client {
	out := make(map[types.ChainID]*rpcclient.Client)
	if u == nil {
		return out
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	for id, c := range u.clients {
		out[id] = c
	}
	return out
}

// Broadcast implements Broadcaster over the chain's node.
func (u *Upstreams) Broadcast(ctx context.Context, chain types.ChainID, raw string) (string, error) {
	c, ok := u.Client(chain)
	if !ok {
		return "", fmt.Errorf("no endpoint for chain %s", chain)
	}
	var hash string
	if err := c.CallContext(ctx, SendRawTransactionMethod, []string{raw}, &hash); err != nil {
		return "", fmt.Errorf("broadcast on %s: %w", chain, err)
	}
	return hash, nil
}
