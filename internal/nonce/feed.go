package nonce

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-vault/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// Feed reports the highest nonce the backend has confirmed. ok is false when
// the account has no confirmed transactions yet.
type Feed interface {
	LatestConfirmedNonce(ctx context.Context, addr types.Address, chain types.ChainID) (n uint64, ok bool, err error)
}

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context, addr types.Address, chain types.ChainID) (uint64, bool, error)

// LatestConfirmedNonce calls f.
func (f FeedFunc) LatestConfirmedNonce(ctx context.Context, addr types.Address, chain types.ChainID) (uint64, bool, error) {
	return f(ctx, addr, chain)
}

// TransactionCountMethod is the backend method returning the confirmed
// transaction count of an account.
const TransactionCountMethod = "eth_getTransactionCount"

// RPCFeed derives the confirmed nonce from the backend transaction count
// (count - 1). One client serves one chain.
type RPCFeed struct {
	clients map[types.ChainID]*rpcclient.Client
}

// NewRPCFeed creates a feed with one backend client per chain.
func NewRPCFeed(clients map[types.ChainID]*rpcclient.Client) *RPCFeed {
	return &RPCFeed{clients: clients}
}

// LatestConfirmedNonce implements Feed.
func (f *RPCFeed) LatestConfirmedNonce(ctx context.Context, addr types.Address, chain types.ChainID) (uint64, bool, error) {
	client, ok := f.clients[chain]
	if !ok {
		return 0, false, fmt.Errorf("no backend for chain %s", chain)
	}
	var countHex string
	if err := client.CallContext(ctx, TransactionCountMethod, []any{addr, "latest"}, &countHex); err != nil {
		return 0, false, err
	}
	count, err := strconv.ParseUint(strings.TrimPrefix(countHex, "0x"), 16, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid transaction count %q: %w", countHex, err)
	}
	if count == 0 {
		return 0, false, nil
	}
	return count - 1, true, nil
}
