package discovery

import (
	"context"

	"github.com/Klingon-tech/klingnet-vault/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// ActivityMethod is the backend RPC method answering address activity.
const ActivityMethod = "address_getActivity"

// RPCOracle asks a chain backend over JSON-RPC.
type RPCOracle struct {
	client *rpcclient.Client
}

// NewRPCOracle creates an oracle backed by client.
func NewRPCOracle(client *rpcclient.Client) *RPCOracle {
	return &RPCOracle{client: client}
}

type activityParams struct {
	Addresses []types.Address `json:"addresses"`
}

// Activity implements Oracle.
func (o *RPCOracle) Activity(ctx context.Context, addrs []types.Address) ([]bool, error) {
	var used []bool
	if err := o.client.CallContext(ctx, ActivityMethod, activityParams{Addresses: addrs}, &used); err != nil {
		return nil, err
	}
	return used, nil
}
