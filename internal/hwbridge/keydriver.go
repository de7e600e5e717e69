package hwbridge

import (
	"context"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// KeyFunc resolves the key held by a device at a derivation path.
type KeyFunc func(path string) (*crypto.PrivateKey, error)

// KeyDriver emulates a device with keys held in memory. It backs the CLI's
// device emulator and tests; Approve can veto each signature the way a user
// would on a real device.
type KeyDriver struct {
	VendorID types.Vendor
	Key      KeyFunc
	Approve  func(action Action, path string) bool
}

// Vendor implements Driver.
func (d *KeyDriver) Vendor() types.Vendor { return d.VendorID }

// SignTransaction implements Driver.
func (d *KeyDriver) SignTransaction(ctx context.Context, path string, tx json.RawMessage) ([]byte, error) {
	return d.sign(ctx, ActionSignTransaction, path, crypto.Hash(tx))
}

// SignMessage implements Driver.
func (d *KeyDriver) SignMessage(ctx context.Context, path string, msg []byte) ([]byte, error) {
	return d.sign(ctx, ActionSignMessage, path, crypto.HashMessage(msg))
}

// SignTypedData implements Driver.
func (d *KeyDriver) SignTypedData(ctx context.Context, path string, data TypedData) ([]byte, error) {
	return d.sign(ctx, ActionSignTypedData, path, crypto.HashTypedData(data.Domain, data.Message))
}

func (d *KeyDriver) sign(ctx context.Context, action Action, path string, digest types.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Approve != nil && !d.Approve(action, path) {
		return nil, ErrUserRejected
	}
	key, err := d.Key(path)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return key.Sign(digest)
}
