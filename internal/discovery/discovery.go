// Package discovery finds how many HD accounts of an imported seed have
// on-chain history, so the keychain can enable exactly those.
package discovery

import (
	"context"
	"errors"
	"fmt"

	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// BatchSize is the number of addresses checked per oracle round trip.
const BatchSize = 10

// ErrOracleUnavailable is returned when the activity oracle fails or answers
// with the wrong number of entries. Discovery never guesses a count.
var ErrOracleUnavailable = errors.New("activity oracle unavailable")

// DeriveFunc derives the address at an account index.
type DeriveFunc func(index uint32) (types.Address, error)

// Oracle answers, for each address, whether it has any on-chain activity.
type Oracle interface {
	Activity(ctx context.Context, addrs []types.Address) ([]bool, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, addrs []types.Address) ([]bool, error)

// Activity calls f.
func (f OracleFunc) Activity(ctx context.Context, addrs []types.Address) ([]bool, error) {
	return f(ctx, addrs)
}

// Discover scans with the default batch size.
func Discover(ctx context.Context, derive DeriveFunc, oracle Oracle) (int, error) {
	return Scanner{BatchSize: BatchSize}.Discover(ctx, derive, oracle)
}

// Scanner runs discovery with a configurable batch size.
type Scanner struct {
	BatchSize int
}

// Discover derives addresses in batches starting at index 0 and asks the
// oracle about each batch. Within a batch the used count is the index of the
// first unused address (or the full batch). The scan stops at the first batch
// that is not fully used, and the accumulated count is returned.
func (s Scanner) Discover(ctx context.Context, derive DeriveFunc, oracle Oracle) (int, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = BatchSize
	}
	logger := klog.Discovery

	total := 0
	for start := 0; ; start += batch {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		addrs := make([]types.Address, batch)
		for i := range addrs {
			addr, err := derive(uint32(start + i))
			if err != nil {
				return 0, fmt.Errorf("derive account %d: %w", start+i, err)
			}
			addrs[i] = addr
		}

		used, err := oracle.Activity(ctx, addrs)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		}
		if len(used) != len(addrs) {
			return 0, fmt.Errorf("%w: asked about %d addresses, got %d answers", ErrOracleUnavailable, len(addrs), len(used))
		}

		usedCount := batch
		for i, u := range used {
			if !u {
				usedCount = i
				break
			}
		}
		total += usedCount

		logger.Debug().
			Int("start", start).
			Int("used", usedCount).
			Msg("Scanned discovery batch")

		if usedCount < batch {
			return total, nil
		}
	}
}
