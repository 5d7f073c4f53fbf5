package translate

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/cln-floresta/internal/types"
	"github.com/fortiblox/cln-floresta/pkg/backend"
)

// FeeTarget is one confirmation horizon reported by estimatefees.
type FeeTarget struct {
	Blocks uint32
	Mode   backend.EstimateMode
}

// DefaultFeeTargets returns the horizons lightningd asks bcli for.
func DefaultFeeTargets() []FeeTarget {
	return []FeeTarget{
		{Blocks: 2, Mode: backend.EstimateConservative},
		{Blocks: 6, Mode: backend.EstimateEconomical},
		{Blocks: 12, Mode: backend.EstimateEconomical},
		{Blocks: 100, Mode: backend.EstimateEconomical},
	}
}

// FeeSource is the part of the backend used for fee estimation.
type FeeSource interface {
	EstimateFeeRate(ctx context.Context, target uint32, mode backend.EstimateMode) (types.FeeRate, error)
	GetMempoolInfo(ctx context.Context) (*backend.MempoolInfo, error)
}

// FeeRateEntry is one estimate in sat/kw.
type FeeRateEntry struct {
	Blocks  uint32 `json:"blocks"`
	FeeRate uint64 `json:"feerate"`
}

// FeeEstimates is the estimatefees result.
type FeeEstimates struct {
	FeeRateFloor uint64         `json:"feerate_floor"`
	FeeRates     []FeeRateEntry `json:"feerates"`
}

// FeeOptions configures EstimateFees.
type FeeOptions struct {
	Targets []FeeTarget

	// FallbackFloor is used when the backend has no getmempoolinfo.
	// Nil means such a backend fails the call.
	FallbackFloor *types.FeeRate

	// OnFallback is called when FallbackFloor is used (optional).
	OnFallback func(err error)
}

// EstimateFees queries every target and the relay floor concurrently.
// Any target without an estimate fails the whole call: a partial answer is
// never padded with defaults.
func EstimateFees(ctx context.Context, src FeeSource, opts FeeOptions) (*FeeEstimates, error) {
	targets := opts.Targets
	if len(targets) == 0 {
		targets = DefaultFeeTargets()
	}

	out := &FeeEstimates{FeeRates: make([]FeeRateEntry, len(targets))}
	g, gctx := errgroup.WithContext(ctx)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			rate, err := src.EstimateFeeRate(gctx, target.Blocks, target.Mode)
			if err != nil {
				return err
			}
			out.FeeRates[i] = FeeRateEntry{Blocks: target.Blocks, FeeRate: rate.SatPerKW()}
			return nil
		})
	}

	g.Go(func() error {
		floor, err := relayFloor(gctx, src, opts)
		if err != nil {
			return err
		}
		out.FeeRateFloor = floor.SatPerKW()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// relayFloor is the larger of the mempool minimum and the relay minimum.
func relayFloor(ctx context.Context, src FeeSource, opts FeeOptions) (types.FeeRate, error) {
	info, err := src.GetMempoolInfo(ctx)
	switch {
	case err == nil:
		return types.MaxFeeRate(info.MempoolMinFee, info.MinRelayTxFee), nil
	case backend.IsCategory(err, backend.CategoryUnsupported) && opts.FallbackFloor != nil:
		if opts.OnFallback != nil {
			opts.OnFallback(err)
		}
		return *opts.FallbackFloor, nil
	default:
		return types.FeeRate{}, fmt.Errorf("relay floor: %w", err)
	}
}
