package backtest

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/pulkyeet/triarb/internal/reserves"
	"go.uber.org/zap"
)

// Chain is the historical data the replay needs
type Chain interface {
	reserves.LogSource
	BlockHeader(ctx context.Context, number *big.Int) (*types.Header, error)
}

// OpportunitySink receives every predicted opportunity, usually the journal
type OpportunitySink interface {
	RecordOpportunity(opp *arbitrage.Opportunity) error
}

type Runner struct {
	chain   Chain
	fetcher *reserves.Fetcher
	scanner *arbitrage.Scanner
	tracked map[common.Address]*pools.Pool
	sink    OpportunitySink
	// pause between blocks to stay under provider rate limits
	delay time.Duration
	log   *zap.Logger
}

func NewRunner(chain Chain, fetcher *reserves.Fetcher, scanner *arbitrage.Scanner, tracked []*pools.Pool, sink OpportunitySink, delay time.Duration, logger *zap.Logger) *Runner {
	set := make(map[common.Address]*pools.Pool, len(tracked))
	for _, p := range tracked {
		set[p.Address] = p
	}
	return &Runner{
		chain:   chain,
		fetcher: fetcher,
		scanner: scanner,
		tracked: set,
		sink:    sink,
		delay:   delay,
		log:     logger.Named("replay"),
	}
}

func (r *Runner) nextBaseFee(ctx context.Context, block uint64) (*big.Int, error) {
	h, err := r.chain.BlockHeader(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", block, err)
	}
	base := h.BaseFee
	if base == nil {
		base = new(big.Int)
	}
	return eth.NextBaseFee(base, h.GasUsed, h.GasLimit), nil
}

func (r *Runner) record(opps []*arbitrage.Opportunity) {
	if r.sink == nil {
		return
	}
	for _, opp := range opps {
		if err := r.sink.RecordOpportunity(opp); err != nil {
			r.log.Warn("journal opportunity failed", zap.Error(err))
		}
	}
}

// Run seeds reserves at start-1 and walks the range one block at a time:
// predictions made from the state after block b-1 are compared with the
// cycles that landed in block b, then b's Sync logs are applied
func (r *Runner) Run(ctx context.Context, startBlock, endBlock uint64) (*Report, error) {
	if startBlock == 0 || endBlock < startBlock {
		return nil, fmt.Errorf("bad replay range %d-%d", startBlock, endBlock)
	}
	report := &Report{StartBlock: startBlock, EndBlock: endBlock}
	cache := r.scanner.Cache()
	seedBlock := startBlock - 1

	addrs := make([]common.Address, 0, len(r.tracked))
	for addr := range r.tracked {
		addrs = append(addrs, addr)
	}
	snapshot, err := r.fetcher.FetchAll(ctx, addrs, new(big.Int).SetUint64(seedBlock))
	if err != nil {
		return nil, fmt.Errorf("seed reserves at %d: %w", seedBlock, err)
	}
	cache.Seed(seedBlock, snapshot)
	r.log.Info("replay seeded",
		zap.Uint64("block", seedBlock),
		zap.Int("pools", len(snapshot)),
		zap.Int("paths", len(r.scanner.Paths())),
	)

	fee, err := r.nextBaseFee(ctx, seedBlock)
	if err != nil {
		return nil, err
	}
	predicted, err := r.scanner.ScanAll(ctx, seedBlock, fee)
	if err != nil {
		return nil, err
	}
	r.record(predicted)

	started := time.Now()
	for b := startBlock; b <= endBlock; b++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		actual, err := FindActualArbitrages(ctx, r.chain, b, r.tracked)
		if err != nil {
			r.log.Warn("actual arbitrage lookup failed", zap.Uint64("block", b), zap.Error(err))
		}
		report.Results = append(report.Results, &BlockResult{
			BlockNumber: b,
			Predicted:   predicted,
			Actual:      actual,
			Matched:     countMatched(predicted, actual),
		})
		if b == endBlock {
			break
		}

		predicted, err = r.step(ctx, b)
		if err != nil {
			return report, err
		}
		r.record(predicted)

		if (b-startBlock+1)%10 == 0 {
			r.log.Info("replay progress",
				zap.Uint64("done", b-startBlock+1),
				zap.Uint64("total", endBlock-startBlock+1),
				zap.Duration("elapsed", time.Since(started).Round(time.Second)),
			)
		}
		if r.delay > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(r.delay):
			}
		}
	}

	report.CalculateMetrics()
	return report, nil
}

func (r *Runner) step(ctx context.Context, b uint64) ([]*arbitrage.Opportunity, error) {
	cache := r.scanner.Cache()
	diff, err := reserves.TouchedReserves(ctx, r.chain, b)
	if err != nil {
		return nil, err
	}
	fee, err := r.nextBaseFee(ctx, b)
	if err != nil {
		return nil, err
	}
	return r.scanner.OnBlock(ctx, b, fee, diff.Restrict(cache.Has))
}
