package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/amm"
	"github.com/pulkyeet/triarb/internal/metrics"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/pulkyeet/triarb/internal/reserves"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type State int

const (
	Idle State = iota
	Scanning
	Found
	NoneFound
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Found:
		return "found"
	case NoneFound:
		return "none"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type ScannerConfig struct {
	Base common.Address
	// one unit of the base token, used to rank paths by spread
	ProbeAmount *uint256.Int
	MaxAmountIn *uint256.Int
	StepSize    *uint256.Int
	TopN        int

	// when SlippageHigh is positive the first hop's price impact caps the
	// size searched
	SlippageLow  decimal.Decimal
	SlippageHigh decimal.Decimal
}

type Stats struct {
	Blocks  uint64
	Probed  uint64
	Skipped uint64
	Emitted uint64
}

// Scanner owns the reserve cache and turns each block's diff into ranked,
// sized opportunities
type Scanner struct {
	paths  []*ArbPath
	index  PathIndex
	cache  *reserves.Cache
	pricer *GasPricer
	cfg    ScannerConfig

	state State
	stats Stats

	log     *zap.Logger
	metrics *metrics.Recorder
}

func NewScanner(paths []*ArbPath, cache *reserves.Cache, pricer *GasPricer, cfg ScannerConfig, logger *zap.Logger, rec *metrics.Recorder) (*Scanner, error) {
	if cfg.ProbeAmount == nil || cfg.ProbeAmount.IsZero() {
		return nil, errors.New("probe amount must be positive")
	}
	if cfg.StepSize == nil || cfg.StepSize.IsZero() {
		return nil, errors.New("step size must be positive")
	}
	if cfg.MaxAmountIn == nil {
		return nil, errors.New("max amount in not set")
	}
	if pricer == nil {
		return nil, errors.New("gas pricer not set")
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 1
	}
	for i, p := range paths {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("path %d: %w", i, err)
		}
		if p.TokenIn() != cfg.Base {
			return nil, fmt.Errorf("path %d starts in %s, not base %s", i, p.TokenIn().Hex(), cfg.Base.Hex())
		}
	}

	return &Scanner{
		paths:   paths,
		index:   IndexPaths(paths),
		cache:   cache,
		pricer:  pricer,
		cfg:     cfg,
		log:     logger.Named("scanner"),
		metrics: rec,
	}, nil
}

func (s *Scanner) State() State {
	return s.state
}

func (s *Scanner) Stats() Stats {
	return s.stats
}

func (s *Scanner) Paths() []*ArbPath {
	return s.paths
}

// Tracked is every pool whose reserves the scanner reads: the pools on its
// paths plus the gas price pool
func (s *Scanner) Tracked() []*pools.Pool {
	used := UsedPools(s.paths)
	if pp := s.pricer.PricePool; pp != nil {
		for _, p := range used {
			if p.Address == pp.Address {
				return used
			}
		}
		used = append(used, pp)
	}
	return used
}

func (s *Scanner) Cache() *reserves.Cache {
	return s.cache
}

// OnBlock applies the block's reserve diff and evaluates every path through
// a changed pool. A stale block is rejected; unseeded pools in the diff are
// logged and the rest of the block is still scanned
func (s *Scanner) OnBlock(ctx context.Context, block uint64, nextBaseFee *big.Int, diff reserves.Diff) ([]*Opportunity, error) {
	return s.OnBlocks(ctx, block, nextBaseFee, []reserves.BlockDiff{{Block: block, Diff: diff}})
}

// OnBlocks applies a run of block diffs in order, then scans once at block
// over every path any of them touched. Used to catch up after missed heads.
func (s *Scanner) OnBlocks(ctx context.Context, block uint64, nextBaseFee *big.Int, diffs []reserves.BlockDiff) ([]*Opportunity, error) {
	if len(diffs) == 0 || diffs[len(diffs)-1].Block != block {
		diffs = append(diffs, reserves.BlockDiff{Block: block})
	}

	var touched []common.Address
	for _, d := range diffs {
		t, err := s.cache.ApplyBlockDiff(d.Block, d.Diff)
		if errors.Is(err, reserves.ErrStaleBlock) {
			return nil, err
		}
		if err != nil {
			s.log.Warn("partial reserve diff", zap.Uint64("block", d.Block), zap.Error(err))
		}
		touched = append(touched, t...)
	}
	return s.Evaluate(ctx, block, nextBaseFee, s.index.Affected(touched))
}

// ScanAll evaluates every path against the current cache
func (s *Scanner) ScanAll(ctx context.Context, block uint64, nextBaseFee *big.Int) ([]*Opportunity, error) {
	all := make([]int, len(s.paths))
	for i := range all {
		all[i] = i
	}
	return s.Evaluate(ctx, block, nextBaseFee, all)
}

// Evaluate probes the given paths, keeps the TopN by spread, sizes them and
// returns the ones still profitable after gas
func (s *Scanner) Evaluate(ctx context.Context, block uint64, nextBaseFee *big.Int, positions []int) ([]*Opportunity, error) {
	start := time.Now()
	s.state = Scanning
	s.stats.Blocks++

	var (
		candidates []candidate
		failed     int
	)
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			s.state = Idle
			return nil, err
		}
		path := s.paths[pos]
		out, err := path.AmountOut(s.cfg.ProbeAmount, s.cache)
		if err != nil {
			failed++
			s.log.Debug("probe failed", zap.Stringer("path", path), zap.Error(err))
			continue
		}
		spread := Spread(s.cfg.ProbeAmount, out)
		if spread.Sign() <= 0 {
			continue
		}
		candidates = append(candidates, candidate{pos: pos, path: path, spread: spread})
	}
	s.stats.Probed += uint64(len(positions))

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].spread.Cmp(candidates[j].spread) > 0
	})
	if len(candidates) > s.cfg.TopN {
		candidates = candidates[:s.cfg.TopN]
	}

	var found []*Opportunity
	for _, c := range candidates {
		opp, err := s.size(block, nextBaseFee, c)
		if err != nil {
			failed++
			s.log.Debug("sizing failed", zap.Stringer("path", c.path), zap.Error(err))
			continue
		}
		if opp != nil {
			found = append(found, opp)
		}
	}

	s.stats.Skipped += uint64(failed)
	s.stats.Emitted += uint64(len(found))
	s.metrics.ObserveScan(time.Since(start), len(positions), failed, len(found))

	if len(found) > 0 {
		s.state = Found
	} else {
		s.state = NoneFound
	}
	s.log.Debug("scanned block",
		zap.Uint64("block", block),
		zap.Int("paths", len(positions)),
		zap.Int("candidates", len(candidates)),
		zap.Int("found", len(found)),
		zap.Stringer("state", s.state),
		zap.Duration("took", time.Since(start)),
	)
	s.state = Idle
	return found, nil
}

// maxIn is the sizing ceiling for path
func (s *Scanner) maxIn(path *ArbPath) (*uint256.Int, error) {
	if !s.cfg.SlippageHigh.IsPositive() {
		return s.cfg.MaxAmountIn, nil
	}
	first := path.Hops[0]
	r, ok := s.cache.Get(first.Pool.Address)
	if !ok {
		return nil, ErrMissingReserves
	}
	return amm.MaxAmountIn(amm.MaxInParams{
		Reserve0:     r.Reserve0,
		Reserve1:     r.Reserve1,
		Decimals0:    first.Pool.Decimals0,
		Decimals1:    first.Pool.Decimals1,
		Fee:          first.Pool.Fee,
		Token0In:     first.ZeroForOne,
		MaxAmountIn:  s.cfg.MaxAmountIn,
		StepSize:     s.cfg.StepSize,
		SlippageLow:  s.cfg.SlippageLow,
		SlippageHigh: s.cfg.SlippageHigh,
	})
}

func (s *Scanner) size(block uint64, nextBaseFee *big.Int, c candidate) (*Opportunity, error) {
	maxIn, err := s.maxIn(c.path)
	if err != nil {
		return nil, fmt.Errorf("max amount in: %w", err)
	}
	if maxIn.IsZero() {
		return nil, nil
	}
	amountIn, amountOut, err := c.path.Optimize(maxIn, s.cfg.StepSize, s.cache)
	if err != nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	if amountIn.IsZero() || !amountOut.Gt(amountIn) {
		return nil, nil
	}
	gross := new(uint256.Int).Sub(amountOut, amountIn)

	gas, err := s.pricer.CostInBase(nextBaseFee, s.cfg.Base, s.cache)
	if err != nil {
		return nil, fmt.Errorf("gas cost: %w", err)
	}
	if !gross.Gt(gas) {
		s.log.Debug("unprofitable after gas",
			zap.Stringer("path", c.path),
			zap.String("gross", gross.Dec()),
			zap.String("gas", gas.Dec()),
		)
		return nil, nil
	}

	return &Opportunity{
		Path:              c.path,
		BlockNumber:       block,
		AmountIn:          amountIn,
		ExpectedAmountOut: amountOut,
		Spread:            c.spread,
		GrossProfit:       gross,
		GasCost:           gas,
		NetProfit:         new(uint256.Int).Sub(gross, gas),
	}, nil
}
