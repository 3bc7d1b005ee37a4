package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/bundle"
	"github.com/pulkyeet/triarb/internal/metrics"
	"github.com/pulkyeet/triarb/internal/reserves"
	"github.com/pulkyeet/triarb/internal/storage"
	"github.com/pulkyeet/triarb/internal/stream"
	"go.uber.org/zap"
)

// Chain is everything the engine reads from the node directly
type Chain interface {
	reserves.LogSource
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Submitter runs a bundle attempt in the background; *bundle.Executor
type Submitter interface {
	Submit(ctx context.Context, opp *arbitrage.Opportunity, build bundle.BuildFunc, done chan<- *bundle.Result)
}

// Builder signs the order transaction; *bundle.Builder
type Builder interface {
	From() common.Address
	Build(opp *arbitrage.Opportunity, nonce uint64, tip, feeCap *big.Int) (*bundle.Bundle, error)
}

// Journal persists what the engine sees; *storage.Journal
type Journal interface {
	RecordOpportunity(opp *arbitrage.Opportunity) error
	RecordAttempt(res *bundle.Result) error
	RecordPendingTxs(txs []storage.PendingTx) error
}

type Config struct {
	// tip used when the block event carries no fee suggestion
	DefaultTip   *big.Int
	PendingBatch int
	FlushEvery   time.Duration
	// longest run of unapplied blocks caught up through Sync logs; longer
	// gaps re-seed every tracked pool instead
	MaxBackfill uint64
}

// Engine is the single loop that owns the reserve cache. Block events are
// turned into reserve diffs by one ordered worker, scanned here, and
// profitable paths are handed to the submitter, at most one per path
type Engine struct {
	chain     Chain
	scanner   *arbitrage.Scanner
	submitter Submitter
	builder   Builder
	journal   Journal
	health    *metrics.Health
	cfg       Config

	fetcher *reserves.Fetcher
	tracked []common.Address

	inflight map[string]struct{}
	pending  []storage.PendingTx

	log     *zap.Logger
	metrics *metrics.Recorder
}

// submitter and builder may both be nil for a watch-only engine; journal
// may be nil
func New(chain Chain, scanner *arbitrage.Scanner, submitter Submitter, builder Builder, journal Journal, health *metrics.Health, cfg Config, logger *zap.Logger, rec *metrics.Recorder) (*Engine, error) {
	if (submitter == nil) != (builder == nil) {
		return nil, errors.New("submitter and builder must be set together")
	}
	if cfg.DefaultTip == nil {
		cfg.DefaultTip = big.NewInt(1_000_000_000)
	}
	if cfg.PendingBatch <= 0 {
		cfg.PendingBatch = 200
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxBackfill == 0 {
		cfg.MaxBackfill = 64
	}
	if health == nil {
		health = &metrics.Health{}
	}
	return &Engine{
		chain:     chain,
		scanner:   scanner,
		submitter: submitter,
		builder:   builder,
		journal:   journal,
		health:    health,
		cfg:       cfg,
		inflight:  make(map[string]struct{}),
		log:       logger.Named("engine"),
		metrics:   rec,
	}, nil
}

// Bootstrap seeds the cache with every pool the scanner reads, at the
// current head. The fetcher is kept for re-seeding after long gaps
func (e *Engine) Bootstrap(ctx context.Context, fetcher *reserves.Fetcher) (uint64, error) {
	head, err := e.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("head block: %w", err)
	}

	used := e.scanner.Tracked()
	addrs := make([]common.Address, len(used))
	for i, p := range used {
		addrs[i] = p.Address
	}

	snapshot, err := fetcher.FetchAll(ctx, addrs, new(big.Int).SetUint64(head))
	if err != nil {
		return 0, err
	}
	e.fetcher = fetcher
	e.tracked = addrs
	e.scanner.Cache().Seed(head, snapshot)
	e.health.MarkBlock(head)
	e.log.Info("reserves seeded",
		zap.Uint64("block", head),
		zap.Int("pools", len(snapshot)),
		zap.Int("paths", len(e.scanner.Paths())),
	)
	return head, nil
}

type diffResult struct {
	ev    stream.Event
	from  uint64
	diffs []reserves.BlockDiff
	// set instead of diffs when the gap was too long to backfill
	snapshot map[common.Address]reserves.Reserve
	err      error
}

// Run consumes events until ctx is done or events is closed
func (e *Engine) Run(ctx context.Context, events <-chan stream.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	blocks := make(chan stream.Event, 16)
	diffs := make(chan diffResult, 16)
	done := make(chan *bundle.Result, 64)

	// next is the first block the cache has not seen, 0 until known
	var next uint64
	if cache := e.scanner.Cache(); cache.Len() > 0 {
		next = cache.LastBlock() + 1
	}

	// one worker so diffs arrive in block order. A block that fails stays
	// unapplied and is fetched again with the next head
	go func() {
		defer close(diffs)
		for ev := range blocks {
			if next == 0 {
				next = ev.BlockNumber
			}
			if ev.BlockNumber < next {
				e.log.Debug("head already applied", zap.Uint64("block", ev.BlockNumber))
				continue
			}
			res := e.fetchDiff(ctx, ev, next)
			if res.err == nil {
				next = ev.BlockNumber + 1
			}
			select {
			case diffs <- res:
			case <-ctx.Done():
				return
			}
		}
	}()

	flush := time.NewTicker(e.cfg.FlushEvery)
	defer flush.Stop()

	stop := func(err error) error {
		close(blocks)
		e.flushPending()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return stop(ctx.Err())

		case ev, ok := <-events:
			if !ok {
				// let queued blocks finish before returning
				close(blocks)
				for res := range diffs {
					e.handleDiff(ctx, res, done)
				}
				e.flushPending()
				return nil
			}
			switch ev.Kind {
			case stream.Block:
				select {
				case blocks <- ev:
				case <-ctx.Done():
					return stop(ctx.Err())
				}
			case stream.PendingTx:
				e.pending = append(e.pending, storage.PendingTx{Hash: ev.TxHash, FirstSeen: ev.Received})
				if len(e.pending) >= e.cfg.PendingBatch {
					e.flushPending()
				}
			}

		case res, ok := <-diffs:
			if !ok {
				diffs = nil
				continue
			}
			e.handleDiff(ctx, res, done)

		case r := <-done:
			e.handleResult(r)

		case <-flush.C:
			e.flushPending()
		}
	}
}

func (e *Engine) fetchDiff(ctx context.Context, ev stream.Event, from uint64) diffResult {
	res := diffResult{ev: ev, from: from}
	if e.fetcher != nil && ev.BlockNumber-from >= e.cfg.MaxBackfill {
		res.snapshot, res.err = e.fetcher.FetchAll(ctx, e.tracked, new(big.Int).SetUint64(ev.BlockNumber))
		return res
	}
	res.diffs, res.err = reserves.SyncRange(ctx, e.chain, from, ev.BlockNumber)
	return res
}

func (e *Engine) handleDiff(ctx context.Context, res diffResult, done chan<- *bundle.Result) {
	block := res.ev.BlockNumber
	if res.err != nil {
		e.metrics.ReserveError()
		e.log.Warn("reserve diff failed, retrying with the next head",
			zap.Uint64("from", res.from),
			zap.Uint64("block", block),
			zap.Error(res.err),
		)
		return
	}

	cache := e.scanner.Cache()
	var (
		opps []*arbitrage.Opportunity
		err  error
	)
	if res.snapshot != nil {
		e.log.Warn("gap too long to backfill, re-seeded reserves",
			zap.Uint64("from", res.from),
			zap.Uint64("block", block),
			zap.Int("pools", len(res.snapshot)),
		)
		cache.Seed(block, res.snapshot)
		opps, err = e.scanner.ScanAll(ctx, block, res.ev.NextBaseFee)
	} else {
		if res.from < block {
			e.log.Info("backfilled missed blocks", zap.Uint64("from", res.from), zap.Uint64("block", block))
		}
		for i := range res.diffs {
			res.diffs[i].Diff = res.diffs[i].Diff.Restrict(cache.Has)
		}
		opps, err = e.scanner.OnBlocks(ctx, block, res.ev.NextBaseFee, res.diffs)
	}
	if err != nil {
		e.log.Warn("scan failed", zap.Uint64("block", block), zap.Error(err))
		return
	}
	e.health.MarkBlock(block)

	for _, opp := range opps {
		e.log.Info("opportunity",
			zap.Uint64("block", block),
			zap.Stringer("path", opp.Path),
			zap.String("amount_in", opp.AmountIn.Dec()),
			zap.String("net_profit", opp.NetProfit.Dec()),
			zap.String("spread_pct", opp.SpreadPercent().StringFixed(4)),
		)
		if e.journal != nil {
			if err := e.journal.RecordOpportunity(opp); err != nil {
				e.log.Warn("journal opportunity failed", zap.Error(err))
			}
		}
		e.submit(ctx, res.ev, opp, done)
	}
}

func (e *Engine) submit(ctx context.Context, ev stream.Event, opp *arbitrage.Opportunity, done chan<- *bundle.Result) {
	if e.submitter == nil {
		return
	}
	key := opp.Key()
	if _, busy := e.inflight[key]; busy {
		e.log.Debug("path already in flight", zap.Stringer("path", opp.Path))
		return
	}
	e.inflight[key] = struct{}{}
	e.submitter.Submit(ctx, opp, e.buildFunc(ev, opp), done)
}

func (e *Engine) buildFunc(ev stream.Event, opp *arbitrage.Opportunity) bundle.BuildFunc {
	return func(ctx context.Context) (*bundle.Bundle, uint64, error) {
		nonce, err := e.chain.PendingNonceAt(ctx, e.builder.From())
		if err != nil {
			return nil, 0, fmt.Errorf("nonce: %w", err)
		}
		tip, feeCap := bundle.Fees(ev.NextBaseFee, ev.MaxPriorityFeePerGas, ev.MaxFeePerGas, e.cfg.DefaultTip)
		b, err := e.builder.Build(opp, nonce, tip, feeCap)
		if err != nil {
			return nil, 0, err
		}
		return b, ev.BlockNumber, nil
	}
}

func (e *Engine) handleResult(r *bundle.Result) {
	delete(e.inflight, r.Key)
	fields := []zap.Field{
		zap.String("path", r.Key),
		zap.Stringer("state", r.State),
		zap.Uint64("target", r.TargetBlock),
		zap.Int("submissions", r.Submissions),
	}
	if r.State == bundle.Mined {
		e.log.Info("bundle landed", append(fields, zap.Bool("success", bundle.Profitable(r.Receipt)))...)
	} else {
		e.log.Info("bundle not landed", append(fields, zap.Error(r.Err))...)
	}
	if e.journal != nil {
		if err := e.journal.RecordAttempt(r); err != nil {
			e.log.Warn("journal attempt failed", zap.Error(err))
		}
	}
}

func (e *Engine) flushPending() {
	if len(e.pending) == 0 {
		return
	}
	if e.journal != nil {
		if err := e.journal.RecordPendingTxs(e.pending); err != nil {
			e.log.Warn("journal pending txs failed", zap.Int("count", len(e.pending)), zap.Error(err))
		}
	}
	e.pending = e.pending[:0]
}

// InFlight is the number of paths with a bundle attempt running
func (e *Engine) InFlight() int {
	return len(e.inflight)
}
