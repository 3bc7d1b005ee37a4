package bundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/metrics"
	"go.uber.org/zap"
)

// ChainWatcher is how the executor learns about chain time and inclusion
type ChainWatcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type ExecutorConfig struct {
	Retries      int
	PollInterval time.Duration
	Deadline     time.Duration
}

func (c *ExecutorConfig) setDefaults() {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 2 * time.Minute
	}
}

// Executor drives a bundle from simulation to inclusion, resubmitting for
// the following block on every miss until the retry budget runs out
type Executor struct {
	relay   Relay
	chain   ChainWatcher
	cfg     ExecutorConfig
	newID   func() string
	log     *zap.Logger
	metrics *metrics.Recorder
}

func NewExecutor(relay Relay, chain ChainWatcher, cfg ExecutorConfig, logger *zap.Logger, rec *metrics.Recorder) *Executor {
	cfg.setDefaults()
	return &Executor{
		relay:   relay,
		chain:   chain,
		cfg:     cfg,
		newID:   uuid.NewString,
		log:     logger.Named("executor"),
		metrics: rec,
	}
}

// BuildFunc produces the signed bundle and the block it was priced against
type BuildFunc func(ctx context.Context) (*Bundle, uint64, error)

// Submit runs build and Execute on their own goroutine and reports on done.
// It never blocks the caller and never lets a panic escape
func (e *Executor) Submit(ctx context.Context, opp *arbitrage.Opportunity, build BuildFunc, done chan<- *Result) {
	go func() {
		res := &Result{Key: opp.Key(), Opportunity: opp, Started: time.Now()}
		defer func() {
			if r := recover(); r != nil {
				res.State = Failed
				res.Err = fmt.Errorf("executor panic: %v", r)
				res.Finished = time.Now()
			}
			select {
			case done <- res:
			case <-ctx.Done():
			}
		}()

		b, block, err := build(ctx)
		if err != nil {
			res.State = Failed
			res.Err = fmt.Errorf("build bundle: %w", err)
			res.Finished = time.Now()
			e.metrics.BundleResult(res.State.String())
			return
		}

		out := e.Execute(ctx, b, block)
		out.Key, out.Opportunity = res.Key, opp
		*res = *out
	}()
}

// Execute simulates b at currentBlock and submits it for currentBlock+1,
// retrying on later blocks while the budget lasts
func (e *Executor) Execute(ctx context.Context, b *Bundle, currentBlock uint64) *Result {
	a := &Attempt{
		Bundle:           b,
		TargetBlock:      currentBlock + 1,
		RetriesRemaining: e.cfg.Retries,
		State:            Building,
	}
	res := &Result{Started: time.Now()}
	finish := func(state State, err error) *Result {
		a.State = state
		res.State = state
		res.Err = err
		res.TargetBlock = a.TargetBlock
		res.Submissions = a.Submissions
		res.Finished = time.Now()
		e.metrics.BundleResult(state.String())
		e.log.Info("bundle attempt finished",
			zap.Stringer("state", state),
			zap.Uint64("target", a.TargetBlock),
			zap.Int("submissions", a.Submissions),
			zap.Error(err),
		)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	sim, err := e.relay.Simulate(ctx, b, currentBlock)
	if err != nil {
		return finish(SimulationFailed, err)
	}
	a.State = Simulated
	e.log.Debug("bundle simulated", zap.Uint64("block", currentBlock), zap.Uint64("gas", sim.TotalGasUsed))

	for {
		a.ReplacementID = e.newID()
		if _, err := e.relay.Send(ctx, b, a.TargetBlock, a.ReplacementID); err != nil {
			if ctx.Err() != nil {
				return finish(DeadlineExceeded, ctx.Err())
			}
			e.log.Warn("send bundle failed", zap.Uint64("target", a.TargetBlock), zap.Error(err))
		} else {
			a.Submissions++
		}
		a.State = Submitted

		if err := e.waitForBlock(ctx, a.TargetBlock); err != nil {
			e.cancel(a.ReplacementID)
			return finish(DeadlineExceeded, err)
		}

		if receipt := e.included(ctx, b); receipt != nil {
			res.Receipt = receipt
			return finish(Mined, nil)
		}

		a.State = NotFound
		e.cancel(a.ReplacementID)
		if a.RetriesRemaining <= 0 {
			return finish(RetriesExhausted, nil)
		}
		a.RetriesRemaining--
		a.TargetBlock++
		e.log.Debug("bundle missed, retrying", zap.Uint64("target", a.TargetBlock), zap.Int("retries", a.RetriesRemaining))
	}
}

func (e *Executor) waitForBlock(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := e.chain.BlockNumber(ctx)
		if err == nil && n >= target {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			e.log.Debug("block number poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for block %d: %w", target, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Executor) included(ctx context.Context, b *Bundle) *types.Receipt {
	for _, hash := range b.Hashes() {
		receipt, err := e.chain.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.log.Debug("receipt lookup failed", zap.Stringer("tx", hash), zap.Error(err))
		}
	}
	return nil
}

// cancel withdraws a replacement id; the attempt's own context may already
// be gone so it gets a short one of its own
func (e *Executor) cancel(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.relay.Cancel(ctx, id); err != nil {
		e.log.Debug("cancel bundle failed", zap.String("replacement", id), zap.Error(err))
	}
}

// Profitable reports whether a receipt shows the bundle succeeded on chain
func Profitable(r *types.Receipt) bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}
