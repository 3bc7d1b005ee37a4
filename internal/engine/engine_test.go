package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/bundle"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/metrics"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/pulkyeet/triarb/internal/reserves"
	"github.com/pulkyeet/triarb/internal/storage"
	"github.com/pulkyeet/triarb/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	weth = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	dai  = common.HexToAddress("0x00000000000000000000000000000000000000e3")
	bot  = common.HexToAddress("0x00000000000000000000000000000000000000b0")

	wu = &pools.Pool{Address: common.HexToAddress("0x01"), Version: pools.UniswapV2, Token0: weth, Token1: usdc, Decimals0: 18, Decimals1: 6, Fee: pools.DefaultFee}
	ud = &pools.Pool{Address: common.HexToAddress("0x02"), Version: pools.UniswapV2, Token0: usdc, Token1: dai, Decimals0: 6, Decimals1: 18, Fee: pools.DefaultFee}
	dw = &pools.Pool{Address: common.HexToAddress("0x03"), Version: pools.UniswapV2, Token0: dai, Token1: weth, Decimals0: 18, Decimals1: 18, Fee: pools.DefaultFee}
)

func units(n uint64, decimals uint8) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func syncLog(pool common.Address, r0, r1 *big.Int) types.Log {
	return types.Log{
		Address: pool,
		Topics:  []common.Hash{eth.SyncEventTopic},
		Data:    append(common.LeftPadBytes(r0.Bytes(), 32), common.LeftPadBytes(r1.Bytes(), 32)...),
	}
}

type fakeChain struct {
	mu    sync.Mutex
	head  uint64
	seed  map[common.Address]eth.PairReserves
	syncs map[uint64][]types.Log
	// FilterLogs calls left to fail
	failures int
	ranges   [][2]uint64
	seededAt []uint64
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.ranges = append(f.ranges, [2]uint64{from, to})
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("node unavailable")
	}
	var out []types.Log
	for b := from; b <= to; b++ {
		for _, lg := range f.syncs[b] {
			lg.BlockNumber = b
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeChain) BatchReserves(ctx context.Context, pairs []common.Address, block *big.Int) (map[common.Address]eth.PairReserves, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seededAt = append(f.seededAt, block.Uint64())
	out := make(map[common.Address]eth.PairReserves)
	for _, p := range pairs {
		if r, ok := f.seed[p]; ok {
			out[p] = r
		}
	}
	return out, nil
}

func (f *fakeChain) setSeed(addr common.Address, r eth.PairReserves) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seed[addr] = r
}

func (f *fakeChain) queried() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.ranges...)
}

type built struct {
	nonce  uint64
	target uint64
	tip    *big.Int
	feeCap *big.Int
}

type fakeBuilder struct {
	mu    sync.Mutex
	calls []built
}

func (b *fakeBuilder) From() common.Address { return bot }

func (b *fakeBuilder) Build(opp *arbitrage.Opportunity, nonce uint64, tip, feeCap *big.Int) (*bundle.Bundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, built{nonce: nonce, tip: tip, feeCap: feeCap})
	return &bundle.Bundle{}, nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	opps    []*arbitrage.Opportunity
	targets []uint64
	errs    []error
	done    chan<- *bundle.Result
}

func (s *fakeSubmitter) Submit(ctx context.Context, opp *arbitrage.Opportunity, build bundle.BuildFunc, done chan<- *bundle.Result) {
	_, target, err := build(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps = append(s.opps, opp)
	s.targets = append(s.targets, target)
	s.errs = append(s.errs, err)
	s.done = done
}

func (s *fakeSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opps)
}

func (s *fakeSubmitter) finish(i int, state bundle.State) {
	s.mu.Lock()
	opp, done := s.opps[i], s.done
	s.mu.Unlock()
	done <- &bundle.Result{Key: opp.Key(), Opportunity: opp, State: state, TargetBlock: opp.BlockNumber + 1}
}

type memJournal struct {
	mu       sync.Mutex
	opps     []*arbitrage.Opportunity
	attempts []*bundle.Result
	pending  []storage.PendingTx
}

func (m *memJournal) RecordOpportunity(opp *arbitrage.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opps = append(m.opps, opp)
	return nil
}

func (m *memJournal) RecordAttempt(res *bundle.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, res)
	return nil
}

func (m *memJournal) RecordPendingTxs(txs []storage.PendingTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, txs...)
	return nil
}

func (m *memJournal) counts() (opps, attempts, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opps), len(m.attempts), len(m.pending)
}

func newScanner(t *testing.T) *arbitrage.Scanner {
	t.Helper()
	paths := arbitrage.GeneratePaths([]*pools.Pool{wu, ud, dw}, weth)
	step := new(uint256.Int).Div(uint256.MustFromBig(units(1, 18)), uint256.NewInt(10))
	s, err := arbitrage.NewScanner(paths, reserves.NewCache(), &arbitrage.GasPricer{
		Model:  arbitrage.GasModel{Units: arbitrage.DefaultGasUnits, MarkupPct: arbitrage.DefaultBaseFeeMarkupPct},
		Native: weth,
	}, arbitrage.ScannerConfig{
		Base:        weth,
		ProbeAmount: uint256.MustFromBig(units(1, 18)),
		MaxAmountIn: uint256.MustFromBig(units(100, 18)),
		StepSize:    step,
		TopN:        1,
	}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return s
}

func balancedChain() *fakeChain {
	return &fakeChain{
		head: 100,
		seed: map[common.Address]eth.PairReserves{
			wu.Address: {Reserve0: units(1000, 18), Reserve1: units(2_000_000, 6)},
			ud.Address: {Reserve0: units(2_000_000, 6), Reserve1: units(2_000_000, 18)},
			dw.Address: {Reserve0: units(2_000_000, 18), Reserve1: units(1000, 18)},
		},
		// weth keeps getting cheaper in the dai pool
		syncs: map[uint64][]types.Log{
			101: {syncLog(dw.Address, units(1_900_000, 18), units(1000, 18))},
			102: {syncLog(dw.Address, units(1_890_000, 18), units(1000, 18))},
			103: {syncLog(dw.Address, units(1_880_000, 18), units(1000, 18))},
		},
	}
}

func block(n uint64) stream.Event {
	return stream.Event{Kind: stream.Block, BlockNumber: n, NextBaseFee: big.NewInt(10_000_000_000), Received: time.Now()}
}

func TestEngineSubmitsOncePerPath(t *testing.T) {
	chain := balancedChain()
	scanner := newScanner(t)
	sub := &fakeSubmitter{}
	builder := &fakeBuilder{}
	journal := &memJournal{}
	health := &metrics.Health{}
	logger := zaptest.NewLogger(t)

	e, err := New(chain, scanner, sub, builder, journal, health, Config{PendingBatch: 10, FlushEvery: time.Hour}, logger, nil)
	require.NoError(t, err)

	head, err := e.Bootstrap(context.Background(), reserves.NewFetcher(chain, 2, 2, logger))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)
	assert.Equal(t, 3, scanner.Cache().Len())

	events := make(chan stream.Event)
	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background(), events) }()

	events <- block(101)
	require.Eventually(t, func() bool { return sub.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	events <- block(102)
	require.Eventually(t, func() bool { return health.LastBlock() == 102 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sub.count(), "path still in flight")

	sub.finish(0, bundle.RetriesExhausted)
	require.Eventually(t, func() bool { _, n, _ := journal.counts(); return n == 1 }, 2*time.Second, 5*time.Millisecond)

	events <- block(103)
	require.Eventually(t, func() bool { return sub.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	close(events)
	require.NoError(t, <-errc)

	opps, attempts, _ := journal.counts()
	assert.Equal(t, 3, opps)
	assert.Equal(t, 1, attempts)

	sub.mu.Lock()
	assert.Equal(t, []uint64{101, 103}, sub.targets)
	assert.Equal(t, sub.opps[0].Key(), sub.opps[1].Key())
	for _, err := range sub.errs {
		assert.NoError(t, err)
	}
	sub.mu.Unlock()

	builder.mu.Lock()
	require.Len(t, builder.calls, 2)
	assert.Equal(t, uint64(7), builder.calls[0].nonce)
	assert.Equal(t, big.NewInt(1_000_000_000), builder.calls[0].tip)
	// 2 * next base fee + tip
	assert.Equal(t, big.NewInt(21_000_000_000), builder.calls[0].feeCap)
	builder.mu.Unlock()
}

func TestEngineFlushesPendingOnClose(t *testing.T) {
	chain := balancedChain()
	journal := &memJournal{}
	e, err := New(chain, newScanner(t), nil, nil, journal, nil, Config{PendingBatch: 2, FlushEvery: time.Hour}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	events := make(chan stream.Event, 3)
	for i := 0; i < 3; i++ {
		events <- stream.Event{Kind: stream.PendingTx, TxHash: common.BigToHash(big.NewInt(int64(i + 1))), Received: time.Now()}
	}
	close(events)

	require.NoError(t, e.Run(context.Background(), events))
	_, _, pending := journal.counts()
	assert.Equal(t, 3, pending)
}

func TestEngineWatchOnlyStopsOnCancel(t *testing.T) {
	chain := balancedChain()
	scanner := newScanner(t)
	journal := &memJournal{}
	logger := zaptest.NewLogger(t)
	e, err := New(chain, scanner, nil, nil, journal, nil, Config{}, logger, nil)
	require.NoError(t, err)
	_, err = e.Bootstrap(context.Background(), reserves.NewFetcher(chain, 2, 2, logger))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan stream.Event)
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx, events) }()

	events <- block(101)
	require.Eventually(t, func() bool { o, _, _ := journal.counts(); return o == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestNewRequiresBuilderWithSubmitter(t *testing.T) {
	_, err := New(&fakeChain{}, newScanner(t), &fakeSubmitter{}, nil, nil, nil, Config{}, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}

// block 101 moves the usdc/dai pool; nothing else happens
func gapChain() *fakeChain {
	chain := balancedChain()
	chain.syncs = map[uint64][]types.Log{
		101: {syncLog(ud.Address, units(1_500_000, 6), units(2_000_000, 18))},
	}
	return chain
}

func runWatchOnly(t *testing.T, chain *fakeChain, cfg Config, heads ...uint64) *arbitrage.Scanner {
	t.Helper()
	scanner := newScanner(t)
	health := &metrics.Health{}
	logger := zaptest.NewLogger(t)
	e, err := New(chain, scanner, nil, nil, nil, health, cfg, logger, nil)
	require.NoError(t, err)
	_, err = e.Bootstrap(context.Background(), reserves.NewFetcher(chain, 2, 2, logger))
	require.NoError(t, err)

	events := make(chan stream.Event)
	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background(), events) }()

	for _, h := range heads {
		events <- block(h)
	}
	last := heads[len(heads)-1]
	require.Eventually(t, func() bool { return health.LastBlock() == last }, 2*time.Second, 5*time.Millisecond)
	close(events)
	require.NoError(t, <-errc)
	return scanner
}

func TestEngineRetriesFailedBlockWithNextHead(t *testing.T) {
	chain := gapChain()
	chain.failures = 1

	scanner := runWatchOnly(t, chain, Config{}, 101, 102)

	r, ok := scanner.Cache().Get(ud.Address)
	require.True(t, ok)
	assert.Zero(t, units(1_500_000, 6).Cmp(r.Reserve0.ToBig()))
	assert.Equal(t, uint64(102), scanner.Cache().LastBlock())
	assert.Equal(t, [][2]uint64{{101, 101}, {101, 102}}, chain.queried())
}

func TestEngineBackfillsSkippedHeads(t *testing.T) {
	chain := gapChain()

	scanner := runWatchOnly(t, chain, Config{}, 102)

	r, ok := scanner.Cache().Get(ud.Address)
	require.True(t, ok)
	assert.Zero(t, units(1_500_000, 6).Cmp(r.Reserve0.ToBig()))
	assert.Equal(t, [][2]uint64{{101, 102}}, chain.queried())
}

func TestEngineSkipsReplayedHeads(t *testing.T) {
	chain := gapChain()

	scanner := runWatchOnly(t, chain, Config{}, 101, 101, 102)

	assert.Equal(t, uint64(102), scanner.Cache().LastBlock())
	assert.Equal(t, [][2]uint64{{101, 101}, {102, 102}}, chain.queried())
}

func TestEngineReseedsAfterLongGap(t *testing.T) {
	chain := gapChain()
	scanner := newScanner(t)
	health := &metrics.Health{}
	logger := zaptest.NewLogger(t)
	e, err := New(chain, scanner, nil, nil, nil, health, Config{MaxBackfill: 4}, logger, nil)
	require.NoError(t, err)
	_, err = e.Bootstrap(context.Background(), reserves.NewFetcher(chain, 2, 2, logger))
	require.NoError(t, err)

	chain.setSeed(ud.Address, eth.PairReserves{Reserve0: units(1_200_000, 6), Reserve1: units(2_000_000, 18)})

	events := make(chan stream.Event)
	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background(), events) }()
	events <- block(110)
	require.Eventually(t, func() bool { return health.LastBlock() == 110 }, 2*time.Second, 5*time.Millisecond)
	close(events)
	require.NoError(t, <-errc)

	r, ok := scanner.Cache().Get(ud.Address)
	require.True(t, ok)
	assert.Zero(t, units(1_200_000, 6).Cmp(r.Reserve0.ToBig()))
	assert.Equal(t, uint64(110), scanner.Cache().LastBlock())
	assert.Empty(t, chain.queried(), "no log query for a re-seeded gap")

	chain.mu.Lock()
	assert.Contains(t, chain.seededAt, uint64(110))
	chain.mu.Unlock()
}
