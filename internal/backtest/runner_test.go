package backtest

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/pulkyeet/triarb/internal/reserves"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	weth = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	dai  = common.HexToAddress("0x00000000000000000000000000000000000000e3")

	wu = &pools.Pool{Address: common.HexToAddress("0x01"), Version: pools.UniswapV2, Token0: weth, Token1: usdc, Decimals0: 18, Decimals1: 6, Fee: pools.DefaultFee}
	ud = &pools.Pool{Address: common.HexToAddress("0x02"), Version: pools.UniswapV2, Token0: usdc, Token1: dai, Decimals0: 6, Decimals1: 18, Fee: pools.DefaultFee}
	dw = &pools.Pool{Address: common.HexToAddress("0x03"), Version: pools.UniswapV2, Token0: dai, Token1: weth, Decimals0: 18, Decimals1: 18, Fee: pools.DefaultFee}
)

func units(n uint64, decimals uint8) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func syncLog(pool common.Address, r0, r1 *big.Int, txIndex uint) types.Log {
	return types.Log{
		Address: pool,
		Topics:  []common.Hash{eth.SyncEventTopic},
		Data:    append(word(r0), word(r1)...),
		TxIndex: txIndex,
	}
}

func swapLog(pool common.Address, tx common.Hash, zeroForOne bool, index uint) types.Log {
	one, zero := big.NewInt(1), new(big.Int)
	var data []byte
	if zeroForOne {
		data = append(append(append(word(one), word(zero)...), word(zero)...), word(one)...)
	} else {
		data = append(append(append(word(zero), word(one)...), word(one)...), word(zero)...)
	}
	return types.Log{
		Address: pool,
		Topics:  []common.Hash{eth.SwapEventTopic},
		Data:    data,
		TxHash:  tx,
		Index:   index,
	}
}

type fakeChain struct {
	seed  map[common.Address]eth.PairReserves
	syncs map[uint64][]types.Log
	swaps map[uint64][]types.Log
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b := q.FromBlock.Uint64()
	switch q.Topics[0][0] {
	case eth.SyncEventTopic:
		return f.syncs[b], nil
	case eth.SwapEventTopic:
		return f.swaps[b], nil
	}
	return nil, nil
}

func (f *fakeChain) BlockHeader(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{
		Number:   number,
		BaseFee:  big.NewInt(10_000_000_000),
		GasUsed:  15_000_000,
		GasLimit: 30_000_000,
	}, nil
}

func (f *fakeChain) BatchReserves(ctx context.Context, pairs []common.Address, block *big.Int) (map[common.Address]eth.PairReserves, error) {
	out := make(map[common.Address]eth.PairReserves)
	for _, p := range pairs {
		if r, ok := f.seed[p]; ok {
			out[p] = r
		}
	}
	return out, nil
}

type memSink struct {
	opps []*arbitrage.Opportunity
}

func (m *memSink) RecordOpportunity(opp *arbitrage.Opportunity) error {
	m.opps = append(m.opps, opp)
	return nil
}

func newReplay(t *testing.T, chain *fakeChain, sink OpportunitySink) *Runner {
	t.Helper()
	tracked := []*pools.Pool{wu, ud, dw}
	paths := arbitrage.GeneratePaths(tracked, weth)

	step := new(uint256.Int).Div(uint256.MustFromBig(units(1, 18)), uint256.NewInt(10))
	scanner, err := arbitrage.NewScanner(paths, reserves.NewCache(), &arbitrage.GasPricer{
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

	logger := zaptest.NewLogger(t)
	fetcher := reserves.NewFetcher(chain, 2, 2, logger)
	return NewRunner(chain, fetcher, scanner, tracked, sink, 0, logger)
}

func TestReplayMatchesLandedCycle(t *testing.T) {
	arbTx := common.HexToHash("0xa1")
	userTx := common.HexToHash("0xb2")

	chain := &fakeChain{
		// weth is cheap in the dai pool
		seed: map[common.Address]eth.PairReserves{
			wu.Address: {Reserve0: units(1000, 18), Reserve1: units(2_000_000, 6)},
			ud.Address: {Reserve0: units(2_000_000, 6), Reserve1: units(2_000_000, 18)},
			dw.Address: {Reserve0: units(1_900_000, 18), Reserve1: units(1000, 18)},
		},
		swaps: map[uint64][]types.Log{
			101: {
				swapLog(wu.Address, arbTx, true, 0),
				swapLog(ud.Address, arbTx, true, 1),
				swapLog(dw.Address, arbTx, true, 2),
				// a plain two hop trade does not close
				swapLog(wu.Address, userTx, true, 3),
				swapLog(ud.Address, userTx, true, 4),
			},
		},
		// the arbitrage levels the dai pool
		syncs: map[uint64][]types.Log{
			101: {syncLog(dw.Address, units(2_000_000, 18), units(1000, 18), 0)},
		},
	}
	sink := &memSink{}

	report, err := newReplay(t, chain, sink).Run(context.Background(), 101, 102)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	first := report.Results[0]
	assert.Equal(t, uint64(101), first.BlockNumber)
	require.Len(t, first.Predicted, 1)
	require.Len(t, first.Actual, 1)
	assert.Equal(t, arbTx, first.Actual[0].TxHash)
	assert.Equal(t, []common.Address{wu.Address, ud.Address, dw.Address}, first.Actual[0].PoolsHit)
	assert.Equal(t, 1, first.Matched)

	second := report.Results[1]
	assert.Empty(t, second.Predicted)
	assert.Empty(t, second.Actual)

	assert.Equal(t, 2, report.BlocksAnalyzed)
	assert.Equal(t, 1, report.TruePositives)
	assert.Equal(t, 0, report.FalsePositives)
	assert.Equal(t, 0, report.FalseNegatives)
	assert.Equal(t, 1.0, report.HitRate)
	assert.Equal(t, 1.0, report.Precision)
	assert.Len(t, sink.opps, 1)

	var out strings.Builder
	report.Print(&out)
	assert.Contains(t, out.String(), "tp/fp/fn   1/0/0")
	assert.Contains(t, out.String(), arbTx.Hex())
}

func TestReplayRejectsBadRange(t *testing.T) {
	r := newReplay(t, &fakeChain{}, nil)
	_, err := r.Run(context.Background(), 10, 5)
	assert.Error(t, err)
	_, err = r.Run(context.Background(), 0, 5)
	assert.Error(t, err)
}

func TestCalculateMetricsCountsMisses(t *testing.T) {
	report := &Report{Results: []*BlockResult{
		{BlockNumber: 1, Actual: []*ActualArbitrage{{PoolsHit: []common.Address{wu.Address, dw.Address}}}},
		{BlockNumber: 2},
	}}
	report.CalculateMetrics()
	assert.Equal(t, 1, report.FalseNegatives)
	assert.Equal(t, 0.0, report.HitRate)
	assert.Equal(t, 0.0, report.Precision)
}

func TestSwapDirection(t *testing.T) {
	lg := swapLog(wu.Address, common.Hash{}, true, 0)
	dir, ok := swapDirection(&lg)
	assert.True(t, ok)
	assert.True(t, dir)

	lg = swapLog(wu.Address, common.Hash{}, false, 0)
	dir, ok = swapDirection(&lg)
	assert.True(t, ok)
	assert.False(t, dir)

	lg.Data = lg.Data[:64]
	_, ok = swapDirection(&lg)
	assert.False(t, ok)
}
