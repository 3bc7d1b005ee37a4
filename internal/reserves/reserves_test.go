package reserves

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	poolA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	poolB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	poolC = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

func res(r0, r1 uint64) Reserve {
	return Reserve{Reserve0: uint256.NewInt(r0), Reserve1: uint256.NewInt(r1)}
}

func upd(r0, r1 uint64, tx, log uint) Update {
	return Update{Reserve: res(r0, r1), TxIndex: tx, LogIndex: log}
}

func seeded() *Cache {
	c := NewCache()
	c.Seed(100, map[common.Address]Reserve{
		poolA: res(1000, 2000),
		poolB: res(5000, 5000),
	})
	return c
}

func TestApplyBlockDiffHighestTxIndexWins(t *testing.T) {
	c := seeded()

	touched, err := c.ApplyBlockDiff(101, Diff{
		poolA: {upd(1, 1, 3, 0), upd(9, 9, 1, 4), upd(7, 7, 3, 2)},
	})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{poolA}, touched)

	got, ok := c.Get(poolA)
	require.True(t, ok)
	assert.Equal(t, uint64(7), got.Reserve0.Uint64())
}

func TestApplyBlockDiffSameBlockOutOfOrder(t *testing.T) {
	c := seeded()

	_, err := c.ApplyBlockDiff(101, Diff{poolA: {upd(33, 33, 3, 0)}})
	require.NoError(t, err)
	touched, err := c.ApplyBlockDiff(101, Diff{poolA: {upd(11, 11, 1, 0)}})
	require.NoError(t, err)
	assert.Empty(t, touched)

	got, _ := c.Get(poolA)
	assert.Equal(t, uint64(33), got.Reserve0.Uint64())

	// a newer block always replaces
	_, err = c.ApplyBlockDiff(102, Diff{poolA: {upd(44, 44, 0, 0)}})
	require.NoError(t, err)
	got, _ = c.Get(poolA)
	assert.Equal(t, uint64(44), got.Reserve0.Uint64())
}

func TestApplyBlockDiffNotSeeded(t *testing.T) {
	c := seeded()

	touched, err := c.ApplyBlockDiff(101, Diff{
		poolB: {upd(10, 20, 0, 0)},
		poolC: {upd(1, 1, 0, 0)},
	})
	assert.ErrorIs(t, err, ErrNotSeeded)
	assert.Equal(t, []common.Address{poolB}, touched)

	got, _ := c.Get(poolB)
	assert.Equal(t, uint64(20), got.Reserve1.Uint64())
	assert.False(t, c.Has(poolC))

	_, err = NewCache().ApplyBlockDiff(1, Diff{poolA: {upd(1, 1, 0, 0)}})
	assert.ErrorIs(t, err, ErrNotSeeded)
}

func TestApplyBlockDiffStale(t *testing.T) {
	c := seeded()
	_, err := c.ApplyBlockDiff(99, Diff{poolA: {upd(1, 1, 0, 0)}})
	assert.ErrorIs(t, err, ErrStaleBlock)

	got, _ := c.Get(poolA)
	assert.Equal(t, uint64(1000), got.Reserve0.Uint64())
}

func TestSeedBlockDiffIsIgnored(t *testing.T) {
	c := seeded()
	touched, err := c.ApplyBlockDiff(100, Diff{poolA: {upd(1, 1, 50, 0)}})
	require.NoError(t, err)
	assert.Empty(t, touched)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := seeded()
	snap := c.Snapshot()
	snap[poolA].Reserve0.SetUint64(1)

	got, _ := c.Get(poolA)
	assert.Equal(t, uint64(1000), got.Reserve0.Uint64())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(100), c.LastBlock())
}

func TestDiffRestrict(t *testing.T) {
	c := seeded()
	d := Diff{poolA: {upd(1, 1, 0, 0)}, poolC: {upd(1, 1, 0, 0)}}
	kept := d.Restrict(c.Has)
	assert.Len(t, kept, 1)
	assert.Contains(t, kept, poolA)
}

func syncLog(pool common.Address, r0, r1 uint64, tx, idx uint) types.Log {
	data := append(common.LeftPadBytes(new(big.Int).SetUint64(r0).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(r1).Bytes(), 32)...)
	return types.Log{
		Address: pool,
		Topics:  []common.Hash{eth.SyncEventTopic},
		Data:    data,
		TxIndex: tx,
		Index:   idx,
	}
}

type fakeLogs struct {
	logs []types.Log
	err  error
	q    ethereum.FilterQuery
}

func (f *fakeLogs) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.q = q
	return f.logs, f.err
}

func TestTouchedReserves(t *testing.T) {
	removed := syncLog(poolB, 1, 1, 0, 0)
	removed.Removed = true
	other := syncLog(poolB, 1, 1, 0, 1)
	other.Topics = []common.Hash{eth.SwapEventTopic}

	src := &fakeLogs{logs: []types.Log{
		syncLog(poolA, 100, 200, 2, 5),
		syncLog(poolA, 150, 250, 4, 9),
		removed,
		other,
	}}

	diff, err := TouchedReserves(context.Background(), src, 1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), src.q.FromBlock.Uint64())
	assert.Equal(t, uint64(1234), src.q.ToBlock.Uint64())

	require.Len(t, diff, 1)
	require.Len(t, diff[poolA], 2)
	assert.Equal(t, uint64(250), diff[poolA][1].Reserve1.Uint64())
	assert.Equal(t, uint(4), diff[poolA][1].TxIndex)

	src.err = errors.New("boom")
	_, err = TouchedReserves(context.Background(), src, 1)
	assert.Error(t, err)
}

func TestSyncRangeSplitsPerBlock(t *testing.T) {
	at := func(lg types.Log, block uint64) types.Log {
		lg.BlockNumber = block
		return lg
	}
	src := &fakeLogs{logs: []types.Log{
		at(syncLog(poolA, 300, 300, 0, 0), 103),
		at(syncLog(poolA, 100, 100, 1, 2), 101),
		at(syncLog(poolB, 7, 7, 0, 0), 101),
	}}

	diffs, err := SyncRange(context.Background(), src, 101, 103)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), src.q.FromBlock.Uint64())
	assert.Equal(t, uint64(103), src.q.ToBlock.Uint64())

	require.Len(t, diffs, 2)
	assert.Equal(t, uint64(101), diffs[0].Block)
	assert.Len(t, diffs[0].Diff, 2)
	assert.Equal(t, uint64(103), diffs[1].Block)
	assert.Equal(t, uint64(300), diffs[1].Diff[poolA][0].Reserve0.Uint64())

	c := seeded()
	for _, d := range diffs {
		_, err := c.ApplyBlockDiff(d.Block, d.Diff)
		require.NoError(t, err)
	}
	r, _ := c.Get(poolA)
	assert.Equal(t, uint64(300), r.Reserve0.Uint64())
	assert.Equal(t, uint64(103), c.LastBlock())

	_, err = SyncRange(context.Background(), src, 5, 4)
	assert.Error(t, err)
}

type fakeReader struct {
	mu      sync.Mutex
	batches [][]common.Address
	fail    common.Address
}

func (f *fakeReader) BatchReserves(ctx context.Context, pairs []common.Address, block *big.Int) (map[common.Address]eth.PairReserves, error) {
	f.mu.Lock()
	f.batches = append(f.batches, pairs)
	f.mu.Unlock()

	out := make(map[common.Address]eth.PairReserves, len(pairs))
	for _, p := range pairs {
		if p == f.fail {
			return nil, errors.New("batch failed")
		}
		n := new(big.Int).SetBytes(p.Bytes())
		out[p] = eth.PairReserves{Reserve0: n, Reserve1: new(big.Int).Add(n, big.NewInt(1))}
	}
	return out, nil
}

func addrs(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		out[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
	}
	return out
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks(nil, 250))

	got := chunks(addrs(251), 250)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 126)
	assert.Len(t, got[1], 125)

	got = chunks(addrs(250), 250)
	require.Len(t, got, 1)
}

func TestFetchAll(t *testing.T) {
	reader := &fakeReader{}
	f := NewFetcher(reader, 10, 3, zaptest.NewLogger(t))

	all := addrs(35)
	out, err := f.FetchAll(context.Background(), all, nil)
	require.NoError(t, err)
	assert.Len(t, out, 35)
	assert.Len(t, reader.batches, 4)

	r := out[all[6]]
	assert.Equal(t, uint64(7), r.Reserve0.Uint64())
	assert.Equal(t, uint64(8), r.Reserve1.Uint64())
}

func TestFetchAllBatchError(t *testing.T) {
	all := addrs(20)
	reader := &fakeReader{fail: all[15]}
	f := NewFetcher(reader, 5, 2, zaptest.NewLogger(t))

	_, err := f.FetchAll(context.Background(), all, big.NewInt(10))
	assert.Error(t, err)
}
