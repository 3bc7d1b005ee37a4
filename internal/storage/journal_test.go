package storage

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/bundle"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func testOpportunity(t *testing.T, block uint64) *arbitrage.Opportunity {
	t.Helper()
	weth := common.HexToAddress("0xe1")
	usdc := common.HexToAddress("0xe2")
	dai := common.HexToAddress("0xe3")
	mk := func(addr string, t0, t1 common.Address) *pools.Pool {
		return &pools.Pool{Address: common.HexToAddress(addr), Version: pools.UniswapV2, Token0: t0, Token1: t1, Decimals0: 18, Decimals1: 18, Fee: pools.DefaultFee}
	}
	paths := arbitrage.GeneratePaths([]*pools.Pool{mk("0x01", weth, usdc), mk("0x02", usdc, dai), mk("0x03", dai, weth)}, weth)
	require.NotEmpty(t, paths)

	return &arbitrage.Opportunity{
		Path:              paths[0],
		BlockNumber:       block,
		AmountIn:          uint256.NewInt(1000),
		ExpectedAmountOut: uint256.NewInt(1100),
		Spread:            big.NewInt(25_000_000_000_000_000),
		GrossProfit:       uint256.NewInt(100),
		GasCost:           uint256.NewInt(30),
		NetProfit:         uint256.NewInt(70),
	}
}

func TestJournalOpportunities(t *testing.T) {
	j := openTestJournal(t)

	for _, b := range []uint64{10, 11, 12} {
		require.NoError(t, j.RecordOpportunity(testOpportunity(t, b)))
	}

	recs, err := j.Opportunities(11, 12)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(11), recs[0].BlockNumber)
	assert.Equal(t, "1000", recs[0].AmountIn)
	assert.Equal(t, "70", recs[0].NetProfit)
	assert.Equal(t, "2.5000", recs[0].SpreadPct)
	assert.NotEmpty(t, recs[0].PathKey)
}

func TestJournalAttempts(t *testing.T) {
	j := openTestJournal(t)
	opp := testOpportunity(t, 20)
	now := time.Now()

	require.NoError(t, j.RecordAttempt(&bundle.Result{
		Key:         opp.Key(),
		Opportunity: opp,
		State:       bundle.Mined,
		TargetBlock: 21,
		Submissions: 1,
		Receipt:     &types.Receipt{TxHash: common.HexToHash("0x01")},
		Started:     now,
		Finished:    now,
	}))
	require.NoError(t, j.RecordAttempt(&bundle.Result{
		Key:      opp.Key(),
		State:    bundle.SimulationFailed,
		Err:      errors.New("reverted"),
		Started:  now,
		Finished: now,
	}))

	stats, err := j.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["attempts"])
	assert.Equal(t, int64(1), stats["mined"])
}

func TestJournalPendingFirstSeenWins(t *testing.T) {
	j := openTestJournal(t)
	hash := common.HexToHash("0xabc")
	first := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, j.RecordPendingTxs([]PendingTx{{Hash: hash, FirstSeen: first}}))
	require.NoError(t, j.RecordPendingTxs([]PendingTx{{Hash: hash, FirstSeen: first.Add(time.Second)}}))
	require.NoError(t, j.RecordPendingTxs(nil))

	txs, err := j.PendingTxs()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, first.UnixMilli(), txs[0].FirstSeen.UnixMilli())
}

func TestExportAndIngest(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t)

	require.NoError(t, j.RecordOpportunity(testOpportunity(t, 30)))
	require.NoError(t, j.RecordOpportunity(testOpportunity(t, 31)))
	n, err := j.ExportOpportunities(filepath.Join(dir, "opps.parquet"), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, j.RecordPendingTxs([]PendingTx{
		{Hash: common.HexToHash("0x01"), FirstSeen: time.UnixMilli(1000)},
		{Hash: common.HexToHash("0x02"), FirstSeen: time.UnixMilli(2000), IncludedBlock: 31},
	}))
	pendingFile := filepath.Join(dir, "pending.parquet")
	n, err = j.ExportPendingTxs(pendingFile)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	other := openTestJournal(t)
	n, err = other.IngestPendingTxs(pendingFile, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	txs, err := other.PendingTxs()
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, common.HexToHash("0x02"), txs[1].Hash)
	assert.Equal(t, uint64(31), txs[1].IncludedBlock)
}
