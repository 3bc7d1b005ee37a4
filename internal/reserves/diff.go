package reserves

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/eth"
)

type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// TouchedReserves pulls every Sync log emitted in block and decodes it
func TouchedReserves(ctx context.Context, chain LogSource, block uint64) (Diff, error) {
	n := new(big.Int).SetUint64(block)
	logs, err := chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: n,
		ToBlock:   n,
		Topics:    [][]common.Hash{{eth.SyncEventTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter sync logs at %d: %w", block, err)
	}
	return DecodeSyncLogs(logs), nil
}

// BlockDiff is the Sync updates of one block
type BlockDiff struct {
	Block uint64
	Diff  Diff
}

// SyncRange pulls every Sync log in [from, to] with one query and splits
// them per block, ascending. Blocks without a Sync are left out.
func SyncRange(ctx context.Context, chain LogSource, from, to uint64) ([]BlockDiff, error) {
	if to < from {
		return nil, fmt.Errorf("empty range %d..%d", from, to)
	}
	logs, err := chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]common.Hash{{eth.SyncEventTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter sync logs %d..%d: %w", from, to, err)
	}

	byBlock := make(map[uint64][]types.Log)
	for _, lg := range logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		byBlock[lg.BlockNumber] = append(byBlock[lg.BlockNumber], lg)
	}
	out := make([]BlockDiff, 0, len(byBlock))
	for block, group := range byBlock {
		out = append(out, BlockDiff{Block: block, Diff: DecodeSyncLogs(group)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Block < out[j].Block })
	return out, nil
}

// DecodeSyncLogs groups Sync(uint112,uint112) logs by pool. Removed logs and
// anything that is not a well formed Sync are ignored
func DecodeSyncLogs(logs []types.Log) Diff {
	diff := make(Diff)
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 || lg.Topics[0] != eth.SyncEventTopic {
			continue
		}
		if len(lg.Data) < 64 {
			continue
		}

		diff[lg.Address] = append(diff[lg.Address], Update{
			Reserve: Reserve{
				Reserve0: new(uint256.Int).SetBytes32(lg.Data[0:32]),
				Reserve1: new(uint256.Int).SetBytes32(lg.Data[32:64]),
			},
			TxIndex:  lg.TxIndex,
			LogIndex: lg.Index,
		})
	}
	return diff
}
