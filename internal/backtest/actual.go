package backtest

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/pulkyeet/triarb/internal/reserves"
)

type swap struct {
	pool       common.Address
	zeroForOne bool
	logIndex   uint
}

// swapDirection reads a V2 Swap log. ok is false for anything that is not a
// clean one-directional swap
func swapDirection(lg *types.Log) (zeroForOne bool, ok bool) {
	if len(lg.Topics) < 1 || lg.Topics[0] != eth.SwapEventTopic {
		return false, false
	}
	if len(lg.Data) < 128 {
		return false, false
	}

	amount0In := new(big.Int).SetBytes(lg.Data[0:32])
	amount1In := new(big.Int).SetBytes(lg.Data[32:64])
	amount0Out := new(big.Int).SetBytes(lg.Data[64:96])
	amount1Out := new(big.Int).SetBytes(lg.Data[96:128])

	if amount0In.Sign() > 0 && amount1Out.Sign() > 0 && amount1In.Sign() == 0 && amount0Out.Sign() == 0 {
		return true, true
	}
	if amount1In.Sign() > 0 && amount0Out.Sign() > 0 && amount0In.Sign() == 0 && amount1Out.Sign() == 0 {
		return false, true
	}
	return false, false
}

// closesCycle reports whether every token that went into a swap also came
// out of one, i.e. the transaction ends holding what it started with
func closesCycle(swaps []swap, tracked map[common.Address]*pools.Pool) bool {
	if len(swaps) < 2 {
		return false
	}
	net := make(map[common.Address]int)
	for _, s := range swaps {
		p := tracked[s.pool]
		in, out := p.Token0, p.Token1
		if !s.zeroForOne {
			in, out = out, in
		}
		net[in]++
		net[out]--
	}
	for _, n := range net {
		if n != 0 {
			return false
		}
	}
	return true
}

// FindActualArbitrages scans the block's Swap logs on tracked pools and
// returns the transactions that traded around a closed cycle
func FindActualArbitrages(ctx context.Context, chain reserves.LogSource, blockNum uint64, tracked map[common.Address]*pools.Pool) ([]*ActualArbitrage, error) {
	n := new(big.Int).SetUint64(blockNum)
	logs, err := chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: n,
		ToBlock:   n,
		Topics:    [][]common.Hash{{eth.SwapEventTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter swap logs at %d: %w", blockNum, err)
	}

	byTx := make(map[common.Hash][]swap)
	var order []common.Hash
	for i := range logs {
		lg := &logs[i]
		if lg.Removed {
			continue
		}
		if _, ok := tracked[lg.Address]; !ok {
			continue
		}
		dir, ok := swapDirection(lg)
		if !ok {
			continue
		}
		if _, seen := byTx[lg.TxHash]; !seen {
			order = append(order, lg.TxHash)
		}
		byTx[lg.TxHash] = append(byTx[lg.TxHash], swap{pool: lg.Address, zeroForOne: dir, logIndex: lg.Index})
	}

	var arbs []*ActualArbitrage
	for _, hash := range order {
		swaps := byTx[hash]
		if !closesCycle(swaps, tracked) {
			continue
		}
		sort.Slice(swaps, func(i, j int) bool { return swaps[i].logIndex < swaps[j].logIndex })

		hit := make([]common.Address, 0, len(swaps))
		seen := make(map[common.Address]struct{}, len(swaps))
		for _, s := range swaps {
			if _, dup := seen[s.pool]; dup {
				continue
			}
			seen[s.pool] = struct{}{}
			hit = append(hit, s.pool)
		}
		arbs = append(arbs, &ActualArbitrage{
			TxHash:      hash,
			BlockNumber: blockNum,
			PoolsHit:    hit,
		})
	}
	return arbs, nil
}
