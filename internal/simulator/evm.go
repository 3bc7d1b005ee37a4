package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pulkyeet/triarb/internal/bundle"
	"go.uber.org/zap"
)

// Node is what the EVM simulator needs from the chain
type Node interface {
	Backend
	BlockHeader(ctx context.Context, number *big.Int) (*types.Header, error)
}

var errStateRead = errors.New("state read failed")

// EVM executes a bundle in-process on a fork of the state block, so each
// transaction runs on top of the ones before it. The block context is the
// one the bundle targets: state block + 1 with the EIP-1559 base fee
// derived from the state block's header.
type EVM struct {
	node   Node
	store  Store
	config *params.ChainConfig
	log    *zap.Logger
}

// store and config may be nil; config defaults to mainnet
func NewEVM(node Node, store Store, config *params.ChainConfig, logger *zap.Logger) *EVM {
	if config == nil {
		config = params.MainnetChainConfig
	}
	return &EVM{node: node, store: store, config: config, log: logger.Named("evm")}
}

func (s *EVM) blockContext(parent *types.Header) vm.BlockContext {
	random := parent.MixDigest
	parentNumber := parent.Number.Uint64()
	parentHash := parent.Hash()
	return vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash: func(n uint64) common.Hash {
			if n == parentNumber {
				return parentHash
			}
			return common.Hash{}
		},
		Coinbase:    parent.Coinbase,
		BlockNumber: new(big.Int).Add(parent.Number, common.Big1),
		Time:        parent.Time + 12,
		Difficulty:  new(big.Int),
		GasLimit:    parent.GasLimit,
		BaseFee:     eip1559.CalcBaseFee(s.config, parent),
		Random:      &random,
	}
}

// applyTransaction runs tx on fork. An error wrapping errStateRead means the
// node failed us; any other error means the transaction is invalid on this
// state and has left it untouched.
func (s *EVM) applyTransaction(fork *StateFork, blockCtx vm.BlockContext, tx *types.Transaction) (*core.ExecutionResult, error) {
	msg, err := core.TransactionToMessage(tx, types.LatestSignerForChainID(tx.ChainId()), blockCtx.BaseFee)
	if err != nil {
		return nil, fmt.Errorf("failed to get sender: %w", err)
	}

	statedb := NewForkedStateDB(fork)
	evm := vm.NewEVM(blockCtx, statedb, s.config, vm.Config{})
	evm.SetTxContext(core.NewEVMTxContext(msg))

	snap := fork.Snapshot()
	gp := new(core.GasPool).AddGas(blockCtx.GasLimit)
	result, err := core.ApplyMessage(evm, msg, gp)
	if dbErr := statedb.Error(); dbErr != nil {
		return nil, fmt.Errorf("%w: %w", errStateRead, dbErr)
	}
	if err != nil {
		_ = fork.RevertToSnapshot(snap)
		return nil, err
	}
	return result, nil
}

func revertMessage(result *core.ExecutionResult) string {
	if reason, err := abi.UnpackRevert(result.Revert()); err == nil {
		return reason
	}
	return result.Err.Error()
}

// Simulate has the same contract as the relay's: a failing transaction
// yields both the result and an error wrapping bundle.ErrSimulationReverted.
// Transactions after the first failure are not run.
func (s *EVM) Simulate(ctx context.Context, b *bundle.Bundle, stateBlock uint64) (*bundle.SimulationResult, error) {
	if len(b.Txs) == 0 {
		return nil, errors.New("empty bundle")
	}

	header, err := s.node.BlockHeader(ctx, new(big.Int).SetUint64(stateBlock))
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", stateBlock, err)
	}
	blockCtx := s.blockContext(header)
	fork := NewStateFork(ctx, s.node, s.store, stateBlock)

	before, err := fork.GetBalance(blockCtx.Coinbase)
	if err != nil {
		return nil, err
	}

	res := &bundle.SimulationResult{BundleHash: bundleHash(b)}
	for i, tx := range b.Txs {
		sim := bundle.TxSimulation{TxHash: tx.Hash()}

		result, err := s.applyTransaction(fork, blockCtx, tx)
		if errors.Is(err, errStateRead) {
			return nil, err
		}
		if err != nil {
			sim.Error = err.Error()
			res.Results = append(res.Results, sim)
			s.log.Debug("bundle tx invalid", zap.Int("index", i), zap.Stringer("tx", tx.Hash()), zap.Error(err))
			break
		}

		sim.GasUsed = result.UsedGas
		res.TotalGasUsed += result.UsedGas
		if result.Failed() {
			sim.Revert = revertMessage(result)
			res.Results = append(res.Results, sim)
			s.log.Debug("bundle tx reverted", zap.Int("index", i), zap.Stringer("tx", tx.Hash()), zap.String("reason", sim.Revert))
			break
		}
		res.Results = append(res.Results, sim)
	}

	after, err := fork.GetBalance(blockCtx.Coinbase)
	if err != nil {
		return nil, err
	}
	res.CoinbaseDiff = new(big.Int).Sub(after, before).String()

	if err := res.Err(); err != nil {
		return res, err
	}
	return res, nil
}
