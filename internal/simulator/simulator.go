package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pulkyeet/triarb/internal/bundle"
	"go.uber.org/zap"
)

// Chain is the node the bundle is replayed against
type Chain interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Caller runs bundle transactions as independent eth_calls on top of a
// block. Each transaction sees the state of that block only, so it is exact
// for the single transaction bundles the builder produces; use EVM when a
// bundle carries several.
type Caller struct {
	chain Chain
	log   *zap.Logger
}

func NewCaller(chain Chain, logger *zap.Logger) *Caller {
	return &Caller{chain: chain, log: logger.Named("caller")}
}

func bundleHash(b *bundle.Bundle) common.Hash {
	var hashes []byte
	for _, tx := range b.Txs {
		hashes = append(hashes, tx.Hash().Bytes()...)
	}
	return common.BytesToHash(crypto.Keccak256(hashes))
}

func callMsg(tx *types.Transaction) (ethereum.CallMsg, error) {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("failed to get sender: %w", err)
	}
	return ethereum.CallMsg{
		From:       from,
		To:         tx.To(),
		Gas:        tx.Gas(),
		GasFeeCap:  tx.GasFeeCap(),
		GasTipCap:  tx.GasTipCap(),
		Value:      tx.Value(),
		Data:       tx.Data(),
		AccessList: tx.AccessList(),
	}, nil
}

// revertReason pulls the Error(string) payload out of an rpc error when the
// node returns one
func revertReason(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

// Simulate has the same contract as the relay's: a reverting transaction
// yields both the result and an error wrapping bundle.ErrSimulationReverted
func (s *Caller) Simulate(ctx context.Context, b *bundle.Bundle, stateBlock uint64) (*bundle.SimulationResult, error) {
	if len(b.Txs) == 0 {
		return nil, errors.New("empty bundle")
	}

	// no coinbase accounting through eth_call
	res := &bundle.SimulationResult{
		BundleHash:   bundleHash(b),
		CoinbaseDiff: "0",
	}
	block := new(big.Int).SetUint64(stateBlock)

	for i, tx := range b.Txs {
		sim := bundle.TxSimulation{TxHash: tx.Hash()}

		msg, err := callMsg(tx)
		if err != nil {
			return nil, fmt.Errorf("bundle tx %d: %w", i, err)
		}
		if _, err := s.chain.CallContract(ctx, msg, block); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			sim.Revert = revertReason(err)
			res.Results = append(res.Results, sim)
			s.log.Debug("bundle tx reverted", zap.Int("index", i), zap.Stringer("tx", tx.Hash()), zap.String("reason", sim.Revert))
			break
		}

		gas, err := s.chain.EstimateGas(ctx, msg)
		if err != nil {
			// the call succeeded, so fall back to the limit
			gas = tx.Gas()
		}
		sim.GasUsed = gas
		res.TotalGasUsed += gas
		res.Results = append(res.Results, sim)
	}
	if err := res.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// Simulation is a local stand-in for the relay's eth_callBundle; *EVM or *Caller
type Simulation interface {
	Simulate(ctx context.Context, b *bundle.Bundle, stateBlock uint64) (*bundle.SimulationResult, error)
}

// Relay sends and cancels through an upstream relay but simulates locally
type Relay struct {
	bundle.Relay
	sim Simulation
}

func WithLocalSimulation(upstream bundle.Relay, sim Simulation) *Relay {
	return &Relay{Relay: upstream, sim: sim}
}

func (r *Relay) Simulate(ctx context.Context, b *bundle.Bundle, stateBlock uint64) (*bundle.SimulationResult, error) {
	return r.sim.Simulate(ctx, b, stateBlock)
}
