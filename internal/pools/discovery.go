package pools

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/triarb/internal/eth"
	"go.uber.org/zap"
)

// Chain is what discovery needs from a node
type Chain interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Discoverer walks a factory's PairCreated logs in block chunks
type Discoverer struct {
	chain    Chain
	registry *Registry
	chunk    uint64
	erc20    abi.ABI
	log      *zap.Logger
}

func NewDiscoverer(chain Chain, registry *Registry, chunk uint64, logger *zap.Logger) (*Discoverer, error) {
	erc20, err := abi.JSON(strings.NewReader(eth.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if chunk == 0 {
		chunk = 10_000
	}
	return &Discoverer{
		chain:    chain,
		registry: registry,
		chunk:    chunk,
		erc20:    erc20,
		log:      logger.Named("discovery"),
	}, nil
}

// Discover returns pairs created by dex's factory in [from, to] that are not
// in the registry yet, and adds them to it. Pairs whose token decimals cannot
// be read are skipped.
func (d *Discoverer) Discover(ctx context.Context, dex eth.DEXConfig, from, to uint64) ([]*Pool, error) {
	if from < dex.StartBlock {
		from = dex.StartBlock
	}
	fee := dex.Fee
	if fee == 0 {
		fee = DefaultFee
	}

	var found []*Pool
	for start := from; start <= to; start += d.chunk {
		end := start + d.chunk - 1
		if end > to {
			end = to
		}

		logs, err := d.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{dex.Factory},
			Topics:    [][]common.Hash{{eth.PairCreatedEventTopic}},
		})
		if err != nil {
			return found, fmt.Errorf("filter PairCreated %d-%d: %w", start, end, err)
		}

		for _, lg := range logs {
			p, err := d.poolFromLog(ctx, lg, fee)
			if err != nil {
				d.log.Debug("skipping pair", zap.String("dex", dex.Name), zap.Error(err))
				continue
			}
			if _, known := d.registry.Get(p.Address); known {
				continue
			}
			d.registry.Add(p)
			found = append(found, p)
		}

		d.log.Info("scanned factory range",
			zap.String("dex", dex.Name),
			zap.Uint64("from", start),
			zap.Uint64("to", end),
			zap.Int("found", len(found)),
		)
		if end == to {
			break
		}
	}
	return found, nil
}

func (d *Discoverer) poolFromLog(ctx context.Context, lg types.Log, fee uint32) (*Pool, error) {
	if len(lg.Topics) < 3 || lg.Topics[0] != eth.PairCreatedEventTopic {
		return nil, fmt.Errorf("not a PairCreated log")
	}
	if len(lg.Data) < 32 {
		return nil, fmt.Errorf("short PairCreated data: %d bytes", len(lg.Data))
	}

	token0 := common.BytesToAddress(lg.Topics[1].Bytes())
	token1 := common.BytesToAddress(lg.Topics[2].Bytes())
	pair := common.BytesToAddress(lg.Data[:32])

	dec0, err := d.registry.TokenDecimals(ctx, token0, d.decimals)
	if err != nil {
		return nil, err
	}
	dec1, err := d.registry.TokenDecimals(ctx, token1, d.decimals)
	if err != nil {
		return nil, err
	}

	return &Pool{
		Address:   pair,
		Version:   UniswapV2,
		Token0:    token0,
		Token1:    token1,
		Decimals0: dec0,
		Decimals1: dec1,
		Fee:       fee,
	}, nil
}

func (d *Discoverer) decimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := d.erc20.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	result, err := d.chain.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	unpacked, err := d.erc20.Unpack("decimals", result)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	if len(unpacked) != 1 {
		return 0, fmt.Errorf("unexpected unpack result length: %d", len(unpacked))
	}
	dec, ok := unpacked[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals type assertion failed")
	}
	return dec, nil
}
