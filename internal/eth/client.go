package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the searcher's view of an execution node. The raw rpc client is
// kept next to ethclient so reads can be batched into one round trip
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client

	pairABI abi.ABI
}

// PairReserves is one getReserves() result
type PairReserves struct {
	Reserve0           *big.Int
	Reserve1           *big.Int
	BlockTimestampLast uint32
}

func Dial(ctx context.Context, url string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("rpc url not set")
	}

	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	pairABI, err := abi.JSON(strings.NewReader(UniswapV2PairABI))
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}

	return &Client{rpc: raw, eth: ethclient.NewClient(raw), pairABI: pairABI}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

// BlockHeader returns the header at number, or the latest one when number is nil
func (c *Client) BlockHeader(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, number)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, q)
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, blockNumber)
}

func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return c.eth.NonceAt(ctx, account, blockNumber)
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, account, blockNumber)
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CodeAt(ctx, account, blockNumber)
}

func (c *Client) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	return c.eth.StorageAt(ctx, account, key, blockNumber)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.eth.EstimateGas(ctx, msg)
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasTipCap(ctx)
}

// BatchReserves reads getReserves() for every pair in a single JSON-RPC
// batch. Pairs whose call fails are left out of the result
func (c *Client) BatchReserves(ctx context.Context, pairs []common.Address, blockNumber *big.Int) (map[common.Address]PairReserves, error) {
	data, err := c.pairABI.Pack("getReserves")
	if err != nil {
		return nil, fmt.Errorf("pack getReserves: %w", err)
	}

	block := "latest"
	if blockNumber != nil {
		block = hexutil.EncodeBig(blockNumber)
	}

	results := make([]hexutil.Bytes, len(pairs))
	batch := make([]rpc.BatchElem, len(pairs))
	for i, pair := range pairs {
		batch[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{
					"to":   pair,
					"data": hexutil.Bytes(data),
				},
				block,
			},
			Result: &results[i],
		}
	}

	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("batch getReserves: %w", err)
	}

	out := make(map[common.Address]PairReserves, len(pairs))
	for i, elem := range batch {
		if elem.Error != nil {
			continue
		}
		r, err := c.unpackReserves(results[i])
		if err != nil {
			continue
		}
		out[pairs[i]] = r
	}
	return out, nil
}

func (c *Client) unpackReserves(result []byte) (PairReserves, error) {
	unpacked, err := c.pairABI.Unpack("getReserves", result)
	if err != nil {
		return PairReserves{}, fmt.Errorf("unpack reserves: %w", err)
	}
	if len(unpacked) < 3 {
		return PairReserves{}, fmt.Errorf("unexpected unpack result length: %d", len(unpacked))
	}

	reserve0, ok := unpacked[0].(*big.Int)
	if !ok {
		return PairReserves{}, fmt.Errorf("reserve0 type assertion failed")
	}
	reserve1, ok := unpacked[1].(*big.Int)
	if !ok {
		return PairReserves{}, fmt.Errorf("reserve1 type assertion failed")
	}
	ts, _ := unpacked[2].(uint32)

	return PairReserves{Reserve0: reserve0, Reserve1: reserve1, BlockTimestampLast: ts}, nil
}
