package bundle

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/eth"
)

const DefaultGasLimit = 600_000

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
)

// the bot contract takes a flat static tuple:
// amountIn, flashloan, loanFrom, then router/tokenIn/tokenOut per hop
func orderArguments(hops int) abi.Arguments {
	args := abi.Arguments{{Type: uint256Type}, {Type: uint256Type}, {Type: addressType}}
	for i := 0; i < hops*3; i++ {
		args = append(args, abi.Argument{Type: addressType})
	}
	return args
}

// EncodeOrder creates calldata for the bot contract
func EncodeOrder(amountIn *big.Int, loan Flashloan, loanFrom common.Address, params []PathParam) ([]byte, error) {
	if len(params) == 0 {
		return nil, errors.New("order has no hops")
	}
	values := []interface{}{amountIn, new(big.Int).SetUint64(uint64(loan)), loanFrom}
	for _, p := range params {
		values = append(values, p.Router, p.TokenIn, p.TokenOut)
	}

	calldata, err := orderArguments(len(params)).Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack order: %w", err)
	}
	return calldata, nil
}

// DecodeOrder is the inverse of EncodeOrder
func DecodeOrder(data []byte) (amountIn *big.Int, loan Flashloan, loanFrom common.Address, params []PathParam, err error) {
	if len(data) < 3*32 || (len(data)-3*32)%(3*32) != 0 {
		return nil, 0, common.Address{}, nil, fmt.Errorf("bad order length %d", len(data))
	}
	hops := (len(data) - 3*32) / (3 * 32)

	values, err := orderArguments(hops).Unpack(data)
	if err != nil {
		return nil, 0, common.Address{}, nil, fmt.Errorf("failed to unpack order: %w", err)
	}

	amountIn = values[0].(*big.Int)
	loan = Flashloan(values[1].(*big.Int).Uint64())
	loanFrom = values[2].(common.Address)
	for i := 0; i < hops; i++ {
		params = append(params, PathParam{
			Router:   values[3+3*i].(common.Address),
			TokenIn:  values[4+3*i].(common.Address),
			TokenOut: values[5+3*i].(common.Address),
		})
	}
	return amountIn, loan, loanFrom, params, nil
}

type BuilderConfig struct {
	ChainID *big.Int
	Key     *ecdsa.PrivateKey
	// contract that executes the order
	Bot common.Address
	// router used for every hop unless Routers names one for the pool
	Router    common.Address
	Routers   map[common.Address]common.Address
	GasLimit  uint64
	Flashloan Flashloan
	LoanFrom  common.Address
}

// Builder turns opportunities into signed single-transaction bundles
type Builder struct {
	cfg    BuilderConfig
	signer types.Signer
	from   common.Address
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Key == nil {
		return nil, errors.New("signing key not set")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id not set")
	}
	if cfg.Bot == (common.Address{}) {
		return nil, errors.New("bot contract address not set")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	if cfg.Flashloan == Balancer && cfg.LoanFrom == (common.Address{}) {
		cfg.LoanFrom = eth.BalancerVault
	}
	return &Builder{
		cfg:    cfg,
		signer: types.LatestSignerForChainID(cfg.ChainID),
		from:   crypto.PubkeyToAddress(cfg.Key.PublicKey),
	}, nil
}

func (b *Builder) From() common.Address {
	return b.from
}

func (b *Builder) PathParams(path *arbitrage.ArbPath) []PathParam {
	params := make([]PathParam, len(path.Hops))
	for i, h := range path.Hops {
		router, ok := b.cfg.Routers[h.Pool.Address]
		if !ok {
			router = b.cfg.Router
		}
		params[i] = PathParam{Router: router, TokenIn: h.TokenIn(), TokenOut: h.TokenOut()}
	}
	return params
}

// Fees picks the tip and fee cap for the next block. Values from the block
// event win; otherwise the fee cap leaves room for two base fee increases
func Fees(nextBaseFee, tip, maxFee, defaultTip *big.Int) (*big.Int, *big.Int) {
	if tip == nil {
		tip = defaultTip
	}
	if maxFee == nil {
		maxFee = new(big.Int).Mul(nextBaseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
	}
	if maxFee.Cmp(tip) < 0 {
		maxFee = new(big.Int).Set(tip)
	}
	return tip, maxFee
}

// Build signs one EIP-1559 transaction carrying the order for opp
func (b *Builder) Build(opp *arbitrage.Opportunity, nonce uint64, tip, feeCap *big.Int) (*Bundle, error) {
	params := b.PathParams(opp.Path)
	data, err := EncodeOrder(opp.AmountIn.ToBig(), b.cfg.Flashloan, b.cfg.LoanFrom, params)
	if err != nil {
		return nil, err
	}

	bot := b.cfg.Bot
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       b.cfg.GasLimit,
		To:        &bot,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := types.SignTx(tx, b.signer, b.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode order tx: %w", err)
	}

	return &Bundle{
		Txs: []*types.Transaction{signed},
		Raw: []hexutil.Bytes{raw},
	}, nil
}
