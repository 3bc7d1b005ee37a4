package arbitrage

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Opportunity is a sized, gas-checked cycle for one block
type Opportunity struct {
	Path        *ArbPath
	BlockNumber uint64

	AmountIn          *uint256.Int
	ExpectedAmountOut *uint256.Int
	// out/in - 1 at the one-unit probe, scaled by 1e18
	Spread      *big.Int
	GrossProfit *uint256.Int
	GasCost     *uint256.Int
	NetProfit   *uint256.Int
}

// SpreadPercent is for display only
func (o *Opportunity) SpreadPercent() decimal.Decimal {
	return decimal.NewFromBigInt(o.Spread, -16)
}

// Key identifies the opportunity across blocks by its path
func (o *Opportunity) Key() string {
	return o.Path.Key()
}

type candidate struct {
	pos    int
	path   *ArbPath
	spread *big.Int
}
