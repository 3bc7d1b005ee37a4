package arbitrage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/amm"
	"github.com/pulkyeet/triarb/internal/pools"
)

const (
	DefaultGasUnits         = 550_000
	DefaultBaseFeeMarkupPct = 110
)

// GasModel prices the bundle's execution in wei
type GasModel struct {
	Units     uint64
	MarkupPct uint64
}

// CostWei is nextBaseFee marked up by MarkupPct percent, times Units
func (g GasModel) CostWei(nextBaseFee *big.Int) *big.Int {
	cost := new(big.Int).Mul(nextBaseFee, new(big.Int).SetUint64(g.MarkupPct))
	cost.Quo(cost, big.NewInt(100))
	return cost.Mul(cost, new(big.Int).SetUint64(g.Units))
}

// GasPricer converts gas cost into the base token through the pool pairing
// base with the chain's native token. When base is the native token no pool
// is needed
type GasPricer struct {
	Model     GasModel
	Native    common.Address
	PricePool *pools.Pool
}

func (g *GasPricer) CostInBase(nextBaseFee *big.Int, base common.Address, src ReserveSource) (*uint256.Int, error) {
	wei, overflow := uint256.FromBig(g.Model.CostWei(nextBaseFee))
	if overflow {
		return nil, amm.ErrOverflow
	}
	if base == g.Native {
		return wei, nil
	}
	if g.PricePool == nil {
		return nil, fmt.Errorf("no price pool for %s", base.Hex())
	}
	if !g.PricePool.Has(base) || !g.PricePool.Has(g.Native) {
		return nil, fmt.Errorf("price pool %s does not pair %s with native", g.PricePool.Address.Hex(), base.Hex())
	}

	r, ok := src.Get(g.PricePool.Address)
	if !ok {
		return nil, fmt.Errorf("price pool %s: %w", g.PricePool.Address.Hex(), ErrMissingReserves)
	}
	rNative, rBase := r.Reserve0, r.Reserve1
	if g.PricePool.Token0 == base {
		rNative, rBase = r.Reserve1, r.Reserve0
	}

	// raw-unit quote, so decimals cancel
	price, err := amm.Quote(rNative, rBase, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("quote native: %w", err)
	}
	cost, overflow := new(uint256.Int).MulDivOverflow(wei, price, amm.PriceScale)
	if overflow {
		return nil, amm.ErrOverflow
	}
	return cost, nil
}
