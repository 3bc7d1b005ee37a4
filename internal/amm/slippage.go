package amm

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MaxInParams describes one pool side for MaxAmountIn. Amounts are in raw
// token units; the slippage band is a fraction (0.01 = 1%)
type MaxInParams struct {
	Reserve0  *uint256.Int
	Reserve1  *uint256.Int
	Decimals0 uint8
	Decimals1 uint8
	Fee       uint32
	Token0In  bool

	MaxAmountIn  *uint256.Int
	StepSize     *uint256.Int
	SlippageLow  decimal.Decimal
	SlippageHigh decimal.Decimal
}

func (p MaxInParams) sides() (rIn, rOut *uint256.Int, decIn, decOut uint8) {
	if p.Token0In {
		return p.Reserve0, p.Reserve1, p.Decimals0, p.Decimals1
	}
	return p.Reserve1, p.Reserve0, p.Decimals1, p.Decimals0
}

// toScaled converts a fraction to a PriceScale-scaled integer
func toScaled(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative slippage %s", d)
	}
	v, overflow := uint256.FromBig(d.Shift(PriceDecimals).BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// slippage returns how far the realized rate for amountIn falls below the
// fee-adjusted spot quote, as a PriceScale-scaled fraction
func slippage(amountIn, rIn, rOut *uint256.Int, decIn, decOut uint8, fee uint32, spot *uint256.Int) (*uint256.Int, error) {
	if amountIn.IsZero() {
		return new(uint256.Int), nil
	}
	out, err := AmountOut(amountIn, rIn, rOut, fee)
	if err != nil {
		return nil, err
	}
	rate, err := Quote(amountIn, out, decIn, decOut)
	if err != nil {
		return nil, err
	}
	if rate.Cmp(spot) >= 0 {
		return new(uint256.Int), nil
	}
	diff := new(uint256.Int).Sub(spot, rate)
	s, overflow := new(uint256.Int).MulDivOverflow(diff, PriceScale, spot)
	if overflow {
		return nil, ErrOverflow
	}
	return s, nil
}

// MaxAmountIn binary searches [0, MaxAmountIn] on a StepSize grid for an
// input whose slippage lands inside [SlippageLow, SlippageHigh]. If even the
// cap stays under the band the cap is returned. Zero means no input hit the
// band before the interval collapsed.
//
// Slippage is measured against the spot quote after the pool fee
// (rOut/rIn * (1 - fee)), not the raw reserve ratio, so the band bounds
// price impact alone. A 0.3% pool with a 1% band allows roughly 1.3% below
// the raw ratio.
func MaxAmountIn(p MaxInParams) (*uint256.Int, error) {
	if p.StepSize == nil || p.StepSize.IsZero() {
		return nil, errors.New("step size must be positive")
	}
	rIn, rOut, decIn, decOut := p.sides()
	if rIn.IsZero() || rOut.IsZero() {
		return nil, ErrZeroReserve
	}

	low, err := toScaled(p.SlippageLow)
	if err != nil {
		return nil, err
	}
	high, err := toScaled(p.SlippageHigh)
	if err != nil {
		return nil, err
	}
	if low.Cmp(high) > 0 {
		return nil, fmt.Errorf("slippage band inverted: %s > %s", p.SlippageLow, p.SlippageHigh)
	}

	quote, err := Quote(rIn, rOut, decIn, decOut)
	if err != nil {
		return nil, err
	}
	// spot after fee, so only price impact counts as slippage
	spot := new(uint256.Int).Mul(quote, feeFactor(p.Fee))
	spot.Div(spot, thousand)
	if spot.IsZero() {
		return new(uint256.Int), nil
	}

	step := p.StepSize
	right := new(uint256.Int).Div(p.MaxAmountIn, step)

	capped := new(uint256.Int).Mul(right, step)
	s, err := slippage(capped, rIn, rOut, decIn, decOut, p.Fee, spot)
	if err != nil {
		return nil, err
	}
	if s.Cmp(low) < 0 {
		return capped, nil
	}

	// search over grid indices so every candidate is a multiple of step
	left := new(uint256.Int)
	for left.Cmp(right) <= 0 {
		mid := new(uint256.Int).Add(left, right)
		mid.Rsh(mid, 1)
		amount := new(uint256.Int).Mul(mid, step)

		s, err := slippage(amount, rIn, rOut, decIn, decOut, p.Fee, spot)
		if err != nil {
			return nil, err
		}

		switch {
		case s.Cmp(low) < 0:
			left.AddUint64(mid, 1)
		case s.Cmp(high) > 0:
			if mid.IsZero() {
				return new(uint256.Int), nil
			}
			right.SubUint64(mid, 1)
		default:
			return amount, nil
		}
	}
	return new(uint256.Int), nil
}
