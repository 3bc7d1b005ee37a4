package amm

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientLiquidity = errors.New("amount out exceeds reserve")
	ErrOverflow              = errors.New("uint256 overflow")
	ErrZeroReserve           = errors.New("zero reserve")
	ErrInvalidFee            = errors.New("fee leaves nothing to trade")
)

// prices returned by Quote carry 18 decimals
const PriceDecimals = 18

var (
	PriceScale = uint256.NewInt(1_000_000_000_000_000_000)

	thousand = uint256.NewInt(1000)
	ten      = uint256.NewInt(10)
)

// feeFactor turns a fee in hundredths of a basis point (300 = 0.3%) into the
// per-mille multiplier applied to the input amount (997 for 0.3%)
func feeFactor(fee uint32) *uint256.Int {
	cut := uint64(fee / 100)
	if cut >= 1000 {
		return new(uint256.Int)
	}
	return uint256.NewInt(1000 - cut)
}

// pow10 returns 10^exp or ErrOverflow past 10^77
func pow10(exp uint8) (*uint256.Int, error) {
	if exp > 77 {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Exp(ten, uint256.NewInt(uint64(exp))), nil
}

// Quote is the no-impact price of one unit of tokenIn in tokenOut,
// reserveOut/reserveIn adjusted for decimals and scaled by PriceScale
func Quote(reserveIn, reserveOut *uint256.Int, decimalsIn, decimalsOut uint8) (*uint256.Int, error) {
	if reserveIn.IsZero() {
		return nil, ErrZeroReserve
	}

	num := new(uint256.Int).Set(PriceScale)
	den := new(uint256.Int).Set(reserveIn)

	if decimalsIn >= decimalsOut {
		adj, err := pow10(decimalsIn - decimalsOut)
		if err != nil {
			return nil, err
		}
		if _, overflow := num.MulOverflow(num, adj); overflow {
			return nil, ErrOverflow
		}
	} else {
		adj, err := pow10(decimalsOut - decimalsIn)
		if err != nil {
			return nil, err
		}
		if _, overflow := den.MulOverflow(den, adj); overflow {
			return nil, ErrOverflow
		}
	}

	price, overflow := new(uint256.Int).MulDivOverflow(reserveOut, num, den)
	if overflow {
		return nil, ErrOverflow
	}
	return price, nil
}

// AmountOut is the uniswap v2 getAmountOut. An empty pool or zero input
// yields zero rather than an error
func AmountOut(amountIn, reserveIn, reserveOut *uint256.Int, fee uint32) (*uint256.Int, error) {
	if amountIn.IsZero() || reserveIn.IsZero() || reserveOut.IsZero() {
		return new(uint256.Int), nil
	}

	amountInWithFee, overflow := new(uint256.Int).MulOverflow(amountIn, feeFactor(fee))
	if overflow {
		return nil, ErrOverflow
	}

	den, overflow := new(uint256.Int).MulOverflow(reserveIn, thousand)
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow = den.AddOverflow(den, amountInWithFee); overflow {
		return nil, ErrOverflow
	}
	if den.IsZero() {
		return new(uint256.Int), nil
	}

	out, overflow := new(uint256.Int).MulDivOverflow(amountInWithFee, reserveOut, den)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// AmountIn is the input needed to receive amountOut, rounded up and then
// padded by one unit so that AmountOut(AmountIn(x)) >= x
func AmountIn(amountOut, reserveIn, reserveOut *uint256.Int, fee uint32) (*uint256.Int, error) {
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	ff := feeFactor(fee)
	if ff.IsZero() {
		return nil, ErrInvalidFee
	}

	num, overflow := new(uint256.Int).MulOverflow(reserveIn, amountOut)
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow = num.MulOverflow(num, thousand); overflow {
		return nil, ErrOverflow
	}

	den := new(uint256.Int).Sub(reserveOut, amountOut)
	if _, overflow = den.MulOverflow(den, ff); overflow {
		return nil, ErrOverflow
	}

	q, rem := new(uint256.Int).DivMod(num, den, new(uint256.Int))
	if !rem.IsZero() {
		q.AddUint64(q, 1)
	}
	q.AddUint64(q, 1)
	return q, nil
}
