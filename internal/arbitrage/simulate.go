package arbitrage

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/amm"
	"github.com/pulkyeet/triarb/internal/reserves"
)

var ErrMissingReserves = errors.New("reserves unknown")

type ReserveSource interface {
	Get(addr common.Address) (reserves.Reserve, bool)
}

// AmountOut runs amountIn through every hop against src
func (p *ArbPath) AmountOut(amountIn *uint256.Int, src ReserveSource) (*uint256.Int, error) {
	amount := amountIn
	for i, h := range p.Hops {
		r, ok := src.Get(h.Pool.Address)
		if !ok {
			return nil, fmt.Errorf("hop %d %s: %w", i, h.Pool.Address.Hex(), ErrMissingReserves)
		}
		rIn, rOut := r.Reserve0, r.Reserve1
		if !h.ZeroForOne {
			rIn, rOut = rOut, rIn
		}

		out, err := amm.AmountOut(amount, rIn, rOut, h.Pool.Fee)
		if err != nil {
			return nil, fmt.Errorf("hop %d %s: %w", i, h.Pool.Address.Hex(), err)
		}
		amount = out
	}
	return amount, nil
}

var spreadScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Spread is out/in - 1 scaled by 1e18, negative when the cycle loses
func Spread(amountIn, amountOut *uint256.Int) *big.Int {
	if amountIn.IsZero() {
		return new(big.Int)
	}
	in := amountIn.ToBig()
	s := new(big.Int).Sub(amountOut.ToBig(), in)
	s.Mul(s, spreadScale)
	return s.Quo(s, in)
}

// beats reports outA - inA > outB - inB without going negative
func beats(inA, outA, inB, outB *uint256.Int) bool {
	left := new(uint256.Int).Add(outA, inB)
	right := new(uint256.Int).Add(outB, inA)
	return left.Gt(right)
}

// Optimize searches the step grid in [0, maxIn] for the input maximising
// out(in) - in. The profit curve of a constant product cycle is concave, so a
// ternary search over grid indices narrows to a handful of candidates which
// are then checked one by one. Returns a zero input when nothing beats doing
// nothing.
func (p *ArbPath) Optimize(maxIn, step *uint256.Int, src ReserveSource) (amountIn, amountOut *uint256.Int, err error) {
	if step == nil || step.IsZero() {
		return nil, nil, errors.New("step size must be positive")
	}

	at := func(k *uint256.Int) (*uint256.Int, *uint256.Int, error) {
		in := new(uint256.Int).Mul(k, step)
		out, err := p.AmountOut(in, src)
		return in, out, err
	}

	lo := new(uint256.Int)
	hi := new(uint256.Int).Div(maxIn, step)
	three := uint256.NewInt(3)

	for {
		width := new(uint256.Int).Sub(hi, lo)
		if width.CmpUint64(2) <= 0 {
			break
		}
		third := new(uint256.Int).Div(width, three)
		m1 := new(uint256.Int).Add(lo, third)
		m2 := new(uint256.Int).Sub(hi, third)

		in1, out1, err := at(m1)
		if err != nil {
			return nil, nil, err
		}
		in2, out2, err := at(m2)
		if err != nil {
			return nil, nil, err
		}

		if beats(in2, out2, in1, out1) {
			lo = m1.AddUint64(m1, 1)
		} else {
			hi = m2
		}
	}

	bestIn, bestOut := new(uint256.Int), new(uint256.Int)
	for k := new(uint256.Int).Set(lo); k.Cmp(hi) <= 0; k.AddUint64(k, 1) {
		in, out, err := at(k)
		if err != nil {
			return nil, nil, err
		}
		if beats(in, out, bestIn, bestOut) {
			bestIn, bestOut = in, out
		}
	}
	return bestIn, bestOut, nil
}
