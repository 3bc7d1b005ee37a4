package eth

import (
	"math/big"
	"math/rand/v2"
)

// NextBaseFee estimates the next block's base fee from the current header
// following EIP-1559, plus a few wei of jitter so competing bundles priced
// off the same estimate do not collide. The gas target is gasLimit/2 in
// integer arithmetic, as consensus computes it, so odd gas limits round down.
func NextBaseFee(baseFee *big.Int, gasUsed, gasLimit uint64) *big.Int {
	return nextBaseFee(baseFee, gasUsed, gasLimit, rand.Uint64N(10))
}

func nextBaseFee(baseFee *big.Int, gasUsed, gasLimit, jitter uint64) *big.Int {
	target := gasLimit / 2
	if target == 0 {
		target = 1
	}

	next := new(big.Int).Set(baseFee)
	if gasUsed != target {
		var delta uint64
		if gasUsed > target {
			delta = gasUsed - target
		} else {
			delta = target - gasUsed
		}

		change := new(big.Int).Mul(baseFee, new(big.Int).SetUint64(delta))
		change.Quo(change, new(big.Int).SetUint64(target))
		change.Rsh(change, 3)

		if gasUsed > target {
			next.Add(next, change)
		} else {
			next.Sub(next, change)
		}
	}

	return next.Add(next, new(big.Int).SetUint64(jitter))
}
