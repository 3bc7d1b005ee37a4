package eth

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
)

func TestNextBaseFee(t *testing.T) {
	gwei := big.NewInt(1_000_000_000)

	tests := []struct {
		name     string
		gasUsed  uint64
		gasLimit uint64
		want     int64
	}{
		{"at target", 15_000_000, 30_000_000, 1_000_000_000},
		{"full block", 30_000_000, 30_000_000, 1_125_000_000},
		{"empty block", 0, 30_000_000, 875_000_000},
		{"half over target", 22_500_000, 30_000_000, 1_062_500_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextBaseFee(gwei, tt.gasUsed, tt.gasLimit, 0)
			assert.Equal(t, big.NewInt(tt.want), got)
		})
	}
}

func TestNextBaseFeeJitter(t *testing.T) {
	base := big.NewInt(1_000_000_000)
	got := nextBaseFee(base, 15_000_000, 30_000_000, 7)
	assert.Equal(t, big.NewInt(1_000_000_007), got)

	for i := 0; i < 100; i++ {
		got := NextBaseFee(base, 15_000_000, 30_000_000)
		assert.True(t, got.Cmp(base) >= 0)
		assert.True(t, got.Cmp(big.NewInt(1_000_000_009)) <= 0)
	}
}

func TestNextBaseFeeZeroGasLimit(t *testing.T) {
	got := nextBaseFee(big.NewInt(800), 1, 0, 0)
	// target clamps to one, so a used unit is exactly on target
	assert.Equal(t, big.NewInt(800), got)

	got = nextBaseFee(big.NewInt(800), 3, 0, 0)
	assert.Equal(t, big.NewInt(1000), got)
}

func TestNextBaseFeeDoesNotMutateInput(t *testing.T) {
	base := big.NewInt(1_000_000_000)
	nextBaseFee(base, 30_000_000, 30_000_000, 3)
	assert.Equal(t, big.NewInt(1_000_000_000), base)
}

func TestNextBaseFeeMatchesConsensus(t *testing.T) {
	tests := []struct {
		gasUsed  uint64
		gasLimit uint64
	}{
		{15_000_000, 30_000_000},
		{30_000_001, 30_000_001},
		{0, 30_000_001},
		{15_000_001, 30_000_001},
		{21_234_567, 36_000_003},
		{9_999_999, 29_999_999},
	}
	base := big.NewInt(7_345_678_901)
	for _, tt := range tests {
		parent := &types.Header{
			Number:   big.NewInt(20_000_000),
			GasLimit: tt.gasLimit,
			GasUsed:  tt.gasUsed,
			BaseFee:  base,
		}
		want := eip1559.CalcBaseFee(params.MainnetChainConfig, parent)
		assert.Equal(t, want, nextBaseFee(base, tt.gasUsed, tt.gasLimit, 0), "used %d limit %d", tt.gasUsed, tt.gasLimit)
	}
}
