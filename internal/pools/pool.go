package pools

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type DexVariant uint8

const (
	UniswapV2 DexVariant = 2
	UniswapV3 DexVariant = 3
)

func (v DexVariant) String() string {
	switch v {
	case UniswapV2:
		return "uniswapv2"
	case UniswapV3:
		return "uniswapv3"
	default:
		return fmt.Sprintf("dex(%d)", uint8(v))
	}
}

// DefaultFee is 0.3% in hundredths of a basis point
const DefaultFee uint32 = 300

// a Pool is an immutable description of a constant-product pair
type Pool struct {
	Address   common.Address
	Version   DexVariant
	Token0    common.Address
	Token1    common.Address
	Decimals0 uint8
	Decimals1 uint8
	Fee       uint32
}

func (p *Pool) Has(token common.Address) bool {
	return p.Token0 == token || p.Token1 == token
}

// Other returns the token on the opposite side of the pair from token
func (p *Pool) Other(token common.Address) (common.Address, bool) {
	switch token {
	case p.Token0:
		return p.Token1, true
	case p.Token1:
		return p.Token0, true
	default:
		return common.Address{}, false
	}
}

func (p *Pool) Decimals(token common.Address) uint8 {
	if token == p.Token0 {
		return p.Decimals0
	}
	return p.Decimals1
}

func (p *Pool) String() string {
	return fmt.Sprintf("%s[%s/%s]", p.Address.Hex(), p.Token0.Hex(), p.Token1.Hex())
}
