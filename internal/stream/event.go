package stream

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Kind int

const (
	Block Kind = iota
	PendingTx
)

func (k Kind) String() string {
	switch k {
	case Block:
		return "block"
	case PendingTx:
		return "pending_tx"
	default:
		return "unknown"
	}
}

// Event is one item from the node subscription. Block events carry the fee
// context for the next block, PendingTx events only the hash
type Event struct {
	Kind        Kind
	BlockNumber uint64
	BaseFee     *big.Int
	NextBaseFee *big.Int

	// nil when no fee oracle is configured
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int

	TxHash   common.Hash
	Received time.Time
}
