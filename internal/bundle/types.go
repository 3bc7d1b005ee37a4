package bundle

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/triarb/internal/arbitrage"
)

// Flashloan selects where the bot contract borrows the input amount
type Flashloan uint8

const (
	NotUsed   Flashloan = 0
	Balancer  Flashloan = 1
	UniswapV2 Flashloan = 2
)

func ParseFlashloan(s string) (Flashloan, error) {
	switch strings.ToLower(s) {
	case "", "none", "notused":
		return NotUsed, nil
	case "balancer":
		return Balancer, nil
	case "uniswapv2":
		return UniswapV2, nil
	default:
		return NotUsed, fmt.Errorf("unknown flashloan source %q", s)
	}
}

func (f Flashloan) String() string {
	switch f {
	case NotUsed:
		return "none"
	case Balancer:
		return "balancer"
	case UniswapV2:
		return "uniswapv2"
	default:
		return fmt.Sprintf("flashloan(%d)", uint8(f))
	}
}

// PathParam is one hop as the bot contract sees it
type PathParam struct {
	Router   common.Address
	TokenIn  common.Address
	TokenOut common.Address
}

// Bundle is the signed transactions submitted together
type Bundle struct {
	Txs []*types.Transaction
	Raw []hexutil.Bytes
}

func (b *Bundle) Hashes() []common.Hash {
	out := make([]common.Hash, len(b.Txs))
	for i, tx := range b.Txs {
		out[i] = tx.Hash()
	}
	return out
}

type State int

const (
	Building State = iota
	Simulated
	Submitted
	NotFound
	Mined
	RetriesExhausted
	SimulationFailed
	DeadlineExceeded
	Failed
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Simulated:
		return "simulated"
	case Submitted:
		return "submitted"
	case NotFound:
		return "not_found"
	case Mined:
		return "mined"
	case RetriesExhausted:
		return "retries_exhausted"
	case SimulationFailed:
		return "simulation_failed"
	case DeadlineExceeded:
		return "deadline_exceeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal states end an attempt
func (s State) Terminal() bool {
	switch s {
	case Mined, RetriesExhausted, SimulationFailed, DeadlineExceeded, Failed:
		return true
	}
	return false
}

// Attempt is the executor's mutable view of one bundle in flight
type Attempt struct {
	Bundle           *Bundle
	TargetBlock      uint64
	ReplacementID    string
	RetriesRemaining int
	Submissions      int
	State            State
}

// Result is what an attempt reports back when it ends
type Result struct {
	Key         string
	Opportunity *arbitrage.Opportunity
	State       State
	TargetBlock uint64
	Submissions int
	Receipt     *types.Receipt
	Err         error
	Started     time.Time
	Finished    time.Time
}
