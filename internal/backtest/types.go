package backtest

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/triarb/internal/arbitrage"
)

// ActualArbitrage is a transaction whose swaps on tracked pools close a cycle
type ActualArbitrage struct {
	TxHash      common.Hash
	BlockNumber uint64
	PoolsHit    []common.Address
}

// BlockResult compares what the scanner predicted from the state before a
// block with the cycles that actually landed in it
type BlockResult struct {
	BlockNumber uint64
	Predicted   []*arbitrage.Opportunity
	Actual      []*ActualArbitrage
	Matched     int
}

// aggregates results across the replayed range
type Report struct {
	StartBlock uint64
	EndBlock   uint64
	Results    []*BlockResult

	BlocksAnalyzed int
	TotalPredicted int
	TotalActual    int
	TruePositives  int
	FalsePositives int
	FalseNegatives int
	HitRate        float64 // recall
	Precision      float64
}

func (r *Report) CalculateMetrics() {
	r.BlocksAnalyzed = len(r.Results)
	r.TotalPredicted, r.TotalActual = 0, 0
	r.TruePositives, r.FalsePositives, r.FalseNegatives = 0, 0, 0

	for _, res := range r.Results {
		r.TotalPredicted += len(res.Predicted)
		r.TotalActual += len(res.Actual)
		r.TruePositives += res.Matched
		r.FalsePositives += len(res.Predicted) - res.Matched

		for _, a := range res.Actual {
			if !matchedAny(a, res.Predicted) {
				r.FalseNegatives++
			}
		}
	}

	r.HitRate, r.Precision = 0, 0
	if r.TruePositives+r.FalseNegatives > 0 {
		r.HitRate = float64(r.TruePositives) / float64(r.TruePositives+r.FalseNegatives)
	}
	if r.TotalPredicted > 0 {
		r.Precision = float64(r.TruePositives) / float64(r.TotalPredicted)
	}
}

// same pools, in any order and direction
// Print writes a human summary plus every block that had activity
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "replay %d-%d, %d blocks\n", r.StartBlock, r.EndBlock, r.BlocksAnalyzed)
	fmt.Fprintf(w, "  predicted  %d\n", r.TotalPredicted)
	fmt.Fprintf(w, "  landed     %d\n", r.TotalActual)
	fmt.Fprintf(w, "  tp/fp/fn   %d/%d/%d\n", r.TruePositives, r.FalsePositives, r.FalseNegatives)
	fmt.Fprintf(w, "  hit rate   %.2f%%\n", r.HitRate*100)
	fmt.Fprintf(w, "  precision  %.2f%%\n", r.Precision*100)

	for _, res := range r.Results {
		if len(res.Predicted) == 0 && len(res.Actual) == 0 {
			continue
		}
		fmt.Fprintf(w, "block %d: predicted %d, landed %d, matched %d\n",
			res.BlockNumber, len(res.Predicted), len(res.Actual), res.Matched)
		for _, opp := range res.Predicted {
			fmt.Fprintf(w, "  + %s in=%s net=%s\n", opp.Path, opp.AmountIn.Dec(), opp.NetProfit.Dec())
		}
		for _, a := range res.Actual {
			fmt.Fprintf(w, "  * %s over %d pools\n", a.TxHash.Hex(), len(a.PoolsHit))
		}
	}
}

func samePools(opp *arbitrage.Opportunity, a *ActualArbitrage) bool {
	predicted := opp.Path.Pools()
	if len(predicted) != len(a.PoolsHit) {
		return false
	}
	set := make(map[common.Address]struct{}, len(predicted))
	for _, p := range predicted {
		set[p] = struct{}{}
	}
	for _, p := range a.PoolsHit {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

func matchedAny(a *ActualArbitrage, predicted []*arbitrage.Opportunity) bool {
	for _, opp := range predicted {
		if samePools(opp, a) {
			return true
		}
	}
	return false
}

func countMatched(predicted []*arbitrage.Opportunity, actual []*ActualArbitrage) int {
	n := 0
	for _, opp := range predicted {
		for _, a := range actual {
			if samePools(opp, a) {
				n++
				break
			}
		}
	}
	return n
}
