package arbitrage

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/triarb/internal/pools"
)

// a Hop is one swap through a pool. ZeroForOne means token0 goes in
type Hop struct {
	Pool       *pools.Pool
	ZeroForOne bool
}

func (h Hop) TokenIn() common.Address {
	if h.ZeroForOne {
		return h.Pool.Token0
	}
	return h.Pool.Token1
}

func (h Hop) TokenOut() common.Address {
	if h.ZeroForOne {
		return h.Pool.Token1
	}
	return h.Pool.Token0
}

// ArbPath is a closed cycle of two or three hops starting and ending in the
// same token
type ArbPath struct {
	Hops []Hop
	key  string
}

func newPath(hops ...Hop) *ArbPath {
	p := &ArbPath{Hops: hops}
	var b strings.Builder
	for _, h := range hops {
		b.WriteString(h.Pool.Address.Hex())
		if h.ZeroForOne {
			b.WriteString(">")
		} else {
			b.WriteString("<")
		}
	}
	p.key = b.String()
	return p
}

func (p *ArbPath) Len() int {
	return len(p.Hops)
}

// Key identifies the exact pool and direction sequence
func (p *ArbPath) Key() string {
	return p.key
}

func (p *ArbPath) TokenIn() common.Address {
	return p.Hops[0].TokenIn()
}

func (p *ArbPath) Pools() []common.Address {
	out := make([]common.Address, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = h.Pool.Address
	}
	return out
}

func (p *ArbPath) HasPool(addr common.Address) bool {
	for _, h := range p.Hops {
		if h.Pool.Address == addr {
			return true
		}
	}
	return false
}

// Touches reports whether any hop uses a pool in set
func (p *ArbPath) Touches(set map[common.Address]struct{}) bool {
	for _, h := range p.Hops {
		if _, ok := set[h.Pool.Address]; ok {
			return true
		}
	}
	return false
}

// Blacklisted reports whether any token along the cycle is in tokens
func (p *ArbPath) Blacklisted(tokens map[common.Address]struct{}) bool {
	for _, h := range p.Hops {
		if _, ok := tokens[h.Pool.Token0]; ok {
			return true
		}
		if _, ok := tokens[h.Pool.Token1]; ok {
			return true
		}
	}
	return false
}

// Validate checks the cycle is chained and closed
func (p *ArbPath) Validate() error {
	if n := len(p.Hops); n < 2 || n > 3 {
		return fmt.Errorf("path must have 2 or 3 hops, has %d", n)
	}
	for i, h := range p.Hops {
		next := p.Hops[(i+1)%len(p.Hops)]
		if h.TokenOut() != next.TokenIn() {
			return fmt.Errorf("hop %d outputs %s but hop %d takes %s", i, h.TokenOut().Hex(), (i+1)%len(p.Hops), next.TokenIn().Hex())
		}
	}
	seen := make(map[common.Address]struct{}, len(p.Hops))
	for _, h := range p.Hops {
		if _, dup := seen[h.Pool.Address]; dup {
			return errors.New("path reuses pool " + h.Pool.Address.Hex())
		}
		seen[h.Pool.Address] = struct{}{}
	}
	return nil
}

func (p *ArbPath) String() string {
	parts := make([]string, 0, len(p.Hops)+1)
	parts = append(parts, p.TokenIn().Hex()[:10])
	for _, h := range p.Hops {
		parts = append(parts, fmt.Sprintf("-[%s]-> %s", h.Pool.Address.Hex()[:10], h.TokenOut().Hex()[:10]))
	}
	return strings.Join(parts, " ")
}

func hopFrom(p *pools.Pool, tokenIn common.Address) (Hop, common.Address) {
	if p.Token0 == tokenIn {
		return Hop{Pool: p, ZeroForOne: true}, p.Token1
	}
	return Hop{Pool: p, ZeroForOne: false}, p.Token0
}

// GeneratePaths enumerates every 2- and 3-hop cycle that starts and ends in
// base. Output follows pool input order. A pool set walked in both directions
// yields two paths; an identical hop sequence is emitted once.
func GeneratePaths(all []*pools.Pool, base common.Address) []*ArbPath {
	adjacency := make(map[common.Address][]*pools.Pool)
	seenPool := make(map[common.Address]struct{}, len(all))
	for _, p := range all {
		if p.Token0 == p.Token1 {
			continue
		}
		if _, dup := seenPool[p.Address]; dup {
			continue
		}
		seenPool[p.Address] = struct{}{}
		adjacency[p.Token0] = append(adjacency[p.Token0], p)
		adjacency[p.Token1] = append(adjacency[p.Token1], p)
	}

	var out []*ArbPath
	emitted := make(map[string]struct{})
	emit := func(hops ...Hop) {
		path := newPath(hops...)
		if _, ok := emitted[path.key]; ok {
			return
		}
		emitted[path.key] = struct{}{}
		out = append(out, path)
	}

	for _, p1 := range adjacency[base] {
		h1, t1 := hopFrom(p1, base)

		for _, p2 := range adjacency[t1] {
			if p2.Address == p1.Address {
				continue
			}
			h2, t2 := hopFrom(p2, t1)

			if t2 == base {
				emit(h1, h2)
				continue
			}

			for _, p3 := range adjacency[t2] {
				if p3.Address == p1.Address || p3.Address == p2.Address {
					continue
				}
				h3, t3 := hopFrom(p3, t2)
				if t3 == base {
					emit(h1, h2, h3)
				}
			}
		}
	}
	return out
}

// PathIndex maps a pool to the positions of the paths that use it
type PathIndex map[common.Address][]int

func IndexPaths(paths []*ArbPath) PathIndex {
	idx := make(PathIndex)
	for i, p := range paths {
		for _, addr := range p.Pools() {
			list := idx[addr]
			if len(list) > 0 && list[len(list)-1] == i {
				continue
			}
			idx[addr] = append(list, i)
		}
	}
	return idx
}

// Affected returns the sorted, unique path positions using any touched pool
func (idx PathIndex) Affected(touched []common.Address) []int {
	set := make(map[int]struct{})
	for _, addr := range touched {
		for _, i := range idx[addr] {
			set[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// FilterBlacklisted drops paths through any blacklisted token
func FilterBlacklisted(paths []*ArbPath, tokens map[common.Address]struct{}) []*ArbPath {
	if len(tokens) == 0 {
		return paths
	}
	out := make([]*ArbPath, 0, len(paths))
	for _, p := range paths {
		if !p.Blacklisted(tokens) {
			out = append(out, p)
		}
	}
	return out
}

// UsedPools returns each pool referenced by paths once, in first-use order
func UsedPools(paths []*ArbPath) []*pools.Pool {
	seen := make(map[common.Address]struct{})
	var out []*pools.Pool
	for _, p := range paths {
		for _, h := range p.Hops {
			if _, ok := seen[h.Pool.Address]; ok {
				continue
			}
			seen[h.Pool.Address] = struct{}{}
			out = append(out, h.Pool)
		}
	}
	return out
}
