package pools

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DecimalsLookup fetches decimals for a token that is not in the table yet
type DecimalsLookup func(ctx context.Context, token common.Address) (uint8, error)

// Registry holds every known pool keyed by address, in insertion order, plus
// the token decimals table shared by discovery and path building. It has a
// single writer; readers take slices from All after loading is done.
type Registry struct {
	pools    map[common.Address]*Pool
	order    []common.Address
	decimals *lru.Cache[common.Address, uint8]
	log      *zap.Logger
}

func NewRegistry(decimalsCacheSize int, logger *zap.Logger) (*Registry, error) {
	if decimalsCacheSize <= 0 {
		decimalsCacheSize = 4096
	}
	cache, err := lru.New[common.Address, uint8](decimalsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create decimals cache: %w", err)
	}
	return &Registry{
		pools:    make(map[common.Address]*Pool),
		decimals: cache,
		log:      logger.Named("pools"),
	}, nil
}

// Add inserts or replaces a pool. A replaced pool keeps its original position
func (r *Registry) Add(p *Pool) bool {
	_, replaced := r.pools[p.Address]
	if !replaced {
		r.order = append(r.order, p.Address)
	}
	r.pools[p.Address] = p
	r.decimals.Add(p.Token0, p.Decimals0)
	r.decimals.Add(p.Token1, p.Decimals1)
	return replaced
}

func (r *Registry) AddAll(pools []*Pool) {
	for _, p := range pools {
		r.Add(p)
	}
}

func (r *Registry) Get(addr common.Address) (*Pool, bool) {
	p, ok := r.pools[addr]
	return p, ok
}

func (r *Registry) Len() int {
	return len(r.order)
}

// All returns pools in insertion order
func (r *Registry) All() []*Pool {
	out := make([]*Pool, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.pools[addr])
	}
	return out
}

// FindPair returns the first pool trading tokenA against tokenB
func (r *Registry) FindPair(tokenA, tokenB common.Address) (*Pool, bool) {
	for _, addr := range r.order {
		p := r.pools[addr]
		if p.Has(tokenA) && p.Has(tokenB) {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) RememberDecimals(token common.Address, decimals uint8) {
	r.decimals.Add(token, decimals)
}

// TokenDecimals answers from the table and falls back to lookup on a miss,
// remembering the answer
func (r *Registry) TokenDecimals(ctx context.Context, token common.Address, lookup DecimalsLookup) (uint8, error) {
	if d, ok := r.decimals.Get(token); ok {
		return d, nil
	}
	if lookup == nil {
		return 0, fmt.Errorf("decimals for %s unknown", token.Hex())
	}
	d, err := lookup(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("lookup decimals %s: %w", token.Hex(), err)
	}
	r.decimals.Add(token, d)
	return d, nil
}
