package reserves

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotSeeded  = errors.New("pool not seeded")
	ErrStaleBlock = errors.New("block older than cache")
)

type Reserve struct {
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int
}

// Update is one observed reserve value and where in the block it was emitted
type Update struct {
	Reserve
	TxIndex  uint
	LogIndex uint
}

func (u Update) after(o Update) bool {
	if u.TxIndex != o.TxIndex {
		return u.TxIndex > o.TxIndex
	}
	return u.LogIndex > o.LogIndex
}

// Diff holds every update seen per pool in one block
type Diff map[common.Address][]Update

// Restrict drops pools keep rejects
func (d Diff) Restrict(keep func(common.Address) bool) Diff {
	out := make(Diff, len(d))
	for addr, updates := range d {
		if keep(addr) {
			out[addr] = updates
		}
	}
	return out
}

type entry struct {
	Reserve
	block uint64
	last  Update
	final bool
}

// Cache is the latest known reserves per pool. Seed first, then apply one
// diff per block. Not safe for concurrent writers.
type Cache struct {
	state  map[common.Address]*entry
	block  uint64
	seeded bool
}

func NewCache() *Cache {
	return &Cache{state: make(map[common.Address]*entry)}
}

// Seed replaces the whole state with a snapshot taken at block
func (c *Cache) Seed(block uint64, snapshot map[common.Address]Reserve) {
	c.state = make(map[common.Address]*entry, len(snapshot))
	for addr, r := range snapshot {
		// end-of-block values, later logs in the same block cannot be newer
		c.state[addr] = &entry{Reserve: r, block: block, final: true}
	}
	c.block = block
	c.seeded = true
}

// ApplyBlockDiff writes the newest update per pool and returns the touched
// pools in address order. Pools that were never seeded are skipped and
// reported through an error wrapping ErrNotSeeded; the rest still apply.
func (c *Cache) ApplyBlockDiff(block uint64, diff Diff) ([]common.Address, error) {
	if c.seeded && block < c.block {
		return nil, fmt.Errorf("%w: diff for %d, cache at %d", ErrStaleBlock, block, c.block)
	}

	var (
		touched []common.Address
		errs    []error
	)
	for addr, updates := range diff {
		if len(updates) == 0 {
			continue
		}
		e, ok := c.state[addr]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNotSeeded, addr.Hex()))
			continue
		}

		newest := updates[0]
		for _, u := range updates[1:] {
			if u.after(newest) {
				newest = u
			}
		}

		if e.block == block && (e.final || !newest.after(e.last)) {
			continue
		}

		e.Reserve = Reserve{
			Reserve0: new(uint256.Int).Set(newest.Reserve0),
			Reserve1: new(uint256.Int).Set(newest.Reserve1),
		}
		e.block = block
		e.last = newest
		e.final = false
		touched = append(touched, addr)
	}

	if block > c.block {
		c.block = block
	}

	sort.Slice(touched, func(i, j int) bool {
		return bytes.Compare(touched[i].Bytes(), touched[j].Bytes()) < 0
	})
	return touched, errors.Join(errs...)
}

func (c *Cache) Get(addr common.Address) (Reserve, bool) {
	e, ok := c.state[addr]
	if !ok {
		return Reserve{}, false
	}
	return e.Reserve, true
}

func (c *Cache) Has(addr common.Address) bool {
	_, ok := c.state[addr]
	return ok
}

func (c *Cache) Len() int {
	return len(c.state)
}

func (c *Cache) LastBlock() uint64 {
	return c.block
}

// Snapshot copies the current state
func (c *Cache) Snapshot() map[common.Address]Reserve {
	out := make(map[common.Address]Reserve, len(c.state))
	for addr, e := range c.state {
		out[addr] = Reserve{
			Reserve0: new(uint256.Int).Set(e.Reserve0),
			Reserve1: new(uint256.Int).Set(e.Reserve1),
		}
	}
	return out
}
