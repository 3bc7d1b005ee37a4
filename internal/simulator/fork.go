package simulator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Backend is the node a fork reads untouched state from
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

// Store keeps node reads across forks of the same block; *storage.StateCache
type Store interface {
	GetBalance(blockNumber uint64, addr common.Address) (*big.Int, bool)
	SetBalance(blockNumber uint64, addr common.Address, balance *big.Int) error
	GetNonce(blockNumber uint64, addr common.Address) (uint64, bool)
	SetNonce(blockNumber uint64, addr common.Address, nonce uint64) error
	GetCode(blockNumber uint64, addr common.Address) ([]byte, bool)
	SetCode(blockNumber uint64, addr common.Address, code []byte) error
	GetStorage(blockNumber uint64, addr common.Address, slot common.Hash) (common.Hash, bool)
	SetStorage(blockNumber uint64, addr common.Address, slot, value common.Hash) error
}

const readTimeout = 10 * time.Second

type stateLayer struct {
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	code     map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
}

func newStateLayer() *stateLayer {
	return &stateLayer{
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		code:     make(map[common.Address][]byte),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (l *stateLayer) copy() *stateLayer {
	out := newStateLayer()
	for addr, bal := range l.balances {
		out.balances[addr] = new(big.Int).Set(bal)
	}
	for addr, nonce := range l.nonces {
		out.nonces[addr] = nonce
	}
	for addr, code := range l.code {
		out.code[addr] = code
	}
	for addr, slots := range l.storage {
		out.storage[addr] = make(map[common.Hash]common.Hash, len(slots))
		for slot, val := range slots {
			out.storage[addr][slot] = val
		}
	}
	return out
}

// StateFork is the state at the end of one block, read lazily from the node
// and modified in memory
type StateFork struct {
	ctx     context.Context
	backend Backend
	store   Store
	block   uint64
	number  *big.Int

	mu        sync.RWMutex
	cache     *stateLayer
	snapshots []*stateLayer
}

// store may be nil
func NewStateFork(ctx context.Context, backend Backend, store Store, block uint64) *StateFork {
	return &StateFork{
		ctx:     ctx,
		backend: backend,
		store:   store,
		block:   block,
		number:  new(big.Int).SetUint64(block),
		cache:   newStateLayer(),
	}
}

func (f *StateFork) Block() uint64 {
	return f.block
}

// returns account balance at forked state
func (f *StateFork) GetBalance(addr common.Address) (*big.Int, error) {
	f.mu.RLock()
	if bal, ok := f.cache.balances[addr]; ok {
		f.mu.RUnlock()
		return new(big.Int).Set(bal), nil
	}
	f.mu.RUnlock()

	bal, ok := f.storeBalance(addr)
	if !ok {
		ctx, cancel := context.WithTimeout(f.ctx, readTimeout)
		defer cancel()
		var err error
		bal, err = f.backend.BalanceAt(ctx, addr, f.number)
		if err != nil {
			return nil, fmt.Errorf("balance of %s at %d: %w", addr.Hex(), f.block, err)
		}
		if f.store != nil {
			_ = f.store.SetBalance(f.block, addr, bal)
		}
	}

	f.mu.Lock()
	f.cache.balances[addr] = bal
	f.mu.Unlock()
	return new(big.Int).Set(bal), nil
}

func (f *StateFork) storeBalance(addr common.Address) (*big.Int, bool) {
	if f.store == nil {
		return nil, false
	}
	return f.store.GetBalance(f.block, addr)
}

// returns account nonce at forked state
func (f *StateFork) GetNonce(addr common.Address) (uint64, error) {
	f.mu.RLock()
	if nonce, ok := f.cache.nonces[addr]; ok {
		f.mu.RUnlock()
		return nonce, nil
	}
	f.mu.RUnlock()

	var (
		nonce uint64
		ok    bool
	)
	if f.store != nil {
		nonce, ok = f.store.GetNonce(f.block, addr)
	}
	if !ok {
		ctx, cancel := context.WithTimeout(f.ctx, readTimeout)
		defer cancel()
		var err error
		nonce, err = f.backend.NonceAt(ctx, addr, f.number)
		if err != nil {
			return 0, fmt.Errorf("nonce of %s at %d: %w", addr.Hex(), f.block, err)
		}
		if f.store != nil {
			_ = f.store.SetNonce(f.block, addr, nonce)
		}
	}

	f.mu.Lock()
	f.cache.nonces[addr] = nonce
	f.mu.Unlock()
	return nonce, nil
}

// returns contract bytecode at forked state
func (f *StateFork) GetCode(addr common.Address) ([]byte, error) {
	f.mu.RLock()
	if code, ok := f.cache.code[addr]; ok {
		f.mu.RUnlock()
		return code, nil
	}
	f.mu.RUnlock()

	var (
		code []byte
		ok   bool
	)
	if f.store != nil {
		code, ok = f.store.GetCode(f.block, addr)
	}
	if !ok {
		ctx, cancel := context.WithTimeout(f.ctx, readTimeout)
		defer cancel()
		var err error
		code, err = f.backend.CodeAt(ctx, addr, f.number)
		if err != nil {
			return nil, fmt.Errorf("code of %s at %d: %w", addr.Hex(), f.block, err)
		}
		if f.store != nil {
			_ = f.store.SetCode(f.block, addr, code)
		}
	}

	f.mu.Lock()
	f.cache.code[addr] = code
	f.mu.Unlock()
	return code, nil
}

// returns storage slot value at forked state
func (f *StateFork) GetStorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	f.mu.RLock()
	if slots, ok := f.cache.storage[addr]; ok {
		if val, ok := slots[slot]; ok {
			f.mu.RUnlock()
			return val, nil
		}
	}
	f.mu.RUnlock()

	var (
		val common.Hash
		ok  bool
	)
	if f.store != nil {
		val, ok = f.store.GetStorage(f.block, addr, slot)
	}
	if !ok {
		ctx, cancel := context.WithTimeout(f.ctx, readTimeout)
		defer cancel()
		data, err := f.backend.StorageAt(ctx, addr, slot, f.number)
		if err != nil {
			return common.Hash{}, fmt.Errorf("slot %s of %s at %d: %w", slot.Hex(), addr.Hex(), f.block, err)
		}
		val = common.BytesToHash(data)
		if f.store != nil {
			_ = f.store.SetStorage(f.block, addr, slot, val)
		}
	}

	f.mu.Lock()
	if f.cache.storage[addr] == nil {
		f.cache.storage[addr] = make(map[common.Hash]common.Hash)
	}
	f.cache.storage[addr][slot] = val
	f.mu.Unlock()
	return val, nil
}

func (f *StateFork) SetBalance(addr common.Address, bal *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.balances[addr] = new(big.Int).Set(bal)
}

func (f *StateFork) SetNonce(addr common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.nonces[addr] = nonce
}

func (f *StateFork) SetCode(addr common.Address, code []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.code[addr] = code
}

func (f *StateFork) SetStorageAt(addr common.Address, slot common.Hash, val common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cache.storage[addr] == nil {
		f.cache.storage[addr] = make(map[common.Hash]common.Hash)
	}
	f.cache.storage[addr][slot] = val
}

// Snapshot creates a revert point
func (f *StateFork) Snapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, f.cache.copy())
	return len(f.snapshots) - 1
}

// RevertToSnapshot restores the state as of snapID and drops it along with
// every later snapshot
func (f *StateFork) RevertToSnapshot(snapID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snapID < 0 || snapID >= len(f.snapshots) {
		return fmt.Errorf("invalid snapshot id: %d", snapID)
	}
	f.cache = f.snapshots[snapID]
	f.snapshots = f.snapshots[:snapID]
	return nil
}
