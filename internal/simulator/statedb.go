package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"
)

type revision struct {
	fork      int
	logs      int
	refund    uint64
	transient map[common.Address]map[common.Hash]common.Hash
}

// ForkedStateDB implements vm.StateDB over a StateFork for a single
// transaction. Node read failures cannot surface through the interface, so
// the first one is kept and reported by Error.
type ForkedStateDB struct {
	fork            *StateFork
	logs            []*types.Log
	refund          uint64
	accessList      map[common.Address]map[common.Hash]bool
	accessListAddr  map[common.Address]bool
	originalStorage map[common.Address]map[common.Hash]common.Hash
	transient       map[common.Address]map[common.Hash]common.Hash
	revisions       []revision
	err             error
}

func NewForkedStateDB(fork *StateFork) *ForkedStateDB {
	return &ForkedStateDB{
		fork:            fork,
		accessList:      make(map[common.Address]map[common.Hash]bool),
		accessListAddr:  make(map[common.Address]bool),
		originalStorage: make(map[common.Address]map[common.Hash]common.Hash),
		transient:       make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (s *ForkedStateDB) Error() error {
	return s.err
}

func (s *ForkedStateDB) setErr(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *ForkedStateDB) CreateAccount(addr common.Address) {
	s.fork.SetBalance(addr, big.NewInt(0))
	s.fork.SetNonce(addr, 0)
}

func (s *ForkedStateDB) CreateContract(addr common.Address) {
	s.CreateAccount(addr)
}

func (s *ForkedStateDB) GetBalance(addr common.Address) *uint256.Int {
	bal, err := s.fork.GetBalance(addr)
	if err != nil {
		s.setErr(err)
		return uint256.NewInt(0)
	}
	val, overflow := uint256.FromBig(bal)
	if overflow {
		return uint256.NewInt(0)
	}
	return val
}

func (s *ForkedStateDB) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	bal := s.GetBalance(addr)
	s.fork.SetBalance(addr, new(uint256.Int).Add(bal, amount).ToBig())
	return *bal
}

func (s *ForkedStateDB) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	bal := s.GetBalance(addr)
	s.fork.SetBalance(addr, new(uint256.Int).Sub(bal, amount).ToBig())
	return *bal
}

func (s *ForkedStateDB) GetNonce(addr common.Address) uint64 {
	nonce, err := s.fork.GetNonce(addr)
	if err != nil {
		s.setErr(err)
		return 0
	}
	return nonce
}

func (s *ForkedStateDB) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	s.fork.SetNonce(addr, nonce)
}

func (s *ForkedStateDB) GetCode(addr common.Address) []byte {
	code, err := s.fork.GetCode(addr)
	if err != nil {
		s.setErr(err)
		return nil
	}
	return code
}

func (s *ForkedStateDB) GetCodeSize(addr common.Address) int {
	return len(s.GetCode(addr))
}

func (s *ForkedStateDB) GetCodeHash(addr common.Address) common.Hash {
	code := s.GetCode(addr)
	if len(code) == 0 {
		if s.Exist(addr) {
			return types.EmptyCodeHash
		}
		return common.Hash{}
	}
	return crypto.Keccak256Hash(code)
}

func (s *ForkedStateDB) SetCode(addr common.Address, code []byte, reason tracing.CodeChangeReason) []byte {
	prev := s.GetCode(addr)
	s.fork.SetCode(addr, code)
	return prev
}

func (s *ForkedStateDB) GetState(addr common.Address, hash common.Hash) common.Hash {
	val, err := s.fork.GetStorageAt(addr, hash)
	if err != nil {
		s.setErr(err)
		return common.Hash{}
	}
	return val
}

func (s *ForkedStateDB) SetState(addr common.Address, key, value common.Hash) common.Hash {
	prev := s.GetState(addr, key)
	s.fork.SetStorageAt(addr, key, value)
	return prev
}

// GetStateAndCommittedState returns the current value and the value at the
// start of the transaction
func (s *ForkedStateDB) GetStateAndCommittedState(addr common.Address, hash common.Hash) (common.Hash, common.Hash) {
	current := s.GetState(addr, hash)
	if slots, ok := s.originalStorage[addr]; ok {
		if orig, ok := slots[hash]; ok {
			return current, orig
		}
	}
	// first touch in this transaction
	if s.originalStorage[addr] == nil {
		s.originalStorage[addr] = make(map[common.Hash]common.Hash)
	}
	s.originalStorage[addr][hash] = current
	return current, current
}

func (s *ForkedStateDB) GetStorageRoot(addr common.Address) common.Hash {
	return common.Hash{}
}

func (s *ForkedStateDB) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.transient[addr][key]
}

func (s *ForkedStateDB) SetTransientState(addr common.Address, key, value common.Hash) {
	if s.transient[addr] == nil {
		s.transient[addr] = make(map[common.Hash]common.Hash)
	}
	s.transient[addr][key] = value
}

func (s *ForkedStateDB) Exist(addr common.Address) bool {
	return !s.Empty(addr)
}

func (s *ForkedStateDB) Empty(addr common.Address) bool {
	return len(s.GetCode(addr)) == 0 && s.GetBalance(addr).Sign() == 0 && s.GetNonce(addr) == 0
}

func copyTransient(src map[common.Address]map[common.Hash]common.Hash) map[common.Address]map[common.Hash]common.Hash {
	out := make(map[common.Address]map[common.Hash]common.Hash, len(src))
	for addr, slots := range src {
		out[addr] = make(map[common.Hash]common.Hash, len(slots))
		for k, v := range slots {
			out[addr][k] = v
		}
	}
	return out
}

func (s *ForkedStateDB) Snapshot() int {
	s.revisions = append(s.revisions, revision{
		fork:      s.fork.Snapshot(),
		logs:      len(s.logs),
		refund:    s.refund,
		transient: copyTransient(s.transient),
	})
	return len(s.revisions) - 1
}

func (s *ForkedStateDB) RevertToSnapshot(id int) {
	if id < 0 || id >= len(s.revisions) {
		return
	}
	rev := s.revisions[id]
	if err := s.fork.RevertToSnapshot(rev.fork); err != nil {
		s.setErr(err)
	}
	s.logs = s.logs[:rev.logs]
	s.refund = rev.refund
	s.transient = rev.transient
	s.revisions = s.revisions[:id]
}

func (s *ForkedStateDB) AddLog(log *types.Log) {
	s.logs = append(s.logs, log)
}

func (s *ForkedStateDB) Logs() []*types.Log {
	return s.logs
}

func (s *ForkedStateDB) AddRefund(gas uint64) {
	s.refund += gas
}

func (s *ForkedStateDB) SubRefund(gas uint64) {
	if gas > s.refund {
		s.refund = 0
	} else {
		s.refund -= gas
	}
}

func (s *ForkedStateDB) GetRefund() uint64 {
	return s.refund
}

func (s *ForkedStateDB) AddPreimage(hash common.Hash, preimage []byte) {}

func (s *ForkedStateDB) SelfDestruct(addr common.Address) uint256.Int {
	bal := s.GetBalance(addr)
	s.fork.SetBalance(addr, big.NewInt(0))
	return *bal
}

func (s *ForkedStateDB) HasSelfDestructed(addr common.Address) bool {
	return false
}

func (s *ForkedStateDB) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	return s.SelfDestruct(addr), true
}

// EIP-2929 access list
func (s *ForkedStateDB) AddAddressToAccessList(addr common.Address) {
	s.accessListAddr[addr] = true
}

func (s *ForkedStateDB) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.accessListAddr[addr] = true
	if s.accessList[addr] == nil {
		s.accessList[addr] = make(map[common.Hash]bool)
	}
	s.accessList[addr][slot] = true
}

func (s *ForkedStateDB) AddressInAccessList(addr common.Address) bool {
	return s.accessListAddr[addr]
}

func (s *ForkedStateDB) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	if !s.accessListAddr[addr] {
		return false, false
	}
	if s.accessList[addr] == nil {
		return true, false
	}
	return true, s.accessList[addr][slot]
}

func (s *ForkedStateDB) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	s.AddAddressToAccessList(sender)
	if dest != nil {
		s.AddAddressToAccessList(*dest)
	}
	s.AddAddressToAccessList(coinbase)
	for _, addr := range precompiles {
		s.AddAddressToAccessList(addr)
	}
	for _, el := range txAccesses {
		s.AddAddressToAccessList(el.Address)
		for _, key := range el.StorageKeys {
			s.AddSlotToAccessList(el.Address, key)
		}
	}
	s.transient = make(map[common.Address]map[common.Hash]common.Hash)
}

func (s *ForkedStateDB) PointCache() *utils.PointCache {
	return nil
}

func (s *ForkedStateDB) Witness() *stateless.Witness {
	return nil
}

func (s *ForkedStateDB) AccessEvents() *state.AccessEvents {
	return nil
}

func (s *ForkedStateDB) Finalise(deleteEmptyObjects bool) {}
