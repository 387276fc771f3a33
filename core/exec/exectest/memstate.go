package exectest

import (
	"sync"

	"github.com/holiman/uint256"
	"github.com/tidwall/btree"

	"github.com/erigontech/blockstm/core/exec"
	"github.com/erigontech/blockstm/core/state"
)

type delayedBase struct {
	val uint256.Int
	max uint256.Int
}

// MemState is an in-memory base state for plain keys and delayed fields.
// Safe for concurrent readers and writers; the executor only reads during a
// block, writes happen between blocks when results are folded back.
type MemState struct {
	mu      sync.RWMutex
	kv      *btree.Map[state.VersionKey, []byte]
	delayed map[state.DelayedFieldID]delayedBase
}

func NewMemState() *MemState {
	return &MemState{
		kv:      btree.NewMap[state.VersionKey, []byte](32),
		delayed: map[state.DelayedFieldID]delayedBase{},
	}
}

func (m *MemState) Get(k state.VersionKey) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, _ := m.kv.Get(k)
	return v, nil
}

func (m *MemState) DelayedFieldBase(id state.DelayedFieldID) (*uint256.Int, *uint256.Int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.delayed[id]
	if !ok {
		return nil, nil, false, nil
	}
	val := new(uint256.Int).Set(&b.val)
	max := new(uint256.Int).Set(&b.max)
	return val, max, true, nil
}

func (m *MemState) Set(k state.VersionKey, v []byte) {
	m.mu.Lock()
	m.kv.Set(k, v)
	m.mu.Unlock()
}

func (m *MemState) SetDelayed(id state.DelayedFieldID, val, max uint64) {
	m.mu.Lock()
	m.delayed[id] = delayedBase{val: *uint256.NewInt(val), max: *uint256.NewInt(max)}
	m.mu.Unlock()
}

// Fold applies a committed block's flattened state diff back into the base.
func (m *MemState) Fold(out *exec.BlockOutput) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range out.StateDiff {
		m.kv.Set(k, v)
	}
	for id, val := range out.DelayedValues {
		b := m.delayed[id]
		b.val = *val
		m.delayed[id] = b
	}
}

// Dump copies the key space out for comparisons.
func (m *MemState) Dump() map[state.VersionKey][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[state.VersionKey][]byte, m.kv.Len())
	m.kv.Scan(func(k state.VersionKey, v []byte) bool {
		out[k] = v
		return true
	})
	return out
}
