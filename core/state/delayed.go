// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package state

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"
	"github.com/puzpuzpuz/xsync/v4"
)

// DelayedFieldID names one aggregator or snapshot. Ids are block-scoped and
// handed out by the store.
type DelayedFieldID uint64

var ErrDelayedFieldNotFound = errors.New("delayed field not found")

// DeltaOp is a signed delta against a delayed field.
type DeltaOp struct {
	Neg bool
	Mag uint256.Int
}

func AddDelta(v uint64) DeltaOp {
	return DeltaOp{Mag: *uint256.NewInt(v)}
}

func SubDelta(v uint64) DeltaOp {
	return DeltaOp{Neg: true, Mag: *uint256.NewInt(v)}
}

// Apply returns base adjusted by the delta, and false on underflow below zero
// or uint256 overflow.
func (d DeltaOp) Apply(base *uint256.Int) (*uint256.Int, bool) {
	out := new(uint256.Int)
	if d.Neg {
		if d.Mag.Gt(base) {
			return nil, false
		}
		return out.Sub(base, &d.Mag), true
	}
	_, overflow := out.AddOverflow(base, &d.Mag)
	if overflow {
		return nil, false
	}
	return out, true
}

func (d DeltaOp) IsZero() bool { return d.Mag.IsZero() }

type DelayedKind uint8

const (
	DelayedCreate DelayedKind = iota
	DelayedApply
	DelayedSnapshot
)

type BaseRef uint8

const (
	// BaseValueBefore resolves the referenced field as of just before this
	// transaction.
	BaseValueBefore BaseRef = iota
	// BaseValueAfter resolves it including this transaction's own change.
	// Self-consistent only when the snapshot and its base are different
	// fields; a snapshot of itself with an After base is a cycle.
	BaseValueAfter
)

// DelayedFieldChange is one transaction's effect on one delayed field.
type DelayedFieldChange struct {
	ID   DelayedFieldID
	Kind DelayedKind

	// DelayedCreate
	Value uint256.Int
	Max   uint256.Int

	// DelayedApply and optionally DelayedSnapshot (formula offset)
	Delta DeltaOp

	// DelayedSnapshot
	SnapshotOf DelayedFieldID
	Base       BaseRef
}

// DelayedBase resolves the pre-block value of a delayed field from committed
// storage.
type DelayedBase interface {
	DelayedFieldBase(id DelayedFieldID) (val, max *uint256.Int, ok bool, err error)
}

type fieldCell struct {
	kind        cellKind
	incarnation int
	change      DelayedFieldChange
}

type fieldVersions struct {
	mu     sync.RWMutex
	cells  []*fieldCell
	maxIdx int
}

// DelayedFieldStore is the multi-version store for commutative counters and
// their snapshots. Unlike VersionMap it keeps deltas, not materialized
// values, so two transactions adding to the same field do not conflict.
type DelayedFieldStore struct {
	blockLen int
	base     DelayedBase // may be nil: every field must then be created in-block
	data     *xsync.Map[DelayedFieldID, *fieldVersions]
	nextID   atomic.Uint64
}

func NewDelayedFieldStore(blockLen int, base DelayedBase) *DelayedFieldStore {
	return &DelayedFieldStore{
		blockLen: blockLen,
		base:     base,
		data:     xsync.NewMap[DelayedFieldID, *fieldVersions](),
	}
}

// AllocateID hands out a fresh block-scoped id. Exhaustion is an environment
// error that aborts the block.
func (dfs *DelayedFieldStore) AllocateID() (DelayedFieldID, error) {
	id := dfs.nextID.Add(1)
	if id >= math.MaxUint64 {
		return 0, ErrDelayedFieldIDExhausted
	}
	return DelayedFieldID(id), nil
}

func (dfs *DelayedFieldStore) versionsFor(id DelayedFieldID) *fieldVersions {
	fv, ok := dfs.data.Load(id)
	if !ok {
		fv, _ = dfs.data.LoadOrStore(id, &fieldVersions{cells: make([]*fieldCell, dfs.blockLen), maxIdx: -1})
	}
	return fv
}

func (dfs *DelayedFieldStore) write(ver Version, change DelayedFieldChange) {
	fv := dfs.versionsFor(change.ID)
	fv.mu.Lock()
	defer fv.mu.Unlock()
	if prev := fv.cells[ver.TxIndex]; prev != nil && prev.incarnation > ver.Incarnation {
		panic(InvariantError{Msg: fmt.Sprintf("stale delayed write of field %d at txn %d: incarnation %d over %d",
			change.ID, ver.TxIndex, ver.Incarnation, prev.incarnation)})
	}
	fv.cells[ver.TxIndex] = &fieldCell{kind: cellWrite, incarnation: ver.Incarnation, change: change}
	if ver.TxIndex > fv.maxIdx {
		fv.maxIdx = ver.TxIndex
	}
}

// ApplyChanges publishes cur for ver, removes fields the previous incarnation
// changed but this one does not, and reports whether a new field was touched.
func (dfs *DelayedFieldStore) ApplyChanges(ver Version, prev, cur []DelayedFieldChange) bool {
	for i := range cur {
		dfs.write(ver, cur[i])
	}
	wroteNew := false
	if len(prev) == 0 {
		return len(cur) > 0
	}
	curSet := make(map[DelayedFieldID]struct{}, len(cur))
	for i := range cur {
		curSet[cur[i].ID] = struct{}{}
	}
	prevSet := make(map[DelayedFieldID]struct{}, len(prev))
	for i := range prev {
		prevSet[prev[i].ID] = struct{}{}
		if _, ok := curSet[prev[i].ID]; !ok {
			dfs.Delete(prev[i].ID, ver.TxIndex)
		}
	}
	for id := range curSet {
		if _, ok := prevSet[id]; !ok {
			wroteNew = true
			break
		}
	}
	return wroteNew
}

// MarkEstimates flips an aborted incarnation's published changes to estimates.
// Every change in the set was written by ApplyChanges, so a missing cell means
// the stores went out of sync, which is unrecoverable.
func (dfs *DelayedFieldStore) MarkEstimates(changes []DelayedFieldChange, txIdx int) {
	for i := range changes {
		fv := dfs.versionsFor(changes[i].ID)
		fv.mu.Lock()
		c := fv.cells[txIdx]
		if c == nil {
			fv.mu.Unlock()
			panic(InvariantError{Msg: fmt.Sprintf("marking estimate for field %d at txn %d which never changed it",
				changes[i].ID, txIdx)})
		}
		c.kind = cellEstimate
		fv.mu.Unlock()
	}
}

func (dfs *DelayedFieldStore) Delete(id DelayedFieldID, txIdx int) {
	fv, ok := dfs.data.Load(id)
	if !ok {
		return
	}
	fv.mu.Lock()
	fv.cells[txIdx] = nil
	fv.mu.Unlock()
}

// ReadValue materializes the field as seen by readerIdx: pending deltas are
// folded onto the nearest create below, or onto the committed base value.
// An estimate below surfaces as a DependencyError exactly like a VersionMap
// read; a total that escapes the field's bound is a SpeculativeError and the
// reading incarnation retries.
func (dfs *DelayedFieldStore) ReadValue(id DelayedFieldID, readerIdx int) (*uint256.Int, error) {
	val, _, _, err := dfs.resolve(id, readerIdx, make(map[DelayedFieldID]struct{}))
	return val, err
}

// ReadSnapshot resolves a snapshot/derived field, recursively resolving its
// base aggregator. A mid-flight base is surfaced as the dependency it is.
func (dfs *DelayedFieldStore) ReadSnapshot(id DelayedFieldID, readerIdx int) (*uint256.Int, error) {
	val, _, _, err := dfs.resolve(id, readerIdx, make(map[DelayedFieldID]struct{}))
	return val, err
}

// TryAddDelta reports whether applying baseDelta then delta on top of the
// field's value below readerIdx keeps the running total in [0, max]. Rejected
// deltas never mutate stored state; accepted ones are only published later
// with the incarnation's change set.
func (dfs *DelayedFieldStore) TryAddDelta(id DelayedFieldID, max *uint256.Int, baseDelta, delta DeltaOp, readerIdx int) (bool, error) {
	cur, err := dfs.ReadValue(id, readerIdx)
	if err != nil {
		return false, err
	}
	v, ok := baseDelta.Apply(cur)
	if !ok || v.Gt(max) {
		return false, nil
	}
	v, ok = delta.Apply(v)
	if !ok || v.Gt(max) {
		return false, nil
	}
	return true, nil
}

func (dfs *DelayedFieldStore) resolve(id DelayedFieldID, readerIdx int, visiting map[DelayedFieldID]struct{}) (val, max *uint256.Int, haveMax bool, err error) {
	if _, ok := visiting[id]; ok {
		panic(InvariantError{Msg: fmt.Sprintf("circular delayed field base through field %d", id)})
	}
	visiting[id] = struct{}{}
	defer delete(visiting, id)

	var deltas []DeltaOp // collected top-down, i.e. highest txn first

	fv, found := dfs.data.Load(id)
	if found {
		fv.mu.RLock()
		from := readerIdx - 1
		if fv.maxIdx < from {
			from = fv.maxIdx
		}
		for i := from; i >= 0; i-- {
			c := fv.cells[i]
			if c == nil {
				continue
			}
			if c.kind == cellEstimate {
				fv.mu.RUnlock()
				return nil, nil, false, DependencyError{TxIndex: i}
			}
			switch c.change.Kind {
			case DelayedApply:
				deltas = append(deltas, c.change.Delta)
			case DelayedCreate:
				v, m := c.change.Value, c.change.Max
				fv.mu.RUnlock()
				return dfs.fold(id, &v, &m, true, deltas)
			case DelayedSnapshot:
				change := c.change
				fv.mu.RUnlock()
				return dfs.resolveSnapshot(id, i, change, deltas, visiting)
			}
		}
		fv.mu.RUnlock()
	}

	if dfs.base != nil {
		bv, bm, ok, berr := dfs.base.DelayedFieldBase(id)
		if berr != nil {
			return nil, nil, false, berr
		}
		if ok {
			return dfs.fold(id, bv, bm, bm != nil, deltas)
		}
	}
	return nil, nil, false, ErrDelayedFieldNotFound
}

func (dfs *DelayedFieldStore) resolveSnapshot(id DelayedFieldID, atIdx int, change DelayedFieldChange, deltas []DeltaOp, visiting map[DelayedFieldID]struct{}) (*uint256.Int, *uint256.Int, bool, error) {
	if change.SnapshotOf == id && change.Base == BaseValueAfter {
		panic(InvariantError{Msg: fmt.Sprintf("delayed field %d snapshots itself with an after-value base", id)})
	}
	baseIdx := atIdx
	if change.Base == BaseValueAfter {
		baseIdx = atIdx + 1
	}
	bv, _, _, err := dfs.resolve(change.SnapshotOf, baseIdx, visiting)
	if err != nil {
		if errors.As(err, &DependencyError{}) {
			// the base aggregator is itself mid-flight; the reader cannot
			// resolve the snapshot yet
			return nil, nil, false, SpeculativeError{Msg: fmt.Sprintf("snapshot base field %d unresolved", change.SnapshotOf)}
		}
		return nil, nil, false, err
	}
	if !change.Delta.IsZero() {
		v, ok := change.Delta.Apply(bv)
		if !ok {
			return nil, nil, false, SpeculativeError{Msg: fmt.Sprintf("snapshot formula of field %d out of range", id)}
		}
		bv = v
	}
	return dfs.fold(id, bv, nil, false, deltas)
}

// fold applies collected deltas (highest txn first) in block order on top of
// the resolved base.
func (dfs *DelayedFieldStore) fold(id DelayedFieldID, base, max *uint256.Int, haveMax bool, deltas []DeltaOp) (*uint256.Int, *uint256.Int, bool, error) {
	val := new(uint256.Int).Set(base)
	for i := len(deltas) - 1; i >= 0; i-- {
		v, ok := deltas[i].Apply(val)
		if !ok {
			return nil, nil, false, SpeculativeError{Msg: fmt.Sprintf("delayed field %d below zero mid-block", id)}
		}
		val = v
	}
	if haveMax && val.Gt(max) {
		return nil, nil, false, SpeculativeError{Msg: fmt.Sprintf("delayed field %d above bound mid-block", id)}
	}
	return val, max, haveMax, nil
}

// Materialize resolves the final value of every field as of the first limit
// committed transactions. Estimates above the limit (left behind by a halted
// block) are out of scope; an estimate below it is a scheduler bug.
func (dfs *DelayedFieldStore) Materialize(limit int) (map[DelayedFieldID]*uint256.Int, error) {
	out := make(map[DelayedFieldID]*uint256.Int)
	var outerErr error
	dfs.data.Range(func(id DelayedFieldID, _ *fieldVersions) bool {
		val, err := dfs.ReadValue(id, limit)
		if err != nil {
			if errors.Is(err, ErrDelayedFieldNotFound) {
				return true // all writers of this field were rolled back
			}
			if errors.As(err, &DependencyError{}) {
				panic(InvariantError{Msg: fmt.Sprintf("delayed field %d estimate survived block completion", id)})
			}
			outerErr = err
			return false
		}
		out[id] = val
		return true
	})
	return out, outerErr
}
