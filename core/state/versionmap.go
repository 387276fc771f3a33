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
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// VersionKey identifies one state slot. The engine treats it as opaque; the
// caller's executor decides how addresses, paths and resource tags are packed
// into it.
type VersionKey string

// Version identifies which execution produced a write: the transaction's
// position in the block and its re-execution attempt.
type Version struct {
	TxIndex     int
	Incarnation int
}

var InvalidVersion = Version{TxIndex: -1, Incarnation: -1}

// StateView is the base storage the block executes on top of. Reads are
// synchronous; a nil value means the key is absent.
type StateView interface {
	Get(key VersionKey) ([]byte, error)
}

const (
	MVReadResultDone = iota
	MVReadResultDependency
	MVReadResultNone
)

type ReadResult struct {
	status int
	ver    Version
	val    []byte
}

func (r ReadResult) Status() int      { return r.status }
func (r ReadResult) Version() Version { return r.ver }
func (r ReadResult) Value() []byte    { return r.val }

// DepIdx is the transaction the reader is blocked on. Only meaningful when
// Status is MVReadResultDependency.
func (r ReadResult) DepIdx() int { return r.ver.TxIndex }

type cellKind uint8

const (
	cellWrite cellKind = iota
	cellEstimate
)

type txCell struct {
	kind        cellKind
	incarnation int
	val         []byte
}

// keyCells is the per-key version chain: a fixed arena with one slot per
// transaction index, since the index range is known up front. maxIdx bounds
// the read scan from above.
type keyCells struct {
	mu     sync.RWMutex
	cells  []*txCell
	maxIdx int
}

// VersionMap is the multi-version store shared by all workers. Mutation is
// per-key and index-scoped: writers to different keys never contend, writers
// to the same key serialize on the key's own lock.
type VersionMap struct {
	blockLen int
	data     *xsync.Map[VersionKey, *keyCells]
}

func NewVersionMap(blockLen int) *VersionMap {
	return &VersionMap{
		blockLen: blockLen,
		data:     xsync.NewMap[VersionKey, *keyCells](),
	}
}

func (mv *VersionMap) cellsFor(k VersionKey) *keyCells {
	kc, ok := mv.data.Load(k)
	if !ok {
		kc, _ = mv.data.LoadOrStore(k, &keyCells{cells: make([]*txCell, mv.blockLen), maxIdx: -1})
	}
	return kc
}

// Write publishes the value produced by ver. Overwriting a slot that already
// reflects a higher incarnation means a stale worker got here after an abort
// it should have observed, which is unrecoverable.
func (mv *VersionMap) Write(k VersionKey, ver Version, val []byte) {
	kc := mv.cellsFor(k)
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if prev := kc.cells[ver.TxIndex]; prev != nil && prev.incarnation > ver.Incarnation {
		panic(InvariantError{Msg: fmt.Sprintf("stale write of %q at txn %d: incarnation %d over %d",
			k, ver.TxIndex, ver.Incarnation, prev.incarnation)})
	}
	kc.cells[ver.TxIndex] = &txCell{kind: cellWrite, incarnation: ver.Incarnation, val: val}
	if ver.TxIndex > kc.maxIdx {
		kc.maxIdx = ver.TxIndex
	}
}

// MarkEstimate flips an aborted transaction's write to an estimate so readers
// below the next incarnation block on it instead of trusting a stale value.
func (mv *VersionMap) MarkEstimate(k VersionKey, txIdx int) {
	kc := mv.cellsFor(k)
	kc.mu.Lock()
	defer kc.mu.Unlock()
	c := kc.cells[txIdx]
	if c == nil {
		panic(InvariantError{Msg: fmt.Sprintf("marking estimate for %q at txn %d which never wrote it", k, txIdx)})
	}
	c.kind = cellEstimate
}

// Delete removes txIdx's entry for a key its new incarnation no longer writes.
func (mv *VersionMap) Delete(k VersionKey, txIdx int) {
	kc, ok := mv.data.Load(k)
	if !ok {
		return
	}
	kc.mu.Lock()
	kc.cells[txIdx] = nil
	kc.mu.Unlock()
}

// Read scans entries below readerIdx in decreasing index order: the first
// concrete write wins, an estimate blocks the reader on its publisher, and an
// empty chain falls through to base storage.
func (mv *VersionMap) Read(k VersionKey, readerIdx int) ReadResult {
	kc, ok := mv.data.Load(k)
	if !ok {
		return ReadResult{status: MVReadResultNone, ver: InvalidVersion}
	}
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	from := readerIdx - 1
	if kc.maxIdx < from {
		from = kc.maxIdx
	}
	for i := from; i >= 0; i-- {
		c := kc.cells[i]
		if c == nil {
			continue
		}
		if c.kind == cellEstimate {
			return ReadResult{status: MVReadResultDependency, ver: Version{TxIndex: i, Incarnation: c.incarnation}}
		}
		return ReadResult{
			status: MVReadResultDone,
			ver:    Version{TxIndex: i, Incarnation: c.incarnation},
			val:    c.val,
		}
	}
	return ReadResult{status: MVReadResultNone, ver: InvalidVersion}
}

// ApplyWrites publishes cur for ver, removes keys the previous incarnation
// wrote but this one does not, and reports whether any location is new
// compared to prev (newly written locations force revalidation of the
// suffix).
func (mv *VersionMap) ApplyWrites(ver Version, prev, cur VersionedWrites) bool {
	for i := range cur {
		mv.Write(cur[i].Path, ver, cur[i].Val)
	}
	if len(prev) > 0 {
		curSet := make(map[VersionKey]struct{}, len(cur))
		for i := range cur {
			curSet[cur[i].Path] = struct{}{}
		}
		for i := range prev {
			if _, ok := curSet[prev[i].Path]; !ok {
				mv.Delete(prev[i].Path, ver.TxIndex)
			}
		}
	}
	return cur.HasNewWrite(prev)
}

// MarkEstimates is the abort path of ApplyWrites: the whole write set of the
// aborted incarnation becomes estimates at once.
func (mv *VersionMap) MarkEstimates(writes VersionedWrites, txIdx int) {
	for i := range writes {
		mv.MarkEstimate(writes[i].Path, txIdx)
	}
}

// Snapshot walks the final materialized value of every key as written by the
// first limit committed transactions. A surviving estimate below the limit is
// a scheduler bug.
func (mv *VersionMap) Snapshot(limit int, apply func(k VersionKey, v []byte)) {
	mv.data.Range(func(k VersionKey, _ *keyCells) bool {
		res := mv.Read(k, limit)
		switch res.Status() {
		case MVReadResultDone:
			apply(k, res.Value())
		case MVReadResultDependency:
			panic(InvariantError{Msg: fmt.Sprintf("estimate for %q survived block completion (txn %d)", k, res.DepIdx())})
		}
		return true
	})
}
