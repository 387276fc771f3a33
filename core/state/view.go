package state

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
)

// TxnView is the read surface handed to one incarnation of one transaction.
// It resolves reads against the multi-version stores first and base storage
// second, records every observation for later validation, and converts
// estimates into dependency signals. Owned by a single worker, never shared.
type TxnView struct {
	mv   *VersionMap
	dfs  *DelayedFieldStore
	base StateView

	txIndex     int
	incarnation int
	backup      bool

	reads        VersionedReads
	seen         map[VersionKey]struct{}
	delayedReads []DelayedRead
	probes       []DelayedProbe

	dep int
}

func NewTxnView(mv *VersionMap, dfs *DelayedFieldStore, base StateView, txIndex, incarnation int, backup bool) *TxnView {
	return &TxnView{
		mv:          mv,
		dfs:         dfs,
		base:        base,
		txIndex:     txIndex,
		incarnation: incarnation,
		backup:      backup,
		seen:        map[VersionKey]struct{}{},
		dep:         -1,
	}
}

func (v *TxnView) TxIndex() int     { return v.txIndex }
func (v *TxnView) Incarnation() int { return v.incarnation }

// BlockingIndex is the transaction this incarnation got stuck behind, or -1.
func (v *TxnView) BlockingIndex() int { return v.dep }

func (v *TxnView) ReadSet() VersionedReads       { return v.reads }
func (v *TxnView) DelayedReads() []DelayedRead   { return v.delayedReads }
func (v *TxnView) DelayedProbes() []DelayedProbe { return v.probes }

// Get reads one key as of this transaction's position in the block.
func (v *TxnView) Get(k VersionKey) ([]byte, error) {
	res := v.mv.Read(k, v.txIndex)
	switch res.Status() {
	case MVReadResultDone:
		v.recordRead(VersionedRead{Path: k, Kind: ReadKindMap, V: res.Version()})
		return res.Value(), nil
	case MVReadResultDependency:
		return nil, v.blockOn(res.DepIdx())
	}
	val, err := v.base.Get(k)
	if err != nil {
		return nil, err
	}
	v.recordRead(VersionedRead{Path: k, Kind: ReadKindStorage, V: InvalidVersion})
	return val, nil
}

// ReadDelayedValue materializes a delayed field as of this transaction.
func (v *TxnView) ReadDelayedValue(id DelayedFieldID) (*uint256.Int, error) {
	val, err := v.dfs.ReadValue(id, v.txIndex)
	if err != nil {
		return nil, v.liftDelayedErr(err)
	}
	v.delayedReads = append(v.delayedReads, DelayedRead{ID: id, Value: *val})
	return val, nil
}

// ReadDelayedSnapshot resolves a snapshot field, recursively resolving its
// base aggregator.
func (v *TxnView) ReadDelayedSnapshot(id DelayedFieldID) (*uint256.Int, error) {
	val, err := v.dfs.ReadSnapshot(id, v.txIndex)
	if err != nil {
		return nil, v.liftDelayedErr(err)
	}
	v.delayedReads = append(v.delayedReads, DelayedRead{ID: id, Value: *val, Snapshot: true})
	return val, nil
}

// TryAddDelta checks a commutative update against the field's bound. Only
// the accept/reject outcome is captured for validation, never the exact value
// underneath, so concurrent deltas to the same field keep commuting.
func (v *TxnView) TryAddDelta(id DelayedFieldID, max *uint256.Int, baseDelta, delta DeltaOp) (bool, error) {
	ok, err := v.dfs.TryAddDelta(id, max, baseDelta, delta, v.txIndex)
	if err != nil {
		return false, v.liftDelayedErr(err)
	}
	v.probes = append(v.probes, DelayedProbe{
		ID:        id,
		Max:       *max,
		BaseDelta: baseDelta,
		Delta:     delta,
		Accepted:  ok,
	})
	return ok, nil
}

func (v *TxnView) recordRead(rd VersionedRead) {
	// keep the first observation: re-reading the same key must not flip a
	// storage read into a map read mid-incarnation
	if _, ok := v.seen[rd.Path]; ok {
		return
	}
	v.seen[rd.Path] = struct{}{}
	v.reads = append(v.reads, rd)
}

func (v *TxnView) blockOn(depIdx int) error {
	v.dep = depIdx
	if v.backup {
		// backup runs never park: they are strictly read-only passengers and
		// get discarded instead of suspending the pool
		return SpeculativeError{Msg: fmt.Sprintf("backup run blocked on txn %d", depIdx)}
	}
	return DependencyError{TxIndex: depIdx}
}

func (v *TxnView) liftDelayedErr(err error) error {
	var dep DependencyError
	if errors.As(err, &dep) {
		return v.blockOn(dep.TxIndex)
	}
	return err
}

// CachedStateView memoizes base storage reads, including misses, behind an
// lru. Shared by all workers; the underlying view must be safe for concurrent
// use (or wrapped by the caller).
type CachedStateView struct {
	base  StateView
	cache *lru.Cache[VersionKey, []byte]
}

func NewCachedStateView(base StateView, size int) (*CachedStateView, error) {
	cache, err := lru.New[VersionKey, []byte](size)
	if err != nil {
		return nil, err
	}
	return &CachedStateView{base: base, cache: cache}, nil
}

func (c *CachedStateView) Get(k VersionKey) ([]byte, error) {
	if v, ok := c.cache.Get(k); ok {
		return v, nil
	}
	v, err := c.base.Get(k)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, v)
	return v, nil
}
