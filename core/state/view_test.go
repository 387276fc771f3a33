package state

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type mapStateView map[VersionKey][]byte

func (m mapStateView) Get(k VersionKey) ([]byte, error) { return m[k], nil }

func TestTxnViewRecordsReads(t *testing.T) {
	mv := NewVersionMap(10)
	dfs := NewDelayedFieldStore(10, nil)
	base := mapStateView{"b": []byte("base")}
	mv.Write("a", Version{TxIndex: 1, Incarnation: 0}, []byte("v"))

	view := NewTxnView(mv, dfs, base, 3, 0, false)

	v, err := view.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	v, err = view.Get("b")
	require.NoError(t, err)
	require.Equal(t, []byte("base"), v)

	// re-reads do not duplicate entries
	_, err = view.Get("a")
	require.NoError(t, err)

	reads := view.ReadSet()
	require.Len(t, reads, 2)
	require.Equal(t, ReadKindMap, reads[0].Kind)
	require.Equal(t, Version{TxIndex: 1, Incarnation: 0}, reads[0].V)
	require.Equal(t, ReadKindStorage, reads[1].Kind)
	require.Equal(t, -1, view.BlockingIndex())
}

func TestTxnViewDependency(t *testing.T) {
	mv := NewVersionMap(10)
	dfs := NewDelayedFieldStore(10, nil)
	mv.Write("a", Version{TxIndex: 1, Incarnation: 0}, []byte("v"))
	mv.MarkEstimate("a", 1)

	view := NewTxnView(mv, dfs, mapStateView{}, 3, 0, false)
	_, err := view.Get("a")
	var dep DependencyError
	require.ErrorAs(t, err, &dep)
	require.Equal(t, 1, dep.TxIndex)
	require.Equal(t, 1, view.BlockingIndex())
}

func TestTxnViewBackupNeverBlocks(t *testing.T) {
	mv := NewVersionMap(10)
	dfs := NewDelayedFieldStore(10, nil)
	mv.Write("a", Version{TxIndex: 1, Incarnation: 0}, []byte("v"))
	mv.MarkEstimate("a", 1)

	view := NewTxnView(mv, dfs, mapStateView{}, 3, 0, true)
	_, err := view.Get("a")
	var spec SpeculativeError
	require.ErrorAs(t, err, &spec)
}

func TestTxnViewDelayedReads(t *testing.T) {
	mv := NewVersionMap(10)
	dfs := NewDelayedFieldStore(10, nil)
	apply(dfs, 0, create(1, 100, 1000))

	view := NewTxnView(mv, dfs, mapStateView{}, 3, 0, false)
	v, err := view.ReadDelayedValue(1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), v.Uint64())

	drs := view.DelayedReads()
	require.Len(t, drs, 1)
	require.Equal(t, DelayedFieldID(1), drs[0].ID)
	require.Equal(t, uint64(100), drs[0].Value.Uint64())

	// bound probes record their outcome, not a value read
	ok, err := view.TryAddDelta(1, uint256.NewInt(1000), DeltaOp{}, AddDelta(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, view.DelayedReads(), 1)
	probes := view.DelayedProbes()
	require.Len(t, probes, 1)
	require.True(t, probes[0].Accepted)
}

type countingView struct {
	base  StateView
	calls int
}

func (c *countingView) Get(k VersionKey) ([]byte, error) {
	c.calls++
	return c.base.Get(k)
}

func TestCachedStateView(t *testing.T) {
	inner := &countingView{base: mapStateView{"a": []byte("v")}}
	cached, err := NewCachedStateView(inner, 16)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		v, err := cached.Get("a")
		require.NoError(t, err)
		require.Equal(t, []byte("v"), v)
	}
	require.Equal(t, 1, inner.calls)

	// misses are cached too
	for i := 0; i < 5; i++ {
		_, err := cached.Get("missing")
		require.NoError(t, err)
	}
	require.Equal(t, 2, inner.calls)
}
