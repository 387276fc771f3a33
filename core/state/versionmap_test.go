package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionMapReadFindsNearestWriteBelow(t *testing.T) {
	mv := NewVersionMap(10)
	mv.Write("a", Version{TxIndex: 2, Incarnation: 0}, []byte("v2"))
	mv.Write("a", Version{TxIndex: 5, Incarnation: 0}, []byte("v5"))

	res := mv.Read("a", 7)
	require.Equal(t, MVReadResultDone, res.Status())
	require.Equal(t, Version{TxIndex: 5, Incarnation: 0}, res.Version())
	require.Equal(t, []byte("v5"), res.Value())

	res = mv.Read("a", 4)
	require.Equal(t, MVReadResultDone, res.Status())
	require.Equal(t, 2, res.Version().TxIndex)

	// a reader never sees its own index or anything above it
	res = mv.Read("a", 2)
	require.Equal(t, MVReadResultNone, res.Status())

	res = mv.Read("missing", 7)
	require.Equal(t, MVReadResultNone, res.Status())
}

func TestVersionMapEstimateBlocksReaders(t *testing.T) {
	mv := NewVersionMap(10)
	mv.Write("a", Version{TxIndex: 3, Incarnation: 0}, []byte("v"))
	mv.MarkEstimate("a", 3)

	res := mv.Read("a", 6)
	require.Equal(t, MVReadResultDependency, res.Status())
	require.Equal(t, 3, res.DepIdx())

	// a later incarnation's write clears the estimate
	mv.Write("a", Version{TxIndex: 3, Incarnation: 1}, []byte("v'"))
	res = mv.Read("a", 6)
	require.Equal(t, MVReadResultDone, res.Status())
	require.Equal(t, Version{TxIndex: 3, Incarnation: 1}, res.Version())
}

func TestVersionMapStaleWritePanics(t *testing.T) {
	mv := NewVersionMap(10)
	mv.Write("a", Version{TxIndex: 3, Incarnation: 2}, []byte("new"))
	require.Panics(t, func() {
		mv.Write("a", Version{TxIndex: 3, Incarnation: 1}, []byte("stale"))
	})
}

func TestVersionMapMarkEstimateUnwrittenPanics(t *testing.T) {
	mv := NewVersionMap(10)
	mv.Write("a", Version{TxIndex: 1, Incarnation: 0}, []byte("v"))
	require.Panics(t, func() { mv.MarkEstimate("a", 2) })
}

func TestVersionMapApplyWrites(t *testing.T) {
	mv := NewVersionMap(10)
	ver := Version{TxIndex: 4, Incarnation: 0}
	prev := VersionedWrites{{Path: "a", Val: []byte("1")}, {Path: "b", Val: []byte("2")}}
	wroteNew := mv.ApplyWrites(ver, nil, prev)
	require.True(t, wroteNew)

	// the re-run keeps b, drops a, adds c
	ver.Incarnation = 1
	cur := VersionedWrites{{Path: "b", Val: []byte("2'")}, {Path: "c", Val: []byte("3")}}
	wroteNew = mv.ApplyWrites(ver, prev, cur)
	require.True(t, wroteNew)

	require.Equal(t, MVReadResultNone, mv.Read("a", 9).Status())
	require.Equal(t, []byte("2'"), mv.Read("b", 9).Value())
	require.Equal(t, []byte("3"), mv.Read("c", 9).Value())

	// identical write set is not news
	ver.Incarnation = 2
	wroteNew = mv.ApplyWrites(ver, cur, cur)
	require.False(t, wroteNew)
}

func TestVersionMapSnapshotHonorsLimit(t *testing.T) {
	mv := NewVersionMap(10)
	mv.Write("a", Version{TxIndex: 1, Incarnation: 0}, []byte("lo"))
	mv.Write("a", Version{TxIndex: 7, Incarnation: 0}, []byte("hi"))
	mv.Write("b", Version{TxIndex: 8, Incarnation: 0}, []byte("late"))
	// a halted block leaves estimates above the commit frontier
	mv.MarkEstimate("b", 8)

	got := map[VersionKey][]byte{}
	mv.Snapshot(5, func(k VersionKey, v []byte) { got[k] = v })
	require.Equal(t, map[VersionKey][]byte{"a": []byte("lo")}, got)
}

func TestVersionMapSnapshotPanicsOnSurvivingEstimate(t *testing.T) {
	mv := NewVersionMap(10)
	mv.Write("a", Version{TxIndex: 2, Incarnation: 0}, []byte("v"))
	mv.MarkEstimate("a", 2)
	require.Panics(t, func() {
		mv.Snapshot(10, func(VersionKey, []byte) {})
	})
}

func TestVersionMapDelete(t *testing.T) {
	mv := NewVersionMap(10)
	mv.Write("a", Version{TxIndex: 2, Incarnation: 0}, []byte("v"))
	mv.Delete("a", 2)
	require.Equal(t, MVReadResultNone, mv.Read("a", 9).Status())
	mv.Delete("never-written", 2)
}
