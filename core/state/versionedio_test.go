package state

import (
	"testing"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestHasNewWrite(t *testing.T) {
	a := VersionedWrites{{Path: "x"}, {Path: "y"}}
	b := VersionedWrites{{Path: "x"}}

	require.True(t, a.HasNewWrite(b))
	require.False(t, b.HasNewWrite(a))
	require.False(t, VersionedWrites{}.HasNewWrite(a))
	require.True(t, a.HasNewWrite(nil))
	require.False(t, a.HasNewWrite(a))
}

func TestWriteSummaryOrderIndependent(t *testing.T) {
	a := VersionedWrites{{Path: "x"}, {Path: "y"}, {Path: "z"}}
	b := VersionedWrites{{Path: "z"}, {Path: "x"}, {Path: "y"}}
	require.Equal(t, a.Summary(), b.Summary())
	require.Nil(t, VersionedWrites{}.Summary())
}

func TestValidateVersion(t *testing.T) {
	mv := NewVersionMap(10)
	dfs := NewDelayedFieldStore(10, nil)
	io := NewVersionedIO(10)

	mv.Write("a", Version{TxIndex: 1, Incarnation: 0}, []byte("v"))

	// txn 3 read a from txn 1 and b from storage
	io.RecordRead(3, VersionedReads{
		{Path: "a", Kind: ReadKindMap, V: Version{TxIndex: 1, Incarnation: 0}},
		{Path: "b", Kind: ReadKindStorage, V: InvalidVersion},
	})
	require.True(t, ValidateVersion(3, io, mv, dfs))

	// txn 2 writes b in between: the storage read is stale
	mv.Write("b", Version{TxIndex: 2, Incarnation: 0}, []byte("w"))
	require.False(t, ValidateVersion(3, io, mv, dfs))
	mv.Delete("b", 2)
	require.True(t, ValidateVersion(3, io, mv, dfs))

	// txn 1 re-ran under a new incarnation: the version is stale
	mv.Write("a", Version{TxIndex: 1, Incarnation: 1}, []byte("v'"))
	require.False(t, ValidateVersion(3, io, mv, dfs))
	io.RecordRead(3, VersionedReads{
		{Path: "a", Kind: ReadKindMap, V: Version{TxIndex: 1, Incarnation: 1}},
	})
	require.True(t, ValidateVersion(3, io, mv, dfs))

	// an estimate under the read set invalidates outright
	mv.MarkEstimate("a", 1)
	require.False(t, ValidateVersion(3, io, mv, dfs))
}

func TestValidateVersionDelayedReads(t *testing.T) {
	mv := NewVersionMap(10)
	dfs := NewDelayedFieldStore(10, nil)
	io := NewVersionedIO(10)

	apply(dfs, 0, create(1, 100, 1000))
	io.RecordDelayedReads(3, []DelayedRead{{ID: 1, Value: *mustRead(t, dfs, 1, 3)}})
	require.True(t, ValidateVersion(3, io, mv, dfs))

	// a delta from another transaction changes the resolved value
	apply(dfs, 1, addDelta(1, AddDelta(5)))
	require.False(t, ValidateVersion(3, io, mv, dfs))

	// identical value from a different writer still validates: delayed reads
	// compare values, not versions
	dfs.Delete(1, 1)
	apply(dfs, 2, addDelta(1, AddDelta(0)))
	require.True(t, ValidateVersion(3, io, mv, dfs))
}

func TestValidateVersionDelayedProbes(t *testing.T) {
	mv := NewVersionMap(10)
	dfs := NewDelayedFieldStore(10, nil)
	io := NewVersionedIO(10)

	apply(dfs, 0, create(1, 100, 1000))

	// txn 3 probed +10 against a bound of 120 and was accepted
	io.RecordDelayedProbes(3, []DelayedProbe{{
		ID:       1,
		Max:      *uint256.NewInt(120),
		Delta:    AddDelta(10),
		Accepted: true,
	}})
	require.True(t, ValidateVersion(3, io, mv, dfs))

	// txn 1 pushes the field to the bound: the probe outcome flips
	apply(dfs, 1, addDelta(1, AddDelta(20)))
	require.False(t, ValidateVersion(3, io, mv, dfs))
}

func TestHasReadDep(t *testing.T) {
	writes := VersionedWrites{{Path: "a"}, {Path: "b"}}
	require.True(t, HasReadDep(writes, VersionedReads{{Path: "b"}}))
	require.False(t, HasReadDep(writes, VersionedReads{{Path: "c"}}))
}

func TestBuildDAG(t *testing.T) {
	io := NewVersionedIO(3)
	io.RecordWrite(0, VersionedWrites{{Path: "a"}})
	io.RecordRead(1, VersionedReads{{Path: "a", Kind: ReadKindMap, V: Version{TxIndex: 0}}})
	io.RecordWrite(1, VersionedWrites{{Path: "b"}})
	io.RecordRead(2, VersionedReads{{Path: "b", Kind: ReadKindMap, V: Version{TxIndex: 1}}})

	d := BuildDAG(io, log.New())
	require.Equal(t, 3, d.GetOrder())
	require.Equal(t, 2, d.GetSize())
}

func mustRead(t *testing.T, dfs *DelayedFieldStore, id DelayedFieldID, readerIdx int) *uint256.Int {
	t.Helper()
	v, err := dfs.ReadValue(id, readerIdx)
	require.NoError(t, err)
	return v
}
