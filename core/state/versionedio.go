package state

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/heimdalr/dag"
	"github.com/holiman/uint256"
)

const (
	ReadKindMap     = 0
	ReadKindStorage = 1
)

type VersionedRead struct {
	Path VersionKey
	Kind int
	V    Version
}

type VersionedWrite struct {
	Path VersionKey
	Val  []byte // nil deletes the key
}

type VersionedReads []VersionedRead
type VersionedWrites []VersionedWrite

// DelayedRead records what a transaction observed from a delayed field.
// Validation compares resolved values, not versions: two commutative deltas
// to the same field must not invalidate each other.
type DelayedRead struct {
	ID       DelayedFieldID
	Value    uint256.Int
	Snapshot bool
}

// DelayedProbe records a bound check against a delayed field. Only the
// accept/reject outcome is validated, not the exact value underneath, so
// commutative updates keep commuting as long as they stay in range.
type DelayedProbe struct {
	ID        DelayedFieldID
	Max       uint256.Int
	BaseDelta DeltaOp
	Delta     DeltaOp
	Accepted  bool
}

// HasNewWrite reports whether the current write set touches a location the
// compared set does not. Used to decide if the suffix needs revalidation.
func (txo VersionedWrites) HasNewWrite(cmpSet VersionedWrites) bool {
	if len(txo) == 0 {
		return false
	}
	if len(cmpSet) == 0 || len(txo) > len(cmpSet) {
		return true
	}
	cmpMap := make(map[VersionKey]struct{}, len(cmpSet))
	for i := range cmpSet {
		cmpMap[cmpSet[i].Path] = struct{}{}
	}
	for i := range txo {
		if _, ok := cmpMap[txo[i].Path]; !ok {
			return true
		}
	}
	return false
}

// Summary fingerprints the written locations for cheap conflict detection
// across blocks. Sorted so equal sets compare equal.
func (txo VersionedWrites) Summary() []uint64 {
	if len(txo) == 0 {
		return nil
	}
	sum := make([]uint64, len(txo))
	for i := range txo {
		sum[i] = xxhash.Sum64String(string(txo[i].Path))
	}
	sort.Slice(sum, func(i, j int) bool { return sum[i] < sum[j] })
	return sum
}

// VersionedIO stores the inputs and outputs of the last incarnation of every
// transaction in the block. Slots are written by the single worker that
// claimed the incarnation and read by validators after the scheduler
// published the execution, so no extra locking is needed here.
type VersionedIO struct {
	inputs        []VersionedReads
	delayedInputs [][]DelayedRead
	probes        [][]DelayedProbe
	outputs       []VersionedWrites
}

func NewVersionedIO(numTx int) *VersionedIO {
	return &VersionedIO{
		inputs:        make([]VersionedReads, numTx),
		delayedInputs: make([][]DelayedRead, numTx),
		probes:        make([][]DelayedProbe, numTx),
		outputs:       make([]VersionedWrites, numTx),
	}
}

func (io *VersionedIO) ReadSet(txIdx int) VersionedReads         { return io.inputs[txIdx] }
func (io *VersionedIO) DelayedReadSet(txIdx int) []DelayedRead   { return io.delayedInputs[txIdx] }
func (io *VersionedIO) DelayedProbeSet(txIdx int) []DelayedProbe { return io.probes[txIdx] }
func (io *VersionedIO) WriteSet(txIdx int) VersionedWrites       { return io.outputs[txIdx] }

func (io *VersionedIO) RecordRead(txIdx int, input VersionedReads) {
	io.inputs[txIdx] = input
}

func (io *VersionedIO) RecordDelayedReads(txIdx int, input []DelayedRead) {
	io.delayedInputs[txIdx] = input
}

func (io *VersionedIO) RecordDelayedProbes(txIdx int, probes []DelayedProbe) {
	io.probes[txIdx] = probes
}

func (io *VersionedIO) RecordWrite(txIdx int, output VersionedWrites) {
	io.outputs[txIdx] = output
}

// ValidateVersion re-derives txIdx's recorded read set against the current
// store state and reports whether it diverged. Any divergence - a dependency
// where a value used to be, a read that flipped between map and storage, a
// different version, a delayed field resolving to a different value - makes
// the incarnation invalid.
func ValidateVersion(txIdx int, io *VersionedIO, mv *VersionMap, dfs *DelayedFieldStore) bool {
	for _, rd := range io.ReadSet(txIdx) {
		res := mv.Read(rd.Path, txIdx)
		switch res.Status() {
		case MVReadResultDependency:
			return false
		case MVReadResultDone:
			if rd.Kind != ReadKindMap || rd.V != res.Version() {
				return false
			}
		case MVReadResultNone:
			if rd.Kind != ReadKindStorage {
				return false
			}
		}
	}
	for _, dr := range io.DelayedReadSet(txIdx) {
		var cur *uint256.Int
		var err error
		if dr.Snapshot {
			cur, err = dfs.ReadSnapshot(dr.ID, txIdx)
		} else {
			cur, err = dfs.ReadValue(dr.ID, txIdx)
		}
		if err != nil || !cur.Eq(&dr.Value) {
			return false
		}
	}
	for i := range io.DelayedProbeSet(txIdx) {
		p := &io.probes[txIdx][i]
		ok, err := dfs.TryAddDelta(p.ID, &p.Max, p.BaseDelta, p.Delta, txIdx)
		if err != nil || ok != p.Accepted {
			return false
		}
	}
	return true
}

// HasReadDep reports whether a later transaction's reads intersect an earlier
// transaction's writes.
func HasReadDep(txFrom VersionedWrites, txTo VersionedReads) bool {
	reads := make(map[VersionKey]struct{}, len(txTo))
	for i := range txTo {
		reads[txTo[i].Path] = struct{}{}
	}
	for i := range txFrom {
		if _, ok := reads[txFrom[i].Path]; ok {
			return true
		}
	}
	return false
}

type DAG struct {
	*dag.DAG
}

// BuildDAG derives the transaction dependency graph from the committed
// read/write sets. Profiling output: callers use it to replay or pre-schedule
// the same block without speculation.
func BuildDAG(io *VersionedIO, logger log.Logger) (d DAG) {
	d = DAG{dag.NewDAG()}
	ids := make(map[int]string)

	vertex := func(i int) string {
		id, ok := ids[i]
		if !ok {
			id, _ = d.AddVertex(i)
			ids[i] = id
		}
		return id
	}

	for i := len(io.inputs) - 1; i > 0; i-- {
		txTo := io.inputs[i]
		for j := i - 1; j >= 0; j-- {
			if !HasReadDep(io.outputs[j], txTo) {
				continue
			}
			if err := d.AddEdge(vertex(j), vertex(i)); err != nil {
				logger.Warn("failed to add dependency edge", "from", j, "to", i, "err", err)
			}
		}
	}
	return d
}
