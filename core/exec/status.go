package exec

import (
	"github.com/RoaringBitmap/roaring/v2"
)

type TaskKind uint8

const (
	TaskKindExecute TaskKind = iota
	TaskKindValidate
)

// Task is one unit of scheduler work: run an incarnation or re-derive its
// read set. Backup marks a redundant run racing the original for the same
// version. gen stamps validation tasks with the suffix-revalidation
// generation they were issued under: a verdict computed against a state that
// has since been invalidated must not count.
type Task struct {
	Kind        TaskKind
	TxIndex     int
	Incarnation int
	Backup      bool
	gen         int
}

type txnStatus uint8

const (
	statusReadyToExecute txnStatus = iota
	statusExecuting
	statusSuspended // parked behind a lower transaction's estimate
	statusExecuted
	statusAborting
	statusCommitted
)

// taskSet tracks one task family (executions or validations) across the
// block: which indices still need doing, which are being done, and which are
// done. All access is under the scheduler's lock, so plain bitmaps suffice.
type taskSet struct {
	pending    *roaring.Bitmap
	inProgress *roaring.Bitmap
	complete   *roaring.Bitmap
}

func newTaskSet() taskSet {
	return taskSet{
		pending:    roaring.New(),
		inProgress: roaring.New(),
		complete:   roaring.New(),
	}
}

func (ts *taskSet) pushPending(i int) { ts.pending.Add(uint32(i)) }

// minPending is the lowest pending index, or -1.
func (ts *taskSet) minPending() int {
	if ts.pending.IsEmpty() {
		return -1
	}
	return int(ts.pending.Minimum())
}

// takeNextPending claims the lowest pending index, or -1.
func (ts *taskSet) takeNextPending() int {
	if ts.pending.IsEmpty() {
		return -1
	}
	i := ts.pending.Minimum()
	ts.pending.Remove(i)
	ts.inProgress.Add(i)
	return int(i)
}

func (ts *taskSet) markComplete(i int) {
	ts.inProgress.Remove(uint32(i))
	ts.complete.Add(uint32(i))
}

func (ts *taskSet) clearInProgress(i int) { ts.inProgress.Remove(uint32(i)) }
func (ts *taskSet) clearComplete(i int)   { ts.complete.Remove(uint32(i)) }
func (ts *taskSet) clearPending(i int)    { ts.pending.Remove(uint32(i)) }

func (ts *taskSet) isComplete(i int) bool { return ts.complete.Contains(uint32(i)) }

// revalidateSuffix moves every completed or in-flight index in [from, n)
// back to pending. In-flight tasks are re-queued because their verdicts are
// about to be discarded.
func (ts *taskSet) revalidateSuffix(from, n int) {
	if from >= n {
		return
	}
	suffix := roaring.New()
	suffix.AddRange(uint64(from), uint64(n))

	done := suffix.Clone()
	done.And(ts.complete)
	ts.complete.AndNot(done)
	ts.pending.Or(done)

	inflight := suffix.Clone()
	inflight.And(ts.inProgress)
	ts.inProgress.AndNot(inflight)
	ts.pending.Or(inflight)
}
