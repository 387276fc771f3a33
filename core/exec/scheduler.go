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

package exec

import (
	"fmt"
	"sync"

	"github.com/erigontech/blockstm/core/state"
)

type depWaiter struct {
	txIndex  int
	workerID int // -1 when no worker is parked on it
}

// pokeTask is a content-free baton: it tells an idle parked worker that the
// pending queues changed and it should ask the scheduler again.
var pokeTask = &Task{TxIndex: -1}

// scheduler is the block's single source of truth for what runs next. All
// state sits behind one mutex: every operation is a handful of bitmap and
// slice updates, so fine-grained locking buys nothing here while a single
// lock makes the cross-field invariants (status vs task sets vs commit
// frontier) trivial to maintain.
type scheduler struct {
	mu sync.Mutex

	blockLen int
	garage   *ThreadGarage

	status       []txnStatus
	incarnations []int // current incarnation per index, bumped on abort
	claimed      []int // highest incarnation whose finish was claimed, -1 initially
	backupIssued []int // highest incarnation a backup was issued for, -1 initially
	valGen       []int // bumped whenever the index must be revalidated, stale verdicts are ignored

	execTasks     taskSet
	validateTasks taskSet

	// dependents[b] lists transactions suspended on b's estimate, resumed
	// when b publishes its next execution.
	dependents map[int][]depWaiter

	commitFrontier int // everything below is committed
	halted         bool
}

func newScheduler(blockLen int, garage *ThreadGarage) *scheduler {
	s := &scheduler{
		blockLen:      blockLen,
		garage:        garage,
		status:        make([]txnStatus, blockLen),
		incarnations:  make([]int, blockLen),
		claimed:       make([]int, blockLen),
		backupIssued:  make([]int, blockLen),
		valGen:        make([]int, blockLen),
		execTasks:     newTaskSet(),
		validateTasks: newTaskSet(),
		dependents:    make(map[int][]depWaiter),
	}
	for i := 0; i < blockLen; i++ {
		s.claimed[i] = -1
		s.backupIssued[i] = -1
		s.execTasks.pushPending(i)
	}
	return s
}

// NextTask hands out the lowest-index pending work, preferring a validation
// over an execution at the same or higher index: validations are cheap and
// unblock commits.
func (s *scheduler) NextTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return nil
	}
	for {
		ev := s.execTasks.minPending()
		vv := s.validateTasks.minPending()
		if vv >= 0 && (ev < 0 || vv <= ev) {
			idx := s.validateTasks.takeNextPending()
			if s.status[idx] != statusExecuted {
				// stale validation of an aborted or re-running incarnation
				s.validateTasks.clearInProgress(idx)
				continue
			}
			return &Task{Kind: TaskKindValidate, TxIndex: idx, Incarnation: s.incarnations[idx], gen: s.valGen[idx]}
		}
		if ev < 0 {
			return nil
		}
		idx := s.execTasks.takeNextPending()
		if s.status[idx] != statusReadyToExecute {
			s.execTasks.clearInProgress(idx)
			continue
		}
		s.status[idx] = statusExecuting
		return &Task{Kind: TaskKindExecute, TxIndex: idx, Incarnation: s.incarnations[idx]}
	}
}

type depResult uint8

const (
	// depSuspended: the caller parks and is resumed with its baton.
	depSuspended depResult = iota
	// depStale: the caller's incarnation was already published or superseded
	// (a backup got there first); its run is redundant and must be dropped.
	depStale
	// depResolved: the blocker published while the caller was unwinding; the
	// caller retries the same incarnation immediately.
	depResolved
)

// AddDependency suspends txIdx behind blocking. The caller must still own a
// live, unpublished incarnation: a backup may have claimed and published it
// while the original was unwinding from the estimate hit, and suspending a
// published transaction would silently drop its queued validation.
func (s *scheduler) AddDependency(txIdx, incarnation, blocking, workerID int) depResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blocking >= txIdx {
		panic(state.InvariantError{Msg: fmt.Sprintf("txn %d claims dependency on later txn %d", txIdx, blocking)})
	}
	if s.status[txIdx] != statusExecuting || s.claimed[txIdx] >= incarnation {
		return depStale
	}
	if s.status[blocking] == statusExecuted || s.status[blocking] == statusCommitted {
		return depResolved
	}
	s.status[txIdx] = statusSuspended
	s.execTasks.clearInProgress(txIdx)
	s.dependents[blocking] = append(s.dependents[blocking], depWaiter{txIndex: txIdx, workerID: workerID})
	return depSuspended
}

// ClaimFinish arbitrates between an original run and its backup: exactly one
// caller per (index, incarnation) gets to publish. A false return means the
// caller's output is redundant and must be discarded unpublished.
func (s *scheduler) ClaimFinish(ver state.Version) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incarnations[ver.TxIndex] != ver.Incarnation {
		return false // aborted while running
	}
	if s.claimed[ver.TxIndex] >= ver.Incarnation {
		return false
	}
	s.claimed[ver.TxIndex] = ver.Incarnation
	return true
}

// FinishExecution publishes an execution: schedules its validation,
// invalidates downstream validations when the write set grew, and resumes
// everything suspended on this transaction. Suspended runs keep their
// incarnation number, it never completed.
func (s *scheduler) FinishExecution(txIdx int, wroteNew bool) {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	s.status[txIdx] = statusExecuted
	s.execTasks.markComplete(txIdx)
	s.validateTasks.clearComplete(txIdx)
	s.validateTasks.pushPending(txIdx)
	if wroteNew {
		s.revalidateFromLocked(txIdx + 1)
	}

	waiters := s.dependents[txIdx]
	delete(s.dependents, txIdx)

	type wake struct {
		workerID int
		task     *Task
	}
	var wakes []wake
	for _, w := range waiters {
		if s.status[w.txIndex] != statusSuspended {
			continue
		}
		mxExecTriggers.Inc()
		t := &Task{Kind: TaskKindExecute, TxIndex: w.txIndex, Incarnation: s.incarnations[w.txIndex]}
		if w.workerID >= 0 {
			s.status[w.txIndex] = statusExecuting
			wakes = append(wakes, wake{workerID: w.workerID, task: t})
		} else {
			s.status[w.txIndex] = statusReadyToExecute
			s.execTasks.pushPending(w.txIndex)
		}
	}
	s.mu.Unlock()

	// channel sends happen outside the lock
	for _, w := range wakes {
		if !s.garage.Wake(w.workerID, w.task) {
			s.requeueExecute(w.task.TxIndex, w.task.Incarnation)
		}
	}
	s.garage.WakeAny(pokeTask)
}

// requeueExecute returns an incarnation the caller no longer runs to the
// pending queue. The guards keep it from resurrecting a superseded or already
// claimed incarnation.
func (s *scheduler) requeueExecute(txIdx, incarnation int) {
	s.mu.Lock()
	if s.incarnations[txIdx] == incarnation && s.claimed[txIdx] < incarnation && s.status[txIdx] == statusExecuting {
		s.status[txIdx] = statusReadyToExecute
		s.execTasks.pushPending(txIdx)
	}
	s.mu.Unlock()
	s.garage.WakeAny(pokeTask)
}

// revalidateFromLocked discards every validation verdict, settled or still in
// flight, for indices at or above from and queues them again. Callers hold
// the lock.
func (s *scheduler) revalidateFromLocked(from int) {
	if from >= s.blockLen {
		return
	}
	for i := from; i < s.blockLen; i++ {
		s.valGen[i]++
	}
	s.validateTasks.revalidateSuffix(from, s.blockLen)
}

// TryValidationAbort claims the right to abort an incarnation that failed
// validation. Stale failures (the incarnation already re-ran, or the verdict
// predates a suffix revalidation) return false. A committed transaction
// failing a current validation means the commit rule was violated, which is
// unrecoverable.
func (s *scheduler) TryValidationAbort(txIdx, incarnation, gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incarnations[txIdx] != incarnation || s.valGen[txIdx] != gen {
		return false
	}
	if s.status[txIdx] == statusCommitted {
		panic(state.InvariantError{Msg: fmt.Sprintf("committed txn %d failed validation", txIdx)})
	}
	if s.status[txIdx] != statusExecuted {
		return false
	}
	s.status[txIdx] = statusAborting
	return true
}

// FinishAbort re-queues an aborted transaction under its next incarnation
// and forces revalidation of everything above it: readers of the old write
// set hold stale data even if their verdicts already landed or are being
// computed right now.
func (s *scheduler) FinishAbort(txIdx int) {
	s.mu.Lock()
	mxExecRepeats.Inc()
	s.incarnations[txIdx]++
	s.status[txIdx] = statusReadyToExecute
	s.execTasks.clearComplete(txIdx)
	s.execTasks.pushPending(txIdx)
	s.validateTasks.clearPending(txIdx)
	s.validateTasks.clearComplete(txIdx)
	s.revalidateFromLocked(txIdx + 1)
	s.mu.Unlock()
	s.garage.WakeAny(pokeTask)
}

// FinishValidation records a validation outcome and returns the indices that
// became committable, in order. Verdicts from a superseded incarnation or an
// older revalidation generation are dropped. An index commits only once both
// its execution and its validation are complete along the whole prefix; at
// that point no earlier transaction can re-run, so the prefix is stable
// forever.
func (s *scheduler) FinishValidation(txIdx, incarnation, gen int, valid bool) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incarnations[txIdx] != incarnation || s.valGen[txIdx] != gen {
		return nil
	}
	s.validateTasks.clearInProgress(txIdx)
	if s.halted || !valid || s.status[txIdx] != statusExecuted {
		return nil
	}
	s.validateTasks.markComplete(txIdx)

	var committable []int
	for s.commitFrontier < s.blockLen &&
		s.execTasks.isComplete(s.commitFrontier) &&
		s.validateTasks.isComplete(s.commitFrontier) &&
		s.status[s.commitFrontier] == statusExecuted {
		s.status[s.commitFrontier] = statusCommitted
		committable = append(committable, s.commitFrontier)
		s.commitFrontier++
	}
	return committable
}

// TryBackup issues at most one backup task per incarnation for a stalled
// transaction at (or, for BackupAll, above) the commit frontier. Suspended
// transactions are skipped, a backup would block on the same estimate.
func (s *scheduler) TryBackup(kind BackupPolicyKind) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted || kind == BackupNone {
		return nil
	}
	limit := s.blockLen
	if kind == BackupCommitterOnly {
		limit = s.commitFrontier + 1
	}
	for i := s.commitFrontier; i < limit && i < s.blockLen; i++ {
		if s.status[i] != statusExecuting {
			continue
		}
		if s.backupIssued[i] >= s.incarnations[i] {
			continue
		}
		s.backupIssued[i] = s.incarnations[i]
		return &Task{Kind: TaskKindExecute, TxIndex: i, Incarnation: s.incarnations[i], Backup: true}
	}
	return nil
}

// DropBackup releases an issued backup that never found an idle worker so a
// later probe can issue it again.
func (s *scheduler) DropBackup(txIdx, incarnation int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backupIssued[txIdx] == incarnation {
		s.backupIssued[txIdx] = incarnation - 1
	}
}

// Halt stops handing out tasks and unparks everyone. Idempotent.
func (s *scheduler) Halt() {
	s.mu.Lock()
	already := s.halted
	s.halted = true
	s.mu.Unlock()
	if !already {
		s.garage.HaltAll()
	}
}

func (s *scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Done reports block completion: every transaction committed, or the block
// halted early.
func (s *scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted || s.commitFrontier == s.blockLen
}

// CommitFrontier is the number of committed transactions. The backup watchdog
// samples it to detect stalls.
func (s *scheduler) CommitFrontier() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitFrontier
}

func (s *scheduler) Incarnation(txIdx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incarnations[txIdx]
}
