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
	"context"
	"errors"
	"time"

	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/erigontech/blockstm/core/state"
)

// blockRun is the shared state of one parallel block execution. The
// per-transaction slices are written only by the worker that won ClaimFinish
// for the slot and read after the scheduler published the finish, so the
// scheduler's lock orders every access.
type blockRun struct {
	sched  *scheduler
	garage *ThreadGarage
	mv     *state.VersionMap
	dfs    *state.DelayedFieldStore
	io     *state.VersionedIO
	base   state.StateView
	txns   TxnProvider
	tasks  []ExecutorTask
	cm     *commitManager
	hook   CommitHook
	logger log.Logger

	lastResults []*ExecutionResult
	lastChanges [][]state.DelayedFieldChange
	versions    []state.Version
}

func (r *blockRun) pendingResult(txIdx int) (*ExecutionResult, state.Version) {
	return r.lastResults[txIdx], r.versions[txIdx]
}

func (r *blockRun) worker(ctx context.Context, workerID int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ie, ok := rec.(state.InvariantError)
			if !ok {
				panic(rec)
			}
			r.logger.Error("block execution invariant violated", "worker", workerID, "err", ie)
			err = ie
			r.sched.Halt()
		}
	}()

	r.tasks[workerID].Init(r.base)

	var task *Task
	for {
		if cerr := ctx.Err(); cerr != nil {
			r.sched.Halt()
			return cerr
		}
		if task == nil {
			task = r.garage.TryConsume(workerID)
		}
		if task == nil {
			task = r.sched.NextTask()
		}
		if task == nil {
			if r.sched.Done() {
				r.sched.Halt()
				return nil
			}
			waited := time.Now()
			task = r.garage.Park(workerID)
			mxTaskQueueWait.ObserveDuration(waited)
			if task == nil {
				if r.sched.Done() || r.sched.Halted() {
					return nil
				}
				continue
			}
		}
		if task.TxIndex < 0 {
			// poke: the pending queues changed, ask again
			task = nil
			continue
		}
		switch task.Kind {
		case TaskKindExecute:
			task, err = r.executeTask(workerID, task)
			if err != nil {
				r.sched.Halt()
				return err
			}
		case TaskKindValidate:
			r.validateTask(task)
			task = nil
		}
	}
}

// executeTask runs one incarnation. It returns the next task for this worker
// when the incarnation must be retried or the worker was parked and resumed,
// and a non-nil error only for environment failures that doom the block.
func (r *blockRun) executeTask(workerID int, t *Task) (*Task, error) {
	view := state.NewTxnView(r.mv, r.dfs, r.base, t.TxIndex, t.Incarnation, t.Backup)
	started := time.Now()
	res, err := r.tasks[workerID].Execute(view, r.txns.Txn(t.TxIndex), t.TxIndex, t.Incarnation, t.Backup)
	mxExecDuration.ObserveDuration(started)

	if err != nil {
		var dep state.DependencyError
		var spec state.SpeculativeError
		switch {
		case errors.As(err, &dep):
			switch r.sched.AddDependency(t.TxIndex, t.Incarnation, dep.TxIndex, workerID) {
			case depSuspended:
				// the resumption arrives as a baton
				return r.garage.Park(workerID), nil
			case depStale:
				// a backup claimed this incarnation while we were unwinding
				return nil, nil
			default:
				// the blocker published while we were unwinding, retry now
				return t, nil
			}
		case errors.As(err, &spec):
			if t.Backup {
				return nil, nil
			}
			// transient: hand the incarnation back to the queue instead of
			// spinning on it while predecessors settle
			r.sched.requeueExecute(t.TxIndex, t.Incarnation)
			return nil, nil
		default:
			return nil, ErrExecAbortError{Dependency: -1, OriginError: err}
		}
	}

	ver := state.Version{TxIndex: t.TxIndex, Incarnation: t.Incarnation}
	if !r.sched.ClaimFinish(ver) {
		// the original and its backup raced; the loser's output is dropped
		// without touching the stores
		return nil, nil
	}
	if t.Backup {
		mxBackupRuns.Inc()
	}

	var writes state.VersionedWrites
	var changes []state.DelayedFieldChange
	if res.Output != nil {
		writes = res.Output.WriteSet()
		changes = res.Output.DelayedFieldChanges()
	}
	wroteNew := r.mv.ApplyWrites(ver, r.io.WriteSet(t.TxIndex), writes)
	if r.dfs.ApplyChanges(ver, r.lastChanges[t.TxIndex], changes) {
		wroteNew = true
	}
	r.io.RecordRead(t.TxIndex, view.ReadSet())
	r.io.RecordDelayedReads(t.TxIndex, view.DelayedReads())
	r.io.RecordDelayedProbes(t.TxIndex, view.DelayedProbes())
	r.io.RecordWrite(t.TxIndex, writes)
	r.lastChanges[t.TxIndex] = changes
	r.lastResults[t.TxIndex] = res
	r.versions[t.TxIndex] = ver

	r.sched.FinishExecution(t.TxIndex, wroteNew)
	return nil, nil
}

// validateTask re-derives the recorded read set. A valid result may unlock a
// batch of commits; an invalid one flips the stale write set to estimates and
// re-queues the transaction.
func (r *blockRun) validateTask(t *Task) {
	valid := state.ValidateVersion(t.TxIndex, r.io, r.mv, r.dfs)
	committable := r.sched.FinishValidation(t.TxIndex, t.Incarnation, t.gen, valid)
	if valid {
		r.cm.Commit(committable)
		return
	}
	if !r.sched.TryValidationAbort(t.TxIndex, t.Incarnation, t.gen) {
		return // stale: the incarnation re-ran or a newer validation superseded us
	}
	if r.hook != nil {
		r.hook.OnExecutionAborted(t.TxIndex)
	}
	r.mv.MarkEstimates(r.io.WriteSet(t.TxIndex), t.TxIndex)
	r.dfs.MarkEstimates(r.lastChanges[t.TxIndex], t.TxIndex)
	r.sched.FinishAbort(t.TxIndex)
}
