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
	"sync"
	"time"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/holiman/uint256"

	"github.com/erigontech/blockstm/core/state"
)

// BlockExecutor executes blocks of transactions, speculatively in parallel
// when it can and sequentially when it must. The worker pool survives across
// blocks; one executor serves one execution lane.
type BlockExecutor struct {
	cfg    Config
	garage *ThreadGarage
	logger log.Logger
}

func NewBlockExecutor(cfg Config) *BlockExecutor {
	cfg.sanitize()
	return &BlockExecutor{
		cfg:    cfg,
		garage: NewThreadGarage(cfg.Workers),
		logger: cfg.Logger,
	}
}

// Close releases the worker pool. The executor cannot be reused.
func (be *BlockExecutor) Close() { be.garage.Close() }

// ExecuteBlock runs the block in parallel and falls back to sequential
// execution when the parallel run trips over something it cannot serialize.
// Environment errors (base storage failures, resource exhaustion) are
// returned as-is: a retry would hit them again.
func (be *BlockExecutor) ExecuteBlock(ctx context.Context, txns TxnProvider, base state.StateView,
	delayedBase state.DelayedBase, factory TaskFactory, hook CommitHook) (*BlockOutput, error) {

	out, err := be.executeParallel(ctx, txns, base, delayedBase, factory, hook)
	if err == nil {
		return out, nil
	}
	if !fallbackToSequential(err) {
		return nil, err
	}
	mxSeqFallbacks.Inc()
	be.logger.Warn("parallel block execution failed, retrying sequentially", "err", err)
	return be.ExecuteSequential(ctx, txns, base, delayedBase, factory, hook)
}

func fallbackToSequential(err error) bool {
	var ie state.InvariantError
	var rg ResourceGroupSerializationError
	return errors.As(err, &ie) || errors.As(err, &rg)
}

func (be *BlockExecutor) executeParallel(ctx context.Context, txns TxnProvider, base state.StateView,
	delayedBase state.DelayedBase, factory TaskFactory, hook CommitHook) (*BlockOutput, error) {

	n := txns.Len()
	if n == 0 {
		return &BlockOutput{DelayedValues: map[state.DelayedFieldID]*uint256.Int{}}, nil
	}

	sched := newScheduler(n, be.garage)
	run := &blockRun{
		sched:       sched,
		garage:      be.garage,
		mv:          state.NewVersionMap(n),
		dfs:         state.NewDelayedFieldStore(n, delayedBase),
		io:          state.NewVersionedIO(n),
		base:        base,
		txns:        txns,
		tasks:       make([]ExecutorTask, be.garage.Size()),
		hook:        hook,
		logger:      be.logger,
		lastResults: make([]*ExecutionResult, n),
		lastChanges: make([][]state.DelayedFieldChange, n),
		versions:    make([]state.Version, n),
	}
	for i := range run.tasks {
		run.tasks[i] = factory(i)
	}
	run.cm = newCommitManager(n, &be.cfg, hook, run.pendingResult, sched.Halt)

	done := make(chan struct{})
	var wdWg sync.WaitGroup
	wdWg.Add(1)
	go func() {
		defer wdWg.Done()
		be.watchdog(ctx, done, sched)
	}()

	err := be.garage.Do(ctx, run.worker)
	close(done)
	wdWg.Wait()
	if err != nil {
		return nil, err
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	return be.assemble(run.cm, run.mv, run.dfs, run.io)
}

func (be *BlockExecutor) assemble(cm *commitManager, mv *state.VersionMap, dfs *state.DelayedFieldStore, io *state.VersionedIO) (*BlockOutput, error) {
	committed := cm.Committed()
	results := cm.Finalize()
	delayed, err := dfs.Materialize(committed)
	if err != nil {
		return nil, err
	}
	diff := map[state.VersionKey][]byte{}
	mv.Snapshot(committed, func(k state.VersionKey, v []byte) { diff[k] = v })
	out := &BlockOutput{Results: results, StateDiff: diff, DelayedValues: delayed}
	if be.cfg.ProfileDeps {
		d := state.BuildDAG(io, be.logger)
		out.Deps = &d
	}
	return out, nil
}

// watchdog samples the commit frontier and issues a backup run when it stops
// moving. It also translates a context cancellation into a halt, since parked
// workers only watch their batons.
func (be *BlockExecutor) watchdog(ctx context.Context, done <-chan struct{}, sched *scheduler) {
	if be.cfg.Backup == BackupNone {
		select {
		case <-done:
		case <-ctx.Done():
			sched.Halt()
		}
		return
	}

	policy := be.cfg.BackupPolicy
	policy.Reset()
	last := sched.CommitFrontier()
	lastMove := time.Now()
	timer := time.NewTimer(be.probe(policy))
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			sched.Halt()
			return
		case <-timer.C:
		}
		cur := sched.CommitFrontier()
		if cur != last {
			last = cur
			lastMove = time.Now()
			policy.Reset()
		} else if policy.ShouldBackup(time.Since(lastMove)) {
			if t := sched.TryBackup(be.cfg.Backup); t != nil {
				if !be.garage.WakeAny(t) {
					// nobody idle to run it; release the claim and try later
					sched.DropBackup(t.TxIndex, t.Incarnation)
				}
			}
		}
		timer.Reset(be.probe(policy))
	}
}

func (be *BlockExecutor) probe(policy BackupPolicy) time.Duration {
	d := policy.NextProbe()
	if d <= 0 {
		d = be.cfg.BackupStallThreshold
	}
	return d
}
