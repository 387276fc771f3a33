package exec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/blockstm/core/state"
)

func newTestScheduler(t *testing.T, blockLen int) (*scheduler, *ThreadGarage) {
	t.Helper()
	g := NewThreadGarage(2)
	t.Cleanup(g.Close)
	g.reset()
	return newScheduler(blockLen, g), g
}

func TestSchedulerHandsOutExecutionsInOrder(t *testing.T) {
	s, _ := newTestScheduler(t, 3)
	for i := 0; i < 3; i++ {
		task := s.NextTask()
		require.NotNil(t, task)
		require.Equal(t, TaskKindExecute, task.Kind)
		require.Equal(t, i, task.TxIndex)
		require.Equal(t, 0, task.Incarnation)
	}
	require.Nil(t, s.NextTask())
}

func TestSchedulerPrefersValidationAtLowerIndex(t *testing.T) {
	s, _ := newTestScheduler(t, 3)
	t0 := s.NextTask()
	require.Equal(t, 0, t0.TxIndex)

	require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 0}))
	s.FinishExecution(0, true)

	// validation of 0 beats execution of 1
	task := s.NextTask()
	require.Equal(t, TaskKindValidate, task.Kind)
	require.Equal(t, 0, task.TxIndex)

	task = s.NextTask()
	require.Equal(t, TaskKindExecute, task.Kind)
	require.Equal(t, 1, task.TxIndex)
}

func TestSchedulerClaimFinishArbitration(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_ = s.NextTask()

	ver := state.Version{TxIndex: 0, Incarnation: 0}
	require.True(t, s.ClaimFinish(ver))
	// the backup arriving second is refused
	require.False(t, s.ClaimFinish(ver))
}

func TestSchedulerIncarnationsMonotonic(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	for round := 0; round < 3; round++ {
		task := s.NextTask()
		require.Equal(t, round, task.Incarnation)
		require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: round}))
		s.FinishExecution(0, false)

		vt := s.NextTask()
		require.Equal(t, TaskKindValidate, vt.Kind)
		if round < 2 {
			s.FinishValidation(0, round, vt.gen, false)
			require.True(t, s.TryValidationAbort(0, round, vt.gen))
			s.FinishAbort(0)
		}
	}
	require.Equal(t, 2, s.Incarnation(0))

	// a finish claim from a superseded incarnation is refused
	require.False(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 1}))
}

func TestSchedulerCommitRequiresValidatedPrefix(t *testing.T) {
	s, _ := newTestScheduler(t, 3)
	for i := 0; i < 3; i++ {
		_ = s.NextTask()
	}
	for i := 0; i < 3; i++ {
		require.True(t, s.ClaimFinish(state.Version{TxIndex: i, Incarnation: 0}))
		s.FinishExecution(i, false)
	}

	// validating 1 and 2 first commits nothing: 0 is still unvalidated
	for i := 0; i < 3; i++ {
		task := s.NextTask()
		require.Equal(t, TaskKindValidate, task.Kind)
	}
	require.Empty(t, s.FinishValidation(2, 0, 0, true))
	require.Empty(t, s.FinishValidation(1, 0, 0, true))
	require.Equal(t, 0, s.CommitFrontier())

	// validating 0 releases the whole prefix at once
	require.Equal(t, []int{0, 1, 2}, s.FinishValidation(0, 0, 0, true))
	require.Equal(t, 3, s.CommitFrontier())
	require.True(t, s.Done())
}

func TestSchedulerCommittedTxnFailingValidationPanics(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	_ = s.NextTask()
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 0}))
	s.FinishExecution(0, false)
	_ = s.NextTask()
	require.Equal(t, []int{0}, s.FinishValidation(0, 0, 0, true))

	require.Panics(t, func() { s.TryValidationAbort(0, 0, 0) })
}

func TestSchedulerStaleValidationAbortRefused(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	_ = s.NextTask()
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 0}))
	s.FinishExecution(0, false)

	require.True(t, s.TryValidationAbort(0, 0, 0))
	s.FinishAbort(0)

	// the abort already happened; a second validator of the same incarnation
	// must not abort again
	require.False(t, s.TryValidationAbort(0, 0, 0))
}

func TestSchedulerAbortDiscardsInFlightValidations(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_ = s.NextTask()
	_ = s.NextTask()
	for i := 0; i < 2; i++ {
		require.True(t, s.ClaimFinish(state.Version{TxIndex: i, Incarnation: 0}))
		s.FinishExecution(i, false)
	}

	vt0 := s.NextTask()
	require.Equal(t, 0, vt0.TxIndex)
	vt1 := s.NextTask()
	require.Equal(t, 1, vt1.TxIndex)

	// txn 0 fails validation while txn 1's validation is still in flight
	s.FinishValidation(vt0.TxIndex, vt0.Incarnation, vt0.gen, false)
	require.True(t, s.TryValidationAbort(0, 0, vt0.gen))
	s.FinishAbort(0)

	// txn 1's verdict was computed against the aborted writes: it must not
	// count, even though txn 1 itself never re-ran
	require.Empty(t, s.FinishValidation(vt1.TxIndex, vt1.Incarnation, vt1.gen, true))

	// txn 0 re-runs, then both validate under the new generation
	et := s.NextTask()
	require.Equal(t, TaskKindExecute, et.Kind)
	require.Equal(t, 0, et.TxIndex)
	require.Equal(t, 1, et.Incarnation)
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 1}))
	s.FinishExecution(0, false)

	vt0 = s.NextTask()
	require.Equal(t, 0, vt0.TxIndex)
	vt1 = s.NextTask()
	require.Equal(t, 1, vt1.TxIndex)
	require.Greater(t, vt1.gen, 0)

	require.Equal(t, []int{0}, s.FinishValidation(vt0.TxIndex, vt0.Incarnation, vt0.gen, true))
	require.Equal(t, []int{1}, s.FinishValidation(vt1.TxIndex, vt1.Incarnation, vt1.gen, true))
	require.True(t, s.Done())
}

func TestSchedulerDependencySuspendAndResume(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_ = s.NextTask() // exec 0
	t1 := s.NextTask()
	require.Equal(t, 1, t1.TxIndex)

	// txn 1 hits txn 0's estimate; no worker is parked on it
	require.Equal(t, depSuspended, s.AddDependency(1, 0, 0, -1))
	require.Nil(t, s.NextTask())

	// when 0 publishes, 1 is runnable again with the same incarnation
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 0}))
	s.FinishExecution(0, true)

	var sawExec1 bool
	for {
		task := s.NextTask()
		if task == nil {
			break
		}
		if task.Kind == TaskKindExecute && task.TxIndex == 1 {
			require.Equal(t, 0, task.Incarnation)
			sawExec1 = true
		}
	}
	require.True(t, sawExec1)
}

func TestSchedulerAddDependencyOnPublishedBlocker(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_ = s.NextTask()
	_ = s.NextTask()
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 0}))
	s.FinishExecution(0, false)

	// blocker already executed: caller should retry instead of suspending
	require.Equal(t, depResolved, s.AddDependency(1, 0, 0, -1))
}

func TestSchedulerStaleDependencyAfterBackupPublish(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_ = s.NextTask() // exec 0
	t1 := s.NextTask()
	require.Equal(t, 1, t1.TxIndex)

	// a backup of txn 1 wins the race and publishes the incarnation while the
	// original is still unwinding from an estimate hit
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 1, Incarnation: 0}))
	s.FinishExecution(1, true)

	// the original's dependency report is stale: it must be dropped, not flip
	// the published transaction back to suspended
	require.Equal(t, depStale, s.AddDependency(1, 0, 0, -1))

	require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 0}))
	s.FinishExecution(0, false)

	// the queued validation of txn 1 survived and the block drains to done
	var committed []int
	for {
		task := s.NextTask()
		if task == nil {
			break
		}
		require.Equal(t, TaskKindValidate, task.Kind)
		committed = append(committed, s.FinishValidation(task.TxIndex, task.Incarnation, task.gen, true)...)
	}
	require.Equal(t, []int{0, 1}, committed)
	require.True(t, s.Done())
}

func TestSchedulerStaleDependencyAfterAbortedBackupPublish(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_ = s.NextTask() // exec 0
	t1 := s.NextTask()
	require.Equal(t, 1, t1.TxIndex)

	// backup publishes txn 1, its validation fails, the next incarnation is
	// already running on another worker
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 1, Incarnation: 0}))
	s.FinishExecution(1, false)
	vt := s.NextTask()
	require.Equal(t, TaskKindValidate, vt.Kind)
	s.FinishValidation(1, 0, vt.gen, false)
	require.True(t, s.TryValidationAbort(1, 0, vt.gen))
	s.FinishAbort(1)
	rerun := s.NextTask()
	require.Equal(t, TaskKindExecute, rerun.Kind)
	require.Equal(t, 1, rerun.Incarnation)

	// the stale original of incarnation 0 must not suspend the re-run
	require.Equal(t, depStale, s.AddDependency(1, 0, 0, -1))
	require.Equal(t, 1, s.Incarnation(1))
}

func TestSchedulerRequeueExecuteGuards(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_ = s.NextTask() // exec 0
	t1 := s.NextTask()
	require.Equal(t, 1, t1.TxIndex)

	// a speculative failure hands the incarnation back to the queue
	s.requeueExecute(1, 0)
	again := s.NextTask()
	require.Equal(t, TaskKindExecute, again.Kind)
	require.Equal(t, 1, again.TxIndex)
	require.Equal(t, 0, again.Incarnation)

	// once the incarnation was claimed the requeue is a no-op
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 1, Incarnation: 0}))
	s.FinishExecution(1, false)
	s.requeueExecute(1, 0)
	next := s.NextTask()
	require.NotNil(t, next)
	require.Equal(t, TaskKindValidate, next.Kind)
	require.Equal(t, 1, next.TxIndex)
}

func TestSchedulerBackupOncePerIncarnation(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	_ = s.NextTask() // 0 is executing

	task := s.TryBackup(BackupCommitterOnly)
	require.NotNil(t, task)
	require.True(t, task.Backup)
	require.Equal(t, 0, task.TxIndex)

	// same incarnation, no second backup
	require.Nil(t, s.TryBackup(BackupCommitterOnly))

	// unless the issued one was dropped
	s.DropBackup(task.TxIndex, task.Incarnation)
	require.NotNil(t, s.TryBackup(BackupCommitterOnly))
}

func TestSchedulerBackupScope(t *testing.T) {
	s, _ := newTestScheduler(t, 3)
	// 0 finished, 1 and 2 executing
	_ = s.NextTask()
	_ = s.NextTask()
	_ = s.NextTask()
	require.True(t, s.ClaimFinish(state.Version{TxIndex: 0, Incarnation: 0}))
	s.FinishExecution(0, false)

	// committer-only looks at the frontier, which is still txn 0 (executed,
	// not executing), so nothing qualifies
	require.Nil(t, s.TryBackup(BackupCommitterOnly))

	task := s.TryBackup(BackupAll)
	require.NotNil(t, task)
	require.Equal(t, 1, task.TxIndex)

	require.Nil(t, s.TryBackup(BackupNone))
}

func TestSchedulerHaltStopsTaskFlow(t *testing.T) {
	s, _ := newTestScheduler(t, 3)
	s.Halt()
	s.Halt() // idempotent
	require.Nil(t, s.NextTask())
	require.Nil(t, s.TryBackup(BackupAll))
	require.True(t, s.Done())
	require.True(t, s.Halted())
}

func TestSchedulerDependencyOnLaterTxnPanics(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	require.Panics(t, func() { s.AddDependency(0, 0, 1, -1) })
}
