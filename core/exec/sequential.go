package exec

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/erigontech/blockstm/core/state"
)

// ExecuteSequential runs the block one transaction at a time, in order,
// through the same multi-version stores and the same commit manager as the
// parallel path. Nothing is speculative, so every incarnation is number zero
// and validation is unnecessary, but resource limits, skip-rest and the
// commit hook behave identically.
func (be *BlockExecutor) ExecuteSequential(ctx context.Context, txns TxnProvider, base state.StateView,
	delayedBase state.DelayedBase, factory TaskFactory, hook CommitHook) (*BlockOutput, error) {

	n := txns.Len()
	if n == 0 {
		return &BlockOutput{DelayedValues: map[state.DelayedFieldID]*uint256.Int{}}, nil
	}

	mv := state.NewVersionMap(n)
	dfs := state.NewDelayedFieldStore(n, delayedBase)
	io := state.NewVersionedIO(n)

	results := make([]*ExecutionResult, n)
	versions := make([]state.Version, n)
	cm := newCommitManager(n, &be.cfg, hook, func(txIdx int) (*ExecutionResult, state.Version) {
		return results[txIdx], versions[txIdx]
	}, nil)

	task := factory(0)
	task.Init(base)

	for i := 0; i < n; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		view := state.NewTxnView(mv, dfs, base, i, 0, false)
		res, err := task.Execute(view, txns.Txn(i), i, 0, false)
		if err != nil {
			// with every predecessor final there is nothing speculative left
			// to blame, so any error here is the transaction's own
			return nil, SequentialBlockExecutionError{TxIndex: i, Err: err}
		}

		ver := state.Version{TxIndex: i, Incarnation: 0}
		var writes state.VersionedWrites
		var changes []state.DelayedFieldChange
		if res.Output != nil {
			writes = res.Output.WriteSet()
			changes = res.Output.DelayedFieldChanges()
		}
		mv.ApplyWrites(ver, nil, writes)
		dfs.ApplyChanges(ver, nil, changes)
		io.RecordRead(i, view.ReadSet())
		io.RecordDelayedReads(i, view.DelayedReads())
		io.RecordWrite(i, writes)
		results[i] = res
		versions[i] = ver

		cm.Commit([]int{i})
		if cm.Halted() {
			break
		}
	}

	return be.assemble(cm, mv, dfs, io)
}
