package exec

import (
	"github.com/holiman/uint256"

	"github.com/erigontech/blockstm/core/state"
)

type TxnStatus uint8

const (
	// TxnStatusSuccess: committed with the output of its final incarnation.
	TxnStatusSuccess TxnStatus = iota
	// TxnStatusAborted: committed as failed with an application error.
	TxnStatusAborted
	// TxnStatusRetry: never executed because an earlier transaction halted
	// the block; zero gas, no output. The caller re-schedules these in the
	// next block.
	TxnStatusRetry
)

// TxnResult is the per-transaction slot of the block output, in block order.
type TxnResult struct {
	Status  TxnStatus
	Version state.Version
	Output  TxnOutput // nil for Aborted and Retry
	Err     error     // set for Aborted
	GasUsed uint64
}

// BlockOutput is everything one block execution produced.
type BlockOutput struct {
	Results []*TxnResult

	// StateDiff is the final committed value per written key, flattened
	// across incarnations. Writes of the retry tail are excluded.
	StateDiff map[state.VersionKey][]byte

	// DelayedValues holds the final materialized value of every delayed
	// field, replacing the placeholders the outputs carry.
	DelayedValues map[state.DelayedFieldID]*uint256.Int

	// Deps is only populated when dependency profiling was requested.
	Deps *state.DAG
}

// GasUsed sums the committed gas across the block.
func (bo *BlockOutput) GasUsed() (gas uint64) {
	for _, res := range bo.Results {
		gas += res.GasUsed
	}
	return gas
}

// TxnCount is the number of transactions that actually committed, excluding
// the retry tail left behind by an early halt.
func (bo *BlockOutput) TxnCount() int {
	for i, res := range bo.Results {
		if res.Status == TxnStatusRetry {
			return i
		}
	}
	return len(bo.Results)
}
