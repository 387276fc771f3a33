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
	"github.com/holiman/uint256"

	"github.com/erigontech/blockstm/core/state"
)

// Transaction is the unit scheduled by the engine. The engine itself only
// needs a size estimate (for block size limiting); everything else about the
// payload is the executor task's business.
type Transaction interface {
	ApproximateSize() uint64
}

// TxnProvider hands the engine the block's transactions in their declared
// order. The order is fixed for the whole run.
type TxnProvider interface {
	Len() int
	Txn(i int) Transaction
}

// Transactions is the trivial slice-backed provider.
type Transactions []Transaction

func (t Transactions) Len() int              { return len(t) }
func (t Transactions) Txn(i int) Transaction { return t[i] }

// Event is an output event emitted by a transaction.
type Event struct {
	Key  string
	Data []byte
}

// TxnOutput is what one successful execution produced. Implementations come
// from the caller; the engine only reads.
type TxnOutput interface {
	WriteSet() state.VersionedWrites
	DelayedFieldChanges() []state.DelayedFieldChange
	Events() []Event
	GasUsed() uint64
	OutputSize() uint64
	// WriteSummary fingerprints written locations for cross-block conflict
	// detection; see VersionedWrites.Summary.
	WriteSummary() []uint64
}

type ExecutionStatus uint8

const (
	// ExecutionSuccess: the transaction ran to completion and its output is
	// a candidate for commit.
	ExecutionSuccess ExecutionStatus = iota
	// ExecutionSkipRest: commit this output, then record every later
	// transaction as a zero-gas retry without executing it (used by
	// reconfiguration transactions).
	ExecutionSkipRest
	// ExecutionAbort: a real application-level failure (invalid
	// transaction). Recorded as this transaction's final outcome; siblings
	// are unaffected. Distinct from a speculative re-execution abort, which
	// is internal and invisible here.
	ExecutionAbort
)

// ExecutionResult is the caller-visible outcome of one incarnation.
type ExecutionResult struct {
	Status ExecutionStatus
	Output TxnOutput // nil when Status is ExecutionAbort
	Err    error     // the application error for ExecutionAbort
}

// TxnView is the read surface given to the executor task; implemented by
// state.TxnView on the parallel path and by the overlay view on the
// sequential one.
type TxnView interface {
	Get(k state.VersionKey) ([]byte, error)
	ReadDelayedValue(id state.DelayedFieldID) (*uint256.Int, error)
	ReadDelayedSnapshot(id state.DelayedFieldID) (*uint256.Int, error)
	TryAddDelta(id state.DelayedFieldID, max *uint256.Int, baseDelta, delta state.DeltaOp) (bool, error)
	TxIndex() int
}

// ExecutorTask is the caller-supplied execution logic (in the full node this
// is the bytecode interpreter). One instance is constructed per worker; the
// engine never calls the same instance from two goroutines at once.
//
// Execute must propagate errors coming out of the view unchanged: the worker
// distinguishes dependency signals and speculative failures from application
// errors by type.
type ExecutorTask interface {
	Init(base state.StateView)
	Execute(view TxnView, txn Transaction, txIndex, incarnation int, backup bool) (*ExecutionResult, error)
}

// TaskFactory builds the per-worker ExecutorTask instances.
type TaskFactory func(workerID int) ExecutorTask

// CommitHook observes commits and aborts. Callbacks must not call back into
// the engine.
type CommitHook interface {
	OnTransactionCommitted(txIndex int, res *TxnResult)
	OnExecutionAborted(txIndex int)
}
