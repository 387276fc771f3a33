package exec

import (
	"errors"
	"fmt"
)

// ErrExecAbortError signals that an incarnation must be discarded. With a
// Dependency it carries the transaction to wait for; without one it wraps the
// error that invalidated the run.
type ErrExecAbortError struct {
	Dependency  int
	OriginError error
}

func (e ErrExecAbortError) Error() string {
	if e.Dependency >= 0 {
		return fmt.Sprintf("execution aborted due to dependency %d", e.Dependency)
	}
	if e.OriginError != nil {
		return fmt.Sprintf("execution aborted: %v", e.OriginError)
	}
	return "execution aborted"
}

func (e ErrExecAbortError) Unwrap() error { return e.OriginError }

// ErrBlockHalted is attached to retry slots left behind when an earlier
// transaction stopped the block (skip-rest, gas limit or size limit).
var ErrBlockHalted = errors.New("block execution halted")

// SequentialBlockExecutionError wraps a failure of the sequential path so the
// caller can tell it apart from a parallel-path failure that might still be
// retried sequentially.
type SequentialBlockExecutionError struct {
	TxIndex int
	Err     error
}

func (e SequentialBlockExecutionError) Error() string {
	return fmt.Sprintf("sequential execution failed at txn %d: %v", e.TxIndex, e.Err)
}

func (e SequentialBlockExecutionError) Unwrap() error { return e.Err }

// ResourceGroupSerializationError marks outputs whose write sets cannot be
// serialized under parallel rules; the block executor falls back to
// sequential execution when it sees one.
type ResourceGroupSerializationError struct {
	TxIndex int
	Group   string
}

func (e ResourceGroupSerializationError) Error() string {
	return fmt.Sprintf("resource group %q of txn %d cannot be serialized speculatively", e.Group, e.TxIndex)
}
