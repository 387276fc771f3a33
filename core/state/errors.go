package state

import (
	"errors"
	"fmt"
)

// ErrDelayedFieldIDExhausted is returned when the store can no longer hand out
// fresh delayed field ids. It is an environment error, not a speculative one:
// callers are expected to abort the whole block.
var ErrDelayedFieldIDExhausted = errors.New("delayed field id space exhausted")

// InvariantError marks an internal consistency failure (stale write, abort of
// a committed transaction, circular delayed field base). It is fatal for the
// block being executed and is never retried.
type InvariantError struct {
	Msg string
}

func (e InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

// DependencyError is a control-flow signal, not a failure: a speculative read
// observed an estimate published by a lower transaction whose re-execution is
// still in flight. The reader must suspend or retry once TxIndex finishes.
type DependencyError struct {
	TxIndex int
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("speculative read blocked on txn %d", e.TxIndex)
}

// SpeculativeError marks a read that cannot be answered for the current
// interleaving (mid-flight snapshot base, value temporarily out of bounds,
// backup run touching unresolved state). The incarnation is discarded and
// retried; the error never reaches the caller of the block executor.
type SpeculativeError struct {
	Msg string
}

func (e SpeculativeError) Error() string {
	return "speculative execution failure: " + e.Msg
}
