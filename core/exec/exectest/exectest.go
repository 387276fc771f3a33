// Package exectest provides a tiny interpreted transaction language and an
// in-memory base state, enough to drive the block executor through real
// read/write conflicts, delayed-field traffic and halts without a full
// transaction runtime.
package exectest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/erigontech/blockstm/core/exec"
	"github.com/erigontech/blockstm/core/state"
)

type OpKind uint8

const (
	// OpRead loads Key.
	OpRead OpKind = iota
	// OpWrite stores Value at Key.
	OpWrite
	// OpCopy loads From and stores its value at Key, a hard data dependency.
	OpCopy
	// OpIncrement loads Key as a big-endian uint64, adds Amount, stores it
	// back. Chained over one key this forces strictly serial execution.
	OpIncrement
	// OpAddDelta applies a commutative delta to the delayed field Field,
	// bounded by Max.
	OpAddDelta
	// OpSnapshotRead materializes the delayed field Field into Key.
	OpSnapshotRead
	// OpEmit records an event.
	OpEmit
	// OpSleep stalls the incarnation, for exercising backup runs.
	OpSleep
	// OpFail aborts the transaction with an application error.
	OpFail
	// OpSkipRest commits this transaction and halts the block after it.
	OpSkipRest
)

type Op struct {
	Kind   OpKind
	Key    state.VersionKey
	From   state.VersionKey
	Value  []byte
	Amount uint64

	Field state.DelayedFieldID
	Max   uint64
	Neg   bool

	Sleep time.Duration
}

// Txn is a scripted transaction: a flat list of ops plus fixed gas and size
// charges.
type Txn struct {
	Ops  []Op
	Gas  uint64
	Size uint64
}

func (t *Txn) ApproximateSize() uint64 { return t.Size }

var ErrScripted = errors.New("scripted failure")

// Output collects what one interpretation produced.
type Output struct {
	writes  state.VersionedWrites
	changes []state.DelayedFieldChange
	events  []exec.Event
	gas     uint64
	size    uint64
}

func (o *Output) WriteSet() state.VersionedWrites                 { return o.writes }
func (o *Output) DelayedFieldChanges() []state.DelayedFieldChange { return o.changes }
func (o *Output) Events() []exec.Event                            { return o.events }
func (o *Output) GasUsed() uint64                                 { return o.gas }
func (o *Output) OutputSize() uint64                              { return o.size }
func (o *Output) WriteSummary() []uint64                          { return o.writes.Summary() }

// Task interprets Txn scripts against the view it is given. Stateless apart
// from the base handed to Init, so one instance per worker is plenty.
type Task struct {
	base state.StateView
}

func NewTaskFactory() exec.TaskFactory {
	return func(workerID int) exec.ExecutorTask { return &Task{} }
}

func (t *Task) Init(base state.StateView) { t.base = base }

func (t *Task) Execute(view exec.TxnView, txn exec.Transaction, txIndex, incarnation int, backup bool) (*exec.ExecutionResult, error) {
	script, ok := txn.(*Txn)
	if !ok {
		return nil, fmt.Errorf("exectest: unexpected transaction type %T", txn)
	}

	out := &Output{gas: script.Gas, size: script.Size}
	// read-your-writes buffer
	buf := map[state.VersionKey][]byte{}
	deltas := map[state.DelayedFieldID]state.DeltaOp{}

	read := func(k state.VersionKey) ([]byte, error) {
		if v, ok := buf[k]; ok {
			return v, nil
		}
		return view.Get(k)
	}
	write := func(k state.VersionKey, v []byte) {
		buf[k] = v
	}

	for _, op := range script.Ops {
		switch op.Kind {
		case OpRead:
			if _, err := read(op.Key); err != nil {
				return nil, err
			}
		case OpWrite:
			write(op.Key, op.Value)
		case OpCopy:
			v, err := read(op.From)
			if err != nil {
				return nil, err
			}
			write(op.Key, v)
		case OpIncrement:
			v, err := read(op.Key)
			if err != nil {
				return nil, err
			}
			write(op.Key, EncodeUint(DecodeUint(v)+op.Amount))
		case OpAddDelta:
			delta := state.AddDelta(op.Amount)
			if op.Neg {
				delta = state.SubDelta(op.Amount)
			}
			max := uint256.NewInt(op.Max)
			ok, err := view.TryAddDelta(op.Field, max, deltas[op.Field], delta)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue // out of bounds, drop the delta
			}
			merged, applied := mergeDelta(deltas[op.Field], delta)
			if !applied {
				continue
			}
			deltas[op.Field] = merged
		case OpSnapshotRead:
			v, err := view.ReadDelayedValue(op.Field)
			if err != nil {
				return nil, err
			}
			write(op.Key, EncodeUint(v.Uint64()))
		case OpEmit:
			out.events = append(out.events, exec.Event{Key: string(op.Key), Data: op.Value})
		case OpSleep:
			time.Sleep(op.Sleep)
		case OpFail:
			return &exec.ExecutionResult{Status: exec.ExecutionAbort, Err: ErrScripted}, nil
		case OpSkipRest:
			flush(out, buf, deltas)
			return &exec.ExecutionResult{Status: exec.ExecutionSkipRest, Output: out}, nil
		}
	}

	flush(out, buf, deltas)
	return &exec.ExecutionResult{Status: exec.ExecutionSuccess, Output: out}, nil
}

func flush(out *Output, buf map[state.VersionKey][]byte, deltas map[state.DelayedFieldID]state.DeltaOp) {
	for k, v := range buf {
		out.writes = append(out.writes, state.VersionedWrite{Path: k, Val: v})
	}
	for id, d := range deltas {
		if d.IsZero() {
			continue
		}
		out.changes = append(out.changes, state.DelayedFieldChange{ID: id, Kind: state.DelayedApply, Delta: d})
	}
}

// mergeDelta folds two deltas into one signed net delta. Returns false when
// the magnitudes would not fit, which the bound check already rejects.
func mergeDelta(a, b state.DeltaOp) (state.DeltaOp, bool) {
	if a.Neg == b.Neg {
		var mag uint256.Int
		if _, overflow := mag.AddOverflow(&a.Mag, &b.Mag); overflow {
			return state.DeltaOp{}, false
		}
		return state.DeltaOp{Neg: a.Neg, Mag: mag}, true
	}
	var mag uint256.Int
	if a.Mag.Gt(&b.Mag) {
		mag.Sub(&a.Mag, &b.Mag)
		return state.DeltaOp{Neg: a.Neg, Mag: mag}, true
	}
	mag.Sub(&b.Mag, &a.Mag)
	return state.DeltaOp{Neg: b.Neg, Mag: mag}, true
}

func EncodeUint(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func DecodeUint(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
