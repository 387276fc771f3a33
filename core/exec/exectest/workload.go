package exectest

import (
	"fmt"
	"math/rand"

	"github.com/erigontech/blockstm/core/state"
)

// WorkloadOpts shapes a random block. ConflictPct is the share of operations
// aimed at a small hot key set, which is what drives aborts and re-runs.
type WorkloadOpts struct {
	Txns        int
	Keys        int
	HotKeys     int
	OpsPerTxn   int
	ConflictPct int
	Fields      int
	FieldMax    uint64
}

func DefaultWorkloadOpts() WorkloadOpts {
	return WorkloadOpts{
		Txns:        64,
		Keys:        256,
		HotKeys:     4,
		OpsPerTxn:   8,
		ConflictPct: 30,
		Fields:      2,
		FieldMax:    1 << 32,
	}
}

func Key(i int) state.VersionKey {
	return state.VersionKey(fmt.Sprintf("k%06d", i))
}

// Random builds a scripted block. Deterministic per seed.
func Random(rnd *rand.Rand, opts WorkloadOpts) []*Txn {
	pick := func() state.VersionKey {
		if opts.HotKeys > 0 && rnd.Intn(100) < opts.ConflictPct {
			return Key(rnd.Intn(opts.HotKeys))
		}
		return Key(rnd.Intn(opts.Keys))
	}

	txns := make([]*Txn, opts.Txns)
	for i := range txns {
		t := &Txn{Gas: uint64(1000 + rnd.Intn(9000)), Size: uint64(100 + rnd.Intn(400))}
		for j := 0; j < opts.OpsPerTxn; j++ {
			switch rnd.Intn(10) {
			case 0, 1, 2:
				t.Ops = append(t.Ops, Op{Kind: OpRead, Key: pick()})
			case 3, 4:
				t.Ops = append(t.Ops, Op{Kind: OpWrite, Key: pick(), Value: EncodeUint(rnd.Uint64())})
			case 5, 6:
				t.Ops = append(t.Ops, Op{Kind: OpCopy, From: pick(), Key: pick()})
			case 7, 8:
				t.Ops = append(t.Ops, Op{Kind: OpIncrement, Key: pick(), Amount: uint64(1 + rnd.Intn(100))})
			case 9:
				if opts.Fields > 0 {
					t.Ops = append(t.Ops, Op{
						Kind:   OpAddDelta,
						Field:  state.DelayedFieldID(1 + rnd.Intn(opts.Fields)),
						Amount: uint64(1 + rnd.Intn(50)),
						Neg:    rnd.Intn(3) == 0,
						Max:    opts.FieldMax,
					})
				}
			}
		}
		txns[i] = t
	}
	return txns
}

// NaiveRun interprets the block against plain maps, no speculation, no
// engine. It is the independent oracle the executor is compared to.
func NaiveRun(txns []*Txn, kv map[state.VersionKey][]byte, fields map[state.DelayedFieldID]uint64) (haltedAt int) {
	for i, t := range txns {
		buf := map[state.VersionKey][]byte{}
		fbuf := map[state.DelayedFieldID]int64{}
		read := func(k state.VersionKey) []byte {
			if v, ok := buf[k]; ok {
				return v
			}
			return kv[k]
		}
		skipRest := false
		failed := false
	ops:
		for _, op := range t.Ops {
			switch op.Kind {
			case OpWrite:
				buf[op.Key] = op.Value
			case OpCopy:
				buf[op.Key] = read(op.From)
			case OpIncrement:
				buf[op.Key] = EncodeUint(DecodeUint(read(op.Key)) + op.Amount)
			case OpAddDelta:
				cur := int64(fields[op.Field]) + fbuf[op.Field]
				d := int64(op.Amount)
				if op.Neg {
					d = -d
				}
				if cur+d < 0 || uint64(cur+d) > op.Max {
					continue
				}
				fbuf[op.Field] += d
			case OpSnapshotRead:
				// the interpreter reads the field before its own pending
				// deltas, mirror that
				buf[op.Key] = EncodeUint(fields[op.Field])
			case OpFail:
				failed = true
				break ops
			case OpSkipRest:
				skipRest = true
				break ops
			}
		}
		if !failed {
			for k, v := range buf {
				kv[k] = v
			}
			for id, d := range fbuf {
				fields[id] = uint64(int64(fields[id]) + d)
			}
		}
		if skipRest {
			return i + 1
		}
	}
	return len(txns)
}
