package exec

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/c2h5oh/datasize"

	"github.com/erigontech/blockstm/core/state"
)

// commitManager turns validated incarnations into final block results, in
// block order, exactly once. It owns the block-level resource accounting
// (cumulative gas and output size) and the halt decision, so the parallel
// and sequential paths share identical commit semantics.
type commitManager struct {
	mu sync.Mutex

	cfg     *Config
	hook    CommitHook
	results []*TxnResult

	// ready buffers out-of-order batches from concurrent validators; next is
	// the index the block order is waiting for.
	ready *roaring.Bitmap
	next  int

	pending func(txIdx int) (*ExecutionResult, state.Version)
	onHalt  func()

	cumGas  uint64
	cumSize uint64
	halted  bool
}

func newCommitManager(blockLen int, cfg *Config, hook CommitHook,
	pending func(txIdx int) (*ExecutionResult, state.Version), onHalt func()) *commitManager {
	return &commitManager{
		cfg:     cfg,
		hook:    hook,
		results: make([]*TxnResult, blockLen),
		ready:   roaring.New(),
		pending: pending,
		onHalt:  onHalt,
	}
}

// Commit finalizes the given indices. Indices may arrive out of order across
// callers; application is strictly in block order. Safe to call after a halt,
// late arrivals are ignored.
func (cm *commitManager) Commit(indices []int) {
	if len(indices) == 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.halted {
		return
	}
	for _, i := range indices {
		cm.ready.Add(uint32(i))
	}
	for !cm.halted && cm.ready.Contains(uint32(cm.next)) {
		if !cm.apply(cm.next) {
			break
		}
		cm.next++
	}
}

// apply reports whether idx actually committed. A resource-limit halt leaves
// the slot open so Finalize turns it into a retry.
func (cm *commitManager) apply(idx int) bool {
	res, ver := cm.pending(idx)

	if res.Status == ExecutionAbort {
		cm.results[idx] = &TxnResult{Status: TxnStatusAborted, Version: ver, Err: res.Err}
		mxCommitted.Inc()
		if cm.hook != nil {
			cm.hook.OnTransactionCommitted(idx, cm.results[idx])
		}
		return true
	}

	gas := res.Output.GasUsed()
	if cm.cfg.TxnGasCap > 0 && gas > cm.cfg.TxnGasCap {
		gas = cm.cfg.TxnGasCap
	}
	size := res.Output.OutputSize()

	if cm.cfg.BlockGasLimit > 0 && cm.cumGas+gas > cm.cfg.BlockGasLimit {
		cm.halt()
		return false
	}
	if cm.cfg.BlockSizeLimit > 0 && datasize.ByteSize(cm.cumSize+size) > cm.cfg.BlockSizeLimit {
		cm.halt()
		return false
	}

	cm.cumGas += gas
	cm.cumSize += size
	cm.results[idx] = &TxnResult{Status: TxnStatusSuccess, Version: ver, Output: res.Output, GasUsed: gas}
	mxCommitted.Inc()
	if cm.hook != nil {
		cm.hook.OnTransactionCommitted(idx, cm.results[idx])
	}

	if res.Status == ExecutionSkipRest {
		cm.halt()
	}
	return true
}

func (cm *commitManager) halt() {
	cm.halted = true
	mxBlocksHalted.Inc()
	if cm.onHalt != nil {
		cm.onHalt()
	}
}

// Committed is the number of finalized transactions.
func (cm *commitManager) Committed() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.next
}

// Finalize fills every slot left open by an early halt with a zero-gas retry
// result and returns the per-transaction outcome list. The hook sees the
// retry slots too, so the caller can reschedule them.
func (cm *commitManager) Finalize() []*TxnResult {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i := range cm.results {
		if cm.results[i] != nil {
			continue
		}
		cm.results[i] = &TxnResult{Status: TxnStatusRetry, Version: state.InvalidVersion, Err: ErrBlockHalted}
		if cm.hook != nil {
			cm.hook.OnTransactionCommitted(i, cm.results[i])
		}
	}
	return cm.results
}

// Halted reports whether the block stopped before committing every
// transaction.
func (cm *commitManager) Halted() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.halted
}
