package exec

import "github.com/erigontech/erigon-lib/metrics"

var (
	mxExecRepeats   = metrics.GetOrCreateCounter(`blockstm_repeats`)
	mxExecTriggers  = metrics.GetOrCreateCounter(`blockstm_triggers`)
	mxBackupRuns    = metrics.GetOrCreateCounter(`blockstm_backup_runs`)
	mxCommitted     = metrics.GetOrCreateCounter(`blockstm_committed`)
	mxSeqFallbacks  = metrics.GetOrCreateCounter(`blockstm_seq_fallbacks`)
	mxBlocksHalted  = metrics.GetOrCreateCounter(`blockstm_blocks_halted`)
	mxExecDuration  = metrics.GetOrCreateSummary(`blockstm_exec_duration`)
	mxTaskQueueWait = metrics.GetOrCreateSummary(`blockstm_task_wait`)
)
