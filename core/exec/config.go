package exec

import (
	"runtime"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v4"
	"github.com/erigontech/erigon-lib/log/v3"
)

type BackupPolicyKind uint8

const (
	// BackupNone disables backup execution entirely.
	BackupNone BackupPolicyKind = iota
	// BackupCommitterOnly issues a backup only for the lowest uncommitted
	// transaction, the one the whole commit prefix is waiting on.
	BackupCommitterOnly
	// BackupAll allows a backup for any executing transaction, lowest
	// index first.
	BackupAll
)

// BackupPolicy decides when a stalled transaction deserves a second,
// redundant run on an idle worker. NextProbe paces the watchdog; ShouldBackup
// is consulted once per probe with the stall duration of the commit frontier.
type BackupPolicy interface {
	NextProbe() time.Duration
	ShouldBackup(stalled time.Duration) bool
	Reset()
}

// stallBackupPolicy probes on an exponential backoff and fires once the
// commit frontier has not moved for the configured threshold.
type stallBackupPolicy struct {
	threshold time.Duration
	bo        *backoff.ExponentialBackOff
}

func NewStallBackupPolicy(threshold time.Duration) BackupPolicy {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(threshold/4),
		backoff.WithMaxInterval(threshold),
		backoff.WithMaxElapsedTime(0),
	)
	return &stallBackupPolicy{threshold: threshold, bo: bo}
}

func (p *stallBackupPolicy) NextProbe() time.Duration { return p.bo.NextBackOff() }

func (p *stallBackupPolicy) ShouldBackup(stalled time.Duration) bool {
	return stalled >= p.threshold
}

func (p *stallBackupPolicy) Reset() { p.bo.Reset() }

// Config tunes one BlockExecutor. The zero value is not usable; go through
// DefaultConfig.
type Config struct {
	// Workers is the size of the long-lived worker pool.
	Workers int

	// BlockGasLimit halts the block once cumulative committed gas would
	// exceed it. Zero means unlimited.
	BlockGasLimit uint64

	// TxnGasCap caps the gas charged to any single transaction. Zero means
	// uncapped.
	TxnGasCap uint64

	// BlockSizeLimit halts the block once cumulative committed output size
	// would exceed it. Zero means unlimited.
	BlockSizeLimit datasize.ByteSize

	Backup               BackupPolicyKind
	BackupStallThreshold time.Duration
	// BackupPolicy overrides the default stall-threshold policy when set.
	BackupPolicy BackupPolicy

	// ProfileDeps records committed read/write sets into a dependency DAG
	// on the block output.
	ProfileDeps bool

	Logger log.Logger
}

const DefaultBackupStallThreshold = 50 * time.Millisecond

func DefaultConfig() Config {
	return Config{
		Workers:              runtime.NumCPU(),
		Backup:               BackupCommitterOnly,
		BackupStallThreshold: DefaultBackupStallThreshold,
		Logger:               log.Root(),
	}
}

func (c *Config) sanitize() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.BackupStallThreshold <= 0 {
		c.BackupStallThreshold = DefaultBackupStallThreshold
	}
	if c.BackupPolicy == nil {
		c.BackupPolicy = NewStallBackupPolicy(c.BackupStallThreshold)
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
}
