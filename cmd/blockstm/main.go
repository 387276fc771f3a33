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

// blockstm benchmarks and sanity-checks the parallel block executor against
// synthetic workloads.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/blockstm/core/exec"
	"github.com/erigontech/blockstm/core/exec/exectest"
	"github.com/erigontech/blockstm/core/state"
)

var (
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "worker pool size, 0 means GOMAXPROCS",
	}
	txnsFlag = &cli.IntFlag{
		Name:  "txns",
		Usage: "transactions per block",
		Value: 512,
	}
	blocksFlag = &cli.IntFlag{
		Name:  "blocks",
		Usage: "number of blocks to run",
		Value: 32,
	}
	conflictFlag = &cli.IntFlag{
		Name:  "conflict",
		Usage: "share of operations hitting the hot key set, percent",
		Value: 30,
	}
	seedFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "workload seed",
		Value: 1,
	}
	gasLimitFlag = &cli.Uint64Flag{
		Name:  "block-gas-limit",
		Usage: "halt a block once committed gas would exceed this, 0 disables",
	}
	sizeLimitFlag = &cli.StringFlag{
		Name:  "block-size-limit",
		Usage: "halt a block once committed output size would exceed this, e.g. 2MB",
	}
	backupFlag = &cli.StringFlag{
		Name:  "backup",
		Usage: "backup execution policy: none, committer, all",
		Value: "committer",
	}
	profileDepsFlag = &cli.BoolFlag{
		Name:  "profile-deps",
		Usage: "record the dependency graph of each block",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML config file, flags override it",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "log level: trace, debug, info, warn, error",
		Value: "info",
	}
)

// fileConfig mirrors the flag set for TOML files.
type fileConfig struct {
	Workers        int    `toml:"workers"`
	Txns           int    `toml:"txns"`
	Blocks         int    `toml:"blocks"`
	Conflict       int    `toml:"conflict"`
	Seed           int64  `toml:"seed"`
	BlockGasLimit  uint64 `toml:"block_gas_limit"`
	BlockSizeLimit string `toml:"block_size_limit"`
	Backup         string `toml:"backup"`
	ProfileDeps    bool   `toml:"profile_deps"`
}

func main() {
	app := &cli.App{
		Name:  "blockstm",
		Usage: "parallel block execution workbench",
		Flags: []cli.Flag{verbosityFlag},
		Commands: []*cli.Command{
			{
				Name:   "bench",
				Usage:  "execute synthetic blocks and report throughput",
				Flags:  benchFlags(),
				Action: benchCmd,
			},
			{
				Name:   "verify",
				Usage:  "execute blocks in parallel and sequentially and compare the results",
				Flags:  benchFlags(),
				Action: verifyCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func benchFlags() []cli.Flag {
	return []cli.Flag{
		workersFlag, txnsFlag, blocksFlag, conflictFlag, seedFlag,
		gasLimitFlag, sizeLimitFlag, backupFlag, profileDepsFlag, configFlag,
	}
}

func setupLogger(cliCtx *cli.Context) (log.Logger, error) {
	lvl, err := log.LvlFromString(cliCtx.String(verbosityFlag.Name))
	if err != nil {
		return nil, err
	}
	logger := log.Root()
	logger.SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))
	return logger, nil
}

type benchOpts struct {
	workload exectest.WorkloadOpts
	blocks   int
	seed     int64
	cfg      exec.Config
}

func parseOpts(cliCtx *cli.Context, logger log.Logger) (benchOpts, error) {
	var fc fileConfig
	if path := cliCtx.String(configFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return benchOpts{}, err
		}
		if err := toml.Unmarshal(data, &fc); err != nil {
			return benchOpts{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	pick := func(flagName string, fileVal int) int {
		if cliCtx.IsSet(flagName) || fileVal == 0 {
			return cliCtx.Int(flagName)
		}
		return fileVal
	}

	workload := exectest.DefaultWorkloadOpts()
	workload.Txns = pick(txnsFlag.Name, fc.Txns)
	workload.ConflictPct = pick(conflictFlag.Name, fc.Conflict)

	opts := benchOpts{
		workload: workload,
		blocks:   pick(blocksFlag.Name, fc.Blocks),
		seed:     cliCtx.Int64(seedFlag.Name),
	}
	if !cliCtx.IsSet(seedFlag.Name) && fc.Seed != 0 {
		opts.seed = fc.Seed
	}

	cfg := exec.DefaultConfig()
	cfg.Logger = logger
	if w := pick(workersFlag.Name, fc.Workers); w > 0 {
		cfg.Workers = w
	}
	cfg.BlockGasLimit = cliCtx.Uint64(gasLimitFlag.Name)
	if !cliCtx.IsSet(gasLimitFlag.Name) {
		cfg.BlockGasLimit = fc.BlockGasLimit
	}
	sizeStr := cliCtx.String(sizeLimitFlag.Name)
	if sizeStr == "" {
		sizeStr = fc.BlockSizeLimit
	}
	if sizeStr != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(sizeStr)); err != nil {
			return benchOpts{}, fmt.Errorf("bad block-size-limit: %w", err)
		}
		cfg.BlockSizeLimit = sz
	}
	backup := cliCtx.String(backupFlag.Name)
	if !cliCtx.IsSet(backupFlag.Name) && fc.Backup != "" {
		backup = fc.Backup
	}
	switch backup {
	case "none":
		cfg.Backup = exec.BackupNone
	case "committer":
		cfg.Backup = exec.BackupCommitterOnly
	case "all":
		cfg.Backup = exec.BackupAll
	default:
		return benchOpts{}, fmt.Errorf("unknown backup policy %q", backup)
	}
	cfg.ProfileDeps = cliCtx.Bool(profileDepsFlag.Name) || fc.ProfileDeps

	opts.cfg = cfg
	return opts, nil
}

func rootContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}

func seedState(mem *exectest.MemState, workload exectest.WorkloadOpts) {
	for i := 1; i <= workload.Fields; i++ {
		mem.SetDelayed(state.DelayedFieldID(i), workload.FieldMax/2, workload.FieldMax)
	}
}

func benchCmd(cliCtx *cli.Context) error {
	logger, err := setupLogger(cliCtx)
	if err != nil {
		return err
	}
	opts, err := parseOpts(cliCtx, logger)
	if err != nil {
		return err
	}

	ctx := rootContext()
	be := exec.NewBlockExecutor(opts.cfg)
	defer be.Close()

	mem := exectest.NewMemState()
	seedState(mem, opts.workload)
	rnd := rand.New(rand.NewSource(opts.seed))

	var totalTxns int
	started := time.Now()
	for b := 0; b < opts.blocks; b++ {
		txns := exectest.Random(rnd, opts.workload)
		out, err := be.ExecuteBlock(ctx, toProvider(txns), mem, mem, exectest.NewTaskFactory(), nil)
		if err != nil {
			return err
		}
		mem.Fold(out)
		totalTxns += out.TxnCount()
		logger.Debug("block done", "block", b, "txns", out.TxnCount(), "gas", out.GasUsed())
	}
	elapsed := time.Since(started)

	logger.Info("bench complete",
		"blocks", opts.blocks,
		"txns", totalTxns,
		"workers", opts.cfg.Workers,
		"elapsed", elapsed,
		"txns/s", fmt.Sprintf("%.0f", float64(totalTxns)/elapsed.Seconds()),
	)
	return nil
}

func verifyCmd(cliCtx *cli.Context) error {
	logger, err := setupLogger(cliCtx)
	if err != nil {
		return err
	}
	opts, err := parseOpts(cliCtx, logger)
	if err != nil {
		return err
	}

	ctx := rootContext()
	bePar := exec.NewBlockExecutor(opts.cfg)
	defer bePar.Close()
	beSeq := exec.NewBlockExecutor(opts.cfg)
	defer beSeq.Close()

	memPar := exectest.NewMemState()
	memSeq := exectest.NewMemState()
	seedState(memPar, opts.workload)
	seedState(memSeq, opts.workload)
	rnd := rand.New(rand.NewSource(opts.seed))

	for b := 0; b < opts.blocks; b++ {
		txns := exectest.Random(rnd, opts.workload)

		var par, seq *exec.BlockOutput
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			par, err = bePar.ExecuteBlock(gctx, toProvider(txns), memPar, memPar, exectest.NewTaskFactory(), nil)
			return err
		})
		g.Go(func() (err error) {
			seq, err = beSeq.ExecuteSequential(gctx, toProvider(txns), memSeq, memSeq, exectest.NewTaskFactory(), nil)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		if par.GasUsed() != seq.GasUsed() {
			return fmt.Errorf("block %d: gas mismatch: parallel %d, sequential %d", b, par.GasUsed(), seq.GasUsed())
		}
		for i := range seq.Results {
			if par.Results[i].Status != seq.Results[i].Status {
				return fmt.Errorf("block %d txn %d: status mismatch", b, i)
			}
		}

		memPar.Fold(par)
		memSeq.Fold(seq)
		if err := compareStates(memPar, memSeq); err != nil {
			return fmt.Errorf("block %d: %w", b, err)
		}
		logger.Info("block verified", "block", b, "txns", par.TxnCount())
	}
	logger.Info("verify complete", "blocks", opts.blocks)
	return nil
}

func compareStates(a, b *exectest.MemState) error {
	da, db := a.Dump(), b.Dump()
	if len(da) != len(db) {
		return fmt.Errorf("state size mismatch: %d vs %d", len(da), len(db))
	}
	for k, v := range da {
		w, ok := db[k]
		if !ok || string(v) != string(w) {
			return fmt.Errorf("state divergence at key %s", k)
		}
	}
	return nil
}

func toProvider(txns []*exectest.Txn) exec.Transactions {
	out := make(exec.Transactions, len(txns))
	for i, tx := range txns {
		out[i] = tx
	}
	return out
}
