package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simflow/internal/config"
	"simflow/internal/domain"
	"simflow/internal/executor"
	"simflow/internal/store/sqlite"
	"simflow/internal/tools"
)

// fakeExecutor returns canned results and can block until released to
// exercise concurrency paths.
type fakeExecutor struct {
	mu      sync.Mutex
	result  executor.Result
	block   chan struct{}
	started chan struct{}
	calls   int
}

func (f *fakeExecutor) Execute(ctx context.Context, scriptPath string, opts executor.Options) (*executor.Result, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	started := f.started
	f.mu.Unlock()

	if started != nil {
		close(started)
		f.mu.Lock()
		f.started = nil
		f.mu.Unlock()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			res := f.result
			res.Classification = executor.ClassCancelled
			res.ExitCode = -1
			res.LogPath = opts.LogPath
			return &res, nil
		}
	}
	res := f.result
	res.LogPath = opts.LogPath
	return &res, nil
}

func newTestRunner(t *testing.T, fake *fakeExecutor, poolSize int) (*Runner, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	registry := tools.NewRegistry(config.SystemConfig{
		Tools: map[string]config.ToolConfig{
			"spectre": {
				LaunchCommand: "ocean",
				LaunchArgs:    []string{"-nograph"},
				Environment:   []string{"export CDS_LIC_FILE=5280@license"},
			},
		},
	})
	r := New(store, registry, fake, config.RunnerConfig{PoolSize: poolSize, TimeoutSec: 60}, nil)
	return r, store
}

func taskConfig(t *testing.T) *domain.TaskConfig {
	root := filepath.Join(t.TempDir(), "sim")
	return &domain.TaskConfig{
		ProjectDir:         "/work/amp",
		LibraryName:        "cells",
		CellName:           "inv",
		DesignType:         domain.DesignTypeSchematic,
		Simulator:          domain.SimulatorSpectre,
		SimulationRootPath: root,
		Testbench: domain.TestbenchConfig{
			Analyses:    []domain.Analysis{{Kind: "tran", Params: map[string]any{"stop": "10n"}}},
			Environment: domain.Environment{Temperature: 27, SupplyVoltage: 1.8},
		},
	}
}

func TestRunSuccess(t *testing.T) {
	fake := &fakeExecutor{result: executor.Result{
		ExitCode:       0,
		Classification: executor.ClassSucceeded,
		ResultFiles:    []string{"/sim/results/out.raw"},
	}}
	r, _ := newTestRunner(t, fake, 1)
	cfg := taskConfig(t)

	rec, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStateSucceeded, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Equal(t, []string{"/sim/results/out.raw"}, rec.ResultFiles)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.EndedAt)

	// both scripts were written before execution
	_, err = os.Stat(filepath.Join(cfg.SimulationRootPath, "scripts", "amp.ocn"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.SimulationRootPath, "run_amp_simulation.sh"))
	assert.NoError(t, err)
}

func TestRunNonZeroExit(t *testing.T) {
	fake := &fakeExecutor{result: executor.Result{
		ExitCode:       2,
		Classification: executor.ClassFailed,
	}}
	r, _ := newTestRunner(t, fake, 1)

	rec, err := r.Run(context.Background(), taskConfig(t))
	var perr *domain.ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.ExitCode)

	assert.Equal(t, domain.TaskStateFailed, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 2, *rec.ExitCode)
	assert.NotEmpty(t, rec.LastError)
}

func TestRunTimeout(t *testing.T) {
	fake := &fakeExecutor{result: executor.Result{
		ExitCode:       -1,
		Classification: executor.ClassTimedOut,
	}}
	r, _ := newTestRunner(t, fake, 1)

	rec, err := r.Run(context.Background(), taskConfig(t))
	var terr *domain.TimeoutError
	require.ErrorAs(t, err, &terr)

	assert.Equal(t, domain.TaskStateTimedOut, rec.State)
	assert.NotEmpty(t, rec.LastError)
}

func TestRunConflictOnSameKey(t *testing.T) {
	fake := &fakeExecutor{
		result:  executor.Result{ExitCode: 0, Classification: executor.ClassSucceeded},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	r, _ := newTestRunner(t, fake, 2)

	first := taskConfig(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(context.Background(), first)
	}()
	<-fake.started

	second := taskConfig(t)
	_, err := r.Run(context.Background(), second)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.Key(), conflict.Key)

	close(fake.block)
	<-done

	// key freed after the first run finished
	fake.block = nil
	_, err = r.Run(context.Background(), taskConfig(t))
	require.NoError(t, err)
}

func TestCancelRunningTask(t *testing.T) {
	fake := &fakeExecutor{
		result:  executor.Result{ExitCode: 0, Classification: executor.ClassSucceeded},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	r, store := newTestRunner(t, fake, 1)

	type runResult struct {
		rec domain.TaskRecord
		err error
	}
	out := make(chan runResult, 1)
	go func() {
		rec, err := r.Run(context.Background(), taskConfig(t))
		out <- runResult{rec, err}
	}()
	<-fake.started

	running, err := store.QueryRecords(context.Background(), sqlite.RecordFilter{State: domain.TaskStateRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.NoError(t, r.Cancel(running[0].ID))

	res := <-out
	require.NoError(t, res.err)
	assert.Equal(t, domain.TaskStateCancelled, res.rec.State)

	// a finished record can no longer be cancelled
	assert.Error(t, r.Cancel(running[0].ID))
}

func TestInterruptedRunContextReachesCancelledState(t *testing.T) {
	fake := &fakeExecutor{
		result:  executor.Result{ExitCode: 0, Classification: executor.ClassSucceeded},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	r, store := newTestRunner(t, fake, 1)
	cfg := taskConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	type runResult struct {
		rec domain.TaskRecord
		err error
	}
	out := make(chan runResult, 1)
	go func() {
		rec, err := r.Run(ctx, cfg)
		out <- runResult{rec, err}
	}()
	<-fake.started

	// the interrupt path: the context handed to Run is cancelled while the
	// process is executing
	cancel()

	res := <-out
	require.NoError(t, res.err)
	assert.Equal(t, domain.TaskStateCancelled, res.rec.State)

	// the terminal transition was persisted despite the dead context
	stored, err := store.GetRecord(context.Background(), res.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCancelled, stored.State)
	assert.NotNil(t, stored.EndedAt)

	// the key is free again for a fresh run
	fake.block = nil
	rec, err := r.Run(context.Background(), taskConfig(t))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateSucceeded, rec.State)
}

func TestCancelUnknownRecord(t *testing.T) {
	fake := &fakeExecutor{}
	r, _ := newTestRunner(t, fake, 1)
	assert.Error(t, r.Cancel("no-such-record"))
}

func TestRunUnregisteredSimulatorLeavesRecordCreated(t *testing.T) {
	fake := &fakeExecutor{}
	r, store := newTestRunner(t, fake, 1)

	cfg := taskConfig(t)
	cfg.Simulator = domain.SimulatorHspice

	rec, err := r.Run(context.Background(), cfg)
	var cerr *domain.ConfigError
	require.ErrorAs(t, err, &cerr)

	assert.Equal(t, domain.TaskStateCreated, rec.State)
	assert.Equal(t, 0, fake.calls)

	// nothing is running afterwards
	running, err := store.QueryRecords(context.Background(), sqlite.RecordFilter{State: domain.TaskStateRunning})
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestGenerateScriptsOnly(t *testing.T) {
	fake := &fakeExecutor{}
	r, store := newTestRunner(t, fake, 1)
	cfg := taskConfig(t)

	paths, err := r.GenerateScripts(cfg)
	require.NoError(t, err)
	assert.FileExists(t, paths.ControlScript)
	assert.FileExists(t, paths.LaunchScript)

	info, err := os.Stat(paths.LaunchScript)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// script generation alone creates no record
	all, err := store.QueryRecords(context.Background(), sqlite.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 0, fake.calls)
}

func TestGenerateNetlistScripts(t *testing.T) {
	fake := &fakeExecutor{}
	r, _ := newTestRunner(t, fake, 1)
	cfg := taskConfig(t)

	paths, err := r.GenerateNetlistScripts(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.SimulationRootPath, "scripts", "amp_netlist.ocn"), paths.ControlScript)
	assert.Equal(t, filepath.Join(cfg.SimulationRootPath, "run_amp_netlist.sh"), paths.LaunchScript)
}

func TestPoolSizeOneSerializesDistinctKeys(t *testing.T) {
	fake := &fakeExecutor{
		result:  executor.Result{ExitCode: 0, Classification: executor.ClassSucceeded},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	r, store := newTestRunner(t, fake, 1)

	first := taskConfig(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(context.Background(), first)
	}()
	<-fake.started

	second := taskConfig(t)
	second.CellName = "nand2"
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, _ = r.Run(context.Background(), second)
	}()

	// the second task cannot reach running while the only slot is taken
	time.Sleep(150 * time.Millisecond)
	running, err := store.QueryRecords(context.Background(), sqlite.RecordFilter{State: domain.TaskStateRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	close(fake.block)
	<-done
	<-secondDone
}
