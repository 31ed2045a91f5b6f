// Package runner drives one simulation task through its lifecycle: conflict
// check, record creation, script composition, supervised execution and the
// terminal state transition. A bounded worker pool limits how many simulator
// processes run at once.
package runner

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"simflow/internal/config"
	"simflow/internal/domain"
	"simflow/internal/executor"
	"simflow/internal/fs"
	"simflow/internal/script"
	"simflow/internal/store/sqlite"
	"simflow/internal/tools"
)

const runKindSimulation = "simulation"

// Runner owns the run pipeline. Safe for concurrent use.
type Runner struct {
	store   *sqlite.Store
	tools   *tools.Registry
	exec    executor.Runner
	log     *logrus.Entry
	timeout time.Duration
	slots   chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(store *sqlite.Store, registry *tools.Registry, exec executor.Runner, cfg config.RunnerConfig, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	poolSize := cfg.PoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	return &Runner{
		store:   store,
		tools:   registry,
		exec:    exec,
		log:     log,
		timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		slots:   make(chan struct{}, poolSize),
		cancels: make(map[string]context.CancelFunc),
	}
}

// ScriptPaths are the files produced for one task.
type ScriptPaths struct {
	ControlScript string
	LaunchScript  string
}

// GenerateScripts composes the control and launch scripts for a task without
// creating a record or running anything. Existing scripts are overwritten.
func (r *Runner) GenerateScripts(cfg *domain.TaskConfig) (ScriptPaths, error) {
	ws, err := fs.NewWorkspace(cfg.SimulationRootPath)
	if err != nil {
		return ScriptPaths{}, err
	}
	return r.composeScripts(ws, cfg, runKindSimulation)
}

// GenerateNetlistScripts composes the netlist creation script pair.
func (r *Runner) GenerateNetlistScripts(cfg *domain.TaskConfig) (ScriptPaths, error) {
	ws, err := fs.NewWorkspace(cfg.SimulationRootPath)
	if err != nil {
		return ScriptPaths{}, err
	}
	launch, err := r.tools.Launch(cfg.Simulator)
	if err != nil {
		return ScriptPaths{}, err
	}
	ocean := script.NewOceanComposer(ws)
	controlPath, err := ocean.WriteNetlist(cfg)
	if err != nil {
		return ScriptPaths{}, err
	}
	shell := script.NewShellComposer(ws)
	controlRel := path.Join(script.ScriptsDir, cfg.ProjectName()+"_netlist"+script.ControlScriptExt)
	launchPath, err := shell.Write(cfg, launch, "netlist", controlRel)
	if err != nil {
		return ScriptPaths{}, err
	}
	return ScriptPaths{ControlScript: controlPath, LaunchScript: launchPath}, nil
}

func (r *Runner) composeScripts(ws *fs.Workspace, cfg *domain.TaskConfig, kind string) (ScriptPaths, error) {
	launch, err := r.tools.Launch(cfg.Simulator)
	if err != nil {
		return ScriptPaths{}, err
	}
	if err := ws.EnsureDirs(script.ScriptsDir, "results", "logs", "temp"); err != nil {
		return ScriptPaths{}, err
	}

	ocean := script.NewOceanComposer(ws)
	controlPath, err := ocean.Write(cfg)
	if err != nil {
		return ScriptPaths{}, err
	}
	shell := script.NewShellComposer(ws)
	launchPath, err := shell.Write(cfg, launch, kind, script.ControlScriptPath(cfg.ProjectName()))
	if err != nil {
		return ScriptPaths{}, err
	}
	return ScriptPaths{ControlScript: controlPath, LaunchScript: launchPath}, nil
}

// Run executes one task synchronously and returns its final record. A task
// key with a running record is rejected up front with a ConflictError; the
// same rule is enforced again inside the store when the record transitions
// to running, so two concurrent Run calls cannot both pass.
func (r *Runner) Run(ctx context.Context, cfg *domain.TaskConfig) (domain.TaskRecord, error) {
	key := cfg.Key()
	if running, found, err := r.store.RunningRecord(ctx, key); err != nil {
		return domain.TaskRecord{}, err
	} else if found {
		return domain.TaskRecord{}, &domain.ConflictError{Key: key, RunningID: running.ID}
	}

	rec := domain.TaskRecord{
		ID:            uuid.NewString(),
		Key:           key,
		Simulator:     cfg.Simulator,
		TestbenchName: cfg.TestbenchName,
		State:         domain.TaskStateCreated,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.CreateRecord(ctx, rec); err != nil {
		return domain.TaskRecord{}, err
	}
	log := r.log.WithFields(logrus.Fields{"record": rec.ID, "task": key.String()})
	log.Info("task created")

	ws, err := fs.NewWorkspace(cfg.SimulationRootPath)
	if err != nil {
		return r.finalRecord(ctx, rec.ID, err)
	}
	paths, err := r.composeScripts(ws, cfg, runKindSimulation)
	if err != nil {
		return r.finalRecord(ctx, rec.ID, err)
	}
	if err := r.store.Transition(ctx, rec.ID, domain.TaskStateScriptGenerated, sqlite.RecordPatch{}); err != nil {
		return r.finalRecord(ctx, rec.ID, err)
	}
	log.WithField("launch_script", paths.LaunchScript).Info("scripts generated")

	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return r.finalRecord(ctx, rec.ID, ctx.Err())
	}
	defer func() { <-r.slots }()

	if err := r.store.Transition(ctx, rec.ID, domain.TaskStateRunning, sqlite.RecordPatch{}); err != nil {
		return r.finalRecord(ctx, rec.ID, err)
	}
	log.Info("task running")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.registerCancel(rec.ID, cancel)
	defer r.unregisterCancel(rec.ID)

	logPath := ws.Path("logs", fmt.Sprintf("%s_%s_%s.log",
		cfg.ProjectName(), runKindSimulation, time.Now().UTC().Format("20060102_150405")))
	res, execErr := r.exec.Execute(runCtx, paths.LaunchScript, executor.Options{
		WorkDir:    ws.Root(),
		LogPath:    logPath,
		Timeout:    r.timeout,
		ResultsDir: cfg.ResultsDir(),
	})
	if execErr != nil {
		msg := execErr.Error()
		_ = r.store.Transition(context.WithoutCancel(ctx), rec.ID, domain.TaskStateFailed, sqlite.RecordPatch{LastError: &msg})
		return r.finalRecord(ctx, rec.ID, execErr)
	}

	return r.finish(ctx, rec.ID, res, log)
}

// finish maps an execution result to the terminal transition and the error
// surfaced to the caller. The transition runs on a context detached from the
// caller's cancellation: a SIGINT that cancelled the run must still land the
// record in cancelled, not strand it in running.
func (r *Runner) finish(ctx context.Context, recordID string, res *executor.Result, log *logrus.Entry) (domain.TaskRecord, error) {
	ctx = context.WithoutCancel(ctx)
	patch := sqlite.RecordPatch{
		LogPath:     &res.LogPath,
		ExitCode:    &res.ExitCode,
		ResultFiles: res.ResultFiles,
	}

	var state domain.TaskState
	var runErr error
	switch res.Classification {
	case executor.ClassSucceeded:
		state = domain.TaskStateSucceeded
	case executor.ClassTimedOut:
		state = domain.TaskStateTimedOut
		runErr = &domain.TimeoutError{Timeout: r.timeout, LogPath: res.LogPath}
	case executor.ClassCancelled:
		state = domain.TaskStateCancelled
	default:
		state = domain.TaskStateFailed
		runErr = &domain.ProcessError{ExitCode: res.ExitCode, LogPath: res.LogPath}
	}
	if runErr != nil {
		msg := runErr.Error()
		patch.LastError = &msg
	}

	if err := r.store.Transition(ctx, recordID, state, patch); err != nil {
		log.WithError(err).Error("terminal transition failed")
		return r.finalRecord(ctx, recordID, err)
	}
	log.WithFields(logrus.Fields{"state": state, "exit": res.ExitCode}).Info("task finished")
	return r.finalRecord(ctx, recordID, runErr)
}

// Cancel stops the running process of a record. Only a record currently
// executing in this process can be cancelled.
func (r *Runner) Cancel(recordID string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[recordID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("record %s is not running in this process", recordID)
	}
	cancel()
	return nil
}

func (r *Runner) registerCancel(recordID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[recordID] = cancel
	r.mu.Unlock()
}

func (r *Runner) unregisterCancel(recordID string) {
	r.mu.Lock()
	delete(r.cancels, recordID)
	r.mu.Unlock()
}

// finalRecord re-reads the record so callers always see the stored state,
// keeping runErr as the primary error. The read is detached from the
// caller's cancellation so an interrupted run still reports its final state.
func (r *Runner) finalRecord(ctx context.Context, recordID string, runErr error) (domain.TaskRecord, error) {
	rec, err := r.store.GetRecord(context.WithoutCancel(ctx), recordID)
	if err != nil {
		if runErr != nil {
			return domain.TaskRecord{}, runErr
		}
		return domain.TaskRecord{}, err
	}
	return rec, runErr
}
