// Package executor runs launch scripts as supervised subprocesses. Scripts
// are started in their own process group so a timeout or cancellation kills
// the simulator and every child it spawned, not just the wrapper shell.
package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"simflow/internal/domain"
)

// Classification is the coarse outcome of one execution attempt.
type Classification string

const (
	ClassSucceeded Classification = "succeeded"
	ClassFailed    Classification = "failed"
	ClassTimedOut  Classification = "timed_out"
	ClassCancelled Classification = "cancelled"
)

// resultPatterns are the simulator output globs collected from the results
// directory after a successful run.
var resultPatterns = []string{"*.log", "*.out", "*.raw", "*.tr0", "*.ac0", "*.dc0"}

// Result describes one finished execution attempt. A Result is produced for
// every process that started, including timed out and cancelled ones.
type Result struct {
	ExitCode       int
	Classification Classification
	LogPath        string
	Duration       time.Duration
	ResultFiles    []string
}

// Options control one execution attempt.
type Options struct {
	// WorkDir is the directory the script runs in.
	WorkDir string
	// LogPath receives the combined stdout and stderr of the process. Empty
	// discards output.
	LogPath string
	// Timeout bounds wall-clock runtime. Zero means no limit.
	Timeout time.Duration
	// ResultsDir is scanned for simulator output after a successful run.
	ResultsDir string
}

// Runner abstracts process execution so the run pipeline can be tested
// without spawning real simulators.
type Runner interface {
	Execute(ctx context.Context, scriptPath string, opts Options) (*Result, error)
}

// ProcessExecutor runs launch scripts under /bin/bash.
type ProcessExecutor struct {
	log *logrus.Entry
}

func NewProcessExecutor(log *logrus.Entry) *ProcessExecutor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ProcessExecutor{log: log}
}

// Execute runs the script and classifies the outcome. The returned error is
// non-nil only when the process could not be supervised at all (script
// missing, log file unwritable, start failure); a process that ran and
// failed, timed out or was cancelled yields a Result and a nil error.
func (e *ProcessExecutor) Execute(ctx context.Context, scriptPath string, opts Options) (*Result, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, &domain.ProcessError{Script: scriptPath, Err: err}
	}

	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.Dir = opts.WorkDir
	// Own process group so the whole simulator tree can be killed at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
			return nil, &domain.IOError{Op: "mkdir", Path: filepath.Dir(opts.LogPath), Err: err}
		}
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, &domain.IOError{Op: "open", Path: opts.LogPath, Err: err}
		}
		defer f.Close()
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &domain.ProcessError{Script: scriptPath, Err: err}
	}
	e.log.WithFields(logrus.Fields{
		"script": scriptPath,
		"pid":    cmd.Process.Pid,
	}).Info("process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	res := &Result{LogPath: opts.LogPath}
	var waitErr error
	select {
	case <-ctx.Done():
		e.killGroup(cmd)
		<-done
		res.Classification = ClassCancelled
		res.ExitCode = -1
	case <-timeout:
		e.killGroup(cmd)
		<-done
		res.Classification = ClassTimedOut
		res.ExitCode = -1
		e.log.WithFields(logrus.Fields{
			"script":  scriptPath,
			"timeout": opts.Timeout,
		}).Warn("process killed after timeout")
	case waitErr = <-done:
		res.ExitCode, waitErr = exitCode(waitErr)
		if waitErr != nil {
			return nil, &domain.ProcessError{Script: scriptPath, Err: waitErr}
		}
		if res.ExitCode == 0 {
			res.Classification = ClassSucceeded
			res.ResultFiles = scanResults(opts.ResultsDir)
		} else {
			res.Classification = ClassFailed
		}
	}
	res.Duration = time.Since(start)

	if logFile != nil {
		logFile.Sync()
	}
	e.log.WithFields(logrus.Fields{
		"script":   scriptPath,
		"exit":     res.ExitCode,
		"outcome":  res.Classification,
		"duration": res.Duration.Round(time.Millisecond),
	}).Info("process finished")
	return res, nil
}

func (e *ProcessExecutor) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		e.log.WithError(err).WithField("pid", cmd.Process.Pid).Warn("kill process group")
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// ResultBreakdown groups collected result files by what they hold:
// simulation data (waveforms, analysis output), run logs, and anything else.
type ResultBreakdown struct {
	Data  []string
	Logs  []string
	Other []string
}

var dataExtensions = map[string]bool{
	".raw": true, ".tr0": true, ".ac0": true, ".dc0": true, ".psf": true,
}

// ClassifyResults buckets result files by extension.
func ClassifyResults(files []string) ResultBreakdown {
	var b ResultBreakdown
	for _, f := range files {
		switch ext := filepath.Ext(f); {
		case dataExtensions[ext]:
			b.Data = append(b.Data, f)
		case ext == ".log" || ext == ".out":
			b.Logs = append(b.Logs, f)
		default:
			b.Other = append(b.Other, f)
		}
	}
	return b
}

// scanResults is best effort: a results directory that cannot be read simply
// yields no files.
func scanResults(dir string) []string {
	if dir == "" {
		return nil
	}
	var files []string
	for _, pattern := range resultPatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files
}
