package domain

import (
	"fmt"
	"time"
)

// ConfigError is a malformed, missing or inconsistent configuration. It is
// raised before any file is written.
type ConfigError struct {
	Msg string
	Err error
}

func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

func WrapConfigError(err error, format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return "config: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TemplateError is a script section that cannot bind a required value. It is
// raised before any launch script exists; composition writes nothing.
type TemplateError struct {
	Section string
	Key     string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template: section %q is missing required value %q", e.Section, e.Key)
}

// ConflictError rejects a run request whose task key already has a running
// record. No state changes when it is returned.
type ConflictError struct {
	Key       TaskKey
	RunningID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: task %s is already running (record %s)", e.Key, e.RunningID)
}

// InUseError rejects deleting a testbench still referenced by a task in a
// non-terminal state.
type InUseError struct {
	Name   string
	TaskID string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("testbench %q is in use by active task %s", e.Name, e.TaskID)
}

// ProcessError is a child process that exited non-zero or could not be
// started at all.
type ProcessError struct {
	Script   string
	ExitCode int
	LogPath  string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process %s: %v", e.Script, e.Err)
	}
	if e.LogPath != "" {
		return fmt.Sprintf("process exited with code %d (log: %s)", e.ExitCode, e.LogPath)
	}
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// TimeoutError is a child process that exceeded its deadline and was
// forcibly terminated.
type TimeoutError struct {
	Timeout time.Duration
	LogPath string
}

func (e *TimeoutError) Error() string {
	if e.LogPath != "" {
		return fmt.Sprintf("process exceeded timeout %s and was terminated (log: %s)", e.Timeout, e.LogPath)
	}
	return fmt.Sprintf("process exceeded timeout %s and was terminated", e.Timeout)
}

// IOError is a filesystem failure during directory setup or script/log
// writing.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
