package script

import (
	"fmt"
	"path"
	"strings"

	"simflow/internal/domain"
	"simflow/internal/fs"
)

// Work directory layout created by every launch script. The directories are
// created with mkdir -p so re-running a script is harmless.
var workDirs = []string{ScriptsDir, "results", "logs", "temp"}

// ShellComposer produces the executable bash wrapper that sets up the vendor
// environment, runs the control script under the simulator launcher, and
// captures the simulator's exit code through the log pipe.
type ShellComposer struct {
	ws *fs.Workspace
}

func NewShellComposer(ws *fs.Workspace) *ShellComposer {
	return &ShellComposer{ws: ws}
}

// Compose renders the launch script for kind ("simulation" or "netlist")
// around the given control script path.
func (c *ShellComposer) Compose(cfg *domain.TaskConfig, launch domain.LaunchDescriptor, kind, controlScript string) (string, error) {
	if launch.Command == "" {
		return "", &domain.TemplateError{Section: "launch", Key: "command"}
	}
	if controlScript == "" {
		return "", &domain.TemplateError{Section: "launch", Key: "control_script"}
	}

	project := cfg.ProjectName()
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# Launch script for %s (%s)\n", cfg.Key(), kind)
	b.WriteString("set -u\n\n")

	if len(launch.EnvStatements) > 0 {
		b.WriteString("# Vendor environment\n")
		for _, stmt := range launch.EnvStatements {
			b.WriteString(stmt)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("# Work directories\n")
	for _, dir := range workDirs {
		fmt.Fprintf(&b, "mkdir -p %q\n", dir)
	}
	b.WriteString("\n")

	logFile := fmt.Sprintf("logs/%s_%s_$(date +%%Y%%m%%d_%%H%%M%%S).log", project, kind)
	cmd := launch.Command
	for _, arg := range launch.Args {
		cmd += " " + shellQuote(arg)
	}
	cmd += " " + shellQuote(controlScript)

	fmt.Fprintf(&b, "LOG_FILE=%q\n", logFile)
	fmt.Fprintf(&b, "echo \"Starting %s run for %s\" | tee \"$LOG_FILE\"\n", kind, project)
	fmt.Fprintf(&b, "%s 2>&1 | tee -a \"$LOG_FILE\"\n", cmd)
	b.WriteString("SIMULATION_EXIT_CODE=${PIPESTATUS[0]}\n")
	b.WriteString("echo \"Run finished with exit code $SIMULATION_EXIT_CODE\" | tee -a \"$LOG_FILE\"\n")
	b.WriteString("exit $SIMULATION_EXIT_CODE\n")
	return b.String(), nil
}

// Write composes the launch script and installs it executable at its
// deterministic path run_<project>_<kind>.sh in the workspace root.
func (c *ShellComposer) Write(cfg *domain.TaskConfig, launch domain.LaunchDescriptor, kind, controlScript string) (string, error) {
	content, err := c.Compose(cfg, launch, kind, controlScript)
	if err != nil {
		return "", err
	}
	rel := LaunchScriptName(cfg.ProjectName(), kind)
	return c.ws.WriteFileAtomic(rel, []byte(content), 0o755)
}

// LaunchScriptName is the file name of the launch script for a project and
// run kind.
func LaunchScriptName(project, kind string) string {
	return fmt.Sprintf("run_%s_%s.sh", project, kind)
}

// ControlScriptPath is the workspace-relative path of the control script for
// a project.
func ControlScriptPath(project string) string {
	return path.Join(ScriptsDir, project+ControlScriptExt)
}

// shellQuote single-quotes an argument unless it is already shell-safe.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.' || r == '/' || r == '=':
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
