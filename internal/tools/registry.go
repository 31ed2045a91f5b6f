// Package tools resolves registered EDA tools and PDKs by name. The registry
// is lookup data only: launch commands, arguments and vendor environment
// statements come from the system configuration, never from the host
// environment directly.
package tools

import (
	"strings"

	"simflow/internal/config"
	"simflow/internal/domain"
)

type Registry struct {
	tools map[string]config.ToolConfig
	pdks  map[string]config.PDKConfig
}

func NewRegistry(cfg config.SystemConfig) *Registry {
	return &Registry{
		tools: cfg.Tools,
		pdks:  cfg.PDKs,
	}
}

// Launch resolves the launch descriptor for a simulator. A simulator with no
// registered tool is a configuration failure, not an execution failure.
func (r *Registry) Launch(simulator domain.Simulator) (domain.LaunchDescriptor, error) {
	tool, ok := r.tools[string(simulator)]
	if !ok {
		return domain.LaunchDescriptor{}, domain.NewConfigError("no EDA tool registered for simulator %q", simulator)
	}
	command := strings.TrimSpace(tool.LaunchCommand)
	if command == "" {
		command = defaultLaunchCommand(simulator)
	}
	return domain.LaunchDescriptor{
		Command:       command,
		Args:          tool.LaunchArgs,
		EnvStatements: tool.Environment,
	}, nil
}

// PDKPaths resolves the characterization roots for a named PDK.
func (r *Registry) PDKPaths(name string) (domain.PDKPaths, error) {
	pdk, ok := r.pdks[name]
	if !ok {
		return domain.PDKPaths{}, domain.NewConfigError("unknown PDK %q", name)
	}
	if strings.TrimSpace(pdk.ModelRoot) == "" {
		return domain.PDKPaths{}, domain.NewConfigError("PDK %q has no model_root configured", name)
	}
	return domain.PDKPaths{
		ModelRoot:   pdk.ModelRoot,
		DRCRoot:     pdk.DRCRoot,
		LVSRoot:     pdk.LVSRoot,
		ExtractRoot: pdk.ExtractRoot,
	}, nil
}

// defaultLaunchCommand mirrors the conventional front-end for each simulator
// family: Cadence flows drive the run through ocean, the others invoke the
// simulator binary itself.
func defaultLaunchCommand(simulator domain.Simulator) string {
	switch simulator {
	case domain.SimulatorSpectre, domain.SimulatorVirtuoso:
		return "ocean"
	default:
		return string(simulator)
	}
}
