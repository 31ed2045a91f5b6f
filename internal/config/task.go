package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"simflow/internal/domain"
)

// taskFile mirrors the on-disk task configuration. A task references its
// testbench either by file path (captured immediately) or by registry name
// (resolved by the caller before validation).
type taskFile struct {
	Simulation struct {
		ProjectDir         string `yaml:"project_dir"`
		LibraryName        string `yaml:"library_name"`
		CellName           string `yaml:"cell_name"`
		DesignType         string `yaml:"design_type"`
		Simulator          string `yaml:"simulator"`
		SimulationRootPath string `yaml:"simulation_root_path"`
		PDK                string `yaml:"pdk"`
	} `yaml:"simulation"`
	TestbenchConfig string `yaml:"testbench_config"`
	Testbench       string `yaml:"testbench"`
}

type testbenchFile struct {
	Models struct {
		Files []domain.ModelFile `yaml:"files"`
	} `yaml:"models"`
	Analyses analysisList `yaml:"analyses"`
	Stimulus struct {
		Files []string `yaml:"files"`
	} `yaml:"stimulus"`
	Variables map[string]float64 `yaml:"variables"`
	Outputs   struct {
		SaveNodes []string `yaml:"save_nodes"`
	} `yaml:"outputs"`
	InitialConditions map[string]float64     `yaml:"initial_conditions"`
	Environment       domain.Environment     `yaml:"environment"`
	PostProcessing    *domain.PostProcessing `yaml:"post_processing"`
}

// analysisList preserves the file order of analysis blocks and rejects a
// duplicate block for the same kind.
type analysisList []domain.Analysis

func (l *analysisList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("analyses must be a mapping of kind to parameters")
	}
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		kind := node.Content[i].Value
		if seen[kind] {
			return fmt.Errorf("duplicate analysis block %q", kind)
		}
		seen[kind] = true
		var params map[string]any
		if err := node.Content[i+1].Decode(&params); err != nil {
			return fmt.Errorf("decode %s analysis parameters: %w", kind, err)
		}
		*l = append(*l, domain.Analysis{Kind: kind, Params: params})
	}
	return nil
}

// LoadTaskConfig reads a task configuration file. When the testbench is
// referenced by file path, the content is loaded and attached; when
// referenced by registry name, TestbenchName is set and the caller must
// attach the content. Either way the caller applies runner defaults and
// validates before use.
func LoadTaskConfig(path string) (*domain.TaskConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapConfigError(err, "read task config %s", path)
	}
	var tf taskFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, domain.WrapConfigError(err, "parse task config %s", path)
	}

	cfg := &domain.TaskConfig{
		ProjectDir:         tf.Simulation.ProjectDir,
		LibraryName:        tf.Simulation.LibraryName,
		CellName:           tf.Simulation.CellName,
		DesignType:         domain.DesignType(tf.Simulation.DesignType),
		Simulator:          domain.Simulator(tf.Simulation.Simulator),
		SimulationRootPath: tf.Simulation.SimulationRootPath,
		PDK:                tf.Simulation.PDK,
	}

	switch {
	case tf.TestbenchConfig != "" && tf.Testbench != "":
		return nil, domain.NewConfigError("task config sets both testbench_config and testbench")
	case tf.TestbenchConfig != "":
		tbPath := tf.TestbenchConfig
		if !filepath.IsAbs(tbPath) {
			tbPath = filepath.Join(filepath.Dir(path), tbPath)
		}
		tb, err := LoadTestbenchConfig(tbPath)
		if err != nil {
			return nil, err
		}
		cfg.Testbench = tb
	case tf.Testbench != "":
		cfg.TestbenchName = tf.Testbench
	default:
		return nil, domain.NewConfigError("task config references no testbench (testbench_config or testbench)")
	}
	return cfg, nil
}

// LoadTestbenchConfig reads and parses a testbench configuration file. The
// content is not validated on its own; validation runs against the complete
// task the testbench is attached to.
func LoadTestbenchConfig(path string) (domain.TestbenchConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.TestbenchConfig{}, domain.WrapConfigError(err, "read testbench config %s", path)
	}
	return ParseTestbenchConfig(raw)
}

func ParseTestbenchConfig(raw []byte) (domain.TestbenchConfig, error) {
	var tb testbenchFile
	if err := yaml.Unmarshal(raw, &tb); err != nil {
		return domain.TestbenchConfig{}, domain.WrapConfigError(err, "parse testbench config")
	}
	out := domain.TestbenchConfig{
		ModelFiles:        tb.Models.Files,
		StimulusFiles:     tb.Stimulus.Files,
		Analyses:          tb.Analyses,
		DesignVariables:   tb.Variables,
		SaveNodes:         tb.Outputs.SaveNodes,
		InitialConditions: tb.InitialConditions,
		Environment:       tb.Environment,
		PostProcessing:    tb.PostProcessing,
	}
	if out.Environment.Temperature == 0 {
		out.Environment.Temperature = 27.0
	}
	if out.Environment.SupplyVoltage == 0 {
		out.Environment.SupplyVoltage = 1.8
	}
	return out, nil
}

// mandatoryAnalysisKeys lists the parameters each analysis kind cannot run
// without. Kinds not listed here accept any parameter set.
var mandatoryAnalysisKeys = map[string][]string{
	"tran":  {"stop"},
	"ac":    {"start", "stop"},
	"noise": {"output"},
}

// ValidateTaskConfig checks the complete task all-or-nothing: either the
// config is usable exactly as given or a ConfigError describes the first
// violation. There is no partial success.
func ValidateTaskConfig(c *domain.TaskConfig) error {
	if strings.TrimSpace(c.ProjectDir) == "" {
		return domain.NewConfigError("project_dir is required")
	}
	if strings.TrimSpace(c.LibraryName) == "" {
		return domain.NewConfigError("library_name is required")
	}
	if strings.TrimSpace(c.CellName) == "" {
		return domain.NewConfigError("cell_name is required")
	}
	if strings.TrimSpace(c.SimulationRootPath) == "" {
		return domain.NewConfigError("simulation_root_path is required")
	}
	if !c.DesignType.Known() {
		return domain.NewConfigError("unknown design_type %q (schematic or layout)", c.DesignType)
	}
	if !c.Simulator.Known() {
		return domain.NewConfigError("unsupported simulator %q", c.Simulator)
	}
	if len(c.Testbench.Analyses) == 0 {
		return domain.NewConfigError("at least one analysis must be configured")
	}
	for _, a := range c.Testbench.Analyses {
		for _, key := range mandatoryAnalysisKeys[a.Kind] {
			if _, ok := a.Params[key]; !ok {
				return domain.NewConfigError("%s analysis is missing mandatory parameter %q", a.Kind, key)
			}
		}
	}
	for i, mf := range c.Testbench.ModelFiles {
		if strings.TrimSpace(mf.Path) == "" {
			return domain.NewConfigError("model file entry %d has an empty path", i)
		}
	}
	seen := make(map[string]bool, len(c.Testbench.SaveNodes))
	for _, node := range c.Testbench.SaveNodes {
		if strings.TrimSpace(node) == "" {
			return domain.NewConfigError("save node names must be non-empty")
		}
		if seen[node] {
			return domain.NewConfigError("duplicate save node %q", node)
		}
		seen[node] = true
	}
	return nil
}

// ApplyWorkDirDefault fills an omitted simulation_root_path from the
// runner's work_dir, keyed by project so two projects never share a
// workspace. An explicit path in the task file always wins.
func ApplyWorkDirDefault(c *domain.TaskConfig, workDir string) {
	if strings.TrimSpace(c.SimulationRootPath) != "" || workDir == "" {
		return
	}
	c.SimulationRootPath = filepath.Join(workDir, c.ProjectName())
}

// ApplyPDK rewrites relative model-file paths against the resolved PDK model
// root. Absolute paths are left alone.
func ApplyPDK(c *domain.TaskConfig, paths domain.PDKPaths) {
	for i, mf := range c.Testbench.ModelFiles {
		if !filepath.IsAbs(mf.Path) {
			c.Testbench.ModelFiles[i].Path = filepath.Join(paths.ModelRoot, mf.Path)
		}
	}
}
