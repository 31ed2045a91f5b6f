package domain

import (
	"fmt"
	"path/filepath"
	"time"
)

type Simulator string

const (
	SimulatorSpectre  Simulator = "spectre"
	SimulatorVirtuoso Simulator = "virtuoso"
	SimulatorHspice   Simulator = "hspice"
	SimulatorEldo     Simulator = "eldo"
)

func (s Simulator) Known() bool {
	switch s {
	case SimulatorSpectre, SimulatorVirtuoso, SimulatorHspice, SimulatorEldo:
		return true
	}
	return false
}

type DesignType string

const (
	DesignTypeSchematic DesignType = "schematic"
	DesignTypeLayout    DesignType = "layout"
)

func (d DesignType) Known() bool {
	return d == DesignTypeSchematic || d == DesignTypeLayout
}

type TaskState string

const (
	TaskStateCreated         TaskState = "created"
	TaskStateScriptGenerated TaskState = "script_generated"
	TaskStateRunning         TaskState = "running"
	TaskStateSucceeded       TaskState = "succeeded"
	TaskStateFailed          TaskState = "failed"
	TaskStateTimedOut        TaskState = "timed_out"
	TaskStateCancelled       TaskState = "cancelled"
)

// TaskKey identifies one logically exclusive simulation unit. At most one
// record with this key may be running at a time.
type TaskKey struct {
	Project string `json:"project"`
	Library string `json:"library"`
	Cell    string `json:"cell"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Project, k.Library, k.Cell)
}

// ModelFile binds a model file path to a process corner. An empty corner
// means the simulator's default section.
type ModelFile struct {
	Path   string `json:"path" yaml:"path"`
	Corner string `json:"corner,omitempty" yaml:"corner"`
}

// Analysis is one analysis block (dc, ac, tran, noise, ...). Blocks are kept
// in the order they appeared in the testbench file; composition reorders them
// into the canonical simulator order.
type Analysis struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

type Environment struct {
	Temperature   float64 `json:"temperature" yaml:"temperature"`
	SupplyVoltage float64 `json:"supply_voltage" yaml:"supply_voltage"`
}

type PostProcessing struct {
	PlotEnabled bool     `json:"plot_enabled" yaml:"plot_enabled"`
	Plots       []string `json:"plots,omitempty" yaml:"plots"`
	SaveData    bool     `json:"save_data" yaml:"save_data"`
	SaveItems   []string `json:"save_items,omitempty" yaml:"save_items"`
}

// TestbenchConfig is the reusable bundle of models, analyses, variables and
// outputs that parameterizes a simulation run, independent of the cell it
// targets.
type TestbenchConfig struct {
	ModelFiles        []ModelFile        `json:"model_files,omitempty"`
	StimulusFiles     []string           `json:"stimulus_files,omitempty"`
	Analyses          []Analysis         `json:"analyses"`
	DesignVariables   map[string]float64 `json:"design_variables,omitempty"`
	SaveNodes         []string           `json:"save_nodes,omitempty"`
	InitialConditions map[string]float64 `json:"initial_conditions,omitempty"`
	Environment       Environment        `json:"environment"`
	PostProcessing    *PostProcessing    `json:"post_processing,omitempty"`
}

// AnalysisByKind returns the analysis block for kind, if present.
func (tb *TestbenchConfig) AnalysisByKind(kind string) (Analysis, bool) {
	for _, a := range tb.Analyses {
		if a.Kind == kind {
			return a, true
		}
	}
	return Analysis{}, false
}

// TaskConfig is the validated, immutable description of one runnable
// simulation task. The testbench content is captured by value at load time;
// later registry edits do not affect an already loaded task.
type TaskConfig struct {
	ProjectDir         string          `json:"project_dir"`
	LibraryName        string          `json:"library_name"`
	CellName           string          `json:"cell_name"`
	DesignType         DesignType      `json:"design_type"`
	Simulator          Simulator       `json:"simulator"`
	SimulationRootPath string          `json:"simulation_root_path"`
	PDK                string          `json:"pdk,omitempty"`
	TestbenchName      string          `json:"testbench_name,omitempty"`
	Testbench          TestbenchConfig `json:"testbench"`
}

func (c *TaskConfig) ProjectName() string {
	return filepath.Base(filepath.Clean(c.ProjectDir))
}

func (c *TaskConfig) Key() TaskKey {
	return TaskKey{
		Project: c.ProjectName(),
		Library: c.LibraryName,
		Cell:    c.CellName,
	}
}

// DesignPath is the netlist location derived from the task identity,
// following the library/cell/view layout of the design database.
func (c *TaskConfig) DesignPath() string {
	return filepath.Join(c.ProjectDir, c.LibraryName, c.CellName, string(c.DesignType), "netlist")
}

func (c *TaskConfig) ResultsDir() string {
	return filepath.Join(c.SimulationRootPath, "results")
}

// LaunchDescriptor is the resolved simulator invocation: how to start the
// tool and which vendor environment statements the launch script must emit,
// in order.
type LaunchDescriptor struct {
	Command       string   `json:"command"`
	Args          []string `json:"args,omitempty"`
	EnvStatements []string `json:"env_statements,omitempty"`
}

// PDKPaths are the characterization roots resolved for a named PDK.
type PDKPaths struct {
	ModelRoot   string `json:"model_root"`
	DRCRoot     string `json:"drc_root,omitempty"`
	LVSRoot     string `json:"lvs_root,omitempty"`
	ExtractRoot string `json:"extract_root,omitempty"`
}

// TaskRecord is one execution attempt. Re-running a task key creates a new
// record; history is never mutated outside the store's transition API.
type TaskRecord struct {
	ID            string     `json:"id"`
	Key           TaskKey    `json:"key"`
	Simulator     Simulator  `json:"simulator"`
	TestbenchName string     `json:"testbench_name,omitempty"`
	State         TaskState  `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LogPath       string     `json:"log_path,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	ResultFiles   []string   `json:"result_files,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Testbench is a named, reusable testbench definition held by the registry.
type Testbench struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Config      TestbenchConfig `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
