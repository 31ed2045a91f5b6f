// Package script composes simulator control scripts and the launch scripts
// that wrap them. Composition is a fixed pipeline of section generators: the
// section order is mandated by the simulator's script format and is not
// configurable.
package script

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"simflow/internal/domain"
	"simflow/internal/fs"
)

const (
	// ControlScriptExt is the extension of the generated control script for
	// the ocean-driven simulator family.
	ControlScriptExt = ".ocn"

	ScriptsDir = "scripts"
)

// canonicalAnalysisOrder is mandated by the simulator: the DC operating
// point must be established before small-signal and transient analyses.
// Kinds not listed keep their input order after the canonical ones.
var canonicalAnalysisOrder = []string{"dc", "ac", "tran", "noise"}

type sectionFunc func(cfg *domain.TaskConfig) (string, error)

type section struct {
	name   string
	render sectionFunc
}

// OceanComposer assembles Ocean control scripts from a validated task
// configuration. The configuration is never mutated.
type OceanComposer struct {
	ws *fs.Workspace
}

func NewOceanComposer(ws *fs.Workspace) *OceanComposer {
	return &OceanComposer{ws: ws}
}

// Compose renders the full control script. Sections whose configuration is
// empty are omitted entirely; a section that cannot bind a required value
// aborts composition with a TemplateError.
func (c *OceanComposer) Compose(cfg *domain.TaskConfig) (string, error) {
	sections := []section{
		{"header", renderHeader},
		{"simulator", renderSimulator},
		{"design", renderDesign},
		{"results_dir", renderResultsDir},
		{"model_files", renderModelFiles},
		{"stimulus_files", renderStimulusFiles},
		{"design_variables", renderDesignVariables},
		{"analyses", renderAnalyses},
		{"save_nodes", renderSaveNodes},
		{"initial_conditions", renderInitialConditions},
		{"environment", renderEnvironment},
		{"run", renderRun},
		{"post_processing", renderPostProcessing},
	}

	fragments := make([]string, 0, len(sections))
	for _, s := range sections {
		fragment, err := s.render(cfg)
		if err != nil {
			return "", err
		}
		if fragment == "" {
			continue
		}
		fragments = append(fragments, fragment)
	}
	return strings.Join(fragments, "\n") + "\n", nil
}

// Write composes the control script and writes it atomically to its
// deterministic path under scripts/. On any error nothing is left behind at
// the target path.
func (c *OceanComposer) Write(cfg *domain.TaskConfig) (string, error) {
	content, err := c.Compose(cfg)
	if err != nil {
		return "", err
	}
	rel := path.Join(ScriptsDir, cfg.ProjectName()+ControlScriptExt)
	return c.ws.WriteFileAtomic(rel, []byte(content), 0o644)
}

// ComposeNetlist renders the Ocean script that netlists the cell prior to
// simulation.
func (c *OceanComposer) ComposeNetlist(cfg *domain.TaskConfig) (string, error) {
	if cfg.LibraryName == "" {
		return "", &domain.TemplateError{Section: "netlist", Key: "library_name"}
	}
	if cfg.CellName == "" {
		return "", &domain.TemplateError{Section: "netlist", Key: "cell_name"}
	}
	var b strings.Builder
	fmt.Fprintf(&b, ";; Netlist creation for %s/%s (%s)\n", cfg.LibraryName, cfg.CellName, cfg.DesignType)
	fmt.Fprintf(&b, "simulator( '%s )\n", cfg.Simulator)
	fmt.Fprintf(&b, "design( \"%s\" \"%s\" \"%s\" )\n", cfg.LibraryName, cfg.CellName, cfg.DesignType)
	b.WriteString("createNetlist( ?recreateAll t ?display nil )\n")
	b.WriteString("exit\n")
	return b.String(), nil
}

func (c *OceanComposer) WriteNetlist(cfg *domain.TaskConfig) (string, error) {
	content, err := c.ComposeNetlist(cfg)
	if err != nil {
		return "", err
	}
	rel := path.Join(ScriptsDir, cfg.ProjectName()+"_netlist"+ControlScriptExt)
	return c.ws.WriteFileAtomic(rel, []byte(content), 0o644)
}

func renderHeader(cfg *domain.TaskConfig) (string, error) {
	var b strings.Builder
	b.WriteString(";; ====================================================================\n")
	b.WriteString(";; Ocean simulation script\n")
	fmt.Fprintf(&b, ";; Project: %s  Library: %s  Cell: %s\n", cfg.ProjectName(), cfg.LibraryName, cfg.CellName)
	b.WriteString(";; ====================================================================\n")
	return b.String(), nil
}

func renderSimulator(cfg *domain.TaskConfig) (string, error) {
	if cfg.Simulator == "" {
		return "", &domain.TemplateError{Section: "simulator", Key: "simulator"}
	}
	return fmt.Sprintf("simulator( '%s )\n", cfg.Simulator), nil
}

func renderDesign(cfg *domain.TaskConfig) (string, error) {
	if cfg.ProjectDir == "" {
		return "", &domain.TemplateError{Section: "design", Key: "project_dir"}
	}
	return fmt.Sprintf("design( %q )\n", cfg.DesignPath()), nil
}

func renderResultsDir(cfg *domain.TaskConfig) (string, error) {
	if cfg.SimulationRootPath == "" {
		return "", &domain.TemplateError{Section: "results_dir", Key: "simulation_root_path"}
	}
	return fmt.Sprintf("resultsDir( %q )\n", cfg.ResultsDir()), nil
}

func renderModelFiles(cfg *domain.TaskConfig) (string, error) {
	files := cfg.Testbench.ModelFiles
	if len(files) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("; Model files\nmodelFile(\n")
	for _, mf := range files {
		if mf.Path == "" {
			return "", &domain.TemplateError{Section: "model_files", Key: "path"}
		}
		if mf.Corner == "" {
			fmt.Fprintf(&b, "    '(%q)\n", mf.Path)
		} else {
			fmt.Fprintf(&b, "    '(%q %q)\n", mf.Path, mf.Corner)
		}
	}
	b.WriteString(")\n")
	return b.String(), nil
}

func renderStimulusFiles(cfg *domain.TaskConfig) (string, error) {
	files := cfg.Testbench.StimulusFiles
	if len(files) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("; Stimulus files\n")
	for _, f := range files {
		if f == "" {
			return "", &domain.TemplateError{Section: "stimulus_files", Key: "path"}
		}
		fmt.Fprintf(&b, "stimulusFile( %q )\n", f)
	}
	return b.String(), nil
}

func renderDesignVariables(cfg *domain.TaskConfig) (string, error) {
	vars := cfg.Testbench.DesignVariables
	if len(vars) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("; Design variables\n")
	for _, name := range names {
		fmt.Fprintf(&b, "desVar( %q %s )\n", name, formatNumber(vars[name]))
	}
	return b.String(), nil
}

func renderAnalyses(cfg *domain.TaskConfig) (string, error) {
	analyses := orderAnalyses(cfg.Testbench.Analyses)
	if len(analyses) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, a := range analyses {
		fmt.Fprintf(&b, "; %s analysis\n", strings.ToUpper(a.Kind))
		fmt.Fprintf(&b, "analysis('%s\n", a.Kind)
		keys := make([]string, 0, len(a.Params))
		for k := range a.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "         ?%s %s\n", k, formatParam(a.Params[k]))
		}
		b.WriteString(")\n")
	}
	return b.String(), nil
}

func renderSaveNodes(cfg *domain.TaskConfig) (string, error) {
	nodes := cfg.Testbench.SaveNodes
	if len(nodes) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("; Saved nodes\nsave( 'v")
	for _, node := range nodes {
		fmt.Fprintf(&b, " %q", node)
	}
	b.WriteString(" )\n")
	return b.String(), nil
}

func renderInitialConditions(cfg *domain.TaskConfig) (string, error) {
	ics := cfg.Testbench.InitialConditions
	if len(ics) == 0 {
		return "", nil
	}
	nodes := make([]string, 0, len(ics))
	for node := range ics {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var b strings.Builder
	b.WriteString("; Initial conditions\n")
	for _, node := range nodes {
		fmt.Fprintf(&b, "ic( %q %s )\n", node, formatNumber(ics[node]))
	}
	return b.String(), nil
}

func renderEnvironment(cfg *domain.TaskConfig) (string, error) {
	env := cfg.Testbench.Environment
	var b strings.Builder
	b.WriteString("; Environment\n")
	fmt.Fprintf(&b, "temp( %s )\n", formatNumber(env.Temperature))
	fmt.Fprintf(&b, "desVar( \"vdd\" %s )\n", formatNumber(env.SupplyVoltage))
	return b.String(), nil
}

func renderRun(_ *domain.TaskConfig) (string, error) {
	return "run()\n", nil
}

func renderPostProcessing(cfg *domain.TaskConfig) (string, error) {
	pp := cfg.Testbench.PostProcessing
	if pp == nil {
		return "", nil
	}
	analyses := orderAnalyses(cfg.Testbench.Analyses)
	mainKind := "tran"
	if len(analyses) > 0 {
		mainKind = analyses[0].Kind
	}

	var b strings.Builder
	b.WriteString("; Post processing\n")
	fmt.Fprintf(&b, "selectResult( '%s )\n", mainKind)
	if pp.PlotEnabled {
		for _, p := range pp.Plots {
			fmt.Fprintf(&b, "plot( getData(%q) )\n", p)
		}
	}
	if pp.SaveData {
		for _, item := range pp.SaveItems {
			fmt.Fprintf(&b, "ocnPrint( getData(%q) )\n", item)
		}
	}
	return b.String(), nil
}

// orderAnalyses puts blocks into the canonical simulator order and keeps any
// other kinds in their input order afterwards.
func orderAnalyses(analyses []domain.Analysis) []domain.Analysis {
	ordered := make([]domain.Analysis, 0, len(analyses))
	taken := make(map[string]bool, len(analyses))
	for _, kind := range canonicalAnalysisOrder {
		for _, a := range analyses {
			if a.Kind == kind {
				ordered = append(ordered, a)
				taken[kind] = true
			}
		}
	}
	for _, a := range analyses {
		if !taken[a.Kind] {
			ordered = append(ordered, a)
		}
	}
	return ordered
}

func formatParam(v any) string {
	switch value := v.(type) {
	case string:
		return fmt.Sprintf("%q", value)
	case bool:
		if value {
			return "t"
		}
		return "nil"
	case float64:
		return formatNumber(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func formatNumber(v float64) string {
	s := fmt.Sprintf("%g", v)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
