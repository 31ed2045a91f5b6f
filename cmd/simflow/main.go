// Command simflow runs analog simulation tasks: it composes the simulator
// control and launch scripts for a task, executes them under supervision,
// records every attempt in the task store, and manages the named testbench
// registry.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"simflow/internal/config"
	"simflow/internal/domain"
	"simflow/internal/executor"
	"simflow/internal/runner"
	"simflow/internal/store/sqlite"
	"simflow/internal/tools"
)

// Exit codes: 0 success, 1 execution failure, 2 configuration error,
// 3 conflict with a running task.
const (
	exitOK       = 0
	exitFailure  = 1
	exitConfig   = 2
	exitConflict = 3
)

var (
	configPath  string
	logLevel    string
	taskFile    string
	projectName string
	libraryName string
	cellName    string
	stateFilter string
	jsonOutput  bool

	tbName        string
	tbConfigFile  string
	tbDescription string
)

// app bundles the wired components the commands share.
type app struct {
	cfg    config.SystemConfig
	store  *sqlite.Store
	runner *runner.Runner
	log    *logrus.Entry
}

func newApp(ctx context.Context) (*app, error) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, domain.NewConfigError("invalid log level %q", logLevel)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "simflow")

	cfg, err := config.LoadSystemConfig(configPath)
	if err != nil {
		if configPath == "" && errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultSystemConfig()
		} else {
			return nil, domain.WrapConfigError(err, "load system config")
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Runner.DBPath), 0o755); err != nil {
		return nil, &domain.IOError{Op: "mkdir", Path: filepath.Dir(cfg.Runner.DBPath), Err: err}
	}
	store, err := sqlite.Open(cfg.Runner.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	registry := tools.NewRegistry(cfg)
	exec := executor.NewProcessExecutor(log)
	return &app{
		cfg:    cfg,
		store:  store,
		runner: runner.New(store, registry, exec, cfg.Runner, log),
		log:    log,
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
}

// loadTask reads and completes a task configuration: a registry-referenced
// testbench is resolved from the store and PDK model roots are applied
// before validation.
func (a *app) loadTask(ctx context.Context, path string) (*domain.TaskConfig, error) {
	cfg, err := config.LoadTaskConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.TestbenchName != "" {
		tb, err := a.store.GetTestbench(ctx, cfg.TestbenchName)
		if err != nil {
			if errors.Is(err, sqlite.ErrNotFound) {
				return nil, domain.NewConfigError("testbench %q is not registered", cfg.TestbenchName)
			}
			return nil, err
		}
		cfg.Testbench = tb.Config
	}
	if cfg.PDK != "" {
		registry := tools.NewRegistry(a.cfg)
		paths, err := registry.PDKPaths(cfg.PDK)
		if err != nil {
			return nil, err
		}
		config.ApplyPDK(cfg, paths)
	}
	config.ApplyWorkDirDefault(cfg, a.cfg.Runner.WorkDir)
	if err := config.ValidateTaskConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	root := &cobra.Command{
		Use:           "simflow",
		Short:         "Analog simulation run automation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.simflow/config.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")

	root.AddCommand(
		runTaskCmd(),
		genScriptsCmd(),
		genNetlistCmd(),
		showTaskCmd(),
		cancelTaskCmd(),
		createTestbenchCmd(),
		updateTestbenchCmd(),
		deleteTestbenchCmd(),
		listTestbenchCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var configErr *domain.ConfigError
	var templateErr *domain.TemplateError
	var conflictErr *domain.ConflictError
	switch {
	case errors.As(err, &configErr), errors.As(err, &templateErr):
		return exitConfig
	case errors.As(err, &conflictErr):
		return exitConflict
	default:
		return exitFailure
	}
}

func runTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-task",
		Short: "Generate scripts for a task and run it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.loadTask(cmd.Context(), taskFile)
			if err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{
				"task":      cfg.Key().String(),
				"simulator": cfg.Simulator,
				"design":    cfg.DesignType,
				"analyses":  len(cfg.Testbench.Analyses),
				"testbench": cfg.TestbenchName,
				"workdir":   cfg.SimulationRootPath,
			}).Info("task configuration loaded")

			rec, err := a.runner.Run(cmd.Context(), cfg)
			if rec.ID != "" {
				printRecords(cmd, []domain.TaskRecord{rec})
			}
			if rec.State == domain.TaskStateSucceeded && len(rec.ResultFiles) > 0 {
				b := executor.ClassifyResults(rec.ResultFiles)
				a.log.WithFields(logrus.Fields{
					"data": len(b.Data), "logs": len(b.Logs), "other": len(b.Other),
				}).Info("result files collected")
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&taskFile, "config-file", "c", "", "task configuration file (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the record as JSON")
	_ = cmd.MarkFlagRequired("config-file")
	return cmd
}

func genScriptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-scripts",
		Short: "Generate the control and launch scripts without running",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.loadTask(cmd.Context(), taskFile)
			if err != nil {
				return err
			}
			paths, err := a.runner.GenerateScripts(cfg)
			if err != nil {
				return err
			}
			cmd.Printf("control script: %s\nlaunch script:  %s\n", paths.ControlScript, paths.LaunchScript)
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskFile, "config-file", "c", "", "task configuration file (required)")
	_ = cmd.MarkFlagRequired("config-file")
	return cmd
}

func genNetlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-netlist",
		Short: "Generate the netlist creation scripts for a task's cell",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.loadTask(cmd.Context(), taskFile)
			if err != nil {
				return err
			}
			paths, err := a.runner.GenerateNetlistScripts(cfg)
			if err != nil {
				return err
			}
			cmd.Printf("control script: %s\nlaunch script:  %s\n", paths.ControlScript, paths.LaunchScript)
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskFile, "config-file", "c", "", "task configuration file (required)")
	_ = cmd.MarkFlagRequired("config-file")
	return cmd
}

func showTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-task",
		Short: "Show task records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.store.QueryRecords(cmd.Context(), sqlite.RecordFilter{
				Project: projectName,
				Library: libraryName,
				Cell:    cellName,
				State:   domain.TaskState(stateFilter),
			})
			if err != nil {
				return err
			}
			printRecords(cmd, records)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectName, "project-name", "", "filter by project")
	cmd.Flags().StringVar(&libraryName, "library-name", "", "filter by library")
	cmd.Flags().StringVar(&cellName, "cell-name", "", "filter by cell")
	cmd.Flags().StringVar(&stateFilter, "state", "", "filter by state")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print records as JSON")
	return cmd
}

func cancelTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-task <record-id>",
		Short: "Mark a running task record as cancelled",
		Long: `Mark a running task record as cancelled in the task store.

This flips the record state only. A simulation supervised by another
process keeps executing until that process tries to record its own
outcome, which the store then rejects. To stop the underlying process,
interrupt the run-task invocation that started it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			msg := "cancelled by user"
			err = a.store.Transition(cmd.Context(), args[0], domain.TaskStateCancelled, sqlite.RecordPatch{
				LastError: &msg,
			})
			if err != nil {
				return err
			}
			cmd.Printf("record %s cancelled\n", args[0])
			return nil
		},
	}
}

func createTestbenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-testbench",
		Short: "Register a named testbench from a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			tb, err := config.LoadTestbenchConfig(tbConfigFile)
			if err != nil {
				return err
			}
			err = a.store.CreateTestbench(cmd.Context(), domain.Testbench{
				Name:        tbName,
				Description: tbDescription,
				Config:      tb,
			})
			if err != nil {
				if errors.Is(err, sqlite.ErrExists) {
					return domain.NewConfigError("testbench %q already exists", tbName)
				}
				return err
			}
			cmd.Printf("testbench %q created\n", tbName)
			return nil
		},
	}
	cmd.Flags().StringVar(&tbName, "name", "", "testbench name (required)")
	cmd.Flags().StringVar(&tbConfigFile, "config-file", "", "testbench configuration file (required)")
	cmd.Flags().StringVar(&tbDescription, "description", "", "free-form description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("config-file")
	return cmd
}

func updateTestbenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-testbench",
		Short: "Update a registered testbench",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var description *string
			if cmd.Flags().Changed("description") {
				description = &tbDescription
			}
			var tbConfig *domain.TestbenchConfig
			if tbConfigFile != "" {
				loaded, err := config.LoadTestbenchConfig(tbConfigFile)
				if err != nil {
					return err
				}
				tbConfig = &loaded
			}
			if description == nil && tbConfig == nil {
				return domain.NewConfigError("nothing to update: pass --config-file or --description")
			}
			_, err = a.store.UpdateTestbench(cmd.Context(), tbName, description, tbConfig)
			if err != nil {
				if errors.Is(err, sqlite.ErrNotFound) {
					return domain.NewConfigError("testbench %q is not registered", tbName)
				}
				return err
			}
			cmd.Printf("testbench %q updated\n", tbName)
			return nil
		},
	}
	cmd.Flags().StringVar(&tbName, "name", "", "testbench name (required)")
	cmd.Flags().StringVar(&tbConfigFile, "config-file", "", "replacement configuration file")
	cmd.Flags().StringVar(&tbDescription, "description", "", "replacement description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func deleteTestbenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-testbench",
		Short: "Delete a registered testbench",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.DeleteTestbench(cmd.Context(), tbName); err != nil {
				if errors.Is(err, sqlite.ErrNotFound) {
					return domain.NewConfigError("testbench %q is not registered", tbName)
				}
				return err
			}
			cmd.Printf("testbench %q deleted\n", tbName)
			return nil
		},
	}
	cmd.Flags().StringVar(&tbName, "name", "", "testbench name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func listTestbenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-testbench",
		Short: "List registered testbenches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			benches, err := a.store.ListTestbenches(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, benches)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tANALYSES\tUPDATED\tDESCRIPTION")
			for _, tb := range benches {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					tb.Name, len(tb.Config.Analyses), tb.UpdatedAt.Format(time.RFC3339), tb.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print testbenches as JSON")
	return cmd
}

func printRecords(cmd *cobra.Command, records []domain.TaskRecord) {
	if jsonOutput {
		_ = printJSON(cmd, records)
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSIMULATOR\tSTATE\tCREATED\tEXIT\tRESULTS")
	for _, rec := range records {
		exit := "-"
		if rec.ExitCode != nil {
			exit = fmt.Sprintf("%d", *rec.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			rec.ID, rec.Key, rec.Simulator, rec.State,
			rec.CreatedAt.Format(time.RFC3339), exit, len(rec.ResultFiles))
	}
	_ = w.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
