// Command monitor shows the task records of a simflow store in a live
// terminal UI. It reads the sqlite database directly, so it can watch runs
// driven from any shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"simflow/internal/config"
	"simflow/internal/domain"
	"simflow/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.simflow/config.toml)")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	project := flag.String("project", "", "filter by project")
	flag.Parse()

	dbPath := *dbPathFlag
	if dbPath == "" {
		cfg, err := config.LoadSystemConfig(*configPath)
		if err != nil {
			cfg = config.DefaultSystemConfig()
		}
		dbPath = cfg.Runner.DBPath
	}
	dbPath = filepath.Clean(dbPath)

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate store: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	recordsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	recordsTable.SetTitle("Task Records (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	detailView.SetTitle("Record").SetBorder(true)

	statusView := tview.NewTextView().SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Watching %s | refresh=%s | F5 refresh, F10 quit", dbPath, *interval))

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewFlex().
			AddItem(recordsTable, 0, 2, true).
			AddItem(detailView, 0, 1, false), 0, 12, true).
		AddItem(statusView, 3, 0, false)

	var lastRecords []domain.TaskRecord
	var selectedID string

	refresh := func() {
		records, err := store.QueryRecords(context.Background(), sqlite.RecordFilter{Project: *project})
		app.QueueUpdateDraw(func() {
			if err != nil {
				recordsTable.Clear()
				recordsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)))
				return
			}
			lastRecords = records
			renderRecordsTable(recordsTable, records, selectedID)
			if selectedID != "" {
				for _, rec := range records {
					if rec.ID == selectedID {
						detailView.SetText(renderRecord(rec))
						break
					}
				}
			}
		})
	}

	recordsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRecords) {
			return
		}
		rec := lastRecords[row-1]
		selectedID = rec.ID
		detailView.SetText(renderRecord(rec))
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).SetFocus(recordsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		os.Exit(1)
	}
}

func renderRecordsTable(table *tview.Table, records []domain.TaskRecord, selectedID string) {
	table.Clear()
	headers := []string{"Record", "Task", "Simulator", "State", "Created", "Exit"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, rec := range records {
		row := i + 1
		exit := "-"
		if rec.ExitCode != nil {
			exit = fmt.Sprintf("%d", *rec.ExitCode)
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(rec.ID)))
		table.SetCell(row, 1, tview.NewTableCell(rec.Key.String()))
		table.SetCell(row, 2, tview.NewTableCell(string(rec.Simulator)))
		table.SetCell(row, 3, tview.NewTableCell(string(rec.State)).SetTextColor(stateColor(rec.State)))
		table.SetCell(row, 4, tview.NewTableCell(rec.CreatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(exit))
		if rec.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func renderRecord(rec domain.TaskRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID:        %s\n", rec.ID)
	fmt.Fprintf(&b, "Task:      %s\n", rec.Key)
	fmt.Fprintf(&b, "Simulator: %s\n", rec.Simulator)
	if rec.TestbenchName != "" {
		fmt.Fprintf(&b, "Testbench: %s\n", rec.TestbenchName)
	}
	fmt.Fprintf(&b, "State:     %s\n", rec.State)
	fmt.Fprintf(&b, "Created:   %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
	if rec.StartedAt != nil {
		fmt.Fprintf(&b, "Started:   %s\n", rec.StartedAt.Local().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		fmt.Fprintf(&b, "Ended:     %s\n", rec.EndedAt.Local().Format(time.RFC3339))
	}
	if rec.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *rec.ExitCode)
	}
	if rec.LogPath != "" {
		fmt.Fprintf(&b, "Log:       %s\n", rec.LogPath)
	}
	if len(rec.ResultFiles) > 0 {
		b.WriteString("Results:\n")
		for _, f := range rec.ResultFiles {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	if rec.LastError != "" {
		fmt.Fprintf(&b, "Error:     %s\n", rec.LastError)
	}
	return b.String()
}

func stateColor(state domain.TaskState) tcell.Color {
	switch state {
	case domain.TaskStateRunning:
		return tcell.ColorYellow
	case domain.TaskStateSucceeded:
		return tcell.ColorGreen
	case domain.TaskStateFailed, domain.TaskStateTimedOut:
		return tcell.ColorRed
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
