package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"simflow/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func testKey() domain.TaskKey {
	return domain.TaskKey{Project: "amp", Library: "cells", Cell: "inv"}
}

func createRecord(t *testing.T, store *Store, key domain.TaskKey) string {
	t.Helper()
	id := uuid.NewString()
	err := store.CreateRecord(context.Background(), domain.TaskRecord{
		ID:        id,
		Key:       key,
		Simulator: domain.SimulatorSpectre,
		State:     domain.TaskStateCreated,
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	return id
}

func transition(t *testing.T, store *Store, id string, states ...domain.TaskState) {
	t.Helper()
	for _, state := range states {
		if err := store.Transition(context.Background(), id, state, RecordPatch{}); err != nil {
			t.Fatalf("transition to %s: %v", state, err)
		}
	}
}

func TestRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	id := createRecord(t, store, testKey())
	transition(t, store, id, domain.TaskStateScriptGenerated, domain.TaskStateRunning)

	rec, err := store.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != domain.TaskStateRunning {
		t.Fatalf("expected running, got %s", rec.State)
	}
	if rec.StartedAt == nil {
		t.Fatalf("expected started_at to be set on running")
	}
	if rec.EndedAt != nil {
		t.Fatalf("ended_at set before terminal state")
	}

	exit := 0
	logPath := "/work/logs/run.log"
	err = store.Transition(ctx, id, domain.TaskStateSucceeded, RecordPatch{
		LogPath:     &logPath,
		ExitCode:    &exit,
		ResultFiles: []string{"/work/results/sim.raw"},
	})
	if err != nil {
		t.Fatalf("transition to succeeded: %v", err)
	}

	rec, err = store.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != domain.TaskStateSucceeded {
		t.Fatalf("expected succeeded, got %s", rec.State)
	}
	if rec.EndedAt == nil {
		t.Fatalf("expected ended_at on terminal state")
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", rec.ExitCode)
	}
	if len(rec.ResultFiles) != 1 || rec.ResultFiles[0] != "/work/results/sim.raw" {
		t.Fatalf("unexpected result files: %v", rec.ResultFiles)
	}
	if rec.LogPath != logPath {
		t.Fatalf("unexpected log path: %s", rec.LogPath)
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	id := createRecord(t, store, testKey())

	// created cannot jump straight to succeeded
	if err := store.Transition(ctx, id, domain.TaskStateSucceeded, RecordPatch{}); err == nil {
		t.Fatalf("expected invalid transition error")
	}

	rec, err := store.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != domain.TaskStateCreated {
		t.Fatalf("state changed by rejected transition: %s", rec.State)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	id := createRecord(t, store, testKey())
	transition(t, store, id, domain.TaskStateScriptGenerated, domain.TaskStateRunning, domain.TaskStateFailed)

	if err := store.Transition(ctx, id, domain.TaskStateRunning, RecordPatch{}); err == nil {
		t.Fatalf("expected error transitioning out of failed")
	}
}

func TestRunningConflictPerKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	first := createRecord(t, store, testKey())
	transition(t, store, first, domain.TaskStateScriptGenerated, domain.TaskStateRunning)

	second := createRecord(t, store, testKey())
	transition(t, store, second, domain.TaskStateScriptGenerated)

	err := store.Transition(ctx, second, domain.TaskStateRunning, RecordPatch{})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.RunningID != first {
		t.Fatalf("conflict names wrong record: %s", conflict.RunningID)
	}

	rec, err := store.GetRecord(ctx, second)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != domain.TaskStateScriptGenerated {
		t.Fatalf("conflicted record changed state: %s", rec.State)
	}

	// a different cell is not in conflict
	other := createRecord(t, store, domain.TaskKey{Project: "amp", Library: "cells", Cell: "nand2"})
	transition(t, store, other, domain.TaskStateScriptGenerated, domain.TaskStateRunning)

	// once the first run ends, the key frees up
	transition(t, store, first, domain.TaskStateSucceeded)
	transition(t, store, second, domain.TaskStateRunning)
}

func TestQueryRecordsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	createRecord(t, store, domain.TaskKey{Project: "amp", Library: "cells", Cell: "inv"})
	createRecord(t, store, domain.TaskKey{Project: "amp", Library: "cells", Cell: "nand2"})
	createRecord(t, store, domain.TaskKey{Project: "adc", Library: "core", Cell: "comp"})

	all, err := store.QueryRecords(ctx, RecordFilter{})
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}

	amp, err := store.QueryRecords(ctx, RecordFilter{Project: "amp"})
	if err != nil {
		t.Fatalf("query project: %v", err)
	}
	if len(amp) != 2 {
		t.Fatalf("expected 2 amp records, got %d", len(amp))
	}

	inv, err := store.QueryRecords(ctx, RecordFilter{Project: "amp", Cell: "inv"})
	if err != nil {
		t.Fatalf("query cell: %v", err)
	}
	if len(inv) != 1 {
		t.Fatalf("expected 1 inv record, got %d", len(inv))
	}

	none, err := store.QueryRecords(ctx, RecordFilter{Project: "missing"})
	if err != nil {
		t.Fatalf("query missing: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no records, got %d", len(none))
	}
}

func TestTestbenchRegistry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	tb := domain.Testbench{
		Name:        "tran_basic",
		Description: "basic transient sweep",
		Config: domain.TestbenchConfig{
			Analyses:    []domain.Analysis{{Kind: "tran", Params: map[string]any{"stop": "10n"}}},
			SaveNodes:   []string{"/vout"},
			Environment: domain.Environment{Temperature: 27, SupplyVoltage: 1.8},
		},
	}
	if err := store.CreateTestbench(ctx, tb); err != nil {
		t.Fatalf("create testbench: %v", err)
	}
	if err := store.CreateTestbench(ctx, tb); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists on duplicate, got %v", err)
	}

	got, err := store.GetTestbench(ctx, "tran_basic")
	if err != nil {
		t.Fatalf("get testbench: %v", err)
	}
	if got.Config.Analyses[0].Kind != "tran" {
		t.Fatalf("config roundtrip lost analyses: %+v", got.Config)
	}
	if got.Config.Environment.SupplyVoltage != 1.8 {
		t.Fatalf("config roundtrip lost environment: %+v", got.Config.Environment)
	}

	desc := "updated description"
	updated, err := store.UpdateTestbench(ctx, "tran_basic", &desc, nil)
	if err != nil {
		t.Fatalf("update testbench: %v", err)
	}
	if updated.Description != desc {
		t.Fatalf("description not updated: %s", updated.Description)
	}
	if updated.Config.SaveNodes[0] != "/vout" {
		t.Fatalf("config lost by description-only update: %+v", updated.Config)
	}

	list, err := store.ListTestbenches(ctx)
	if err != nil {
		t.Fatalf("list testbenches: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 testbench, got %d", len(list))
	}

	if err := store.DeleteTestbench(ctx, "tran_basic"); err != nil {
		t.Fatalf("delete testbench: %v", err)
	}
	if _, err := store.GetTestbench(ctx, "tran_basic"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteTestbench(ctx, "tran_basic"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestDeleteTestbenchInUse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateTestbench(ctx, domain.Testbench{Name: "tb"}); err != nil {
		t.Fatalf("create testbench: %v", err)
	}

	id := uuid.NewString()
	err := store.CreateRecord(ctx, domain.TaskRecord{
		ID:            id,
		Key:           testKey(),
		Simulator:     domain.SimulatorSpectre,
		TestbenchName: "tb",
		State:         domain.TaskStateCreated,
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	var inUse *domain.InUseError
	if err := store.DeleteTestbench(ctx, "tb"); !errors.As(err, &inUse) {
		t.Fatalf("expected InUseError, got %v", err)
	}
	if inUse.TaskID != id {
		t.Fatalf("InUseError names wrong task: %s", inUse.TaskID)
	}

	// terminal records no longer block deletion
	transition(t, store, id, domain.TaskStateScriptGenerated, domain.TaskStateRunning, domain.TaskStateCancelled)
	if err := store.DeleteTestbench(ctx, "tb"); err != nil {
		t.Fatalf("delete after terminal: %v", err)
	}
}

func TestRunningRecordLookup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if _, found, err := store.RunningRecord(ctx, testKey()); err != nil || found {
		t.Fatalf("expected no running record, found=%v err=%v", found, err)
	}

	id := createRecord(t, store, testKey())
	transition(t, store, id, domain.TaskStateScriptGenerated, domain.TaskStateRunning)

	rec, found, err := store.RunningRecord(ctx, testKey())
	if err != nil {
		t.Fatalf("running record: %v", err)
	}
	if !found || rec.ID != id {
		t.Fatalf("expected running record %s, got found=%v id=%s", id, found, rec.ID)
	}
}
