//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"worldloom/internal/model"
)

func initSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "worldloom.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreGenomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := initSQLiteStore(t)
	genome := sampleGenome()

	if err := store.SaveGenome(ctx, genome); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := store.GetGenome(ctx, genome.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	ref := model.ParamRef{RuleID: "found_settlement", Name: "bond_strength"}
	if loaded.Values[ref] != 0.8 {
		t.Fatalf("value lost: %v", loaded.Values[ref])
	}
	if loaded.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("schema version = %d", loaded.SchemaVersion)
	}

	// Saving again upserts rather than failing on the primary key.
	genome.Values[ref] = 0.4
	if err := store.SaveGenome(ctx, genome); err != nil {
		t.Fatalf("resave: %v", err)
	}
	loaded, _, err = store.GetGenome(ctx, genome.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Values[ref] != 0.4 {
		t.Fatalf("upsert lost: %v", loaded.Values[ref])
	}

	if _, ok, err := store.GetGenome(ctx, "absent"); err != nil || ok {
		t.Fatalf("missing genome: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := initSQLiteStore(t)
	snapshot := sampleSnapshot()

	if err := store.SaveSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := store.GetSnapshot(ctx, snapshot.RunID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(loaded.Entities) != 1 || loaded.Entities[0].Kind != "settlement" {
		t.Fatalf("entities lost: %+v", loaded.Entities)
	}
	if loaded.Pressures["unrest"] != 35 {
		t.Fatalf("pressures lost: %v", loaded.Pressures)
	}
}

func TestSQLiteStoreHistoryAndDiagnostics(t *testing.T) {
	ctx := context.Background()
	store := initSQLiteStore(t)

	history := []float64{0.4, 0.52, 0.61}
	if err := store.SaveFitnessHistory(ctx, "run-1", history); err != nil {
		t.Fatalf("save history: %v", err)
	}
	loadedHistory, ok, err := store.GetFitnessHistory(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get history: ok=%v err=%v", ok, err)
	}
	if len(loadedHistory) != 3 || loadedHistory[2] != 0.61 {
		t.Fatalf("history lost: %v", loadedHistory)
	}

	diagnostics := []model.GenerationDiagnostics{
		{Generation: 1, BestFitness: 0.5, GenomeDiversity: 4},
		{Generation: 2, BestFitness: 0.55, GenomeDiversity: 3, Stagnant: true},
	}
	if err := store.SaveGenerationDiagnostics(ctx, "run-1", diagnostics); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	loadedDiagnostics, ok, err := store.GetGenerationDiagnostics(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get diagnostics: ok=%v err=%v", ok, err)
	}
	if len(loadedDiagnostics) != 2 || !loadedDiagnostics[1].Stagnant {
		t.Fatalf("diagnostics lost: %+v", loadedDiagnostics)
	}
}

func TestSQLiteStoreBestResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := initSQLiteStore(t)
	best := model.BestResult{
		RunID:     "run-1",
		Genome:    sampleGenome(),
		Breakdown: model.FitnessBreakdown{Total: 0.7},
	}
	if err := store.SaveBestResult(ctx, best); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := store.GetBestResult(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.Breakdown.Total != 0.7 || loaded.Genome.ID != "genome-1" {
		t.Fatalf("best result lost: %+v", loaded)
	}
	if _, ok, err := store.GetBestResult(ctx, "absent"); err != nil || ok {
		t.Fatalf("missing best: ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "worldloom.db")

	store := NewSQLiteStore(path)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.SaveGenome(ctx, sampleGenome()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewSQLiteStore(path)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	_, ok, err := reopened.GetGenome(ctx, "genome-1")
	if err != nil || !ok {
		t.Fatalf("genome did not survive reopen: ok=%v err=%v", ok, err)
	}
}
