// Package storage persists run artifacts: genomes, world snapshots,
// fitness history, generation diagnostics, and best-result records.
// The engine itself performs no I/O; callers persist results through a
// Store after runs complete.
package storage

import (
	"context"

	"worldloom/internal/model"
)

// Store defines persistence operations for run artifacts.
type Store interface {
	Init(ctx context.Context) error
	SaveGenome(ctx context.Context, genome model.Genome) error
	GetGenome(ctx context.Context, id string) (model.Genome, bool, error)
	SaveSnapshot(ctx context.Context, snapshot model.Snapshot) error
	GetSnapshot(ctx context.Context, runID string) (model.Snapshot, bool, error)
	SaveFitnessHistory(ctx context.Context, runID string, history []float64) error
	GetFitnessHistory(ctx context.Context, runID string) ([]float64, bool, error)
	SaveGenerationDiagnostics(ctx context.Context, runID string, diagnostics []model.GenerationDiagnostics) error
	GetGenerationDiagnostics(ctx context.Context, runID string) ([]model.GenerationDiagnostics, bool, error)
	SaveBestResult(ctx context.Context, best model.BestResult) error
	GetBestResult(ctx context.Context, runID string) (model.BestResult, bool, error)
}
