// Package artifacts writes run and search outputs to disk as JSON
// documents, one directory per run, plus a base-directory index for
// discovery.
package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"worldloom/internal/dist"
	"worldloom/internal/model"
)

const runIndexFile = "run_index.json"

// RunConfig records the inputs of one generation run.
type RunConfig struct {
	RunID           string  `json:"run_id"`
	Seed            int64   `json:"seed"`
	Epochs          int     `json:"epochs"`
	TicksPerEpoch   int     `json:"ticks_per_epoch"`
	GrowthTarget    int     `json:"growth_target"`
	DefaultStrength float64 `json:"default_strength"`
	GenerativeRules int     `json:"generative_rules"`
	TickRules       int     `json:"tick_rules"`
	Pressures       int     `json:"pressures"`
	Eras            int     `json:"eras"`
}

// RunArtifacts is everything one completed run leaves behind.
type RunArtifacts struct {
	Config        RunConfig              `json:"config"`
	Snapshot      model.Snapshot         `json:"snapshot"`
	Stats         dist.Stats             `json:"stats"`
	Deviations    dist.Deviations        `json:"deviations"`
	Breakdown     model.FitnessBreakdown `json:"breakdown"`
	ViolationRate float64                `json:"violation_rate"`
	EpochsRun     int                    `json:"epochs_run"`
	TicksRun      int                    `json:"ticks_run"`
	RulesApplied  int                    `json:"rules_applied"`
	RulesSkipped  int                    `json:"rules_skipped"`
}

// SearchConfig records the inputs of one parameter search.
type SearchConfig struct {
	RunID          string `json:"run_id"`
	Seed           int64  `json:"seed"`
	PopulationSize int    `json:"population_size"`
	Generations    int    `json:"generations"`
	EliteCount     int    `json:"elite_count"`
	Workers        int    `json:"workers"`
	Selection      string `json:"selection"`
	Strategy       string `json:"strategy"`
	Schedule       string `json:"schedule"`
	OnStagnation   string `json:"on_stagnation"`
}

// SearchArtifacts is everything one completed search leaves behind.
type SearchArtifacts struct {
	Config           SearchConfig                  `json:"config"`
	BestByGeneration []float64                     `json:"best_by_generation"`
	Diagnostics      []model.GenerationDiagnostics `json:"diagnostics,omitempty"`
	Best             model.BestResult              `json:"best"`
	Evaluations      int                           `json:"evaluations"`
}

// RunIndexEntry summarizes one run for the base-directory index.
type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Kind         string  `json:"kind"` // "run" or "search"
	Seed         int64   `json:"seed"`
	Fitness      float64 `json:"fitness"`
	Entities     int     `json:"entities,omitempty"`
	Generations  int     `json:"generations,omitempty"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// WriteRunArtifacts writes one run's outputs under baseDir/<run id> and
// returns the run directory.
func WriteRunArtifacts(baseDir string, a RunArtifacts) (string, error) {
	if a.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, a.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), a.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "snapshot.json"), a.Snapshot); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "distribution.json"), map[string]any{
		"stats":      a.Stats,
		"deviations": a.Deviations,
	}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "fitness.json"), map[string]any{
		"breakdown":      a.Breakdown,
		"violation_rate": a.ViolationRate,
		"epochs_run":     a.EpochsRun,
		"ticks_run":      a.TicksRun,
		"rules_applied":  a.RulesApplied,
		"rules_skipped":  a.RulesSkipped,
	}); err != nil {
		return "", err
	}

	return runDir, nil
}

// WriteSearchArtifacts writes one search's outputs under
// baseDir/<run id> and returns the run directory.
func WriteSearchArtifacts(baseDir string, a SearchArtifacts) (string, error) {
	if a.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, a.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), a.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "fitness_history.json"), map[string]any{
		"best_by_generation": a.BestByGeneration,
		"final_best_fitness": a.Best.Breakdown.Total,
		"evaluations":        a.Evaluations,
	}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "diagnostics.json"), a.Diagnostics); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "best.json"), a.Best); err != nil {
		return "", err
	}

	return runDir, nil
}

// ExportFitnessCSV writes best-by-generation history as a two-column
// CSV for external plotting.
func ExportFitnessCSV(path string, history []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"generation", "best_fitness"}); err != nil {
		return err
	}
	for i, best := range history {
		record := []string{
			strconv.Itoa(i),
			strconv.FormatFloat(best, 'f', 6, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// AppendRunIndex inserts or replaces the entry for its run id.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex reads the base-directory index; a missing file is an
// empty index.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
