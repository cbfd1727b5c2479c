// Package worldloom is the embedding API: load configuration documents,
// run world generation, search rule parameters, and inspect persisted
// artifacts.
package worldloom

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"worldloom/internal/artifacts"
	"worldloom/internal/config"
	"worldloom/internal/engine"
	"worldloom/internal/fitness"
	"worldloom/internal/model"
	"worldloom/internal/mutation"
	"worldloom/internal/search"
	"worldloom/internal/selector"
	"worldloom/internal/storage"
)

const (
	defaultArtifactsDir = "artifacts"
	defaultDBPath       = "worldloom.db"
)

// Options configures a Client.
type Options struct {
	StoreKind    string // "memory" (default) or "sqlite"
	DBPath       string
	ArtifactsDir string
	Logger       *slog.Logger
}

// Client is the embedding entry point.
type Client struct {
	store        storage.Store
	artifactsDir string
	log          *slog.Logger
}

// ConfigPaths names the configuration documents for a run or search.
// Pressures, Eras, and Overrides are optional.
type ConfigPaths struct {
	Schema    string
	Rules     string
	Pressures string
	Eras      string
	Targets   string
	Overrides string
}

// RunRequest configures one world generation run.
type RunRequest struct {
	Config ConfigPaths

	RunID           string
	Seed            int64
	Epochs          int
	TicksPerEpoch   int
	GrowthTarget    int
	DefaultStrength float64

	StagnationWindow    int // 0 disables the stagnation stop
	StagnationMinGrowth int

	FitnessWeights map[string]float64 // empty = defaults
	ViolationDecay float64
}

// RunSummary reports one completed run.
type RunSummary struct {
	RunID         string
	ArtifactsDir  string
	Fitness       float64
	Components    map[string]float64
	ViolationRate float64
	Entities      int
	Relationships int
	EpochsRun     int
	TicksRun      int
}

// SearchRequest configures one parameter search.
type SearchRequest struct {
	Config ConfigPaths

	RunID          string
	Seed           int64
	PopulationSize int
	Generations    int
	EliteCount     int
	Workers        int
	Selection      string
	Strategy       string
	Schedule       string
	OnStagnation   string
	CrossoverRate  float64

	// Per-evaluation engine budget.
	Epochs          int
	TicksPerEpoch   int
	GrowthTarget    int
	DefaultStrength float64

	FitnessWeights map[string]float64
	ViolationDecay float64
}

// SearchSummary reports one completed search.
type SearchSummary struct {
	RunID            string
	ArtifactsDir     string
	BestFitness      float64
	BestGenomeID     string
	BestByGeneration []float64
	Evaluations      int
}

// RunsRequest lists indexed runs, newest last.
type RunsRequest struct {
	Limit int
}

// RunItem is one indexed run.
type RunItem struct {
	RunID        string
	Kind         string
	Seed         int64
	Fitness      float64
	Entities     int
	Generations  int
	CreatedAtUTC string
}

// New builds a Client from options, filling in defaults.
func New(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		artifactsDir: artifactsDir,
		log:          log,
	}, nil
}

// Close releases store resources.
func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Init prepares the backing store.
func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Validate loads and validates the configuration documents without
// running anything. A nil error means the configuration is usable.
func (c *Client) Validate(paths ConfigPaths, seed int64) error {
	_, err := c.loadDocuments(paths, seed)
	return err
}

// Run executes one world generation run, persists its artifacts, and
// returns a summary.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	applyRunDefaults(&req)

	docs, err := c.loadDocuments(req.Config, req.Seed)
	if err != nil {
		return RunSummary{}, err
	}

	evaluator, err := evaluatorFrom(req.FitnessWeights, req.ViolationDecay, docs)
	if err != nil {
		return RunSummary{}, err
	}

	engCfg := engineConfig(docs, req)
	eng, err := engine.New(engCfg)
	if err != nil {
		return RunSummary{}, err
	}
	result, err := eng.Run(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	breakdown := evaluator.Score(result.Deviations, result.ViolationRate)

	if err := c.store.SaveSnapshot(ctx, result.Snapshot); err != nil {
		return RunSummary{}, err
	}

	runDir, err := artifacts.WriteRunArtifacts(c.artifactsDir, artifacts.RunArtifacts{
		Config: artifacts.RunConfig{
			RunID:           result.Snapshot.RunID,
			Seed:            req.Seed,
			Epochs:          req.Epochs,
			TicksPerEpoch:   req.TicksPerEpoch,
			GrowthTarget:    req.GrowthTarget,
			DefaultStrength: req.DefaultStrength,
			GenerativeRules: len(docs.Generative),
			TickRules:       len(docs.TickRules),
			Pressures:       len(docs.Pressures),
			Eras:            len(docs.Eras),
		},
		Snapshot:      result.Snapshot,
		Stats:         result.Stats,
		Deviations:    result.Deviations,
		Breakdown:     breakdown,
		ViolationRate: result.ViolationRate,
		EpochsRun:     result.EpochsRun,
		TicksRun:      result.TicksRun,
		RulesApplied:  result.RulesApplied,
		RulesSkipped:  result.RulesSkipped,
	})
	if err != nil {
		return RunSummary{}, err
	}

	if err := artifacts.AppendRunIndex(c.artifactsDir, artifacts.RunIndexEntry{
		RunID:        result.Snapshot.RunID,
		Kind:         "run",
		Seed:         req.Seed,
		Fitness:      breakdown.Total,
		Entities:     len(result.Snapshot.Entities),
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return RunSummary{}, err
	}

	return RunSummary{
		RunID:         result.Snapshot.RunID,
		ArtifactsDir:  runDir,
		Fitness:       breakdown.Total,
		Components:    breakdown.Components,
		ViolationRate: breakdown.ViolationRate,
		Entities:      len(result.Snapshot.Entities),
		Relationships: len(result.Snapshot.Relationships),
		EpochsRun:     result.EpochsRun,
		TicksRun:      result.TicksRun,
	}, nil
}

// Search executes one parameter search, persists its artifacts, and
// returns a summary.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchSummary, error) {
	applySearchDefaults(&req)

	docs, err := c.loadDocuments(req.Config, req.Seed)
	if err != nil {
		return SearchSummary{}, err
	}

	evaluator, err := evaluatorFrom(req.FitnessWeights, req.ViolationDecay, docs)
	if err != nil {
		return SearchSummary{}, err
	}

	sel, err := search.SelectorFromName(req.Selection)
	if err != nil {
		return SearchSummary{}, err
	}
	strategy, err := mutation.StrategyFromName(req.Strategy)
	if err != nil {
		return SearchSummary{}, err
	}
	schedule, err := mutation.ScheduleFromName(req.Schedule)
	if err != nil {
		return SearchSummary{}, err
	}
	policy, err := search.PolicyFromName(req.OnStagnation)
	if err != nil {
		return SearchSummary{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = fmt.Sprintf("search-%d-%d", req.Seed, time.Now().UTC().Unix())
	}

	mutCfg := mutation.DefaultConfig()
	mutCfg.Strategy = strategy
	mutCfg.Schedule = schedule

	engCfg := engineConfig(docs, RunRequest{
		RunID:           runID,
		Seed:            req.Seed,
		Epochs:          req.Epochs,
		TicksPerEpoch:   req.TicksPerEpoch,
		GrowthTarget:    req.GrowthTarget,
		DefaultStrength: req.DefaultStrength,
	})
	engCfg.Logger = c.log

	s, err := search.New(search.Config{
		PopulationSize: req.PopulationSize,
		Generations:    req.Generations,
		EliteCount:     req.EliteCount,
		Workers:        req.Workers,
		Seed:           req.Seed,
		CrossoverRate:  req.CrossoverRate,
		Selector:       sel,
		Mutation:       mutCfg,
		Evaluator:      evaluator,
		Engine:         engCfg,
		OnStagnation:   policy,
		Logger:         c.log,
	})
	if err != nil {
		return SearchSummary{}, err
	}

	result, err := s.Run(ctx)
	if err != nil {
		return SearchSummary{}, err
	}

	if err := c.persistSearch(ctx, runID, result); err != nil {
		return SearchSummary{}, err
	}

	runDir, err := artifacts.WriteSearchArtifacts(c.artifactsDir, artifacts.SearchArtifacts{
		Config: artifacts.SearchConfig{
			RunID:          runID,
			Seed:           req.Seed,
			PopulationSize: req.PopulationSize,
			Generations:    req.Generations,
			EliteCount:     req.EliteCount,
			Workers:        req.Workers,
			Selection:      sel.Name(),
			Strategy:       strategy.String(),
			Schedule:       schedule.String(),
			OnStagnation:   policy.String(),
		},
		BestByGeneration: result.BestByGeneration,
		Diagnostics:      result.Diagnostics,
		Best:             result.Best,
		Evaluations:      result.Evaluations,
	})
	if err != nil {
		return SearchSummary{}, err
	}

	if err := artifacts.AppendRunIndex(c.artifactsDir, artifacts.RunIndexEntry{
		RunID:        runID,
		Kind:         "search",
		Seed:         req.Seed,
		Fitness:      result.Best.Breakdown.Total,
		Generations:  len(result.BestByGeneration),
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return SearchSummary{}, err
	}

	return SearchSummary{
		RunID:            runID,
		ArtifactsDir:     runDir,
		BestFitness:      result.Best.Breakdown.Total,
		BestGenomeID:     result.Best.Genome.ID,
		BestByGeneration: result.BestByGeneration,
		Evaluations:      result.Evaluations,
	}, nil
}

func (c *Client) persistSearch(ctx context.Context, runID string, result search.Result) error {
	best := result.Best
	best.RunID = runID
	if err := c.store.SaveGenome(ctx, best.Genome); err != nil {
		return err
	}
	if err := c.store.SaveBestResult(ctx, best); err != nil {
		return err
	}
	if err := c.store.SaveFitnessHistory(ctx, runID, result.BestByGeneration); err != nil {
		return err
	}
	return c.store.SaveGenerationDiagnostics(ctx, runID, result.Diagnostics)
}

// Runs lists indexed runs from the artifacts directory.
func (c *Client) Runs(req RunsRequest) ([]RunItem, error) {
	entries, err := artifacts.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[len(entries)-req.Limit:]
	}
	items := make([]RunItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, RunItem{
			RunID:        entry.RunID,
			Kind:         entry.Kind,
			Seed:         entry.Seed,
			Fitness:      entry.Fitness,
			Entities:     entry.Entities,
			Generations:  entry.Generations,
			CreatedAtUTC: entry.CreatedAtUTC,
		})
	}
	return items, nil
}

// FitnessHistory returns the persisted best-by-generation series.
func (c *Client) FitnessHistory(ctx context.Context, runID string) ([]float64, bool, error) {
	return c.store.GetFitnessHistory(ctx, runID)
}

// Diagnostics returns the persisted generation diagnostics.
func (c *Client) Diagnostics(ctx context.Context, runID string) ([]model.GenerationDiagnostics, bool, error) {
	return c.store.GetGenerationDiagnostics(ctx, runID)
}

// BestResult returns the persisted best genome and breakdown.
func (c *Client) BestResult(ctx context.Context, runID string) (model.BestResult, bool, error) {
	return c.store.GetBestResult(ctx, runID)
}

// Snapshot returns the persisted world snapshot of a run.
func (c *Client) Snapshot(ctx context.Context, runID string) (model.Snapshot, bool, error) {
	return c.store.GetSnapshot(ctx, runID)
}

func (c *Client) loadDocuments(paths ConfigPaths, seed int64) (*config.Documents, error) {
	return config.Load(config.LoadPaths{
		Schema:    paths.Schema,
		Rules:     paths.Rules,
		Pressures: paths.Pressures,
		Eras:      paths.Eras,
		Targets:   paths.Targets,
		Overrides: paths.Overrides,
	}, seed)
}

func applyRunDefaults(req *RunRequest) {
	if req.Epochs <= 0 {
		req.Epochs = 20
	}
	if req.TicksPerEpoch <= 0 {
		req.TicksPerEpoch = 10
	}
	if req.GrowthTarget <= 0 {
		req.GrowthTarget = 12
	}
}

func applySearchDefaults(req *SearchRequest) {
	if req.PopulationSize <= 0 {
		req.PopulationSize = 24
	}
	if req.Generations <= 0 {
		req.Generations = 30
	}
	if req.EliteCount <= 0 {
		req.EliteCount = req.PopulationSize / 5
		if req.EliteCount < 1 {
			req.EliteCount = 1
		}
	}
	if req.Workers <= 0 {
		req.Workers = 4
	}
	if req.Epochs <= 0 {
		req.Epochs = 10
	}
	if req.TicksPerEpoch <= 0 {
		req.TicksPerEpoch = 8
	}
	if req.GrowthTarget <= 0 {
		req.GrowthTarget = 10
	}
}

func evaluatorFrom(weights map[string]float64, decay float64, docs *config.Documents) (*fitness.Evaluator, error) {
	var w fitness.Weights
	if len(weights) > 0 {
		w = make(fitness.Weights, len(weights))
		for name, weight := range weights {
			w[fitness.Component(name)] = weight
		}
	}
	return fitness.NewEvaluator(w, decay, docs.Targets.Connectivity)
}

func engineConfig(docs *config.Documents, req RunRequest) engine.Config {
	return engine.Config{
		RunID:           req.RunID,
		Seed:            req.Seed,
		Schema:          docs.Schema,
		Generative:      docs.Generative,
		TickRules:       docs.TickRules,
		Pressures:       docs.Pressures,
		Eras:            docs.Eras,
		Targets:         docs.Targets,
		Selector:        selector.Config{},
		Epochs:          req.Epochs,
		TicksPerEpoch:   req.TicksPerEpoch,
		GrowthTarget:    req.GrowthTarget,
		DefaultStrength: req.DefaultStrength,
		Stagnation: engine.StagnationConfig{
			Enabled:   req.StagnationWindow > 0,
			Window:    req.StagnationWindow,
			MinGrowth: req.StagnationMinGrowth,
		},
	}
}
