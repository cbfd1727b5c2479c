package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"worldloom/internal/storage"
	loom "worldloom/pkg/worldloom"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "validate":
		return runValidate(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "search":
		return runSearch(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "fitness":
		return runFitness(ctx, args[1:])
	case "diagnostics":
		return runDiagnostics(ctx, args[1:])
	case "best":
		return runBest(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type usageError string

func (e usageError) Error() string {
	return fmt.Sprintf(`%s

usage: worldloomctl <command> [flags]

commands:
  validate      check configuration documents without running
  run           generate one world and persist its artifacts
  search        optimize rule parameters with a genetic search
  runs          list indexed runs
  fitness       print a search's best-by-generation history
  diagnostics   print a search's generation diagnostics
  best          print a search's best genome and breakdown`, string(e))
}

type commonFlags struct {
	storeKind    *string
	dbPath       *string
	artifactsDir *string
	verbose      *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		storeKind:    fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", "worldloom.db", "sqlite database path"),
		artifactsDir: fs.String("artifacts-dir", "artifacts", "artifacts output directory"),
		verbose:      fs.Bool("v", false, "verbose logging"),
	}
}

func addConfigFlags(fs *flag.FlagSet) *loom.ConfigPaths {
	paths := &loom.ConfigPaths{}
	fs.StringVar(&paths.Schema, "schema", "", "domain schema document (required)")
	fs.StringVar(&paths.Rules, "rules", "", "rules document (required)")
	fs.StringVar(&paths.Pressures, "pressures", "", "pressures document")
	fs.StringVar(&paths.Eras, "eras", "", "eras document")
	fs.StringVar(&paths.Targets, "targets", "", "distribution targets document (required)")
	fs.StringVar(&paths.Overrides, "overrides", "", "parameter overrides document")
	return paths
}

func newClient(flags commonFlags) (*loom.Client, error) {
	level := slog.LevelInfo
	if !*flags.verbose {
		level = slog.LevelWarn
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return loom.New(loom.Options{
		StoreKind:    *flags.storeKind,
		DBPath:       *flags.dbPath,
		ArtifactsDir: *flags.artifactsDir,
		Logger:       log,
	})
}

func checkConfigPaths(paths *loom.ConfigPaths) error {
	if paths.Schema == "" || paths.Rules == "" || paths.Targets == "" {
		return usageError("-schema, -rules, and -targets are required")
	}
	return nil
}

func runValidate(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	paths := addConfigFlags(fs)
	seed := fs.Int64("seed", 1, "noise seed used during validation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := checkConfigPaths(paths); err != nil {
		return err
	}

	client, err := newClient(flags)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Validate(*paths, *seed); err != nil {
		return err
	}
	fmt.Println("configuration ok")
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	paths := addConfigFlags(fs)
	runID := fs.String("run-id", "", "run id (default: generated)")
	seed := fs.Int64("seed", time.Now().UnixNano(), "run seed")
	epochs := fs.Int("epochs", 20, "epoch budget")
	ticks := fs.Int("ticks", 10, "simulation ticks per epoch")
	growth := fs.Int("growth-target", 12, "new entities aimed for per epoch")
	strength := fs.Float64("default-strength", 0, "default relationship strength (0 = 0.5)")
	stagnationWindow := fs.Int("stagnation-window", 0, "epochs of flat growth before stopping (0 = disabled)")
	stagnationMin := fs.Int("stagnation-min-growth", 1, "minimum per-epoch growth that counts as progress")
	decay := fs.Float64("violation-decay", 0, "violation score decay constant k (0 = default)")
	asJSON := fs.Bool("json", false, "print the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := checkConfigPaths(paths); err != nil {
		return err
	}

	client, err := newClient(flags)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Init(ctx); err != nil {
		return err
	}

	summary, err := client.Run(ctx, loom.RunRequest{
		Config:              *paths,
		RunID:               *runID,
		Seed:                *seed,
		Epochs:              *epochs,
		TicksPerEpoch:       *ticks,
		GrowthTarget:        *growth,
		DefaultStrength:     *strength,
		StagnationWindow:    *stagnationWindow,
		StagnationMinGrowth: *stagnationMin,
		ViolationDecay:      *decay,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(summary)
	}
	fmt.Printf("run %s complete\n", summary.RunID)
	fmt.Printf("  fitness        %.4f\n", summary.Fitness)
	fmt.Printf("  entities       %s\n", humanize.Comma(int64(summary.Entities)))
	fmt.Printf("  relationships  %s\n", humanize.Comma(int64(summary.Relationships)))
	fmt.Printf("  epochs/ticks   %d/%d\n", summary.EpochsRun, summary.TicksRun)
	fmt.Printf("  violation rate %.4f\n", summary.ViolationRate)
	for _, name := range sortedComponentNames(summary.Components) {
		fmt.Printf("  %-24s %.4f\n", name, summary.Components[name])
	}
	fmt.Printf("  artifacts      %s\n", summary.ArtifactsDir)
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	paths := addConfigFlags(fs)
	runID := fs.String("run-id", "", "search run id (default: generated)")
	seed := fs.Int64("seed", time.Now().UnixNano(), "search seed")
	population := fs.Int("population", 24, "population size")
	generations := fs.Int("generations", 30, "generation budget")
	elite := fs.Int("elite", 0, "elite count (0 = population/5)")
	workers := fs.Int("workers", 4, "parallel evaluations")
	selection := fs.String("selection", "tournament", "parent selection: tournament|fitness_proportional")
	strategy := fs.String("strategy", "hybrid", "mutation strategy: impact|component_focus|annealing|hybrid")
	schedule := fs.String("schedule", "cosine", "annealing schedule: linear|exponential|cosine")
	onStagnation := fs.String("on-stagnation", "warn", "stagnation policy: warn|stop|inject")
	crossover := fs.Float64("crossover", 0.6, "crossover rate")
	epochs := fs.Int("epochs", 10, "epoch budget per evaluation")
	ticks := fs.Int("ticks", 8, "simulation ticks per epoch")
	growth := fs.Int("growth-target", 10, "new entities aimed for per epoch")
	strength := fs.Float64("default-strength", 0, "default relationship strength (0 = 0.5)")
	decay := fs.Float64("violation-decay", 0, "violation score decay constant k (0 = default)")
	asJSON := fs.Bool("json", false, "print the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := checkConfigPaths(paths); err != nil {
		return err
	}

	client, err := newClient(flags)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Init(ctx); err != nil {
		return err
	}

	started := time.Now()
	summary, err := client.Search(ctx, loom.SearchRequest{
		Config:          *paths,
		RunID:           *runID,
		Seed:            *seed,
		PopulationSize:  *population,
		Generations:     *generations,
		EliteCount:      *elite,
		Workers:         *workers,
		Selection:       *selection,
		Strategy:        *strategy,
		Schedule:        *schedule,
		OnStagnation:    *onStagnation,
		CrossoverRate:   *crossover,
		Epochs:          *epochs,
		TicksPerEpoch:   *ticks,
		GrowthTarget:    *growth,
		DefaultStrength: *strength,
		ViolationDecay:  *decay,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(summary)
	}
	fmt.Printf("search %s complete in %s\n", summary.RunID, time.Since(started).Round(time.Millisecond))
	fmt.Printf("  best fitness %.4f (genome %s)\n", summary.BestFitness, summary.BestGenomeID)
	fmt.Printf("  generations  %d\n", len(summary.BestByGeneration))
	fmt.Printf("  evaluations  %s\n", humanize.Comma(int64(summary.Evaluations)))
	fmt.Printf("  artifacts    %s\n", summary.ArtifactsDir)
	return nil
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	limit := fs.Int("limit", 20, "maximum entries to list")
	asJSON := fs.Bool("json", false, "print the list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(flags)
	if err != nil {
		return err
	}
	defer client.Close()

	items, err := client.Runs(loom.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, item := range items {
		age := item.CreatedAtUTC
		if created, err := time.Parse(time.RFC3339, item.CreatedAtUTC); err == nil {
			age = humanize.Time(created)
		}
		fmt.Printf("%-38s %-7s fitness=%.4f seed=%d %s\n",
			item.RunID, item.Kind, item.Fitness, item.Seed, age)
	}
	return nil
}

func runFitness(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fitness", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	runID := fs.String("run-id", "", "search run id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("-run-id is required")
	}

	client, err := newClient(flags)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Init(ctx); err != nil {
		return err
	}

	history, ok, err := client.FitnessHistory(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no fitness history for run %s", *runID)
	}
	for i, best := range history {
		fmt.Printf("gen %3d  best %.4f\n", i+1, best)
	}
	return nil
}

func runDiagnostics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	runID := fs.String("run-id", "", "search run id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("-run-id is required")
	}

	client, err := newClient(flags)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Init(ctx); err != nil {
		return err
	}

	diagnostics, ok, err := client.Diagnostics(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no diagnostics for run %s", *runID)
	}
	for _, diag := range diagnostics {
		marker := ""
		if diag.Stagnant {
			marker = " stagnant"
		}
		if diag.Injected > 0 {
			marker += fmt.Sprintf(" injected=%d", diag.Injected)
		}
		fmt.Printf("gen %3d  best %.4f  mean %.4f  min %.4f  diversity %d%s\n",
			diag.Generation, diag.BestFitness, diag.MeanFitness, diag.MinFitness, diag.GenomeDiversity, marker)
	}
	return nil
}

func runBest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("best", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	runID := fs.String("run-id", "", "search run id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("-run-id is required")
	}

	client, err := newClient(flags)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Init(ctx); err != nil {
		return err
	}

	best, ok, err := client.BestResult(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no best result for run %s", *runID)
	}
	return printJSON(best)
}

func sortedComponentNames(components map[string]float64) []string {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
