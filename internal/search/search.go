// Package search runs the genetic parameter optimization: a fixed-size
// population of genomes, each evaluated by one engine run, evolved via
// elitism, selection, crossover, and adaptive mutation.
package search

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"worldloom/internal/engine"
	"worldloom/internal/fitness"
	"worldloom/internal/model"
	"worldloom/internal/mutation"
	"worldloom/internal/rule"
)

// StagnationPolicy decides how the search reacts when fitness stops
// improving or genome diversity collapses. Diagnostics are always
// recorded; only PolicyStop ends the search early.
type StagnationPolicy int

const (
	PolicyWarn StagnationPolicy = iota
	PolicyStop
	PolicyInject
)

func (p StagnationPolicy) String() string {
	switch p {
	case PolicyWarn:
		return "warn"
	case PolicyStop:
		return "stop"
	case PolicyInject:
		return "inject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// PolicyFromName resolves a configured stagnation policy name.
func PolicyFromName(name string) (StagnationPolicy, error) {
	switch name {
	case "", "warn":
		return PolicyWarn, nil
	case "stop":
		return PolicyStop, nil
	case "inject":
		return PolicyInject, nil
	default:
		return 0, fmt.Errorf("unsupported stagnation policy: %s", name)
	}
}

// Config assembles one search. Engine is the run template; the search
// sets Genome, Seed, and RunID per evaluation.
type Config struct {
	PopulationSize int
	Generations    int
	EliteCount     int
	Workers        int
	Seed           int64
	CrossoverRate  float64
	InitSpread     float64 // initial randomized offset as a fraction of each range

	Selector  Selector
	Mutation  mutation.Config
	Evaluator *fitness.Evaluator
	Engine    engine.Config

	OnStagnation     StagnationPolicy
	StagnationWindow int
	MinImprovement   float64
	DiversityFloor   float64 // minimum distinct-genome fraction

	Logger *slog.Logger
}

// Result is the completed search.
type Result struct {
	Best             model.BestResult
	BestByGeneration []float64
	Diagnostics      []model.GenerationDiagnostics
	Evaluations      int
}

// Search drives repeated engine runs through the fitness evaluator and
// evolves genomes toward higher fitness.
type Search struct {
	cfg      Config
	log      *slog.Logger
	rng      *rand.Rand
	adaptive *mutation.Adaptive
	params   map[model.ParamRef]rule.Param
}

// New validates the config and builds a search.
func New(cfg Config) (*Search, error) {
	if cfg.PopulationSize <= 0 {
		return nil, errors.New("population size must be > 0")
	}
	if cfg.Generations <= 0 {
		return nil, errors.New("generations must be > 0")
	}
	if cfg.EliteCount <= 0 || cfg.EliteCount > cfg.PopulationSize {
		return nil, errors.New("elite count must be in [1, population size]")
	}
	if cfg.Evaluator == nil {
		return nil, errors.New("fitness evaluator is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CrossoverRate < 0 || cfg.CrossoverRate > 1 {
		return nil, errors.New("crossover rate must be in [0,1]")
	}
	if cfg.CrossoverRate == 0 {
		cfg.CrossoverRate = 0.6
	}
	if cfg.InitSpread <= 0 {
		cfg.InitSpread = 0.25
	}
	if cfg.Selector == nil {
		cfg.Selector = TournamentSelector{}
	}
	if cfg.StagnationWindow <= 0 {
		cfg.StagnationWindow = 8
	}
	if cfg.MinImprovement <= 0 {
		cfg.MinImprovement = 1e-4
	}
	if cfg.DiversityFloor <= 0 {
		cfg.DiversityFloor = 0.2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	adaptive, err := mutation.New(cfg.Mutation)
	if err != nil {
		return nil, err
	}

	return &Search{
		cfg:      cfg,
		log:      cfg.Logger,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		adaptive: adaptive,
		params:   declaredParams(cfg.Engine),
	}, nil
}

// declaredParams flattens every rule parameter declaration.
func declaredParams(cfg engine.Config) map[model.ParamRef]rule.Param {
	params := make(map[model.ParamRef]rule.Param)
	for _, r := range cfg.Generative {
		for _, p := range r.Params {
			params[model.ParamRef{RuleID: r.ID, Name: p.Name}] = p
		}
	}
	for _, r := range cfg.TickRules {
		for _, p := range r.Params {
			params[model.ParamRef{RuleID: r.ID, Name: p.Name}] = p
		}
	}
	return params
}

// candidate tracks one child genome together with the mutation deltas
// that produced it and its parent's fitness, feeding impact learning
// after evaluation.
type candidate struct {
	genome        model.Genome
	changes       map[model.ParamRef]float64
	parentFitness float64
	hasParent     bool
}

// Run executes the generational loop.
func (s *Search) Run(ctx context.Context) (Result, error) {
	population := s.seedPopulation()

	var (
		bestHistory []float64
		diagnostics []model.GenerationDiagnostics
		best        Scored
		haveBest    bool
		evaluations int
		weak        map[fitness.Component]bool
	)

	for gen := 0; gen < s.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		scored, err := s.evaluate(ctx, population, gen)
		if err != nil {
			return Result{}, err
		}
		evaluations += len(scored)

		// Feed impact learning before the candidates are discarded.
		for i, cand := range population {
			if !cand.hasParent {
				continue
			}
			delta := scored[i].Fitness - cand.parentFitness
			for ref, change := range cand.changes {
				s.adaptive.Observe(ref, change, delta)
			}
		}

		ranked := make([]Scored, len(scored))
		copy(ranked, scored)
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Fitness > ranked[j].Fitness
		})

		if !haveBest || ranked[0].Fitness > best.Fitness {
			best = ranked[0]
			haveBest = true
		}
		bestHistory = append(bestHistory, ranked[0].Fitness)
		weak = fitness.WeakComponents(ranked[0].Breakdown)

		diag := s.summarize(ranked, gen+1)
		stagnant := s.stagnant(bestHistory)
		collapsed := float64(diag.GenomeDiversity)/float64(len(ranked)) < s.cfg.DiversityFloor
		diag.Stagnant = stagnant || collapsed

		s.log.Info("generation complete",
			"generation", gen+1,
			"best", diag.BestFitness,
			"mean", diag.MeanFitness,
			"diversity", diag.GenomeDiversity,
		)

		injected := 0
		if diag.Stagnant {
			switch s.cfg.OnStagnation {
			case PolicyStop:
				diagnostics = append(diagnostics, diag)
				s.log.Warn("search stopped on configured stagnation policy", "generation", gen+1)
				return s.result(best, bestHistory, diagnostics, evaluations), nil
			case PolicyInject:
				injected = s.cfg.PopulationSize - s.cfg.EliteCount
				s.log.Warn("injecting diversity", "generation", gen+1, "replaced", injected)
			default:
				s.log.Warn("search stagnating", "generation", gen+1, "collapsed", collapsed)
			}
		}
		diag.Injected = injected
		diagnostics = append(diagnostics, diag)

		if gen == s.cfg.Generations-1 {
			break
		}
		population, err = s.nextGeneration(ranked, gen, weak, injected > 0)
		if err != nil {
			return Result{}, err
		}
	}

	return s.result(best, bestHistory, diagnostics, evaluations), nil
}

func (s *Search) result(best Scored, history []float64, diagnostics []model.GenerationDiagnostics, evaluations int) Result {
	return Result{
		Best: model.BestResult{
			RunID:     s.cfg.Engine.RunID,
			Genome:    best.Genome,
			Breakdown: best.Breakdown,
		},
		BestByGeneration: history,
		Diagnostics:      diagnostics,
		Evaluations:      evaluations,
	}
}

// seedPopulation builds the initial genomes from rule defaults plus
// randomized offsets, clamped to declared bounds.
func (s *Search) seedPopulation() []candidate {
	population := make([]candidate, s.cfg.PopulationSize)
	for i := range population {
		population[i] = candidate{genome: s.freshGenome()}
	}
	return population
}

func (s *Search) freshGenome() model.Genome {
	genome := model.Genome{
		ID:     uuid.NewString(),
		Values: make(map[model.ParamRef]float64, len(s.params)),
	}
	refs := make([]model.ParamRef, 0, len(s.params))
	for ref := range s.params {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].RuleID != refs[j].RuleID {
			return refs[i].RuleID < refs[j].RuleID
		}
		return refs[i].Name < refs[j].Name
	})
	for _, ref := range refs {
		param := s.params[ref]
		span := param.Max - param.Min
		offset := (s.rng.Float64()*2 - 1) * s.cfg.InitSpread * span
		genome.Values[ref] = param.Clamp(param.Default + offset)
	}
	return genome
}

// evaluate runs one engine per genome concurrently and gathers scores
// in population order. Evaluations share no mutable state; each run
// gets its own engine and a seed derived from the search seed.
func (s *Search) evaluate(ctx context.Context, population []candidate, generation int) ([]Scored, error) {
	scored := make([]Scored, len(population))
	errs := make([]error, len(population))

	p := pool.New().WithMaxGoroutines(s.cfg.Workers)
	for i := range population {
		idx := i
		genome := population[i].genome
		p.Go(func() {
			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}
			runCfg := s.cfg.Engine
			runCfg.RunID = fmt.Sprintf("%s-g%d-%d", s.cfg.Engine.RunID, generation, idx)
			runCfg.Seed = s.cfg.Seed + int64(generation)*int64(len(population)) + int64(idx)
			runCfg.Genome = genome
			runCfg.Logger = s.log

			eng, err := engine.New(runCfg)
			if err != nil {
				errs[idx] = err
				return
			}
			result, err := eng.Run(ctx)
			if err != nil {
				errs[idx] = err
				return
			}
			breakdown := s.cfg.Evaluator.Score(result.Deviations, result.ViolationRate)
			scored[idx] = Scored{
				Genome:    genome,
				Fitness:   breakdown.Total,
				Breakdown: breakdown,
			}
		})
	}
	p.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return scored, nil
}

// nextGeneration retains elites unmodified and fills the remainder via
// selection, crossover, and adaptive mutation.
func (s *Search) nextGeneration(ranked []Scored, generation int, weak map[fitness.Component]bool, inject bool) ([]candidate, error) {
	next := make([]candidate, 0, s.cfg.PopulationSize)
	for i := 0; i < s.cfg.EliteCount && i < len(ranked); i++ {
		next = append(next, candidate{genome: ranked[i].Genome})
	}

	for len(next) < s.cfg.PopulationSize {
		if inject {
			next = append(next, candidate{genome: s.freshGenome()})
			continue
		}

		parent, err := s.cfg.Selector.PickParent(s.rng, ranked, s.cfg.EliteCount)
		if err != nil {
			return nil, err
		}
		parentFitness := fitnessOf(ranked, parent.ID)

		child := parent.Clone()
		child.ID = uuid.NewString()
		if s.rng.Float64() < s.cfg.CrossoverRate {
			other, err := s.cfg.Selector.PickParent(s.rng, ranked, s.cfg.EliteCount)
			if err != nil {
				return nil, err
			}
			s.crossover(&child, other)
		}
		changes := s.adaptive.Mutate(s.rng, child, s.params, generation, s.cfg.Generations, weak)

		next = append(next, candidate{
			genome:        child,
			changes:       changes,
			parentFitness: parentFitness,
			hasParent:     true,
		})
	}
	return next, nil
}

// crossover mixes the second parent in uniformly, per parameter.
func (s *Search) crossover(child *model.Genome, other model.Genome) {
	for _, ref := range child.SortedRefs() {
		if s.rng.Float64() < 0.5 {
			if v, ok := other.Values[ref]; ok {
				child.Values[ref] = v
			}
		}
	}
}

func fitnessOf(ranked []Scored, genomeID string) float64 {
	for _, scored := range ranked {
		if scored.Genome.ID == genomeID {
			return scored.Fitness
		}
	}
	return 0
}

// summarize computes per-generation diagnostics. Diversity counts
// distinct genomes by a quantized value fingerprint.
func (s *Search) summarize(ranked []Scored, generation int) model.GenerationDiagnostics {
	if len(ranked) == 0 {
		return model.GenerationDiagnostics{Generation: generation}
	}
	total := 0.0
	min := ranked[0].Fitness
	fingerprints := make(map[uint64]struct{}, len(ranked))
	for _, scored := range ranked {
		total += scored.Fitness
		if scored.Fitness < min {
			min = scored.Fitness
		}
		fingerprints[fingerprint(scored.Genome)] = struct{}{}
	}
	return model.GenerationDiagnostics{
		Generation:      generation,
		BestFitness:     ranked[0].Fitness,
		MeanFitness:     total / float64(len(ranked)),
		MinFitness:      min,
		GenomeDiversity: len(fingerprints),
	}
}

// stagnant reports whether best fitness improved less than the
// configured minimum across the whole window.
func (s *Search) stagnant(history []float64) bool {
	window := s.cfg.StagnationWindow
	if len(history) < window {
		return false
	}
	recent := history[len(history)-window:]
	return recent[len(recent)-1]-recent[0] < s.cfg.MinImprovement
}

// fingerprint hashes a genome's values quantized to 1e-6.
func fingerprint(genome model.Genome) uint64 {
	h := fnv.New64a()
	for _, ref := range genome.SortedRefs() {
		fmt.Fprintf(h, "%s=%.6f;", ref, genome.Values[ref])
	}
	return h.Sum64()
}
