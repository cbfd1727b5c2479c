// Package engine orchestrates one world generation run: growth phases
// interleaved with simulation ticks, era transitions, and termination.
// A run is strictly single-threaded and deterministic under a fixed
// seed and genome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	"worldloom/internal/dist"
	"worldloom/internal/graph"
	"worldloom/internal/model"
	"worldloom/internal/pressure"
	"worldloom/internal/rule"
	"worldloom/internal/selector"
)

// State names the engine's run phases.
type State string

const (
	StateInitializing State = "initializing"
	StateGrowthPhase  State = "growth_phase"
	StateSimTicks     State = "simulation_ticks"
	StateEraCheck     State = "era_check"
	StateTerminated   State = "terminated"
)

// StagnationConfig is the explicit stop condition: the run ends early
// only when entity growth stays below MinGrowth for Window consecutive
// epochs. A single flat epoch never terminates a run.
type StagnationConfig struct {
	Enabled   bool `json:"enabled"`
	Window    int  `json:"window"`
	MinGrowth int  `json:"min_growth"`
}

// Config assembles one run. All inputs are loaded before the run
// starts; the engine performs no I/O.
type Config struct {
	RunID string
	Seed  int64

	Schema     model.DomainSchema
	Generative []*rule.Generative
	TickRules  []*rule.TickRule
	Pressures  []pressure.Spec
	Eras       []*rule.Era
	Targets    dist.Targets
	Selector   selector.Config
	Genome     model.Genome

	Epochs          int
	TicksPerEpoch   int
	GrowthTarget    int // new entities aimed for per epoch
	DefaultStrength float64
	Stagnation      StagnationConfig

	Logger *slog.Logger
}

// Result is the completed run handed to fitness scoring and external
// persistence.
type Result struct {
	Snapshot      model.Snapshot
	Stats         dist.Stats
	Deviations    dist.Deviations
	ViolationRate float64
	EpochsRun     int
	TicksRun      int
	RulesApplied  int
	RulesSkipped  int
}

// Engine drives one run to completion.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	world     *graph.World
	pressures *pressure.Model
	tracker   *dist.Tracker
	selector  *selector.Selector
	rng       *rand.Rand
	params    rule.ParamView

	state    State
	era      *rule.Era
	tick     int
	lastUsed map[string]int

	blockedRemovals int
	rulesApplied    int
	rulesSkipped    int
}

// New validates the config and builds a run-ready engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.New("epochs must be > 0")
	}
	if cfg.TicksPerEpoch <= 0 {
		return nil, errors.New("ticks per epoch must be > 0")
	}
	if cfg.GrowthTarget <= 0 {
		return nil, errors.New("growth target must be > 0")
	}
	if len(cfg.Generative) == 0 {
		return nil, errors.New("at least one generative rule is required")
	}
	if cfg.Stagnation.Enabled && cfg.Stagnation.Window <= 1 {
		return nil, errors.New("stagnation window must be > 1")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pressures, err := pressure.NewModel(cfg.Pressures)
	if err != nil {
		return nil, err
	}

	cores := make([]rule.Core, 0, len(cfg.Generative)+len(cfg.TickRules))
	for _, r := range cfg.Generative {
		cores = append(cores, r.Core)
	}
	for _, r := range cfg.TickRules {
		cores = append(cores, r.Core)
	}

	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger.With("run_id", cfg.RunID),
		world:     graph.New(cfg.Schema, cfg.DefaultStrength),
		pressures: pressures,
		tracker:   dist.NewTracker(cfg.Schema, cfg.Targets),
		selector:  selector.New(cfg.Selector, cfg.Schema, cfg.Targets),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		params:    rule.StaticParams(cores, cfg.Genome),
		state:     StateInitializing,
		lastUsed:  make(map[string]int),
	}
	rule.SortTickRules(e.cfg.TickRules)
	return e, nil
}

// Run executes the epoch loop until the budget is exhausted or the
// configured stagnation stop holds for its full persistence window.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	e.enterEra(e.initialEra())

	growthHistory := make([]int, 0, e.cfg.Epochs)
	epochsRun := 0

	for epoch := 0; epoch < e.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		e.state = StateGrowthPhase
		created := e.growthPhase()
		growthHistory = append(growthHistory, created)

		e.state = StateSimTicks
		for t := 0; t < e.cfg.TicksPerEpoch; t++ {
			e.tick++
			e.simulationTick()

			e.state = StateEraCheck
			e.checkEraTransition()
			e.state = StateSimTicks
		}

		epochsRun = epoch + 1
		e.log.Debug("epoch complete",
			"epoch", epochsRun,
			"entities", e.world.EntityCount(),
			"relationships", e.world.RelationshipCount(),
			"created", created,
		)

		if e.stagnated(growthHistory) {
			e.log.Debug("stagnation stop", "epoch", epochsRun, "window", e.cfg.Stagnation.Window)
			break
		}
	}

	e.state = StateTerminated
	return e.finish(epochsRun), nil
}

// initialEra returns the first era whose entry condition already holds,
// falling back to the first declared era. Runs without eras use a nil
// era with uniform weights.
func (e *Engine) initialEra() *rule.Era {
	if len(e.cfg.Eras) == 0 {
		return nil
	}
	eval := e.evalContext()
	for _, era := range e.cfg.Eras {
		if era.Entry.Eval(eval) {
			return era
		}
	}
	return e.cfg.Eras[0]
}

func (e *Engine) enterEra(era *rule.Era) {
	if era == nil {
		return
	}
	e.era = era
	e.applyEraEffects(era.EntryEffects)
	e.world.RecordEvent(model.Event{
		Tick:    e.tick,
		Type:    model.EventEraEntered,
		Subject: era.ID,
	})
}

func (e *Engine) applyEraEffects(effects []rule.Update) {
	for _, effect := range effects {
		if effect.Op == rule.UpdatePressureDelta {
			e.pressures.Adjust(effect.Pressure, effect.Amount)
		}
	}
}

// growthPhase samples rule invocations and applies them in selection
// order, re-checking applicability before each application since prior
// applications may have changed the graph.
func (e *Engine) growthPhase() int {
	stats, deviations := e.tracker.Snapshot(e.world)

	weighted := e.selector.Weigh(e.cfg.Generative, deviations, stats, e.era)
	budget := e.selector.Budget(e.cfg.GrowthTarget)
	picks := e.selector.Sample(weighted, budget, e.rng)

	phaseUses := make(map[string]int)
	created := 0
	for _, r := range picks {
		if created >= e.cfg.GrowthTarget {
			break
		}
		eval := e.evalContext()
		eval.PhaseUses = phaseUses
		if !r.Applicable(eval) {
			continue
		}

		applied, err := r.Apply(&rule.ApplyContext{
			World:     e.world,
			Pressures: e.pressures,
			Rand:      e.rng,
			Params:    e.params,
			Tick:      e.tick,
			EraID:     e.eraID(),
		})
		if err != nil {
			// Empty bindings and dead-end subtype draws skip the
			// attempt; the run always continues.
			e.rulesSkipped++
			e.log.Debug("rule application skipped", "rule", r.ID, "err", err)
			continue
		}
		e.rulesApplied++
		phaseUses[r.ID]++
		e.lastUsed[r.ID] = e.tick
		created += len(applied.EntityIDs)
	}
	return created
}

// simulationTick applies every enabled tick rule in fixed id order,
// then advances the pressure model.
func (e *Engine) simulationTick() {
	apply := &rule.ApplyContext{
		World:     e.world,
		Pressures: e.pressures,
		Rand:      e.rng,
		Params:    e.params,
		Tick:      e.tick,
		EraID:     e.eraID(),
	}
	threshold := e.cfg.Targets.Connectivity.StrengthThreshold
	for _, r := range e.cfg.TickRules {
		outcome, err := r.Tick(apply, threshold)
		if err != nil {
			e.rulesSkipped++
			e.log.Debug("tick rule skipped", "rule", r.ID, "err", err)
			continue
		}
		e.blockedRemovals += outcome.BlockedRemovals
	}
	e.pressures.Tick(e.world, e.tick)
}

// checkEraTransition switches eras when the active era's exit condition
// and a candidate era's entry condition both hold.
func (e *Engine) checkEraTransition() {
	if e.era == nil || len(e.cfg.Eras) < 2 {
		return
	}
	eval := e.evalContext()
	if !e.era.Exit.Eval(eval) {
		return
	}
	for _, candidate := range e.cfg.Eras {
		if candidate.ID == e.era.ID {
			continue
		}
		if candidate.Entry.Eval(eval) {
			e.applyEraEffects(e.era.ExitEffects)
			e.enterEra(candidate)
			return
		}
	}
}

// stagnated reports whether growth stayed below the configured floor
// for the full persistence window.
func (e *Engine) stagnated(history []int) bool {
	cfg := e.cfg.Stagnation
	if !cfg.Enabled || len(history) < cfg.Window {
		return false
	}
	for _, created := range history[len(history)-cfg.Window:] {
		if created >= cfg.MinGrowth {
			return false
		}
	}
	return true
}

func (e *Engine) evalContext() *rule.EvalContext {
	return &rule.EvalContext{
		World:     e.world,
		Pressures: e.pressures,
		EraID:     e.eraID(),
		Tick:      e.tick,
		Rand:      e.rng,
		LastUsed:  e.lastUsed,
		PhaseUses: map[string]int{},
	}
}

func (e *Engine) eraID() string {
	if e.era == nil {
		return ""
	}
	return e.era.ID
}

func (e *Engine) finish(epochsRun int) Result {
	stats, deviations := e.tracker.Snapshot(e.world)
	entities, relationships, events := e.world.Export()

	violationRate := 0.0
	if e.tick > 0 {
		violationRate = float64(e.blockedRemovals) / float64(e.tick)
	}

	return Result{
		Snapshot: model.Snapshot{
			RunID:         e.cfg.RunID,
			Seed:          e.cfg.Seed,
			Epochs:        epochsRun,
			Ticks:         e.tick,
			FinalEra:      e.eraID(),
			Entities:      entities,
			Relationships: relationships,
			Pressures:     e.pressures.Export(),
			Events:        events,
		},
		Stats:         stats,
		Deviations:    deviations,
		ViolationRate: violationRate,
		EpochsRun:     epochsRun,
		TicksRun:      e.tick,
		RulesApplied:  e.rulesApplied,
		RulesSkipped:  e.rulesSkipped,
	}
}

// Describe returns a short engine identity string for logs.
func (e *Engine) Describe() string {
	return fmt.Sprintf("engine[%s] state=%s tick=%d", e.cfg.RunID, e.state, e.tick)
}
