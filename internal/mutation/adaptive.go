// Package mutation decides, per optimizable parameter, the probability
// and magnitude of mutation from three signals: impact learning,
// weak-component targeting, and an annealing schedule.
package mutation

import (
	"fmt"
	"math"
	"math/rand"

	"worldloom/internal/fitness"
	"worldloom/internal/model"
	"worldloom/internal/rule"
)

// Strategy is the closed set of adaptive mutation modes.
type Strategy int

const (
	StrategyImpact Strategy = iota
	StrategyComponentFocus
	StrategyAnnealing
	StrategyHybrid
)

func (s Strategy) String() string {
	switch s {
	case StrategyImpact:
		return "impact"
	case StrategyComponentFocus:
		return "component_focus"
	case StrategyAnnealing:
		return "annealing"
	case StrategyHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// StrategyFromName resolves a configured strategy name.
func StrategyFromName(name string) (Strategy, error) {
	switch name {
	case "", "hybrid":
		return StrategyHybrid, nil
	case "impact":
		return StrategyImpact, nil
	case "component_focus":
		return StrategyComponentFocus, nil
	case "annealing":
		return StrategyAnnealing, nil
	default:
		return 0, fmt.Errorf("unsupported mutation strategy: %s", name)
	}
}

// Schedule is the annealing curve shape.
type Schedule int

const (
	ScheduleLinear Schedule = iota
	ScheduleExponential
	ScheduleCosine
)

func (s Schedule) String() string {
	switch s {
	case ScheduleLinear:
		return "linear"
	case ScheduleExponential:
		return "exponential"
	case ScheduleCosine:
		return "cosine"
	default:
		return fmt.Sprintf("schedule(%d)", int(s))
	}
}

// ScheduleFromName resolves a configured schedule name.
func ScheduleFromName(name string) (Schedule, error) {
	switch name {
	case "", "cosine":
		return ScheduleCosine, nil
	case "linear":
		return ScheduleLinear, nil
	case "exponential":
		return ScheduleExponential, nil
	default:
		return 0, fmt.Errorf("unsupported annealing schedule: %s", name)
	}
}

// Config tunes the adaptive mutation signals.
type Config struct {
	Strategy    Strategy
	Schedule    Schedule
	InitialRate float64 // annealing start, per-parameter mutation probability
	FinalRate   float64 // annealing end
	Magnitude   float64 // base step as a fraction of the parameter range
	Window      int     // impact sliding-window size
	ImpactBoost float64 // max multiplier for high-impact parameters
	FocusBoost  float64 // multiplier for parameters feeding weak components
	MinRate     float64
	MaxRate     float64
}

// DefaultConfig mirrors the tuning the search ships with.
func DefaultConfig() Config {
	return Config{
		Strategy:    StrategyHybrid,
		Schedule:    ScheduleCosine,
		InitialRate: 0.30,
		FinalRate:   0.05,
		Magnitude:   0.15,
		Window:      10,
		ImpactBoost: 2.0,
		FocusBoost:  1.5,
		MinRate:     0.01,
		MaxRate:     0.95,
	}
}

type impactSample struct {
	change  float64 // |parameter delta|
	fitness float64 // resulting fitness delta
}

// Adaptive combines the three signals multiplicatively into per-
// parameter, per-generation mutation probability and magnitude.
type Adaptive struct {
	cfg     Config
	history map[model.ParamRef][]impactSample
}

// New validates the config and builds an adaptive mutation model.
func New(cfg Config) (*Adaptive, error) {
	def := DefaultConfig()
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = def.InitialRate
	}
	if cfg.FinalRate <= 0 {
		cfg.FinalRate = def.FinalRate
	}
	if cfg.InitialRate < cfg.FinalRate {
		return nil, fmt.Errorf("initial rate %.3f below final rate %.3f", cfg.InitialRate, cfg.FinalRate)
	}
	if cfg.Magnitude <= 0 {
		cfg.Magnitude = def.Magnitude
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ImpactBoost < 1 {
		cfg.ImpactBoost = def.ImpactBoost
	}
	if cfg.FocusBoost < 1 {
		cfg.FocusBoost = def.FocusBoost
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = def.MinRate
	}
	if cfg.MaxRate <= 0 || cfg.MaxRate > 1 {
		cfg.MaxRate = def.MaxRate
	}
	return &Adaptive{
		cfg:     cfg,
		history: make(map[model.ParamRef][]impactSample),
	}, nil
}

// Observe records the outcome of one mutated evaluation: how much the
// parameter moved and how fitness changed as a result. The window
// slides; only the most recent samples inform the impact signal.
func (a *Adaptive) Observe(ref model.ParamRef, change, fitnessDelta float64) {
	if change == 0 {
		return
	}
	window := append(a.history[ref], impactSample{
		change:  math.Abs(change),
		fitness: fitnessDelta,
	})
	if len(window) > a.cfg.Window {
		window = window[len(window)-a.cfg.Window:]
	}
	a.history[ref] = window
}

// BaseRate is the annealed global mutation rate for the generation.
func (a *Adaptive) BaseRate(generation, totalGenerations int) float64 {
	t := 0.0
	if totalGenerations > 1 {
		t = float64(generation) / float64(totalGenerations-1)
	}
	if t > 1 {
		t = 1
	}
	initial, final := a.cfg.InitialRate, a.cfg.FinalRate
	switch a.cfg.Schedule {
	case ScheduleLinear:
		return initial + (final-initial)*t
	case ScheduleExponential:
		return initial * math.Pow(final/initial, t)
	default: // ScheduleCosine
		return final + (initial-final)*(1+math.Cos(math.Pi*t))/2
	}
}

// impactFactor maps the sliding-window correlation between change
// magnitude and fitness movement into a multiplier: high-impact
// parameters mutate more, inert ones are damped.
func (a *Adaptive) impactFactor(ref model.ParamRef) float64 {
	window := a.history[ref]
	if len(window) < 3 {
		return 1.0
	}
	changes := make([]float64, len(window))
	deltas := make([]float64, len(window))
	for i, sample := range window {
		changes[i] = sample.change
		deltas[i] = math.Abs(sample.fitness)
	}
	impact := math.Abs(pearson(changes, deltas))
	damp := 1.0 / a.cfg.ImpactBoost
	return damp + (a.cfg.ImpactBoost-damp)*impact
}

// focusFactor boosts parameters whose declared components are currently
// weak. Mapping comes from rule metadata, never from name matching.
func (a *Adaptive) focusFactor(param rule.Param, weak map[fitness.Component]bool) float64 {
	for _, name := range param.Components {
		if weak[fitness.Component(name)] {
			return a.cfg.FocusBoost
		}
	}
	return 1.0
}

// Decide returns the mutation probability and absolute magnitude for
// one parameter in one generation.
func (a *Adaptive) Decide(ref model.ParamRef, param rule.Param, generation, totalGenerations int, weak map[fitness.Component]bool) (prob, magnitude float64) {
	base := a.BaseRate(generation, totalGenerations)
	combined := 1.0
	switch a.cfg.Strategy {
	case StrategyImpact:
		combined = a.impactFactor(ref)
	case StrategyComponentFocus:
		combined = a.focusFactor(param, weak)
	case StrategyAnnealing:
		// annealing only; base carries the whole signal
	case StrategyHybrid:
		combined = a.impactFactor(ref) * a.focusFactor(param, weak)
	}

	prob = base * combined
	if prob < a.cfg.MinRate {
		prob = a.cfg.MinRate
	}
	if prob > a.cfg.MaxRate {
		prob = a.cfg.MaxRate
	}

	span := param.Max - param.Min
	magnitude = a.cfg.Magnitude * span * combined
	if magnitude > span {
		magnitude = span
	}
	return prob, magnitude
}

// Mutate applies adaptive mutation to the genome in place and returns
// the applied deltas so the caller can feed Observe after evaluation.
// Values are clamped to their declared bounds after mutation.
func (a *Adaptive) Mutate(rng *rand.Rand, genome model.Genome, params map[model.ParamRef]rule.Param, generation, totalGenerations int, weak map[fitness.Component]bool) map[model.ParamRef]float64 {
	changes := make(map[model.ParamRef]float64)
	for _, ref := range genome.SortedRefs() {
		param, declared := params[ref]
		if !declared {
			continue
		}
		prob, magnitude := a.Decide(ref, param, generation, totalGenerations, weak)
		if rng.Float64() >= prob {
			continue
		}
		delta := (rng.Float64()*2 - 1) * magnitude
		mutated := param.Clamp(genome.Values[ref] + delta)
		if applied := mutated - genome.Values[ref]; applied != 0 {
			genome.Values[ref] = mutated
			changes[ref] = applied
		}
	}
	return changes
}

// pearson is the sample correlation of two equal-length series, zero
// when either side has no variance.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
