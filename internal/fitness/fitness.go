// Package fitness scores a completed engine run: distributional fit
// across four components plus a structural-violation penalty.
package fitness

import (
	"fmt"
	"math"

	"worldloom/internal/dist"
	"worldloom/internal/model"
)

// Component identifies one scored dimension. Rule parameters declare
// which components they influence through this vocabulary.
type Component string

const (
	ComponentEntity       Component = "entity_distribution"
	ComponentProminence   Component = "prominence_distribution"
	ComponentDiversity    Component = "relationship_diversity"
	ComponentConnectivity Component = "connectivity"
	ComponentViolations   Component = "violations"
)

// Components lists every component in stable order.
func Components() []Component {
	return []Component{
		ComponentEntity,
		ComponentProminence,
		ComponentDiversity,
		ComponentConnectivity,
		ComponentViolations,
	}
}

// IsComponent reports whether name is a declared component id.
func IsComponent(name string) bool {
	for _, c := range Components() {
		if string(c) == name {
			return true
		}
	}
	return false
}

// Weights configures the component mix. Values must sum to 1.
type Weights map[Component]float64

// DefaultWeights spreads weight across all five components.
func DefaultWeights() Weights {
	return Weights{
		ComponentEntity:       0.25,
		ComponentProminence:   0.15,
		ComponentDiversity:    0.15,
		ComponentConnectivity: 0.25,
		ComponentViolations:   0.20,
	}
}

// Validate checks that the weights cover known components and sum to 1
// within tolerance.
func (w Weights) Validate() error {
	sum := 0.0
	for component, weight := range w {
		if !IsComponent(string(component)) {
			return fmt.Errorf("unknown fitness component: %s", component)
		}
		if weight < 0 {
			return fmt.Errorf("fitness weight for %s must be >= 0", component)
		}
		sum += weight
	}
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("fitness weights sum to %.4f, want 1.0", sum)
	}
	return nil
}

// Evaluator scores runs. ViolationDecay is the k of the violation
// transform exp(-rate/k): larger k forgives more violations per tick.
type Evaluator struct {
	Weights        Weights
	ViolationDecay float64
	targets        dist.ConnectivityTargets
}

// NewEvaluator validates the weights and binds connectivity targets
// used for normalization.
func NewEvaluator(weights Weights, violationDecay float64, targets dist.ConnectivityTargets) (*Evaluator, error) {
	if weights == nil {
		weights = DefaultWeights()
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if violationDecay <= 0 {
		violationDecay = 4.5
	}
	return &Evaluator{
		Weights:        weights,
		ViolationDecay: violationDecay,
		targets:        targets,
	}, nil
}

// Score computes the weighted fitness of a run from its deviation
// vector and measured violation rate. Every component lies in [0,1];
// higher is strictly better, and the violation component is
// monotonically decreasing in the violation rate.
func (e *Evaluator) Score(dev dist.Deviations, violationRate float64) model.FitnessBreakdown {
	components := map[Component]float64{
		ComponentEntity:       1 - clamp01(dev.EntityKindError()),
		ComponentProminence:   1 - clamp01(dev.ProminenceError()),
		ComponentDiversity:    1 - clamp01(math.Abs(dev.Diversity)),
		ComponentConnectivity: 1 - clamp01(dev.ConnectivityError(e.targets)),
		ComponentViolations:   e.ViolationScore(violationRate),
	}

	// Sum in declaration order: map iteration order would perturb the
	// total's last bits between runs and break seed reproducibility.
	total := 0.0
	out := make(map[string]float64, len(components))
	for _, component := range Components() {
		score := components[component]
		total += e.Weights[component] * score
		out[string(component)] = score
	}
	return model.FitnessBreakdown{
		Total:         total,
		Components:    out,
		ViolationRate: violationRate,
	}
}

// ViolationScore is exp(-rate/k), 1.0 at zero violations.
func (e *Evaluator) ViolationScore(rate float64) float64 {
	if rate < 0 {
		rate = 0
	}
	return math.Exp(-rate / e.ViolationDecay)
}

// WeakComponents returns the components scoring below the mean of the
// breakdown, used by adaptive mutation's component targeting.
func WeakComponents(breakdown model.FitnessBreakdown) map[Component]bool {
	if len(breakdown.Components) == 0 {
		return nil
	}
	mean := 0.0
	for _, score := range breakdown.Components {
		mean += score
	}
	mean /= float64(len(breakdown.Components))

	weak := make(map[Component]bool)
	for name, score := range breakdown.Components {
		if score < mean {
			weak[Component(name)] = true
		}
	}
	return weak
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
