package rule

import "fmt"

// Era is a named phase of the simulation with its own rule weighting
// and transition effects. Exactly one era is active at a time.
type Era struct {
	ID string `json:"id"`

	// Entry and Exit condition trees use the same predicate type as
	// rules, restricted by validation to time, pressure, and
	// entity-count leaves.
	Entry Predicate `json:"entry"`
	Exit  Predicate `json:"exit"`

	// Transition effects are pressure deltas applied once on entering
	// or leaving the era.
	EntryEffects []Update `json:"entry_effects,omitempty"`
	ExitEffects  []Update `json:"exit_effects,omitempty"`

	// Weights is the base selection weight per generative rule id while
	// this era is active. Missing rules default to 1.
	Weights map[string]float64 `json:"weights,omitempty"`
}

// Weight returns the era's base selection weight for the rule.
func (e *Era) Weight(ruleID string) float64 {
	if e == nil || e.Weights == nil {
		return 1
	}
	if w, ok := e.Weights[ruleID]; ok {
		return w
	}
	return 1
}

// eraConditionOps lists the predicate ops permitted in era condition
// trees.
var eraConditionOps = map[PredicateOp]bool{
	OpAll:              true,
	OpAny:              true,
	OpTimeElapsed:      true,
	OpPressureAbove:    true,
	OpPressureBelow:    true,
	OpAnyPressureAbove: true,
	OpPressureExceeds:  true,
	OpEntityCount:      true,
	OpAlways:           true,
}

// ValidateEraCondition reports ops outside the era condition subset.
func ValidateEraCondition(p Predicate, path string) []string {
	var issues []string
	if !eraConditionOps[p.Op] && p.Op != "" {
		issues = append(issues, path+": op "+string(p.Op)+" not allowed in era conditions")
	}
	for i, child := range p.Children {
		issues = append(issues, ValidateEraCondition(child, fmt.Sprintf("%s.children[%d]", path, i))...)
	}
	return issues
}
