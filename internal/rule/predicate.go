// Package rule implements the generative and tick rule runtime:
// applicability predicate trees, effect application, and era
// definitions. Rules are immutable during a run; only externally
// supplied parameter overrides vary between runs.
package rule

import (
	"fmt"
	"math/rand"

	"worldloom/internal/graph"
	"worldloom/internal/model"
	"worldloom/internal/pressure"
)

// PredicateOp tags a predicate tree node. Combinators hold children;
// every other op is a leaf.
type PredicateOp string

const (
	OpAll PredicateOp = "all"
	OpAny PredicateOp = "any"

	OpEntityCount      PredicateOp = "entity_count"
	OpPressureAbove    PredicateOp = "pressure_above"
	OpPressureBelow    PredicateOp = "pressure_below"
	OpAnyPressureAbove PredicateOp = "any_pressure_above"
	OpPressureExceeds  PredicateOp = "pressure_exceeds" // one pressure relative to another
	OpEra              PredicateOp = "era"
	OpChance           PredicateOp = "chance"
	OpCooldown         PredicateOp = "cooldown"
	OpMaxUsesPerPhase  PredicateOp = "max_uses_per_phase"
	OpTimeElapsed      PredicateOp = "time_elapsed"
	OpAlways           PredicateOp = "always"
)

// Predicate is a recursive tagged-variant node: a combinator with
// children, or a leaf with the fields its op reads.
type Predicate struct {
	Op       PredicateOp `json:"op"`
	Children []Predicate `json:"children,omitempty"`

	// entity_count
	Kind    string `json:"kind,omitempty"`
	Subtype string `json:"subtype,omitempty"`
	Min     *int   `json:"min,omitempty"`
	Max     *int   `json:"max,omitempty"`

	// pressure leaves
	Pressure  string   `json:"pressure,omitempty"`
	Pressures []string `json:"pressures,omitempty"`
	Other     string   `json:"other,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`

	// era
	Era string `json:"era,omitempty"`

	// chance
	Chance float64 `json:"chance,omitempty"`

	// cooldown / max uses / time elapsed
	Ticks   int `json:"ticks,omitempty"`
	MaxUses int `json:"max_uses,omitempty"`
}

// EvalContext carries the graph state a predicate reads. LastUsed and
// PhaseUses are engine-owned bookkeeping keyed by rule id.
type EvalContext struct {
	World     *graph.World
	Pressures *pressure.Model
	EraID     string
	Tick      int
	Rand      *rand.Rand
	RuleID    string
	LastUsed  map[string]int
	PhaseUses map[string]int
}

// Eval evaluates the predicate tree against the context.
func (p Predicate) Eval(ctx *EvalContext) bool {
	switch p.Op {
	case OpAll, "":
		for _, child := range p.Children {
			if !child.Eval(ctx) {
				return false
			}
		}
		return true
	case OpAny:
		for _, child := range p.Children {
			if child.Eval(ctx) {
				return true
			}
		}
		return false
	case OpEntityCount:
		count := ctx.World.CountByKind(p.Kind, p.Subtype)
		if p.Min != nil && count < *p.Min {
			return false
		}
		if p.Max != nil && count > *p.Max {
			return false
		}
		return true
	case OpPressureAbove:
		return ctx.Pressures.Value(p.Pressure) >= p.Threshold
	case OpPressureBelow:
		return ctx.Pressures.Value(p.Pressure) <= p.Threshold
	case OpAnyPressureAbove:
		for _, id := range p.Pressures {
			if ctx.Pressures.Value(id) >= p.Threshold {
				return true
			}
		}
		return false
	case OpPressureExceeds:
		return ctx.Pressures.Value(p.Pressure) > ctx.Pressures.Value(p.Other)
	case OpEra:
		return ctx.EraID == p.Era
	case OpChance:
		if ctx.Rand == nil {
			return false
		}
		return ctx.Rand.Float64() < p.Chance
	case OpCooldown:
		last, used := ctx.LastUsed[ctx.RuleID]
		if !used {
			return true
		}
		return ctx.Tick-last >= p.Ticks
	case OpMaxUsesPerPhase:
		return ctx.PhaseUses[ctx.RuleID] < p.MaxUses
	case OpTimeElapsed:
		return ctx.Tick >= p.Ticks
	case OpAlways:
		return true
	default:
		return false
	}
}

// Depth returns the combinator nesting depth of the tree; leaves are
// depth zero.
func (p Predicate) Depth() int {
	if p.Op != OpAll && p.Op != OpAny && p.Op != "" {
		return 0
	}
	max := 0
	for _, child := range p.Children {
		if d := child.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// Validate checks the tree against the schema, the declared pressures,
// and the configured combinator depth limit. Every problem is reported.
func (p Predicate) Validate(schema model.DomainSchema, pressures map[string]bool, maxDepth int, path string) []string {
	var issues []string
	switch p.Op {
	case OpAll, OpAny, "":
		if maxDepth > 0 && p.Depth() > maxDepth {
			issues = append(issues, fmt.Sprintf("%s: combinator depth %d exceeds limit %d", path, p.Depth(), maxDepth))
		}
		for i, child := range p.Children {
			issues = append(issues, child.Validate(schema, pressures, 0, fmt.Sprintf("%s.children[%d]", path, i))...)
		}
	case OpEntityCount:
		if !schema.HasEntityKind(p.Kind) {
			issues = append(issues, fmt.Sprintf("%s: undeclared entity kind %q", path, p.Kind))
		} else if !schema.HasSubtype(p.Kind, p.Subtype) {
			issues = append(issues, fmt.Sprintf("%s: undeclared subtype %q for kind %q", path, p.Subtype, p.Kind))
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			issues = append(issues, fmt.Sprintf("%s: min %d exceeds max %d", path, *p.Min, *p.Max))
		}
	case OpPressureAbove, OpPressureBelow:
		if !pressures[p.Pressure] {
			issues = append(issues, fmt.Sprintf("%s: undeclared pressure %q", path, p.Pressure))
		}
	case OpAnyPressureAbove:
		if len(p.Pressures) == 0 {
			issues = append(issues, fmt.Sprintf("%s: any_pressure_above requires pressures", path))
		}
		for _, id := range p.Pressures {
			if !pressures[id] {
				issues = append(issues, fmt.Sprintf("%s: undeclared pressure %q", path, id))
			}
		}
	case OpPressureExceeds:
		for _, id := range []string{p.Pressure, p.Other} {
			if !pressures[id] {
				issues = append(issues, fmt.Sprintf("%s: undeclared pressure %q", path, id))
			}
		}
	case OpChance:
		if p.Chance < 0 || p.Chance > 1 {
			issues = append(issues, fmt.Sprintf("%s: chance %.3f outside [0,1]", path, p.Chance))
		}
	case OpCooldown, OpTimeElapsed:
		if p.Ticks < 0 {
			issues = append(issues, fmt.Sprintf("%s: ticks must be >= 0", path))
		}
	case OpMaxUsesPerPhase:
		if p.MaxUses <= 0 {
			issues = append(issues, fmt.Sprintf("%s: max_uses must be > 0", path))
		}
	case OpEra, OpAlways:
	default:
		issues = append(issues, fmt.Sprintf("%s: unknown predicate op %q", path, p.Op))
	}
	return issues
}

// All builds an all-of combinator.
func All(children ...Predicate) Predicate {
	return Predicate{Op: OpAll, Children: children}
}

// Any builds an any-of combinator.
func Any(children ...Predicate) Predicate {
	return Predicate{Op: OpAny, Children: children}
}

// IntPtr is a convenience for predicate min/max literals.
func IntPtr(v int) *int {
	return &v
}
