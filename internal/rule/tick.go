package rule

import (
	"errors"
	"sort"

	"worldloom/internal/model"
)

// TickKind is a closed set of per-tick behaviors.
type TickKind string

const (
	// TickPressureDelta shifts a pressure every tick.
	TickPressureDelta TickKind = "pressure_delta"
	// TickContagion spreads a tag across relationships of a kind whose
	// strength meets the floor.
	TickContagion TickKind = "contagion"
	// TickThreshold applies actions when a condition tree holds.
	TickThreshold TickKind = "threshold"
	// TickDecay multiplies relationship strengths by a decay factor.
	TickDecay TickKind = "decay"
	// TickCull removes non-protected relationships whose strength fell
	// below the clustering-strength threshold.
	TickCull TickKind = "cull"
)

var ErrUnknownTickKind = errors.New("unknown tick rule kind")

// TickRule runs once per simulation tick, subject to its own EveryTicks
// throttle, and mutates pressures, relationships, and entity state.
type TickRule struct {
	Core
	Kind       TickKind `json:"tick_kind"`
	EveryTicks int      `json:"every_ticks,omitempty"` // throttle; 0 or 1 = every tick

	// pressure_delta
	Pressure    string  `json:"pressure,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	AmountParam string  `json:"amount_param,omitempty"`

	// contagion
	Tag         string  `json:"tag,omitempty"`
	RelKind     string  `json:"rel_kind,omitempty"`
	MinStrength float64 `json:"min_strength,omitempty"`
	Chance      float64 `json:"chance,omitempty"`
	ChanceParam string  `json:"chance_param,omitempty"`

	// threshold
	Condition Predicate `json:"condition,omitempty"`
	Actions   []Update  `json:"actions,omitempty"`
	Targets   Binding   `json:"targets,omitempty"` // entities the actions address

	// decay
	DecayRate  float64 `json:"decay_rate,omitempty"`
	DecayParam string  `json:"decay_param,omitempty"`

	// cull
	CullThreshold float64 `json:"cull_threshold,omitempty"` // 0 = use configured clustering threshold
}

// TickOutcome reports one tick rule invocation. BlockedRemovals counts
// removal attempts rejected by protection or structural requirements;
// the engine accumulates these into the run's violation rate.
type TickOutcome struct {
	Removed         int
	Spread          int
	BlockedRemovals int
}

// Tick applies the rule to the current state. clusterThreshold is the
// global clustering-strength threshold used by cull rules without an
// explicit one.
func (r *TickRule) Tick(ctx *ApplyContext, clusterThreshold float64) (TickOutcome, error) {
	if !r.Enabled {
		return TickOutcome{}, nil
	}
	if r.EveryTicks > 1 && ctx.Tick%r.EveryTicks != 0 {
		return TickOutcome{}, nil
	}

	switch r.Kind {
	case TickPressureDelta:
		amount := r.Amount
		if r.AmountParam != "" {
			amount = ctx.Params(r.ID, r.AmountParam)
		}
		ctx.Pressures.Adjust(r.Pressure, amount)
		return TickOutcome{}, nil
	case TickContagion:
		return r.tickContagion(ctx), nil
	case TickThreshold:
		return r.tickThreshold(ctx)
	case TickDecay:
		rate := r.DecayRate
		if r.DecayParam != "" {
			rate = ctx.Params(r.ID, r.DecayParam)
		}
		if rate <= 0 || rate >= 1 {
			return TickOutcome{}, nil
		}
		for _, rel := range ctx.World.Relationships() {
			if r.RelKind != "" && rel.Kind != r.RelKind {
				continue
			}
			rel.Strength *= 1 - rate
		}
		return TickOutcome{}, nil
	case TickCull:
		threshold := r.CullThreshold
		if threshold <= 0 {
			threshold = clusterThreshold
		}
		return r.tickCull(ctx, threshold), nil
	default:
		return TickOutcome{}, ErrUnknownTickKind
	}
}

// tickContagion copies the tag across qualifying relationships: when
// one endpoint carries the tag and the other does not, the bare
// endpoint catches it with the configured chance.
func (r *TickRule) tickContagion(ctx *ApplyContext) TickOutcome {
	chance := r.Chance
	if r.ChanceParam != "" {
		chance = ctx.Params(r.ID, r.ChanceParam)
	}
	var outcome TickOutcome
	// Collect first so spread within one tick does not cascade.
	type hop struct{ to string }
	var hops []hop
	for _, rel := range ctx.World.Relationships() {
		if r.RelKind != "" && rel.Kind != r.RelKind {
			continue
		}
		if rel.Strength < r.MinStrength {
			continue
		}
		src, _ := ctx.World.Entity(rel.Source)
		dst, _ := ctx.World.Entity(rel.Dest)
		if src == nil || dst == nil {
			continue
		}
		if src.HasTag(r.Tag) && !dst.HasTag(r.Tag) {
			hops = append(hops, hop{to: dst.ID})
		} else if dst.HasTag(r.Tag) && !src.HasTag(r.Tag) {
			hops = append(hops, hop{to: src.ID})
		}
	}
	for _, h := range hops {
		if ctx.Rand.Float64() >= chance {
			continue
		}
		if entity, ok := ctx.World.Entity(h.to); ok && !entity.HasTag(r.Tag) {
			entity.AddTag(r.Tag)
			ctx.World.Touch(h.to, ctx.Tick)
			outcome.Spread++
		}
	}
	return outcome
}

func (r *TickRule) tickThreshold(ctx *ApplyContext) (TickOutcome, error) {
	eval := &EvalContext{
		World:     ctx.World,
		Pressures: ctx.Pressures,
		EraID:     ctx.EraID,
		Tick:      ctx.Tick,
		Rand:      ctx.Rand,
		RuleID:    r.ID,
	}
	if !r.Condition.Eval(eval) {
		return TickOutcome{}, nil
	}

	refs := map[string]string{}
	if r.Targets.Name != "" {
		gen := Generative{Core: r.Core}
		id, err := gen.resolveBinding(ctx, r.Targets)
		if err != nil {
			if errors.Is(err, ErrNoCandidates) {
				return TickOutcome{}, nil
			}
			return TickOutcome{}, err
		}
		refs[r.Targets.Name] = id
	}
	for _, action := range r.Actions {
		if err := applyUpdate(ctx, r.ID, action, refs); err != nil {
			return TickOutcome{}, err
		}
	}
	return TickOutcome{}, nil
}

// tickCull removes relationships below the threshold. Protected kinds
// and structurally required last edges survive; each blocked attempt is
// counted as a violation.
func (r *TickRule) tickCull(ctx *ApplyContext, threshold float64) TickOutcome {
	var outcome TickOutcome
	var doomed []*model.Relationship
	for _, rel := range ctx.World.Relationships() {
		if r.RelKind != "" && rel.Kind != r.RelKind {
			continue
		}
		if rel.Strength < threshold {
			doomed = append(doomed, rel)
		}
	}
	for _, rel := range doomed {
		if err := ctx.World.RemoveRelationship(rel, ctx.Tick); err != nil {
			outcome.BlockedRemovals++
			continue
		}
		outcome.Removed++
	}
	return outcome
}

// SortTickRules orders tick rules by id so every tick applies them in
// the same deterministic order.
func SortTickRules(rules []*TickRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}
