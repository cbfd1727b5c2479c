package rule

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"worldloom/internal/graph"
	"worldloom/internal/model"
	"worldloom/internal/pressure"
)

var (
	ErrNoCandidates   = errors.New("binding found no valid candidates")
	ErrNoSubtype      = errors.New("subtype resolution has no valid options")
	ErrUnknownRef     = errors.New("unknown effect reference")
	ErrRuleNotEnabled = errors.New("rule is not enabled")
)

// Param declares one optimizable numeric value with default and bounds.
// Components names the fitness components the parameter influences;
// adaptive mutation targets parameters through this metadata.
type Param struct {
	Name       string   `json:"name"`
	Default    float64  `json:"default"`
	Min        float64  `json:"min"`
	Max        float64  `json:"max"`
	Components []string `json:"components,omitempty"`
}

// Clamp restricts v to the declared bounds.
func (p Param) Clamp(v float64) float64 {
	if v < p.Min {
		return p.Min
	}
	if v > p.Max {
		return p.Max
	}
	return v
}

// Core carries the fields shared by generative and tick rules.
type Core struct {
	ID       string         `json:"id"`
	Enabled  bool           `json:"enabled"`
	When     Predicate      `json:"when"`
	Params   []Param        `json:"params,omitempty"`
	Produces model.Produces `json:"produces"`
}

// ParamSpec looks up a declared parameter by name.
func (c Core) ParamSpec(name string) (Param, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// ParamView resolves effective parameter values for a run: rule
// defaults merged with the genome under evaluation.
type ParamView func(ruleID, name string) float64

// StaticParams builds a ParamView from rule defaults plus genome
// overrides. Unknown lookups return zero.
func StaticParams(rules []Core, genome model.Genome) ParamView {
	values := make(map[model.ParamRef]float64)
	for _, core := range rules {
		for _, p := range core.Params {
			values[model.ParamRef{RuleID: core.ID, Name: p.Name}] = p.Default
		}
	}
	for ref, v := range genome.Values {
		if _, declared := values[ref]; declared {
			values[ref] = v
		}
	}
	return func(ruleID, name string) float64 {
		return values[model.ParamRef{RuleID: ruleID, Name: name}]
	}
}

// PickStrategy selects among binding candidates.
type PickStrategy string

const (
	PickRandom            PickStrategy = "random"
	PickHighestProminence PickStrategy = "highest_prominence"
	PickLowestProminence  PickStrategy = "lowest_prominence"
	PickMostConnected     PickStrategy = "most_connected"
)

// Binding selects an auxiliary entity from the graph before effects run.
type Binding struct {
	Name     string       `json:"name"`
	Kind     string       `json:"kind"`
	Subtype  string       `json:"subtype,omitempty"`
	Status   string       `json:"status,omitempty"`
	RelKind  string       `json:"rel_kind,omitempty"`  // restrict to entities holding this relationship kind
	Strategy PickStrategy `json:"strategy,omitempty"`
	Optional bool         `json:"optional,omitempty"`
}

// SubtypeOption is one probability-weighted subtype choice. When
// Pressure is set, the option weight is Weight plus the pressure's
// current value times PressureScale, floored at zero.
type SubtypeOption struct {
	Value         string  `json:"value"`
	Weight        float64 `json:"weight"`
	Pressure      string  `json:"pressure,omitempty"`
	PressureScale float64 `json:"pressure_scale,omitempty"`
}

// EntitySpec creates entities. Either Subtype is explicit or
// SubtypeOptions resolve one by weighted draw.
type EntitySpec struct {
	Ref            string           `json:"ref,omitempty"` // reference name for relationship specs
	Kind           string           `json:"kind"`
	Subtype        string           `json:"subtype,omitempty"`
	SubtypeOptions []SubtypeOption  `json:"subtype_options,omitempty"`
	Status         string           `json:"status"`
	Prominence     model.Prominence `json:"prominence"`
	Tags           []string         `json:"tags,omitempty"`
	Count          int              `json:"count,omitempty"` // defaults to 1
}

// RelSpec creates relationships among created and bound entities. From
// and To name an EntitySpec ref or a binding.
type RelSpec struct {
	Kind          string  `json:"kind"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	Strength      float64 `json:"strength,omitempty"`
	StrengthParam string  `json:"strength_param,omitempty"`
}

// UpdateOp tags a state update.
type UpdateOp string

const (
	UpdatePressureDelta   UpdateOp = "pressure_delta"
	UpdateAddTag          UpdateOp = "add_tag"
	UpdateRemoveTag       UpdateOp = "remove_tag"
	UpdateSetStatus       UpdateOp = "set_status"
	UpdateShiftProminence UpdateOp = "shift_prominence"
)

// Update is one state mutation applied after creation effects.
type Update struct {
	Op UpdateOp `json:"op"`

	Pressure    string  `json:"pressure,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	AmountParam string  `json:"amount_param,omitempty"`

	Target string `json:"target,omitempty"` // ref or binding name
	Tag    string `json:"tag,omitempty"`
	Status string `json:"status,omitempty"`
	Delta  int    `json:"delta,omitempty"`
}

// Generative creates entities and relationships when applicable.
type Generative struct {
	Core
	Bindings      []Binding    `json:"bindings,omitempty"`
	Entities      []EntitySpec `json:"entities,omitempty"`
	Relationships []RelSpec    `json:"relationships,omitempty"`
	Updates       []Update     `json:"updates,omitempty"`
}

// ApplyContext carries the mutable run state an effect writes.
type ApplyContext struct {
	World     *graph.World
	Pressures *pressure.Model
	Rand      *rand.Rand
	Params    ParamView
	Tick      int
	EraID     string
}

// Applied reports what one rule application produced.
type Applied struct {
	EntityIDs       []string
	RelationshipIDs int
}

// Applicable reports whether the rule's predicate tree holds.
func (r *Generative) Applicable(ctx *EvalContext) bool {
	if !r.Enabled {
		return false
	}
	ctx.RuleID = r.ID
	return r.When.Eval(ctx)
}

// Apply runs the effect pipeline: bindings, entity creation with
// subtype resolution, relationship creation, then state updates. A
// failed required binding or empty subtype resolution aborts the
// application with a sentinel error; the caller skips and continues.
func (r *Generative) Apply(ctx *ApplyContext) (Applied, error) {
	if !r.Enabled {
		return Applied{}, ErrRuleNotEnabled
	}

	refs := make(map[string]string) // ref/binding name -> entity id

	for _, binding := range r.Bindings {
		id, err := r.resolveBinding(ctx, binding)
		if err != nil {
			if binding.Optional && errors.Is(err, ErrNoCandidates) {
				continue
			}
			return Applied{}, err
		}
		refs[binding.Name] = id
	}

	var applied Applied
	for _, spec := range r.Entities {
		count := spec.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			subtype, err := r.resolveSubtype(ctx, spec)
			if err != nil {
				return Applied{}, err
			}
			entity, err := ctx.World.AddEntity(model.Entity{
				Kind:       spec.Kind,
				Subtype:    subtype,
				Status:     spec.Status,
				Prominence: spec.Prominence,
				Tags:       append([]string(nil), spec.Tags...),
			}, ctx.Tick)
			if err != nil {
				return Applied{}, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			applied.EntityIDs = append(applied.EntityIDs, entity.ID)
			if spec.Ref != "" && i == 0 {
				refs[spec.Ref] = entity.ID
			}
		}
	}

	for _, spec := range r.Relationships {
		from, ok := refs[spec.From]
		if !ok {
			return Applied{}, fmt.Errorf("rule %s: %w: %s", r.ID, ErrUnknownRef, spec.From)
		}
		to, ok := refs[spec.To]
		if !ok {
			return Applied{}, fmt.Errorf("rule %s: %w: %s", r.ID, ErrUnknownRef, spec.To)
		}
		strength := spec.Strength
		if spec.StrengthParam != "" {
			strength = ctx.Params(r.ID, spec.StrengthParam)
		}
		if _, err := ctx.World.AddRelationship(model.Relationship{
			Kind:     spec.Kind,
			Source:   from,
			Dest:     to,
			Strength: strength,
		}, ctx.Tick); err != nil {
			return Applied{}, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		applied.RelationshipIDs++
	}

	for _, update := range r.Updates {
		if err := applyUpdate(ctx, r.ID, update, refs); err != nil {
			return Applied{}, err
		}
	}

	return applied, nil
}

func (r *Generative) resolveBinding(ctx *ApplyContext, binding Binding) (string, error) {
	candidates := ctx.World.EntitiesByKind(binding.Kind, binding.Subtype)
	filtered := candidates[:0:0]
	for _, e := range candidates {
		if binding.Status != "" && e.Status != binding.Status {
			continue
		}
		if binding.RelKind != "" && !hasRelKind(ctx.World, e.ID, binding.RelKind) {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) == 0 {
		return "", fmt.Errorf("rule %s binding %s: %w", r.ID, binding.Name, ErrNoCandidates)
	}

	switch binding.Strategy {
	case PickHighestProminence:
		best := filtered[0]
		for _, e := range filtered[1:] {
			if e.Prominence > best.Prominence {
				best = e
			}
		}
		return best.ID, nil
	case PickLowestProminence:
		best := filtered[0]
		for _, e := range filtered[1:] {
			if e.Prominence < best.Prominence {
				best = e
			}
		}
		return best.ID, nil
	case PickMostConnected:
		best := filtered[0]
		for _, e := range filtered[1:] {
			if ctx.World.Degree(e.ID) > ctx.World.Degree(best.ID) {
				best = e
			}
		}
		return best.ID, nil
	default: // PickRandom
		return filtered[ctx.Rand.Intn(len(filtered))].ID, nil
	}
}

func hasRelKind(w *graph.World, id, kind string) bool {
	for _, rel := range w.RelationshipsAt(id) {
		if rel.Kind == kind {
			return true
		}
	}
	return false
}

func (r *Generative) resolveSubtype(ctx *ApplyContext, spec EntitySpec) (string, error) {
	if len(spec.SubtypeOptions) == 0 {
		return spec.Subtype, nil
	}
	weights := make([]float64, len(spec.SubtypeOptions))
	total := 0.0
	for i, option := range spec.SubtypeOptions {
		w := option.Weight
		if option.Pressure != "" {
			w += ctx.Pressures.Value(option.Pressure) * option.PressureScale
		}
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return "", fmt.Errorf("rule %s entity %s: %w", r.ID, spec.Kind, ErrNoSubtype)
	}
	draw := ctx.Rand.Float64() * total
	for i, w := range weights {
		draw -= w
		if draw < 0 {
			return spec.SubtypeOptions[i].Value, nil
		}
	}
	return spec.SubtypeOptions[len(spec.SubtypeOptions)-1].Value, nil
}

func applyUpdate(ctx *ApplyContext, ruleID string, update Update, refs map[string]string) error {
	switch update.Op {
	case UpdatePressureDelta:
		amount := update.Amount
		if update.AmountParam != "" {
			amount = ctx.Params(ruleID, update.AmountParam)
		}
		ctx.Pressures.Adjust(update.Pressure, amount)
		return nil
	case UpdateAddTag, UpdateRemoveTag:
		id, ok := refs[update.Target]
		if !ok {
			return fmt.Errorf("rule %s: %w: %s", ruleID, ErrUnknownRef, update.Target)
		}
		entity, ok := ctx.World.Entity(id)
		if !ok {
			return fmt.Errorf("rule %s: %w: %s", ruleID, graph.ErrUnknownEntity, id)
		}
		if update.Op == UpdateAddTag {
			entity.AddTag(update.Tag)
		} else {
			entity.RemoveTag(update.Tag)
		}
		ctx.World.Touch(id, ctx.Tick)
		return nil
	case UpdateSetStatus:
		id, ok := refs[update.Target]
		if !ok {
			return fmt.Errorf("rule %s: %w: %s", ruleID, ErrUnknownRef, update.Target)
		}
		return ctx.World.SetStatus(id, update.Status, ctx.Tick)
	case UpdateShiftProminence:
		id, ok := refs[update.Target]
		if !ok {
			return fmt.Errorf("rule %s: %w: %s", ruleID, ErrUnknownRef, update.Target)
		}
		return ctx.World.ShiftProminence(id, update.Delta, ctx.Tick)
	default:
		return fmt.Errorf("rule %s: unknown update op %q", ruleID, update.Op)
	}
}

// SortByID orders generative rules by id for reproducible iteration.
func SortByID(rules []*Generative) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}
