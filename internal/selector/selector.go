// Package selector converts distribution deviations and era weighting
// into per-rule selection weights and samples rule invocations for a
// growth phase.
package selector

import (
	"math/rand"
	"sort"

	"worldloom/internal/dist"
	"worldloom/internal/model"
	"worldloom/internal/rule"
)

// Config tunes how strongly deviations bend the era base weights.
type Config struct {
	DeficitBoost   float64 // per unit of entity-kind/prominence deficit
	SurplusPenalty float64 // per unit of relationship-kind surplus
	ClusterAdjust  float64 // boost for cluster shaping rules
	MinWeight      float64 // floor so no applicable rule starves entirely
	BudgetFactor   float64 // sampled invocations per growth target
}

// DefaultConfig mirrors the tuning the selector ships with.
func DefaultConfig() Config {
	return Config{
		DeficitBoost:   2.0,
		SurplusPenalty: 1.0,
		ClusterAdjust:  0.5,
		MinWeight:      0.05,
		BudgetFactor:   3.0,
	}
}

// Weighted pairs a rule with its computed selection weight.
type Weighted struct {
	Rule   *rule.Generative
	Weight float64
}

// Selector computes weights against an injected schema and targets.
type Selector struct {
	cfg     Config
	schema  model.DomainSchema
	targets dist.Targets
}

// New binds a selector to the domain schema and distribution targets.
func New(cfg Config, schema model.DomainSchema, targets dist.Targets) *Selector {
	def := DefaultConfig()
	if cfg.DeficitBoost <= 0 {
		cfg.DeficitBoost = def.DeficitBoost
	}
	if cfg.SurplusPenalty <= 0 {
		cfg.SurplusPenalty = def.SurplusPenalty
	}
	if cfg.ClusterAdjust <= 0 {
		cfg.ClusterAdjust = def.ClusterAdjust
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = def.MinWeight
	}
	if cfg.BudgetFactor <= 0 {
		cfg.BudgetFactor = def.BudgetFactor
	}
	return &Selector{cfg: cfg, schema: schema, targets: targets}
}

// Budget returns the growth-phase rule invocation budget for a target
// entity count.
func (s *Selector) Budget(growthTarget int) int {
	budget := int(float64(growthTarget) * s.cfg.BudgetFactor)
	if budget < 1 {
		budget = 1
	}
	return budget
}

// Weigh computes a selection weight for every applicable rule: the
// active era's base weight, boosted when the rule's declared produces
// metadata covers an under-represented entity kind or under-target
// prominence level, penalized when it produces over-represented
// relationship kinds, and adjusted for cluster shaping.
func (s *Selector) Weigh(rules []*rule.Generative, dev dist.Deviations, stats dist.Stats, era *rule.Era) []Weighted {
	sorted := make([]*rule.Generative, len(rules))
	copy(sorted, rules)
	rule.SortByID(sorted)

	out := make([]Weighted, 0, len(sorted))
	for _, r := range sorted {
		weight := era.Weight(r.ID)

		// Entity-kind deficits: take the largest deficit among the
		// kinds the rule produces.
		deficit := 0.0
		for _, kind := range r.Produces.EntityKinds {
			if d := dev.EntityKinds[kind]; d > deficit {
				deficit = d
			}
		}
		weight *= 1 + s.cfg.DeficitBoost*deficit

		// Prominence deficits boost rules producing any entity at all;
		// the engine nudges prominence through updates rather than
		// kind-specific creation, so the boost is uniform.
		prominenceDeficit := 0.0
		for _, d := range dev.Prominence {
			if d > prominenceDeficit {
				prominenceDeficit = d
			}
		}
		if len(r.Produces.EntityKinds) > 0 {
			weight *= 1 + s.cfg.DeficitBoost*prominenceDeficit/2
		}

		// Relationship-kind surplus: penalize rules producing kinds
		// already over-represented relative to even share.
		surplus := s.relationshipSurplus(r, stats)
		if surplus > 0 {
			weight /= 1 + s.cfg.SurplusPenalty*surplus
		}

		// Cluster shaping: below-target cluster count favors formers,
		// above-target favors dispersers.
		if dev.ClusterCount > 0 && r.Produces.FormsClusters {
			weight *= 1 + s.cfg.ClusterAdjust
		}
		if dev.ClusterCount < 0 && r.Produces.Disperses {
			weight *= 1 + s.cfg.ClusterAdjust
		}

		if weight < s.cfg.MinWeight {
			weight = s.cfg.MinWeight
		}
		out = append(out, Weighted{Rule: r, Weight: weight})
	}
	return out
}

// relationshipSurplus measures how far above even share the rule's
// produced relationship kinds sit, in proportion units.
func (s *Selector) relationshipSurplus(r *rule.Generative, stats dist.Stats) float64 {
	declared := len(s.schema.RelationshipKinds)
	if declared == 0 || len(r.Produces.RelationshipKinds) == 0 {
		return 0
	}
	total := 0
	for _, count := range stats.RelationshipKinds {
		total += count
	}
	if total == 0 {
		return 0
	}
	evenShare := 1.0 / float64(declared)
	worst := 0.0
	for _, kind := range r.Produces.RelationshipKinds {
		share := float64(stats.RelationshipKinds[kind]) / float64(total)
		if over := share - evenShare; over > worst {
			worst = over
		}
	}
	return worst
}

// Sample draws budget rule invocations by weighted sampling with
// replacement. Weigh already orders rules by id, so equal weights
// resolve in stable rule-id order under a fixed seed.
func (s *Selector) Sample(weighted []Weighted, budget int, rng *rand.Rand) []*rule.Generative {
	if len(weighted) == 0 || budget <= 0 {
		return nil
	}
	cumulative := make([]float64, len(weighted))
	total := 0.0
	for i, w := range weighted {
		total += w.Weight
		cumulative[i] = total
	}
	if total <= 0 {
		return nil
	}

	picks := make([]*rule.Generative, 0, budget)
	for i := 0; i < budget; i++ {
		draw := rng.Float64() * total
		idx := sort.SearchFloat64s(cumulative, draw)
		if idx >= len(weighted) {
			idx = len(weighted) - 1
		}
		picks = append(picks, weighted[idx].Rule)
	}
	return picks
}
