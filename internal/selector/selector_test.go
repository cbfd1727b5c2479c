package selector

import (
	"math"
	"math/rand"
	"testing"

	"worldloom/internal/dist"
	"worldloom/internal/model"
	"worldloom/internal/rule"
)

func testSchema() model.DomainSchema {
	return model.DomainSchema{
		EntityKinds: map[string][]string{
			"a": nil, "b": nil, "c": nil, "d": nil, "e": nil,
		},
		RelationshipKinds: []string{"trade", "rivalry"},
	}
}

func testTargets() dist.Targets {
	return dist.Targets{
		EntityKinds: map[string]float64{
			"a": 0.2, "b": 0.25, "c": 0.20, "d": 0.15, "e": 0.20,
		},
		Connectivity: dist.ConnectivityTargets{ClusterCountMin: 2, ClusterCountMax: 4},
	}
}

func producer(id, kind string) *rule.Generative {
	return &rule.Generative{Core: rule.Core{
		ID:       id,
		Enabled:  true,
		Produces: model.Produces{EntityKinds: []string{kind}},
	}}
}

func weightOf(t *testing.T, weighted []Weighted, id string) float64 {
	t.Helper()
	for _, w := range weighted {
		if w.Rule.ID == id {
			return w.Weight
		}
	}
	t.Fatalf("rule %s not weighted", id)
	return 0
}

func TestWeighBoostsDeficitKinds(t *testing.T) {
	s := New(DefaultConfig(), testSchema(), testTargets())
	rules := []*rule.Generative{
		producer("make_a", "a"),
		producer("make_b", "b"),
	}
	// Kind a is under-represented, b is at target.
	dev := dist.Deviations{EntityKinds: map[string]float64{"a": 0.15, "b": 0}}

	weighted := s.Weigh(rules, dev, dist.Stats{}, nil)
	wa := weightOf(t, weighted, "make_a")
	wb := weightOf(t, weighted, "make_b")
	if wa <= wb {
		t.Fatalf("deficit producer must outweigh on-target one: a=%v b=%v", wa, wb)
	}
	// DeficitBoost 2.0 on a 0.15 deficit is a 1.3x multiplier.
	if math.Abs(wa-1.3) > 1e-9 || wb != 1 {
		t.Fatalf("weights a=%v b=%v, want 1.3 and 1", wa, wb)
	}
}

func TestWeighPenalizesRelationshipSurplus(t *testing.T) {
	s := New(DefaultConfig(), testSchema(), testTargets())
	rules := []*rule.Generative{
		{Core: rule.Core{ID: "more_trade", Enabled: true,
			Produces: model.Produces{RelationshipKinds: []string{"trade"}}}},
		{Core: rule.Core{ID: "more_rivalry", Enabled: true,
			Produces: model.Produces{RelationshipKinds: []string{"rivalry"}}}},
	}
	// Trade holds 80% of edges against a 50% even share.
	stats := dist.Stats{RelationshipKinds: map[string]int{"trade": 8, "rivalry": 2}}

	weighted := s.Weigh(rules, dist.Deviations{}, stats, nil)
	trade := weightOf(t, weighted, "more_trade")
	rivalry := weightOf(t, weighted, "more_rivalry")
	if trade >= rivalry {
		t.Fatalf("surplus kind must be penalized: trade=%v rivalry=%v", trade, rivalry)
	}
	if rivalry != 1 {
		t.Fatalf("under-share kind must keep base weight, got %v", rivalry)
	}
}

func TestWeighClusterAdjust(t *testing.T) {
	s := New(DefaultConfig(), testSchema(), testTargets())
	former := &rule.Generative{Core: rule.Core{ID: "former", Enabled: true,
		Produces: model.Produces{FormsClusters: true}}}
	disperser := &rule.Generative{Core: rule.Core{ID: "disperser", Enabled: true,
		Produces: model.Produces{Disperses: true}}}
	rules := []*rule.Generative{former, disperser}

	// Too few clusters: favor the former.
	weighted := s.Weigh(rules, dist.Deviations{ClusterCount: 1}, dist.Stats{}, nil)
	if weightOf(t, weighted, "former") != 1.5 || weightOf(t, weighted, "disperser") != 1 {
		t.Fatalf("cluster deficit weights wrong: %v", weighted)
	}
	// Too many: favor the disperser.
	weighted = s.Weigh(rules, dist.Deviations{ClusterCount: -1}, dist.Stats{}, nil)
	if weightOf(t, weighted, "former") != 1 || weightOf(t, weighted, "disperser") != 1.5 {
		t.Fatalf("cluster surplus weights wrong: %v", weighted)
	}
}

func TestWeighEraBaseAndFloor(t *testing.T) {
	s := New(Config{MinWeight: 0.1}, testSchema(), testTargets())
	rules := []*rule.Generative{producer("raid", "a"), producer("settle", "b")}
	era := &rule.Era{ID: "age_of_war", Weights: map[string]float64{"raid": 3, "settle": 0}}

	weighted := s.Weigh(rules, dist.Deviations{}, dist.Stats{}, era)
	if got := weightOf(t, weighted, "raid"); got != 3 {
		t.Fatalf("era base weight lost: %v", got)
	}
	// Zero era weight lands on the floor so the rule can still fire.
	if got := weightOf(t, weighted, "settle"); got != 0.1 {
		t.Fatalf("floor not applied: %v", got)
	}
}

func TestWeighOrdersByRuleID(t *testing.T) {
	s := New(DefaultConfig(), testSchema(), testTargets())
	rules := []*rule.Generative{producer("zeta", "a"), producer("alpha", "b"), producer("mid", "c")}
	weighted := s.Weigh(rules, dist.Deviations{}, dist.Stats{}, nil)
	if weighted[0].Rule.ID != "alpha" || weighted[1].Rule.ID != "mid" || weighted[2].Rule.ID != "zeta" {
		t.Fatalf("not id-ordered: %v", weighted)
	}
}

func TestBudget(t *testing.T) {
	s := New(DefaultConfig(), testSchema(), testTargets())
	if got := s.Budget(12); got != 36 {
		t.Fatalf("budget = %d, want 36", got)
	}
	if got := s.Budget(0); got != 1 {
		t.Fatalf("budget floor = %d, want 1", got)
	}
}

func TestSampleDeterministicUnderSeed(t *testing.T) {
	s := New(DefaultConfig(), testSchema(), testTargets())
	rules := []*rule.Generative{producer("a", "a"), producer("b", "b"), producer("c", "c")}
	weighted := s.Weigh(rules, dist.Deviations{}, dist.Stats{}, nil)

	first := s.Sample(weighted, 20, rand.New(rand.NewSource(99)))
	second := s.Sample(weighted, 20, rand.New(rand.NewSource(99)))
	if len(first) != 20 || len(second) != 20 {
		t.Fatalf("sample sizes: %d, %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("draw %d differs: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestSampleHonorsWeights(t *testing.T) {
	s := New(DefaultConfig(), testSchema(), testTargets())
	weighted := []Weighted{
		{Rule: producer("heavy", "a"), Weight: 99},
		{Rule: producer("light", "b"), Weight: 1},
	}
	rng := rand.New(rand.NewSource(7))
	picks := s.Sample(weighted, 200, rng)
	heavy := 0
	for _, p := range picks {
		if p.ID == "heavy" {
			heavy++
		}
	}
	if heavy < 180 {
		t.Fatalf("heavy picked %d/200, expected dominant share", heavy)
	}
}

func TestSampleEmptyAndZeroBudget(t *testing.T) {
	s := New(DefaultConfig(), testSchema(), testTargets())
	rng := rand.New(rand.NewSource(1))
	if picks := s.Sample(nil, 5, rng); picks != nil {
		t.Fatalf("no rules must sample nothing, got %v", picks)
	}
	weighted := []Weighted{{Rule: producer("a", "a"), Weight: 1}}
	if picks := s.Sample(weighted, 0, rng); picks != nil {
		t.Fatalf("zero budget must sample nothing, got %v", picks)
	}
}

func TestNewFillsDefaults(t *testing.T) {
	s := New(Config{}, testSchema(), testTargets())
	def := DefaultConfig()
	if s.cfg != def {
		t.Fatalf("zero config must take defaults: %+v", s.cfg)
	}
}
