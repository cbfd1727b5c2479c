package search

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"worldloom/internal/dist"
	"worldloom/internal/engine"
	"worldloom/internal/fitness"
	"worldloom/internal/model"
	"worldloom/internal/pressure"
	"worldloom/internal/rule"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func engineTemplate() engine.Config {
	schema := model.DomainSchema{
		EntityKinds: map[string][]string{
			"settlement": nil,
			"npc":        nil,
		},
		RelationshipKinds: []string{"residence", "trade"},
	}
	founding := &rule.Generative{
		Core: rule.Core{
			ID:      "found_settlement",
			Enabled: true,
			When:    rule.Predicate{Op: rule.OpAlways},
			Params: []rule.Param{
				{Name: "bond_strength", Default: 0.6, Min: 0, Max: 1},
			},
			Produces: model.Produces{EntityKinds: []string{"settlement", "npc"}},
		},
		Entities: []rule.EntitySpec{
			{Ref: "town", Kind: "settlement", Status: "thriving"},
			{Ref: "founder", Kind: "npc", Status: "active"},
		},
		Relationships: []rule.RelSpec{
			{Kind: "residence", From: "founder", To: "town", StrengthParam: "bond_strength"},
		},
	}
	return engine.Config{
		RunID:      "search-test",
		Schema:     schema,
		Generative: []*rule.Generative{founding},
		Pressures:  []pressure.Spec{{ID: "unrest", Min: 0, Max: 100, Initial: 10}},
		Targets: dist.Targets{
			EntityKinds:           map[string]float64{"settlement": 0.5, "npc": 0.5},
			RelationshipDiversity: 0.5,
			Connectivity: dist.ConnectivityTargets{
				ClusterCountMin:   1,
				ClusterCountMax:   20,
				StrengthThreshold: 0.5,
			},
		},
		Epochs:          2,
		TicksPerEpoch:   2,
		GrowthTarget:    4,
		DefaultStrength: 0.5,
		Logger:          quietLogger(),
	}
}

func searchConfig(t *testing.T, seed int64) Config {
	t.Helper()
	evaluator, err := fitness.NewEvaluator(nil, 4.5, dist.ConnectivityTargets{
		ClusterCountMin: 1, ClusterCountMax: 20,
	})
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	return Config{
		PopulationSize: 4,
		Generations:    3,
		EliteCount:     1,
		Workers:        2,
		Seed:           seed,
		Evaluator:      evaluator,
		Engine:         engineTemplate(),
		Logger:         quietLogger(),
	}
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no population", func(c *Config) { c.PopulationSize = 0 }},
		{"no generations", func(c *Config) { c.Generations = 0 }},
		{"no elites", func(c *Config) { c.EliteCount = 0 }},
		{"too many elites", func(c *Config) { c.EliteCount = c.PopulationSize + 1 }},
		{"no evaluator", func(c *Config) { c.Evaluator = nil }},
		{"bad crossover rate", func(c *Config) { c.CrossoverRate = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := searchConfig(t, 1)
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestRunCompletesAllGenerations(t *testing.T) {
	s, err := New(searchConfig(t, 21))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.BestByGeneration) != 3 {
		t.Fatalf("history length = %d, want 3", len(result.BestByGeneration))
	}
	if len(result.Diagnostics) != 3 {
		t.Fatalf("diagnostics length = %d, want 3", len(result.Diagnostics))
	}
	if result.Evaluations != 12 {
		t.Fatalf("evaluations = %d, want 12", result.Evaluations)
	}
	if result.Best.Genome.ID == "" {
		t.Fatal("best genome missing")
	}
	if result.Best.Breakdown.Total <= 0 || result.Best.Breakdown.Total > 1 {
		t.Fatalf("best fitness outside (0,1]: %v", result.Best.Breakdown.Total)
	}
	// The tracked best is the maximum over all generations.
	for gen, best := range result.BestByGeneration {
		if best > result.Best.Breakdown.Total+1e-12 {
			t.Fatalf("generation %d best %v exceeds overall best %v",
				gen, best, result.Best.Breakdown.Total)
		}
	}
	for i, diag := range result.Diagnostics {
		if diag.Generation != i+1 {
			t.Fatalf("diagnostics numbered %d at index %d", diag.Generation, i)
		}
		if diag.MeanFitness < diag.MinFitness || diag.MeanFitness > diag.BestFitness {
			t.Fatalf("generation %d summary inconsistent: %+v", i+1, diag)
		}
	}
}

func TestRunDeterministicUnderSeed(t *testing.T) {
	run := func() Result {
		t.Helper()
		s, err := New(searchConfig(t, 77))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		result, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return result
	}
	a, b := run(), run()
	if len(a.BestByGeneration) != len(b.BestByGeneration) {
		t.Fatalf("history lengths differ: %d vs %d", len(a.BestByGeneration), len(b.BestByGeneration))
	}
	for i := range a.BestByGeneration {
		if a.BestByGeneration[i] != b.BestByGeneration[i] {
			t.Fatalf("generation %d best differs: %v vs %v",
				i, a.BestByGeneration[i], b.BestByGeneration[i])
		}
	}
	if a.Best.Breakdown.Total != b.Best.Breakdown.Total {
		t.Fatalf("best fitness differs: %v vs %v", a.Best.Breakdown.Total, b.Best.Breakdown.Total)
	}
}

func TestRunStagnationStopPolicy(t *testing.T) {
	cfg := searchConfig(t, 5)
	cfg.Generations = 10
	cfg.OnStagnation = PolicyStop
	cfg.StagnationWindow = 2
	cfg.MinImprovement = 10 // unreachable; every window stagnates

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Diagnostics) != 2 {
		t.Fatalf("expected stop at the first stagnant window, got %d generations", len(result.Diagnostics))
	}
	if !result.Diagnostics[1].Stagnant {
		t.Fatal("stopping generation must be flagged stagnant")
	}
}

func TestRunInjectPolicyReplacesPopulation(t *testing.T) {
	cfg := searchConfig(t, 5)
	cfg.Generations = 4
	cfg.OnStagnation = PolicyInject
	cfg.StagnationWindow = 2
	cfg.MinImprovement = 10

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Diagnostics) != 4 {
		t.Fatalf("inject must not stop the search, got %d generations", len(result.Diagnostics))
	}
	injected := false
	for _, diag := range result.Diagnostics {
		if diag.Injected > 0 {
			injected = true
			if diag.Injected != cfg.PopulationSize-cfg.EliteCount {
				t.Fatalf("injected %d, want %d", diag.Injected, cfg.PopulationSize-cfg.EliteCount)
			}
		}
	}
	if !injected {
		t.Fatal("no diversity injection recorded")
	}
}

func TestNextGenerationRetainsElitesUnmodified(t *testing.T) {
	s, err := New(searchConfig(t, 13))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ref := model.ParamRef{RuleID: "found_settlement", Name: "bond_strength"}
	ranked := []Scored{
		{Genome: model.Genome{ID: "best", Values: map[model.ParamRef]float64{ref: 0.9}}, Fitness: 0.9},
		{Genome: model.Genome{ID: "mid", Values: map[model.ParamRef]float64{ref: 0.5}}, Fitness: 0.5},
		{Genome: model.Genome{ID: "worst", Values: map[model.ParamRef]float64{ref: 0.1}}, Fitness: 0.1},
		{Genome: model.Genome{ID: "last", Values: map[model.ParamRef]float64{ref: 0.2}}, Fitness: 0.05},
	}
	next, err := s.nextGeneration(ranked, 0, nil, false)
	if err != nil {
		t.Fatalf("next generation: %v", err)
	}
	if len(next) != s.cfg.PopulationSize {
		t.Fatalf("population size = %d, want %d", len(next), s.cfg.PopulationSize)
	}
	elite := next[0]
	if elite.genome.ID != "best" || elite.genome.Values[ref] != 0.9 {
		t.Fatalf("elite modified: %+v", elite.genome)
	}
	if elite.hasParent {
		t.Fatal("elite must not be marked as offspring")
	}
	for _, cand := range next[1:] {
		if !cand.hasParent {
			t.Fatal("offspring must track parent fitness")
		}
		if cand.genome.ID == "best" || cand.genome.ID == "mid" {
			t.Fatal("offspring must get fresh genome ids")
		}
	}
}

func TestSeedPopulationWithinBounds(t *testing.T) {
	s, err := New(searchConfig(t, 31))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ref := model.ParamRef{RuleID: "found_settlement", Name: "bond_strength"}
	for _, cand := range s.seedPopulation() {
		v, ok := cand.genome.Values[ref]
		if !ok {
			t.Fatal("seeded genome missing declared parameter")
		}
		if v < 0 || v > 1 {
			t.Fatalf("seeded value %v outside declared bounds", v)
		}
	}
}

func TestStagnantWindow(t *testing.T) {
	cfg := searchConfig(t, 1)
	cfg.StagnationWindow = 3
	cfg.MinImprovement = 0.01
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.stagnant([]float64{0.5, 0.5}) {
		t.Fatal("short history must never be stagnant")
	}
	if !s.stagnant([]float64{0.5, 0.5, 0.505}) {
		t.Fatal("sub-threshold improvement must be stagnant")
	}
	if s.stagnant([]float64{0.5, 0.5, 0.52}) {
		t.Fatal("real improvement must not be stagnant")
	}
}

func TestFingerprintQuantizes(t *testing.T) {
	ref := model.ParamRef{RuleID: "r", Name: "p"}
	a := model.Genome{Values: map[model.ParamRef]float64{ref: 0.5}}
	b := model.Genome{Values: map[model.ParamRef]float64{ref: 0.5 + 1e-9}}
	c := model.Genome{Values: map[model.ParamRef]float64{ref: 0.6}}
	if fingerprint(a) != fingerprint(b) {
		t.Fatal("sub-quantum difference must share a fingerprint")
	}
	if fingerprint(a) == fingerprint(c) {
		t.Fatal("distinct values must differ")
	}
}

func TestTournamentSelectorPicksFitter(t *testing.T) {
	ranked := []Scored{
		{Genome: model.Genome{ID: "a"}, Fitness: 0.9},
		{Genome: model.Genome{ID: "b"}, Fitness: 0.1},
	}
	sel := TournamentSelector{TournamentSize: 2}
	rng := rand.New(rand.NewSource(3))
	wins := map[string]int{}
	for i := 0; i < 100; i++ {
		parent, err := sel.PickParent(rng, ranked, 1)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		wins[parent.ID]++
	}
	if wins["a"] <= wins["b"] {
		t.Fatalf("fitter genome must win more tournaments: %v", wins)
	}
	if _, err := sel.PickParent(rng, nil, 1); err == nil {
		t.Fatal("empty population must error")
	}
	if _, err := sel.PickParent(nil, ranked, 1); err == nil {
		t.Fatal("nil rng must error")
	}
}

func TestFitnessProportionalSelector(t *testing.T) {
	ranked := []Scored{
		{Genome: model.Genome{ID: "heavy"}, Fitness: 0.99},
		{Genome: model.Genome{ID: "light"}, Fitness: 0.01},
	}
	sel := FitnessProportionalSelector{}
	rng := rand.New(rand.NewSource(9))
	heavy := 0
	for i := 0; i < 200; i++ {
		parent, err := sel.PickParent(rng, ranked, 1)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if parent.ID == "heavy" {
			heavy++
		}
	}
	if heavy < 160 {
		t.Fatalf("heavy picked %d/200, expected dominant share", heavy)
	}

	// All-zero fitness falls back to uniform choice instead of erroring.
	flat := []Scored{
		{Genome: model.Genome{ID: "a"}},
		{Genome: model.Genome{ID: "b"}},
	}
	if _, err := sel.PickParent(rng, flat, 1); err != nil {
		t.Fatalf("zero-fitness pick: %v", err)
	}
}

func TestSelectorAndPolicyNames(t *testing.T) {
	for _, name := range []string{"", "tournament", "fitness_proportional"} {
		if _, err := SelectorFromName(name); err != nil {
			t.Fatalf("selector %q rejected: %v", name, err)
		}
	}
	if _, err := SelectorFromName("roulette"); err == nil {
		t.Fatal("unknown selector accepted")
	}
	for _, name := range []string{"", "warn", "stop", "inject"} {
		if _, err := PolicyFromName(name); err != nil {
			t.Fatalf("policy %q rejected: %v", name, err)
		}
	}
	if _, err := PolicyFromName("panic"); err == nil {
		t.Fatal("unknown policy accepted")
	}
}
