package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"worldloom/internal/dist"
	"worldloom/internal/model"
	"worldloom/internal/pressure"
	"worldloom/internal/rule"
)

func testSchema() model.DomainSchema {
	return model.DomainSchema{
		EntityKinds: map[string][]string{
			"settlement": {"village", "city"},
			"npc":        nil,
		},
		RelationshipKinds: []string{"residence", "trade"},
	}
}

func validDocuments() *Documents {
	return &Documents{
		Schema: testSchema(),
		Generative: []*rule.Generative{{
			Core: rule.Core{
				ID:      "found_settlement",
				Enabled: true,
				When:    rule.Predicate{Op: rule.OpAlways},
				Params: []rule.Param{
					{Name: "bond_strength", Default: 0.6, Min: 0, Max: 1},
				},
				Produces: model.Produces{EntityKinds: []string{"settlement"}},
			},
			Entities: []rule.EntitySpec{
				{Ref: "town", Kind: "settlement", Subtype: "village", Status: "thriving"},
				{Ref: "founder", Kind: "npc", Status: "active"},
			},
			Relationships: []rule.RelSpec{
				{Kind: "residence", From: "founder", To: "town", StrengthParam: "bond_strength"},
			},
		}},
		TickRules: []*rule.TickRule{{
			Core:     rule.Core{ID: "simmer", Enabled: true},
			Kind:     rule.TickPressureDelta,
			Pressure: "unrest",
			Amount:   1,
		}},
		Pressures: []pressure.Spec{
			{ID: "unrest", Min: 0, Max: 100, Initial: 10},
		},
		Eras: []*rule.Era{{
			ID:      "dawn",
			Entry:   rule.Predicate{Op: rule.OpAlways},
			Exit:    rule.Predicate{Op: rule.OpTimeElapsed, Ticks: 50},
			Weights: map[string]float64{"found_settlement": 2},
		}},
		Targets: dist.Targets{
			EntityKinds:           map[string]float64{"settlement": 0.5, "npc": 0.5},
			RelationshipDiversity: 0.5,
			Connectivity:          dist.ConnectivityTargets{StrengthThreshold: 0.5},
		},
		MaxPredicateDepth: 2,
	}
}

func validationIssues(t *testing.T, err error) []Issue {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return verr.Issues
}

func TestValidateAcceptsGoodDocuments(t *testing.T) {
	if err := validDocuments().Validate(); err != nil {
		t.Fatalf("valid documents rejected: %v", err)
	}
}

func TestValidateCollectsIssues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Documents)
		want   []string // substrings expected among the issues
	}{
		{
			"empty schema",
			func(d *Documents) { d.Schema.EntityKinds = nil },
			[]string{"entity kind"},
		},
		{
			"duplicate pressure",
			func(d *Documents) {
				d.Pressures = append(d.Pressures, pressure.Spec{ID: "unrest"})
			},
			[]string{"duplicate pressure"},
		},
		{
			"duplicate rule id across kinds",
			func(d *Documents) { d.TickRules[0].ID = "found_settlement" },
			[]string{"duplicate rule id"},
		},
		{
			"undeclared pressure in tick rule",
			func(d *Documents) { d.TickRules[0].Pressure = "mana" },
			[]string{`undeclared pressure "mana"`},
		},
		{
			"undeclared entity kind",
			func(d *Documents) { d.Generative[0].Entities[0].Kind = "dragon" },
			[]string{`undeclared entity kind "dragon"`},
		},
		{
			"unknown relationship ref",
			func(d *Documents) { d.Generative[0].Relationships[0].To = "phantom" },
			[]string{`unknown ref "phantom"`},
		},
		{
			"undeclared strength param",
			func(d *Documents) { d.Generative[0].Relationships[0].StrengthParam = "ghost" },
			[]string{`undeclared parameter "ghost"`},
		},
		{
			"bad param bounds",
			func(d *Documents) { d.Generative[0].Params[0].Default = 5 },
			[]string{"outside"},
		},
		{
			"era weight references unknown rule",
			func(d *Documents) { d.Eras[0].Weights["raid"] = 2 },
			[]string{`undeclared generative rule "raid"`},
		},
		{
			"era condition op outside subset",
			func(d *Documents) { d.Eras[0].Exit = rule.Predicate{Op: rule.OpChance, Chance: 0.5} },
			[]string{"not allowed in era conditions"},
		},
		{
			"era effect op restricted",
			func(d *Documents) {
				d.Eras[0].EntryEffects = []rule.Update{
					{Op: rule.UpdateSetStatus, Target: "x", Status: "gone"},
				}
			},
			[]string{"not allowed in era transition effects"},
		},
		{
			"target proportions",
			func(d *Documents) { d.Targets.EntityKinds["npc"] = 0.9 },
			[]string{"sum to"},
		},
		{
			"multiple issues reported together",
			func(d *Documents) {
				d.TickRules[0].Pressure = "mana"
				d.Generative[0].Entities[0].Kind = "dragon"
				d.Targets.EntityKinds["npc"] = 0.9
			},
			[]string{`"mana"`, `"dragon"`, "sum to"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			docs := validDocuments()
			tc.mutate(docs)
			err := docs.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			message := err.Error()
			for _, want := range tc.want {
				if !strings.Contains(message, want) {
					t.Fatalf("error missing %q:\n%s", want, message)
				}
			}
		})
	}
}

func TestValidationErrorListsEveryIssue(t *testing.T) {
	err := &ValidationError{Issues: []Issue{
		{Path: "rules.generative.a", Message: "first"},
		{Message: "second"},
	}}
	message := err.Error()
	if !strings.Contains(message, "2 issues") ||
		!strings.Contains(message, "rules.generative.a: first") ||
		!strings.Contains(message, "second") {
		t.Fatalf("unexpected message:\n%s", message)
	}
}

func TestApplyOverridesMergesAndIsIdempotent(t *testing.T) {
	docs := validDocuments()
	docs.Overrides = Overrides{
		"found_settlement": {"bond_strength": 0.9},
	}
	for pass := 0; pass < 2; pass++ {
		if err := docs.ApplyOverrides(); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if got := docs.Generative[0].Params[0].Default; got != 0.9 {
			t.Fatalf("pass %d: default = %v, want 0.9", pass, got)
		}
	}
}

func TestApplyOverridesRejectsBadLeaves(t *testing.T) {
	docs := validDocuments()
	docs.Overrides = Overrides{
		"found_settlement": {
			"bond_strength": 7, // out of bounds
			"ghost":         1, // undeclared parameter
		},
		"no_such_rule": {"x": 1},
	}
	err := docs.ApplyOverrides()
	issues := validationIssues(t, err)
	if len(issues) != 3 {
		t.Fatalf("issues = %v, want 3", issues)
	}
	// A rejected document must leave defaults untouched.
	if got := docs.Generative[0].Params[0].Default; got != 0.6 {
		t.Fatalf("default mutated by rejected overrides: %v", got)
	}
}

func TestFactorDocBuild(t *testing.T) {
	cases := []struct {
		name string
		doc  factorDoc
	}{
		{"constant", factorDoc{Type: "constant", Amount: 2}},
		{"entity_count_scaled", factorDoc{Type: "entity_count_scaled", Kind: "npc", Scale: 0.5}},
		{"relationship_count_scaled", factorDoc{Type: "relationship_count_scaled", RelKind: "trade", Scale: 0.1}},
		{"pressure_reference", factorDoc{Type: "pressure_reference", Pressure: "unrest", Scale: 1}},
		{"noise_drift", factorDoc{Type: "noise_drift", Frequency: 0.1, Amplitude: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.doc.build(42); err != nil {
				t.Fatalf("build: %v", err)
			}
		})
	}
	if _, err := (factorDoc{Type: "astrology"}).build(42); err == nil {
		t.Fatal("unknown factor type accepted")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	paths := LoadPaths{
		Schema: writeFile(t, dir, "schema.json", `{
			"entity_kinds": {"settlement": ["village"], "npc": []},
			"relationship_kinds": ["residence", "trade"],
			"protected_kinds": ["residence"]
		}`),
		Rules: writeFile(t, dir, "rules.json", `{
			"generative": [{
				"id": "found_settlement",
				"enabled": true,
				"when": {"op": "always"},
				"params": [{"name": "bond_strength", "default": 0.6, "min": 0, "max": 1}],
				"produces": {"entity_kinds": ["settlement"]},
				"entities": [
					{"ref": "town", "kind": "settlement", "subtype": "village", "status": "thriving"},
					{"ref": "founder", "kind": "npc", "status": "active"}
				],
				"relationships": [
					{"kind": "residence", "from": "founder", "to": "town", "strength_param": "bond_strength"}
				]
			}],
			"tick": [{
				"id": "simmer",
				"enabled": true,
				"tick_kind": "pressure_delta",
				"pressure": "unrest",
				"amount": 1
			}]
		}`),
		Pressures: writeFile(t, dir, "pressures.json", `{
			"pressures": [{
				"id": "unrest", "min": 0, "max": 100, "initial": 10,
				"positive": [{"type": "noise_drift", "frequency": 0.1, "amplitude": 1}]
			}]
		}`),
		Targets: writeFile(t, dir, "targets.json", `{
			"entity_kinds": {"settlement": 0.5, "npc": 0.5},
			"relationship_diversity": 0.5,
			"connectivity": {"strength_threshold": 0.5}
		}`),
		Overrides: writeFile(t, dir, "overrides.json", `{
			"found_settlement": {"bond_strength": 0.8}
		}`),
	}

	docs, err := Load(paths, 42)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(docs.Generative) != 1 || len(docs.TickRules) != 1 || len(docs.Pressures) != 1 {
		t.Fatalf("unexpected document counts: %+v", docs)
	}
	if docs.MaxPredicateDepth != 2 {
		t.Fatalf("depth default = %d, want 2", docs.MaxPredicateDepth)
	}
	if got := docs.Generative[0].Params[0].Default; got != 0.8 {
		t.Fatalf("override not applied: %v", got)
	}
}

func TestLoadReportsValidationErrors(t *testing.T) {
	dir := t.TempDir()
	paths := LoadPaths{
		Schema: writeFile(t, dir, "schema.json", `{
			"entity_kinds": {"npc": []},
			"relationship_kinds": ["trade"]
		}`),
		Rules: writeFile(t, dir, "rules.json", `{
			"generative": [{
				"id": "summon",
				"enabled": true,
				"when": {"op": "always"},
				"entities": [{"kind": "dragon", "status": "active"}]
			}]
		}`),
		Targets: writeFile(t, dir, "targets.json", `{
			"entity_kinds": {"npc": 1.0},
			"connectivity": {"strength_threshold": 0.5}
		}`),
	}
	_, err := Load(paths, 1)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), `undeclared entity kind "dragon"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(LoadPaths{
		Schema:  filepath.Join(t.TempDir(), "absent.json"),
		Rules:   "irrelevant",
		Targets: "irrelevant",
	}, 1)
	if err == nil {
		t.Fatal("expected read error")
	}
}
