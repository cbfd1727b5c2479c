package rule

import "testing"

func TestEraWeightDefaults(t *testing.T) {
	var nilEra *Era
	if nilEra.Weight("anything") != 1 {
		t.Fatal("nil era must weight every rule at 1")
	}
	era := &Era{ID: "age_of_iron", Weights: map[string]float64{"raid": 2.5, "found": 0}}
	if era.Weight("raid") != 2.5 {
		t.Fatal("explicit weight lost")
	}
	if era.Weight("found") != 0 {
		t.Fatal("zero is a valid explicit weight")
	}
	if era.Weight("unlisted") != 1 {
		t.Fatal("missing rule must default to 1")
	}
}

func TestValidateEraCondition(t *testing.T) {
	ok := All(
		Predicate{Op: OpTimeElapsed, Ticks: 50},
		Any(
			Predicate{Op: OpPressureAbove, Pressure: "unrest", Threshold: 70},
			Predicate{Op: OpEntityCount, Kind: "settlement", Min: IntPtr(5)},
		),
	)
	if issues := ValidateEraCondition(ok, "entry"); len(issues) != 0 {
		t.Fatalf("valid condition rejected: %v", issues)
	}

	bad := All(
		Predicate{Op: OpChance, Chance: 0.5},
		Predicate{Op: OpCooldown, Ticks: 3},
	)
	issues := ValidateEraCondition(bad, "exit")
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %v", issues)
	}
}
