package config

import (
	"fmt"
	"sort"

	"worldloom/internal/dist"
	"worldloom/internal/rule"
)

// Validate checks every cross-reference in the loaded documents: rule
// predicates against the schema and declared pressures, effect refs
// against bindings, era conditions against the allowed subset, targets
// against declared kinds, and overrides against declared parameters.
// All problems are collected into one ValidationError.
func (d *Documents) Validate() error {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if len(d.Schema.EntityKinds) == 0 {
		add("schema", "at least one entity kind must be declared")
	}

	pressures := make(map[string]bool, len(d.Pressures))
	for _, spec := range d.Pressures {
		if spec.ID == "" {
			add("pressures", "pressure id must not be empty")
			continue
		}
		if pressures[spec.ID] {
			add("pressures."+spec.ID, "duplicate pressure id")
		}
		pressures[spec.ID] = true
	}

	ruleIDs := make(map[string]bool)
	generativeIDs := make(map[string]bool)
	for _, r := range d.Generative {
		path := "rules.generative." + r.ID
		if r.ID == "" {
			add("rules.generative", "rule id must not be empty")
			continue
		}
		if ruleIDs[r.ID] {
			add(path, "duplicate rule id")
		}
		ruleIDs[r.ID] = true
		generativeIDs[r.ID] = true
		issues = append(issues, d.validateGenerative(r, path, pressures)...)
	}
	for _, r := range d.TickRules {
		path := "rules.tick." + r.ID
		if r.ID == "" {
			add("rules.tick", "rule id must not be empty")
			continue
		}
		if ruleIDs[r.ID] {
			add(path, "duplicate rule id")
		}
		ruleIDs[r.ID] = true
		issues = append(issues, d.validateTick(r, path, pressures)...)
	}

	eraIDs := make(map[string]bool)
	for _, era := range d.Eras {
		path := "eras." + era.ID
		if era.ID == "" {
			add("eras", "era id must not be empty")
			continue
		}
		if eraIDs[era.ID] {
			add(path, "duplicate era id")
		}
		eraIDs[era.ID] = true

		for _, msg := range rule.ValidateEraCondition(era.Entry, path+".entry") {
			add("", "%s", msg)
		}
		for _, msg := range rule.ValidateEraCondition(era.Exit, path+".exit") {
			add("", "%s", msg)
		}
		for _, msg := range era.Entry.Validate(d.Schema, pressures, d.MaxPredicateDepth, path+".entry") {
			add("", "%s", msg)
		}
		for _, msg := range era.Exit.Validate(d.Schema, pressures, d.MaxPredicateDepth, path+".exit") {
			add("", "%s", msg)
		}
		issues = append(issues, d.validateUpdates(era.EntryEffects, nil, path+".entry_effects", pressures, true)...)
		issues = append(issues, d.validateUpdates(era.ExitEffects, nil, path+".exit_effects", pressures, true)...)
		for _, ruleID := range sortedKeys(era.Weights) {
			if !generativeIDs[ruleID] {
				add(path+".weights", "undeclared generative rule %q", ruleID)
			}
		}
	}

	for _, msg := range dist.ValidateTargets(d.Targets, d.Schema) {
		add("", "%s", msg)
	}

	issues = append(issues, d.validateOverrides()...)

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (d *Documents) validateGenerative(r *rule.Generative, path string, pressures map[string]bool) []Issue {
	var issues []Issue
	add := func(p, format string, args ...any) {
		issues = append(issues, Issue{Path: p, Message: fmt.Sprintf(format, args...)})
	}

	for _, msg := range r.When.Validate(d.Schema, pressures, d.MaxPredicateDepth, path+".when") {
		add("", "%s", msg)
	}
	issues = append(issues, validateParams(r.Params, path)...)

	refs := make(map[string]bool)
	for _, b := range r.Bindings {
		if b.Name == "" {
			add(path+".bindings", "binding name must not be empty")
			continue
		}
		if refs[b.Name] {
			add(path+".bindings."+b.Name, "duplicate binding name")
		}
		refs[b.Name] = true
		issues = append(issues, d.validateBinding(b, path+".bindings."+b.Name)...)
	}

	for i, spec := range r.Entities {
		specPath := fmt.Sprintf("%s.entities[%d]", path, i)
		if !d.Schema.HasEntityKind(spec.Kind) {
			add(specPath, "undeclared entity kind %q", spec.Kind)
		} else {
			if spec.Subtype != "" && !d.Schema.HasSubtype(spec.Kind, spec.Subtype) {
				add(specPath, "undeclared subtype %q for kind %q", spec.Subtype, spec.Kind)
			}
			for _, option := range spec.SubtypeOptions {
				if !d.Schema.HasSubtype(spec.Kind, option.Value) {
					add(specPath, "undeclared subtype option %q for kind %q", option.Value, spec.Kind)
				}
				if option.Pressure != "" && !pressures[option.Pressure] {
					add(specPath, "undeclared pressure %q", option.Pressure)
				}
			}
		}
		if spec.Ref != "" {
			if refs[spec.Ref] {
				add(specPath, "duplicate ref %q", spec.Ref)
			}
			refs[spec.Ref] = true
		}
	}

	for i, spec := range r.Relationships {
		relPath := fmt.Sprintf("%s.relationships[%d]", path, i)
		if !d.Schema.HasRelationshipKind(spec.Kind) {
			add(relPath, "undeclared relationship kind %q", spec.Kind)
		}
		for _, end := range []string{spec.From, spec.To} {
			if !refs[end] {
				add(relPath, "unknown ref %q", end)
			}
		}
		if spec.StrengthParam != "" {
			if _, declared := r.ParamSpec(spec.StrengthParam); !declared {
				add(relPath, "undeclared parameter %q", spec.StrengthParam)
			}
		}
	}

	issues = append(issues, d.validateUpdatesFor(r.Core, r.Updates, refs, path+".updates", pressures)...)
	issues = append(issues, d.validateProduces(r.Core, path)...)
	return issues
}

func (d *Documents) validateTick(r *rule.TickRule, path string, pressures map[string]bool) []Issue {
	var issues []Issue
	add := func(p, format string, args ...any) {
		issues = append(issues, Issue{Path: p, Message: fmt.Sprintf(format, args...)})
	}

	for _, msg := range r.When.Validate(d.Schema, pressures, d.MaxPredicateDepth, path+".when") {
		add("", "%s", msg)
	}
	issues = append(issues, validateParams(r.Params, path)...)

	paramDeclared := func(name string) bool {
		_, ok := r.ParamSpec(name)
		return ok
	}

	switch r.Kind {
	case rule.TickPressureDelta:
		if !pressures[r.Pressure] {
			add(path, "undeclared pressure %q", r.Pressure)
		}
		if r.AmountParam != "" && !paramDeclared(r.AmountParam) {
			add(path, "undeclared parameter %q", r.AmountParam)
		}
	case rule.TickContagion:
		if r.Tag == "" {
			add(path, "contagion requires a tag")
		}
		if r.RelKind != "" && !d.Schema.HasRelationshipKind(r.RelKind) {
			add(path, "undeclared relationship kind %q", r.RelKind)
		}
		if r.ChanceParam != "" && !paramDeclared(r.ChanceParam) {
			add(path, "undeclared parameter %q", r.ChanceParam)
		}
	case rule.TickThreshold:
		for _, msg := range r.Condition.Validate(d.Schema, pressures, d.MaxPredicateDepth, path+".condition") {
			add("", "%s", msg)
		}
		refs := map[string]bool{}
		if r.Targets.Name != "" {
			refs[r.Targets.Name] = true
			issues = append(issues, d.validateBinding(r.Targets, path+".targets")...)
		}
		issues = append(issues, d.validateUpdatesFor(r.Core, r.Actions, refs, path+".actions", pressures)...)
	case rule.TickDecay:
		if r.RelKind != "" && !d.Schema.HasRelationshipKind(r.RelKind) {
			add(path, "undeclared relationship kind %q", r.RelKind)
		}
		if r.DecayParam != "" && !paramDeclared(r.DecayParam) {
			add(path, "undeclared parameter %q", r.DecayParam)
		}
	case rule.TickCull:
		if r.RelKind != "" && !d.Schema.HasRelationshipKind(r.RelKind) {
			add(path, "undeclared relationship kind %q", r.RelKind)
		}
		if r.CullThreshold < 0 || r.CullThreshold > 1 {
			add(path, "cull threshold %.3f outside [0,1]", r.CullThreshold)
		}
	default:
		add(path, "unknown tick rule kind %q", r.Kind)
	}
	return issues
}

func (d *Documents) validateBinding(b rule.Binding, path string) []Issue {
	var issues []Issue
	add := func(format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	if !d.Schema.HasEntityKind(b.Kind) {
		add("undeclared entity kind %q", b.Kind)
	} else if b.Subtype != "" && !d.Schema.HasSubtype(b.Kind, b.Subtype) {
		add("undeclared subtype %q for kind %q", b.Subtype, b.Kind)
	}
	if b.RelKind != "" && !d.Schema.HasRelationshipKind(b.RelKind) {
		add("undeclared relationship kind %q", b.RelKind)
	}
	switch b.Strategy {
	case "", rule.PickRandom, rule.PickHighestProminence, rule.PickLowestProminence, rule.PickMostConnected:
	default:
		add("unknown pick strategy %q", b.Strategy)
	}
	return issues
}

func (d *Documents) validateUpdatesFor(core rule.Core, updates []rule.Update, refs map[string]bool, path string, pressures map[string]bool) []Issue {
	issues := d.validateUpdates(updates, refs, path, pressures, false)
	for i, u := range updates {
		if u.AmountParam == "" {
			continue
		}
		if _, declared := core.ParamSpec(u.AmountParam); !declared {
			issues = append(issues, Issue{
				Path:    fmt.Sprintf("%s[%d]", path, i),
				Message: fmt.Sprintf("undeclared parameter %q", u.AmountParam),
			})
		}
	}
	return issues
}

// validateUpdates checks update targets and pressure references.
// pressureOnly restricts to pressure deltas, the only op era transition
// effects may carry.
func (d *Documents) validateUpdates(updates []rule.Update, refs map[string]bool, path string, pressures map[string]bool, pressureOnly bool) []Issue {
	var issues []Issue
	for i, u := range updates {
		updatePath := fmt.Sprintf("%s[%d]", path, i)
		add := func(format string, args ...any) {
			issues = append(issues, Issue{Path: updatePath, Message: fmt.Sprintf(format, args...)})
		}
		switch u.Op {
		case rule.UpdatePressureDelta:
			if !pressures[u.Pressure] {
				add("undeclared pressure %q", u.Pressure)
			}
		case rule.UpdateAddTag, rule.UpdateRemoveTag, rule.UpdateSetStatus, rule.UpdateShiftProminence:
			if pressureOnly {
				add("op %q not allowed in era transition effects", u.Op)
				continue
			}
			if !refs[u.Target] {
				add("unknown target ref %q", u.Target)
			}
			if (u.Op == rule.UpdateAddTag || u.Op == rule.UpdateRemoveTag) && u.Tag == "" {
				add("tag must not be empty")
			}
		default:
			add("unknown update op %q", u.Op)
		}
	}
	return issues
}

func (d *Documents) validateProduces(core rule.Core, path string) []Issue {
	var issues []Issue
	for _, kind := range core.Produces.EntityKinds {
		if !d.Schema.HasEntityKind(kind) {
			issues = append(issues, Issue{Path: path + ".produces", Message: fmt.Sprintf("undeclared entity kind %q", kind)})
		}
	}
	for _, kind := range core.Produces.RelationshipKinds {
		if !d.Schema.HasRelationshipKind(kind) {
			issues = append(issues, Issue{Path: path + ".produces", Message: fmt.Sprintf("undeclared relationship kind %q", kind)})
		}
	}
	return issues
}

func validateParams(params []rule.Param, path string) []Issue {
	var issues []Issue
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		paramPath := path + ".params." + p.Name
		add := func(format string, args ...any) {
			issues = append(issues, Issue{Path: paramPath, Message: fmt.Sprintf(format, args...)})
		}
		if p.Name == "" {
			issues = append(issues, Issue{Path: path + ".params", Message: "parameter name must not be empty"})
			continue
		}
		if seen[p.Name] {
			add("duplicate parameter name")
		}
		seen[p.Name] = true
		if p.Min > p.Max {
			add("min %.4f exceeds max %.4f", p.Min, p.Max)
		}
		if p.Default < p.Min || p.Default > p.Max {
			add("default %.4f outside [%.4f, %.4f]", p.Default, p.Min, p.Max)
		}
	}
	return issues
}

// validateOverrides checks every override leaf against the declared
// rules and parameter bounds, reporting all problems together.
func (d *Documents) validateOverrides() []Issue {
	if len(d.Overrides) == 0 {
		return nil
	}

	cores := make(map[string][]rule.Param, len(d.Generative)+len(d.TickRules))
	for _, r := range d.Generative {
		cores[r.ID] = r.Params
	}
	for _, r := range d.TickRules {
		cores[r.ID] = r.Params
	}

	var issues []Issue
	for _, ruleID := range sortedKeys(d.Overrides) {
		params, known := cores[ruleID]
		if !known {
			issues = append(issues, Issue{
				Path:    "overrides." + ruleID,
				Message: "undeclared rule id",
			})
			continue
		}
		for _, name := range sortedKeys(d.Overrides[ruleID]) {
			value := d.Overrides[ruleID][name]
			spec, declared := findParam(params, name)
			path := fmt.Sprintf("overrides.%s.%s", ruleID, name)
			if !declared {
				issues = append(issues, Issue{Path: path, Message: "undeclared parameter"})
				continue
			}
			if value < spec.Min || value > spec.Max {
				issues = append(issues, Issue{
					Path:    path,
					Message: fmt.Sprintf("value %.4f outside [%.4f, %.4f]", value, spec.Min, spec.Max),
				})
			}
		}
	}
	return issues
}

// ApplyOverrides merges the overrides document onto rule parameter
// defaults by (rule id, parameter name) path. Unknown paths and
// out-of-bounds values are rejected; merging the same document twice
// yields the same effective configuration. Validation runs up front so
// every bad leaf is reported together.
func (d *Documents) ApplyOverrides() error {
	if len(d.Overrides) == 0 {
		return nil
	}
	if issues := d.validateOverrides(); len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	merge := func(params []rule.Param, ruleID string) {
		leaves := d.Overrides[ruleID]
		for i := range params {
			if v, ok := leaves[params[i].Name]; ok {
				params[i].Default = v
			}
		}
	}
	for _, r := range d.Generative {
		merge(r.Params, r.ID)
	}
	for _, r := range d.TickRules {
		merge(r.Params, r.ID)
	}
	return nil
}

func findParam(params []rule.Param, name string) (rule.Param, bool) {
	for _, p := range params {
		if p.Name == name {
			return p, true
		}
	}
	return rule.Param{}, false
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
