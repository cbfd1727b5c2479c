// Package config loads and validates the opaque structured documents
// the engine consumes: domain schema, rules, pressures, eras,
// distribution targets, and parameter overrides. Every configuration
// error is reported before any run starts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"worldloom/internal/dist"
	"worldloom/internal/model"
	"worldloom/internal/pressure"
	"worldloom/internal/rule"
)

// Issue is one offending reference found during validation.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError aggregates every configuration problem so authors fix
// them in one pass.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "configuration invalid"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "configuration invalid (%d issues):", len(e.Issues))
	for _, issue := range e.Issues {
		b.WriteString("\n  ")
		if issue.Path != "" {
			b.WriteString(issue.Path)
			b.WriteString(": ")
		}
		b.WriteString(issue.Message)
	}
	return b.String()
}

// Overrides maps rule id to parameter name to value. An absent leaf
// falls back to the rule's declared default.
type Overrides map[string]map[string]float64

// Documents is the full parsed configuration of one run.
type Documents struct {
	Schema     model.DomainSchema
	Generative []*rule.Generative
	TickRules  []*rule.TickRule
	Pressures  []pressure.Spec
	Eras       []*rule.Era
	Targets    dist.Targets
	Overrides  Overrides

	// MaxPredicateDepth limits combinator nesting; policy default 2.
	MaxPredicateDepth int
}

type rulesDoc struct {
	Generative []*rule.Generative `json:"generative"`
	Tick       []*rule.TickRule   `json:"tick"`
}

type erasDoc struct {
	Eras []*rule.Era `json:"eras"`
}

type pressuresDoc struct {
	Pressures []pressureSpecDoc `json:"pressures"`
}

type pressureSpecDoc struct {
	ID          string      `json:"id"`
	Min         float64     `json:"min"`
	Max         float64     `json:"max"`
	Initial     float64     `json:"initial"`
	Homeostasis float64     `json:"homeostasis"`
	Positive    []factorDoc `json:"positive,omitempty"`
	Negative    []factorDoc `json:"negative,omitempty"`
}

// factorDoc is the wire form of a feedback factor, tagged by type.
type factorDoc struct {
	Type      string  `json:"type"`
	Amount    float64 `json:"amount,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Subtype   string  `json:"subtype,omitempty"`
	RelKind   string  `json:"rel_kind,omitempty"`
	Scale     float64 `json:"scale,omitempty"`
	Pressure  string  `json:"pressure,omitempty"`
	Frequency float64 `json:"frequency,omitempty"`
	Amplitude float64 `json:"amplitude,omitempty"`
}

func (d factorDoc) build(seed int64) (pressure.Factor, error) {
	switch d.Type {
	case "constant":
		return pressure.Constant{Amount: d.Amount}, nil
	case "entity_count_scaled":
		return pressure.EntityCountScaled{Kind: d.Kind, Subtype: d.Subtype, Scale: d.Scale}, nil
	case "relationship_count_scaled":
		return pressure.RelationshipCountScaled{Kind: d.RelKind, Scale: d.Scale}, nil
	case "pressure_reference":
		return pressure.PressureReference{Pressure: d.Pressure, Scale: d.Scale}, nil
	case "noise_drift":
		return pressure.NewNoiseDrift(seed, d.Frequency, d.Amplitude), nil
	default:
		return nil, fmt.Errorf("unknown feedback factor type: %s", d.Type)
	}
}

// LoadPaths names the five input documents. Overrides may be empty.
type LoadPaths struct {
	Schema    string
	Rules     string
	Pressures string
	Eras      string
	Targets   string
	Overrides string
}

// Load parses every document, applies overrides, and validates the
// whole configuration, failing fast with a ValidationError that lists
// every offending reference. noiseSeed seeds noise-drift factors so
// runs stay reproducible.
func Load(paths LoadPaths, noiseSeed int64) (*Documents, error) {
	docs := &Documents{MaxPredicateDepth: 2}

	if err := readJSON(paths.Schema, &docs.Schema); err != nil {
		return nil, fmt.Errorf("schema document: %w", err)
	}

	var rules rulesDoc
	if err := readJSON(paths.Rules, &rules); err != nil {
		return nil, fmt.Errorf("rules document: %w", err)
	}
	docs.Generative = rules.Generative
	docs.TickRules = rules.Tick

	if paths.Pressures != "" {
		var pressures pressuresDoc
		if err := readJSON(paths.Pressures, &pressures); err != nil {
			return nil, fmt.Errorf("pressures document: %w", err)
		}
		for i, spec := range pressures.Pressures {
			built, err := buildPressure(spec, noiseSeed+int64(i))
			if err != nil {
				return nil, fmt.Errorf("pressures document: %w", err)
			}
			docs.Pressures = append(docs.Pressures, built)
		}
	}

	if paths.Eras != "" {
		var eras erasDoc
		if err := readJSON(paths.Eras, &eras); err != nil {
			return nil, fmt.Errorf("eras document: %w", err)
		}
		docs.Eras = eras.Eras
	}

	if err := readJSON(paths.Targets, &docs.Targets); err != nil {
		return nil, fmt.Errorf("targets document: %w", err)
	}

	if paths.Overrides != "" {
		if err := readJSON(paths.Overrides, &docs.Overrides); err != nil {
			return nil, fmt.Errorf("overrides document: %w", err)
		}
	}

	if err := docs.Validate(); err != nil {
		return nil, err
	}
	if err := docs.ApplyOverrides(); err != nil {
		return nil, err
	}
	return docs, nil
}

func buildPressure(doc pressureSpecDoc, noiseSeed int64) (pressure.Spec, error) {
	spec := pressure.Spec{
		ID:          doc.ID,
		Min:         doc.Min,
		Max:         doc.Max,
		Initial:     doc.Initial,
		Homeostasis: doc.Homeostasis,
	}
	for _, f := range doc.Positive {
		factor, err := f.build(noiseSeed)
		if err != nil {
			return pressure.Spec{}, fmt.Errorf("pressure %s: %w", doc.ID, err)
		}
		spec.Positive = append(spec.Positive, factor)
	}
	for _, f := range doc.Negative {
		factor, err := f.build(noiseSeed)
		if err != nil {
			return pressure.Spec{}, fmt.Errorf("pressure %s: %w", doc.ID, err)
		}
		spec.Negative = append(spec.Negative, factor)
	}
	return spec, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
