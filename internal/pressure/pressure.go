// Package pressure implements the named bounded scalar feedback
// variables that rules read and write.
package pressure

import (
	"fmt"
	"sort"

	opensimplex "github.com/ojrac/opensimplex-go"

	"worldloom/internal/graph"
	"worldloom/internal/model"
)

// Factor computes one feedback contribution from graph state.
type Factor interface {
	Name() string
	Eval(w *graph.World, values map[string]float64, tick int) float64
}

// Constant always contributes the same amount.
type Constant struct {
	Amount float64
}

func (Constant) Name() string { return "constant" }

func (f Constant) Eval(_ *graph.World, _ map[string]float64, _ int) float64 {
	return f.Amount
}

// EntityCountScaled contributes the entity count of a kind times Scale.
type EntityCountScaled struct {
	Kind    string
	Subtype string
	Scale   float64
}

func (EntityCountScaled) Name() string { return "entity_count_scaled" }

func (f EntityCountScaled) Eval(w *graph.World, _ map[string]float64, _ int) float64 {
	return float64(w.CountByKind(f.Kind, f.Subtype)) * f.Scale
}

// RelationshipCountScaled contributes the relationship count of a kind
// times Scale. An empty kind counts every relationship.
type RelationshipCountScaled struct {
	Kind  string
	Scale float64
}

func (RelationshipCountScaled) Name() string { return "relationship_count_scaled" }

func (f RelationshipCountScaled) Eval(w *graph.World, _ map[string]float64, _ int) float64 {
	if f.Kind == "" {
		return float64(w.RelationshipCount()) * f.Scale
	}
	count := 0
	for _, rel := range w.Relationships() {
		if rel.Kind == f.Kind {
			count++
		}
	}
	return float64(count) * f.Scale
}

// PressureReference contributes another pressure's current value times
// Scale, allowing coupled pressure systems.
type PressureReference struct {
	Pressure string
	Scale    float64
}

func (PressureReference) Name() string { return "pressure_reference" }

func (f PressureReference) Eval(_ *graph.World, values map[string]float64, _ int) float64 {
	return values[f.Pressure] * f.Scale
}

// NoiseDrift contributes smooth pseudo-random drift over tick time using
// opensimplex noise, seeded per pressure so runs stay deterministic.
type NoiseDrift struct {
	Seed      int64
	Frequency float64
	Amplitude float64

	noise opensimplex.Noise
}

// NewNoiseDrift constructs a drift factor. Frequency defaults to 0.05
// and amplitude to 1.0 when unset.
func NewNoiseDrift(seed int64, frequency, amplitude float64) *NoiseDrift {
	if frequency <= 0 {
		frequency = 0.05
	}
	if amplitude <= 0 {
		amplitude = 1.0
	}
	return &NoiseDrift{
		Seed:      seed,
		Frequency: frequency,
		Amplitude: amplitude,
		noise:     opensimplex.NewNormalized(seed),
	}
}

func (*NoiseDrift) Name() string { return "noise_drift" }

func (f *NoiseDrift) Eval(_ *graph.World, _ map[string]float64, tick int) float64 {
	// Normalized noise is in [0,1]; recenter to [-Amplitude, Amplitude].
	return (f.noise.Eval2(float64(tick)*f.Frequency, 0) - 0.5) * 2 * f.Amplitude
}

// Spec declares one pressure and its dynamics.
type Spec struct {
	ID          string
	Min         float64
	Max         float64
	Initial     float64
	Homeostasis float64 // pull strength toward zero, >= 0
	Positive    []Factor
	Negative    []Factor
}

// Model owns every pressure of one run. Updates are applied once per
// tick in lexicographic pressure-id order.
type Model struct {
	specs  []Spec
	values map[string]float64
}

// NewModel validates the specs and initializes current values.
func NewModel(specs []Spec) (*Model, error) {
	sorted := make([]Spec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	values := make(map[string]float64, len(sorted))
	for i := range sorted {
		spec := &sorted[i]
		if spec.ID == "" {
			return nil, fmt.Errorf("pressure id is required at index %d", i)
		}
		if _, exists := values[spec.ID]; exists {
			return nil, fmt.Errorf("duplicate pressure id: %s", spec.ID)
		}
		if spec.Min == 0 && spec.Max == 0 {
			spec.Min, spec.Max = -100, 100
		}
		if spec.Min >= spec.Max {
			return nil, fmt.Errorf("pressure %s: bounds are inverted", spec.ID)
		}
		if spec.Homeostasis < 0 {
			return nil, fmt.Errorf("pressure %s: homeostasis must be >= 0", spec.ID)
		}
		values[spec.ID] = clamp(spec.Initial, spec.Min, spec.Max)
	}
	return &Model{specs: sorted, values: values}, nil
}

// Value returns the current value of the pressure, zero when unknown.
func (m *Model) Value(id string) float64 {
	return m.values[id]
}

// Has reports whether the pressure is declared.
func (m *Model) Has(id string) bool {
	_, ok := m.values[id]
	return ok
}

// IDs returns the declared pressure ids in update order.
func (m *Model) IDs() []string {
	ids := make([]string, len(m.specs))
	for i, spec := range m.specs {
		ids[i] = spec.ID
	}
	return ids
}

// Adjust shifts the pressure by delta, clamping to its bounds. The
// clamp is expected steady-state behavior, not an error.
func (m *Model) Adjust(id string, delta float64) {
	for i := range m.specs {
		if m.specs[i].ID == id {
			m.values[id] = clamp(m.values[id]+delta, m.specs[i].Min, m.specs[i].Max)
			return
		}
	}
}

// Tick applies one update to every pressure: positive factor sum, minus
// negative factor sum, minus the homeostatic pull toward zero, clamped
// to bounds. Clamps are recorded into the world event history.
func (m *Model) Tick(w *graph.World, tick int) {
	// Factors read the pre-tick values so ordering inside a tick does
	// not leak between coupled pressures.
	before := make(map[string]float64, len(m.values))
	for id, v := range m.values {
		before[id] = v
	}

	for i := range m.specs {
		spec := &m.specs[i]
		value := before[spec.ID]
		for _, factor := range spec.Positive {
			value += factor.Eval(w, before, tick)
		}
		for _, factor := range spec.Negative {
			value -= factor.Eval(w, before, tick)
		}
		value -= spec.Homeostasis * before[spec.ID]

		clamped := clamp(value, spec.Min, spec.Max)
		if clamped != value && w != nil {
			w.RecordEvent(model.Event{
				Tick:    tick,
				Type:    model.EventPressureClamped,
				Subject: spec.ID,
				Detail:  fmt.Sprintf("%.4f", value),
			})
		}
		m.values[spec.ID] = clamped
	}
}

// Export copies the current values.
func (m *Model) Export() map[string]float64 {
	out := make(map[string]float64, len(m.values))
	for id, v := range m.values {
		out[id] = v
	}
	return out
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
