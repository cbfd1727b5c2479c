package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Prominence is the ordinal visibility of an entity within the world.
type Prominence int

const (
	ProminenceForgotten Prominence = iota
	ProminenceMarginal
	ProminenceRecognized
	ProminenceRenowned
	ProminenceMythic
)

var prominenceNames = [...]string{
	"forgotten",
	"marginal",
	"recognized",
	"renowned",
	"mythic",
}

// Prominences lists every prominence level in ascending order.
func Prominences() []Prominence {
	return []Prominence{
		ProminenceForgotten,
		ProminenceMarginal,
		ProminenceRecognized,
		ProminenceRenowned,
		ProminenceMythic,
	}
}

func (p Prominence) String() string {
	if p < ProminenceForgotten || p > ProminenceMythic {
		return fmt.Sprintf("prominence(%d)", int(p))
	}
	return prominenceNames[p]
}

// Clamp returns p restricted to the declared ordinal range.
func (p Prominence) Clamp() Prominence {
	if p < ProminenceForgotten {
		return ProminenceForgotten
	}
	if p > ProminenceMythic {
		return ProminenceMythic
	}
	return p
}

// MarshalText encodes the prominence name; text encoding also covers
// use as a JSON map key.
func (p Prominence) MarshalText() ([]byte, error) {
	if p < ProminenceForgotten || p > ProminenceMythic {
		return nil, fmt.Errorf("prominence out of range: %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Prominence) UnmarshalText(data []byte) error {
	parsed, err := ParseProminence(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseProminence resolves a prominence name to its ordinal value.
func ParseProminence(name string) (Prominence, error) {
	for i, candidate := range prominenceNames {
		if candidate == name {
			return Prominence(i), nil
		}
	}
	return 0, fmt.Errorf("unknown prominence: %s", name)
}

// Entity is a node of the world graph. Entities are never physically
// deleted; retirement is expressed through status transitions.
type Entity struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Subtype     string     `json:"subtype,omitempty"`
	Status      string     `json:"status"`
	Prominence  Prominence `json:"prominence"`
	Tags        []string   `json:"tags,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedTick int        `json:"created_tick"`
	UpdatedTick int        `json:"updated_tick"`
}

// HasTag reports whether the entity carries the tag.
func (e *Entity) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag inserts the tag keeping the tag set sorted and unique.
func (e *Entity) AddTag(tag string) {
	if e.HasTag(tag) {
		return
	}
	e.Tags = append(e.Tags, tag)
	sort.Strings(e.Tags)
}

// RemoveTag drops the tag if present.
func (e *Entity) RemoveTag(tag string) {
	for i, t := range e.Tags {
		if t == tag {
			e.Tags = append(e.Tags[:i], e.Tags[i+1:]...)
			return
		}
	}
}

// Relationship is a directed, typed edge between two entities.
type Relationship struct {
	Kind     string            `json:"kind"`
	Source   string            `json:"source"`
	Dest     string            `json:"dest"`
	Strength float64           `json:"strength"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StructuralRequirement declares that entities of a kind and status must
// always retain at least one relationship of the given kind.
type StructuralRequirement struct {
	EntityKind       string `json:"entity_kind"`
	Status           string `json:"status"`
	RelationshipKind string `json:"relationship_kind"`
}

// DomainSchema is the read-only world vocabulary. It is constructed once
// from the schema document and injected into every component that would
// otherwise need entity- or relationship-kind literals.
type DomainSchema struct {
	EntityKinds       map[string][]string     `json:"entity_kinds"` // kind -> declared subtypes
	RelationshipKinds []string                `json:"relationship_kinds"`
	ProtectedKinds    []string                `json:"protected_kinds"`
	Requirements      []StructuralRequirement `json:"requirements,omitempty"`
	Cultures          []string                `json:"cultures,omitempty"`
}

// HasEntityKind reports whether the kind is declared.
func (s DomainSchema) HasEntityKind(kind string) bool {
	_, ok := s.EntityKinds[kind]
	return ok
}

// HasSubtype reports whether the subtype is declared for the kind. An
// empty subtype is always acceptable.
func (s DomainSchema) HasSubtype(kind, subtype string) bool {
	if subtype == "" {
		return true
	}
	for _, st := range s.EntityKinds[kind] {
		if st == subtype {
			return true
		}
	}
	return false
}

// HasRelationshipKind reports whether the relationship kind is declared.
func (s DomainSchema) HasRelationshipKind(kind string) bool {
	for _, k := range s.RelationshipKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IsProtected reports whether the relationship kind may never be culled.
func (s DomainSchema) IsProtected(kind string) bool {
	for _, k := range s.ProtectedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RequiredKinds returns the relationship kinds structurally required for
// an entity of the given kind and status.
func (s DomainSchema) RequiredKinds(entityKind, status string) []string {
	var kinds []string
	for _, req := range s.Requirements {
		if req.EntityKind == entityKind && req.Status == status {
			kinds = append(kinds, req.RelationshipKind)
		}
	}
	return kinds
}

// SortedEntityKinds returns the declared entity kinds in stable order.
func (s DomainSchema) SortedEntityKinds() []string {
	kinds := make([]string, 0, len(s.EntityKinds))
	for kind := range s.EntityKinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Produces declares what a rule can add to the graph. Selection weighting
// reads this metadata instead of inferring output kinds from rule names.
type Produces struct {
	EntityKinds       []string `json:"entity_kinds,omitempty"`
	RelationshipKinds []string `json:"relationship_kinds,omitempty"`
	FormsClusters     bool     `json:"forms_clusters,omitempty"`
	Disperses         bool     `json:"disperses,omitempty"`
}

// ProducesEntityKind reports whether the rule declares the entity kind.
func (p Produces) ProducesEntityKind(kind string) bool {
	for _, k := range p.EntityKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ProducesRelationshipKind reports whether the rule declares the
// relationship kind.
func (p Produces) ProducesRelationshipKind(kind string) bool {
	for _, k := range p.RelationshipKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// EventType categorizes entries of the append-only run history.
type EventType string

const (
	EventEntityCreated       EventType = "entity_created"
	EventRelationshipCreated EventType = "relationship_created"
	EventRelationshipRemoved EventType = "relationship_removed"
	EventStatusChanged       EventType = "status_changed"
	EventProminenceChanged   EventType = "prominence_changed"
	EventPressureClamped     EventType = "pressure_clamped"
	EventEraEntered          EventType = "era_entered"
)

// Event is one entry of the append-only run history.
type Event struct {
	Tick    int       `json:"tick"`
	Type    EventType `json:"type"`
	Subject string    `json:"subject,omitempty"`
	Object  string    `json:"object,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Snapshot is the final state of one engine run, handed to external
// persistence and visualization collaborators.
type Snapshot struct {
	VersionedRecord
	RunID         string             `json:"run_id"`
	Seed          int64              `json:"seed"`
	Epochs        int                `json:"epochs"`
	Ticks         int                `json:"ticks"`
	FinalEra      string             `json:"final_era,omitempty"`
	Entities      []Entity           `json:"entities"`
	Relationships []Relationship     `json:"relationships"`
	Pressures     map[string]float64 `json:"pressures,omitempty"`
	Events        []Event            `json:"events,omitempty"`
}

// ParamRef addresses one optimizable value as (rule id, parameter name).
// System-level parameters use the reserved rule id "system".
type ParamRef struct {
	RuleID string `json:"rule_id"`
	Name   string `json:"name"`
}

func (r ParamRef) String() string {
	return r.RuleID + "/" + r.Name
}

// ParseParamRef splits a "rule/name" key back into a ParamRef.
func ParseParamRef(key string) (ParamRef, error) {
	idx := strings.LastIndex(key, "/")
	if idx <= 0 || idx == len(key)-1 {
		return ParamRef{}, fmt.Errorf("malformed parameter key: %s", key)
	}
	return ParamRef{RuleID: key[:idx], Name: key[idx+1:]}, nil
}

// Genome is a flattened mapping from parameter references to values.
type Genome struct {
	VersionedRecord
	ID     string               `json:"id"`
	Values map[ParamRef]float64 `json:"-"`
}

// SortedRefs returns the genome's parameter references in stable order.
func (g Genome) SortedRefs() []ParamRef {
	refs := make([]ParamRef, 0, len(g.Values))
	for ref := range g.Values {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].RuleID != refs[j].RuleID {
			return refs[i].RuleID < refs[j].RuleID
		}
		return refs[i].Name < refs[j].Name
	})
	return refs
}

// Clone returns a deep copy of the genome.
func (g Genome) Clone() Genome {
	clone := g
	clone.Values = make(map[ParamRef]float64, len(g.Values))
	for ref, v := range g.Values {
		clone.Values[ref] = v
	}
	return clone
}

type genomeWire struct {
	VersionedRecord
	ID     string             `json:"id"`
	Values map[string]float64 `json:"values"`
}

func (g Genome) MarshalJSON() ([]byte, error) {
	wire := genomeWire{
		VersionedRecord: g.VersionedRecord,
		ID:              g.ID,
		Values:          make(map[string]float64, len(g.Values)),
	}
	for ref, v := range g.Values {
		wire.Values[ref.String()] = v
	}
	return json.Marshal(wire)
}

func (g *Genome) UnmarshalJSON(data []byte) error {
	var wire genomeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	g.VersionedRecord = wire.VersionedRecord
	g.ID = wire.ID
	g.Values = make(map[ParamRef]float64, len(wire.Values))
	for key, v := range wire.Values {
		ref, err := ParseParamRef(key)
		if err != nil {
			return err
		}
		g.Values[ref] = v
	}
	return nil
}

// FitnessBreakdown reports the per-component scores of one evaluation.
type FitnessBreakdown struct {
	Total         float64            `json:"total"`
	Components    map[string]float64 `json:"components"`
	ViolationRate float64            `json:"violation_rate"`
}

// GenerationDiagnostics summarizes one search generation.
type GenerationDiagnostics struct {
	Generation      int     `json:"generation"`
	BestFitness     float64 `json:"best_fitness"`
	MeanFitness     float64 `json:"mean_fitness"`
	MinFitness      float64 `json:"min_fitness"`
	GenomeDiversity int     `json:"genome_diversity"`
	Stagnant        bool    `json:"stagnant,omitempty"`
	Injected        int     `json:"injected,omitempty"`
}

// BestResult pairs the best genome found with its fitness breakdown.
type BestResult struct {
	VersionedRecord
	RunID     string           `json:"run_id"`
	Genome    Genome           `json:"genome"`
	Breakdown FitnessBreakdown `json:"breakdown"`
}
