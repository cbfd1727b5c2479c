// Package graph holds the mutable entity/relationship store for one
// simulation run. A World is owned by a single engine run and is never
// shared across goroutines.
package graph

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"worldloom/internal/model"
)

var (
	ErrMissingEndpoint      = errors.New("relationship endpoint does not exist")
	ErrDuplicateEntity      = errors.New("entity id already exists")
	ErrUnknownEntity        = errors.New("entity does not exist")
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrProtectedKind        = errors.New("relationship kind is protected")
	ErrStructuralViolation  = errors.New("removal would strip a required relationship")
)

// World is the entity/relationship store. Entities are mutated only
// through rule effects and never physically deleted; relationships can
// be removed subject to protection and structural requirements.
type World struct {
	schema          model.DomainSchema
	defaultStrength float64

	entities map[string]*model.Entity
	order    []string // insertion order, for deterministic iteration

	rels     []*model.Relationship
	bySource map[string][]*model.Relationship
	byDest   map[string][]*model.Relationship

	events []model.Event
}

// New creates an empty world bound to the domain schema. Relationships
// created without an explicit strength receive defaultStrength.
func New(schema model.DomainSchema, defaultStrength float64) *World {
	if defaultStrength <= 0 || defaultStrength > 1 {
		defaultStrength = 0.5
	}
	return &World{
		schema:          schema,
		defaultStrength: defaultStrength,
		entities:        make(map[string]*model.Entity),
		bySource:        make(map[string][]*model.Relationship),
		byDest:          make(map[string][]*model.Relationship),
	}
}

// Schema returns the injected domain schema.
func (w *World) Schema() model.DomainSchema {
	return w.schema
}

// DefaultStrength returns the configured relationship strength midpoint.
func (w *World) DefaultStrength() float64 {
	return w.defaultStrength
}

// AddEntity inserts the entity, assigning an id when absent.
func (w *World) AddEntity(e model.Entity, tick int) (*model.Entity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, exists := w.entities[e.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEntity, e.ID)
	}
	e.CreatedTick = tick
	e.UpdatedTick = tick
	stored := e
	w.entities[stored.ID] = &stored
	w.order = append(w.order, stored.ID)
	w.record(model.Event{
		Tick:    tick,
		Type:    model.EventEntityCreated,
		Subject: stored.ID,
		Detail:  stored.Kind,
	})
	return &stored, nil
}

// AddRelationship inserts a typed edge. Both endpoints must exist. A
// non-positive strength takes the configured default midpoint.
func (w *World) AddRelationship(rel model.Relationship, tick int) (*model.Relationship, error) {
	if _, ok := w.entities[rel.Source]; !ok {
		return nil, fmt.Errorf("%w: source %s", ErrMissingEndpoint, rel.Source)
	}
	if _, ok := w.entities[rel.Dest]; !ok {
		return nil, fmt.Errorf("%w: dest %s", ErrMissingEndpoint, rel.Dest)
	}
	if rel.Strength <= 0 {
		rel.Strength = w.defaultStrength
	}
	if rel.Strength > 1 {
		rel.Strength = 1
	}
	stored := rel
	w.rels = append(w.rels, &stored)
	w.bySource[stored.Source] = append(w.bySource[stored.Source], &stored)
	w.byDest[stored.Dest] = append(w.byDest[stored.Dest], &stored)
	w.record(model.Event{
		Tick:    tick,
		Type:    model.EventRelationshipCreated,
		Subject: stored.Source,
		Object:  stored.Dest,
		Detail:  stored.Kind,
	})
	return &stored, nil
}

// RemoveRelationship drops the edge. Protected kinds are never removable
// and removal never strips the last structurally required relationship
// from an entity whose kind and status demand one.
func (w *World) RemoveRelationship(rel *model.Relationship, tick int) error {
	if w.schema.IsProtected(rel.Kind) {
		return fmt.Errorf("%w: %s", ErrProtectedKind, rel.Kind)
	}
	if err := w.checkStructural(rel); err != nil {
		return err
	}
	idx := -1
	for i, candidate := range w.rels {
		if candidate == rel {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrRelationshipNotFound
	}
	w.rels = append(w.rels[:idx], w.rels[idx+1:]...)
	w.bySource[rel.Source] = removeRel(w.bySource[rel.Source], rel)
	w.byDest[rel.Dest] = removeRel(w.byDest[rel.Dest], rel)
	w.record(model.Event{
		Tick:    tick,
		Type:    model.EventRelationshipRemoved,
		Subject: rel.Source,
		Object:  rel.Dest,
		Detail:  rel.Kind,
	})
	return nil
}

// checkStructural rejects removal when either endpoint would lose its
// last relationship of a kind required for that endpoint's status.
func (w *World) checkStructural(rel *model.Relationship) error {
	for _, id := range [2]string{rel.Source, rel.Dest} {
		entity := w.entities[id]
		if entity == nil {
			continue
		}
		for _, required := range w.schema.RequiredKinds(entity.Kind, entity.Status) {
			if required != rel.Kind {
				continue
			}
			if w.countKindAt(id, rel.Kind) <= 1 {
				return fmt.Errorf("%w: %s requires %s", ErrStructuralViolation, id, rel.Kind)
			}
		}
	}
	return nil
}

func (w *World) countKindAt(id, kind string) int {
	count := 0
	for _, rel := range w.bySource[id] {
		if rel.Kind == kind {
			count++
		}
	}
	for _, rel := range w.byDest[id] {
		if rel.Kind == kind {
			count++
		}
	}
	return count
}

func removeRel(rels []*model.Relationship, target *model.Relationship) []*model.Relationship {
	for i, rel := range rels {
		if rel == target {
			return append(rels[:i], rels[i+1:]...)
		}
	}
	return rels
}

// Entity returns the entity by id.
func (w *World) Entity(id string) (*model.Entity, bool) {
	e, ok := w.entities[id]
	return e, ok
}

// EntityCount returns the number of entities in the world.
func (w *World) EntityCount() int {
	return len(w.entities)
}

// RelationshipCount returns the number of relationships in the world.
func (w *World) RelationshipCount() int {
	return len(w.rels)
}

// ForEachEntity visits entities in insertion order.
func (w *World) ForEachEntity(fn func(*model.Entity)) {
	for _, id := range w.order {
		fn(w.entities[id])
	}
}

// EntitiesByKind returns entities of the kind, optionally restricted to
// a subtype, in insertion order.
func (w *World) EntitiesByKind(kind, subtype string) []*model.Entity {
	var out []*model.Entity
	for _, id := range w.order {
		e := w.entities[id]
		if e.Kind != kind {
			continue
		}
		if subtype != "" && e.Subtype != subtype {
			continue
		}
		out = append(out, e)
	}
	return out
}

// EntitiesByStatus returns entities with the status, in insertion order.
func (w *World) EntitiesByStatus(status string) []*model.Entity {
	var out []*model.Entity
	for _, id := range w.order {
		if w.entities[id].Status == status {
			out = append(out, w.entities[id])
		}
	}
	return out
}

// CountByKind counts entities of the kind, optionally by subtype.
func (w *World) CountByKind(kind, subtype string) int {
	count := 0
	for _, id := range w.order {
		e := w.entities[id]
		if e.Kind != kind {
			continue
		}
		if subtype != "" && e.Subtype != subtype {
			continue
		}
		count++
	}
	return count
}

// Relationships returns all relationships in insertion order. The
// returned slice must not be mutated.
func (w *World) Relationships() []*model.Relationship {
	return w.rels
}

// RelationshipsAt returns every relationship touching the entity.
func (w *World) RelationshipsAt(id string) []*model.Relationship {
	out := make([]*model.Relationship, 0, len(w.bySource[id])+len(w.byDest[id]))
	out = append(out, w.bySource[id]...)
	out = append(out, w.byDest[id]...)
	return out
}

// RelationshipsBetween returns relationships connecting the two entities
// in either direction.
func (w *World) RelationshipsBetween(a, b string) []*model.Relationship {
	var out []*model.Relationship
	for _, rel := range w.bySource[a] {
		if rel.Dest == b {
			out = append(out, rel)
		}
	}
	for _, rel := range w.bySource[b] {
		if rel.Dest == a {
			out = append(out, rel)
		}
	}
	return out
}

// Neighbors returns the ids of entities directly connected to id, in
// edge insertion order, without duplicates.
func (w *World) Neighbors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rel := range w.bySource[id] {
		if !seen[rel.Dest] {
			seen[rel.Dest] = true
			out = append(out, rel.Dest)
		}
	}
	for _, rel := range w.byDest[id] {
		if !seen[rel.Source] {
			seen[rel.Source] = true
			out = append(out, rel.Source)
		}
	}
	return out
}

// Degree returns the number of relationships touching the entity.
func (w *World) Degree(id string) int {
	return len(w.bySource[id]) + len(w.byDest[id])
}

// Touch stamps the entity as updated at the tick.
func (w *World) Touch(id string, tick int) {
	if e, ok := w.entities[id]; ok {
		e.UpdatedTick = tick
	}
}

// SetStatus transitions the entity status and records the event.
func (w *World) SetStatus(id, status string, tick int) error {
	e, ok := w.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if e.Status == status {
		return nil
	}
	prev := e.Status
	e.Status = status
	e.UpdatedTick = tick
	w.record(model.Event{
		Tick:    tick,
		Type:    model.EventStatusChanged,
		Subject: id,
		Detail:  prev + "->" + status,
	})
	return nil
}

// ShiftProminence moves the entity prominence by delta ordinal steps,
// clamped to the declared range.
func (w *World) ShiftProminence(id string, delta int, tick int) error {
	e, ok := w.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	next := (e.Prominence + model.Prominence(delta)).Clamp()
	if next == e.Prominence {
		return nil
	}
	prev := e.Prominence
	e.Prominence = next
	e.UpdatedTick = tick
	w.record(model.Event{
		Tick:    tick,
		Type:    model.EventProminenceChanged,
		Subject: id,
		Detail:  prev.String() + "->" + next.String(),
	})
	return nil
}

// RecordEvent appends an arbitrary event to the run history.
func (w *World) RecordEvent(event model.Event) {
	w.record(event)
}

func (w *World) record(event model.Event) {
	w.events = append(w.events, event)
}

// Events returns the append-only run history.
func (w *World) Events() []model.Event {
	return w.events
}

// Export copies the world into a snapshot value.
func (w *World) Export() ([]model.Entity, []model.Relationship, []model.Event) {
	entities := make([]model.Entity, 0, len(w.order))
	for _, id := range w.order {
		entities = append(entities, *w.entities[id])
	}
	rels := make([]model.Relationship, 0, len(w.rels))
	for _, rel := range w.rels {
		rels = append(rels, *rel)
	}
	events := make([]model.Event, len(w.events))
	copy(events, w.events)
	return entities, rels, events
}
