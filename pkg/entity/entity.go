// Package entity defines the unit of synchronized data and its
// content-addressed identity.
package entity

import "time"

// Definition is a registered entity type descriptor (e.g. "file", "message").
// Many entities share one definition; definitions are immutable once
// registered.
type Definition struct {
	ID          string
	Name        string
	Description string
}

// Breadcrumb is one ancestor reference in an entity's hierarchy trail.
type Breadcrumb struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Entity is one unit of synchronized data. Entities are immutable once
// created: a transform stage produces new entities rather than mutating its
// input.
type Entity struct {
	SourceName   string
	EntityID     string
	SyncID       string
	DefinitionID string
	Breadcrumbs  []Breadcrumb
	Payload      map[string]any

	// Hash is the content hash over the semantically meaningful payload
	// fields. Empty until ComputeHash is called on a terminal entity.
	Hash string

	// ObservedAt is when the source produced this entity. Volatile; never
	// part of the content hash.
	ObservedAt time.Time
}

// Derive returns a new entity of the given definition carrying the parent's
// identity context, with the parent appended to the breadcrumb trail.
// Used by 1-to-N transform stages (chunking, splitting).
func (e *Entity) Derive(definitionID, entityID string, payload map[string]any) *Entity {
	crumbs := make([]Breadcrumb, 0, len(e.Breadcrumbs)+1)
	crumbs = append(crumbs, e.Breadcrumbs...)
	crumbs = append(crumbs, Breadcrumb{EntityID: e.EntityID, Kind: e.DefinitionID})
	return &Entity{
		SourceName:   e.SourceName,
		EntityID:     entityID,
		SyncID:       e.SyncID,
		DefinitionID: definitionID,
		Breadcrumbs:  crumbs,
		Payload:      payload,
		ObservedAt:   e.ObservedAt,
	}
}

// WithPayload returns a copy of e carrying the given payload. Used by 1-to-1
// transform stages that annotate or reshape an entity in place.
func (e *Entity) WithPayload(payload map[string]any) *Entity {
	clone := *e
	clone.Payload = payload
	clone.Hash = ""
	return &clone
}
