package models

import "time"

// Category names an entity category (Compound, Target, Disease, ...).
type Category string

// RecordSource locates a record inside the source tree.
type RecordSource struct {
	Path  string `json:"path"`
	Index int    `json:"index"`
}

// RawRecord is the intermediate record shape written by upstream extractors.
type RawRecord struct {
	PrimaryID        string         `json:"primary_id"`
	EntityType       string         `json:"entity_type"`
	Identifiers      map[string]any `json:"identifiers"`
	Properties       map[string]any `json:"properties"`
	Source           string         `json:"source,omitempty"`
	RelationshipType string         `json:"relationship_type,omitempty"`
}

// AsMap exposes the record as a generic document for path extraction.
func (r RawRecord) AsMap() map[string]any {
	return map[string]any{
		"primary_id":  r.PrimaryID,
		"entity_type": r.EntityType,
		"identifiers": r.Identifiers,
		"properties":  r.Properties,
		"source":      r.Source,
	}
}

// EntityRecord is a classified record with its extracted identifiers.
// It is immutable once read and discarded after resolution.
type EntityRecord struct {
	Category    Category        `json:"category"`
	PrimaryID   string          `json:"primary_id"`
	Identifiers []IdentifierKey `json:"identifiers"`
	Names       []string        `json:"names,omitempty"`
	Source      RecordSource    `json:"source"`
	Provenance  string          `json:"provenance,omitempty"`
	SeenAt      time.Time       `json:"seen_at"`
	Raw         RawRecord       `json:"-"`
}

// PrimaryName returns the first name carried by the record.
func (r *EntityRecord) PrimaryName() string {
	if len(r.Names) == 0 {
		return ""
	}
	return r.Names[0]
}
