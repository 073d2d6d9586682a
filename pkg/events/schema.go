package events

// EventType defines the type of event
type EventType string

const (
	// Canonical events
	EventTypeCanonicalCreated EventType = "canonical.created"
	EventTypeCanonicalMerged  EventType = "canonical.merged"

	// Relationship events
	EventTypeRelationshipInferred EventType = "relationship.inferred"
)
