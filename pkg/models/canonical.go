package models

import "time"

// EntityStatus is the lifecycle state of a canonical group.
type EntityStatus string

const (
	// EntityStatusActive marks a group that is its own representative
	EntityStatusActive EntityStatus = "active"
	// EntityStatusMerged marks a group absorbed into another representative
	EntityStatusMerged EntityStatus = "merged"
)

// EvidenceLevel is the coarse confidence tier attached to a mapping or merge edge.
type EvidenceLevel string

const (
	// EvidenceExact is a direct identifier match from a source record
	EvidenceExact EvidenceLevel = "exact"
	// EvidenceEnriched is a cross-reference discovered through an enrichment service
	EvidenceEnriched EvidenceLevel = "enriched"
	// EvidenceAbsorbed links a merged group to its winner
	EvidenceAbsorbed EvidenceLevel = "absorbed"
	// EvidenceFallback is a deterministic hash assignment with no corroborating identifier
	EvidenceFallback EvidenceLevel = "fallback"
)

// Rank orders evidence tiers from strongest (0) to weakest.
func (e EvidenceLevel) Rank() int {
	switch e {
	case EvidenceExact:
		return 0
	case EvidenceEnriched:
		return 1
	case EvidenceAbsorbed:
		return 2
	default:
		return 3
	}
}

// FallbackConfidence is the confidence assigned to fallback canonical ids.
const FallbackConfidence = 0.5

// EnrichedConfidenceFactor scales a system weight for enriched identifiers.
const EnrichedConfidenceFactor = 0.9

// CanonicalEntity is the stable representation of one real world entity.
// RepresentativeID equals CanonicalID while the group is active; once merged it
// points at the group that absorbed it.
type CanonicalEntity struct {
	CanonicalID      string          `json:"canonical_id" db:"canonical_id"`
	Category         Category        `json:"category" db:"category"`
	RepresentativeID string          `json:"representative_id" db:"representative_id"`
	Status           EntityStatus    `json:"status" db:"status"`
	Confidence       float64         `json:"confidence" db:"confidence"`
	EvidenceLevel    EvidenceLevel   `json:"evidence_level" db:"evidence_level"`
	Name             *string         `json:"name,omitempty" db:"name"`
	Version          int             `json:"version" db:"version"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	LastUpdated      time.Time       `json:"last_updated" db:"last_updated"`
	AbsorbedAt       *time.Time      `json:"absorbed_at,omitempty" db:"absorbed_at"`
	Identifiers      []IdentifierKey `json:"identifiers,omitempty" db:"-"`
}

// IsActive reports whether the entity is its own representative.
func (e *CanonicalEntity) IsActive() bool {
	return e.Status == EntityStatusActive
}

// IdentifierMapping is one persisted identifier assignment.
type IdentifierMapping struct {
	Category      Category      `json:"category" db:"category"`
	System        string        `json:"system" db:"system"`
	Value         string        `json:"value" db:"value"`
	CanonicalID   string        `json:"canonical_id" db:"canonical_id"`
	EvidenceLevel EvidenceLevel `json:"evidence_level" db:"evidence_level"`
	Confidence    float64       `json:"confidence" db:"confidence"`
	Source        *string       `json:"source,omitempty" db:"source"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Key returns the identifier key of the mapping.
func (m IdentifierMapping) Key() IdentifierKey {
	return IdentifierKey{System: m.System, Value: m.Value}
}

// MappingEntry is the per canonical id view of the mapping table, one slot per
// identifier system.
type MappingEntry struct {
	CanonicalID string              `json:"canonical_id"`
	Category    Category            `json:"category"`
	Systems     map[string][]string `json:"systems"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// MergeEdge records that a variant (identifier or absorbed canonical id) belongs
// to a canonical representative. Always directed variant to canonical.
type MergeEdge struct {
	Category      Category      `json:"category" db:"category"`
	VariantID     string        `json:"variant_id" db:"variant_id"`
	CanonicalID   string        `json:"canonical_id" db:"canonical_id"`
	Confidence    float64       `json:"confidence" db:"confidence"`
	EvidenceLevel EvidenceLevel `json:"evidence_level" db:"evidence_level"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// CanonicalMerge is the audit entry written whenever one group absorbs another.
type CanonicalMerge struct {
	ID         string    `json:"id" db:"id"`
	Category   Category  `json:"category" db:"category"`
	WinnerID   string    `json:"winner_id" db:"winner_id"`
	LoserID    string    `json:"loser_id" db:"loser_id"`
	TriggerKey string    `json:"trigger_key" db:"trigger_key"`
	MergedAt   time.Time `json:"merged_at" db:"merged_at"`
}

// FileFingerprint is the incremental log entry for one source file.
type FileFingerprint struct {
	SourcePath  string    `json:"source_path" db:"source_path"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	RecordCount int       `json:"record_count" db:"record_count"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}

// ResolutionState is the per record state machine.
type ResolutionState string

const (
	ResolutionUnseen     ResolutionState = "unseen"
	ResolutionResolving  ResolutionState = "resolving"
	ResolutionCanonical  ResolutionState = "canonical"
	ResolutionUnresolved ResolutionState = "unresolved"
)
