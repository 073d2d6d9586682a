// Package mappingstore persists canonical groups, identifier mappings, merge
// edges and the merge log. Two implementations share one contract: Postgres
// for production runs and an in-memory store for tests and database-free runs.
package mappingstore

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"

	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrNotFound is returned by Get for an unknown canonical id.
var ErrNotFound = errors.New("canonical entity not found")

// Store is the durable identity space.
type Store interface {
	// Lookup returns the mappings held for any of keys. Mappings always point at
	// active canonical ids.
	Lookup(ctx context.Context, category models.Category, keys []models.IdentifierKey) (map[models.IdentifierKey]models.IdentifierMapping, error)
	Get(ctx context.Context, category models.Category, canonicalID string) (*models.CanonicalEntity, error)
	Identifiers(ctx context.Context, category models.Category, canonicalID string) ([]models.IdentifierMapping, error)
	// Resolve follows representative pointers to the active canonical id and
	// compresses the path it walked.
	Resolve(ctx context.Context, category models.Category, canonicalID string) (string, error)
	// Apply commits a plan atomically. Writes that race with another writer
	// fail with a *errors.ConflictError and leave the store untouched.
	Apply(ctx context.Context, plan *Plan) error
	MergeEdges(ctx context.Context, category models.Category, since time.Time) ([]models.MergeEdge, error)
	Entries(ctx context.Context, category models.Category) ([]models.MappingEntry, error)
	Merges(ctx context.Context, category models.Category) ([]models.CanonicalMerge, error)
	// Entities lists every canonical entity of a category, active or merged.
	Entities(ctx context.Context, category models.Category) ([]models.CanonicalEntity, error)
	Fingerprints() FingerprintLog
	Close() error
}

// FingerprintLog is the incremental ingest log.
type FingerprintLog interface {
	Seen(ctx context.Context, path, fingerprint string) (bool, error)
	Record(ctx context.Context, fp models.FileFingerprint) error
}

// Absorption folds one active group into another.
type Absorption struct {
	LoserID  string
	WinnerID string
	// LoserVersion is the version the planner read; a newer one is a conflict
	LoserVersion int
	// WinnerConfidence becomes the confidence of the loser -> winner edge
	WinnerConfidence float64
	TriggerKey       string
}

// Plan is every write produced by resolving one record. Apply executes, in
// order: creates, absorptions, updates, mapping upserts, edge upserts.
type Plan struct {
	Category models.Category
	Created  []models.CanonicalEntity
	Absorbed []Absorption
	// Updated entities carry the version the planner read
	Updated  []models.CanonicalEntity
	Mappings []models.IdentifierMapping
	Edges    []models.MergeEdge
}

// IsEmpty reports whether the plan would write nothing.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Created)+len(p.Absorbed)+len(p.Updated)+len(p.Mappings)+len(p.Edges) == 0
}

// Writes counts the rows the plan touches directly.
func (p *Plan) Writes() int {
	if p == nil {
		return 0
	}
	return len(p.Created) + len(p.Absorbed) + len(p.Updated) + len(p.Mappings) + len(p.Edges)
}

// pivot groups mappings, already ordered by canonical id, into entries.
func pivot(category models.Category, mappings []models.IdentifierMapping) []models.MappingEntry {
	var entries []models.MappingEntry
	for _, m := range mappings {
		if len(entries) == 0 || entries[len(entries)-1].CanonicalID != m.CanonicalID {
			entries = append(entries, models.MappingEntry{
				CanonicalID: m.CanonicalID,
				Category:    category,
				Systems:     map[string][]string{},
				CreatedAt:   m.CreatedAt,
				UpdatedAt:   m.UpdatedAt,
			})
		}
		entry := &entries[len(entries)-1]
		entry.Systems[m.System] = append(entry.Systems[m.System], m.Value)
		if m.CreatedAt.Before(entry.CreatedAt) {
			entry.CreatedAt = m.CreatedAt
		}
		if m.UpdatedAt.After(entry.UpdatedAt) {
			entry.UpdatedAt = m.UpdatedAt
		}
	}
	return entries
}

// conflict converts a repository 409 into a ConflictError.
func conflict(category models.Category, op string, err error) error {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusConflict {
		return &fernerrors.ConflictError{Category: string(category), Op: op, Err: err}
	}
	return err
}

func isNotFound(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}
