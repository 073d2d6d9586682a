package identifiermapping

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "identifier_mappings"

// lookupChunk caps the number of key pairs in one lookup query.
const lookupChunk = 200

var columns = []string{
	"category", "system", "value", "canonical_id", "evidence_level",
	"confidence", "source", "created_at", "updated_at",
}

// Repository handles identifier mapping persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new identifier mapping repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Lookup returns the mappings held for any of keys within category.
func (r *Repository) Lookup(ctx context.Context, category models.Category, keys []models.IdentifierKey) ([]models.IdentifierMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "identifiermapping.Repository.Lookup")
	defer span.End()

	var found []models.IdentifierMapping
	for start := 0; start < len(keys); start += lookupChunk {
		end := min(start+lookupChunk, len(keys))

		sb := database.NewSelectBuilder()
		sb.Select(columns...)
		sb.From(table)

		pairs := make([]string, 0, end-start)
		for _, key := range keys[start:end] {
			pairs = append(pairs, sb.And(sb.Equal("system", key.System), sb.Equal("value", key.Value)))
		}
		sb.Where(sb.Equal("category", category), sb.Or(pairs...))

		query, args := sb.Build()
		var batch []models.IdentifierMapping
		if err := database.Conn(ctx, r.db).SelectContext(ctx, &batch, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("category", category).Error("Failed to look up identifier mappings")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up identifier mappings")
		}
		found = append(found, batch...)
	}

	return found, nil
}

// ListByCanonical returns every identifier mapped to a canonical id.
func (r *Repository) ListByCanonical(ctx context.Context, category models.Category, canonicalID string) ([]models.IdentifierMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "identifiermapping.Repository.ListByCanonical")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("category", category), sb.Equal("canonical_id", canonicalID))
	sb.OrderBy("system", "value")

	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// ListByCategory returns every mapping of a category ordered by canonical id.
func (r *Repository) ListByCategory(ctx context.Context, category models.Category) ([]models.IdentifierMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "identifiermapping.Repository.ListByCategory")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("category", category))
	sb.OrderBy("canonical_id", "system", "value")

	query, args := sb.Build()
	return r.list(ctx, query, args)
}

func (r *Repository) list(ctx context.Context, query string, args []any) ([]models.IdentifierMapping, error) {
	var mappings []models.IdentifierMapping
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &mappings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifier mappings")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifier mappings")
	}
	return mappings, nil
}

// Upsert inserts a mapping or refreshes its evidence when it already points at
// the same canonical id. A key owned by another canonical id is a 409.
func (r *Repository) Upsert(ctx context.Context, mapping *models.IdentifierMapping) error {
	ctx, span := tracing.StartSpan(ctx, "identifiermapping.Repository.Upsert")
	defer span.End()

	sb := database.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols(columns...)
	sb.Values(mapping.Category, mapping.System, mapping.Value, mapping.CanonicalID, mapping.EvidenceLevel,
		mapping.Confidence, mapping.Source, mapping.CreatedAt, mapping.UpdatedAt)

	query, args := sb.Build()
	query += database.OnConflictUpdate([]string{"category", "system", "value"}, "evidence_level", "confidence", "source", "updated_at")
	query += " WHERE " + table + ".canonical_id = EXCLUDED.canonical_id"

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", mapping.Key().String()).Error("Failed to upsert identifier mapping")
		return httperror.NewHTTPError(database.StatusCode(err), "failed to upsert identifier mapping")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("identifier %s is mapped to another canonical entity", mapping.Key()))
	}
	return nil
}

// Repoint moves every mapping of one canonical id to another.
func (r *Repository) Repoint(ctx context.Context, category models.Category, fromID, toID string, at time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "identifiermapping.Repository.Repoint")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(sb.Assign("canonical_id", toID), sb.Assign("updated_at", at))
	sb.Where(sb.Equal("category", category), sb.Equal("canonical_id", fromID))

	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from": fromID,
			"to":   toID,
		}).Error("Failed to repoint identifier mappings")
		return 0, httperror.NewHTTPError(database.StatusCode(err), "failed to repoint identifier mappings")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
