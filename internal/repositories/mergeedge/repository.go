package mergeedge

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "merge_edges"

var columns = []string{
	"category", "variant_id", "canonical_id", "confidence",
	"evidence_level", "created_at", "updated_at",
}

// Repository handles merge edge persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge edge repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes an edge, replacing the target of an existing variant.
func (r *Repository) Upsert(ctx context.Context, edge *models.MergeEdge) error {
	ctx, span := tracing.StartSpan(ctx, "mergeedge.Repository.Upsert")
	defer span.End()

	sb := database.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols(columns...)
	sb.Values(edge.Category, edge.VariantID, edge.CanonicalID, edge.Confidence,
		edge.EvidenceLevel, edge.CreatedAt, edge.UpdatedAt)

	query, args := sb.Build()
	query += database.OnConflictUpdate([]string{"category", "variant_id"}, "canonical_id", "confidence", "evidence_level", "updated_at")

	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("variant_id", edge.VariantID).Error("Failed to upsert merge edge")
		return httperror.NewHTTPError(database.StatusCode(err), "failed to upsert merge edge")
	}
	return nil
}

// Repoint moves every edge targeting one canonical id to another.
func (r *Repository) Repoint(ctx context.Context, category models.Category, fromID, toID string, at time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeedge.Repository.Repoint")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(sb.Assign("canonical_id", toID), sb.Assign("updated_at", at))
	sb.Where(sb.Equal("category", category), sb.Equal("canonical_id", fromID))

	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint merge edges")
		return 0, httperror.NewHTTPError(database.StatusCode(err), "failed to repoint merge edges")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// List returns the edges of a category changed at or after since. A zero
// since returns every edge.
func (r *Repository) List(ctx context.Context, category models.Category, since time.Time) ([]models.MergeEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeedge.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("category", category))
	if !since.IsZero() {
		sb.Where(sb.GreaterEqualThan("updated_at", since))
	}
	sb.OrderBy("canonical_id", "variant_id")

	query, args := sb.Build()
	var edges []models.MergeEdge
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &edges, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge edges")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge edges")
	}
	return edges, nil
}
