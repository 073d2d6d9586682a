package canonicalmerge

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "canonical_merges"

// Repository persists the merge log
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new canonical merge repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create logs a merge. A loser can only be absorbed once; a second entry is a 409.
func (r *Repository) Create(ctx context.Context, merge *models.CanonicalMerge) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalmerge.Repository.Create")
	defer span.End()

	if merge.ID == "" {
		merge.ID = uuid.New().String()
	}

	sb := database.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols("id", "category", "winner_id", "loser_id", "trigger_key", "merged_at")
	sb.Values(merge.ID, merge.Category, merge.WinnerID, merge.LoserID, merge.TriggerKey, merge.MergedAt)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("canonical entity %s already merged", merge.LoserID))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to log canonical merge")
		return httperror.NewHTTPError(database.StatusCode(err), "failed to log canonical merge")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"category": merge.Category,
		"winner":   merge.WinnerID,
		"loser":    merge.LoserID,
	}).Debug("Logged canonical merge")
	return nil
}

// List returns the merge log of a category in merge order.
func (r *Repository) List(ctx context.Context, category models.Category) ([]models.CanonicalMerge, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalmerge.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "category", "winner_id", "loser_id", "trigger_key", "merged_at")
	sb.From(table)
	sb.Where(sb.Equal("category", category))
	sb.OrderBy("merged_at", "loser_id")

	query, args := sb.Build()
	var merges []models.CanonicalMerge
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &merges, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list canonical merges")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list canonical merges")
	}
	return merges, nil
}
