package canonicalentity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "canonical_entities"

var columns = []string{
	"category", "canonical_id", "representative_id", "status", "confidence",
	"evidence_level", "name", "version", "created_at", "last_updated", "absorbed_at",
}

// Repository handles canonical entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new canonical entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new active canonical entity. An existing id is a 409.
func (r *Repository) Create(ctx context.Context, entity *models.CanonicalEntity) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Create")
	defer span.End()

	if entity.Version == 0 {
		entity.Version = 1
	}

	sb := database.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols(columns...)
	sb.Values(entity.Category, entity.CanonicalID, entity.RepresentativeID, entity.Status, entity.Confidence,
		entity.EvidenceLevel, entity.Name, entity.Version, entity.CreatedAt, entity.LastUpdated, entity.AbsorbedAt)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("canonical entity %s already exists", entity.CanonicalID))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create canonical entity")
		return httperror.NewHTTPError(database.StatusCode(err), "failed to create canonical entity")
	}

	return nil
}

// Get retrieves a canonical entity by id regardless of status
func (r *Repository) Get(ctx context.Context, category models.Category, id string) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("category", category),
		sb.Equal("canonical_id", id),
	)

	query, args := sb.Build()
	var entity models.CanonicalEntity
	if err := database.Conn(ctx, r.db).GetContext(ctx, &entity, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("canonical entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get canonical entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get canonical entity")
	}

	return &entity, nil
}

// Update writes confidence, evidence and name of an active entity when its
// version still matches. A stale version is a 409.
func (r *Repository) Update(ctx context.Context, entity *models.CanonicalEntity) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Update")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("confidence", entity.Confidence),
		sb.Assign("evidence_level", entity.EvidenceLevel),
		sb.Assign("name", entity.Name),
		sb.Assign("last_updated", entity.LastUpdated),
		sb.Add("version", 1),
	)
	sb.Where(
		sb.Equal("category", entity.Category),
		sb.Equal("canonical_id", entity.CanonicalID),
		sb.Equal("version", entity.Version),
		sb.Equal("status", models.EntityStatusActive),
	)

	if err := r.execVersioned(ctx, sb, entity.CanonicalID, "update"); err != nil {
		return err
	}
	entity.Version++
	return nil
}

// Absorb marks loser as merged into winner.
func (r *Repository) Absorb(ctx context.Context, category models.Category, loserID, winnerID string, version int, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Absorb")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("status", models.EntityStatusMerged),
		sb.Assign("representative_id", winnerID),
		sb.Assign("absorbed_at", at),
		sb.Assign("last_updated", at),
		sb.Add("version", 1),
	)
	sb.Where(
		sb.Equal("category", category),
		sb.Equal("canonical_id", loserID),
		sb.Equal("version", version),
		sb.Equal("status", models.EntityStatusActive),
	)

	return r.execVersioned(ctx, sb, loserID, "absorb")
}

// Repoint sets the representative of merged entities, compressing their
// pointer chains. Active entities are never touched.
func (r *Repository) Repoint(ctx context.Context, category models.Category, ids []string, representativeID string) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.Repoint")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	sb := database.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(sb.Assign("representative_id", representativeID))
	sb.Where(
		sb.Equal("category", category),
		sb.In("canonical_id", sqlbuilder.List(ids)),
		sb.Equal("status", models.EntityStatusMerged),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint canonical entities")
		return httperror.NewHTTPError(database.StatusCode(err), "failed to repoint canonical entities")
	}
	return nil
}

// List returns every entity of a category ordered by id.
func (r *Repository) List(ctx context.Context, category models.Category) ([]models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalentity.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("category", category))
	sb.OrderBy("canonical_id")

	query, args := sb.Build()
	var entities []models.CanonicalEntity
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list canonical entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list canonical entities")
	}
	return entities, nil
}

func (r *Repository) execVersioned(ctx context.Context, sb *sqlbuilder.UpdateBuilder, id, op string) error {
	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("canonical_id", id).Errorf("Failed to %s canonical entity", op)
		return httperror.NewHTTPError(database.StatusCode(err), fmt.Sprintf("failed to %s canonical entity", op))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("canonical entity %s changed concurrently", id))
	}
	return nil
}
