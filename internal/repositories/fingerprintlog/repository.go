package fingerprintlog

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "ingest_fingerprints"

// Repository persists the incremental ingest log
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new fingerprint log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get returns the last recorded fingerprint for a source path.
func (r *Repository) Get(ctx context.Context, path string) (*models.FileFingerprint, error) {
	ctx, span := tracing.StartSpan(ctx, "fingerprintlog.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("source_path", "fingerprint", "record_count", "processed_at")
	sb.From(table)
	sb.Where(sb.Equal("source_path", path))

	query, args := sb.Build()
	var fp models.FileFingerprint
	if err := database.Conn(ctx, r.db).GetContext(ctx, &fp, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no fingerprint for %s", path))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get file fingerprint")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get file fingerprint")
	}
	return &fp, nil
}

// Upsert records that a file was fully processed.
func (r *Repository) Upsert(ctx context.Context, fp *models.FileFingerprint) error {
	ctx, span := tracing.StartSpan(ctx, "fingerprintlog.Repository.Upsert")
	defer span.End()

	sb := database.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols("source_path", "fingerprint", "record_count", "processed_at")
	sb.Values(fp.SourcePath, fp.Fingerprint, fp.RecordCount, fp.ProcessedAt)

	query, args := sb.Build()
	query += database.OnConflictUpdate([]string{"source_path"}, "fingerprint", "record_count", "processed_at")

	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("path", fp.SourcePath).Error("Failed to record file fingerprint")
		return httperror.NewHTTPError(database.StatusCode(err), "failed to record file fingerprint")
	}
	return nil
}
