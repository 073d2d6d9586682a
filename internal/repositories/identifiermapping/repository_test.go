package identifiermapping

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

// execDB answers every statement with err, or with rows affected.
type execDB struct {
	database.DB
	err  error
	rows int64
}

func (d *execDB) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	if d.err != nil {
		return nil, d.err
	}
	return driver.RowsAffected(d.rows), nil
}

func TestRepository_WriteErrors(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	mapping := &models.IdentifierMapping{
		Category:      "Compound",
		System:        "chembl",
		Value:         "CHEMBL25",
		CanonicalID:   "compound:a",
		EvidenceLevel: models.EvidenceExact,
		Confidence:    1,
	}

	tests := []struct {
		name   string
		db     *execDB
		status int
	}{
		{name: "deadlock", db: &execDB{err: &pq.Error{Code: "40P01"}}, status: http.StatusConflict},
		{name: "serialization failure", db: &execDB{err: &pq.Error{Code: "40001"}}, status: http.StatusConflict},
		{name: "unique violation", db: &execDB{err: &pq.Error{Code: "23505"}}, status: http.StatusConflict},
		{name: "not null violation", db: &execDB{err: &pq.Error{Code: "23502"}}, status: http.StatusInternalServerError},
		{name: "connection lost", db: &execDB{err: errors.New("connection reset")}, status: http.StatusInternalServerError},
		{name: "owned by another canonical id", db: &execDB{rows: 0}, status: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewRepository(tt.db, logger)

			err := repo.Upsert(context.Background(), mapping)
			require.Error(t, err)
			require.True(t, httperror.IsHTTPError(err))
			assert.Equal(t, tt.status, httperror.GetStatusCode(err))
			assert.Equal(t, tt.status == http.StatusConflict, fernerrors.IsConflict(err))
		})
	}

	t.Run("repoint deadlock is a conflict", func(t *testing.T) {
		repo := NewRepository(&execDB{err: &pq.Error{Code: "40P01"}}, logger)
		_, err := repo.Repoint(context.Background(), "Compound", "compound:a", "compound:b", time.Now())
		assert.True(t, fernerrors.IsConflict(err))
	})

	t.Run("upsert succeeds", func(t *testing.T) {
		repo := NewRepository(&execDB{rows: 1}, logger)
		assert.NoError(t, repo.Upsert(context.Background(), mapping))
	})
}
