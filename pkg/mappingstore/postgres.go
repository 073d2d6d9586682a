package mappingstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/canonicalentity"
	"github.com/Ramsey-B/fern/internal/repositories/canonicalmerge"
	"github.com/Ramsey-B/fern/internal/repositories/fingerprintlog"
	"github.com/Ramsey-B/fern/internal/repositories/identifiermapping"
	"github.com/Ramsey-B/fern/internal/repositories/mergeedge"
	"github.com/Ramsey-B/fern/pkg/database"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// maxChain bounds pointer walks so a corrupted cycle cannot hang a run.
const maxChain = 1024

// PostgresStore implements Store over the mapping tables.
type PostgresStore struct {
	db       database.DB
	entities *canonicalentity.Repository
	mappings *identifiermapping.Repository
	edges    *mergeedge.Repository
	merges   *canonicalmerge.Repository
	prints   *fingerprintlog.Repository
	logger   ectologger.Logger
	now      func() time.Time
}

// NewPostgresStore wires the repositories over db.
func NewPostgresStore(db database.DB, logger ectologger.Logger) *PostgresStore {
	return &PostgresStore{
		db:       db,
		entities: canonicalentity.NewRepository(db, logger),
		mappings: identifiermapping.NewRepository(db, logger),
		edges:    mergeedge.NewRepository(db, logger),
		merges:   canonicalmerge.NewRepository(db, logger),
		prints:   fingerprintlog.NewRepository(db, logger),
		logger:   logger,
		now:      time.Now,
	}
}

func (s *PostgresStore) Lookup(ctx context.Context, category models.Category, keys []models.IdentifierKey) (map[models.IdentifierKey]models.IdentifierMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.Lookup")
	defer span.End()

	found := make(map[models.IdentifierKey]models.IdentifierMapping, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	mappings, err := s.mappings.Lookup(ctx, category, keys)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		found[m.Key()] = m
	}
	return found, nil
}

func (s *PostgresStore) Get(ctx context.Context, category models.Category, canonicalID string) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.Get")
	defer span.End()

	entity, err := s.entities.Get(ctx, category, canonicalID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
		}
		return nil, err
	}
	return entity, nil
}

func (s *PostgresStore) Identifiers(ctx context.Context, category models.Category, canonicalID string) ([]models.IdentifierMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.Identifiers")
	defer span.End()

	return s.mappings.ListByCanonical(ctx, category, canonicalID)
}

func (s *PostgresStore) Resolve(ctx context.Context, category models.Category, canonicalID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.Resolve")
	defer span.End()

	var walked []string
	current := canonicalID
	for range maxChain {
		entity, err := s.Get(ctx, category, current)
		if err != nil {
			return "", err
		}
		if entity.IsActive() || entity.RepresentativeID == current {
			break
		}
		walked = append(walked, current)
		current = entity.RepresentativeID
	}

	// the first hop already points at the root
	if len(walked) > 1 {
		if err := s.entities.Repoint(ctx, category, walked, current); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("canonical_id", canonicalID).Warn("path compression failed")
		}
	}
	return current, nil
}

func (s *PostgresStore) Apply(ctx context.Context, plan *Plan) error {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.Apply")
	defer span.End()

	if plan.IsEmpty() {
		return nil
	}

	cat := plan.Category
	err := database.WithTx(ctx, s.db, sql.LevelReadCommitted, func(ctx context.Context) error {
		now := s.now().UTC()

		for i := range plan.Created {
			if err := s.entities.Create(ctx, &plan.Created[i]); err != nil {
				return conflict(cat, "create", err)
			}
		}

		for _, a := range plan.Absorbed {
			if err := s.absorb(ctx, cat, a, now); err != nil {
				return err
			}
		}

		for i := range plan.Updated {
			if err := s.entities.Update(ctx, &plan.Updated[i]); err != nil {
				return conflict(cat, "update", err)
			}
		}

		for i := range plan.Mappings {
			if err := s.mappings.Upsert(ctx, &plan.Mappings[i]); err != nil {
				return conflict(cat, "map", err)
			}
		}

		for i := range plan.Edges {
			if err := s.edges.Upsert(ctx, &plan.Edges[i]); err != nil {
				return conflict(cat, "edge", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"category": cat,
			"writes":   plan.Writes(),
		}).Debug("plan rolled back")
		if database.IsRetryable(err) {
			return &fernerrors.ConflictError{Category: string(cat), Op: "commit", Err: err}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) absorb(ctx context.Context, cat models.Category, a Absorption, now time.Time) error {
	if err := s.entities.Absorb(ctx, cat, a.LoserID, a.WinnerID, a.LoserVersion, now); err != nil {
		return conflict(cat, "absorb", err)
	}
	if _, err := s.mappings.Repoint(ctx, cat, a.LoserID, a.WinnerID, now); err != nil {
		return conflict(cat, "absorb", err)
	}
	if _, err := s.edges.Repoint(ctx, cat, a.LoserID, a.WinnerID, now); err != nil {
		return conflict(cat, "absorb", err)
	}
	if err := s.edges.Upsert(ctx, &models.MergeEdge{
		Category:      cat,
		VariantID:     a.LoserID,
		CanonicalID:   a.WinnerID,
		Confidence:    a.WinnerConfidence,
		EvidenceLevel: models.EvidenceAbsorbed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return conflict(cat, "absorb", err)
	}
	return conflict(cat, "absorb", s.merges.Create(ctx, &models.CanonicalMerge{
		Category:   cat,
		WinnerID:   a.WinnerID,
		LoserID:    a.LoserID,
		TriggerKey: a.TriggerKey,
		MergedAt:   now,
	}))
}

func (s *PostgresStore) MergeEdges(ctx context.Context, category models.Category, since time.Time) ([]models.MergeEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.MergeEdges")
	defer span.End()

	return s.edges.List(ctx, category, since)
}

func (s *PostgresStore) Entries(ctx context.Context, category models.Category) ([]models.MappingEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.Entries")
	defer span.End()

	mappings, err := s.mappings.ListByCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	return pivot(category, mappings), nil
}

func (s *PostgresStore) Merges(ctx context.Context, category models.Category) ([]models.CanonicalMerge, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.Merges")
	defer span.End()

	return s.merges.List(ctx, category)
}

func (s *PostgresStore) Entities(ctx context.Context, category models.Category) ([]models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingstore.PostgresStore.Entities")
	defer span.End()

	return s.entities.List(ctx, category)
}

func (s *PostgresStore) Fingerprints() FingerprintLog {
	return &postgresFingerprints{repo: s.prints}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type postgresFingerprints struct {
	repo *fingerprintlog.Repository
}

func (f *postgresFingerprints) Seen(ctx context.Context, path, fingerprint string) (bool, error) {
	fp, err := f.repo.Get(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return fp.Fingerprint == fingerprint, nil
}

func (f *postgresFingerprints) Record(ctx context.Context, fp models.FileFingerprint) error {
	return f.repo.Upsert(ctx, &fp)
}
