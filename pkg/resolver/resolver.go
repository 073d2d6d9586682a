// Package resolver assigns every entity record to a canonical group, merging
// groups when a record proves they describe the same entity.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/mappingstore"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// maxBackoff caps the wait between conflicting attempts.
const maxBackoff = 2 * time.Second

// Enricher finds cross-references for an identifier. A clean miss is
// errors.ErrNotFound; a degraded lookup is an *errors.EnrichmentError.
type Enricher interface {
	Lookup(ctx context.Context, system, value string) ([]models.IdentifierKey, error)
}

// Outcome describes what resolving one record did.
type Outcome struct {
	State       models.ResolutionState
	CanonicalID string
	Created     bool
	Fallback    bool
	// Absorbed lists the canonical ids merged into CanonicalID
	Absorbed []string
	Attached int
	Enriched int
	Writes   int
	Attempts int
	// Err is a non-fatal enrichment failure observed while resolving
	Err error
}

// Resolver resolves records against a mapping store.
type Resolver struct {
	store      mappingstore.Store
	enricher   Enricher
	categories map[models.Category]*config.CategoryConfig
	cfg        config.ResolutionConfig
	logger     ectologger.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	locks map[models.Category]*sync.Mutex
}

// New creates a Resolver. A nil enricher disables enrichment.
func New(store mappingstore.Store, enricher Enricher, categories []config.CategoryConfig, cfg config.ResolutionConfig, logger ectologger.Logger) *Resolver {
	cats := make(map[models.Category]*config.CategoryConfig, len(categories))
	for i := range categories {
		cats[models.Category(categories[i].Name)] = &categories[i]
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Resolver{
		store:      store,
		enricher:   enricher,
		categories: cats,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
		locks:      map[models.Category]*sync.Mutex{},
	}
}

func (r *Resolver) lock(category models.Category) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[category]
	if !ok {
		l = &sync.Mutex{}
		r.locks[category] = l
	}
	return l
}

// Resolve assigns record to a canonical group. Records of one category are
// resolved one at a time. The only error returned is fatal: a store that kept
// conflicting or failing, or a cancelled context.
func (r *Resolver) Resolve(ctx context.Context, record *models.EntityRecord) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Resolve")
	defer span.End()

	cat, ok := r.categories[record.Category]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", record.Category)
	}

	l := r.lock(record.Category)
	l.Lock()
	defer l.Unlock()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"category":   record.Category,
		"primary_id": record.PrimaryID,
		"source":     record.Source.Path,
	})

	if len(record.Identifiers) == 0 {
		log.Debug("record has no identifiers")
		return &Outcome{State: models.ResolutionUnresolved}, nil
	}

	p := &planner{r: r, cat: cat, record: record}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		outcome, plan, err := p.plan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &fernerrors.StoreWriteError{Op: "plan", Attempts: attempt, Err: err}
		}
		outcome.Attempts = attempt

		if plan.IsEmpty() {
			return outcome, nil
		}

		err = r.store.Apply(ctx, plan)
		if err == nil {
			outcome.Writes = plan.Writes()
			log.WithFields(map[string]any{
				"canonical_id": outcome.CanonicalID,
				"created":      outcome.Created,
				"absorbed":     len(outcome.Absorbed),
				"attached":     outcome.Attached,
			}).Debug("record resolved")
			return outcome, nil
		}
		if !fernerrors.IsConflict(err) {
			return nil, &fernerrors.StoreWriteError{Op: "apply", Attempts: attempt, Err: err}
		}

		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Debug("store conflict, replanning")
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return nil, err
		}
	}

	log.WithError(lastErr).Error("store conflicts exhausted")
	return nil, &fernerrors.StoreWriteError{Op: "apply", Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

// Current resolves any canonical id, including absorbed ones, to the active
// representative of its group.
func (r *Resolver) Current(ctx context.Context, category models.Category, canonicalID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Current")
	defer span.End()

	return r.store.Resolve(ctx, category, canonicalID)
}

func (r *Resolver) backoff(attempt int) time.Duration {
	base := r.cfg.RetryBaseDelay
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isDegraded reports whether err is an enrichment failure rather than a miss.
func isDegraded(err error) bool {
	if err == nil {
		return false
	}
	return fernerrors.IsEnrichmentFailure(err) || !errors.Is(err, fernerrors.ErrNotFound)
}
