package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/mappingstore"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

type evidence struct {
	level      models.EvidenceLevel
	confidence float64
}

// planner computes the writes for one record. Enrichment results are kept
// across attempts so a conflict does not repeat network calls.
type planner struct {
	r      *Resolver
	cat    *config.CategoryConfig
	record *models.EntityRecord

	enriched  bool
	extra     []models.IdentifierKey
	enrichErr error
}

func (p *planner) weight(system string) float64 {
	if sys, ok := p.cat.System(system); ok {
		return sys.Weight
	}
	return models.FallbackConfidence
}

func (p *planner) plan(ctx context.Context) (*Outcome, *mappingstore.Plan, error) {
	category := p.record.Category
	store := p.r.store
	outcome := &Outcome{State: models.ResolutionCanonical}

	keys := ranked(p.cat, p.record.Identifiers)
	tiers := make(map[models.IdentifierKey]evidence, len(keys))
	for _, k := range keys {
		tiers[k] = evidence{level: models.EvidenceExact, confidence: p.weight(k.System)}
	}

	found, err := store.Lookup(ctx, category, keys)
	if err != nil {
		return nil, nil, err
	}

	if len(found) == 0 && p.r.enricher != nil {
		if !p.enriched {
			p.extra, p.enrichErr = p.enrich(ctx, keys)
			p.enriched = true
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
		}
		if len(p.extra) > 0 {
			for _, k := range p.extra {
				tiers[k] = evidence{level: models.EvidenceEnriched, confidence: models.EnrichedConfidenceFactor * p.weight(k.System)}
			}
			keys = ranked(p.cat, append(keys, p.extra...))
			outcome.Enriched = len(p.extra)

			if found, err = store.Lookup(ctx, category, keys); err != nil {
				return nil, nil, err
			}
		}
	}

	// distinct current groups in the priority order of the key that found them
	var groups []string
	trigger := map[string]models.IdentifierKey{}
	for _, k := range keys {
		m, ok := found[k]
		if !ok {
			continue
		}
		id, err := store.Resolve(ctx, category, m.CanonicalID)
		if err != nil {
			return nil, nil, err
		}
		if _, seen := trigger[id]; !seen {
			trigger[id] = k
			groups = append(groups, id)
		}
	}

	now := p.r.now().UTC()
	plan := &mappingstore.Plan{Category: category}

	if len(groups) == 0 {
		if isDegraded(p.enrichErr) {
			outcome.Err = p.enrichErr
			if p.r.cfg.NoFallback {
				outcome.State = models.ResolutionUnresolved
				return outcome, plan, nil
			}
			outcome.Fallback = true
			for _, k := range keys {
				tiers[k] = evidence{level: models.EvidenceFallback, confidence: models.FallbackConfidence}
			}
		}

		id := CanonicalID(category, keys[0])
		if outcome.Fallback {
			id = FallbackID(category, keys)
		}

		existing, err := store.Get(ctx, category, id)
		switch {
		case err == nil:
			// the derived id already names a group; join it instead of recreating
			current, err := store.Resolve(ctx, category, existing.CanonicalID)
			if err != nil {
				return nil, nil, err
			}
			groups = append(groups, current)
		case errors.Is(err, mappingstore.ErrNotFound):
			return p.create(outcome, plan, id, keys, tiers, now)
		default:
			return nil, nil, err
		}
	}

	entities := make([]*models.CanonicalEntity, 0, len(groups))
	for _, id := range groups {
		e, err := store.Get(ctx, category, id)
		if err != nil {
			return nil, nil, err
		}
		entities = append(entities, e)
	}

	target := entities[0]
	var best models.IdentifierKey
	changed := false
	if len(entities) > 1 {
		winner, losers, err := p.merge(ctx, entities)
		if err != nil {
			return nil, nil, err
		}
		target, best = winner.entity, winner.best

		confidence := target.Confidence
		for _, l := range losers {
			confidence = max(confidence, l.entity.Confidence)
		}
		for _, l := range losers {
			plan.Absorbed = append(plan.Absorbed, mappingstore.Absorption{
				LoserID:          l.entity.CanonicalID,
				WinnerID:         target.CanonicalID,
				LoserVersion:     l.entity.Version,
				WinnerConfidence: confidence,
				TriggerKey:       trigger[l.entity.CanonicalID].String(),
			})
			outcome.Absorbed = append(outcome.Absorbed, l.entity.CanonicalID)
		}
		target.Confidence = confidence
		changed = true
	}

	// a record that adds nothing to its group keeps the evidence already stored
	if len(entities) == 1 && len(p.extra) == 0 && len(found) == len(keys) {
		for _, k := range keys {
			m := found[k]
			tiers[k] = evidence{level: m.EvidenceLevel, confidence: m.Confidence}
		}
	}

	updated := *target
	for _, k := range keys {
		tier := tiers[k]
		existing, ok := found[k]
		if ok && existing.EvidenceLevel.Rank() <= tier.level.Rank() {
			continue
		}

		mapping := p.mapping(k, updated.CanonicalID, tier, now)
		if ok {
			mapping.CreatedAt = existing.CreatedAt
		} else {
			outcome.Attached++
		}
		plan.Mappings = append(plan.Mappings, mapping)
		plan.Edges = append(plan.Edges, edge(category, k, updated.CanonicalID, tier, now))

		if tier.confidence > updated.Confidence {
			updated.Confidence = tier.confidence
		}
		if tier.level.Rank() < updated.EvidenceLevel.Rank() {
			updated.EvidenceLevel = tier.level
		}
		changed = true
	}

	if updated.Name == nil {
		if name := p.record.PrimaryName(); name != "" {
			updated.Name = &name
			changed = true
		}
	}

	if outcome.Attached > 0 || len(entities) > 1 {
		if best, err = p.groupBest(ctx, target, best, keys); err != nil {
			return nil, nil, err
		}
		rekeyed, err := p.rekey(ctx, plan, outcome, target, updated, best, now)
		if err != nil {
			return nil, nil, err
		}
		if rekeyed {
			return outcome, plan, nil
		}
	}

	if changed {
		updated.LastUpdated = now
		plan.Updated = append(plan.Updated, updated)
	}

	outcome.CanonicalID = updated.CanonicalID
	return outcome, plan, nil
}

// groupBest returns the highest priority identifier the group holds once the
// record is attached. best is the group's own best key when already known.
func (p *planner) groupBest(ctx context.Context, target *models.CanonicalEntity, best models.IdentifierKey, keys []models.IdentifierKey) (models.IdentifierKey, error) {
	if best.IsZero() {
		mappings, err := p.r.store.Identifiers(ctx, p.record.Category, target.CanonicalID)
		if err != nil {
			return best, err
		}
		for _, m := range mappings {
			if best.IsZero() || less(p.cat, m.Key(), best) {
				best = m.Key()
			}
		}
	}
	for _, k := range keys {
		if best.IsZero() || less(p.cat, k, best) {
			best = k
		}
	}
	return best, nil
}

// rekey moves the group under the id derived from its best identifier, so the
// final id does not depend on which record arrived first. The old id is
// absorbed into the new one.
func (p *planner) rekey(ctx context.Context, plan *mappingstore.Plan, outcome *Outcome, target *models.CanonicalEntity, updated models.CanonicalEntity, best models.IdentifierKey, now time.Time) (bool, error) {
	id := CanonicalID(p.record.Category, best)
	if id == target.CanonicalID {
		return false, nil
	}

	_, err := p.r.store.Get(ctx, p.record.Category, id)
	switch {
	case err == nil:
		p.r.logger.WithContext(ctx).WithFields(map[string]any{
			"canonical_id": target.CanonicalID,
			"derived_id":   id,
		}).Debug("derived id already taken, keeping current id")
		return false, nil
	case !errors.Is(err, mappingstore.ErrNotFound):
		return false, err
	}

	entity := updated
	entity.CanonicalID = id
	entity.RepresentativeID = id
	entity.Status = models.EntityStatusActive
	entity.AbsorbedAt = nil
	entity.Version = 1
	entity.LastUpdated = now
	plan.Created = append(plan.Created, entity)

	for i := range plan.Absorbed {
		plan.Absorbed[i].WinnerID = id
	}
	plan.Absorbed = append(plan.Absorbed, mappingstore.Absorption{
		LoserID:          target.CanonicalID,
		WinnerID:         id,
		LoserVersion:     target.Version,
		WinnerConfidence: entity.Confidence,
		TriggerKey:       best.String(),
	})
	for i := range plan.Mappings {
		plan.Mappings[i].CanonicalID = id
	}
	for i := range plan.Edges {
		plan.Edges[i].CanonicalID = id
	}

	outcome.Absorbed = append(outcome.Absorbed, target.CanonicalID)
	outcome.CanonicalID = id
	return true, nil
}

func (p *planner) create(outcome *Outcome, plan *mappingstore.Plan, id string, keys []models.IdentifierKey, tiers map[models.IdentifierKey]evidence, now time.Time) (*Outcome, *mappingstore.Plan, error) {
	best := tiers[keys[0]]
	entity := models.CanonicalEntity{
		CanonicalID:      id,
		Category:         p.record.Category,
		RepresentativeID: id,
		Status:           models.EntityStatusActive,
		Confidence:       best.confidence,
		EvidenceLevel:    best.level,
		Version:          1,
		CreatedAt:        now,
		LastUpdated:      now,
	}
	if name := p.record.PrimaryName(); name != "" {
		entity.Name = &name
	}
	plan.Created = append(plan.Created, entity)

	for _, k := range keys {
		tier := tiers[k]
		plan.Mappings = append(plan.Mappings, p.mapping(k, id, tier, now))
		plan.Edges = append(plan.Edges, edge(p.record.Category, k, id, tier, now))
	}

	outcome.CanonicalID = id
	outcome.Created = true
	outcome.Attached = len(keys)
	return outcome, plan, nil
}

// merge picks the winning group by the best identifier each group holds.
func (p *planner) merge(ctx context.Context, entities []*models.CanonicalEntity) (candidate, []candidate, error) {
	groups := make([]candidate, 0, len(entities))
	for _, e := range entities {
		mappings, err := p.r.store.Identifiers(ctx, p.record.Category, e.CanonicalID)
		if err != nil {
			return candidate{}, nil, err
		}
		c := candidate{entity: e}
		for _, m := range mappings {
			if c.best.IsZero() || less(p.cat, m.Key(), c.best) {
				c.best = m.Key()
			}
		}
		groups = append(groups, c)
	}

	winner, losers := pickWinner(p.cat, groups)
	return winner, losers, nil
}

// enrich queries every non-derived identifier and returns the new keys that
// are valid for the category. The error is the first degraded lookup, and is
// only reported when nothing was found.
func (p *planner) enrich(ctx context.Context, keys []models.IdentifierKey) ([]models.IdentifierKey, error) {
	have := models.NewIdentifierSet(keys...)
	var extra []models.IdentifierKey
	var firstErr error

	for _, k := range keys {
		if sys, ok := p.cat.System(k.System); !ok || sys.Derived {
			continue
		}

		refs, err := p.r.enricher.Lookup(ctx, k.System, k.Value)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isDegraded(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, ref := range refs {
			sys, ok := p.cat.System(ref.System)
			if !ok || sys.Derived {
				continue
			}
			value, err := normalizers.Apply(ref.Value, sys.NormalizerName())
			if err != nil {
				p.r.logger.WithContext(ctx).WithError(err).Debug("ignoring invalid enriched identifier")
				continue
			}
			key := models.IdentifierKey{System: sys.Name, Value: value}
			if have.Add(key) {
				extra = append(extra, key)
			}
		}
	}

	if len(extra) > 0 {
		return extra, nil
	}
	return nil, firstErr
}

func (p *planner) mapping(k models.IdentifierKey, canonicalID string, tier evidence, now time.Time) models.IdentifierMapping {
	m := models.IdentifierMapping{
		Category:      p.record.Category,
		System:        k.System,
		Value:         k.Value,
		CanonicalID:   canonicalID,
		EvidenceLevel: tier.level,
		Confidence:    tier.confidence,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.record.Provenance != "" {
		source := p.record.Provenance
		m.Source = &source
	}
	return m
}

func edge(category models.Category, k models.IdentifierKey, canonicalID string, tier evidence, now time.Time) models.MergeEdge {
	return models.MergeEdge{
		Category:      category,
		VariantID:     k.String(),
		CanonicalID:   canonicalID,
		Confidence:    tier.confidence,
		EvidenceLevel: tier.level,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
