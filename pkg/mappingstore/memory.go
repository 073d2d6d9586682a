package mappingstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

type memoryCategory struct {
	entities map[string]models.CanonicalEntity
	mappings map[models.IdentifierKey]models.IdentifierMapping
	edges    map[string]models.MergeEdge
	merges   []models.CanonicalMerge
	// reverse indexes from canonical id
	members map[string]map[models.IdentifierKey]struct{}
	targets map[string]map[string]struct{}
}

func newMemoryCategory() *memoryCategory {
	return &memoryCategory{
		entities: map[string]models.CanonicalEntity{},
		mappings: map[models.IdentifierKey]models.IdentifierMapping{},
		edges:    map[string]models.MergeEdge{},
		members:  map[string]map[models.IdentifierKey]struct{}{},
		targets:  map[string]map[string]struct{}{},
	}
}

// MemoryStore implements Store in process. Apply is atomic: a failing plan is
// undone before the lock is released.
type MemoryStore struct {
	mu           sync.RWMutex
	categories   map[models.Category]*memoryCategory
	fingerprints map[string]models.FileFingerprint
	now          func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		categories:   map[models.Category]*memoryCategory{},
		fingerprints: map[string]models.FileFingerprint{},
		now:          time.Now,
	}
}

func (s *MemoryStore) category(cat models.Category) *memoryCategory {
	c, ok := s.categories[cat]
	if !ok {
		c = newMemoryCategory()
		s.categories[cat] = c
	}
	return c
}

func (s *MemoryStore) Lookup(_ context.Context, category models.Category, keys []models.IdentifierKey) (map[models.IdentifierKey]models.IdentifierMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[models.IdentifierKey]models.IdentifierMapping, len(keys))
	c, ok := s.categories[category]
	if !ok {
		return found, nil
	}
	for _, key := range keys {
		if m, ok := c.mappings[key]; ok {
			found[key] = m
		}
	}
	return found, nil
}

func (s *MemoryStore) Get(_ context.Context, category models.Category, canonicalID string) (*models.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}
	entity, ok := c.entities[canonicalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}
	return &entity, nil
}

func (s *MemoryStore) Identifiers(_ context.Context, category models.Category, canonicalID string) ([]models.IdentifierMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[category]
	if !ok {
		return nil, nil
	}
	out := make([]models.IdentifierMapping, 0, len(c.members[canonicalID]))
	for key := range c.members[canonicalID] {
		out = append(out, c.mappings[key])
	}
	sortMappings(out)
	return out, nil
}

func (s *MemoryStore) Resolve(_ context.Context, category models.Category, canonicalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.categories[category]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}

	var walked []string
	current := canonicalID
	for range maxChain {
		entity, ok := c.entities[current]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, current)
		}
		if entity.IsActive() || entity.RepresentativeID == current {
			break
		}
		walked = append(walked, current)
		current = entity.RepresentativeID
	}

	for _, id := range walked {
		entity := c.entities[id]
		entity.RepresentativeID = current
		c.entities[id] = entity
	}
	return current, nil
}

func (s *MemoryStore) Apply(_ context.Context, plan *Plan) error {
	if plan.IsEmpty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{c: s.category(plan.Category), cat: plan.Category, now: s.now().UTC()}
	if err := tx.apply(plan); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) MergeEdges(_ context.Context, category models.Category, since time.Time) ([]models.MergeEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[category]
	if !ok {
		return nil, nil
	}
	out := make([]models.MergeEdge, 0, len(c.edges))
	for _, e := range c.edges {
		if !since.IsZero() && e.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CanonicalID != out[j].CanonicalID {
			return out[i].CanonicalID < out[j].CanonicalID
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out, nil
}

func (s *MemoryStore) Entries(_ context.Context, category models.Category) ([]models.MappingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[category]
	if !ok {
		return nil, nil
	}
	mappings := make([]models.IdentifierMapping, 0, len(c.mappings))
	for _, m := range c.mappings {
		mappings = append(mappings, m)
	}
	sortMappings(mappings)
	return pivot(category, mappings), nil
}

func (s *MemoryStore) Merges(_ context.Context, category models.Category) ([]models.CanonicalMerge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[category]
	if !ok {
		return nil, nil
	}
	return append([]models.CanonicalMerge(nil), c.merges...), nil
}

func (s *MemoryStore) Entities(_ context.Context, category models.Category) ([]models.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[category]
	if !ok {
		return nil, nil
	}
	out := make([]models.CanonicalEntity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out, nil
}

func (s *MemoryStore) Fingerprints() FingerprintLog {
	return memoryFingerprints{s: s}
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryFingerprints struct {
	s *MemoryStore
}

func (f memoryFingerprints) Seen(_ context.Context, path, fingerprint string) (bool, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	fp, ok := f.s.fingerprints[path]
	return ok && fp.Fingerprint == fingerprint, nil
}

func (f memoryFingerprints) Record(_ context.Context, fp models.FileFingerprint) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	f.s.fingerprints[fp.SourcePath] = fp
	return nil
}

// memoryTx mutates a category and journals the inverse of every change.
type memoryTx struct {
	c    *memoryCategory
	cat  models.Category
	now  time.Time
	undo []func()
}

func (tx *memoryTx) conflict(op, format string, args ...any) error {
	return &fernerrors.ConflictError{Category: string(tx.cat), Op: op, Err: fmt.Errorf(format, args...)}
}

func (tx *memoryTx) apply(plan *Plan) error {
	for _, e := range plan.Created {
		if _, exists := tx.c.entities[e.CanonicalID]; exists {
			return tx.conflict("create", "canonical entity %s already exists", e.CanonicalID)
		}
		if e.Version == 0 {
			e.Version = 1
		}
		tx.putEntity(e)
	}

	for _, a := range plan.Absorbed {
		if err := tx.absorb(a); err != nil {
			return err
		}
	}

	for _, e := range plan.Updated {
		current, ok := tx.c.entities[e.CanonicalID]
		if !ok || !current.IsActive() || current.Version != e.Version {
			return tx.conflict("update", "canonical entity %s changed concurrently", e.CanonicalID)
		}
		current.Confidence = e.Confidence
		current.EvidenceLevel = e.EvidenceLevel
		current.Name = e.Name
		current.LastUpdated = e.LastUpdated
		current.Version++
		tx.putEntity(current)
	}

	for _, m := range plan.Mappings {
		if _, ok := tx.c.entities[m.CanonicalID]; !ok {
			return tx.conflict("map", "canonical entity %s does not exist", m.CanonicalID)
		}
		existing, ok := tx.c.mappings[m.Key()]
		if ok && existing.CanonicalID != m.CanonicalID {
			return tx.conflict("map", "identifier %s is mapped to another canonical entity", m.Key())
		}
		if ok {
			m.CreatedAt = existing.CreatedAt
		}
		tx.putMapping(m)
	}

	for _, e := range plan.Edges {
		if _, ok := tx.c.entities[e.CanonicalID]; !ok {
			return tx.conflict("edge", "canonical entity %s does not exist", e.CanonicalID)
		}
		if existing, ok := tx.c.edges[e.VariantID]; ok {
			e.CreatedAt = existing.CreatedAt
		}
		tx.putEdge(e)
	}
	return nil
}

func (tx *memoryTx) absorb(a Absorption) error {
	loser, ok := tx.c.entities[a.LoserID]
	if !ok || !loser.IsActive() || loser.Version != a.LoserVersion {
		return tx.conflict("absorb", "canonical entity %s changed concurrently", a.LoserID)
	}
	if _, ok := tx.c.entities[a.WinnerID]; !ok {
		return tx.conflict("absorb", "canonical entity %s does not exist", a.WinnerID)
	}
	for _, m := range tx.c.merges {
		if m.LoserID == a.LoserID {
			return tx.conflict("absorb", "canonical entity %s already merged", a.LoserID)
		}
	}

	at := tx.now
	loser.Status = models.EntityStatusMerged
	loser.RepresentativeID = a.WinnerID
	loser.AbsorbedAt = &at
	loser.LastUpdated = at
	loser.Version++
	tx.putEntity(loser)

	for _, key := range keysOf(tx.c.members[a.LoserID]) {
		m := tx.c.mappings[key]
		m.CanonicalID = a.WinnerID
		m.UpdatedAt = at
		tx.putMapping(m)
	}
	for _, variant := range keysOf(tx.c.targets[a.LoserID]) {
		e := tx.c.edges[variant]
		e.CanonicalID = a.WinnerID
		e.UpdatedAt = at
		tx.putEdge(e)
	}

	edge := models.MergeEdge{
		Category:      tx.cat,
		VariantID:     a.LoserID,
		CanonicalID:   a.WinnerID,
		Confidence:    a.WinnerConfidence,
		EvidenceLevel: models.EvidenceAbsorbed,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	if existing, ok := tx.c.edges[a.LoserID]; ok {
		edge.CreatedAt = existing.CreatedAt
	}
	tx.putEdge(edge)

	n := len(tx.c.merges)
	tx.c.merges = append(tx.c.merges, models.CanonicalMerge{
		ID:         uuid.New().String(),
		Category:   tx.cat,
		WinnerID:   a.WinnerID,
		LoserID:    a.LoserID,
		TriggerKey: a.TriggerKey,
		MergedAt:   at,
	})
	tx.undo = append(tx.undo, func() { tx.c.merges = tx.c.merges[:n] })
	return nil
}

func (tx *memoryTx) putEntity(e models.CanonicalEntity) {
	prev, existed := tx.c.entities[e.CanonicalID]
	tx.c.entities[e.CanonicalID] = e
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.c.entities[e.CanonicalID] = prev
		} else {
			delete(tx.c.entities, e.CanonicalID)
		}
	})
}

func (tx *memoryTx) putMapping(m models.IdentifierMapping) {
	key := m.Key()
	prev, existed := tx.c.mappings[key]
	if existed {
		unindex(tx.c.members, prev.CanonicalID, key)
	}
	tx.c.mappings[key] = m
	index(tx.c.members, m.CanonicalID, key)

	tx.undo = append(tx.undo, func() {
		unindex(tx.c.members, m.CanonicalID, key)
		if existed {
			tx.c.mappings[key] = prev
			index(tx.c.members, prev.CanonicalID, key)
		} else {
			delete(tx.c.mappings, key)
		}
	})
}

func (tx *memoryTx) putEdge(e models.MergeEdge) {
	prev, existed := tx.c.edges[e.VariantID]
	if existed {
		unindex(tx.c.targets, prev.CanonicalID, e.VariantID)
	}
	tx.c.edges[e.VariantID] = e
	index(tx.c.targets, e.CanonicalID, e.VariantID)

	tx.undo = append(tx.undo, func() {
		unindex(tx.c.targets, e.CanonicalID, e.VariantID)
		if existed {
			tx.c.edges[e.VariantID] = prev
			index(tx.c.targets, prev.CanonicalID, e.VariantID)
		} else {
			delete(tx.c.edges, e.VariantID)
		}
	})
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func index[K comparable](idx map[string]map[K]struct{}, id string, key K) {
	set, ok := idx[id]
	if !ok {
		set = map[K]struct{}{}
		idx[id] = set
	}
	set[key] = struct{}{}
}

func unindex[K comparable](idx map[string]map[K]struct{}, id string, key K) {
	delete(idx[id], key)
	if len(idx[id]) == 0 {
		delete(idx, id)
	}
}

func keysOf[K comparable](set map[K]struct{}) []K {
	keys := make([]K, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func sortMappings(mappings []models.IdentifierMapping) {
	sort.Slice(mappings, func(i, j int) bool {
		a, b := mappings[i], mappings[j]
		if a.CanonicalID != b.CanonicalID {
			return a.CanonicalID < b.CanonicalID
		}
		if a.System != b.System {
			return a.System < b.System
		}
		return a.Value < b.Value
	})
}
