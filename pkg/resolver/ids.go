package resolver

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

// namespace seeds every canonical id so ids are stable across runs and hosts.
var namespace = uuid.MustParse("5b7a3c1e-8f0d-5e2a-9c4b-6d1f0a2e7b93")

// CanonicalID derives the id of a new group from its best identifier.
func CanonicalID(category models.Category, best models.IdentifierKey) string {
	name := string(category) + "|" + best.String()
	return prefix(category) + uuid.NewSHA1(namespace, []byte(name)).String()
}

// FallbackID derives the id of a group that has no corroborating identifier.
func FallbackID(category models.Category, keys []models.IdentifierKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	sort.Strings(parts)
	name := "fallback|" + string(category) + "|" + strings.Join(parts, ",")
	return prefix(category) + uuid.NewSHA1(namespace, []byte(name)).String()
}

func prefix(category models.Category) string {
	return strings.ToLower(string(category)) + ":"
}

// ranked orders keys by the category's priority chain, then by value.
func ranked(cat *config.CategoryConfig, keys []models.IdentifierKey) []models.IdentifierKey {
	out := append([]models.IdentifierKey(nil), keys...)
	sort.SliceStable(out, func(i, j int) bool {
		return less(cat, out[i], out[j])
	})
	return out
}

func less(cat *config.CategoryConfig, a, b models.IdentifierKey) bool {
	ra, rb := cat.Rank(a.System), cat.Rank(b.System)
	if ra != rb {
		return ra < rb
	}
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.System < b.System
}

// candidate is an existing group competing in a merge.
type candidate struct {
	entity *models.CanonicalEntity
	best   models.IdentifierKey
}

// pickWinner returns the group whose best identifier ranks lowest, breaking
// ties by identifier value and then canonical id.
func pickWinner(cat *config.CategoryConfig, groups []candidate) (candidate, []candidate) {
	sorted := append([]candidate(nil), groups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.best.IsZero() != b.best.IsZero() {
			return !a.best.IsZero()
		}
		if a.best != b.best {
			return less(cat, a.best, b.best)
		}
		return a.entity.CanonicalID < b.entity.CanonicalID
	})
	return sorted[0], sorted[1:]
}
