// Package identifiers pulls recognized identifier fields out of raw records
// using the per-category field maps from configuration.
package identifiers

import (
	"context"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/extractor"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// Extractor classifies raw records and extracts their identifier keys.
type Extractor struct {
	categories []config.CategoryConfig
	paths      *extractor.Extractor
	logger     ectologger.Logger
	now        func() time.Time
}

// New creates an Extractor over the configured categories.
func New(categories []config.CategoryConfig, logger ectologger.Logger) *Extractor {
	return &Extractor{
		categories: categories,
		paths:      extractor.New(),
		logger:     logger,
		now:        time.Now,
	}
}

// Classify maps an entity_type to its category.
func (x *Extractor) Classify(entityType string) (*config.CategoryConfig, bool) {
	for i := range x.categories {
		if x.categories[i].Matches(entityType) {
			return &x.categories[i], true
		}
	}
	return nil, false
}

// Category returns a category by exact name.
func (x *Extractor) Category(name models.Category) (*config.CategoryConfig, bool) {
	for i := range x.categories {
		if x.categories[i].Name == string(name) {
			return &x.categories[i], true
		}
	}
	return nil, false
}

// Extract builds an EntityRecord for raw. Values that fail their system's
// normalizer are dropped and returned as errors so the caller can report
// them; they never abort the record.
func (x *Extractor) Extract(ctx context.Context, cat *config.CategoryConfig, raw models.RawRecord, src models.RecordSource) (*models.EntityRecord, []error) {
	doc := raw.AsMap()
	record := &models.EntityRecord{
		Category:   models.Category(cat.Name),
		PrimaryID:  raw.PrimaryID,
		Source:     src,
		Provenance: raw.Source,
		SeenAt:     x.now().UTC(),
		Raw:        raw,
	}

	for _, path := range cat.NameFields {
		names, err := x.paths.Strings(doc, path)
		if err != nil {
			continue
		}
		record.Names = append(record.Names, names...)
	}

	set := models.NewIdentifierSet()
	var invalid []error
	for _, sys := range cat.Systems {
		for _, value := range x.rawValues(doc, sys, record) {
			normalized, err := normalizers.Apply(value, sys.NormalizerName())
			if err != nil {
				x.logger.WithContext(ctx).WithFields(map[string]any{
					"category": cat.Name,
					"system":   sys.Name,
					"value":    value,
					"path":     src.Path,
				}).Warn("dropping invalid identifier")
				invalid = append(invalid, err)
				continue
			}
			set.Add(models.IdentifierKey{System: sys.Name, Value: normalized})
		}
	}
	record.Identifiers = set.Keys()

	return record, invalid
}

func (x *Extractor) rawValues(doc map[string]any, sys config.SystemConfig, record *models.EntityRecord) []string {
	if sys.Derived {
		if name := record.PrimaryName(); name != "" {
			return []string{name}
		}
		return nil
	}

	paths := sys.Fields
	fallback := "identifiers." + sys.Name
	if !slices.Contains(paths, fallback) {
		paths = append(append([]string{}, paths...), fallback)
	}

	var values []string
	for _, path := range paths {
		found, err := x.paths.Strings(doc, path)
		if err != nil {
			continue
		}
		values = append(values, found...)
	}
	return values
}
