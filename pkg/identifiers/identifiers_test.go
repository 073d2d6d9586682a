package identifiers

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtractor() *Extractor {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return New(config.DefaultCategories(), logger)
}

func TestExtractor_Classify(t *testing.T) {
	x := newTestExtractor()

	tests := []struct {
		entityType string
		expected   string
		ok         bool
	}{
		{entityType: "Compound", expected: "Compound", ok: true},
		{entityType: "drug", expected: "Compound", ok: true},
		{entityType: "PROTEIN", expected: "Target", ok: true},
		{entityType: "clinical_trial", expected: "Trial", ok: true},
		{entityType: "sponsor", expected: "Company", ok: true},
		{entityType: "publication", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.entityType, func(t *testing.T) {
			cat, ok := x.Classify(tt.entityType)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, cat.Name)
			}
		})
	}
}

func TestExtractor_Extract(t *testing.T) {
	x := newTestExtractor()
	cat, ok := x.Classify("compound")
	require.True(t, ok)

	raw := models.RawRecord{
		PrimaryID:  "chembl:CHEMBL25",
		EntityType: "compound",
		Identifiers: map[string]any{
			"inchikey":  "bsynrygfasatta-uhfffaoysa-n",
			"chembl_id": []any{"chembl25", "CHEMBL25"},
			"drugbank":  "not-a-drugbank-id",
			"pubchem":   float64(2244),
		},
		Properties: map[string]any{"name": "Aspirin"},
		Source:     "chembl",
	}

	record, invalid := x.Extract(context.Background(), cat, raw, models.RecordSource{Path: "chembl/compounds.jsonl", Index: 3})

	assert.Equal(t, models.Category("Compound"), record.Category)
	assert.Equal(t, []string{"Aspirin"}, record.Names)
	assert.Equal(t, "chembl", record.Provenance)
	require.Len(t, invalid, 1)

	keys := map[string]string{}
	for _, k := range record.Identifiers {
		keys[k.System] = k.Value
	}
	assert.Equal(t, "BSYNRYGFASATTA-UHFFFAOYSA-N", keys["inchikey"])
	assert.Equal(t, "CHEMBL25", keys["chembl"])
	assert.Equal(t, "2244", keys["pubchem_cid"])
	assert.NotEmpty(t, keys["name_hash"])
	assert.NotContains(t, keys, "drugbank")

	// duplicate chembl ids collapse to a single key
	count := 0
	for _, k := range record.Identifiers {
		if k.System == "chembl" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestExtractor_ExtractWithoutName(t *testing.T) {
	x := newTestExtractor()
	cat, _ := x.Classify("trial")

	raw := models.RawRecord{
		EntityType:  "trial",
		Identifiers: map[string]any{"nct_id": "nct01234567"},
	}
	record, invalid := x.Extract(context.Background(), cat, raw, models.RecordSource{})
	assert.Empty(t, invalid)
	assert.Equal(t, []models.IdentifierKey{{System: "nct", Value: "NCT01234567"}}, record.Identifiers)
}
