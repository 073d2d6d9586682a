package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/enrichment"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphmock"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/mappingstore"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/report"
)

var testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type recordingPublisher struct {
	canonical     []*kafka.CanonicalEvent
	relationships []*kafka.RelationshipEvent
}

func (p *recordingPublisher) PublishCanonicalEvents(_ context.Context, evs []*kafka.CanonicalEvent) error {
	p.canonical = append(p.canonical, evs...)
	return nil
}

func (p *recordingPublisher) PublishRelationshipEvents(_ context.Context, evs []*kafka.RelationshipEvent) error {
	p.relationships = append(p.relationships, evs...)
	return nil
}

// conflictStore loses every write race.
type conflictStore struct {
	*mappingstore.MemoryStore
}

func (s *conflictStore) Apply(_ context.Context, plan *mappingstore.Plan) error {
	return &fernerrors.ConflictError{Category: string(plan.Category), Op: "apply"}
}

func testConfig() *config.Config {
	return &config.Config{
		AppName:    "fern",
		Categories: config.DefaultCategories(),
		Resolution: config.ResolutionConfig{
			Store:          "memory",
			MaxAttempts:    2,
			PrefetchWindow: 2,
			BatchSize:      100,
		},
		Inference: config.InferenceConfig{
			ConfidenceThreshold: 0.5,
			RuleLimit:           100,
			BatchSize:           100,
		},
	}
}

func writeSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := strings.Join([]string{
		`{"primary_id":"c1","entity_type":"compound","identifiers":{"chembl_id":"CHEMBL25"},"properties":{"name":"Aspirin"}}`,
		`{bad`,
		`{"primary_id":"c2","entity_type":"drug","identifiers":{"inchikey":"BSYNRYGFASATTA-UHFFFAOYSA-N","chembl_id":"CHEMBL25"}}`,
		`{"primary_id":"t1","entity_type":"protein","identifiers":{"uniprot":"P23219"}}`,
		`{"primary_id":"p1","entity_type":"publication","identifiers":{"pmid":"123"}}`,
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records.jsonl"), []byte(content), 0o644))
	return dir
}

func newSummary() *report.Summary {
	return report.New("run-1", "resolve", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestPipeline_Resolve(t *testing.T) {
	source := writeSource(t)
	out := t.TempDir()
	store := mappingstore.NewMemoryStore()
	pub := &recordingPublisher{}
	cfg := testConfig()

	p := New(cfg, store, nil, nil, events.NewEmitter(pub, "run-1", testLogger), testLogger)
	summary := newSummary()
	require.NoError(t, p.Resolve(context.Background(), Options{Source: source, Output: out}, summary))

	res := summary.Resolution
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 1, res.Skipped[string(ingest.SkipUnknownCategory)])
	assert.Equal(t, 2, res.Categories["Compound"].Records)
	assert.Equal(t, 1, res.Categories["Compound"].Created)
	assert.Equal(t, 1, res.Categories["Target"].Created)

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, fernerrors.KindParse, summary.Errors[0].Kind)
	assert.Equal(t, report.ExitWarnings, summary.ExitCode())

	entries, err := store.Entries(context.Background(), models.Category("Compound"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	created := 0
	for _, ev := range pub.canonical {
		if ev.EventType == string(events.EventTypeCanonicalCreated) {
			created++
		}
	}
	assert.Equal(t, 2, created)

	data, err := os.ReadFile(filepath.Join(out, MergeStatementsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "SAME_AS")
	require.NotNil(t, summary.Merges)
	assert.False(t, summary.Merges.Applied)

	t.Run("incremental rerun skips the fingerprinted file", func(t *testing.T) {
		cfg.Resolution.Incremental = true
		again := newSummary()
		require.NoError(t, p.Resolve(context.Background(), Options{Source: source, Output: out}, again))
		assert.Equal(t, 1, again.Resolution.Files)
		assert.Equal(t, 1, again.Resolution.FilesUnchanged)
		assert.Zero(t, again.Resolution.Records)
	})
}

func TestPipeline_ResolveEnrichmentUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Resolution.NoFallback = true
	cfg.Enrichment = config.EnrichmentConfig{
		Enabled: true,
		Workers: 1,
		Retry:   config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Services: []config.ServiceConfig{{
			Name:          "unichem",
			BaseURL:       srv.URL,
			Systems:       []string{"drugbank"},
			RatePerSecond: 1000,
			Burst:         10,
			Timeout:       time.Second,
		}},
	}
	client, err := enrichment.New(cfg.Enrichment, enrichment.NopCache{}, testLogger)
	require.NoError(t, err)
	defer client.Close()

	source := t.TempDir()
	record := `{"primary_id":"c1","entity_type":"compound","identifiers":{"drugbank":"DB00945"}}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(source, "records.jsonl"), []byte(record), 0o644))

	store := mappingstore.NewMemoryStore()
	pub := &recordingPublisher{}
	p := New(cfg, store, nil, client, events.NewEmitter(pub, "run-1", testLogger), testLogger)
	summary := newSummary()
	require.NoError(t, p.Resolve(context.Background(), Options{Source: source, Output: t.TempDir()}, summary))

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, fernerrors.KindEnrichment, summary.Errors[0].Kind)

	counts := summary.Resolution.Categories["Compound"]
	require.NotNil(t, counts)
	assert.Equal(t, 1, counts.Records)
	assert.Equal(t, 1, counts.Unresolved)
	assert.Zero(t, counts.Created)
	assert.Zero(t, counts.Fallback)
	assert.Zero(t, counts.Writes)

	entries, err := store.Entries(context.Background(), models.Category("Compound"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, pub.canonical)
	assert.Equal(t, report.ExitWarnings, summary.ExitCode())
}

func TestPipeline_ResolveApply(t *testing.T) {
	fake := &graphmock.Store{}
	p := New(testConfig(), mappingstore.NewMemoryStore(), fake, nil, nil, testLogger)
	summary := newSummary()

	require.NoError(t, p.Resolve(context.Background(), Options{Source: writeSource(t), Output: t.TempDir(), Apply: true}, summary))
	assert.True(t, summary.Merges.Applied)
	assert.NotEmpty(t, fake.Batches())
}

func TestPipeline_ResolveFatal(t *testing.T) {
	t.Run("store conflicts exhausted", func(t *testing.T) {
		store := &conflictStore{MemoryStore: mappingstore.NewMemoryStore()}
		p := New(testConfig(), store, nil, nil, nil, testLogger)

		err := p.Resolve(context.Background(), Options{Source: writeSource(t), Output: t.TempDir()}, newSummary())
		var swe *fernerrors.StoreWriteError
		require.ErrorAs(t, err, &swe)
		assert.Equal(t, 2, swe.Attempts)
	})

	t.Run("source unavailable", func(t *testing.T) {
		p := New(testConfig(), mappingstore.NewMemoryStore(), nil, nil, nil, testLogger)
		err := p.Resolve(context.Background(), Options{Source: filepath.Join(t.TempDir(), "missing"), Output: t.TempDir()}, newSummary())
		assert.ErrorIs(t, err, ingest.ErrSourceUnavailable)
	})

	t.Run("apply without graph", func(t *testing.T) {
		p := New(testConfig(), mappingstore.NewMemoryStore(), nil, nil, nil, testLogger)
		err := p.Resolve(context.Background(), Options{Source: writeSource(t), Output: t.TempDir(), Apply: true}, newSummary())
		assert.Error(t, err)
	})
}

func repurposingGraph() *graphmock.Store {
	return &graphmock.Store{Answer: func(cypher string, _ map[string]any) ([]graph.Row, error) {
		if strings.HasPrefix(cypher, "UNWIND") || !strings.Contains(cypher, "ASSOCIATED_WITH") {
			return nil, nil
		}
		return []graph.Row{{
			"c_id": "compound:1", "c_props": map[string]any{"name": "aspirin"},
			"t_id": "target:1", "t_props": map[string]any{},
			"d_id": "disease:1", "d_props": map[string]any{},
			"r1_props": map[string]any{"activity_strength": 7.5, "source": "chembl"},
			"r2_props": map[string]any{"association_confidence": 0.8, "source": "opentargets"},
		}}, nil
	}}
}

func TestPipeline_Infer(t *testing.T) {
	cfg := testConfig()
	cfg.Inference.Rules = []string{"drug_repurposing"}

	t.Run("dry run", func(t *testing.T) {
		fake := repurposingGraph()
		out := t.TempDir()
		pub := &recordingPublisher{}
		p := New(cfg, nil, fake, nil, events.NewEmitter(pub, "run-1", testLogger), testLogger)
		summary := newSummary()

		require.NoError(t, p.Infer(context.Background(), Options{Output: out}, summary))
		require.NotNil(t, summary.Inference)
		assert.Equal(t, 1, summary.Inference.Relationships)
		assert.Empty(t, fake.Batches())
		assert.Empty(t, pub.relationships)

		data, err := os.ReadFile(filepath.Join(out, InferredRelationshipsFile))
		require.NoError(t, err)
		var rels []models.InferredRelationship
		require.NoError(t, json.Unmarshal(data, &rels))
		require.Len(t, rels, 1)
		assert.Equal(t, "POTENTIALLY_TREATS", rels[0].Type)
		assert.InDelta(t, 0.6, rels[0].Confidence, 1e-9)

		statements, err := os.ReadFile(filepath.Join(out, InferredStatementsFile))
		require.NoError(t, err)
		assert.Contains(t, string(statements), "POTENTIALLY_TREATS")
	})

	t.Run("apply", func(t *testing.T) {
		fake := repurposingGraph()
		pub := &recordingPublisher{}
		p := New(cfg, nil, fake, nil, events.NewEmitter(pub, "run-1", testLogger), testLogger)
		summary := newSummary()

		require.NoError(t, p.Infer(context.Background(), Options{Output: t.TempDir(), Apply: true}, summary))
		assert.Len(t, fake.Batches(), 1)
		assert.Len(t, pub.relationships, 1)
		assert.Equal(t, report.ExitOK, summary.ExitCode())
	})

	t.Run("unknown rule", func(t *testing.T) {
		bad := testConfig()
		bad.Inference.Rules = []string{"nope"}
		p := New(bad, nil, repurposingGraph(), nil, nil, testLogger)
		assert.Error(t, p.Infer(context.Background(), Options{Output: t.TempDir()}, newSummary()))
	})

	t.Run("requires a graph", func(t *testing.T) {
		p := New(cfg, nil, nil, nil, nil, testLogger)
		assert.Error(t, p.Infer(context.Background(), Options{Output: t.TempDir()}, newSummary()))
	})
}
