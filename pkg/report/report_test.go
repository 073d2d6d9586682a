package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSummary_ExitCode(t *testing.T) {
	t.Run("clean run", func(t *testing.T) {
		s := New("run-1", "resolve", start)
		s.Finish(start.Add(time.Second), nil)
		assert.Equal(t, ExitOK, s.ExitCode())
	})

	t.Run("completed with errors", func(t *testing.T) {
		s := New("run-1", "resolve", start)
		s.AddError(fernerrors.NewParseError("a.jsonl", 3, errors.New("unexpected EOF")))
		s.Finish(start.Add(time.Second), nil)
		assert.Equal(t, ExitWarnings, s.ExitCode())
	})

	t.Run("fatal wins", func(t *testing.T) {
		s := New("run-1", "resolve", start)
		s.AddError(errors.New("minor"))
		s.Finish(start.Add(time.Second), errors.New("store exhausted"))
		assert.Equal(t, ExitFatal, s.ExitCode())
	})
}

func TestSummary_AddOutcome(t *testing.T) {
	s := New("run-1", "resolve", start)
	compound := models.Category("Compound")

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddOutcome(compound, 1, &resolver.Outcome{State: models.ResolutionCanonical, Created: true, Attached: 2, Writes: 4})
		}()
	}
	wg.Wait()

	s.AddOutcome(compound, 0, &resolver.Outcome{State: models.ResolutionCanonical, Absorbed: []string{"compound:b", "compound:c"}, Enriched: 1})
	s.AddOutcome(compound, 0, &resolver.Outcome{State: models.ResolutionUnresolved})
	s.AddOutcome(compound, 0, &resolver.Outcome{State: models.ResolutionCanonical, Fallback: true})
	s.AddFile(false)
	s.AddFile(true)
	s.AddSkipped("relationship_record")

	c := s.Resolution.Categories["Compound"]
	assert.Equal(t, 13, c.Records)
	assert.Equal(t, 10, c.Created)
	assert.Equal(t, 20, c.Attached)
	assert.Equal(t, 40, c.Writes)
	assert.Equal(t, 2, c.Merged)
	assert.Equal(t, 1, c.Enriched)
	assert.Equal(t, 1, c.Unresolved)
	assert.Equal(t, 1, c.Fallback)
	assert.Equal(t, 10, c.InvalidIdentifiers)
	assert.Equal(t, 13, s.Resolution.Records)
	assert.Equal(t, 2, s.Resolution.Files)
	assert.Equal(t, 1, s.Resolution.FilesUnchanged)
	assert.Equal(t, 1, s.Resolution.Skipped["relationship_record"])
}

func TestSummary_Write(t *testing.T) {
	s := New("run-1", "run", start)
	s.AddError(&fernerrors.EnrichmentError{Service: "unichem", System: "inchikey", Value: "X", Attempts: 4, Err: errors.New("timeout")})
	s.Finish(start.Add(1500*time.Millisecond), nil)

	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Write(dir))

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.EqualValues(t, 1500, decoded["duration_ms"])
	errs := decoded["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, string(fernerrors.KindEnrichment), errs[0].(map[string]any)["kind"])
	assert.NotContains(t, decoded, "fatal")
}
