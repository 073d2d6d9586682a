package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	RecordResolution("Compound", "canonical", true, 2, 1)
	RecordRule("drug_repurposing", 0.2, 1, 2, 0, 3)
	RecordError("parse_error")
	dir := t.TempDir()

	require.NoError(t, WriteTextfile(dir))
	data, err := os.ReadFile(filepath.Join(dir, TextfileName))
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `fern_resolution_merges_total{category="Compound"}`)
	assert.Contains(t, text, `fern_resolution_records_total{category="Compound",state="canonical"}`)
	assert.Contains(t, text, `fern_inference_candidates_total{outcome="emitted",rule="drug_repurposing"} 3`)
	assert.Contains(t, text, "fern_inference_rule_duration_seconds_bucket")
	assert.Contains(t, text, `fern_errors_total{kind="parse_error"}`)
	assert.Contains(t, text, "go_goroutines")
}
