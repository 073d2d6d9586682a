package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/report"
)

func execute(t *testing.T, args ...string) (*CLI, string, error) {
	t.Helper()
	c := New()
	cmd := c.Command()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return c, out.String(), err
}

func TestRulesCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		contains []string
		wantErr  bool
	}{
		{
			name:     "lists built-in rules",
			args:     []string{"rules"},
			contains: []string{"NAME", "drug_repurposing", "shared_target", "trial_indication"},
		},
		{
			name:     "prints compiled cypher",
			args:     []string{"rules", "--rules", "drug_repurposing", "--cypher"},
			contains: []string{"// drug_repurposing", "MATCH"},
		},
		{
			name:    "unknown rule",
			args:    []string{"rules", "--rules", "nope"},
			wantErr: true,
		},
		{
			name:    "missing rules file",
			args:    []string{"rules", "--rules-file", filepath.Join(t.TempDir(), "missing.yaml")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, out, err := execute(t, tt.args...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestResolveCommand(t *testing.T) {
	t.Run("requires a source", func(t *testing.T) {
		_, _, err := execute(t, "resolve", "--store", "memory")
		assert.Error(t, err)
	})

	t.Run("invalid log level", func(t *testing.T) {
		_, _, err := execute(t, "rules", "--log-level", "loud")
		assert.Error(t, err)
	})

	t.Run("resolves with the memory store", func(t *testing.T) {
		source := t.TempDir()
		record := `{"primary_id":"c1","entity_type":"compound","identifiers":{"chembl_id":"CHEMBL25"}}` + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(source, "records.jsonl"), []byte(record), 0o644))
		out := filepath.Join(t.TempDir(), "out")

		c, _, err := execute(t, "resolve", "--store", "memory", "--source", source, "--out", out)
		require.NoError(t, err)
		assert.Equal(t, report.ExitOK, c.exitCode)

		data, err := os.ReadFile(filepath.Join(out, report.FileName))
		require.NoError(t, err)
		var summary map[string]any
		require.NoError(t, json.Unmarshal(data, &summary))
		assert.Equal(t, "resolve", summary["command"])
		assert.FileExists(t, filepath.Join(out, metrics.TextfileName))
	})
}
