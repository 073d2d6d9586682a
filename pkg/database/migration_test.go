package database

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/db/pg"
)

func TestLatestVersion(t *testing.T) {
	tests := []struct {
		name    string
		files   fstest.MapFS
		want    int
		wantErr bool
	}{
		{
			name: "highest up file",
			files: fstest.MapFS{
				"000001_init.up.sql":    {},
				"000001_init.down.sql":  {},
				"000012_edges.up.sql":   {},
				"000003_prints.up.sql":  {},
				"README.md":             {},
				"000020_draft.down.sql": {},
			},
			want: 12,
		},
		{
			name:    "no migrations",
			files:   fstest.MapFS{"README.md": {}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := latestVersion(tt.files)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMigrationSource(t *testing.T) {
	ms := NewMigrationService(nil, &MigrationConfig{})
	files, err := ms.source()
	require.NoError(t, err)

	latest, err := latestVersion(files)
	require.NoError(t, err)
	assert.Equal(t, 1, latest)
	_, err = fs.ReadFile(files, "000001_create_mapping_store.up.sql")
	require.NoError(t, err)
	assert.IsType(t, pg.Migrations, files)

	ms = NewMigrationService(nil, &MigrationConfig{Folder: t.TempDir() + "/missing"})
	_, err = ms.source()
	assert.Error(t, err)
}
