package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.NotEmpty(t, cfg.Database.Path)
	require.Equal(t, 30, cfg.Database.RetentionDays)
	require.Equal(t, 10000, cfg.Ingest.QueueSize)
	require.Equal(t, 200, cfg.Ingest.BatchSize)
	require.Equal(t, 2*time.Second, cfg.Ingest.FlushInterval)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /tmp/test.db
  retention_days: 7
ingest:
  batch_size: 50
log:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/tmp/test.db", cfg.Database.Path)
	require.Equal(t, 7, cfg.Database.RetentionDays)
	require.Equal(t, 50, cfg.Ingest.BatchSize)
	// Unset keys keep their defaults.
	require.Equal(t, 10000, cfg.Ingest.QueueSize)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: ["), 0644))

	_, err := Load(path)
	require.Error(t, err)
}
