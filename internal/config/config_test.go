package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	t.Setenv("SPATIAL_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Storage.ChunkBackend)
	assert.Equal(t, "position", cfg.Coordinator.LockMode)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.RequestTimeout)
	assert.Len(t, cfg.Maps, 1)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spatial.yaml")
	content := `
server:
  rest_port: 9000
storage:
  chunk_backend: badger
  object_backend: sqlite
  sql:
    dsn: "file:objects.db"
coordinator:
  lock_mode: map
  workers: 3
  request_timeout: 250ms
maps:
  - id: 7
    start: [0, 0, 0]
    end: [32, 32, 16]
    leaf_size: [8, 8, 8]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.GetRESTPort())
	assert.Equal(t, "badger", cfg.Storage.ChunkBackend)
	assert.Equal(t, "sqlite", cfg.Storage.ObjectBackend)
	assert.Equal(t, "map", cfg.Coordinator.LockMode)
	assert.Equal(t, 3, cfg.Coordinator.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.RequestTimeout)
	require.Len(t, cfg.Maps, 1)
	assert.Equal(t, [3]int{32, 32, 16}, cfg.Maps[0].End)
}

func TestValidateRejectsBadMaps(t *testing.T) {
	cfg := Default()
	cfg.Maps = append(cfg.Maps, cfg.Maps[0])
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Maps[0].End[2] = cfg.Maps[0].Start[2]
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Coordinator.LockMode = "global"
	assert.Error(t, cfg.Validate())
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("SPATIAL_REST_PORT", "7070")
	s := ServerConfig{}
	assert.Equal(t, 7070, s.GetRESTPort())

	s.RESTPort = 8081
	assert.Equal(t, 8081, s.GetRESTPort())
}
