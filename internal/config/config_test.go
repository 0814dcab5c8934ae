package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Contains(t, cfg.Database.URL, "cad_orchestrator")
	assert.Equal(t, 5, cfg.Database.ConnectRetries)

	assert.Equal(t, "http://localhost:9000", cfg.Agents.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Agents.InspectorTimeout)

	assert.Equal(t, 3, cfg.Engine.MaxIterations)
	assert.False(t, cfg.Engine.DropStaleFindings)

	assert.Equal(t, "openscad", cfg.Render.Binary)
	assert.Equal(t, 512, cfg.Render.ImageSize)

	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
engine:
  max_iterations: 5
  drop_stale_findings: true
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
	assert.True(t, cfg.Engine.DropStaleFindings)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_iterations: 5\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ENGINE_MAX_ITERATIONS", "7")
	t.Setenv("DATABASE_URL", "postgres://env-host:5432/envdb")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxIterations)
	assert.Equal(t, "postgres://env-host:5432/envdb", cfg.Database.URL)
}

func TestLoad_RejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: valid"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}
