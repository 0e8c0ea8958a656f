package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/scada/internal/core"
)

func TestDefaultCatalogueValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Len(t, cfg.Nodes, 15)

	kinds := map[core.NodeKind]int{}
	for _, d := range cfg.Descriptors() {
		kinds[d.Kind]++
	}
	assert.Equal(t, 3, kinds[core.KindGeneration])
	assert.Equal(t, 7, kinds[core.KindSubstation])
	assert.Equal(t, 5, kinds[core.KindDistribution])

	assert.Equal(t, time.Second, cfg.SamplingInterval())
	assert.Equal(t, time.Hour, cfg.TokenLifetime())
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	cfg := Default()
	cfg.Nodes = append(cfg.Nodes, cfg.Nodes[0])
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node_id")
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	cfg := Default()
	cfg.Nodes[0].Kind = "windmill"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestValidateRequiresJWTSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = ""
	require.Error(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scada.yaml")
	yaml := `
master:
  http_port: 8080
auth:
  jwt_secret: file-secret
timing:
  sampling_interval_ms: 250
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Master.HTTPPort)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 250*time.Millisecond, cfg.SamplingInterval())
	// Untouched sections keep their defaults.
	assert.Equal(t, 9001, cfg.Master.WSPort)
	assert.Len(t, cfg.Nodes, 15)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SCADA_HTTP_PORT", "7070")
	t.Setenv("SCADA_JWT_SECRET", "env-secret")
	t.Setenv("SCADA_REDIS_ADDR", "redis:6379")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, 7070, cfg.Master.HTTPPort)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: [unterminated"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
