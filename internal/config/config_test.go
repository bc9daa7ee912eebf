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
	t.Setenv("DASTOR_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.MaxConcurrentScans)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.DBMaxConns)
	assert.Equal(t, 30*time.Second, cfg.DBHealthCheckPeriod)
	assert.Equal(t, "medium,high,critical", cfg.Engines.Nuclei.Severity)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", cfg.Engines.Acunetix.ProfileID)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dastor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
api_key: from-file
poll_interval: 2s
max_concurrent_scans: 3
engines:
  zap:
    url: http://zap:8081
    api_key: zk
  insecure_tls: true
`), 0o600))

	t.Setenv("DASTOR_CONFIG", path)
	t.Setenv("MAX_CONCURRENT_SCANS", "7")
	t.Setenv("NUCLEI_PATH", "/usr/bin/nuclei")
	t.Setenv("MOCK_ENGINE", "true")
	t.Setenv("DB_MAX_CONNS", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "from-file", cfg.APIKey)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 7, cfg.MaxConcurrentScans, "env wins over file")
	assert.Equal(t, "http://zap:8081", cfg.Engines.ZAP.URL)
	assert.True(t, cfg.Engines.InsecureTLS)
	assert.Equal(t, "/usr/bin/nuclei", cfg.Engines.Nuclei.Path)
	assert.True(t, cfg.Engines.Mock)
	assert.Equal(t, 25, cfg.DBMaxConns)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DASTOR_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.NoError(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: [nope"), 0o600))
	t.Setenv("DASTOR_CONFIG", path)
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Env = "production"
	assert.Error(t, cfg.Validate(), "api key required outside development")

	cfg.APIKey = "k"
	cfg.MaxConcurrentScans = 0
	cfg.PollInterval = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONCURRENT_SCANS")
	assert.Contains(t, err.Error(), "POLL_INTERVAL")
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("X_INT", "12")
	t.Setenv("X_BAD_INT", "twelve")
	t.Setenv("X_DUR", "150ms")
	t.Setenv("X_BOOL", "yes")
	assert.Equal(t, 12, getenvInt("X_INT", 1))
	assert.Equal(t, 1, getenvInt("X_BAD_INT", 1))
	assert.Equal(t, 150*time.Millisecond, getenvDuration("X_DUR", time.Second))
	assert.False(t, getenvBool("X_BOOL", false), "unparseable bools keep the default")
}
