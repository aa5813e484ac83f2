package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, 30*time.Second, cfg.Execution.SyncTimeout)
	require.Equal(t, []string{"cwltool"}, cfg.Execution.CWLRunner)
	require.Equal(t, 4, cfg.Staging.Parallelism)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gowps.yaml")
	body := `
addr: ":9090"
log_level: debug
admin_users: [root]
execution:
  sync_timeout: 5s
vault:
  ttl: 2h
remote:
  max_retries: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("GOWPS_STAGING_PARALLELISM", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Addr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 5*time.Second, cfg.Execution.SyncTimeout)
	require.Equal(t, 2*time.Hour, cfg.Vault.TTL)
	require.Equal(t, 2, cfg.Remote.MaxRetries)
	require.Equal(t, 8, cfg.Staging.Parallelism)
	require.True(t, cfg.IsAdmin("root"))
	require.False(t, cfg.IsAdmin("bob"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	require.NoError(t, cfg.Validate())

	cfg.Staging.Parallelism = 0
	cfg.Vault.MaxTotalSize = 1
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "staging.parallelism")
	require.Contains(t, err.Error(), "vault sizes")
}

func TestResolvePaths(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	require.NoError(t, cfg.ResolvePaths())
	require.Equal(t, filepath.Join(cfg.DataDir, "gowps.db"), cfg.DBPath)
	_, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
}

func TestLoadWorker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: gpu-1\nbackends: [docker]\n"), 0o644))
	t.Setenv("GOWPS_WORKER_KEY", "s3cret")

	cfg, err := LoadWorker(path)
	require.NoError(t, err)
	require.Equal(t, "gpu-1", cfg.Name)
	require.Equal(t, "s3cret", cfg.Key)
	require.Equal(t, []string{"docker"}, cfg.Backends)
	require.Equal(t, "http://localhost:8080", cfg.Server)
	require.Equal(t, 5*time.Minute, cfg.Lease)
}
