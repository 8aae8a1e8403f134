package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
llm:
  provider: openai
  base_url: https://api.example.com
  api_key: dummy
  model: gpt-4o
  timeout: 15s
server:
  host: 0.0.0.0
  port: "8080"
  workers: 4
session:
  backend: sqlite
  timeout: 45m
  sweep_interval: 30s
  sqlite_path: /tmp/sessions.db
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	require.NoError(t, err)
	_, err = tmp.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	return tmp.Name()
}

// TestLoad_File verifies that Load unmarshals the file named by CONFIG_PATH.
func TestLoad_File(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "https://api.example.com", cfg.LLM.BaseURL)
	require.Equal(t, "gpt-4o", cfg.LLM.Model)
	require.Equal(t, 15*time.Second, cfg.LLM.Timeout)
	require.Equal(t, 4, cfg.Server.Workers)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	require.Equal(t, "sqlite", cfg.Session.Backend)
	require.Equal(t, 45*time.Minute, cfg.Session.Timeout)
	require.Equal(t, 30*time.Second, cfg.Session.SweepInterval)
	require.Equal(t, "/tmp/sessions.db", cfg.Session.SQLitePath)
	require.Equal(t, "debug", cfg.Log.Level)

	// untouched sections keep their defaults
	require.Equal(t, "khitab:", cfg.Redis.Prefix)
	require.Equal(t, "none", cfg.Archive.Backend)
	require.Equal(t, 2*time.Minute, cfg.Session.LockLease)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))
	t.Setenv("KHITAB_LLM_API_KEY", "from-env")
	t.Setenv("KHITAB_SESSION_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.LLM.APIKey)
	require.Equal(t, "redis", cfg.Session.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/does/not/exist.yaml")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "session:\n  backend: etcd\n"))

	_, err := Load()
	require.ErrorContains(t, err, "session.backend")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			LLM:     LLMConfig{Provider: "openai", Timeout: time.Second},
			Server:  ServerConfig{Workers: 1},
			Session: SessionConfig{Backend: "memory", Timeout: time.Minute, SweepInterval: time.Second, LockLease: time.Minute},
			Archive: ArchiveConfig{Backend: "none"},
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Session.Timeout = 0
	require.ErrorContains(t, cfg.Validate(), "session.timeout")

	cfg = valid()
	cfg.Server.Workers = 0
	require.ErrorContains(t, cfg.Validate(), "server.workers")

	cfg = valid()
	cfg.Archive.Backend = "supabase"
	require.ErrorContains(t, cfg.Validate(), "supabase_url")

	cfg = valid()
	cfg.Archive = ArchiveConfig{Backend: "dir"}
	require.ErrorContains(t, cfg.Validate(), "archive.dir")

	cfg = valid()
	cfg.LLM.Provider = "anthropic"
	require.ErrorContains(t, cfg.Validate(), "llm.provider")

	cfg = valid()
	cfg.Session.LockLease = 2 * time.Minute
	cfg.LLM.Timeout = 5 * time.Minute
	require.ErrorContains(t, cfg.Validate(), "session.lock_lease")

	cfg = valid()
	cfg.Session.LockLease = cfg.LLM.Timeout
	require.ErrorContains(t, cfg.Validate(), "session.lock_lease")
}
