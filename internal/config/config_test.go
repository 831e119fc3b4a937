package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Shadow.MaxActive)
	assert.Equal(t, 300*time.Second, cfg.Shadow.ReadyTimeout)
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}, cfg.Shadow.RetryBackoff)
	assert.InDelta(t, 0.20, cfg.Rollback.MaxIncrease, 1e-9)
	assert.Equal(t, "requeue", cfg.Queue.TimeoutAction)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remedy.yaml", `
queue:
  workers: 3
  approvalTimeout: 5m
  timeoutAction: escalate
  deniedNamespaces: ["kube-*"]
shadow:
  maxActive: 1
  retryBackoff: [1s, 2s]
rollback:
  maxIncrease: 0.1
functional:
  probes:
    - name: health
      port: 8080
      path: /healthz
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 3, cfg.Queue.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Queue.ApprovalTimeout)
	assert.Equal(t, "escalate", cfg.Queue.TimeoutAction)
	assert.Equal(t, []string{"kube-*"}, cfg.Queue.DeniedNamespaces)
	assert.Equal(t, 1, cfg.Shadow.MaxActive)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.Shadow.RetryBackoff)
	assert.InDelta(t, 0.1, cfg.Rollback.MaxIncrease, 1e-9)
	require.Len(t, cfg.Functional.Probes, 1)
	assert.Equal(t, "/healthz", cfg.Functional.Probes[0].Path)
	// untouched sections keep their defaults
	assert.Equal(t, "shadow-", cfg.Shadow.NamespacePrefix)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REMEDY_WORKERS", "4")
	t.Setenv("REMEDY_APPROVAL_TIMEOUT", "90s")
	t.Setenv("REMEDY_PROMETHEUS_URL", "http://prom:9090")
	t.Setenv("REMEDY_MAX_ACTIVE_SHADOWS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 90*time.Second, cfg.Queue.ApprovalTimeout)
	assert.Equal(t, "http://prom:9090", cfg.Rollback.PrometheusURL)
	assert.Equal(t, 3, cfg.Shadow.MaxActive, "invalid override must be ignored")
	assert.True(t, cfg.EnvOverrides["queue.workers"])
	assert.False(t, cfg.EnvOverrides["shadow.maxActive"])
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero workers":        func(c *Config) { c.Queue.Workers = 0 },
		"unknown action":      func(c *Config) { c.Queue.TimeoutAction = "ignore" },
		"unbounded readiness": func(c *Config) { c.Shadow.ReadyTimeout = 0 },
		"interval > window":   func(c *Config) { c.Rollback.Interval = time.Hour },
		"bad threshold":       func(c *Config) { c.Rollback.MaxIncrease = 0 },
		"negative backoff":    func(c *Config) { c.Shadow.RetryBackoff = []time.Duration{-time.Second} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remedy.yaml", "log:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, func(cfg *Config) { changes <- cfg }))

	writeFile(t, dir, "remedy.yaml", "log:\n  level: debug\n")

	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
