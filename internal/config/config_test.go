package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("FIELDQ_HOME", home)
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	loader, err := NewLoader("", nil)
	require.NoError(t, err)
	assert.Empty(t, loader.ConfigFile())

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "fieldq.db"), cfg.DB.Path)
	assert.Equal(t, "http://localhost:3000/api", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Sync.Ceiling)
	assert.Zero(t, cfg.Sync.Backoff)
	assert.Equal(t, 500*time.Millisecond, cfg.Connectivity.Debounce)
	assert.Equal(t, "http://localhost:3000/api/health", cfg.Connectivity.ProbeURL)
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	home := isolate(t)
	body := `
api:
  base_url: https://field.example.com/api/
sync:
  interval: 45s
  ceiling: 5
dashboard:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "fieldq.yaml"), []byte(body), 0o600))
	t.Setenv("FIELDQ_SYNC_CEILING", "7")

	loader, err := NewLoader("", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "fieldq.yaml"), loader.ConfigFile())

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 7, cfg.Sync.Ceiling, "env wins over file")
	assert.Equal(t, 9090, cfg.Dashboard.Port)
	assert.Equal(t, "https://field.example.com/api/health", cfg.Connectivity.ProbeURL)
}

func TestLoadExplicitTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.toml")
	body := "[sync]\ninterval = \"2m\"\n\n[log]\nlevel = \"debug\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			DB:   DBConfig{Path: "x.db"},
			API:  APIConfig{BaseURL: "http://x"},
			Sync: SyncConfig{Interval: time.Second, Ceiling: 3},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"no db path", func(c *Config) { c.DB.Path = "" }, false},
		{"no base url", func(c *Config) { c.API.BaseURL = "" }, false},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, false},
		{"zero ceiling", func(c *Config) { c.Sync.Ceiling = 0 }, false},
		{"negative backoff", func(c *Config) { c.Sync.Backoff = -time.Second }, false},
		{"bad port", func(c *Config) { c.Dashboard.Port = 70000 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "fieldq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 10s\n"), 0o600))

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)

	var interval atomic.Int64
	loader.Watch(func(cfg *Config) {
		interval.Store(int64(cfg.Sync.Interval))
	})

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 20s\n"), 0o600))
	require.Eventually(t, func() bool {
		return time.Duration(interval.Load()) == 20*time.Second
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRender(t *testing.T) {
	isolate(t)
	t.Setenv("FIELDQ_API_TOKEN", "secret-token")
	loader, err := NewLoader("", nil)
	require.NoError(t, err)
	cfg, err := loader.Load()
	require.NoError(t, err)

	out, err := Render(cfg, FormatYAML)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret-token")
	assert.Contains(t, string(out), "interval: 1m0s")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "sync")

	out, err = Render(cfg, "TOML")
	require.NoError(t, err)
	assert.Contains(t, string(out), "[sync]")
	assert.True(t, strings.Contains(string(out), `interval = "1m0s"`), string(out))
	assert.NotContains(t, string(out), "secret-token")

	_, err = Render(cfg, "ini")
	assert.Error(t, err)
}
