package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: redis
compression: s2
retry:
  max_attempts: 5
  base_delay: 2ms
  max_delay: 50ms
log:
  level: debug
  format: json
redis:
  addr: cache:6379
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "s2", cfg.Compression)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, "txstate", cfg.Redis.Namespace, "unset keys keep their default")

	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 2*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 50*time.Millisecond, p.MaxDelay)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: engine\nbackends: []\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"backend":      func(c *Config) { c.Backend = "sqlite" },
		"data dir":     func(c *Config) { c.DataDir = "" },
		"compression":  func(c *Config) { c.Compression = "lz4" },
		"attempts":     func(c *Config) { c.Retry.MaxAttempts = -1 },
		"delays":       func(c *Config) { c.Retry.MaxDelay = c.Retry.BaseDelay - 1 },
		"log level":    func(c *Config) { c.Log.Level = "loud" },
		"log format":   func(c *Config) { c.Log.Format = "xml" },
		"mongo":        func(c *Config) { c.Backend = BackendMongo; c.Mongo.Database = "" },
		"raft node":    func(c *Config) { c.Backend = BackendRaft; c.Raft.NodeID = "" },
		"raft storage": func(c *Config) { c.Backend = BackendRaft; c.Raft.LogStore = "etcd" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	l.Info("hidden")
	l.Warn("shown", "k", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"msg":"shown"`)
}

func TestRaftNode(t *testing.T) {
	cfg := Default()
	rc := cfg.RaftNode("/var/lib/txstate/raft")
	assert.Equal(t, "node-1", rc.NodeID)
	assert.Equal(t, "/var/lib/txstate/raft", rc.DataDir)
	assert.True(t, rc.Bootstrap)
	assert.Equal(t, "info", rc.LogLevel)
}
