// Package config loads the YAML configuration of the txstate command.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-txstate/pkg/raft"
	"github.com/mirkobrombin/go-txstate/pkg/txstore"
)

const (
	BackendEngine = "engine"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
	BackendRaft   = "raft"
)

// Config is the root of the configuration file.
type Config struct {
	// DataDir holds the files of the embedded backends and of raft.
	DataDir string `yaml:"data_dir"`
	// Backend selects the store: engine, bolt, badger, redis, mongo or raft.
	Backend string `yaml:"backend"`
	// Compression is the payload compressor, zstd or s2.
	Compression string `yaml:"compression"`

	Retry RetryConfig `yaml:"retry"`
	Log   LogConfig   `yaml:"log"`
	Redis RedisConfig `yaml:"redis"`
	Mongo MongoConfig `yaml:"mongo"`
	Raft  RaftConfig  `yaml:"raft"`
}

type RetryConfig struct {
	// MaxAttempts of zero retries forever.
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type RaftConfig struct {
	NodeID    string `yaml:"node_id"`
	BindAddr  string `yaml:"bind_addr"`
	Bootstrap bool   `yaml:"bootstrap"`
	// LogStore is slipstream, boltdb or memory.
	LogStore     string        `yaml:"log_store"`
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
	// LeaderWait bounds how long the command waits for an elected leader.
	LeaderWait time.Duration `yaml:"leader_wait"`
}

// Default returns a configuration for a local embedded store.
func Default() Config {
	policy := txstore.DefaultRetryPolicy()
	return Config{
		DataDir:     "./txstate-data",
		Backend:     BackendEngine,
		Compression: "zstd",
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "txstate",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "txstate",
		},
		Raft: RaftConfig{
			NodeID:       "node-1",
			Bootstrap:    true,
			LogStore:     raft.LogStoreSlipstream,
			ApplyTimeout: 10 * time.Second,
			LeaderWait:   10 * time.Second,
		},
	}
}

// Load reads path over Default. A missing file yields the defaults. Unknown
// keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode reads YAML from r into cfg, keeping the fields r does not set.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendEngine, BackendBolt, BackendBadger, BackendRaft:
		if c.DataDir == "" {
			return fmt.Errorf("config: backend %s requires data_dir", c.Backend)
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: backend redis requires redis.addr")
		}
	case BackendMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("config: backend mongo requires mongo.uri and mongo.database")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	switch c.Compression {
	case "zstd", "s2":
	default:
		return fmt.Errorf("config: unknown compression %q", c.Compression)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.max_attempts must not be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config: retry delays must satisfy 0 <= base_delay <= max_delay")
	}

	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}

	if c.Backend == BackendRaft {
		if c.Raft.NodeID == "" {
			return fmt.Errorf("config: backend raft requires raft.node_id")
		}
		switch c.Raft.LogStore {
		case raft.LogStoreSlipstream, raft.LogStoreBoltDB, raft.LogStoreMemory:
		default:
			return fmt.Errorf("config: unknown raft.log_store %q", c.Raft.LogStore)
		}
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() txstore.RetryPolicy {
	return txstore.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// RaftNode converts the raft section for a node storing its data in dataDir.
func (c Config) RaftNode(dataDir string) raft.Config {
	return raft.Config{
		NodeID:       c.Raft.NodeID,
		BindAddr:     c.Raft.BindAddr,
		DataDir:      dataDir,
		Bootstrap:    c.Raft.Bootstrap,
		LogStore:     c.Raft.LogStore,
		ApplyTimeout: c.Raft.ApplyTimeout,
		LogLevel:     c.Log.Level,
	}
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("config: unknown log level %q", l.Level)
	}
	return lvl, nil
}

// Logger builds the slog logger described by the log section.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
