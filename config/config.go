package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir             = "data"
	DefaultBackend             = "lsm"
	DefaultLogLevel            = "info"
	DefaultCompactionThreshold = 4096 // bytes of small-log
	DefaultBloomFPRate         = 0.01
	DefaultAddr                = "127.0.0.1:4000"
	DefaultMetricsAddr         = "127.0.0.1:4001"
	DefaultCompressionLimit    = 1 << 10
	DefaultIdleTimeout         = 5 * time.Minute
)

var backends = map[string]bool{"lsm": true, "hash": true, "btree": true, "leveldb": true}

type Config struct {
	DataDir  string        `yaml:"data_dir"`
	Backend  string        `yaml:"backend"`
	LogLevel string        `yaml:"log_level"`
	Engine   EngineOptions `yaml:"engine"`
	Server   ServerOptions `yaml:"server"`
}

// EngineOptions tunes the on-disk engines.
type EngineOptions struct {
	// CompactionThreshold is the small-log size in bytes above which the
	// next mutating call compacts before returning.
	CompactionThreshold    int64   `yaml:"compaction_threshold"`
	BloomFilter            bool    `yaml:"bloom_filter"`
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate"`
	SyncWrites             bool    `yaml:"sync_writes"`
}

type ServerOptions struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	// CompressionThreshold is the payload size above which frames are
	// snappy-compressed. Zero disables compression.
	CompressionThreshold int           `yaml:"compression_threshold"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
}

func Default() *Config {
	return &Config{
		DataDir:  DefaultDataDir,
		Backend:  DefaultBackend,
		LogLevel: DefaultLogLevel,
		Engine:   DefaultEngineOptions(),
		Server: ServerOptions{
			Addr:                 DefaultAddr,
			MetricsAddr:          DefaultMetricsAddr,
			CompressionThreshold: DefaultCompressionLimit,
			IdleTimeout:          DefaultIdleTimeout,
		},
	}
}

func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		CompactionThreshold:    DefaultCompactionThreshold,
		BloomFilter:            true,
		BloomFalsePositiveRate: DefaultBloomFPRate,
	}
}

// Load reads a YAML file on top of the defaults. Fields missing from the
// file keep their default value.
func Load(path string) (*Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}

	if !backends[c.Backend] {
		return errors.Errorf("unknown backend %q", c.Backend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}

	if c.Engine.CompactionThreshold <= 0 {
		return errors.Errorf("compaction_threshold must be positive, got %d", c.Engine.CompactionThreshold)
	}

	if c.Engine.BloomFilter && (c.Engine.BloomFalsePositiveRate <= 0 || c.Engine.BloomFalsePositiveRate >= 1) {
		return errors.Errorf("bloom_false_positive_rate must be in (0, 1), got %v", c.Engine.BloomFalsePositiveRate)
	}

	if c.Server.CompressionThreshold < 0 {
		return errors.New("compression_threshold must not be negative")
	}

	return nil
}
