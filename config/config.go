package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCMOVE_"

// Config is the top-level configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Manager ManagerConfig `yaml:"manager"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig holds transfer settings.
type EngineConfig struct {
	// BufferSize is a human readable size such as "32KiB".
	BufferSize       string        `yaml:"buffer_size"`
	ListingTimeout   time.Duration `yaml:"listing_timeout"`
	Verify           bool          `yaml:"verify"`
	NestTopLevel     bool          `yaml:"nest_top_level"`
	MaxDepth         int           `yaml:"max_depth"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// ManagerConfig holds job scheduling settings.
type ManagerConfig struct {
	Workers int `yaml:"workers"`
}

// HistoryConfig holds the job history store settings. An empty path
// disables history.
type HistoryConfig struct {
	Path               string        `yaml:"path"`
	CheckpointBytes    string        `yaml:"checkpoint_bytes"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// MetricsConfig holds the Prometheus endpoint settings. An empty listen
// address disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	historyPath := ""
	if dir, err := os.UserCacheDir(); err == nil {
		historyPath = filepath.Join(dir, "docmove", "history.db")
	}
	return &Config{
		Engine: EngineConfig{
			BufferSize:       "32KiB",
			ListingTimeout:   60 * time.Second,
			MaxDepth:         256,
			ProgressInterval: 250 * time.Millisecond,
		},
		Manager: ManagerConfig{
			Workers: 2,
		},
		History: HistoryConfig{
			Path:               historyPath,
			CheckpointBytes:    "10MiB",
			CheckpointInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a config file from the given path on top of the defaults. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() (string, error) {
	searchPaths := []string{"docmove.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "docmove", "docmove.yaml"))
	}
	searchPaths = append(searchPaths, "/etc/docmove/docmove.yaml")

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// LoadEnvFiles loads .env and then .env.local from the working directory.
// Missing files are skipped. Variables already set in the process win over .env
// but .env.local overrides both.
func LoadEnvFiles() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Overload(".env.local"); err != nil {
			return fmt.Errorf("failed to load .env.local: %w", err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from DOCMOVE_* variables found through lookup,
// which is os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("BUFFER_SIZE", &c.Engine.BufferSize)
	duration("LISTING_TIMEOUT", &c.Engine.ListingTimeout)
	boolean("VERIFY", &c.Engine.Verify)
	boolean("NEST_TOP_LEVEL", &c.Engine.NestTopLevel)
	integer("MAX_DEPTH", &c.Engine.MaxDepth)
	duration("PROGRESS_INTERVAL", &c.Engine.ProgressInterval)
	integer("WORKERS", &c.Manager.Workers)
	str("HISTORY_PATH", &c.History.Path)
	str("CHECKPOINT_BYTES", &c.History.CheckpointBytes)
	duration("CHECKPOINT_INTERVAL", &c.History.CheckpointInterval)
	str("METRICS_LISTEN", &c.Metrics.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if n, err := c.BufferBytes(); err != nil {
		errs = append(errs, err)
	} else if n <= 0 {
		errs = append(errs, fmt.Errorf("engine.buffer_size must be positive"))
	}
	if c.Engine.ListingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.listing_timeout must be positive"))
	}
	if c.Engine.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_depth must be positive"))
	}
	if c.Engine.ProgressInterval < 0 {
		errs = append(errs, fmt.Errorf("engine.progress_interval must not be negative"))
	}
	if c.Manager.Workers <= 0 {
		errs = append(errs, fmt.Errorf("manager.workers must be positive"))
	}
	if c.History.Path != "" {
		if _, err := c.CheckpointBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// BufferBytes parses engine.buffer_size.
func (c *Config) BufferBytes() (int, error) {
	n, err := humanize.ParseBytes(c.Engine.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("engine.buffer_size: %w", err)
	}
	return int(n), nil
}

// CheckpointBytes parses history.checkpoint_bytes.
func (c *Config) CheckpointBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.History.CheckpointBytes)
	if err != nil {
		return 0, fmt.Errorf("history.checkpoint_bytes: %w", err)
	}
	return int64(n), nil
}

// SlogLevel parses log.level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
