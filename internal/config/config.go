// Package config loads tiered-memory settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration file.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Tiers       TiersConfig       `yaml:"tiers"`
	Thresholds  ThresholdsConfig  `yaml:"thresholds"`
	Search      SearchConfig      `yaml:"search"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Log         LogConfig         `yaml:"log"`
}

type TiersConfig struct {
	Hot  TierConfig `yaml:"hot"`
	Warm TierConfig `yaml:"warm"`
	Cold TierConfig `yaml:"cold"`
}

// TierConfig selects a tier's indexes and capacity (0 = unbounded).
type TierConfig struct {
	Capacity int    `yaml:"capacity"`
	Lexical  string `yaml:"lexical"`
	Vector   string `yaml:"vector"`
}

type ThresholdsConfig struct {
	Hot       Duration `yaml:"hot"`
	Cold      Duration `yaml:"cold"`
	Transient Duration `yaml:"transient"`
}

type SearchConfig struct {
	TierTimeout   Duration `yaml:"tier_timeout"`
	Deadline      Duration `yaml:"deadline"`
	RRFK          int      `yaml:"rrf_k"`
	LexicalWeight float64  `yaml:"lexical_weight"`
	VectorWeight  float64  `yaml:"vector_weight"`
}

type DedupConfig struct {
	Threshold float64 `yaml:"threshold"`
	Policy    string  `yaml:"policy"`
}

type MaintenanceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	BackfillBatch int    `yaml:"backfill_batch"`
}

type EmbeddingConfig struct {
	Provider  string   `yaml:"provider"`
	Model     string   `yaml:"model"`
	URL       string   `yaml:"url"`
	Dims      int      `yaml:"dims"`
	CacheSize int64    `yaml:"cache_size"`
	Timeout   Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".tiered-memory"),
		Tiers: TiersConfig{
			Hot:  TierConfig{Capacity: 10000, Lexical: "bleve", Vector: "chromem"},
			Warm: TierConfig{Lexical: "fts", Vector: "flat"},
			Cold: TierConfig{Lexical: "fts", Vector: "chromem"},
		},
		Thresholds: ThresholdsConfig{
			Hot:       Duration(7 * 24 * time.Hour),
			Cold:      Duration(30 * 24 * time.Hour),
			Transient: Duration(24 * time.Hour),
		},
		Search: SearchConfig{
			TierTimeout:   Duration(2 * time.Second),
			Deadline:      Duration(5 * time.Second),
			RRFK:          60,
			LexicalWeight: 1,
			VectorWeight:  1,
		},
		Dedup:       DedupConfig{Threshold: 0.9, Policy: "highestPriority"},
		Maintenance: MaintenanceConfig{Enabled: true, Schedule: "@every 1h", BackfillBatch: 100},
		Embedding:   EmbeddingConfig{CacheSize: 10000, Timeout: Duration(10 * time.Second)},
		Log:         LogConfig{Level: "warn"},
	}
}

// DefaultPath returns $TIERED_MEMORY_CONFIG or ~/.tiered-memory/config.yaml.
func DefaultPath() string {
	if env := os.Getenv("TIERED_MEMORY_CONFIG"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tiered-memory", "config.yaml")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TIERED_MEMORY_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TIERED_MEMORY_EMBED_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("TIERED_MEMORY_EMBED_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("TIERED_MEMORY_EMBED_URL"); v != "" {
		c.Embedding.URL = v
	}
	if v := os.Getenv("TIERED_MEMORY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// APIKey returns the credential for the configured embedding provider from
// the environment. Keys are never read from the config file.
func (c *Config) APIKey() string {
	switch strings.ToLower(c.Embedding.Provider) {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

var (
	validLexical   = map[string]bool{"fts": true, "bleve": true}
	validVector    = map[string]bool{"flat": true, "chromem": true}
	validProviders = map[string]bool{"": true, "ollama": true, "openai": true, "gemini": true, "hash": true}
	validPolicies  = map[string]bool{"newest": true, "highestpriority": true, "highest-priority": true}
)

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	for name, t := range map[string]TierConfig{"hot": c.Tiers.Hot, "warm": c.Tiers.Warm, "cold": c.Tiers.Cold} {
		if !validLexical[t.Lexical] {
			errs = append(errs, fmt.Errorf("tiers.%s.lexical: unknown index %q (use fts, bleve)", name, t.Lexical))
		}
		if !validVector[t.Vector] {
			errs = append(errs, fmt.Errorf("tiers.%s.vector: unknown index %q (use flat, chromem)", name, t.Vector))
		}
		if t.Capacity < 0 {
			errs = append(errs, fmt.Errorf("tiers.%s.capacity must not be negative", name))
		}
	}

	th := c.Thresholds
	if th.Hot <= 0 || th.Cold <= 0 || th.Transient <= 0 {
		errs = append(errs, errors.New("thresholds must be positive"))
	}
	if th.Hot >= th.Cold {
		errs = append(errs, fmt.Errorf("thresholds.hot (%s) must be less than thresholds.cold (%s)", th.Hot, th.Cold))
	}

	if c.Search.TierTimeout <= 0 || c.Search.Deadline <= 0 {
		errs = append(errs, errors.New("search timeouts must be positive"))
	}
	if c.Search.RRFK < 1 {
		errs = append(errs, errors.New("search.rrf_k must be at least 1"))
	}
	if c.Search.LexicalWeight < 0 || c.Search.VectorWeight < 0 {
		errs = append(errs, errors.New("search weights must not be negative"))
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.threshold must be in (0, 1], got %v", c.Dedup.Threshold))
	}
	if !validPolicies[strings.ToLower(c.Dedup.Policy)] {
		errs = append(errs, fmt.Errorf("dedup.policy: unknown policy %q", c.Dedup.Policy))
	}
	if !validProviders[strings.ToLower(c.Embedding.Provider)] {
		errs = append(errs, fmt.Errorf("embedding.provider: unknown provider %q", c.Embedding.Provider))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Duration is a time.Duration that also accepts the short forms 7d, 24h, 30m and 60s.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return FormatDuration(time.Duration(d)), nil
}

var shortDuration = regexp.MustCompile(`^(\d+)([dhms])$`)

// ParseDuration parses "7d", "24h", "30m", "60s" or any time.ParseDuration string.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if m := shortDuration.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "d":
			return time.Duration(n) * 24 * time.Hour, nil
		case "h":
			return time.Duration(n) * time.Hour, nil
		case "m":
			return time.Duration(n) * time.Minute, nil
		case "s":
			return time.Duration(n) * time.Second, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use e.g. 7d, 24h, 30m, 60s)", s)
	}
	return d, nil
}

// FormatDuration renders whole days as "Nd" and everything else as Go durations.
func FormatDuration(d time.Duration) string {
	if d > 0 && d%(24*time.Hour) == 0 {
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	}
	return d.String()
}
