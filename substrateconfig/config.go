// Package substrateconfig loads the substrate's configuration surface with
// a three-layer priority: defaults, then environment variables, then
// functional options (highest priority).
package substrateconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig governs the Learning Pipeline.
type PipelineConfig struct {
	ObservationBuffer int           `json:"observation_buffer" yaml:"observation_buffer" env:"SUBSTRATE_PIPELINE_OBSERVATION_BUFFER"`
	FlushInterval     time.Duration `json:"flush_interval" yaml:"flush_interval" env:"SUBSTRATE_PIPELINE_FLUSH_INTERVAL"`
	ExtractionBatch   int           `json:"extraction_batch" yaml:"extraction_batch" env:"SUBSTRATE_PIPELINE_EXTRACTION_BATCH"`
	MinQuality        float64       `json:"min_quality" yaml:"min_quality" env:"SUBSTRATE_PIPELINE_MIN_QUALITY"`
	MinConfidence     float64       `json:"min_confidence" yaml:"min_confidence" env:"SUBSTRATE_PIPELINE_MIN_CONFIDENCE"`
	AutoLearning      bool          `json:"auto_learning" yaml:"auto_learning" env:"SUBSTRATE_PIPELINE_AUTO_LEARNING"`
	MaxPatternsPerKind int          `json:"max_patterns_per_kind" yaml:"max_patterns_per_kind" env:"SUBSTRATE_PIPELINE_MAX_PATTERNS_PER_KIND"`
}

// PlannerConfig governs the GOAP Planner.
type PlannerConfig struct {
	MaxDepth          int                `json:"max_depth" yaml:"max_depth" env:"SUBSTRATE_PLANNER_MAX_DEPTH"`
	Timeout           time.Duration      `json:"timeout" yaml:"timeout" env:"SUBSTRATE_PLANNER_TIMEOUT"`
	RiskFactors       map[string]float64 `json:"risk_factors" yaml:"risk_factors"`
	HeuristicWeights  map[string]float64 `json:"heuristic_weights" yaml:"heuristic_weights"`
	EnableReplanning  bool               `json:"enable_replanning" yaml:"enable_replanning" env:"SUBSTRATE_PLANNER_ENABLE_REPLANNING"`
	ReplanThreshold   float64            `json:"replan_threshold" yaml:"replan_threshold" env:"SUBSTRATE_PLANNER_REPLAN_THRESHOLD"`
	PatternBoostKappa float64            `json:"pattern_boost_kappa" yaml:"pattern_boost_kappa" env:"SUBSTRATE_PLANNER_PATTERN_BOOST_KAPPA"`
	FastPlanWindow    time.Duration      `json:"fast_plan_window" yaml:"fast_plan_window" env:"SUBSTRATE_PLANNER_FAST_PLAN_WINDOW"`
}

// VoterConfig governs the Byzantine Voter.
type VoterConfig struct {
	MinNodes         int           `json:"min_nodes" yaml:"min_nodes" env:"SUBSTRATE_VOTER_MIN_NODES"`
	DefaultQuorum    float64       `json:"default_quorum" yaml:"default_quorum" env:"SUBSTRATE_VOTER_DEFAULT_QUORUM"`
	DefaultConsensus float64       `json:"default_consensus" yaml:"default_consensus" env:"SUBSTRATE_VOTER_DEFAULT_CONSENSUS"`
	RoundTimeout     time.Duration `json:"round_timeout" yaml:"round_timeout" env:"SUBSTRATE_VOTER_ROUND_TIMEOUT"`
	MaxRounds        int           `json:"max_rounds" yaml:"max_rounds" env:"SUBSTRATE_VOTER_MAX_ROUNDS"`
	ReputationDecay  float64       `json:"reputation_decay" yaml:"reputation_decay" env:"SUBSTRATE_VOTER_REPUTATION_DECAY"`
	OutlierDelta     float64       `json:"outlier_delta" yaml:"outlier_delta" env:"SUBSTRATE_VOTER_OUTLIER_DELTA"`
	QuarantineFloor  float64       `json:"quarantine_floor" yaml:"quarantine_floor" env:"SUBSTRATE_VOTER_QUARANTINE_FLOOR"`
}

// AggregatorConfig governs the Pattern Aggregator.
type AggregatorConfig struct {
	AggregationInterval time.Duration `json:"aggregation_interval" yaml:"aggregation_interval" env:"SUBSTRATE_AGGREGATOR_INTERVAL"`
	MinContributors     int           `json:"min_contributors" yaml:"min_contributors" env:"SUBSTRATE_AGGREGATOR_MIN_CONTRIBUTORS"`
	MinConsensus        float64       `json:"min_consensus" yaml:"min_consensus" env:"SUBSTRATE_AGGREGATOR_MIN_CONSENSUS"`
	ConflictThreshold   float64       `json:"conflict_threshold" yaml:"conflict_threshold" env:"SUBSTRATE_AGGREGATOR_CONFLICT_THRESHOLD"`
}

// CacheConfig governs the Tiered Cache.
type CacheConfig struct {
	L1Max            int    `json:"l1_max" yaml:"l1_max" env:"SUBSTRATE_CACHE_L1_MAX"`
	L2Max            int    `json:"l2_max" yaml:"l2_max" env:"SUBSTRATE_CACHE_L2_MAX"`
	L3Max            int    `json:"l3_max" yaml:"l3_max" env:"SUBSTRATE_CACHE_L3_MAX"`
	PromoteThreshold int    `json:"promote_threshold" yaml:"promote_threshold" env:"SUBSTRATE_CACHE_PROMOTE_THRESHOLD"`
	RedisURL         string `json:"redis_url" yaml:"redis_url" env:"SUBSTRATE_CACHE_REDIS_URL,REDIS_URL"`
}

// StoreConfig governs the embedded Store.
type StoreConfig struct {
	DSN             string        `json:"dsn" yaml:"dsn" env:"SUBSTRATE_STORE_DSN"`
	MigrationsDir   string        `json:"migrations_dir" yaml:"migrations_dir" env:"SUBSTRATE_STORE_MIGRATIONS_DIR"`
	BusyTimeout     time.Duration `json:"busy_timeout" yaml:"busy_timeout" env:"SUBSTRATE_STORE_BUSY_TIMEOUT"`
	IntegrityOnOpen bool          `json:"integrity_on_open" yaml:"integrity_on_open" env:"SUBSTRATE_STORE_INTEGRITY_ON_OPEN"`
}

// VerificationConfig governs the Verification Predictor.
type VerificationConfig struct {
	Weights   map[string]float64 `json:"weights" yaml:"weights"`
	EMAAlpha  float64            `json:"ema_alpha" yaml:"ema_alpha" env:"SUBSTRATE_VERIFICATION_EMA_ALPHA"`
	DefaultThreshold float64     `json:"default_threshold" yaml:"default_threshold" env:"SUBSTRATE_VERIFICATION_DEFAULT_THRESHOLD"`
}

// Config aggregates every component's configuration as named fields, one
// per subsystem.
type Config struct {
	Pipeline     PipelineConfig     `json:"pipeline" yaml:"pipeline"`
	Planner      PlannerConfig      `json:"planner" yaml:"planner"`
	Voter        VoterConfig        `json:"voter" yaml:"voter"`
	Aggregator   AggregatorConfig   `json:"aggregator" yaml:"aggregator"`
	Cache        CacheConfig        `json:"cache" yaml:"cache"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Verification VerificationConfig `json:"verification" yaml:"verification"`
}

// Option mutates a Config during NewConfig, applied after defaults and
// env so programmatic overrides always win.
type Option func(*Config) error

// DefaultConfig returns every component's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			ObservationBuffer:  50,
			FlushInterval:      30 * time.Second,
			ExtractionBatch:    10,
			MinQuality:         0.6,
			MinConfidence:      0.5,
			AutoLearning:       true,
			MaxPatternsPerKind: 100,
		},
		Planner: PlannerConfig{
			MaxDepth: 100,
			Timeout:  5 * time.Second,
			RiskFactors: map[string]float64{
				"low": 1, "med": 1.5, "high": 2, "critical": 3,
			},
			HeuristicWeights:  map[string]float64{},
			EnableReplanning:  true,
			ReplanThreshold:   0.5,
			PatternBoostKappa: 2.0,
			FastPlanWindow:    500 * time.Millisecond,
		},
		Voter: VoterConfig{
			MinNodes:         3,
			DefaultQuorum:    0.6,
			DefaultConsensus: 0.67,
			RoundTimeout:     30 * time.Second,
			MaxRounds:        3,
			ReputationDecay:  0.1,
			OutlierDelta:     0.2,
			QuarantineFloor:  0.2,
		},
		Aggregator: AggregatorConfig{
			AggregationInterval: 5 * time.Minute,
			MinContributors:     2,
			MinConsensus:        0.67,
			ConflictThreshold:   0.15,
		},
		Cache: CacheConfig{
			L1Max:            500,
			L2Max:            5000,
			L3Max:            50000,
			PromoteThreshold: 2,
		},
		Store: StoreConfig{
			DSN:             "substrate.db",
			MigrationsDir:   "store/migrations",
			BusyTimeout:     5 * time.Second,
			IntegrityOnOpen: true,
		},
		Verification: VerificationConfig{
			Weights: map[string]float64{
				"compile": 1.0 / 3,
				"test":    1.0 / 3,
				"lint":    1.0 / 3,
			},
			EMAAlpha:         0.1,
			DefaultThreshold: 0.8,
		},
	}
}

// LoadFromEnv overlays values found in the process environment on top of
// the current Config, with explicit per-field os.Getenv checks rather than
// reflection-driven binding. Only the variables checked below are read; the
// env struct tags on the config types are not consulted.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SUBSTRATE_PIPELINE_OBSERVATION_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.ObservationBuffer = n
		}
	}
	if v := os.Getenv("SUBSTRATE_PIPELINE_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pipeline.FlushInterval = d
		}
	}
	if v := os.Getenv("SUBSTRATE_PIPELINE_MIN_QUALITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pipeline.MinQuality = f
		}
	}
	if v := os.Getenv("SUBSTRATE_PLANNER_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Planner.MaxDepth = n
		}
	}
	if v := os.Getenv("SUBSTRATE_PLANNER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Planner.Timeout = d
		}
	}
	if v := os.Getenv("SUBSTRATE_VOTER_MIN_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Voter.MinNodes = n
		}
	}
	if v := os.Getenv("SUBSTRATE_VOTER_DEFAULT_CONSENSUS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Voter.DefaultConsensus = f
		}
	}
	if v := os.Getenv("SUBSTRATE_CACHE_L1_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.L1Max = n
		}
	}
	if v := os.Getenv("SUBSTRATE_CACHE_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("SUBSTRATE_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("SUBSTRATE_STORE_MIGRATIONS_DIR"); v != "" {
		c.Store.MigrationsDir = v
	}
	if v := os.Getenv("SUBSTRATE_VERIFICATION_EMA_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Verification.EMAAlpha = f
		}
	}
	return nil
}

// LoadFromFile overlays values found in a JSON or YAML file on top of the
// current Config, keyed the same as the struct tags above. File settings
// override environment variables but are overridden by functional options,
// the same layered priority NewConfig documents.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("substrateconfig: unsupported config file extension %q: %w", ext, errUnsupportedExt)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- path supplied by the operator, not request input
	if err != nil {
		return fmt.Errorf("substrateconfig: read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("substrateconfig: parse JSON config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("substrateconfig: parse YAML config file: %w", err)
		}
	}
	return nil
}

var errUnsupportedExt = fmt.Errorf("config file must be .json, .yaml, or .yml")

// NewConfig builds a Config using the three-layer priority: defaults, env,
// then functional options, and validates the result. When
// SUBSTRATE_CONFIG_FILE is set, a file load is interposed between env and options, per
// LoadFromFile's documented ordering.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("substrateconfig: load env: %w", err)
	}

	if path := os.Getenv("SUBSTRATE_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("substrateconfig: %w", err)
		}
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("substrateconfig: apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("substrateconfig: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects bad configuration fail-fast: the call is refused and no
// state changes.
func (c *Config) Validate() error {
	if c.Voter.MinNodes < 1 {
		return fmt.Errorf("voter.min_nodes must be >= 1")
	}
	if c.Voter.DefaultConsensus <= 0 || c.Voter.DefaultConsensus > 1 {
		return fmt.Errorf("voter.default_consensus must be in (0,1]")
	}
	if c.Cache.L1Max <= 0 || c.Cache.L2Max <= 0 || c.Cache.L3Max <= 0 {
		return fmt.Errorf("cache tier sizes must be positive")
	}
	if c.Planner.MaxDepth <= 0 {
		return fmt.Errorf("planner.max_depth must be positive")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must not be empty")
	}
	return nil
}

// WithStoreDSN overrides the Store DSN.
func WithStoreDSN(dsn string) Option {
	return func(c *Config) error {
		if dsn == "" {
			return fmt.Errorf("dsn must not be empty")
		}
		c.Store.DSN = dsn
		return nil
	}
}

// WithCacheRedisURL overrides the L3 Redis mirror URL.
func WithCacheRedisURL(url string) Option {
	return func(c *Config) error {
		c.Cache.RedisURL = url
		return nil
	}
}

// WithVoterThresholds overrides quorum/consensus requirements.
func WithVoterThresholds(quorum, consensus float64) Option {
	return func(c *Config) error {
		if quorum <= 0 || quorum > 1 || consensus <= 0 || consensus > 1 {
			return fmt.Errorf("quorum and consensus must be in (0,1]")
		}
		c.Voter.DefaultQuorum = quorum
		c.Voter.DefaultConsensus = consensus
		return nil
	}
}
