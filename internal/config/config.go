// Package config loads and validates the single configuration value the
// unified store is constructed from. Configuration is read once at process
// start; after that it is only ever changed through the named admin
// operations the coordinator exposes, never by re-reading this struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds ambient process settings unrelated to store behavior.
type ServerConfig struct {
	MetricsPort string `yaml:"metrics_port"`
}

// EmbeddingConfig controls the embedding model chain (remote -> local ->
// deterministic fallback) and its cache.
type EmbeddingConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	Provider   string        `yaml:"provider"`
	Dimension  int           `yaml:"dimension"`
	CacheSize  int           `yaml:"cache_size"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// CacheConfig addresses the secondary (replicated) provider.
type CacheConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// MaintenanceConfig controls the background maintenance loop (§4.7):
// importance decay, access-bookkeeping flush, cache eviction.
type MaintenanceConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MaxConcurrentFlushes int           `yaml:"max_concurrent_flushes"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	ImportanceDecayRate  float64       `yaml:"importance_decay_rate"`
	ImportanceFloor      float64       `yaml:"importance_floor"`
	HealthPollInterval   time.Duration `yaml:"health_poll_interval"`
	HashBackfillBatch    int           `yaml:"hash_backfill_batch"`
	ResyncBatch          int           `yaml:"resync_batch"`
	DivergenceThreshold  float64       `yaml:"divergence_threshold"`
}

// DedupRule is one rule-engine-tier dedup rule: a named set of field
// conditions that, when all matched, flag incoming content as a likely
// duplicate of existing memories with the same field values.
type DedupRule struct {
	Name       string              `yaml:"name"`
	Conditions map[string][]string `yaml:"conditions"`
}

// DedupConfig controls the three-tier deduplication pipeline (§4.5).
type DedupConfig struct {
	Mode                string      `yaml:"mode"`
	SimilarityThreshold float64     `yaml:"similarity_threshold"`
	ExactMatchOnly      bool        `yaml:"exact_match_only"`
	VectorCandidateK    int         `yaml:"vector_candidate_k"`
	Rules               []DedupRule `yaml:"rules"`
}

// LoggingConfig controls the structured logger's verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PostgresConfig addresses the primary (authoritative) provider.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// CoordinatorConfig governs the unified store coordinator's cross-cutting
// policy decisions (§4.6, §6).
type CoordinatorConfig struct {
	PrimaryProviderName string `yaml:"primary_provider_name"`
	EmbeddingDim        int    `yaml:"embedding_dim"`
	WriteFailoverMode   string `yaml:"write_failover_mode"`
	QueryDeadline       time.Duration `yaml:"query_deadline_ms"`
	StoreDeadline       time.Duration `yaml:"store_deadline_ms"`
	AdminDeadline       time.Duration `yaml:"admin_deadline_ms"`
	GraphEnabled        bool   `yaml:"graph_enabled"`
	MirrorQueueSize     int    `yaml:"mirror_queue_size"`
	DegradedThreshold   int    `yaml:"degraded_threshold"`
	PoolAcquireTimeout  time.Duration `yaml:"pool_acquire_timeout"`
	MaxContentBytes     int    `yaml:"max_content_bytes"`
}

// Config is the fully validated, immutable configuration for one running
// instance of the unified store.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Cache       CacheConfig       `yaml:"cache"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Logging     LoggingConfig     `yaml:"logging"`
}

const (
	DedupModeOff      = "off"
	DedupModeLogOnly  = "log_only"
	DedupModeActive   = "active"
	DedupModeStrict   = "strict"

	WriteFailoverFailClosed = "fail_closed"
	WriteFailoverFailOpen   = "fail_open"
)

var supportedDedupModes = map[string]bool{
	DedupModeOff:     true,
	DedupModeLogOnly: true,
	DedupModeActive:  true,
	DedupModeStrict:  true,
}

var supportedFailoverModes = map[string]bool{
	WriteFailoverFailClosed: true,
	WriteFailoverFailOpen:   true,
}

var supportedEmbeddingProviders = map[string]bool{
	"local":         true,
	"remote":        true,
	"deterministic": true,
}

// Load reads path, parses it as YAML, overlays environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a fully populated, valid Config using the same
// defaults Validate would otherwise fill in, for callers (such as tests)
// that want a ready-to-use value without going through Load.
func DefaultConfig() *Config {
	c := &Config{
		Cache:  CacheConfig{Namespace: "memory"},
		Embedding: EmbeddingConfig{Model: "local-v1"},
	}
	_ = validate(c)
	return c
}

// Validate checks config for internal consistency and fills in defaults for
// unset optional fields, exported so callers that construct a Config
// programmatically (rather than via Load) can still validate it.
func Validate(config *Config) error {
	return validate(config)
}

func validate(config *Config) error {
	if config.Embedding.Provider == "" {
		config.Embedding.Provider = "local"
	}
	if !supportedEmbeddingProviders[config.Embedding.Provider] {
		return fmt.Errorf("unsupported embedding provider: %s", config.Embedding.Provider)
	}

	if config.Embedding.Endpoint == "" {
		config.Embedding.Endpoint = "http://localhost:8080"
	}

	if config.Embedding.Model == "" {
		return fmt.Errorf("embedding model is required for %s provider", config.Embedding.Provider)
	}

	if config.Embedding.Dimension == 0 {
		config.Embedding.Dimension = 384
	}
	if config.Embedding.Dimension < 0 {
		return fmt.Errorf("embedding dimension must be greater than 0")
	}
	if config.Embedding.CacheSize == 0 {
		config.Embedding.CacheSize = 10000
	}
	if config.Embedding.CacheTTL == 0 {
		config.Embedding.CacheTTL = time.Hour
	}

	if config.Cache.Namespace == "" {
		return fmt.Errorf("cache namespace is required")
	}

	if config.Maintenance.MaxConcurrentFlushes == 0 {
		config.Maintenance.MaxConcurrentFlushes = 5
	}
	if config.Maintenance.MaxConcurrentFlushes < 0 {
		return fmt.Errorf("max concurrent flushes must be greater than 0")
	}
	if config.Maintenance.FlushInterval == 0 {
		config.Maintenance.FlushInterval = time.Minute
	}
	if config.Maintenance.HealthPollInterval == 0 {
		config.Maintenance.HealthPollInterval = 30 * time.Second
	}
	if config.Maintenance.ImportanceDecayRate == 0 {
		config.Maintenance.ImportanceDecayRate = 0.01
	}
	if config.Maintenance.ImportanceDecayRate < 0 || config.Maintenance.ImportanceDecayRate > 1 {
		return fmt.Errorf("importance decay rate must be in [0,1]")
	}
	if config.Maintenance.ImportanceFloor < 0 || config.Maintenance.ImportanceFloor > 1 {
		return fmt.Errorf("importance floor must be in [0,1]")
	}
	if config.Maintenance.HashBackfillBatch == 0 {
		config.Maintenance.HashBackfillBatch = 500
	}
	if config.Maintenance.ResyncBatch == 0 {
		config.Maintenance.ResyncBatch = 500
	}
	if config.Maintenance.DivergenceThreshold == 0 {
		config.Maintenance.DivergenceThreshold = 0.05
	}

	if config.Dedup.Mode == "" {
		config.Dedup.Mode = DedupModeActive
	}
	if !supportedDedupModes[config.Dedup.Mode] {
		return fmt.Errorf("unsupported dedup mode: %s", config.Dedup.Mode)
	}
	if config.Dedup.SimilarityThreshold == 0 {
		if config.Dedup.Mode == DedupModeStrict {
			config.Dedup.SimilarityThreshold = 0.90
		} else {
			config.Dedup.SimilarityThreshold = 0.95
		}
	}
	if config.Dedup.SimilarityThreshold < 0 || config.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup similarity threshold must be in [0,1]")
	}
	if config.Dedup.VectorCandidateK == 0 {
		config.Dedup.VectorCandidateK = 5
	}

	if config.Coordinator.PrimaryProviderName == "" {
		config.Coordinator.PrimaryProviderName = "postgres-primary"
	}
	if config.Coordinator.EmbeddingDim == 0 {
		config.Coordinator.EmbeddingDim = config.Embedding.Dimension
	}
	if config.Coordinator.WriteFailoverMode == "" {
		config.Coordinator.WriteFailoverMode = WriteFailoverFailClosed
	}
	if !supportedFailoverModes[config.Coordinator.WriteFailoverMode] {
		return fmt.Errorf("unsupported write failover mode: %s", config.Coordinator.WriteFailoverMode)
	}
	if config.Coordinator.QueryDeadline == 0 {
		config.Coordinator.QueryDeadline = 2 * time.Second
	}
	if config.Coordinator.StoreDeadline == 0 {
		config.Coordinator.StoreDeadline = 5 * time.Second
	}
	if config.Coordinator.AdminDeadline == 0 {
		config.Coordinator.AdminDeadline = 10 * time.Second
	}
	if config.Coordinator.PoolAcquireTimeout == 0 {
		config.Coordinator.PoolAcquireTimeout = 3 * time.Second
	}
	if config.Coordinator.MirrorQueueSize == 0 {
		config.Coordinator.MirrorQueueSize = 1024
	}
	if config.Coordinator.DegradedThreshold == 0 {
		config.Coordinator.DegradedThreshold = 3
	}
	if config.Coordinator.MaxContentBytes == 0 {
		config.Coordinator.MaxContentBytes = 1 << 20
	}

	if config.Postgres.MaxOpenConns == 0 {
		config.Postgres.MaxOpenConns = 20
	}
	if config.Postgres.MaxIdleConns == 0 {
		config.Postgres.MaxIdleConns = config.Postgres.MaxOpenConns / 4
		if config.Postgres.MaxIdleConns < 1 {
			config.Postgres.MaxIdleConns = 1
		}
	}

	return nil
}

func loadFromEnv(config *Config) error {
	if v := os.Getenv("EMBEDDING_ENDPOINT"); v != "" {
		config.Embedding.Endpoint = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		config.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		config.Embedding.Provider = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		config.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("MAINTENANCE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MAINTENANCE_ENABLED value: %w", err)
		}
		config.Maintenance.Enabled = enabled
	}
	if v := os.Getenv("DEDUP_MODE"); v != "" {
		config.Dedup.Mode = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		config.Postgres.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DB_PORT value: %w", err)
		}
		config.Postgres.Port = port
	}
	if v := os.Getenv("CACHE_ADDRESS"); v != "" {
		config.Cache.Address = v
	}
	return nil
}
