// Package config provides configuration management for the ltm server.
// Settings start from defaults, are overlaid by an optional YAML file (path
// in LTM_CONFIG) and finally by environment variables with the LTM_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/ltm/internal/engine"
)

// Config holds all configuration settings of the ltm server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Engine      EngineConfig      `yaml:"engine"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Backup      BackupConfig      `yaml:"backup"`
	Notify      NotifyConfig      `yaml:"notify"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host      string  `yaml:"host"`       // default: 127.0.0.1
	Port      int     `yaml:"port"`       // default: 6464
	APIToken  string  `yaml:"api_token"`  // empty disables auth
	RateLimit float64 `yaml:"rate_limit"` // requests per second per client, default: 20
	Burst     int     `yaml:"burst"`      // default: 40
	Trace     bool    `yaml:"trace"`      // allow ?trace=true on queries
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite (default) or postgres
	Path        string `yaml:"path"`         // SQLite file, default: ./data/ltm.db
	PostgresDSN string `yaml:"postgres_dsn"` // required for postgres
}

// OracleConfig configures the judge oracle and the guard in front of both
// oracles.
type OracleConfig struct {
	Enabled       bool          `yaml:"enabled"`  // default: true
	Provider      string        `yaml:"provider"` // ollama (default), openai, anthropic
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"` // default: qwen2.5:7b
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int64         `yaml:"max_concurrent"` // default: 4
	RatePerSecond float64       `yaml:"rate_per_second"`
	MaxFailures   uint32        `yaml:"max_failures"` // default: 3
	OpenTimeout   time.Duration `yaml:"open_timeout"` // default: 30s
}

// EmbeddingConfig configures the embedding oracle and the index in front of it.
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"` // ollama (default) or openai
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`     // default: nomic-embed-text
	Dimension   int           `yaml:"dimension"` // default: 768
	CacheSize   int           `yaml:"cache_size"`
	BatchWindow time.Duration `yaml:"batch_window"`
	MaxBatch    int           `yaml:"max_batch"`
	Timeout     time.Duration `yaml:"timeout"`
}

// EngineConfig mirrors engine.Config.
type EngineConfig struct {
	DefaultK                  int           `yaml:"default_k"`
	MaxK                      int           `yaml:"max_k"`
	CandidatePool             int           `yaml:"candidate_pool"`
	ComplexityThreshold       int           `yaml:"complexity_threshold"`
	ContradictionMinJaccard   float64       `yaml:"contradiction_min_jaccard"`
	ContradictionMinShared    int           `yaml:"contradiction_min_shared"`
	MaxContradictionPairs     int           `yaml:"max_contradiction_pairs"`
	VerificationBatch         int           `yaml:"verification_batch"`
	VerificationReaskAfter    time.Duration `yaml:"verification_reask_after"`
	VerificationMinConfidence float64       `yaml:"verification_min_confidence"`
	VerificationMaxConfidence float64       `yaml:"verification_max_confidence"`
	ConfirmThreshold          float64       `yaml:"confirm_threshold"`
	DenyThreshold             float64       `yaml:"deny_threshold"`
	DecayHalfLife             time.Duration `yaml:"decay_half_life"`
	DecayFloor                float64       `yaml:"decay_floor"`
	MergeThreshold            float64       `yaml:"merge_threshold"`
	RewriteMinSimilarity      float64       `yaml:"rewrite_min_similarity"`
	OracleOwners              int           `yaml:"oracle_owners"`
	OracleMinMemories         int           `yaml:"oracle_min_memories"`
	OracleBatchSize           int           `yaml:"oracle_batch_size"`
}

// MaintenanceConfig controls the maintenance scheduler.
type MaintenanceConfig struct {
	Enabled    bool          `yaml:"enabled"`      // default: true
	Interval   time.Duration `yaml:"interval"`     // default: 6h
	RunOnStart bool          `yaml:"run_on_start"` // default: false
	Timeout    time.Duration `yaml:"timeout"`      // default: 1h
}

// BackupConfig controls pre-curation snapshots. An empty Dir disables them.
type BackupConfig struct {
	Dir    string        `yaml:"dir"`
	Keep   int           `yaml:"keep"` // default: 5
	MaxAge time.Duration `yaml:"max_age"`
	Verify bool          `yaml:"verify"` // default: true
}

// NotifyConfig controls cross-process change events.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`  // default: false
	DataDir string `yaml:"data_dir"` // default: ./data
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info (default), warn, error
	Format string `yaml:"format"` // text (default), json, logfmt
}

// Default returns the built-in configuration.
func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      6464,
			RateLimit: 20,
			Burst:     40,
		},
		Storage: StorageConfig{
			Engine: "sqlite",
			Path:   "./data/ltm.db",
		},
		Oracle: OracleConfig{
			Enabled:       true,
			Provider:      "ollama",
			BaseURL:       "http://localhost:11434",
			Model:         "qwen2.5:7b",
			Timeout:       60 * time.Second,
			MaxConcurrent: 4,
			MaxFailures:   3,
			OpenTimeout:   30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			BaseURL:     "http://localhost:11434",
			Model:       "nomic-embed-text",
			Dimension:   768,
			CacheSize:   4096,
			BatchWindow: 10 * time.Millisecond,
			MaxBatch:    32,
			Timeout:     30 * time.Second,
		},
		Engine: EngineConfig{
			DefaultK:                  ec.DefaultK,
			MaxK:                      ec.MaxK,
			CandidatePool:             ec.CandidatePool,
			ComplexityThreshold:       ec.ComplexityThreshold,
			ContradictionMinJaccard:   ec.ContradictionMinJaccard,
			ContradictionMinShared:    ec.ContradictionMinShared,
			MaxContradictionPairs:     ec.MaxContradictionPairs,
			VerificationBatch:         ec.VerificationBatch,
			VerificationReaskAfter:    ec.VerificationReaskAfter,
			VerificationMinConfidence: ec.VerificationMinConfidence,
			VerificationMaxConfidence: ec.VerificationMaxConfidence,
			ConfirmThreshold:          ec.ConfirmThreshold,
			DenyThreshold:             ec.DenyThreshold,
			DecayHalfLife:             ec.DecayHalfLife,
			DecayFloor:                ec.DecayFloor,
			MergeThreshold:            ec.MergeThreshold,
			RewriteMinSimilarity:      ec.RewriteMinSimilarity,
			OracleOwners:              ec.OracleOwners,
			OracleMinMemories:         ec.OracleMinMemories,
			OracleBatchSize:           ec.OracleBatchSize,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Interval: 6 * time.Hour,
			Timeout:  time.Hour,
		},
		Backup: BackupConfig{
			Keep:   5,
			Verify: true,
		},
		Notify: NotifyConfig{
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// LTM_CONFIG (if set) and LTM_* environment variables, then validates it.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("LTM_CONFIG"))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg with any LTM_* environment variables that are set.
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("LTM_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("LTM_PORT", cfg.Server.Port)
	cfg.Server.APIToken = getEnv("LTM_API_TOKEN", cfg.Server.APIToken)
	cfg.Server.RateLimit = getEnvFloat("LTM_RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.Trace = getEnvBool("LTM_TRACE", cfg.Server.Trace)

	cfg.Storage.Engine = getEnv("LTM_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.Path = getEnv("LTM_SQLITE_PATH", cfg.Storage.Path)
	cfg.Storage.PostgresDSN = getEnv("LTM_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Oracle.Enabled = getEnvBool("LTM_ORACLE_ENABLED", cfg.Oracle.Enabled)
	cfg.Oracle.Provider = getEnv("LTM_ORACLE_PROVIDER", cfg.Oracle.Provider)
	cfg.Oracle.BaseURL = getEnv("LTM_ORACLE_URL", cfg.Oracle.BaseURL)
	cfg.Oracle.APIKey = getEnv("LTM_ORACLE_API_KEY", cfg.Oracle.APIKey)
	cfg.Oracle.Model = getEnv("LTM_ORACLE_MODEL", cfg.Oracle.Model)
	cfg.Oracle.RatePerSecond = getEnvFloat("LTM_ORACLE_RATE", cfg.Oracle.RatePerSecond)

	cfg.Embedding.Provider = getEnv("LTM_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.BaseURL = getEnv("LTM_EMBEDDING_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.APIKey = getEnv("LTM_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Model = getEnv("LTM_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimension = getEnvInt("LTM_EMBEDDING_DIMENSION", cfg.Embedding.Dimension)

	cfg.Maintenance.Enabled = getEnvBool("LTM_MAINTENANCE_ENABLED", cfg.Maintenance.Enabled)
	cfg.Maintenance.Interval = getEnvDuration("LTM_MAINTENANCE_INTERVAL", cfg.Maintenance.Interval)
	cfg.Maintenance.RunOnStart = getEnvBool("LTM_MAINTENANCE_ON_START", cfg.Maintenance.RunOnStart)

	cfg.Backup.Dir = getEnv("LTM_BACKUP_DIR", cfg.Backup.Dir)
	cfg.Backup.Keep = getEnvInt("LTM_BACKUP_KEEP", cfg.Backup.Keep)

	cfg.Notify.Enabled = getEnvBool("LTM_NOTIFY_ENABLED", cfg.Notify.Enabled)
	cfg.Notify.DataDir = getEnv("LTM_DATA_DIR", cfg.Notify.DataDir)

	cfg.Log.Level = getEnv("LTM_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LTM_LOG_FORMAT", cfg.Log.Format)
}

// Validate checks the configuration, including the engine settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in [0,65535], got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must be >= 0, got %v", c.Server.RateLimit))
	}

	switch c.Storage.Engine {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for postgres"))
		}
		if c.Backup.Dir != "" {
			errs = append(errs, errors.New("backup.dir is only supported with sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.engine must be sqlite or postgres, got %q", c.Storage.Engine))
	}

	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension))
	}
	if c.Embedding.Provider == "anthropic" {
		errs = append(errs, errors.New("embedding.provider anthropic has no embedding API"))
	}

	if c.Maintenance.Enabled && c.Maintenance.Interval < time.Minute {
		errs = append(errs, fmt.Errorf("maintenance.interval must be >= 1m, got %v", c.Maintenance.Interval))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text, json or logfmt, got %q", c.Log.Format))
	}

	ec := c.EngineConfig()
	if err := ec.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EngineConfig converts the engine section into an engine.Config.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		DefaultK:                  e.DefaultK,
		MaxK:                      e.MaxK,
		CandidatePool:             e.CandidatePool,
		ComplexityThreshold:       e.ComplexityThreshold,
		ContradictionMinJaccard:   e.ContradictionMinJaccard,
		ContradictionMinShared:    e.ContradictionMinShared,
		MaxContradictionPairs:     e.MaxContradictionPairs,
		VerificationBatch:         e.VerificationBatch,
		VerificationReaskAfter:    e.VerificationReaskAfter,
		VerificationMinConfidence: e.VerificationMinConfidence,
		VerificationMaxConfidence: e.VerificationMaxConfidence,
		ConfirmThreshold:          e.ConfirmThreshold,
		DenyThreshold:             e.DenyThreshold,
		DecayHalfLife:             e.DecayHalfLife,
		DecayFloor:                e.DecayFloor,
		MergeThreshold:            e.MergeThreshold,
		RewriteMinSimilarity:      e.RewriteMinSimilarity,
		OracleOwners:              e.OracleOwners,
		OracleMinMemories:         e.OracleMinMemories,
		OracleBatchSize:           e.OracleBatchSize,
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat is getEnvInt for floating point values.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration parses values such as "90s" or "6h".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
