// Package config provides engine configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (DEEPMINE_* and DATABASE_URL)
//  2. Config file (~/.deepmine/config.yaml or ./config.yaml)
//  3. Default values
//
// Sensitive fields (postgres password, redis password) are masked in
// MarshalJSON and String; never log the raw struct.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Embedding provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"
)

// Sentinel errors for validation failures, checked with errors.Is.
var (
	ErrConfigNil            = errors.New("configuration is nil")
	ErrInvalidChunking      = errors.New("invalid chunk size or stride")
	ErrInvalidConcurrency   = errors.New("invalid max concurrent jobs")
	ErrInvalidPayloadLimit  = errors.New("invalid max payload size")
	ErrInvalidRetention     = errors.New("invalid retention days")
	ErrInvalidDimension     = errors.New("invalid embedding dimension")
	ErrInvalidProvider      = errors.New("invalid embedding provider")
	ErrInvalidTopK          = errors.New("invalid top-k")
	ErrInvalidRerankWindow  = errors.New("invalid rerank pool or keep")
	ErrInvalidMMRLambda     = errors.New("invalid mmr lambda")
	ErrInvalidThreshold     = errors.New("invalid score threshold")
	ErrInvalidRateLimit     = errors.New("invalid rate limit")
	ErrInvalidPostgresHost  = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort  = errors.New("invalid PostgreSQL port")
	ErrInvalidPostgresDB    = errors.New("invalid PostgreSQL database name")
	ErrInvalidSSLMode       = errors.New("invalid PostgreSQL SSL mode")
	ErrInvalidAnswerTokens  = errors.New("invalid answer token limit")
)

// Config stores engine configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; update it when
// adding new secrets.
type Config struct {
	// Pipeline
	ChunkSize         int  `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkStride       int  `mapstructure:"chunk_stride" json:"chunk_stride"`
	MaxConcurrentJobs int  `mapstructure:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	MaxPayloadMB      int  `mapstructure:"max_payload_mb" json:"max_payload_mb"`
	RetentionDays     int  `mapstructure:"retention_days" json:"retention_days"`
	StrictValidation  bool `mapstructure:"strict_validation" json:"strict_validation"`

	// Embedding
	Provider      string `mapstructure:"provider" json:"provider"` // "gemini" (default), "ollama", "local"
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbeddingDim  int    `mapstructure:"embedding_dimension" json:"embedding_dimension"`
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`

	// Answer generation
	ModelName       string  `mapstructure:"model_name" json:"model_name"`
	Temperature     float32 `mapstructure:"temperature" json:"temperature"`
	AnswerMaxTokens int     `mapstructure:"answer_max_tokens" json:"answer_max_tokens"`

	// Retrieval
	TopK                  int     `mapstructure:"top_k" json:"top_k"`
	RerankPool            int     `mapstructure:"rerank_pool" json:"rerank_pool"`
	RerankKeep            int     `mapstructure:"rerank_keep" json:"rerank_keep"`
	PerSourceCap          int     `mapstructure:"per_source_cap" json:"per_source_cap"`
	MMRLambda             float64 `mapstructure:"mmr_lambda" json:"mmr_lambda"`
	CitationMinConfidence float64 `mapstructure:"citation_min_confidence" json:"citation_min_confidence"`
	PublicScoreThreshold  float64 `mapstructure:"public_score_threshold" json:"public_score_threshold"`

	// Storage (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Rate limiting. RedisAddr empty means in-memory limiting only.
	RedisAddr       string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password" json:"redis_password"` // SENSITIVE: masked in MarshalJSON
	RateLimitUpload int    `mapstructure:"rate_limit_upload" json:"rate_limit_upload"`
	RateLimitChat   int    `mapstructure:"rate_limit_chat" json:"rate_limit_chat"`
	RateLimitPublic int    `mapstructure:"rate_limit_public" json:"rate_limit_public"`

	// HTTP surface
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For behind a reverse proxy
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".deepmine")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// Pipeline defaults
	viper.SetDefault("chunk_size", 800)
	viper.SetDefault("chunk_stride", 200)
	viper.SetDefault("max_concurrent_jobs", 10)
	viper.SetDefault("max_payload_mb", 20)
	viper.SetDefault("retention_days", 7)
	viper.SetDefault("strict_validation", false)

	// Embedding defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("embedder_model", "gemini-embedding-001")
	viper.SetDefault("embedding_dimension", 768)
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// Answer generation defaults
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("temperature", 0.2)
	viper.SetDefault("answer_max_tokens", 350)

	// Retrieval defaults
	viper.SetDefault("top_k", 6)
	viper.SetDefault("rerank_pool", 24)
	viper.SetDefault("rerank_keep", 8)
	viper.SetDefault("per_source_cap", 3)
	viper.SetDefault("mmr_lambda", 0.3)
	viper.SetDefault("citation_min_confidence", 0.62)
	viper.SetDefault("public_score_threshold", 0.62)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "deepmine")
	viper.SetDefault("postgres_password", "deepmine_dev_password")
	viper.SetDefault("postgres_db_name", "deepmine")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Rate limiting defaults (requests per minute)
	viper.SetDefault("redis_addr", "")
	viper.SetDefault("rate_limit_upload", 60)
	viper.SetDefault("rate_limit_chat", 60)
	viper.SetDefault("rate_limit_public", 120)

	// HTTP defaults
	viper.SetDefault("cors_origins", []string{"http://localhost:4200"})
	viper.SetDefault("trust_proxy", false)
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via viper.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "DEEPMINE_PROVIDER")
	mustBind("embedder_model", "DEEPMINE_EMBEDDER_MODEL")
	mustBind("embedding_dimension", "DEEPMINE_EMBEDDING_DIMENSION")
	mustBind("model_name", "DEEPMINE_MODEL_NAME")
	mustBind("ollama_host", "DEEPMINE_OLLAMA_HOST")
	mustBind("strict_validation", "DEEPMINE_STRICT_VALIDATION")
	mustBind("max_concurrent_jobs", "DEEPMINE_MAX_CONCURRENT_JOBS")
	mustBind("redis_addr", "DEEPMINE_REDIS_ADDR")
	mustBind("redis_password", "DEEPMINE_REDIS_PASSWORD")
	mustBind("cors_origins", "DEEPMINE_CORS_ORIGINS")
	mustBind("trust_proxy", "DEEPMINE_TRUST_PROXY")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 chars or
// fewer are fully masked; longer ones keep the first and last 2 chars for
// debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.RedisPassword = maskSecret(a.RedisPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// MaxPayloadBytes returns the ingest admission ceiling in bytes.
func (c *Config) MaxPayloadBytes() int64 {
	return int64(c.MaxPayloadMB) << 20
}
