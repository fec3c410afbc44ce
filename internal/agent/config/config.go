package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the document generation system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Retriever RetrieverConfig `mapstructure:"retriever"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig contains settings for the chat-completion endpoint
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// RateLimitConfig controls spacing between outbound LLM requests
type RateLimitConfig struct {
	MinSpacing time.Duration `mapstructure:"min_spacing"`
}

// RetrievalConfig contains settings for the external retrieval service
type RetrievalConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxResults  int           `mapstructure:"max_results"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	ResultsPath string        `mapstructure:"results_path"`
}

// PlannerConfig contains planner-stage settings
type PlannerConfig struct {
	Workers int `mapstructure:"workers"`
}

// RetrieverConfig contains retriever-stage settings
type RetrieverConfig struct {
	Workers          int     `mapstructure:"workers"`
	MaxIterations    int     `mapstructure:"max_iterations"`
	QualityThreshold float64 `mapstructure:"quality_threshold"`
	LowScoreGuard    float64 `mapstructure:"low_score_guard"`
	TopKSnippets     int     `mapstructure:"top_k_snippets"`
	MaxSnippetChars  int     `mapstructure:"max_snippet_chars"`
}

// WriterConfig contains writer-stage settings
type WriterConfig struct {
	Workers          int     `mapstructure:"workers"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	QualityThreshold float64 `mapstructure:"quality_threshold"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	File     FileConfig     `mapstructure:"file"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// FileConfig contains file artifact settings
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig loads configuration from file and environment variables.
// path names an explicit config file; when empty the default search
// locations are used and a missing file is fine.
func LoadConfig(path string) (*Config, error) {
	viper.Reset()
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("docgen_config")
		viper.SetConfigType("json")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("DOCGEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; defaults plus env cover the common case
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")

	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.model", "gpt-5")
	viper.SetDefault("llm.max_tokens", 10000)
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.max_retries", 3)

	viper.SetDefault("rate_limit.min_spacing", "4s")

	viper.SetDefault("retrieval.endpoint", "")
	viper.SetDefault("retrieval.timeout", "30s")
	viper.SetDefault("retrieval.max_results", 20)
	viper.SetDefault("retrieval.cache_ttl", "10m")
	viper.SetDefault("retrieval.results_path", "results[].content")

	viper.SetDefault("planner.workers", 1)

	viper.SetDefault("retriever.workers", 5)
	viper.SetDefault("retriever.max_iterations", 3)
	viper.SetDefault("retriever.quality_threshold", 0.7)
	viper.SetDefault("retriever.low_score_guard", 0.3)
	viper.SetDefault("retriever.top_k_snippets", 5)
	viper.SetDefault("retriever.max_snippet_chars", 0)

	viper.SetDefault("writer.workers", 3)
	viper.SetDefault("writer.max_attempts", 3)
	viper.SetDefault("writer.quality_threshold", 0.7)

	viper.SetDefault("telemetry.enabled", true)

	viper.SetDefault("storage.postgres.host", "")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.redis.host", "")
	viper.SetDefault("storage.redis.port", 6379)
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.timeout", "5s")
	viper.SetDefault("storage.file.data_dir", "./data")

	viper.SetDefault("server.addr", ":8080")
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		viper.Set("llm.api_key", apiKey)
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		viper.Set("llm.base_url", base)
	}
	if endpoint := os.Getenv("RETRIEVAL_ENDPOINT"); endpoint != "" {
		viper.Set("retrieval.endpoint", endpoint)
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		viper.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		viper.Set("storage.postgres.port", port)
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		viper.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		viper.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		viper.Set("storage.postgres.dbname", db)
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("storage.redis.host", host)
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("storage.redis.password", password)
	}
}

// validateConfig validates the configuration. A missing LLM API key is the
// only error that aborts a run before the pipeline starts.
func validateConfig(config *Config) error {
	if config.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key must be configured (set OPENAI_API_KEY)")
	}
	if config.LLM.Model == "" {
		return fmt.Errorf("llm.model must be configured")
	}
	if config.Retriever.MaxIterations < 1 {
		return fmt.Errorf("retriever.max_iterations must be >= 1")
	}
	if config.Writer.MaxAttempts < 1 {
		return fmt.Errorf("writer.max_attempts must be >= 1")
	}
	return nil
}
