// Package config loads application configuration via viper: a JSON config
// file with OPENRESEARCH_* environment overrides and sensible defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hec-ovi/open-research/internal/research"
)

// Config holds all configuration for the research service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Research  ResearchConfig  `mapstructure:"research"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// ResearchConfig holds the pipeline bounds and defaults for run configs.
type ResearchConfig struct {
	MaxIterations     int           `mapstructure:"max_iterations"`
	MaxFinderRetries  int           `mapstructure:"max_finder_retries"`
	MaxSources        int           `mapstructure:"max_sources"`
	SourceDiversity   bool          `mapstructure:"source_diversity"`
	ReportLength      string        `mapstructure:"report_length"`
	UsedOnlySources   bool          `mapstructure:"used_only_sources"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// RunDefaults projects the research section onto a per-session RunConfig.
func (r ResearchConfig) RunDefaults(model string) research.RunConfig {
	return research.RunConfig{
		MaxSources:       r.MaxSources,
		MaxIterations:    r.MaxIterations,
		MaxFinderRetries: r.MaxFinderRetries,
		SourceDiversity:  r.SourceDiversity,
		ReportLength:     research.ReportLength(r.ReportLength),
		Model:            model,
		UsedOnlySources:  r.UsedOnlySources,
	}
}

func (r ResearchConfig) Validate() error {
	if r.MaxIterations <= 0 {
		return fmt.Errorf("research.max_iterations must be > 0")
	}
	if r.MaxFinderRetries < 0 {
		return fmt.Errorf("research.max_finder_retries must be >= 0")
	}
	if r.StageTimeout <= 0 {
		return fmt.Errorf("research.stage_timeout must be > 0")
	}
	switch research.ReportLength(r.ReportLength) {
	case research.ReportShort, research.ReportMedium, research.ReportLong:
	default:
		return fmt.Errorf("research.report_length must be short, medium or long")
	}
	return nil
}

// LLMConfig configures the OpenAI-compatible completion endpoint (Ollama
// exposes the same surface).
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.BaseURL) == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	return nil
}

// SearchConfig configures the web search provider.
type SearchConfig struct {
	Provider   string        `mapstructure:"provider"`
	APIKey     string        `mapstructure:"api_key"`
	Endpoint   string        `mapstructure:"endpoint"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StorageConfig groups persistence backends.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles the connection string.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings for the event mirror.
// Leaving host empty disables the mirror.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// TelemetryConfig controls prometheus metrics.
type TelemetryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// LoadConfig loads config from file, falling back to defaults and
// environment variables (OPENRESEARCH_*) when no file is present.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("research.max_iterations", 3)
	v.SetDefault("research.max_finder_retries", 2)
	v.SetDefault("research.max_sources", 8)
	v.SetDefault("research.source_diversity", true)
	v.SetDefault("research.report_length", "medium")
	v.SetDefault("research.used_only_sources", false)
	v.SetDefault("research.stage_timeout", "2m")
	v.SetDefault("research.heartbeat_interval", "5s")
	v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.model", "gpt-oss:20b")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("search.provider", "serper")
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.timeout", "20s")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.namespace", "openresearch")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("OPENRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Research.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
