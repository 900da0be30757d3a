package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the retrieval engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Prompt    PromptConfig    `mapstructure:"prompt"`
	Session   SessionConfig   `mapstructure:"session"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// ProvidersConfig contains the embedding and generation capability settings.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
}

func (o OpenAIConfig) Validate() error {
	if strings.TrimSpace(o.CompletionModel) == "" {
		return fmt.Errorf("providers.openai.completion_model is required")
	}
	if strings.TrimSpace(o.EmbeddingModel) == "" {
		return fmt.Errorf("providers.openai.embedding_model is required")
	}
	return nil
}

// ChunkingConfig controls how document text is split before embedding.
type ChunkingConfig struct {
	MaxChars int `mapstructure:"max_chars"`
	Overlap  int `mapstructure:"overlap"`
}

func (c ChunkingConfig) Validate() error {
	if c.MaxChars <= 0 {
		return fmt.Errorf("chunking.max_chars must be > 0")
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxChars {
		return fmt.Errorf("chunking.overlap must be in [0, max_chars)")
	}
	return nil
}

// RetrievalConfig controls hybrid ranking.
type RetrievalConfig struct {
	TopK          int           `mapstructure:"top_k"`
	VectorWeight  float64       `mapstructure:"vector_weight"`
	LexicalWeight float64       `mapstructure:"lexical_weight"`
	MetadataBoost float64       `mapstructure:"metadata_boost"`
	MinScore      float64       `mapstructure:"min_score"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
}

func (r RetrievalConfig) Validate() error {
	if r.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be > 0")
	}
	if r.VectorWeight < 0 || r.LexicalWeight < 0 {
		return fmt.Errorf("retrieval weights must be >= 0")
	}
	if r.VectorWeight+r.LexicalWeight == 0 {
		return fmt.Errorf("at least one retrieval weight must be > 0")
	}
	return nil
}

// PromptConfig bounds the context assembled for generation.
type PromptConfig struct {
	Preamble        string `mapstructure:"preamble"`
	EvidenceBudget  int    `mapstructure:"evidence_budget"`
	HistoryBudget   int    `mapstructure:"history_budget"`
	MaxHistoryTurns int    `mapstructure:"max_history_turns"`
}

func (p PromptConfig) Validate() error {
	if p.EvidenceBudget <= 0 {
		return fmt.Errorf("prompt.evidence_budget must be > 0")
	}
	if p.HistoryBudget < 0 {
		return fmt.Errorf("prompt.history_budget must be >= 0")
	}
	return nil
}

// SessionConfig controls conversation lifecycle.
type SessionConfig struct {
	MaxTurns     int           `mapstructure:"max_turns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

func (s SessionConfig) Validate() error {
	if s.MaxTurns <= 0 {
		return fmt.Errorf("session.max_turns must be > 0")
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be > 0")
	}
	return nil
}

// IngestConfig controls the ingestion pipeline.
type IngestConfig struct {
	Workers     int           `mapstructure:"workers"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
	EmbedBatch  int           `mapstructure:"embed_batch"`
	EventStream string        `mapstructure:"event_stream"`
	EventGroup  string        `mapstructure:"event_group"`
	SweepCron   string        `mapstructure:"sweep_cron"`
}

func (i IngestConfig) Validate() error {
	if i.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be > 0")
	}
	if i.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must be >= 0")
	}
	return nil
}

// StorageConfig groups backing stores.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains relational storage settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
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

// RedisConfig contains redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("providers.openai.completion_model", "gpt-4o-mini")
	viper.SetDefault("providers.openai.embedding_model", "text-embedding-3-small")
	viper.SetDefault("providers.openai.temperature", 0.3)
	viper.SetDefault("providers.openai.max_tokens", 2048)
	viper.SetDefault("providers.openai.generate_timeout", "60s")
	viper.SetDefault("chunking.max_chars", 1000)
	viper.SetDefault("chunking.overlap", 200)
	viper.SetDefault("retrieval.top_k", 10)
	viper.SetDefault("retrieval.vector_weight", 0.7)
	viper.SetDefault("retrieval.lexical_weight", 0.3)
	viper.SetDefault("retrieval.metadata_boost", 0.05)
	viper.SetDefault("retrieval.min_score", 0.0)
	viper.SetDefault("retrieval.search_timeout", "5s")
	viper.SetDefault("prompt.evidence_budget", 4000)
	viper.SetDefault("prompt.history_budget", 2000)
	viper.SetDefault("prompt.max_history_turns", 10)
	viper.SetDefault("session.max_turns", 50)
	viper.SetDefault("session.idle_timeout", "24h")
	viper.SetDefault("session.reap_interval", "10m")
	viper.SetDefault("ingest.workers", 4)
	viper.SetDefault("ingest.max_retries", 3)
	viper.SetDefault("ingest.retry_base", "500ms")
	viper.SetDefault("ingest.retry_max", "10s")
	viper.SetDefault("ingest.embed_batch", 16)
	viper.SetDefault("ingest.event_stream", "gazetteer:documents")
	viper.SetDefault("ingest.event_group", "gazetteer-ingest")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("GAZETTEER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional: defaults plus env cover every knob.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Providers.OpenAI.Validate(); err != nil {
		panic(err)
	}
	if err := config.Chunking.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retrieval.Validate(); err != nil {
		panic(err)
	}
	if err := config.Prompt.Validate(); err != nil {
		panic(err)
	}
	if err := config.Session.Validate(); err != nil {
		panic(err)
	}
	if err := config.Ingest.Validate(); err != nil {
		panic(err)
	}
	return &config
}
