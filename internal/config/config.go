// Package config provides application configuration with multi-source priority.
//
// Sources, highest to lowest:
//  1. Environment variables (QUILL_* overrides)
//  2. Config file (~/.quill/config.yaml, or ./config.yaml)
//  3. Defaults (a local Ollama instance and ./chat_sessions storage)
//
// Categories:
//   - Server: listen address, log level
//   - Ollama: backend endpoint and model identifier
//   - Storage: transcript root directory
//   - Search: SearXNG endpoint and retrieval budgets
//   - Scraper: page fetch parallelism, delay, timeout
//
// Validation is fail-fast: Load returns an error before the first turn can
// run if any value is unusable. Sentinel errors support errors.Is checks.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidListenAddr indicates the server listen address is empty.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidOllamaHost indicates the Ollama endpoint is not a usable URL.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")

	// ErrInvalidModel indicates the model identifier is empty.
	ErrInvalidModel = errors.New("invalid model name")

	// ErrInvalidDataDir indicates the transcript root directory is empty.
	ErrInvalidDataDir = errors.New("invalid data directory")

	// ErrInvalidSearchURL indicates the SearXNG endpoint is not a usable URL.
	ErrInvalidSearchURL = errors.New("invalid search URL")

	// ErrInvalidBudget indicates a retrieval budget is out of range.
	ErrInvalidBudget = errors.New("invalid retrieval budget")

	// ErrInvalidScraper indicates a scraper setting is out of range.
	ErrInvalidScraper = errors.New("invalid scraper setting")
)

// SearchConfig holds SearXNG retrieval settings for context augmentation.
type SearchConfig struct {
	// BaseURL is the SearXNG instance URL (e.g., http://localhost:8888).
	BaseURL string `mapstructure:"base_url"`
	// TopK is the number of search results requested per query.
	TopK int `mapstructure:"top_k"`
	// FetchN is how many of the top results are fetched as pages (<= TopK).
	FetchN int `mapstructure:"fetch_n"`
	// DocCharBudget truncates each extracted document to this many characters.
	DocCharBudget int `mapstructure:"doc_char_budget"`
}

// ScraperConfig holds page fetch settings for context augmentation.
type ScraperConfig struct {
	// Parallelism is the max concurrent page fetches (default: 2).
	Parallelism int `mapstructure:"parallelism"`
	// DelayMs is the delay between fetches to one domain, in milliseconds.
	DelayMs int `mapstructure:"delay_ms"`
	// TimeoutMs is the per-fetch timeout in milliseconds.
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// Config stores the application configuration.
type Config struct {
	// Server
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogJSON    bool   `mapstructure:"log_json"`

	// Ollama backend
	OllamaHost string `mapstructure:"ollama_host"`
	ModelName  string `mapstructure:"model_name"`

	// Transcript storage root; one subdirectory per owner.
	DataDir string `mapstructure:"data_dir"`

	// Context augmentation
	Search  SearchConfig  `mapstructure:"search"`
	Scraper ScraperConfig `mapstructure:"scraper"`
}

// Load loads configuration with priority env > file > defaults.
func Load() (*Config, error) {
	v := viper.New()

	// Configuration directory: ~/.quill/ (best effort; cwd always works)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".quill"))
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults plus env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("model_name", "llama3:8b")

	v.SetDefault("data_dir", "chat_sessions")

	v.SetDefault("search.base_url", "http://localhost:8888")
	v.SetDefault("search.top_k", 5)
	v.SetDefault("search.fetch_n", 3)
	v.SetDefault("search.doc_char_budget", 4000)

	v.SetDefault("scraper.parallelism", 2)
	v.SetDefault("scraper.delay_ms", 200)
	v.SetDefault("scraper.timeout_ms", 10000)
}

// bindEnvVariables binds the runtime overrides explicitly. Hardcoded keys
// cannot fail to bind; a bind error here is a bug, not a runtime condition.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "QUILL_LISTEN_ADDR")
	mustBind("log_level", "QUILL_LOG_LEVEL")
	mustBind("ollama_host", "OLLAMA_HOST")
	mustBind("model_name", "OLLAMA_MODEL")
	mustBind("data_dir", "QUILL_DATA_DIR")
	mustBind("search.base_url", "QUILL_SEARXNG_URL")
}
