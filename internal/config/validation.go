package config

import (
	"fmt"
	"net/url"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}

	if err := validateHTTPURL(c.OllamaHost); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOllamaHost, err)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModel)
	}

	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir cannot be empty", ErrInvalidDataDir)
	}

	if err := validateHTTPURL(c.Search.BaseURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSearchURL, err)
	}

	// Retrieval budgets. TopK is deliberately capped low: retrieved context
	// is concatenated into the prompt and large K blows the context window.
	if c.Search.TopK < 1 || c.Search.TopK > 20 {
		return fmt.Errorf("%w: search.top_k must be between 1 and 20, got %d", ErrInvalidBudget, c.Search.TopK)
	}
	if c.Search.FetchN < 1 || c.Search.FetchN > c.Search.TopK {
		return fmt.Errorf("%w: search.fetch_n must be between 1 and top_k (%d), got %d",
			ErrInvalidBudget, c.Search.TopK, c.Search.FetchN)
	}
	if c.Search.DocCharBudget < 100 {
		return fmt.Errorf("%w: search.doc_char_budget must be at least 100, got %d",
			ErrInvalidBudget, c.Search.DocCharBudget)
	}

	if c.Scraper.Parallelism < 1 || c.Scraper.Parallelism > 16 {
		return fmt.Errorf("%w: scraper.parallelism must be between 1 and 16, got %d",
			ErrInvalidScraper, c.Scraper.Parallelism)
	}
	if c.Scraper.DelayMs < 0 {
		return fmt.Errorf("%w: scraper.delay_ms cannot be negative, got %d", ErrInvalidScraper, c.Scraper.DelayMs)
	}
	if c.Scraper.TimeoutMs < 100 {
		return fmt.Errorf("%w: scraper.timeout_ms must be at least 100, got %d", ErrInvalidScraper, c.Scraper.TimeoutMs)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}
