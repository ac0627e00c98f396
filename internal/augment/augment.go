// Package augment decides whether a conversation turn needs external
// context and produces it.
//
// Three outcomes are possible for a turn:
//   - a direct deterministic answer (canonical time/date queries), which
//     bypasses the generation backend entirely
//   - a context blob assembled from web search results
//   - nothing, when augmentation was not requested
//
// The package never fails a turn: search or fetch errors degrade to a
// smaller or neutral context and are only logged.
package augment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quillchat/quill/internal/log"
)

// Clock supplies wall-clock time for direct answers. Injected so tests get
// deterministic output.
type Clock func() time.Time

// Config contains all required parameters for the Augmenter.
type Config struct {
	// SearchURL is the SearXNG instance base URL.
	SearchURL string
	// TopK is the number of search results requested.
	TopK int
	// FetchN is how many of the top results are fetched as pages.
	FetchN int
	// DocCharBudget truncates each extracted document.
	DocCharBudget int

	// Page fetch settings.
	Parallelism  int
	FetchDelay   time.Duration
	FetchTimeout time.Duration

	Logger log.Logger

	// Clock is optional; nil means time.Now.
	Clock Clock
}

// Result is the augmentation outcome for one turn. At most one of Direct
// and Context is non-empty.
type Result struct {
	// Direct is a deterministic answer that replaces generation.
	Direct string
	// Context is a text blob to inject ahead of generation.
	Context string
}

// NeutralContext is returned when every retrieval path failed. The turn
// still proceeds; the model simply sees that nothing was found.
const NeutralContext = "Web context: no results were available for this query."

// Augmenter produces per-turn context. Safe for concurrent use.
type Augmenter struct {
	search searcher
	fetch  pageFetcher
	fetchN int
	clock  Clock
	logger log.Logger
}

// searcher and pageFetcher are seams for testing; production wiring uses
// the SearXNG client and the colly-based fetcher below.
type searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

type pageFetcher interface {
	Fetch(ctx context.Context, urls []string) []Page
}

// New creates an Augmenter from config.
func New(cfg Config) (*Augmenter, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.SearchURL == "" {
		return nil, fmt.Errorf("search URL is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Augmenter{
		search: newSearchClient(cfg.SearchURL, cfg.TopK, cfg.Logger),
		fetch: newFetcher(fetcherConfig{
			parallelism: cfg.Parallelism,
			delay:       cfg.FetchDelay,
			timeout:     cfg.FetchTimeout,
			charBudget:  cfg.DocCharBudget,
			logger:      cfg.Logger,
		}),
		fetchN: cfg.FetchN,
		clock:  clock,
		logger: cfg.Logger,
	}, nil
}

// Augment resolves the augmentation outcome for one query. When requested
// is false it returns the zero Result and touches nothing.
func (a *Augmenter) Augment(ctx context.Context, query string, requested bool) Result {
	if !requested {
		return Result{}
	}

	if answer, ok := directAnswer(query, a.clock()); ok {
		a.logger.Debug("direct answer served", "query", query)
		return Result{Direct: answer}
	}

	results, err := a.search.Search(ctx, query, 0)
	if err != nil {
		a.logger.Warn("web search failed (continuing without context)",
			"query_length", len(query), "error", err)
		return Result{Context: NeutralContext}
	}
	if len(results) == 0 {
		a.logger.Debug("web search returned no results", "query_length", len(query))
		return Result{Context: NeutralContext}
	}

	// Search wide, fetch narrow: only the top N result pages are fetched.
	if a.fetchN > 0 && len(results) > a.fetchN {
		results = results[:a.fetchN]
	}
	urls := make([]string, 0, len(results))
	titles := make(map[string]string, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
		titles[r.URL] = r.Title
	}

	pages := a.fetch.Fetch(ctx, urls)
	if len(pages) == 0 {
		a.logger.Warn("all context fetches failed", "urls", len(urls))
		return Result{Context: NeutralContext}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Web context for: %s\n", query)
	for i, p := range pages {
		title := p.Title
		if title == "" {
			title = titles[p.URL]
		}
		fmt.Fprintf(&b, "\n[%d] %s (%s)\n%s\n", i+1, title, p.URL, p.Text)
	}

	a.logger.Debug("assembled web context",
		"documents", len(pages), "chars", b.Len())
	return Result{Context: b.String()}
}
