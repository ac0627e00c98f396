package augment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/quillchat/quill/internal/log"
)

// SearchResult is one entry from the search provider.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// searchClient queries a SearXNG instance through its JSON API.
type searchClient struct {
	baseURL string
	topK    int
	http    *http.Client
	limiter *rate.Limiter
	logger  log.Logger
}

// searchTimeout bounds one search round trip. Retrieval is best effort; a
// slow provider must not stall the turn for long.
const searchTimeout = 10 * time.Second

func newSearchClient(baseURL string, topK int, logger log.Logger) *searchClient {
	return &searchClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		topK:    topK,
		http:    &http.Client{Timeout: searchTimeout},
		// One search per second sustained, small burst. Keeps a chatty
		// client from hammering a shared SearXNG instance.
		limiter: rate.NewLimiter(1, 3),
		logger:  logger,
	}
}

type searxngResponse struct {
	Results []SearchResult `json:"results"`
}

// Search returns up to limit results for query, capped by the configured
// top-K.
func (c *searchClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var parsed searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	max := c.topK
	if limit > 0 && limit < max {
		max = limit
	}
	results := parsed.Results
	if len(results) > max {
		results = results[:max]
	}

	c.logger.Debug("search completed", "results", len(results))
	return results, nil
}
