package augment

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"

	"github.com/quillchat/quill/internal/log"
)

// Page is one fetched and text-extracted document.
type Page struct {
	URL   string
	Title string
	Text  string
}

type fetcherConfig struct {
	parallelism int
	delay       time.Duration
	timeout     time.Duration
	charBudget  int
	logger      log.Logger
}

// fetcher retrieves result pages with bounded parallelism and a per-fetch
// timeout, then extracts readable text. Individual failures are dropped
// silently; the caller decides what an empty result set means.
type fetcher struct {
	cfg fetcherConfig
}

func newFetcher(cfg fetcherConfig) *fetcher {
	if cfg.parallelism <= 0 {
		cfg.parallelism = 2
	}
	if cfg.timeout <= 0 {
		cfg.timeout = 10 * time.Second
	}
	if cfg.charBudget <= 0 {
		cfg.charBudget = 4000
	}
	return &fetcher{cfg: cfg}
}

// Fetch retrieves the given URLs and returns the successfully extracted
// pages in input order. Fetch never returns an error; a URL that fails or
// yields no readable text is simply absent from the result.
func (f *fetcher) Fetch(ctx context.Context, urls []string) []Page {
	if len(urls) == 0 {
		return nil
	}

	c := colly.NewCollector(colly.Async(true))
	c.SetRequestTimeout(f.cfg.timeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: f.cfg.parallelism,
		Delay:       f.cfg.delay,
	}); err != nil {
		f.cfg.logger.Warn("scraper limit rule rejected", "error", err)
	}

	var (
		mu    sync.Mutex
		pages = make(map[string]Page, len(urls))
	)

	c.OnResponse(func(r *colly.Response) {
		orig := r.Ctx.Get("orig")
		page, ok := f.extract(orig, r.Body)
		if !ok {
			return
		}
		mu.Lock()
		pages[orig] = page
		mu.Unlock()
	})
	c.OnError(func(r *colly.Response, err error) {
		f.cfg.logger.Debug("context fetch failed",
			"url", r.Request.URL.String(), "error", err)
	})

	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		reqCtx := colly.NewContext()
		reqCtx.Put("orig", u)
		if err := c.Request("GET", u, nil, reqCtx, nil); err != nil {
			f.cfg.logger.Debug("context fetch rejected", "url", u, "error", err)
		}
	}
	c.Wait()

	ordered := make([]Page, 0, len(pages))
	for _, u := range urls {
		if p, ok := pages[u]; ok {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// extract pulls readable text out of an HTML body: readability first, a
// plain goquery markup strip as fallback. The extracted text is truncated
// to the per-document character budget.
func (f *fetcher) extract(pageURL string, body []byte) (Page, bool) {
	var title, text string

	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}
	if article, err := readability.FromReader(bytes.NewReader(body), base); err == nil {
		title = article.Title
		text = collapseSpace(article.TextContent)
	}

	if text == "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return Page{}, false
		}
		doc.Find("script, style, noscript, nav, header, footer").Remove()
		if title == "" {
			title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		text = collapseSpace(doc.Find("body").Text())
	}

	if text == "" {
		return Page{}, false
	}

	if len(text) > f.cfg.charBudget {
		text = text[:f.cfg.charBudget]
		// Avoid splitting a UTF-8 sequence at the cut point.
		text = strings.ToValidUTF8(text, "")
	}

	return Page{URL: pageURL, Title: title, Text: text}, true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
