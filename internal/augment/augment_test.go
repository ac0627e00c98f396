package augment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quillchat/quill/internal/log"
)

// fakeSearcher returns canned results or a canned error.
type fakeSearcher struct {
	results []SearchResult
	err     error
	calls   int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ int) ([]SearchResult, error) {
	f.calls++
	return f.results, f.err
}

// fakeFetcher returns canned pages and records the requested URLs.
type fakeFetcher struct {
	pages    []Page
	lastURLs []string
}

func (f *fakeFetcher) Fetch(_ context.Context, urls []string) []Page {
	f.lastURLs = urls
	return f.pages
}

func newTestAugmenter(t *testing.T, s searcher, p pageFetcher) *Augmenter {
	t.Helper()
	a, err := New(Config{
		SearchURL: "http://localhost:8888",
		TopK:      5,
		FetchN:    2,
		Logger:    log.NewNop(),
		Clock:     func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s != nil {
		a.search = s
	}
	if p != nil {
		a.fetch = p
	}
	return a
}

func TestAugmentNotRequested(t *testing.T) {
	s := &fakeSearcher{}
	a := newTestAugmenter(t, s, &fakeFetcher{})

	got := a.Augment(context.Background(), "anything", false)
	if got != (Result{}) {
		t.Errorf("Augment() = %+v, want zero result", got)
	}
	if s.calls != 0 {
		t.Errorf("search called %d times, want 0", s.calls)
	}
}

func TestAugmentDirectAnswerSkipsSearch(t *testing.T) {
	s := &fakeSearcher{}
	a := newTestAugmenter(t, s, &fakeFetcher{})

	got := a.Augment(context.Background(), "what time is it?", true)
	if got.Direct == "" {
		t.Fatal("Augment() returned no direct answer")
	}
	if got.Context != "" {
		t.Errorf("direct answer must not carry context, got %q", got.Context)
	}
	if s.calls != 0 {
		t.Errorf("search called %d times for direct answer, want 0", s.calls)
	}
	if !strings.Contains(got.Direct, "3:04 PM") {
		t.Errorf("Direct = %q, want deterministic time", got.Direct)
	}
}

func TestAugmentContextBlob(t *testing.T) {
	s := &fakeSearcher{results: []SearchResult{
		{URL: "https://a.example", Title: "Doc A"},
		{URL: "https://b.example", Title: "Doc B"},
		{URL: "https://c.example", Title: "Doc C"},
	}}
	f := &fakeFetcher{pages: []Page{
		{URL: "https://a.example", Title: "Doc A", Text: "alpha text"},
		{URL: "https://b.example", Title: "Doc B", Text: "beta text"},
	}}
	a := newTestAugmenter(t, s, f)

	got := a.Augment(context.Background(), "go concurrency", true)
	if got.Direct != "" {
		t.Errorf("unexpected direct answer %q", got.Direct)
	}
	for _, want := range []string{"Doc A", "https://a.example", "alpha text", "beta text", "go concurrency"} {
		if !strings.Contains(got.Context, want) {
			t.Errorf("context missing %q:\n%s", want, got.Context)
		}
	}
	// FetchN is 2: only the top two results are fetched.
	if len(f.lastURLs) != 2 {
		t.Errorf("fetched %d urls, want 2 (fetch_n)", len(f.lastURLs))
	}
}

func TestAugmentSearchFailureDegrades(t *testing.T) {
	s := &fakeSearcher{err: errors.New("searxng down")}
	a := newTestAugmenter(t, s, &fakeFetcher{})

	got := a.Augment(context.Background(), "go concurrency", true)
	if got.Context != NeutralContext {
		t.Errorf("Context = %q, want neutral blob", got.Context)
	}
}

func TestAugmentAllFetchesFailDegrades(t *testing.T) {
	s := &fakeSearcher{results: []SearchResult{{URL: "https://a.example", Title: "A"}}}
	f := &fakeFetcher{pages: nil}
	a := newTestAugmenter(t, s, f)

	got := a.Augment(context.Background(), "go concurrency", true)
	if got.Context != NeutralContext {
		t.Errorf("Context = %q, want neutral blob", got.Context)
	}
}

func TestAugmentNoResultsDegrades(t *testing.T) {
	a := newTestAugmenter(t, &fakeSearcher{}, &fakeFetcher{})

	got := a.Augment(context.Background(), "go concurrency", true)
	if got.Context != NeutralContext {
		t.Errorf("Context = %q, want neutral blob", got.Context)
	}
}

func TestNewRequiresLogger(t *testing.T) {
	if _, err := New(Config{SearchURL: "http://x"}); err == nil {
		t.Error("New() without logger succeeded")
	}
	if _, err := New(Config{Logger: log.NewNop()}); err == nil {
		t.Error("New() without search URL succeeded")
	}
}
