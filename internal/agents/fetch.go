package agents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// Page is the readable content extracted from a fetched URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

// ContentFetcher retrieves the readable text of a web page.
type ContentFetcher interface {
	Fetch(ctx context.Context, link string) (Page, error)
}

// Fetcher downloads pages over plain HTTP and extracts the main content
// with readability. Text is clamped to MaxChars.
type Fetcher struct {
	UserAgent  string
	MaxChars   int
	httpClient *http.Client
}

// NewFetcher creates a Fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration, maxChars int) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 12000
	}
	return &Fetcher{
		UserAgent:  "open-research/1.0",
		MaxChars:   maxChars,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch downloads link and returns its readable content. Non-2xx responses
// and parse failures are errors; the finder treats them as a skipped source.
func (f *Fetcher) Fetch(ctx context.Context, link string) (Page, error) {
	if strings.TrimSpace(link) == "" {
		return Page{}, errors.New("invalid url")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", link, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	parsed, err := url.Parse(link)
	if err != nil {
		parsed = &url.URL{}
	}
	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return Page{}, fmt.Errorf("readability extraction failed: %w", err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > f.MaxChars {
		text = text[:f.MaxChars]
	}
	return Page{
		URL:   link,
		Title: strings.TrimSpace(article.Title),
		Text:  text,
	}, nil
}
