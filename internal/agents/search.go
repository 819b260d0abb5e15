package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SearchResult is one hit from a web search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchProvider discovers web sources for a query.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

const defaultSerperEndpoint = "https://google.serper.dev/search"

// SerperSearch implements SearchProvider against the serper.dev API.
type SerperSearch struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewSerperSearch creates a serper.dev client. endpoint may be empty to use
// the public API.
func NewSerperSearch(apiKey, endpoint string, timeout time.Duration) *SerperSearch {
	if endpoint == "" {
		endpoint = defaultSerperEndpoint
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &SerperSearch{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Search queries serper and returns up to limit organic results.
func (s *SerperSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	payload := map[string]any{"q": query, "num": limit}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	var out []SearchResult
	for i, item := range raw.Organic {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, SearchResult{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return out, nil
}
