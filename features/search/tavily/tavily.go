// Package tavily implements the ingest.Searcher contract over the Tavily
// search REST API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tessera/runtime/fault"
	"tessera/runtime/ingest"
)

// ProviderName identifies this provider in registries.
const ProviderName = "tavily"

// DefaultBaseURL is the public Tavily endpoint.
const DefaultBaseURL = "https://api.tavily.com"

type (
	// Options configures the provider.
	Options struct {
		// APIKey authenticates against the Tavily API. Required.
		APIKey string

		// BaseURL overrides the API endpoint (tests point it at a local
		// server).
		BaseURL string

		// SearchDepth selects "basic" or "advanced" search. Default basic.
		SearchDepth string

		// HTTPClient overrides the HTTP client used for requests.
		HTTPClient *http.Client
	}

	// Searcher implements ingest.Searcher via Tavily.
	Searcher struct {
		key   string
		base  string
		depth string
		http  *http.Client
	}

	searchRequest struct {
		Query       string `json:"query"`
		SearchDepth string `json:"search_depth,omitempty"`
		MaxResults  int    `json:"max_results,omitempty"`
	}

	searchResponse struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
)

var _ ingest.Searcher = (*Searcher)(nil)

// New builds a Tavily searcher.
func New(opts Options) (*Searcher, error) {
	if opts.APIKey == "" {
		return nil, errors.New("tavily: api key is required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	depth := opts.SearchDepth
	if depth == "" {
		depth = "basic"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Searcher{key: opts.APIKey, base: base, depth: depth, http: hc}, nil
}

// Name returns the provider identifier.
func (s *Searcher) Name() string { return ProviderName }

// Search runs the query and returns ranked hits.
func (s *Searcher) Search(ctx context.Context, query string, maxResults int) ([]ingest.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fault.Validation("search query is empty")
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	body, err := json.Marshal(searchRequest{
		Query:       query,
		SearchDepth: s.depth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.key)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fault.Provider(ProviderName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fault.Provider(ProviderName, fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}
	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("tavily: decode search response: %w", err)
	}
	out := make([]ingest.SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, ingest.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Score:   r.Score,
		})
	}
	return out, nil
}
