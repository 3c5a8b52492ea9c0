package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/fault"
)

func TestSearchReturnsRankedHits(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "Harbor expansion", "url": "https://example.com/a", "content": "council approved", "score": 0.98},
				{"title": "No URL", "url": "", "content": "dropped", "score": 0.5},
				{"title": "Ferry schedule", "url": "https://example.com/b", "content": "departures", "score": 0.61},
			},
		})
	}))
	defer srv.Close()

	s, err := New(Options{APIKey: "tvly-test", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "tavily", s.Name())

	hits, err := s.Search(context.Background(), "harbor news", 5)
	require.NoError(t, err)

	assert.Equal(t, "harbor news", captured["query"])
	assert.Equal(t, float64(5), captured["max_results"])
	assert.Equal(t, "basic", captured["search_depth"])

	// The result without a URL is dropped.
	require.Len(t, hits, 2)
	assert.Equal(t, "Harbor expansion", hits[0].Title)
	assert.Equal(t, "https://example.com/a", hits[0].URL)
	assert.InDelta(t, 0.98, hits[0].Score, 1e-9)
}

func TestSearchEmptyQueryFails(t *testing.T) {
	s, err := New(Options{APIKey: "tvly-test"})
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "  ", 5)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestSearchNon200IsProviderFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, err := New(Options{APIKey: "tvly-bad", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "harbor", 5)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindProvider))
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
