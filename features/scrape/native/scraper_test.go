package native

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articlePage = `<!DOCTYPE html>
<html>
<head>
  <title>Fallback Title</title>
  <meta property="og:title" content="Harbor Expansion Approved">
  <meta property="og:image" content="/images/harbor-aerial.jpg">
  <meta property="article:published_time" content="2024-06-02T09:15:00Z">
  <link rel="alternate" type="application/rss+xml" href="/feed.xml">
</head>
<body>
  <nav><a href="/about">About</a></nav>
  <article>
    <h1>Harbor Expansion Approved</h1>
    <p>The council approved the expansion after a long debate.</p>
    <img src="/images/harbor-aerial.jpg">
    <img src="/images/council-photo.jpg">
    <img src="/assets/logo.png">
  </article>
  <footer>contact us</footer>
</body>
</html>`

const indexPage = `<!DOCTYPE html>
<html>
<head>
  <meta property="og:site_name" content="Harbor Times">
  <link rel="alternate" type="application/rss+xml" href="/feed.xml">
</head>
<body>
  <h2><a href="/articles/one">First story</a></h2>
  <h2><a href="/articles/two">Second story</a></h2>
  <h2><a href="/articles/one">First story again</a></h2>
</body>
</html>`

func TestScrapeExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	s := New(Options{})
	result, err := s.Scrape(context.Background(), srv.URL+"/news/harbor")
	require.NoError(t, err)

	assert.Equal(t, "Harbor Expansion Approved", result.Title)
	assert.Contains(t, result.TextContent, "council approved the expansion")
	// Navigation and footer are stripped before conversion.
	assert.NotContains(t, result.TextContent, "contact us")
	assert.Equal(t, srv.URL+"/images/harbor-aerial.jpg", result.TopImage)
	assert.Contains(t, result.Images, srv.URL+"/images/council-photo.jpg")
	require.NotNil(t, result.PublicationDate)
	assert.Equal(t, 2024, result.PublicationDate.Year())
	assert.Equal(t, 6, int(result.PublicationDate.Month()))
}

func TestScrapeNon200Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(Options{}).Scrape(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestAnalyzeSourceFindsFeedsAndArticles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexPage))
	}))
	defer srv.Close()

	analysis, err := New(Options{}).AnalyzeSource(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Harbor Times", analysis.Brand)
	assert.Equal(t, []string{srv.URL + "/feed.xml"}, analysis.FeedURLs)
	assert.Equal(t, []string{srv.URL + "/articles/one", srv.URL + "/articles/two"}, analysis.RecentArticles)
}

func TestAnalyzeSourceEmptyPageFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><body><p>nothing to discover</p></body></html>"))
	}))
	defer srv.Close()

	_, err := New(Options{}).AnalyzeSource(context.Background(), srv.URL)
	require.Error(t, err)
}
