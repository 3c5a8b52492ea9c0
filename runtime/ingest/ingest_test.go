package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/process"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

func TestDetectSourceType(t *testing.T) {
	cases := []struct {
		name string
		loc  Locator
		want SourceType
	}{
		{"upload", Locator{Upload: &Upload{Filename: "a.pdf"}}, SourceFileUpload},
		{"url list", Locator{URLs: []string{"https://a", "https://b"}}, SourceURLList},
		{"rss extension", Locator{Query: "https://example.com/news.rss"}, SourceRSSFeed},
		{"xml extension", Locator{Query: "https://example.com/feed.xml"}, SourceRSSFeed},
		{"feed path", Locator{Query: "https://example.com/feed/"}, SourceRSSFeed},
		{"feed path no slash", Locator{Query: "https://example.com/blog/feed"}, SourceRSSFeed},
		{"direct pdf", Locator{Query: "https://example.com/report.pdf"}, SourceDirectFile},
		{"direct xlsx", Locator{Query: "https://example.com/data.xlsx"}, SourceDirectFile},
		{"root is discovery", Locator{Query: "https://example.com/"}, SourceSiteDiscovery},
		{"no path is discovery", Locator{Query: "https://example.com"}, SourceSiteDiscovery},
		{"discover keyword", Locator{Query: "https://example.com/discover/sources"}, SourceSiteDiscovery},
		{"plain page", Locator{Query: "https://example.com/articles/123"}, SourceWebPage},
		{"search query", Locator{Query: "climate policy 2024"}, SourceSearchQuery},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectSourceType(tc.loc))
		})
	}
}

// In-memory stores.

type memAssets struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*asset.Asset
}

func newMemAssets() *memAssets { return &memAssets{byID: map[int64]*asset.Asset{}} }

func (s *memAssets) CreateAsset(_ context.Context, a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	s.byID[a.ID] = a
	return nil
}

func (s *memAssets) UpdateAsset(_ context.Context, a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID]; !ok {
		return fault.NotFound("asset", a.ID)
	}
	s.byID[a.ID] = a
	return nil
}

func (s *memAssets) GetAsset(_ context.Context, id int64) (*asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, fault.NotFound("asset", id)
	}
	return a, nil
}

func (s *memAssets) GetAssetByUUID(_ context.Context, id uuid.UUID) (*asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byID {
		if a.UUID == id {
			return a, nil
		}
	}
	return nil, fault.NotFound("asset", id)
}

func (s *memAssets) ListChildren(_ context.Context, parentID int64) ([]*asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*asset.Asset
	for _, a := range s.byID {
		if a.ParentAssetID != nil && *a.ParentAssetID == parentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memAssets) DeleteChildren(_ context.Context, parentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.byID {
		if a.ParentAssetID != nil && *a.ParentAssetID == parentID {
			delete(s.byID, id)
		}
	}
	return nil
}

func (s *memAssets) DeleteAsset(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fault.NotFound("asset", id)
	}
	delete(s.byID, id)
	return nil
}

func (s *memAssets) ListBySource(_ context.Context, sourceID int64) ([]*asset.Asset, error) {
	return nil, nil
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: map[string][]byte{}} }

func (b *memBlobs) Put(_ context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[path] = data
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[path]
	if !ok {
		return nil, fault.NotFound("blob", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, path)
	return nil
}

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[path]
	return ok, nil
}

type memBundles struct {
	mu      sync.Mutex
	bundles map[int64]*asset.Bundle
	links   map[int64]map[int64]bool
}

func newMemBundles() *memBundles {
	return &memBundles{bundles: map[int64]*asset.Bundle{}, links: map[int64]map[int64]bool{}}
}

func (s *memBundles) CreateBundle(_ context.Context, b *asset.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = int64(len(s.bundles) + 1)
	s.bundles[b.ID] = b
	s.links[b.ID] = map[int64]bool{}
	return nil
}

func (s *memBundles) UpdateBundle(_ context.Context, b *asset.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[b.ID] = b
	return nil
}

func (s *memBundles) GetBundle(_ context.Context, id int64) (*asset.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok {
		return nil, fault.NotFound("bundle", id)
	}
	return b, nil
}

func (s *memBundles) GetBundleByUUID(_ context.Context, id uuid.UUID) (*asset.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bundles {
		if b.UUID == id {
			return b, nil
		}
	}
	return nil, fault.NotFound("bundle", id)
}

func (s *memBundles) LinkAsset(_ context.Context, bundleID, assetID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[bundleID][assetID] {
		return false, nil
	}
	s.links[bundleID][assetID] = true
	return true, nil
}

func (s *memBundles) UnlinkAsset(_ context.Context, bundleID, assetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links[bundleID], assetID)
	return nil
}

func (s *memBundles) ListBundleAssets(context.Context, int64) ([]*asset.Asset, error) {
	return nil, nil
}

func (s *memBundles) CountLinks(_ context.Context, bundleID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links[bundleID]), nil
}

type fakeScraper struct {
	results map[string]*process.ScrapeResult
}

func (f *fakeScraper) Scrape(_ context.Context, url string) (*process.ScrapeResult, error) {
	if res, ok := f.results[url]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("no scrape result for %s", url)
}

type fakeSearcher struct {
	hits []SearchResult
}

func (f *fakeSearcher) Name() string { return "tavily" }

func (f *fakeSearcher) Search(context.Context, string, int) ([]SearchResult, error) {
	return f.hits, nil
}

type fakeQueue struct {
	tasks []*Task
}

func (q *fakeQueue) Enqueue(_ context.Context, task *Task) (string, error) {
	q.tasks = append(q.tasks, task)
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

type env struct {
	assets   *memAssets
	blobs    *memBlobs
	bundles  *memBundles
	scraper  *fakeScraper
	searcher *fakeSearcher
	queue    *fakeQueue
	handlers *Handlers
	router   *Router
}

func newEnv(t *testing.T, client *http.Client) *env {
	t.Helper()
	e := &env{
		assets:   newMemAssets(),
		blobs:    newMemBlobs(),
		bundles:  newMemBundles(),
		scraper:  &fakeScraper{results: map[string]*process.ScrapeResult{}},
		searcher: &fakeSearcher{},
		queue:    &fakeQueue{},
	}
	registry := process.DefaultRegistry(e.assets, e.blobs, e.scraper, telemetry.NopLogger{})
	e.handlers = NewHandlers(HandlerOptions{
		Assets:     e.assets,
		Blobs:      e.blobs,
		Registry:   registry,
		Scraper:    e.scraper,
		Searcher:   e.searcher,
		HTTPClient: client,
	})
	e.router = NewRouter(RouterOptions{
		Handlers: e.handlers,
		Bundles:  e.bundles,
		Access:   store.OpenAccess{},
		Queue:    e.queue,
	})
	return e
}

func TestFileHandlerStoresAndProcesses(t *testing.T) {
	e := newEnv(t, nil)
	data := []byte("name,age\nAda,36\nGrace,45\n")

	a, err := e.handlers.File(context.Background(), &Upload{Filename: "people.csv", Data: data}, 1, 7, Options{})
	require.NoError(t, err)

	assert.Equal(t, asset.KindCSV, a.Kind)
	assert.Equal(t, fmt.Sprintf("user_7/%s.csv", a.UUID), a.BlobPath)
	assert.Len(t, a.ContentHash, 64)
	assert.Equal(t, "file_upload", a.MetaString("ingestion_method"))
	assert.NotEmpty(t, a.MetaString("ingested_at"))

	// Small CSV is processed inline into row children.
	assert.Equal(t, asset.StatusReady, a.ProcessingStatus)
	children, _ := e.assets.ListChildren(context.Background(), a.ID)
	assert.Len(t, children, 2)
}

func TestFileHandlerDefersLargeFiles(t *testing.T) {
	e := newEnv(t, nil)
	data := bytes.Repeat([]byte("x,y\n"), 3<<20) // ~12 MiB

	a, err := e.handlers.File(context.Background(), &Upload{Filename: "big.csv", Data: data}, 1, 7, Options{})
	require.NoError(t, err)
	assert.Equal(t, asset.StatusPending, a.ProcessingStatus)
	children, _ := e.assets.ListChildren(context.Background(), a.ID)
	assert.Empty(t, children)
}

func TestTextHandler(t *testing.T) {
	e := newEnv(t, nil)
	a, err := e.handlers.Text(context.Background(), "inline note", 1, 7, Options{BaseTitle: "Note"})
	require.NoError(t, err)
	assert.Equal(t, asset.KindText, a.Kind)
	assert.Equal(t, "Note", a.Title)
	assert.Empty(t, a.BlobPath)
	assert.Equal(t, asset.StatusReady, a.ProcessingStatus)
}

func TestWebHandlerScrapeImmediately(t *testing.T) {
	e := newEnv(t, nil)
	e.scraper.results["https://example.com/post"] = &process.ScrapeResult{
		Title:       "Post",
		TextContent: "body text",
	}

	a, err := e.handlers.Web(context.Background(), "https://example.com/post", 1, 7, Options{ScrapeImmediately: true})
	require.NoError(t, err)
	assert.Equal(t, "body text", a.TextContent)
	assert.Equal(t, "Post", a.Title)
	assert.Equal(t, asset.StatusReady, a.ProcessingStatus)
}

func TestDirectFileHandler(t *testing.T) {
	payload := []byte("col\nvalue\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	e := newEnv(t, srv.Client())
	a, err := e.handlers.DirectFile(context.Background(), srv.URL+"/export/data.csv", 1, 7, Options{})
	require.NoError(t, err)
	assert.Equal(t, asset.KindCSV, a.Kind)
	assert.Equal(t, "direct_file", a.MetaString("ingestion_method"))
	assert.Equal(t, srv.URL+"/export/data.csv", a.SourceIdentifier)

	rc, err := e.blobs.Get(context.Background(), a.BlobPath)
	require.NoError(t, err)
	stored, _ := io.ReadAll(rc)
	assert.Equal(t, payload, stored)
}

func TestURLListBulkScraping(t *testing.T) {
	e := newEnv(t, nil)
	urls := []string{"https://a.example/1", "https://a.example/2", "https://a.example/3", "https://a.example/4"}
	for i, u := range urls {
		if i == 2 {
			continue // url 3 has no scrape result and is skipped
		}
		e.scraper.results[u] = &process.ScrapeResult{Title: fmt.Sprintf("Page %d", i), TextContent: "text"}
	}

	assets, err := e.handlers.URLList(context.Background(), urls, 1, 7, Options{UseBulkScraping: true, MaxThreads: 2})
	require.NoError(t, err)
	require.Len(t, assets, 3)
	// Order of input URLs is preserved for the successes.
	assert.Equal(t, "https://a.example/1", assets[0].SourceIdentifier)
	assert.Equal(t, "https://a.example/4", assets[2].SourceIdentifier)
	assert.Equal(t, "bulk_url_list", assets[0].MetaString("ingestion_method"))
}

func TestURLListSequential(t *testing.T) {
	e := newEnv(t, nil)
	urls := []string{"https://a.example/1", "https://a.example/2"}

	assets, err := e.handlers.URLList(context.Background(), urls, 1, 7, Options{})
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "web_page", assets[0].MetaString("ingestion_method"))
}

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example News</title>
<link>https://example.com</link>
<description>News feed</description>
<item><title>First</title><link>https://example.com/1</link><pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate><description>one</description></item>
<item><title>Second</title><link>https://example.com/2</link><description>two</description></item>
<item><title>Third</title><link>https://example.com/3</link><description>three</description></item>
</channel></rss>`

func TestRSSHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		io.WriteString(w, feedXML)
	}))
	defer srv.Close()

	e := newEnv(t, srv.Client())
	assets, err := e.handlers.RSS(context.Background(), srv.URL+"/feed.xml", 1, 7, Options{MaxItems: 2})
	require.NoError(t, err)
	require.Len(t, assets, 3) // parent + 2 items

	parent := assets[0]
	assert.Equal(t, "Example News", parent.Title)
	assert.Equal(t, 3, parent.SourceMetadata["item_count"])

	first := assets[1]
	assert.Equal(t, parent.ID, *first.ParentAssetID)
	assert.Equal(t, 0, *first.PartIndex)
	require.NotNil(t, first.EventTimestamp)
	assert.Equal(t, 2006, first.EventTimestamp.Year())

	second := assets[2]
	assert.Nil(t, second.EventTimestamp)
	assert.Equal(t, 1, *second.PartIndex)
}

func TestRouterBundleLinking(t *testing.T) {
	e := newEnv(t, nil)
	bundle := &asset.Bundle{Name: "research"}
	require.NoError(t, e.bundles.CreateBundle(context.Background(), bundle))

	res, err := e.router.Ingest(context.Background(), Locator{Query: "https://example.com/articles/1"}, 1, 7, &bundle.ID, Options{})
	require.NoError(t, err)
	require.Len(t, res.Assets, 1)
	assert.Equal(t, SourceWebPage, res.SourceType)

	got, _ := e.bundles.GetBundle(context.Background(), bundle.ID)
	assert.Equal(t, 1, got.AssetCount)

	// Re-linking the same asset does not inflate the count.
	_, err = e.bundles.LinkAsset(context.Background(), bundle.ID, res.Assets[0].ID)
	require.NoError(t, err)
	n, _ := e.bundles.CountLinks(context.Background(), bundle.ID)
	assert.Equal(t, 1, n)
}

func TestRouterDispatchesLargeURLListsToQueue(t *testing.T) {
	e := newEnv(t, nil)
	urls := make([]string, 150)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}

	res, err := e.router.Ingest(context.Background(), Locator{URLs: urls}, 1, 7, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Assets)
	assert.Equal(t, "task-1", res.TaskID)
	require.Len(t, e.queue.tasks, 1)
	assert.Equal(t, "url_list", e.queue.tasks[0].Kind)
	assert.Len(t, e.queue.tasks[0].URLs, 150)
}

func TestRouterRunTaskIngestsAndLinksBundle(t *testing.T) {
	e := newEnv(t, nil)
	bundle := &asset.Bundle{Name: "bulk"}
	require.NoError(t, e.bundles.CreateBundle(context.Background(), bundle))

	urls := []string{"https://a.example/1", "https://a.example/2"}
	for _, u := range urls {
		e.scraper.results[u] = &process.ScrapeResult{Title: u, TextContent: "text"}
	}

	err := e.router.RunTask(context.Background(), &Task{
		Kind:        "url_list",
		InfospaceID: 1,
		UserID:      7,
		URLs:        urls,
		BundleID:    &bundle.ID,
	})
	require.NoError(t, err)

	got, _ := e.bundles.GetBundle(context.Background(), bundle.ID)
	assert.Equal(t, 2, got.AssetCount)
}

func TestRouterRunTaskRejectsUnknownKind(t *testing.T) {
	e := newEnv(t, nil)
	err := e.router.RunTask(context.Background(), &Task{Kind: "carrier_pigeon"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestSearchHandler(t *testing.T) {
	e := newEnv(t, nil)
	e.searcher.hits = []SearchResult{
		{Title: "Hit A", URL: "https://a.example", Content: "snippet a", Score: 0.92},
		{Title: "Hit B", URL: "https://b.example", Content: "snippet b", Score: 0.75},
	}

	assets, err := e.handlers.Search(context.Background(), "climate policy", 1, 7, Options{})
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "climate policy", assets[0].MetaString("search_query"))
	assert.Equal(t, "tavily", assets[0].MetaString("search_provider"))
	assert.Equal(t, 0.92, assets[0].SourceMetadata["search_score"])
	assert.Equal(t, 1, assets[0].SourceMetadata["search_rank"])
	assert.Equal(t, 2, assets[1].SourceMetadata["search_rank"])
}

func TestCuratorBulkDeleteAccumulatesFailures(t *testing.T) {
	e := newEnv(t, nil)
	a := asset.New(asset.KindText, 1, 7)
	a.TextContent = "x"
	require.NoError(t, e.assets.CreateAsset(context.Background(), a))

	c := NewCurator(e.assets, e.blobs, store.OpenAccess{}, telemetry.NopLogger{})
	err := c.BulkDelete(context.Background(), []int64{a.ID, 9999}, 7)
	require.Error(t, err)

	var bulk *fault.BulkError
	require.ErrorAs(t, err, &bulk)
	assert.Equal(t, []int64{a.ID}, bulk.Succeeded)
	assert.Contains(t, bulk.Failed, "asset 9999")

	_, getErr := e.assets.GetAsset(context.Background(), a.ID)
	assert.Error(t, getErr)
}

func TestCuratorBulkTransferMovesChildren(t *testing.T) {
	e := newEnv(t, nil)
	parent := asset.New(asset.KindCSV, 1, 7)
	parent.TextContent = "x"
	require.NoError(t, e.assets.CreateAsset(context.Background(), parent))
	child := asset.New(asset.KindCSVRow, 1, 7)
	child.ParentAssetID = &parent.ID
	child.TextContent = "row"
	require.NoError(t, e.assets.CreateAsset(context.Background(), child))

	c := NewCurator(e.assets, e.blobs, store.OpenAccess{}, telemetry.NopLogger{})
	require.NoError(t, c.BulkTransfer(context.Background(), []int64{parent.ID}, 2, 7))

	got, _ := e.assets.GetAsset(context.Background(), parent.ID)
	assert.Equal(t, int64(2), got.InfospaceID)
	movedChild, _ := e.assets.GetAsset(context.Background(), child.ID)
	assert.Equal(t, int64(2), movedChild.InfospaceID)
}
