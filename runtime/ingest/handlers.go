package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/process"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// maxDownloadBytes caps direct-file downloads.
const maxDownloadBytes = 200 << 20

type (
	// Searcher is a web search provider. Implementations live under
	// features/search.
	Searcher interface {
		Name() string
		Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
	}

	// SearchResult is one search hit.
	SearchResult struct {
		Title   string
		URL     string
		Content string
		Score   float64
	}

	// SourceAnalyzer produces a structured analysis of a site. Scrape
	// providers that support it are used for discovery before falling back
	// to crawling.
	SourceAnalyzer interface {
		AnalyzeSource(ctx context.Context, url string) (*SourceAnalysis, error)
	}

	// SourceAnalysis is the structured description of a site.
	SourceAnalysis struct {
		Brand          string
		Description    string
		FeedURLs       []string
		RecentArticles []string
		Categories     []string
	}

	// Handlers implements the typed ingestion handlers. Each returns the
	// assets it created and stamps ingestion provenance metadata.
	Handlers struct {
		assets   store.AssetStore
		blobs    store.BlobStore
		registry *process.Registry
		scraper  process.Scraper
		searcher Searcher
		http     *http.Client
		log      telemetry.Logger

		// pace throttles sequential URL ingestion to ~2 requests/second.
		pace *rate.Limiter
	}

	// HandlerOptions configures Handlers.
	HandlerOptions struct {
		Assets   store.AssetStore
		Blobs    store.BlobStore
		Registry *process.Registry
		Scraper  process.Scraper
		Searcher Searcher
		// HTTPClient is used for direct downloads and crawling; defaults to
		// http.DefaultClient.
		HTTPClient *http.Client
		Logger     telemetry.Logger
	}
)

// NewHandlers constructs the handler set.
func NewHandlers(opts HandlerOptions) *Handlers {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	return &Handlers{
		assets:   opts.Assets,
		blobs:    opts.Blobs,
		registry: opts.Registry,
		scraper:  opts.Scraper,
		searcher: opts.Searcher,
		http:     opts.HTTPClient,
		log:      opts.Logger,
		pace:     rate.NewLimiter(rate.Limit(2), 1),
	}
}

// File stores an upload at user_<uid>/<uuid><ext>, hashes its content and
// creates one asset of the kind matching the file extension. Processable
// kinds are processed inline when the strategy allows it.
func (h *Handlers) File(ctx context.Context, up *Upload, infospaceID, userID int64, opts Options) (*asset.Asset, error) {
	if up == nil || len(up.Data) == 0 {
		return nil, fault.Validation("file upload is empty")
	}
	kind := asset.KindForPath(up.Filename)
	a := asset.New(kind, infospaceID, userID)
	a.Title = firstNonEmpty(opts.BaseTitle, filepath.Base(up.Filename))

	ext := strings.ToLower(filepath.Ext(up.Filename))
	a.BlobPath = fmt.Sprintf("user_%d/%s%s", userID, a.UUID, ext)
	if err := h.blobs.Put(ctx, a.BlobPath, bytes.NewReader(up.Data)); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(up.Data)
	a.ContentHash = hex.EncodeToString(sum[:])
	a.StampIngestion("file_upload")
	a.SetMeta("original_filename", up.Filename)
	a.SetMeta("file_size", len(up.Data))
	mergeMeta(a, opts.Metadata)

	if err := h.assets.CreateAsset(ctx, a); err != nil {
		return nil, err
	}

	if asset.NeedsProcessing(kind) && process.ShouldProcessImmediately(a, opts.ProcessImmediately, int64(len(up.Data))) {
		if err := h.registry.Run(ctx, h.assets, h.log, a, opts.Process); err != nil {
			// The asset survives as failed; the upload itself succeeded.
			h.log.Warn(ctx, "inline processing failed", "asset_id", a.ID, "error", err.Error())
		}
	}
	return a, nil
}

// Text creates one TEXT asset with inline content and no blob.
func (h *Handlers) Text(ctx context.Context, text string, infospaceID, userID int64, opts Options) (*asset.Asset, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fault.Validation("text content is empty")
	}
	a := asset.New(asset.KindText, infospaceID, userID)
	a.Title = firstNonEmpty(opts.BaseTitle, "Text note")
	a.TextContent = text
	a.StampIngestion("text")
	mergeMeta(a, opts.Metadata)
	if err := h.assets.CreateAsset(ctx, a); err != nil {
		return nil, err
	}
	a.MarkReady()
	return a, h.assets.UpdateAsset(ctx, a)
}

// Web creates one WEB asset pointing at the URL, scraping inline when
// requested.
func (h *Handlers) Web(ctx context.Context, url string, infospaceID, userID int64, opts Options) (*asset.Asset, error) {
	a := asset.New(asset.KindWeb, infospaceID, userID)
	a.Title = firstNonEmpty(opts.BaseTitle, url)
	a.SourceIdentifier = url
	a.StampIngestion("web_page")
	mergeMeta(a, opts.Metadata)
	if err := h.assets.CreateAsset(ctx, a); err != nil {
		return nil, err
	}
	if opts.ScrapeImmediately {
		if err := h.registry.Run(ctx, h.assets, h.log, a, opts.Process); err != nil {
			h.log.Warn(ctx, "inline scrape failed", "asset_id", a.ID, "url", url, "error", err.Error())
		}
	}
	return a, nil
}

// DirectFile downloads a URL (following redirects) and stores it like an
// upload, with the kind detected from the URL path extension.
func (h *Handlers) DirectFile(ctx context.Context, url string, infospaceID, userID int64, opts Options) (*asset.Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "direct file url", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, "download "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Processing("download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, "download "+url, err)
	}

	filename := path.Base(req.URL.Path)
	a, err := h.File(ctx, &Upload{Filename: filename, Data: data}, infospaceID, userID, opts)
	if err != nil {
		return nil, err
	}
	a.SourceIdentifier = url
	a.SetMeta("ingestion_method", "direct_file")
	return a, h.assets.UpdateAsset(ctx, a)
}

// Search runs the query through the search provider and creates one WEB
// asset per hit with query and ranking metadata.
func (h *Handlers) Search(ctx context.Context, query string, infospaceID, userID int64, opts Options) ([]*asset.Asset, error) {
	if h.searcher == nil {
		return nil, fault.Validation("no search provider configured")
	}
	maxResults := opts.MaxItems
	if maxResults <= 0 {
		maxResults = 10
	}
	hits, err := h.searcher.Search(ctx, query, maxResults)
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, "search", err)
	}

	out := make([]*asset.Asset, 0, len(hits))
	for rank, hit := range hits {
		a := asset.New(asset.KindWeb, infospaceID, userID)
		a.Title = firstNonEmpty(hit.Title, hit.URL)
		a.SourceIdentifier = hit.URL
		a.TextContent = hit.Content
		a.StampIngestion("search")
		a.SetMeta("search_query", query)
		a.SetMeta("search_provider", h.searcher.Name())
		a.SetMeta("search_score", hit.Score)
		a.SetMeta("search_rank", rank+1)
		mergeMeta(a, opts.Metadata)
		if err := h.assets.CreateAsset(ctx, a); err != nil {
			h.log.Warn(ctx, "skipping search hit", "url", hit.URL, "error", err.Error())
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func mergeMeta(a *asset.Asset, meta map[string]any) {
	for k, v := range meta {
		a.SetMeta(k, v)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
