package ingest

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/process"
)

// DefaultMaxThreads bounds bulk scraping concurrency.
const DefaultMaxThreads = 4

// bulkScrapeMinimum is the list size below which bulk scraping is not worth
// the fan-out and sequential ingestion is used instead.
const bulkScrapeMinimum = 3

// URLList ingests a list of URLs. Lists larger than bulkScrapeMinimum with
// bulk scraping enabled are scraped concurrently; otherwise URLs are
// ingested sequentially with pacing. Per-URL failures are logged and
// skipped; the call returns whatever succeeded.
func (h *Handlers) URLList(ctx context.Context, urls []string, infospaceID, userID int64, opts Options) ([]*asset.Asset, error) {
	if len(urls) == 0 {
		return nil, fault.Validation("url list is empty")
	}
	if opts.UseBulkScraping && len(urls) > bulkScrapeMinimum {
		return h.bulkScrape(ctx, urls, infospaceID, userID, opts)
	}
	return h.sequential(ctx, urls, infospaceID, userID, opts)
}

// bulkScrape fans scraping out across a bounded worker pool, then creates
// assets from the successful payloads in one pass.
func (h *Handlers) bulkScrape(ctx context.Context, urls []string, infospaceID, userID int64, opts Options) ([]*asset.Asset, error) {
	threads := opts.MaxThreads
	if threads <= 0 {
		threads = DefaultMaxThreads
	}

	type scraped struct {
		url    string
		result *process.ScrapeResult
	}
	results := make([]*scraped, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	var mu sync.Mutex
	for i, url := range urls {
		g.Go(func() error {
			res, err := h.scraper.Scrape(gctx, url)
			if err != nil {
				h.log.Warn(gctx, "bulk scrape failed, skipping url", "url", url, "error", err.Error())
				return nil
			}
			mu.Lock()
			results[i] = &scraped{url: url, result: res}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*asset.Asset, 0, len(urls))
	for _, s := range results {
		if s == nil {
			continue
		}
		a := asset.New(asset.KindWeb, infospaceID, userID)
		a.SourceIdentifier = s.url
		a.Title = firstNonEmpty(s.result.Title, opts.BaseTitle, s.url)
		a.TextContent = s.result.TextContent
		if s.result.PublicationDate != nil {
			a.EventTimestamp = s.result.PublicationDate
		}
		a.StampIngestion("bulk_url_list")
		mergeMeta(a, opts.Metadata)
		if err := h.assets.CreateAsset(ctx, a); err != nil {
			h.log.Warn(ctx, "skipping scraped url", "url", s.url, "error", err.Error())
			continue
		}
		a.MarkReady()
		if err := h.assets.UpdateAsset(ctx, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// sequential ingests URLs one at a time through the web handler, paced to
// avoid hammering origins.
func (h *Handlers) sequential(ctx context.Context, urls []string, infospaceID, userID int64, opts Options) ([]*asset.Asset, error) {
	out := make([]*asset.Asset, 0, len(urls))
	for _, url := range urls {
		if err := h.pace.Wait(ctx); err != nil {
			return out, err
		}
		a, err := h.Web(ctx, url, infospaceID, userID, opts)
		if err != nil {
			h.log.Warn(ctx, "skipping url", "url", url, "error", err.Error())
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
