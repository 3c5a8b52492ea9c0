package ingest

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
)

const (
	// DefaultMaxDepth bounds how deep the fallback crawl follows links.
	DefaultMaxDepth = 2
	// DefaultMaxURLs bounds how many pages a discovery call may yield.
	DefaultMaxURLs = 20
)

// Discover analyzes a site and ingests its notable pages. When the scrape
// provider can analyze sources, its structured output (feeds, recent
// articles) drives ingestion; otherwise a bounded breadth-first crawl
// collects same-host links.
func (h *Handlers) Discover(ctx context.Context, siteURL string, infospaceID, userID int64, opts Options) ([]*asset.Asset, error) {
	maxURLs := opts.MaxURLs
	if maxURLs <= 0 {
		maxURLs = DefaultMaxURLs
	}

	if analyzer, ok := h.scraper.(SourceAnalyzer); ok {
		analysis, err := analyzer.AnalyzeSource(ctx, siteURL)
		if err == nil && analysis != nil {
			return h.ingestAnalysis(ctx, siteURL, analysis, maxURLs, infospaceID, userID, opts)
		}
		if err != nil {
			h.log.Warn(ctx, "source analysis failed, falling back to crawl", "url", siteURL, "error", err.Error())
		}
	}

	links, err := h.crawl(ctx, siteURL, opts.MaxDepth, maxURLs)
	if err != nil {
		return nil, err
	}
	out := make([]*asset.Asset, 0, len(links))
	for _, link := range links {
		a, err := h.Web(ctx, link, infospaceID, userID, opts)
		if err != nil {
			h.log.Warn(ctx, "skipping discovered url", "url", link, "error", err.Error())
			continue
		}
		a.SetMeta("ingestion_method", "site_discovery")
		a.SetMeta("discovered_from", siteURL)
		if err := h.assets.UpdateAsset(ctx, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ingestAnalysis turns a structured site analysis into assets: feeds are
// ingested as feeds and recent articles as web pages, up to the URL cap.
func (h *Handlers) ingestAnalysis(ctx context.Context, siteURL string, analysis *SourceAnalysis, maxURLs int, infospaceID, userID int64, opts Options) ([]*asset.Asset, error) {
	var out []*asset.Asset
	remaining := maxURLs

	for _, feedURL := range analysis.FeedURLs {
		if remaining <= 0 {
			break
		}
		feedOpts := opts
		feedOpts.MaxItems = remaining
		assets, err := h.RSS(ctx, feedURL, infospaceID, userID, feedOpts)
		if err != nil {
			h.log.Warn(ctx, "skipping discovered feed", "url", feedURL, "error", err.Error())
			continue
		}
		out = append(out, assets...)
		remaining -= len(assets)
	}

	for _, articleURL := range analysis.RecentArticles {
		if remaining <= 0 {
			break
		}
		a, err := h.Web(ctx, articleURL, infospaceID, userID, opts)
		if err != nil {
			h.log.Warn(ctx, "skipping discovered article", "url", articleURL, "error", err.Error())
			continue
		}
		a.SetMeta("ingestion_method", "site_discovery")
		a.SetMeta("site_brand", analysis.Brand)
		if len(analysis.Categories) > 0 {
			a.SetMeta("site_categories", analysis.Categories)
		}
		if err := h.assets.UpdateAsset(ctx, a); err != nil {
			return nil, err
		}
		out = append(out, a)
		remaining--
	}
	return out, nil
}

// crawl walks same-host links breadth-first from the root, returning up to
// maxURLs absolute http(s) links.
func (h *Handlers) crawl(ctx context.Context, rootURL string, maxDepth, maxURLs int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "discovery url", err)
	}

	type frontier struct {
		url   string
		depth int
	}
	queue := []frontier{{url: rootURL, depth: 0}}
	visited := map[string]bool{rootURL: true}
	var found []string

	for len(queue) > 0 && len(found) < maxURLs {
		next := queue[0]
		queue = queue[1:]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		links, err := h.pageLinks(ctx, next.url)
		if err != nil {
			h.log.Warn(ctx, "crawl fetch failed", "url", next.url, "error", err.Error())
			continue
		}
		for _, link := range links {
			if visited[link] {
				continue
			}
			visited[link] = true
			parsed, err := url.Parse(link)
			if err != nil || parsed.Host != root.Host {
				continue
			}
			found = append(found, link)
			if len(found) == maxURLs {
				break
			}
			if next.depth+1 < maxDepth {
				queue = append(queue, frontier{url: link, depth: next.depth + 1})
			}
		}
	}
	return found, nil
}

// pageLinks fetches one page and extracts its absolute http(s) anchors.
func (h *Handlers) pageLinks(ctx context.Context, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Processing("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		links = append(links, abs.String())
	})
	return links, nil
}
