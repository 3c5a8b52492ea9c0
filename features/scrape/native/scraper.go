// Package native implements web scraping with no external service: pages are
// fetched over HTTP, parsed with goquery and converted to markdown. It
// satisfies both the processing Scraper contract and the ingestion
// SourceAnalyzer contract (feed and article discovery from page markup).
package native

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"tessera/runtime/ingest"
	"tessera/runtime/process"
	"tessera/runtime/telemetry"
)

// maxPageBytes bounds how much of a page is read.
const maxPageBytes = 10 << 20

// defaultUserAgent identifies the scraper to origin servers.
const defaultUserAgent = "tessera-scraper/1.0"

// publicationLayouts are tried in order against date metadata values.
var publicationLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type (
	// Options configures the scraper.
	Options struct {
		// HTTPClient overrides the default client.
		HTTPClient *http.Client
		// UserAgent overrides the default user agent header.
		UserAgent string
		Logger    telemetry.Logger
	}

	// Scraper fetches and extracts pages without an external provider.
	Scraper struct {
		http      *http.Client
		conv      *htmlmd.Converter
		userAgent string
		log       telemetry.Logger
	}
)

var (
	_ process.Scraper       = (*Scraper)(nil)
	_ ingest.SourceAnalyzer = (*Scraper)(nil)
)

// New constructs a Scraper.
func New(opts Options) *Scraper {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	return &Scraper{
		http: client,
		conv: htmlmd.NewConverter(
			htmlmd.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		userAgent: ua,
		log:       logger,
	}
}

// Scrape fetches the page and extracts its title, markdown text content,
// publication date and images.
func (s *Scraper) Scrape(ctx context.Context, pageURL string) (*process.ScrapeResult, error) {
	doc, baseURL, err := s.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	result := &process.ScrapeResult{
		Title:           pageTitle(doc),
		PublicationDate: publicationDate(doc),
		TopImage:        resolveURL(baseURL, metaContent(doc, "og:image")),
	}

	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if abs := resolveURL(baseURL, src); abs != "" {
			result.Images = append(result.Images, abs)
		}
	})

	result.TextContent = s.extractText(pageURL, doc)
	return result, nil
}

// AnalyzeSource inspects a site's markup for feed links, article links and
// branding. It never calls a model; the analysis is only as good as the
// page's own metadata.
func (s *Scraper) AnalyzeSource(ctx context.Context, siteURL string) (*ingest.SourceAnalysis, error) {
	doc, baseURL, err := s.fetch(ctx, siteURL)
	if err != nil {
		return nil, err
	}
	analysis := &ingest.SourceAnalysis{
		Brand:       metaContent(doc, "og:site_name"),
		Description: metaContent(doc, "og:description"),
	}
	if analysis.Brand == "" {
		analysis.Brand = pageTitle(doc)
	}
	doc.Find(`link[type="application/rss+xml"], link[type="application/atom+xml"]`).Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			if abs := resolveURL(baseURL, href); abs != "" {
				analysis.FeedURLs = append(analysis.FeedURLs, abs)
			}
		}
	})
	doc.Find("article a[href], h2 a[href], h3 a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveURL(baseURL, href)
		if abs == "" || abs == siteURL {
			return
		}
		analysis.RecentArticles = append(analysis.RecentArticles, abs)
	})
	analysis.RecentArticles = dedupe(analysis.RecentArticles)
	if len(analysis.FeedURLs) == 0 && len(analysis.RecentArticles) == 0 {
		return nil, fmt.Errorf("scrape: no feeds or articles discovered at %s", siteURL)
	}
	return analysis, nil
}

func (s *Scraper) fetch(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("scrape: GET %s returned %s", pageURL, resp.Status)
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("scrape: parse %s: %w", pageURL, err)
	}
	baseURL := resp.Request.URL
	return doc, baseURL, nil
}

// extractText converts the main content region to markdown, falling back to
// the plain text when conversion fails or yields nothing.
func (s *Scraper) extractText(pageURL string, doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	content := doc.Find("article").First()
	if content.Length() == 0 {
		content = doc.Find("main").First()
	}
	if content.Length() == 0 {
		content = doc.Find("body").First()
	}
	if content.Length() == 0 {
		return ""
	}

	html, err := goquery.OuterHtml(content)
	if err != nil {
		return strings.TrimSpace(content.Text())
	}
	md, err := s.conv.ConvertString(html, htmlmd.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return strings.TrimSpace(content.Text())
	}
	return strings.TrimSpace(md)
}

func pageTitle(doc *goquery.Document) string {
	if t := metaContent(doc, "og:title"); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func metaContent(doc *goquery.Document, property string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, property, property)).First()
	content, _ := sel.Attr("content")
	return strings.TrimSpace(content)
}

func publicationDate(doc *goquery.Document) *time.Time {
	candidates := []string{
		metaContent(doc, "article:published_time"),
		metaContent(doc, "datePublished"),
		metaContent(doc, "date"),
	}
	if dt, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		candidates = append(candidates, dt)
	}
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, layout := range publicationLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				utc := ts.UTC()
				return &utc
			}
		}
	}
	return nil
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(parsed)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
