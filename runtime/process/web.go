package process

import (
	"context"
	"strings"
	"time"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// DefaultScrapeTimeout bounds a single scrape call.
const DefaultScrapeTimeout = 30 * time.Second

// DefaultMaxImages caps content-image children per page.
const DefaultMaxImages = 8

// chromeImageTokens mark URLs of page furniture rather than article content.
// Matching is case-insensitive on the full URL.
var chromeImageTokens = []string{
	"logo", "icon", "avatar", "button", "badge", "banner", "header",
	"footer", "nav", "menu", "ad", "advertisement", "twitter.gif",
	"facebook.gif", "pixel.gif", "1x1.gif", "sprite", "tracking",
	"16x16", "32x32", "64x64",
}

type (
	// ScrapeResult is the normalized output of a scraping provider.
	ScrapeResult struct {
		Title           string
		TextContent     string
		PublicationDate *time.Time
		TopImage        string
		Images          []string
	}

	// Scraper fetches and extracts a web page.
	Scraper interface {
		Scrape(ctx context.Context, url string) (*ScrapeResult, error)
	}

	// WebProcessor populates a web asset from its scraped page and creates
	// image children for the featured and content images.
	WebProcessor struct {
		assets  store.AssetStore
		scraper Scraper
		log     telemetry.Logger
	}
)

// NewWebProcessor constructs a web processor.
func NewWebProcessor(assets store.AssetStore, scraper Scraper, log telemetry.Logger) *WebProcessor {
	return &WebProcessor{assets: assets, scraper: scraper, log: log}
}

// Process scrapes the asset's source URL and updates the parent with the
// extracted text, title and publication date. The top image becomes a
// featured IMAGE child and content images follow, filtered of page chrome.
func (p *WebProcessor) Process(ctx context.Context, a *asset.Asset, opts Options) error {
	if a.SourceIdentifier == "" {
		return fault.Processing("web asset %d has no source url", a.ID)
	}
	timeout := DefaultScrapeTimeout
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.scraper.Scrape(sctx, a.SourceIdentifier)
	if err != nil {
		return fault.Wrap(fault.KindProvider, "scrape "+a.SourceIdentifier, err)
	}
	if strings.TrimSpace(result.TextContent) == "" {
		return fault.Processing("scrape of %s returned no text content", a.SourceIdentifier)
	}

	a.TextContent = result.TextContent
	if result.Title != "" {
		a.Title = result.Title
	}
	if result.PublicationDate != nil {
		a.EventTimestamp = result.PublicationDate
	}

	partIndex := 0
	if result.TopImage != "" {
		featured := p.imageAsset(a, result.TopImage, partIndex)
		featured.SetMeta("role", "featured")
		if err := p.assets.CreateAsset(ctx, featured); err != nil {
			return err
		}
		partIndex++
	}

	maxImages := opts.MaxImages
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	created := 0
	for _, url := range contentImages(result) {
		if created == maxImages {
			break
		}
		img := p.imageAsset(a, url, partIndex)
		if err := p.assets.CreateAsset(ctx, img); err != nil {
			return err
		}
		partIndex++
		created++
	}

	a.SetMeta("images_created", created)
	return nil
}

func (p *WebProcessor) imageAsset(parent *asset.Asset, url string, partIndex int) *asset.Asset {
	img := asset.New(asset.KindImage, parent.InfospaceID, parent.UserID)
	img.ParentAssetID = &parent.ID
	img.SourceID = parent.SourceID
	idx := partIndex
	img.PartIndex = &idx
	img.Title = url
	img.SourceIdentifier = url
	return img
}

// contentImages filters the scraped image list to likely article content:
// duplicates of the top image and URLs carrying chrome tokens are dropped.
func contentImages(result *ScrapeResult) []string {
	out := make([]string, 0, len(result.Images))
	seen := map[string]bool{result.TopImage: true}
	for _, url := range result.Images {
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		if isChromeImage(url) {
			continue
		}
		out = append(out, url)
	}
	return out
}

func isChromeImage(url string) bool {
	lower := strings.ToLower(url)
	for _, token := range chromeImageTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
