package ingest

import (
	"context"

	"github.com/mmcdole/gofeed"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
)

// DefaultMaxFeedItems caps feed entries ingested per feed.
const DefaultMaxFeedItems = 25

// RSS parses a feed URL, creates a parent WEB asset carrying the feed
// metadata and a child WEB asset per entry (up to max_items) with the entry
// position as part index. Parseable publication dates become event
// timestamps. Per-entry failures are logged and skipped.
func (h *Handlers) RSS(ctx context.Context, feedURL string, infospaceID, userID int64, opts Options) ([]*asset.Asset, error) {
	parser := gofeed.NewParser()
	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, "parse feed "+feedURL, err)
	}

	parent := asset.New(asset.KindWeb, infospaceID, userID)
	parent.Title = firstNonEmpty(opts.BaseTitle, feed.Title, feedURL)
	parent.SourceIdentifier = feedURL
	parent.TextContent = feed.Description
	parent.StampIngestion("rss_feed")
	parent.SetMeta("feed_title", feed.Title)
	parent.SetMeta("feed_link", feed.Link)
	parent.SetMeta("item_count", len(feed.Items))
	if feed.Language != "" {
		parent.SetMeta("feed_language", feed.Language)
	}
	mergeMeta(parent, opts.Metadata)
	if err := h.assets.CreateAsset(ctx, parent); err != nil {
		return nil, err
	}

	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxFeedItems
	}

	out := []*asset.Asset{parent}
	for i, item := range feed.Items {
		if i == maxItems {
			break
		}
		child, err := h.feedItemAsset(ctx, parent, item, i, opts)
		if err != nil {
			h.log.Warn(ctx, "skipping feed entry", "feed", feedURL, "entry", item.Link, "error", err.Error())
			continue
		}
		out = append(out, child)
	}

	parent.MarkReady()
	if err := h.assets.UpdateAsset(ctx, parent); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Handlers) feedItemAsset(ctx context.Context, parent *asset.Asset, item *gofeed.Item, position int, opts Options) (*asset.Asset, error) {
	if item.Link == "" {
		return nil, fault.Validation("feed entry %d has no link", position)
	}
	a := asset.New(asset.KindWeb, parent.InfospaceID, parent.UserID)
	a.ParentAssetID = &parent.ID
	a.SourceID = parent.SourceID
	idx := position
	a.PartIndex = &idx
	a.Title = firstNonEmpty(item.Title, item.Link)
	a.SourceIdentifier = item.Link
	a.TextContent = firstNonEmpty(item.Content, item.Description)
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		a.EventTimestamp = &t
	}
	a.StampIngestion("rss_feed")
	a.SetMeta("feed_url", parent.SourceIdentifier)
	a.SetMeta("feed_position", position)
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		a.SetMeta("author", item.Authors[0].Name)
	}
	if len(item.Categories) > 0 {
		a.SetMeta("categories", item.Categories)
	}
	mergeMeta(a, opts.Metadata)
	if err := h.assets.CreateAsset(ctx, a); err != nil {
		return nil, err
	}

	if opts.ScrapeImmediately {
		if err := h.registry.Run(ctx, h.assets, h.log, a, opts.Process); err != nil {
			h.log.Warn(ctx, "feed entry scrape failed", "url", item.Link, "error", err.Error())
		}
	}
	return a, nil
}

// DiscoverCatalogFeeds filters a curated feed catalog by country and
// category and ingests each matching feed. Per-feed failures are recorded
// and the successes returned.
func (h *Handlers) DiscoverCatalogFeeds(ctx context.Context, catalog []CatalogFeed, country, category string, infospaceID, userID int64, opts Options) ([]*asset.Asset, *fault.BulkError) {
	bulk := fault.NewBulkError()
	var out []*asset.Asset
	for _, entry := range catalog {
		if country != "" && entry.Country != country {
			continue
		}
		if category != "" && entry.Category != category {
			continue
		}
		assets, err := h.RSS(ctx, entry.URL, infospaceID, userID, opts)
		if err != nil {
			bulk.RecordFailure(entry.URL, err.Error())
			continue
		}
		for _, a := range assets {
			bulk.RecordSuccess(a.ID)
		}
		out = append(out, assets...)
	}
	return out, bulk
}

// CatalogFeed is one entry of the curated feed catalog.
type CatalogFeed struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Country  string `yaml:"country"`
	Category string `yaml:"category"`
}
