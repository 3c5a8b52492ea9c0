package ingest

import (
	"context"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/process"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// bulkQueueThreshold is the URL-list size beyond which ingestion is
// dispatched to the background task queue instead of running inline.
const bulkQueueThreshold = 100

type (
	// Options tunes one ingestion call. The zero value selects defaults.
	Options struct {
		// ProcessImmediately overrides the size/kind processing strategy.
		ProcessImmediately *bool
		// ScrapeImmediately scrapes web assets inline at creation.
		ScrapeImmediately bool
		// MaxItems caps feed entries ingested per feed.
		MaxItems int
		// MaxDepth and MaxURLs bound site discovery crawls.
		MaxDepth int
		MaxURLs  int
		// UseBulkScraping fans URL-list scraping out across MaxThreads
		// workers instead of paced sequential fetching.
		UseBulkScraping bool
		// MaxThreads bounds bulk scraping concurrency (default 4).
		MaxThreads int
		// CreateImageAssets enables image children for scraped pages.
		CreateImageAssets bool
		// BaseTitle seeds asset titles when the handler has nothing better.
		BaseTitle string
		// Metadata is merged into every created asset's source metadata.
		Metadata map[string]any
		// Process carries processor knobs through to inline processing.
		Process process.Options
	}

	// Task is one queued background ingestion unit.
	Task struct {
		Kind        string         `json:"kind"`
		InfospaceID int64          `json:"infospace_id"`
		UserID      int64          `json:"user_id"`
		URLs        []string       `json:"urls,omitempty"`
		BundleID    *int64         `json:"bundle_id,omitempty"`
		Payload     map[string]any `json:"payload,omitempty"`
	}

	// TaskQueue dispatches background ingestion tasks. Implementations live
	// under features/queue.
	TaskQueue interface {
		Enqueue(ctx context.Context, task *Task) (string, error)
	}

	// Router dispatches locators to handlers and applies the cross-cutting
	// ingestion concerns: access checks, bundle linking and background
	// dispatch for oversized URL lists.
	Router struct {
		handlers *Handlers
		bundles  store.BundleStore
		access   store.AccessChecker
		queue    TaskQueue
		log      telemetry.Logger
		metrics  telemetry.Metrics
	}

	// RouterOptions configures a Router.
	RouterOptions struct {
		Handlers *Handlers
		Bundles  store.BundleStore
		Access   store.AccessChecker
		// Queue is optional; without it oversized URL lists are ingested
		// inline.
		Queue   TaskQueue
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Result is the outcome of one ingestion call.
	Result struct {
		Assets []*asset.Asset
		// TaskID is set instead of Assets when the work was dispatched to
		// the background queue.
		TaskID string
		// SourceType is the detected classification of the locator.
		SourceType SourceType
	}
)

// NewRouter constructs a Router. Logger and Metrics default to no-ops.
func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics{}
	}
	return &Router{
		handlers: opts.Handlers,
		bundles:  opts.Bundles,
		access:   opts.Access,
		queue:    opts.Queue,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Ingest dispatches one locator. Per-item failures inside bulk handlers are
// logged and skipped; whole-operation failures (access denied, invalid
// locator) return an error with nothing persisted. When a bundle is given,
// every returned asset is linked and the bundle's denormalized count grows
// by the number of newly created links.
func (r *Router) Ingest(ctx context.Context, loc Locator, infospaceID, userID int64, bundleID *int64, opts Options) (*Result, error) {
	if err := r.access.CheckAccess(ctx, infospaceID, userID); err != nil {
		return nil, err
	}

	st := DetectSourceType(loc)
	r.log.Info(ctx, "ingesting locator", "source_type", string(st), "infospace_id", infospaceID)
	r.metrics.IncCounter(ctx, "ingest.requests", "source_type", string(st))

	if st == SourceURLList && len(loc.URLs) > bulkQueueThreshold && r.queue != nil {
		taskID, err := r.queue.Enqueue(ctx, &Task{
			Kind:        "url_list",
			InfospaceID: infospaceID,
			UserID:      userID,
			URLs:        loc.URLs,
			BundleID:    bundleID,
		})
		if err != nil {
			return nil, err
		}
		r.log.Info(ctx, "dispatched bulk ingestion to queue", "task_id", taskID, "urls", len(loc.URLs))
		return &Result{TaskID: taskID, SourceType: st}, nil
	}

	assets, err := r.dispatch(ctx, st, loc, infospaceID, userID, opts)
	if err != nil {
		return nil, err
	}

	if bundleID != nil {
		if err := r.linkToBundle(ctx, *bundleID, assets); err != nil {
			return nil, err
		}
	}
	return &Result{Assets: assets, SourceType: st}, nil
}

// RunTask executes one queued background ingestion task. Queue workers feed
// it the tasks Ingest dispatched.
func (r *Router) RunTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fault.Validation("task is required")
	}
	switch task.Kind {
	case "url_list":
		assets, err := r.handlers.URLList(ctx, task.URLs, task.InfospaceID, task.UserID, Options{UseBulkScraping: true})
		if err != nil {
			return err
		}
		if task.BundleID != nil {
			return r.linkToBundle(ctx, *task.BundleID, assets)
		}
		return nil
	default:
		return fault.Validation("unsupported task kind %s", task.Kind)
	}
}

func (r *Router) dispatch(ctx context.Context, st SourceType, loc Locator, infospaceID, userID int64, opts Options) ([]*asset.Asset, error) {
	switch st {
	case SourceFileUpload:
		a, err := r.handlers.File(ctx, loc.Upload, infospaceID, userID, opts)
		if err != nil {
			return nil, err
		}
		return []*asset.Asset{a}, nil
	case SourceURLList:
		return r.handlers.URLList(ctx, loc.URLs, infospaceID, userID, opts)
	case SourceRSSFeed:
		return r.handlers.RSS(ctx, loc.Query, infospaceID, userID, opts)
	case SourceDirectFile:
		a, err := r.handlers.DirectFile(ctx, loc.Query, infospaceID, userID, opts)
		if err != nil {
			return nil, err
		}
		return []*asset.Asset{a}, nil
	case SourceSiteDiscovery:
		return r.handlers.Discover(ctx, loc.Query, infospaceID, userID, opts)
	case SourceWebPage:
		a, err := r.handlers.Web(ctx, loc.Query, infospaceID, userID, opts)
		if err != nil {
			return nil, err
		}
		return []*asset.Asset{a}, nil
	case SourceSearchQuery:
		return r.handlers.Search(ctx, loc.Query, infospaceID, userID, opts)
	default:
		return nil, fault.Validation("unsupported source type %s", st)
	}
}

func (r *Router) linkToBundle(ctx context.Context, bundleID int64, assets []*asset.Asset) error {
	bundle, err := r.bundles.GetBundle(ctx, bundleID)
	if err != nil {
		return err
	}
	newLinks := 0
	for _, a := range assets {
		created, err := r.bundles.LinkAsset(ctx, bundleID, a.ID)
		if err != nil {
			return err
		}
		if created {
			newLinks++
		}
	}
	if newLinks > 0 {
		bundle.AssetCount += newLinks
		if err := r.bundles.UpdateBundle(ctx, bundle); err != nil {
			return err
		}
	}
	return nil
}
