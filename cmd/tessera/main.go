// Command tessera runs the content-ingestion and annotation worker: it wires
// the stores, provider registries, ingestion router and task queue, then
// consumes background tasks until interrupted.
//
// # Configuration
//
// Environment variables (a YAML overlay can be supplied with -config):
//
//	INSTANCE_ID         - deployment id stamped into exported packages
//	STORAGE_ROOT        - filesystem root for the local blob store (default: ./data)
//	MONGO_URL           - MongoDB connection URL; in-memory stores when unset
//	REDIS_URL           - Redis connection URL; in-process queue when unset
//	ANTHROPIC_API_KEY   - Anthropic key (optional, per-request keys override)
//	OPENAI_API_KEY      - OpenAI key (optional)
//	GEMINI_API_KEY      - Gemini key (optional)
//	TAVILY_API_KEY      - Tavily search key (optional)
//	OLLAMA_BASE_URL     - local Ollama endpoint (default: http://localhost:11434)
//	NOMINATIM_BASE_URL  - local Nominatim endpoint (default: http://localhost:8080)
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"tessera/features/geocode"
	"tessera/features/geocode/nominatim"
	"tessera/features/model/anthropic"
	"tessera/features/model/gemini"
	"tessera/features/model/ollama"
	"tessera/features/model/openai"
	memoryqueue "tessera/features/queue/memory"
	redisqueue "tessera/features/queue/redis"
	"tessera/features/scrape/native"
	"tessera/features/search/tavily"
	localstore "tessera/features/store/local"
	memorystore "tessera/features/store/memory"
	mongostore "tessera/features/store/mongo"
	"tessera/runtime/annotate"
	"tessera/runtime/archive"
	"tessera/runtime/config"
	"tessera/runtime/fault"
	"tessera/runtime/generate"
	"tessera/runtime/ingest"
	"tessera/runtime/model"
	"tessera/runtime/process"
	"tessera/runtime/registry"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// persistence is the full set of entity stores one backend provides.
type persistence interface {
	store.AssetStore
	store.SourceStore
	store.BundleStore
	store.SchemaStore
	store.RunStore
	store.AnnotationStore
}

// taskWorker is a queue that can both accept and consume tasks.
type taskWorker interface {
	ingest.TaskQueue
	Run(ctx context.Context, handle func(ctx context.Context, id string, task *ingest.Task) error) error
}

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration overlay")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil {
		log.Fatalf(ctx, err, "worker exited")
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Persistence: MongoDB when configured, in-memory entities with
	// filesystem blobs otherwise.
	var (
		db    persistence
		blobs store.BlobStore
	)
	if cfg.MongoURL != "" {
		ms, err := mongostore.New(ctx, mongostore.Options{URL: cfg.MongoURL})
		if err != nil {
			return err
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			return err
		}
		db, blobs = ms, ms
		logger.Info(ctx, "using mongodb stores")
	} else {
		local, err := localstore.New(cfg.StorageRoot)
		if err != nil {
			return err
		}
		db, blobs = memorystore.New(), local
		logger.Info(ctx, "using in-memory stores", "storage_root", cfg.StorageRoot)
	}

	models := buildModelRegistry(logger, cfg.Providers)
	searchers := buildSearchRegistry(cfg.Providers)
	geocoders := buildGeocodeChain(ctx, logger, cfg.Providers)

	scraper := native.New(native.Options{Logger: logger})
	processors := process.DefaultRegistry(db, blobs, scraper, logger)

	// The search handler tolerates a missing searcher; Tavily needs a key.
	var searcher ingest.Searcher
	if s, name, err := searchers.GetDefaultProvider(nil); err == nil {
		searcher = s
		logger.Info(ctx, "search provider ready", "provider", name)
	} else {
		logger.Warn(ctx, "no search provider available", "err", err)
	}

	handlers := ingest.NewHandlers(ingest.HandlerOptions{
		Assets:   db,
		Blobs:    blobs,
		Registry: processors,
		Scraper:  scraper,
		Searcher: searcher,
		Logger:   logger,
	})

	var queue taskWorker
	if cfg.RedisURL != "" {
		queue, err = redisqueue.New(redisqueue.Options{URL: cfg.RedisURL, Logger: logger})
		if err != nil {
			return err
		}
		logger.Info(ctx, "using redis task queue")
	} else {
		queue = memoryqueue.New(memoryqueue.Options{Logger: logger})
		logger.Info(ctx, "using in-process task queue")
	}

	router := ingest.NewRouter(ingest.RouterOptions{
		Handlers: handlers,
		Bundles:  db,
		Access:   store.OpenAccess{},
		Queue:    queue,
		Logger:   logger,
		Metrics:  metrics,
	})

	executor := annotate.NewExecutor(annotate.ExecutorOptions{
		Generator: generate.New(logger),
		Schemas:   db,
		Assets:    db,
		Writer:    db,
		Runs:      db,
		Logger:    logger,
		Metrics:   metrics,
	})

	importer := archive.NewImporter(archive.ImporterOptions{
		Assets: db, Sources: db, Bundles: db, Blobs: blobs,
		Schemas: db, Runs: db, Annotations: db,
		Processors: processors, Logger: logger,
	})

	worker := &worker{
		router:   router,
		executor: executor,
		importer: importer,
		geocode:  geocoders,
		db:       db,
		blobs:    blobs,
		models:   models,
		log:      logger,
	}

	logger.Info(ctx, "worker started", "instance_id", cfg.InstanceID)
	err = queue.Run(ctx, worker.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// worker executes queued tasks against the wired services.
type worker struct {
	router   *ingest.Router
	executor *annotate.Executor
	importer *archive.Importer
	geocode  *geocode.FallbackChain
	db       persistence
	blobs    store.BlobStore
	models   *registry.ModelRegistry
	log      telemetry.Logger
}

// handle dispatches one queued task: annotation runs go to the executor,
// package imports to the importer, geocoding to the fallback chain, and
// everything else to the ingestion router.
func (w *worker) handle(ctx context.Context, _ string, task *ingest.Task) error {
	switch task.Kind {
	case "annotation_run":
		return w.runAnnotation(ctx, task)
	case "package_import":
		return w.importPackage(ctx, task)
	case "geocode":
		return w.geocodeAsset(ctx, task)
	default:
		return w.router.RunTask(ctx, task)
	}
}

func (w *worker) runAnnotation(ctx context.Context, task *ingest.Task) error {
	runID, ok := task.Payload["run_id"].(float64)
	if !ok {
		return fault.Validation("annotation_run task requires run_id")
	}
	run, err := w.db.GetRun(ctx, int64(runID))
	if err != nil {
		return err
	}
	modelName, _ := run.Configuration["model_name"].(string)
	provider, name, err := w.models.GetProviderForModel(ctx, modelName, runtimeKeys(task))
	if err != nil {
		return err
	}
	w.log.Debug(ctx, "annotation run dispatched", "run_id", run.ID, "provider", name)
	return w.executor.Execute(ctx, provider, run)
}

// importPackage imports a previously uploaded package ZIP from blob storage.
func (w *worker) importPackage(ctx context.Context, task *ingest.Task) error {
	blobPath, ok := task.Payload["blob_path"].(string)
	if !ok {
		return fault.Validation("package_import task requires blob_path")
	}
	rc, err := w.blobs.Get(ctx, blobPath)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read package %s: %w", blobPath, err)
	}
	trigger, _ := task.Payload["trigger_processing"].(bool)
	result, err := w.importer.ImportPackage(ctx, bytes.NewReader(data), int64(len(data)), archive.ImportOptions{
		InfospaceID:       task.InfospaceID,
		UserID:            task.UserID,
		TriggerProcessing: trigger,
	})
	if err != nil {
		return err
	}
	w.log.Info(ctx, "package imported", "type", string(result.PackageType),
		"assets_created", result.AssetsCreated, "assets_skipped", result.AssetsSkipped)
	return nil
}

// geocodeAsset resolves a location string and stamps the result into the
// asset's source metadata.
func (w *worker) geocodeAsset(ctx context.Context, task *ingest.Task) error {
	assetID, ok := task.Payload["asset_id"].(float64)
	if !ok {
		return fault.Validation("geocode task requires asset_id")
	}
	location, _ := task.Payload["location"].(string)
	language, _ := task.Payload["language"].(string)
	result, err := w.geocode.Geocode(ctx, location, language)
	if err != nil {
		return err
	}
	a, err := w.db.GetAsset(ctx, int64(assetID))
	if err != nil {
		return err
	}
	if result == nil {
		a.SetMeta("geocode_miss", location)
	} else {
		a.SetMeta("geocode", result)
	}
	return w.db.UpdateAsset(ctx, a)
}

// runtimeKeys extracts per-request API keys from the task payload.
func runtimeKeys(task *ingest.Task) map[string]string {
	raw, ok := task.Payload["runtime_api_keys"].(map[string]any)
	if !ok {
		return nil
	}
	keys := make(map[string]string, len(raw))
	for provider, key := range raw {
		if s, ok := key.(string); ok {
			keys[provider] = s
		}
	}
	return keys
}

func buildModelRegistry(logger telemetry.Logger, p config.ProviderConfig) *registry.ModelRegistry {
	models := registry.NewModelRegistry(logger)
	specs := []*registry.ProviderSpec{
		{
			Name:           anthropic.ProviderName,
			RequiresAPIKey: true,
			APIKey:         p.AnthropicAPIKey,
			ModelPrefixes:  []string{"claude-"},
			Factory: func(cfg registry.ProviderConfig) (model.Provider, error) {
				return anthropic.NewFromAPIKey(cfg.APIKey, anthropic.Options{})
			},
		},
		{
			Name:           openai.ProviderName,
			RequiresAPIKey: true,
			APIKey:         p.OpenAIAPIKey,
			ModelPrefixes:  []string{"gpt-", "chatgpt-", "o1", "o3", "o4", "text-embedding-"},
			Factory: func(cfg registry.ProviderConfig) (model.Provider, error) {
				return openai.NewFromAPIKey(cfg.APIKey, openai.Options{})
			},
		},
		{
			Name:           gemini.ProviderName,
			RequiresAPIKey: true,
			APIKey:         p.GeminiAPIKey,
			ModelPrefixes:  []string{"gemini-"},
			Factory: func(cfg registry.ProviderConfig) (model.Provider, error) {
				return gemini.NewFromAPIKey(context.Background(), cfg.APIKey, gemini.Options{})
			},
		},
		{
			Name:          ollama.ProviderName,
			ModelPrefixes: []string{"llama", "qwen", "mistral", "gemma"},
			Factory: func(registry.ProviderConfig) (model.Provider, error) {
				return ollama.New(ollama.Options{BaseURL: p.OllamaBaseURL}), nil
			},
		},
	}
	for _, spec := range specs {
		if err := models.Register(spec); err != nil {
			panic(fmt.Sprintf("register %s: %v", spec.Name, err))
		}
	}
	return models
}

func buildSearchRegistry(p config.ProviderConfig) *registry.CapabilityRegistry[ingest.Searcher] {
	searchers := registry.NewCapabilityRegistry[ingest.Searcher]()
	_ = searchers.Register(&registry.CapabilitySpec[ingest.Searcher]{
		Name:           tavily.ProviderName,
		RequiresAPIKey: true,
		APIKey:         p.TavilyAPIKey,
		Factory: func(apiKey string) (ingest.Searcher, error) {
			return tavily.New(tavily.Options{APIKey: apiKey})
		},
	})
	return searchers
}

// buildGeocodeChain assembles the default geocoding fallback: the local
// Nominatim instance first, the public API second.
func buildGeocodeChain(ctx context.Context, logger telemetry.Logger, p config.ProviderConfig) *geocode.FallbackChain {
	geocoders := registry.NewCapabilityRegistry[geocode.Geocoder]()
	_ = geocoders.Register(&registry.CapabilitySpec[geocode.Geocoder]{
		Name:    "nominatim_local",
		IsLocal: true,
		Factory: func(string) (geocode.Geocoder, error) {
			return nominatim.NewLocal(p.NominatimBaseURL), nil
		},
	})
	_ = geocoders.Register(&registry.CapabilitySpec[geocode.Geocoder]{
		Name:   "nominatim_api",
		IsFree: true,
		Factory: func(string) (geocode.Geocoder, error) {
			return nominatim.NewPublic(""), nil
		},
	})

	var chain []geocode.Geocoder
	for _, name := range geocoders.Names() {
		g, err := geocoders.GetProvider(name, nil)
		if err != nil {
			logger.Warn(ctx, "skipping geocoder", "provider", name, "err", err)
			continue
		}
		chain = append(chain, g)
	}
	return geocode.NewFallbackChain(logger, chain...)
}
