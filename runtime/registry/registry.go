// Package registry resolves provider instances for models and capabilities.
// Providers are declared with factories and constructor options, instantiated
// lazily, and cached as process-wide singletons when resolved with their
// configured (or no) key; per-request runtime keys always construct a fresh,
// unshared instance. Model resolution keeps a process-wide model→provider
// cache warmed by discovery.
package registry

import (
	"context"
	"strings"
	"sync"

	"tessera/runtime/fault"
	"tessera/runtime/model"
	"tessera/runtime/telemetry"
)

type (
	// ProviderConfig carries everything a factory needs to construct a
	// provider instance.
	ProviderConfig struct {
		// APIKey is the effective key: the per-request runtime key when
		// supplied, else the configured (environment) key.
		APIKey string
		// Options are provider-specific constructor options (base URL,
		// default model, timeouts).
		Options map[string]any
	}

	// ProviderFactory constructs a provider instance from its config.
	ProviderFactory func(cfg ProviderConfig) (model.Provider, error)

	// ProviderSpec declares one provider available to the registry.
	ProviderSpec struct {
		// Name is the registry identifier ("anthropic", "openai", "ollama").
		Name string
		// Factory builds instances.
		Factory ProviderFactory
		// RequiresAPIKey marks providers that cannot run without a key.
		RequiresAPIKey bool
		// APIKey is the configured (environment) key, possibly empty.
		APIKey string
		// ModelPrefixes are model-name prefixes that identify this provider,
		// used for targeted discovery ("claude-", "gpt-").
		ModelPrefixes []string
		// Options are passed to the factory unchanged.
		Options map[string]any
	}

	// ModelRegistry resolves model names to live provider instances.
	ModelRegistry struct {
		log telemetry.Logger

		mu        sync.Mutex
		specs     []*ProviderSpec
		byName    map[string]*ProviderSpec
		instances map[string]model.Provider   // configured-key singletons by provider name
		models    map[string]*modelCacheEntry // model name → resolution
	}

	modelCacheEntry struct {
		providerName string
		info         model.ModelInfo
	}
)

// NewModelRegistry constructs an empty registry. A nil logger defaults to a
// no-op.
func NewModelRegistry(log telemetry.Logger) *ModelRegistry {
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &ModelRegistry{
		log:       log,
		byName:    make(map[string]*ProviderSpec),
		instances: make(map[string]model.Provider),
		models:    make(map[string]*modelCacheEntry),
	}
}

// Register declares a provider. Registration order is preserved and drives
// full-refresh order.
func (r *ModelRegistry) Register(spec *ProviderSpec) error {
	if spec.Name == "" {
		return fault.Validation("provider spec requires a name")
	}
	if spec.Factory == nil {
		return fault.Validation("provider %s requires a factory", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[spec.Name]; ok {
		return fault.Validation("provider %s already registered", spec.Name)
	}
	r.specs = append(r.specs, spec)
	r.byName[spec.Name] = spec
	return nil
}

// GetProvider returns a live instance of the named provider. Runtime keys
// override the configured key; providers that require a key fail with a
// clear message when neither is present. Configured-key and key-less
// resolutions are cached singletons; a runtime key yields a fresh instance
// that is never cached or shared across requests.
func (r *ModelRegistry) GetProvider(name string, runtimeKeys map[string]string) (model.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.byName[name]
	if !ok {
		return nil, fault.NotFound("provider", name)
	}
	return r.instantiate(spec, runtimeKeys)
}

// instantiate resolves the effective key and returns a cached or new
// instance. Instances built with a per-request runtime key bypass the cache
// entirely: they carry a caller's credential and must not be shared. Callers
// must hold the mutex.
func (r *ModelRegistry) instantiate(spec *ProviderSpec, runtimeKeys map[string]string) (model.Provider, error) {
	key := spec.APIKey
	fromRequest := false
	if rk, ok := runtimeKeys[spec.Name]; ok && rk != "" {
		key = rk
		fromRequest = true
	}
	if spec.RequiresAPIKey && key == "" {
		return nil, fault.Validation("provider %s requires an API key: supply one at configuration time or per request", spec.Name)
	}
	if !fromRequest {
		if inst, ok := r.instances[spec.Name]; ok {
			return inst, nil
		}
	}
	inst, err := spec.Factory(ProviderConfig{APIKey: key, Options: spec.Options})
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, spec.Name, err)
	}
	if !fromRequest {
		r.instances[spec.Name] = inst
	}
	return inst, nil
}

// GetProviderForModel resolves the provider serving a model name. Resolution
// order: process-wide cache, then targeted discovery against the provider
// inferred from the model-name prefix, then one full refresh across all
// providers. A model no provider serves yields a not-found fault.
func (r *ModelRegistry) GetProviderForModel(ctx context.Context, modelName string, runtimeKeys map[string]string) (model.Provider, string, error) {
	if modelName == "" {
		return nil, "", fault.Validation("model name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.models[modelName]; ok {
		inst, err := r.instantiate(r.byName[entry.providerName], runtimeKeys)
		if err != nil {
			return nil, "", err
		}
		return inst, entry.providerName, nil
	}

	if spec := r.inferSpec(modelName); spec != nil {
		if err := r.discover(ctx, spec, runtimeKeys); err != nil {
			r.log.Warn(ctx, "targeted model discovery failed", "provider", spec.Name, "error", err.Error())
		}
		if entry, ok := r.models[modelName]; ok {
			inst, err := r.instantiate(spec, runtimeKeys)
			if err != nil {
				return nil, "", err
			}
			return inst, entry.providerName, nil
		}
	}

	// Last resort: refresh every provider once.
	for _, spec := range r.specs {
		if err := r.discover(ctx, spec, runtimeKeys); err != nil {
			r.log.Warn(ctx, "model discovery failed", "provider", spec.Name, "error", err.Error())
			continue
		}
		if entry, ok := r.models[modelName]; ok {
			inst, err := r.instantiate(r.byName[entry.providerName], runtimeKeys)
			if err != nil {
				return nil, "", err
			}
			return inst, entry.providerName, nil
		}
	}
	return nil, "", fault.NotFound("model", modelName)
}

// GetModelInfo returns the cached descriptor for a model, discovering it
// first when needed.
func (r *ModelRegistry) GetModelInfo(ctx context.Context, modelName string, runtimeKeys map[string]string) (*model.ModelInfo, error) {
	if _, _, err := r.GetProviderForModel(ctx, modelName, runtimeKeys); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.models[modelName]
	info := entry.info
	return &info, nil
}

// ListModels returns every cached model descriptor, refreshing all providers
// first.
func (r *ModelRegistry) ListModels(ctx context.Context, runtimeKeys map[string]string) []model.ModelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range r.specs {
		if err := r.discover(ctx, spec, runtimeKeys); err != nil {
			r.log.Warn(ctx, "model discovery failed", "provider", spec.Name, "error", err.Error())
		}
	}
	out := make([]model.ModelInfo, 0, len(r.models))
	for _, entry := range r.models {
		out = append(out, entry.info)
	}
	return out
}

// inferSpec maps a model-name prefix to a registered provider. Callers must
// hold the mutex.
func (r *ModelRegistry) inferSpec(modelName string) *ProviderSpec {
	for _, spec := range r.specs {
		for _, prefix := range spec.ModelPrefixes {
			if strings.HasPrefix(modelName, prefix) {
				return spec
			}
		}
	}
	return nil
}

// discover instantiates the provider and folds its model list into the
// cache. Callers must hold the mutex.
func (r *ModelRegistry) discover(ctx context.Context, spec *ProviderSpec, runtimeKeys map[string]string) error {
	inst, err := r.instantiate(spec, runtimeKeys)
	if err != nil {
		return err
	}
	infos, err := inst.DiscoverModels(ctx)
	if err != nil {
		return fault.Wrap(fault.KindProvider, spec.Name, err)
	}
	for _, info := range infos {
		if info.Provider == "" {
			info.Provider = spec.Name
		}
		r.models[info.Name] = &modelCacheEntry{providerName: spec.Name, info: info}
	}
	return nil
}
