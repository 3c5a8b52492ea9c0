package registry

import (
	"sync"

	"tessera/runtime/fault"
)

type (
	// CapabilitySpec declares one provider of a non-LLM capability
	// (embedding, search, geocoding, scraping).
	CapabilitySpec[T any] struct {
		// Name is the registry identifier ("tavily", "nominatim_local").
		Name string
		// Factory builds an instance from the effective API key.
		Factory func(apiKey string) (T, error)
		// RequiresAPIKey marks providers that cannot run without a key.
		RequiresAPIKey bool
		// APIKey is the configured (environment) key, possibly empty.
		APIKey string
		// IsLocal marks providers running against local infrastructure.
		IsLocal bool
		// IsFree marks providers with no usage cost.
		IsFree bool
	}

	// CapabilityRegistry resolves providers of one capability. Default
	// selection prefers local/free providers, then insertion order.
	CapabilityRegistry[T any] struct {
		mu        sync.Mutex
		specs     []*CapabilitySpec[T]
		byName    map[string]*CapabilitySpec[T]
		instances map[string]T
	}
)

// NewCapabilityRegistry constructs an empty capability registry.
func NewCapabilityRegistry[T any]() *CapabilityRegistry[T] {
	return &CapabilityRegistry[T]{
		byName:    make(map[string]*CapabilitySpec[T]),
		instances: make(map[string]T),
	}
}

// Register declares a provider. Registration order is preserved and breaks
// ties in default selection.
func (r *CapabilityRegistry[T]) Register(spec *CapabilitySpec[T]) error {
	if spec.Name == "" {
		return fault.Validation("capability spec requires a name")
	}
	if spec.Factory == nil {
		return fault.Validation("capability provider %s requires a factory", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[spec.Name]; ok {
		return fault.Validation("capability provider %s already registered", spec.Name)
	}
	r.specs = append(r.specs, spec)
	r.byName[spec.Name] = spec
	return nil
}

// GetProvider returns a live instance of the named provider. Runtime keys
// override configured keys; configured-key and key-less resolutions are
// cached singletons, runtime-keyed ones are constructed fresh per request.
func (r *CapabilityRegistry[T]) GetProvider(name string, runtimeKeys map[string]string) (T, error) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.byName[name]
	if !ok {
		return zero, fault.NotFound("provider", name)
	}
	return r.instantiate(spec, runtimeKeys)
}

// GetDefaultProvider returns the preferred provider that can be constructed
// with the available keys: local/free providers first, then the rest in
// insertion order.
func (r *CapabilityRegistry[T]) GetDefaultProvider(runtimeKeys map[string]string) (T, string, error) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*CapabilitySpec[T], 0, len(r.specs))
	for _, spec := range r.specs {
		if spec.IsLocal || spec.IsFree {
			ordered = append(ordered, spec)
		}
	}
	for _, spec := range r.specs {
		if !spec.IsLocal && !spec.IsFree {
			ordered = append(ordered, spec)
		}
	}

	var lastErr error
	for _, spec := range ordered {
		inst, err := r.instantiate(spec, runtimeKeys)
		if err != nil {
			lastErr = err
			continue
		}
		return inst, spec.Name, nil
	}
	if lastErr != nil {
		return zero, "", lastErr
	}
	return zero, "", fault.NotFound("default provider", "capability")
}

// Names lists the registered provider names in insertion order.
func (r *CapabilityRegistry[T]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec.Name)
	}
	return out
}

func (r *CapabilityRegistry[T]) instantiate(spec *CapabilitySpec[T], runtimeKeys map[string]string) (T, error) {
	var zero T
	key := spec.APIKey
	fromRequest := false
	if rk, ok := runtimeKeys[spec.Name]; ok && rk != "" {
		key = rk
		fromRequest = true
	}
	if spec.RequiresAPIKey && key == "" {
		return zero, fault.Validation("provider %s requires an API key: supply one at configuration time or per request", spec.Name)
	}
	if !fromRequest {
		if inst, ok := r.instances[spec.Name]; ok {
			return inst, nil
		}
	}
	inst, err := spec.Factory(key)
	if err != nil {
		return zero, fault.Wrap(fault.KindProvider, spec.Name, err)
	}
	if !fromRequest {
		r.instances[spec.Name] = inst
	}
	return inst, nil
}
