package registry

import "sync"

type (
	// ProviderDescriptor is the UI-facing description of one provider of one
	// capability. It is descriptive metadata only; operational resolution
	// goes through the model and capability registries.
	ProviderDescriptor struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Capability     string `json:"capability"`
		RequiresAPIKey bool   `json:"requires_api_key"`
		IsLocal        bool   `json:"is_local"`
		IsOSS          bool   `json:"is_oss"`
		IsFree         bool   `json:"is_free"`
		RateLimited    bool   `json:"rate_limited"`
	}

	// UnifiedProviderRegistry aggregates provider descriptors across every
	// capability for listings.
	UnifiedProviderRegistry struct {
		mu          sync.Mutex
		descriptors []ProviderDescriptor
	}
)

// NewUnifiedProviderRegistry constructs an empty aggregate registry.
func NewUnifiedProviderRegistry() *UnifiedProviderRegistry {
	return &UnifiedProviderRegistry{}
}

// Add records descriptors. Insertion order is preserved in listings.
func (u *UnifiedProviderRegistry) Add(descriptors ...ProviderDescriptor) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.descriptors = append(u.descriptors, descriptors...)
}

// List returns every descriptor, optionally filtered by capability. An empty
// capability matches all.
func (u *UnifiedProviderRegistry) List(capability string) []ProviderDescriptor {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]ProviderDescriptor, 0, len(u.descriptors))
	for _, d := range u.descriptors {
		if capability == "" || d.Capability == capability {
			out = append(out, d)
		}
	}
	return out
}

// Get returns the descriptor with the given id.
func (u *UnifiedProviderRegistry) Get(id string) (ProviderDescriptor, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, d := range u.descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return ProviderDescriptor{}, false
}
