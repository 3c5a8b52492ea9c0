// Package geocode defines the geocoding provider contract and the fallback
// chain that tries providers in preference order. Providers live in
// subpackages (nominatim); the chain is what callers consume.
package geocode

import (
	"context"

	"tessera/runtime/fault"
	"tessera/runtime/telemetry"
)

type (
	// Result is one resolved location. A nil *Result means the provider had
	// no match for the query, which is not an error.
	Result struct {
		// Coordinates is [longitude, latitude].
		Coordinates [2]float64 `json:"coordinates"`
		// LocationType classifies the match (city, administrative, ...).
		LocationType string `json:"location_type"`
		// BBox is [minLon, minLat, maxLon, maxLat] when known.
		BBox []float64 `json:"bbox,omitempty"`
		// Area is the bounding box area in square degrees, 0 when unknown.
		Area float64 `json:"area,omitempty"`
		// DisplayName is the provider's canonical name for the location.
		DisplayName string `json:"display_name"`
		// Geometry is the GeoJSON geometry when the provider returns one.
		Geometry map[string]any `json:"geometry,omitempty"`
		// Provider names the provider that produced this result.
		Provider string `json:"provider"`
	}

	// Geocoder resolves location names to coordinates and back.
	Geocoder interface {
		Name() string
		// Geocode resolves a free-form location string. language is a BCP 47
		// tag and may be empty.
		Geocode(ctx context.Context, location, language string) (*Result, error)
		// Reverse resolves coordinates to the nearest named location.
		Reverse(ctx context.Context, lat, lon float64, language string) (*Result, error)
	}

	// FallbackChain tries providers in order and returns the first non-nil
	// result, stamping the winning provider's name into it. A provider error
	// is logged and treated as a miss so later providers still get a chance.
	FallbackChain struct {
		chain []Geocoder
		log   telemetry.Logger
	}
)

// NewFallbackChain builds a chain over the given providers in preference
// order (local first). A nil logger defaults to a no-op.
func NewFallbackChain(log telemetry.Logger, providers ...Geocoder) *FallbackChain {
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &FallbackChain{chain: providers, log: log}
}

// Geocode resolves a location through the chain.
func (f *FallbackChain) Geocode(ctx context.Context, location, language string) (*Result, error) {
	if location == "" {
		return nil, fault.Validation("location is empty")
	}
	var lastErr error
	for _, g := range f.chain {
		result, err := g.Geocode(ctx, location, language)
		if err != nil {
			f.log.Warn(ctx, "geocode provider failed", "provider", g.Name(), "location", location, "err", err)
			lastErr = err
			continue
		}
		if result != nil {
			result.Provider = g.Name()
			return result, nil
		}
	}
	if lastErr != nil {
		return nil, fault.Provider("geocode", lastErr)
	}
	return nil, nil
}

// Reverse resolves coordinates through the chain.
func (f *FallbackChain) Reverse(ctx context.Context, lat, lon float64, language string) (*Result, error) {
	var lastErr error
	for _, g := range f.chain {
		result, err := g.Reverse(ctx, lat, lon, language)
		if err != nil {
			f.log.Warn(ctx, "reverse geocode provider failed", "provider", g.Name(), "err", err)
			lastErr = err
			continue
		}
		if result != nil {
			result.Provider = g.Name()
			return result, nil
		}
	}
	if lastErr != nil {
		return nil, fault.Provider("geocode", lastErr)
	}
	return nil, nil
}
