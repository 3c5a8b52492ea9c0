package geocode

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/fault"
)

type stubGeocoder struct {
	name   string
	result *Result
	err    error
	calls  int
}

func (s *stubGeocoder) Name() string { return s.name }

func (s *stubGeocoder) Geocode(context.Context, string, string) (*Result, error) {
	s.calls++
	return s.result, s.err
}

func (s *stubGeocoder) Reverse(context.Context, float64, float64, string) (*Result, error) {
	s.calls++
	return s.result, s.err
}

func TestFallbackPrefersFirstHit(t *testing.T) {
	local := &stubGeocoder{name: "nominatim_local", result: &Result{DisplayName: "Berlin"}}
	api := &stubGeocoder{name: "nominatim_api", result: &Result{DisplayName: "Berlin (api)"}}
	chain := NewFallbackChain(nil, local, api)

	result, err := chain.Geocode(context.Background(), "Berlin", "")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "Berlin", result.DisplayName)
	assert.Equal(t, "nominatim_local", result.Provider)
	assert.Zero(t, api.calls)
}

func TestFallbackSkipsMissesAndErrors(t *testing.T) {
	failing := &stubGeocoder{name: "nominatim_local", err: errors.New("connection refused")}
	missing := &stubGeocoder{name: "mapbox"}
	api := &stubGeocoder{name: "nominatim_api", result: &Result{DisplayName: "Berlin"}}
	chain := NewFallbackChain(nil, failing, missing, api)

	result, err := chain.Geocode(context.Background(), "Berlin", "")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "nominatim_api", result.Provider)
}

func TestFallbackAllMissReturnsNil(t *testing.T) {
	chain := NewFallbackChain(nil, &stubGeocoder{name: "a"}, &stubGeocoder{name: "b"})

	result, err := chain.Geocode(context.Background(), "nowhere", "")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestFallbackAllErrorsIsProviderFault(t *testing.T) {
	chain := NewFallbackChain(nil,
		&stubGeocoder{name: "a", err: errors.New("down")},
		&stubGeocoder{name: "b", err: errors.New("also down")},
	)

	_, err := chain.Geocode(context.Background(), "Berlin", "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindProvider))
}

func TestReverseStampsProvider(t *testing.T) {
	api := &stubGeocoder{name: "nominatim_api", result: &Result{DisplayName: "Berlin"}}
	chain := NewFallbackChain(nil, api)

	result, err := chain.Reverse(context.Background(), 52.5, 13.4, "")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "nominatim_api", result.Provider)
}

func TestGeocodeEmptyLocationFails(t *testing.T) {
	chain := NewFallbackChain(nil)
	_, err := chain.Geocode(context.Background(), "", "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}
