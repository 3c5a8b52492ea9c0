package nominatim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/fault"
)

func searchHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			if r.URL.Query().Get("q") == "nowhere" {
				json.NewEncoder(w).Encode([]map[string]any{})
				return
			}
			require.Equal(t, "jsonv2", r.URL.Query().Get("format"))
			json.NewEncoder(w).Encode([]map[string]any{{
				"lat":          "52.5108",
				"lon":          "13.3989",
				"addresstype":  "city",
				"display_name": "Berlin, Deutschland",
				"boundingbox":  []string{"52.3382", "52.6755", "13.0883", "13.7611"},
				"geojson":      map[string]any{"type": "Point", "coordinates": []float64{13.3989, 52.5108}},
			}})
		case "/reverse":
			json.NewEncoder(w).Encode(map[string]any{
				"lat":          "52.5108",
				"lon":          "13.3989",
				"type":         "administrative",
				"display_name": "Berlin, Deutschland",
			})
		default:
			http.NotFound(w, r)
		}
	}
}

func TestGeocodeTranslatesPlace(t *testing.T) {
	srv := httptest.NewServer(searchHandler(t))
	defer srv.Close()

	c := New(Options{Name: "nominatim_local", BaseURL: srv.URL})
	result, err := c.Geocode(context.Background(), "Berlin", "de")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.InDelta(t, 13.3989, result.Coordinates[0], 1e-9)
	assert.InDelta(t, 52.5108, result.Coordinates[1], 1e-9)
	assert.Equal(t, "city", result.LocationType)
	assert.Equal(t, "Berlin, Deutschland", result.DisplayName)
	// Bounding box is reordered to [minLon, minLat, maxLon, maxLat].
	require.Len(t, result.BBox, 4)
	assert.InDelta(t, 13.0883, result.BBox[0], 1e-9)
	assert.InDelta(t, 52.3382, result.BBox[1], 1e-9)
	assert.Greater(t, result.Area, 0.0)
	assert.Equal(t, "Point", result.Geometry["type"])
}

func TestGeocodeMissReturnsNil(t *testing.T) {
	srv := httptest.NewServer(searchHandler(t))
	defer srv.Close()

	result, err := New(Options{BaseURL: srv.URL}).Geocode(context.Background(), "nowhere", "")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestGeocodeEmptyLocationFails(t *testing.T) {
	_, err := New(Options{}).Geocode(context.Background(), "  ", "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestReverse(t *testing.T) {
	srv := httptest.NewServer(searchHandler(t))
	defer srv.Close()

	result, err := New(Options{BaseURL: srv.URL}).Reverse(context.Background(), 52.5108, 13.3989, "")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "administrative", result.LocationType)
	assert.Equal(t, "Berlin, Deutschland", result.DisplayName)
}

func TestServerErrorIsProviderFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(Options{BaseURL: srv.URL}).Geocode(context.Background(), "Berlin", "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindProvider))
}
