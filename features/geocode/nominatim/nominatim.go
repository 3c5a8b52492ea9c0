// Package nominatim implements the geocode.Geocoder contract against a
// Nominatim server. The same client serves both the key-less local instance
// and the public API; only the base URL and name differ.
package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tessera/features/geocode"
	"tessera/runtime/fault"
)

// DefaultLocalBaseURL is the conventional local Nominatim address.
const DefaultLocalBaseURL = "http://localhost:8080"

// PublicBaseURL is the public Nominatim API (rate limited, 1 req/s).
const PublicBaseURL = "https://nominatim.openstreetmap.org"

type (
	// Options configures the provider.
	Options struct {
		// Name is the registry identifier ("nominatim_local" or
		// "nominatim_api").
		Name string

		// BaseURL is the Nominatim server address.
		BaseURL string

		// UserAgent identifies this client; the public API requires one.
		UserAgent string

		// HTTPClient overrides the HTTP client used for requests.
		HTTPClient *http.Client
	}

	// Client implements geocode.Geocoder over Nominatim.
	Client struct {
		name      string
		base      string
		userAgent string
		http      *http.Client
	}

	place struct {
		Lat         string         `json:"lat"`
		Lon         string         `json:"lon"`
		AddressType string         `json:"addresstype"`
		Type        string         `json:"type"`
		DisplayName string         `json:"display_name"`
		BoundingBox []string       `json:"boundingbox"`
		GeoJSON     map[string]any `json:"geojson"`
	}
)

var _ geocode.Geocoder = (*Client)(nil)

// NewLocal builds a client for a local Nominatim instance.
func NewLocal(baseURL string) *Client {
	return New(Options{Name: "nominatim_local", BaseURL: baseURL})
}

// NewPublic builds a client for the public Nominatim API.
func NewPublic(userAgent string) *Client {
	return New(Options{Name: "nominatim_api", BaseURL: PublicBaseURL, UserAgent: userAgent})
}

// New builds a Nominatim client.
func New(opts Options) *Client {
	name := opts.Name
	if name == "" {
		name = "nominatim_local"
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultLocalBaseURL
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "tessera-geocoder/1.0"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{name: name, base: base, userAgent: ua, http: hc}
}

// Name returns the registry identifier.
func (c *Client) Name() string { return c.name }

// Geocode resolves a free-form location via /search. A miss returns nil.
func (c *Client) Geocode(ctx context.Context, location, language string) (*geocode.Result, error) {
	if strings.TrimSpace(location) == "" {
		return nil, fault.Validation("location is empty")
	}
	q := url.Values{
		"q":               {location},
		"format":          {"jsonv2"},
		"limit":           {"1"},
		"polygon_geojson": {"1"},
	}
	if language != "" {
		q.Set("accept-language", language)
	}
	var places []place
	if err := c.get(ctx, "/search", q, &places); err != nil {
		return nil, err
	}
	if len(places) == 0 {
		return nil, nil
	}
	return translatePlace(places[0])
}

// Reverse resolves coordinates via /reverse. A miss returns nil.
func (c *Client) Reverse(ctx context.Context, lat, lon float64, language string) (*geocode.Result, error) {
	q := url.Values{
		"lat":    {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":    {strconv.FormatFloat(lon, 'f', -1, 64)},
		"format": {"jsonv2"},
	}
	if language != "" {
		q.Set("accept-language", language)
	}
	var p place
	if err := c.get(ctx, "/reverse", q, &p); err != nil {
		return nil, err
	}
	if p.Lat == "" && p.Lon == "" {
		return nil, nil
	}
	return translatePlace(p)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("nominatim: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Provider(c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Reverse lookups miss with 404 on some deployments.
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fault.Provider(c.name, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("nominatim: decode response: %w", err)
	}
	return nil
}

// translatePlace maps the Nominatim wire shape to a geocode.Result.
// Nominatim bounding boxes are [minLat, maxLat, minLon, maxLon] strings; the
// result uses [minLon, minLat, maxLon, maxLat] floats.
func translatePlace(p place) (*geocode.Result, error) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim: parse lat %q: %w", p.Lat, err)
	}
	lon, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim: parse lon %q: %w", p.Lon, err)
	}
	locationType := p.AddressType
	if locationType == "" {
		locationType = p.Type
	}
	result := &geocode.Result{
		Coordinates:  [2]float64{lon, lat},
		LocationType: locationType,
		DisplayName:  p.DisplayName,
		Geometry:     p.GeoJSON,
	}
	if len(p.BoundingBox) == 4 {
		minLat, err1 := strconv.ParseFloat(p.BoundingBox[0], 64)
		maxLat, err2 := strconv.ParseFloat(p.BoundingBox[1], 64)
		minLon, err3 := strconv.ParseFloat(p.BoundingBox[2], 64)
		maxLon, err4 := strconv.ParseFloat(p.BoundingBox[3], 64)
		if err1 == nil && err2 == nil && err3 == nil && err4 == nil {
			result.BBox = []float64{minLon, minLat, maxLon, maxLat}
			result.Area = (maxLon - minLon) * (maxLat - minLat)
		}
	}
	return result, nil
}
