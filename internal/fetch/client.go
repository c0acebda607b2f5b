// Package fetch retrieves street networks and administrative boundaries from
// OpenStreetMap services on demand.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
	"github.com/paulmach/orb"
	"github.com/sony/gobreaker"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kinds of data that can be fetched.
const (
	KindStreetNetwork = "street_network"
	KindBoundary      = "boundary"
)

const (
	DefaultOverpassURL  = "https://overpass-api.de/api/interpreter"
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	DefaultTavilyURL    = "https://api.tavily.com/search"

	maxResponseBytes = 64 << 20
)

// highwayFilters select the OSM ways that make up each network type.
var highwayFilters = map[string]string{
	"drive": "^(motorway|trunk|primary|secondary|tertiary|unclassified|residential|living_street|service|motorway_link|trunk_link|primary_link|secondary_link|tertiary_link)$",
	"walk":  "^(footway|pedestrian|path|steps|living_street|residential|service|unclassified|tertiary|secondary|primary|track)$",
	"bike":  "^(cycleway|path|living_street|residential|service|unclassified|tertiary|secondary|primary|track)$",
	"all":   ".",
}

// NetworkTypes lists the supported network types.
func NetworkTypes() []string {
	return []string{"drive", "walk", "bike", "all"}
}

// Request describes one fetch.
type Request struct {
	Area        string
	Kind        string
	NetworkType string
}

// DatasetID returns the id under which the result of req is stored, for
// example fresh_street_network_walk_belem_lisboa.
func (r Request) DatasetID() string {
	parts := []string{"fresh", r.Kind}
	if r.Kind == KindStreetNetwork {
		netType := r.NetworkType
		if netType == "" {
			netType = "drive"
		}
		parts = append(parts, netType)
	}
	return strings.Join(append(parts, slug(r.Area)), "_")
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func slug(s string) string {
	plain, _, err := transform.String(stripMarks, s)
	if err != nil {
		plain = s
	}
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(plain) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		sep = true
	}
	if b.Len() == 0 {
		return "area"
	}
	return b.String()
}

// Client talks to the OpenStreetMap services and, when configured, to Tavily
// web search.
type Client struct {
	http         *http.Client
	overpassURL  string
	nominatimURL string
	userAgent    string
	tavilyURL    string
	tavilyKey    string
	circuit      CircuitConfig
	overpass     *gobreaker.CircuitBreaker
	nominatim    *gobreaker.CircuitBreaker
	tavily       *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. to change its timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithOverpassURL sets the Overpass interpreter endpoint.
func WithOverpassURL(u string) Option {
	return func(cl *Client) {
		cl.overpassURL = strings.TrimRight(u, "/")
	}
}

// WithNominatimURL sets the Nominatim base URL; "/search" is appended.
func WithNominatimURL(u string) Option {
	return func(cl *Client) {
		cl.nominatimURL = strings.TrimRight(u, "/")
	}
}

// WithUserAgent sets the User-Agent that OSM usage policies require.
func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// WithTavily enables web search against a Tavily endpoint; an empty endpoint
// keeps DefaultTavilyURL.
func WithTavily(endpoint, apiKey string) Option {
	return func(cl *Client) {
		if endpoint != "" {
			cl.tavilyURL = strings.TrimRight(endpoint, "/")
		}
		cl.tavilyKey = apiKey
	}
}

// WithCircuitConfig sets the breaker configuration used for every upstream.
func WithCircuitConfig(cfg CircuitConfig) Option {
	return func(cl *Client) {
		cl.circuit = cfg
	}
}

// NewClient creates a client with public OSM endpoints and a 90s HTTP timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:         &http.Client{Timeout: 90 * time.Second},
		overpassURL:  DefaultOverpassURL,
		nominatimURL: DefaultNominatimURL,
		tavilyURL:    DefaultTavilyURL,
		userAgent:    "geoscale-genkit/1.0",
		circuit:      DefaultCircuitConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.overpass = newBreaker("overpass", c.circuit)
	c.nominatim = newBreaker("nominatim", c.circuit)
	c.tavily = newBreaker("tavily", c.circuit)
	return c
}

// Fetch retrieves a layer for req, identified by req.DatasetID(). Upstream
// failures are reported as UPSTREAM_UNAVAILABLE errors.
func (c *Client) Fetch(ctx context.Context, req Request) (*geo.Layer, error) {
	area := strings.TrimSpace(req.Area)
	if area == "" {
		return nil, fmt.Errorf("area is required")
	}
	start := time.Now()

	var layer *geo.Layer
	var err error
	switch req.Kind {
	case KindBoundary:
		layer, err = c.fetchBoundary(ctx, area, req.DatasetID())
	case KindStreetNetwork:
		netType := req.NetworkType
		if netType == "" {
			netType = "drive"
		}
		layer, err = c.fetchStreetNetwork(ctx, area, netType, req.DatasetID())
	default:
		return nil, fmt.Errorf("unsupported fetch kind %q", req.Kind)
	}
	if err != nil {
		log.Printf("Fetch failed (area: %s, kind: %s, error: %v)", area, req.Kind, err)
		return nil, err
	}
	log.Printf("Fetch complete (area: %s, kind: %s, records: %d, duration_ms: %d)",
		area, req.Kind, len(layer.Records), time.Since(start).Milliseconds())
	return layer, nil
}

// errNotFound marks a successful upstream call that found nothing.
var errNotFound = errors.New("not found")

// call performs one HTTP request through breaker, mapping transport failures,
// 429 and 5xx responses to UPSTREAM_UNAVAILABLE.
func (c *Client) call(ctx context.Context, upstream string, breaker *gobreaker.CircuitBreaker, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	out, err := breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req.WithContext(ctx))
		if err != nil {
			return nil, geoscale.NewUpstreamUnavailableError(upstream, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, geoscale.NewUpstreamUnavailableError(upstream, fmt.Errorf("read response: %w", err))
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, geoscale.NewUpstreamUnavailableError(upstream, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(body, 200)))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := geoscale.NewUpstreamUnavailableError(upstream, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(body, 200)))
			err.Retryable = false
			return nil, err
		}
		return body, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, geoscale.NewUpstreamUnavailableError(upstream, fmt.Errorf("circuit %s after repeated failures: %w", breaker.State(), err))
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) fetchBoundary(ctx context.Context, area, id string) (*geo.Layer, error) {
	q := url.Values{}
	q.Set("q", area)
	q.Set("format", "geojson")
	q.Set("polygon_geojson", "1")
	q.Set("limit", "1")
	req, err := http.NewRequest(http.MethodGet, c.nominatimURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.call(ctx, "nominatim", c.nominatim, req)
	if err != nil {
		return nil, err
	}

	desc := geoscale.DatasetDescriptor{
		ID:          id,
		Title:       "Boundary of " + area,
		Description: fmt.Sprintf("Administrative boundary of %s fetched from OpenStreetMap Nominatim.", area),
		Category:    "boundaries",
		Kind:        geoscale.KindPolygon,
		CRS:         geo.DefaultCRS,
		Source:      c.nominatimURL,
	}
	layer, err := geo.DecodeLayer(desc, body)
	if err != nil {
		return nil, geoscale.NewUpstreamUnavailableError("nominatim", fmt.Errorf("unusable response: %w", err))
	}
	if len(layer.Records) == 0 {
		return nil, fmt.Errorf("no boundary polygon found for %q: %w", area, errNotFound)
	}
	return layer, nil
}

type nominatimPlace struct {
	DisplayName string   `json:"display_name"`
	BoundingBox []string `json:"boundingbox"`
}

// resolveBBox returns the bounding box of area as south, west, north, east.
func (c *Client) resolveBBox(ctx context.Context, area string) ([4]float64, error) {
	q := url.Values{}
	q.Set("q", area)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	req, err := http.NewRequest(http.MethodGet, c.nominatimURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return [4]float64{}, err
	}
	body, err := c.call(ctx, "nominatim", c.nominatim, req)
	if err != nil {
		return [4]float64{}, err
	}

	var places []nominatimPlace
	if err := json.Unmarshal(body, &places); err != nil {
		return [4]float64{}, geoscale.NewUpstreamUnavailableError("nominatim", fmt.Errorf("decode response: %w", err))
	}
	if len(places) == 0 || len(places[0].BoundingBox) != 4 {
		return [4]float64{}, fmt.Errorf("area %q: %w", area, errNotFound)
	}
	// Nominatim orders the box as south, north, west, east.
	var raw [4]float64
	for i, s := range places[0].BoundingBox {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return [4]float64{}, geoscale.NewUpstreamUnavailableError("nominatim", fmt.Errorf("bad bounding box: %w", err))
		}
		raw[i] = f
	}
	return [4]float64{raw[0], raw[2], raw[1], raw[3]}, nil
}

type overpassResponse struct {
	Elements []struct {
		Type     string            `json:"type"`
		ID       int64             `json:"id"`
		Tags     map[string]string `json:"tags"`
		Geometry []struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		} `json:"geometry"`
	} `json:"elements"`
}

// OverpassQuery builds the query selecting ways of netType inside bbox.
func OverpassQuery(netType string, bbox [4]float64) (string, error) {
	filter, ok := highwayFilters[netType]
	if !ok {
		return "", fmt.Errorf("unsupported network type %q", netType)
	}
	return fmt.Sprintf(`[out:json][timeout:60];way["highway"~"%s"](%f,%f,%f,%f);out geom;`,
		filter, bbox[0], bbox[1], bbox[2], bbox[3]), nil
}

func (c *Client) fetchStreetNetwork(ctx context.Context, area, netType, id string) (*geo.Layer, error) {
	if _, ok := highwayFilters[netType]; !ok {
		return nil, fmt.Errorf("unsupported network type %q", netType)
	}
	bbox, err := c.resolveBBox(ctx, area)
	if err != nil {
		return nil, err
	}
	query, _ := OverpassQuery(netType, bbox)

	form := url.Values{}
	form.Set("data", query)
	req, err := http.NewRequest(http.MethodPost, c.overpassURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := c.call(ctx, "overpass", c.overpass, req)
	if err != nil {
		return nil, err
	}

	var parsed overpassResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, geoscale.NewUpstreamUnavailableError("overpass", fmt.Errorf("decode response: %w", err))
	}

	var records []geo.Record
	for _, el := range parsed.Elements {
		if el.Type != "way" || len(el.Geometry) < 2 {
			continue
		}
		line := make(orb.LineString, len(el.Geometry))
		for i, p := range el.Geometry {
			line[i] = orb.Point{p.Lon, p.Lat}
		}
		props := map[string]interface{}{
			"osm_id":  float64(el.ID),
			"highway": el.Tags["highway"],
		}
		if name, ok := el.Tags["name"]; ok {
			props["name"] = name
		}
		records = append(records, geo.Record{Geometry: line, Properties: props})
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no %s streets found in %q: %w", netType, area, errNotFound)
	}

	return &geo.Layer{
		Descriptor: geoscale.DatasetDescriptor{
			ID:          id,
			Title:       fmt.Sprintf("Street network (%s) of %s", netType, area),
			Description: fmt.Sprintf("%s street network of %s fetched from OpenStreetMap Overpass.", netType, area),
			Category:    "transport",
			Kind:        geoscale.KindLineNetwork,
			Schema: map[string]geoscale.AttributeType{
				"osm_id":  geoscale.AttrNumber,
				"highway": geoscale.AttrString,
				"name":    geoscale.AttrString,
			},
			CRS:    geo.DefaultCRS,
			Source: c.overpassURL,
		},
		Records: records,
	}, nil
}

// IsNotFound reports whether err means the upstream had no data for the area.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
