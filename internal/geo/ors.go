package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"medroute/internal/model"
)

var ErrNoGeocodeResult = errors.New("no geocode result")

// ORSClient talks to OpenRouteService. It implements MatrixSource and
// Geocoder and is safe for concurrent use.
type ORSClient struct {
	http        *http.Client
	apiKey      string
	baseURL     string
	profile     string
	maxAttempts int
	backoff     time.Duration
}

type ORSOption func(*ORSClient)

func WithBaseURL(u string) ORSOption { return func(o *ORSClient) { o.baseURL = strings.TrimRight(u, "/") } }
func WithProfile(p string) ORSOption { return func(o *ORSClient) { o.profile = p } }

// WithRetry sets the attempt budget and the first backoff interval.
func WithRetry(attempts int, backoff time.Duration) ORSOption {
	return func(o *ORSClient) {
		if attempts > 0 {
			o.maxAttempts = attempts
		}
		if backoff > 0 {
			o.backoff = backoff
		}
	}
}

// WithHTTPClient replaces the transport entirely.
func WithHTTPClient(c *http.Client) ORSOption { return func(o *ORSClient) { o.http = c } }

// NewORSClient builds a client whose dialer enforces connectTimeout and
// whose overall request deadline is readTimeout.
func NewORSClient(apiKey string, connectTimeout, readTimeout time.Duration, opts ...ORSOption) (*ORSClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("ors: api key is empty")
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	o := &ORSClient{
		http:        &http.Client{Timeout: readTimeout, Transport: transport},
		apiKey:      apiKey,
		baseURL:     "https://api.openrouteservice.org",
		profile:     "driving-car",
		maxAttempts: 4,
		backoff:     200 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(o)
	}
	return o, nil
}

type matrixRequest struct {
	Locations [][]float64 `json:"locations"`
	Metrics   []string    `json:"metrics"`
}

type matrixResponse struct {
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

// Matrix requests the full square matrix for points. ORS reports metres
// and seconds; a null cell (unroutable pair) fails the whole call.
func (o *ORSClient) Matrix(ctx context.Context, points []model.GeoPoint) (Matrix, error) {
	n := len(points)
	if n == 0 {
		return Matrix{}, errors.New("ors: no points")
	}
	locs := make([][]float64, n)
	for i, p := range points {
		locs[i] = []float64{p.Lng, p.Lat}
	}
	payload, err := json.Marshal(matrixRequest{Locations: locs, Metrics: []string{"distance", "duration"}})
	if err != nil {
		return Matrix{}, fmt.Errorf("marshal matrix request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v2/matrix/%s", o.baseURL, o.profile)
	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		return o.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	})
	if err != nil {
		return Matrix{}, fmt.Errorf("matrix request: %w", err)
	}
	defer resp.Body.Close()

	var mr matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return Matrix{}, fmt.Errorf("decode matrix response: %w", err)
	}
	if len(mr.Distances) != n || len(mr.Durations) != n {
		return Matrix{}, fmt.Errorf("%w: ors returned %d/%d rows for %d points", ErrMalformedMatrix, len(mr.Distances), len(mr.Durations), n)
	}
	m := newMatrix(n, SourceExternal)
	for i := 0; i < n; i++ {
		if len(mr.Distances[i]) != n || len(mr.Durations[i]) != n {
			return Matrix{}, fmt.Errorf("%w: ors row %d has wrong width", ErrMalformedMatrix, i)
		}
		for j := 0; j < n; j++ {
			dp, tp := mr.Distances[i][j], mr.Durations[i][j]
			if dp == nil || tp == nil {
				return Matrix{}, fmt.Errorf("ors: no route between %d and %d", i, j)
			}
			m.DistanceKm[i][j] = *dp / 1000
			m.DurationMin[i][j] = *tp / 60
		}
	}
	return m, nil
}

type geocodeResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Label      string  `json:"label"`
			Confidence float64 `json:"confidence"`
		} `json:"properties"`
	} `json:"features"`
}

func (o *ORSClient) Geocode(ctx context.Context, address, city, country string) (GeocodeResult, error) {
	parts := make([]string, 0, 3)
	for _, p := range []string{address, city, country} {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return GeocodeResult{}, errors.New("ors: empty address")
	}
	text := strings.Join(parts, ", ")
	endpoint := o.baseURL + "/geocode/search"

	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := o.newRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("text", text)
		q.Set("size", "1")
		req.URL.RawQuery = q.Encode()
		return req, nil
	})
	if err != nil {
		return GeocodeResult{}, fmt.Errorf("geocode %q: %w", text, err)
	}
	defer resp.Body.Close()

	var decoded geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return GeocodeResult{}, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(decoded.Features) == 0 {
		return GeocodeResult{}, fmt.Errorf("%w for %q", ErrNoGeocodeResult, text)
	}
	f := decoded.Features[0]
	if len(f.Geometry.Coordinates) != 2 {
		return GeocodeResult{}, fmt.Errorf("ors: invalid coordinates for %q", text)
	}
	return GeocodeResult{
		Location:         model.GeoPoint{Lat: f.Geometry.Coordinates[1], Lng: f.Geometry.Coordinates[0]},
		FormattedAddress: f.Properties.Label,
		Confidence:       f.Properties.Confidence,
	}, nil
}
