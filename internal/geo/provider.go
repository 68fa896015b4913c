// Package geo resolves shipment coordinates and builds travel matrices,
// preferring an external routing service and degrading to great-circle
// estimates when it is missing or failing.
package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medroute/internal/circuitbreaker"
	"medroute/internal/logger"
	"medroute/internal/metrics"
	"medroute/internal/model"
)

// ReasonUnresolvable is reported for shipments that have neither
// coordinates nor a geocodable address.
const ReasonUnresolvable = "address could not be geocoded"

const geocodeConcurrency = 5

type Provider struct {
	source         MatrixSource
	geocoder       Geocoder
	cache          Cache
	matrixBreaker  *circuitbreaker.CircuitBreaker
	geocodeBreaker *circuitbreaker.CircuitBreaker
	limiter        *rate.Limiter
	fallbackSpeed  float64
	callTimeout    time.Duration
}

type Option func(*Provider)

func WithMatrixSource(s MatrixSource) Option { return func(p *Provider) { p.source = s } }
func WithGeocoder(g Geocoder) Option         { return func(p *Provider) { p.geocoder = g } }
func WithCache(c Cache) Option               { return func(p *Provider) { p.cache = c } }

func WithMatrixBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(p *Provider) { p.matrixBreaker = cb }
}

func WithGeocodeBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(p *Provider) { p.geocodeBreaker = cb }
}

// WithRateLimit throttles every outbound matrix or geocode call.
func WithRateLimit(l *rate.Limiter) Option { return func(p *Provider) { p.limiter = l } }

func WithFallbackSpeed(kmh float64) Option {
	return func(p *Provider) {
		if kmh > 0 {
			p.fallbackSpeed = kmh
		}
	}
}

// WithCallTimeout bounds each external call on top of the client's own timeouts.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

func NewProvider(opts ...Option) *Provider {
	p := &Provider{fallbackSpeed: DefaultFallbackSpeedKmh, callTimeout: 15 * time.Second}
	for _, fn := range opts {
		fn(p)
	}
	return p
}

func (p *Provider) FallbackSpeedKmh() float64 { return p.fallbackSpeed }

// Resolution is the outcome of resolving a shipment batch.
type Resolution struct {
	// Routable keeps input order.
	Routable   []model.Shipment
	Unresolved []model.Unassigned
	Warnings   []string
}

// Resolve passes through shipments that carry coordinates and geocodes the
// rest with bounded concurrency. A failure only drops that shipment.
func (p *Provider) Resolve(ctx context.Context, shipments []model.Shipment) Resolution {
	type result struct {
		loc  *model.GeoPoint
		warn string
	}
	results := make([]result, len(shipments))

	sem := make(chan struct{}, geocodeConcurrency)
	var wg sync.WaitGroup
	for i, s := range shipments {
		if s.Location != nil {
			loc := *s.Location
			results[i] = result{loc: &loc}
			continue
		}
		if s.Address == "" && s.City == "" {
			results[i] = result{warn: fmt.Sprintf("shipment %s dropped: no coordinates and no address", s.ID)}
			continue
		}
		if p.geocoder == nil {
			results[i] = result{warn: fmt.Sprintf("shipment %s dropped: no coordinates and no geocoder configured", s.ID)}
			continue
		}
		wg.Add(1)
		go func(i int, s model.Shipment) {
			sem <- struct{}{}
			defer wg.Done()
			defer func() { <-sem }()

			gr, err := p.geocode(ctx, s.Address, s.City, s.Country)
			if err != nil {
				results[i] = result{warn: fmt.Sprintf("shipment %s dropped: geocoding failed: %v", s.ID, err)}
				return
			}
			loc := gr.Location
			results[i] = result{loc: &loc}
		}(i, s)
	}
	wg.Wait()

	out := Resolution{Routable: make([]model.Shipment, 0, len(shipments))}
	for i, s := range shipments {
		r := results[i]
		if r.loc == nil {
			out.Unresolved = append(out.Unresolved, model.Unassigned{ShipmentID: s.ID, Reason: ReasonUnresolvable})
			out.Warnings = append(out.Warnings, r.warn)
			continue
		}
		s.Location = r.loc
		out.Routable = append(out.Routable, s)
	}
	if len(out.Warnings) > 0 {
		logger.From(ctx).Warn().Int("unresolved", len(out.Unresolved)).Int("shipments", len(shipments)).Msg("some shipments could not be located")
	}
	return out
}

func (p *Provider) geocode(ctx context.Context, address, city, country string) (GeocodeResult, error) {
	key := GeocodeKey(address, city, country)
	if p.cache != nil {
		if r, ok := p.cache.GetGeocode(ctx, key); ok {
			return r, nil
		}
	}
	var gr GeocodeResult
	err := p.external(ctx, p.geocodeBreaker, func(cctx context.Context) error {
		var err error
		gr, err = p.geocoder.Geocode(cctx, address, city, country)
		return err
	})
	if err != nil {
		return GeocodeResult{}, err
	}
	if p.cache != nil {
		p.cache.SetGeocode(ctx, key, gr)
	}
	return gr, nil
}

// Matrix builds the travel matrix for points (index 0 = depot). It only
// fails on empty input; every external problem degrades to haversine with a
// warning.
func (p *Provider) Matrix(ctx context.Context, points []model.GeoPoint) (_ Matrix, _ []string, err error) {
	defer logger.Time(ctx, "geo.matrix")(&err)

	n := len(points)
	if n == 0 {
		return Matrix{}, nil, errors.New("geo: no points")
	}
	if n == 1 {
		return newMatrix(1, SourceHaversine), nil, nil
	}
	if p.source == nil {
		metrics.RecordMatrix(SourceHaversine)
		return HaversineMatrix(points, p.fallbackSpeed), nil, nil
	}
	if m, ok := p.fromCache(ctx, points); ok {
		metrics.RecordMatrix("cache")
		return m, nil, nil
	}

	var m Matrix
	callErr := p.external(ctx, p.matrixBreaker, func(cctx context.Context) error {
		var err error
		m, err = p.source.Matrix(cctx, points)
		return err
	})
	if callErr == nil {
		callErr = m.Validate(n)
	}
	if callErr != nil {
		logger.From(ctx).Warn().Err(callErr).Int("points", n).Msg("external distance matrix unavailable, using haversine")
		metrics.RecordMatrix(SourceHaversine)
		warn := fmt.Sprintf("distance service unavailable (%v); using straight-line distances at %.0f km/h", callErr, p.fallbackSpeed)
		return HaversineMatrix(points, p.fallbackSpeed), []string{warn}, nil
	}
	m.Source = SourceExternal
	p.toCache(ctx, points, m)
	metrics.RecordMatrix(SourceExternal)
	return m, nil, nil
}

func (p *Provider) fromCache(ctx context.Context, points []model.GeoPoint) (Matrix, bool) {
	if p.cache == nil {
		return Matrix{}, false
	}
	n := len(points)
	m := newMatrix(n, SourceExternal)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			pr, ok := p.cache.GetPair(ctx, PairKey(points[i], points[j]))
			if !ok {
				return Matrix{}, false
			}
			m.DistanceKm[i][j] = pr.DistanceKm
			m.DurationMin[i][j] = pr.DurationMin
		}
	}
	return m, true
}

func (p *Provider) toCache(ctx context.Context, points []model.GeoPoint, m Matrix) {
	if p.cache == nil {
		return
	}
	for i := range points {
		for j := range points {
			if i != j {
				p.cache.SetPair(ctx, PairKey(points[i], points[j]), Pair{DistanceKm: m.DistanceKm[i][j], DurationMin: m.DurationMin[i][j]})
			}
		}
	}
}

// external applies the limiter, breaker and per-call timeout around fn.
func (p *Provider) external(ctx context.Context, cb *circuitbreaker.CircuitBreaker, fn func(context.Context) error) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	if cb == nil {
		return fn(cctx)
	}
	return cb.Execute(cctx, func() error { return fn(cctx) })
}
