package geo

import (
	"time"

	"golang.org/x/time/rate"

	"medroute/internal/circuitbreaker"
	"medroute/internal/metrics"
)

// Settings are the environment-driven knobs of a Provider.
type Settings struct {
	ORSAPIKey        string
	ORSBaseURL       string
	ORSProfile       string
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
	RatePerSecond    float64
	RateBurst        int
	CacheSize        int
	CacheShards      int
	CacheTTL         time.Duration
	FallbackSpeedKmh float64
	BreakerFailures  int
	BreakerCooldown  time.Duration
}

// NewFromSettings wires a Provider: ORS as matrix source and geocoder when a
// key is set, a sharded in-memory cache tiered over shared when it is not
// nil, breakers reporting to metrics, and the outbound rate limit.
func NewFromSettings(s Settings, shared Cache) (*Provider, error) {
	var cache Cache = NewMemoryCache(s.CacheSize, s.CacheTTL, s.CacheShards)
	if shared != nil {
		cache = Tiered{Local: cache, Shared: shared}
	}
	opts := []Option{
		WithCache(cache),
		WithFallbackSpeed(s.FallbackSpeedKmh),
		WithCallTimeout(s.ConnectTimeout + s.ReadTimeout),
	}
	if s.ORSAPIKey == "" {
		return NewProvider(opts...), nil
	}

	orsOpts := []ORSOption{WithRetry(s.RetryAttempts, s.RetryBackoff)}
	if s.ORSBaseURL != "" {
		orsOpts = append(orsOpts, WithBaseURL(s.ORSBaseURL))
	}
	if s.ORSProfile != "" {
		orsOpts = append(orsOpts, WithProfile(s.ORSProfile))
	}
	ors, err := NewORSClient(s.ORSAPIKey, s.ConnectTimeout, s.ReadTimeout, orsOpts...)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		WithMatrixSource(ors),
		WithGeocoder(ors),
		WithMatrixBreaker(newBreaker("ors_matrix", s)),
		WithGeocodeBreaker(newBreaker("ors_geocode", s)),
	)
	if s.RatePerSecond > 0 {
		burst := s.RateBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, WithRateLimit(rate.NewLimiter(rate.Limit(s.RatePerSecond), burst)))
	}
	return NewProvider(opts...), nil
}

func newBreaker(name string, s Settings) *circuitbreaker.CircuitBreaker {
	cfg := circuitbreaker.DefaultConfig(name)
	if s.BreakerFailures > 0 {
		cfg.FailureThreshold = s.BreakerFailures
	}
	if s.BreakerCooldown > 0 {
		cfg.Cooldown = s.BreakerCooldown
	}
	cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
	return circuitbreaker.New(cfg)
}
