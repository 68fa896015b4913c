// Package api implements the HTTP surface of the medroute service.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"medroute/internal/auth"
	"medroute/internal/config"
	"medroute/internal/geo"
	"medroute/internal/logger"
	"medroute/internal/metrics"
	"medroute/internal/planner"
	"medroute/internal/store"
	"medroute/internal/webhooks"
)

type Server struct {
	Store   store.Store
	Planner *planner.Optimizer
	Pub     *webhooks.Publisher
	Auth    *auth.Verifier
	Broker  EventBroker

	cfg     config.Config
	closers []func() error
	started time.Time
}

type Option func(*Server)

func WithStore(s store.Store) Option          { return func(srv *Server) { srv.Store = s } }
func WithPlanner(o *planner.Optimizer) Option { return func(srv *Server) { srv.Planner = o } }
func WithBroker(b EventBroker) Option         { return func(srv *Server) { srv.Broker = b } }
func WithVerifier(v *auth.Verifier) Option    { return func(srv *Server) { srv.Auth = v } }

// NewServer wires dependencies from cfg. Without DATABASE_URL it uses the
// in-memory store; with REDIS_URL it shares route events and geo lookups
// through Redis. Options override any dependency.
func NewServer(cfg config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, started: time.Now()}
	for _, fn := range opts {
		fn(s)
	}
	log := logger.Logger()

	if s.Store == nil {
		if cfg.Database.URL == "" {
			s.Store = store.NewMemory()
		} else {
			pg, err := store.NewPostgres(cfg.Database.URL)
			if err != nil {
				return nil, fmt.Errorf("postgres: %w", err)
			}
			s.closers = append(s.closers, pg.Close)
			if cfg.Database.Migrate {
				if err := pg.MigrateDir(cfg.Database.MigrationsDir); err != nil {
					_ = pg.Close()
					return nil, fmt.Errorf("migrate: %w", err)
				}
			}
			s.Store = pg
		}
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" && (s.Broker == nil || s.Planner == nil) {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rdb = redis.NewClient(opt)
		s.closers = append(s.closers, rdb.Close)
	}

	if s.Broker == nil {
		if rdb != nil && cfg.Redis.Broker {
			s.Broker = NewRedisBroker(rdb)
			log.Info().Msg("route events via redis pub/sub")
		} else {
			s.Broker = NewBroker()
		}
	}

	if s.Planner == nil {
		var shared geo.Cache
		if rdb != nil && cfg.Redis.GeoCache {
			shared = geo.NewRedisCache(rdb, "medroute:geo", cfg.Geo.CacheTTL)
		}
		provider, err := geo.NewFromSettings(cfg.Geo, shared)
		if err != nil {
			return nil, fmt.Errorf("geo: %w", err)
		}
		s.Planner = planner.NewOptimizer(provider, cfg.Planner)
	}

	if s.Auth == nil {
		s.Auth = auth.NewVerifier(cfg.Auth)
	}
	s.Pub = webhooks.NewPublisher(s.Store)
	metrics.RegisterDefault()
	return s, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.cfg.Webhooks)
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/optimize", s.OptimizeHandler)
	mux.HandleFunc("GET /v1/optimize/stream", s.OptimizeStreamHandler)
	mux.HandleFunc("POST /v1/sequence", s.SequenceHandler)

	mux.HandleFunc("GET /v1/plans", s.PlansHandler)
	mux.HandleFunc("GET /v1/plans/events/stream", s.PlanEventsHandler)
	mux.HandleFunc("GET /v1/plans/{id}", s.PlanByIDHandler)
	mux.HandleFunc("GET /v1/routes/{id}", s.RouteHandler)
	mux.HandleFunc("PATCH /v1/routes/{id}", s.PatchRouteHandler)
	mux.HandleFunc("GET /v1/routes/{id}/events/stream", s.RouteEventsHandler)

	mux.HandleFunc("GET /v1/admin/optimizer/config", s.GetOptimizerConfigHandler)
	mux.HandleFunc("PUT /v1/admin/optimizer/config", s.PutOptimizerConfigHandler)
	mux.HandleFunc("GET /v1/admin/plan-metrics", s.PlanMetricsHandler)
	mux.HandleFunc("GET /v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("POST /v1/admin/webhook-deliveries/{id}/retry", s.WebhookDeliveryRetryHandler)

	mux.HandleFunc("POST /v1/subscriptions", s.CreateSubscriptionHandler)
	mux.HandleFunc("GET /v1/subscriptions", s.ListSubscriptionsHandler)
	mux.HandleFunc("DELETE /v1/subscriptions/{id}", s.DeleteSubscriptionHandler)

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /debug/info", s.DebugInfoHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return logMiddleware(limitBody(s.cfg.Server.MaxBodyBytes, mux))
}

// Close releases the store and Redis connections.
func (s *Server) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// principal authenticates r, writing a 401 problem on failure.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := s.Auth.Authenticate(r)
	if err != nil {
		writeError(w, r, "Unauthorized", err)
		return auth.Principal{}, false
	}
	return p, true
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := s.principal(w, r)
	if !ok {
		return p, false
	}
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return p, false
	}
	return p, true
}

func (s *Server) requirePlanner(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := s.principal(w, r)
	if !ok {
		return p, false
	}
	if !p.CanPlan() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return p, false
	}
	return p, true
}

func (s *Server) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if rb, ok := s.Broker.(*RedisBroker); ok {
		if err := rb.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
