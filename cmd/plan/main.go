// Command plan runs one optimization offline: shipments from a CSV export,
// depot and vehicles from a fleet YAML file, the solution as JSON on stdout.
//
//	plan -shipments orders.csv -fleet fleet.yaml -strategy minimize_distance
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"medroute/internal/config"
	"medroute/internal/geo"
	"medroute/internal/integrations/csvfile"
	"medroute/internal/logger"
	"medroute/internal/model"
	"medroute/internal/planner"
)

// Fleet is the YAML fleet file.
type Fleet struct {
	Depot    model.Depot     `yaml:"depot"`
	Vehicles []model.Vehicle `yaml:"vehicles"`
}

type options struct {
	shipments string
	fleet     string
	strategy  string
	timeLimit time.Duration
	seed      int64
}

func main() {
	_ = godotenv.Load()
	var o options
	flag.StringVar(&o.shipments, "shipments", "", "shipments CSV file (required)")
	flag.StringVar(&o.fleet, "fleet", "", "fleet YAML file (required)")
	flag.StringVar(&o.strategy, "strategy", string(model.StrategyBalanced), "planning strategy")
	flag.DurationVar(&o.timeLimit, "time-limit", 0, "search time limit (default from config)")
	flag.Int64Var(&o.seed, "seed", 0, "search seed (default from config)")
	flag.Parse()
	if o.shipments == "" || o.fleet == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Init("info", true)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.Log.Level, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sol, err := run(ctx, cfg, o, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("plan failed")
	}
	if sol.Status == model.StatusFailed {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, o options, out io.Writer) (model.Solution, error) {
	fleet, err := readFleet(o.fleet)
	if err != nil {
		return model.Solution{}, err
	}
	f, err := os.Open(o.shipments)
	if err != nil {
		return model.Solution{}, err
	}
	defer f.Close()
	shipments, rejected, err := csvfile.Parse(f)
	if err != nil {
		return model.Solution{}, fmt.Errorf("read shipments: %w", err)
	}
	for line, rerr := range rejected {
		log.Warn().Int("line", line).Err(rerr).Msg("shipment skipped")
	}

	provider, err := geoProvider(cfg)
	if err != nil {
		return model.Solution{}, err
	}
	optimizer := planner.NewOptimizer(provider, cfg.Planner)
	sol := optimizer.Optimize(ctx, planner.OptimizeInput{
		Shipments: shipments,
		Vehicles:  fleet.Vehicles,
		Depot:     fleet.Depot,
		Strategy:  model.Strategy(o.strategy),
		TimeLimit: o.timeLimit,
		Seed:      o.seed,
	})
	log.Info().
		Str("status", string(sol.Status)).
		Int("routes", len(sol.Routes)).
		Int("unassigned", len(sol.Unassigned)).
		Float64("distance_km", sol.TotalDistanceKm).
		Msg("plan finished")

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return sol, enc.Encode(sol)
}

func readFleet(path string) (Fleet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Fleet{}, err
	}
	var fl Fleet
	if err := yaml.Unmarshal(b, &fl); err != nil {
		return Fleet{}, fmt.Errorf("parse fleet %s: %w", path, err)
	}
	if fl.Depot.ID == "" {
		return Fleet{}, fmt.Errorf("fleet %s: depot id required", path)
	}
	return fl, nil
}

// geoProvider shares the service's Redis geo cache when one is configured, so
// batch runs reuse matrices computed by the API.
func geoProvider(cfg config.Config) (*geo.Provider, error) {
	var shared geo.Cache
	if cfg.Redis.URL != "" && cfg.Redis.GeoCache {
		rc, err := geo.NewRedisCacheFromURL(cfg.Redis.URL, "medroute:geo", cfg.Geo.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		shared = rc
	}
	return geo.NewFromSettings(cfg.Geo, shared)
}
