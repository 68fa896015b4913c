package planner

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidInput marks requests rejected before any search runs.
var ErrInvalidInput = errors.New("invalid input")

// Params holds every tunable constant of the planner. Field tags match the
// YAML overlay and the per-tenant override documents.
type Params struct {
	DefaultServiceMinutes int     `yaml:"default_service_minutes" json:"default_service_minutes"`
	DefaultWindowStart    int     `yaml:"default_window_start" json:"default_window_start"`
	DefaultWindowEnd      int     `yaml:"default_window_end" json:"default_window_end"`
	DefaultDepotOpen      int     `yaml:"default_depot_open" json:"default_depot_open"`
	Horizon               int     `yaml:"horizon" json:"horizon"`
	EndOfDay              int     `yaml:"end_of_day" json:"end_of_day"`
	DefaultMaxStops       int     `yaml:"default_max_stops" json:"default_max_stops"`
	DefaultCostPerKm      float64 `yaml:"default_cost_per_km" json:"default_cost_per_km"`
	DefaultAvgSpeedKmh    float64 `yaml:"default_avg_speed_kmh" json:"default_avg_speed_kmh"`

	GlobalSpanCoefficient   int64 `yaml:"global_span_coefficient" json:"global_span_coefficient"`
	LatenessUnitPenalty     int64 `yaml:"lateness_unit_penalty" json:"lateness_unit_penalty"`
	PriorityFirstMultiplier int64 `yaml:"priority_first_multiplier" json:"priority_first_multiplier"`
	DropPenalty             int64 `yaml:"drop_penalty" json:"drop_penalty"`

	TimeLimitSeconds float64 `yaml:"time_limit_seconds" json:"time_limit_seconds"`
	StallIterations  int     `yaml:"stall_iterations" json:"stall_iterations"`
	Seed             int64   `yaml:"seed" json:"seed"`
	InitialTemp      float64 `yaml:"initial_temp" json:"initial_temp"`
	Cooling          float64 `yaml:"cooling" json:"cooling"`

	Score  ScoreWeights     `yaml:"score" json:"score"`
	Limits ValidationLimits `yaml:"limits" json:"limits"`
}

// ScoreWeights are the composite score's component maxima.
type ScoreWeights struct {
	Assignment      float64 `yaml:"assignment" json:"assignment"`
	Utilization     float64 `yaml:"utilization" json:"utilization"`
	Balance         float64 `yaml:"balance" json:"balance"`
	BalanceCVFactor float64 `yaml:"balance_cv_factor" json:"balance_cv_factor"`
}

type ValidationLimits struct {
	MaxRouteDistanceKm float64 `yaml:"max_route_distance_km" json:"max_route_distance_km"`
	MaxRouteMinutes    int     `yaml:"max_route_minutes" json:"max_route_minutes"`
	// WarnRatio of a limit raises a warning before the limit itself is hit.
	WarnRatio     float64 `yaml:"warn_ratio" json:"warn_ratio"`
	LoadWarnRatio float64 `yaml:"load_warn_ratio" json:"load_warn_ratio"`
}

func DefaultParams() Params {
	return Params{
		DefaultServiceMinutes: 15,
		DefaultWindowStart:    480,
		DefaultWindowEnd:      1080,
		DefaultDepotOpen:      480,
		Horizon:               1440,
		EndOfDay:              1080,
		DefaultMaxStops:       20,
		DefaultCostPerKm:      5.0,
		DefaultAvgSpeedKmh:    40,

		GlobalSpanCoefficient:   100,
		LatenessUnitPenalty:     10000,
		PriorityFirstMultiplier: 10,
		DropPenalty:             10_000_000,

		TimeLimitSeconds: 30,
		StallIterations:  500,
		Seed:             1,
		Cooling:          0.995,

		Score:  ScoreWeights{Assignment: 50, Utilization: 30, Balance: 20, BalanceCVFactor: 10},
		Limits: ValidationLimits{MaxRouteDistanceKm: 300, MaxRouteMinutes: 600, WarnRatio: 0.9, LoadWarnRatio: 0.95},
	}
}

// ApplyOverrides returns p with the keys of over (json field names) merged
// in. Unknown keys are ignored.
func (p Params) ApplyOverrides(over map[string]any) (Params, error) {
	if len(over) == 0 {
		return p, nil
	}
	b, err := json.Marshal(over)
	if err != nil {
		return p, fmt.Errorf("encode overrides: %w", err)
	}
	out := p
	if err := json.Unmarshal(b, &out); err != nil {
		return p, fmt.Errorf("%w: overrides: %v", ErrInvalidInput, err)
	}
	if err := out.Validate(); err != nil {
		return p, err
	}
	return out, nil
}

func (p Params) Validate() error {
	var problems []string
	if p.Horizon <= 0 {
		problems = append(problems, "horizon must be positive")
	}
	if p.DefaultWindowStart < 0 || p.DefaultWindowEnd < p.DefaultWindowStart || p.DefaultWindowEnd > p.Horizon {
		problems = append(problems, "default window must lie within the horizon")
	}
	if p.DefaultDepotOpen < 0 || p.DefaultDepotOpen > p.Horizon {
		problems = append(problems, "depot open must lie within the horizon")
	}
	if p.DefaultServiceMinutes < 0 {
		problems = append(problems, "service minutes cannot be negative")
	}
	if p.DefaultMaxStops < 1 {
		problems = append(problems, "max stops must be at least 1")
	}
	if p.DropPenalty <= 0 || p.LatenessUnitPenalty < 0 || p.GlobalSpanCoefficient < 0 || p.PriorityFirstMultiplier < 1 {
		problems = append(problems, "penalties must be non-negative and the drop penalty positive")
	}
	if p.TimeLimitSeconds <= 0 {
		problems = append(problems, "time limit must be positive")
	}
	if p.Cooling < 0 || p.Cooling >= 1 {
		problems = append(problems, "cooling must be in [0,1)")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, problems)
	}
	return nil
}
