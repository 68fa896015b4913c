// Package planner turns shipments, a fleet and a depot into delivery
// routes: it encodes the domain rules on the routing engine, reads the
// result back, scores and validates it, and prepares it for storage.
package planner

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"medroute/internal/geo"
	"medroute/internal/logger"
	"medroute/internal/metrics"
	"medroute/internal/model"
	"medroute/internal/opt"
)

type Optimizer struct {
	provider *geo.Provider
	params   Params
}

// NewOptimizer builds an optimizer. A nil provider uses straight-line
// distances only.
func NewOptimizer(provider *geo.Provider, params Params) *Optimizer {
	if provider == nil {
		provider = geo.NewProvider()
	}
	return &Optimizer{provider: provider, params: params}
}

func (o *Optimizer) Params() Params { return o.params }

type OptimizeInput struct {
	Shipments []model.Shipment
	Vehicles  []model.Vehicle
	Depot     model.Depot
	Strategy  model.Strategy
	// TimeLimit of zero uses Params.TimeLimitSeconds.
	TimeLimit time.Duration
	// Seed of zero uses Params.Seed.
	Seed int64
	// Params replaces the optimizer defaults for this run (tenant overrides).
	Params *Params
	// TenantID and PlanDate key the in-process metrics registry.
	TenantID   string
	PlanDate   string
	OnProgress func(opt.Progress)
}

// Run is a finished optimization with the data needed to persist it.
type Run struct {
	ID       string
	Solution model.Solution
	// Routable are the located shipments; stop location i refers to Routable[i-1].
	Routable []model.Shipment
	Vehicles []model.Vehicle
	Metrics  opt.Metrics
}

// Optimize plans the input and never panics: any failure is reported as a
// failed Solution.
func (o *Optimizer) Optimize(ctx context.Context, in OptimizeInput) model.Solution {
	return o.Run(ctx, in).Solution
}

func (o *Optimizer) Run(ctx context.Context, in OptimizeInput) (run Run) {
	started := time.Now()
	p := o.params
	if in.Params != nil {
		p = *in.Params
	}
	strategy := in.Strategy
	if strategy == "" {
		strategy = model.StrategyBalanced
	}
	run.ID = uuid.NewString()
	l := logger.From(ctx).With().
		Str("run_id", run.ID).
		Str("strategy", string(strategy)).
		Int("shipments", len(in.Shipments)).
		Int("vehicles", len(in.Vehicles)).
		Logger()
	ctx = logger.Into(ctx, l)

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("optimization panicked")
			run.Solution = failed(strategy, started, fmt.Sprintf("internal error: %v", r))
		}
		sol := run.Solution
		metrics.RecordRun(string(strategy), string(sol.Status), time.Since(started).Seconds(), run.Metrics.Iterations)
		for _, u := range sol.Unassigned {
			metrics.UnassignedShipments.WithLabelValues(u.Reason).Inc()
		}
		l.Info().Str("status", string(sol.Status)).
			Int("routes", len(sol.Routes)).
			Int("unassigned", len(sol.Unassigned)).
			Float64("score", sol.OptimizationScore).
			Dur("dur", time.Since(started)).
			Msg("optimization finished")
	}()

	if errs := validateInput(in, strategy, p); len(errs) > 0 {
		run.Solution = failed(strategy, started, errs...)
		return run
	}
	vehicles := make([]model.Vehicle, len(in.Vehicles))
	for i, v := range in.Vehicles {
		vehicles[i] = NormalizeVehicle(v, p)
	}
	run.Vehicles = vehicles

	res := o.provider.Resolve(ctx, in.Shipments)
	warnings := append([]string{}, res.Warnings...)
	if len(res.Routable) == 0 {
		run.Solution = failed(strategy, started, "no shipment could be located")
		run.Solution.Unassigned = res.Unresolved
		run.Solution.Warnings = warnings
		return run
	}
	run.Routable = res.Routable

	points := make([]model.GeoPoint, 0, len(res.Routable)+1)
	points = append(points, in.Depot.Location)
	for _, s := range res.Routable {
		points = append(points, *s.Location)
	}
	mx, mxWarn, err := o.provider.Matrix(ctx, points)
	if err != nil {
		run.Solution = failed(strategy, started, fmt.Sprintf("distance matrix: %v", err))
		return run
	}
	warnings = append(warnings, mxWarn...)

	cm, err := BuildConstraintModel(res.Routable, vehicles, mx, in.Depot, strategy, p)
	if err != nil {
		run.Solution = failed(strategy, started, err.Error())
		return run
	}
	warnings = append(warnings, cm.Warnings...)

	limit := in.TimeLimit
	if limit <= 0 {
		limit = time.Duration(p.TimeLimitSeconds * float64(time.Second))
	}
	seed := in.Seed
	if seed == 0 {
		seed = p.Seed
	}
	sp := cm.SearchParams(limit, seed)
	sp.OnImprovement = in.OnProgress

	a, err := cm.Model.Solve(ctx, sp)
	if err != nil {
		run.Solution = failed(strategy, started, fmt.Sprintf("search: %v", err))
		return run
	}
	run.Metrics = a.Metrics

	routes, outcomes := Extract(cm, a)
	sol := model.Solution{
		Strategy:       strategy,
		Routes:         routes,
		DistanceSource: mx.Source,
		Warnings:       warnings,
		Errors:         []string{},
	}
	if sol.Routes == nil {
		sol.Routes = []model.Route{}
	}
	sol.Unassigned = orderUnassigned(in.Shipments, res.Unresolved, outcomes)
	for _, r := range routes {
		sol.TotalDistanceKm += r.TotalDistanceKm
		sol.TotalTimeMinutes += r.TotalTimeMinutes
		sol.TotalCost += r.Cost
	}
	sol.TotalDistanceKm = round2(sol.TotalDistanceKm)
	sol.TotalCost = round2(sol.TotalCost)
	sol.Status = model.StatusSuccess
	if len(sol.Unassigned) > 0 {
		sol.Status = model.StatusPartial
	}
	sol.OptimizationScore = Score(sol, vehicles, len(in.Shipments), p.Score)

	verrs, vwarns := Validate(sol, vehicles, in.Shipments, p.Limits)
	sol.Errors = append(sol.Errors, verrs...)
	sol.Warnings = append(sol.Warnings, vwarns...)

	sol.Search = &model.SearchStats{
		Iterations:     a.Metrics.Iterations,
		Improvements:   a.Metrics.Improvements,
		AcceptedWorse:  a.Metrics.AcceptedWorse,
		InitialCost:    a.Metrics.InitialCost,
		BestCost:       a.Metrics.BestCost,
		FirstSolution:  a.Metrics.FirstSolution,
		StopReason:     a.Metrics.StopReason,
		ElapsedSeconds: a.Metrics.Elapsed.Seconds(),
	}
	sol.ComputationTimeSeconds = seconds(started)
	if in.TenantID != "" {
		opt.RecordMetrics(in.TenantID, in.PlanDate, string(strategy), a.Metrics)
	}
	run.Solution = sol
	return run
}

// orderUnassigned lists unresolved and dropped shipments in input order.
func orderUnassigned(input []model.Shipment, unresolved []model.Unassigned, outcomes []Outcome) []model.Unassigned {
	reason := make(map[string]string, len(unresolved))
	for _, u := range unresolved {
		reason[u.ShipmentID] = u.Reason
	}
	for _, oc := range outcomes {
		if d, ok := oc.(Dropped); ok {
			reason[d.Shipment] = d.Reason
		}
	}
	out := []model.Unassigned{}
	for _, s := range input {
		if r, ok := reason[s.ID]; ok {
			out = append(out, model.Unassigned{ShipmentID: s.ID, Reason: r})
		}
	}
	return out
}

func failed(strategy model.Strategy, started time.Time, errs ...string) model.Solution {
	return model.Solution{
		Status:                 model.StatusFailed,
		Strategy:               strategy,
		Routes:                 []model.Route{},
		Unassigned:             []model.Unassigned{},
		Warnings:               []string{},
		Errors:                 errs,
		ComputationTimeSeconds: seconds(started),
	}
}

func seconds(since time.Time) float64 {
	return math.Round(time.Since(since).Seconds()*1000) / 1000
}

func validateInput(in OptimizeInput, strategy model.Strategy, p Params) []string {
	var errs []string
	if !strategy.Valid() {
		errs = append(errs, fmt.Sprintf("unknown strategy %q", strategy))
	}
	if len(in.Vehicles) == 0 {
		errs = append(errs, "no vehicles available")
	}
	if len(in.Shipments) == 0 {
		errs = append(errs, "no shipments to route")
	}
	if err := p.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if in.Depot.OpenMinute != nil && (*in.Depot.OpenMinute < 0 || *in.Depot.OpenMinute > p.Horizon) {
		errs = append(errs, fmt.Sprintf("depot open minute %d outside the day", *in.Depot.OpenMinute))
	}

	vehSeen := map[string]bool{}
	for i, v := range in.Vehicles {
		switch {
		case v.ID == "":
			errs = append(errs, fmt.Sprintf("vehicle %d has no id", i))
		case vehSeen[v.ID]:
			errs = append(errs, fmt.Sprintf("duplicate vehicle %s", v.ID))
		}
		vehSeen[v.ID] = true
		if v.CapacityKg < 0 || v.CapacityM3 < 0 {
			errs = append(errs, fmt.Sprintf("vehicle %s has negative capacity", v.ID))
		}
		if v.MaxStops < 0 {
			errs = append(errs, fmt.Sprintf("vehicle %s has negative max stops", v.ID))
		}
		if v.TemperatureMin != nil && v.TemperatureMax != nil && *v.TemperatureMin > *v.TemperatureMax {
			errs = append(errs, fmt.Sprintf("vehicle %s has an inverted temperature range", v.ID))
		}
	}

	shipSeen := map[string]bool{}
	for i, s := range in.Shipments {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Sprintf("shipment %d has no id", i))
		case shipSeen[s.ID]:
			errs = append(errs, fmt.Sprintf("duplicate shipment %s", s.ID))
		}
		shipSeen[s.ID] = true
		if s.WeightKg <= 0 || s.VolumeM3 <= 0 {
			errs = append(errs, fmt.Sprintf("shipment %s must have positive weight and volume", s.ID))
		}
		if s.ClinicalPriority < 0 || s.ClinicalPriority > 3 {
			errs = append(errs, fmt.Sprintf("shipment %s has invalid clinical priority %d", s.ID, s.ClinicalPriority))
		}
		if w := s.TimeWindow; w != nil && (w.Start < 0 || w.End < w.Start || w.End > p.Horizon) {
			errs = append(errs, fmt.Sprintf("shipment %s has an invalid time window %d-%d", s.ID, w.Start, w.End))
		}
		if s.ServiceTimeMinutes != nil && *s.ServiceTimeMinutes < 0 {
			errs = append(errs, fmt.Sprintf("shipment %s has negative service time", s.ID))
		}
		if s.TemperatureMin != nil && s.TemperatureMax != nil && *s.TemperatureMin > *s.TemperatureMax {
			errs = append(errs, fmt.Sprintf("shipment %s has an inverted temperature range", s.ID))
		}
	}
	return errs
}

// Sequence orders locations for a single vehicle leaving from
// locations[startIndex]. The returned sequence starts with startIndex and
// does not repeat it at the end; returnToStart only affects the cost and
// the totals.
func (o *Optimizer) Sequence(ctx context.Context, locations []model.GeoPoint, startIndex int, returnToStart bool) (model.SequenceResult, error) {
	n := len(locations)
	if n == 0 {
		return model.SequenceResult{Sequence: []int{}}, nil
	}
	if startIndex < 0 || startIndex >= n {
		return model.SequenceResult{}, fmt.Errorf("%w: start index %d out of range", ErrInvalidInput, startIndex)
	}
	if n == 1 {
		return model.SequenceResult{Sequence: []int{0}}, nil
	}

	// node 0 of the model is the start location
	order := make([]int, 0, n)
	order = append(order, startIndex)
	for i := 0; i < n; i++ {
		if i != startIndex {
			order = append(order, i)
		}
	}
	points := make([]model.GeoPoint, n)
	for node, idx := range order {
		points[node] = locations[idx]
	}
	mx, warns, err := o.provider.Matrix(ctx, points)
	if err != nil {
		return model.SequenceResult{}, err
	}

	m := opt.NewModel(n, 1)
	m.SetArcCost(func(_, from, to int) int64 {
		if to == 0 && !returnToStart {
			return 0
		}
		return scale(mx.DistanceKm[from][to], metreScale)
	})
	limit := time.Duration(math.Min(o.params.TimeLimitSeconds, 10) * float64(time.Second))
	a, err := m.Solve(ctx, opt.SearchParams{
		FirstSolution: opt.PathCheapestArc,
		TimeLimit:     limit,
		StallLimit:    o.params.StallIterations,
		Seed:          o.params.Seed,
	})
	if err != nil {
		return model.SequenceResult{}, fmt.Errorf("sequence: %w", err)
	}

	path := a.Routes[0]
	res := model.SequenceResult{DistanceSource: mx.Source, Warnings: warns}
	for i, node := range path[:len(path)-1] {
		res.Sequence = append(res.Sequence, order[node])
		if next := path[i+1]; next != 0 || returnToStart {
			res.TotalDistanceKm += mx.DistanceKm[node][next]
		}
	}
	res.TotalDistanceKm = round2(res.TotalDistanceKm)
	res.TotalTimeMinutes = math.Round(res.TotalDistanceKm/o.provider.FallbackSpeedKmh()*60*10) / 10
	return res, nil
}
