package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medroute/internal/geo"
	"medroute/internal/model"
	"medroute/internal/opt"
)

type mapGeocoder map[string]*model.GeoPoint

func (m mapGeocoder) Geocode(_ context.Context, address, _, _ string) (geo.GeocodeResult, error) {
	p, ok := m[address]
	if !ok || p == nil {
		return geo.GeocodeResult{}, errors.New("address not found")
	}
	return geo.GeocodeResult{Location: *p, FormattedAddress: address}, nil
}

func testParams() Params {
	p := DefaultParams()
	p.TimeLimitSeconds = 5
	p.StallIterations = 50
	return p
}

func newTestOptimizer(opts ...geo.Option) *Optimizer {
	return NewOptimizer(geo.NewProvider(opts...), testParams())
}

func at(lat, lng float64) *model.GeoPoint { return &model.GeoPoint{Lat: lat, Lng: lng} }

func ship(id string, kg float64, loc *model.GeoPoint) model.Shipment {
	return model.Shipment{ID: id, WeightKg: kg, VolumeM3: 0.1, Location: loc}
}

var berlin = model.Depot{ID: "DC1", Name: "Central", Location: model.GeoPoint{Lat: 52.52, Lng: 13.40}}

func TestOptimizeCapacityForcesDrop(t *testing.T) {
	o := newTestOptimizer()
	sol := o.Optimize(context.Background(), OptimizeInput{
		Depot:    berlin,
		Vehicles: []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}},
		Shipments: []model.Shipment{
			ship("S1", 40, at(52.53, 13.41)),
			ship("S2", 40, at(52.51, 13.42)),
			ship("S3", 40, at(52.54, 13.38)),
		},
	})
	require.Equal(t, model.StatusPartial, sol.Status, sol.Errors)
	require.Len(t, sol.Routes, 1)
	assert.Equal(t, 2, sol.AssignedCount())
	require.Len(t, sol.Unassigned, 1)
	assert.Equal(t, ReasonFleetExhausted, sol.Unassigned[0].Reason)
	assert.Empty(t, sol.Errors)
	assert.LessOrEqual(t, sol.Routes[0].TotalLoadKg, 100.0)
	assert.Equal(t, model.StrategyBalanced, sol.Strategy)
	assert.Equal(t, geo.SourceHaversine, sol.DistanceSource)
	require.NotNil(t, sol.Search)
	assert.Equal(t, opt.PathCheapestArc.String(), sol.Search.FirstSolution)
}

func TestOptimizeColdChainWithoutReefer(t *testing.T) {
	o := newTestOptimizer()
	s := ship("COLD", 5, at(52.53, 13.41))
	s.RequiresColdChain = true
	sol := o.Optimize(context.Background(), OptimizeInput{
		Depot:     berlin,
		Vehicles:  []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}},
		Shipments: []model.Shipment{s},
	})
	assert.Equal(t, model.StatusPartial, sol.Status)
	assert.Empty(t, sol.Routes)
	require.Len(t, sol.Unassigned, 1)
	assert.Equal(t, "COLD", sol.Unassigned[0].ShipmentID)
	assert.Equal(t, ReasonNoColdChainVehicle, sol.Unassigned[0].Reason)
	assert.NotEmpty(t, sol.Warnings)
	assert.Zero(t, sol.OptimizationScore)
}

func TestOptimizeVisitsNearestFirst(t *testing.T) {
	o := newTestOptimizer()
	sol := o.Optimize(context.Background(), OptimizeInput{
		Depot:    model.Depot{ID: "DC0", Location: model.GeoPoint{Lat: 0, Lng: 0}},
		Strategy: model.StrategyMinimizeDistance,
		Vehicles: []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}},
		Shipments: []model.Shipment{
			ship("FAR", 1, at(0, 2)),
			ship("NEAR", 1, at(0, 1)),
		},
	})
	require.Equal(t, model.StatusSuccess, sol.Status, sol.Errors)
	require.Len(t, sol.Routes, 1)
	assert.Equal(t, []string{"NEAR", "FAR"}, sol.Routes[0].ShipmentIDs())
	assert.InDelta(t, 444.78, sol.TotalDistanceKm, 0.1)
	assert.Equal(t, opt.Savings.String(), sol.Search.FirstSolution)
}

func TestOptimizeGeocodingFailureExcludesShipment(t *testing.T) {
	gc := mapGeocoder{
		"Alexanderplatz 1": at(52.5219, 13.4132),
		"Potsdamer Platz 1": at(52.5096, 13.3759),
	}
	o := newTestOptimizer(geo.WithGeocoder(gc))
	sol := o.Optimize(context.Background(), OptimizeInput{
		Depot:    berlin,
		Vehicles: []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}},
		Shipments: []model.Shipment{
			{ID: "A", Address: "Alexanderplatz 1", City: "Berlin", WeightKg: 1, VolumeM3: 0.1},
			{ID: "B", Address: "Nowhere 99", City: "Berlin", WeightKg: 1, VolumeM3: 0.1},
			{ID: "C", Address: "Potsdamer Platz 1", City: "Berlin", WeightKg: 1, VolumeM3: 0.1},
		},
	})
	require.NotEqual(t, model.StatusFailed, sol.Status, sol.Errors)
	assert.Equal(t, model.StatusPartial, sol.Status)
	assert.Equal(t, 2, sol.AssignedCount())
	require.Len(t, sol.Unassigned, 1)
	assert.Equal(t, "B", sol.Unassigned[0].ShipmentID)
	assert.Equal(t, geo.ReasonUnresolvable, sol.Unassigned[0].Reason)
	assert.Contains(t, sol.Warnings[0], "shipment B")
}

func TestOptimizeAllUnresolvableFails(t *testing.T) {
	o := newTestOptimizer()
	sol := o.Optimize(context.Background(), OptimizeInput{
		Depot:     berlin,
		Vehicles:  []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}},
		Shipments: []model.Shipment{{ID: "A", Address: "somewhere", WeightKg: 1, VolumeM3: 0.1}},
	})
	assert.Equal(t, model.StatusFailed, sol.Status)
	require.Len(t, sol.Unassigned, 1)
	assert.NotEmpty(t, sol.Errors)
}

func TestOptimizeRejectsBadInput(t *testing.T) {
	good := ship("S1", 1, at(52.53, 13.41))
	veh := model.Vehicle{ID: "V1", CapacityKg: 100, CapacityM3: 10}
	cases := map[string]OptimizeInput{
		"no vehicles":   {Shipments: []model.Shipment{good}},
		"no shipments":  {Vehicles: []model.Vehicle{veh}},
		"zero weight":   {Vehicles: []model.Vehicle{veh}, Shipments: []model.Shipment{ship("S1", 0, at(1, 1))}},
		"bad strategy":  {Vehicles: []model.Vehicle{veh}, Shipments: []model.Shipment{good}, Strategy: "fastest"},
		"bad priority":  {Vehicles: []model.Vehicle{veh}, Shipments: []model.Shipment{{ID: "S", WeightKg: 1, VolumeM3: 1, ClinicalPriority: 5, Location: at(1, 1)}}},
		"dup shipments": {Vehicles: []model.Vehicle{veh}, Shipments: []model.Shipment{good, good}},
		"dup vehicles":  {Vehicles: []model.Vehicle{veh, veh}, Shipments: []model.Shipment{good}},
		"inverted window": {Vehicles: []model.Vehicle{veh}, Shipments: []model.Shipment{{
			ID: "S", WeightKg: 1, VolumeM3: 1, Location: at(1, 1), TimeWindow: &model.MinuteWindow{Start: 700, End: 600},
		}}},
	}
	o := newTestOptimizer()
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			in.Depot = berlin
			sol := o.Optimize(context.Background(), in)
			assert.Equal(t, model.StatusFailed, sol.Status)
			assert.NotEmpty(t, sol.Errors)
			assert.Empty(t, sol.Routes)
			assert.NotNil(t, sol.Routes)
		})
	}
}

func TestOptimizeMatrixOutageDegrades(t *testing.T) {
	src := failingSource{}
	o := newTestOptimizer(geo.WithMatrixSource(src))
	sol := o.Optimize(context.Background(), OptimizeInput{
		Depot:     berlin,
		Vehicles:  []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}},
		Shipments: []model.Shipment{ship("S1", 1, at(52.53, 13.41))},
	})
	// an unreachable source degrades to straight-line distances
	assert.NotEqual(t, model.StatusFailed, sol.Status, sol.Errors)
	assert.Equal(t, geo.SourceHaversine, sol.DistanceSource)
	assert.NotEmpty(t, sol.Warnings)
}

type failingSource struct{}

func (failingSource) Matrix(context.Context, []model.GeoPoint) (geo.Matrix, error) {
	return geo.Matrix{}, errors.New("connection refused")
}

func fleetInput() OptimizeInput {
	reefer := model.Vehicle{ID: "R1", CapacityKg: 300, CapacityM3: 3, HasRefrigeration: true, MaxStops: 6}
	van := model.Vehicle{ID: "V2", CapacityKg: 300, CapacityM3: 3, MaxStops: 6}
	var shipments []model.Shipment
	for i := 0; i < 10; i++ {
		s := ship(string(rune('A'+i)), 20+float64(i), at(52.50+float64(i%4)*0.01, 13.35+float64(i/4)*0.02))
		s.ClinicalPriority = 1 + i%3
		if i%4 == 0 {
			s.RequiresColdChain = true
		}
		if i == 5 {
			s.TimeWindow = &model.MinuteWindow{Start: 600, End: 660}
		}
		shipments = append(shipments, s)
	}
	return OptimizeInput{Depot: berlin, Vehicles: []model.Vehicle{reefer, van}, Shipments: shipments, Seed: 11}
}

func TestOptimizeInvariantsAcrossStrategies(t *testing.T) {
	o := newTestOptimizer()
	for _, st := range []model.Strategy{
		model.StrategyBalanced, model.StrategyMinimizeDistance, model.StrategyMinimizeTime,
		model.StrategyMinimizeCost, model.StrategyPriorityFirst,
	} {
		t.Run(string(st), func(t *testing.T) {
			in := fleetInput()
			in.Strategy = st
			sol := o.Optimize(context.Background(), in)
			require.NotEqual(t, model.StatusFailed, sol.Status, sol.Errors)
			assert.Empty(t, sol.Errors)

			byID := map[string]model.Shipment{}
			for _, s := range in.Shipments {
				byID[s.ID] = s
			}
			assertStopLoads(t, sol, in.Vehicles)
			seen := map[string]bool{}
			for _, r := range sol.Routes {
				require.GreaterOrEqual(t, len(r.Stops), 3)
				assert.True(t, r.Stops[0].IsDepot())
				assert.True(t, r.Stops[len(r.Stops)-1].IsDepot())
				assert.LessOrEqual(t, r.ShipmentCount, 6)
				assert.LessOrEqual(t, r.TotalLoadKg, 300.0)
				prev := -1
				for i, stop := range r.Stops {
					assert.Equal(t, i, stop.SequenceOrder)
					assert.GreaterOrEqual(t, stop.ArrivalMinutes, prev)
					prev = stop.ArrivalMinutes
					if stop.ShipmentID == "" {
						continue
					}
					s := byID[stop.ShipmentID]
					if s.RequiresColdChain {
						assert.Equal(t, "R1", r.VehicleID)
					}
					if s.TimeWindow != nil {
						assert.GreaterOrEqual(t, stop.ArrivalMinutes, s.TimeWindow.Start)
						assert.LessOrEqual(t, stop.ArrivalMinutes, s.TimeWindow.End)
					}
					assert.False(t, seen[stop.ShipmentID])
					seen[stop.ShipmentID] = true
				}
			}
			assert.Equal(t, len(in.Shipments), len(seen)+len(sol.Unassigned))
			assert.GreaterOrEqual(t, sol.OptimizationScore, 0.0)
			assert.LessOrEqual(t, sol.OptimizationScore, 100.0)
		})
	}
}

// assertStopLoads checks cumulative weight and volume at every stop against
// the route's own vehicle.
func assertStopLoads(t *testing.T, sol model.Solution, vehicles []model.Vehicle) {
	t.Helper()
	byID := map[string]model.Vehicle{}
	for _, v := range vehicles {
		byID[v.ID] = v
	}
	for _, r := range sol.Routes {
		veh, ok := byID[r.VehicleID]
		require.True(t, ok, r.VehicleID)
		var kg, m3 float64
		for _, stop := range r.Stops {
			assert.LessOrEqual(t, stop.LoadKg, veh.CapacityKg, "route %s stop %d", r.VehicleID, stop.SequenceOrder)
			assert.LessOrEqual(t, stop.LoadM3, veh.CapacityM3, "route %s stop %d", r.VehicleID, stop.SequenceOrder)
			assert.GreaterOrEqual(t, stop.LoadKg, kg)
			assert.GreaterOrEqual(t, stop.LoadM3, m3)
			kg, m3 = stop.LoadKg, stop.LoadM3
		}
	}
}

func TestOptimizeVolumeBoundFleet(t *testing.T) {
	o := newTestOptimizer()
	vehicles := []model.Vehicle{
		{ID: "V1", CapacityKg: 1000, CapacityM3: 0.5},
		{ID: "V2", CapacityKg: 1000, CapacityM3: 0.75},
	}
	var shipments []model.Shipment
	for i := 0; i < 8; i++ {
		s := ship(string(rune('A'+i)), 1, at(52.50+float64(i)*0.005, 13.38+float64(i%3)*0.01))
		s.VolumeM3 = 0.25
		shipments = append(shipments, s)
	}
	for _, st := range []model.Strategy{model.StrategyBalanced, model.StrategyMinimizeDistance, model.StrategyPriorityFirst} {
		t.Run(string(st), func(t *testing.T) {
			sol := o.Optimize(context.Background(), OptimizeInput{Depot: berlin, Vehicles: vehicles, Shipments: shipments, Strategy: st})
			require.Equal(t, model.StatusPartial, sol.Status, sol.Errors)
			assert.Empty(t, sol.Errors)
			// 0.5 + 0.75 m3 holds exactly five 0.25 m3 shipments
			assert.Equal(t, 5, sol.AssignedCount())
			assert.Len(t, sol.Unassigned, 3)
			assertStopLoads(t, sol, vehicles)
		})
	}
}

func TestOptimizeFractionalDemandNeverOverloads(t *testing.T) {
	o := newTestOptimizer()
	sol := o.Optimize(context.Background(), OptimizeInput{
		Depot:    berlin,
		Vehicles: []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}},
		Shipments: []model.Shipment{
			ship("S1", 50.004, at(52.53, 13.41)),
			ship("S2", 50.004, at(52.51, 13.42)),
		},
	})
	require.Equal(t, model.StatusPartial, sol.Status, sol.Errors)
	assert.Equal(t, 1, sol.AssignedCount())
	require.Len(t, sol.Unassigned, 1)
	assert.Empty(t, sol.Errors)
	require.Len(t, sol.Routes, 1)
	assert.InDelta(t, 50.004, sol.Routes[0].TotalLoadKg, 1e-9)
	assertStopLoads(t, sol, []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 10}})

	// float noise in exact fits does not cost a shipment
	sol = o.Optimize(context.Background(), OptimizeInput{
		Depot:    berlin,
		Vehicles: []model.Vehicle{{ID: "V1", CapacityKg: 100, CapacityM3: 0.3}},
		Shipments: []model.Shipment{
			ship("S1", 1, at(52.53, 13.41)),
			ship("S2", 1, at(52.51, 13.42)),
			ship("S3", 1, at(52.54, 13.38)),
		},
	})
	require.Equal(t, model.StatusSuccess, sol.Status, sol.Errors)
	assert.Equal(t, 3, sol.AssignedCount())
	assert.Empty(t, sol.Errors)
	require.Len(t, sol.Routes, 1)
	assert.Equal(t, 0.3, sol.Routes[0].TotalLoadM3)
}

func TestOptimizeDeterministicForSeed(t *testing.T) {
	o := newTestOptimizer()
	in := fleetInput()
	in.Params = ptr(testParams())
	in.Params.TimeLimitSeconds = 30
	in.Params.StallIterations = 30
	a := o.Optimize(context.Background(), in)
	b := o.Optimize(context.Background(), in)
	require.Equal(t, len(a.Routes), len(b.Routes))
	for i := range a.Routes {
		assert.Equal(t, a.Routes[i].ShipmentIDs(), b.Routes[i].ShipmentIDs())
	}
	assert.Equal(t, a.TotalDistanceKm, b.TotalDistanceKm)
}

func TestOptimizeRecordsTenantMetrics(t *testing.T) {
	o := newTestOptimizer()
	in := fleetInput()
	in.TenantID = "tenant-metrics"
	in.PlanDate = "2026-03-02"
	sol := o.Optimize(context.Background(), in)
	require.NotEqual(t, model.StatusFailed, sol.Status)
	m := opt.GetMetrics("tenant-metrics", "2026-03-02")
	require.Contains(t, m, string(model.StrategyBalanced))
	assert.Equal(t, sol.Search.Iterations, m[string(model.StrategyBalanced)].Iterations)
}

func TestOptimizeReportsProgress(t *testing.T) {
	o := newTestOptimizer()
	in := fleetInput()
	var calls int
	in.OnProgress = func(opt.Progress) { calls++ }
	in.TimeLimit = 2 * time.Second
	o.Optimize(context.Background(), in)
	assert.Positive(t, calls)
}

func TestSequence(t *testing.T) {
	o := newTestOptimizer()
	locs := []model.GeoPoint{{Lat: 0, Lng: 3}, {Lat: 0, Lng: 0}, {Lat: 0, Lng: 2}, {Lat: 0, Lng: 1}}

	res, err := o.Sequence(context.Background(), locs, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 0}, res.Sequence)
	assert.InDelta(t, 333.58, res.TotalDistanceKm, 0.1)
	assert.InDelta(t, res.TotalDistanceKm/o.provider.FallbackSpeedKmh()*60, res.TotalTimeMinutes, 0.1)

	closed, err := o.Sequence(context.Background(), locs, 1, true)
	require.NoError(t, err)
	assert.Len(t, closed.Sequence, 4)
	assert.Equal(t, 1, closed.Sequence[0])
	assert.InDelta(t, 667.17, closed.TotalDistanceKm, 0.1)
}

func TestSequenceEdges(t *testing.T) {
	o := newTestOptimizer()
	res, err := o.Sequence(context.Background(), nil, 0, false)
	require.NoError(t, err)
	assert.Empty(t, res.Sequence)
	assert.NotNil(t, res.Sequence)

	res, err = o.Sequence(context.Background(), []model.GeoPoint{{Lat: 1, Lng: 1}}, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Sequence)
	assert.Zero(t, res.TotalDistanceKm)

	_, err = o.Sequence(context.Background(), []model.GeoPoint{{}, {Lat: 1}}, 2, false)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func ptr[T any](v T) *T { return &v }
