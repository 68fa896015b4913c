package planner

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"medroute/internal/geo"
	"medroute/internal/model"
	"medroute/internal/opt"
)

// Dimension names on the routing model.
const (
	DimWeight = "weight"
	DimVolume = "volume"
	DimTime   = "time"
	DimStops  = "stops"
)

// Fixed-point scales for the capacity dimensions.
const (
	weightScale = 100  // kg -> 10 g units
	volumeScale = 1000 // m3 -> litres
	metreScale  = 1000
	centScale   = 100
)

// ConstraintModel is the routing model for one run plus the domain data
// needed to read its solution back. Node i+1 is Shipments[i].
type ConstraintModel struct {
	Model     *opt.Model
	Shipments []model.Shipment
	Vehicles  []model.Vehicle
	Matrix    geo.Matrix
	Strategy  model.Strategy
	Params    Params
	Depot     model.Depot

	// ForcedDrops maps node -> reason for shipments no vehicle may carry.
	ForcedDrops map[int]string
	Warnings    []string

	weight    []int64
	volume    []int64
	service   []int64
	travel    [][]int64
	winStart  []int64
	winEnd    []int64
	departure int64
}

// NormalizeVehicle fills unset vehicle fields from params.
func NormalizeVehicle(v model.Vehicle, p Params) model.Vehicle {
	if v.MaxStops <= 0 {
		v.MaxStops = p.DefaultMaxStops
	}
	if v.CostPerKm <= 0 {
		v.CostPerKm = p.DefaultCostPerKm
	}
	if v.AvgSpeedKmh <= 0 {
		v.AvgSpeedKmh = p.DefaultAvgSpeedKmh
	}
	return v
}

// ColdChainCompatible reports whether v may carry s. Temperatures are only
// compared when both sides give a full range.
func ColdChainCompatible(s model.Shipment, v model.Vehicle) bool {
	if !s.RequiresColdChain {
		return true
	}
	if !v.HasRefrigeration {
		return false
	}
	if s.TemperatureMin == nil || s.TemperatureMax == nil || v.TemperatureMin == nil || v.TemperatureMax == nil {
		return true
	}
	return !(*s.TemperatureMax < *v.TemperatureMin || *s.TemperatureMin > *v.TemperatureMax)
}

// FirstSolutionFor maps a strategy to its construction heuristic.
func FirstSolutionFor(s model.Strategy) opt.FirstSolution {
	switch s {
	case model.StrategyBalanced:
		return opt.PathCheapestArc
	case model.StrategyMinimizeTime, model.StrategyPriorityFirst:
		return opt.ParallelCheapestInsertion
	default:
		return opt.Savings
	}
}

func (cm *ConstraintModel) serviceMinutes(s model.Shipment) int64 {
	if s.ServiceTimeMinutes != nil {
		return int64(*s.ServiceTimeMinutes)
	}
	return int64(cm.Params.DefaultServiceMinutes)
}

func (cm *ConstraintModel) window(s model.Shipment) (int64, int64) {
	if s.TimeWindow != nil {
		return int64(s.TimeWindow.Start), int64(s.TimeWindow.End)
	}
	return int64(cm.Params.DefaultWindowStart), int64(cm.Params.DefaultWindowEnd)
}

// BuildConstraintModel encodes capacity, time windows, cold chain, stop
// limits, priority lateness and drop penalties for the given shipments
// (all with coordinates) and fleet. matrix index 0 is the depot.
func BuildConstraintModel(shipments []model.Shipment, vehicles []model.Vehicle, matrix geo.Matrix, depot model.Depot, strategy model.Strategy, p Params) (*ConstraintModel, error) {
	n := len(shipments) + 1
	if err := matrix.Validate(n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(vehicles) == 0 {
		return nil, fmt.Errorf("%w: no vehicles", ErrInvalidInput)
	}
	if strategy == "" {
		strategy = model.StrategyBalanced
	}

	cm := &ConstraintModel{
		Model:       opt.NewModel(n, len(vehicles)),
		Shipments:   shipments,
		Vehicles:    make([]model.Vehicle, len(vehicles)),
		Matrix:      matrix,
		Strategy:    strategy,
		Params:      p,
		Depot:       depot,
		ForcedDrops: map[int]string{},
		weight:      make([]int64, n),
		volume:      make([]int64, n),
		service:     make([]int64, n),
		travel:      make([][]int64, n),
		winStart:    make([]int64, n),
		winEnd:      make([]int64, n),
	}
	for i, v := range vehicles {
		cm.Vehicles[i] = NormalizeVehicle(v, p)
	}
	cm.departure = int64(p.DefaultDepotOpen)
	if depot.OpenMinute != nil {
		cm.departure = int64(*depot.OpenMinute)
	}
	for i := 0; i < n; i++ {
		cm.travel[i] = make([]int64, n)
		for j := 0; j < n; j++ {
			cm.travel[i][j] = int64(matrix.DurationMin[i][j])
		}
	}
	for i, s := range shipments {
		node := i + 1
		cm.weight[node] = demandUnits(s.WeightKg, weightScale)
		cm.volume[node] = demandUnits(s.VolumeM3, volumeScale)
		cm.service[node] = cm.serviceMinutes(s)
		cm.winStart[node], cm.winEnd[node] = cm.window(s)
	}

	cm.setArcCost()
	if err := cm.addCapacity(); err != nil {
		return nil, err
	}
	if err := cm.addTime(); err != nil {
		return nil, err
	}
	if err := cm.addStops(); err != nil {
		return nil, err
	}
	cm.addColdChain()
	for node := 1; node < n; node++ {
		cm.Model.AddDisjunction(node, p.DropPenalty)
	}
	return cm, nil
}

func scale(x float64, factor float64) int64 { return int64(math.Round(x * factor)) }

// unitSlack absorbs float noise such as 0.1*1000 = 100.00000000000001.
const unitSlack = 1e-6

// demandUnits rounds a shipment's demand up and capacityUnits rounds a
// vehicle's capacity down, so integer loads never admit more than the real
// capacity.
func demandUnits(x, factor float64) int64   { return int64(math.Ceil(x*factor - unitSlack)) }
func capacityUnits(x, factor float64) int64 { return int64(math.Floor(x*factor + unitSlack)) }

func (cm *ConstraintModel) setArcCost() {
	km := cm.Matrix.DistanceKm
	switch cm.Strategy {
	case model.StrategyMinimizeTime:
		cm.Model.SetArcCost(func(_, from, to int) int64 { return cm.travel[from][to] })
	case model.StrategyMinimizeCost:
		cost := make([]float64, len(cm.Vehicles))
		for v, veh := range cm.Vehicles {
			cost[v] = veh.CostPerKm
		}
		cm.Model.SetArcCost(func(v, from, to int) int64 { return scale(km[from][to]*cost[v], centScale) })
	default:
		metres := make([][]int64, len(km))
		for i := range km {
			metres[i] = make([]int64, len(km[i]))
			for j := range km[i] {
				metres[i][j] = scale(km[i][j], metreScale)
			}
		}
		cm.Model.SetArcCost(func(_, from, to int) int64 { return metres[from][to] })
	}
}

func (cm *ConstraintModel) addCapacity() error {
	kg := make([]int64, len(cm.Vehicles))
	m3 := make([]int64, len(cm.Vehicles))
	for v, veh := range cm.Vehicles {
		kg[v] = capacityUnits(veh.CapacityKg, weightScale)
		m3[v] = capacityUnits(veh.CapacityM3, volumeScale)
	}
	if _, err := cm.Model.AddDimension(DimWeight, func(_, _, to int) int64 { return cm.weight[to] }, kg, 0); err != nil {
		return err
	}
	_, err := cm.Model.AddDimension(DimVolume, func(_, _, to int) int64 { return cm.volume[to] }, m3, 0)
	return err
}

func (cm *ConstraintModel) addTime() error {
	horizon := int64(cm.Params.Horizon)
	caps := make([]int64, len(cm.Vehicles))
	for v := range caps {
		caps[v] = horizon
	}
	d, err := cm.Model.AddDimension(DimTime, func(_, from, to int) int64 {
		return cm.travel[from][to] + cm.service[from]
	}, caps, horizon)
	if err != nil {
		return err
	}
	for v := range cm.Vehicles {
		d.SetStartCumul(v, cm.departure)
	}
	d.SetWindow(0, cm.departure, horizon)

	unit := cm.Params.LatenessUnitPenalty
	if cm.Strategy == model.StrategyPriorityFirst {
		unit *= cm.Params.PriorityFirstMultiplier
	}
	for i, s := range cm.Shipments {
		node := i + 1
		d.SetWindow(node, cm.winStart[node], cm.winEnd[node])
		d.SetSoftUpperBound(node, int64(cm.Params.EndOfDay), int64(4-s.Priority())*unit)
	}
	d.SetGlobalSpanCost(cm.Params.GlobalSpanCoefficient)
	return nil
}

func (cm *ConstraintModel) addStops() error {
	caps := make([]int64, len(cm.Vehicles))
	for v, veh := range cm.Vehicles {
		caps[v] = int64(veh.MaxStops)
	}
	_, err := cm.Model.AddDimension(DimStops, func(_, _, to int) int64 {
		if to == 0 {
			return 0
		}
		return 1
	}, caps, 0)
	return err
}

func (cm *ConstraintModel) addColdChain() {
	for i, s := range cm.Shipments {
		if !s.RequiresColdChain {
			continue
		}
		node := i + 1
		var allowed []int
		for v, veh := range cm.Vehicles {
			if ColdChainCompatible(s, veh) {
				allowed = append(allowed, v)
			}
		}
		cm.Model.SetAllowedVehicles(node, allowed)
		if len(allowed) == 0 {
			cm.ForcedDrops[node] = ReasonNoColdChainVehicle
			cm.Warnings = append(cm.Warnings, fmt.Sprintf("shipment %s requires cold chain but no compatible refrigerated vehicle is available", s.ID))
			log.Warn().Str("shipment", s.ID).Msg("no compatible refrigerated vehicle")
		}
	}
}

// SearchParams derives the engine parameters for this model.
func (cm *ConstraintModel) SearchParams(limit time.Duration, seed int64) opt.SearchParams {
	sp := opt.SearchParams{
		FirstSolution: FirstSolutionFor(cm.Strategy),
		TimeLimit:     limit,
		StallLimit:    cm.Params.StallIterations,
		Seed:          seed,
		InitialTemp:   cm.Params.InitialTemp,
		Cooling:       cm.Params.Cooling,
	}
	if cm.Strategy == model.StrategyPriorityFirst {
		rank := make([]int, len(cm.Shipments)+1)
		for i, s := range cm.Shipments {
			rank[i+1] = s.Priority()
		}
		sp.InsertionRank = rank
	}
	return sp
}
