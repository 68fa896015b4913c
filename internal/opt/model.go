// Package opt is a small vehicle-routing engine: a generic model of arc
// costs, cumulative dimensions, vehicle eligibility and optional visits,
// plus a time-bounded construction and adaptive large neighbourhood search.
//
// Node 0 is the depot; every vehicle starts and ends there.
package opt

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoSolution means a mandatory node could not be placed on any route.
var ErrNoSolution = errors.New("no feasible solution")

// NoPenalty marks a node without a disjunction: it must be visited.
const NoPenalty int64 = -1

// ArcCostFunc returns the cost for vehicle v to travel from -> to.
type ArcCostFunc func(v, from, to int) int64

// TransitFunc returns how much a dimension grows for vehicle v on from -> to.
type TransitFunc func(v, from, to int) int64

type softBound struct {
	bound int64
	coeff int64
}

// Dimension is a quantity accumulated along each route (load, time, stop
// count). The cumul at the next node is cumul + transit, raised to the
// node's window minimum by waiting (at most SlackMax), and must stay within
// the window and the vehicle capacity.
type Dimension struct {
	Name      string
	transit   TransitFunc
	capacity  []int64
	slackMax  int64
	start     []int64
	winMin    []int64
	winMax    []int64
	soft      []softBound
	spanCoeff int64
}

func (d *Dimension) SetStartCumul(v int, value int64) { d.start[v] = value }

// SetWindow bounds the cumul at node.
func (d *Dimension) SetWindow(node int, min, max int64) {
	d.winMin[node] = min
	d.winMax[node] = max
}

// SetSoftUpperBound charges coeff per unit the cumul at node exceeds bound.
func (d *Dimension) SetSoftUpperBound(node int, bound, coeff int64) {
	d.soft[node] = softBound{bound: bound, coeff: coeff}
}

// SetGlobalSpanCost charges coeff × (latest route end − earliest route
// start) across the vehicles in use.
func (d *Dimension) SetGlobalSpanCost(coeff int64) { d.spanCoeff = coeff }

func (d *Dimension) Capacity(v int) int64 { return d.capacity[v] }

type Model struct {
	nodes    int
	vehicles int
	arcCost  ArcCostFunc
	dims     []*Dimension
	byName   map[string]int
	allowed  [][]bool
	penalty  []int64
}

// NewModel creates a model with nodes locations (index 0 is the depot) and
// the given fleet size. Until SetArcCost is called every arc costs zero.
func NewModel(nodes, vehicles int) *Model {
	if nodes < 1 {
		nodes = 1
	}
	m := &Model{
		nodes:    nodes,
		vehicles: vehicles,
		arcCost:  func(int, int, int) int64 { return 0 },
		byName:   map[string]int{},
		allowed:  make([][]bool, nodes),
		penalty:  make([]int64, nodes),
	}
	for i := range m.penalty {
		m.penalty[i] = NoPenalty
	}
	return m
}

func (m *Model) Nodes() int    { return m.nodes }
func (m *Model) Vehicles() int { return m.vehicles }

func (m *Model) SetArcCost(fn ArcCostFunc) { m.arcCost = fn }

// AddDimension registers a cumulative quantity. capacity holds one bound per
// vehicle.
func (m *Model) AddDimension(name string, transit TransitFunc, capacity []int64, slackMax int64) (*Dimension, error) {
	if _, dup := m.byName[name]; dup {
		return nil, fmt.Errorf("dimension %q already exists", name)
	}
	if len(capacity) != m.vehicles {
		return nil, fmt.Errorf("dimension %q: %d capacities for %d vehicles", name, len(capacity), m.vehicles)
	}
	d := &Dimension{
		Name:     name,
		transit:  transit,
		capacity: append([]int64(nil), capacity...),
		slackMax: slackMax,
		start:    make([]int64, m.vehicles),
		winMin:   make([]int64, m.nodes),
		winMax:   make([]int64, m.nodes),
		soft:     make([]softBound, m.nodes),
	}
	for i := range d.winMax {
		d.winMax[i] = math.MaxInt64
	}
	m.byName[name] = len(m.dims)
	m.dims = append(m.dims, d)
	return d, nil
}

// Dimension looks up a dimension by name.
func (m *Model) Dimension(name string) (*Dimension, bool) {
	i, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.dims[i], true
}

// SetAllowedVehicles restricts node to the listed vehicles. An empty list
// makes the node unservable.
func (m *Model) SetAllowedVehicles(node int, vehicles []int) {
	mask := make([]bool, m.vehicles)
	for _, v := range vehicles {
		if v >= 0 && v < m.vehicles {
			mask[v] = true
		}
	}
	m.allowed[node] = mask
}

// AddDisjunction lets node be left unvisited at the given penalty.
func (m *Model) AddDisjunction(node int, penalty int64) {
	if penalty < 0 {
		penalty = 0
	}
	m.penalty[node] = penalty
}

func (m *Model) Optional(node int) bool { return m.penalty[node] >= 0 }

func (m *Model) canServe(node, v int) bool {
	return m.allowed[node] == nil || m.allowed[node][v]
}

// servable reports whether any vehicle may carry node at all.
func (m *Model) servable(node int) bool {
	for v := 0; v < m.vehicles; v++ {
		if m.canServe(node, v) {
			return true
		}
	}
	return false
}

// routeEval summarises one vehicle's route. cost covers arcs and soft
// bounds; start/end are per-dimension cumuls used for span costs.
type routeEval struct {
	cost  int64
	start []int64
	end   []int64
	used  bool
}

// evalRoute checks the interior sequence seq for vehicle v.
func (m *Model) evalRoute(v int, seq []int) (routeEval, bool) {
	if len(seq) == 0 {
		return routeEval{}, true
	}
	e := routeEval{used: true, start: make([]int64, len(m.dims)), end: make([]int64, len(m.dims))}
	prev := 0
	for _, n := range seq {
		if !m.canServe(n, v) {
			return e, false
		}
		e.cost += m.arcCost(v, prev, n)
		prev = n
	}
	e.cost += m.arcCost(v, prev, 0)

	for di, d := range m.dims {
		c := d.start[v]
		e.start[di] = c
		prev := 0
		for i := 0; i <= len(seq); i++ {
			next := 0
			if i < len(seq) {
				next = seq[i]
			}
			var ok bool
			c, ok = d.advance(v, prev, next, c)
			if !ok {
				return e, false
			}
			if sb := d.soft[next]; sb.coeff > 0 && c > sb.bound {
				e.cost += sb.coeff * (c - sb.bound)
			}
			prev = next
		}
		e.end[di] = c
	}
	return e, true
}

func (d *Dimension) advance(v, from, to int, c int64) (int64, bool) {
	c += d.transit(v, from, to)
	if c < d.winMin[to] {
		if d.winMin[to]-c > d.slackMax {
			return c, false
		}
		c = d.winMin[to]
	}
	if c > d.winMax[to] || c > d.capacity[v] {
		return c, false
	}
	return c, true
}

// pathCumuls returns the cumul at every position of the full path
// (depot, seq..., depot). The path is assumed feasible.
func (m *Model) pathCumuls(d *Dimension, v int, path []int) []int64 {
	out := make([]int64, len(path))
	if len(path) == 0 {
		return out
	}
	c := d.start[v]
	out[0] = c
	for i := 1; i < len(path); i++ {
		c, _ = d.advance(v, path[i-1], path[i], c)
		out[i] = c
	}
	return out
}
