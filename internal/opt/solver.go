package opt

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// FirstSolution selects the construction heuristic.
type FirstSolution int

const (
	PathCheapestArc FirstSolution = iota
	ParallelCheapestInsertion
	Savings
)

func (f FirstSolution) String() string {
	switch f {
	case ParallelCheapestInsertion:
		return "parallel_cheapest_insertion"
	case Savings:
		return "savings"
	default:
		return "path_cheapest_arc"
	}
}

const DefaultTimeLimit = 30 * time.Second

type SearchParams struct {
	FirstSolution FirstSolution
	// TimeLimit bounds the whole solve. Zero means DefaultTimeLimit.
	TimeLimit time.Duration
	// IterationsLimit stops the improvement loop after n iterations (0 = no limit).
	IterationsLimit int
	// StallLimit stops after n iterations without a new best (0 = no limit).
	StallLimit int
	Seed       int64
	// InitialTemp defaults to 1% of the first solution's routing cost plus one.
	InitialTemp float64
	Cooling     float64
	// Operator weights: [random, shaw] and [greedy, regret2].
	InitialRemovalWeights   []float64
	InitialInsertionWeights []float64
	// InsertionRank orders nodes for ParallelCheapestInsertion: lower ranks
	// are placed first. Indexed by node; nil means no ranking.
	InsertionRank []int
	// OnImprovement is called synchronously for every new best solution.
	OnImprovement func(Progress)
}

func (p SearchParams) withDefaults() SearchParams {
	if p.TimeLimit <= 0 {
		p.TimeLimit = DefaultTimeLimit
	}
	if p.Cooling <= 0 || p.Cooling >= 1 {
		p.Cooling = 0.995
	}
	return p
}

type Progress struct {
	Iteration int
	Objective int64
	Dropped   int
	Elapsed   time.Duration
}

// Assignment is a solved model. Routes[v] is the full path of vehicle v
// including the depot at both ends; an unused vehicle has path [0 0].
type Assignment struct {
	Routes  [][]int
	Dropped []int
	// Cumuls[dim][v][pos] aligns with Routes[v].
	Cumuls map[string][][]int64
	// ArcCosts[v][i] is the cost of leg Routes[v][i] -> Routes[v][i+1].
	ArcCosts  [][]int64
	Objective int64
	Metrics   Metrics
}

// Used reports whether vehicle v visits at least one node.
func (a *Assignment) Used(v int) bool { return len(a.Routes[v]) > 2 }

func (a *Assignment) Cumul(dim string, v, pos int) int64 { return a.Cumuls[dim][v][pos] }

// state is a mutable solution under search.
type state struct {
	m      *Model
	routes [][]int
	evals  []routeEval
	where  []int // node -> vehicle, -1 when unassigned
}

func newState(m *Model) *state {
	st := &state{
		m:      m,
		routes: make([][]int, m.vehicles),
		evals:  make([]routeEval, m.vehicles),
		where:  make([]int, m.nodes),
	}
	for i := range st.where {
		st.where[i] = -1
	}
	return st
}

func (st *state) clone() *state {
	c := &state{
		m:      st.m,
		routes: make([][]int, len(st.routes)),
		evals:  append([]routeEval(nil), st.evals...),
		where:  append([]int(nil), st.where...),
	}
	for v, r := range st.routes {
		c.routes[v] = append([]int(nil), r...)
	}
	return c
}

// setRoute installs a route that has already been evaluated as feasible.
func (st *state) setRoute(v int, seq []int, e routeEval) {
	for _, n := range st.routes[v] {
		if st.where[n] == v {
			st.where[n] = -1
		}
	}
	st.routes[v] = seq
	st.evals[v] = e
	for _, n := range seq {
		st.where[n] = v
	}
}

func (st *state) unassigned() []int {
	var out []int
	for n := 1; n < st.m.nodes; n++ {
		if st.where[n] < 0 {
			out = append(out, n)
		}
	}
	return out
}

func (st *state) routed() []int {
	var out []int
	for _, r := range st.routes {
		out = append(out, r...)
	}
	return out
}

// costWith is the objective with up to two routes replaced. va/vb of -1
// means no replacement.
func (st *state) costWith(va int, ea routeEval, vb int, eb routeEval) int64 {
	pick := func(v int) routeEval {
		switch v {
		case va:
			return ea
		case vb:
			return eb
		}
		return st.evals[v]
	}
	var total int64
	for v := range st.evals {
		total += pick(v).cost
	}
	for di, d := range st.m.dims {
		if d.spanCoeff == 0 {
			continue
		}
		var lo, hi int64
		seen := false
		for v := range st.evals {
			e := pick(v)
			if !e.used {
				continue
			}
			if !seen || e.start[di] < lo {
				lo = e.start[di]
			}
			if !seen || e.end[di] > hi {
				hi = e.end[di]
			}
			seen = true
		}
		if seen {
			total += d.spanCoeff * (hi - lo)
		}
	}
	return total
}

func (st *state) dropPenalty() int64 {
	var p int64
	for n := 1; n < st.m.nodes; n++ {
		if st.where[n] < 0 && st.m.penalty[n] > 0 {
			p += st.m.penalty[n]
		}
	}
	return p
}

func (st *state) routingCost() int64 { return st.costWith(-1, routeEval{}, -1, routeEval{}) }

func (st *state) cost() int64 { return st.routingCost() + st.dropPenalty() }

func (st *state) mandatoryMissing() []int {
	var out []int
	for n := 1; n < st.m.nodes; n++ {
		if st.where[n] < 0 && !st.m.Optional(n) {
			out = append(out, n)
		}
	}
	return out
}

// Solve builds a first solution and improves it until the time limit, the
// context, the iteration limit or the stall limit stops it. The best
// solution found is always returned unless a mandatory node is unplaced.
func (m *Model) Solve(ctx context.Context, params SearchParams) (*Assignment, error) {
	e := newEngine(ctx, m, params)
	best := e.construct()
	e.localSearch(best)
	best = e.search(best)

	if missing := best.mandatoryMissing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: node %d cannot be placed", ErrNoSolution, missing[0])
	}
	a := m.assignment(best)
	e.metrics.Elapsed = time.Since(e.started)
	a.Metrics = e.metrics
	return a, nil
}

func newEngine(ctx context.Context, m *Model, params SearchParams) *engine {
	p := params.withDefaults()
	started := time.Now()
	deadline := started.Add(p.TimeLimit)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return &engine{
		m:        m,
		p:        p,
		rng:      rand.New(rand.NewSource(p.Seed)),
		ctx:      ctx,
		deadline: deadline,
		started:  started,
	}
}

func (m *Model) assignment(st *state) *Assignment {
	a := &Assignment{
		Routes:    make([][]int, m.vehicles),
		ArcCosts:  make([][]int64, m.vehicles),
		Cumuls:    make(map[string][][]int64, len(m.dims)),
		Objective: st.cost(),
		Dropped:   st.unassigned(),
	}
	for v := 0; v < m.vehicles; v++ {
		path := make([]int, 0, len(st.routes[v])+2)
		path = append(path, 0)
		path = append(path, st.routes[v]...)
		path = append(path, 0)
		a.Routes[v] = path
		legs := make([]int64, len(path)-1)
		for i := 0; i+1 < len(path); i++ {
			if len(path) > 2 {
				legs[i] = m.arcCost(v, path[i], path[i+1])
			}
		}
		a.ArcCosts[v] = legs
	}
	for _, d := range m.dims {
		per := make([][]int64, m.vehicles)
		for v := 0; v < m.vehicles; v++ {
			per[v] = m.pathCumuls(d, v, a.Routes[v])
		}
		a.Cumuls[d.Name] = per
	}
	sort.Ints(a.Dropped)
	return a
}
