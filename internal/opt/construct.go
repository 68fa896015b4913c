package opt

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"
)

type engine struct {
	m        *Model
	p        SearchParams
	rng      *rand.Rand
	ctx      context.Context
	deadline time.Time
	started  time.Time
	metrics  Metrics
}

func (e *engine) stopped() bool {
	return e.ctx.Err() != nil || !time.Now().Before(e.deadline)
}

// insertion is one way of placing node into vehicle v's route.
type insertion struct {
	node  int
	v     int
	seq   []int
	eval  routeEval
	delta int64
	ok    bool
}

func insertAt(seq []int, pos, node int) []int {
	out := make([]int, 0, len(seq)+1)
	out = append(out, seq[:pos]...)
	out = append(out, node)
	return append(out, seq[pos:]...)
}

// acceptable reports whether placing node at delta improves the objective.
// Mandatory nodes are always worth placing.
func (e *engine) acceptable(node int, delta int64) bool {
	return !e.m.Optional(node) || delta < 0
}

// insertionOptions returns the cheapest feasible insertion of node and the
// cheapest one on a different vehicle. delta is relative to base and
// already credits the node's drop penalty.
func (e *engine) insertionOptions(st *state, node int, base int64) (best, second insertion) {
	credit := int64(0)
	if e.m.Optional(node) {
		credit = e.m.penalty[node]
	}
	for v := 0; v < e.m.vehicles; v++ {
		if !e.m.canServe(node, v) {
			continue
		}
		var local insertion
		route := st.routes[v]
		for pos := 0; pos <= len(route); pos++ {
			seq := insertAt(route, pos, node)
			ev, ok := e.m.evalRoute(v, seq)
			if !ok {
				continue
			}
			d := st.costWith(v, ev, -1, routeEval{}) - base - credit
			if !local.ok || d < local.delta {
				local = insertion{node: node, v: v, seq: seq, eval: ev, delta: d, ok: true}
			}
		}
		if !local.ok {
			continue
		}
		switch {
		case !best.ok || local.delta < best.delta:
			second, best = best, local
		case !second.ok || local.delta < second.delta:
			second = local
		}
	}
	return best, second
}

func (e *engine) construct() *state {
	st := newState(e.m)
	switch e.p.FirstSolution {
	case ParallelCheapestInsertion:
		e.cheapestInsertion(st, e.p.InsertionRank)
	case Savings:
		e.savings(st)
		e.cheapestInsertion(st, nil)
	default:
		e.pathCheapestArc(st)
		e.cheapestInsertion(st, nil)
	}
	e.metrics.FirstSolution = e.p.FirstSolution.String()
	e.metrics.InitialCost = st.cost()
	return st
}

func (e *engine) pending(st *state) []int {
	var out []int
	for _, n := range st.unassigned() {
		if e.m.servable(n) {
			out = append(out, n)
		}
	}
	return out
}

// cheapestInsertion repeatedly commits the globally cheapest feasible
// insertion. With a rank, only the lowest remaining rank competes; a rank
// group that cannot be placed is skipped. Once the run is stopped, the
// nodes left after the current pass are placed one by one instead.
func (e *engine) cheapestInsertion(st *state, rank []int) {
	pool := e.pending(st)
	for pass := 0; len(pool) > 0; pass++ {
		if pass > 0 && e.stopped() {
			e.greedyInsertion(st, pool, rank)
			return
		}
		group := pool
		if rank != nil {
			low := math.MaxInt
			for _, n := range pool {
				if rank[n] < low {
					low = rank[n]
				}
			}
			group = nil
			for _, n := range pool {
				if rank[n] == low {
					group = append(group, n)
				}
			}
		}

		base := st.routingCost()
		var best insertion
		for _, n := range group {
			b, _ := e.insertionOptions(st, n, base)
			if b.ok && e.acceptable(n, b.delta) && (!best.ok || b.delta < best.delta) {
				best = b
			}
		}
		if !best.ok {
			if rank == nil {
				return
			}
			pool = without(pool, group)
			continue
		}
		st.setRoute(best.v, best.seq, best.eval)
		pool = without(pool, []int{best.node})
	}
}

// greedyInsertion places each node, lowest rank first, at its own cheapest
// feasible position without comparing it against the rest of the pool.
func (e *engine) greedyInsertion(st *state, pool, rank []int) {
	order := append([]int(nil), pool...)
	if rank != nil {
		sort.SliceStable(order, func(a, b int) bool { return rank[order[a]] < rank[order[b]] })
	}
	for _, n := range order {
		b, _ := e.insertionOptions(st, n, st.routingCost())
		if b.ok && e.acceptable(n, b.delta) {
			st.setRoute(b.v, b.seq, b.eval)
		}
	}
}

func without(pool, drop []int) []int {
	out := pool[:0:0]
	for _, n := range pool {
		keep := true
		for _, d := range drop {
			if n == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, n)
		}
	}
	return out
}

// pathCheapestArc fills one vehicle at a time, always extending the route
// from its last node along the cheapest feasible arc.
func (e *engine) pathCheapestArc(st *state) {
	for v := 0; v < e.m.vehicles; v++ {
		if v > 0 && e.stopped() {
			return
		}
		var seq []int
		last := 0
		for {
			next := -1
			var nextCost int64
			var nextEval routeEval
			for _, n := range st.unassigned() {
				if !e.m.canServe(n, v) {
					continue
				}
				c := e.m.arcCost(v, last, n)
				if next >= 0 && c >= nextCost {
					continue
				}
				ev, ok := e.m.evalRoute(v, append(seq[:len(seq):len(seq)], n))
				if !ok {
					continue
				}
				next, nextCost, nextEval = n, c, ev
			}
			if next < 0 {
				break
			}
			seq = append(seq[:len(seq):len(seq)], next)
			st.setRoute(v, seq, nextEval)
			last = next
		}
	}
}

type saving struct {
	i, j   int
	value  int64
	atTail bool
}

// savings builds routes one vehicle at a time with the sequential
// Clarke-Wright rule: seed with the best-saving pair, then grow either end
// by the largest saving that stays feasible.
func (e *engine) savings(st *state) {
	for v := 0; v < e.m.vehicles; v++ {
		if v > 0 && e.stopped() {
			return
		}
		var free []int
		for _, n := range st.unassigned() {
			if e.m.canServe(n, v) {
				free = append(free, n)
			}
		}
		if len(free) == 0 {
			continue
		}
		c := func(a, b int) int64 { return e.m.arcCost(v, a, b) }

		var pairs []saving
		for _, i := range free {
			for _, j := range free {
				if i != j {
					pairs = append(pairs, saving{i: i, j: j, value: c(i, 0) + c(0, j) - c(i, j)})
				}
			}
		}
		sortSavings(pairs)

		var seq []int
		var ev routeEval
		for _, s := range pairs {
			if r, ok := e.m.evalRoute(v, []int{s.i, s.j}); ok {
				seq, ev = []int{s.i, s.j}, r
				break
			}
		}
		if seq == nil {
			// no feasible pair: start from the single farthest node
			var far int64 = -1
			for _, n := range free {
				r, ok := e.m.evalRoute(v, []int{n})
				if d := c(0, n) + c(n, 0); ok && d > far {
					far, seq, ev = d, []int{n}, r
				}
			}
		}
		if seq == nil {
			continue
		}
		st.setRoute(v, seq, ev)

		for {
			head, tail := seq[0], seq[len(seq)-1]
			var cands []saving
			for _, k := range st.unassigned() {
				if !e.m.canServe(k, v) {
					continue
				}
				cands = append(cands,
					saving{i: tail, j: k, value: c(tail, 0) + c(0, k) - c(tail, k), atTail: true},
					saving{i: k, j: head, value: c(k, 0) + c(0, head) - c(k, head)})
			}
			sortSavings(cands)
			grown := false
			for _, s := range cands {
				var next []int
				if s.atTail {
					next = append(append([]int(nil), seq...), s.j)
				} else {
					next = append([]int{s.i}, seq...)
				}
				if r, ok := e.m.evalRoute(v, next); ok {
					seq = next
					st.setRoute(v, seq, r)
					grown = true
					break
				}
			}
			if !grown {
				break
			}
		}
	}
}

func sortSavings(s []saving) {
	sort.SliceStable(s, func(a, b int) bool {
		if s[a].value != s[b].value {
			return s[a].value > s[b].value
		}
		if s[a].i != s[b].i {
			return s[a].i < s[b].i
		}
		return s[a].j < s[b].j
	})
}
