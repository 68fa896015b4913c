package opt

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"
)

// Metrics describes one solve: operator usage, acceptance counts and the
// adaptive weights over time.
type Metrics struct {
	FirstSolution         string           `json:"first_solution"`
	RemovalSelects        [2]int           `json:"removal_selects"` // random, shaw
	InsertSelects         [2]int           `json:"insert_selects"`  // greedy, regret2
	Iterations            int              `json:"iterations"`
	Improvements          int              `json:"improvements"`
	AcceptedWorse         int              `json:"accepted_worse"`
	InitialCost           int64            `json:"initial_cost"`
	BestCost              int64            `json:"best_cost"`
	FinalRemovalWeights   [2]float64       `json:"final_removal_weights"`
	FinalInsertionWeights [2]float64       `json:"final_insertion_weights"`
	Snapshots             []WeightSnapshot `json:"snapshots,omitempty"`
	StopReason            string           `json:"stop_reason"`
	Elapsed               time.Duration    `json:"elapsed_ns"`
}

type WeightSnapshot struct {
	Iteration int        `json:"iteration"`
	Removal   [2]float64 `json:"removal"`
	Insertion [2]float64 `json:"insertion"`
}

const (
	StopTimeLimit  = "time_limit"
	StopCancelled  = "cancelled"
	StopIterations = "iterations"
	StopStalled    = "stalled"
	StopNoMoves    = "no_moves"

	snapshotEvery = 50
	maxSnapshots  = 200
)

func (e *engine) stopReason(iter, stall int) string {
	if errors.Is(e.ctx.Err(), context.Canceled) {
		return StopCancelled
	}
	if e.ctx.Err() != nil || !time.Now().Before(e.deadline) {
		return StopTimeLimit
	}
	if e.p.IterationsLimit > 0 && iter > e.p.IterationsLimit {
		return StopIterations
	}
	if e.p.StallLimit > 0 && stall >= e.p.StallLimit {
		return StopStalled
	}
	return ""
}

func (e *engine) report(iter int, st *state, cost int64) {
	if e.p.OnImprovement == nil {
		return
	}
	e.p.OnImprovement(Progress{
		Iteration: iter,
		Objective: cost,
		Dropped:   len(st.unassigned()),
		Elapsed:   time.Since(e.started),
	})
}

// search is the destroy/repair loop: pick a removal and an insertion
// operator by roulette wheel, rebuild, polish with local search and accept
// by simulated annealing against the current solution.
func (e *engine) search(start *state) *state {
	best, curr := start, start.clone()
	bestCost := best.cost()
	currCost := bestCost
	e.metrics.BestCost = bestCost
	e.report(0, best, bestCost)

	remW := []float64{1, 1} // random, shaw
	insW := []float64{1, 1} // greedy, regret2
	if len(e.p.InitialRemovalWeights) == 2 {
		remW = []float64{e.p.InitialRemovalWeights[0], e.p.InitialRemovalWeights[1]}
	}
	if len(e.p.InitialInsertionWeights) == 2 {
		insW = []float64{e.p.InitialInsertionWeights[0], e.p.InitialInsertionWeights[1]}
	}
	temp := e.p.InitialTemp
	if temp <= 0 {
		temp = 0.01*float64(start.routingCost()) + 1
	}

	stall := 0
	for iter := 1; ; iter++ {
		if reason := e.stopReason(iter, stall); reason != "" {
			e.metrics.StopReason = reason
			break
		}
		routed := curr.routed()
		if len(routed) == 0 && len(e.pending(curr)) == 0 {
			e.metrics.StopReason = StopNoMoves
			break
		}

		cand := curr.clone()
		op := selectOp(remW, e.rng)
		e.metrics.RemovalSelects[op]++
		ip := selectOp(insW, e.rng)
		e.metrics.InsertSelects[ip]++

		k := e.removalSize(len(routed))
		var removed []int
		switch op {
		case 0:
			removed = e.randomRemoval(routed, k)
		case 1:
			removed = e.shawRemoval(cand, routed, k)
		}
		e.removeNodes(cand, removed)
		switch ip {
		case 0:
			e.cheapestInsertion(cand, nil)
		case 1:
			e.regretInsert(cand)
		}
		e.localSearch(cand)
		c := cand.cost()
		e.metrics.Iterations = iter

		delta := float64(c - currCost)
		switch {
		case c < bestCost:
			best, bestCost = cand.clone(), c
			curr, currCost = cand, c
			remW[op] += 0.1
			insW[ip] += 0.1
			e.metrics.Improvements++
			e.metrics.BestCost = bestCost
			stall = 0
			e.report(iter, best, bestCost)
		case delta <= 0 || e.rng.Float64() < math.Exp(-delta/(temp+1e-9)):
			if delta > 0 {
				e.metrics.AcceptedWorse++
			}
			curr, currCost = cand, c
			remW[op] += 0.01
			insW[ip] += 0.01
			stall++
		default:
			remW[op] = math.Max(0.01, remW[op]*0.999)
			insW[ip] = math.Max(0.01, insW[ip]*0.999)
			stall++
		}
		temp *= e.p.Cooling

		if iter%snapshotEvery == 0 && len(e.metrics.Snapshots) < maxSnapshots {
			e.metrics.Snapshots = append(e.metrics.Snapshots, WeightSnapshot{
				Iteration: iter,
				Removal:   [2]float64{remW[0], remW[1]},
				Insertion: [2]float64{insW[0], insW[1]},
			})
		}
	}
	e.metrics.FinalRemovalWeights = [2]float64{remW[0], remW[1]}
	e.metrics.FinalInsertionWeights = [2]float64{insW[0], insW[1]}
	return best
}

// removalSize draws how many nodes to destroy: between 1 and a quarter of
// the routed nodes, at least 3 and at most 30 as an upper draw.
func (e *engine) removalSize(routed int) int {
	if routed == 0 {
		return 0
	}
	hi := routed / 4
	if hi < 3 {
		hi = 3
	}
	if hi > 30 {
		hi = 30
	}
	k := 1 + e.rng.Intn(hi)
	if k > routed {
		k = routed
	}
	return k
}

func (e *engine) randomRemoval(routed []int, k int) []int {
	perm := e.rng.Perm(len(routed))
	out := make([]int, 0, k)
	for _, i := range perm[:k] {
		out = append(out, routed[i])
	}
	return out
}

// shawRemoval removes a random seed node plus the k-1 nodes most related
// to it: close by arc cost and with similar window openings.
func (e *engine) shawRemoval(st *state, routed []int, k int) []int {
	if k == 0 {
		return nil
	}
	seed := routed[e.rng.Intn(len(routed))]
	type pair struct {
		node  int
		score float64
	}
	var maxArc float64 = 1
	for _, n := range routed {
		if a := float64(e.m.arcCost(0, seed, n) + e.m.arcCost(0, n, seed)); a > maxArc {
			maxArc = a
		}
	}
	rel := make([]pair, 0, len(routed))
	for _, n := range routed {
		if n == seed {
			continue
		}
		score := float64(e.m.arcCost(0, seed, n)+e.m.arcCost(0, n, seed)) / maxArc
		for _, d := range e.m.dims {
			if d.winMax[n] == math.MaxInt64 || d.winMax[seed] == math.MaxInt64 {
				continue
			}
			span := float64(d.capacity[0])
			if span <= 0 {
				span = 1
			}
			score += math.Abs(float64(d.winMin[seed]-d.winMin[n])) / span
		}
		if st.where[n] == st.where[seed] {
			score -= 0.1
		}
		rel = append(rel, pair{node: n, score: score})
	}
	sort.SliceStable(rel, func(i, j int) bool { return rel[i].score < rel[j].score })
	removed := []int{seed}
	for i := 0; i < len(rel) && len(removed) < k; i++ {
		removed = append(removed, rel[i].node)
	}
	return removed
}

// removeNodes takes nodes off their routes. A route that would become
// infeasible without them (possible with non-metric matrices) keeps them.
func (e *engine) removeNodes(st *state, nodes []int) {
	drop := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		drop[n] = true
	}
	for v, r := range st.routes {
		var keep []int
		changed := false
		for _, n := range r {
			if drop[n] {
				changed = true
				continue
			}
			keep = append(keep, n)
		}
		if !changed {
			continue
		}
		if ev, ok := e.m.evalRoute(v, keep); ok {
			st.setRoute(v, keep, ev)
		}
	}
}

// regretInsert places, at each step, the node whose best option beats its
// best option on another vehicle by the widest margin.
func (e *engine) regretInsert(st *state) {
	pool := e.pending(st)
	for len(pool) > 0 {
		base := st.routingCost()
		var pick insertion
		var pickRegret int64 = -1
		for _, n := range pool {
			b, s := e.insertionOptions(st, n, base)
			if !b.ok || !e.acceptable(n, b.delta) {
				continue
			}
			regret := int64(math.MaxInt64 / 4)
			if s.ok {
				regret = s.delta - b.delta
			}
			if regret > pickRegret || (regret == pickRegret && b.delta < pick.delta) {
				pick, pickRegret = b, regret
			}
		}
		if !pick.ok {
			return
		}
		st.setRoute(pick.v, pick.seq, pick.eval)
		pool = without(pool, []int{pick.node})
	}
}

func selectOp(weights []float64, rng interface{ Float64() float64 }) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return 0
	}
	r := rng.Float64() * sum
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(weights) - 1
}
