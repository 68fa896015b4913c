package opt

const maxLocalPasses = 50

// localSearch applies first-improvement moves until none helps or the
// solve is out of time.
func (e *engine) localSearch(st *state) {
	for pass := 0; pass < maxLocalPasses && !e.stopped(); pass++ {
		improved := e.twoOpt(st)
		improved = e.orOpt(st) || improved
		improved = e.crossExchange(st) || improved
		improved = e.twoOptStar(st) || improved
		if !improved {
			return
		}
	}
}

// twoOpt reverses a segment inside one route.
func (e *engine) twoOpt(st *state) bool {
	improved := false
	for v := range st.routes {
		for i := 0; i < len(st.routes[v])-1; i++ {
			for k := i + 1; k < len(st.routes[v]); k++ {
				if e.stopped() {
					return improved
				}
				seq := twoOptSwap(st.routes[v], i, k)
				ev, ok := e.m.evalRoute(v, seq)
				if !ok {
					continue
				}
				if st.costWith(v, ev, -1, routeEval{}) < st.routingCost() {
					st.setRoute(v, seq, ev)
					improved = true
				}
			}
		}
	}
	return improved
}

func twoOptSwap(route []int, i, k int) []int {
	out := make([]int, 0, len(route))
	out = append(out, route[:i]...)
	for x := k; x >= i; x-- {
		out = append(out, route[x])
	}
	return append(out, route[k+1:]...)
}

// orOpt relocates a single node to its best position on any route.
func (e *engine) orOpt(st *state) bool {
	improved := false
	for _, n := range st.routed() {
		if e.stopped() {
			return improved
		}
		src := st.where[n]
		if src < 0 {
			continue
		}
		rest := make([]int, 0, len(st.routes[src]))
		for _, x := range st.routes[src] {
			if x != n {
				rest = append(rest, x)
			}
		}
		restEval, ok := e.m.evalRoute(src, rest)
		if !ok {
			continue
		}
		base := st.routingCost()
		bestCost := base
		bestDst, bestSeq := -1, []int(nil)
		var bestEval routeEval
		for dst := range st.routes {
			if !e.m.canServe(n, dst) {
				continue
			}
			target := st.routes[dst]
			if dst == src {
				target = rest
			}
			for pos := 0; pos <= len(target); pos++ {
				seq := insertAt(target, pos, n)
				ev, ok := e.m.evalRoute(dst, seq)
				if !ok {
					continue
				}
				var c int64
				if dst == src {
					c = st.costWith(src, ev, -1, routeEval{})
				} else {
					c = st.costWith(src, restEval, dst, ev)
				}
				if c < bestCost {
					bestCost, bestDst, bestSeq, bestEval = c, dst, seq, ev
				}
			}
		}
		if bestDst < 0 {
			continue
		}
		if bestDst != src {
			st.setRoute(src, rest, restEval)
		}
		st.setRoute(bestDst, bestSeq, bestEval)
		improved = true
	}
	return improved
}

// crossExchange swaps one node between two routes.
func (e *engine) crossExchange(st *state) bool {
	improved := false
	for a := 0; a < len(st.routes); a++ {
		for b := a + 1; b < len(st.routes); b++ {
			for i := 0; i < len(st.routes[a]); i++ {
				for j := 0; j < len(st.routes[b]); j++ {
					if e.stopped() {
						return improved
					}
					ra := append([]int(nil), st.routes[a]...)
					rb := append([]int(nil), st.routes[b]...)
					ra[i], rb[j] = rb[j], ra[i]
					ea, ok := e.m.evalRoute(a, ra)
					if !ok {
						continue
					}
					eb, ok := e.m.evalRoute(b, rb)
					if !ok {
						continue
					}
					if st.costWith(a, ea, b, eb) < st.routingCost() {
						st.setRoute(a, ra, ea)
						st.setRoute(b, rb, eb)
						improved = true
					}
				}
			}
		}
	}
	return improved
}

// twoOptStar exchanges the tails of two routes. Cutting both at zero swaps
// the routes between vehicles, which matters for a mixed fleet.
func (e *engine) twoOptStar(st *state) bool {
	improved := false
	for a := 0; a < len(st.routes); a++ {
		for b := a + 1; b < len(st.routes); b++ {
			for i := 0; i <= len(st.routes[a]); i++ {
				for j := 0; j <= len(st.routes[b]); j++ {
					la, lb := len(st.routes[a]), len(st.routes[b])
					if i > la || j > lb {
						break
					}
					if i == la && j == lb {
						continue
					}
					if e.stopped() {
						return improved
					}
					ra := append(append([]int(nil), st.routes[a][:i]...), st.routes[b][j:]...)
					rb := append(append([]int(nil), st.routes[b][:j]...), st.routes[a][i:]...)
					ea, ok := e.m.evalRoute(a, ra)
					if !ok {
						continue
					}
					eb, ok := e.m.evalRoute(b, rb)
					if !ok {
						continue
					}
					if st.costWith(a, ea, b, eb) < st.routingCost() {
						st.setRoute(a, ra, ea)
						st.setRoute(b, rb, eb)
						improved = true
					}
				}
			}
		}
	}
	return improved
}
