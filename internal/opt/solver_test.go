package opt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// lineModel places node i at pos[i] on a line; arcs cost the distance.
func lineModel(pos []int64, vehicles int) *Model {
	m := NewModel(len(pos), vehicles)
	m.SetArcCost(func(_, a, b int) int64 { return abs(pos[a] - pos[b]) })
	return m
}

func addLoad(t *testing.T, m *Model, demand []int64, capacity int64) *Dimension {
	t.Helper()
	caps := make([]int64, m.Vehicles())
	for i := range caps {
		caps[i] = capacity
	}
	d, err := m.AddDimension("load", func(_, _, to int) int64 { return demand[to] }, caps, 0)
	require.NoError(t, err)
	return d
}

func addTime(t *testing.T, m *Model, pos []int64, horizon, slack int64) *Dimension {
	t.Helper()
	caps := make([]int64, m.Vehicles())
	for i := range caps {
		caps[i] = horizon
	}
	d, err := m.AddDimension("time", func(_, a, b int) int64 { return abs(pos[a] - pos[b]) }, caps, slack)
	require.NoError(t, err)
	return d
}

func quick() SearchParams {
	return SearchParams{TimeLimit: 10 * time.Second, IterationsLimit: 100, Seed: 7}
}

// checkAssignment asserts every node is routed once or dropped.
func checkAssignment(t *testing.T, m *Model, a *Assignment) {
	t.Helper()
	seen := map[int]int{}
	for v, r := range a.Routes {
		require.GreaterOrEqual(t, len(r), 2)
		assert.Equal(t, 0, r[0], "vehicle %d starts at depot", v)
		assert.Equal(t, 0, r[len(r)-1], "vehicle %d ends at depot", v)
		for _, n := range r[1 : len(r)-1] {
			seen[n]++
		}
	}
	for _, n := range a.Dropped {
		seen[n]++
	}
	for n := 1; n < m.Nodes(); n++ {
		assert.Equal(t, 1, seen[n], "node %d", n)
	}
}

func TestAddDimensionValidates(t *testing.T) {
	m := NewModel(3, 2)
	_, err := m.AddDimension("x", func(int, int, int) int64 { return 0 }, []int64{1}, 0)
	assert.Error(t, err)
	_, err = m.AddDimension("x", func(int, int, int) int64 { return 0 }, []int64{1, 1}, 0)
	require.NoError(t, err)
	_, err = m.AddDimension("x", func(int, int, int) int64 { return 0 }, []int64{1, 1}, 0)
	assert.Error(t, err)
	_, ok := m.Dimension("x")
	assert.True(t, ok)
}

func TestEvalRouteWaiting(t *testing.T) {
	pos := []int64{0, 10}
	m := lineModel(pos, 1)
	d := addTime(t, m, pos, 1000, 30)
	d.SetWindow(1, 50, 60)

	_, ok := m.evalRoute(0, []int{1})
	assert.False(t, ok, "40 minutes of waiting exceeds slack")

	d.slackMax = 40
	_, ok = m.evalRoute(0, []int{1})
	require.True(t, ok)
	assert.Equal(t, []int64{0, 50, 60}, m.pathCumuls(d, 0, []int{0, 1, 0}))
}

func TestEvalRouteCapacity(t *testing.T) {
	pos := []int64{0, 1, 2}
	m := lineModel(pos, 1)
	addLoad(t, m, []int64{0, 60, 50}, 100)
	_, ok := m.evalRoute(0, []int{1})
	assert.True(t, ok)
	_, ok = m.evalRoute(0, []int{1, 2})
	assert.False(t, ok)
}

func TestSolveDropsWhatDoesNotFit(t *testing.T) {
	pos := []int64{0, 1, 2, 3}
	m := lineModel(pos, 1)
	addLoad(t, m, []int64{0, 40, 40, 40}, 100)
	for n := 1; n < 4; n++ {
		m.AddDisjunction(n, 1_000_000)
	}
	a, err := m.Solve(context.Background(), quick())
	require.NoError(t, err)
	checkAssignment(t, m, a)
	assert.Equal(t, []int{3}, a.Dropped)
	assert.Equal(t, []int{0, 1, 2, 0}, a.Routes[0])
	assert.Equal(t, int64(4+1_000_000), a.Objective)
	assert.Equal(t, []int64{0, 40, 80, 80}, a.Cumuls["load"][0])
	assert.Equal(t, []int64{1, 1, 2}, a.ArcCosts[0])
}

func TestSolveMandatoryInfeasible(t *testing.T) {
	pos := []int64{0, 1, 2}
	m := lineModel(pos, 1)
	addLoad(t, m, []int64{0, 80, 80}, 100)
	_, err := m.Solve(context.Background(), quick())
	assert.ErrorIs(t, err, ErrNoSolution)
}

func TestAllowedVehicles(t *testing.T) {
	pos := []int64{0, 1, 2}
	m := lineModel(pos, 2)
	m.SetAllowedVehicles(1, []int{1})
	m.SetAllowedVehicles(2, nil)
	m.AddDisjunction(1, 1000)
	m.AddDisjunction(2, 1000)

	a, err := m.Solve(context.Background(), quick())
	require.NoError(t, err)
	checkAssignment(t, m, a)
	assert.False(t, a.Used(0))
	assert.Equal(t, []int{0, 1, 0}, a.Routes[1])
	assert.Equal(t, []int{2}, a.Dropped)
}

func TestTimeWindowForcesOrder(t *testing.T) {
	pos := []int64{0, 10, -10}
	m := lineModel(pos, 1)
	d := addTime(t, m, pos, 1000, 100)
	d.SetWindow(2, 0, 15)

	for _, fs := range []FirstSolution{PathCheapestArc, ParallelCheapestInsertion, Savings} {
		t.Run(fs.String(), func(t *testing.T) {
			p := quick()
			p.FirstSolution = fs
			a, err := m.Solve(context.Background(), p)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 2, 1, 0}, a.Routes[0])
			assert.Equal(t, []int64{0, 10, 30, 40}, a.Cumuls["time"][0])
		})
	}
}

func TestGlobalSpanSpreadsWork(t *testing.T) {
	pos := []int64{0, 10, -10}
	m := lineModel(pos, 2)
	d := addTime(t, m, pos, 1000, 0)
	d.SetGlobalSpanCost(100)

	a, err := m.Solve(context.Background(), quick())
	require.NoError(t, err)
	assert.True(t, a.Used(0))
	assert.True(t, a.Used(1))
	assert.Equal(t, int64(40+100*20), a.Objective)
}

func TestSoftUpperBound(t *testing.T) {
	pos := []int64{0, 10, -10}
	m := lineModel(pos, 1)
	d := addTime(t, m, pos, 1000, 0)
	d.SetSoftUpperBound(1, 10, 1000)

	a, err := m.Solve(context.Background(), quick())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 0}, a.Routes[0])
	assert.Equal(t, int64(40), a.Objective)
}

func mediumModel(t *testing.T) *Model {
	t.Helper()
	pos := []int64{0, 3, -7, 12, 5, -2, 9, -11, 4, 15, -5, 8, -14}
	demand := []int64{0, 20, 35, 10, 25, 40, 15, 30, 20, 10, 25, 35, 15}
	m := lineModel(pos, 3)
	addLoad(t, m, demand, 120)
	tm := addTime(t, m, pos, 500, 500)
	tm.SetGlobalSpanCost(10)
	for n := 1; n < len(pos); n++ {
		m.AddDisjunction(n, 1_000_000)
	}
	return m
}

func TestStrategiesProduceValidAssignments(t *testing.T) {
	for _, fs := range []FirstSolution{PathCheapestArc, ParallelCheapestInsertion, Savings} {
		t.Run(fs.String(), func(t *testing.T) {
			m := mediumModel(t)
			p := quick()
			p.FirstSolution = fs
			a, err := m.Solve(context.Background(), p)
			require.NoError(t, err)
			checkAssignment(t, m, a)
			assert.Empty(t, a.Dropped, "total demand fits the fleet")
			for v, loads := range a.Cumuls["load"] {
				assert.LessOrEqual(t, loads[len(loads)-1], int64(120), "vehicle %d", v)
			}
			assert.Equal(t, fs.String(), a.Metrics.FirstSolution)
			assert.LessOrEqual(t, a.Metrics.BestCost, a.Metrics.InitialCost)
			assert.Equal(t, a.Objective, a.Metrics.BestCost)
		})
	}
}

func TestSolveIsDeterministicPerSeed(t *testing.T) {
	a1, err := mediumModel(t).Solve(context.Background(), quick())
	require.NoError(t, err)
	a2, err := mediumModel(t).Solve(context.Background(), quick())
	require.NoError(t, err)
	assert.Equal(t, a1.Routes, a2.Routes)
	assert.Equal(t, a1.Objective, a2.Objective)
	assert.Equal(t, a1.Metrics.RemovalSelects, a2.Metrics.RemovalSelects)
}

func TestOnImprovementIsMonotonic(t *testing.T) {
	var got []Progress
	p := quick()
	p.FirstSolution = PathCheapestArc
	p.OnImprovement = func(pr Progress) { got = append(got, pr) }
	a, err := mediumModel(t).Solve(context.Background(), p)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, 0, got[0].Iteration)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i].Objective, got[i-1].Objective)
	}
	assert.Equal(t, a.Objective, got[len(got)-1].Objective)
	assert.Equal(t, len(got)-1, a.Metrics.Improvements)
}

func TestSolveStops(t *testing.T) {
	t.Run("iterations", func(t *testing.T) {
		a, err := mediumModel(t).Solve(context.Background(), quick())
		require.NoError(t, err)
		assert.Equal(t, StopIterations, a.Metrics.StopReason)
		assert.Equal(t, 100, a.Metrics.Iterations)
		assert.Len(t, a.Metrics.Snapshots, 2)
	})
	t.Run("stall", func(t *testing.T) {
		p := SearchParams{TimeLimit: 10 * time.Second, StallLimit: 5, Seed: 1}
		a, err := mediumModel(t).Solve(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, StopStalled, a.Metrics.StopReason)
	})
	t.Run("time", func(t *testing.T) {
		start := time.Now()
		a, err := mediumModel(t).Solve(context.Background(), SearchParams{TimeLimit: 50 * time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, StopTimeLimit, a.Metrics.StopReason)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
	t.Run("cancelled keeps first solution", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		m := mediumModel(t)
		a, err := m.Solve(ctx, quick())
		require.NoError(t, err)
		checkAssignment(t, m, a)
		assert.Empty(t, a.Dropped)
		assert.Equal(t, StopCancelled, a.Metrics.StopReason)
		assert.Zero(t, a.Metrics.Iterations)
	})
}

func TestConstructionRespectsTimeLimit(t *testing.T) {
	const nodes = 400
	pos := make([]int64, nodes+1)
	demand := make([]int64, nodes+1)
	for n := 1; n <= nodes; n++ {
		pos[n] = int64((n*7919)%1000 - 500)
		demand[n] = 1
	}
	for _, fs := range []FirstSolution{PathCheapestArc, ParallelCheapestInsertion, Savings} {
		t.Run(fs.String(), func(t *testing.T) {
			m := lineModel(pos, 5)
			addLoad(t, m, demand, nodes)
			for n := 1; n <= nodes; n++ {
				m.AddDisjunction(n, 1_000_000)
			}
			start := time.Now()
			a, err := m.Solve(context.Background(), SearchParams{TimeLimit: 20 * time.Millisecond, FirstSolution: fs})
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 5*time.Second)
			checkAssignment(t, m, a)
			assert.Empty(t, a.Dropped, "every node still gets placed")
			assert.Equal(t, StopTimeLimit, a.Metrics.StopReason)
		})
	}
}

func TestInsertionRank(t *testing.T) {
	pos := []int64{0, 1, 5}
	m := lineModel(pos, 1)
	addLoad(t, m, []int64{0, 1, 1}, 1)
	m.AddDisjunction(1, 1000)
	m.AddDisjunction(2, 1000)

	e := newEngine(context.Background(), m, SearchParams{FirstSolution: ParallelCheapestInsertion, InsertionRank: []int{0, 1, 0}})
	st := e.construct()
	assert.Equal(t, 0, st.where[2], "lower rank is placed first")
	assert.Equal(t, -1, st.where[1])

	e = newEngine(context.Background(), m, SearchParams{FirstSolution: ParallelCheapestInsertion})
	st = e.construct()
	assert.Equal(t, 0, st.where[1], "without rank the cheaper node wins")
}

func TestEmptyModel(t *testing.T) {
	m := NewModel(1, 2)
	a, err := m.Solve(context.Background(), quick())
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 0}, {0, 0}}, a.Routes)
	assert.Empty(t, a.Dropped)
	assert.Zero(t, a.Objective)
	assert.Equal(t, StopNoMoves, a.Metrics.StopReason)
}
