package engine

import (
	"fmt"
	"sort"
	"strings"
)

// waveGraph is the dependency graph between the waves of one plan.
type waveGraph struct {
	// dependents maps a wave index to the waves that depend on it
	dependents map[int][]int

	// inDegree tracks the number of dependencies of each wave
	inDegree map[int]int

	size int
}

// ValidatePlan checks the structural rules every executable plan must satisfy:
// at least one wave, contiguous indexes in order, a group per wave, each group
// used once, and an acyclic dependency graph whose edges only point backwards.
func ValidatePlan(plan *RecoveryPlan) error {
	if plan == nil {
		return NewInvalidPlanError("", "plan is nil")
	}
	if len(plan.Waves) == 0 {
		return NewInvalidPlanError(plan.ID, "plan has no waves")
	}
	if err := plan.FailurePolicy.Validate(); err != nil {
		return NewInvalidPlanError(plan.ID, err.Error())
	}

	groups := make(map[string]int, len(plan.Waves))
	for i, w := range plan.Waves {
		if w.Index != i {
			return NewInvalidPlanError(plan.ID, fmt.Sprintf("wave at position %d has index %d", i, w.Index))
		}
		if strings.TrimSpace(w.GroupID) == "" {
			return NewInvalidPlanError(plan.ID, fmt.Sprintf("wave %d has no group", i))
		}
		if prev, ok := groups[w.GroupID]; ok {
			return NewInvalidPlanError(plan.ID,
				fmt.Sprintf("group %s is used by waves %d and %d", w.GroupID, prev, i))
		}
		groups[w.GroupID] = i
	}

	g, err := buildWaveGraph(plan)
	if err != nil {
		return err
	}
	if cycle := g.findCycle(); cycle != nil {
		return NewInvalidPlanError(plan.ID, fmt.Sprintf("circular wave dependency: %s", formatWaveCycle(cycle)))
	}

	// Waves launch strictly in index order, so a dependency on a later wave
	// could never be satisfied.
	for _, w := range plan.Waves {
		for _, dep := range w.DependsOn {
			if dep >= w.Index {
				return NewInvalidPlanError(plan.ID,
					fmt.Sprintf("wave %d depends on wave %d which does not run before it", w.Index, dep))
			}
		}
	}
	return nil
}

// WaveLevels groups wave indexes by dependency depth. Waves in the same level
// have no dependency on each other. Used for display.
func WaveLevels(plan *RecoveryPlan) ([][]int, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	g, err := buildWaveGraph(plan)
	if err != nil {
		return nil, err
	}
	return g.levels(), nil
}

func buildWaveGraph(plan *RecoveryPlan) (*waveGraph, error) {
	g := &waveGraph{
		dependents: make(map[int][]int),
		inDegree:   make(map[int]int),
		size:       len(plan.Waves),
	}
	for _, w := range plan.Waves {
		seen := make(map[int]bool, len(w.DependsOn))
		for _, dep := range w.DependsOn {
			if dep < 0 || dep >= len(plan.Waves) {
				return nil, NewInvalidPlanError(plan.ID,
					fmt.Sprintf("wave %d depends on unknown wave %d", w.Index, dep))
			}
			if dep == w.Index {
				return nil, NewInvalidPlanError(plan.ID, fmt.Sprintf("wave %d depends on itself", w.Index))
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], w.Index)
			g.inDegree[w.Index]++
		}
	}
	return g, nil
}

// findCycle returns the first cycle found by depth-first search, or nil.
func (g *waveGraph) findCycle() []int {
	visited := make(map[int]bool)
	onStack := make(map[int]bool)
	var path []int

	var visit func(n int) []int
	visit = func(n int) []int {
		visited[n] = true
		onStack[n] = true
		path = append(path, n)
		for _, next := range g.dependents[n] {
			if !visited[next] {
				if c := visit(next); c != nil {
					return c
				}
			} else if onStack[next] {
				for i, id := range path {
					if id == next {
						return append(append([]int(nil), path[i:]...), next)
					}
				}
			}
		}
		onStack[n] = false
		path = path[:len(path)-1]
		return nil
	}

	for n := 0; n < g.size; n++ {
		if !visited[n] {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// levels runs Kahn's algorithm with level tracking.
func (g *waveGraph) levels() [][]int {
	inDegree := make(map[int]int, len(g.inDegree))
	for id, d := range g.inDegree {
		inDegree[id] = d
	}

	var current []int
	for n := 0; n < g.size; n++ {
		if inDegree[n] == 0 {
			current = append(current, n)
		}
	}

	var out [][]int
	for len(current) > 0 {
		out = append(out, current)
		var next []int
		for _, n := range current {
			for _, dep := range g.dependents[n] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Ints(next)
		current = next
	}
	return out
}

func formatWaveCycle(cycle []int) string {
	parts := make([]string, len(cycle))
	for i, n := range cycle {
		parts[i] = fmt.Sprintf("wave %d", n)
	}
	return strings.Join(parts, " -> ")
}
