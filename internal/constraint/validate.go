package constraint

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"jobshop/internal/domain"
)

// Report is the outcome of the validation pass.
type Report struct {
	Violations []Violation
}

// Fatal reports whether the solver must not be invoked.
func (r Report) Fatal() bool {
	return slices.ContainsFunc(r.Violations, func(v Violation) bool { return v.Fatal })
}

func (r Report) Has(code string) bool {
	return slices.ContainsFunc(r.Violations, func(v Violation) bool { return v.Code == code })
}

// Validate runs the pre-solve checks: precedence cycles (fatal), window
// feasibility and skill coverage (both reported, not fatal). Violations
// collected while building come first.
func Validate(m *Model) Report {
	r := Report{Violations: slices.Clone(m.Violations)}
	r.Violations = append(r.Violations, Cycles(m.Temporal)...)
	r.Violations = append(r.Violations, windowFeasibility(m)...)
	r.Violations = append(r.Violations, coverage(m)...)
	return r
}

// Cycles finds precedence cycles by depth-first search with a recursion
// stack. Each cycle is reported once, as the path that closes it.
func Cycles(tc TemporalConstraints) []Violation {
	adj := map[string][]string{}
	for _, p := range tc.Precedences {
		adj[p.Predecessor] = append(adj[p.Predecessor], p.Successor)
	}
	for k := range adj {
		sort.Strings(adj[k])
	}
	nodes := slices.Clone(tc.Order)
	for _, k := range slices.Sorted(maps.Keys(adj)) {
		if !slices.Contains(nodes, k) {
			nodes = append(nodes, k)
		}
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := map[string]int{}
	var stack []string
	seen := map[string]bool{}
	var out []Violation

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch state[next] {
			case unvisited:
				visit(next)
			case onStack:
				i := slices.Index(stack, next)
				cycle := append(slices.Clone(stack[i:]), next)
				key := cycleKey(cycle[:len(cycle)-1])
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, newViolation(ErrCircularDependency, "CircularDependency", true, cycle[:len(cycle)-1],
					"precedence cycle %s", joinPath(cycle)))
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}
	for _, id := range nodes {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return out
}

func cycleKey(ids []string) string {
	sorted := slices.Clone(ids)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func windowFeasibility(m *Model) []Violation {
	var out []Violation
	for _, id := range m.Temporal.Order {
		tw := m.Temporal.Tasks[id]
		if tw.Fixed != nil || len(tw.Modes) == 0 {
			continue
		}
		if tw.EarliestStart+tw.Duration() > tw.LatestEnd {
			out = append(out, newViolation(ErrInfeasibleWindow, "InfeasibleWindow", false, []string{id},
				"task %s: earliest start %s + %d min exceeds latest end %s",
				id, m.At(tw.EarliestStart).Format("2006-01-02 15:04"), tw.Duration(), m.At(tw.LatestEnd).Format("2006-01-02 15:04")))
		}
	}
	return out
}

func coverage(m *Model) []Violation {
	var out []Violation
	for _, id := range m.Temporal.Order {
		tw := m.Temporal.Tasks[id]
		if tw.Fixed != nil {
			continue
		}
		if reqs := m.Skills.Requirements[id]; len(reqs) > 0 {
			covered := slices.ContainsFunc(m.Resources.OperatorIDs(), func(op string) bool {
				return m.Skills.CanPerform(op, id)
			})
			if !covered {
				out = append(out, newViolation(ErrUncoveredSkill, "UncoveredSkill", false, []string{id},
					"task %s: no operator meets %s", id, describe(reqs)))
				continue
			}
		}
		if !tw.NeedsOperator || len(tw.Modes) == 0 {
			continue
		}
		qualified := slices.ContainsFunc(tw.Modes, func(md Mode) bool { return len(m.Candidates(id, md.MachineID)) > 0 })
		if !qualified {
			out = append(out, newViolation(ErrUncoveredSkill, "NoQualifiedOperator", false, []string{id},
				"task %s: no skilled operator is qualified on any of its machines", id))
		}
	}
	return out
}

func describe(reqs []domain.SkillRequirement) string {
	parts := make([]string, len(reqs))
	for i, r := range reqs {
		parts[i] = fmt.Sprintf("%s>=%d", r.SkillCode, r.MinLevel)
	}
	return strings.Join(parts, ", ")
}
