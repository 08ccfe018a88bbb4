package cp

import (
	"math"
	"slices"
	"sort"
	"time"
)

const checkEvery = 256

type candidate struct {
	task  int
	mode  int
	start int
	end   int
}

type solver struct {
	m      *Model
	p      Params
	topo   []int
	pred   [][]int
	minDur []int
	tail   []int
	// exclusive lists, per resource, the tasks every mode of which holds the
	// resource for the whole duration.
	exclusive [][]int
	avail     [][]Interval
	limit     []int

	placed   []bool
	start    []int
	end      []int
	mode     []int
	predLeft []int
	usage    [][]Interval
	head     []int

	found     bool
	best      int
	bestStart []int
	bestMode  []int

	nodes    int64
	deadline time.Time
	timedOut bool
}

// Solve searches m within p. It never returns an error; malformed models
// yield StatusModelInvalid with Result.Err set.
func Solve(m *Model, p Params) Result {
	began := time.Now()
	if err := m.Validate(); err != nil {
		return Result{Status: StatusModelInvalid, Err: err, Elapsed: time.Since(began)}
	}
	s := newSolver(m, p)
	res := s.run()
	res.Elapsed = time.Since(began)
	return res
}

func newSolver(m *Model, p Params) *solver {
	n := len(m.Tasks)
	topo, _ := topoOrder(n, m.Precedences)
	s := &solver{
		m:         m,
		p:         p,
		topo:      topo,
		pred:      make([][]int, n),
		minDur:    make([]int, n),
		tail:      make([]int, n),
		exclusive: make([][]int, len(m.Resources)),
		avail:     make([][]Interval, len(m.Resources)),
		limit:     make([]int, n),
		placed:    make([]bool, n),
		start:     make([]int, n),
		end:       make([]int, n),
		mode:      make([]int, n),
		predLeft:  make([]int, n),
		usage:     make([][]Interval, len(m.Resources)),
		head:      make([]int, n),
	}
	succ := make([][]int, n)
	for _, pr := range m.Precedences {
		s.pred[pr.After] = append(s.pred[pr.After], pr.Before)
		succ[pr.Before] = append(succ[pr.Before], pr.After)
		s.predLeft[pr.After]++
	}
	for r, res := range m.Resources {
		s.avail[r] = normalize(res.Available)
	}
	for i, t := range m.Tasks {
		s.limit[i] = m.Horizon
		if t.Deadline > 0 {
			s.limit[i] = min(s.limit[i], t.Deadline)
		}
		for k, md := range t.Modes {
			if k == 0 || md.Duration < s.minDur[i] {
				s.minDur[i] = md.Duration
			}
		}
	}
	for k := len(topo) - 1; k >= 0; k-- {
		i := topo[k]
		t := 0
		for _, j := range succ[i] {
			t = max(t, s.tail[j])
		}
		s.tail[i] = s.minDur[i] + t
	}
	for r := range m.Resources {
		for i, t := range m.Tasks {
			if t.Fixed || len(t.Modes) == 0 {
				continue
			}
			all := true
			for _, md := range t.Modes {
				if !slices.ContainsFunc(md.Demands, func(d Demand) bool {
					return d.Resource == r && d.Offset == 0 && d.Length == md.Duration
				}) {
					all = false
					break
				}
			}
			if all {
				s.exclusive[r] = append(s.exclusive[r], i)
			}
		}
	}
	if p.TimeLimit > 0 {
		s.deadline = time.Now().Add(p.TimeLimit)
	}
	return s
}

func (s *solver) run() Result {
	unplaced := 0
	makespan := 0
	for i, t := range s.m.Tasks {
		if !t.Fixed {
			if len(t.Modes) == 0 {
				return Result{Status: StatusInfeasible}
			}
			unplaced++
			continue
		}
		s.place(candidate{task: i, mode: 0, start: t.Release, end: t.Release + t.Modes[0].Duration})
		makespan = max(makespan, s.end[i])
	}
	// A fixed successor caps its open predecessors.
	for _, pr := range s.m.Precedences {
		if s.m.Tasks[pr.After].Fixed && !s.m.Tasks[pr.Before].Fixed {
			s.limit[pr.Before] = min(s.limit[pr.Before], s.start[pr.After])
		}
	}

	s.dfs(unplaced, makespan, 0)

	res := Result{Nodes: s.nodes, Status: outcome(s.found, s.timedOut)}
	if s.found {
		res.Objective = s.best
		res.Bound = s.best
		res.Starts = s.bestStart
		res.Modes = s.bestMode
	}
	return res
}

// outcome maps the end state of a search to a status: an exhausted search is
// conclusive, an interrupted one is not.
func outcome(found, timedOut bool) Status {
	switch {
	case found && !timedOut:
		return StatusOptimal
	case found:
		return StatusFeasible
	case timedOut:
		return StatusUnknown
	}
	return StatusInfeasible
}

func (s *solver) objective(makespan, delay int) int {
	if s.m.Objective == TotalDelay {
		return delay
	}
	return makespan
}

func (s *solver) dfs(unplaced, makespan, delay int) {
	s.nodes++
	if s.nodes%checkEvery == 0 && !s.deadline.IsZero() && time.Now().After(s.deadline) {
		s.timedOut = true
	}
	if s.timedOut {
		return
	}
	if unplaced == 0 {
		obj := s.objective(makespan, delay)
		if !s.found || obj < s.best {
			s.found = true
			s.best = obj
			s.bestStart = slices.Clone(s.start)
			s.bestMode = slices.Clone(s.mode)
		}
		return
	}
	lb := s.lowerBound(makespan, delay)
	if s.prune(lb) {
		return
	}
	cands, ok := s.candidates()
	if !ok {
		return
	}
	sort.Slice(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.end != cb.end {
			return ca.end < cb.end
		}
		if ca.start != cb.start {
			return ca.start < cb.start
		}
		if ca.task != cb.task {
			return ca.task < cb.task
		}
		return ca.mode < cb.mode
	})
	// Only candidates starting before the earliest completion can lead to
	// schedules not reachable through another branch.
	cutoff := cands[0].end
	for _, c := range cands {
		if c.start >= cutoff {
			continue
		}
		s.place(c)
		s.dfs(unplaced-1, max(makespan, c.end), delay+c.start-s.m.Tasks[c.task].Release)
		s.unplace(c)
		if s.timedOut || s.prune(lb) {
			return
		}
	}
}

// prune reports whether a subtree bounded below by lb cannot improve the
// incumbent by more than the relative gap.
func (s *solver) prune(lb int) bool {
	if !s.found {
		return false
	}
	if lb >= s.best {
		return true
	}
	return float64(s.best-lb) <= s.p.RelativeGap*float64(s.best)
}

func (s *solver) lowerBound(makespan, delay int) int {
	for _, i := range s.topo {
		if s.placed[i] {
			s.head[i] = s.start[i]
			continue
		}
		h := s.m.Tasks[i].Release
		for _, p := range s.pred[i] {
			if s.placed[p] {
				h = max(h, s.end[p])
			} else {
				h = max(h, s.head[p]+s.minDur[p])
			}
		}
		s.head[i] = h
	}
	if s.m.Objective == TotalDelay {
		lb := delay
		for i := range s.m.Tasks {
			if !s.placed[i] {
				lb += s.head[i] - s.m.Tasks[i].Release
			}
		}
		return lb
	}
	lb := makespan
	for i := range s.m.Tasks {
		if !s.placed[i] {
			lb = max(lb, s.head[i]+s.tail[i])
		}
	}
	for r, tasks := range s.exclusive {
		first, work := math.MaxInt, 0
		for _, i := range tasks {
			if s.placed[i] {
				continue
			}
			first = min(first, s.head[i])
			work += s.minDur[i]
		}
		if work > 0 {
			c := s.m.Resources[r].Capacity
			lb = max(lb, first+(work+c-1)/c)
		}
	}
	return lb
}

// candidates returns the earliest feasible placement of every mode of every
// eligible task. ok is false when some eligible task cannot be placed at all.
func (s *solver) candidates() ([]candidate, bool) {
	var out []candidate
	for i, t := range s.m.Tasks {
		if s.placed[i] || s.predLeft[i] > 0 {
			continue
		}
		est := t.Release
		for _, p := range s.pred[i] {
			est = max(est, s.end[p])
		}
		feasible := false
		for k, md := range t.Modes {
			st, ok := s.earliestFit(md, est, s.limit[i])
			if !ok {
				continue
			}
			feasible = true
			out = append(out, candidate{task: i, mode: k, start: st, end: st + md.Duration})
		}
		if !feasible {
			return nil, false
		}
	}
	return out, len(out) > 0
}

// earliestFit finds the smallest start >= est at which every demand of md
// fits, ending no later than limit. The earliest fit is est itself, the end
// of a usage interval or the start of an availability window, shifted by a
// demand offset, so only those points are tried.
func (s *solver) earliestFit(md Mode, est, limit int) (int, bool) {
	points := []int{est}
	for _, d := range md.Demands {
		for _, u := range s.usage[d.Resource] {
			if t := u.End - d.Offset; t > est {
				points = append(points, t)
			}
		}
		for _, w := range s.avail[d.Resource] {
			if t := w.Start - d.Offset; t > est {
				points = append(points, t)
			}
		}
	}
	slices.Sort(points)
	points = slices.Compact(points)
	for _, t := range points {
		if t+md.Duration > limit {
			return 0, false
		}
		if s.fits(md, t) {
			return t, true
		}
	}
	return 0, false
}

func (s *solver) fits(md Mode, t int) bool {
	for _, d := range md.Demands {
		a, b := t+d.Offset, t+d.Offset+d.Length
		if ws := s.avail[d.Resource]; ws != nil && !inside(ws, a, b) {
			return false
		}
		if s.load(d.Resource, a, b) >= s.m.Resources[d.Resource].Capacity {
			return false
		}
	}
	return true
}

func inside(ws []Interval, a, b int) bool {
	for _, w := range ws {
		if w.Start <= a && b <= w.End {
			return true
		}
		if w.Start > a {
			return false
		}
	}
	return false
}

// load is the peak number of usage intervals of resource r overlapping any
// point of [a, b).
func (s *solver) load(r, a, b int) int {
	type event struct{ at, delta int }
	var evs []event
	for _, u := range s.usage[r] {
		if u.Start < b && a < u.End {
			evs = append(evs, event{max(u.Start, a), 1}, event{u.End, -1})
		}
	}
	if len(evs) <= 2 {
		return len(evs) / 2
	}
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].at != evs[j].at {
			return evs[i].at < evs[j].at
		}
		return evs[i].delta < evs[j].delta
	})
	cur, peak := 0, 0
	for _, e := range evs {
		cur += e.delta
		peak = max(peak, cur)
	}
	return peak
}

func (s *solver) place(c candidate) {
	s.placed[c.task] = true
	s.start[c.task] = c.start
	s.end[c.task] = c.end
	s.mode[c.task] = c.mode
	for _, d := range s.m.Tasks[c.task].Modes[c.mode].Demands {
		s.usage[d.Resource] = append(s.usage[d.Resource], Interval{Start: c.start + d.Offset, End: c.start + d.Offset + d.Length})
	}
	for _, pr := range s.m.Precedences {
		if pr.Before == c.task {
			s.predLeft[pr.After]--
		}
	}
}

func (s *solver) unplace(c candidate) {
	demands := s.m.Tasks[c.task].Modes[c.mode].Demands
	for k := len(demands) - 1; k >= 0; k-- {
		r := demands[k].Resource
		s.usage[r] = s.usage[r][:len(s.usage[r])-1]
	}
	for _, pr := range s.m.Precedences {
		if pr.Before == c.task {
			s.predLeft[pr.After]++
		}
	}
	s.placed[c.task] = false
}
