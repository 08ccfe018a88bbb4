package calendar

import (
	"fmt"
	"sort"
	"time"

	"jobshop/internal/errors"
)

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

var (
	unboundedStart = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	unboundedEnd   = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

// Unbounded returns a window wide enough to stand for "always".
func Unbounded() TimeWindow {
	return TimeWindow{Start: unboundedStart, End: unboundedEnd}
}

// NewTimeWindow returns [start, end) or an error when start is not before end.
func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	if !start.Before(end) {
		return TimeWindow{}, errors.Newf("window start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return TimeWindow{Start: start, End: end}, nil
}

func (w TimeWindow) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }

func (w TimeWindow) Valid() bool { return w.Start.Before(w.End) }

func (w TimeWindow) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w TimeWindow) Minutes() int { return int(w.Duration() / time.Minute) }

// Contains reports whether t lies in [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Covers reports whether o lies entirely inside w.
func (w TimeWindow) Covers(o TimeWindow) bool {
	return !o.Start.Before(w.Start) && !o.End.After(w.End)
}

func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Intersect returns the overlap of w and o; ok is false when they are disjoint.
func (w TimeWindow) Intersect(o TimeWindow) (TimeWindow, bool) {
	start, end := w.Start, w.End
	if o.Start.After(start) {
		start = o.Start
	}
	if o.End.Before(end) {
		end = o.End
	}
	if !start.Before(end) {
		return TimeWindow{}, false
	}
	return TimeWindow{Start: start, End: end}, true
}

// Subtract removes o from w, returning zero, one or two pieces.
func (w TimeWindow) Subtract(o TimeWindow) []TimeWindow {
	if !w.Overlaps(o) {
		return []TimeWindow{w}
	}
	var out []TimeWindow
	if w.Start.Before(o.Start) {
		out = append(out, TimeWindow{Start: w.Start, End: o.Start})
	}
	if o.End.Before(w.End) {
		out = append(out, TimeWindow{Start: o.End, End: w.End})
	}
	return out
}

// Shift moves the window by d.
func (w TimeWindow) Shift(d time.Duration) TimeWindow {
	return TimeWindow{Start: w.Start.Add(d), End: w.End.Add(d)}
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Windows is a set of time windows. Most operations return a normalized set:
// sorted by start with overlapping or touching windows merged.
type Windows []TimeWindow

// Normalize sorts and merges the set.
func (ws Windows) Normalize() Windows {
	if len(ws) == 0 {
		return nil
	}
	sorted := make(Windows, 0, len(ws))
	for _, w := range ws {
		if w.Valid() {
			sorted = append(sorted, w)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	out := Windows{}
	for _, w := range sorted {
		if n := len(out); n > 0 && !w.Start.After(out[n-1].End) {
			if w.End.After(out[n-1].End) {
				out[n-1].End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// Subtract removes o from every window in the set.
func (ws Windows) Subtract(o TimeWindow) Windows {
	out := Windows{}
	for _, w := range ws {
		out = append(out, w.Subtract(o)...)
	}
	return out.Normalize()
}

// Intersect returns the windows covered by both sets.
func (ws Windows) Intersect(other Windows) Windows {
	out := Windows{}
	for _, a := range ws {
		for _, b := range other {
			if x, ok := a.Intersect(b); ok {
				out = append(out, x)
			}
		}
	}
	return out.Normalize()
}

// Clip restricts the set to span.
func (ws Windows) Clip(span TimeWindow) Windows {
	return ws.Intersect(Windows{span})
}

// Covers reports whether a single window of the set contains w entirely.
func (ws Windows) Covers(w TimeWindow) bool {
	for _, x := range ws.Normalize() {
		if x.Covers(w) {
			return true
		}
	}
	return false
}

// Total is the summed duration of the normalized set.
func (ws Windows) Total() time.Duration {
	var total time.Duration
	for _, w := range ws.Normalize() {
		total += w.Duration()
	}
	return total
}
