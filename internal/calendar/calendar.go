// Package calendar implements working-time arithmetic: weekly working hours,
// holidays, business days and the working windows of a planning horizon.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// WorkingHours is a daily working window expressed in minutes after midnight.
// When End <= Start the window runs overnight into the following day.
type WorkingHours struct {
	Start int
	End   int
}

// ParseWorkingHours parses "HH:MM-HH:MM". "00:00-24:00" is a full day.
func ParseWorkingHours(s string) (WorkingHours, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return WorkingHours{}, fmt.Errorf("working hours %q: expected HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return WorkingHours{}, fmt.Errorf("working hours %q: %w", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return WorkingHours{}, fmt.Errorf("working hours %q: %w", s, err)
	}
	if start == end {
		return WorkingHours{}, fmt.Errorf("working hours %q: empty window", s)
	}
	if start >= minutesPerDay {
		return WorkingHours{}, fmt.Errorf("working hours %q: start must be before 24:00", s)
	}
	return WorkingHours{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("clock %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("clock %q: %w", s, err)
	}
	if h < 0 || m < 0 || m > 59 || h*60+m > minutesPerDay {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// Overnight reports whether the window crosses midnight.
func (wh WorkingHours) Overnight() bool { return wh.End <= wh.Start }

// Minutes is the length of the daily window.
func (wh WorkingHours) Minutes() int {
	if wh.Overnight() {
		return minutesPerDay - wh.Start + wh.End
	}
	return wh.End - wh.Start
}

// On returns the concrete window that opens on the given day.
func (wh WorkingHours) On(day time.Time) TimeWindow {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := wh.End
	if wh.Overnight() {
		end += minutesPerDay
	}
	return TimeWindow{
		Start: midnight.Add(time.Duration(wh.Start) * time.Minute),
		End:   midnight.Add(time.Duration(end) * time.Minute),
	}
}

func (wh WorkingHours) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", wh.Start/60, wh.Start%60, wh.End/60, wh.End%60)
}

// Calendar holds the weekly working pattern and holidays of a plant.
type Calendar struct {
	loc      *time.Location
	week     map[time.Weekday]WorkingHours
	holidays map[string]struct{}
}

// New returns a calendar without any working time in loc (UTC when nil).
func New(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{
		loc:      loc,
		week:     make(map[time.Weekday]WorkingHours),
		holidays: make(map[string]struct{}),
	}
}

// Standard returns a Monday to Friday, 08:00-17:00 calendar.
func Standard(loc *time.Location) *Calendar {
	c := New(loc)
	for d := time.Monday; d <= time.Friday; d++ {
		c.SetWorkingHours(d, WorkingHours{Start: 8 * 60, End: 17 * 60})
	}
	return c
}

// AlwaysOpen returns a calendar where every minute is working time.
func AlwaysOpen(loc *time.Location) *Calendar {
	c := New(loc)
	for d := time.Sunday; d <= time.Saturday; d++ {
		c.SetWorkingHours(d, WorkingHours{Start: 0, End: minutesPerDay})
	}
	return c
}

func (c *Calendar) Location() *time.Location { return c.loc }

func (c *Calendar) SetWorkingHours(day time.Weekday, wh WorkingHours) {
	c.week[day] = wh
}

func (c *Calendar) ClearWorkingHours(day time.Weekday) {
	delete(c.week, day)
}

// AddHoliday marks the calendar date of day as non-working.
func (c *Calendar) AddHoliday(day time.Time) {
	c.holidays[dateKey(day.In(c.loc))] = struct{}{}
}

func (c *Calendar) IsHoliday(day time.Time) bool {
	_, ok := c.holidays[dateKey(day.In(c.loc))]
	return ok
}

// WorkingHours returns the window that opens on date, if any.
func (c *Calendar) WorkingHours(date time.Time) (WorkingHours, bool) {
	date = date.In(c.loc)
	if c.IsHoliday(date) {
		return WorkingHours{}, false
	}
	wh, ok := c.week[date.Weekday()]
	return wh, ok
}

// IsBusinessDay reports whether any working window opens on date.
func (c *Calendar) IsBusinessDay(date time.Time) bool {
	_, ok := c.WorkingHours(date)
	return ok
}

// IsWorkingTime reports whether t falls in a working window, including
// overnight windows that opened the previous day.
func (c *Calendar) IsWorkingTime(t time.Time) bool {
	t = t.In(c.loc)
	for _, day := range []time.Time{t.AddDate(0, 0, -1), t} {
		if wh, ok := c.WorkingHours(day); ok && wh.On(day).Contains(t) {
			return true
		}
	}
	return false
}

// IsWorkingEnd reports whether an interval ending (exclusively) at t ends in
// working time, i.e. the instant just before t is working time.
func (c *Calendar) IsWorkingEnd(t time.Time) bool {
	return c.IsWorkingTime(t.Add(-time.Nanosecond))
}

// WorkingWindows enumerates the working windows overlapping span, clipped to it.
func (c *Calendar) WorkingWindows(span TimeWindow) Windows {
	if !span.Valid() {
		return nil
	}
	start := span.Start.In(c.loc)
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, -1)
	out := Windows{}
	for day := first; day.Before(span.End); day = day.AddDate(0, 0, 1) {
		wh, ok := c.WorkingHours(day)
		if !ok {
			continue
		}
		if w, ok := wh.On(day).Intersect(span); ok {
			out = append(out, w)
		}
	}
	return out.Normalize()
}

// Covers reports whether w lies inside one contiguous stretch of working time.
func (c *Calendar) Covers(w TimeWindow) bool {
	return c.WorkingWindows(w).Covers(w)
}

// NextWorkingTime returns t when it is working time, otherwise the start of
// the next working window. It gives up after a year of closed days.
func (c *Calendar) NextWorkingTime(t time.Time) (time.Time, bool) {
	if c.IsWorkingTime(t) {
		return t, true
	}
	for _, w := range c.WorkingWindows(TimeWindow{Start: t, End: t.AddDate(1, 0, 0)}) {
		return w.Start, true
	}
	return time.Time{}, false
}

// AddBusinessDays moves date by n business days; negative n moves backwards.
// The time of day is kept.
func (c *Calendar) AddBusinessDays(date time.Time, n int) time.Time {
	step := 1
	if n < 0 {
		step, n = -1, -n
	}
	d := date
	for guard := 0; n > 0 && guard < 3660; guard++ {
		d = d.AddDate(0, 0, step)
		if c.IsBusinessDay(d) {
			n--
		}
	}
	return d
}

// BusinessDaysBetween counts business days in [from, to) by calendar date.
func (c *Calendar) BusinessDaysBetween(from, to time.Time) int {
	n := 0
	from, to = from.In(c.loc), to.In(c.loc)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, c.loc)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		if c.IsBusinessDay(day) {
			n++
		}
	}
	return n
}

// WorkingMinutesBetween returns the working minutes in [from, to).
func (c *Calendar) WorkingMinutesBetween(from, to time.Time) int {
	return int(c.WorkingWindows(TimeWindow{Start: from, End: to}).Total() / time.Minute)
}

func dateKey(t time.Time) string { return t.Format(time.DateOnly) }
