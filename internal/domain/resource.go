package domain

import (
	"slices"
	"time"

	"jobshop/internal/calendar"
)

// Machine is a production resource.
type Machine struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
	// Capacity is the number of tasks the machine runs concurrently.
	Capacity int `json:"capacity"`
	// Availability restricts when the machine can run; empty means always.
	Availability calendar.Windows `json:"availability,omitempty"`
	Department   string           `json:"department,omitempty"`
}

func (m *Machine) EffectiveCapacity() int { return max(m.Capacity, 1) }

func (m *Machine) HasCapability(c string) bool { return slices.Contains(m.Capabilities, c) }

// AvailableWindows returns the availability inside span.
func (m *Machine) AvailableWindows(span calendar.TimeWindow) calendar.Windows {
	return availableIn(m.Availability, span)
}

// Block removes w from the availability, splitting windows that straddle it.
func (m *Machine) Block(w calendar.TimeWindow) {
	m.Availability = block(m.Availability, w)
}

func (m *Machine) Clone() *Machine {
	c := *m
	c.Capabilities = slices.Clone(m.Capabilities)
	c.Availability = slices.Clone(m.Availability)
	return &c
}

// SkillProficiency is a certified skill level (1-3) with optional expiry.
type SkillProficiency struct {
	SkillCode     string     `json:"skill_code"`
	Level         int        `json:"level"`
	CertifiedDate time.Time  `json:"certified_date"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// ValidAt reports whether the certification holds at t.
func (p SkillProficiency) ValidAt(t time.Time) bool {
	if !p.CertifiedDate.IsZero() && t.Before(p.CertifiedDate) {
		return false
	}
	return p.ExpiresAt == nil || t.Before(*p.ExpiresAt)
}

// Operator is a person who sets up and runs machines.
type Operator struct {
	ID     string                      `json:"id"`
	Name   string                      `json:"name"`
	Skills map[string]SkillProficiency `json:"skills,omitempty"`
	// QualifiedMachineTypes lists the machine types the operator is certified
	// to run; it is separate from task skill requirements.
	QualifiedMachineTypes []string `json:"qualified_machine_types,omitempty"`
	// Shift is the daily working window; nil follows the plant calendar only.
	Shift        *calendar.WorkingHours `json:"shift,omitempty"`
	Availability calendar.Windows       `json:"availability,omitempty"`
	Capacity     int                    `json:"capacity"`
	Department   string                 `json:"department,omitempty"`
}

func (o *Operator) EffectiveCapacity() int { return max(o.Capacity, 1) }

// SkillLevel returns the level held for code at t; expired or not yet
// certified skills count as absent.
func (o *Operator) SkillLevel(code string, at time.Time) (int, bool) {
	p, ok := o.Skills[code]
	if !ok || !p.ValidAt(at) {
		return 0, false
	}
	return p.Level, true
}

// Meets reports whether o satisfies r at t.
func (o *Operator) Meets(r SkillRequirement, at time.Time) bool {
	level, ok := o.SkillLevel(r.SkillCode, at)
	return ok && level >= r.MinLevel
}

// CanOperate reports the machine qualification. Entries match the machine
// type or, for one-off machines, its id.
func (o *Operator) CanOperate(m *Machine) bool {
	return slices.Contains(o.QualifiedMachineTypes, m.Type) || slices.Contains(o.QualifiedMachineTypes, m.ID)
}

// AvailableWindows returns when the operator can work inside span: the
// availability, intersected with the daily shift when one is set.
func (o *Operator) AvailableWindows(span calendar.TimeWindow) calendar.Windows {
	ws := availableIn(o.Availability, span)
	if o.Shift == nil {
		return ws
	}
	shifts := calendar.Windows{}
	first := span.Start.AddDate(0, 0, -1)
	for day := first; day.Before(span.End); day = day.AddDate(0, 0, 1) {
		shifts = append(shifts, o.Shift.On(day))
	}
	return ws.Intersect(shifts)
}

func (o *Operator) Block(w calendar.TimeWindow) {
	o.Availability = block(o.Availability, w)
}

func (o *Operator) Clone() *Operator {
	c := *o
	if o.Skills != nil {
		c.Skills = make(map[string]SkillProficiency, len(o.Skills))
		for k, v := range o.Skills {
			v.ExpiresAt = clonePtr(v.ExpiresAt)
			c.Skills[k] = v
		}
	}
	c.QualifiedMachineTypes = slices.Clone(o.QualifiedMachineTypes)
	c.Shift = clonePtr(o.Shift)
	c.Availability = slices.Clone(o.Availability)
	return &c
}

func availableIn(ws calendar.Windows, span calendar.TimeWindow) calendar.Windows {
	if len(ws) == 0 {
		return calendar.Windows{span}
	}
	return ws.Clip(span)
}

func block(ws calendar.Windows, w calendar.TimeWindow) calendar.Windows {
	if len(ws) == 0 {
		ws = calendar.Windows{calendar.Unbounded()}
	}
	out := ws.Subtract(w)
	if len(out) == 0 {
		// An empty list means "always available"; keep a zero-length window
		// so a fully blocked resource stays closed.
		return calendar.Windows{{Start: w.Start, End: w.Start}}
	}
	return out
}
