package domain

import (
	"slices"
	"time"

	"jobshop/internal/errors"
)

// CascadeDelay pushes the task rootID back by delay and then walks the other
// tasks in sequence order, moving each scheduled dependent just far enough to
// start after its latest moved predecessor. Every dependent sees the already
// updated times of its predecessors. It returns the tasks that moved; on error
// the tasks may be partially updated and the caller must roll back.
func CascadeDelay(tasks []*Task, rootID string, delay time.Duration, reason string) ([]*Task, error) {
	if delay <= 0 {
		return nil, nil
	}
	if reason == "" {
		return nil, errors.Wrapf(ErrMissingReason, "cascade from task %s", rootID)
	}
	ordered := slices.Clone(tasks)
	SortBySequence(ordered)

	byID := make(map[string]*Task, len(ordered))
	for _, t := range ordered {
		byID[t.ID] = t
	}
	root, ok := byID[rootID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTask, "cascade root %s", rootID)
	}
	start, end, ok := root.PlannedWindow()
	if !ok {
		return nil, errors.Wrapf(ErrInvalidStateTransition, "task %s has no planned window", rootID)
	}
	if err := root.Reschedule(start.Add(delay), end.Add(delay), reason); err != nil {
		return nil, err
	}
	moved := map[string]bool{rootID: true}
	out := []*Task{root}

	for _, t := range ordered {
		if moved[t.ID] || t.Sequence < root.Sequence && t.JobID == root.JobID {
			continue
		}
		var latest time.Time
		for _, p := range t.PredecessorIDs {
			pred, ok := byID[p]
			if !ok || !moved[p] || pred.PlannedEnd == nil {
				continue
			}
			if pred.PlannedEnd.After(latest) {
				latest = *pred.PlannedEnd
			}
		}
		if latest.IsZero() {
			continue
		}
		start, end, ok := t.PlannedWindow()
		if !ok || !start.Before(latest) {
			continue
		}
		if t.Status != TaskScheduled {
			continue
		}
		shift := latest.Sub(start)
		if err := t.Reschedule(start.Add(shift), end.Add(shift), reason); err != nil {
			return nil, err
		}
		moved[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}
