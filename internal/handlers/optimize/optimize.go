// Package optimize runs queued OptimizeSchedule jobs.
package optimize

import (
	"context"
	"encoding/json"
	"time"

	"jobshop/internal/calendar"
	"jobshop/internal/command"
	"jobshop/internal/errors"
	"jobshop/internal/handlers"
	"jobshop/internal/worker"
)

// Optimize fills a rolling horizon into requests that carry none, so cron
// plans can enqueue the same payload on every tick.
type Optimize struct {
	d       handlers.Dispatcher
	horizon time.Duration
	now     func() time.Time
}

func New(d handlers.Dispatcher, horizon time.Duration) *Optimize {
	return &Optimize{d: d, horizon: horizon, now: time.Now}
}

func (h *Optimize) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var cmd command.OptimizeScheduleCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, worker.Permanent(errors.Wrap(err, "invalid optimize payload"))
	}
	if cmd.Horizon.IsZero() {
		start := h.now().UTC().Truncate(time.Minute)
		cmd.Horizon = calendar.TimeWindow{Start: start, End: start.Add(h.horizon)}
		if cmd.ScheduleName == "" {
			cmd.ScheduleName = "replan " + start.Format("2006-01-02 15:04")
		}
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, worker.Permanent(errors.Wrap(err, "encode optimize command"))
	}
	return handlers.Outcome(h.d.Dispatch(ctx, command.OptimizeSchedule, b))
}
