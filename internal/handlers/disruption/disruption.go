// Package disruption runs queued HandleResourceDisruption jobs.
package disruption

import (
	"context"
	"encoding/json"

	"jobshop/internal/command"
	"jobshop/internal/errors"
	"jobshop/internal/handlers"
	"jobshop/internal/worker"
)

type Disruption struct {
	d          handlers.Dispatcher
	scopeHours int
}

// New uses scopeHours for disruptions that do not set their own scope.
func New(d handlers.Dispatcher, scopeHours int) *Disruption {
	return &Disruption{d: d, scopeHours: scopeHours}
}

func (h *Disruption) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var cmd command.HandleResourceDisruptionCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, worker.Permanent(errors.Wrap(err, "invalid disruption payload"))
	}
	if cmd.ScopeHours == 0 {
		cmd.ScopeHours = h.scopeHours
	}
	if err := cmd.Validate(); err != nil {
		return nil, worker.Permanent(err)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, worker.Permanent(errors.Wrap(err, "encode disruption command"))
	}
	return handlers.Outcome(h.d.Dispatch(ctx, command.HandleResourceDisruption, b))
}
