package command

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"

	"jobshop/internal/errors"
)

var (
	ErrUnknownCommand = errors.Kind("unknown command", errors.ErrValidation)
	ErrBadPayload     = errors.Kind("malformed command payload", errors.ErrValidation)
)

// HandlerFunc handles one decoded command.
type HandlerFunc[C any] func(ctx context.Context, cmd C) Result

type route func(ctx context.Context, payload json.RawMessage) Result

// Dispatcher routes named commands with JSON payloads to their handlers.
type Dispatcher struct {
	routes map[string]route
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: map[string]route{}}
}

// Register binds name to h. The payload is decoded into a fresh C.
func Register[C any](d *Dispatcher, name string, h HandlerFunc[C]) {
	d.routes[name] = func(ctx context.Context, payload json.RawMessage) Result {
		var cmd C
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cmd); err != nil {
				return failed("invalid "+name+" payload", errors.Wrapf(ErrBadPayload, "%v", err))
			}
		}
		return h(ctx, cmd)
	}
}

// Dispatch runs the command registered as name.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload json.RawMessage) Result {
	r, ok := d.routes[name]
	if !ok {
		return failed("unknown command", errors.Wrapf(ErrUnknownCommand, "%q", name))
	}
	res := r(ctx, payload)
	if res.Success {
		log.Debug().Str("command", name).Msg(res.Message)
	} else {
		log.Warn().Str("command", name).Strs("errors", res.Errors).Msg(res.Message)
	}
	return res
}

// Names lists the registered commands.
func (d *Dispatcher) Names() []string {
	out := make([]string, 0, len(d.routes))
	for n := range d.routes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Routes registers every handler of h on a new dispatcher.
func Routes(h *Handlers) *Dispatcher {
	d := NewDispatcher()
	Register(d, ScheduleTask, h.ScheduleTask)
	Register(d, RescheduleTask, h.RescheduleTask)
	Register(d, AssignResource, h.AssignResource)
	Register(d, OptimizeSchedule, h.OptimizeSchedule)
	Register(d, UpdateTaskStatus, h.UpdateTaskStatus)
	Register(d, HandleResourceDisruption, h.HandleResourceDisruption)
	return d
}
