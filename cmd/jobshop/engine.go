package main

import (
	"time"

	"jobshop/internal/calendar"
	"jobshop/internal/command"
	"jobshop/internal/config"
	"jobshop/internal/constraint"
	"jobshop/internal/disruption"
	"jobshop/internal/events"
	"jobshop/internal/optimize"
	"jobshop/internal/repository"
	"jobshop/internal/repository/memory"
	"jobshop/internal/solver"
	"jobshop/internal/uow"
)

// engine is the in-process scheduling core shared by the commands.
type engine struct {
	repos    repository.Repositories
	bus      *events.Bus
	runner   *optimize.Runner
	handlers *command.Handlers
	commands *command.Dispatcher
}

// newEngine wires the core from c. cal replaces the configured calendar
// when not nil.
func newEngine(c *config.Config, cal *calendar.Calendar) (*engine, error) {
	if cal == nil {
		var err error
		if cal, err = c.Calendar.Build(); err != nil {
			return nil, err
		}
	}
	store := memory.NewStore()
	repos := store.Repositories()
	bus := events.NewBus(64)

	svc := optimize.NewService(repos, constraint.NewBuilder(cal), solver.New(),
		optimize.WithCache(optimize.NewCache(c.Cache.TTL)))
	reopt := disruption.New(svc,
		disruption.WithParams(c.Solver.Params()),
		disruption.WithPadding(time.Duration(c.Disruption.PaddingHours)*time.Hour))
	runner := optimize.NewRunner(svc, c.Solver.PoolSize)
	h := command.NewHandlers(uow.New(store, bus), svc, reopt, command.WithRunner(runner))

	return &engine{
		repos:    repos,
		bus:      bus,
		runner:   runner,
		handlers: h,
		commands: command.Routes(h),
	}, nil
}

// withDefaults fills request fields the caller left empty from the
// configuration: solver parameters and a horizon starting at now.
func withDefaults(req optimize.Request, c *config.Config, now time.Time) optimize.Request {
	def := c.Solver.Params()
	if req.Params.TimeLimit == 0 {
		req.Params.TimeLimit = def.TimeLimit
	}
	if req.Params.GapTolerance == 0 {
		req.Params.GapTolerance = def.GapTolerance
	}
	if req.Params.GranularityMinutes == 0 {
		req.Params.GranularityMinutes = def.GranularityMinutes
	}
	if req.Horizon.IsZero() {
		start := now.UTC().Truncate(time.Hour)
		req.Horizon = calendar.TimeWindow{Start: start, End: start.Add(c.Solver.Horizon())}
	}
	return req
}
