package optimize

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Future is the pending outcome of an asynchronous optimization.
type Future struct {
	done chan struct{}
	res  *Result
	err  error
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is ready or ctx ends. Ending ctx does not stop
// the solve; it runs to its own time limit.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Runner executes optimizations on a bounded set of goroutines so solves
// never run on the caller's path.
type Runner struct {
	svc *Service
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewRunner allows size concurrent solves.
func NewRunner(svc *Service, size int) *Runner {
	return &Runner{svc: svc, sem: make(chan struct{}, max(size, 1))}
}

// Submit starts req and returns immediately. Loading honours ctx; the solve
// itself is bounded only by the request's time limit.
func (r *Runner) Submit(ctx context.Context, req Request) *Future {
	f := &Future{done: make(chan struct{})}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(f.done)
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		}
		defer func() { <-r.sem }()
		f.res, f.err = r.svc.Optimize(ctx, req)
		if f.err != nil {
			log.Error().Err(f.err).Msg("optimization failed")
		}
	}()
	return f
}

// Wait blocks until every submitted optimization finished.
func (r *Runner) Wait() { r.wg.Wait() }
