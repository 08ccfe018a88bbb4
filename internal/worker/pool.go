// Package worker runs queued solve jobs in the background.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"jobshop/internal/errors"
	"jobshop/internal/queue"
)

// ErrPermanent marks handler failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err so the job fails without further attempts.
func Permanent(err error) error { return errors.Mark(err, ErrPermanent) }

// Handler runs one job kind and returns the JSON result to store.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	sem       chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration) *Pool {
	return &Pool{
		repo:      repo,
		handlers:  handlers,
		sem:       make(chan struct{}, max(size, 1)),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
}

// Run polls the queue until ctx ends or Stop is called, then waits for the
// jobs in flight.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	log.Info().Int("size", cap(p.sem)).Dur("poll", p.pollEvery).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			if n, err := p.repo.RecoverStale(ctx, now); err != nil {
				log.Error().Err(err).Msg("failed to recover stale jobs")
			} else if n > 0 {
				log.Warn().Int("count", n).Msg("requeued stale jobs")
			}
			p.poll(ctx, now)
		}
	}
}

func (p *Pool) Stop() { p.stopOnce.Do(func() { close(p.stop) }) }

// poll leases due jobs until the queue is empty, starting each on a free slot.
func (p *Pool) poll(ctx context.Context, now time.Time) int {
	leased := 0
	for {
		job, _, err := p.repo.LeaseNext(ctx, now)
		if errors.Is(err, queue.ErrEmpty) {
			return leased
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to lease job")
			return leased
		}
		leased++

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			// The lease expires and RecoverStale hands the job out again.
			return leased
		}
		p.wg.Add(1)
		go func(j queue.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.run(ctx, j)
		}(job)
	}
}

func (p *Pool) run(ctx context.Context, j queue.Job) {
	logger := log.With().Str("job_id", j.ID).Str("kind", j.Kind).Int("attempt", j.Attempts+1).Logger()

	h, ok := p.handlers[j.Kind]
	if !ok {
		logger.Error().Msg("no handler for job kind")
		if err := p.repo.Fail(ctx, j.ID, "no handler for "+j.Kind); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
		}
		return
	}

	c, cancel := context.WithTimeout(ctx, time.Duration(j.VisibilityTimeout)*time.Second)
	defer cancel()
	start := time.Now()
	result, err := h.Handle(c, j.Payload)
	switch {
	case err == nil:
		logger.Info().Dur("elapsed", time.Since(start)).Msg("job succeeded")
		err = p.repo.Succeed(ctx, j.ID, result)
	case errors.Is(err, ErrPermanent):
		logger.Error().Err(err).Msg("job failed")
		err = p.repo.Fail(ctx, j.ID, err.Error())
	default:
		next := backoffExp(j.Attempts + 1)
		logger.Warn().Err(err).Dur("retry_in", next).Msg("job attempt failed")
		err = p.repo.Retry(ctx, j.ID, err.Error(), next)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to record job outcome")
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << min(attempts-1, 6) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
