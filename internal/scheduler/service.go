// Package scheduler turns replan plans into queued solve jobs on their cron
// ticks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"jobshop/internal/errors"
	"jobshop/internal/queue"
)

// ErrInvalidCron marks a cron expression that does not parse.
var ErrInvalidCron = errors.Kind("invalid cron expression", errors.ErrValidation)

type Service struct {
	repo     queue.Repository
	stop     chan struct{}
	stopOnce sync.Once
	interval time.Duration
}

func NewService(repo queue.Repository, checkInterval time.Duration) *Service {
	return &Service{
		repo:     repo,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("replan service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDuePlans(ctx, now)
		}
	}
}

func (s *Service) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

func (s *Service) processDuePlans(ctx context.Context, now time.Time) int {
	plans, err := s.repo.GetDuePlans(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due plans")
		return 0
	}

	enqueued := 0
	for _, p := range plans {
		if err := s.processPlan(ctx, p, now); err != nil {
			log.Error().Err(err).Str("plan_id", p.ID).Msg("failed to process plan")
			continue
		}
		enqueued++
	}
	return enqueued
}

func (s *Service) processPlan(ctx context.Context, p queue.Plan, now time.Time) error {
	next, err := NextRunTime(p.CronExpr, now)
	if err != nil {
		return err
	}

	// One job per tick, even when the run times fail to update and the plan
	// comes due again.
	key := fmt.Sprintf("%s@%d", p.ID, p.NextRun.Unix())
	jobID, err := s.repo.Enqueue(ctx, queue.Job{
		Kind:           p.Kind,
		Payload:        p.Payload,
		Priority:       p.Priority,
		MaxAttempts:    p.MaxAttempts,
		IdempotencyKey: &key,
	})
	if err != nil {
		return errors.Wrapf(err, "enqueue plan %s", p.Name)
	}

	if err := s.repo.UpdatePlanLastRun(ctx, p.ID, now, next); err != nil {
		return err
	}

	log.Info().
		Str("plan_id", p.ID).
		Str("plan_name", p.Name).
		Str("job_id", jobID).
		Time("next_run", next).
		Msg("replan job enqueued")
	return nil
}

// ValidateCronExpression validates a standard five-field cron expression.
func ValidateCronExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errors.Wrapf(ErrInvalidCron, "%q: %v", expr, err)
	}
	return nil
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidCron, "%q: %v", expr, err)
	}
	return schedule.Next(from), nil
}
