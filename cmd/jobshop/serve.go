package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"jobshop/internal/api"
	"jobshop/internal/calendar"
	"jobshop/internal/command"
	"jobshop/internal/fixture"
	hdis "jobshop/internal/handlers/disruption"
	hopt "jobshop/internal/handlers/optimize"
	"jobshop/internal/queue"
	"jobshop/internal/scheduler"
	"jobshop/internal/worker"
)

var serveProblem string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the command API, solve workers and replan plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveProblem, "problem", "", "seed machines, operators and jobs from a YAML problem file")
}

func serve(ctx context.Context) error {
	var (
		problem *fixture.Problem
		cal     *calendar.Calendar
	)
	if serveProblem != "" {
		p, err := fixture.LoadFile(serveProblem)
		if err != nil {
			return err
		}
		problem, cal = p, p.Calendar
	}
	eng, err := newEngine(cfg, cal)
	if err != nil {
		return err
	}
	if problem != nil {
		if err := fixture.Seed(ctx, eng.repos, problem); err != nil {
			return err
		}
		log.Info().Str("file", serveProblem).
			Int("jobs", len(problem.Catalog.Jobs)).
			Int("tasks", len(problem.Catalog.Tasks)).
			Msg("problem seeded")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Database.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		return err
	}
	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(ctx, time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}

	hub := api.NewHub()
	eng.bus.SubscribeAll("event-stream", hub.Publish)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-eng.bus.Errors():
				log.Warn().Err(err).Msg("event handler failed")
			}
		}
	}()

	handlers := map[string]worker.Handler{
		command.OptimizeSchedule:         hopt.New(eng.commands, cfg.Solver.Horizon()),
		command.HandleResourceDisruption: hdis.New(eng.commands, cfg.Disruption.ScopeHours),
	}
	kinds := make([]string, 0, len(handlers))
	for k := range handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	pool := worker.NewPool(repo, handlers, cfg.Workers.Count, cfg.Workers.Poll)
	go pool.Run(ctx)

	plans := scheduler.NewService(repo, cfg.Workers.ReplanCheck)
	go plans.Start(ctx)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Deps{
			Queue:        repo,
			Commands:     eng.commands,
			Repos:        eng.repos,
			Kinds:        kinds,
			Stream:       hub,
			OptimizeRate: cfg.API.OptimizeRatePerMinute,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Strs("kinds", kinds).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	log.Info().Msg("shutting down")
	plans.Stop()
	pool.Stop()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxTimeout)
	eng.runner.Wait()
	eng.bus.Wait()
	return nil
}
