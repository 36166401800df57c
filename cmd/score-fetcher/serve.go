package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/osu-score-fetcher/internal/api"
	"github.com/Sternrassler/osu-score-fetcher/pkg/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch scheduler and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

// serve runs until ctx ends, then stops the HTTP server and the scheduler.
// Running fetches are aborted and checkpointed on the way out.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.RequireClientCredentials(); err != nil {
		return err
	}

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	limiter, err := newLimiter(cfg, d)
	if err != nil {
		return err
	}
	osuClient, err := newClient(cfg, limiter)
	if err != nil {
		return err
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Workers = cfg.Scheduler.Workers
	schedCfg.PageSize = cfg.Scheduler.PageSize
	schedCfg.DualCategoryDelay = cfg.Scheduler.DualCategoryDelay
	schedCfg.ProbeCredentialOnSubmit = cfg.Scheduler.ProbeCredentialOnSubmit
	schedCfg.ProgressEvery = cfg.Scheduler.ProgressEvery
	schedCfg.Provider = osuClient
	schedCfg.Subjects = d.store
	schedCfg.Sessions = scheduler.SQLiteSessions(d.store)
	schedCfg.Checkpoints = d.checkpoints

	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return err
	}

	srv, err := api.New(api.Config{
		Addr:       cfg.Server.Addr,
		AdminToken: cfg.Server.AdminToken,
		Scheduler:  sched,
		Limiter:    limiter,
		Health:     d.health,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("addr", cfg.Server.Addr).
		Int("workers", cfg.Scheduler.Workers).
		Int("rate_limit_calls", cfg.RateLimit.Calls).
		Dur("rate_limit_window", cfg.RateLimit.Window).
		Str("rate_limit_backend", cfg.RateLimit.Backend).
		Str("checkpoint_backend", cfg.Checkpoints.Backend).
		Msg("Score fetcher starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		return errors.Join(
			srv.Shutdown(shutdownCtx),
			sched.Close(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Score fetcher stopped")
	return nil
}
