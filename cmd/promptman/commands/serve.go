package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptman/promptman/internal/acquire"
	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/server"
)

// NewServeCommand creates the serve command: HTTP API, worker pool and
// periodic sweeper in one process.
func NewServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			// Root context: cancelled on SIGINT/SIGTERM so in-flight jobs
			// stop promptly during graceful shutdown.
			rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := openComponents(rootCtx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			pool := job.NewWorkerPool(c.store, c.runner(cfg), cfg.Concurrency)
			jobSvc := job.NewService(c.store,
				job.WithStager(acquire.NewStager(c.layout, c.policy, cfg.MaxUploadBytes)),
				job.WithCapacityGuard(c.sweeper),
				job.WithNotifier(pool.Notify),
				job.WithRetention(cfg.Retention),
			)

			// A single-node store has no other workers, so anything left in
			// flight by a previous run is dead.
			maxRuntime := cfg.StaleAfter()
			if c.store.Backend == "sqlite" {
				maxRuntime = 0
			}
			if err := jobSvc.RecoverStaleJobs(rootCtx, maxRuntime); err != nil {
				slog.Error("failed to recover stale jobs", "error", err)
			}

			poolDone := make(chan struct{})
			go func() {
				pool.Run(rootCtx)
				close(poolDone)
			}()
			pool.Notify()

			sweepDone := make(chan struct{})
			go func() {
				c.sweeper.Run(rootCtx, cfg.SweepInterval)
				close(sweepDone)
			}()

			srv := server.New(rootCtx, cfg.Port, jobSvc, server.Options{
				AllowedOrigins: cfg.AllowedOrigins,
				MaxUploadBytes: cfg.MaxUploadBytes,
			})
			serveErr := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()
			slog.Info("server started", "port", cfg.Port, "store", c.store.Backend, "workers", cfg.Concurrency)

			var runErr error
			select {
			case <-rootCtx.Done():
			case err := <-serveErr:
				if err != nil {
					runErr = fmt.Errorf("server error: %w", err)
				}
			}
			stop()

			// Workers record interrupted jobs before the store closes.
			<-poolDone
			<-sweepDone

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown error", "error", err)
			}
			slog.Info("server stopped")
			return runErr
		},
	}
}
