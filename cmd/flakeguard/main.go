package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/app"
	"github.com/thc1006/flakeguard/internal/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		os.Exit(runAdmin(os.Args[2:]))
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	cronScheduler, err := setupMaintenanceCron(cfg, application)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup maintenance cron: %v\n", err)
		os.Exit(1)
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- application.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		application.Shutdown(shutdownCtx)
	}
}

// setupMaintenanceCron schedules the retention sweep and, when polling is
// enabled, the workflow-run poller. Dev runs retention every minute so
// the sweep is observable without waiting for 03:00 UTC.
func setupMaintenanceCron(cfg *config.Config, application *app.App) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))

	retentionSchedule := "0 3 * * *"
	if cfg.IsDev() {
		retentionSchedule = "* * * * *"
	}

	_, err := c.AddFunc(retentionSchedule, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Retention job panicked")
			}
		}()

		if err := application.RunRetention(context.Background()); err != nil {
			log.Error().Err(err).Msg("Retention job failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule retention job: %w", err)
	}

	if cfg.PollEnabled && cfg.GitHubConfigured() {
		_, err = c.AddFunc("*/5 * * * *", func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Poll scheduling panicked")
				}
			}()

			if err := application.EnqueuePollRuns(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to enqueue poll cycle")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule run poller: %w", err)
		}
		log.Info().Msg("Workflow run poller scheduled every 5 minutes")
	}

	return c, nil
}
