package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kswifiapp/session-core/internal/config"
	"github.com/kswifiapp/session-core/internal/jobs"
	"github.com/kswifiapp/session-core/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping db")
	}

	runner := jobs.NewRunner(store.New(pool, cfg.FreeQuotaMB), jobs.Options{
		ExpireSchedule:  cfg.ExpireSweepSchedule,
		StalledSchedule: cfg.StalledSweepSchedule,
		StalledAfter:    time.Duration(cfg.StalledAfterMinutes) * time.Minute,
	})
	if err := runner.Start(); err != nil {
		log.Fatal().Err(err).Msg("start sweeps")
	}

	log.Info().Msg("session-core sweeps started")
	<-ctx.Done()
	<-runner.Stop().Done()
	log.Info().Msg("session-core sweeps stopped")
}
