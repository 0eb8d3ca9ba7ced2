package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kswifiapp/session-core/internal/api"
	"github.com/kswifiapp/session-core/internal/catalog"
	"github.com/kswifiapp/session-core/internal/config"
	"github.com/kswifiapp/session-core/internal/events"
	"github.com/kswifiapp/session-core/internal/profile"
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

	st := store.New(pool, cfg.FreeQuotaMB)

	var pub events.Publisher
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect broker")
		}
		pub = amqpPub
	} else {
		log.Warn().Msg("no broker configured, session events will be dropped")
		pub = events.NopPublisher{}
	}
	defer pub.Close()

	issuer := profile.NewIssuer(st, profile.Options{
		NetworkName:     cfg.NetworkName,
		PortalDomain:    cfg.PortalDomain,
		CaptiveTokenTTL: time.Duration(cfg.CaptiveTokenTTLHrs) * time.Hour,
		SMDPHost:        cfg.SMDPHost,
		Passphrase:      cfg.IssuerPassphrase,
	})

	handler := api.NewRouter(cfg, st, catalog.Default(), issuer, pub)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("session-core api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server")
	}
}
