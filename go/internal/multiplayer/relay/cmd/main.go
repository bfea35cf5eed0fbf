package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/config"
	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/relay"
)

func main() {
	// Load .env file if it exists
	if err := config.LoadDotEnv(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid relay configuration")
	}

	setupLogging(cfg)

	relayConfig := relay.DefaultConfig()
	if cfg.TuningFile != "" {
		tuning, err := config.LoadTuning(cfg.TuningFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.TuningFile).Msg("failed to load relay tuning")
		}
		applyTuning(&relayConfig, tuning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var publisher relay.EventPublisher = relay.NoopPublisher{}
	if cfg.NATSURL != "" {
		jsConfig := relay.DefaultJetStreamConfig()
		jsConfig.URL = cfg.NATSURL
		jsConfig.StreamName = cfg.NATSStream
		jsConfig.SubjectPrefix = cfg.NATSSubjectPrefix

		jsPublisher, err := relay.NewJetStreamPublisher(ctx, jsConfig)
		if err != nil {
			// export is optional, the relay works without it
			log.Error().Err(err).Str("nats_url", cfg.NATSURL).Msg("event export disabled")
		} else {
			publisher = jsPublisher
		}
	}

	service := relay.NewService(relayConfig, publisher)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Rhythmforge multiplayer relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked sockets are not tracked by Shutdown; the service closes them on cancel
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	// Give the service time to close sockets and drain NATS
	time.Sleep(500 * time.Millisecond)

	log.Info().Msg("relay shutdown complete")
}

func setupLogging(cfg config.RelayConfig) {
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func applyTuning(rc *relay.Config, t *config.Tuning) {
	conn := t.Connection
	if conn.WriteTimeout > 0 {
		rc.ConnectionConfig.WriteTimeout = conn.WriteTimeout
	}
	if conn.ReadTimeout > 0 {
		rc.ConnectionConfig.ReadTimeout = conn.ReadTimeout
	}
	if conn.PingInterval > 0 {
		rc.ConnectionConfig.PingInterval = conn.PingInterval
	}
	if conn.MaxMessageSize > 0 {
		rc.ConnectionConfig.MaxMessageSize = conn.MaxMessageSize
	}
	if conn.ReadBufferSize > 0 {
		rc.ConnectionConfig.ReadBufferSize = conn.ReadBufferSize
	}
	if conn.WriteBufferSize > 0 {
		rc.ConnectionConfig.WriteBufferSize = conn.WriteBufferSize
	}
	if conn.SendBufferSize > 0 {
		rc.ConnectionConfig.SendBufferSize = conn.SendBufferSize
	}
	if t.Export.QueueSize > 0 {
		rc.ExportQueueSize = t.Export.QueueSize
	}
}
