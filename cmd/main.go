package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"translate-admission/admission"
	"translate-admission/config"
	"translate-admission/health"
	"translate-admission/metrics"
	"translate-admission/orchestrator"
	"translate-admission/processor"
	"translate-admission/queues"
	qpubsub "translate-admission/queues/pubsub"
	"translate-admission/translator"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	setLogger(os.Getenv("TRANSLATE_LOG_LEVEL"))
	log.Info().Msgf("Starting translate-admission version: %s", version)
	cfg := config.Load()
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if cfg.GoogleProjectID == "" {
		log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or TRANSLATE_PUBSUB_PROJECT_ID")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := admission.NewController(cfg.Settings(), nil)
	client := translator.New(translator.Config{BaseURL: cfg.APIBaseURL, APIKey: cfg.APIKey}, nil, nil)
	policy := processor.FailJob
	if cfg.KeepGaps {
		policy = processor.KeepGaps
	}
	proc := processor.New(ctrl, client, translator.Estimator{}, nil, processor.Config{
		Model:            cfg.Model,
		OverloadCooldown: cfg.OverloadCooldown,
		Policy:           policy,
	})

	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (in-cluster or ambient)")
	}
	publisher := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.EventTopic, cfg.CredentialsFile)
	subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.JobSubscription, cfg.CredentialsFile)
	orch := orchestrator.New(ctrl, proc, publisher, nil, orchestrator.Config{ChunkSize: cfg.ChunkSize})

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, orch.Ready, ctrl)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("subscription", cfg.JobSubscription).Msg("starting subscriber loop")
		return subscriber.Start(gctx, func(ctx context.Context, cmd *queues.Command) error {
			return orch.Handle(ctx, cmd)
		})
	})
	g.Go(func() error {
		reloadOnHangup(gctx, ctrl)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		orch.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server graceful shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service exited with error")
	}
	ctrl.Close()
	if err := subscriber.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close subscriber")
	}
	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close publisher")
	}
	log.Info().Msg("shutdown complete")
}

// reloadOnHangup re-reads the environment on SIGHUP and applies the new
// settings to the controller.
func reloadOnHangup(ctx context.Context, ctrl *admission.Controller) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg := config.Load()
			s := cfg.Settings()
			ctrl.UpdateSettings(s)
			log.Info().Interface("config", cfg.Redacted()).Msg("settings reloaded")
		}
	}
}
