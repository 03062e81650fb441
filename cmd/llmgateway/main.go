// Package main is the entry point for the llmgateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	_ "time/tzdata" // quota.time_zone must load on minimal images

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/logging"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/quota"
	"github.com/howard-nolan/llmgateway/internal/server"
	"github.com/howard-nolan/llmgateway/internal/session"
	"github.com/howard-nolan/llmgateway/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	defaultPath := os.Getenv("LLMGATEWAY_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("llmgateway stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	sessions, err := session.New(ctx, cfg.Auth, log)
	if err != nil {
		return fmt.Errorf("building session resolver: %w", err)
	}
	if c, ok := sessions.(io.Closer); ok {
		defer c.Close()
	}

	registry := provider.NewRegistry(cfg.Providers)
	configured := registry.Configured()
	var missing []string
	for _, m := range provider.Modes {
		if _, err := registry.Get(m); err != nil {
			missing = append(missing, string(m))
		}
	}
	if len(missing) > 0 {
		log.Warn().Strs("modes", missing).Msg("some modes have no API key and will answer 503")
	}

	srv := server.New(cfg, server.Deps{
		Sessions:  sessions,
		Quota:     quota.NewEngine(st, cfg.Quota, cfg.Location(), quota.WithLogger(log)),
		Cost:      cost.New(cfg.Cost, nil),
		Providers: registry,
		Metrics:   metrics.New(),
		Log:       log,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Strs("modes", configured).
			Str("store", cfg.Store.Driver).
			Str("time_zone", cfg.Quota.TimeZone).
			Msg("llmgateway listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
