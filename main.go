package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/api"
	"courier/internal/config"
	"courier/internal/http"
	"courier/internal/logger"
	"courier/internal/metrics"
	"courier/internal/relay"
	"courier/internal/storage"
	"courier/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	log, err := logger.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}

	var (
		delays relay.DelayRecorder
		lister api.DelayLister
	)
	if cfg.DelayDB != "" {
		store, err := storage.NewBboltStorage(cfg.DelayDB)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.ResetDelays(); err != nil {
			return fmt.Errorf("failed to reset delay store: %w", err)
		}
		delays, lister = store, store
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	dir := relay.NewDirectory(relay.DirectoryConfig{
		Logger:  &log,
		Metrics: m,
		Delays:  delays,
	})
	listener := relay.NewListener(relay.ListenerConfig{
		Directory:    dir,
		Logger:       &log,
		Metrics:      m,
		LoginTimeout: cfg.LoginTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return listener.Serve(gCtx, ln)
	})

	var servers []server
	if cfg.AdminAddr != "" {
		handler := api.NewAdminHandler(dir, lister, &log)
		servers = append(servers, http.NewAdminServer(handler, reg, cfg.AdminAddr, &log))
	}
	if cfg.WSAddr != "" {
		servers = append(servers, http.NewWSServer(ws.NewServer(gCtx, listener, cfg.WriteTimeout, &log), cfg.WSAddr, &log))
	}

	for _, srv := range servers {
		g.Go(srv.Start)
	}

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
}
