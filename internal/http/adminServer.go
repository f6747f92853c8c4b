package http

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"courier/internal/api"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type AdminServer struct {
	server *http.Server
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, gatherer prometheus.Gatherer, addr string, logger *zerolog.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /admin/directory", adminHandler.DirectoryHandler)
	mux.HandleFunc("GET /admin/directory/{username}", adminHandler.EntryHandler)
	mux.HandleFunc("GET /admin/delays", adminHandler.DelaysHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: l.With().Str("component", "admin").Logger(),
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
