package http

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"courier/internal/ws"

	"github.com/rs/zerolog"
)

// WSServer exposes the relay to WebSocket clients on /relay.
type WSServer struct {
	server *http.Server
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewWSServer(wsServer *ws.Server, addr string, logger *zerolog.Logger) *WSServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", wsServer.HandleConnections)

	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}

	return &WSServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: l.With().Str("component", "ws").Logger(),
	}
}

func (s *WSServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("websocket relay started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting upgrades. Attached WebSocket connections are
// hijacked and end with the relay's context instead.
func (s *WSServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
