package ws

import (
	"context"
	"net/http"
	"time"

	"courier/internal/relay"
	"courier/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type attacher interface {
	Attach(ctx context.Context, tr relay.Transport, remote string) error
}

type Server struct {
	ctx          context.Context
	relay        attacher
	writeTimeout time.Duration
	upgrader     *websocket.Upgrader
	logger       zerolog.Logger
}

// NewServer returns a handler that logs WebSocket clients into the relay.
// Connections it attaches live until ctx is done, not until the HTTP
// request ends.
func NewServer(ctx context.Context, relay attacher, writeTimeout time.Duration, logger *zerolog.Logger) *Server {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Server{
		ctx:          ctx,
		relay:        relay,
		writeTimeout: writeTimeout,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // non-browser clients send no Origin
			},
		},
		logger: l.With().Str("component", "ws").Logger(),
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("error upgrading to websocket")
		return
	}
	conn.SetReadLimit(wire.MaxFrameSize)

	if err := s.relay.Attach(s.ctx, NewConnection(conn, s.writeTimeout), r.RemoteAddr); err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("login failed")
	}
}
