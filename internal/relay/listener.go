package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/wire"

	"github.com/rs/zerolog"
)

type ListenerConfig struct {
	Directory *Directory
	Logger    *zerolog.Logger
	Metrics   *metrics.Metrics

	// LoginTimeout bounds how long a new socket may take to send its login
	// frame. Zero means no limit.
	LoginTimeout time.Duration

	// WriteTimeout bounds each frame written to a TCP client. A client that
	// stops reading for longer is treated as disconnected. Zero means no limit.
	WriteTimeout time.Duration
}

// Listener accepts sockets, performs the login handshake and starts a worker
// for every newly registered connection.
type Listener struct {
	dir          *Directory
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	loginTimeout time.Duration
	writeTimeout time.Duration

	// life ends every worker once Serve returns, whatever context the worker
	// was attached with.
	life     context.Context
	end      context.CancelFunc
	mu       sync.Mutex
	stopping bool
	workers  sync.WaitGroup
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

func NewListener(cfg ListenerConfig) *Listener {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	life, end := context.WithCancel(context.Background())
	return &Listener{
		life:         life,
		end:          end,
		dir:          cfg.Directory,
		logger:       logger.With().Str("component", "listener").Logger(),
		metrics:      cfg.Metrics,
		loginTimeout: cfg.LoginTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Serve accepts sockets from ln until ctx is done or ln is closed. Before
// returning it stops every connection worker, including those attached
// through Attach by other servers, and waits for them to exit.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var handshakes sync.WaitGroup
	defer func() {
		cancel()
		handshakes.Wait()
		l.mu.Lock()
		l.stopping = true
		l.mu.Unlock()
		l.end()
		l.workers.Wait()
		l.logger.Info().Msg("listener stopped")
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		handshakes.Go(func() {
			tr := wire.NewConn(conn).WithWriteTimeout(l.writeTimeout)
			if err := l.Attach(ctx, tr, tr.RemoteAddr()); err != nil {
				l.logger.Debug().Err(err).Str("remote", tr.RemoteAddr()).Msg("login failed")
			}
		})
	}
}

// Attach runs the login handshake on tr: it reads exactly one login frame,
// then registers a new connection or wakes a sleeping one. On rejection the
// client gets a warning frame and tr is closed.
func (l *Listener) Attach(ctx context.Context, tr Transport, remote string) error {
	logger := l.logger.With().Str("remote", remote).Logger()

	// Shutdown must not wait for a client that never logs in.
	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	username, err := l.readLogin(tr)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		l.metrics.Login("error")
		_ = tr.Close()
		return err
	}
	logger = logger.With().Str("username", username).Logger()

	conn, err := l.dir.Register(username, tr)
	woken := false
	if errors.Is(err, ErrAsleep) {
		conn, woken, err = l.dir.Reconnect(username, tr)
	}

	switch {
	case errors.Is(err, models.ErrNameInUse):
		l.metrics.Login("taken")
		logger.Info().Msg("login rejected, username taken")
		return l.reject(tr, wire.TextUsernameTaken, err)
	case err != nil:
		l.metrics.Login("invalid")
		logger.Info().Err(err).Msg("login rejected")
		return l.reject(tr, wire.TextInvalidUsername, err)
	case woken:
		l.metrics.Login("woken")
		logger.Info().Int("queued", conn.Queued()).Msg("connection woken")
		return nil
	default:
		l.metrics.Login("registered")
		logger.Info().Msg("connection registered")
		l.start(ctx, conn)
		return nil
	}
}

func (l *Listener) readLogin(tr Transport) (string, error) {
	d, ok := tr.(deadliner)
	if ok && l.loginTimeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(l.loginTimeout)); err != nil {
			return "", err
		}
	}

	payload, err := tr.ReadFrame()
	if err != nil {
		return "", err
	}

	if ok && l.loginTimeout > 0 {
		if err := d.SetReadDeadline(time.Time{}); err != nil {
			return "", err
		}
	}
	return payload, nil
}

func (l *Listener) reject(tr Transport, text string, cause error) error {
	if err := tr.WriteFrame(wire.Format(wire.NewWarning(text))); err != nil {
		l.logger.Debug().Err(err).Msg("failed to write rejection")
	}
	_ = tr.Close()
	return cause
}

func (l *Listener) start(ctx context.Context, conn *Connection) {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		// Serve has already stopped the workers. Run this one on the caller's
		// goroutine with the ended context so it closes its transport and
		// goes to sleep right away.
		conn.Run(l.life)
		return
	}
	defer l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.life, cancel)
	l.workers.Go(func() {
		defer stop()
		defer cancel()
		conn.Run(ctx)
	})
}
