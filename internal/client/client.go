package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"courier/internal/wire"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("session closed")

type Config struct {
	Address  string
	Username string
	Logger   *zerolog.Logger
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventWarning
)

// Event is one decoded frame from the relay. For warnings From is empty
// and Text holds the reply.
type Event struct {
	Kind      EventKind
	From      string
	Text      string
	Timestamp int64
	Delay     time.Duration
}

type readResult struct {
	payload string
	err     error
}

// Session is a logged-in client connection to the relay.
type Session struct {
	conn   *wire.Conn
	logger zerolog.Logger
	now    func() time.Time

	frames chan readResult
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	username  string
	pending   string
	delays    []int64
	onMessage func(Event)
	readErr   error

	closeOnce sync.Once
	closeErr  error
}

// Open connects to address:port and logs in as username.
func Open(ctx context.Context, address string, port int, username string) (*Session, error) {
	return Dial(ctx, Config{
		Address:  net.JoinHostPort(address, strconv.Itoa(port)),
		Username: username,
	})
}

func Dial(ctx context.Context, cfg Config) (*Session, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address, err)
	}

	s := &Session{
		conn:     wire.NewConn(c),
		logger:   logger.With().Str("component", "client").Str("username", cfg.Username).Logger(),
		now:      time.Now,
		frames:   make(chan readResult),
		done:     make(chan struct{}),
		username: cfg.Username,
	}

	if err := s.write(wire.Login{Username: cfg.Username}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to log in: %w", err)
	}

	go s.readLoop()
	s.logger.Debug().Str("address", cfg.Address).Msg("connected")
	return s, nil
}

func (s *Session) readLoop() {
	for {
		payload, err := s.conn.ReadFrame()
		select {
		case s.frames <- readResult{payload: payload, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Delays returns the one-way delays in milliseconds of every message
// received so far.
func (s *Session) Delays() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.delays...)
}

func (s *Session) OnMessage(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

func (s *Session) Send(recipient, text string) error {
	return s.write(wire.Direct{Recipient: recipient, Timestamp: s.now().UnixMilli(), Payload: text})
}

// SendRobot asks the relay to deliver text to a random registered user.
func (s *Session) SendRobot(text string) error {
	return s.write(wire.Robot{Timestamp: s.now().UnixMilli(), Payload: text})
}

// Rename requests newName. Username keeps the old value until the relay
// confirms.
func (s *Session) Rename(newName string) error {
	s.mu.Lock()
	current := s.username
	s.pending = newName
	s.mu.Unlock()

	return s.write(wire.Rename{OldName: current, NewName: newName})
}

func (s *Session) write(f wire.Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(wire.Format(f))
}

// Poll waits up to timeout for one frame from the relay. A zero timeout
// only looks at what has already arrived. ok is false when nothing came.
func (s *Session) Poll(timeout time.Duration) (Event, bool, error) {
	var res readResult
	if timeout <= 0 {
		select {
		case res = <-s.frames:
		case <-s.done:
			return Event{}, false, ErrClosed
		default:
			return Event{}, false, nil
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res = <-s.frames:
		case <-timer.C:
			return Event{}, false, nil
		case <-s.done:
			return Event{}, false, ErrClosed
		}
	}

	ev, err := s.handle(res)
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

// Listen passes every event to the OnMessage callback until ctx is done or
// the connection fails.
func (s *Session) Listen(ctx context.Context) error {
	for {
		var res readResult
		select {
		case res = <-s.frames:
		case <-s.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}

		ev, err := s.handle(res)
		if errors.Is(err, wire.ErrMalformedFrame) {
			s.logger.Warn().Err(err).Msg("ignoring frame")
			continue
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		fn := s.onMessage
		s.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	}
}

func (s *Session) handle(res readResult) (Event, error) {
	if res.err != nil {
		s.mu.Lock()
		s.readErr = res.err
		s.mu.Unlock()
		return Event{}, fmt.Errorf("connection lost: %w", res.err)
	}

	frame, err := wire.ParseServer(res.payload)
	if err != nil {
		return Event{}, err
	}

	switch f := frame.(type) {
	case wire.Warning:
		s.mu.Lock()
		switch {
		case f.Text == wire.TextRenamed && s.pending != "":
			s.logger.Info().Str("new_username", s.pending).Msg("username changed")
			s.username, s.pending = s.pending, ""
		case f.Text == wire.TextUsernameTaken, f.Text == wire.TextInvalidUsername:
			s.pending = ""
		}
		s.mu.Unlock()
		return Event{Kind: EventWarning, Text: f.Text}, nil

	case wire.Delivered:
		delay := s.now().UnixMilli() - f.Timestamp
		if delay < 0 {
			delay = -delay
		}
		s.mu.Lock()
		s.delays = append(s.delays, delay)
		s.mu.Unlock()
		return Event{
			Kind:      EventMessage,
			From:      f.Sender,
			Text:      f.Payload,
			Timestamp: f.Timestamp,
			Delay:     time.Duration(delay) * time.Millisecond,
		}, nil

	default:
		return Event{}, fmt.Errorf("%w: unexpected frame", wire.ErrMalformedFrame)
	}
}

// Close reports collected delays to the relay and releases the socket.
// Calling it again returns the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		lost := s.readErr != nil
		samples := append([]int64(nil), s.delays...)
		s.mu.Unlock()

		if !lost {
			if err := s.write(wire.Closing{Samples: samples}); err != nil {
				s.logger.Debug().Err(err).Msg("failed to send closing frame")
			}
		}
		close(s.done)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
