package relay

import (
	"context"
	"errors"
	"sync"

	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/wire"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport carries frame payloads to and from one client socket.
type Transport interface {
	ReadFrame() (string, error)
	WriteFrame(payload string) error
	Close() error
}

// router is the part of the Directory a connection routes through.
type router interface {
	Lookup(username string) (*Connection, bool)
	Rename(oldName, newName string) error
	RandomUsername(exclude string) (string, bool)
}

var errClosedByPeer = errors.New("client closed the connection")

type inbound struct {
	payload string
	err     error
}

// Connection is the server side of one registered username. It outlives any
// single socket: while asleep it keeps accepting messages into its queue and
// waits for the Directory to hand it a new transport.
type Connection struct {
	id      string
	router  router
	delays  DelayRecorder
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	username  string
	state     models.State
	transport Transport
	session   string
	queue     []models.Message

	wakeCh   chan struct{}
	notifyCh chan struct{}
}

func newConnection(username string, tr Transport, d *Directory) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:        id,
		router:    d,
		delays:    d.delays,
		metrics:   d.metrics,
		logger:    d.base.With().Str("component", "connection").Str("connection", id).Logger(),
		username:  username,
		state:     models.StateAwake,
		transport: tr,
		session:   uuid.NewString(),
		wakeCh:    make(chan struct{}, 1),
		notifyCh:  make(chan struct{}, 1),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Connection) State() models.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Queued reports how many messages wait for delivery.
func (c *Connection) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Connection) setUsername(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
}

// wake rebinds a sleeping connection to tr. Only the Directory calls it,
// under its lock.
func (c *Connection) wake(tr Transport) error {
	c.mu.Lock()
	if c.state == models.StateAwake {
		c.mu.Unlock()
		return models.ErrNameInUse
	}
	c.transport = tr
	c.state = models.StateAwake
	c.session = uuid.NewString()
	c.mu.Unlock()

	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Enqueue appends msg to the outbound queue and reports whether the
// connection was awake at that moment.
func (c *Connection) Enqueue(msg models.Message) bool {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	awake := c.state == models.StateAwake
	c.mu.Unlock()

	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
	return awake
}

func (c *Connection) peek() (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return models.Message{}, false
	}
	return c.queue[0], true
}

// pop removes the queue head. Only the worker pops, so the head is the
// message it just peeked.
func (c *Connection) pop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue[0] = models.Message{}
	c.queue = c.queue[1:]
}

// Run is the connection's worker. It serves the current transport while
// awake, blocks while asleep, and returns only when ctx is done.
func (c *Connection) Run(ctx context.Context) {
	for {
		tr, session, ok := c.awaitTransport(ctx)
		if !ok {
			return
		}

		err := c.serve(ctx, tr, session)
		c.sleep(tr, session, err)

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Connection) awaitTransport(ctx context.Context) (Transport, string, bool) {
	for {
		c.mu.Lock()
		state, tr, session := c.state, c.transport, c.session
		c.mu.Unlock()

		if state == models.StateAwake {
			return tr, session, true
		}

		select {
		case <-c.wakeCh:
		case <-ctx.Done():
			return nil, "", false
		}
	}
}

func (c *Connection) sleep(tr Transport, session string, cause error) {
	c.mu.Lock()
	if c.transport == tr {
		c.transport = nil
		c.state = models.StateAsleep
	}
	username, queued := c.username, len(c.queue)
	c.mu.Unlock()

	if err := tr.Close(); err != nil {
		c.logger.Debug().Err(err).Str("session", session).Msg("error closing transport")
	}
	c.metrics.Slept()

	event := c.logger.Info()
	if !errors.Is(cause, errClosedByPeer) && !errors.Is(cause, context.Canceled) {
		event = c.logger.Warn().Err(cause)
	}
	event.Str("username", username).Str("session", session).Int("queued", queued).Msg("connection asleep")
}

// serve runs one awake period on tr. It returns the reason the period ended.
func (c *Connection) serve(ctx context.Context, tr Transport, session string) error {
	frames := make(chan inbound)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			payload, err := tr.ReadFrame()
			// A malformed frame was read in full, so the stream is still in sync.
			if err != nil && !errors.Is(err, wire.ErrMalformedFrame) {
				readErr <- err
				return
			}
			select {
			case frames <- inbound{payload: payload, err: err}:
			case <-done:
				return
			}
		}
	}()

	c.logger.Info().Str("username", c.Username()).Str("session", session).Msg("connection awake")

	for {
		if err := c.flush(tr); err != nil {
			return err
		}

		select {
		case in := <-frames:
			if in.err != nil {
				if err := c.rejectFrame(tr, in.err); err != nil {
					return err
				}
				continue
			}
			if err := c.dispatch(tr, in.payload); err != nil {
				return err
			}
		case err := <-readErr:
			return err
		case <-c.notifyCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flush writes queued messages in order. A message leaves the queue only
// after it was written.
func (c *Connection) flush(tr Transport) error {
	for {
		msg, ok := c.peek()
		if !ok {
			return nil
		}

		frame := wire.Delivered{Sender: msg.Sender, Timestamp: msg.Timestamp, Payload: msg.Payload}
		err := tr.WriteFrame(wire.Format(frame))
		switch {
		case errors.Is(err, wire.ErrFrameTooLarge):
			c.logger.Error().Err(err).Str("sender", msg.Sender).Msg("dropping message that cannot be framed")
		case err != nil:
			return err
		default:
			c.metrics.Written()
		}
		c.pop()
	}
}

func (c *Connection) dispatch(tr Transport, payload string) error {
	frame, err := wire.ParseClient(payload)
	if err != nil {
		return c.rejectFrame(tr, err)
	}

	switch f := frame.(type) {
	case wire.Direct:
		return c.route(tr, f.Recipient, f.Timestamp, f.Payload)
	case wire.Robot:
		// Only this worker renames c, so the name cannot change under us.
		target, ok := c.router.RandomUsername(c.Username())
		if !ok {
			c.metrics.Routed(metrics.RouteUnknownRecipient)
			return c.reply(tr, wire.TextNoOtherUsers)
		}
		return c.route(tr, target, f.Timestamp, f.Payload)
	case wire.Rename:
		return c.rename(tr, f)
	case wire.Closing:
		c.recordDelays(f.Samples)
		return errClosedByPeer
	default:
		c.metrics.Malformed()
		return c.reply(tr, wire.TextMalformed)
	}
}

func (c *Connection) rejectFrame(tr Transport, cause error) error {
	c.metrics.Malformed()
	c.logger.Warn().Err(cause).Str("username", c.Username()).Msg("rejected frame")
	return c.reply(tr, wire.TextMalformed)
}

func (c *Connection) route(tr Transport, recipient string, timestamp int64, payload string) error {
	dest, ok := c.router.Lookup(recipient)
	if !ok {
		c.metrics.Routed(metrics.RouteUnknownRecipient)
		return c.reply(tr, wire.TextUnknownRecipient(recipient))
	}

	sender := c.Username()
	awake := dest.Enqueue(models.Message{
		Sender:    sender,
		Recipient: recipient,
		Timestamp: timestamp,
		Payload:   payload,
	})

	c.logger.Debug().Str("username", sender).Str("recipient", recipient).Bool("recipient_awake", awake).Msg("routed")

	if awake {
		c.metrics.Routed(metrics.RouteDelivered)
		return c.reply(tr, wire.TextDelivered(recipient))
	}
	c.metrics.Routed(metrics.RouteQueued)
	return c.reply(tr, wire.TextQueued(recipient))
}

func (c *Connection) rename(tr Transport, f wire.Rename) error {
	var err error
	if f.OldName != c.Username() {
		err = models.ErrUnknownUser
	} else {
		err = c.router.Rename(f.OldName, f.NewName)
	}

	switch {
	case err == nil:
		c.metrics.Rename("ok")
		return c.reply(tr, wire.TextRenamed)
	case errors.Is(err, models.ErrNameInUse):
		c.metrics.Rename("taken")
		return c.reply(tr, wire.TextUsernameTaken)
	default:
		c.metrics.Rename("invalid")
		c.logger.Info().Err(err).Str("from", f.OldName).Str("to", f.NewName).Msg("rename rejected")
		return c.reply(tr, wire.TextInvalidUsername)
	}
}

func (c *Connection) recordDelays(samples []int64) {
	if c.delays == nil || len(samples) == 0 {
		return
	}
	if err := c.delays.AppendDelays(c.Username(), samples); err != nil {
		c.logger.Error().Err(err).Msg("failed to record delay samples")
	}
}

func (c *Connection) reply(tr Transport, text string) error {
	err := tr.WriteFrame(wire.Format(wire.NewWarning(text)))
	if errors.Is(err, wire.ErrFrameTooLarge) {
		// Only an absurdly long recipient name gets here; the socket is fine.
		c.logger.Warn().Err(err).Msg("dropping oversized reply")
		return nil
	}
	return err
}
