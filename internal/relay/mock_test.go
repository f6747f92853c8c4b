package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/wire"
)

type mockTransport struct {
	in     chan string // frames sent by the client
	inErr  chan error  // read errors returned instead of a frame
	out    chan string // frames written by the relay
	closed chan struct{}
	once   sync.Once

	failWrites atomic.Bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		in:     make(chan string, 10),
		inErr:  make(chan error, 10),
		out:    make(chan string, 10),
		closed: make(chan struct{}),
	}
}

func (m *mockTransport) ReadFrame() (string, error) {
	select {
	case payload := <-m.in:
		return payload, nil
	case err := <-m.inErr:
		return "", err
	case <-m.closed:
		return "", io.EOF
	}
}

func (m *mockTransport) WriteFrame(payload string) error {
	if len(payload) > wire.MaxFrameSize {
		return wire.ErrFrameTooLarge
	}
	if m.failWrites.Load() {
		return errors.New("broken pipe")
	}
	select {
	case m.out <- payload:
		return nil
	case <-m.closed:
		return errors.New("connection closed")
	}
}

func (m *mockTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockTransport) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

type delayCall struct {
	username string
	samples  []int64
}

type mockRecorder struct {
	calls chan delayCall
}

func (m *mockRecorder) AppendDelays(username string, samples []int64) error {
	m.calls <- delayCall{username: username, samples: samples}
	return nil
}

// register adds username to dir and runs its worker until the test ends.
func register(t *testing.T, dir *Directory, username string) (*Connection, *mockTransport) {
	t.Helper()

	tr := newMockTransport()
	conn, err := dir.Register(username, tr)
	if err != nil {
		t.Fatalf("Register(%q) failed: %v", username, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return conn, tr
}

func expectFrame(t *testing.T, tr *mockTransport, want string) {
	t.Helper()
	select {
	case got := <-tr.out:
		if got != want {
			t.Fatalf("expected frame %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for frame %q", want)
	}
}

func expectNoFrame(t *testing.T, tr *mockTransport) {
	t.Helper()
	select {
	case got := <-tr.out:
		t.Fatalf("unexpected frame %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func warning(text string) string {
	return wire.Format(wire.NewWarning(text))
}
