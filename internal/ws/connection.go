package ws

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"courier/internal/wire"

	"github.com/gorilla/websocket"
)

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Connection adapts a WebSocket to the relay's frame transport. Every
// WebSocket message carries exactly one frame payload; the message boundary
// replaces the length prefix used on TCP.
type Connection struct {
	ws           wsConnection
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

// NewConnection wraps ws. A positive writeTimeout bounds each WriteFrame.
func NewConnection(ws wsConnection, writeTimeout time.Duration) *Connection {
	return &Connection{ws: ws, writeTimeout: writeTimeout}
}

func (c *Connection) ReadFrame() (string, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: payload is not valid UTF-8", wire.ErrMalformedFrame)
		}
		return string(data), nil
	}
}

func (c *Connection) WriteFrame(payload string) error {
	if len(payload) > wire.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", wire.ErrFrameTooLarge, len(payload))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, []byte(payload))
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *Connection) Close() error {
	return c.ws.Close()
}
