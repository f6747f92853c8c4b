package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"time"
	"unicode/utf8"
)

// Delimiter separates fields inside a frame payload. Payload text that
// contains it is only safe in the final field of a frame.
const Delimiter = ":::"

// MaxFrameSize is the largest payload a single frame can carry.
const MaxFrameSize = math.MaxUint16

const headerSize = 2

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Join concatenates fields into a frame payload.
func Join(fields ...string) string {
	return strings.Join(fields, Delimiter)
}

// Split breaks a payload into at most n fields. With n > 0 the last field
// carries the unsplit remainder, so it may contain the delimiter.
// n < 0 returns every field.
func Split(payload string, n int) []string {
	return strings.SplitN(payload, Delimiter, n)
}

// Encode joins fields and prepends the big-endian length prefix.
func Encode(fields ...string) ([]byte, error) {
	payload := Join(fields...)
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decode validates a complete length-prefixed frame and splits its payload
// into at most n fields (see Split).
func Decode(frame []byte, n int) ([]string, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: missing length prefix", ErrMalformedFrame)
	}
	size := int(binary.BigEndian.Uint16(frame))
	if size != len(frame)-headerSize {
		return nil, fmt.Errorf("%w: prefix says %d bytes, got %d", ErrMalformedFrame, size, len(frame)-headerSize)
	}
	body := frame[headerSize:]
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedFrame)
	}
	return Split(string(body), n), nil
}

// ReadFrame reads exactly one frame from r and returns its payload.
func ReadFrame(r io.Reader) (string, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", err
	}

	body := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if !utf8.Valid(body) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedFrame)
	}
	return string(body), nil
}

// WriteFrame writes payload to w as a single frame.
func WriteFrame(w io.Writer, payload string) error {
	frame, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Conn carries frames over a stream socket. Reads and writes may run on
// different goroutines, but each direction must have a single user.
type Conn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// WithWriteTimeout bounds every WriteFrame call. A write that times out
// leaves the stream unusable; the caller must close the Conn.
func (c *Conn) WithWriteTimeout(d time.Duration) *Conn {
	c.writeTimeout = d
	return c
}

func (c *Conn) ReadFrame() (string, error) {
	return ReadFrame(c.reader)
}

func (c *Conn) WriteFrame(payload string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return WriteFrame(c.conn, payload)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
