package models

import (
	"errors"
	"strings"

	"courier/internal/wire"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrReservedName = errors.New("username is reserved")
	ErrInvalidName  = errors.New("invalid username")
	ErrNameInUse    = errors.New("username is taken")
	ErrUnknownUser  = errors.New("unknown username")
)

// ReservedNames are protocol control tags and can never be registered.
var ReservedNames = []string{wire.TagRename, wire.TagWarning, wire.TagRobot}

// State of a server-side connection.
type State int

const (
	StateAwake State = iota
	StateAsleep
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateAsleep:
		return "asleep"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Message is a direct message travelling through the relay.
type Message struct {
	Sender    string
	Recipient string
	Timestamp int64 // Unix milliseconds, as stamped by the sending client
	Payload   string
}

// DirectoryEntry is a point-in-time view of one registered username.
type DirectoryEntry struct {
	Username string `json:"username"`
	State    State  `json:"state"`
	Queued   int    `json:"queued"`
}

// DelaySample is a one-way delay measured by a client and reported on close.
type DelaySample struct {
	Username    string
	DelayMillis int64
	RecordedAt  int64 // Unix milliseconds
}

func IsReserved(username string) bool {
	for _, r := range ReservedNames {
		if username == r {
			return true
		}
	}
	return false
}

// ValidateUsername checks that a name can be registered or renamed to.
func ValidateUsername(username string) error {
	if IsReserved(username) {
		return ErrReservedName
	}
	if username == "" || strings.TrimSpace(username) != username {
		return ErrInvalidName
	}
	// A name containing the delimiter would be split apart on the wire, and
	// "closing" is indistinguishable from a close request.
	if strings.Contains(username, wire.Delimiter) || username == wire.TagClosing {
		return ErrInvalidName
	}
	return nil
}
