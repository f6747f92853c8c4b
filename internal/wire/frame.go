package wire

import (
	"fmt"
	"strconv"
)

// Control tags carried in the first field of a frame.
const (
	TagRename  = "username"
	TagWarning = "warning"
	TagRobot   = "robotuser"
	TagClosing = "closing"
)

// WarningCode is the only code the relay currently sends.
const WarningCode = "0"

// Reply texts sent in warning frames.
const (
	TextInvalidUsername = "Invalid username. Try again."
	TextUsernameTaken   = "Username is taken! Try again."
	TextRenamed         = "Successfully changed username."
	TextMalformed       = "Malformed frame. Try again."
	TextNoOtherUsers    = "No other users are registered. Try again later."
)

func TextDelivered(recipient string) string {
	return fmt.Sprintf("Message delivered to %s", recipient)
}

func TextQueued(recipient string) string {
	return fmt.Sprintf("%s is offline and will get your message when they wake up.", recipient)
}

func TextUnknownRecipient(recipient string) string {
	return fmt.Sprintf("%s does not exist!", recipient)
}

// Frame is one decoded protocol unit. The set of implementations is closed.
type Frame interface {
	Fields() []string
	isFrame()
}

// Login is the first frame on every new socket.
type Login struct {
	Username string
}

// Direct asks the relay to deliver Payload to Recipient.
type Direct struct {
	Recipient string
	Timestamp int64
	Payload   string
}

// Robot asks the relay to deliver Payload to a random registered user.
type Robot struct {
	Timestamp int64
	Payload   string
}

// Rename asks the relay to move OldName to NewName.
type Rename struct {
	OldName string
	NewName string
}

// Closing announces a graceful disconnect with optional delay samples in
// milliseconds.
type Closing struct {
	Samples []int64
}

// Delivered carries a relayed message to its recipient.
type Delivered struct {
	Sender    string
	Timestamp int64
	Payload   string
}

// Warning is an informational reply from the relay.
type Warning struct {
	Code string
	Text string
}

func (f Login) Fields() []string { return []string{f.Username} }

func (f Direct) Fields() []string {
	return []string{f.Recipient, formatTimestamp(f.Timestamp), f.Payload}
}

func (f Robot) Fields() []string {
	return []string{TagRobot, formatTimestamp(f.Timestamp), f.Payload}
}

func (f Rename) Fields() []string { return []string{TagRename, f.OldName, f.NewName} }

func (f Closing) Fields() []string {
	fields := make([]string, 0, len(f.Samples)+1)
	fields = append(fields, TagClosing)
	for _, s := range f.Samples {
		fields = append(fields, strconv.FormatInt(s, 10))
	}
	return fields
}

func (f Delivered) Fields() []string {
	return []string{f.Sender, formatTimestamp(f.Timestamp), f.Payload}
}

func (f Warning) Fields() []string {
	code := f.Code
	if code == "" {
		code = WarningCode
	}
	return []string{TagWarning, code, f.Text}
}

func (Login) isFrame()     {}
func (Direct) isFrame()    {}
func (Robot) isFrame()     {}
func (Rename) isFrame()    {}
func (Closing) isFrame()   {}
func (Delivered) isFrame() {}
func (Warning) isFrame()   {}

// Format renders a frame as its payload string.
func Format(f Frame) string {
	return Join(f.Fields()...)
}

// NewWarning builds a warning frame with the default code.
func NewWarning(text string) Warning {
	return Warning{Code: WarningCode, Text: text}
}

// ParseClient decodes a frame sent by a client after login.
func ParseClient(payload string) (Frame, error) {
	tag := Split(payload, 2)[0]

	switch tag {
	case TagRobot:
		fields := Split(payload, 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: robot frame needs a timestamp", ErrMalformedFrame)
		}
		ts, err := parseTimestamp(fields[1])
		if err != nil {
			return nil, err
		}
		return Robot{Timestamp: ts, Payload: optional(fields, 2)}, nil

	case TagRename:
		fields := Split(payload, 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: rename frame needs old and new names", ErrMalformedFrame)
		}
		return Rename{OldName: fields[1], NewName: fields[2]}, nil

	case TagClosing:
		fields := Split(payload, -1)
		samples := make([]int64, 0, len(fields)-1)
		for _, field := range fields[1:] {
			// Clients terminate the sample list with a trailing delimiter.
			if field == "" {
				continue
			}
			sample, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: delay sample %q", ErrMalformedFrame, field)
			}
			samples = append(samples, sample)
		}
		return Closing{Samples: samples}, nil

	default:
		fields := Split(payload, 3)
		if len(fields) < 2 || fields[0] == "" {
			return nil, fmt.Errorf("%w: direct frame needs recipient and timestamp", ErrMalformedFrame)
		}
		ts, err := parseTimestamp(fields[1])
		if err != nil {
			return nil, err
		}
		return Direct{Recipient: fields[0], Timestamp: ts, Payload: optional(fields, 2)}, nil
	}
}

// ParseServer decodes a frame sent by the relay to a client.
func ParseServer(payload string) (Frame, error) {
	fields := Split(payload, 3)
	if fields[0] == TagWarning {
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: warning frame needs code and text", ErrMalformedFrame)
		}
		return Warning{Code: fields[1], Text: fields[2]}, nil
	}

	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: delivered frame needs sender and timestamp", ErrMalformedFrame)
	}
	ts, err := parseTimestamp(fields[1])
	if err != nil {
		return nil, err
	}
	return Delivered{Sender: fields[0], Timestamp: ts, Payload: optional(fields, 2)}, nil
}

func parseTimestamp(field string) (int64, error) {
	ts, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp %q", ErrMalformedFrame, field)
	}
	return ts, nil
}

func formatTimestamp(ts int64) string {
	return strconv.FormatInt(ts, 10)
}

func optional(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
