package netchan

import (
	"errors"
	"fmt"

	"github.com/energizer-project/netchan/internal/protocol"
)

// ErrBinaryMessageTooLarge is returned when a sideband payload exceeds
// MaxBinaryMessage.
var ErrBinaryMessageTooLarge = errors.New("binary message too large")

// BinaryStatus reports what happened to the queued sideband payload.
type BinaryStatus int

const (
	BinaryNotQueued BinaryStatus = iota
	BinaryQueued
	BinaryOverflowed
)

var binaryStatusStrings = map[BinaryStatus]string{
	BinaryNotQueued:  "not_queued",
	BinaryQueued:     "queued",
	BinaryOverflowed: "overflowed",
}

// String returns the string representation of BinaryStatus.
func (s BinaryStatus) String() string {
	if str, ok := binaryStatusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes BinaryStatus as a JSON string.
func (s BinaryStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Sideband holds at most one small binary payload waiting to ride along
// with the next outgoing packet. A payload that does not fit is dropped
// and the overflow flag stays set until a later payload goes out.
type Sideband struct {
	pending    []byte
	overflowed bool
}

// Queue replaces the pending payload with a copy of data.
func (s *Sideband) Queue(data []byte) error {
	if len(data) > protocol.MaxBinaryMessage {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrBinaryMessageTooLarge, len(data), protocol.MaxBinaryMessage)
	}
	s.pending = append([]byte(nil), data...)
	return nil
}

// Pending returns the number of bytes waiting to be sent.
func (s *Sideband) Pending() int {
	return len(s.pending)
}

// Overflowed reports whether a payload was dropped since the last one
// that was delivered.
func (s *Sideband) Overflowed() bool {
	return s.overflowed
}

// Status returns the sideband queue state.
func (s *Sideband) Status() BinaryStatus {
	switch {
	case s.overflowed:
		return BinaryOverflowed
	case len(s.pending) > 0:
		return BinaryQueued
	default:
		return BinaryNotQueued
	}
}

// WriteTo appends the pending payload to msg, uncompressed, if it fits
// under msg.MaxSize. Otherwise the payload is discarded and the overflow
// flag is set. It returns the number of bytes written and false when the
// payload was dropped.
func (s *Sideband) WriteTo(msg *protocol.Msg) (int, bool) {
	if len(s.pending) == 0 {
		return 0, true
	}
	n := len(s.pending)
	if msg.Len()+n >= msg.MaxSize {
		s.pending = nil
		s.overflowed = true
		return 0, false
	}
	msg.WriteData(s.pending)
	s.pending = nil
	s.overflowed = false
	return n, true
}
