package protocol

import (
	"encoding/binary"
	"fmt"
)

// Msg is a single packet buffer. It is owned by one transmit or receive
// call and never retained afterwards.
type Msg struct {
	Data      []byte
	MaxSize   int
	ReadCount int

	// OOB marks a connectionless packet, which bypasses obfuscation.
	OOB bool

	// Overflowed is set when a write did not fit within MaxSize.
	Overflowed bool

	err error
}

// NewMsg creates an empty message that can grow up to maxSize bytes.
func NewMsg(maxSize int) *Msg {
	return &Msg{
		Data:    make([]byte, 0, maxSize),
		MaxSize: maxSize,
	}
}

// NewMsgFrom wraps received bytes for reading. The slice is not copied.
func NewMsgFrom(data []byte) *Msg {
	return &Msg{
		Data:    data,
		MaxSize: max(len(data), MaxMsgLen),
	}
}

// Reset clears the message for reuse.
func (m *Msg) Reset() {
	m.Data = m.Data[:0]
	m.ReadCount = 0
	m.OOB = false
	m.Overflowed = false
	m.err = nil
}

// Len returns the current size of the message.
func (m *Msg) Len() int {
	return len(m.Data)
}

// Bytes returns the message contents.
func (m *Msg) Bytes() []byte {
	return m.Data
}

func (m *Msg) grow(n int) ([]byte, bool) {
	if len(m.Data)+n > m.MaxSize {
		m.Overflowed = true
		return nil, false
	}
	start := len(m.Data)
	m.Data = append(m.Data, make([]byte, n)...)
	return m.Data[start:], true
}

// WriteByte appends a single byte.
func (m *Msg) WriteByte(v byte) error {
	b, ok := m.grow(1)
	if !ok {
		return ErrOverflow
	}
	b[0] = v
	return nil
}

// WriteShort appends a uint16 in little-endian order.
func (m *Msg) WriteShort(v uint16) {
	if b, ok := m.grow(2); ok {
		binary.LittleEndian.PutUint16(b, v)
	}
}

// WriteLong appends a uint32 in little-endian order.
func (m *Msg) WriteLong(v uint32) {
	if b, ok := m.grow(4); ok {
		binary.LittleEndian.PutUint32(b, v)
	}
}

// WriteData appends raw bytes.
func (m *Msg) WriteData(data []byte) {
	if b, ok := m.grow(len(data)); ok {
		copy(b, data)
	}
}

// WriteString appends a NUL-terminated string, truncated to fit
// MaxStringChars.
func (m *Msg) WriteString(s string) {
	data := []byte(s)
	if len(data) >= MaxStringChars {
		data = data[:MaxStringChars-1]
	}
	if b, ok := m.grow(len(data) + 1); ok {
		copy(b, data)
		b[len(data)] = 0
	}
}

// String returns a hex dump of the message for debugging.
func (m *Msg) String() string {
	return fmt.Sprintf("Msg[%d/%d bytes, read %d, oob %v]: %x", len(m.Data), m.MaxSize, m.ReadCount, m.OOB, m.Data)
}

// BuildConnectionless creates an out-of-band packet carrying a text command.
// Format: [0xFFFFFFFF:4][text bytes...]
func BuildConnectionless(text string) []byte {
	m := NewMsg(SequenceSize + len(text))
	m.WriteLong(ConnectionlessSequence)
	m.WriteData([]byte(text))
	return m.Bytes()
}
