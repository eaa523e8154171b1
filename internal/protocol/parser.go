package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

var (
	// ErrShortRead is reported when a read runs past the end of a message.
	ErrShortRead = errors.New("read past end of message")

	// ErrOverflow is reported when a write does not fit in a message.
	ErrOverflow = errors.New("message overflowed")
)

// Reader is a cursor over message bytes. Readers returned by Peek and
// PeekAt own a private copy of the cursor, so reading through them never
// moves the message's ReadCount.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// Peek returns a scoped reader positioned at the message's read cursor.
func (m *Msg) Peek() *Reader {
	return &Reader{data: m.Data, pos: m.ReadCount}
}

// PeekAt returns a scoped reader positioned at an absolute offset.
func (m *Msg) PeekAt(offset int) *Reader {
	return &Reader{data: m.Data, pos: offset}
}

// Pos returns the reader's absolute offset.
func (r *Reader) Pos() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.pos >= len(r.data) {
		return 0
	}
	return len(r.data) - r.pos
}

// Err returns the first read error, if any.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = ErrShortRead
		r.pos = len(r.data)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	b := r.take(1)
	if b == nil {
		return 0, r.err
	}
	return b[0], nil
}

// ReadShort reads a little-endian uint16. It returns 0 on a short read.
func (r *Reader) ReadShort() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadLong reads a little-endian uint32. It returns 0 on a short read.
func (r *Reader) ReadLong() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadString reads a NUL-terminated string. A missing terminator consumes
// the rest of the message. Strings are capped at MaxStringChars-1 bytes.
func (r *Reader) ReadString() string {
	if r.err != nil {
		return ""
	}
	rest := r.data[min(r.pos, len(r.data)):]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		r.pos = len(r.data)
		end = len(rest)
	} else {
		r.pos += end + 1
	}
	if end >= MaxStringChars {
		end = MaxStringChars - 1
	}
	return string(rest[:end])
}

// ReadData reads n raw bytes. The returned slice aliases the message.
func (r *Reader) ReadData(n int) []byte {
	return r.take(n)
}

// ---- Consuming reads on the message itself ----

func (m *Msg) commit(r *Reader) {
	m.ReadCount = r.pos
	if r.err != nil && m.err == nil {
		m.err = r.err
	}
}

// Err returns the first consuming read error, if any.
func (m *Msg) Err() error {
	return m.err
}

// Remaining returns the number of bytes after the read cursor.
func (m *Msg) Remaining() int {
	if m.ReadCount >= len(m.Data) {
		return 0
	}
	return len(m.Data) - m.ReadCount
}

// ReadByte consumes a single byte.
func (m *Msg) ReadByte() (byte, error) {
	r := m.Peek()
	r.err = m.err
	v, err := r.ReadByte()
	m.commit(r)
	return v, err
}

// ReadShort consumes a little-endian uint16.
func (m *Msg) ReadShort() uint16 {
	r := m.Peek()
	r.err = m.err
	v := r.ReadShort()
	m.commit(r)
	return v
}

// ReadLong consumes a little-endian uint32.
func (m *Msg) ReadLong() uint32 {
	r := m.Peek()
	r.err = m.err
	v := r.ReadLong()
	m.commit(r)
	return v
}

// ReadString consumes a NUL-terminated string.
func (m *Msg) ReadString() string {
	r := m.Peek()
	r.err = m.err
	v := r.ReadString()
	m.commit(r)
	return v
}

// ReadData consumes n raw bytes.
func (m *Msg) ReadData(n int) []byte {
	r := m.Peek()
	r.err = m.err
	v := r.ReadData(n)
	m.commit(r)
	return v
}

// ParseConnectionless splits an out-of-band packet into its command word
// and arguments. ok is false when data does not start with the
// connectionless marker.
func ParseConnectionless(data []byte) (cmd string, args []string, ok bool) {
	if len(data) < SequenceSize || binary.LittleEndian.Uint32(data) != ConnectionlessSequence {
		return "", nil, false
	}
	text := string(bytes.TrimRight(data[SequenceSize:], "\x00"))
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, true
	}
	return fields[0], fields[1:], true
}
