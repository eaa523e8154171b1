package netchan

import (
	"encoding/binary"
	"fmt"

	"github.com/energizer-project/netchan/internal/protocol"
)

// Transport is the unreliable datagram layer underneath the channel. It
// owns sequence numbering and rejects stale, duplicate and out-of-band
// packets; this package only obfuscates what passes through it.
type Transport interface {
	// Transmit prefixes data with the transport header and sends it.
	Transmit(data []byte) error

	// Process validates a received packet and advances msg.ReadCount past
	// the transport header. It returns false if the packet must be
	// dropped.
	Process(msg *protocol.Msg) bool

	// OutgoingSequence is the sequence number the next Transmit will use.
	OutgoingSequence() uint32
}

// Message is the parsed plaintext of one packet.
type Message struct {
	// ReliableAcknowledge is the peer's acknowledgement of our commands.
	ReliableAcknowledge uint32

	// Commands holds the reliable commands seen for the first time.
	Commands []Command

	// Sideband is the binary payload trailing the end-of-message marker.
	Sideband []byte
}

// ---- Client ----

// WritePacket starts an outgoing packet: the readable header followed by
// as many unacknowledged reliable commands as fit. Commands that do not
// fit go out in a later packet, once the earlier ones are acknowledged.
func (c *ClientState) WritePacket() *protocol.Msg {
	msg := protocol.NewMsg(protocol.MaxMsgLen)
	msg.WriteLong(c.SessionID)
	msg.WriteLong(c.ServerMessageSequence)
	msg.WriteLong(c.ServerCommandSequence)

	cmds := c.Unacknowledged()
	if n := writeCommands(msg, protocol.ClcClientCommand, cmds); n < len(cmds) {
		c.logger.Debug().
			Int("written", n).
			Int("pending", len(cmds)).
			Msg("packet full, deferring reliable commands")
	}
	return msg
}

// Transmit terminates msg, attaches the pending sideband payload if it
// fits, encodes the packet and hands it to the transport.
func (c *ClientState) Transmit(t Transport, msg *protocol.Msg) error {
	if err := terminate(msg, protocol.ClcEOF); err != nil {
		return err
	}

	if _, ok := c.Sideband.WriteTo(msg); !ok {
		c.logger.Warn().
			Int("msg_len", msg.Len()).
			Msg("sideband message overflowed, dropped")
	}

	c.Encode(msg)
	if err := t.Transmit(msg.Bytes()); err != nil {
		return fmt.Errorf("failed to transmit packet: %w", err)
	}
	return nil
}

// Process runs a received packet through the transport and, if it is
// accepted, decodes it in place. It returns false without decoding when
// the transport rejects the packet.
func (c *ClientState) Process(t Transport, msg *protocol.Msg) bool {
	if !t.Process(msg) {
		return false
	}

	c.ServerMessageSequence = binary.LittleEndian.Uint32(msg.Data)
	c.Decode(msg)
	return true
}

// ParseServerMessage consumes a decoded server packet, updating the
// acknowledgement counters and storing new server commands.
//
// Format: [reliable_ack:4]([op:1][...])*[svc_eof:1][sideband...]
func (c *ClientState) ParseServerMessage(msg *protocol.Msg) (*Message, error) {
	m := &Message{ReliableAcknowledge: msg.ReadLong()}
	if msg.Err() != nil {
		return nil, fmt.Errorf("%w: missing reliable acknowledge", ErrIllegibleMessage)
	}
	c.AcknowledgeReliable(m.ReliableAcknowledge)

	for {
		op, err := msg.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: read past end of server message", ErrIllegibleMessage)
		}

		switch op {
		case protocol.SvcNop:
		case protocol.SvcServerCommand:
			seq := msg.ReadLong()
			text := msg.ReadString()
			if msg.Err() != nil {
				return nil, fmt.Errorf("%w: truncated server command", ErrIllegibleMessage)
			}
			if c.ReceiveServerCommand(seq, text) {
				m.Commands = append(m.Commands, Command{Sequence: seq, Text: text})
			}
		case protocol.SvcEOF:
			m.Sideband = trailing(msg)
			return m, nil
		default:
			c.logger.Debug().
				Uint8("op", op).
				Int("offset", msg.ReadCount-1).
				Msg("illegible server message")
			return nil, fmt.Errorf("%w: bad command byte %d", ErrIllegibleMessage, op)
		}
	}
}

// ---- Server ----

// WritePacket starts an outgoing packet for this client: the readable
// reliable ack followed by as many unacknowledged server commands as fit.
func (s *ServerState) WritePacket() *protocol.Msg {
	msg := protocol.NewMsg(protocol.MaxMsgLen)
	msg.WriteLong(s.LastClientCommand)

	cmds := s.Unacknowledged()
	if n := writeCommands(msg, protocol.SvcServerCommand, cmds); n < len(cmds) {
		s.logger.Debug().
			Int("written", n).
			Int("pending", len(cmds)).
			Msg("packet full, deferring reliable commands")
	}
	return msg
}

// Transmit terminates msg, attaches the pending sideband payload if it
// fits, encodes the packet with the transport's next sequence and sends
// it.
func (s *ServerState) Transmit(t Transport, msg *protocol.Msg) error {
	if err := terminate(msg, protocol.SvcEOF); err != nil {
		return err
	}

	if _, ok := s.Sideband.WriteTo(msg); !ok {
		s.logger.Warn().
			Int("msg_len", msg.Len()).
			Msg("sideband message overflowed, dropped")
	}

	s.Encode(msg, t.OutgoingSequence())
	if err := t.Transmit(msg.Bytes()); err != nil {
		return fmt.Errorf("failed to transmit packet: %w", err)
	}
	return nil
}

// Process runs a received packet through the transport and decodes it in
// place if it is accepted.
func (s *ServerState) Process(t Transport, msg *protocol.Msg) bool {
	if !t.Process(msg) {
		return false
	}

	s.Decode(msg)
	return true
}

// ParseClientMessage consumes a decoded client packet.
//
// Format: [session_id:4][message_ack:4][reliable_ack:4]([op:1][...])*
// [clc_eof:1][sideband...]
func (s *ServerState) ParseClientMessage(msg *protocol.Msg) (*Message, error) {
	sessionID := msg.ReadLong()
	messageAck := msg.ReadLong()
	reliableAck := msg.ReadLong()
	if msg.Err() != nil {
		return nil, fmt.Errorf("%w: short client header", ErrIllegibleMessage)
	}
	if sessionID != s.SessionID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSessionMismatch, sessionID, s.SessionID)
	}

	s.MessageAcknowledge = messageAck
	s.AcknowledgeReliable(reliableAck)
	m := &Message{ReliableAcknowledge: s.ReliableAcknowledge}

	for {
		op, err := msg.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: read past end of client message", ErrIllegibleMessage)
		}

		switch op {
		case protocol.ClcNop:
		case protocol.ClcClientCommand:
			seq := msg.ReadLong()
			text := msg.ReadString()
			if msg.Err() != nil {
				return nil, fmt.Errorf("%w: truncated client command", ErrIllegibleMessage)
			}
			fresh, err := s.ReceiveClientCommand(seq, text)
			if err != nil {
				return nil, fmt.Errorf("client command %d after %d: %w", seq, s.LastClientCommand, err)
			}
			if fresh {
				m.Commands = append(m.Commands, Command{Sequence: seq, Text: text})
			}
		case protocol.ClcEOF:
			m.Sideband = trailing(msg)
			return m, nil
		default:
			s.logger.Debug().
				Uint8("op", op).
				Int("offset", msg.ReadCount-1).
				Msg("illegible client message")
			return nil, fmt.Errorf("%w: bad command byte %d", ErrIllegibleMessage, op)
		}
	}
}

// writeCommands appends commands in order for as long as each one still
// leaves room for the end-of-message byte, and returns how many it wrote.
// Stopping early keeps sequences contiguous for the receiver.
func writeCommands(msg *protocol.Msg, op byte, cmds []Command) int {
	for i, cmd := range cmds {
		text := min(len(cmd.Text), protocol.MaxStringChars-1)
		// op, sequence, text, NUL, then the end-of-message byte.
		if msg.Len()+1+4+text+1+1 > msg.MaxSize {
			return i
		}
		msg.WriteByte(op)
		msg.WriteLong(cmd.Sequence)
		msg.WriteString(cmd.Text)
	}
	return len(cmds)
}

// terminate writes the end-of-message byte. A message that overflowed
// while it was composed would reach the peer truncated, so it is refused
// instead of sent.
func terminate(msg *protocol.Msg, eof byte) error {
	msg.WriteByte(eof)
	if msg.Overflowed {
		return fmt.Errorf("%w: %d of %d bytes", protocol.ErrOverflow, msg.Len(), msg.MaxSize)
	}
	return nil
}

// trailing copies whatever follows the read cursor.
func trailing(msg *protocol.Msg) []byte {
	if msg.Remaining() == 0 {
		return nil
	}
	return append([]byte(nil), msg.ReadData(msg.Remaining())...)
}
