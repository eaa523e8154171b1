package netchan

import (
	"encoding/binary"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/protocol"
)

// Fixed offsets of the obfuscated region on the client side.
const (
	// ClientEncodeStart follows session id, message ack and reliable ack.
	ClientEncodeStart = 12

	// ClientDecodeStart follows the server's reliable ack, counted from the
	// transport's read cursor.
	ClientDecodeStart = 4
)

// ClientState is the client's half of a connection. It is owned by the
// goroutine driving the connection and must not be shared; a torn update
// desynchronizes every later packet.
type ClientState struct {
	// Challenge is fixed by the handshake for the life of the connection.
	Challenge uint32

	// SessionID is the server-supplied session value echoed in every
	// outgoing header.
	SessionID uint32

	// ReliableSequence is the last reliable command we queued and
	// ReliableAcknowledge the last one the server confirmed.
	ReliableSequence    uint32
	ReliableAcknowledge uint32

	// ServerMessageSequence is the transport sequence of the last packet
	// received; ServerCommandSequence the last server command stored.
	ServerMessageSequence uint32
	ServerCommandSequence uint32

	// ReliableCommands holds commands we sent, ServerCommands commands we
	// received. Both are sanitized in place when used as key material.
	ReliableCommands *History
	ServerCommands   *History

	Sideband Sideband

	logger zerolog.Logger
}

// NewClientState creates connection state for a freshly negotiated
// challenge and session.
func NewClientState(challenge, sessionID uint32) *ClientState {
	return &ClientState{
		Challenge:        challenge,
		SessionID:        sessionID,
		ReliableCommands: newCommandHistory(),
		ServerCommands:   newCommandHistory(),
		logger: log.With().
			Str("component", "netchan").
			Str("role", "client").
			Logger(),
	}
}

// Encode obfuscates an outgoing packet in place.
//
// The first 12 bytes stay readable:
//
//	[session_id:4][message_ack:4][reliable_ack:4][payload...]
//
// The key comes from the server command we are acknowledging, which the
// server still has in its own history. Packets of 12 bytes or less and
// out-of-band packets are left alone.
func (c *ClientState) Encode(msg *protocol.Msg) {
	if msg.OOB || msg.Len() <= ClientEncodeStart {
		return
	}

	r := msg.PeekAt(0)
	sessionID := r.ReadLong()
	messageAck := r.ReadLong()
	reliableAck := r.ReadLong()

	ks := NewKeystream(c.Challenge^sessionID^messageAck, c.ServerCommands.slot(reliableAck))
	ks.XORKeyStream(msg.Data, ClientEncodeStart)
}

// Decode restores an incoming packet in place. msg.ReadCount must sit just
// past the transport header, where the server wrote its reliable ack:
//
//	[sequence:4][reliable_ack:4][payload...]
//
// The key comes from our own command the server is acknowledging, seeded
// with the transport sequence so every packet differs. The read cursor and
// out-of-band flag are not modified.
func (c *ClientState) Decode(msg *protocol.Msg) {
	if msg.OOB || msg.Len() < protocol.SequenceSize {
		return
	}

	r := msg.Peek()
	reliableAck := r.ReadLong()
	if r.Err() != nil {
		return
	}

	seed := c.Challenge ^ binary.LittleEndian.Uint32(msg.Data)
	ks := NewKeystream(seed, c.ReliableCommands.slot(reliableAck))
	ks.XORKeyStream(msg.Data, msg.ReadCount+ClientDecodeStart)
}

// AddReliableCommand queues a command for guaranteed delivery. It is sent
// with every packet until the server acknowledges it.
func (c *ClientState) AddReliableCommand(text string) error {
	return addReliable(c.ReliableCommands, &c.ReliableSequence, c.ReliableAcknowledge, text)
}

// AcknowledgeReliable records the server's acknowledgement of our commands.
func (c *ClientState) AcknowledgeReliable(ack uint32) {
	c.ReliableAcknowledge = clampAcknowledge(c.ReliableSequence, ack)
}

// ReceiveServerCommand stores a server command. Sequences at or below the
// last one stored are duplicates and are ignored.
func (c *ClientState) ReceiveServerCommand(seq uint32, text string) bool {
	if seq <= c.ServerCommandSequence {
		return false
	}
	c.ServerCommandSequence = seq
	c.ServerCommands.Append(seq, text)
	return true
}

// Unacknowledged returns the reliable commands still awaiting the server.
func (c *ClientState) Unacknowledged() []Command {
	return unacknowledged(c.ReliableCommands, c.ReliableSequence, c.ReliableAcknowledge)
}
