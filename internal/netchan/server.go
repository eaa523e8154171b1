package netchan

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/protocol"
)

// Fixed offsets of the obfuscated region on the server side.
const (
	// ServerEncodeStart follows the reliable ack the server writes first.
	ServerEncodeStart = 4

	// ServerDecodeStart follows session id, message ack and reliable ack,
	// counted from the transport's read cursor.
	ServerDecodeStart = 12
)

// ServerState is the server's view of one client connection. Like
// ClientState it belongs to a single goroutine.
type ServerState struct {
	Challenge uint32
	SessionID uint32

	// ReliableSequence is the last server command queued for this client
	// and ReliableAcknowledge the last one the client confirmed.
	ReliableSequence    uint32
	ReliableAcknowledge uint32

	// MessageAcknowledge is the last server packet the client saw.
	MessageAcknowledge uint32

	// ReliableCommands holds server commands sent to the client.
	ReliableCommands *History

	// LastClientCommand is the sequence of the newest client command
	// received and LastClientCommandString its text.
	LastClientCommand       uint32
	LastClientCommandString []byte

	Sideband Sideband

	logger zerolog.Logger
}

// NewServerState creates server-side state for a connecting client.
func NewServerState(challenge, sessionID uint32) *ServerState {
	return &ServerState{
		Challenge:        challenge,
		SessionID:        sessionID,
		ReliableCommands: newCommandHistory(),
		logger: log.With().
			Str("component", "netchan").
			Str("role", "server").
			Logger(),
	}
}

// Encode obfuscates an outgoing packet in place before the transport
// prefixes it with outgoingSequence. The reliable ack in the first four
// bytes stays readable; the key comes from the last client command, which
// the client still holds in its own history.
func (s *ServerState) Encode(msg *protocol.Msg, outgoingSequence uint32) {
	if msg.OOB || msg.Len() < ServerEncodeStart {
		return
	}

	ks := NewKeystream(s.Challenge^outgoingSequence, s.LastClientCommandString)
	ks.XORKeyStream(msg.Data, ServerEncodeStart)
}

// Decode restores an incoming client packet in place. msg.ReadCount must
// sit just past the transport header (sequence and qport).
func (s *ServerState) Decode(msg *protocol.Msg) {
	if msg.OOB {
		return
	}

	r := msg.Peek()
	sessionID := r.ReadLong()
	messageAck := r.ReadLong()
	reliableAck := r.ReadLong()
	if r.Err() != nil {
		return
	}

	ks := NewKeystream(s.Challenge^sessionID^messageAck, s.ReliableCommands.slot(reliableAck))
	ks.XORKeyStream(msg.Data, msg.ReadCount+ServerDecodeStart)
}

// AddReliableCommand queues a server command for this client.
func (s *ServerState) AddReliableCommand(text string) error {
	return addReliable(s.ReliableCommands, &s.ReliableSequence, s.ReliableAcknowledge, text)
}

// AcknowledgeReliable records the client's acknowledgement of server
// commands.
func (s *ServerState) AcknowledgeReliable(ack uint32) {
	s.ReliableAcknowledge = clampAcknowledge(s.ReliableSequence, ack)
}

// ReceiveClientCommand records a client command. It reports false for a
// duplicate and ErrLostReliableCommands when a sequence was skipped.
func (s *ServerState) ReceiveClientCommand(seq uint32, text string) (bool, error) {
	if seq <= s.LastClientCommand {
		return false, nil
	}
	if seq > s.LastClientCommand+1 {
		return false, ErrLostReliableCommands
	}
	s.LastClientCommand = seq
	s.LastClientCommandString = []byte(text)
	return true, nil
}

// Unacknowledged returns the server commands still awaiting the client.
func (s *ServerState) Unacknowledged() []Command {
	return unacknowledged(s.ReliableCommands, s.ReliableSequence, s.ReliableAcknowledge)
}
