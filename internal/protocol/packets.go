// Package protocol implements the message buffer and wire constants shared
// by both ends of a legacy game network channel. All multi-byte fields are
// little-endian and byte aligned.
package protocol

// Buffer and history limits.
const (
	// MaxMsgLen is the largest payload a single packet may carry.
	MaxMsgLen = 16384

	// MaxStringChars bounds every NUL-terminated string, terminator included.
	MaxStringChars = 1024

	// MaxReliableCommands is the capacity of each reliable command history.
	// It must stay a power of two.
	MaxReliableCommands = 256

	// MaxBinaryMessage is the largest sideband payload that may be queued.
	MaxBinaryMessage = 32768
)

// Transport header layout.
const (
	// SequenceSize is the size of the leading connection sequence field.
	SequenceSize = 4

	// QPortSize is the size of the qport field on client to server packets.
	QPortSize = 2

	// PacketHeader is the largest transport header (sequence, qport and
	// fragment start/length).
	PacketHeader = 10

	// FragmentBit marks a fragmented packet in the sequence field.
	FragmentBit uint32 = 1 << 31

	// ConnectionlessSequence marks an out-of-band packet.
	ConnectionlessSequence uint32 = 0xFFFFFFFF
)

// Client to server opcodes.
const (
	ClcBad byte = iota
	ClcNop
	ClcMove
	ClcMoveNoDelta
	ClcClientCommand
	ClcEOF
)

// Server to client opcodes.
const (
	SvcBad byte = iota
	SvcNop
	SvcGamestate
	SvcConfigstring
	SvcBaseline
	SvcServerCommand
	SvcDownload
	SvcSnapshot
	SvcEOF
)

// Connectionless commands used by the handshake.
const (
	CmdGetChallenge      = "getchallenge"
	CmdChallengeResponse = "challengeResponse"
	CmdConnect           = "connect"
	CmdConnectResponse   = "connectResponse"
	CmdDisconnect        = "disconnect"
)
