package netchan

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netchan/internal/protocol"
)

const (
	testChallenge uint32 = 0x11223344
	testSession   uint32 = 0x55667788
	testQPort     uint16 = 27911
)

// memTransport frames packets the way the UDP channel does and keeps them
// in memory. A client transport writes a qport; a server transport
// expects one.
type memTransport struct {
	client   bool
	outgoing uint32
	incoming uint32
	sent     [][]byte
}

func newMemTransport(client bool) *memTransport {
	return &memTransport{client: client, outgoing: 1}
}

func (t *memTransport) Transmit(data []byte) error {
	m := protocol.NewMsg(protocol.PacketHeader + len(data))
	m.WriteLong(t.outgoing)
	if t.client {
		m.WriteShort(testQPort)
	}
	m.WriteData(data)
	t.sent = append(t.sent, m.Bytes())
	t.outgoing++
	return nil
}

func (t *memTransport) Process(msg *protocol.Msg) bool {
	msg.ReadCount = 0
	seq := msg.ReadLong()
	if seq == protocol.ConnectionlessSequence {
		msg.OOB = true
		return false
	}
	if !t.client {
		msg.ReadShort()
	}
	if msg.Err() != nil || seq <= t.incoming {
		return false
	}
	t.incoming = seq
	return true
}

func (t *memTransport) OutgoingSequence() uint32 {
	return t.outgoing
}

// last returns a copy of the newest packet so that decoding it in place
// does not alter what was sent.
func (t *memTransport) last() *protocol.Msg {
	return protocol.NewMsgFrom(append([]byte(nil), t.sent[len(t.sent)-1]...))
}

type pair struct {
	client    *ClientState
	server    *ServerState
	clientNet *memTransport
	serverNet *memTransport
}

func newPair() *pair {
	return &pair{
		client:    NewClientState(testChallenge, testSession),
		server:    NewServerState(testChallenge, testSession),
		clientNet: newMemTransport(true),
		serverNet: newMemTransport(false),
	}
}

func (p *pair) clientToServer(t *testing.T) *Message {
	t.Helper()
	require.NoError(t, p.client.Transmit(p.clientNet, p.client.WritePacket()))

	msg := p.clientNet.last()
	require.True(t, p.server.Process(p.serverNet, msg))
	m, err := p.server.ParseClientMessage(msg)
	require.NoError(t, err)
	return m
}

func (p *pair) serverToClient(t *testing.T) *Message {
	t.Helper()
	require.NoError(t, p.server.Transmit(p.serverNet, p.server.WritePacket()))

	msg := p.serverNet.last()
	require.True(t, p.client.Process(p.clientNet, msg))
	m, err := p.client.ParseServerMessage(msg)
	require.NoError(t, err)
	return m
}

func TestExchange(t *testing.T) {
	p := newPair()

	require.NoError(t, p.client.AddReliableCommand("say hello"))
	m := p.clientToServer(t)
	assert.Equal(t, []Command{{Sequence: 1, Text: "say hello"}}, m.Commands)
	assert.Equal(t, uint32(1), p.server.LastClientCommand)

	require.NoError(t, p.server.AddReliableCommand("print hi"))
	require.NoError(t, p.server.Sideband.Queue([]byte{1, 2, 3}))
	m = p.serverToClient(t)
	assert.Equal(t, uint32(1), m.ReliableAcknowledge)
	assert.Equal(t, uint32(1), p.client.ReliableAcknowledge)
	assert.Equal(t, []Command{{Sequence: 1, Text: "print hi"}}, m.Commands)
	assert.Equal(t, []byte{1, 2, 3}, m.Sideband)
	assert.Equal(t, BinaryNotQueued, p.server.Sideband.Status())

	// The next client packet is keyed on "print hi" and acknowledges it.
	m = p.clientToServer(t)
	assert.Empty(t, m.Commands)
	assert.Equal(t, uint32(1), p.server.ReliableAcknowledge)
	assert.Equal(t, uint32(1), p.server.MessageAcknowledge)
}

func TestExchangeAcrossHistoryWrap(t *testing.T) {
	p := newPair()

	rounds := 3*protocol.MaxReliableCommands + 7
	for i := 1; i <= rounds; i++ {
		require.NoError(t, p.client.AddReliableCommand(fmt.Sprintf("cmd %d %%x\xff", i)))
		m := p.clientToServer(t)
		require.Len(t, m.Commands, 1, "round %d", i)
		assert.Equal(t, uint32(i), m.Commands[0].Sequence)

		require.NoError(t, p.server.AddReliableCommand(fmt.Sprintf("srv %d", i)))
		m = p.serverToClient(t)
		require.Len(t, m.Commands, 1, "round %d", i)
		assert.Equal(t, fmt.Sprintf("srv %d", i), m.Commands[0].Text)
	}

	assert.Equal(t, uint32(rounds), p.client.ReliableAcknowledge)
	assert.Equal(t, uint32(rounds), p.client.ServerCommandSequence)
}

func TestRetransmittedCommandIsDeliveredOnce(t *testing.T) {
	p := newPair()
	require.NoError(t, p.client.AddReliableCommand("once"))

	assert.Len(t, p.clientToServer(t).Commands, 1)
	// No server packet in between, so the command is still unacknowledged.
	assert.Empty(t, p.clientToServer(t).Commands)
}

func TestObfuscatedRegion(t *testing.T) {
	p := newPair()
	require.NoError(t, p.client.AddReliableCommand("say hello"))
	require.NoError(t, p.client.Transmit(p.clientNet, p.client.WritePacket()))

	pkt := p.clientNet.sent[0]
	header := protocol.SequenceSize + protocol.QPortSize
	assert.Equal(t, testSession, binary.LittleEndian.Uint32(pkt[header:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(pkt[header+4:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(pkt[header+8:]))

	// With no server command yet the key stays at the seed's low byte.
	key := byte((testChallenge ^ testSession) & 0xFF)
	assert.Equal(t, protocol.ClcClientCommand^key, pkt[header+ClientEncodeStart])
}

func TestShortBuffersUntouched(t *testing.T) {
	c := NewClientState(testChallenge, testSession)
	s := NewServerState(testChallenge, testSession)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	msg := protocol.NewMsgFrom(append([]byte(nil), data...))
	c.Encode(msg)
	assert.Equal(t, data, msg.Data)

	msg = protocol.NewMsgFrom([]byte{1, 2, 3})
	s.Encode(msg, 1)
	assert.Equal(t, []byte{1, 2, 3}, msg.Data)

	msg = protocol.NewMsgFrom([]byte{1, 2})
	c.Decode(msg)
	assert.Equal(t, []byte{1, 2}, msg.Data)

	msg = protocol.NewMsgFrom(append([]byte(nil), data...))
	msg.ReadCount = 6
	s.Decode(msg)
	assert.Equal(t, data, msg.Data, "header incomplete after the read cursor")
}

func TestOutOfBandUntouched(t *testing.T) {
	c := NewClientState(testChallenge, testSession)
	data := protocol.BuildConnectionless("getchallenge and some more text")

	msg := protocol.NewMsgFrom(append([]byte(nil), data...))
	msg.OOB = true
	c.Encode(msg)
	c.Decode(msg)
	assert.Equal(t, data, msg.Data)

	assert.False(t, c.Process(newMemTransport(true), protocol.NewMsgFrom(data)))
}

func TestDecodeKeepsCursor(t *testing.T) {
	p := newPair()
	require.NoError(t, p.server.Transmit(p.serverNet, p.server.WritePacket()))

	msg := p.serverNet.last()
	require.True(t, p.clientNet.Process(msg))
	p.client.Decode(msg)
	assert.Equal(t, protocol.SequenceSize, msg.ReadCount)
	assert.False(t, msg.OOB)
}

func TestEncodeKeepsCursor(t *testing.T) {
	p := newPair()
	require.NoError(t, p.server.AddReliableCommand("print hi"))
	p.serverToClient(t)
	require.NoError(t, p.client.AddReliableCommand("say hello"))

	msg := p.client.WritePacket()
	msg.WriteByte(protocol.ClcEOF)
	msg.ReadCount = 5
	plain := append([]byte(nil), msg.Data...)

	p.client.Encode(msg)
	assert.Equal(t, 5, msg.ReadCount)
	assert.False(t, msg.OOB)
	assert.Equal(t, plain[:ClientEncodeStart], msg.Data[:ClientEncodeStart])
	assert.NotEqual(t, plain, msg.Data)
}

func TestFullPacketDefersCommands(t *testing.T) {
	p := newPair()

	long := func(i int) string { return fmt.Sprintf("say %02d %s", i, strings.Repeat("x", 993)) }
	for i := 0; i < 20; i++ {
		require.NoError(t, p.client.AddReliableCommand(long(i)))
		require.NoError(t, p.server.AddReliableCommand(long(i)))
	}

	// 16 commands of 1006 wire bytes fit in one packet; the rest wait for
	// the acknowledgement.
	m := p.clientToServer(t)
	require.Len(t, m.Commands, 16)
	assert.Equal(t, uint32(16), m.Commands[15].Sequence)
	assert.Equal(t, long(15), m.Commands[15].Text)

	m = p.serverToClient(t)
	require.Len(t, m.Commands, 16)
	assert.Equal(t, uint32(16), p.client.ReliableAcknowledge)

	m = p.clientToServer(t)
	require.Len(t, m.Commands, 4)
	assert.Equal(t, uint32(17), m.Commands[0].Sequence)
	assert.Equal(t, uint32(20), p.server.LastClientCommand)

	m = p.serverToClient(t)
	require.Len(t, m.Commands, 4)
	assert.Equal(t, uint32(20), p.client.ServerCommandSequence)
}

func TestOverflowedMessageIsNotSent(t *testing.T) {
	p := newPair()

	msg := p.client.WritePacket()
	msg.WriteData(make([]byte, msg.MaxSize))
	require.True(t, msg.Overflowed)

	err := p.client.Transmit(p.clientNet, msg)
	assert.ErrorIs(t, err, protocol.ErrOverflow)
	assert.Empty(t, p.clientNet.sent)

	msg = p.server.WritePacket()
	msg.WriteData(make([]byte, msg.MaxSize-msg.Len()))
	assert.ErrorIs(t, p.server.Transmit(p.serverNet, msg), protocol.ErrOverflow, "no room for the terminator")
	assert.Empty(t, p.serverNet.sent)
}

func TestRejectedPacketIsNotDecoded(t *testing.T) {
	p := newPair()
	require.NoError(t, p.server.Transmit(p.serverNet, p.server.WritePacket()))

	first := p.serverNet.last()
	require.True(t, p.client.Process(p.clientNet, first))

	dup := p.serverNet.last()
	before := append([]byte(nil), dup.Data...)
	assert.False(t, p.client.Process(p.clientNet, dup))
	assert.Equal(t, before, dup.Data)
}

func TestDesyncIsIllegible(t *testing.T) {
	p := newPair()
	require.NoError(t, p.client.AddReliableCommand("say hello"))
	p.clientToServer(t)

	// Corrupt the key material the client will decode with. The first
	// opcode then decodes as 0x05 ^ ('s' ^ 'x'), which is not an opcode.
	p.client.ReliableCommands.Append(1, "xay hello")

	require.NoError(t, p.server.AddReliableCommand("print hi"))
	require.NoError(t, p.server.Transmit(p.serverNet, p.server.WritePacket()))
	msg := p.serverNet.last()
	require.True(t, p.client.Process(p.clientNet, msg))

	_, err := p.client.ParseServerMessage(msg)
	assert.ErrorIs(t, err, ErrIllegibleMessage)
}

func TestTruncatedMessageIsIllegible(t *testing.T) {
	c := NewClientState(testChallenge, testSession)
	_, err := c.ParseServerMessage(protocol.NewMsgFrom([]byte{1, 0}))
	assert.ErrorIs(t, err, ErrIllegibleMessage)

	// Reliable ack followed by nothing: no end-of-message marker.
	_, err = c.ParseServerMessage(protocol.NewMsgFrom([]byte{0, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrIllegibleMessage)
}

func TestSessionMismatch(t *testing.T) {
	p := newPair()
	p.server.SessionID++

	require.NoError(t, p.client.Transmit(p.clientNet, p.client.WritePacket()))
	msg := p.clientNet.last()
	require.True(t, p.server.Process(p.serverNet, msg))

	_, err := p.server.ParseClientMessage(msg)
	assert.ErrorIs(t, err, ErrSessionMismatch)
}

func TestLostReliableCommands(t *testing.T) {
	s := NewServerState(testChallenge, testSession)

	fresh, err := s.ReceiveClientCommand(1, "a")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.ReceiveClientCommand(1, "a")
	require.NoError(t, err)
	assert.False(t, fresh)

	_, err = s.ReceiveClientCommand(3, "c")
	assert.ErrorIs(t, err, ErrLostReliableCommands)
	assert.Equal(t, uint32(1), s.LastClientCommand)
	assert.Equal(t, []byte("a"), s.LastClientCommandString)
}

func TestCommandOverflow(t *testing.T) {
	c := NewClientState(testChallenge, testSession)

	for i := 1; i < protocol.MaxReliableCommands; i++ {
		require.NoError(t, c.AddReliableCommand(fmt.Sprintf("c%d", i)), "command %d", i)
	}
	err := c.AddReliableCommand("one too many")
	assert.ErrorIs(t, err, ErrCommandOverflow)
	assert.Equal(t, uint32(protocol.MaxReliableCommands-1), c.ReliableSequence)
	assert.Equal(t, "c1", c.ReliableCommands.Lookup(1))

	c.AcknowledgeReliable(10)
	assert.NoError(t, c.AddReliableCommand("fits again"))
	assert.Len(t, c.Unacknowledged(), protocol.MaxReliableCommands-10)
}

func TestAcknowledgeClamp(t *testing.T) {
	s := NewServerState(testChallenge, testSession)
	require.NoError(t, s.AddReliableCommand("a"))
	require.NoError(t, s.AddReliableCommand("b"))

	s.AcknowledgeReliable(1)
	assert.Equal(t, uint32(1), s.ReliableAcknowledge)
	assert.Equal(t, []Command{{Sequence: 2, Text: "b"}}, s.Unacknowledged())

	// An ack for commands never sent resynchronizes.
	s.AcknowledgeReliable(40)
	assert.Equal(t, uint32(2), s.ReliableAcknowledge)
	assert.Empty(t, s.Unacknowledged())
}
