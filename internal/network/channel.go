// Package network implements the datagram transport under the obfuscation
// layer and the client and server sessions that drive it over UDP.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/protocol"
)

// ErrPacketTooLarge is returned when a payload would need fragmenting.
var ErrPacketTooLarge = errors.New("packet exceeds maximum message length")

// Side selects which header fields a channel writes and expects.
type Side int

const (
	// SideClient writes a qport after the sequence and reads none.
	SideClient Side = iota
	// SideServer reads a qport after the sequence and writes none.
	SideServer
)

// String returns the role name used in logs and status.
func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// Channel is the sequenced datagram transport for one connection.
//
// Wire format: [sequence:4][qport:2, client to server only][payload...]
//
// It detects stale and duplicate packets, counts gaps as drops and rejects
// fragments and connectionless packets. It is driven by a single goroutine;
// only the counters are safe to read concurrently.
type Channel struct {
	conn   net.PacketConn
	remote net.Addr
	side   Side
	qport  uint16
	logger zerolog.Logger

	outgoingSequence uint32
	incomingSequence uint32

	// LastDrop records why the most recent packet was rejected.
	LastDrop events.DropReason

	dropped    atomic.Uint32
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	rejected   atomic.Uint64
}

// NewChannel creates a transport channel to remote over conn.
func NewChannel(conn net.PacketConn, remote net.Addr, side Side, qport uint16) *Channel {
	return &Channel{
		conn:             conn,
		remote:           remote,
		side:             side,
		qport:            qport,
		outgoingSequence: 1,
		logger: log.With().
			Str("component", "transport").
			Str("side", side.String()).
			Str("remote", remote.String()).
			Logger(),
	}
}

// Remote returns the peer address.
func (c *Channel) Remote() net.Addr {
	return c.remote
}

// QPort returns the client's qport.
func (c *Channel) QPort() uint16 {
	return c.qport
}

// OutgoingSequence returns the sequence the next Transmit will use.
func (c *Channel) OutgoingSequence() uint32 {
	return c.outgoingSequence
}

// IncomingSequence returns the sequence of the last accepted packet.
func (c *Channel) IncomingSequence() uint32 {
	return c.incomingSequence
}

// Frame builds the datagram for data without sending it or advancing the
// sequence.
func (c *Channel) Frame(data []byte) []byte {
	m := protocol.NewMsg(protocol.PacketHeader + len(data))
	m.WriteLong(c.outgoingSequence)
	if c.side == SideClient {
		m.WriteShort(c.qport)
	}
	m.WriteData(data)
	return m.Bytes()
}

// Transmit sends data as the next sequenced packet.
func (c *Channel) Transmit(data []byte) error {
	if len(data) > protocol.MaxMsgLen {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}

	packet := c.Frame(data)
	c.outgoingSequence++

	n, err := c.conn.WriteTo(packet, c.remote)
	if err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	c.packetsOut.Add(1)
	c.bytesOut.Add(uint64(n))
	return nil
}

// Process validates a received packet, consuming its transport header.
// It returns false for packets that must not be decoded, recording the
// reason in LastDrop.
func (c *Channel) Process(msg *protocol.Msg) bool {
	c.packetsIn.Add(1)
	c.bytesIn.Add(uint64(msg.Len()))

	msg.ReadCount = 0
	sequence := msg.ReadLong()
	if msg.Err() != nil {
		return c.reject(msg, sequence, events.DropTruncated)
	}

	if sequence == protocol.ConnectionlessSequence {
		msg.OOB = true
		return c.reject(msg, sequence, events.DropConnectionless)
	}

	if sequence&protocol.FragmentBit != 0 {
		return c.reject(msg, sequence, events.DropFragment)
	}

	if c.side == SideServer {
		qport := msg.ReadShort()
		if msg.Err() != nil {
			return c.reject(msg, sequence, events.DropTruncated)
		}
		if qport != c.qport {
			return c.reject(msg, sequence, events.DropForeign)
		}
	}

	if sequence <= c.incomingSequence {
		return c.reject(msg, sequence, events.DropOutOfOrder)
	}

	if gap := sequence - (c.incomingSequence + 1); gap > 0 {
		c.dropped.Add(gap)
		c.logger.Debug().
			Uint32("gap", gap).
			Uint32("sequence", sequence).
			Msg("dropped packets")
	}

	c.incomingSequence = sequence
	return true
}

func (c *Channel) reject(msg *protocol.Msg, sequence uint32, reason events.DropReason) bool {
	c.rejected.Add(1)
	c.LastDrop = reason
	c.logger.Debug().
		Uint32("sequence", sequence).
		Str("reason", reason.String()).
		Int("len", msg.Len()).
		Msg("packet rejected")
	return false
}

// SendConnectionless writes an out-of-band text command to the peer.
func (c *Channel) SendConnectionless(text string) error {
	return sendConnectionless(c.conn, c.remote, text)
}

func sendConnectionless(conn net.PacketConn, addr net.Addr, text string) error {
	if _, err := conn.WriteTo(protocol.BuildConnectionless(text), addr); err != nil {
		return fmt.Errorf("failed to send connectionless %q: %w", text, err)
	}
	return nil
}

// TransportStats is a snapshot of channel counters.
type TransportStats struct {
	OutgoingSequence uint32 `json:"outgoing_sequence"`
	IncomingSequence uint32 `json:"incoming_sequence"`
	Dropped          uint32 `json:"dropped"`
	Rejected         uint64 `json:"rejected"`
	PacketsIn        uint64 `json:"packets_in"`
	PacketsOut       uint64 `json:"packets_out"`
	BytesIn          uint64 `json:"bytes_in"`
	BytesOut         uint64 `json:"bytes_out"`
}

// Stats returns the current counters. Sequences are only consistent when
// called from the goroutine driving the channel.
func (c *Channel) Stats() TransportStats {
	return TransportStats{
		OutgoingSequence: c.outgoingSequence,
		IncomingSequence: c.incomingSequence,
		Dropped:          c.dropped.Load(),
		Rejected:         c.rejected.Load(),
		PacketsIn:        c.packetsIn.Load(),
		PacketsOut:       c.packetsOut.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
	}
}

// isConnectionless reports whether a raw datagram is out-of-band.
func isConnectionless(data []byte) bool {
	return len(data) >= protocol.SequenceSize &&
		binary.LittleEndian.Uint32(data) == protocol.ConnectionlessSequence
}
