package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/netchan"
	"github.com/energizer-project/netchan/internal/protocol"
)

// ClientConfig holds the settings for an outgoing connection.
type ClientConfig struct {
	ServerAddress    string
	QPort            uint16
	PacketInterval   time.Duration
	Timeout          time.Duration
	HandshakeRetries int
}

// Client is a connection to a remote server. Connect performs the
// connectionless handshake; Run then drives the channel until the context
// ends, the server disconnects or the stream becomes illegible.
type Client struct {
	mailbox
	statusBox

	cfg     ClientConfig
	emitter emitter
	logger  zerolog.Logger

	conn    *net.UDPConn
	remote  *net.UDPAddr
	channel *Channel
	state   *netchan.ClientState

	connectedAt       time.Time
	lastActivity      time.Time
	sidebandOverflows uint64
}

// NewClient creates a client for cfg.ServerAddress.
func NewClient(cfg ClientConfig, eventBus *events.EventBus) *Client {
	return &Client{
		mailbox: newMailbox(),
		cfg:     cfg,
		emitter: emitter{bus: eventBus, source: "client"},
		logger: log.With().
			Str("component", "client").
			Str("server", cfg.ServerAddress).
			Logger(),
	}
}

// ID returns the channel identifier, the server address.
func (c *Client) ID() string {
	return c.cfg.ServerAddress
}

// Endpoints returns the client itself.
func (c *Client) Endpoints() []Endpoint {
	return []Endpoint{c}
}

// Endpoint returns the client if id matches.
func (c *Client) Endpoint(id string) (Endpoint, bool) {
	if id != c.ID() {
		return nil, false
	}
	return c, true
}

// Connect resolves the server, requests a challenge and completes the
// connect exchange.
//
// Handshake (all out-of-band):
//
//	-> getchallenge
//	<- challengeResponse <challenge>
//	-> connect <challenge> <qport>
//	<- connectResponse <session_id>
func (c *Client) Connect(ctx context.Context) error {
	remote, err := net.ResolveUDPAddr("udp4", c.cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("failed to resolve server address %s: %w", c.cfg.ServerAddress, err)
	}
	c.remote = remote

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("failed to open client socket: %w", err)
	}
	c.conn = conn

	challengeArgs, err := c.request(ctx, protocol.CmdGetChallenge, protocol.CmdChallengeResponse)
	if err != nil {
		c.conn.Close()
		return err
	}
	challenge, err := parseUint32(challengeArgs)
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("%w: bad challenge: %v", ErrHandshakeFailed, err)
	}

	connectCmd := fmt.Sprintf("%s %d %d", protocol.CmdConnect, challenge, c.cfg.QPort)
	sessionArgs, err := c.request(ctx, connectCmd, protocol.CmdConnectResponse)
	if err != nil {
		c.conn.Close()
		return err
	}
	sessionID, err := parseUint32(sessionArgs)
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("%w: bad session id: %v", ErrHandshakeFailed, err)
	}

	c.state = netchan.NewClientState(challenge, sessionID)
	c.channel = NewChannel(c.conn, c.remote, SideClient, c.cfg.QPort)
	c.connectedAt = time.Now()
	c.lastActivity = c.connectedAt
	c.publishStatus(true)

	c.logger.Info().
		Uint32("challenge", challenge).
		Uint32("session_id", sessionID).
		Uint16("qport", c.cfg.QPort).
		Msg("connected")

	c.emitter.emit(ctx, events.EventChannelConnected, c.channelPayload(""))
	return nil
}

// request sends an out-of-band command and waits for the expected reply,
// resending once per second up to HandshakeRetries times.
func (c *Client) request(ctx context.Context, text, expect string) ([]string, error) {
	buf := make([]byte, protocol.MaxMsgLen)
	retries := max(c.cfg.HandshakeRetries, 1)

	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := sendConnectionless(c.conn, c.remote, text); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(time.Second)
		for {
			c.conn.SetReadDeadline(deadline)
			n, _, err := c.conn.ReadFromUDP(buf)
			if err != nil {
				break // deadline passed, resend
			}
			cmd, args, ok := protocol.ParseConnectionless(buf[:n])
			if ok && cmd == expect {
				c.conn.SetReadDeadline(time.Time{})
				return args, nil
			}
		}

		c.logger.Debug().
			Str("request", text).
			Int("attempt", attempt+1).
			Msg("no handshake response, retrying")
	}

	c.conn.SetReadDeadline(time.Time{})
	return nil, fmt.Errorf("%w: no %s after %d attempts", ErrHandshakeFailed, expect, retries)
}

// Run drives the connection. Connection state is only touched here.
func (c *Client) Run(ctx context.Context) error {
	if c.state == nil {
		return fmt.Errorf("client not connected")
	}
	defer c.conn.Close()

	packets := make(chan []byte, inboxSize)
	readErr := make(chan error, 1)
	go readLoop(c.conn, packets, readErr)

	ticker := time.NewTicker(c.cfg.PacketInterval)
	defer ticker.Stop()

	reason, err := c.loop(ctx, ticker.C, packets, readErr)
	c.publishStatus(false)

	c.channel.SendConnectionless(protocol.CmdDisconnect)
	c.emitter.emit(context.Background(), events.EventChannelDisconnected, c.channelPayload(reason))
	c.logger.Info().Str("reason", reason).Msg("disconnected")
	return err
}

func (c *Client) loop(ctx context.Context, tick <-chan time.Time, packets <-chan []byte, readErr <-chan error) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "shutdown", nil

		case err := <-readErr:
			return "socket closed", fmt.Errorf("client read failed: %w", err)

		case text := <-c.commands:
			if err := c.state.AddReliableCommand(text); err != nil {
				return "command overflow", err
			}

		case data := <-c.sideband:
			if err := c.state.Sideband.Queue(data); err != nil {
				c.logger.Warn().Err(err).Msg("sideband rejected")
			}

		case pkt := <-packets:
			if err := c.handlePacket(ctx, pkt); err != nil {
				return err.Error(), err
			}

		case <-tick:
			if time.Since(c.lastActivity) > c.cfg.Timeout {
				return "timeout", ErrTimeout
			}
			c.transmit(ctx)
		}

		c.publishStatus(true)
	}
}

func (c *Client) handlePacket(ctx context.Context, pkt []byte) error {
	if isConnectionless(pkt) {
		if cmd, _, _ := protocol.ParseConnectionless(pkt); cmd == protocol.CmdDisconnect {
			return ErrDisconnected
		}
		return nil // late handshake replies
	}

	msg := protocol.NewMsgFrom(pkt)
	if !c.state.Process(c.channel, msg) {
		c.emitter.emit(ctx, events.EventPacketDropped, events.PacketDroppedPayload{
			ChannelID: c.ID(),
			Sequence:  msg.PeekAt(0).ReadLong(),
			Reason:    c.channel.LastDrop,
		})
		return nil
	}
	c.lastActivity = time.Now()

	m, err := c.state.ParseServerMessage(msg)
	if err != nil {
		c.logger.Error().
			Err(err).
			Uint32("sequence", c.state.ServerMessageSequence).
			Msg("server message illegible, dropping connection")
		c.emitter.emit(ctx, events.EventDesync, events.DesyncPayload{
			ChannelID: c.ID(),
			Sequence:  c.state.ServerMessageSequence,
			Error:     err.Error(),
		})
		return err
	}

	c.emitter.commands(ctx, events.EventServerCommand, c.ID(), m.Commands)
	if len(m.Sideband) > 0 {
		c.emitter.emit(ctx, events.EventSidebandReceived, events.SidebandPayload{
			ChannelID: c.ID(),
			Length:    len(m.Sideband),
			Data:      m.Sideband,
		})
	}
	return nil
}

func (c *Client) transmit(ctx context.Context) {
	pending := c.state.Sideband.Pending()

	msg := c.state.WritePacket()
	if err := c.state.Transmit(c.channel, msg); err != nil {
		c.logger.Warn().Err(err).Msg("transmit failed")
		return
	}

	if sidebandOverflowed(pending, &c.state.Sideband) {
		c.sidebandOverflows++
		c.emitter.emit(ctx, events.EventSidebandOverflow, events.SidebandPayload{
			ChannelID: c.ID(),
			Length:    pending,
		})
	}
}

func (c *Client) publishStatus(connected bool) {
	c.statusBox.publish(ChannelStatus{
		ID:                  c.ID(),
		Role:                SideClient.String(),
		Remote:              c.remote.String(),
		Connected:           connected,
		ConnectedAt:         c.connectedAt,
		LastActivity:        c.lastActivity,
		Challenge:           c.state.Challenge,
		SessionID:           c.state.SessionID,
		QPort:               c.cfg.QPort,
		ReliableSequence:    c.state.ReliableSequence,
		ReliableAcknowledge: c.state.ReliableAcknowledge,
		CommandSequence:     c.state.ServerCommandSequence,
		Sideband:            c.state.Sideband.Status(),
		SidebandOverflows:   c.sidebandOverflows,
		Transport:           c.channel.Stats(),
	})
}

func (c *Client) channelPayload(reason string) events.ChannelPayload {
	return events.ChannelPayload{
		ChannelID: c.ID(),
		Role:      SideClient.String(),
		Remote:    c.remote.String(),
		Challenge: c.state.Challenge,
		SessionID: c.state.SessionID,
		Reason:    reason,
	}
}

// readLoop copies datagrams off conn until it fails.
func readLoop(conn net.PacketConn, packets chan<- []byte, errs chan<- error) {
	buf := make([]byte, protocol.MaxMsgLen+protocol.PacketHeader)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			errs <- err
			return
		}
		select {
		case packets <- append([]byte(nil), buf[:n]...):
		default:
			// loop is behind; the transport treats this as loss
		}
	}
}

func parseUint32(args []string) (uint32, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("missing argument")
	}
	v, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
