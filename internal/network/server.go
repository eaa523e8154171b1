package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/netchan"
	"github.com/energizer-project/netchan/internal/protocol"
	"github.com/energizer-project/netchan/internal/util"
)

// challengeLifetime bounds how long an unanswered challenge stays valid.
const challengeLifetime = 30 * time.Second

// ServerConfig holds the settings for the listening side.
type ServerConfig struct {
	ListenAddress  string
	PacketInterval time.Duration
	Timeout        time.Duration
	MaxPeers       int

	// Echo answers every client command with a server command
	// `print "<text>"`.
	Echo bool
}

type pendingChallenge struct {
	value   uint32
	created time.Time
}

// Server accepts client connections on one UDP socket. A single reader
// goroutine answers the handshake and routes sequenced packets to the
// peer registered for the sender's address; each peer runs its own loop.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	emitter  emitter
	logger   zerolog.Logger

	conn *net.UDPConn
	wg   sync.WaitGroup

	// challenges is only touched by the reader goroutine.
	challenges map[string]pendingChallenge
}

// NewServer creates a server that has not started listening yet.
func NewServer(cfg ServerConfig, eventBus *events.EventBus) *Server {
	return &Server{
		cfg:        cfg,
		registry:   NewRegistry(),
		emitter:    emitter{bus: eventBus, source: "server"},
		logger:     log.With().Str("component", "server").Logger(),
		challenges: make(map[string]pendingChallenge),
	}
}

// Registry returns the live peer registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Endpoints returns every connected peer.
func (s *Server) Endpoints() []Endpoint {
	peers := s.registry.GetAll()
	result := make([]Endpoint, len(peers))
	for i, p := range peers {
		result[i] = p
	}
	return result
}

// Endpoint returns the peer for a remote address.
func (s *Server) Endpoint(id string) (Endpoint, bool) {
	p, ok := s.registry.Get(id)
	if !ok {
		return nil, false
	}
	return p, true
}

// Listen binds the server socket with SO_REUSEADDR so that a restarted
// server can rebind immediately.
func (s *Server) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.conn = pc.(*net.UDPConn)

	s.logger.Info().Str("address", s.conn.LocalAddr().String()).Msg("server listening")
	return nil
}

// LocalAddr returns the bound address after Listen.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled, then closes every peer and
// waits for their loops to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}

	// Peers stop on ctx as well and still need the socket to say goodbye,
	// so the reader is woken by a deadline and the socket closed last.
	go func() {
		<-ctx.Done()
		s.conn.SetReadDeadline(time.Now())
	}()

	defer func() {
		s.wg.Wait()
		s.registry.CloseAll()
		s.conn.Close()
	}()

	buf := make([]byte, protocol.MaxMsgLen+protocol.PacketHeader)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("server stopping")
				return nil
			default:
				s.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		data := append([]byte(nil), buf[:n]...)
		if isConnectionless(data) {
			s.handleConnectionless(ctx, data, from)
			continue
		}

		peer, ok := s.registry.Get(from.String())
		if !ok {
			s.logger.Trace().Str("remote", from.String()).Msg("packet from unknown address")
			continue
		}
		peer.deliver(data)
	}
}

func (s *Server) handleConnectionless(ctx context.Context, data []byte, from *net.UDPAddr) {
	cmd, args, ok := protocol.ParseConnectionless(data)
	if !ok {
		return
	}

	switch cmd {
	case protocol.CmdGetChallenge:
		s.sendChallenge(from)

	case protocol.CmdConnect:
		s.handleConnect(ctx, args, from)

	case protocol.CmdDisconnect:
		if p, ok := s.registry.Get(from.String()); ok {
			p.disconnect()
		}

	default:
		s.logger.Debug().
			Str("remote", from.String()).
			Str("command", cmd).
			Msg("unknown connectionless command")
	}
}

func (s *Server) sendChallenge(from *net.UDPAddr) {
	now := time.Now()
	for addr, c := range s.challenges {
		if now.Sub(c.created) > challengeLifetime {
			delete(s.challenges, addr)
		}
	}

	c, ok := s.challenges[from.String()]
	if !ok {
		value, err := util.RandomUint32()
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to generate challenge")
			return
		}
		c = pendingChallenge{value: value, created: now}
		s.challenges[from.String()] = c
	}

	reply := fmt.Sprintf("%s %d", protocol.CmdChallengeResponse, c.value)
	if err := sendConnectionless(s.conn, from, reply); err != nil {
		s.logger.Warn().Err(err).Str("remote", from.String()).Msg("failed to send challenge")
	}
}

func (s *Server) handleConnect(ctx context.Context, args []string, from *net.UDPAddr) {
	addr := from.String()

	if len(args) < 2 {
		s.logger.Debug().Str("remote", addr).Msg("malformed connect")
		return
	}
	challenge, err1 := strconv.ParseUint(args[0], 10, 32)
	qport, err2 := strconv.ParseUint(args[1], 10, 16)
	if err1 != nil || err2 != nil {
		s.logger.Debug().Str("remote", addr).Msg("malformed connect")
		return
	}

	// A repeated connect for a live peer means our response was lost.
	if p, ok := s.registry.Get(addr); ok && p.state.Challenge == uint32(challenge) {
		p.sendConnectResponse()
		return
	}

	pending, ok := s.challenges[addr]
	if !ok || pending.value != uint32(challenge) {
		s.logger.Warn().Str("remote", addr).Msg("connect with bad challenge")
		return
	}

	if s.cfg.MaxPeers > 0 && s.registry.Count() >= s.cfg.MaxPeers {
		s.logger.Warn().Str("remote", addr).Int("max_peers", s.cfg.MaxPeers).Msg("server full, connect refused")
		return
	}

	sessionID, err := util.RandomUint32()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to generate session id")
		return
	}
	delete(s.challenges, addr)

	p := newPeer(s, from, pending.value, sessionID, uint16(qport))
	s.registry.Register(p)
	p.sendConnectResponse()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.Run(ctx)
	}()
}

// Peer is the server's end of one client connection.
type Peer struct {
	mailbox
	statusBox

	server  *Server
	remote  *net.UDPAddr
	channel *Channel
	state   *netchan.ServerState
	logger  zerolog.Logger

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	byePeer   chan struct{}
	byeOnce   sync.Once

	connectedAt       time.Time
	lastActivity      time.Time
	sidebandOverflows uint64
}

func newPeer(s *Server, remote *net.UDPAddr, challenge, sessionID uint32, qport uint16) *Peer {
	now := time.Now()
	p := &Peer{
		mailbox:      newMailbox(),
		server:       s,
		remote:       remote,
		channel:      NewChannel(s.conn, remote, SideServer, qport),
		state:        netchan.NewServerState(challenge, sessionID),
		inbox:        make(chan []byte, inboxSize),
		done:         make(chan struct{}),
		byePeer:      make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "peer").
			Str("remote", remote.String()).
			Logger(),
	}
	p.publishStatus(true)
	return p
}

// ID returns the peer's remote address.
func (p *Peer) ID() string {
	return p.remote.String()
}

// Close stops the peer loop without notifying the client.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// disconnect is called by the reader when the client says goodbye.
func (p *Peer) disconnect() {
	p.byeOnce.Do(func() { close(p.byePeer) })
}

func (p *Peer) deliver(data []byte) {
	select {
	case p.inbox <- data:
	default:
		p.logger.Debug().Msg("peer inbox full, packet dropped")
	}
}

func (p *Peer) sendConnectResponse() {
	reply := fmt.Sprintf("%s %d", protocol.CmdConnectResponse, p.state.SessionID)
	if err := p.channel.SendConnectionless(reply); err != nil {
		p.logger.Warn().Err(err).Msg("failed to send connect response")
	}
}

// Run drives the peer until it disconnects, times out, desyncs or is
// closed. Connection state is only touched here.
func (p *Peer) Run(ctx context.Context) {
	p.logger.Info().
		Uint32("challenge", p.state.Challenge).
		Uint32("session_id", p.state.SessionID).
		Uint16("qport", p.channel.QPort()).
		Msg("client connected")
	p.server.emitter.emit(ctx, events.EventChannelConnected, p.channelPayload(""))

	ticker := time.NewTicker(p.server.cfg.PacketInterval)
	defer ticker.Stop()

	reason, err := p.loop(ctx, ticker.C)
	p.publishStatus(false)

	switch {
	case err != nil:
		p.logger.Warn().Err(err).Str("reason", reason).Msg("dropping client")
		p.channel.SendConnectionless(protocol.CmdDisconnect)
	case reason == "shutdown":
		p.channel.SendConnectionless(protocol.CmdDisconnect)
	}

	p.server.registry.Unregister(p)
	p.server.emitter.emit(context.Background(), events.EventChannelDisconnected, p.channelPayload(reason))
	p.logger.Info().Str("reason", reason).Msg("client disconnected")
}

func (p *Peer) loop(ctx context.Context, tick <-chan time.Time) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "shutdown", nil

		case <-p.done:
			return "closed", nil

		case <-p.byePeer:
			return "client disconnected", nil

		case text := <-p.commands:
			if err := p.state.AddReliableCommand(text); err != nil {
				return "command overflow", err
			}

		case data := <-p.sideband:
			if err := p.state.Sideband.Queue(data); err != nil {
				p.logger.Warn().Err(err).Msg("sideband rejected")
			}

		case pkt := <-p.inbox:
			if err := p.handlePacket(ctx, pkt); err != nil {
				return err.Error(), err
			}

		case <-tick:
			if time.Since(p.lastActivity) > p.server.cfg.Timeout {
				return "timeout", ErrTimeout
			}
			p.transmit(ctx)
		}

		p.publishStatus(true)
	}
}

func (p *Peer) handlePacket(ctx context.Context, pkt []byte) error {
	msg := protocol.NewMsgFrom(pkt)
	if !p.state.Process(p.channel, msg) {
		p.server.emitter.emit(ctx, events.EventPacketDropped, events.PacketDroppedPayload{
			ChannelID: p.ID(),
			Sequence:  msg.PeekAt(0).ReadLong(),
			Reason:    p.channel.LastDrop,
		})
		return nil
	}
	p.lastActivity = time.Now()

	m, err := p.state.ParseClientMessage(msg)
	if err != nil {
		p.server.emitter.emit(ctx, events.EventDesync, events.DesyncPayload{
			ChannelID: p.ID(),
			Sequence:  p.channel.IncomingSequence(),
			Error:     err.Error(),
		})
		return err
	}

	p.server.emitter.commands(ctx, events.EventClientCommand, p.ID(), m.Commands)
	if len(m.Sideband) > 0 {
		p.server.emitter.emit(ctx, events.EventSidebandReceived, events.SidebandPayload{
			ChannelID: p.ID(),
			Length:    len(m.Sideband),
			Data:      m.Sideband,
		})
	}

	if p.server.cfg.Echo {
		for _, cmd := range m.Commands {
			if err := p.state.AddReliableCommand("print " + strconv.Quote(cmd.Text)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Peer) transmit(ctx context.Context) {
	pending := p.state.Sideband.Pending()

	msg := p.state.WritePacket()
	if err := p.state.Transmit(p.channel, msg); err != nil {
		p.logger.Warn().Err(err).Msg("transmit failed")
		return
	}

	if sidebandOverflowed(pending, &p.state.Sideband) {
		p.sidebandOverflows++
		p.server.emitter.emit(ctx, events.EventSidebandOverflow, events.SidebandPayload{
			ChannelID: p.ID(),
			Length:    pending,
		})
	}
}

func (p *Peer) publishStatus(connected bool) {
	p.statusBox.publish(ChannelStatus{
		ID:                  p.ID(),
		Role:                SideServer.String(),
		Remote:              p.remote.String(),
		Connected:           connected,
		ConnectedAt:         p.connectedAt,
		LastActivity:        p.lastActivity,
		Challenge:           p.state.Challenge,
		SessionID:           p.state.SessionID,
		QPort:               p.channel.QPort(),
		ReliableSequence:    p.state.ReliableSequence,
		ReliableAcknowledge: p.state.ReliableAcknowledge,
		CommandSequence:     p.state.LastClientCommand,
		Sideband:            p.state.Sideband.Status(),
		SidebandOverflows:   p.sidebandOverflows,
		Transport:           p.channel.Stats(),
	})
}

func (p *Peer) channelPayload(reason string) events.ChannelPayload {
	return events.ChannelPayload{
		ChannelID: p.ID(),
		Role:      SideServer.String(),
		Remote:    p.remote.String(),
		Challenge: p.state.Challenge,
		SessionID: p.state.SessionID,
		Reason:    reason,
	}
}
