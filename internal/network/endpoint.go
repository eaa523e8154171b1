package network

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/netchan"
	"github.com/energizer-project/netchan/internal/protocol"
)

var (
	// ErrQueueFull is returned when a channel loop is not keeping up with
	// queued commands or sideband payloads.
	ErrQueueFull = errors.New("channel queue full")

	// ErrTimeout is returned when the peer stops sending.
	ErrTimeout = errors.New("connection timed out")

	// ErrDisconnected is returned when the peer ends the connection.
	ErrDisconnected = errors.New("disconnected by peer")

	// ErrHandshakeFailed is returned when no challenge or connect response
	// arrives within the configured retries.
	ErrHandshakeFailed = errors.New("handshake failed")
)

const (
	mailboxSize = 64
	inboxSize   = 256
)

// Endpoint is a live channel that can be inspected and fed from outside
// its control loop.
type Endpoint interface {
	ID() string
	Status() ChannelStatus
	SendCommand(text string) error
	QueueSideband(data []byte) error
}

// EndpointSource lists the endpoints of a running role.
type EndpointSource interface {
	Endpoints() []Endpoint
	Endpoint(id string) (Endpoint, bool)
}

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Remote       string    `json:"remote"`
	Connected    bool      `json:"connected"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`

	Challenge uint32 `json:"challenge"`
	SessionID uint32 `json:"session_id"`
	QPort     uint16 `json:"qport"`

	ReliableSequence    uint32 `json:"reliable_sequence"`
	ReliableAcknowledge uint32 `json:"reliable_acknowledge"`
	CommandSequence     uint32 `json:"command_sequence"`

	Sideband          netchan.BinaryStatus `json:"sideband"`
	SidebandOverflows uint64               `json:"sideband_overflows"`

	Transport TransportStats `json:"transport"`
}

// mailbox carries work into a channel loop so that connection state is
// only ever touched by the loop's goroutine.
type mailbox struct {
	commands chan string
	sideband chan []byte
}

func newMailbox() mailbox {
	return mailbox{
		commands: make(chan string, mailboxSize),
		sideband: make(chan []byte, mailboxSize),
	}
}

// SendCommand queues a reliable command for the channel loop.
func (m mailbox) SendCommand(text string) error {
	select {
	case m.commands <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueSideband queues a binary payload for the next outgoing packet.
func (m mailbox) QueueSideband(data []byte) error {
	if len(data) > protocol.MaxBinaryMessage {
		return fmt.Errorf("%w: %d bytes", netchan.ErrBinaryMessageTooLarge, len(data))
	}
	select {
	case m.sideband <- append([]byte(nil), data...):
		return nil
	default:
		return ErrQueueFull
	}
}

// statusBox publishes the loop's latest snapshot to other goroutines.
type statusBox struct {
	current atomic.Pointer[ChannelStatus]
}

func (b *statusBox) publish(s ChannelStatus) {
	b.current.Store(&s)
}

// Status returns the latest published snapshot.
func (b *statusBox) Status() ChannelStatus {
	if s := b.current.Load(); s != nil {
		return *s
	}
	return ChannelStatus{}
}

// emitter is shared by the client and server loops for event publishing.
type emitter struct {
	bus    *events.EventBus
	source string
}

func (e emitter) emit(ctx context.Context, typ events.EventType, payload interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(ctx, events.Event{
		Type:    typ,
		Source:  e.source,
		Payload: payload,
	})
}

func (e emitter) commands(ctx context.Context, typ events.EventType, id string, cmds []netchan.Command) {
	for _, cmd := range cmds {
		e.emit(ctx, typ, events.CommandPayload{
			ChannelID: id,
			Sequence:  cmd.Sequence,
			Text:      cmd.Text,
		})
	}
}

// sidebandOverflowed reports whether a transmit just dropped a payload
// that was pending before it.
func sidebandOverflowed(pendingBefore int, sb *netchan.Sideband) bool {
	return pendingBefore > 0 && sb.Overflowed() && sb.Pending() == 0
}
