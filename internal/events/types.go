// Package events defines event types and payloads for the netchan event system.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Channel lifecycle events
	EventChannelConnected    EventType = "channel_connected"
	EventChannelDisconnected EventType = "channel_disconnected"
	EventChannelStats        EventType = "channel_stats"

	// Traffic events
	EventPacketDropped    EventType = "packet_dropped"
	EventServerCommand    EventType = "server_command"
	EventClientCommand    EventType = "client_command"
	EventSidebandReceived EventType = "sideband_received"

	// Fault events
	EventSidebandOverflow EventType = "sideband_overflow"
	EventDesync           EventType = "desync"

	// System events
	EventShutdown EventType = "shutdown"
)

// DropReason explains why a received packet never reached the decoder.
type DropReason int

const (
	DropUnknown DropReason = iota
	DropOutOfOrder
	DropFragment
	DropConnectionless
	DropTruncated
	DropForeign
)

// dropReasonStrings maps DropReason values to their JSON string representation.
var dropReasonStrings = map[DropReason]string{
	DropUnknown:        "unknown",
	DropOutOfOrder:     "out_of_order",
	DropFragment:       "fragment",
	DropConnectionless: "connectionless",
	DropTruncated:      "truncated",
	DropForeign:        "foreign",
}

// String returns the string representation of DropReason.
func (r DropReason) String() string {
	if str, ok := dropReasonStrings[r]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes DropReason as a JSON string (e.g. "out_of_order").
func (r DropReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ChannelPayload identifies a channel in lifecycle events.
type ChannelPayload struct {
	ChannelID string `json:"channel_id"`
	Role      string `json:"role"`
	Remote    string `json:"remote"`
	Challenge uint32 `json:"challenge"`
	SessionID uint32 `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// PacketDroppedPayload is emitted when the transport rejects a packet.
type PacketDroppedPayload struct {
	ChannelID string     `json:"channel_id"`
	Sequence  uint32     `json:"sequence"`
	Reason    DropReason `json:"reason"`
}

// CommandPayload carries a reliable command seen for the first time.
type CommandPayload struct {
	ChannelID string `json:"channel_id"`
	Sequence  uint32 `json:"sequence"`
	Text      string `json:"text"`
}

// SidebandPayload is emitted for sideband traffic and overflows.
type SidebandPayload struct {
	ChannelID string `json:"channel_id"`
	Length    int    `json:"length"`
	Data      []byte `json:"data,omitempty"`
}

// DesyncPayload is emitted when decoded plaintext cannot be parsed.
type DesyncPayload struct {
	ChannelID string `json:"channel_id"`
	Sequence  uint32 `json:"sequence"`
	Error     string `json:"error"`
}
