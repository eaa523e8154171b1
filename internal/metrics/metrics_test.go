package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netchan/internal/events"
)

func TestObserve(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	observe := func(typ events.EventType, payload interface{}) {
		require.NoError(t, c.Observe(ctx, events.Event{Type: typ, Payload: payload}))
	}

	observe(events.EventChannelConnected, events.ChannelPayload{Role: "server"})
	observe(events.EventChannelConnected, events.ChannelPayload{Role: "server"})
	observe(events.EventChannelDisconnected, events.ChannelPayload{Reason: "timeout"})
	observe(events.EventClientCommand, events.CommandPayload{Sequence: 1})
	observe(events.EventServerCommand, events.CommandPayload{Sequence: 1})
	observe(events.EventServerCommand, events.CommandPayload{Sequence: 2})
	observe(events.EventPacketDropped, events.PacketDroppedPayload{Reason: events.DropOutOfOrder})
	observe(events.EventSidebandReceived, events.SidebandPayload{Length: 12})
	observe(events.EventSidebandOverflow, events.SidebandPayload{Length: 9000})
	observe(events.EventDesync, events.DesyncPayload{})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.connected))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.sessions.WithLabelValues("server")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.disconnects.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.commands.WithLabelValues("client")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.commands.WithLabelValues("server")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.dropped.WithLabelValues("out_of_order")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sidebandIn))
	assert.Equal(t, float64(12), testutil.ToFloat64(c.sidebandBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.overflows))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.desyncs))
}

func TestAttach(t *testing.T) {
	c := NewCollector()
	bus := events.NewEventBus()
	c.Attach(bus)

	require.NoError(t, bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventChannelConnected,
		Payload: events.ChannelPayload{Role: "client"},
	}))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessions.WithLabelValues("client")))
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Observe(context.Background(), events.Event{Type: events.EventDesync}))

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "netchan_desyncs_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestReasonLabel(t *testing.T) {
	assert.Equal(t, "timeout", reasonLabel("timeout"))
	assert.Equal(t, "client disconnected", reasonLabel("client disconnected"))
	assert.Equal(t, "unknown", reasonLabel(""))
	assert.Equal(t, "error", reasonLabel("illegible server message at 17"))
}
