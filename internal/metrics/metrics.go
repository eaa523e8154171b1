// Package metrics exposes channel events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/netchan/internal/events"
)

// Collector turns bus events into counters. Each Collector owns its
// registry so that several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	connected     prometheus.Gauge
	sessions      *prometheus.CounterVec
	disconnects   *prometheus.CounterVec
	commands      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	sidebandIn    prometheus.Counter
	sidebandBytes prometheus.Counter
	overflows     prometheus.Counter
	desyncs       prometheus.Counter
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the channel metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netchan_channels_connected",
			Help: "Channels currently connected",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netchan_sessions_total",
			Help: "Channel sessions established",
		}, []string{"role"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netchan_disconnects_total",
			Help: "Channel sessions ended, by reason",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netchan_reliable_commands_total",
			Help: "Reliable commands delivered for the first time, by sender",
		}, []string{"from"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netchan_packets_rejected_total",
			Help: "Packets rejected by the transport before decoding, by reason",
		}, []string{"reason"}),
		sidebandIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchan_sideband_received_total",
			Help: "Sideband payloads received",
		}),
		sidebandBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchan_sideband_received_bytes_total",
			Help: "Sideband payload bytes received",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchan_sideband_overflows_total",
			Help: "Sideband payloads discarded because the packet was full",
		}),
		desyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netchan_desyncs_total",
			Help: "Connections dropped because decoded data was illegible",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connected, c.sessions, c.disconnects, c.commands, c.dropped,
		c.sidebandIn, c.sidebandBytes, c.overflows, c.desyncs,
	)
	return c
}

// Attach subscribes the collector to every event it counts.
func (c *Collector) Attach(bus *events.EventBus) {
	bus.Subscribe("metrics", c.Observe,
		events.EventChannelConnected,
		events.EventChannelDisconnected,
		events.EventServerCommand,
		events.EventClientCommand,
		events.EventPacketDropped,
		events.EventSidebandReceived,
		events.EventSidebandOverflow,
		events.EventDesync,
	)
}

// Observe updates the metrics for one event.
func (c *Collector) Observe(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventChannelConnected:
		c.connected.Inc()
		if p, ok := event.Payload.(events.ChannelPayload); ok {
			c.sessions.WithLabelValues(p.Role).Inc()
		}
	case events.EventChannelDisconnected:
		c.connected.Dec()
		if p, ok := event.Payload.(events.ChannelPayload); ok {
			c.disconnects.WithLabelValues(reasonLabel(p.Reason)).Inc()
		}
	case events.EventServerCommand:
		c.commands.WithLabelValues("server").Inc()
	case events.EventClientCommand:
		c.commands.WithLabelValues("client").Inc()
	case events.EventPacketDropped:
		if p, ok := event.Payload.(events.PacketDroppedPayload); ok {
			c.dropped.WithLabelValues(p.Reason.String()).Inc()
		}
	case events.EventSidebandReceived:
		c.sidebandIn.Inc()
		if p, ok := event.Payload.(events.SidebandPayload); ok {
			c.sidebandBytes.Add(float64(p.Length))
		}
	case events.EventSidebandOverflow:
		c.overflows.Inc()
	case events.EventDesync:
		c.desyncs.Inc()
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// reasonLabel keeps the disconnect label set small; error texts carry
// sequence numbers.
func reasonLabel(reason string) string {
	switch reason {
	case "shutdown", "closed", "timeout", "client disconnected", "disconnected by peer",
		"command overflow", "socket closed":
		return reason
	case "":
		return "unknown"
	default:
		return "error"
	}
}
