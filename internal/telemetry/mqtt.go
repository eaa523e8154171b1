// Package telemetry publishes channel events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/config"
	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicStatus    = "status"
	TopicLifecycle = "channel/lifecycle"
	TopicStats     = "channel/stats"
	TopicFaults    = "channel/faults"
)

// topicFor maps event types to topic suffixes. Command and sideband
// contents are never published.
var topicFor = map[events.EventType]string{
	events.EventChannelConnected:    TopicLifecycle,
	events.EventChannelDisconnected: TopicLifecycle,
	events.EventChannelStats:        TopicStats,
	events.EventPacketDropped:       TopicFaults,
	events.EventSidebandOverflow:    TopicFaults,
	events.EventDesync:              TopicFaults,
	events.EventShutdown:            TopicStatus,
}

// MQTTHandler forwards channel events to MQTT as JSON.
type MQTTHandler struct {
	prefix   string
	eventBus *events.EventBus
	client   mqtt.Client
	metadata map[string]interface{}
}

// NewMQTTHandler creates an MQTT handler from the telemetry settings. It
// does not connect until Start.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, role string) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	hostInfo := util.GetHostInfo()

	h := &MQTTHandler{
		prefix:   mqttCfg.TopicPrefix,
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":  hostInfo.Hostname,
			"os":        hostInfo.OS,
			"cpu_model": hostInfo.CPUModel,
			"cpu_cores": hostInfo.CPUCores,
			"memory_mb": hostInfo.TotalMemory,
			"role":      role,
		},
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("netchan-%s-%s", role, hostInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetWill(h.topic(TopicStatus), `{"event":"offline"}`, 1, true)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

func buildTLSConfig(mqttCfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if mqttCfg.CAFile != "" {
		pem, err := os.ReadFile(mqttCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in MQTT CA file %s", mqttCfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects to the broker, forwards events until ctx ends, then
// publishes a final status and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	types := make([]events.EventType, 0, len(topicFor))
	for t := range topicFor {
		types = append(types, t)
	}
	h.eventBus.Subscribe("mqtt", h.onEvent, types...)
	h.publish(TopicStatus, "online", nil)

	<-ctx.Done()

	h.eventBus.Unsubscribe("mqtt")
	h.publish(TopicStatus, "offline", nil)
	h.client.Disconnect(2000)
	log.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	suffix, ok := topicFor[event.Type]
	if !ok {
		return nil
	}
	h.publish(suffix, string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.prefix + "/" + suffix
}

// publish sends a JSON message; it does not wait for the broker.
func (h *MQTTHandler) publish(suffix, event string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", suffix).Msg("failed to marshal MQTT message")
		return
	}

	topic := h.topic(suffix)
	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage wraps a payload with host metadata.
func (h *MQTTHandler) buildMessage(event string, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = event
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if payload != nil {
		msg["payload"] = payload
	}
	return msg
}
