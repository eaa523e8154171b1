package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for errors that prevent startup and
// settings that are merely suspicious.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateChannel(&cfg.Channel, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateChannel(ch *ChannelConfig, result *ValidationResult) {
	switch ch.Role {
	case RoleClient:
		validateAddress(ch.ServerAddress, "channel.server_address", true, result)
		if ch.QPort < 1 || ch.QPort > 65535 {
			result.AddError("channel.qport", fmt.Sprintf("invalid qport: %d (must be 1-65535)", ch.QPort))
		}
		if ch.HandshakeRetries < 1 {
			result.AddError("channel.handshake_retries", "must try the handshake at least once")
		}
	case RoleServer:
		validateAddress(ch.ListenAddress, "channel.listen_address", false, result)
		if ch.MaxPeers < 0 {
			result.AddError("channel.max_peers", "must not be negative")
		} else if ch.MaxPeers == 0 {
			result.AddWarning("channel.max_peers", "peer count is unlimited")
		}
	default:
		result.AddError("channel.role",
			fmt.Sprintf("unknown role %q (must be %q or %q)", ch.Role, RoleClient, RoleServer))
	}

	if ch.PacketIntervalMs < 1 {
		result.AddError("channel.packet_interval_ms", "packet interval must be at least 1ms")
	} else if ch.PacketIntervalMs < 10 {
		result.AddWarning("channel.packet_interval_ms",
			"packet interval below 10ms sends more than 100 packets per second")
	}

	if ch.TimeoutSec < 1 {
		result.AddError("channel.timeout_sec", "timeout must be at least 1 second")
	} else if ch.TimeoutSec*1000 <= ch.PacketIntervalMs {
		result.AddError("channel.timeout_sec", "timeout must be longer than the packet interval")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.TLSEnabled {
			if strings.TrimSpace(data.API.TLSCertFile) == "" {
				result.AddError("application_data.api.tls_cert_file",
					"TLS certificate file is required when TLS is enabled")
			}
			if strings.TrimSpace(data.API.TLSKeyFile) == "" {
				result.AddError("application_data.api.tls_key_file",
					"TLS key file is required when TLS is enabled")
			}
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps", "rate limiting is disabled")
		}
		if ip := net.ParseIP(data.API.Address); ip != nil && !ip.IsLoopback() {
			result.AddWarning("application_data.api.address",
				"status API is reachable from other hosts and has no authentication")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if strings.TrimSpace(data.MQTT.TopicPrefix) == "" {
			result.AddError("application_data.mqtt.topic_prefix", "topic prefix is required")
		}
	}

	if data.Database.Enabled && strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "database path is required when enabled")
	}

	if data.Timers.StatsInterval < 1 {
		result.AddError("application_data.timers.stats_interval_sec", "must be at least 1 second")
	}
	if data.Timers.StaleCheckInterval < 1 {
		result.AddError("application_data.timers.stale_check_interval_sec", "must be at least 1 second")
	}
	if data.Timers.JournalRetention < 1 {
		result.AddWarning("application_data.timers.journal_retention_days", "session journal is never pruned")
	}
}

// validateAddress checks a host:port pair. A dial target needs a host; a
// listen address may leave it empty.
func validateAddress(addr, field string, needHost bool, result *ValidationResult) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	if needHost && host == "" {
		result.AddError(field, "host is required")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid port %q", port))
		return
	}
	validatePort(n, field, result)
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
