// Package config handles configuration loading, validation, and persistence
// for the netchan binary.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultServerPort = 27960
	DefaultQPort      = 27911
)

// Roles a process can run.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Channel         ChannelConfig   `json:"channel"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ChannelConfig selects the role and its network settings.
type ChannelConfig struct {
	Role string `json:"role"`

	// Client side
	ServerAddress    string `json:"server_address"`
	QPort            int    `json:"qport"`
	HandshakeRetries int    `json:"handshake_retries"`

	// Server side
	ListenAddress string `json:"listen_address"`
	MaxPeers      int    `json:"max_peers"`
	Echo          bool   `json:"echo"`

	// Both
	PacketIntervalMs int `json:"packet_interval_ms"`
	TimeoutSec       int `json:"timeout_sec"`
}

// PacketInterval returns the configured send interval.
func (c ChannelConfig) PacketInterval() time.Duration {
	return time.Duration(c.PacketIntervalMs) * time.Millisecond
}

// Timeout returns how long a silent peer is kept.
func (c ChannelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ApplicationData holds the settings of the supporting services.
type ApplicationData struct {
	API      APIConfig      `json:"api"`
	Timers   TimerConfig    `json:"timers"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	StatsInterval      int `json:"stats_interval_sec"`
	StaleCheckInterval int `json:"stale_check_interval_sec"`
	JournalRetention   int `json:"journal_retention_days"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds the session journal settings.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Channel: ChannelConfig{
			Role:             RoleServer,
			ServerAddress:    fmt.Sprintf("127.0.0.1:%d", DefaultServerPort),
			QPort:            DefaultQPort,
			HandshakeRetries: 5,
			ListenAddress:    fmt.Sprintf("0.0.0.0:%d", DefaultServerPort),
			MaxPeers:         32,
			PacketIntervalMs: 50,
			TimeoutSec:       30,
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled:        true,
				Address:        "127.0.0.1",
				Port:           DefaultAPIPort,
				AllowedOrigins: []string{"http://localhost"},
				RateLimitRPS:   50,
			},
			Timers: TimerConfig{
				StatsInterval:      10,
				StaleCheckInterval: 60,
				JournalRetention:   30,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "netchan",
			},
			Database: DatabaseConfig{
				Enabled: true,
				Path:    filepath.Join("data", "netchan.db"),
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
				Console:    true,
			},
		},
	}
}

// Load reads configuration from a JSON file in configDir, creating it from
// defaults if it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist defaults for options added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetChannel returns a copy of the channel configuration.
func (c *Config) GetChannel() ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channel
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
