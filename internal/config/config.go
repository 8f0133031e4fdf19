// Package config handles configuration loading, validation, and persistence
// for the presence server.
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
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultSessionPort = 29900
	DefaultSearchPort  = 29901
	DefaultAdminAddr   = "127.0.0.1:9009"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server   ServerConfig   `json:"server"`
	Search   SearchConfig   `json:"search"`
	Database DatabaseConfig `json:"database"`
	AdminAPI AdminAPIConfig `json:"admin_api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig holds the presence (session protocol) listener settings.
type ServerConfig struct {
	ListenIP    string `json:"listen_ip"`
	SessionPort int    `json:"session_port"`

	// Limits
	IdleTimeoutSec  int `json:"idle_timeout_sec"` // 0 disables
	MaxBufferBytes  int `json:"max_buffer_bytes"`
	OutboxSize      int `json:"outbox_size"`
	AcceptRatePerIP int `json:"accept_rate_per_ip"`
	MaxConnections  int `json:"max_connections"`

	// Per-connection command flood control; 0 disables
	CommandRate  float64 `json:"command_rate"`
	CommandBurst int     `json:"command_burst"`

	// Reject logins whose challenge response does not verify
	StrictAuth bool `json:"strict_auth"`
}

// SearchConfig holds the search listener settings.
type SearchConfig struct {
	Enabled        bool `json:"enabled"`
	Port           int  `json:"port"`
	IdleTimeoutSec int  `json:"idle_timeout_sec"`
	NickCacheSize  int  `json:"nick_cache_size"`
}

// DatabaseConfig holds profile store settings.
type DatabaseConfig struct {
	Path             string `json:"path"`
	BcryptCost       int    `json:"bcrypt_cost"`
	SessionTTLHours  int    `json:"session_ttl_hours"`
	PruneIntervalMin int    `json:"prune_interval_min"`
}

// AdminAPIConfig holds the operator HTTP API settings.
type AdminAPIConfig struct {
	Enabled        bool     `json:"enabled"`
	ListenAddr     string   `json:"listen_addr"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	TLSSelfSigned  bool     `json:"tls_self_signed"`
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

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level"`
	Directory string `json:"directory"`
	LogWire   bool   `json:"log_wire"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenIP:        "0.0.0.0",
			SessionPort:     DefaultSessionPort,
			IdleTimeoutSec:  0,
			MaxBufferBytes:  64 * 1024,
			OutboxSize:      64,
			AcceptRatePerIP: 10,
			MaxConnections:  4096,
			CommandRate:     20,
			CommandBurst:    40,
		},
		Search: SearchConfig{
			Enabled:        true,
			Port:           DefaultSearchPort,
			IdleTimeoutSec: 60,
			NickCacheSize:  4096,
		},
		Database: DatabaseConfig{
			Path:             filepath.Join("data", "gpcm.db"),
			BcryptCost:       10,
			SessionTTLHours:  24,
			PruneIntervalMin: 15,
		},
		AdminAPI: AdminAPIConfig{
			Enabled:      false,
			ListenAddr:   DefaultAdminAddr,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			TopicPrefix: "gpcm",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Directory: "logs",
		},
	}
}

// Load reads configuration from a JSON file.
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

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold the admin token.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the presence listener configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetSearch returns a copy of the search listener configuration.
func (c *Config) GetSearch() SearchConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Search
}

// GetDatabase returns a copy of the store configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetAdminAPI returns a copy of the admin API configuration.
func (c *Config) GetAdminAPI() AdminAPIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AdminAPI
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// SetLogLevel overrides the configured log level.
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logging.Level = level
}

// Redacted returns a copy safe to expose over the admin API.
func (c *Config) Redacted() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Config{
		Server:   c.Server,
		Search:   c.Search,
		Database: c.Database,
		AdminAPI: c.AdminAPI,
		MQTT:     c.MQTT,
		Logging:  c.Logging,
	}
	if out.AdminAPI.Token != "" {
		out.AdminAPI.Token = "********"
	}
	return out
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SessionAddr is the presence listener address.
func (s ServerConfig) SessionAddr() string {
	return fmt.Sprintf("%s:%d", s.ListenIP, s.SessionPort)
}

// IdleTimeout converts IdleTimeoutSec; zero means no timeout.
func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// Addr is the search listener address on the given interface.
func (s SearchConfig) Addr(listenIP string) string {
	return fmt.Sprintf("%s:%d", listenIP, s.Port)
}

// IdleTimeout converts IdleTimeoutSec; zero means no timeout.
func (s SearchConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// SessionTTL is the age after which store sessions are pruned.
func (d DatabaseConfig) SessionTTL() time.Duration {
	return time.Duration(d.SessionTTLHours) * time.Hour
}

// PruneInterval is how often expired sessions are pruned.
func (d DatabaseConfig) PruneInterval() time.Duration {
	return time.Duration(d.PruneIntervalMin) * time.Minute
}
