package config

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/bcrypt"
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

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateServer(&cfg.Server, result)
	validateSearch(&cfg.Search, cfg.Server.SessionPort, result)
	validateDatabase(&cfg.Database, result)
	validateAdminAPI(&cfg.AdminAPI, result)
	validateMQTT(&cfg.MQTT, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if net.ParseIP(s.ListenIP) == nil {
		result.AddError("server.listen_ip", fmt.Sprintf("not an IP address: %q", s.ListenIP))
	}
	validatePort(s.SessionPort, "server.session_port", result)

	if s.MaxBufferBytes < 1024 {
		result.AddError("server.max_buffer_bytes", "must be at least 1024 bytes")
	}
	if s.OutboxSize < 1 {
		result.AddError("server.outbox_size", "must be at least 1")
	}
	if s.MaxConnections < 1 {
		result.AddError("server.max_connections", "must be at least 1")
	}
	if s.IdleTimeoutSec < 0 {
		result.AddError("server.idle_timeout_sec", "must not be negative")
	}
	if s.CommandRate > 0 && s.CommandBurst < 1 {
		result.AddError("server.command_burst", "must be at least 1 when command_rate is set")
	}
	if s.AcceptRatePerIP < 1 {
		result.AddWarning("server.accept_rate_per_ip", "connection rate limiting is disabled")
	}
	if !s.StrictAuth {
		result.AddWarning("server.strict_auth", "challenge responses are not enforced")
	}
}

func validateSearch(s *SearchConfig, sessionPort int, result *ValidationResult) {
	if !s.Enabled {
		return
	}
	validatePort(s.Port, "search.port", result)
	if s.Port == sessionPort {
		result.AddError("search.port", "port conflict: search and session listeners must differ")
	}
	if s.NickCacheSize < 1 {
		result.AddError("search.nick_cache_size", "must be at least 1")
	}
}

func validateDatabase(d *DatabaseConfig, result *ValidationResult) {
	if strings.TrimSpace(d.Path) == "" {
		result.AddError("database.path", "database path is required")
	}
	if d.BcryptCost < bcrypt.MinCost || d.BcryptCost > bcrypt.MaxCost {
		result.AddError("database.bcrypt_cost",
			fmt.Sprintf("must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if d.SessionTTLHours < 1 {
		result.AddError("database.session_ttl_hours", "must be at least 1")
	}
	if d.PruneIntervalMin < 1 {
		result.AddWarning("database.prune_interval_min", "stale sessions will never be pruned")
	}
}

func validateAdminAPI(a *AdminAPIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(a.ListenAddr); err != nil {
		result.AddError("admin_api.listen_addr", fmt.Sprintf("invalid address: %v", err))
	}
	if strings.TrimSpace(a.Token) == "" {
		result.AddError("admin_api.token", "a token is required when the admin API is enabled")
	}
	if a.TLSEnabled && !a.TLSSelfSigned {
		if strings.TrimSpace(a.TLSCertFile) == "" {
			result.AddError("admin_api.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(a.TLSKeyFile) == "" {
			result.AddError("admin_api.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("admin_api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	for _, entry := range a.IPWhitelist {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				result.AddError("admin_api.ip_whitelist", fmt.Sprintf("invalid entry %q", entry))
			}
		}
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddWarning("mqtt.topic_prefix", "events will be published at the topic root")
	}
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

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
