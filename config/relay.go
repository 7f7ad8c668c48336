package config

import (
	"time"

	"github.com/migadu/sora-sieve/helpers"
)

// RelayConfig defines the outbound transport used by redirect, reject and vacation.
type RelayConfig struct {
	// Type of relay: "smtp" or "http"
	Type string `toml:"type"`

	SMTPHost        string `toml:"smtp_host"`          // e.g. "smtp.example.com:587"
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use TLS for SMTP connection
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`    // Verify TLS certificates
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS instead of direct TLS
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)

	// Master credentials used to submit on behalf of the owning user.
	SMTPMasterUsername string `toml:"smtp_master_username"`
	SMTPMasterPassword string `toml:"smtp_master_password"`

	HTTPURL   string `toml:"http_url"`   // HTTP API endpoint
	AuthToken string `toml:"auth_token"` // Bearer token for the HTTP relay

	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"`
}

// IsConfigured returns true if the relay is configured
func (r *RelayConfig) IsConfigured() bool {
	return r.Type != ""
}

// IsSMTP returns true if this is an SMTP relay
func (r *RelayConfig) IsSMTP() bool {
	return r.Type == "smtp"
}

// IsHTTP returns true if this is an HTTP API relay
func (r *RelayConfig) IsHTTP() bool {
	return r.Type == "http"
}

// GetCircuitBreakerThreshold returns the failure threshold (default 5).
func (r *RelayConfig) GetCircuitBreakerThreshold() int {
	if r.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return r.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the open-state duration (default 30s).
func (r *RelayConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if r.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.CircuitBreakerTimeout)
}

// GetCircuitBreakerMaxRequests returns the half-open request budget (default 3).
func (r *RelayConfig) GetCircuitBreakerMaxRequests() int {
	if r.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return r.CircuitBreakerMaxRequests
}
