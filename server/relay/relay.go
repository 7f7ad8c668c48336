// Package relay is the outbound transport used for redirects, rejection
// bounces and vacation replies.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/circuitbreaker"
	"github.com/migadu/sora-sieve/pkg/metrics"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure (5xx SMTP error).
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// DSNParams carries the delivery status notification options a script
// attached to a redirect.
type DSNParams struct {
	Notify []string // NEVER, SUCCESS, FAILURE, DELAY
	Ret    string   // FULL or HDRS
	By     string   // DELIVERBY by-value, "<seconds>;<R|N>[T]"
}

// Envelope is the SMTP envelope of an outgoing message. AuthUser, when
// set, is the account the message is submitted on behalf of.
type Envelope struct {
	From     string
	To       []string
	AuthUser string
	DSN      DSNParams
}

// Transport sends one message. Implementations do not retry.
type Transport interface {
	Send(ctx context.Context, env Envelope, msg []byte) error
}

// NewTransportFromConfig creates the transport selected by cfg, each with
// its own circuit breaker.
func NewTransportFromConfig(cfg config.RelayConfig) (Transport, error) {
	if !cfg.IsConfigured() {
		return nil, consts.ErrRelayNotConfigured
	}

	timeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid relay circuit_breaker_timeout: %w", err)
	}

	newBreaker := func(name string) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        name,
			Threshold:   cfg.GetCircuitBreakerThreshold(),
			Timeout:     timeout,
			MaxRequests: cfg.GetCircuitBreakerMaxRequests(),
			IsFailure: func(err error) bool {
				return err != nil && !IsPermanentError(err)
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Info("RELAY: circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
			},
		})
	}

	switch strings.ToLower(cfg.Type) {
	case "smtp":
		if cfg.SMTPHost == "" {
			return nil, fmt.Errorf("relay smtp_host is required for smtp relay")
		}
		return &SMTPTransport{
			Host:           cfg.SMTPHost,
			UseTLS:         cfg.SMTPTLS,
			TLSVerify:      cfg.SMTPTLSVerify,
			UseStartTLS:    cfg.SMTPUseStartTLS,
			TLSCertFile:    cfg.SMTPTLSCertFile,
			TLSKeyFile:     cfg.SMTPTLSKeyFile,
			MasterUsername: cfg.SMTPMasterUsername,
			MasterPassword: cfg.SMTPMasterPassword,
			CircuitBreaker: newBreaker("smtp_relay"),
		}, nil
	case "http":
		if cfg.HTTPURL == "" {
			return nil, fmt.Errorf("relay http_url is required for http relay")
		}
		return &HTTPTransport{
			URL:            cfg.HTTPURL,
			AuthToken:      cfg.AuthToken,
			Client:         newHTTPClient(),
			CircuitBreaker: newBreaker("http_relay"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown relay type %q", cfg.Type)
	}
}

// guard runs send inside the breaker, translating an open breaker into a
// temporary RelayError.
func guard(cb *circuitbreaker.CircuitBreaker, transport, target string, send func() error) error {
	if cb == nil {
		return send()
	}
	err := cb.Execute(send)
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.Warn("RELAY: circuit breaker is open, skipping delivery", "transport", transport, "target", target)
		metrics.Relay.WithLabelValues(transport, "circuit_breaker_open").Inc()
		return &RelayError{Err: fmt.Errorf("%s relay circuit breaker is open: %w", transport, err)}
	}
	return err
}
