package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/migadu/sora-sieve/pkg/circuitbreaker"
	"github.com/migadu/sora-sieve/pkg/metrics"
)

// HTTPTransport posts messages to an HTTP API with Bearer token
// authentication and circuit breaker.
type HTTPTransport struct {
	URL            string
	AuthToken      string
	Client         *http.Client
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// HTTPRelayRequest is the JSON payload posted to the relay API.
type HTTPRelayRequest struct {
	From       string     `json:"from"`
	Recipients []string   `json:"recipients"`
	AuthUser   string     `json:"auth_user,omitempty"`
	DSN        *DSNParams `json:"dsn,omitempty"`
	Message    string     `json:"message"` // RFC822 message as string
}

func (r *HTTPTransport) Send(ctx context.Context, env Envelope, msg []byte) error {
	if r.URL == "" {
		return fmt.Errorf("HTTP relay URL not configured")
	}
	return guard(r.CircuitBreaker, "http", r.URL, func() error {
		return r.send(ctx, env, msg)
	})
}

// defaultHTTPClient serves transports built without a Client.
var defaultHTTPClient = newHTTPClient()

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func (r *HTTPTransport) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return defaultHTTPClient
}

func (r *HTTPTransport) send(ctx context.Context, env Envelope, msg []byte) (relayErr error) {
	defer func() {
		result := "success"
		if relayErr != nil {
			result = "failure"
		}
		metrics.Relay.WithLabelValues("http", result).Inc()
	}()

	payload := HTTPRelayRequest{
		From:       env.From,
		Recipients: env.To,
		AuthUser:   env.AuthUser,
		Message:    string(msg),
	}
	if len(env.DSN.Notify) > 0 || env.DSN.Ret != "" || env.DSN.By != "" {
		dsn := env.DSN
		payload.DSN = &dsn
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to marshal relay request: %w", err), Permanent: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(jsonData))
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to create HTTP request: %w", err), Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to send HTTP relay request: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// 4xx is the request's fault and permanent; 5xx may recover.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RelayError{
			Err:       fmt.Errorf("HTTP relay returned error status: %d", resp.StatusCode),
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}
	return nil
}
