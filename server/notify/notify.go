// Package notify delivers Sieve notify actions to an HTTP endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/circuitbreaker"
	"github.com/migadu/sora-sieve/pkg/metrics"
	"github.com/migadu/sora-sieve/server/delivery"
)

// HTTPNotifier POSTs each notification as JSON with Bearer token
// authentication.
type HTTPNotifier struct {
	URL            string
	AuthToken      string
	Client         *http.Client
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

var _ delivery.Notifier = (*HTTPNotifier)(nil)

// New builds a notifier from cfg. It returns nil when no URL is configured.
func New(cfg config.NotifyConfig) (*HTTPNotifier, error) {
	if !cfg.IsConfigured() {
		return nil, nil
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid notify timeout: %w", err)
	}
	return &HTTPNotifier{
		URL:       cfg.URL,
		AuthToken: cfg.AuthToken,
		Client:    &http.Client{Timeout: timeout},
		CircuitBreaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name: "notify",
		}),
	}, nil
}

func (n *HTTPNotifier) Notify(ctx context.Context, notif delivery.Notification) error {
	send := func() error { return n.post(ctx, notif) }

	var err error
	if n.CircuitBreaker != nil {
		err = n.CircuitBreaker.Execute(send)
	} else {
		err = send()
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		logger.Warn("NOTIFY: circuit breaker is open, dropping notification", "user", notif.User, "method", notif.Method)
		metrics.Notifications.WithLabelValues("circuit_breaker_open").Inc()
	case err != nil:
		metrics.Notifications.WithLabelValues("failure").Inc()
	default:
		metrics.Notifications.WithLabelValues("success").Inc()
	}
	return err
}

func (n *HTTPNotifier) post(ctx context.Context, notif delivery.Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.AuthToken)
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
