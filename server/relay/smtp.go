package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/circuitbreaker"
	"github.com/migadu/sora-sieve/pkg/metrics"
)

// SMTPTransport submits through an SMTP relay with configurable TLS and
// circuit breaker. With master credentials it authenticates as the
// envelope's AuthUser.
type SMTPTransport struct {
	Host           string
	UseTLS         bool
	TLSVerify      bool
	UseStartTLS    bool
	TLSCertFile    string // Client certificate for mTLS (optional)
	TLSKeyFile     string
	MasterUsername string
	MasterPassword string
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

func (r *SMTPTransport) Send(ctx context.Context, env Envelope, msg []byte) error {
	if r.Host == "" {
		return fmt.Errorf("SMTP relay host not configured")
	}
	if err := ctx.Err(); err != nil {
		return &RelayError{Err: err}
	}
	return guard(r.CircuitBreaker, "smtp", r.Host, func() error {
		return r.send(env, msg)
	})
}

func (r *SMTPTransport) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}

	if r.TLSCertFile != "" && r.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.TLSCertFile, r.TLSKeyFile)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	var c *smtp.Client
	var err error
	switch {
	case !r.UseTLS:
		c, err = smtp.Dial(r.Host)
	case r.UseStartTLS:
		c, err = smtp.DialStartTLS(r.Host, tlsConfig)
	default:
		c, err = smtp.DialTLS(r.Host, tlsConfig)
	}
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
	}
	return c, nil
}

func (r *SMTPTransport) send(env Envelope, msg []byte) (relayErr error) {
	defer func() {
		result := "success"
		if relayErr != nil {
			result = "failure"
		}
		metrics.Relay.WithLabelValues("smtp", result).Inc()
	}()

	if len(env.To) == 0 {
		return &RelayError{Err: fmt.Errorf("no recipients"), Permanent: true}
	}
	rcptOpts, err := rcptOptions(env.DSN)
	if err != nil {
		return &RelayError{Err: err, Permanent: true}
	}

	c, err := r.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if env.AuthUser != "" && r.MasterUsername != "" {
		auth := sasl.NewPlainClient(env.AuthUser, r.MasterUsername, r.MasterPassword)
		if err := c.Auth(auth); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to authenticate as %s: %w", env.AuthUser, err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(env.From, mailOptions(env.DSN)); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, to := range env.To {
		if err := c.Rcpt(to, rcptOpts); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", to, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		logger.Warn("RELAY: failed to send QUIT", "error", err)
	}
	return nil
}

func mailOptions(dsn DSNParams) *smtp.MailOptions {
	switch strings.ToUpper(dsn.Ret) {
	case "FULL":
		return &smtp.MailOptions{Return: smtp.DSNReturnFull}
	case "HDRS":
		return &smtp.MailOptions{Return: smtp.DSNReturnHeaders}
	}
	return nil
}

func rcptOptions(dsn DSNParams) (*smtp.RcptOptions, error) {
	opts := &smtp.RcptOptions{}
notify:
	for _, n := range dsn.Notify {
		switch strings.ToUpper(strings.TrimSpace(n)) {
		case "NEVER":
			opts.Notify = []smtp.DSNNotify{smtp.DSNNotifyNever}
			break notify
		case "SUCCESS":
			opts.Notify = append(opts.Notify, smtp.DSNNotifySuccess)
		case "FAILURE":
			opts.Notify = append(opts.Notify, smtp.DSNNotifyFailure)
		case "DELAY":
			opts.Notify = append(opts.Notify, smtp.DSNNotifyDelayed)
		}
	}

	if dsn.By != "" {
		by, err := parseDeliverBy(dsn.By)
		if err != nil {
			return nil, err
		}
		opts.DeliverBy = by
	}

	if len(opts.Notify) == 0 && opts.DeliverBy == nil {
		return nil, nil
	}
	return opts, nil
}

// parseDeliverBy parses an RFC 2852 by-value, "<seconds>;<R|N>[T]".
func parseDeliverBy(value string) (*smtp.DeliverByOptions, error) {
	secs, mode, ok := strings.Cut(strings.TrimSpace(value), ";")
	if !ok {
		return nil, fmt.Errorf("invalid DELIVERBY value %q", value)
	}
	mode = strings.ToUpper(mode)
	mode, trace := strings.CutSuffix(mode, "T")
	n, err := strconv.Atoi(secs)
	if err != nil {
		return nil, fmt.Errorf("invalid DELIVERBY time %q", secs)
	}
	by := &smtp.DeliverByOptions{Time: time.Duration(n) * time.Second, Trace: trace}
	switch smtp.DeliverByMode(mode) {
	case smtp.DeliverByReturn:
		if n < 1 {
			return nil, fmt.Errorf("DELIVERBY time must be positive in return mode")
		}
		by.Mode = smtp.DeliverByReturn
	case smtp.DeliverByNotify:
		by.Mode = smtp.DeliverByNotify
	default:
		return nil, fmt.Errorf("invalid DELIVERBY mode %q", mode)
	}
	return by, nil
}
