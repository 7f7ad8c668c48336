package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/ledger"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/server/delivery"
	"github.com/migadu/sora-sieve/server/idgen"
	"github.com/migadu/sora-sieve/server/notify"
	"github.com/migadu/sora-sieve/server/relay"
	"github.com/migadu/sora-sieve/server/sieveengine"
	"github.com/migadu/sora-sieve/server/spool"
	"github.com/migadu/sora-sieve/server/srs"
	"github.com/migadu/sora-sieve/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Exit codes follow sysexits.h so an MTA can pipe into deliver.
const (
	exitOK       = 0
	exitUsage    = 64
	exitNoPerm   = 77
	exitConfig   = 78
	exitTempFail = 75
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "deliver":
		os.Exit(handleDeliver(os.Args[2:]))
	case "version", "--version", "-v":
		fmt.Printf("sora-sieve version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Printf(`sora-sieve: Sieve filtering for local delivery

Usage:
  sora-sieve <command> [options]

Commands:
  deliver    Filter one message from stdin through the user's active script
  version    Show version information
  help       Show this help message

Examples:
  sora-sieve deliver -user alice@example.com -from bob@example.org < message.eml
  sora-sieve deliver -config /etc/sora-sieve.toml -user alice@example.com -from "" < bounce.eml

Use 'sora-sieve <command> -help' for more information about a command.
`)
}

// optionalString is a flag that remembers whether it was set, so an empty
// -from (the null sender) differs from no -from at all.
type optionalString struct {
	value *string
}

func (o *optionalString) String() string {
	if o.value == nil {
		return ""
	}
	return *o.value
}

func (o *optionalString) Set(s string) error {
	o.value = &s
	return nil
}

func handleDeliver(args []string) int {
	fs := flag.NewFlagSet("deliver", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	user := fs.String("user", "", "Owner of the target mailboxes (required)")
	recipient := fs.String("recipient", "", "Envelope recipient (defaults to -user)")
	origRecipient := fs.String("original-recipient", "", "Original recipient (ORCPT)")
	mailbox := fs.String("mailbox", "", "Target mailbox of keep (default INBOX)")
	authUser := fs.String("auth", "", "Authenticated submitter")
	remoteIP := fs.String("remote-ip", "", "Address of the SMTP client")
	remoteHost := fs.String("remote-host", "", "Name of the SMTP client")
	var from optionalString
	fs.Var(&from, "from", "Envelope sender; \"\" is the null sender")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required")
		fs.Usage()
		return exitUsage
	}
	if *recipient == "" {
		*recipient = *user
	}

	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			return exitConfig
		}
		fmt.Fprintf(os.Stderr, "WARNING: configuration file %s not found, using defaults\n", *configPath)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return exitConfig
	}
	if cfg.Server.Version == "" || cfg.Server.Version == "dev" {
		cfg.Server.Version = version
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SORA-SIEVE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		shutdown := startMetricsServer(cfg.Metrics)
		defer shutdown()
	}

	engine, closeDeps, err := buildEngine(ctx, cfg)
	if err != nil {
		logger.Error("SORA-SIEVE: failed to initialise delivery", "error", err)
		return exitConfig
	}
	defer closeDeps()

	rt, err := sieveengine.New(engine.Extensions())
	if err != nil {
		logger.Error("SORA-SIEVE: invalid sieve extensions", "error", err)
		return exitConfig
	}

	msg, err := spool.Stage(cfg.Server.GetStagingDir(), os.Stdin, from.value, time.Now())
	if err != nil {
		logger.Error("SORA-SIEVE: failed to stage message", "error", err)
		return exitTempFail
	}
	defer msg.Close()

	done, err := engine.AlreadyDelivered(ctx, *user, msg.MessageID, msg.Date)
	if err != nil {
		logger.Warn("SORA-SIEVE: delivery record lookup failed", "user", *user, "error", err)
	}
	if done {
		logger.Info("SORA-SIEVE: message already delivered", "user", *user, "msgid", msg.MessageID)
		fmt.Println("250 2.0.0 duplicate suppressed")
		return exitOK
	}

	sess := engine.NewSession(delivery.Recipient{
		UserID:            *user,
		Address:           *recipient,
		OriginalRecipient: *origRecipient,
		Mailbox:           *mailbox,
		AuthUser:          *authUser,
	}, msg)
	sess.RemoteIP = *remoteIP
	sess.RemoteHost = *remoteHost

	if err := engine.Run(ctx, rt, sess); err != nil {
		if !errors.Is(err, delivery.ErrNoScript) {
			logger.Warn("SORA-SIEVE: script failed, delivering to default mailbox", "user", *user, "error", err)
		}
		if res := sess.Dispatch(ctx, delivery.Keep{}); res.Outcome == delivery.OutcomeFail {
			fmt.Printf("451 4.3.0 %s\n", res.Message)
			return exitTempFail
		}
	}

	if smtpErr := sess.Status().SMTPError(); smtpErr != nil {
		code := smtpErr.EnhancedCode
		fmt.Printf("%d %d.%d.%d %s\n", smtpErr.Code, code[0], code[1], code[2], smtpErr.Message)
		return exitNoPerm
	}
	fmt.Println("250 2.1.5 OK")
	return exitOK
}

// buildEngine wires the collaborators cfg describes. The returned func
// releases them.
func buildEngine(ctx context.Context, cfg config.Config) (*delivery.Engine, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	l, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	closers = append(closers, func() { closeLedger(l) })

	s3, err := storage.New(cfg.Storage)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("failed to open mail store: %w", err)
	}

	transport, err := relay.NewTransportFromConfig(cfg.Relay)
	if err != nil {
		if !errors.Is(err, consts.ErrRelayNotConfigured) {
			closeAll()
			return nil, nil, err
		}
		logger.Warn("SORA-SIEVE: no relay configured, redirect, reject and vacation will fail")
		transport = nil
	}

	rewriter, err := srs.New(cfg.SRS)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	ids := idgen.NewGenerator()
	opts := delivery.Options{
		Server:    cfg.Server,
		Sieve:     cfg.Sieve,
		Store:     storage.NewMailStore(s3, ids),
		IDs:       ids,
		Ledger:    l,
		Transport: transport,
		SRS:       rewriter,
	}
	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if notifier != nil {
		opts.Notifier = notifier
	}

	engine, err := delivery.NewEngine(opts)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	if interval, err := cfg.Ledger.GetPruneInterval(); err == nil {
		if retention, err := cfg.Ledger.GetRetention(); err == nil {
			go ledger.RunPruner(ctx, l, interval, retention)
		}
	}
	return engine, closeAll, nil
}

func closeLedger(l ledger.Ledger) {
	switch c := l.(type) {
	case io.Closer:
		if err := c.Close(); err != nil {
			logger.Warn("SORA-SIEVE: failed to close ledger", "error", err)
		}
	case interface{ Close() }:
		c.Close()
	}
}

func startMetricsServer(cfg config.MetricsConfig) func() {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("SORA-SIEVE: metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}
}
