// Package config holds the TOML configuration of the sieve delivery engine.
package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/sora-sieve/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// ServerConfig identifies this delivery agent in generated mail.
type ServerConfig struct {
	Hostname    string `toml:"hostname"`
	Postmaster  string `toml:"postmaster"`
	ProductName string `toml:"product_name"`
	Version     string `toml:"version"`
	StagingDir  string `toml:"staging_dir"` // Where inbound and respooled messages are staged
}

// GetHostname returns the configured hostname, falling back to os.Hostname.
func (s *ServerConfig) GetHostname() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

// GetPostmaster returns the postmaster address used as From of bounces.
func (s *ServerConfig) GetPostmaster() string {
	if s.Postmaster != "" {
		return s.Postmaster
	}
	return "postmaster@" + s.GetHostname()
}

// GetStagingDir returns the staging directory with a default under os.TempDir.
func (s *ServerConfig) GetStagingDir() string {
	if s.StagingDir != "" {
		return s.StagingDir
	}
	return os.TempDir()
}

// FolderList accepts either a TOML array or a single "|"-separated string.
type FolderList []string

func (f *FolderList) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		*f = helpers.SplitFolderList(val)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("autocreate_folders entries must be strings, got %T", item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*f = out
	default:
		return fmt.Errorf("autocreate_folders must be a string or an array, got %T", v)
	}
	return nil
}

// SieveConfig controls script lookup and action behaviour.
type SieveConfig struct {
	ScriptsDir   string   `toml:"scripts_dir"`   // Root of the script tree
	ActiveScript string   `toml:"active_script"` // Name of the per-user active script
	Extensions   []string `toml:"extensions"`    // Enabled sieve extensions (empty = runtime default)

	AutocreateAll          bool       `toml:"autocreate_all"`           // Create any missing fileinto target
	AutocreateFolders      FolderList `toml:"autocreate_folders"`       // Targets created on demand
	LMTPReject             bool       `toml:"lmtp_reject"`              // Allow protocol-level reject for 7-bit reasons
	DuplicateMaxExpiration string     `toml:"duplicate_max_expiration"` // Ceiling for duplicate :seconds
	NotifyMethod           string     `toml:"notify_method"`            // Method used for "default"
	VacationFCCAutocreate  *bool      `toml:"vacation_fcc_autocreate"`  // Create missing :fcc targets
}

// GetActiveScript returns the active script name with its default.
func (s *SieveConfig) GetActiveScript() string {
	if s.ActiveScript != "" {
		return s.ActiveScript
	}
	return "active.sieve"
}

// GetDuplicateMaxExpiration parses the duplicate ceiling (default 90 days).
func (s *SieveConfig) GetDuplicateMaxExpiration() (time.Duration, error) {
	if s.DuplicateMaxExpiration == "" {
		return 90 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(s.DuplicateMaxExpiration)
}

// GetNotifyMethod returns the default notification method.
func (s *SieveConfig) GetNotifyMethod() string {
	if s.NotifyMethod != "" {
		return s.NotifyMethod
	}
	return "mailto"
}

// GetVacationFCCAutocreate reports whether :fcc targets may be created.
func (s *SieveConfig) GetVacationFCCAutocreate() bool {
	if s.VacationFCCAutocreate == nil {
		return true
	}
	return *s.VacationFCCAutocreate
}

// SRSConfig configures return-path rewriting for redirects.
type SRSConfig struct {
	Domain        string   `toml:"domain"`
	Secrets       []string `toml:"secrets"` // First secret signs, all secrets verify
	AlwaysRewrite bool     `toml:"always_rewrite"`
	MaxAge        string   `toml:"max_age"`
}

// IsConfigured returns true if SRS rewriting is enabled.
func (s *SRSConfig) IsConfigured() bool {
	return s.Domain != "" && len(s.Secrets) > 0
}

// GetMaxAge parses the validity window of reversed addresses (default 21 days).
func (s *SRSConfig) GetMaxAge() (time.Duration, error) {
	if s.MaxAge == "" {
		return 21 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(s.MaxAge)
}

// DatabaseEndpointConfig holds a postgres endpoint.
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            any      `toml:"port"` // string or integer
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
}

// GetPort returns the port as a string (default "5432").
func (e *DatabaseEndpointConfig) GetPort() string {
	switch v := e.Port.(type) {
	case string:
		if v != "" {
			return v
		}
	case int64:
		return fmt.Sprintf("%d", v)
	case int:
		return fmt.Sprintf("%d", v)
	}
	return "5432"
}

// ConnString builds a postgres URL for the first configured host.
func (e *DatabaseEndpointConfig) ConnString() (string, error) {
	if len(e.Hosts) == 0 {
		return "", fmt.Errorf("at least one host must be specified")
	}
	host := e.Hosts[0]
	if !strings.Contains(host, ":") {
		host = host + ":" + e.GetPort()
	}
	sslMode := "disable"
	if e.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s", e.User, e.Password, host, e.Name, sslMode), nil
}

// GetMaxConnLifetime parses the max connection lifetime (default 1h).
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max idle time (default 30m).
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// LedgerConfig selects the suppression ledger backend.
type LedgerConfig struct {
	Driver        string                  `toml:"driver"` // "sqlite", "postgres" or "memory"
	Path          string                  `toml:"path"`   // sqlite database file
	PruneInterval string                  `toml:"prune_interval"`
	Retention     string                  `toml:"retention"` // Kept past expiry before pruning
	Postgres      *DatabaseEndpointConfig `toml:"postgres"`
}

// GetPruneInterval parses the pruning interval (default 1h).
func (l *LedgerConfig) GetPruneInterval() (time.Duration, error) {
	if l.PruneInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(l.PruneInterval)
}

// GetRetention parses how long expired records are kept (default 3d).
func (l *LedgerConfig) GetRetention() (time.Duration, error) {
	if l.Retention == "" {
		return 72 * time.Hour, nil
	}
	return helpers.ParseDuration(l.Retention)
}

// S3Config holds the S3 mail store configuration.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// NotifyConfig configures the HTTP notification dispatcher.
type NotifyConfig struct {
	URL       string `toml:"url"`
	AuthToken string `toml:"auth_token"`
	Timeout   string `toml:"timeout"`
}

// IsConfigured returns true if a notification endpoint is set.
func (n *NotifyConfig) IsConfigured() bool {
	return n.URL != ""
}

// GetTimeout parses the request timeout (default 10s).
func (n *NotifyConfig) GetTimeout() (time.Duration, error) {
	if n.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(n.Timeout)
}

// MetricsConfig holds the prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config is the root of the configuration file.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Server  ServerConfig  `toml:"server"`
	Sieve   SieveConfig   `toml:"sieve"`
	Relay   RelayConfig   `toml:"relay"`
	SRS     SRSConfig     `toml:"srs"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Storage S3Config      `toml:"storage"`
	Notify  NotifyConfig  `toml:"notify"`
	Metrics MetricsConfig `toml:"metrics"`
}

// NewDefaultConfig returns a configuration usable for local testing.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Server: ServerConfig{
			ProductName: "sora-sieve",
			Version:     "dev",
		},
		Sieve: SieveConfig{
			ScriptsDir:             "/var/lib/sora-sieve/scripts",
			ActiveScript:           "active.sieve",
			DuplicateMaxExpiration: "90d",
			NotifyMethod:           "mailto",
		},
		Ledger: LedgerConfig{
			Driver:        "sqlite",
			Path:          "/var/lib/sora-sieve/ledger.db",
			PruneInterval: "1h",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "", "sqlite", "memory":
	case "postgres":
		if c.Ledger.Postgres == nil || len(c.Ledger.Postgres.Hosts) == 0 {
			return fmt.Errorf("ledger.postgres requires at least one host")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Relay.IsConfigured() && !c.Relay.IsSMTP() && !c.Relay.IsHTTP() {
		return fmt.Errorf("unknown relay type %q", c.Relay.Type)
	}
	if _, err := c.Sieve.GetDuplicateMaxExpiration(); err != nil {
		return fmt.Errorf("invalid sieve.duplicate_max_expiration: %w", err)
	}
	if c.SRS.Domain != "" && len(c.SRS.Secrets) == 0 {
		return fmt.Errorf("srs.domain is set but srs.secrets is empty")
	}
	return nil
}

// LoadConfigFromFile decodes the TOML file at configPath into cfg. Unknown
// keys are reported as warnings; string fields are trimmed.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a configuration key appears twice; remove or comment out the duplicate", err)
	case strings.Contains(msg, "expected value but found \"f\""), strings.Contains(msg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: TOML booleans must be exactly 'true' or 'false'", err)
	case strings.Contains(msg, "expected"), strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: syntax error; check quoting, brackets and section headers", err)
	}
	return err
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Interface:
		if !v.IsNil() && v.Elem().Kind() == reflect.String {
			v.Set(reflect.ValueOf(strings.TrimSpace(v.Elem().String())))
		}
	}
}
