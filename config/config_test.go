package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
hostname = "  mx1.example.com  "
postmaster = "postmaster@example.com"

[sieve]
autocreate_all = false
autocreate_folders = "Junk | Lists/dev"
lmtp_reject = true
duplicate_max_expiration = "30d"

[relay]
type = "smtp"
smtp_host = "localhost:587"
smtp_use_starttls = true

[ledger]
driver = "postgres"
[ledger.postgres]
hosts = ["db1"]
port = 5433
user = "sieve"
name = "ledger"

# not a real key
unknown_key = 1
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "mx1.example.com", cfg.Server.Hostname)
	assert.Equal(t, FolderList{"Junk", "Lists/dev"}, cfg.Sieve.AutocreateFolders)
	assert.True(t, cfg.Sieve.LMTPReject)
	assert.True(t, cfg.Relay.IsSMTP())

	d, err := cfg.Sieve.GetDuplicateMaxExpiration()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	require.NotNil(t, cfg.Ledger.Postgres)
	conn, err := cfg.Ledger.Postgres.ConnString()
	require.NoError(t, err)
	assert.Equal(t, "postgres://sieve:@db1:5433/ledger?sslmode=disable", conn)
	assert.NoError(t, cfg.Validate())
}

func TestFolderListArray(t *testing.T) {
	path := writeConfig(t, `
[sieve]
autocreate_folders = ["Junk", " Archive ", ""]
`)
	var cfg Config
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, FolderList{"Junk", "Archive"}, cfg.Sieve.AutocreateFolders)
}

func TestLoadConfigFromFile_SyntaxHint(t *testing.T) {
	path := writeConfig(t, "[sieve]\nlmtp_reject = t\n")
	var cfg Config
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, "active.sieve", cfg.Sieve.GetActiveScript())
	assert.Equal(t, "mailto", cfg.Sieve.GetNotifyMethod())
	assert.True(t, cfg.Sieve.GetVacationFCCAutocreate())
	assert.Equal(t, 5, cfg.Relay.GetCircuitBreakerThreshold())
	assert.Equal(t, 3, cfg.Relay.GetCircuitBreakerMaxRequests())

	cfg.Server.Hostname = "mx.example.org"
	assert.Equal(t, "postmaster@mx.example.org", cfg.Server.GetPostmaster())
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Ledger.Driver = "redis"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Ledger.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.SRS.Domain = "srs.example.com"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Relay.Type = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}
