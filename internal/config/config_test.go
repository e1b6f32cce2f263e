package config

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminAddr    = "0x1111111111111111111111111111111111111111"
	ministryAddr = "0x00000000000000000000000000000000000000aa"
	secretHex    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

func validConfig() Config {
	c := Default()
	c.Admin = adminAddr
	c.Ministry = ministryAddr
	c.Escrow.Secret = secretHex
	return c
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultNeedsIdentities(t *testing.T) {
	c := Default()
	err := c.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "admin")
	assert.Contains(t, err.Error(), "ministry")
	assert.Contains(t, err.Error(), "escrow")

	v := validConfig()
	require.NoError(t, v.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcrypt.yaml")
	doc := `
listen: ":9000"
admin: "` + adminAddr + `"
ministry: "` + ministryAddr + `"
storage:
  backend: postgres
  postgres_dsn: postgres://localhost/transcrypt
content:
  backend: memory
escrow:
  secret: "` + secretHex + `"
tokens:
  admin-token-0123456789: "` + adminAddr + `"
trusted_proxies: ["10.0.0.0/8"]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, ":9000", c.Listen)
	assert.Equal(t, StoragePostgres, c.Storage.Backend)
	assert.Equal(t, ContentMemory, c.Content.Backend)
	// Unset sections keep their defaults.
	assert.Equal(t, AuditSQLite, c.Audit.Backend)
	assert.Equal(t, "./data", c.DataDir)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listne: \":1\"\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listne")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	c.ApplyEnv(envMap(map[string]string{
		"TRANSCRYPT_LISTEN":          " :7000 ",
		"TRANSCRYPT_ADMIN":           adminAddr,
		"TRANSCRYPT_MINISTRY":        ministryAddr,
		"TRANSCRYPT_STORAGE_BACKEND": "memory",
		"TRANSCRYPT_ESCROW_SECRET":   secretHex,
		"TRANSCRYPT_WEBHOOK_URL":     "https://hooks.example.org/bg",
		"TRANSCRYPT_TRUSTED_PROXIES": "10.0.0.1, 192.168.0.0/16,",
		"TRANSCRYPT_API_TOKENS":      "tok-admin-0123456789=" + adminAddr + ",malformed, tok-ministry-0123456=" + ministryAddr,
		"TRANSCRYPT_DATA_DIR":        "   ",
	}))
	require.NoError(t, c.Validate())

	assert.Equal(t, ":7000", c.Listen)
	assert.Equal(t, StorageMemory, c.Storage.Backend)
	assert.Equal(t, "./data", c.DataDir, "blank values are ignored")
	assert.Equal(t, []string{"10.0.0.1", "192.168.0.0/16"}, c.TrustedProxies)
	assert.Len(t, c.Tokens, 2)

	tokens, err := c.APITokens()
	require.NoError(t, err)
	assert.Equal(t, ministryAddr, tokens["tok-ministry-0123456"].String())

	prefixes, err := c.ProxyPrefixes()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.1/32"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}, prefixes)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"storage backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"postgres dsn", func(c *Config) { c.Storage.Backend = StoragePostgres }, "postgres_dsn"},
		{"audit backend", func(c *Config) { c.Audit.Backend = "file" }, "audit.backend"},
		{"content backend", func(c *Config) { c.Content.Backend = "s3" }, "content.backend"},
		{"wallet backend", func(c *Config) { c.Wallet.Backend = "ledger" }, "wallet.backend"},
		{"tls pair", func(c *Config) { c.TLSCert = "cert.pem" }, "tls_key"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"short secret", func(c *Config) { c.Escrow.Secret = "abcd" }, "32 bytes"},
		{"non-hex secret", func(c *Config) { c.Escrow.Secret = "not-hex" }, "not hex"},
		{"webhook scheme", func(c *Config) { c.Webhook.URL = "ftp://example.org" }, "webhook.url"},
		{"short token", func(c *Config) { c.Tokens = map[string]string{"short": adminAddr} }, "shorter than 16"},
		{"token address", func(c *Config) { c.Tokens = map[string]string{"long-enough-token-123": "bob"} }, "api token address"},
		{"proxy", func(c *Config) { c.TrustedProxies = []string{"not-an-ip"} }, "trusted proxy"},
		{"data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDataDirNotNeededForExplicitPaths(t *testing.T) {
	c := validConfig()
	c.DataDir = ""
	c.Storage.Backend = StorageMemory
	c.Audit.SQLitePath = "/var/lib/transcrypt/audit.db"
	c.Content.Dir = "/var/lib/transcrypt/content"
	require.NoError(t, c.Validate())
	assert.Equal(t, "/var/lib/transcrypt/audit.db", c.SQLitePath())
	assert.Equal(t, "/var/lib/transcrypt/content", c.ContentDir())

	d := validConfig()
	assert.Equal(t, "./data/audit.db", d.SQLitePath())
	assert.Equal(t, "./data/content", d.ContentDir())
}

func TestEscrowSecret(t *testing.T) {
	c := validConfig()
	c.Escrow.Secret = "0x" + secretHex
	secret, err := c.EscrowSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 32)
	assert.Equal(t, byte(0x1f), secret[31])

	path := filepath.Join(t.TempDir(), "escrow.key")
	require.NoError(t, os.WriteFile(path, []byte(secretHex+"\n"), 0o600))
	f := validConfig()
	f.Escrow.Secret = ""
	f.Escrow.SecretFile = path
	require.NoError(t, f.Validate())
	fromFile, err := f.EscrowSecret()
	require.NoError(t, err)
	assert.Equal(t, secret, fromFile)
}

func TestSlogLevel(t *testing.T) {
	c := validConfig()
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		c.LogLevel = in
		assert.Equal(t, want, c.SlogLevel(), in)
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	c := validConfig()
	c.Webhook.AuthHeader = "Bearer hook-secret"
	c.Storage.PostgresDSN = "postgres://user:pw@db/transcrypt"
	c.Tokens = map[string]string{"super-secret-token-value": adminAddr}

	out := c.String()
	for _, secret := range []string{secretHex, "hook-secret", "user:pw", "super-secret-token-value"} {
		assert.False(t, strings.Contains(out, secret), "leaked %q", secret)
	}
	assert.Contains(t, out, adminAddr)
	assert.Equal(t, secretHex, c.Escrow.Secret, "String must not mutate the receiver")
}
