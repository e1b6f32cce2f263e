// Package config loads the server configuration from an optional YAML file
// and TRANSCRYPT_* environment variables, in that order of precedence
// (environment wins). Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/abdoulaahmad/transcrypt2/ident"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const envPrefix = "TRANSCRYPT_"

// Storage backends for the ledger, index and escrow records.
const (
	StorageMemory   = "memory"
	StorageBolt     = "bbolt"
	StoragePostgres = "postgres"
)

// Audit log backends.
const (
	AuditRepository = "repository"
	AuditSQLite     = "sqlite"
)

// Content store backends.
const (
	ContentMemory = "memory"
	ContentBadger = "badger"
)

// Custodial wallet backends.
const (
	WalletNone    = "none"
	WalletMemory  = "memory"
	WalletKeyring = "keyring"
)

type Config struct {
	Listen   string `yaml:"listen"`
	DataDir  string `yaml:"data_dir"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
	LogLevel string `yaml:"log_level"`

	// Admin receives DEFAULT_ADMIN_ROLE when the ledger is created.
	Admin string `yaml:"admin"`
	// Ministry is the only address allowed to execute break glass.
	Ministry string `yaml:"ministry"`

	Storage StorageConfig `yaml:"storage"`
	Audit   AuditConfig   `yaml:"audit"`
	Content ContentConfig `yaml:"content"`
	Escrow  EscrowConfig  `yaml:"escrow"`
	Webhook WebhookConfig `yaml:"webhook"`
	Wallet  WalletConfig  `yaml:"wallet"`

	// Tokens maps API bearer tokens to the address they act for.
	Tokens         map[string]string `yaml:"tokens"`
	TrustedProxies []string          `yaml:"trusted_proxies"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type AuditConfig struct {
	Backend string `yaml:"backend"`
	// SQLitePath defaults to DataDir/audit.db.
	SQLitePath string `yaml:"sqlite_path"`
}

type ContentConfig struct {
	Backend string `yaml:"backend"`
	// Dir defaults to DataDir/content.
	Dir string `yaml:"dir"`
}

type EscrowConfig struct {
	// Secret is hex encoded, at least 32 bytes. SecretFile is read when
	// Secret is empty.
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"`
}

type WebhookConfig struct {
	URL        string `yaml:"url"`
	AuthHeader string `yaml:"auth_header"`
}

type WalletConfig struct {
	Backend     string `yaml:"backend"`
	ServiceName string `yaml:"service_name"`
	// FileDir is used by the keyring's encrypted-file fallback.
	FileDir string `yaml:"file_dir"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Listen:   ":8443",
		DataDir:  "./data",
		LogLevel: "info",
		Storage:  StorageConfig{Backend: StorageBolt},
		Audit:    AuditConfig{Backend: AuditSQLite},
		Content:  ContentConfig{Backend: ContentBadger},
		Wallet:   WalletConfig{Backend: WalletNone, ServiceName: "transcrypt"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides fields from TRANSCRYPT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LISTEN", &c.Listen)
	str("DATA_DIR", &c.DataDir)
	str("TLS_CERT", &c.TLSCert)
	str("TLS_KEY", &c.TLSKey)
	str("LOG_LEVEL", &c.LogLevel)
	str("ADMIN", &c.Admin)
	str("MINISTRY", &c.Ministry)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("AUDIT_BACKEND", &c.Audit.Backend)
	str("AUDIT_SQLITE_PATH", &c.Audit.SQLitePath)
	str("CONTENT_BACKEND", &c.Content.Backend)
	str("CONTENT_DIR", &c.Content.Dir)
	str("ESCROW_SECRET", &c.Escrow.Secret)
	str("ESCROW_SECRET_FILE", &c.Escrow.SecretFile)
	str("WEBHOOK_URL", &c.Webhook.URL)
	str("WEBHOOK_AUTH_HEADER", &c.Webhook.AuthHeader)
	str("WALLET_BACKEND", &c.Wallet.Backend)
	str("WALLET_SERVICE_NAME", &c.Wallet.ServiceName)
	str("WALLET_FILE_DIR", &c.Wallet.FileDir)

	if v, ok := lookup(envPrefix + "TRUSTED_PROXIES"); ok {
		if proxies := splitCSV(v); proxies != nil {
			c.TrustedProxies = proxies
		}
	}
	// TRANSCRYPT_API_TOKENS=token=0xaddr,token2=0xaddr
	if v, ok := lookup(envPrefix + "API_TOKENS"); ok {
		for _, pair := range splitCSV(v) {
			tok, addr, found := strings.Cut(pair, "=")
			if !found {
				continue
			}
			if c.Tokens == nil {
				c.Tokens = make(map[string]string)
			}
			c.Tokens[strings.TrimSpace(tok)] = strings.TrimSpace(addr)
		}
	}
}

// Validate checks every field the server depends on and returns all
// problems joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if c.Listen == "" {
		bad("listen address is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		bad("tls_cert and tls_key must be set together")
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		bad("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if _, err := ident.ParseAddress(c.Admin); err != nil {
		bad("admin: %v", err)
	}
	if _, err := ident.ParseAddress(c.Ministry); err != nil {
		bad("ministry: %v", err)
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageBolt:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			bad("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		bad("storage.backend %q is not one of memory, bbolt, postgres", c.Storage.Backend)
	}
	switch c.Audit.Backend {
	case AuditRepository, AuditSQLite:
	default:
		bad("audit.backend %q is not one of repository, sqlite", c.Audit.Backend)
	}
	switch c.Content.Backend {
	case ContentMemory, ContentBadger:
	default:
		bad("content.backend %q is not one of memory, badger", c.Content.Backend)
	}
	switch c.Wallet.Backend {
	case WalletNone, WalletMemory, WalletKeyring:
	default:
		bad("wallet.backend %q is not one of none, memory, keyring", c.Wallet.Backend)
	}
	if c.needsDataDir() && c.DataDir == "" {
		bad("data_dir is required by the configured backends")
	}

	if c.Escrow.Secret == "" && c.Escrow.SecretFile == "" {
		bad("escrow.secret or escrow.secret_file is required")
	} else if c.Escrow.Secret != "" {
		if _, err := decodeSecret(c.Escrow.Secret); err != nil {
			bad("escrow.secret: %v", err)
		}
	}

	if c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("webhook.url %q must be an absolute http(s) URL", c.Webhook.URL)
		}
	}

	if _, err := c.APITokens(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) needsDataDir() bool {
	return c.Storage.Backend == StorageBolt ||
		(c.Audit.Backend == AuditSQLite && c.Audit.SQLitePath == "") ||
		(c.Content.Backend == ContentBadger && c.Content.Dir == "")
}

// AdminAddress returns the parsed admin address.
func (c *Config) AdminAddress() (ident.Address, error) {
	return ident.ParseAddress(c.Admin)
}

// MinistryAddress returns the parsed ministry address.
func (c *Config) MinistryAddress() (ident.Address, error) {
	return ident.ParseAddress(c.Ministry)
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// APITokens parses Tokens. Tokens shorter than 16 characters are rejected.
func (c *Config) APITokens() (map[string]ident.Address, error) {
	out := make(map[string]ident.Address, len(c.Tokens))
	for tok, raw := range c.Tokens {
		if len(tok) < 16 {
			return nil, fmt.Errorf("%w: api token for %s is shorter than 16 characters", ErrInvalid, raw)
		}
		addr, err := ident.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: api token address: %w", ErrInvalid, err)
		}
		out[tok] = addr
	}
	return out, nil
}

// ProxyPrefixes parses TrustedProxies. Bare addresses become single-host
// prefixes.
func (c *Config) ProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted proxy %q", ErrInvalid, raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// EscrowSecret returns the decoded escrow secret, reading SecretFile when
// Secret is empty.
func (c *Config) EscrowSecret() ([]byte, error) {
	raw := c.Escrow.Secret
	if raw == "" && c.Escrow.SecretFile != "" {
		data, err := os.ReadFile(c.Escrow.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("reading escrow secret: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	return decodeSecret(raw)
}

func decodeSecret(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: escrow secret is not hex", ErrInvalid)
	}
	if len(b) < 32 {
		return nil, fmt.Errorf("%w: escrow secret must be at least 32 bytes, got %d", ErrInvalid, len(b))
	}
	return b, nil
}

// SQLitePath returns the audit database path.
func (c *Config) SQLitePath() string {
	if c.Audit.SQLitePath != "" {
		return c.Audit.SQLitePath
	}
	return c.DataDir + "/audit.db"
}

// ContentDir returns the Badger directory.
func (c *Config) ContentDir() string {
	if c.Content.Dir != "" {
		return c.Content.Dir
	}
	return c.DataDir + "/content"
}

// String renders the configuration with secrets redacted, for startup logs.
func (c Config) String() string {
	c.Escrow.Secret = redact(c.Escrow.Secret)
	c.Webhook.AuthHeader = redact(c.Webhook.AuthHeader)
	c.Storage.PostgresDSN = redact(c.Storage.PostgresDSN)
	tokens := make(map[string]string, len(c.Tokens))
	i := 0
	for _, addr := range c.Tokens {
		i++
		tokens["token-"+strconv.Itoa(i)] = addr
	}
	c.Tokens = tokens
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "REDACTED"
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
