package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/wadahiro/pkcelens/internal/exchange"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr          string        `toml:"listen_addr" yaml:"listen_addr"`
	InsecureSkipVerify  bool          `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	LogLevel            string        `toml:"log_level" yaml:"log_level"`
	Timezone            string        `toml:"timezone" yaml:"timezone"`
	TLSCertPath         string        `toml:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath          string        `toml:"tls_key_path" yaml:"tls_key_path"`
	TLSSelfSigned       bool          `toml:"tls_self_signed" yaml:"tls_self_signed"`
	TLSAutocertHosts    []string      `toml:"tls_autocert_hosts" yaml:"tls_autocert_hosts"`
	TLSAutocertCacheDir string        `toml:"tls_autocert_cache_dir" yaml:"tls_autocert_cache_dir"`
	BaseURL             string        `toml:"base_url" yaml:"base_url"`
	Client              ClientConfig  `toml:"client" yaml:"client"`
	Session             SessionConfig `toml:"session" yaml:"session"`

	// Computed fields (not from the file)
	Origin   string // scheme://host of base_url
	BasePath string // path prefix of base_url, empty at the root
}

// ClientConfig describes the OAuth client and the resource API.
type ClientConfig struct {
	APIBaseURL            string            `toml:"api_base_url" yaml:"api_base_url"`
	AuthorizationEndpoint string            `toml:"authorization_endpoint" yaml:"authorization_endpoint"`
	Issuer                string            `toml:"issuer" yaml:"issuer"` // discovery, optional
	ClientID              string            `toml:"client_id" yaml:"client_id"`
	RedirectURI           string            `toml:"redirect_uri" yaml:"redirect_uri"`
	Scope                 string            `toml:"scope" yaml:"scope"`
	ResponseType          string            `toml:"response_type" yaml:"response_type"`
	ExtraAuthParams       map[string]string `toml:"extra_auth_params" yaml:"extra_auth_params"`
	Locale                string            `toml:"locale" yaml:"locale"`
	EnforceState          *bool             `toml:"enforce_state" yaml:"enforce_state"` // default: true
	AllowVerifierOverride bool              `toml:"allow_verifier_override" yaml:"allow_verifier_override"`
	AutoExchange          bool              `toml:"auto_exchange" yaml:"auto_exchange"`
	CodeTTL               Duration          `toml:"code_ttl" yaml:"code_ttl"`
	ExchangeTimeout       Duration          `toml:"exchange_timeout" yaml:"exchange_timeout"`
	ExpectedIssuer        string            `toml:"expected_issuer" yaml:"expected_issuer"`
	VerifySignature       bool              `toml:"verify_signature" yaml:"verify_signature"`
	JWKSURI               string            `toml:"jwks_uri" yaml:"jwks_uri"` // optional, discovery fills it
}

// SessionConfig selects the session store.
type SessionConfig struct {
	Mode          string   `toml:"mode" yaml:"mode"`
	MaterialTTL   Duration `toml:"material_ttl" yaml:"material_ttl"`
	RedisAddr     string   `toml:"redis_addr" yaml:"redis_addr"`
	RedisPassword string   `toml:"redis_password" yaml:"redis_password"`
	RedisDB       int      `toml:"redis_db" yaml:"redis_db"`
}

const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// Duration reads Go duration strings such as "300s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads the configuration from a TOML or YAML file, chosen by extension.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":3001",
		LogLevel:   "info",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies defaults and validates.
func (cfg *Config) finish() error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3001"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	// Validate TLS settings
	tlsModes := 0
	if cfg.TLSSelfSigned {
		tlsModes++
	}
	if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" {
		tlsModes++
	}
	if len(cfg.TLSAutocertHosts) > 0 {
		tlsModes++
	}
	if tlsModes > 1 {
		return fmt.Errorf("tls_self_signed, tls_cert_path/tls_key_path and tls_autocert_hosts are mutually exclusive")
	}
	if (cfg.TLSCertPath != "") != (cfg.TLSKeyPath != "") {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be specified together")
	}
	if len(cfg.TLSAutocertHosts) > 0 && cfg.TLSAutocertCacheDir == "" {
		cfg.TLSAutocertCacheDir = "autocert-cache"
	}

	if err := parseBaseURL(&cfg.BaseURL, &cfg.Origin, &cfg.BasePath); err != nil {
		return err
	}

	c := &cfg.Client
	applyClientDefaults(c, cfg.BaseURL)
	if c.APIBaseURL == "" {
		return fmt.Errorf("client.api_base_url is required")
	}
	if err := requireHTTPURL("client.api_base_url", c.APIBaseURL); err != nil {
		return err
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if c.ClientID == "" {
		return fmt.Errorf("client.client_id is required")
	}
	if c.AuthorizationEndpoint == "" && c.Issuer == "" {
		return fmt.Errorf("client.authorization_endpoint or client.issuer is required")
	}
	if c.AuthorizationEndpoint != "" {
		if err := requireHTTPURL("client.authorization_endpoint", c.AuthorizationEndpoint); err != nil {
			return err
		}
	}
	if err := requireHTTPURL("client.redirect_uri", c.RedirectURI); err != nil {
		return err
	}
	if !exchange.SupportedLocale(c.Locale) {
		return fmt.Errorf("client.locale %q: supported locales are %s", c.Locale, strings.Join(exchange.Locales(), ", "))
	}
	if c.VerifySignature && c.JWKSURI == "" && c.Issuer == "" {
		return fmt.Errorf("client.verify_signature needs client.jwks_uri or client.issuer")
	}

	s := &cfg.Session
	if s.Mode == "" {
		s.Mode = SessionMemory
	}
	if s.MaterialTTL.Duration == 0 {
		s.MaterialTTL.Duration = 10 * time.Minute
	}
	switch s.Mode {
	case SessionMemory:
	case SessionRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required when session.mode is redis")
		}
	default:
		return fmt.Errorf("session.mode %q: must be memory or redis", s.Mode)
	}
	return nil
}

func applyClientDefaults(c *ClientConfig, baseURL string) {
	if c.RedirectURI == "" {
		c.RedirectURI = baseURL + "/login/callback"
	}
	if c.Scope == "" {
		c.Scope = "openid profile"
	}
	if c.ResponseType == "" {
		c.ResponseType = "code"
	}
	if c.Locale == "" {
		c.Locale = "en"
	}
	if c.EnforceState == nil {
		enforce := true
		c.EnforceState = &enforce
	}
	if c.CodeTTL.Duration == 0 {
		c.CodeTTL.Duration = 300 * time.Second
	}
	if c.ExchangeTimeout.Duration == 0 {
		c.ExchangeTimeout.Duration = 15 * time.Second
	}
	if c.ExpectedIssuer == "" {
		c.ExpectedIssuer = c.Issuer
	}
}

// StateEnforced reports whether a state mismatch blocks the exchange.
func (c ClientConfig) StateEnforced() bool {
	return c.EnforceState == nil || *c.EnforceState
}

// parseBaseURL validates base_url and sets the computed origin and basePath.
func parseBaseURL(baseURL *string, origin *string, basePath *string) error {
	if *baseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	u, err := url.Parse(*baseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", *baseURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url %q: scheme must be http or https", *baseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url %q: host is required", *baseURL)
	}

	*origin = u.Scheme + "://" + u.Host

	// Normalize path: strip trailing slash
	p := strings.TrimRight(u.Path, "/")
	*basePath = p

	*baseURL = *origin + p
	return nil
}

func requireHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q: must be an absolute http or https URL", key, raw)
	}
	return nil
}

// TLSEnabled returns true if TLS is configured (self-signed, cert files or autocert).
func (c *Config) TLSEnabled() bool {
	return c.TLSSelfSigned || (c.TLSCertPath != "" && c.TLSKeyPath != "") || len(c.TLSAutocertHosts) > 0
}
