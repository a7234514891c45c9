// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/external"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/server/handlers"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/session"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/users"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/telemetry"
)

// EnvPrefix prefixes the environment variables that override Config values.
const EnvPrefix = "AUTHCORE"

// Environment variables naming the interaction pages.
const (
	LoginURLEnvVar   = "IDP_LOGINURL"
	ConsentURLEnvVar = "IDP_CONSENTURL"
	LogoutURLEnvVar  = "IDP_LOGOUTURL"
)

// Default rate limit of the credential-checking endpoints.
const (
	DefaultRequestsPerSecond = 20
	DefaultBurst             = 40
)

// Config is the configuration of the authorization server.
type Config struct {
	// Issuer is the public base URL of the server and the "iss" of every token.
	Issuer string `yaml:"issuer"`

	// ListenAddr is the address Run listens on.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	Keys keys.Config `yaml:"keys,omitempty"`

	// Clients are registered at startup. ClientFile, when set, names a YAML
	// file whose clients are appended.
	Clients    []registry.Client  `yaml:"clients,omitempty"`
	ClientFile string             `yaml:"client_file,omitempty"`
	Resources  registry.Resources `yaml:"resources,omitempty"`

	// DomainPrefix enables domain scope expansion: requesting the bare prefix
	// expands to every API scope starting with it.
	DomainPrefix string `yaml:"domain_prefix,omitempty"`

	// RedirectURIPolicy is "strict" (default) or "allow_any".
	RedirectURIPolicy string `yaml:"redirect_uri_policy,omitempty"`

	Storage *storage.Config `yaml:"storage,omitempty"`

	External []external.Config `yaml:"external,omitempty"`

	Interaction InteractionConfig `yaml:"interaction,omitempty"`

	Session SessionConfig `yaml:"session,omitempty"`

	// Accounts are local users created at startup when missing.
	Accounts []users.Account `yaml:"accounts,omitempty"`

	Exchange ExchangeConfig `yaml:"exchange,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`

	Telemetry telemetry.Config `yaml:"telemetry,omitempty"`
}

// InteractionConfig locates the login, consent and logout pages.
type InteractionConfig struct {
	LoginURL   string `yaml:"login_url,omitempty"`
	ConsentURL string `yaml:"consent_url,omitempty"`
	LogoutURL  string `yaml:"logout_url,omitempty"`

	// AllowedOrigins are accepted in absolute return URLs besides the issuer.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	// RequestLifetime bounds how long a paused authorization request can be resumed.
	RequestLifetime time.Duration `yaml:"request_lifetime,omitempty"`
}

// SessionConfig configures the session cookie.
type SessionConfig struct {
	CookieName string        `yaml:"cookie_name,omitempty"`
	Lifetime   time.Duration `yaml:"lifetime,omitempty"`
	// Insecure drops the Secure cookie attribute. Plain HTTP development only.
	Insecure bool `yaml:"insecure,omitempty"`
	// SecretFiles hold the cookie signing secrets: the first is current, the
	// rest are rotated secrets still accepted. An ephemeral secret is used
	// when empty.
	SecretFiles []string `yaml:"secret_files,omitempty"`
}

// ExchangeConfig configures the token-exchange grant.
type ExchangeConfig struct {
	// SubjectIssuer accepts subject tokens from another issuer, verified
	// against its JWKS. Tokens of this server are accepted when empty.
	SubjectIssuer string `yaml:"subject_issuer,omitempty"`
	// JWKSURL overrides OpenID discovery of the subject issuer's keys.
	JWKSURL string `yaml:"jwks_url,omitempty"`
}

// RateLimitConfig throttles the token and login endpoints per client or
// remote address.
type RateLimitConfig struct {
	Disabled          bool    `yaml:"disabled,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("issuer must be an absolute http(s) URL: %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not have a query or fragment")
	}

	if _, ok := authorize.PolicyByName(c.RedirectURIPolicy); !ok {
		return fmt.Errorf("unknown redirect URI policy: %s", c.RedirectURIPolicy)
	}

	if c.Storage != nil {
		switch c.Storage.Type {
		case "", storage.TypeMemory:
		case storage.TypeRedis:
			if c.Storage.Redis == nil {
				return errors.New("storage: redis configuration is required for the redis backend")
			}
		case storage.TypeSQL:
			if c.Storage.SQL == nil || c.Storage.SQL.DSN == "" {
				return errors.New("storage: sql driver and dsn are required for the sql backend")
			}
		default:
			return fmt.Errorf("storage: unknown type %q", c.Storage.Type)
		}
	}

	seen := make(map[string]struct{}, len(c.External))
	for i, p := range c.External {
		if p.Name == "" {
			return fmt.Errorf("external provider %d: name is required", i)
		}
		if p.Name == handlers.LocalIdentityProvider {
			return fmt.Errorf("external provider name %q is reserved", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate external provider %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limit values must not be negative")
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"clientCount", len(c.Clients),
		"externalProviders", len(c.External),
	)
	return nil
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	logger.Debug("applying default values to authserver config")

	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if c.Storage == nil {
		c.Storage = storage.DefaultConfig()
		logger.Debugw("applied default storage", "type", c.Storage.Type)
	}
	if c.Interaction.LoginURL == "" {
		c.Interaction.LoginURL = handlers.DefaultLoginURL
	}
	if c.Interaction.ConsentURL == "" {
		c.Interaction.ConsentURL = handlers.DefaultConsentURL
	}
	if c.Interaction.LogoutURL == "" {
		c.Interaction.LogoutURL = handlers.DefaultLogoutURL
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = session.DefaultCookieName
	}
	if c.Session.Lifetime == 0 {
		c.Session.Lifetime = session.DefaultLifetime
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = DefaultRequestsPerSecond
		logger.Debugw("applied default rate limit", "rps", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultBurst
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = telemetry.DefaultConfig().ServiceName
	}
}

// LoadConfig reads the YAML file at path over DefaultConfig and applies
// environment overrides through v. An empty path keeps the defaults. A nil v
// reads the environment only.
func LoadConfig(path string, v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is provided by the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		logger.Debugw("loaded config file", "path", path)
	}

	if v == nil {
		v = viper.New()
	}
	if err := applyOverrides(cfg, v); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envBindings maps viper keys to the environment variables that set them.
var envBindings = map[string][]string{
	"issuer":                  {EnvPrefix + "_ISSUER"},
	"listen_addr":             {EnvPrefix + "_LISTEN_ADDR"},
	"client_file":             {EnvPrefix + "_CLIENT_FILE"},
	"domain_prefix":           {EnvPrefix + "_DOMAIN_PREFIX"},
	"redirect_uri_policy":     {EnvPrefix + "_REDIRECT_URI_POLICY"},
	"storage.type":            {EnvPrefix + "_STORAGE_TYPE"},
	"storage.redis.addr":      {EnvPrefix + "_STORAGE_REDIS_ADDR"},
	"storage.redis.password":  {EnvPrefix + "_STORAGE_REDIS_PASSWORD"},
	"storage.sql.driver":      {EnvPrefix + "_STORAGE_SQL_DRIVER"},
	"storage.sql.dsn":         {EnvPrefix + "_STORAGE_SQL_DSN"},
	"keys.key_dir":            {EnvPrefix + "_KEYS_KEY_DIR"},
	"keys.signing_key_file":   {EnvPrefix + "_KEYS_SIGNING_KEY_FILE"},
	"interaction.login_url":   {EnvPrefix + "_INTERACTION_LOGIN_URL", LoginURLEnvVar},
	"interaction.consent_url": {EnvPrefix + "_INTERACTION_CONSENT_URL", ConsentURLEnvVar},
	"interaction.logout_url":  {EnvPrefix + "_INTERACTION_LOGOUT_URL", LogoutURLEnvVar},
	"telemetry.endpoint":      {EnvPrefix + "_TELEMETRY_ENDPOINT"},
}

// applyOverrides copies every value set in v, from a bound flag or the
// environment, into cfg.
func applyOverrides(cfg *Config, v *viper.Viper) error {
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	set := func(key string, dst *string) {
		if val := v.GetString(key); val != "" {
			logger.Debugw("config override", "key", key)
			*dst = val
		}
	}
	set("issuer", &cfg.Issuer)
	set("listen_addr", &cfg.ListenAddr)
	set("client_file", &cfg.ClientFile)
	set("domain_prefix", &cfg.DomainPrefix)
	set("redirect_uri_policy", &cfg.RedirectURIPolicy)
	set("keys.key_dir", &cfg.Keys.KeyDir)
	set("keys.signing_key_file", &cfg.Keys.SigningKeyFile)
	set("interaction.login_url", &cfg.Interaction.LoginURL)
	set("interaction.consent_url", &cfg.Interaction.ConsentURL)
	set("interaction.logout_url", &cfg.Interaction.LogoutURL)
	set("telemetry.endpoint", &cfg.Telemetry.Endpoint)

	if t := v.GetString("storage.type"); t != "" {
		if cfg.Storage == nil {
			cfg.Storage = storage.DefaultConfig()
		}
		cfg.Storage.Type = storage.Type(t)
	}
	if addr := v.GetString("storage.redis.addr"); addr != "" {
		if cfg.Storage == nil {
			cfg.Storage = storage.DefaultConfig()
		}
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &storage.RedisConfig{}
		}
		cfg.Storage.Redis.Addr = addr
		set("storage.redis.password", &cfg.Storage.Redis.Password)
	}
	if dsn := v.GetString("storage.sql.dsn"); dsn != "" {
		if cfg.Storage == nil {
			cfg.Storage = storage.DefaultConfig()
		}
		if cfg.Storage.SQL == nil {
			cfg.Storage.SQL = &storage.SQLConfig{}
		}
		cfg.Storage.SQL.DSN = dsn
		set("storage.sql.driver", &cfg.Storage.SQL.Driver)
	}
	return nil
}
