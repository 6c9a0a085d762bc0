package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and session defaults
const (
	DefaultAccessTTL  = 10 * time.Minute
	DefaultRefreshTTL = 720 * time.Hour
	DefaultCodeTTL    = 10 * time.Minute
	DefaultSessionTTL = 12 * time.Hour
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Keys     KeyConfig      `yaml:"keys"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Events   EventConfig    `yaml:"events"`
	Register RegisterConfig `yaml:"register"`
	Clients  []ClientConfig `yaml:"clients"`
}

// ServerConfig controls listener and HTTP concerns.
type ServerConfig struct {
	PublicURL    string `yaml:"public_url"`
	ListenAddr   string `yaml:"listen_addr"`
	DevMode      bool   `yaml:"dev_mode"`
	DevSubject   string `yaml:"dev_subject"`
	CookieDomain string `yaml:"cookie_domain"`
	SessionTTL   string `yaml:"session_ttl"`
}

// TokenConfig controls token lifetimes and claims.
type TokenConfig struct {
	AccessTTL  string `yaml:"access_ttl"`
	RefreshTTL string `yaml:"refresh_ttl"`
	CodeTTL    string `yaml:"code_ttl"`
	Audience   string `yaml:"audience"`
}

// KeyConfig controls the signing key set.
type KeyConfig struct {
	JWKSPath       string `yaml:"jwks_path"`
	RotateInterval string `yaml:"rotate_interval"`
	DevSecret      string `yaml:"dev_secret"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
}

// DatabaseConfig locates the task database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EventConfig controls the security event sink.
type EventConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// RegisterConfig controls dynamic client registration.
type RegisterConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// ClientConfig seeds a pre-registered OAuth client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scope        string   `yaml:"scope"`
	Public       bool     `yaml:"public"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Strict unmarshaling surfaces typos and deprecated fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:  "http://127.0.0.1:8080",
			ListenAddr: "127.0.0.1:8080",
			DevMode:    true,
			DevSubject: "dev-user",
			SessionTTL: DefaultSessionTTL.String(),
		},
		Tokens: TokenConfig{
			AccessTTL:  DefaultAccessTTL.String(),
			RefreshTTL: DefaultRefreshTTL.String(),
			CodeTTL:    DefaultCodeTTL.String(),
		},
		Keys: KeyConfig{
			JWKSPath:       ".keys/jwks.json",
			RotateInterval: "24h",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Database: DatabaseConfig{
			Path: "taskd.db",
		},
		Events: EventConfig{
			Exchange: "taskd.events",
		},
		Register: RegisterConfig{
			Enabled: true,
			Rate:    1,
			Burst:   5,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TASKD_SERVER_PUBLIC_URL":    func(v string) { cfg.Server.PublicURL = v },
		"TASKD_SERVER_LISTEN_ADDR":   func(v string) { cfg.Server.ListenAddr = v },
		"TASKD_SERVER_DEV_MODE":      func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TASKD_SERVER_DEV_SUBJECT":   func(v string) { cfg.Server.DevSubject = v },
		"TASKD_SERVER_COOKIE_DOMAIN": func(v string) { cfg.Server.CookieDomain = v },
		"TASKD_TOKENS_ACCESS_TTL":    func(v string) { cfg.Tokens.AccessTTL = v },
		"TASKD_TOKENS_REFRESH_TTL":   func(v string) { cfg.Tokens.RefreshTTL = v },
		"TASKD_TOKENS_CODE_TTL":      func(v string) { cfg.Tokens.CodeTTL = v },
		"TASKD_KEYS_JWKS_PATH":       func(v string) { cfg.Keys.JWKSPath = v },
		"TASKD_KEYS_DEV_SECRET":      func(v string) { cfg.Keys.DevSecret = v },
		"TASKD_STORE_BACKEND":        func(v string) { cfg.Store.Backend = v },
		"TASKD_STORE_REDIS_URL":      func(v string) { cfg.Store.RedisURL = v },
		"TASKD_DATABASE_PATH":        func(v string) { cfg.Database.Path = v },
		"TASKD_EVENTS_AMQP_URL":      func(v string) { cfg.Events.AMQPURL = v },
		"TASKD_EVENTS_EXCHANGE":      func(v string) { cfg.Events.Exchange = v },
		"TASKD_REGISTER_ENABLED":     func(v string) { cfg.Register.Enabled = parseBool(v, cfg.Register.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// AccessTTL returns the parsed access token lifetime.
func (c Config) AccessTTL() time.Duration {
	return parseDuration(c.Tokens.AccessTTL, DefaultAccessTTL)
}

// RefreshTTL returns the parsed refresh token lifetime.
func (c Config) RefreshTTL() time.Duration {
	return parseDuration(c.Tokens.RefreshTTL, DefaultRefreshTTL)
}

// CodeTTL returns the parsed authorization code lifetime.
func (c Config) CodeTTL() time.Duration {
	return parseDuration(c.Tokens.CodeTTL, DefaultCodeTTL)
}

// SessionTTL returns the parsed login session lifetime.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Server.SessionTTL, DefaultSessionTTL)
}

// RotateInterval returns the parsed signing key rotation interval.
func (c Config) RotateInterval() time.Duration {
	return parseDuration(c.Keys.RotateInterval, 24*time.Hour)
}

// Issuer is the token issuer identifier, derived from the public URL.
func (c Config) Issuer() string {
	return strings.TrimRight(c.Server.PublicURL, "/")
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && strings.HasPrefix(c.Server.PublicURL, "http://") {
		slog.Error("Insecure public URL in production mode", "field", "server.public_url", "value", c.Server.PublicURL)
		return errors.New("server.public_url must use https in production mode")
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			slog.Error("Missing required configuration", "field", "store.redis_url", "reason", "required when store.backend is redis")
			return errors.New("store.redis_url is required when store.backend is redis")
		}
	default:
		slog.Error("Invalid store backend", "field", "store.backend", "value", c.Store.Backend, "valid_values", []string{"memory", "redis"})
		return fmt.Errorf("store.backend must be 'memory' or 'redis', got: %s", c.Store.Backend)
	}

	if c.Database.Path == "" {
		slog.Error("Missing required configuration", "field", "database.path")
		return errors.New("database.path is required")
	}

	if c.Keys.DevSecret != "" && !c.Server.DevMode {
		slog.Error("Symmetric dev secret set in production mode", "field", "keys.dev_secret")
		return errors.New("keys.dev_secret is only allowed in dev mode")
	}

	if c.Register.Enabled {
		if c.Register.Rate <= 0 {
			return fmt.Errorf("register.rate must be positive, got: %v", c.Register.Rate)
		}
		if c.Register.Burst <= 0 {
			return fmt.Errorf("register.burst must be positive, got: %d", c.Register.Burst)
		}
	}

	// Validate cookie_domain matches public_url domain
	if c.Server.CookieDomain != "" {
		publicURL := strings.TrimPrefix(c.Server.PublicURL, "http://")
		publicURL = strings.TrimPrefix(publicURL, "https://")
		if idx := strings.Index(publicURL, ":"); idx != -1 {
			publicURL = publicURL[:idx]
		}
		if idx := strings.Index(publicURL, "/"); idx != -1 {
			publicURL = publicURL[:idx]
		}
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(publicURL, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", publicURL,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, publicURL)
		}
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("Seed client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			slog.Error("Seed client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j, "reason", "must be a valid HTTP(S) URL")
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
		if !client.Public && client.ClientSecret == "" {
			slog.Error("Confidential seed client missing secret", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): client_secret is required for confidential clients", i, client.ClientID)
		}
	}

	if len(c.Clients) == 0 && !c.Register.Enabled {
		slog.Error("No clients configured", "reason", "seed at least one client or enable dynamic registration")
		return errors.New("either clients must be seeded or register.enabled must be true")
	}

	return nil
}
