// Package config centralises runtime configuration for empirekit clients.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where the SDK operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// DomainCom is the primary platform domain.
	DomainCom = "https://csgoempire.com"
	// DomainGG is the mirror platform domain.
	DomainGG = "https://csgoempire.gg"

	apiPath          = "/api/v2/"
	socketSubdomain  = "trade."
	socketPath       = "/s/"
	socketQuery      = "?EIO=4&transport=websocket"
	defaultMetaTTL   = 6 * time.Hour
	defaultRateLimit = 2.0
)

// AllowedDomains lists the platform domains a client may target.
func AllowedDomains() []string {
	return []string{DomainCom, DomainGG}
}

// GatewaySettings tunes the realtime gateway.
type GatewaySettings struct {
	AutoIdentify         bool          `yaml:"autoIdentify"`
	IdentifyAttempts     int           `yaml:"identifyAttempts"`
	ReconnectMaxInterval time.Duration `yaml:"reconnectMaxInterval"`
}

// TelemetrySettings configures OTLP metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// LogSettings configures the logger built by commands.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, sends output to a rotated log file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Settings contains the configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment       Environment       `yaml:"environment"`
	APIKey            string            `yaml:"apiKey"`
	Domain            string            `yaml:"domain"`
	HTTPTimeout       time.Duration     `yaml:"httpTimeout"`
	HandshakeTimeout  time.Duration     `yaml:"handshakeTimeout"`
	MetadataTTL       time.Duration     `yaml:"metadataTTL"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"`
	Gateway           GatewaySettings   `yaml:"gateway"`
	Telemetry         TelemetrySettings `yaml:"telemetry"`
	Log               LogSettings       `yaml:"log"`
}

// Default returns the default configuration.
func Default() Settings {
	return Settings{
		Environment:       EnvProd,
		APIKey:            "",
		Domain:            DomainCom,
		HTTPTimeout:       10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		MetadataTTL:       defaultMetaTTL,
		RequestsPerSecond: defaultRateLimit,
		Gateway: GatewaySettings{
			AutoIdentify:         true,
			IdentifyAttempts:     5,
			ReconnectMaxInterval: 20 * time.Second,
		},
		Telemetry: TelemetrySettings{OTLPEndpoint: "", ServiceName: "empirekit"},
		Log:       LogSettings{Level: "info", Format: "console", MaxSizeMB: 100, MaxAgeDays: 7},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	return ApplyEnv(Default())
}

// ApplyEnv overlays EMPIRE_* environment variables onto base.
func ApplyEnv(base Settings) Settings {
	cfg := base
	if env := strings.TrimSpace(os.Getenv("EMPIRE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_API_KEY")); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_DOMAIN")); v != "" {
		cfg.Domain = v
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_WS_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_METADATA_TTL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.MetadataTTL = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_REQUESTS_PER_SECOND")); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
			cfg.RequestsPerSecond = rps
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_AUTO_IDENTIFY")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Gateway.AutoIdentify = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_LOG_LEVEL")); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("EMPIRE_LOG_FILE")); v != "" {
		cfg.Log.File = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithAPIKey sets the platform API key.
func WithAPIKey(key string) Option {
	key = strings.TrimSpace(key)
	return func(s *Settings) {
		if key != "" {
			s.APIKey = key
		}
	}
}

// WithDomain selects the platform domain.
func WithDomain(domain string) Option {
	domain = strings.TrimSpace(domain)
	return func(s *Settings) {
		if domain != "" {
			s.Domain = domain
		}
	}
}

// WithHTTPTimeout overrides the REST timeout.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.HTTPTimeout = timeout
		}
	}
}

// WithHandshakeTimeout overrides the websocket handshake timeout.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.HandshakeTimeout = timeout
		}
	}
}

// WithMetadataTTL overrides how long socket metadata stays fresh.
func WithMetadataTTL(ttl time.Duration) Option {
	return func(s *Settings) {
		if ttl > 0 {
			s.MetadataTTL = ttl
		}
	}
}

// WithAutoIdentify toggles identify on unauthenticated init frames.
func WithAutoIdentify(enabled bool) Option {
	return func(s *Settings) {
		s.Gateway.AutoIdentify = enabled
	}
}

// APIBaseURL returns the REST base URL with a trailing slash.
func (s Settings) APIBaseURL() string {
	return strings.TrimRight(strings.TrimSpace(s.Domain), "/") + apiPath
}

// SocketHost returns the realtime host derived from the domain.
func (s Settings) SocketHost() string {
	domain := strings.TrimRight(strings.TrimSpace(s.Domain), "/")
	if idx := strings.LastIndex(domain, "/"); idx >= 0 {
		domain = domain[idx+1:]
	}
	return socketSubdomain + domain
}

// SocketURL returns the full realtime endpoint URL.
func (s Settings) SocketURL() string {
	return "wss://" + s.SocketHost() + socketPath + socketQuery
}

// DomainAllowed reports whether the configured domain is one of AllowedDomains.
func (s Settings) DomainAllowed() bool {
	domain := strings.ToLower(strings.TrimRight(strings.TrimSpace(s.Domain), "/"))
	for _, allowed := range AllowedDomains() {
		if domain == allowed {
			return true
		}
	}
	return false
}
