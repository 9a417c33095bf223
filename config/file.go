package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/empirekit/errs"
)

const apiKeyLength = 32

// Load reads Settings from a YAML file layered over Default, then applies environment overrides.
func Load(configPath string) (Settings, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Settings{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg = ApplyEnv(cfg)
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to FromEnv when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(configPath string) (Settings, bool, error) {
	cfg, err := Load(configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Settings{}, false, err
	}
	cfg = FromEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Settings{}, false, err
	}
	return cfg, false, nil
}

func (s *Settings) normalise() {
	s.Environment = Environment(strings.ToLower(strings.TrimSpace(string(s.Environment))))
	s.APIKey = strings.TrimSpace(s.APIKey)
	s.Domain = strings.TrimRight(strings.TrimSpace(s.Domain), "/")
	if s.Environment == "" {
		s.Environment = EnvProd
	}
	if s.Gateway.IdentifyAttempts <= 0 {
		s.Gateway.IdentifyAttempts = 1
	}
	if strings.TrimSpace(s.Telemetry.ServiceName) == "" {
		s.Telemetry.ServiceName = "empirekit"
	}
}

// Validate checks that Settings can drive a client.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := ValidateAPIKey(s.APIKey); err != nil {
		return err
	}
	if !s.DomainAllowed() {
		return errs.New("config", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidDomain),
			errs.WithMessage("domain must be one of "+strings.Join(AllowedDomains(), ", ")),
			errs.WithField("domain", s.Domain))
	}
	if s.HTTPTimeout <= 0 {
		return fmt.Errorf("httpTimeout must be >0")
	}
	if s.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshakeTimeout must be >0")
	}
	if s.MetadataTTL <= 0 {
		return fmt.Errorf("metadataTTL must be >0")
	}
	if s.RequestsPerSecond <= 0 {
		return fmt.Errorf("requestsPerSecond must be >0")
	}
	if s.Gateway.IdentifyAttempts <= 0 {
		return fmt.Errorf("gateway identifyAttempts must be >0")
	}
	return nil
}

// ValidateAPIKey checks presence and shape of a platform API key.
func ValidateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New("config", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalAPIKeyMissing),
			errs.WithMessage("no api key provided, generate one at /trading/apikey"))
	}
	if len(key) != apiKeyLength {
		return errs.New("config", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidAPIKey),
			errs.WithMessage(fmt.Sprintf("api key must be %d characters", apiKeyLength)))
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
