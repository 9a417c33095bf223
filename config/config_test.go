package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/empirekit/errs"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestDefaultDerivesEndpoints(t *testing.T) {
	cfg := Default()
	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "https://csgoempire.com/api/v2/", cfg.APIBaseURL())
	require.Equal(t, "trade.csgoempire.com", cfg.SocketHost())
	require.Equal(t, "wss://trade.csgoempire.com/s/?EIO=4&transport=websocket", cfg.SocketURL())
	require.Equal(t, 6*time.Hour, cfg.MetadataTTL)
}

func TestSocketHostUsesLastDomainSegment(t *testing.T) {
	cfg := Apply(Default(), WithDomain("https://csgoempire.gg/"))
	require.Equal(t, "trade.csgoempire.gg", cfg.SocketHost())
	require.True(t, cfg.DomainAllowed())
}

func TestFromEnvOverridesValues(t *testing.T) {
	t.Setenv("EMPIRE_ENV", "STAGING")
	t.Setenv("EMPIRE_API_KEY", testKey)
	t.Setenv("EMPIRE_DOMAIN", DomainGG)
	t.Setenv("EMPIRE_HTTP_TIMEOUT", "15s")
	t.Setenv("EMPIRE_WS_HANDSHAKE_TIMEOUT", "20s")
	t.Setenv("EMPIRE_METADATA_TTL", "1h")
	t.Setenv("EMPIRE_REQUESTS_PER_SECOND", "0.5")
	t.Setenv("EMPIRE_AUTO_IDENTIFY", "false")
	t.Setenv("EMPIRE_LOG_LEVEL", "DEBUG")
	t.Setenv("EMPIRE_LOG_FILE", "/var/log/empire.log")

	cfg := FromEnv()
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, testKey, cfg.APIKey)
	require.Equal(t, DomainGG, cfg.Domain)
	require.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	require.Equal(t, 20*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, time.Hour, cfg.MetadataTTL)
	require.InDelta(t, 0.5, cfg.RequestsPerSecond, 1e-9)
	require.False(t, cfg.Gateway.AutoIdentify)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "/var/log/empire.log", cfg.Log.File)
	require.Equal(t, 100, cfg.Log.MaxSizeMB)
}

func TestApplyOptionsDoesNotMutateBase(t *testing.T) {
	base := Default()
	applied := Apply(base,
		WithEnvironment(EnvDev),
		WithAPIKey(" "+testKey+" "),
		WithHTTPTimeout(30*time.Second),
		WithHandshakeTimeout(0),
		WithMetadataTTL(time.Minute),
		WithAutoIdentify(false),
		nil,
	)

	require.Equal(t, EnvDev, applied.Environment)
	require.Equal(t, testKey, applied.APIKey)
	require.Equal(t, 30*time.Second, applied.HTTPTimeout)
	require.Equal(t, base.HandshakeTimeout, applied.HandshakeTimeout)
	require.Equal(t, time.Minute, applied.MetadataTTL)
	require.False(t, applied.Gateway.AutoIdentify)
	require.Equal(t, EnvProd, base.Environment)
	require.True(t, base.Gateway.AutoIdentify)
}

func TestValidateAPIKey(t *testing.T) {
	require.True(t, errs.Is(ValidateAPIKey(""), errs.CanonicalAPIKeyMissing))
	require.True(t, errs.Is(ValidateAPIKey("short"), errs.CanonicalInvalidAPIKey))
	require.NoError(t, ValidateAPIKey(testKey))
}

func TestValidateRejectsUnknownDomain(t *testing.T) {
	cfg := Apply(Default(), WithAPIKey(testKey), WithDomain("https://example.com"))
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CanonicalInvalidDomain))
}

func TestLoadReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empire.yaml")
	body := []byte(`
environment: dev
apiKey: ` + testKey + `
domain: https://csgoempire.gg
httpTimeout: 3s
gateway:
  autoIdentify: false
  identifyAttempts: 2
  reconnectMaxInterval: 5s
telemetry:
  serviceName: watcher
log:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, DomainGG, cfg.Domain)
	require.Equal(t, 3*time.Second, cfg.HTTPTimeout)
	require.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	require.False(t, cfg.Gateway.AutoIdentify)
	require.Equal(t, 2, cfg.Gateway.IdentifyAttempts)
	require.Equal(t, 5*time.Second, cfg.Gateway.ReconnectMaxInterval)
	require.Equal(t, "watcher", cfg.Telemetry.ServiceName)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadOrDefaultFallsBackToEnv(t *testing.T) {
	t.Setenv("EMPIRE_API_KEY", testKey)
	cfg, loaded, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, testKey, cfg.APIKey)
}
