package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	cfg.AutoConnect.Enabled = true
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10.0, cfg.Proximity.Range)
	assert.Equal(t, 10.0, cfg.EffectiveCellSize())
	assert.Equal(t, 30*time.Second, cfg.Call.RequestTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Proximity.HeartbeatInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Proximity.RecheckInterval)
	assert.Equal(t, 1.0, cfg.Proximity.SignificantMove)
	assert.Equal(t, 2.0, cfg.AutoConnect.Range)
	assert.False(t, cfg.AutoConnect.Enabled)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"zero proximity range", func(c *Config) { c.Proximity.Range = 0 }},
		{"negative cell size", func(c *Config) { c.Proximity.CellSize = -1 }},
		{"zero heartbeat", func(c *Config) { c.Proximity.HeartbeatInterval = 0 }},
		{"zero recheck", func(c *Config) { c.Proximity.RecheckInterval = 0 }},
		{"negative significant move", func(c *Config) { c.Proximity.SignificantMove = -0.5 }},
		{"zero request timeout", func(c *Config) { c.Call.RequestTimeout = 0 }},
		{"auto range beyond proximity range", func(c *Config) { c.AutoConnect.Range = 11 }},
		{"zero auto range", func(c *Config) { c.AutoConnect.Range = 0 }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero send buffer", func(c *Config) { c.Signal.SendBufferSize = 0 }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 20000
			c.WebRTC.PortRange.Max = 10000
		}},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"secret without ttl", func(c *Config) {
			c.Auth.JWTSecret = "s3cret"
			c.Auth.TokenTTL = 0
		}},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"sample rate above one", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 1.5
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
proximity:
  range: 25
  cell_size: 5
call:
  request_timeout: 10s
auto_connect:
  enabled: true
  range: 3
webrtc:
  ice_servers:
    - urls: ["stun:example.org:3478"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.Proximity.Range)
	assert.Equal(t, 5.0, cfg.EffectiveCellSize())
	assert.Equal(t, 10*time.Second, cfg.Call.RequestTimeout)
	assert.True(t, cfg.AutoConnect.Enabled)
	assert.Equal(t, 3.0, cfg.AutoConnect.Range)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.WebRTC.ICEServers[0].URLs)
	// untouched sections keep their defaults
	assert.Equal(t, 200*time.Millisecond, cfg.Proximity.RecheckInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROXIMITY_RANGE", "12.5")
	t.Setenv("SPATIAL_GRID_CELL_SIZE", "4")
	t.Setenv("CALL_REQUEST_TIMEOUT_MS", "1500")
	t.Setenv("POSITION_UPDATE_INTERVAL_MS", "50")
	t.Setenv("PROXIMITY_CHECK_INTERVAL_MS", "400")
	t.Setenv("SIGNIFICANT_MOVE_THRESHOLD", "0.25")
	t.Setenv("AUTO_CONNECT_RANGE", "1.5")
	t.Setenv("AUTO_CONNECT_ENABLED", "true")
	t.Setenv("PROXCALL_LOG_LEVEL", "debug")
	t.Setenv("PROXCALL_JWT_SECRET", "top-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 12.5, cfg.Proximity.Range)
	assert.Equal(t, 4.0, cfg.EffectiveCellSize())
	assert.Equal(t, 1500*time.Millisecond, cfg.Call.RequestTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Proximity.HeartbeatInterval)
	assert.Equal(t, 400*time.Millisecond, cfg.Proximity.RecheckInterval)
	assert.Equal(t, 0.25, cfg.Proximity.SignificantMove)
	assert.Equal(t, 1.5, cfg.AutoConnect.Range)
	assert.True(t, cfg.AutoConnect.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "top-secret", cfg.Auth.JWTSecret)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("CALL_REQUEST_TIMEOUT_MS", "soon")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALL_REQUEST_TIMEOUT_MS")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proximity: [oops"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
