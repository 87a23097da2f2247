package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Proximity struct {
		Range float64 `yaml:"range"`
		// CellSize of 0 means "same as Range".
		CellSize          float64       `yaml:"cell_size"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		RecheckInterval   time.Duration `yaml:"recheck_interval"`
		SignificantMove   float64       `yaml:"significant_move"`
	} `yaml:"proximity"`

	Call struct {
		RequestTimeout           time.Duration `yaml:"request_timeout"`
		EndManualOnProximityLoss bool          `yaml:"end_manual_on_proximity_loss"`
		CompletedLogTTL          time.Duration `yaml:"completed_log_ttl"`
	} `yaml:"call"`

	AutoConnect struct {
		Enabled    bool    `yaml:"enabled"`
		Range      float64 `yaml:"range"`
		AutoAccept bool    `yaml:"auto_accept"`
	} `yaml:"auto_connect"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBufferSize int           `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Address     string        `yaml:"address"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PoolSize    int           `yaml:"pool_size"`
		KeyPrefix   string        `yaml:"key_prefix"`
		PositionTTL time.Duration `yaml:"position_ttl"`
	} `yaml:"redis"`

	Auth struct {
		// An empty secret disables token checks and trusts the user_id
		// query parameter. Development only.
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Proximity
	if c.Proximity.Range <= 0 {
		return fmt.Errorf("proximity.range must be > 0")
	}
	if c.Proximity.CellSize < 0 {
		return fmt.Errorf("proximity.cell_size must be >= 0")
	}
	if c.Proximity.HeartbeatInterval <= 0 {
		return fmt.Errorf("proximity.heartbeat_interval must be > 0")
	}
	if c.Proximity.RecheckInterval <= 0 {
		return fmt.Errorf("proximity.recheck_interval must be > 0")
	}
	if c.Proximity.SignificantMove < 0 {
		return fmt.Errorf("proximity.significant_move must be >= 0")
	}

	// Call
	if c.Call.RequestTimeout <= 0 {
		return fmt.Errorf("call.request_timeout must be > 0")
	}
	if c.Call.CompletedLogTTL <= 0 {
		return fmt.Errorf("call.completed_log_ttl must be > 0")
	}

	// Auto-connect
	if c.AutoConnect.Enabled {
		if c.AutoConnect.Range <= 0 {
			return fmt.Errorf("auto_connect.range must be > 0 when auto_connect.enabled=true")
		}
		if c.AutoConnect.Range > c.Proximity.Range {
			return fmt.Errorf("auto_connect.range must be <= proximity.range")
		}
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsPath == "" {
		return fmt.Errorf("monitoring.metrics_path must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.PositionTTL <= 0 {
			return fmt.Errorf("redis.position_ttl must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret != "" && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0 when auth.jwt_secret is set")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// missing file: defaults plus environment
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Proximity.Range = 10
	cfg.Proximity.CellSize = 0
	cfg.Proximity.HeartbeatInterval = 100 * time.Millisecond
	cfg.Proximity.RecheckInterval = 200 * time.Millisecond
	cfg.Proximity.SignificantMove = 1

	cfg.Call.RequestTimeout = 30 * time.Second
	cfg.Call.EndManualOnProximityLoss = false
	cfg.Call.CompletedLogTTL = 24 * time.Hour

	cfg.AutoConnect.Enabled = false
	cfg.AutoConnect.Range = 2
	cfg.AutoConnect.AutoAccept = true

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 256

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "proxcall:"
	cfg.Redis.PositionTTL = time.Hour

	cfg.Auth.JWTSecret = ""
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "proxcall"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

// EffectiveCellSize is the grid cell edge the spatial index should use.
func (c *Config) EffectiveCellSize() float64 {
	if c.Proximity.CellSize > 0 {
		return c.Proximity.CellSize
	}
	return c.Proximity.Range
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("PROXCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("PROXCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PROXCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("PROXCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if url := os.Getenv("PROXCALL_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"PROXIMITY_RANGE", &c.Proximity.Range},
		{"SPATIAL_GRID_CELL_SIZE", &c.Proximity.CellSize},
		{"SIGNIFICANT_MOVE_THRESHOLD", &c.Proximity.SignificantMove},
		{"AUTO_CONNECT_RANGE", &c.AutoConnect.Range},
	}
	for _, f := range floats {
		raw := os.Getenv(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}

	millis := []struct {
		name string
		dst  *time.Duration
	}{
		{"CALL_REQUEST_TIMEOUT_MS", &c.Call.RequestTimeout},
		{"POSITION_UPDATE_INTERVAL_MS", &c.Proximity.HeartbeatInterval},
		{"PROXIMITY_CHECK_INTERVAL_MS", &c.Proximity.RecheckInterval},
	}
	for _, m := range millis {
		raw := os.Getenv(m.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
		*m.dst = time.Duration(v) * time.Millisecond
	}

	if raw := os.Getenv("AUTO_CONNECT_ENABLED"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("AUTO_CONNECT_ENABLED: %w", err)
		}
		c.AutoConnect.Enabled = v
	}
	return nil
}
