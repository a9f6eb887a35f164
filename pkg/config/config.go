package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Call struct {
		AcceptTimeout      time.Duration `yaml:"accept_timeout"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		AcceptPolicy       string        `yaml:"accept_policy"` // auto | manual
		MicrophoneEnabled  bool          `yaml:"microphone_enabled"`
		CameraEnabled      bool          `yaml:"camera_enabled"`
	} `yaml:"call"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ICEDisconnectedTimeout time.Duration `yaml:"ice_disconnected_timeout"`
		ICEFailedTimeout       time.Duration `yaml:"ice_failed_timeout"`
		ICEKeepaliveInterval   time.Duration `yaml:"ice_keepalive_interval"`
	} `yaml:"webrtc"`

	Signal struct {
		RelayURL       string        `yaml:"relay_url"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		Redial         struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"redial"`
	} `yaml:"signal"`

	Relay struct {
		Address         string        `yaml:"address"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"relay"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled              bool    `yaml:"enabled"`
		ConnectionsPerMinute int     `yaml:"connections_per_minute"`
		MessagesPerSecond    float64 `yaml:"messages_per_second"`
		Burst                int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		// PeerAddress is where callpeer serves /metrics. Empty disables it.
		PeerAddress string `yaml:"peer_address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Call
	if c.Call.AcceptTimeout <= 0 {
		return fmt.Errorf("call.accept_timeout must be > 0")
	}
	if c.Call.NegotiationTimeout < 0 {
		return fmt.Errorf("call.negotiation_timeout must be >= 0")
	}
	switch c.Call.AcceptPolicy {
	case "auto", "manual":
	default:
		return fmt.Errorf("call.accept_policy must be auto or manual, got %q", c.Call.AcceptPolicy)
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
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}
	if c.WebRTC.ICEDisconnectedTimeout < 0 || c.WebRTC.ICEFailedTimeout < 0 || c.WebRTC.ICEKeepaliveInterval < 0 {
		return fmt.Errorf("webrtc ice timeouts must be >= 0")
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
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}
	if c.Signal.Redial.MaxAttempts < 0 {
		return fmt.Errorf("signal.redial.max_attempts must be >= 0")
	}

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret != "" && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0 when auth.jwt_secret is set")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
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

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Call.AcceptTimeout = 30 * time.Second
	cfg.Call.NegotiationTimeout = 45 * time.Second
	cfg.Call.AcceptPolicy = "auto"
	cfg.Call.MicrophoneEnabled = true
	cfg.Call.CameraEnabled = true

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.ICEDisconnectedTimeout = 5 * time.Second
	cfg.WebRTC.ICEFailedTimeout = 25 * time.Second
	cfg.WebRTC.ICEKeepaliveInterval = 2 * time.Second

	cfg.Signal.RelayURL = "ws://localhost:8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSize = 64 * 1024
	cfg.Signal.Redial.MaxAttempts = 5
	cfg.Signal.Redial.InitialDelay = 250 * time.Millisecond
	cfg.Signal.Redial.MaxDelay = 5 * time.Second

	cfg.Relay.Address = ":8081"
	cfg.Relay.ShutdownTimeout = 15 * time.Second
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Prefix = "callnet:signal:"

	cfg.Auth.TokenTTL = time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.ConnectionsPerMinute = 60
	cfg.RateLimiting.MessagesPerSecond = 50
	cfg.RateLimiting.Burst = 100

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "callnet"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// AllowsOrigin reports whether a browser origin may open a relay connection.
func (c *Config) AllowsOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range c.Relay.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CALLNET_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if url := os.Getenv("CALLNET_RELAY_URL"); url != "" {
		c.Signal.RelayURL = url
	}
	if policy := os.Getenv("CALLNET_ACCEPT_POLICY"); policy != "" {
		c.Call.AcceptPolicy = policy
	}
	if addr := os.Getenv("CALLNET_PEER_METRICS_ADDRESS"); addr != "" {
		c.Monitoring.PeerAddress = addr
	}
	if level := os.Getenv("CALLNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CALLNET_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("CALLNET_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
}
