package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"clicktocall/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	// User is the logged-in user of the host application.
	User struct {
		ID int64 `yaml:"id"`
	} `yaml:"user"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signaling struct {
		Driver        string        `yaml:"driver"` // http | redis
		BaseURL       string        `yaml:"base_url"`
		Endpoint      string        `yaml:"endpoint"`
		SessionHeader string        `yaml:"session_header"`
		SessionToken  string        `yaml:"session_token"`
		Timeout       time.Duration `yaml:"timeout"`

		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`

		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"signaling"`

	Inbox struct {
		Driver       string        `yaml:"driver"` // websocket | redis | none
		URL          string        `yaml:"url"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		ReconnectMax time.Duration `yaml:"reconnect_max"`
		Channel      string        `yaml:"channel"`
	} `yaml:"inbox"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		Audio         bool          `yaml:"audio"`
		Video         bool          `yaml:"video"`
		FrameDuration time.Duration `yaml:"frame_duration"`
	} `yaml:"media"`

	Composer struct {
		ShowAudioChatButton   bool `yaml:"show_audio_chat_button"`
		ShowClickToCallButton bool `yaml:"show_click_to_call_button"`
		// RowLookup selects how a message row resolves to a user: "direct"
		// reads the row id as the user id, "host" asks the host application
		// for the message sender.
		RowLookup        string `yaml:"row_lookup"`
		MessagesEndpoint string `yaml:"messages_endpoint"`
	} `yaml:"composer"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if err := validation.ValidateUserID(c.User.ID); err != nil {
		return fmt.Errorf("user.id: %w", err)
	}

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

	// Signaling
	switch c.Signaling.Driver {
	case "http":
		if err := validation.ValidateURL(c.Signaling.BaseURL); err != nil {
			return fmt.Errorf("signaling.base_url: %w", err)
		}
		if c.Signaling.Endpoint == "" || c.Signaling.Endpoint[0] != '/' {
			return fmt.Errorf("signaling.endpoint must be an absolute path")
		}
		if c.Signaling.Timeout <= 0 {
			return fmt.Errorf("signaling.timeout must be > 0")
		}
		if c.Signaling.Retry.Enabled {
			if c.Signaling.Retry.MaxAttempts < 0 {
				return fmt.Errorf("signaling.retry.max_attempts must be >= 0")
			}
			if c.Signaling.Retry.InitialDelay <= 0 {
				return fmt.Errorf("signaling.retry.initial_delay must be > 0")
			}
			if c.Signaling.Retry.MaxDelay < c.Signaling.Retry.InitialDelay {
				return fmt.Errorf("signaling.retry.max_delay must be >= initial_delay")
			}
		}
		if c.Signaling.CircuitBreaker.FailureThreshold <= 0 {
			return fmt.Errorf("signaling.circuit_breaker.failure_threshold must be > 0")
		}
		if c.Signaling.CircuitBreaker.SuccessThreshold <= 0 {
			return fmt.Errorf("signaling.circuit_breaker.success_threshold must be > 0")
		}
		if c.Signaling.CircuitBreaker.OpenTimeout <= 0 {
			return fmt.Errorf("signaling.circuit_breaker.open_timeout must be > 0")
		}
	case "redis":
		if c.Inbox.Driver != "redis" {
			return fmt.Errorf("signaling.driver=redis needs inbox.driver=redis so both sides share the channels")
		}
	default:
		return fmt.Errorf("signaling.driver must be one of http, redis (got %q)", c.Signaling.Driver)
	}

	// Inbox
	switch c.Inbox.Driver {
	case "none":
	case "websocket":
		if err := validation.ValidateURL(c.Inbox.URL); err != nil {
			return fmt.Errorf("inbox.url: %w", err)
		}
		if c.Inbox.PingInterval <= 0 {
			return fmt.Errorf("inbox.ping_interval must be > 0")
		}
		if c.Inbox.PongTimeout <= c.Inbox.PingInterval {
			return fmt.Errorf("inbox.pong_timeout must be > ping_interval")
		}
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when inbox.driver=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when inbox.driver=redis")
		}
		if c.Inbox.Channel == "" {
			return fmt.Errorf("inbox.channel must not be empty when inbox.driver=redis")
		}
	default:
		return fmt.Errorf("inbox.driver must be one of websocket, redis, none (got %q)", c.Inbox.Driver)
	}
	if c.Inbox.Driver != "none" && c.Inbox.ReconnectMax <= 0 {
		return fmt.Errorf("inbox.reconnect_max must be > 0")
	}

	// WebRTC
	for _, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers entries need at least one url")
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers: %w", err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Media
	if !c.Media.Audio {
		return fmt.Errorf("media.audio must be enabled")
	}
	if c.Media.FrameDuration < 10*time.Millisecond || c.Media.FrameDuration > 60*time.Millisecond {
		return fmt.Errorf("media.frame_duration must be between 10ms and 60ms")
	}

	// Composer
	switch c.Composer.RowLookup {
	case "direct":
	case "host":
		if c.Composer.MessagesEndpoint == "" || c.Composer.MessagesEndpoint[0] != '/' {
			return fmt.Errorf("composer.messages_endpoint must be an absolute path")
		}
	default:
		return fmt.Errorf("composer.row_lookup must be one of direct, host (got %q)", c.Composer.RowLookup)
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults. The user id is
// left unset and must come from the file or CLICKTOCALL_USER_ID.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:8090"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signaling.Driver = "http"
	cfg.Signaling.BaseURL = "http://localhost:9991"
	cfg.Signaling.Endpoint = "/json/calls/message"
	cfg.Signaling.SessionHeader = "Authorization"
	cfg.Signaling.Timeout = 10 * time.Second
	cfg.Signaling.Retry.Enabled = true
	cfg.Signaling.Retry.MaxAttempts = 2
	cfg.Signaling.Retry.InitialDelay = 200 * time.Millisecond
	cfg.Signaling.Retry.MaxDelay = 2 * time.Second
	cfg.Signaling.CircuitBreaker.FailureThreshold = 5
	cfg.Signaling.CircuitBreaker.SuccessThreshold = 1
	cfg.Signaling.CircuitBreaker.OpenTimeout = 15 * time.Second

	cfg.Inbox.Driver = "websocket"
	cfg.Inbox.URL = "ws://localhost:9991/json/calls/events"
	cfg.Inbox.PingInterval = 30 * time.Second
	cfg.Inbox.PongTimeout = 60 * time.Second
	cfg.Inbox.ReconnectMax = 30 * time.Second
	cfg.Inbox.Channel = "clicktocall:user"

	cfg.Media.Audio = true
	cfg.Media.Video = false
	cfg.Media.FrameDuration = 20 * time.Millisecond

	cfg.Composer.ShowAudioChatButton = true
	cfg.Composer.ShowClickToCallButton = true
	cfg.Composer.RowLookup = "direct"
	cfg.Composer.MessagesEndpoint = "/json/messages"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40
	cfg.RateLimiting.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CLICKTOCALL_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.User.ID = id
		}
	}
	if addr := os.Getenv("CLICKTOCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if d := os.Getenv("CLICKTOCALL_SIGNALING_DRIVER"); d != "" {
		c.Signaling.Driver = d
	}
	if u := os.Getenv("CLICKTOCALL_SIGNALING_BASE_URL"); u != "" {
		c.Signaling.BaseURL = u
	}
	if token := os.Getenv("CLICKTOCALL_SESSION_TOKEN"); token != "" {
		c.Signaling.SessionToken = token
	}
	if u := os.Getenv("CLICKTOCALL_INBOX_URL"); u != "" {
		c.Inbox.URL = u
	}
	if level := os.Getenv("CLICKTOCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
