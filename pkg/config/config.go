package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path              string        `yaml:"path"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		SendBufferSize    int           `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	Bitrate struct {
		QualityReportInterval time.Duration `yaml:"quality_report_interval"`
		StepSize              float64       `yaml:"step_size"`
		CoalesceThreshold     float64       `yaml:"coalesce_threshold"` // fraction of current percentage
		QualityWindowSize     int           `yaml:"quality_window_size"`
	} `yaml:"bitrate"`

	Latency struct {
		TraceTimeout       time.Duration `yaml:"trace_timeout"`
		StatsInterval      time.Duration `yaml:"stats_interval"`
		StatsWindow        int           `yaml:"stats_window"`
		MaxTraceHistory    int           `yaml:"max_trace_history"`
		MaxAlerts          int           `yaml:"max_alerts"`
		AlertRetention     time.Duration `yaml:"alert_retention"`
		CleanupInterval    time.Duration `yaml:"cleanup_interval"`
		WarningMultiplier  float64       `yaml:"warning_multiplier"`
		CriticalMultiplier float64       `yaml:"critical_multiplier"`
	} `yaml:"latency"`

	Upstream struct {
		URL          string        `yaml:"url"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		QueueSize    int           `yaml:"queue_size"`
	} `yaml:"upstream"`

	MediaPlane struct {
		MetricsURL   string        `yaml:"metrics_url"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"media_plane"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
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

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.HeartbeatInterval <= 0 {
		return fmt.Errorf("signal.heartbeat_interval must be > 0")
	}
	if c.Signal.ReadTimeout <= c.Signal.HeartbeatInterval {
		return fmt.Errorf("signal.read_timeout must be > signal.heartbeat_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	// Bitrate
	if c.Bitrate.QualityReportInterval <= 0 {
		return fmt.Errorf("bitrate.quality_report_interval must be > 0")
	}
	if c.Bitrate.StepSize <= 0 || c.Bitrate.StepSize > 0.5 {
		return fmt.Errorf("bitrate.step_size must be in (0, 0.5]")
	}
	if c.Bitrate.CoalesceThreshold < 0 || c.Bitrate.CoalesceThreshold >= 1 {
		return fmt.Errorf("bitrate.coalesce_threshold must be in [0, 1)")
	}
	if c.Bitrate.QualityWindowSize <= 0 {
		return fmt.Errorf("bitrate.quality_window_size must be > 0")
	}

	// Latency
	if c.Latency.TraceTimeout <= 0 {
		return fmt.Errorf("latency.trace_timeout must be > 0")
	}
	if c.Latency.StatsInterval <= 0 {
		return fmt.Errorf("latency.stats_interval must be > 0")
	}
	if c.Latency.StatsWindow <= 0 {
		return fmt.Errorf("latency.stats_window must be > 0")
	}
	if c.Latency.MaxTraceHistory < c.Latency.StatsWindow {
		return fmt.Errorf("latency.max_trace_history must be >= latency.stats_window")
	}
	if c.Latency.MaxAlerts <= 0 {
		return fmt.Errorf("latency.max_alerts must be > 0")
	}
	if c.Latency.AlertRetention <= 0 {
		return fmt.Errorf("latency.alert_retention must be > 0")
	}
	if c.Latency.CleanupInterval <= 0 {
		return fmt.Errorf("latency.cleanup_interval must be > 0")
	}
	if c.Latency.WarningMultiplier <= 1.0 {
		return fmt.Errorf("latency.warning_multiplier must be > 1.0")
	}
	if c.Latency.CriticalMultiplier <= c.Latency.WarningMultiplier {
		return fmt.Errorf("latency.critical_multiplier must be > latency.warning_multiplier")
	}

	// Upstream
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url must not be empty")
	}
	if c.Upstream.InitialDelay <= 0 {
		return fmt.Errorf("upstream.initial_delay must be > 0")
	}
	if c.Upstream.MaxDelay < c.Upstream.InitialDelay {
		return fmt.Errorf("upstream.max_delay must be >= upstream.initial_delay")
	}
	if c.Upstream.Multiplier < 1.0 {
		return fmt.Errorf("upstream.multiplier must be >= 1.0")
	}
	if c.Upstream.QueueSize <= 0 {
		return fmt.Errorf("upstream.queue_size must be > 0")
	}

	// Media plane
	if c.MediaPlane.MetricsURL != "" && c.MediaPlane.PollInterval <= 0 {
		return fmt.Errorf("media_plane.poll_interval must be > 0 when metrics_url is set")
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

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1] when tracing.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.HeartbeatInterval = 30 * time.Second
	cfg.Signal.ReadTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 64

	cfg.Bitrate.QualityReportInterval = 3 * time.Second
	cfg.Bitrate.StepSize = 0.1
	cfg.Bitrate.CoalesceThreshold = 0.1
	cfg.Bitrate.QualityWindowSize = 50

	cfg.Latency.TraceTimeout = 10 * time.Second
	cfg.Latency.StatsInterval = 1 * time.Second
	cfg.Latency.StatsWindow = 100
	cfg.Latency.MaxTraceHistory = 1000
	cfg.Latency.MaxAlerts = 100
	cfg.Latency.AlertRetention = time.Hour
	cfg.Latency.CleanupInterval = time.Minute
	cfg.Latency.WarningMultiplier = 1.2
	cfg.Latency.CriticalMultiplier = 1.5

	cfg.Upstream.URL = "ws://localhost:8090/ws/latency"
	cfg.Upstream.InitialDelay = 1 * time.Second
	cfg.Upstream.MaxDelay = 30 * time.Second
	cfg.Upstream.Multiplier = 2.0
	cfg.Upstream.QueueSize = 256

	cfg.MediaPlane.MetricsURL = ""
	cfg.MediaPlane.PollInterval = 5 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200

	cfg.Auth.JWTSecret = "change-me-in-production"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RETURNFEED_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("RETURNFEED_UPSTREAM_URL"); url != "" {
		c.Upstream.URL = url
	}
	if addr := os.Getenv("RETURNFEED_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if level := os.Getenv("RETURNFEED_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RETURNFEED_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
