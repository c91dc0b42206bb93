package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
)

// Config holds all configuration parameters for the irrigation dashboard daemon
type Config struct {
	Bridge      BridgeConfig      `yaml:"bridge"`
	Polling     PollingConfig     `yaml:"polling"`
	Server      ServerConfig      `yaml:"server"`
	RemoteWrite RemoteWriteConfig `yaml:"remoteWrite"`
	MQTT        MQTTConfig        `yaml:"mqtt"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// OpenTelemetry configuration
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`

	// Profiling configuration
	Profiling ProfilingConfig `yaml:"profiling"`
}

// BridgeConfig describes the irrigation rig's HTTP bridge
type BridgeConfig struct {
	BaseURL        string  `yaml:"baseUrl" env:"BRIDGE_URL" env-default:"http://localhost:3001/api"`
	TimeoutSeconds float64 `yaml:"timeoutSeconds" env:"BRIDGE_TIMEOUT_SECONDS" env-default:"3"`
	HistoryPath    string  `yaml:"historyPath" env:"BRIDGE_HISTORY_PATH" env-default:"/history"`
	WeatherPath    string  `yaml:"weatherPath" env:"BRIDGE_WEATHER_PATH" env-default:"/weather"`
	ChatPath       string  `yaml:"chatPath" env:"BRIDGE_CHAT_PATH" env-default:"/chat"`
	AutoModeAction string  `yaml:"autoModeAction" env:"BRIDGE_AUTO_MODE_ACTION" env-default:"AUTO"`

	// Circuit breaker per endpoint
	BreakerFailures    uint32 `yaml:"breakerFailures" env:"BRIDGE_BREAKER_FAILURES" env-default:"5"`
	BreakerOpenSeconds int    `yaml:"breakerOpenSeconds" env:"BRIDGE_BREAKER_OPEN_SECONDS" env-default:"30"`
}

// Timeout returns the per-request timeout
func (b BridgeConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds * float64(time.Second))
}

// PollingConfig holds the poll cadences
type PollingConfig struct {
	IntervalSeconds        int `yaml:"intervalSeconds" env:"POLL_INTERVAL_SECONDS" env-default:"5"`
	WeatherIntervalMinutes int `yaml:"weatherIntervalMinutes" env:"WEATHER_INTERVAL_MINUTES" env-default:"60"`
	HistoryLimit           int `yaml:"historyLimit" env:"HISTORY_LIMIT" env-default:"24"`
}

// Interval returns the fast poll cadence
func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// WeatherInterval returns the weather poll cadence
func (p PollingConfig) WeatherInterval() time.Duration {
	return time.Duration(p.WeatherIntervalMinutes) * time.Minute
}

// ServerConfig configures the local API
type ServerConfig struct {
	Port                   int `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	RequestTimeoutSeconds  int `yaml:"requestTimeoutSeconds" env:"SERVER_REQUEST_TIMEOUT_SECONDS" env-default:"30"`
	ShutdownTimeoutSeconds int `yaml:"shutdownTimeoutSeconds" env:"SERVER_SHUTDOWN_TIMEOUT_SECONDS" env-default:"5"`
}

// RemoteWriteConfig configures pushing live readings to a Prometheus remote-write endpoint
type RemoteWriteConfig struct {
	Enabled             bool   `yaml:"enabled" env:"REMOTE_WRITE_ENABLED" env-default:"false"`
	URL                 string `yaml:"url" env:"PROMETHEUS_URL"`
	Username            string `yaml:"username" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"password" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

// MQTTConfig configures snapshot publishing over MQTT
type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled" env:"MQTT_ENABLED" env-default:"false"`
	Broker         string `yaml:"broker" env:"MQTT_BROKER" env-default:"tcp://localhost:1883"`
	ClientID       string `yaml:"clientId" env:"MQTT_CLIENT_ID" env-default:"agrosmart"`
	Username       string `yaml:"username" env:"MQTT_USERNAME"`
	Password       string `yaml:"password" env:"MQTT_PASSWORD"`
	Topic          string `yaml:"topic" env:"MQTT_TOPIC" env-default:"agrosmart/snapshot"`
	QoS            int    `yaml:"qos" env:"MQTT_QOS" env-default:"0"`
	Retained       bool   `yaml:"retained" env:"MQTT_RETAINED" env-default:"true"`
	ConnectRetries uint64 `yaml:"connectRetries" env:"MQTT_CONNECT_RETRIES" env-default:"5"`
}

// Load reads configuration from configPath and applies environment variable overrides.
// A missing file is not an error; the environment and defaults are used instead.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	if err := validateHTTPURL(c.Bridge.BaseURL); err != nil {
		return fmt.Errorf("invalid bridge.baseUrl: %w", err)
	}
	if c.Bridge.TimeoutSeconds <= 0 {
		return fmt.Errorf("bridge.timeoutSeconds must be positive, got %f", c.Bridge.TimeoutSeconds)
	}
	for name, path := range map[string]string{
		"historyPath": c.Bridge.HistoryPath,
		"weatherPath": c.Bridge.WeatherPath,
		"chatPath":    c.Bridge.ChatPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("bridge.%s must start with '/', got '%s'", name, path)
		}
	}
	if strings.TrimSpace(c.Bridge.AutoModeAction) == "" {
		return fmt.Errorf("bridge.autoModeAction cannot be empty")
	}
	if c.Bridge.BreakerFailures == 0 {
		return fmt.Errorf("bridge.breakerFailures must be positive")
	}
	if c.Bridge.BreakerOpenSeconds <= 0 {
		return fmt.Errorf("bridge.breakerOpenSeconds must be positive, got %d", c.Bridge.BreakerOpenSeconds)
	}

	if c.Polling.IntervalSeconds <= 0 {
		return fmt.Errorf("polling.intervalSeconds must be positive, got %d", c.Polling.IntervalSeconds)
	}
	if c.Polling.WeatherIntervalMinutes <= 0 {
		return fmt.Errorf("polling.weatherIntervalMinutes must be positive, got %d", c.Polling.WeatherIntervalMinutes)
	}
	if c.Polling.HistoryLimit <= 0 {
		return fmt.Errorf("polling.historyLimit must be positive, got %d", c.Polling.HistoryLimit)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.requestTimeoutSeconds must be positive, got %d", c.Server.RequestTimeoutSeconds)
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("server.shutdownTimeoutSeconds must be positive, got %d", c.Server.ShutdownTimeoutSeconds)
	}

	if c.RemoteWrite.Enabled {
		if err := validateHTTPURL(c.RemoteWrite.URL); err != nil {
			return fmt.Errorf("invalid remoteWrite.url: %w", err)
		}
		if c.RemoteWrite.PushIntervalSeconds <= 0 {
			return fmt.Errorf("remoteWrite.pushIntervalSeconds must be positive, got %d", c.RemoteWrite.PushIntervalSeconds)
		}
		if c.RemoteWrite.BufferSize <= 0 {
			return fmt.Errorf("remoteWrite.bufferSize must be positive, got %d", c.RemoteWrite.BufferSize)
		}
	}

	if c.MQTT.Enabled {
		if _, err := url.Parse(c.MQTT.Broker); err != nil || c.MQTT.Broker == "" {
			return fmt.Errorf("invalid mqtt.broker '%s'", c.MQTT.Broker)
		}
		if strings.TrimSpace(c.MQTT.Topic) == "" {
			return fmt.Errorf("mqtt.topic cannot be empty")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	if err := ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}
	if err := ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

// Redacted returns a copy of the config with sensitive fields redacted for logging
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"bridge": map[string]interface{}{
			"baseUrl":            redactURL(c.Bridge.BaseURL),
			"timeoutSeconds":     c.Bridge.TimeoutSeconds,
			"historyPath":        c.Bridge.HistoryPath,
			"weatherPath":        c.Bridge.WeatherPath,
			"chatPath":           c.Bridge.ChatPath,
			"autoModeAction":     c.Bridge.AutoModeAction,
			"breakerFailures":    c.Bridge.BreakerFailures,
			"breakerOpenSeconds": c.Bridge.BreakerOpenSeconds,
		},
		"polling": map[string]interface{}{
			"intervalSeconds":        c.Polling.IntervalSeconds,
			"weatherIntervalMinutes": c.Polling.WeatherIntervalMinutes,
			"historyLimit":           c.Polling.HistoryLimit,
		},
		"server": map[string]interface{}{
			"port": c.Server.Port,
		},
		"remoteWrite": map[string]interface{}{
			"enabled":             c.RemoteWrite.Enabled,
			"url":                 redactURL(c.RemoteWrite.URL),
			"username":            c.RemoteWrite.Username,
			"password":            "***",
			"pushIntervalSeconds": c.RemoteWrite.PushIntervalSeconds,
			"bufferSize":          c.RemoteWrite.BufferSize,
		},
		"mqtt": map[string]interface{}{
			"enabled":     c.MQTT.Enabled,
			"broker":      redactURL(c.MQTT.Broker),
			"clientId":    c.MQTT.ClientID,
			"username":    c.MQTT.Username,
			"passwordSet": c.MQTT.Password != "",
			"topic":       c.MQTT.Topic,
		},
		"logging": map[string]interface{}{
			"logFormat": c.Logging.Format,
			"logLevel":  c.Logging.Level,
		},
		"opentelemetry": map[string]interface{}{
			"enabled":        c.OpenTelemetry.Enabled,
			"serviceName":    c.OpenTelemetry.ServiceName,
			"serviceVersion": c.OpenTelemetry.ServiceVersion,
			"environment":    c.OpenTelemetry.Environment,
			"traces": map[string]interface{}{
				"enabled":       c.OpenTelemetry.Traces.Enabled,
				"endpointSet":   c.OpenTelemetry.Traces.Endpoint != "",
				"samplingRatio": c.OpenTelemetry.Traces.SamplingRatio,
			},
			"metrics": map[string]interface{}{
				"enabled":              c.OpenTelemetry.Metrics.Enabled,
				"endpointSet":          c.OpenTelemetry.Metrics.Endpoint != "",
				"intervalMillis":       c.OpenTelemetry.Metrics.IntervalMillis,
				"enableRuntimeMetrics": c.OpenTelemetry.Metrics.EnableRuntimeMetrics,
			},
		},
		"profiling": map[string]interface{}{
			"enabled":         c.Profiling.Enabled,
			"applicationName": c.Profiling.ApplicationName,
			"serverAddress":   redactURL(c.Profiling.ServerAddress),
		},
	}
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return NewLogger(&c.Logging)
}

func validateHTTPURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is missing")
	}
	return nil
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
