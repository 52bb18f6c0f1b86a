// Package config loads and validates client configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Server     ServerConfig     `mapstructure:"server"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Submit     SubmitConfig     `mapstructure:"submit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServiceConfig locates the content service and its push endpoint.
type ServiceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSPath  string `mapstructure:"ws_path"`
	JobKind string `mapstructure:"job_kind"`
}

// ConnectionConfig tunes the push connection lifecycle.
type ConnectionConfig struct {
	HeartbeatOutgoingMs int     `mapstructure:"heartbeat_outgoing_ms"`
	HeartbeatIncomingMs int     `mapstructure:"heartbeat_incoming_ms"`
	HeartbeatTolerance  float64 `mapstructure:"heartbeat_tolerance"`
	ReconnectDelayMs    int     `mapstructure:"reconnect_delay_ms"`
	HandshakeTimeoutMs  int     `mapstructure:"handshake_timeout_ms"`
	WriteTimeoutMs      int     `mapstructure:"write_timeout_ms"`
	Host                string  `mapstructure:"host"`
	Login               string  `mapstructure:"login"`
	Passcode            string  `mapstructure:"passcode"`
}

// ServerConfig controls the local status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	LogEnabled    bool        `mapstructure:"log_enabled"`
	BufferSize    int         `mapstructure:"buffer_size"`
	SinkTimeoutMs int         `mapstructure:"sink_timeout_ms"`
	Batch         BatchConfig `mapstructure:"batch"`
}

// BatchConfig bounds hub flushes.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// DatabaseConfig enables persistence of session snapshots.
type DatabaseConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for terminal outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SubmitConfig tunes the REST client used to submit import jobs.
type SubmitConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RetryCount     int     `mapstructure:"retry_count"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBPROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.base_url", "http://localhost:8080")
	v.SetDefault("service.ws_path", "/ws")
	v.SetDefault("service.job_kind", "course")
	v.SetDefault("connection.heartbeat_outgoing_ms", 4000)
	v.SetDefault("connection.heartbeat_incoming_ms", 4000)
	v.SetDefault("connection.heartbeat_tolerance", 2.0)
	v.SetDefault("connection.reconnect_delay_ms", 5000)
	v.SetDefault("connection.handshake_timeout_ms", 10000)
	v.SetDefault("connection.write_timeout_ms", 10000)
	v.SetDefault("server.port", 8081)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("database.table", "job_progress")
	v.SetDefault("submit.timeout_seconds", 120)
	v.SetDefault("submit.retry_count", 0)
	v.SetDefault("submit.rate_per_second", 0.0)
	v.SetDefault("submit.burst", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "jobprogress")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := c.EndpointURL(); err != nil {
		return err
	}
	if c.Service.JobKind == "" {
		return fmt.Errorf("service.job_kind is required")
	}
	if c.Connection.ReconnectDelayMs <= 0 {
		return fmt.Errorf("connection.reconnect_delay_ms must be > 0")
	}
	if c.Connection.HeartbeatOutgoingMs < 0 || c.Connection.HeartbeatIncomingMs < 0 {
		return fmt.Errorf("connection heartbeats must be >= 0")
	}
	if c.Connection.WriteTimeoutMs < 0 {
		return fmt.Errorf("connection.write_timeout_ms must be >= 0")
	}
	if c.Connection.HeartbeatTolerance < 1 {
		return fmt.Errorf("connection.heartbeat_tolerance must be >= 1")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if c.Submit.RatePerSecond < 0 {
		return fmt.Errorf("submit.rate_per_second must be >= 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// EndpointURL derives the push endpoint from the service base URL, switching
// the scheme to ws/wss.
func (c Config) EndpointURL() (string, error) {
	if c.Service.BaseURL == "" {
		return "", fmt.Errorf("service.base_url is required")
	}
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse service.base_url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("service.base_url has unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(c.Service.WSPath, "/")
	return u.String(), nil
}

// HeartbeatOutgoing is the interval at which the client sends heart-beats.
func (c Config) HeartbeatOutgoing() time.Duration {
	return time.Duration(c.Connection.HeartbeatOutgoingMs) * time.Millisecond
}

// HeartbeatIncoming is the interval at which the client expects heart-beats.
func (c Config) HeartbeatIncoming() time.Duration {
	return time.Duration(c.Connection.HeartbeatIncomingMs) * time.Millisecond
}

// ReconnectDelay is the fixed wait between reconnection attempts.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Connection.ReconnectDelayMs) * time.Millisecond
}

// HandshakeTimeout bounds the CONNECT/CONNECTED exchange.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Connection.HandshakeTimeoutMs) * time.Millisecond
}

// WriteTimeout bounds a single frame write on the push connection.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.Connection.WriteTimeoutMs) * time.Millisecond
}

// SubmitTimeout bounds a single job submission request.
func (c Config) SubmitTimeout() time.Duration {
	return time.Duration(c.Submit.TimeoutSeconds) * time.Second
}
