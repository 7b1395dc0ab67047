// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the Eagle energy
// bridge. Configuration is assembled in three layers: an optional YAML file,
// environment variable overrides, and built-in defaults. The assembled
// result is validated once at startup; nothing in this package is mutated
// afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
	"github.com/soothill/eagle-energy-bridge/pkg/util"
)

// Config represents the application configuration
type Config struct {
	RemoteWrite   RemoteWriteConfig            `yaml:"remote_write"`
	Devices       map[string]map[string]string `yaml:"devices"`
	Ingest        IngestConfig                 `yaml:"ingest"`
	Decode        DecodeConfig                 `yaml:"decode"`
	InfluxDB      InfluxDBConfig               `yaml:"influxdb"`
	Announce      AnnounceConfig               `yaml:"announce"`
	Metrics       MetricsConfig                `yaml:"metrics"`
	Logging       LoggingConfig                `yaml:"logging"`
	Notifications NotificationsConfig          `yaml:"notifications"`
}

// RemoteWriteConfig holds delivery settings for the metrics backend.
type RemoteWriteConfig struct {
	Endpoint         string        `yaml:"endpoint" validate:"required,url"`
	Timeout          time.Duration `yaml:"timeout" validate:"omitempty,min=1s,max=5m"`
	MaxRetries       uint64        `yaml:"max_retries" validate:"max=10"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" validate:"omitempty,min=1ms,max=1m"`
	MaxBackoff       time.Duration `yaml:"max_backoff" validate:"omitempty,min=1ms,max=10m,gtefield=InitialBackoff"`
	QueueSize        int           `yaml:"queue_size" validate:"omitempty,min=1,max=100000"`
	Workers          int           `yaml:"workers" validate:"omitempty,min=1,max=64"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" validate:"omitempty,min=1s,max=5m"`
	BreakerThreshold uint32        `yaml:"breaker_threshold" validate:"omitempty,min=1,max=1000"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" validate:"omitempty,min=1s,max=1h"`
	ClientHostLabel  bool          `yaml:"client_host_label"`
}

// IngestConfig holds settings for the XML upload listener.
type IngestConfig struct {
	ListenAddr          string        `yaml:"listen_addr" validate:"omitempty,hostname_port"`
	Path                string        `yaml:"path" validate:"omitempty,startswith=/"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes" validate:"omitempty,min=1024,max=67108864"`
	ReadTimeout         time.Duration `yaml:"read_timeout" validate:"omitempty,min=1s,max=5m"`
	WriteTimeout        time.Duration `yaml:"write_timeout" validate:"omitempty,min=1s,max=5m"`
	ReadingsChannelSize int           `yaml:"readings_channel_size" validate:"omitempty,min=10,max=100000"`
}

// DecodeConfig holds numeric interpretation settings for device registers.
type DecodeConfig struct {
	DemandSignBits uint    `yaml:"demand_sign_bits" validate:"omitempty,min=1,max=64"`
	DemandBoundKW  float64 `yaml:"demand_bound_kw" validate:"omitempty,gt=0"`
}

// InfluxDBConfig holds settings for the optional reading mirror. The mirror
// is disabled unless a URL is configured.
type InfluxDBConfig struct {
	URL              string        `yaml:"url" validate:"omitempty,url"`
	Token            string        `yaml:"token" validate:"required_with=URL,omitempty,min=8"`
	Organization     string        `yaml:"organization" validate:"required_with=URL"`
	Bucket           string        `yaml:"bucket" validate:"required_with=URL"`
	BreakerThreshold uint32        `yaml:"breaker_threshold" validate:"omitempty,min=1,max=1000"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" validate:"omitempty,min=1s,max=1h"`
}

// Enabled reports whether the mirror is configured.
func (c InfluxDBConfig) Enabled() bool {
	return c.URL != ""
}

// AnnounceConfig holds settings for optional mDNS registration.
type AnnounceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance" validate:"omitempty,max=63"`
}

// MetricsConfig holds settings for the self-metrics listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// NotificationsConfig holds settings for operator alerting.
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// validate caches parsed struct tags across calls.
var validate = validator.New()

// Load builds the configuration from an optional YAML file, environment
// variable overrides, and defaults. A missing file is not an error so the
// bridge can run from environment variables alone; an unreadable or
// malformed file is.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" && util.FileExists(path) {
		data, err := util.ReadFileSafely(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the
// configuration. PROMETHEUS_REMOTE_WRITE_ENDPOINT and PROMETHEUS_OPT_LABELS
// keep their historical names so existing gateway deployments carry over.
func (c *Config) applyEnvironmentOverrides() {
	if endpoint := os.Getenv("PROMETHEUS_REMOTE_WRITE_ENDPOINT"); endpoint != "" {
		c.RemoteWrite.Endpoint = endpoint
	}
	if raw := os.Getenv("PROMETHEUS_OPT_LABELS"); raw != "" {
		extra := map[string]map[string]string{}
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse PROMETHEUS_OPT_LABELS: %v\n", err)
		} else {
			c.mergeDeviceLabels(extra)
		}
	}
	if addr := os.Getenv("INGEST_LISTEN_ADDR"); addr != "" {
		c.Ingest.ListenAddr = addr
	}
	if addr := os.Getenv("METRICS_LISTEN_ADDR"); addr != "" {
		c.Metrics.ListenAddr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		c.InfluxDB.URL = v
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
}

// mergeDeviceLabels folds environment-supplied device labels into the file
// configuration. The environment wins per label key.
func (c *Config) mergeDeviceLabels(extra map[string]map[string]string) {
	if c.Devices == nil {
		c.Devices = make(map[string]map[string]string, len(extra))
	}
	for device, set := range extra {
		existing, ok := c.Devices[device]
		if !ok {
			existing = make(map[string]string, len(set))
			c.Devices[device] = existing
		}
		for name, value := range set {
			existing[name] = value
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.RemoteWrite.Timeout == 0 {
		c.RemoteWrite.Timeout = 10 * time.Second
	}
	if c.RemoteWrite.MaxRetries == 0 {
		c.RemoteWrite.MaxRetries = 3
	}
	if c.RemoteWrite.InitialBackoff == 0 {
		c.RemoteWrite.InitialBackoff = 500 * time.Millisecond
	}
	if c.RemoteWrite.MaxBackoff == 0 {
		c.RemoteWrite.MaxBackoff = 30 * time.Second
	}
	if c.RemoteWrite.QueueSize == 0 {
		c.RemoteWrite.QueueSize = 100
	}
	if c.RemoteWrite.Workers == 0 {
		c.RemoteWrite.Workers = 1
	}
	if c.RemoteWrite.DrainTimeout == 0 {
		c.RemoteWrite.DrainTimeout = 10 * time.Second
	}
	if c.RemoteWrite.BreakerThreshold == 0 {
		c.RemoteWrite.BreakerThreshold = 5
	}
	if c.RemoteWrite.BreakerCooldown == 0 {
		c.RemoteWrite.BreakerCooldown = 30 * time.Second
	}

	if c.Ingest.ListenAddr == "" {
		c.Ingest.ListenAddr = ":8000"
	}
	if c.Ingest.Path == "" {
		c.Ingest.Path = "/"
	}
	if c.Ingest.MaxBodyBytes == 0 {
		c.Ingest.MaxBodyBytes = 1 << 20
	}
	if c.Ingest.ReadTimeout == 0 {
		c.Ingest.ReadTimeout = 10 * time.Second
	}
	if c.Ingest.WriteTimeout == 0 {
		c.Ingest.WriteTimeout = 10 * time.Second
	}
	if c.Ingest.ReadingsChannelSize == 0 {
		c.Ingest.ReadingsChannelSize = 100
	}

	if c.Decode.DemandSignBits == 0 {
		c.Decode.DemandSignBits = 32
	}
	if c.Decode.DemandBoundKW == 0 {
		c.Decode.DemandBoundKW = 1000
	}

	if c.InfluxDB.BreakerThreshold == 0 {
		c.InfluxDB.BreakerThreshold = 5
	}
	if c.InfluxDB.BreakerCooldown == 0 {
		c.InfluxDB.BreakerCooldown = 30 * time.Second
	}

	if c.Announce.Instance == "" {
		c.Announce.Instance = "eagle-energy-bridge"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":8081"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks if the configuration is valid. Struct tags cover the
// field-level constraints; URL security rules need the parsed URL and are
// checked by hand.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if err := requireSecureURL("remote_write.endpoint", c.RemoteWrite.Endpoint); err != nil {
		return err
	}
	if c.InfluxDB.Enabled() {
		if err := requireSecureURL("influxdb.url", c.InfluxDB.URL); err != nil {
			return err
		}
	}

	return nil
}

// requireSecureURL rejects plaintext HTTP for anything that is not a local
// or private address. Credentials ride on both outbound connections.
func requireSecureURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return apperrors.NewConfigError(field, raw, err)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return apperrors.NewConfigError(field, raw, fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}

	if isPrivateHost(parsed.Hostname()) {
		return nil
	}
	return apperrors.NewConfigError(field, raw,
		fmt.Errorf("must use HTTPS for non-local connections. Using HTTP transmits credentials in plaintext"))
}

// isPrivateHost reports whether hostname stays on the local network.
func isPrivateHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
