// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
)

// minimalValid returns a configuration that passes validation: required
// fields set, everything else defaulted.
func minimalValid() Config {
	cfg := Config{}
	cfg.RemoteWrite.Endpoint = "https://push.example.com/api/v1/write"
	cfg.setDefaults()
	return cfg
}

// writeConfig writes content to a throwaway YAML file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnvOverrides neutralizes ambient override variables so assertions
// on file values and defaults are deterministic. Empty values are ignored
// by the override layer.
func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"PROMETHEUS_REMOTE_WRITE_ENDPOINT", "PROMETHEUS_OPT_LABELS",
		"INGEST_LISTEN_ADDR", "METRICS_LISTEN_ADDR", "LOG_LEVEL",
		"SLACK_WEBHOOK_URL", "INFLUXDB_URL", "INFLUXDB_TOKEN",
		"INFLUXDB_ORG", "INFLUXDB_BUCKET",
	} {
		t.Setenv(v, "")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.RemoteWrite.Endpoint = "" },
			wantErr: true,
		},
		{
			name:    "endpoint not a url",
			mutate:  func(c *Config) { c.RemoteWrite.Endpoint = "not-a-url" },
			wantErr: true,
		},
		{
			name:    "endpoint unsupported scheme",
			mutate:  func(c *Config) { c.RemoteWrite.Endpoint = "ftp://push.example.com/write" },
			wantErr: true,
		},
		{
			name:    "plain http public endpoint",
			mutate:  func(c *Config) { c.RemoteWrite.Endpoint = "http://metrics.example.com/api/v1/write" },
			wantErr: true,
		},
		{
			name:    "plain http localhost endpoint",
			mutate:  func(c *Config) { c.RemoteWrite.Endpoint = "http://localhost:9090/api/v1/write" },
			wantErr: false,
		},
		{
			name:    "plain http private endpoint",
			mutate:  func(c *Config) { c.RemoteWrite.Endpoint = "http://192.168.1.50:9090/api/v1/write" },
			wantErr: false,
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.RemoteWrite.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "sub-second timeout",
			mutate:  func(c *Config) { c.RemoteWrite.Timeout = 500 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "excessive retries",
			mutate:  func(c *Config) { c.RemoteWrite.MaxRetries = 11 },
			wantErr: true,
		},
		{
			name: "max backoff below initial backoff",
			mutate: func(c *Config) {
				c.RemoteWrite.InitialBackoff = 10 * time.Second
				c.RemoteWrite.MaxBackoff = time.Second
			},
			wantErr: true,
		},
		{
			name:    "too many workers",
			mutate:  func(c *Config) { c.RemoteWrite.Workers = 65 },
			wantErr: true,
		},
		{
			name:    "ingest path missing leading slash",
			mutate:  func(c *Config) { c.Ingest.Path = "upload" },
			wantErr: true,
		},
		{
			name:    "ingest listen addr missing port",
			mutate:  func(c *Config) { c.Ingest.ListenAddr = "8000" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "influxdb url without token",
			mutate:  func(c *Config) { c.InfluxDB.URL = "http://localhost:8086" },
			wantErr: true,
		},
		{
			name: "influxdb token too short",
			mutate: func(c *Config) {
				c.InfluxDB.URL = "http://localhost:8086"
				c.InfluxDB.Token = "short"
				c.InfluxDB.Organization = "home"
				c.InfluxDB.Bucket = "energy"
			},
			wantErr: true,
		},
		{
			name: "influxdb plain http public host",
			mutate: func(c *Config) {
				c.InfluxDB.URL = "http://influx.example.com:8086"
				c.InfluxDB.Token = "test-token-12345"
				c.InfluxDB.Organization = "home"
				c.InfluxDB.Bucket = "energy"
			},
			wantErr: true,
		},
		{
			name: "influxdb complete and local",
			mutate: func(c *Config) {
				c.InfluxDB.URL = "http://localhost:8086"
				c.InfluxDB.Token = "test-token-12345"
				c.InfluxDB.Organization = "home"
				c.InfluxDB.Bucket = "energy"
			},
			wantErr: false,
		},
		{
			name:    "negative demand bound",
			mutate:  func(c *Config) { c.Decode.DemandBoundKW = -5 },
			wantErr: true,
		},
		{
			name:    "sign bits too wide",
			mutate:  func(c *Config) { c.Decode.DemandSignBits = 65 },
			wantErr: true,
		},
		{
			name:    "invalid slack webhook",
			mutate:  func(c *Config) { c.Notifications.SlackWebhookURL = "hooks.slack.com/services/X" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_InsecureEndpointIsConfigError(t *testing.T) {
	cfg := minimalValid()
	cfg.RemoteWrite.Endpoint = "http://metrics.example.com/api/v1/write"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should reject plaintext HTTP to a public host")
	}
	if !apperrors.IsConfigError(err) {
		t.Errorf("error type = %T, want *ConfigError", err)
	}
}

func TestIsPrivateHost(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"192.168.0.10", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false}, // outside 172.16/12
		{"169.254.1.1", true},
		{"8.8.8.8", false},
		{"metrics.example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isPrivateHost(tt.hostname); got != tt.want {
			t.Errorf("isPrivateHost(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}

func TestLoad_ValidFile(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `remote_write:
  endpoint: "https://push.example.com/api/v1/write"
  timeout: 5s
  max_retries: 2
  queue_size: 250
  client_host_label: true
devices:
  "0xd8d5b9000000af3c":
    location: "garage"
ingest:
  listen_addr: "127.0.0.1:9000"
  path: "/upload"
decode:
  demand_sign_bits: 48
influxdb:
  url: "http://localhost:8086"
  token: "test-token-12345"
  organization: "home"
  bucket: "energy"
logging:
  level: "debug"
  format: "console"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RemoteWrite.Endpoint != "https://push.example.com/api/v1/write" {
		t.Errorf("Endpoint = %q", cfg.RemoteWrite.Endpoint)
	}
	if cfg.RemoteWrite.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.RemoteWrite.Timeout)
	}
	if cfg.RemoteWrite.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.RemoteWrite.MaxRetries)
	}
	if cfg.RemoteWrite.QueueSize != 250 {
		t.Errorf("QueueSize = %d, want 250", cfg.RemoteWrite.QueueSize)
	}
	if !cfg.RemoteWrite.ClientHostLabel {
		t.Error("ClientHostLabel should be true")
	}
	if cfg.Devices["0xd8d5b9000000af3c"]["location"] != "garage" {
		t.Errorf("device labels = %v", cfg.Devices["0xd8d5b9000000af3c"])
	}
	if cfg.Ingest.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("Ingest.ListenAddr = %q", cfg.Ingest.ListenAddr)
	}
	if cfg.Ingest.Path != "/upload" {
		t.Errorf("Ingest.Path = %q, want /upload", cfg.Ingest.Path)
	}
	if cfg.Decode.DemandSignBits != 48 {
		t.Errorf("DemandSignBits = %d, want 48", cfg.Decode.DemandSignBits)
	}
	if !cfg.InfluxDB.Enabled() {
		t.Error("InfluxDB mirror should be enabled")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// Unset fields still pick up defaults.
	if cfg.RemoteWrite.Workers != 1 {
		t.Errorf("default Workers = %d, want 1", cfg.RemoteWrite.Workers)
	}
	if cfg.RemoteWrite.MaxBackoff != 30*time.Second {
		t.Errorf("default MaxBackoff = %v, want 30s", cfg.RemoteWrite.MaxBackoff)
	}
	if cfg.Ingest.MaxBodyBytes != 1<<20 {
		t.Errorf("default MaxBodyBytes = %d, want %d", cfg.Ingest.MaxBodyBytes, 1<<20)
	}
	if cfg.Metrics.ListenAddr != ":8081" {
		t.Errorf("default Metrics.ListenAddr = %q, want :8081", cfg.Metrics.ListenAddr)
	}
	if cfg.Decode.DemandBoundKW != 1000 {
		t.Errorf("default DemandBoundKW = %v, want 1000", cfg.Decode.DemandBoundKW)
	}
}

func TestLoad_MissingFileUsesEnvironment(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("PROMETHEUS_REMOTE_WRITE_ENDPOINT", "https://push.example.com/api/v1/write")

	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	if err != nil {
		t.Fatalf("Load() with missing file should fall back to environment, got %v", err)
	}

	if cfg.RemoteWrite.Endpoint != "https://push.example.com/api/v1/write" {
		t.Errorf("Endpoint = %q", cfg.RemoteWrite.Endpoint)
	}
	if cfg.RemoteWrite.Timeout != 10*time.Second {
		t.Errorf("default Timeout = %v, want 10s", cfg.RemoteWrite.Timeout)
	}
	if cfg.Ingest.ListenAddr != ":8000" {
		t.Errorf("default Ingest.ListenAddr = %q, want :8000", cfg.Ingest.ListenAddr)
	}
}

func TestLoad_MissingFileWithoutEndpoint(t *testing.T) {
	clearEnvOverrides(t)

	_, err := Load(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	if err == nil {
		t.Error("Load() should fail when no endpoint is configured anywhere")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: yaml: content:\n  - missing\n  closing")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() should fail with invalid YAML")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `remote_write:
  endpoint: "https://file.example.com/api/v1/write"
logging:
  level: "info"
`)

	t.Setenv("PROMETHEUS_REMOTE_WRITE_ENDPOINT", "https://env.example.com/api/v1/write")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("INGEST_LISTEN_ADDR", ":9100")
	t.Setenv("METRICS_LISTEN_ADDR", ":9101")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/T/B/X")
	t.Setenv("INFLUXDB_URL", "http://localhost:8086")
	t.Setenv("INFLUXDB_TOKEN", "env-token-12345")
	t.Setenv("INFLUXDB_ORG", "env-org")
	t.Setenv("INFLUXDB_BUCKET", "env-bucket")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RemoteWrite.Endpoint != "https://env.example.com/api/v1/write" {
		t.Errorf("Endpoint = %q, want env override", cfg.RemoteWrite.Endpoint)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Ingest.ListenAddr != ":9100" {
		t.Errorf("Ingest.ListenAddr = %q, want :9100", cfg.Ingest.ListenAddr)
	}
	if cfg.Metrics.ListenAddr != ":9101" {
		t.Errorf("Metrics.ListenAddr = %q, want :9101", cfg.Metrics.ListenAddr)
	}
	if cfg.Notifications.SlackWebhookURL != "https://hooks.slack.com/services/T/B/X" {
		t.Errorf("SlackWebhookURL = %q", cfg.Notifications.SlackWebhookURL)
	}
	if cfg.InfluxDB.URL != "http://localhost:8086" {
		t.Errorf("InfluxDB.URL = %q", cfg.InfluxDB.URL)
	}
	if cfg.InfluxDB.Token != "env-token-12345" {
		t.Errorf("InfluxDB.Token = %q", cfg.InfluxDB.Token)
	}
	if cfg.InfluxDB.Organization != "env-org" {
		t.Errorf("InfluxDB.Organization = %q", cfg.InfluxDB.Organization)
	}
	if cfg.InfluxDB.Bucket != "env-bucket" {
		t.Errorf("InfluxDB.Bucket = %q", cfg.InfluxDB.Bucket)
	}
}

func TestLoad_OptLabelsMerge(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `remote_write:
  endpoint: "https://push.example.com/api/v1/write"
devices:
  "0xd8d5b9000000af3c":
    location: "garage"
    rate: "tou"
`)

	t.Setenv("PROMETHEUS_OPT_LABELS",
		`{"0xd8d5b9000000af3c": {"location": "attic"}, "0xffff000000000001": {"site": "cabin"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	dev := cfg.Devices["0xd8d5b9000000af3c"]
	if dev["location"] != "attic" {
		t.Errorf("location = %q, environment should win per key", dev["location"])
	}
	if dev["rate"] != "tou" {
		t.Errorf("rate = %q, file-only keys should survive the merge", dev["rate"])
	}
	if cfg.Devices["0xffff000000000001"]["site"] != "cabin" {
		t.Errorf("environment-only device missing: %v", cfg.Devices)
	}
}

func TestLoad_OptLabelsInvalidJSON(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `remote_write:
  endpoint: "https://push.example.com/api/v1/write"
devices:
  "0xd8d5b9000000af3c":
    location: "garage"
`)

	t.Setenv("PROMETHEUS_OPT_LABELS", "{not json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() should survive unparseable PROMETHEUS_OPT_LABELS, got %v", err)
	}
	if cfg.Devices["0xd8d5b9000000af3c"]["location"] != "garage" {
		t.Errorf("file labels should be untouched, got %v", cfg.Devices)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, `remote_write:
  endpoint: "https://push.example.com/api/v1/write"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RemoteWrite.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.RemoteWrite.Timeout)
	}
	if cfg.RemoteWrite.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.RemoteWrite.MaxRetries)
	}
	if cfg.RemoteWrite.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 500ms", cfg.RemoteWrite.InitialBackoff)
	}
	if cfg.RemoteWrite.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", cfg.RemoteWrite.MaxBackoff)
	}
	if cfg.RemoteWrite.QueueSize != 100 {
		t.Errorf("QueueSize = %d, want 100", cfg.RemoteWrite.QueueSize)
	}
	if cfg.RemoteWrite.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.RemoteWrite.Workers)
	}
	if cfg.RemoteWrite.DrainTimeout != 10*time.Second {
		t.Errorf("DrainTimeout = %v, want 10s", cfg.RemoteWrite.DrainTimeout)
	}
	if cfg.RemoteWrite.BreakerThreshold != 5 {
		t.Errorf("BreakerThreshold = %d, want 5", cfg.RemoteWrite.BreakerThreshold)
	}
	if cfg.RemoteWrite.BreakerCooldown != 30*time.Second {
		t.Errorf("BreakerCooldown = %v, want 30s", cfg.RemoteWrite.BreakerCooldown)
	}
	if cfg.RemoteWrite.ClientHostLabel {
		t.Error("ClientHostLabel should default to false")
	}
	if cfg.Ingest.ListenAddr != ":8000" {
		t.Errorf("Ingest.ListenAddr = %q, want :8000", cfg.Ingest.ListenAddr)
	}
	if cfg.Ingest.Path != "/" {
		t.Errorf("Ingest.Path = %q, want /", cfg.Ingest.Path)
	}
	if cfg.Ingest.ReadingsChannelSize != 100 {
		t.Errorf("ReadingsChannelSize = %d, want 100", cfg.Ingest.ReadingsChannelSize)
	}
	if cfg.Decode.DemandSignBits != 32 {
		t.Errorf("DemandSignBits = %d, want 32", cfg.Decode.DemandSignBits)
	}
	if cfg.InfluxDB.Enabled() {
		t.Error("InfluxDB mirror should be disabled by default")
	}
	if cfg.Announce.Enabled {
		t.Error("Announce should be disabled by default")
	}
	if cfg.Announce.Instance != "eagle-energy-bridge" {
		t.Errorf("Announce.Instance = %q", cfg.Announce.Instance)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
}
