// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage mirrors decoded meter readings into InfluxDB 2.x.
// The mirror is a secondary store: failures here must never affect the
// remote write path, so writes are blocking, surface their errors and
// are expected to run behind the guarded wrapper.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/soothill/eagle-energy-bridge/eagle"
	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
	"github.com/soothill/eagle-energy-bridge/pkg/logger"
	"github.com/soothill/eagle-energy-bridge/pkg/metrics"
)

const connectTimeout = 5 * time.Second

// InfluxDBMirror writes readings as InfluxDB points. The measurement
// is the reading type, the value is a single "value" field, identity
// strings become tags.
type InfluxDBMirror struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

// NewInfluxDBMirror connects to InfluxDB and verifies backend health
// before returning.
func NewInfluxDBMirror(url, token, org, bucket string) (*InfluxDBMirror, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, apperrors.NewStorageError("connect", "", err)
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, apperrors.NewStorageError("connect", "", fmt.Errorf("health check failed: %s", message))
	}

	logger.Info().
		Str("url", url).
		Str("org", org).
		Str("bucket", bucket).
		Msg("Connected to InfluxDB mirror")

	return &InfluxDBMirror{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		bucket:   bucket,
		org:      org,
	}, nil
}

// WriteReading writes a single reading to InfluxDB.
func (m *InfluxDBMirror) WriteReading(ctx context.Context, reading *eagle.Reading) error {
	if reading == nil {
		return apperrors.NewStorageError("write", "", fmt.Errorf("reading cannot be nil"))
	}
	if reading.DeviceID == "" {
		return apperrors.NewStorageError("write", "", fmt.Errorf("device ID cannot be empty"))
	}
	if reading.ObservedAt.IsZero() {
		return apperrors.NewStorageError("write", reading.DeviceID, fmt.Errorf("timestamp cannot be zero"))
	}

	point := influxdb2.NewPoint(
		reading.Type.String(),
		pointTags(reading),
		map[string]interface{}{"value": reading.Value},
		reading.ObservedAt,
	)

	if err := m.writeAPI.WritePoint(ctx, point); err != nil {
		metrics.InfluxDBWriteErrors.Inc()
		return apperrors.NewStorageError("write", reading.DeviceID, err)
	}

	metrics.InfluxDBWritesTotal.Inc()
	return nil
}

// Close closes the InfluxDB client.
func (m *InfluxDBMirror) Close() {
	logger.Info().Msg("Closing InfluxDB mirror")
	m.client.Close()
}

// Health checks whether the InfluxDB backend is reachable and passing.
func (m *InfluxDBMirror) Health(ctx context.Context) error {
	health, err := m.client.Health(ctx)
	if err != nil {
		return apperrors.NewStorageError("health", "", err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return apperrors.NewStorageError("health", "", fmt.Errorf("health check failed: %s", message))
	}
	return nil
}

// QueryLatestValue retrieves the most recently mirrored value of one
// measurement for a device.
func (m *InfluxDBMirror) QueryLatestValue(ctx context.Context, measurement, deviceID string) (float64, time.Time, error) {
	if deviceID == "" {
		return 0, time.Time{}, apperrors.NewStorageError("query", "", fmt.Errorf("device ID cannot be empty"))
	}

	queryAPI := m.client.QueryAPI(m.org)

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -24h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device == "%s")
			|> filter(fn: (r) => r._field == "value")
			|> last()
	`, sanitizeFluxString(m.bucket), sanitizeFluxString(measurement), sanitizeFluxString(deviceID))

	result, err := queryAPI.Query(ctx, query)
	if err != nil {
		return 0, time.Time{}, apperrors.NewStorageError("query", deviceID, err)
	}
	defer func() {
		_ = result.Close()
	}()

	var (
		value float64
		at    time.Time
		found bool
	)
	for result.Next() {
		record := result.Record()
		if v, ok := record.Value().(float64); ok {
			value = v
			at = record.Time()
			found = true
		}
	}
	if result.Err() != nil {
		return 0, time.Time{}, apperrors.NewStorageError("query", deviceID, result.Err())
	}
	if !found {
		return 0, time.Time{}, apperrors.NewStorageError("query", deviceID, fmt.Errorf("no points for measurement %q", measurement))
	}

	return value, at, nil
}

func pointTags(reading *eagle.Reading) map[string]string {
	tags := map[string]string{"device": reading.DeviceID}
	if reading.MeterID != "" {
		tags["meter"] = reading.MeterID
	}
	if reading.Channel != "" {
		tags["channel"] = reading.Channel
	}
	if reading.FWVersion != "" {
		tags["fw_version"] = reading.FWVersion
	}
	if reading.HWVersion != "" {
		tags["hw_version"] = reading.HWVersion
	}
	if reading.Manufacturer != "" {
		tags["manufacturer"] = reading.Manufacturer
	}
	if reading.ModelID != "" {
		tags["model_id"] = reading.ModelID
	}
	return tags
}

// sanitizeFluxString escapes a value for interpolation into a Flux
// string literal. Backslashes and quotes are escaped, newlines and
// carriage returns become escape sequences, null bytes are removed.
func sanitizeFluxString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case 0:
			// drop null bytes outright
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
