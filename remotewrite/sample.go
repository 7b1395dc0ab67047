// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package remotewrite converts meter readings into Prometheus Remote
// Write v1 payloads and delivers them to a single configured endpoint.
// The pipeline is Builder (readings to samples), Encode (samples to a
// Snappy-compressed protobuf frame) and Sender (HTTP POST with retry
// and a circuit breaker), glued together by the Forwarder worker pool.
package remotewrite

import (
	"time"

	"github.com/soothill/eagle-energy-bridge/eagle"
	"github.com/soothill/eagle-energy-bridge/labels"
	"github.com/soothill/eagle-energy-bridge/pkg/metrics"
)

// Metric names emitted by the bridge.
const (
	MetricSummationDelivered = "energy_summation_delivered_kwh"
	MetricSummationReceived  = "energy_summation_received_kwh"
	MetricDemand             = "energy_instantaneous_demand_kw"
	MetricLinkStrength       = "network_link_strength"
	MetricDeviceInfo         = "energy_device_info"
)

// Label names attached by the builder. LabelDevice lives in the labels
// package because the resolver reserves it there too.
const (
	LabelMeterMAC     = "meter_mac_id"
	LabelClientHost   = "client_host"
	LabelChannel      = "channel"
	LabelFWVersion    = "fw_version"
	LabelHWVersion    = "hw_version"
	LabelManufacturer = "manufacturer"
	LabelModelID      = "model_id"
)

// Sample is a single time-series point ready for encoding.
type Sample struct {
	Name      string
	Labels    map[string]string
	Value     float64
	Timestamp time.Time
}

// Batch is the unit of delivery. All samples parsed from one upload
// travel in one batch so they share a single remote write request.
type Batch []Sample

// Builder turns decoded readings into samples, attaching configured
// extension labels and the identity labels derived from the reading.
type Builder struct {
	table           *labels.Table
	stampClientHost bool
}

// NewBuilder creates a builder backed by the given label table. When
// stampClientHost is true each sample carries the submitting gateway's
// host address as a client_host label.
func NewBuilder(table *labels.Table, stampClientHost bool) *Builder {
	return &Builder{
		table:           table,
		stampClientHost: stampClientHost,
	}
}

// Build converts readings into a batch. clientHost is the host part of
// the remote address the upload arrived from; it is only used when the
// builder was configured to stamp it.
func (b *Builder) Build(readings []eagle.Reading, clientHost string) Batch {
	if len(readings) == 0 {
		return nil
	}

	batch := make(Batch, 0, len(readings))
	for _, reading := range readings {
		name := metricName(reading.Type)
		if name == "" {
			continue
		}
		batch = append(batch, Sample{
			Name:      name,
			Labels:    b.labelsFor(reading, clientHost),
			Value:     reading.Value,
			Timestamp: reading.ObservedAt,
		})
	}

	metrics.SamplesBuilt.Add(float64(len(batch)))
	return batch
}

func metricName(t eagle.ReadingType) string {
	switch t {
	case eagle.ReadingSummationDelivered:
		return MetricSummationDelivered
	case eagle.ReadingSummationReceived:
		return MetricSummationReceived
	case eagle.ReadingInstantaneousDemand:
		return MetricDemand
	case eagle.ReadingNetworkInfo:
		return MetricLinkStrength
	case eagle.ReadingDeviceInfo:
		return MetricDeviceInfo
	default:
		return ""
	}
}

// labelsFor assembles the label set for one reading. Extension labels
// from the table go in first, identity labels last, so a configured
// label can never shadow the device identity.
func (b *Builder) labelsFor(reading eagle.Reading, clientHost string) map[string]string {
	set := b.table.Lookup(reading.DeviceID)

	switch reading.Type {
	case eagle.ReadingNetworkInfo:
		if reading.Channel != "" {
			set[LabelChannel] = reading.Channel
		}
	case eagle.ReadingDeviceInfo:
		if reading.FWVersion != "" {
			set[LabelFWVersion] = reading.FWVersion
		}
		if reading.HWVersion != "" {
			set[LabelHWVersion] = reading.HWVersion
		}
		if reading.Manufacturer != "" {
			set[LabelManufacturer] = reading.Manufacturer
		}
		if reading.ModelID != "" {
			set[LabelModelID] = reading.ModelID
		}
	}

	if b.stampClientHost && clientHost != "" {
		set[LabelClientHost] = clientHost
	}
	if reading.MeterID != "" {
		set[LabelMeterMAC] = reading.MeterID
	}
	set[labels.DeviceLabel] = reading.DeviceID

	return set
}
