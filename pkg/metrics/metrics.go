// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the Eagle energy bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived tracks the total number of telemetry uploads received
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_messages_received_total",
		Help: "Total number of telemetry uploads received from gateways",
	})

	// ParseFailures tracks uploads that could not be parsed at all
	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_parse_failures_total",
		Help: "Total number of uploads rejected as unreadable or malformed XML",
	})

	// ElementsDropped tracks telemetry elements discarded during decoding
	ElementsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_elements_dropped_total",
		Help: "Total number of telemetry elements dropped due to decode failures",
	})

	// UnknownElements tracks elements of types the bridge does not handle
	UnknownElements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_unknown_elements_total",
		Help: "Total number of unrecognized telemetry elements skipped",
	})

	// ReadingsParsed tracks successfully decoded readings by type
	ReadingsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eagle_bridge_readings_parsed_total",
		Help: "Total number of readings decoded from uploads",
	}, []string{"type"})

	// DemandOutOfRange tracks demand readings outside the plausibility bound
	DemandOutOfRange = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_demand_out_of_range_total",
		Help: "Total number of demand readings outside the configured plausibility bound",
	})

	// SamplesBuilt tracks the total number of time series samples built
	SamplesBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_samples_built_total",
		Help: "Total number of time series samples built from readings",
	})

	// BatchesEnqueued tracks batches accepted onto the forwarding queue
	BatchesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_batches_enqueued_total",
		Help: "Total number of sample batches accepted for forwarding",
	})

	// BatchesDropped tracks batches rejected because the queue was full
	BatchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_batches_dropped_total",
		Help: "Total number of sample batches dropped due to a full queue",
	})

	// QueueDepth tracks the current depth of the forwarding queue
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eagle_bridge_queue_depth",
		Help: "Current number of batches waiting in the forwarding queue",
	})

	// EncodeFailures tracks batches that failed protobuf encoding
	EncodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_encode_failures_total",
		Help: "Total number of batches that failed remote write encoding",
	})

	// SendRetries tracks individual retry attempts against the remote endpoint
	SendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_send_retries_total",
		Help: "Total number of remote write retry attempts",
	})

	// BatchesForwarded tracks batches delivered to the remote endpoint
	BatchesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_batches_forwarded_total",
		Help: "Total number of sample batches delivered via remote write",
	})

	// ForwardFailures tracks batches abandoned after exhausting retries
	ForwardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_forward_failures_total",
		Help: "Total number of sample batches abandoned after delivery failures",
	})

	// ForwardDuration tracks how long a batch delivery takes end to end
	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eagle_bridge_forward_duration_seconds",
		Help:    "Duration of remote write batch delivery in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BreakerState tracks the remote write circuit breaker state
	// (0=closed, 1=half-open, 2=open)
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eagle_bridge_breaker_state",
		Help: "Remote write circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// InfluxDBWritesTotal tracks the total number of mirror writes to InfluxDB
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_influxdb_writes_total",
		Help: "Total number of readings mirrored to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed mirror writes to InfluxDB
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagle_bridge_influxdb_write_errors_total",
		Help: "Total number of failed InfluxDB mirror writes",
	})
)
