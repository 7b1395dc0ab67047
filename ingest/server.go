// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package ingest runs the HTTP listener that accepts telemetry uploads
// pushed by Rainforest Eagle gateways. The gateway ignores response
// bodies and cannot react to error statuses, so every upload reaching
// the endpoint is acknowledged with 200 regardless of its content;
// failures are logged and counted instead.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/soothill/eagle-energy-bridge/eagle"
	"github.com/soothill/eagle-energy-bridge/pkg/logger"
	"github.com/soothill/eagle-energy-bridge/pkg/metrics"
	"github.com/soothill/eagle-energy-bridge/remotewrite"
)

// Defaults applied by NewServer for unset config fields.
const (
	DefaultListenAddr   = ":8000"
	DefaultPath         = "/"
	DefaultMaxBodyBytes = 1 << 20
	defaultIOTimeout    = 10 * time.Second
)

// Queue accepts batches for background delivery.
type Queue interface {
	Enqueue(batch remotewrite.Batch) bool
}

// Config holds the listener parameters.
type Config struct {
	ListenAddr   string
	Path         string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the upload listener. It parses each upload, builds a
// sample batch, enqueues it for forwarding and optionally publishes
// the decoded readings to a mirror channel.
type Server struct {
	cfg     Config
	parser  *eagle.Parser
	builder *remotewrite.Builder
	queue   Queue
	mirror  chan<- *eagle.Reading

	server *http.Server
	port   int
}

// NewServer wires the upload handler. mirror may be nil when no
// reading mirror is configured; the channel is never closed by the
// server.
func NewServer(cfg Config, parser *eagle.Parser, builder *remotewrite.Builder, queue Queue, mirror chan<- *eagle.Reading) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultIOTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultIOTimeout
	}

	s := &Server{
		cfg:     cfg,
		parser:  parser,
		builder: builder,
		queue:   queue,
		mirror:  mirror,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpload)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start binds the listener and serves in the background. Bind errors
// are returned immediately so startup can fail fast.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("path", s.cfg.Path).
		Msg("Ingest server listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Ingest server terminated unexpectedly")
		}
	}()

	return nil
}

// Port reports the bound TCP port. Only valid after Start.
func (s *Server) Port() int {
	return s.port
}

// Shutdown stops accepting uploads and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metrics.MessagesReceived.Inc()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		metrics.ParseFailures.Inc()
		logger.Warn().
			Err(err).
			Str("remote", r.RemoteAddr).
			Msg("Failed to read upload body, dropping")
		w.WriteHeader(http.StatusOK)
		return
	}

	readings, err := s.parser.Parse(body, time.Now().UTC())
	if err != nil {
		// Parse counts the failure itself.
		logger.Warn().
			Err(err).
			Str("remote", r.RemoteAddr).
			Int("bytes", len(body)).
			Msg("Discarding malformed upload")
		w.WriteHeader(http.StatusOK)
		return
	}

	if len(readings) > 0 {
		s.queue.Enqueue(s.builder.Build(readings, clientHost(r.RemoteAddr)))
		s.publish(readings)
	}

	w.WriteHeader(http.StatusOK)
}

// publish offers each reading to the mirror channel without blocking
// the acknowledgement path.
func (s *Server) publish(readings []eagle.Reading) {
	if s.mirror == nil {
		return
	}
	for i := range readings {
		reading := readings[i]
		select {
		case s.mirror <- &reading:
		default:
			logger.Warn().
				Str("device_id", reading.DeviceID).
				Str("type", reading.Type.String()).
				Msg("Mirror channel full, dropping reading")
		}
	}
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
