// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"

	"github.com/soothill/eagle-energy-bridge/eagle"
)

// ReadingSink defines the interface for mirroring decoded readings to a
// secondary store. Implementations should tolerate bursty writes and
// provide health checks.
type ReadingSink interface {
	// WriteReading writes a single reading to the sink
	WriteReading(ctx context.Context, reading *eagle.Reading) error

	// Close gracefully shuts down the sink connection
	Close()

	// Health checks if the sink backend is healthy
	Health(ctx context.Context) error
}
