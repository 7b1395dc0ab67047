// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package announce advertises the bridge's ingest endpoint on the
// local network via mDNS (DNS-SD), so LAN tooling can locate the
// bridge without configuration. Gateways themselves are configured
// with an explicit upload URL; the announcement is purely a
// convenience for humans and dashboards.
package announce

import (
	"fmt"

	"github.com/grandcat/zeroconf"

	"github.com/soothill/eagle-energy-bridge/pkg/logger"
)

const (
	// ServiceType is the DNS-SD service type advertised by the bridge.
	ServiceType = "_eagle-bridge._tcp"

	domain = "local."

	defaultInstance = "eagle-energy-bridge"
)

// Announcer registers the ingest endpoint as a DNS-SD service. TXT
// records carry the endpoint path and the bridge version.
type Announcer struct {
	instance string
	port     int
	path     string
	version  string

	server *zeroconf.Server
}

// NewAnnouncer prepares a registration for the given ingest port and
// endpoint path. instance may be empty to use the default name.
func NewAnnouncer(instance string, port int, path, version string) *Announcer {
	if instance == "" {
		instance = defaultInstance
	}
	return &Announcer{
		instance: instance,
		port:     port,
		path:     path,
		version:  version,
	}
}

// Start registers the service on all multicast-capable interfaces.
func (a *Announcer) Start() error {
	server, err := zeroconf.Register(a.instance, ServiceType, domain, a.port, a.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	a.server = server

	logger.Info().
		Str("instance", a.instance).
		Str("service", ServiceType).
		Int("port", a.port).
		Str("path", a.path).
		Msg("Announcing ingest endpoint via mDNS")

	return nil
}

// Stop withdraws the announcement. Safe to call when Start never ran
// or failed.
func (a *Announcer) Stop() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil

	logger.Info().Msg("mDNS announcement withdrawn")
}

func (a *Announcer) txtRecords() []string {
	return []string{
		fmt.Sprintf("path=%s", a.path),
		fmt.Sprintf("version=%s", a.version),
	}
}
