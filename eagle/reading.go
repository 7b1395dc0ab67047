// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package eagle

import (
	"strings"
	"time"
)

// ReadingType identifies the physical quantity a Reading carries.
type ReadingType int

const (
	// ReadingInstantaneousDemand is the current power flow in kW, signed to
	// indicate delivered vs. received direction.
	ReadingInstantaneousDemand ReadingType = iota
	// ReadingSummationDelivered is the cumulative energy delivered to the
	// premises in kWh.
	ReadingSummationDelivered
	// ReadingSummationReceived is the cumulative energy received from the
	// premises in kWh (e.g. solar export).
	ReadingSummationReceived
	// ReadingNetworkInfo is the gateway's radio link strength.
	ReadingNetworkInfo
	// ReadingDeviceInfo carries firmware/hardware identity strings with a
	// constant value of 1.
	ReadingDeviceInfo
)

// String returns a stable lowercase name for the reading type. The name is
// used as a metrics label and as the mirror measurement name.
func (t ReadingType) String() string {
	switch t {
	case ReadingInstantaneousDemand:
		return "instantaneous_demand"
	case ReadingSummationDelivered:
		return "summation_delivered"
	case ReadingSummationReceived:
		return "summation_received"
	case ReadingNetworkInfo:
		return "network_info"
	case ReadingDeviceInfo:
		return "device_info"
	default:
		return "unknown"
	}
}

// Reading is a single decoded telemetry quantity from one gateway upload.
// The set of variants is closed; Type selects which auxiliary fields are
// meaningful.
type Reading struct {
	Type       ReadingType
	DeviceID   string    // Canonical gateway MAC, e.g. "0xd8d5b90000001219"
	MeterID    string    // Meter MAC when reported and not the all-zero placeholder
	ObservedAt time.Time // Element time, wrapper time, or receipt time

	// Value holds the decoded quantity: kW for demand, kWh for summations,
	// raw link strength (0-100) for network info, constant 1 for device info.
	Value float64

	// Channel is the radio channel from NetworkInfo messages, decimal text
	// as reported by the gateway. Empty when not supplied.
	Channel string

	// Identity strings from DeviceInfo messages. Empty otherwise.
	FWVersion    string
	HWVersion    string
	Manufacturer string
	ModelID      string
}

// NormalizeMAC converts a device or meter MAC identifier to its canonical
// form: lowercase hex with a fixed "0x" prefix. The digits themselves are
// preserved as sent; the gateway zero-pads consistently.
func NormalizeMAC(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// isPlaceholderMAC reports whether the identifier is the all-zero value
// some meters report before a MAC is assigned.
func isPlaceholderMAC(s string) bool {
	digits := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if digits == "" {
		return false
	}
	for _, c := range digits {
		if c != '0' {
			return false
		}
	}
	return true
}
