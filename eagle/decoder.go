// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package eagle

import (
	"math"

	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
	"github.com/soothill/eagle-energy-bridge/pkg/logger"
	"github.com/soothill/eagle-energy-bridge/pkg/metrics"
)

const (
	// DefaultSignBits is the two's-complement width for demand values.
	// Eagle gateways transmit demand as a 32-bit register.
	DefaultSignBits = 32

	// DefaultDemandBoundKW is the plausibility bound for decoded demand.
	// Residential meters never report anywhere near 1000 kW; values beyond
	// it almost always indicate a miscalibrated multiplier/divisor pair.
	DefaultDemandBoundKW = 1000
)

// RawField is a numeric measurement as transmitted by the gateway: a raw
// unsigned register value plus the device-supplied scaling pair.
type RawField struct {
	Raw        uint64
	Multiplier uint64
	Divisor    uint64
}

// Decoder converts RawFields into calibrated physical quantities.
//
// Demand registers are signed via two's complement over a fixed bit width
// (negative demand means power flowing back to the grid). Summation
// registers are unsigned monotonic counters. A zero multiplier means the
// device left the scale factor unset and is treated as 1; a zero divisor is
// a decode failure because dividing by it can never yield a valid quantity.
type Decoder struct {
	signBits      uint
	demandBoundKW float64
}

// NewDecoder creates a decoder. Zero arguments select the defaults.
func NewDecoder(signBits uint, demandBoundKW float64) *Decoder {
	if signBits == 0 || signBits > 64 {
		signBits = DefaultSignBits
	}
	if demandBoundKW <= 0 {
		demandBoundKW = DefaultDemandBoundKW
	}
	return &Decoder{
		signBits:      signBits,
		demandBoundKW: demandBoundKW,
	}
}

// Demand decodes an instantaneous demand register into kW. The raw value is
// interpreted as signed; the scaling pair is applied afterwards. Values
// outside the plausibility bound are logged and counted but still returned,
// so the backend sees exactly what the device reported.
func (d *Decoder) Demand(f RawField) (float64, error) {
	multiplier, divisor, err := factors(f)
	if err != nil {
		return 0, err
	}

	kw := float64(d.signed(f.Raw)) * multiplier / divisor

	if math.Abs(kw) > d.demandBoundKW {
		logger.Warn().
			Float64("demand_kw", kw).
			Float64("bound_kw", d.demandBoundKW).
			Uint64("raw", f.Raw).
			Uint64("multiplier", f.Multiplier).
			Uint64("divisor", f.Divisor).
			Msg("Demand outside plausibility bound, forwarding anyway")
		metrics.DemandOutOfRange.Inc()
	}

	return kw, nil
}

// Summation decodes a cumulative energy register into kWh. The raw value is
// an unsigned monotonic counter.
func (d *Decoder) Summation(f RawField) (float64, error) {
	multiplier, divisor, err := factors(f)
	if err != nil {
		return 0, err
	}
	return float64(f.Raw) * multiplier / divisor, nil
}

// factors validates the scaling pair and returns it ready for arithmetic.
func factors(f RawField) (float64, float64, error) {
	if f.Divisor == 0 {
		return 0, 0, apperrors.NewDecodeError("Divisor", "0x0", apperrors.ErrZeroDivisor)
	}
	multiplier := f.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}
	return float64(multiplier), float64(f.Divisor), nil
}

// signed interprets raw as a two's-complement integer of the configured
// width. The comparison against the half-range threshold matches the
// gateway's register semantics: any value at or above 2^(bits-1) wraps
// negative.
func (d *Decoder) signed(raw uint64) int64 {
	if d.signBits >= 64 {
		return int64(raw)
	}
	threshold := uint64(1) << (d.signBits - 1)
	if raw >= threshold {
		return int64(raw) - int64(1)<<d.signBits
	}
	return int64(raw)
}
