// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package labels resolves per-device label extensions configured at
// startup. The table is immutable once built, so lookups need no locking.
package labels

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/common/model"

	"github.com/soothill/eagle-energy-bridge/eagle"
	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
)

// DeviceLabel is the fixed label carrying the gateway identity on every
// forwarded sample. Configuration may not override it.
const DeviceLabel = "device"

// Table maps canonical device identifiers to their configured label
// extensions.
type Table struct {
	devices map[string]map[string]string
}

// NewTable builds the lookup table from configuration, normalizing device
// identifiers and validating every label name against the Prometheus label
// grammar. Construction fails on the first invalid entry so a bad config
// stops the process at startup rather than corrupting series at runtime.
func NewTable(devices map[string]map[string]string) (*Table, error) {
	table := &Table{devices: make(map[string]map[string]string, len(devices))}

	for device, extensions := range devices {
		id := eagle.NormalizeMAC(device)
		if id == "" {
			return nil, apperrors.NewConfigError("devices", device,
				fmt.Errorf("empty device identifier"))
		}

		validated := make(map[string]string, len(extensions))
		for name, value := range extensions {
			if err := validateLabel(name, value); err != nil {
				return nil, apperrors.NewConfigError(fmt.Sprintf("devices.%s", id), name, err)
			}
			validated[name] = value
		}
		table.devices[id] = validated
	}

	return table, nil
}

// validateLabel enforces the legacy Prometheus label-name grammar
// [a-zA-Z_][a-zA-Z0-9_]* and rejects names the bridge reserves for itself.
func validateLabel(name, value string) error {
	if !model.LabelName(name).IsValidLegacy() {
		return fmt.Errorf("invalid label name")
	}
	if strings.HasPrefix(name, model.ReservedLabelPrefix) {
		return fmt.Errorf("label names starting with %q are reserved", model.ReservedLabelPrefix)
	}
	if name == DeviceLabel {
		return fmt.Errorf("label %q is set by the bridge and cannot be configured", DeviceLabel)
	}
	if value == "" {
		return fmt.Errorf("empty label value")
	}
	return nil
}

// Lookup returns the label extensions for a device identifier. The result
// is a fresh map safe for the caller to extend; unconfigured devices get an
// empty map, never nil.
func (t *Table) Lookup(deviceID string) map[string]string {
	configured := t.devices[eagle.NormalizeMAC(deviceID)]
	out := make(map[string]string, len(configured)+4)
	for name, value := range configured {
		out[name] = value
	}
	return out
}

// Len returns the number of configured devices.
func (t *Table) Len() int {
	return len(t.devices)
}

// Devices returns the configured device identifiers in sorted order.
func (t *Table) Devices() []string {
	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
