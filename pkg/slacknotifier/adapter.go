// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package slacknotifier

import (
	"context"
	"fmt"

	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
)

// Adapter exposes bridge-specific alert methods on top of the generic
// notifier. It satisfies the notifier interfaces declared by the
// remotewrite and storage packages.
type Adapter struct {
	notifier *Notifier
}

// NewAdapter creates a new adapter.
func NewAdapter(notifier *Notifier) *Adapter {
	return &Adapter{notifier: notifier}
}

// SendBackendDown alerts that remote write delivery is failing and the
// circuit breaker has opened.
func (a *Adapter) SendBackendDown(ctx context.Context, err error) error {
	sendErr := a.notifier.SendAlert(ctx, "danger", "🔌 Remote Write Backend Unreachable",
		fmt.Sprintf("Batch delivery is failing: %v\nBatches will be dropped until the backend recovers.", err))
	if sendErr != nil {
		return apperrors.NewNotificationError("slack", sendErr)
	}
	return nil
}

// SendBackendRecovered alerts that remote write delivery resumed.
func (a *Adapter) SendBackendRecovered(ctx context.Context) error {
	sendErr := a.notifier.SendAlert(ctx, "good", "✅ Remote Write Backend Recovered",
		"Batch delivery has resumed.")
	if sendErr != nil {
		return apperrors.NewNotificationError("slack", sendErr)
	}
	return nil
}

// SendMirrorFailure alerts that the InfluxDB mirror stopped accepting
// writes. The mirror is a secondary store, so this is a warning.
func (a *Adapter) SendMirrorFailure(ctx context.Context, err error) error {
	sendErr := a.notifier.SendAlert(ctx, "warning", "⚠️ InfluxDB Mirror Failure",
		fmt.Sprintf("Mirror writes are failing: %v\nReadings will not be mirrored until the backend recovers; forwarding is unaffected.", err))
	if sendErr != nil {
		return apperrors.NewNotificationError("slack", sendErr)
	}
	return nil
}

// SendMirrorRecovery alerts that the InfluxDB mirror recovered.
func (a *Adapter) SendMirrorRecovery(ctx context.Context) error {
	sendErr := a.notifier.SendAlert(ctx, "good", "✅ InfluxDB Mirror Recovered",
		"Mirror writes have resumed.")
	if sendErr != nil {
		return apperrors.NewNotificationError("slack", sendErr)
	}
	return nil
}

// IsEnabled returns whether Slack notifications are enabled.
func (a *Adapter) IsEnabled() bool {
	return a.notifier.IsEnabled()
}
