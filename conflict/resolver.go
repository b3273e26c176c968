// Package conflict reconciles physical switch changes with remote commands
// that were issued for the same switch shortly before.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kradalby/switchboard/activity"
	"github.com/kradalby/switchboard/devices"
	"tailscale.com/tstime"
)

// DefaultWindow is how far back a pending command counts as conflicting.
const DefaultWindow = 30 * time.Second

// DetectedByInterrupt is assumed when a report does not say how the change
// was noticed.
const DetectedByInterrupt = "gpio_interrupt"

// ErrUnknownSwitch is returned when the report names no switch of the device.
var ErrUnknownSwitch = errors.New("unknown switch")

// ManualReport is a physical toggle reported by a device.
type ManualReport struct {
	SwitchRef     string // switch id or pin number
	Action        string
	PreviousState bool
	NewState      bool
	DetectedBy    string
	ResponseTime  time.Duration
	PhysicalPin   int
}

// Outcome is the resolved result of a manual report.
type Outcome struct {
	Switch        devices.Switch
	FinalState    bool
	PreviousState bool
	Conflict      activity.Conflict
	Superseded    []devices.PendingCommand
	DetectedBy    string
	ResolvedAt    time.Time
}

// Resolver applies manual reports to the device store.
type Resolver struct {
	logger *slog.Logger
	store  devices.Store
	clock  tstime.Clock
	window time.Duration
}

// NewResolver creates a resolver. A zero window uses DefaultWindow.
func NewResolver(logger *slog.Logger, store devices.Store, clock tstime.Clock, window time.Duration) (*Resolver, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if clock == nil {
		clock = tstime.StdClock{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Resolver{logger: logger, store: store, clock: clock, window: window}, nil
}

// Resolve finds the switch, supersedes recent commands for it and persists
// the reported state. The physical state always wins.
func (r *Resolver) Resolve(ctx context.Context, device *devices.Device, report ManualReport) (Outcome, error) {
	sw, ok := device.FindSwitch(report.SwitchRef)
	if !ok && report.PhysicalPin > 0 {
		sw, ok = device.SwitchByPin(report.PhysicalPin)
	}
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q on %s", ErrUnknownSwitch, report.SwitchRef, device.Identity)
	}

	now := r.clock.Now()
	out := Outcome{
		Switch:        sw,
		FinalState:    report.NewState,
		PreviousState: report.PreviousState,
		DetectedBy:    report.DetectedBy,
		ResolvedAt:    now,
	}
	if out.DetectedBy == "" {
		out.DetectedBy = DetectedByInterrupt
	}

	cutoff := now.Add(-r.window)
	for _, cmd := range device.PendingCommands {
		if cmd.SwitchID != sw.ID || cmd.IssuedAt.Before(cutoff) {
			continue
		}

		removed, err := r.store.RemoveCommand(ctx, device.Identity, cmd.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to remove superseded command: %w", err)
		}
		if !removed {
			continue
		}

		out.Superseded = append(out.Superseded, cmd)
		switch cmd.Source {
		case devices.ActorSchedule:
			out.Conflict.ScheduleCommand = true
		case devices.ActorPIR:
			out.Conflict.PIRCommand = true
		default:
			out.Conflict.WebCommand = true
		}
	}

	err := r.store.UpdateSwitch(ctx, device.Identity, sw.ID, devices.SwitchUpdate{
		State:     report.NewState,
		ChangedBy: devices.ActorManual,
		ChangedAt: now,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to persist manual switch state: %w", err)
	}
	if err := r.store.TouchLastSeen(ctx, device.Identity, now); err != nil {
		r.logger.Warn("failed to refresh last seen", "device_id", device.Identity, "error", err)
	}

	out.Switch.State = report.NewState
	out.Switch.LastChanged = now
	out.Switch.LastChangedBy = devices.ActorManual

	if out.Conflict.Any() {
		r.logger.Info("manual switch superseded remote command",
			"device_id", device.Identity,
			"switch_id", sw.ID,
			"superseded", len(out.Superseded),
			"new_state", report.NewState,
		)
	}

	return out, nil
}
