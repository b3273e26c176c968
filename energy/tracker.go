// Package energy meters switch runtime and commits settled intervals to a
// consumption ledger.
package energy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kradalby/switchboard/activity"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/events"
	"tailscale.com/tstime"
	"tailscale.com/util/eventbus"
)

// ReasonDeviceOffline tags settlements forced by a disconnect.
const ReasonDeviceOffline = "device_offline"

// Key identifies a tracked switch.
type Key struct {
	DeviceID string
	SwitchID string
}

// SwitchEvent describes an ON or OFF edge for a switch.
type SwitchEvent struct {
	DeviceID     string
	DeviceName   string
	SwitchID     string
	SwitchName   string
	SwitchType   string
	PowerWatts   float64 // explicit override, 0 to look up
	Classroom    string
	Location     string
	DeviceOnline bool
	TriggeredBy  devices.Actor
	Manual       bool
	Conflict     *activity.Conflict
}

// Key returns the tracking key of the event.
func (e SwitchEvent) Key() Key {
	return Key{DeviceID: e.DeviceID, SwitchID: e.SwitchID}
}

// Tracking is a currently running switch.
type Tracking struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	SwitchID   string    `json:"switchId"`
	SwitchName string    `json:"switchName"`
	SwitchType string    `json:"switchType"`
	Classroom  string    `json:"classroom,omitempty"`
	Location   string    `json:"location,omitempty"`
	PowerWatts float64   `json:"powerWatts"`
	StartedAt  time.Time `json:"startedAt"`
}

// Settlement is the outcome of closing an interval.
type Settlement struct {
	Tracking     Tracking
	StoppedAt    time.Time
	Runtime      time.Duration
	RuntimeHours float64
	EnergyKWh    float64
	Cost         float64
	Rate         float64
	Reason       string
}

// SettlementError reports a ledger failure. The tracking entry has already
// been removed when this is returned.
type SettlementError struct {
	Key Key
	Err error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("failed to settle %s/%s: %v", e.Key.DeviceID, e.Key.SwitchID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Tracker owns the table of running switches.
type Tracker struct {
	logger   *slog.Logger
	clock    tstime.Clock
	ledger   Ledger
	recorder activity.Recorder
	settings func() *Settings
	location *time.Location

	mu     sync.Mutex
	active map[Key]Tracking

	settledPub *eventbus.Publisher[events.EnergySettledEvent]
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	Logger   *slog.Logger
	Clock    tstime.Clock
	Ledger   Ledger
	Recorder activity.Recorder
	// Settings returns the current settings; nil uses DefaultSettings.
	Settings func() *Settings
	// Location decides the calendar date of a record; nil is time.Local.
	Location *time.Location
	Bus      *events.Bus
}

// NewTracker creates a tracker.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Recorder == nil {
		return nil, fmt.Errorf("activity recorder is required")
	}
	if opts.Clock == nil {
		opts.Clock = tstime.StdClock{}
	}
	if opts.Settings == nil {
		defaults := DefaultSettings()
		opts.Settings = func() *Settings { return defaults }
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	t := &Tracker{
		logger:   opts.Logger,
		clock:    opts.Clock,
		ledger:   opts.Ledger,
		recorder: opts.Recorder,
		settings: opts.Settings,
		location: opts.Location,
		active:   make(map[Key]Tracking),
	}

	if opts.Bus != nil {
		client, err := opts.Bus.Client(events.ClientEnergy)
		if err != nil {
			return nil, fmt.Errorf("failed to get energy eventbus client: %w", err)
		}
		t.settledPub = eventbus.Publish[events.EnergySettledEvent](client)
	}

	return t, nil
}

// OnSwitchOn starts tracking. It reports false when nothing was started,
// either because the device is offline or the switch is already tracked.
func (t *Tracker) OnSwitchOn(ctx context.Context, ev SwitchEvent) (Tracking, bool) {
	now := t.clock.Now()

	if !ev.DeviceOnline {
		t.logger.Warn("device offline, not tracking switch",
			"device_id", ev.DeviceID,
			"switch_id", ev.SwitchID,
		)
		t.record(ctx, ev, onAction(ev.Manual), now, activity.Entry{DeviceOnline: false})
		return Tracking{}, false
	}

	settings := t.settings()
	power := ev.PowerWatts
	if power <= 0 {
		power = settings.PowerFor(ev.SwitchName, ev.SwitchType)
	}

	t.mu.Lock()
	if existing, ok := t.active[ev.Key()]; ok {
		t.mu.Unlock()
		return existing, false
	}
	tr := Tracking{
		DeviceID:   ev.DeviceID,
		DeviceName: ev.DeviceName,
		SwitchID:   ev.SwitchID,
		SwitchName: ev.SwitchName,
		SwitchType: ev.SwitchType,
		Classroom:  ev.Classroom,
		Location:   ev.Location,
		PowerWatts: power,
		StartedAt:  now,
	}
	t.active[ev.Key()] = tr
	t.mu.Unlock()

	t.logger.Debug("tracking switch",
		"device_id", ev.DeviceID,
		"switch_id", ev.SwitchID,
		"power_watts", power,
	)
	t.record(ctx, ev, onAction(ev.Manual), now, activity.Entry{
		DeviceOnline: true,
		PowerWatts:   power,
	})
	return tr, true
}

// OnSwitchOff settles the interval for the switch. A switch that was not
// tracked yields a zero-energy activity record and a nil settlement.
func (t *Tracker) OnSwitchOff(ctx context.Context, ev SwitchEvent) (*Settlement, error) {
	now := t.clock.Now()

	t.mu.Lock()
	tr, ok := t.active[ev.Key()]
	delete(t.active, ev.Key())
	t.mu.Unlock()

	if !ok {
		t.record(ctx, ev, offAction(ev.Manual), now, activity.Entry{DeviceOnline: ev.DeviceOnline})
		return nil, nil
	}

	return t.settle(ctx, tr, ev, now, "")
}

// OnDeviceOffline settles every running switch of deviceID at the current
// time. Ledger failures are logged; every entry is removed regardless.
func (t *Tracker) OnDeviceOffline(ctx context.Context, deviceID string) []Settlement {
	now := t.clock.Now()

	t.mu.Lock()
	var running []Tracking
	for k, tr := range t.active {
		if k.DeviceID == deviceID {
			running = append(running, tr)
			delete(t.active, k)
		}
	}
	t.mu.Unlock()

	sort.Slice(running, func(i, j int) bool { return running[i].SwitchID < running[j].SwitchID })

	out := make([]Settlement, 0, len(running))
	for _, tr := range running {
		ev := SwitchEvent{
			DeviceID:    tr.DeviceID,
			DeviceName:  tr.DeviceName,
			SwitchID:    tr.SwitchID,
			SwitchName:  tr.SwitchName,
			SwitchType:  tr.SwitchType,
			Classroom:   tr.Classroom,
			Location:    tr.Location,
			TriggeredBy: devices.ActorSystem,
		}
		s, err := t.settle(ctx, tr, ev, now, ReasonDeviceOffline)
		if err != nil {
			t.logger.Error("failed to settle switch on device offline",
				"device_id", deviceID,
				"switch_id", tr.SwitchID,
				"error", err,
			)
		}
		if s != nil {
			out = append(out, *s)
		}
	}

	if len(out) > 0 {
		t.logger.Info("settled running switches for offline device",
			"device_id", deviceID,
			"count", len(out),
		)
	}
	return out
}

// IsTracking reports whether the switch has an open interval.
func (t *Tracker) IsTracking(k Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[k]
	return ok
}

// Active returns the running switches ordered by device and switch.
func (t *Tracker) Active() []Tracking {
	t.mu.Lock()
	out := make([]Tracking, 0, len(t.active))
	for _, tr := range t.active {
		out = append(out, tr)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].SwitchID < out[j].SwitchID
	})
	return out
}

func (t *Tracker) settle(ctx context.Context, tr Tracking, ev SwitchEvent, now time.Time, reason string) (*Settlement, error) {
	runtime := now.Sub(tr.StartedAt)
	if runtime < 0 {
		runtime = 0
	}
	rate := t.settings().ElectricityRate
	hours := runtime.Hours()
	kwh := finite(tr.PowerWatts * hours / 1000)
	cost := finite(kwh * rate)

	s := &Settlement{
		Tracking:     tr,
		StoppedAt:    now,
		Runtime:      runtime,
		RuntimeHours: hours,
		EnergyKWh:    kwh,
		Cost:         cost,
		Rate:         rate,
		Reason:       reason,
	}

	var settleErr error
	err := t.ledger.AddConsumption(ctx, Increment{
		DeviceID:        tr.DeviceID,
		DeviceName:      tr.DeviceName,
		Classroom:       tr.Classroom,
		Location:        tr.Location,
		Date:            tr.StartedAt.In(t.location).Format(time.DateOnly),
		SwitchType:      tr.SwitchType,
		EnergyKWh:       kwh,
		RuntimeHours:    hours,
		Cost:            cost,
		ElectricityRate: rate,
	})
	if err != nil {
		settleErr = &SettlementError{Key: Key{tr.DeviceID, tr.SwitchID}, Err: err}
		t.logger.Error("energy interval lost",
			"device_id", tr.DeviceID,
			"switch_id", tr.SwitchID,
			"energy_kwh", kwh,
			"error", err,
		)
	} else if t.settledPub != nil {
		t.settledPub.Publish(events.EnergySettledEvent{
			DeviceID:     tr.DeviceID,
			SwitchID:     tr.SwitchID,
			SwitchType:   tr.SwitchType,
			EnergyKWh:    kwh,
			Cost:         cost,
			RuntimeHours: hours,
			Reason:       reason,
			Timestamp:    now,
		})
	}

	extra := activity.Entry{
		DeviceOnline: reason != ReasonDeviceOffline,
		Duration:     runtime,
		PowerWatts:   tr.PowerWatts,
		EnergyKWh:    kwh,
		Cost:         cost,
		Reason:       reason,
	}
	if reason == ReasonDeviceOffline {
		extra.Context = map[string]any{"reason": reason}
	}
	t.record(ctx, ev, offAction(ev.Manual), now, extra)

	return s, settleErr
}

func (t *Tracker) record(ctx context.Context, ev SwitchEvent, action activity.Action, now time.Time, extra activity.Entry) {
	entry := extra
	entry.ID = uuid.NewString()
	entry.DeviceID = ev.DeviceID
	entry.DeviceName = ev.DeviceName
	entry.SwitchID = ev.SwitchID
	entry.SwitchName = ev.SwitchName
	entry.Classroom = ev.Classroom
	entry.Location = ev.Location
	entry.Action = action
	entry.TriggeredBy = string(ev.TriggeredBy)
	entry.Timestamp = now
	entry.Conflict = ev.Conflict

	if err := t.recorder.Record(ctx, entry); err != nil {
		t.logger.Warn("failed to record switch activity",
			"device_id", ev.DeviceID,
			"switch_id", ev.SwitchID,
			"action", action,
			"error", err,
		)
	}
}

func onAction(manual bool) activity.Action {
	if manual {
		return activity.ActionManualOn
	}
	return activity.ActionOn
}

func offAction(manual bool) activity.Action {
	if manual {
		return activity.ActionManualOff
	}
	return activity.ActionOff
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
