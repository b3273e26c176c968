package energy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/kradalby/switchboard/activity"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/events"
	"github.com/stretchr/testify/require"
	"tailscale.com/tstest"
	"tailscale.com/util/eventbus"
)

var testStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	tracker *Tracker
	clock   *tstest.Clock
	ledger  *MemoryLedger
	log     *activity.MemoryLog
}

func newTestTracker(t *testing.T, settings *Settings) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:  tstest.NewClock(tstest.ClockOpts{Start: testStart}),
		ledger: NewMemoryLedger(),
		log:    &activity.MemoryLog{},
	}
	opts := TrackerOptions{
		Logger:   testLogger(),
		Clock:    env.clock,
		Ledger:   env.ledger,
		Recorder: env.log,
		Location: time.UTC,
	}
	if settings != nil {
		opts.Settings = func() *Settings { return settings }
	}

	tr, err := NewTracker(opts)
	require.NoError(t, err)
	env.tracker = tr
	return env
}

func fanEvent() SwitchEvent {
	return SwitchEvent{
		DeviceID:     "AA:BB:CC:DD:EE:01",
		DeviceName:   "Room 101",
		SwitchID:     "sw1",
		SwitchName:   "Ceiling Fan",
		SwitchType:   "fan",
		DeviceOnline: true,
		TriggeredBy:  devices.ActorUser,
	}
}

func TestOnSwitchOnIsIdempotent(t *testing.T) {
	env := newTestTracker(t, nil)
	ctx := context.Background()

	first, started := env.tracker.OnSwitchOn(ctx, fanEvent())
	require.True(t, started)

	env.clock.Advance(time.Minute)
	second, started := env.tracker.OnSwitchOn(ctx, fanEvent())
	require.False(t, started)
	require.Equal(t, first.StartedAt, second.StartedAt)

	require.Len(t, env.tracker.Active(), 1)
	require.Len(t, env.log.Entries(), 1)
}

func TestConservation(t *testing.T) {
	env := newTestTracker(t, nil)
	ctx := context.Background()

	_, started := env.tracker.OnSwitchOn(ctx, fanEvent())
	require.True(t, started)

	env.clock.Advance(30 * time.Minute)
	s, err := env.tracker.OnSwitchOff(ctx, fanEvent())
	require.NoError(t, err)
	require.NotNil(t, s)

	// 75 W for 1 800 000 ms.
	require.InDelta(t, 75.0*1_800_000/3_600_000/1000, s.EnergyKWh, 1e-12)
	require.InDelta(t, 0.0375, s.EnergyKWh, 1e-12)
	require.InDelta(t, 0.0375*DefaultElectricityRate, s.Cost, 1e-12)
	require.InDelta(t, 0.5, s.RuntimeHours, 1e-12)

	records := env.ledger.Records()
	require.Len(t, records, 1)
	require.Equal(t, "2024-03-01", records[0].Date)
	require.Equal(t, "fan", records[0].SwitchType)
	require.InDelta(t, 0.0375, records[0].EnergyKWh, 1e-12)
	require.False(t, env.tracker.IsTracking(fanEvent().Key()))
}

func TestForcedOfflineSettlesOnce(t *testing.T) {
	env := newTestTracker(t, nil)
	ctx := context.Background()

	env.tracker.OnSwitchOn(ctx, fanEvent())
	light := fanEvent()
	light.SwitchID, light.SwitchName, light.SwitchType = "sw2", "Front Light", "light"
	env.tracker.OnSwitchOn(ctx, light)

	other := fanEvent()
	other.DeviceID = "AA:BB:CC:DD:EE:02"
	env.tracker.OnSwitchOn(ctx, other)

	env.clock.Advance(time.Hour)
	settled := env.tracker.OnDeviceOffline(ctx, "AA:BB:CC:DD:EE:01")
	require.Len(t, settled, 2)
	for _, s := range settled {
		require.Equal(t, ReasonDeviceOffline, s.Reason)
		require.Equal(t, testStart.Add(time.Hour), s.StoppedAt)
	}
	require.InDelta(t, 0.075, settled[0].EnergyKWh, 1e-12)
	require.InDelta(t, 0.020, settled[1].EnergyKWh, 1e-12)

	// The late OFF must not settle the interval a second time.
	env.clock.Advance(time.Hour)
	s, err := env.tracker.OnSwitchOff(ctx, fanEvent())
	require.NoError(t, err)
	require.Nil(t, s)

	total := 0.0
	for _, r := range env.ledger.Records() {
		if r.DeviceID == "AA:BB:CC:DD:EE:01" {
			total += r.EnergyKWh
			require.Equal(t, 1, r.Intervals)
		}
	}
	require.InDelta(t, 0.095, total, 1e-12)

	require.Len(t, env.tracker.Active(), 1)

	var offline []activity.Entry
	for _, e := range env.log.Entries() {
		if e.Reason == ReasonDeviceOffline {
			offline = append(offline, e)
			require.Equal(t, string(devices.ActorSystem), e.TriggeredBy)
		}
	}
	require.Len(t, offline, 2)
}

func TestOfflineDeviceIsNotTracked(t *testing.T) {
	env := newTestTracker(t, nil)
	ctx := context.Background()

	ev := fanEvent()
	ev.DeviceOnline = false
	_, started := env.tracker.OnSwitchOn(ctx, ev)
	require.False(t, started)
	require.Empty(t, env.tracker.Active())

	entries := env.log.Entries()
	require.Len(t, entries, 1)
	require.False(t, entries[0].DeviceOnline)
	require.Zero(t, entries[0].PowerWatts)
}

func TestOffWithoutTrackingRecordsZeroEnergy(t *testing.T) {
	env := newTestTracker(t, nil)

	ev := fanEvent()
	ev.Manual = true
	ev.TriggeredBy = devices.ActorManual
	s, err := env.tracker.OnSwitchOff(context.Background(), ev)
	require.NoError(t, err)
	require.Nil(t, s)
	require.Empty(t, env.ledger.Records())

	entries := env.log.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, activity.ActionManualOff, entries[0].Action)
	require.Zero(t, entries[0].EnergyKWh)
}

type failingLedger struct{}

func (failingLedger) AddConsumption(context.Context, Increment) error {
	return errors.New("ledger unavailable")
}

func TestSettlementErrorStillRemovesEntry(t *testing.T) {
	clock := tstest.NewClock(tstest.ClockOpts{Start: testStart})
	tr, err := NewTracker(TrackerOptions{
		Logger:   testLogger(),
		Clock:    clock,
		Ledger:   failingLedger{},
		Recorder: &activity.MemoryLog{},
	})
	require.NoError(t, err)
	ctx := context.Background()

	tr.OnSwitchOn(ctx, fanEvent())
	clock.Advance(time.Minute)

	_, err = tr.OnSwitchOff(ctx, fanEvent())
	var settleErr *SettlementError
	require.ErrorAs(t, err, &settleErr)
	require.Equal(t, "sw1", settleErr.Key.SwitchID)
	require.False(t, tr.IsTracking(fanEvent().Key()))
}

func TestEnergyNeverNegativeOrNaN(t *testing.T) {
	env := newTestTracker(t, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	switches := []string{"sw1", "sw2", "sw3"}
	for i := 0; i < 500; i++ {
		ev := fanEvent()
		ev.SwitchID = switches[rng.Intn(len(switches))]
		switch rng.Intn(3) {
		case 0:
			env.tracker.OnSwitchOn(ctx, ev)
		case 1:
			_, err := env.tracker.OnSwitchOff(ctx, ev)
			require.NoError(t, err)
		case 2:
			env.tracker.OnDeviceOffline(ctx, ev.DeviceID)
		}
		env.clock.Advance(time.Duration(rng.Intn(120)) * time.Second)
	}

	for _, r := range env.ledger.Records() {
		require.False(t, math.IsNaN(r.EnergyKWh))
		require.False(t, math.IsInf(r.EnergyKWh, 0))
		require.GreaterOrEqual(t, r.EnergyKWh, 0.0)
	}
	for _, e := range env.log.Entries() {
		require.GreaterOrEqual(t, e.EnergyKWh, 0.0)
		require.False(t, math.IsNaN(e.EnergyKWh))
	}
}

func TestRateChangeOnlyAffectsFutureAccrual(t *testing.T) {
	settings := &Settings{ElectricityRate: 10, TypePower: map[string]float64{}}
	var mu sync.Mutex
	current := settings

	clock := tstest.NewClock(tstest.ClockOpts{Start: testStart})
	ledger := NewMemoryLedger()
	tr, err := NewTracker(TrackerOptions{
		Logger:   testLogger(),
		Clock:    clock,
		Ledger:   ledger,
		Recorder: &activity.MemoryLog{},
		Location: time.UTC,
		Settings: func() *Settings {
			mu.Lock()
			defer mu.Unlock()
			return current
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	tr.OnSwitchOn(ctx, fanEvent())
	clock.Advance(time.Hour)
	_, err = tr.OnSwitchOff(ctx, fanEvent())
	require.NoError(t, err)

	committed := ledger.Records()[0]
	require.InDelta(t, 0.75, committed.Cost, 1e-12)

	mu.Lock()
	current = &Settings{ElectricityRate: 20, TypePower: map[string]float64{}}
	mu.Unlock()

	require.InDelta(t, 0.75, ledger.Records()[0].Cost, 1e-12)

	tr.OnSwitchOn(ctx, fanEvent())
	clock.Advance(time.Hour)
	_, err = tr.OnSwitchOff(ctx, fanEvent())
	require.NoError(t, err)

	r := ledger.Records()[0]
	require.InDelta(t, 0.75+1.5, r.Cost, 1e-12)
	require.Equal(t, 20.0, r.ElectricityRate)
}

func TestSettlementPublishesEvent(t *testing.T) {
	bus, err := events.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	subClient, err := bus.Client(events.ClientMetrics)
	require.NoError(t, err)
	sub := eventbus.Subscribe[events.EnergySettledEvent](subClient)

	clock := tstest.NewClock(tstest.ClockOpts{Start: testStart})
	tr, err := NewTracker(TrackerOptions{
		Logger:   testLogger(),
		Clock:    clock,
		Ledger:   NewMemoryLedger(),
		Recorder: &activity.MemoryLog{},
		Bus:      bus,
	})
	require.NoError(t, err)

	tr.OnSwitchOn(context.Background(), fanEvent())
	clock.Advance(time.Hour)
	_, err = tr.OnSwitchOff(context.Background(), fanEvent())
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		require.Equal(t, "sw1", evt.SwitchID)
		require.InDelta(t, 0.075, evt.EnergyKWh, 1e-12)
	case <-time.After(time.Second):
		t.Fatal("expected settlement event")
	}
}

func TestPowerFor(t *testing.T) {
	settings := &Settings{TypePower: map[string]float64{"projector": 300}}

	tests := []struct {
		name, switchName, switchType string
		want                         float64
	}{
		{"type from settings", "Front", "projector", 300},
		{"name keyword", "Desk Lamp", "relay", 25},
		{"type keyword", "Socket A", "fan", 75},
		{"first keyword wins", "LED light strip", "relay", 20},
		{"air conditioner", "Air Conditioner", "ac", 1200},
		{"default", "Relay 3", "relay", DefaultPowerWatts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, settings.PowerFor(tt.switchName, tt.switchType))
		})
	}

	var none *Settings
	require.Equal(t, 75.0, none.PowerFor("fan", ""))
}
