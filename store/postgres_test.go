package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kradalby/switchboard/activity"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/energy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleDevice() devices.Device {
	return devices.Device{
		Identity:  "AA:BB:CC:DD:EE:01",
		Name:      "Room 101",
		Secret:    "s",
		Classroom: "101",
		PIR:       devices.PIR{Enabled: true, Pin: 34, AutoOffDelay: 30},
		Switches: []devices.Switch{
			{ID: "sw1", Name: "Fan", Pin: 16, Type: devices.TypeFan, ManualMode: devices.ManualMaintained},
			{ID: "sw2", Name: "Lights", Pin: 17, Type: devices.TypeLight, ManualSwitchEnabled: true, ManualSwitchPin: 25},
		},
	}
}

func TestDeviceRecordConversion(t *testing.T) {
	d := sampleDevice()
	rec := recordFromDevice(d)

	assert.Equal(t, string(devices.StatusOffline), rec.Status)
	require.Len(t, rec.Switches, 2)
	assert.Equal(t, 1, rec.Switches[1].Position)
	assert.Equal(t, d.Identity, rec.Switches[1].DeviceIdentity)

	rec.Commands = []CommandRecord{{ID: "c1", SwitchID: "sw1", DesiredState: true, Source: "user"}}
	back := deviceFromRecord(&rec)

	assert.Equal(t, d.Switches, back.Switches)
	assert.Equal(t, d.PIR, back.PIR)
	assert.Equal(t, devices.StatusOffline, back.Status)
	require.Len(t, back.PendingCommands, 1)
	assert.Equal(t, devices.ActorUser, back.PendingCommands[0].Source)
}

func TestActivityRow(t *testing.T) {
	row := activityRow(activity.Entry{
		ID:       "e1",
		Action:   activity.ActionManualOff,
		Duration: 90 * time.Second,
		Conflict: &activity.Conflict{ScheduleCommand: true},
		Context:  map[string]any{"reason": "device_offline"},
	})

	assert.Equal(t, "manual_off", row.Action)
	assert.Equal(t, int64(90_000), row.DurationMs)
	assert.True(t, row.ConflictSchedule)
	assert.False(t, row.ConflictWeb)

	var ctx map[string]any
	require.NoError(t, json.Unmarshal([]byte(row.Context), &ctx))
	assert.Equal(t, "device_offline", ctx["reason"])

	assert.Empty(t, activityRow(activity.Entry{}).Context)
}

func TestOpenWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := OpenWithRetry(ctx, "host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1", quietLogger(), 5)
	require.ErrorIs(t, err, context.Canceled)
}

// Set SWITCHBOARD_TEST_DATABASE_DSN to run against a real server.
func openTestDB(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("SWITCHBOARD_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("SWITCHBOARD_TEST_DATABASE_DSN not set")
	}

	p, err := Open(context.Background(), dsn, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		p.db.Exec("TRUNCATE devices, device_switches, pending_commands, energy_consumptions, activity_logs, audit_logs")
		_ = p.Close()
	})
	return p
}

func TestPostgresDeviceStore(t *testing.T) {
	p := openTestDB(t)
	ctx := context.Background()
	d := sampleDevice()

	require.NoError(t, p.Seed(ctx, []devices.Device{d}))
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, p.MarkOnline(ctx, d.Identity, t0))
	require.NoError(t, p.TouchLastSeen(ctx, d.Identity, t0.Add(-time.Minute)))
	require.NoError(t, p.UpdateSwitch(ctx, d.Identity, "sw1", devices.SwitchUpdate{
		State: true, ChangedBy: devices.ActorUser, ChangedAt: t0,
	}))

	got, err := p.Device(ctx, d.Identity)
	require.NoError(t, err)
	assert.Equal(t, devices.StatusOnline, got.Status)
	assert.True(t, got.LastSeen.Equal(t0))
	assert.True(t, got.Switches[0].State)

	// Seeding again keeps runtime state.
	require.NoError(t, p.Seed(ctx, []devices.Device{d}))
	got, err = p.Device(ctx, d.Identity)
	require.NoError(t, err)
	assert.True(t, got.Switches[0].State)

	cmd := devices.PendingCommand{ID: uuid.NewString(), SwitchID: "sw2", DesiredState: true, IssuedAt: t0, Source: devices.ActorSchedule}
	require.NoError(t, p.EnqueueCommand(ctx, d.Identity, cmd))
	removed, err := p.RemoveCommand(ctx, d.Identity, cmd.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = p.RemoveCommand(ctx, d.Identity, cmd.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = p.Device(ctx, "AA:BB:CC:DD:EE:FF")
	require.ErrorIs(t, err, devices.ErrNotFound)
	require.ErrorIs(t, p.UpdateSwitch(ctx, d.Identity, "sw9", devices.SwitchUpdate{}), devices.ErrSwitchNotFound)
}

func TestPostgresConsumptionAddsUp(t *testing.T) {
	p := openTestDB(t)
	ctx := context.Background()

	inc := energy.Increment{DeviceID: "AA:BB:CC:DD:EE:01", Date: "2024-01-01", SwitchType: "fan", EnergyKWh: 0.5, Cost: 3.75, ElectricityRate: 7.5}
	require.NoError(t, p.AddConsumption(ctx, inc))
	inc.ElectricityRate = 8
	inc.Cost = 4
	require.NoError(t, p.AddConsumption(ctx, inc))

	records, err := p.Consumption(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 1.0, records[0].EnergyKWh, 1e-9)
	assert.InDelta(t, 7.75, records[0].Cost, 1e-9)
	assert.Equal(t, 8.0, records[0].ElectricityRate)
	assert.Equal(t, 2, records[0].Intervals)
}
