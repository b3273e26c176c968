package conflict

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kradalby/switchboard/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tstest"
)

const testIdentity = "AA:BB:CC:DD:EE:01"

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, pending ...devices.PendingCommand) (*Resolver, *devices.MemoryStore, *tstest.Clock) {
	t.Helper()

	store := devices.NewMemoryStore(devices.Device{
		Identity: testIdentity,
		Name:     "Lab 2",
		Status:   devices.StatusOnline,
		Switches: []devices.Switch{
			{ID: "sw1", Name: "Lights", Pin: 16, Type: devices.TypeLight, ManualSwitchEnabled: true, ManualSwitchPin: 25},
			{ID: "sw2", Name: "Fan", Pin: 17, Type: devices.TypeFan},
		},
		PendingCommands: pending,
	})
	clock := tstest.NewClock(tstest.ClockOpts{Start: t0})
	r, err := NewResolver(slog.New(slog.NewTextHandler(io.Discard, nil)), store, clock, 0)
	require.NoError(t, err)
	return r, store, clock
}

func device(t *testing.T, store *devices.MemoryStore) *devices.Device {
	t.Helper()
	d, err := store.Device(context.Background(), testIdentity)
	require.NoError(t, err)
	return d
}

func TestResolveConflictWindow(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		source   devices.Actor
		conflict bool
		check    func(t *testing.T, o Outcome)
	}{
		{
			name:     "web command 10s ago",
			age:      10 * time.Second,
			source:   devices.ActorUser,
			conflict: true,
			check: func(t *testing.T, o Outcome) {
				assert.True(t, o.Conflict.WebCommand)
				assert.False(t, o.Conflict.ScheduleCommand)
			},
		},
		{
			name:     "schedule command 5s ago",
			age:      5 * time.Second,
			source:   devices.ActorSchedule,
			conflict: true,
			check: func(t *testing.T, o Outcome) {
				assert.True(t, o.Conflict.ScheduleCommand)
				assert.False(t, o.Conflict.WebCommand)
			},
		},
		{
			name:     "pir command",
			age:      time.Second,
			source:   devices.ActorPIR,
			conflict: true,
			check: func(t *testing.T, o Outcome) {
				assert.True(t, o.Conflict.PIRCommand)
			},
		},
		{
			name:   "web command 40s ago",
			age:    40 * time.Second,
			source: devices.ActorUser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := devices.PendingCommand{
				ID:           "cmd-1",
				SwitchID:     "sw1",
				DesiredState: true,
				IssuedAt:     t0.Add(-tt.age),
				Source:       tt.source,
			}
			r, store, _ := setup(t, cmd)

			out, err := r.Resolve(context.Background(), device(t, store), ManualReport{
				SwitchRef:     "sw1",
				PreviousState: true,
				NewState:      false,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.conflict, out.Conflict.Any())
			assert.False(t, out.FinalState, "manual state must win")
			if tt.check != nil {
				tt.check(t, out)
			}

			remaining := device(t, store).PendingCommands
			if tt.conflict {
				assert.Empty(t, remaining)
				require.Len(t, out.Superseded, 1)
			} else {
				assert.Len(t, remaining, 1)
				assert.Empty(t, out.Superseded)
			}
		})
	}
}

func TestResolveIgnoresOtherSwitches(t *testing.T) {
	r, store, _ := setup(t, devices.PendingCommand{
		ID: "cmd-fan", SwitchID: "sw2", IssuedAt: t0, Source: devices.ActorUser,
	})

	out, err := r.Resolve(context.Background(), device(t, store), ManualReport{SwitchRef: "sw1", NewState: true})
	require.NoError(t, err)
	assert.False(t, out.Conflict.Any())
	assert.Len(t, device(t, store).PendingCommands, 1)
}

func TestResolvePersistsState(t *testing.T) {
	r, store, clock := setup(t)
	clock.Advance(time.Minute)

	out, err := r.Resolve(context.Background(), device(t, store), ManualReport{
		SwitchRef: "25", // manual pin
		Action:    "manual_on",
		NewState:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "sw1", out.Switch.ID)
	assert.Equal(t, DetectedByInterrupt, out.DetectedBy)

	d := device(t, store)
	sw, ok := d.FindSwitch("sw1")
	require.True(t, ok)
	assert.True(t, sw.State)
	assert.Equal(t, devices.ActorManual, sw.LastChangedBy)
	assert.Equal(t, t0.Add(time.Minute), sw.LastChanged)
	assert.Equal(t, t0.Add(time.Minute), d.LastSeen)
}

func TestResolveUnknownSwitch(t *testing.T) {
	r, store, _ := setup(t)

	_, err := r.Resolve(context.Background(), device(t, store), ManualReport{SwitchRef: "sw9", NewState: true})
	require.ErrorIs(t, err, ErrUnknownSwitch)
}

func TestNewResolverRequiresDependencies(t *testing.T) {
	_, err := NewResolver(nil, devices.NewMemoryStore(), nil, 0)
	require.Error(t, err)

	_, err = NewResolver(slog.Default(), nil, nil, 0)
	require.Error(t, err)
}
