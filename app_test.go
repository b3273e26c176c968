package switchboard

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kradalby/switchboard/activity"
	appconfig "github.com/kradalby/switchboard/config"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/energy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tstest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenPersistenceMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.hujson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// one room
		"devices": [
			{
				"identity": "AA:BB:CC:DD:EE:01",
				"name": "Room 204",
				"switches": [{"id": "sw1", "name": "Fan", "pin": 16, "type": "fan"}],
			},
		],
	}`), 0o600))

	cfg := &appconfig.Config{StoreDriver: appconfig.StoreMemory, DevicesConfigPath: path}
	p, err := openPersistence(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer p.close()

	d, err := p.devices.Device(context.Background(), "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, "Room 204", d.Name)
	assert.Nil(t, p.batcher)

	cfg.DevicesConfigPath = filepath.Join(t.TempDir(), "missing.hujson")
	_, err = openPersistence(context.Background(), cfg, discardLogger())
	require.Error(t, err)
}

func TestResetStaleStatus(t *testing.T) {
	st := devices.NewMemoryStore(
		devices.Device{Identity: "AA:BB:CC:DD:EE:01", Status: devices.StatusOnline},
		devices.Device{Identity: "AA:BB:CC:DD:EE:02", Status: devices.StatusError},
	)

	resetStaleStatus(context.Background(), st, discardLogger())

	list, err := st.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, devices.StatusDisconnected, list[0].Status)
	assert.Equal(t, devices.StatusError, list[1].Status)
}

func TestSettleAllOnShutdown(t *testing.T) {
	clock := tstest.NewClock(tstest.ClockOpts{Start: time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)})
	ledger := energy.NewMemoryLedger()
	tracker, err := energy.NewTracker(energy.TrackerOptions{
		Logger:   discardLogger(),
		Clock:    clock,
		Ledger:   ledger,
		Recorder: &activity.MemoryLog{},
		Location: time.UTC,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, sw := range []string{"sw1", "sw2"} {
		_, started := tracker.OnSwitchOn(ctx, energy.SwitchEvent{
			DeviceID: "AA:BB:CC:DD:EE:01", SwitchID: sw, SwitchType: "fan", PowerWatts: 100, DeviceOnline: true,
		})
		require.True(t, started)
	}
	clock.Advance(time.Hour)

	settleAll(ctx, tracker, discardLogger())

	assert.Empty(t, tracker.Active())
	records := ledger.Records()
	require.Len(t, records, 1)
	assert.InDelta(t, 0.2, records[0].EnergyKWh, 1e-9)
	assert.Equal(t, 2, records[0].Intervals)
}

type batchRecorder struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (b *batchRecorder) RecordBatch(_ context.Context, entries []activity.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entries...)
	return nil
}

func (b *batchRecorder) Audit(context.Context, activity.Audit) error { return nil }

func (b *batchRecorder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func TestStartBackgroundStopFlushesOnEarlyReturn(t *testing.T) {
	sink := &batchRecorder{}
	p := &persistence{batcher: activity.NewBatcher(sink, discardLogger(), 100, time.Hour)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Mirrors a setup step failing right after the workers start.
		_, stop := p.startBackground()
		defer stop()
		assert.NoError(t, p.batcher.Record(context.Background(), activity.Entry{DeviceID: "AA:BB:CC:DD:EE:01"}))
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return after an early exit")
	}
	assert.Equal(t, 1, sink.count())
}

func TestStartBackgroundWithoutBatcher(t *testing.T) {
	p := &persistence{}
	ctx, stop := p.startBackground()
	stop()
	stop()
	assert.Error(t, ctx.Err())
}
