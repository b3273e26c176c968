package energy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tstest"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "power.hujson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSourceLoad(t *testing.T) {
	path := writeSettings(t, `{
		// price per kWh
		"electricityPrice": 8.25,
		"deviceTypes": [
			{"type": "Projector", "powerConsumption": 300},
			{"type": "fan", "powerConsumption": 0},
			{"type": "light", "powerConsumption": 18,},
		],
	}`)

	s, err := FileSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8.25, s.ElectricityRate)
	assert.Equal(t, map[string]float64{"projector": 300, "light": 18}, s.TypePower)
}

func TestFileSourceErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"negative price", `{"electricityPrice": -1}`, "cannot be negative"},
		{"invalid hujson", `{"electricityPrice": }`, "standardize"},
		{"wrong type", `{"electricityPrice": "cheap"}`, "unmarshal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FileSource{Path: writeSettings(t, tt.content)}.Load(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := FileSource{Path: filepath.Join(t.TempDir(), "missing")}.Load(context.Background())
	require.Error(t, err)
}

func TestFileSourceZeroPriceKeepsDefault(t *testing.T) {
	s, err := FileSource{Path: writeSettings(t, `{}`)}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultElectricityRate, s.ElectricityRate)
}

type sequenceSource struct {
	calls   atomic.Int32
	results []*Settings
}

func (s *sequenceSource) Load(context.Context) (*Settings, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.results) || s.results[n] == nil {
		return nil, errors.New("source unavailable")
	}
	return s.results[n], nil
}

func TestSettingsWatcherRefresh(t *testing.T) {
	src := &sequenceSource{results: []*Settings{
		{ElectricityRate: 9, TypePower: map[string]float64{}},
		nil,
	}}
	w := NewSettingsWatcher(src, time.Minute, nil, testLogger())

	assert.Equal(t, DefaultElectricityRate, w.Current().ElectricityRate)

	require.NoError(t, w.Refresh(context.Background()))
	assert.Equal(t, 9.0, w.Current().ElectricityRate)

	// A failed refresh keeps what we had.
	require.Error(t, w.Refresh(context.Background()))
	assert.Equal(t, 9.0, w.Current().ElectricityRate)
}

func TestSettingsWatcherRun(t *testing.T) {
	clock := tstest.NewClock(tstest.ClockOpts{Start: testStart})
	src := &sequenceSource{results: []*Settings{
		{ElectricityRate: 5, TypePower: map[string]float64{}},
		{ElectricityRate: 6, TypePower: map[string]float64{}},
	}}
	w := NewSettingsWatcher(src, time.Minute, clock, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return w.Current().ElectricityRate == 5
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return w.Current().ElectricityRate == 6
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
