package energy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tailscale/hujson"
	"tailscale.com/tstime"
)

// Settings are the pricing inputs for accrual.
type Settings struct {
	ElectricityRate float64
	TypePower       map[string]float64
}

// DefaultSettings returns the built-in rate with no type overrides.
func DefaultSettings() *Settings {
	return &Settings{
		ElectricityRate: DefaultElectricityRate,
		TypePower:       map[string]float64{},
	}
}

// SettingsSource loads settings from somewhere.
type SettingsSource interface {
	Load(ctx context.Context) (*Settings, error)
}

// settingsFile is the on-disk layout.
type settingsFile struct {
	ElectricityPrice float64 `json:"electricityPrice"`
	DeviceTypes      []struct {
		Type             string  `json:"type"`
		PowerConsumption float64 `json:"powerConsumption"`
	} `json:"deviceTypes"`
}

// FileSource reads a HuJSON settings file.
type FileSource struct {
	Path string
}

func (f FileSource) Load(_ context.Context) (*Settings, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read power settings: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	var raw settingsFile
	if err := json.Unmarshal(standardized, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal power settings: %w", err)
	}

	s := DefaultSettings()
	if raw.ElectricityPrice < 0 {
		return nil, fmt.Errorf("electricity price cannot be negative, got %v", raw.ElectricityPrice)
	}
	if raw.ElectricityPrice > 0 {
		s.ElectricityRate = raw.ElectricityPrice
	}
	for _, dt := range raw.DeviceTypes {
		if dt.Type == "" || dt.PowerConsumption <= 0 {
			continue
		}
		s.TypePower[strings.ToLower(dt.Type)] = dt.PowerConsumption
	}
	return s, nil
}

// SettingsWatcher holds the current settings and refreshes them from a
// source. A failed refresh keeps the previous settings.
type SettingsWatcher struct {
	source   SettingsSource
	interval time.Duration
	clock    tstime.Clock
	logger   *slog.Logger
	current  atomic.Pointer[Settings]
}

// NewSettingsWatcher starts with DefaultSettings until the first refresh.
func NewSettingsWatcher(source SettingsSource, interval time.Duration, clock tstime.Clock, logger *slog.Logger) *SettingsWatcher {
	if clock == nil {
		clock = tstime.StdClock{}
	}
	w := &SettingsWatcher{
		source:   source,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
	w.current.Store(DefaultSettings())
	return w
}

// Current returns the active settings. Callers must not modify them.
func (w *SettingsWatcher) Current() *Settings {
	return w.current.Load()
}

// Refresh reloads once.
func (w *SettingsWatcher) Refresh(ctx context.Context) error {
	s, err := w.source.Load(ctx)
	if err != nil {
		return err
	}
	w.current.Store(s)
	w.logger.Debug("power settings loaded",
		"electricity_rate", s.ElectricityRate,
		"device_types", len(s.TypePower),
	)
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
func (w *SettingsWatcher) Run(ctx context.Context) {
	if err := w.Refresh(ctx); err != nil {
		w.logger.Warn("using default power settings", "error", err)
	}

	ticker, tickC := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-tickC:
			if err := w.Refresh(ctx); err != nil {
				w.logger.Warn("failed to refresh power settings", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
