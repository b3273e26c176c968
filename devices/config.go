package devices

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Config defines the device seed file structure.
type Config struct {
	Devices []Device `json:"devices"`
}

// LoadConfig reads and validates the HuJSON device file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices config file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal devices config: %w", err)
	}

	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	seen := make(map[string]struct{}, len(cfg.Devices))
	for i := range cfg.Devices {
		d := &cfg.Devices[i]

		identity, err := NormalizeIdentity(d.Identity)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		d.Identity = identity

		if d.Name == "" {
			return nil, fmt.Errorf("device %s has no name", identity)
		}
		if _, exists := seen[identity]; exists {
			return nil, fmt.Errorf("duplicate device identity %q", identity)
		}
		seen[identity] = struct{}{}

		if err := validateSwitches(d); err != nil {
			return nil, err
		}

		if d.Status == "" {
			d.Status = StatusOffline
		}
		if d.PIR.Enabled && d.PIR.AutoOffDelay == 0 {
			d.PIR.AutoOffDelay = 30
		}
	}

	return &cfg, nil
}

func validateSwitches(d *Device) error {
	if len(d.Switches) > MaxSwitches {
		return fmt.Errorf("device %s has %d switches, at most %d allowed", d.Identity, len(d.Switches), MaxSwitches)
	}

	ids := make(map[string]struct{}, len(d.Switches))
	pins := make(map[int]struct{}, len(d.Switches))
	for i := range d.Switches {
		sw := &d.Switches[i]
		if sw.ID == "" {
			return fmt.Errorf("device %s switch %d has no ID", d.Identity, i)
		}
		if _, exists := ids[sw.ID]; exists {
			return fmt.Errorf("device %s has duplicate switch id %q", d.Identity, sw.ID)
		}
		ids[sw.ID] = struct{}{}

		if _, exists := pins[sw.Pin]; exists {
			return fmt.Errorf("device %s has duplicate pin %d", d.Identity, sw.Pin)
		}
		pins[sw.Pin] = struct{}{}

		if sw.Name == "" {
			sw.Name = sw.ID
		}
		if sw.Type == "" {
			sw.Type = TypeRelay
		}
		if !sw.Type.Valid() {
			return fmt.Errorf("device %s switch %s has unknown type %q", d.Identity, sw.ID, sw.Type)
		}
		if sw.ManualMode == "" {
			sw.ManualMode = ManualMaintained
		}
		if sw.ManualMode != ManualMaintained && sw.ManualMode != ManualMomentary {
			return fmt.Errorf("device %s switch %s has unknown manual mode %q", d.Identity, sw.ID, sw.ManualMode)
		}
	}
	return nil
}
