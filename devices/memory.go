package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store backed by a map.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with the given devices.
func NewMemoryStore(seed ...Device) *MemoryStore {
	s := &MemoryStore{devices: make(map[string]*Device, len(seed))}
	for _, d := range seed {
		s.Put(d)
	}
	return s
}

// Put inserts or replaces a device.
func (s *MemoryStore) Put(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d.Clone()
	s.devices[d.Identity] = &cp
}

// Delete removes a device.
func (s *MemoryStore) Delete(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, identity)
}

func (s *MemoryStore) Device(_ context.Context, identity string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	cp := d.Clone()
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *MemoryStore) MarkOnline(_ context.Context, identity string, seen time.Time) error {
	return s.mutate(identity, func(d *Device) error {
		d.Status = StatusOnline
		d.Identified = true
		if seen.After(d.LastSeen) {
			d.LastSeen = seen
		}
		return nil
	})
}

func (s *MemoryStore) MarkStatus(_ context.Context, identity string, status Status) error {
	return s.mutate(identity, func(d *Device) error {
		d.Status = status
		if status != StatusOnline {
			d.Identified = false
		}
		return nil
	})
}

func (s *MemoryStore) TouchLastSeen(_ context.Context, identity string, seen time.Time) error {
	return s.mutate(identity, func(d *Device) error {
		if seen.After(d.LastSeen) {
			d.LastSeen = seen
		}
		return nil
	})
}

func (s *MemoryStore) UpdateSwitch(_ context.Context, identity, switchID string, update SwitchUpdate) error {
	return s.mutate(identity, func(d *Device) error {
		for i := range d.Switches {
			sw := &d.Switches[i]
			if sw.ID != switchID {
				continue
			}
			sw.State = update.State
			if update.ManualOverride != nil {
				sw.ManualOverride = *update.ManualOverride
			}
			sw.LastChangedBy = update.ChangedBy
			sw.LastChanged = update.ChangedAt
			return nil
		}
		return fmt.Errorf("%w: %s/%s", ErrSwitchNotFound, identity, switchID)
	})
}

func (s *MemoryStore) EnqueueCommand(_ context.Context, identity string, cmd PendingCommand) error {
	return s.mutate(identity, func(d *Device) error {
		d.PendingCommands = append(d.PendingCommands, cmd)
		return nil
	})
}

func (s *MemoryStore) RemoveCommand(_ context.Context, identity, commandID string) (bool, error) {
	removed := false
	err := s.mutate(identity, func(d *Device) error {
		kept := d.PendingCommands[:0]
		for _, cmd := range d.PendingCommands {
			if cmd.ID == commandID {
				removed = true
				continue
			}
			kept = append(kept, cmd)
		}
		d.PendingCommands = kept
		return nil
	})
	return removed, err
}

func (s *MemoryStore) mutate(identity string, fn func(*Device) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	return fn(d)
}
