package activity

import (
	"context"
	"errors"
	"sync"
)

// MemoryLog keeps entries in memory.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	audits  []Audit
}

var _ Recorder = (*MemoryLog)(nil)

func (m *MemoryLog) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryLog) Audit(_ context.Context, audit Audit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, audit)
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *MemoryLog) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Audits returns a copy of the recorded audits.
func (m *MemoryLog) Audits() []Audit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Audit(nil), m.audits...)
}

// Multi writes to every recorder and joins their errors.
type Multi []Recorder

var _ Recorder = Multi(nil)

func (m Multi) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Audit(ctx context.Context, audit Audit) error {
	var errs []error
	for _, r := range m {
		if err := r.Audit(ctx, audit); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
