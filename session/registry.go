// Package session keeps the in-memory table of identified device sessions
// and the reconnect back-off that follows a disconnect.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kradalby/switchboard/devices"
	"tailscale.com/tstime"
)

// State is the lifecycle state of a session record.
type State string

const (
	StateOnline       State = "online"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateAbandoned    State = "abandoned"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 5
)

// Record is one device's session.
type Record struct {
	Identity     string         `json:"identity"`
	ConnID       string         `json:"connId,omitempty"`
	Device       devices.Device `json:"device"`
	State        State          `json:"state"`
	IdentifiedAt time.Time      `json:"identifiedAt"`
	LastSeen     time.Time      `json:"lastSeen"`
	Attempts     int            `json:"reconnectAttempts"`

	gen   uint64
	timer tstime.TimerController
}

// Options configures a Registry.
type Options struct {
	Logger      *slog.Logger
	Clock       tstime.Clock
	Interval    time.Duration
	MaxAttempts int
	// Exists reports whether the device still exists. When it returns false
	// during back-off the record is forgotten.
	Exists func(ctx context.Context, identity string) bool
}

// Registry maps identities to sessions.
type Registry struct {
	logger      *slog.Logger
	clock       tstime.Clock
	interval    time.Duration
	maxAttempts int
	exists      func(ctx context.Context, identity string) bool

	mu      sync.Mutex
	records map[string]*Record
	stopped bool
}

// New creates a registry.
func New(opts Options) (*Registry, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Clock == nil {
		opts.Clock = tstime.StdClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	return &Registry{
		logger:      opts.Logger,
		clock:       opts.Clock,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		exists:      opts.Exists,
		records:     make(map[string]*Record),
	}, nil
}

// Register binds identity to connID and clears any back-off. It returns the
// connection id it replaced, if any.
func (r *Registry) Register(identity, connID string, device devices.Device) string {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity]
	if !ok {
		rec = &Record{Identity: identity}
		r.records[identity] = rec
	}
	previous := ""
	if rec.State == StateOnline && rec.ConnID != connID {
		previous = rec.ConnID
	}

	r.stopTimer(rec)
	rec.gen++
	rec.ConnID = connID
	rec.Device = device.Clone()
	rec.State = StateOnline
	rec.IdentifiedAt = now
	rec.LastSeen = now
	rec.Attempts = 0

	return previous
}

// Unregister ends the session bound to connID and starts back-off. A
// connID that is no longer current is ignored and false is returned.
func (r *Registry) Unregister(identity, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity]
	if !ok || rec.State != StateOnline || rec.ConnID != connID {
		return false
	}

	rec.gen++
	rec.ConnID = ""
	rec.State = StateDisconnected
	rec.Attempts = 0
	if !r.stopped {
		r.schedule(rec)
	}
	return true
}

// Lookup returns a copy of the record in any state.
func (r *Registry) Lookup(identity string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Live returns the record only while it is online.
func (r *Registry) Live(identity string) (Record, bool) {
	rec, ok := r.Lookup(identity)
	if !ok || rec.State != StateOnline {
		return Record{}, false
	}
	return rec, true
}

// Touch sets the last seen time of an online session.
func (r *Registry) Touch(identity string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[identity]; ok && rec.State == StateOnline {
		rec.LastSeen = at
	}
}

// UpdateDevice replaces the cached device copy.
func (r *Registry) UpdateDevice(identity string, device devices.Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity]
	if !ok {
		return false
	}
	rec.Device = device.Clone()
	return true
}

// Forget drops the record and its timer.
func (r *Registry) Forget(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[identity]; ok {
		r.stopTimer(rec)
		delete(r.records, identity)
	}
}

// Snapshot returns all records ordered by identity.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Counts returns the number of records per state.
func (r *Registry) Counts() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[State]int)
	for _, rec := range r.records {
		out[rec.State]++
	}
	return out
}

// Stop cancels every pending back-off timer. Unregister after Stop does not
// schedule new ones.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for _, rec := range r.records {
		r.stopTimer(rec)
	}
}

// schedule arms the next back-off check. r.mu must be held. The check runs
// on its own goroutine since a clock may fire callbacks under its own lock,
// and check re-arms the timer.
func (r *Registry) schedule(rec *Record) {
	identity, gen := rec.Identity, rec.gen
	rec.timer = r.clock.AfterFunc(r.interval, func() {
		go r.check(identity, gen)
	})
}

func (r *Registry) check(identity string, gen uint64) {
	r.mu.Lock()
	rec, ok := r.records[identity]
	if !ok || rec.gen != gen || rec.State == StateOnline || r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.exists != nil && !r.exists(context.Background(), identity) {
		r.logger.Info("device removed during reconnect back-off", "device_id", identity)
		r.mu.Lock()
		if cur, ok := r.records[identity]; ok && cur.gen == gen {
			delete(r.records, identity)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok = r.records[identity]
	if !ok || rec.gen != gen || r.stopped {
		return
	}

	rec.Attempts++
	if rec.Attempts >= r.maxAttempts {
		rec.State = StateAbandoned
		rec.timer = nil
		r.logger.Warn("device did not reconnect, giving up",
			"device_id", identity,
			"attempts", rec.Attempts,
		)
		return
	}

	rec.State = StateReconnecting
	r.logger.Debug("waiting for device to reconnect",
		"device_id", identity,
		"attempt", rec.Attempts,
		"max_attempts", r.maxAttempts,
	)
	r.schedule(rec)
}

func (r *Registry) stopTimer(rec *Record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
}

func (rec *Record) snapshot() Record {
	out := *rec
	out.Device = rec.Device.Clone()
	out.timer = nil
	return out
}
