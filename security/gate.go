// Package security implements admission control for device connections:
// rate limiting, device token verification and abuse detection.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kradalby/switchboard/events"
	"tailscale.com/tstime"
	"tailscale.com/util/eventbus"
)

// ActivityKind is a tracked event type.
type ActivityKind string

const (
	ActivityToggle      ActivityKind = "toggle"
	ActivityAuthFailure ActivityKind = "auth_failure"
	ActivityCommand     ActivityKind = "command"
)

const (
	detectionWindow   = 5 * time.Minute
	maxToggles        = 20
	maxAuthFailures   = 5
	activityRetention = 24 * time.Hour
	maxActivityPerID  = 1000
	cleanupInterval   = time.Hour
)

type activityRecord struct {
	kind ActivityKind
	at   time.Time
}

// Gate is the shared security state. All methods are safe for concurrent use.
type Gate struct {
	logger  *slog.Logger
	clock   tstime.Clock
	counter Counter

	mu        sync.Mutex
	blacklist map[string]time.Time
	activity  map[string][]activityRecord

	securityPub *eventbus.Publisher[events.SecurityEvent]
}

// Options configures a Gate. Zero values pick in-memory defaults.
type Options struct {
	Logger  *slog.Logger
	Clock   tstime.Clock
	Counter Counter
	Bus     *events.Bus
}

// NewGate creates a gate.
func NewGate(opts Options) (*Gate, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Clock == nil {
		opts.Clock = tstime.StdClock{}
	}
	if opts.Counter == nil {
		opts.Counter = NewMemoryCounter(opts.Clock)
	}

	g := &Gate{
		logger:    opts.Logger,
		clock:     opts.Clock,
		counter:   opts.Counter,
		blacklist: make(map[string]time.Time),
		activity:  make(map[string][]activityRecord),
	}

	if opts.Bus != nil {
		client, err := opts.Bus.Client(events.ClientGate)
		if err != nil {
			return nil, fmt.Errorf("failed to get security eventbus client: %w", err)
		}
		g.securityPub = eventbus.Publish[events.SecurityEvent](client)
	}

	return g, nil
}

// CheckRateLimit counts a call for identifier in the current fixed window
// (floor(now/window)) and reports whether it is within limit. Counter
// failures are logged and allowed.
func (g *Gate) CheckRateLimit(ctx context.Context, identifier string, limit int, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	now := g.clock.Now()
	key := fmt.Sprintf("%s:%d", identifier, now.UnixMilli()/window.Milliseconds())

	count, err := g.counter.Incr(ctx, key, window)
	if err != nil {
		g.logger.Warn("rate limit counter unavailable, allowing",
			"identifier", identifier,
			"error", err,
		)
		return true
	}

	allowed := count <= int64(limit)
	if !allowed {
		g.logger.Debug("rate limit exceeded",
			"identifier", identifier,
			"count", count,
			"limit", limit,
			"window", window,
		)
	}
	return allowed
}

// TrackActivity appends an event for identifier and blacklists it when the
// trailing five minutes hold more than 20 toggles or 5 auth failures.
func (g *Gate) TrackActivity(identifier string, kind ActivityKind) {
	now := g.clock.Now()

	g.mu.Lock()
	records := append(g.activity[identifier], activityRecord{kind: kind, at: now})
	records = trimActivity(records, now)
	g.activity[identifier] = records

	var toggles, authFailures int
	cutoff := now.Add(-detectionWindow)
	for _, r := range records {
		if r.at.Before(cutoff) {
			continue
		}
		switch r.kind {
		case ActivityToggle:
			toggles++
		case ActivityAuthFailure:
			authFailures++
		}
	}

	reason := ""
	switch {
	case toggles > maxToggles:
		reason = "excessive switch toggling"
	case authFailures > maxAuthFailures:
		reason = "repeated authentication failures"
	}
	_, already := g.blacklist[identifier]
	if reason != "" && !already {
		g.blacklist[identifier] = now
	}
	g.mu.Unlock()

	if reason != "" && !already {
		g.logger.Warn("identifier blacklisted",
			"identifier", identifier,
			"reason", reason,
			"toggles", toggles,
			"auth_failures", authFailures,
		)
		g.publish(identifier, events.SecurityBlacklisted)
	}
}

// Blacklist adds identifier explicitly.
func (g *Gate) Blacklist(identifier string) {
	g.mu.Lock()
	_, already := g.blacklist[identifier]
	if !already {
		g.blacklist[identifier] = g.clock.Now()
	}
	g.mu.Unlock()

	if !already {
		g.logger.Warn("identifier blacklisted", "identifier", identifier, "reason", "explicit")
		g.publish(identifier, events.SecurityBlacklisted)
	}
}

// Unblacklist removes identifier and forgets its recent activity.
func (g *Gate) Unblacklist(identifier string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.blacklist[identifier]
	delete(g.blacklist, identifier)
	delete(g.activity, identifier)
	return ok
}

// IsBlacklisted reports whether identifier is denied service.
func (g *Gate) IsBlacklisted(identifier string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blacklist[identifier]
	return ok
}

// Cleanup removes expired rate-limit buckets and activity logs with nothing
// newer than the retention period.
func (g *Gate) Cleanup() {
	now := g.clock.Now()

	g.mu.Lock()
	ids := make([]string, 0, len(g.activity))
	for id := range g.activity {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	dropped := 0
	for _, id := range ids {
		g.mu.Lock()
		records := trimActivity(g.activity[id], now)
		if len(records) == 0 {
			delete(g.activity, id)
			dropped++
		} else {
			g.activity[id] = records
		}
		g.mu.Unlock()
	}

	buckets := 0
	if mc, ok := g.counter.(*MemoryCounter); ok {
		buckets = mc.Sweep()
	}

	g.logger.Debug("security cleanup",
		"activity_logs_dropped", dropped,
		"buckets_dropped", buckets,
	)
}

// Run performs Cleanup every hour until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	ticker, tickC := g.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tickC:
			g.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	TrackedIdentifiers int `json:"trackedIdentifiers"`
	Blacklisted        int `json:"blacklisted"`
	Buckets            int `json:"buckets"`
}

// Stats returns counts for monitoring.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	s := Stats{
		TrackedIdentifiers: len(g.activity),
		Blacklisted:        len(g.blacklist),
	}
	g.mu.Unlock()

	if mc, ok := g.counter.(*MemoryCounter); ok {
		s.Buckets = mc.Len()
	}
	return s
}

func (g *Gate) publish(identifier string, kind events.SecurityEventKind) {
	if g.securityPub == nil {
		return
	}
	g.securityPub.Publish(events.SecurityEvent{
		Identifier: identifier,
		Kind:       kind,
		Timestamp:  g.clock.Now(),
	})
}

// trimActivity drops records older than the retention period and caps the
// log length, keeping the newest records.
func trimActivity(records []activityRecord, now time.Time) []activityRecord {
	cutoff := now.Add(-activityRetention)
	i := 0
	for i < len(records) && records[i].at.Before(cutoff) {
		i++
	}
	records = records[i:]
	if len(records) > maxActivityPerID {
		records = records[len(records)-maxActivityPerID:]
	}
	if len(records) == 0 {
		return nil
	}
	return records
}
