package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tailscale.com/util/eventbus"
)

// Client names used on the bus.
const (
	ClientGateway = "gateway"
	ClientEnergy  = "energy"
	ClientGate    = "security"
	ClientMetrics = "metrics"
	ClientWeb     = "web"
)

// ErrClosed is returned by Client once the bus has been closed.
var ErrClosed = errors.New("event bus closed")

// Bus wraps an eventbus.Bus and hands out one client per component name.
type Bus struct {
	logger  *slog.Logger
	bus     *eventbus.Bus
	mu      sync.Mutex
	clients map[string]*eventbus.Client
	closed  bool
}

// New creates a bus.
func New(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Bus{
		logger:  logger,
		bus:     eventbus.New(),
		clients: make(map[string]*eventbus.Client),
	}, nil
}

// Client returns the named client, creating it on first use.
func (b *Bus) Client(name string) (*eventbus.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if c, ok := b.clients[name]; ok {
		return c, nil
	}

	c := b.bus.Client(name)
	b.clients[name] = c
	return c, nil
}

// Close shuts down the underlying bus and all clients.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.clients = nil
	b.mu.Unlock()

	b.bus.Close()
	b.logger.Debug("event bus closed")
	return nil
}
