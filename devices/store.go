package devices

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for an identity.
	ErrNotFound = errors.New("device not found")
	// ErrSwitchNotFound is returned when a switch id does not exist on a device.
	ErrSwitchNotFound = errors.New("switch not found")
)

// Store is the device record store. Implementations update individual
// fields and switches in place rather than rewriting whole records.
type Store interface {
	Device(ctx context.Context, identity string) (*Device, error)
	List(ctx context.Context) ([]Device, error)

	MarkOnline(ctx context.Context, identity string, seen time.Time) error
	MarkStatus(ctx context.Context, identity string, status Status) error
	// TouchLastSeen only moves LastSeen forward.
	TouchLastSeen(ctx context.Context, identity string, seen time.Time) error

	UpdateSwitch(ctx context.Context, identity, switchID string, update SwitchUpdate) error

	EnqueueCommand(ctx context.Context, identity string, cmd PendingCommand) error
	// RemoveCommand reports whether the command was still queued.
	RemoveCommand(ctx context.Context, identity, commandID string) (bool, error)
}
