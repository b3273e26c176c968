// Package activity defines the append-only activity and audit log written by
// every component, plus a few sinks for it.
package activity

import (
	"context"
	"time"
)

// Action is what happened to a switch.
type Action string

const (
	ActionOn                  Action = "on"
	ActionOff                 Action = "off"
	ActionManualOn            Action = "manual_on"
	ActionManualOff           Action = "manual_off"
	ActionCommandSent         Action = "command_sent"
	ActionCommandAcknowledged Action = "command_acknowledged"
)

// Conflict flags a manual report that raced a remote command.
type Conflict struct {
	WebCommand      bool `json:"webCommand"`
	ScheduleCommand bool `json:"scheduleCommand"`
	PIRCommand      bool `json:"pirCommand"`
}

// Any reports whether any flag is set.
func (c Conflict) Any() bool {
	return c.WebCommand || c.ScheduleCommand || c.PIRCommand
}

// Entry is one immutable switch activity record.
type Entry struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"deviceId"`
	DeviceName   string         `json:"deviceName,omitempty"`
	SwitchID     string         `json:"switchId,omitempty"`
	SwitchName   string         `json:"switchName,omitempty"`
	Classroom    string         `json:"classroom,omitempty"`
	Location     string         `json:"location,omitempty"`
	Action       Action         `json:"action"`
	TriggeredBy  string         `json:"triggeredBy"`
	Timestamp    time.Time      `json:"timestamp"`
	DeviceOnline bool           `json:"deviceOnline"`
	Conflict     *Conflict      `json:"conflictWith,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
	PowerWatts   float64        `json:"powerWatts"`
	EnergyKWh    float64        `json:"energyKwh"`
	Cost         float64        `json:"cost"`
	Reason       string         `json:"reason,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Severity of an audit entry.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ErrorType classifies an audit entry.
type ErrorType string

const (
	ErrorAuthenticationFailed ErrorType = "authentication_failed"
	ErrorUnknownDevice        ErrorType = "unknown_device"
	ErrorProcessing           ErrorType = "processing_error"
	ErrorTokenExpired         ErrorType = "token_expired"
)

// Audit is a security or processing failure record.
type Audit struct {
	ID         string         `json:"id"`
	ErrorType  ErrorType      `json:"errorType"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	DeviceID   string         `json:"deviceId,omitempty"`
	RemoteAddr string         `json:"remoteAddr,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Recorder persists activity and audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	Audit(ctx context.Context, audit Audit) error
}
