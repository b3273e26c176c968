package events

import (
	"time"
)

// DeviceStatus is the connectivity status broadcast to observers.
type DeviceStatus string

const (
	DeviceStatusOnline       DeviceStatus = "online"
	DeviceStatusOffline      DeviceStatus = "offline"
	DeviceStatusDisconnected DeviceStatus = "disconnected"
	DeviceStatusError        DeviceStatus = "error"
)

// DeviceStatusEvent is emitted whenever a device comes online or drops off.
type DeviceStatusEvent struct {
	Identity  string       `json:"identity"`
	Status    DeviceStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// SwitchStateChangedEvent is emitted for every authoritative switch change.
type SwitchStateChangedEvent struct {
	DeviceID    string    `json:"deviceId"`
	SwitchID    string    `json:"switchId"`
	State       bool      `json:"state"`
	TriggeredBy string    `json:"triggeredBy"`
	HasConflict bool      `json:"hasConflict"`
	Timestamp   time.Time `json:"timestamp"`
}

// SwitchState is a single switch entry of a DeviceStateUpdateEvent.
type SwitchState struct {
	SwitchID       string `json:"switchId"`
	Pin            int    `json:"pin"`
	State          bool   `json:"state"`
	ManualOverride bool   `json:"manualOverride"`
}

// DeviceStateUpdateEvent carries the aggregate state after a bulk report.
type DeviceStateUpdateEvent struct {
	Identity  string        `json:"identity"`
	States    []SwitchState `json:"states"`
	Timestamp time.Time     `json:"timestamp"`
}

// EnergySettledEvent is emitted when an interval is committed to the ledger.
type EnergySettledEvent struct {
	DeviceID     string    `json:"deviceId"`
	SwitchID     string    `json:"switchId"`
	SwitchType   string    `json:"switchType"`
	EnergyKWh    float64   `json:"energyKwh"`
	Cost         float64   `json:"cost"`
	RuntimeHours float64   `json:"runtimeHours"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SecurityEventKind classifies security gate decisions.
type SecurityEventKind string

const (
	SecurityAdmissionDenied SecurityEventKind = "admission_denied"
	SecurityAuthFailed      SecurityEventKind = "auth_failed"
	SecurityBlacklisted     SecurityEventKind = "blacklisted"
)

// SecurityEvent is emitted by the gate and the connection handler.
type SecurityEvent struct {
	Identifier string            `json:"identifier"`
	Kind       SecurityEventKind `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
}

// CommandEvent captures an administrative command submission.
type CommandEvent struct {
	CommandID string    `json:"commandId"`
	DeviceID  string    `json:"deviceId"`
	SwitchID  string    `json:"switchId"`
	State     bool      `json:"state"`
	Source    string    `json:"source"`
	Delivered bool      `json:"delivered"`
	Timestamp time.Time `json:"timestamp"`
}
