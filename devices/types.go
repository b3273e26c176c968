package devices

import (
	"strconv"
	"time"
)

// MaxSwitches is the number of relay channels a controller can expose.
const MaxSwitches = 8

// Status is the persisted connectivity status of a device.
type Status string

const (
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Actor identifies who caused a switch change.
type Actor string

const (
	ActorUser       Actor = "user"
	ActorSchedule   Actor = "schedule"
	ActorPIR        Actor = "pir"
	ActorManual     Actor = "manual"
	ActorSystem     Actor = "system"
	ActorMonitoring Actor = "monitoring"
)

// Valid reports whether a is a known actor.
func (a Actor) Valid() bool {
	switch a {
	case ActorUser, ActorSchedule, ActorPIR, ActorManual, ActorSystem, ActorMonitoring:
		return true
	}
	return false
}

// SwitchType is the semantic category used for power lookup.
type SwitchType string

const (
	TypeRelay     SwitchType = "relay"
	TypeLight     SwitchType = "light"
	TypeFan       SwitchType = "fan"
	TypeOutlet    SwitchType = "outlet"
	TypeProjector SwitchType = "projector"
	TypeAC        SwitchType = "ac"
)

// Valid reports whether t is a known switch type.
func (t SwitchType) Valid() bool {
	switch t {
	case TypeRelay, TypeLight, TypeFan, TypeOutlet, TypeProjector, TypeAC:
		return true
	}
	return false
}

// ManualMode describes how a wall switch is wired.
type ManualMode string

const (
	ManualMaintained ManualMode = "maintained"
	ManualMomentary  ManualMode = "momentary"
)

// Device is the persisted record of a controller.
type Device struct {
	Identity        string           `json:"identity"`
	Name            string           `json:"name"`
	Secret          string           `json:"secret,omitempty"`
	Classroom       string           `json:"classroom,omitempty"`
	Location        string           `json:"location,omitempty"`
	Status          Status           `json:"status"`
	Identified      bool             `json:"identified"`
	LastSeen        time.Time        `json:"lastSeen"`
	PIR             PIR              `json:"pir"`
	Switches        []Switch         `json:"switches"`
	PendingCommands []PendingCommand `json:"pendingCommands,omitempty"`
}

// PIR holds motion sensor settings.
type PIR struct {
	Enabled      bool `json:"enabled"`
	Pin          int  `json:"pin,omitempty"`
	AutoOffDelay int  `json:"autoOffDelay,omitempty"` // seconds
}

// Switch is one controllable output of a device.
type Switch struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Pin                 int        `json:"pin"`
	Type                SwitchType `json:"type"`
	State               bool       `json:"state"`
	ManualOverride      bool       `json:"manualOverride"`
	ManualSwitchEnabled bool       `json:"manualSwitchEnabled"`
	ManualSwitchPin     int        `json:"manualSwitchPin,omitempty"`
	ManualMode          ManualMode `json:"manualMode,omitempty"`
	UsePIR              bool       `json:"usePir"`
	DontAutoOff         bool       `json:"dontAutoOff"`
	PowerWatts          float64    `json:"powerWatts,omitempty"`
	LastChangedBy       Actor      `json:"lastChangedBy,omitempty"`
	LastChanged         time.Time  `json:"lastChanged"`
}

// PendingCommand is a remote command not yet acknowledged by the device.
type PendingCommand struct {
	ID           string    `json:"id"`
	SwitchID     string    `json:"switchId"`
	DesiredState bool      `json:"desiredState"`
	IssuedAt     time.Time `json:"issuedAt"`
	Source       Actor     `json:"source"`
}

// SwitchUpdate is a per-switch write applied atomically by a Store.
type SwitchUpdate struct {
	State          bool
	ManualOverride *bool
	ChangedBy      Actor
	ChangedAt      time.Time
}

// FindSwitch looks a switch up by id, then by pin number.
func (d *Device) FindSwitch(ref string) (Switch, bool) {
	for _, sw := range d.Switches {
		if sw.ID == ref {
			return sw, true
		}
	}
	if pin, err := strconv.Atoi(ref); err == nil {
		return d.SwitchByPin(pin)
	}
	return Switch{}, false
}

// SwitchByPin returns the switch driven by the relay or manual pin.
func (d *Device) SwitchByPin(pin int) (Switch, bool) {
	for _, sw := range d.Switches {
		if sw.Pin == pin {
			return sw, true
		}
	}
	for _, sw := range d.Switches {
		if sw.ManualSwitchEnabled && sw.ManualSwitchPin == pin {
			return sw, true
		}
	}
	return Switch{}, false
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	out := d
	out.Switches = append([]Switch(nil), d.Switches...)
	out.PendingCommands = append([]PendingCommand(nil), d.PendingCommands...)
	return out
}
