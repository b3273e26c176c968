package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kradalby/switchboard/devices"
)

// MessageType tags every frame exchanged with a device.
type MessageType string

const (
	TypeIdentify     MessageType = "identify"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeStateUpdate  MessageType = "state_update"
	TypeManualSwitch MessageType = "manual_switch"

	TypeIdentified      MessageType = "identified"
	TypeError           MessageType = "error"
	TypeManualSwitchAck MessageType = "manual_switch_ack"
	TypeCommand         MessageType = "command"
)

// Error codes sent in error frames.
const (
	CodeIdentifyFailed     = "identify_failed"
	CodeManualSwitchFailed = "manual_switch_failed"
	CodeTokenExpired       = "token_expired"
	CodeMalformed          = "malformed_message"
)

// ErrMalformed is returned by Decode for frames that fail validation.
var ErrMalformed = errors.New("malformed message")

// Message is a decoded inbound frame.
type Message interface {
	Type() MessageType
}

// Identify authenticates a connection. One of Token or Secret is required.
type Identify struct {
	DeviceIdentity string `json:"deviceIdentity"`
	Token          string `json:"token,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

func (Identify) Type() MessageType { return TypeIdentify }

// Heartbeat carries no payload.
type Heartbeat struct{}

func (Heartbeat) Type() MessageType { return TypeHeartbeat }

// SwitchReport is one entry of a state update.
type SwitchReport struct {
	Pin            int   `json:"pin"`
	State          bool  `json:"state"`
	ManualOverride *bool `json:"manualOverride,omitempty"`
}

// StateUpdate is a bulk state report.
type StateUpdate struct {
	Switches []SwitchReport `json:"switches"`
}

func (StateUpdate) Type() MessageType { return TypeStateUpdate }

// ManualSwitch reports a physical toggle.
type ManualSwitch struct {
	SwitchID      string
	Action        string
	PreviousState bool
	NewState      bool
	DetectedBy    string
	ResponseTime  time.Duration
	PhysicalPin   int
}

func (ManualSwitch) Type() MessageType { return TypeManualSwitch }

// ref accepts a JSON string or number. Firmware sends switch ids either way.
type ref string

func (r *ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ref(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*r = ref(n.String())
	return nil
}

type rawSwitchReport struct {
	Pin            *int  `json:"pin"`
	State          *bool `json:"state"`
	ManualOverride *bool `json:"manualOverride"`
}

type rawManualSwitch struct {
	SwitchID      ref    `json:"switchId"`
	Action        string `json:"action"`
	PreviousState *bool  `json:"previousState"`
	NewState      *bool  `json:"newState"`
	DetectedBy    string `json:"detectedBy"`
	ResponseTime  int64  `json:"responseTime"` // milliseconds
	PhysicalPin   int    `json:"physicalPin"`
}

// Decode parses and validates an inbound frame.
func Decode(payload []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch head.Type {
	case TypeIdentify:
		var m Identify
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: identify: %w", ErrMalformed, err)
		}
		// Missing identity or credential is an authentication failure, checked
		// by the handler.
		return m, nil

	case TypeHeartbeat:
		return Heartbeat{}, nil

	case TypeStateUpdate:
		var raw struct {
			Switches []rawSwitchReport `json:"switches"`
		}
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("%w: state_update: %w", ErrMalformed, err)
		}
		if len(raw.Switches) == 0 {
			return nil, fmt.Errorf("%w: state_update: switches is required", ErrMalformed)
		}
		m := StateUpdate{Switches: make([]SwitchReport, 0, len(raw.Switches))}
		for i, sw := range raw.Switches {
			if sw.Pin == nil || sw.State == nil {
				return nil, fmt.Errorf("%w: state_update: switch %d needs pin and state", ErrMalformed, i)
			}
			m.Switches = append(m.Switches, SwitchReport{
				Pin:            *sw.Pin,
				State:          *sw.State,
				ManualOverride: sw.ManualOverride,
			})
		}
		return m, nil

	case TypeManualSwitch:
		var raw rawManualSwitch
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("%w: manual_switch: %w", ErrMalformed, err)
		}
		if raw.SwitchID == "" || raw.NewState == nil {
			return nil, fmt.Errorf("%w: manual_switch: switchId and newState are required", ErrMalformed)
		}
		m := ManualSwitch{
			SwitchID:     string(raw.SwitchID),
			Action:       raw.Action,
			NewState:     *raw.NewState,
			DetectedBy:   raw.DetectedBy,
			ResponseTime: time.Duration(raw.ResponseTime) * time.Millisecond,
			PhysicalPin:  raw.PhysicalPin,
		}
		if raw.PreviousState != nil {
			m.PreviousState = *raw.PreviousState
		} else {
			m.PreviousState = !m.NewState
		}
		if m.Action == "" {
			m.Action = "manual_off"
			if m.NewState {
				m.Action = "manual_on"
			}
		}
		return m, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, head.Type)
}

// SwitchConfig is the per-switch part of a DeviceConfig.
type SwitchConfig struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	RelayPin            int                `json:"relayPin"`
	Type                devices.SwitchType `json:"type"`
	State               bool               `json:"state"`
	ManualOverride      bool               `json:"manualOverride"`
	ManualSwitchEnabled bool               `json:"manualSwitchEnabled"`
	ManualSwitchPin     int                `json:"manualSwitchPin,omitempty"`
	ManualMode          devices.ManualMode `json:"manualMode"`
	UsePIR              bool               `json:"usePir"`
	DontAutoOff         bool               `json:"dontAutoOff"`
}

// DeviceConfig is sent to a device after identifying and served over HTTP.
type DeviceConfig struct {
	Identity        string         `json:"deviceId"`
	Name            string         `json:"name"`
	PIREnabled      bool           `json:"pirEnabled"`
	PIRPin          int            `json:"pirPin,omitempty"`
	PIRAutoOffDelay int            `json:"pirAutoOffDelay,omitempty"`
	Switches        []SwitchConfig `json:"switches"`
}

// NewDeviceConfig builds the configuration a device boots from.
func NewDeviceConfig(d *devices.Device) DeviceConfig {
	cfg := DeviceConfig{
		Identity:        d.Identity,
		Name:            d.Name,
		PIREnabled:      d.PIR.Enabled,
		PIRPin:          d.PIR.Pin,
		PIRAutoOffDelay: d.PIR.AutoOffDelay,
		Switches:        make([]SwitchConfig, 0, len(d.Switches)),
	}
	for _, sw := range d.Switches {
		mode := sw.ManualMode
		if mode == "" {
			mode = devices.ManualMaintained
		}
		cfg.Switches = append(cfg.Switches, SwitchConfig{
			ID:                  sw.ID,
			Name:                sw.Name,
			RelayPin:            sw.Pin,
			Type:                sw.Type,
			State:               sw.State,
			ManualOverride:      sw.ManualOverride,
			ManualSwitchEnabled: sw.ManualSwitchEnabled,
			ManualSwitchPin:     sw.ManualSwitchPin,
			ManualMode:          mode,
			UsePIR:              sw.UsePIR,
			DontAutoOff:         sw.DontAutoOff,
		})
	}
	return cfg
}

// IdentifiedFrame answers a successful identify.
type IdentifiedFrame struct {
	Type    MessageType   `json:"type"`
	Success bool          `json:"success"`
	Config  *DeviceConfig `json:"config,omitempty"`
}

// ErrorFrame reports a failure to the device.
type ErrorFrame struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// ManualSwitchAckFrame confirms a processed manual toggle.
type ManualSwitchAckFrame struct {
	Type         MessageType `json:"type"`
	SwitchID     string      `json:"switchId"`
	Acknowledged bool        `json:"acknowledged"`
	NewState     bool        `json:"newState"`
	Timestamp    time.Time   `json:"timestamp"`
}

// CommandFrame asks a device to drive a switch.
type CommandFrame struct {
	Type      MessageType `json:"type"`
	CommandID string      `json:"commandId"`
	SwitchID  string      `json:"switchId"`
	Pin       int         `json:"pin"`
	State     bool        `json:"state"`
}

func identifiedFrame(cfg DeviceConfig) IdentifiedFrame {
	return IdentifiedFrame{Type: TypeIdentified, Success: true, Config: &cfg}
}

func errorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}
