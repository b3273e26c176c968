package store

import (
	"encoding/json"
	"time"

	"github.com/kradalby/switchboard/activity"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/energy"
)

// DeviceRecord is a controller row.
type DeviceRecord struct {
	Identity        string `gorm:"primaryKey;size:17"`
	Name            string `gorm:"not null"`
	Secret          string
	Classroom       string `gorm:"index"`
	Location        string
	Status          string `gorm:"index;not null;default:offline"`
	Identified      bool
	LastSeen        time.Time
	PIREnabled      bool
	PIRPin          int
	PIRAutoOffDelay int

	Switches []SwitchRecord  `gorm:"foreignKey:DeviceIdentity;references:Identity;constraint:OnDelete:CASCADE"`
	Commands []CommandRecord `gorm:"foreignKey:DeviceIdentity;references:Identity;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DeviceRecord) TableName() string { return "devices" }

// SwitchRecord is one switch of a device. State columns are updated per
// switch; configuration columns only by Seed.
type SwitchRecord struct {
	ID                  uint   `gorm:"primaryKey"`
	DeviceIdentity      string `gorm:"size:17;not null;uniqueIndex:idx_device_switch"`
	SwitchID            string `gorm:"not null;uniqueIndex:idx_device_switch"`
	Position            int
	Name                string
	Pin                 int
	Type                string
	ManualSwitchEnabled bool
	ManualSwitchPin     int
	ManualMode          string
	UsePIR              bool
	DontAutoOff         bool
	PowerWatts          float64

	State          bool
	ManualOverride bool
	LastChangedBy  string
	LastChanged    time.Time
}

func (SwitchRecord) TableName() string { return "device_switches" }

// CommandRecord is a queued remote command.
type CommandRecord struct {
	ID             string `gorm:"primaryKey;size:36"`
	DeviceIdentity string `gorm:"size:17;not null;index"`
	SwitchID       string `gorm:"not null"`
	DesiredState   bool
	IssuedAt       time.Time `gorm:"index"`
	Source         string
}

func (CommandRecord) TableName() string { return "pending_commands" }

// EnergyConsumption accumulates settled energy per (device, date, type).
type EnergyConsumption struct {
	ID              uint   `gorm:"primaryKey"`
	DeviceID        string `gorm:"size:17;not null;uniqueIndex:idx_consumption_key"`
	Date            string `gorm:"size:10;not null;uniqueIndex:idx_consumption_key"`
	SwitchType      string `gorm:"not null;uniqueIndex:idx_consumption_key"`
	DeviceName      string
	Classroom       string `gorm:"index"`
	Location        string
	EnergyKWh       float64 `gorm:"column:energy_kwh"`
	RuntimeHours    float64
	Cost            float64
	ElectricityRate float64
	Intervals       int
	UpdatedAt       time.Time
}

func (EnergyConsumption) TableName() string { return "energy_consumptions" }

// ActivityRecord is an append-only switch activity row.
type ActivityRecord struct {
	ID               string `gorm:"primaryKey;size:36"`
	DeviceID         string `gorm:"size:17;index"`
	DeviceName       string
	SwitchID         string
	SwitchName       string
	Classroom        string
	Location         string
	Action           string    `gorm:"index"`
	TriggeredBy      string    `gorm:"index"`
	Timestamp        time.Time `gorm:"index"`
	DeviceOnline     bool
	ConflictWeb      bool
	ConflictSchedule bool
	ConflictPIR      bool
	DurationMs       int64
	PowerWatts       float64
	EnergyKWh        float64 `gorm:"column:energy_kwh"`
	Cost             float64
	Reason           string
	Context          string `gorm:"type:text"`
}

func (ActivityRecord) TableName() string { return "activity_logs" }

// AuditRecord is an append-only security or processing failure row.
type AuditRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	ErrorType  string `gorm:"index"`
	Severity   string `gorm:"index"`
	Message    string
	DeviceID   string `gorm:"size:17;index"`
	RemoteAddr string
	Details    string    `gorm:"type:text"`
	Timestamp  time.Time `gorm:"index"`
}

func (AuditRecord) TableName() string { return "audit_logs" }

func allModels() []any {
	return []any{
		&DeviceRecord{},
		&SwitchRecord{},
		&CommandRecord{},
		&EnergyConsumption{},
		&ActivityRecord{},
		&AuditRecord{},
	}
}

func deviceFromRecord(r *DeviceRecord) *devices.Device {
	d := &devices.Device{
		Identity:   r.Identity,
		Name:       r.Name,
		Secret:     r.Secret,
		Classroom:  r.Classroom,
		Location:   r.Location,
		Status:     devices.Status(r.Status),
		Identified: r.Identified,
		LastSeen:   r.LastSeen,
		PIR: devices.PIR{
			Enabled:      r.PIREnabled,
			Pin:          r.PIRPin,
			AutoOffDelay: r.PIRAutoOffDelay,
		},
		Switches: make([]devices.Switch, 0, len(r.Switches)),
	}
	for _, s := range r.Switches {
		d.Switches = append(d.Switches, devices.Switch{
			ID:                  s.SwitchID,
			Name:                s.Name,
			Pin:                 s.Pin,
			Type:                devices.SwitchType(s.Type),
			State:               s.State,
			ManualOverride:      s.ManualOverride,
			ManualSwitchEnabled: s.ManualSwitchEnabled,
			ManualSwitchPin:     s.ManualSwitchPin,
			ManualMode:          devices.ManualMode(s.ManualMode),
			UsePIR:              s.UsePIR,
			DontAutoOff:         s.DontAutoOff,
			PowerWatts:          s.PowerWatts,
			LastChangedBy:       devices.Actor(s.LastChangedBy),
			LastChanged:         s.LastChanged,
		})
	}
	for _, c := range r.Commands {
		d.PendingCommands = append(d.PendingCommands, devices.PendingCommand{
			ID:           c.ID,
			SwitchID:     c.SwitchID,
			DesiredState: c.DesiredState,
			IssuedAt:     c.IssuedAt,
			Source:       devices.Actor(c.Source),
		})
	}
	return d
}

func recordFromDevice(d devices.Device) DeviceRecord {
	r := DeviceRecord{
		Identity:        d.Identity,
		Name:            d.Name,
		Secret:          d.Secret,
		Classroom:       d.Classroom,
		Location:        d.Location,
		Status:          string(d.Status),
		Identified:      d.Identified,
		LastSeen:        d.LastSeen,
		PIREnabled:      d.PIR.Enabled,
		PIRPin:          d.PIR.Pin,
		PIRAutoOffDelay: d.PIR.AutoOffDelay,
	}
	if r.Status == "" {
		r.Status = string(devices.StatusOffline)
	}
	for i, s := range d.Switches {
		r.Switches = append(r.Switches, SwitchRecord{
			DeviceIdentity:      d.Identity,
			SwitchID:            s.ID,
			Position:            i,
			Name:                s.Name,
			Pin:                 s.Pin,
			Type:                string(s.Type),
			ManualSwitchEnabled: s.ManualSwitchEnabled,
			ManualSwitchPin:     s.ManualSwitchPin,
			ManualMode:          string(s.ManualMode),
			UsePIR:              s.UsePIR,
			DontAutoOff:         s.DontAutoOff,
			PowerWatts:          s.PowerWatts,
			State:               s.State,
			ManualOverride:      s.ManualOverride,
			LastChangedBy:       string(s.LastChangedBy),
			LastChanged:         s.LastChanged,
		})
	}
	return r
}

func activityRow(e activity.Entry) ActivityRecord {
	row := ActivityRecord{
		ID:           e.ID,
		DeviceID:     e.DeviceID,
		DeviceName:   e.DeviceName,
		SwitchID:     e.SwitchID,
		SwitchName:   e.SwitchName,
		Classroom:    e.Classroom,
		Location:     e.Location,
		Action:       string(e.Action),
		TriggeredBy:  e.TriggeredBy,
		Timestamp:    e.Timestamp,
		DeviceOnline: e.DeviceOnline,
		DurationMs:   e.Duration.Milliseconds(),
		PowerWatts:   e.PowerWatts,
		EnergyKWh:    e.EnergyKWh,
		Cost:         e.Cost,
		Reason:       e.Reason,
		Context:      encodeMap(e.Context),
	}
	if e.Conflict != nil {
		row.ConflictWeb = e.Conflict.WebCommand
		row.ConflictSchedule = e.Conflict.ScheduleCommand
		row.ConflictPIR = e.Conflict.PIRCommand
	}
	return row
}

func auditRow(a activity.Audit) AuditRecord {
	return AuditRecord{
		ID:         a.ID,
		ErrorType:  string(a.ErrorType),
		Severity:   string(a.Severity),
		Message:    a.Message,
		DeviceID:   a.DeviceID,
		RemoteAddr: a.RemoteAddr,
		Details:    encodeMap(a.Details),
		Timestamp:  a.Timestamp,
	}
}

func consumptionRow(inc energy.Increment, now time.Time) EnergyConsumption {
	return EnergyConsumption{
		DeviceID:        inc.DeviceID,
		Date:            inc.Date,
		SwitchType:      inc.SwitchType,
		DeviceName:      inc.DeviceName,
		Classroom:       inc.Classroom,
		Location:        inc.Location,
		EnergyKWh:       inc.EnergyKWh,
		RuntimeHours:    inc.RuntimeHours,
		Cost:            inc.Cost,
		ElectricityRate: inc.ElectricityRate,
		Intervals:       1,
		UpdatedAt:       now,
	}
}

func encodeMap(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
