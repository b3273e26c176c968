package energy

import (
	"context"
	"sort"
	"sync"
)

// Increment is one settled interval added to a consumption record.
type Increment struct {
	DeviceID        string
	DeviceName      string
	Classroom       string
	Location        string
	Date            string // YYYY-MM-DD of the tracking start
	SwitchType      string
	EnergyKWh       float64
	RuntimeHours    float64
	Cost            float64
	ElectricityRate float64
}

// Record is the accumulated consumption for one (device, date, type).
type Record struct {
	DeviceID        string  `json:"deviceId"`
	Date            string  `json:"date"`
	SwitchType      string  `json:"switchType"`
	EnergyKWh       float64 `json:"energyKwh"`
	RuntimeHours    float64 `json:"runtimeHours"`
	Cost            float64 `json:"cost"`
	ElectricityRate float64 `json:"electricityRate"`
	Intervals       int     `json:"intervals"`
}

// Ledger applies increments atomically per key.
type Ledger interface {
	AddConsumption(ctx context.Context, inc Increment) error
}

// Reader lists accumulated records.
type Reader interface {
	Consumption(ctx context.Context) ([]Record, error)
}

type recordKey struct {
	device, date, switchType string
}

// MemoryLedger accumulates records in memory.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[recordKey]*Record
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Reader = (*MemoryLedger)(nil)
)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[recordKey]*Record)}
}

func (m *MemoryLedger) AddConsumption(_ context.Context, inc Increment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{inc.DeviceID, inc.Date, inc.SwitchType}
	r, ok := m.records[key]
	if !ok {
		r = &Record{DeviceID: inc.DeviceID, Date: inc.Date, SwitchType: inc.SwitchType}
		m.records[key] = r
	}
	r.EnergyKWh += inc.EnergyKWh
	r.RuntimeHours += inc.RuntimeHours
	r.Cost += inc.Cost
	r.ElectricityRate = inc.ElectricityRate
	r.Intervals++
	return nil
}

// Records returns all records sorted by device, date and type.
func (m *MemoryLedger) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.SwitchType < b.SwitchType
	})
	return out
}

func (m *MemoryLedger) Consumption(_ context.Context) ([]Record, error) {
	return m.Records(), nil
}
