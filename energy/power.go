package energy

import "strings"

const (
	// DefaultPowerWatts applies when nothing else matches.
	DefaultPowerWatts = 50.0
	// DefaultElectricityRate is the price per kWh used without settings.
	DefaultElectricityRate = 7.5
)

// keywordPower is checked in order against the switch name and type.
var keywordPower = []struct {
	keyword string
	watts   float64
}{
	{"light", 20},
	{"bulb", 20},
	{"lamp", 25},
	{"led", 15},
	{"fan", 75},
	{"ceiling", 80},
	{"exhaust", 60},
	{"projector", 250},
	{"display", 150},
	{"monitor", 30},
	{"ac", 1200},
	{"air", 1200},
	{"conditioner", 1200},
	{"outlet", 100},
	{"socket", 100},
}

// PowerFor resolves a switch's draw: the configured type wattage first,
// then keywords in the name or type, then DefaultPowerWatts.
func (s *Settings) PowerFor(name, switchType string) float64 {
	n := strings.ToLower(name)
	t := strings.ToLower(switchType)

	if s != nil {
		if w, ok := s.TypePower[t]; ok && w > 0 {
			return w
		}
	}

	for _, kp := range keywordPower {
		if strings.Contains(n, kp.keyword) || strings.Contains(t, kp.keyword) {
			return kp.watts
		}
	}
	return DefaultPowerWatts
}
