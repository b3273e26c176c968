package devices

import (
	"fmt"
	"strings"
)

// NormalizeIdentity canonicalises a MAC-style identity to AA:BB:CC:DD:EE:FF.
// Any non-hex character is dropped, so separators and case do not matter.
func NormalizeIdentity(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') {
			digits.WriteRune(r)
		}
	}

	hex := digits.String()
	if len(hex) != 12 {
		return "", fmt.Errorf("invalid device identity %q", raw)
	}

	parts := make([]string, 0, 6)
	for i := 0; i < len(hex); i += 2 {
		parts = append(parts, hex[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}
