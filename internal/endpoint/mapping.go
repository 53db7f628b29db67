package endpoint

import (
	"fmt"
	"strings"
)

// StatusMapping translates PBX status codes into logical endpoint
// statuses. Two code spaces exist: textual device states
// (DeviceStateChange, PeerStatus) and numeric extension states
// (ExtensionStatus, Status).
//
// Unrecognised codes map to StatusUnknown, never to an error: a PBX
// upgrade that introduces a new code must not break the bridge.
//
// The zero value is unusable; start from DefaultStatusMapping and layer
// config overrides on top with ApplyOverrides.
type StatusMapping struct {
	device    map[string]Status
	extension map[int]Status
}

// DefaultStatusMapping returns the historical default translation table.
func DefaultStatusMapping() *StatusMapping {
	return &StatusMapping{
		device: map[string]Status{
			"NOTINUSE":    StatusIdle,
			"INUSE":       StatusInUse,
			"BUSY":        StatusInUse,
			"ONHOLD":      StatusInUse,
			"RINGING":     StatusRinging,
			"RINGINUSE":   StatusRinging,
			"UNAVAILABLE": StatusUnavailable,
			"INVALID":     StatusUnavailable,
			"UNKNOWN":     StatusUnknown,

			// PeerStatus event values.
			"REGISTERED":   StatusIdle,
			"REACHABLE":    StatusIdle,
			"LAGGED":       StatusIdle,
			"UNREGISTERED": StatusUnavailable,
			"UNREACHABLE":  StatusUnavailable,
			"REJECTED":     StatusUnavailable,
		},
		extension: map[int]Status{
			-1: StatusUnavailable, // invalid extension
			0:  StatusIdle,
			1:  StatusInUse,
			2:  StatusInUse, // busy
			4:  StatusUnavailable,
			8:  StatusRinging,
			9:  StatusRinging, // in use and ringing
			16: StatusInUse,   // on hold
		},
	}
}

// ApplyOverrides layers config-provided translations over the defaults.
// Keys are device-state codes (case-insensitive), values logical statuses.
func (m *StatusMapping) ApplyOverrides(overrides map[string]string) error {
	for code, status := range overrides {
		parsed, err := ParseStatus(status)
		if err != nil {
			return fmt.Errorf("status mapping override %q: %w", code, err)
		}
		m.device[canonicalDeviceState(code)] = parsed
	}
	return nil
}

// FromDeviceState maps a textual device-state code. Asterisk is not
// consistent about spelling across channel technologies ("NOT_INUSE" on
// DeviceStateChange, "Not in use" on PJSIP endpoint lists), so codes are
// canonicalised before lookup.
func (m *StatusMapping) FromDeviceState(code string) Status {
	if status, ok := m.device[canonicalDeviceState(code)]; ok {
		return status
	}
	return StatusUnknown
}

// canonicalDeviceState uppercases a code and strips separators, so
// "NOT_INUSE", "Not in use" and "Ring+Inuse" all land on one key.
func canonicalDeviceState(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '+', '-':
			return -1
		}
		return r
	}, code)
}

// FromExtensionState maps a numeric extension-state code.
func (m *StatusMapping) FromExtensionState(code int) Status {
	if status, ok := m.extension[code]; ok {
		return status
	}
	return StatusUnknown
}

// ParseStatus parses a logical status name.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusIdle:
		return StatusIdle, nil
	case StatusInUse:
		return StatusInUse, nil
	case StatusRinging:
		return StatusRinging, nil
	case StatusUnavailable:
		return StatusUnavailable, nil
	case StatusUnknown:
		return StatusUnknown, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}
