// Package units converts the loop's SI quantities (m/s, metres) for display.
package units

import (
	"fmt"
	"strings"
)

// Speed units.
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// Distance units.
const (
	Metres = "m"
	Feet   = "ft"
)

// ValidSpeedUnits contains all valid speed unit values.
var ValidSpeedUnits = []string{MPS, MPH, KMPH, KPH}

// ValidDistanceUnits contains all valid distance unit values.
var ValidDistanceUnits = []string{Metres, Feet}

const metresPerFoot = 0.3048

// IsValidSpeed checks if unit is a known speed unit.
func IsValidSpeed(unit string) bool { return contains(ValidSpeedUnits, unit) }

// IsValidDistance checks if unit is a known distance unit.
func IsValidDistance(unit string) bool { return contains(ValidDistanceUnits, unit) }

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ConvertSpeed converts a speed from metres per second to the target units.
// Unknown units return the value unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.23694
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// ConvertDistance converts metres to the target units.
func ConvertDistance(metres float64, targetUnits string) float64 {
	if targetUnits == Feet {
		return metres / metresPerFoot
	}
	return metres
}

// FeetToMetres converts feet to metres.
func FeetToMetres(feet float64) float64 { return feet * metresPerFoot }

// FormatSpeed renders a m/s speed in the given units, e.g. "5.6 mph".
func FormatSpeed(speedMPS float64, targetUnits string) string {
	if !IsValidSpeed(targetUnits) {
		targetUnits = MPS
	}
	return fmt.Sprintf("%.1f %s", ConvertSpeed(speedMPS, targetUnits), targetUnits)
}

// FormatDistance renders metres in the given units, e.g. "6.0 ft".
func FormatDistance(metres float64, targetUnits string) string {
	if !IsValidDistance(targetUnits) {
		targetUnits = Metres
	}
	return fmt.Sprintf("%.2f %s", ConvertDistance(metres, targetUnits), targetUnits)
}

// ValidSpeedUnitsString returns a comma-separated list for error messages.
func ValidSpeedUnitsString() string { return strings.Join(ValidSpeedUnits, ", ") }
