// Package units converts reconstructed speeds for display.
package units

import (
	"fmt"
	"strings"
)

// Unit constants
const (
	MPS   = "mps"
	MPH   = "mph"
	KMPH  = "kmph"
	KPH   = "kph"
	KNOTS = "kn"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH, KNOTS}

var factors = map[string]float64{
	MPS:   1,
	MPH:   2.2369362920544,
	KMPH:  3.6,
	KPH:   3.6,
	KNOTS: 1.9438444924406,
}

var labels = map[string]string{
	MPS:   "m/s",
	MPH:   "mph",
	KMPH:  "km/h",
	KPH:   "km/h",
	KNOTS: "kn",
}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	_, ok := factors[unit]
	return ok
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// Validate returns an error naming the valid units if unit is unknown.
func Validate(unit string) error {
	if !IsValid(unit) {
		return fmt.Errorf("invalid units %q, want one of: %s", unit, GetValidUnitsString())
	}
	return nil
}

// ConvertSpeed converts a speed from meters per second to the target units.
// Unknown units return the input unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	if f, ok := factors[targetUnits]; ok {
		return speedMPS * f
	}
	return speedMPS
}

// ConvertToMPS converts a speed in the given units back to m/s.
func ConvertToMPS(speed float64, fromUnits string) float64 {
	if f, ok := factors[fromUnits]; ok {
		return speed / f
	}
	return speed
}

// Label is the axis label for a unit, e.g. "km/h".
func Label(unit string) string {
	if l, ok := labels[unit]; ok {
		return l
	}
	return unit
}
