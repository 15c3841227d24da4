// Package units provides shared constants and validation for depth units
package units

// Unit constants
const (
	Meters      = "m"
	Centimeters = "cm"
	Inches      = "in"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Meters, Centimeters, Inches}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "m, cm, in"
}

// ConvertDepth converts a depth from meters to the target units
// Database stores depths and heights in meters
func ConvertDepth(depthM float64, targetUnits string) float64 {
	switch targetUnits {
	case Meters:
		return depthM
	case Centimeters:
		return depthM * 100.0
	case Inches:
		return depthM * 39.3700787402
	default:
		return depthM
	}
}

// ConvertVelocity converts a velocity from m/s to the target units per
// second (m/s, cm/s, in/s), preserving sign. Velocities share the depth
// length scale so a response never mixes unit systems.
func ConvertVelocity(velocityMS float64, targetUnits string) float64 {
	return ConvertDepth(velocityMS, targetUnits)
}
