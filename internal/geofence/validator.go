package geofence

import "math"

// Reason codes reported by Validator.Check.
const (
	ReasonInRange         = "in_range"
	ReasonMissingLocation = "missing_location"
	ReasonInvalidLocation = "invalid_location"
	ReasonLowAccuracy     = "low_accuracy"
	ReasonOutOfRange      = "out_of_range"
)

// Check is the audited outcome of one geofence test.
type Check struct {
	InRange        bool    `json:"in_range"`
	DistanceMeters float64 `json:"distance_m"`
	Reason         string  `json:"reason"`
}

// Validator wraps IsWithinRadius with a policy on reported GPS accuracy.
// A reading whose accuracy radius is larger than MaxAccuracyMeters is rejected;
// zero disables the policy.
type Validator struct {
	MaxAccuracyMeters float64
}

// Check evaluates device against expected and explains the result.
func (v Validator) Check(device *Coordinate, expected *ExpectedLocation) Check {
	if device == nil || expected == nil {
		return Check{Reason: ReasonMissingLocation}
	}
	if !device.Valid() || !expected.Center.Valid() {
		return Check{Reason: ReasonInvalidLocation}
	}
	if v.MaxAccuracyMeters > 0 && device.Accuracy != nil {
		acc := *device.Accuracy
		if math.IsNaN(acc) || acc < 0 || acc > v.MaxAccuracyMeters {
			return Check{Reason: ReasonLowAccuracy, DistanceMeters: Distance(*device, expected.Center)}
		}
	}

	d := Distance(*device, expected.Center)
	if !IsWithinRadius(device, expected) {
		return Check{DistanceMeters: d, Reason: ReasonOutOfRange}
	}
	return Check{InRange: true, DistanceMeters: d, Reason: ReasonInRange}
}
