package geofence

import (
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by the spherical approximation.
const EarthRadiusMeters = 6371000.0

// Coordinate is a device or reference position in decimal degrees.
// Accuracy, when reported, is the device's horizontal accuracy radius in meters.
type Coordinate struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Valid reports whether c is a finite coordinate within the WGS84 ranges.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) || math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// ExpectedLocation is where a session must be attended from.
type ExpectedLocation struct {
	Center       Coordinate `json:"center"`
	RadiusMeters float64    `json:"radius_m"`
}

// Distance returns the great-circle distance in meters between a and b using the
// Haversine formula.
func Distance(a, b Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// Rounding can push h marginally outside [0, 1].
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// IsWithinRadius reports whether device lies within expected's radius. Missing or
// invalid input fails closed.
func IsWithinRadius(device *Coordinate, expected *ExpectedLocation) bool {
	if device == nil || expected == nil {
		return false
	}
	if !device.Valid() || !expected.Center.Valid() {
		return false
	}
	r := expected.RadiusMeters
	if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
		return false
	}
	return Distance(*device, expected.Center) <= r
}
