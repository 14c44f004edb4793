// Package geo holds positions, great-circle distance and candidate ranking.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKM is the mean Earth radius used for great-circle distance.
const EarthRadiusKM = 6371.0

// Position is a WGS84 coordinate with an accuracy radius in meters.
type Position struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m"`
}

// Valid reports whether the coordinate is finite and inside the WGS84 ranges
// and the accuracy radius is finite and non-negative.
func (p Position) Valid() bool {
	if !finite(p.Lat) || !finite(p.Lng) {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return false
	}
	return finite(p.AccuracyM) && p.AccuracyM >= 0
}

func (p Position) String() string {
	return fmt.Sprintf("(%.5f,%.5f ±%.0fm)", p.Lat, p.Lng, p.AccuracyM)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Haversine returns the great-circle distance between a and b in kilometers.
func Haversine(a, b Position) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// clamp rounding drift before asin
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKM * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
