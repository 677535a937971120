package storage

import (
	"math"
)

// Great-circle distance in kilometres between two station coordinates.
// MSN eastings convert to WGS84 upstream, so inputs are degrees.
func HaversineDistance(aLat, aLon, bLat, bLon float64) float64 {
	const earthRadiusKm = 6371

	aLatRad := aLat * math.Pi / 180
	aLonRad := aLon * math.Pi / 180
	bLatRad := bLat * math.Pi / 180
	bLonRad := bLon * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLon := aLonRad - bLonRad

	h := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLon/2), 2) +
		math.Pow(math.Sin(deltaLat/2), 2)

	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
