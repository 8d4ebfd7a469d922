// Package geo computes great-circle distances between coordinates.
package geo

import "math"

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371e3

const degToRad = math.Pi / 180

// Haversine returns the great-circle distance in meters between two points
// given in degrees.
//
// See https://www.movable-type.co.uk/scripts/latlong.html
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1r := lat1 * degToRad
	lat2r := lat2 * degToRad
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad
	// Square of half the chord length between the points.
	x := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1r)*math.Cos(lat2r)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadius * 2 * math.Atan2(math.Sqrt(x), math.Sqrt(1-x))
}

// Distance is Haversine over two [lat, lon] pairs. Both slices must hold
// exactly two values.
func Distance(a, b []float64) float64 {
	return Haversine(a[0], a[1], b[0], b[1])
}
