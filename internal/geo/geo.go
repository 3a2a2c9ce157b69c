// Package geo holds great-circle helpers shared by the tracker, resolver and lifecycle.
package geo

import (
	"errors"
	"math"

	"emdispatch/internal/model"
)

const earthRadiusM = 6371000.0

// ErrInvalidCoordinates is returned for points outside [-90,90] x [-180,180].
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// DistanceMeters is the haversine distance between a and b.
func DistanceMeters(a, b model.GeoPoint) float64 {
	dLat := deg2rad(b.Lat - a.Lat)
	dLng := deg2rad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(deg2rad(a.Lat))*math.Cos(deg2rad(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Within reports whether b lies inside radiusM of a.
func Within(a, b model.GeoPoint, radiusM float64) bool {
	return DistanceMeters(a, b) <= radiusM
}

// Validate checks coordinate ranges.
func Validate(p model.GeoPoint) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

func deg2rad(deg float64) float64 { return deg * math.Pi / 180.0 }
