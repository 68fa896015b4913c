package geo

import (
	"math"

	"medroute/internal/model"
)

const earthRadiusKm = 6371.0

// DefaultFallbackSpeedKmh is the speed assumed when durations are derived
// from great-circle distance instead of a routing engine.
const DefaultFallbackSpeedKmh = 30.0

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b model.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// HaversineMatrix fills every ordered pair independently. Durations are
// distance / speedKmh in minutes.
func HaversineMatrix(points []model.GeoPoint, speedKmh float64) Matrix {
	if speedKmh <= 0 {
		speedKmh = DefaultFallbackSpeedKmh
	}
	n := len(points)
	m := newMatrix(n, SourceHaversine)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			d := HaversineKm(points[i], points[j])
			m.DistanceKm[i][j] = d
			m.DurationMin[i][j] = d / speedKmh * 60
		}
	}
	return m
}
