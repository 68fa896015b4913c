package geo

import (
	"context"
	"errors"
	"fmt"
	"math"

	"medroute/internal/model"
)

const (
	SourceExternal  = "external"
	SourceHaversine = "haversine"
)

// Matrix holds pairwise travel metrics over a location index space where
// index 0 is the depot. It need not be symmetric.
type Matrix struct {
	DistanceKm  [][]float64
	DurationMin [][]float64
	Source      string
}

func newMatrix(n int, source string) Matrix {
	m := Matrix{DistanceKm: make([][]float64, n), DurationMin: make([][]float64, n), Source: source}
	for i := 0; i < n; i++ {
		m.DistanceKm[i] = make([]float64, n)
		m.DurationMin[i] = make([]float64, n)
	}
	return m
}

func (m Matrix) Size() int { return len(m.DistanceKm) }

var ErrMalformedMatrix = errors.New("malformed matrix")

// Validate checks that both tables are n×n with finite, non-negative cells.
func (m Matrix) Validate(n int) error {
	if len(m.DistanceKm) != n || len(m.DurationMin) != n {
		return fmt.Errorf("%w: want %d rows, got distance=%d duration=%d", ErrMalformedMatrix, n, len(m.DistanceKm), len(m.DurationMin))
	}
	for i := 0; i < n; i++ {
		if len(m.DistanceKm[i]) != n || len(m.DurationMin[i]) != n {
			return fmt.Errorf("%w: row %d has wrong width", ErrMalformedMatrix, i)
		}
		for j := 0; j < n; j++ {
			d, t := m.DistanceKm[i][j], m.DurationMin[i][j]
			if d < 0 || t < 0 || math.IsNaN(d) || math.IsNaN(t) || math.IsInf(d, 0) || math.IsInf(t, 0) {
				return fmt.Errorf("%w: bad cell [%d][%d]", ErrMalformedMatrix, i, j)
			}
		}
	}
	return nil
}

// MatrixSource is an external distance/duration service.
type MatrixSource interface {
	Matrix(ctx context.Context, points []model.GeoPoint) (Matrix, error)
}

type GeocodeResult struct {
	Location         model.GeoPoint `json:"location"`
	FormattedAddress string         `json:"formattedAddress,omitempty"`
	Confidence       float64        `json:"confidence,omitempty"`
}

// Geocoder resolves a postal address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address, city, country string) (GeocodeResult, error)
}

// Pair is one cached ordered-pair lookup.
type Pair struct {
	DistanceKm  float64 `json:"d"`
	DurationMin float64 `json:"t"`
}

// Cache stores external lookups across runs. Implementations must be safe
// for concurrent use; a miss is always an acceptable answer.
type Cache interface {
	GetPair(ctx context.Context, key string) (Pair, bool)
	SetPair(ctx context.Context, key string, p Pair)
	GetGeocode(ctx context.Context, key string) (GeocodeResult, bool)
	SetGeocode(ctx context.Context, key string, r GeocodeResult)
}
