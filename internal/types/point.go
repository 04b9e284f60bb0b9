// README: Shared identifier and coordinate value objects.
package types

import "math"

// CoordDecimals is the fixed-point precision of stored coordinates, matching
// the NUMERIC(9,6) columns.
const CoordDecimals = 6

var coordScale = math.Pow10(CoordDecimals)

type ID string

type Point struct {
	Lat float64
	Lng float64
}

// Valid reports whether the point is a finite lat/lng pair inside the WGS84 ranges.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Quantize rounds both coordinates to CoordDecimals places so a value read back
// from storage equals the value that was written.
func (p Point) Quantize() Point {
	return Point{Lat: quantize(p.Lat), Lng: quantize(p.Lng)}
}

func quantize(v float64) float64 {
	return math.Round(v*coordScale) / coordScale
}
