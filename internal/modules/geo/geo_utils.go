// README: Pure geographic helpers: haversine distance and degree-space bounding boxes.
package geo

import (
	"math"

	"siren/internal/types"
)

const (
	// EarthRadiusM is the mean Earth radius used for great-circle distances.
	EarthRadiusM = 6371000.0
	// metersPerDegree is the length of one degree of latitude used by the box prefilter.
	metersPerDegree = 111320.0
	minCosLat       = 1e-6
	// boxPadding widens the box so it stays a superset of the spherical circle:
	// 111320 m/deg is slightly longer than a degree on the EarthRadiusM sphere.
	boxPadding = 1.01
)

// HaversineMeters returns the great-circle distance in metres between two points.
func HaversineMeters(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusM * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Box is an axis-aligned rectangle in degree space. MinLng may be below -180 and
// MaxLng above 180 when the box crosses the antimeridian; use LngRanges to query it.
type Box struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// BoundingBox returns the box enclosing the circle of radiusM around center.
// The longitude span is widened by 1/cos(lat); a box touching a pole spans all longitudes.
func BoundingBox(center types.Point, radiusM float64) Box {
	radiusM *= boxPadding
	degLat := radiusM / metersPerDegree
	cosLat := math.Abs(math.Cos(degreesToRadians(center.Lat)))
	if cosLat < minCosLat {
		cosLat = minCosLat
	}
	degLng := radiusM / (metersPerDegree * cosLat)

	box := Box{
		MinLat: center.Lat - degLat,
		MaxLat: center.Lat + degLat,
		MinLng: center.Lng - degLng,
		MaxLng: center.Lng + degLng,
	}
	// A circle reaching a pole covers every meridian.
	if box.MinLat <= -90 || box.MaxLat >= 90 {
		box.MinLat = math.Max(box.MinLat, -90)
		box.MaxLat = math.Min(box.MaxLat, 90)
		box.MinLng, box.MaxLng = -180, 180
	}
	return box
}

// LngRanges splits the longitude span into at most two ranges inside [-180, 180].
func (b Box) LngRanges() [][2]float64 {
	if b.MaxLng-b.MinLng >= 360 {
		return [][2]float64{{-180, 180}}
	}
	switch {
	case b.MinLng < -180:
		return [][2]float64{{b.MinLng + 360, 180}, {-180, b.MaxLng}}
	case b.MaxLng > 180:
		return [][2]float64{{b.MinLng, 180}, {-180, b.MaxLng - 360}}
	default:
		return [][2]float64{{b.MinLng, b.MaxLng}}
	}
}

func (b Box) Contains(p types.Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	for _, r := range b.LngRanges() {
		if p.Lng >= r[0] && p.Lng <= r[1] {
			return true
		}
	}
	return false
}

// Center returns the midpoint of the box, normalised back into [-180, 180].
func (b Box) Center() types.Point {
	lng := (b.MinLng + b.MaxLng) / 2
	if lng > 180 {
		lng -= 360
	} else if lng < -180 {
		lng += 360
	}
	return types.Point{Lat: (b.MinLat + b.MaxLat) / 2, Lng: lng}
}
