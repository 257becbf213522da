// Package projection converts between geographic coordinates and the planar
// spherical Mercator grid used for clustering.
package projection

import "math"

// LatLng is a geographic position in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Point is a position in projected space. For valid coordinates both axes
// fall in [0, numCells).
type Point struct {
	X, Y float64
}

// SphericalMercator projects onto a square of numCells x numCells units.
// It holds no mutable state and may be shared freely.
type SphericalMercator struct {
	worldWidth float64
}

func NewSphericalMercator(numCells float64) SphericalMercator {
	return SphericalMercator{worldWidth: numCells}
}

// WorldWidth returns the number of cells along each axis.
func (p SphericalMercator) WorldWidth() float64 {
	return p.worldWidth
}

// ToPoint projects a geographic position. Latitudes of exactly +-90 map to
// infinity.
func (p SphericalMercator) ToPoint(ll LatLng) Point {
	x := ll.Lng/360 + 0.5
	sin := math.Sin(ll.Lat * math.Pi / 180)
	y := 0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)

	return Point{
		X: x * p.worldWidth,
		Y: y * p.worldWidth,
	}
}

// ToLatLng is the inverse of ToPoint.
func (p SphericalMercator) ToLatLng(pt Point) LatLng {
	x := pt.X/p.worldWidth - 0.5
	lng := x * 360

	y := pt.Y / p.worldWidth
	lat := math.Atan(math.Sinh(math.Pi*(1-2*y))) * 180 / math.Pi

	return LatLng{Lat: lat, Lng: lng}
}
