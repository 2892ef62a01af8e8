// Package geo provides the distance math, region inference, and
// nearest-neighbor backends the proximity index is built on.
package geo

import (
	"fmt"
	"math"
)

const earthRadiusKM = 6371.0

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Candidate is a nearest-neighbor hit: an id and its distance in km.
type Candidate struct {
	ID       string
	DistKM   float64
	Lat, Lon float64
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b Coordinate) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(math.Min(1, h)))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// BoundingBox is an axis-aligned lat/lon rectangle used for region lookup.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Contains reports whether c falls inside the box.
func (b BoundingBox) Contains(c Coordinate) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat &&
		c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// Region names a fixed service area with its bounding box.
type Region struct {
	Name string
	Box  BoundingBox
}

// RegionForPoint returns the first region in table whose box contains c, or
// "" if none match. Regions are expected to be non-overlapping; the first
// match wins when they aren't.
func RegionForPoint(table []Region, c Coordinate) string {
	for _, r := range table {
		if r.Box.Contains(c) {
			return r.Name
		}
	}
	return ""
}

// cellDegrees sizes a grid cell at roughly 500m on a side near the equator.
// Surge and demand counters key off this cell id rather than raw
// coordinates so nearby requests/drivers land in the same bucket.
const cellDegrees = 0.005

// CellID buckets a coordinate into a fixed-resolution grid cell. It is a
// plain lat/lon grid, not an H3 hexagonal index — see DESIGN.md for why.
func CellID(c Coordinate) string {
	latCell := int64(math.Floor(c.Lat / cellDegrees))
	lonCell := int64(math.Floor(c.Lon / cellDegrees))
	return fmt.Sprintf("%d:%d", latCell, lonCell)
}
