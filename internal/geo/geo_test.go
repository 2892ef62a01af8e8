package geo

import "testing"

func TestHaversine_SamePoint(t *testing.T) {
	p := Coordinate{Lat: 40.758, Lon: -73.9855}
	if d := Haversine(p, p); d != 0 {
		t.Fatalf("expected 0 distance for identical points, got %f", d)
	}
}

func TestHaversine_KnownDistance(t *testing.T) {
	// Times Square to Central Park, roughly 3.2km.
	timesSquare := Coordinate{Lat: 40.7580, Lon: -73.9855}
	centralPark := Coordinate{Lat: 40.7829, Lon: -73.9654}
	d := Haversine(timesSquare, centralPark)
	if d < 2.5 || d > 4.5 {
		t.Fatalf("expected distance around 3-4km, got %f", d)
	}
}

func TestBoundingBox_Contains(t *testing.T) {
	box := BoundingBox{MinLat: 40.0, MaxLat: 41.0, MinLon: -74.5, MaxLon: -73.5}
	inside := Coordinate{Lat: 40.5, Lon: -74.0}
	outside := Coordinate{Lat: 42.0, Lon: -74.0}
	if !box.Contains(inside) {
		t.Fatalf("expected %v to be inside box", inside)
	}
	if box.Contains(outside) {
		t.Fatalf("expected %v to be outside box", outside)
	}
}

func TestRegionForPoint(t *testing.T) {
	table := []Region{
		{Name: "nyc", Box: BoundingBox{MinLat: 40.0, MaxLat: 41.0, MinLon: -74.5, MaxLon: -73.5}},
		{Name: "sf", Box: BoundingBox{MinLat: 37.0, MaxLat: 38.0, MinLon: -123.0, MaxLon: -122.0}},
	}
	if got := RegionForPoint(table, Coordinate{Lat: 40.5, Lon: -74.0}); got != "nyc" {
		t.Fatalf("expected nyc, got %q", got)
	}
	if got := RegionForPoint(table, Coordinate{Lat: 0, Lon: 0}); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}

func TestCellID_StableAndDistinct(t *testing.T) {
	a := Coordinate{Lat: 40.758, Lon: -73.9855}
	b := Coordinate{Lat: 40.7581, Lon: -73.9854}
	c := Coordinate{Lat: 41.2, Lon: -73.9855}

	if CellID(a) != CellID(b) {
		t.Fatalf("expected nearby points to share a cell: %s vs %s", CellID(a), CellID(b))
	}
	if CellID(a) == CellID(c) {
		t.Fatalf("expected distant points to land in different cells")
	}
}
