package geo

import "testing"

func TestInMemoryIndex_QueryNearestFirst(t *testing.T) {
	idx := NewInMemoryIndex()
	origin := Coordinate{Lat: 40.758, Lon: -73.9855}

	_ = idx.Upsert("far", Coordinate{Lat: 40.78, Lon: -73.97})
	_ = idx.Upsert("near", Coordinate{Lat: 40.7581, Lon: -73.9854})
	_ = idx.Upsert("outOfRadius", Coordinate{Lat: 41.5, Lon: -73.9855})

	candidates, err := idx.Query(origin, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates within radius, got %d", len(candidates))
	}
	if candidates[0].ID != "near" {
		t.Fatalf("expected nearest candidate first, got %s", candidates[0].ID)
	}
}

func TestInMemoryIndex_Remove(t *testing.T) {
	idx := NewInMemoryIndex()
	origin := Coordinate{Lat: 40.758, Lon: -73.9855}
	_ = idx.Upsert("driver1", origin)

	_ = idx.Remove("driver1")

	candidates, err := idx.Query(origin, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected 0 candidates after remove, got %d", len(candidates))
	}
}

func TestInMemoryIndex_QueryLimit(t *testing.T) {
	idx := NewInMemoryIndex()
	origin := Coordinate{Lat: 40.758, Lon: -73.9855}
	for i := 0; i < 5; i++ {
		_ = idx.Upsert(string(rune('a'+i)), Coordinate{Lat: 40.758 + float64(i)*0.0001, Lon: -73.9855})
	}
	candidates, err := idx.Query(origin, 5, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected limit of 2 candidates, got %d", len(candidates))
	}
}
