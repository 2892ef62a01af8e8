package geo

import (
	"sort"
	"sync"
)

// InMemoryIndex is a linear-scan nearest-neighbor backend, kept as the
// fallback path when no Redis client is configured (tests, and cmd/server
// without Redis).
type InMemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Coordinate
}

// NewInMemoryIndex constructs an empty index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{points: make(map[string]Coordinate)}
}

// Upsert records or updates a point's coordinates.
func (idx *InMemoryIndex) Upsert(id string, c Coordinate) error {
	idx.mu.Lock()
	idx.points[id] = c
	idx.mu.Unlock()
	return nil
}

// Remove drops a point from the index.
func (idx *InMemoryIndex) Remove(id string) error {
	idx.mu.Lock()
	delete(idx.points, id)
	idx.mu.Unlock()
	return nil
}

// Query returns up to limit points within radiusKM of origin, nearest first.
func (idx *InMemoryIndex) Query(origin Coordinate, radiusKM float64, limit int) ([]Candidate, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make([]Candidate, 0, len(idx.points))
	for id, pt := range idx.points {
		dist := Haversine(origin, pt)
		if dist <= radiusKM {
			candidates = append(candidates, Candidate{ID: id, DistKM: dist, Lat: pt.Lat, Lon: pt.Lon})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DistKM < candidates[j].DistKM })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}
