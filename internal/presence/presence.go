// Package presence owns driver metadata and the short-TTL marker that
// gates whether a driver is eligible to receive an offer. The geo
// index can lag a driver going offline; presence is authoritative.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/geo"
)

// Status is a driver's dispatch eligibility.
type Status string

const (
	StatusOffline  Status = "OFFLINE"
	StatusOnline   Status = "ONLINE"
	StatusOnTrip   Status = "ON_TRIP"
)

// ErrNotPresent is returned when a driver has no live presence marker.
var ErrNotPresent = errors.New("presence: driver not present")

// Record is a driver's last-known state, as owned by the proximity index.
type Record struct {
	DriverID  string
	Lat       float64
	Lon       float64
	HeadingDeg float64
	SpeedKmh  float64
	Tier      string
	Status    Status
	UpdatedAt time.Time
}

func (r Record) coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: r.Lat, Lon: r.Lon}
}

// Backend is the nearest-neighbor lookup the index queries; satisfied by
// both geo.InMemoryIndex and geo.RedisIndex.
type Backend interface {
	Upsert(ctx context.Context, id string, c geo.Coordinate) error
	Remove(ctx context.Context, id string) error
	Query(ctx context.Context, origin geo.Coordinate, radiusKM float64, limit int) ([]geo.Candidate, error)
}

// syncBackend adapts geo.InMemoryIndex's non-context methods to Backend.
type syncBackend struct{ idx *geo.InMemoryIndex }

func (s syncBackend) Upsert(_ context.Context, id string, c geo.Coordinate) error { return s.idx.Upsert(id, c) }
func (s syncBackend) Remove(_ context.Context, id string) error                   { return s.idx.Remove(id) }
func (s syncBackend) Query(_ context.Context, origin geo.Coordinate, radiusKM float64, limit int) ([]geo.Candidate, error) {
	return s.idx.Query(origin, radiusKM, limit)
}

// NewInMemoryBackend wraps an in-memory geo index for use by Index.
func NewInMemoryBackend(idx *geo.InMemoryIndex) Backend { return syncBackend{idx: idx} }

// Index is the Proximity Index: it owns driver records, a presence
// marker keyed on driver id, and the nearest-neighbor backend.
type Index struct {
	backend     Backend
	presence    *redis.Client
	presenceTTL time.Duration

	mu      sync.RWMutex
	records map[string]Record
}

// NewIndex builds a Proximity Index over backend, using redisClient for the
// presence marker. redisClient may be nil, in which case presence falls
// back to an in-process TTL map (used by tests and by cmd/server when
// Redis is unavailable).
func NewIndex(backend Backend, redisClient *redis.Client, presenceTTL time.Duration) *Index {
	return &Index{
		backend:     backend,
		presence:    redisClient,
		presenceTTL: presenceTTL,
		records:     make(map[string]Record),
	}
}

func presenceKey(driverID string) string {
	return fmt.Sprintf("presence:%s", driverID)
}

// UpdateLocation records a driver's position and refreshes presence.
func (idx *Index) UpdateLocation(ctx context.Context, driverID string, lat, lon, headingDeg, speedKmh float64, tier string) error {
	c := geo.Coordinate{Lat: lat, Lon: lon}
	if err := idx.backend.Upsert(ctx, driverID, c); err != nil {
		return fmt.Errorf("presence: upsert geo: %w", err)
	}

	idx.mu.Lock()
	rec := idx.records[driverID]
	rec.DriverID = driverID
	rec.Lat, rec.Lon = lat, lon
	rec.HeadingDeg, rec.SpeedKmh = headingDeg, speedKmh
	rec.Tier = tier
	rec.UpdatedAt = time.Now()
	if rec.Status == "" {
		rec.Status = StatusOnline
	}
	idx.records[driverID] = rec
	idx.mu.Unlock()

	return idx.refreshPresence(ctx, driverID)
}

func (idx *Index) refreshPresence(ctx context.Context, driverID string) error {
	if idx.presence == nil {
		return nil
	}
	if err := idx.presence.SetEx(ctx, presenceKey(driverID), "1", idx.presenceTTL).Err(); err != nil {
		return fmt.Errorf("presence: refresh marker: %w", err)
	}
	return nil
}

// IsPresent reports whether driverID has a live presence marker. With no
// Redis client configured it falls back to comparing UpdatedAt against TTL.
func (idx *Index) IsPresent(ctx context.Context, driverID string) (bool, error) {
	if idx.presence != nil {
		n, err := idx.presence.Exists(ctx, presenceKey(driverID)).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
	idx.mu.RLock()
	rec, ok := idx.records[driverID]
	idx.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return time.Since(rec.UpdatedAt) <= idx.presenceTTL, nil
}

// SetStatus updates a driver's dispatch eligibility. Setting OFFLINE also
// removes the driver from the nearest-neighbor backend so it stops
// surfacing in FindNearby immediately rather than waiting on TTL.
func (idx *Index) SetStatus(ctx context.Context, driverID string, status Status) error {
	idx.mu.Lock()
	rec, ok := idx.records[driverID]
	if !ok {
		idx.mu.Unlock()
		return ErrNotPresent
	}
	rec.Status = status
	idx.records[driverID] = rec
	idx.mu.Unlock()

	if status == StatusOffline {
		if err := idx.backend.Remove(ctx, driverID); err != nil {
			return fmt.Errorf("presence: remove from index: %w", err)
		}
		if idx.presence != nil {
			idx.presence.Del(ctx, presenceKey(driverID))
		}
	}
	return nil
}

// GetLocation returns the last-known record for a driver.
func (idx *Index) GetLocation(driverID string) (Record, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rec, ok := idx.records[driverID]
	return rec, ok
}

// FindNearby returns up to limit ONLINE, present drivers within radiusKM of
// origin, nearest first. Candidates whose presence marker has expired are
// filtered out even if the backend still returns them.
func (idx *Index) FindNearby(ctx context.Context, origin geo.Coordinate, radiusKM float64, limit int, tier string) ([]Record, error) {
	overfetch := limit * 3
	if overfetch < limit {
		overfetch = limit
	}
	candidates, err := idx.backend.Query(ctx, origin, radiusKM, overfetch)
	if err != nil {
		return nil, fmt.Errorf("presence: query backend: %w", err)
	}

	out := make([]Record, 0, limit)
	for _, cand := range candidates {
		if len(out) >= limit {
			break
		}
		idx.mu.RLock()
		rec, ok := idx.records[cand.ID]
		idx.mu.RUnlock()
		if !ok || rec.Status != StatusOnline {
			continue
		}
		if tier != "" && rec.Tier != tier {
			continue
		}
		present, err := idx.IsPresent(ctx, cand.ID)
		if err != nil || !present {
			continue
		}
		rec.Lat, rec.Lon = cand.Lat, cand.Lon
		out = append(out, rec)
	}
	return out, nil
}
