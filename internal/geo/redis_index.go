package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisIndex wraps a Redis GEO sorted set as a nearest-neighbor backend.
type RedisIndex struct {
	client *redis.Client
	key    string
}

// NewRedisIndex builds a backend over a single GEO key.
func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = "geo:drivers"
	}
	return &RedisIndex{client: client, key: key}
}

// Upsert stores/updates a point's coordinates.
func (r *RedisIndex) Upsert(ctx context.Context, id string, c Coordinate) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      id,
		Longitude: c.Lon,
		Latitude:  c.Lat,
	}).Err()
}

// Remove drops a point from the index.
func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

// Query returns up to limit points within radiusKM of origin, nearest first.
func (r *RedisIndex) Query(ctx context.Context, origin Coordinate, radiusKM float64, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 20
	}
	results, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(results))
	for _, res := range results {
		candidates = append(candidates, Candidate{
			ID:     res.Name,
			DistKM: res.Dist,
			Lat:    res.Latitude,
			Lon:    res.Longitude,
		})
	}
	return candidates, nil
}
