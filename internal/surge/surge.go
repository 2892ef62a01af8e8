// Package surge tracks per-cell demand and live supply and derives the
// price multiplier drivers and riders see at request time.
package surge

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/events"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/presence"
)

// supplyRadiusKM is the fixed radius CalculateSurge counts live drivers
// within, per spec.
const supplyRadiusKM = 2.0

// supplySampleLimit bounds the FindNearby call backing supply counts; it
// only needs to be large enough that truncation never happens in practice.
const supplySampleLimit = 500

// Snapshot is the surge state for one grid cell.
type Snapshot struct {
	CellID     string
	Region     string
	Multiplier float64
	Demand     int64
	Supply     int64
	UpdatedAt  time.Time
}

// ValidUntil is the snapshot's cache expiry, given the engine's cache TTL.
func (s Snapshot) ValidUntil(cacheTTL time.Duration) time.Time {
	return s.UpdatedAt.Add(cacheTTL)
}

// PresenceLookup is the nearest-neighbor query CalculateSurge uses for live
// supply; *presence.Index satisfies it.
type PresenceLookup interface {
	FindNearby(ctx context.Context, origin geo.Coordinate, radiusKM float64, limit int, tier string) ([]presence.Record, error)
}

// Engine computes and caches surge multipliers per cell.
type Engine struct {
	client        *redis.Client
	presence      PresenceLookup
	publisher     events.Publisher
	cacheTTL      time.Duration
	counterTTL    time.Duration
	min, max      float64
	smoothing     float64
	regions       []geo.Region
	defaultRegion string
}

// Config configures an Engine's clamp/smoothing behavior and region table.
type Config struct {
	CacheTTL      time.Duration
	CounterTTL    time.Duration
	Min           float64
	Max           float64
	Smoothing     float64
	Regions       []geo.Region
	DefaultRegion string
}

// NewEngine builds a surge Engine over client, sourcing live supply from
// presenceIdx and publishing surge.updated events through publisher
// (events.NullPublisher{} is fine for tests). presenceIdx may be nil, in
// which case supply always reads as zero.
func NewEngine(client *redis.Client, presenceIdx PresenceLookup, publisher events.Publisher, cfg Config) *Engine {
	if cfg.Min == 0 {
		cfg.Min = 1.0
	}
	if cfg.Max == 0 {
		cfg.Max = 3.0
	}
	if cfg.Smoothing == 0 {
		cfg.Smoothing = 0.5
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "default"
	}
	if publisher == nil {
		publisher = events.NullPublisher{}
	}
	return &Engine{
		client:        client,
		presence:      presenceIdx,
		publisher:     publisher,
		cacheTTL:      cfg.CacheTTL,
		counterTTL:    cfg.CounterTTL,
		min:           cfg.Min,
		max:           cfg.Max,
		smoothing:     cfg.Smoothing,
		regions:       cfg.Regions,
		defaultRegion: cfg.DefaultRegion,
	}
}

func demandKey(cellID string) string     { return fmt.Sprintf("surge:demand:%s", cellID) }
func cacheKey(cellID string) string      { return fmt.Sprintf("surge:cache:%s", cellID) }
func regionZonesKey(region string) string { return fmt.Sprintf("surge:zones:%s", region) }

// IncrementDemand bumps the demand counter for a cell, setting its TTL
// on first increment of a fresh key, and returns the new count.
func (e *Engine) IncrementDemand(ctx context.Context, cellID string) (int64, error) {
	n, err := e.client.Incr(ctx, demandKey(cellID)).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := e.client.Expire(ctx, demandKey(cellID), e.counterTTL).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// regionFor resolves the region a coordinate falls in against the
// configured bounding-box table, falling back to the default region.
func (e *Engine) regionFor(c geo.Coordinate) string {
	if len(e.regions) > 0 {
		if r := geo.RegionForPoint(e.regions, c); r != "" {
			return r
		}
	}
	return e.defaultRegion
}

// CalculateSurge derives the clamped, smoothed multiplier from raw
// demand/supply counts. demand=0,supply=0 -> 1.0 (no signal, no surge);
// demand>0,supply=0 -> max (no capacity at all). Exported as the pure
// formula so it is independently testable from the live-data plumbing.
func CalculateSurge(demand, supply int64, min, max, smoothing float64) float64 {
	var m float64
	if supply == 0 {
		if demand == 0 {
			m = min
		} else {
			m = max
		}
	} else {
		ratio := float64(demand) / float64(supply)
		m = 1 + (ratio-1)*smoothing
	}
	if m < min {
		m = min
	}
	if m > max {
		m = max
	}
	return math.Round(m*10) / 10
}

// CalculateSurge computes supply by querying the live presence index for
// drivers within a 2km radius of c, combines it with the cell's demand
// counter, caches the clamped multiplier with TTL, registers the cell in
// its region's active-zone set, and emits surge.updated when the
// multiplier changes. Idempotent w.r.t. retries: the cache write always
// replaces the prior value.
func (e *Engine) CalculateSurge(ctx context.Context, c geo.Coordinate) (Snapshot, error) {
	cellID := geo.CellID(c)
	region := e.regionFor(c)

	var supply int64
	if e.presence != nil {
		drivers, err := e.presence.FindNearby(ctx, c, supplyRadiusKM, supplySampleLimit, "")
		if err != nil {
			log.Printf("surge: supply lookup failed cell=%s err=%v", cellID, err)
		} else {
			supply = int64(len(drivers))
		}
	}

	demand, err := e.readDemand(ctx, cellID)
	if err != nil {
		log.Printf("surge: demand read failed cell=%s err=%v", cellID, err)
	}

	multiplier := CalculateSurge(demand, supply, e.min, e.max, e.smoothing)
	snap := Snapshot{CellID: cellID, Region: region, Multiplier: multiplier, Demand: demand, Supply: supply, UpdatedAt: time.Now()}

	prev, hadPrev := e.readCache(ctx, cellID)
	e.writeCache(ctx, snap)
	e.registerZone(ctx, region, cellID)
	if !hadPrev || prev.Multiplier != snap.Multiplier {
		e.publisher.Publish(ctx, events.TopicSurgeUpdated, cellID, snap)
	}
	return snap, nil
}

// GetSurgeForCell returns the cached entry for a cell if present, else the
// sentinel {multiplier:1.0, supply:0, demand:0}. It never computes.
func (e *Engine) GetSurgeForCell(ctx context.Context, cellID string) (Snapshot, error) {
	if cached, ok := e.readCache(ctx, cellID); ok {
		return cached, nil
	}
	return Snapshot{CellID: cellID, Multiplier: e.min}, nil
}

// GetSurgeForLocation infers the cell for c and returns its cache entry if
// populated, otherwise triggers CalculateSurge to compute and cache one.
func (e *Engine) GetSurgeForLocation(ctx context.Context, c geo.Coordinate) (Snapshot, error) {
	cellID := geo.CellID(c)
	if cached, ok := e.readCache(ctx, cellID); ok {
		return cached, nil
	}
	return e.CalculateSurge(ctx, c)
}

// GetSurgeZonesForRegion returns the cached surge zones registered for
// region, descending by multiplier, filtered to those at or above
// minMultiplier. Only zones with a live cache entry are returned; it does
// not trigger computation.
func (e *Engine) GetSurgeZonesForRegion(ctx context.Context, region string, minMultiplier float64) ([]Snapshot, error) {
	cellIDs, err := e.client.SMembers(ctx, regionZonesKey(region)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	snaps := make([]Snapshot, 0, len(cellIDs))
	for _, cellID := range cellIDs {
		snap, ok := e.readCache(ctx, cellID)
		if !ok || snap.Multiplier < minMultiplier {
			continue
		}
		if snap.Region == "" {
			snap.Region = region
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Multiplier > snaps[j].Multiplier })
	return snaps, nil
}

func (e *Engine) registerZone(ctx context.Context, region, cellID string) {
	if err := e.client.SAdd(ctx, regionZonesKey(region), cellID).Err(); err != nil {
		log.Printf("surge: register zone failed region=%s cell=%s err=%v", region, cellID, err)
	}
}

func (e *Engine) readDemand(ctx context.Context, cellID string) (int64, error) {
	v, err := e.client.Get(ctx, demandKey(cellID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

func (e *Engine) readCache(ctx context.Context, cellID string) (Snapshot, bool) {
	fields, err := e.client.HGetAll(ctx, cacheKey(cellID)).Result()
	if err != nil || len(fields) == 0 {
		return Snapshot{}, false
	}
	multiplier, err1 := strconv.ParseFloat(fields["multiplier"], 64)
	demand, err2 := strconv.ParseInt(fields["demand"], 10, 64)
	supply, err3 := strconv.ParseInt(fields["supply"], 10, 64)
	updatedUnix, err4 := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Snapshot{}, false
	}
	updatedAt := time.Unix(updatedUnix, 0)
	if time.Since(updatedAt) > e.cacheTTL {
		return Snapshot{}, false
	}
	return Snapshot{CellID: cellID, Region: fields["region"], Multiplier: multiplier, Demand: demand, Supply: supply, UpdatedAt: updatedAt}, true
}

func (e *Engine) writeCache(ctx context.Context, snap Snapshot) {
	key := cacheKey(snap.CellID)
	pipe := e.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"multiplier": snap.Multiplier,
		"demand":     snap.Demand,
		"supply":     snap.Supply,
		"region":     snap.Region,
		"updated_at": snap.UpdatedAt.Unix(),
	})
	pipe.Expire(ctx, key, e.cacheTTL*4)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("surge: cache write failed cell=%s err=%v", snap.CellID, err)
	}
}
