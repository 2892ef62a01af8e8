package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/api"
	"github.com/ridecore/dispatch/internal/config"
	"github.com/ridecore/dispatch/internal/dispatch"
	"github.com/ridecore/dispatch/internal/events"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/idempotency"
	"github.com/ridecore/dispatch/internal/presence"
	"github.com/ridecore/dispatch/internal/storage"
	"github.com/ridecore/dispatch/internal/surge"
)

func main() {
	addr := envOrDefault("HTTP_ADDR", ":8080")
	env := envOrDefault("ENV", "dev")
	cfg := config.Default()

	redisClient := mustRedis(env)
	repo, idemStore, eventLog, dbPing := initPersistence(env)
	publisher := initEventBus()

	var backend presence.Backend
	if redisClient != nil {
		backend = adaptRedisBackend(geo.NewRedisIndex(redisClient, "geo:drivers"))
	} else {
		backend = presence.NewInMemoryBackend(geo.NewInMemoryIndex())
	}
	presenceIdx := presence.NewIndex(backend, redisClient, cfg.PresenceTTL)

	surgeEngine := surge.NewEngine(redisClient, presenceIdx, publisher, surge.Config{
		CacheTTL:   cfg.SurgeCacheTTL,
		CounterTTL: cfg.DemandCounterTTL,
		Min:        cfg.SurgeMin,
		Max:        cfg.SurgeMax,
		Smoothing:  cfg.SurgeSmoothing,
	})

	lock := dispatch.NewRideLock(redisClient, cfg.RideLockTTL)
	engine := dispatch.NewEngine(repo, presenceIdx, surgeEngine, publisher, lock, redisClient, cfg)
	if eventLog != nil {
		engine = engine.WithEventLog(rideEventAdapter{log: eventLog})
	}

	hub := dispatch.NewHub()
	go hub.Run()
	engine = engine.WithHub(hub)
	go startTimeoutSweeper(engine, cfg.OfferTTL)

	handler := api.NewHandler(engine, presenceIdx, surgeEngine, hub, eventLog, idemStore, cfg.IdempotencyTTL)

	r := chi.NewRouter()
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), cfg.IntakeDeadline)
		defer cancel()
		if dbPing != nil {
			if err := dbPing(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	api.AttachRoutes(r, handler, hub)

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("dispatch core listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func mustRedis(env string) *redis.Client {
	redisURL := envOrDefault("REDIS_URL", "redis://redis:6379")
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("redis URL parse error: %v", err)
		if env == "prod" {
			log.Fatal("REDIS_URL must be valid in prod")
		}
		return nil
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("redis unreachable, falling back to in-memory presence: %v", err)
		if env == "prod" {
			log.Fatal("redis reachable required in prod")
		}
		return nil
	}
	log.Printf("using Redis presence/surge backend")
	return client
}

func initPersistence(env string) (dispatch.Repository, idempotency.Store, storage.EventLogger, func(context.Context) error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Printf("DATABASE_URL not set, using in-memory repository")
		if env == "prod" {
			log.Fatal("DATABASE_URL required in prod")
		}
		return dispatch.NewMemStore(), idempotency.NewInMemoryStore(), nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := storage.DefaultPool(ctx, dbURL)
	if err != nil {
		log.Printf("database connection failed, falling back to in-memory: %v", err)
		if env == "prod" {
			log.Fatal("database connection required in prod")
		}
		return dispatch.NewMemStore(), idempotency.NewInMemoryStore(), nil, nil
	}
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		log.Printf("schema init failed: %v", err)
		if env == "prod" {
			log.Fatal("schema init required in prod")
		}
		return dispatch.NewMemStore(), idempotency.NewInMemoryStore(), nil, nil
	}

	pg := storage.NewPostgres(pool)
	idemStore := idempotency.NewPostgresStore(pool)
	if err := idemStore.EnsureSchema(ctx); err != nil {
		log.Printf("idempotency schema init failed: %v", err)
	}
	log.Printf("using PostgreSQL persistence")
	return pg, idemStore, pg, pool.Ping
}

func initEventBus() events.Publisher {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		log.Printf("KAFKA_BROKERS not set, events will be discarded")
		return events.NullPublisher{}
	}
	return events.NewBus(strings.Split(brokers, ","))
}

func startTimeoutSweeper(engine *dispatch.Engine, _ time.Duration) {
	_ = engine
	// CheckTimeout runs only when POST /api/rides/{id}/check-timeout is
	// called; no per-offer timer is started anywhere, and this function
	// returns without sweeping anything.
}

// rideEventAdapter satisfies dispatch.EventAppender over storage.EventLogger,
// translating the engine's loosely-typed payload into a JSON audit row.
type rideEventAdapter struct{ log storage.EventLogger }

func (a rideEventAdapter) AppendRideEvent(ctx context.Context, rideID, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.log.AppendRideEvent(ctx, storage.RideEvent{
		RideID:    rideID,
		Type:      eventType,
		Payload:   body,
		CreatedAt: time.Now(),
	})
}

type redisBackend struct{ idx *geo.RedisIndex }

func adaptRedisBackend(idx *geo.RedisIndex) presence.Backend { return redisBackend{idx: idx} }

func (b redisBackend) Upsert(ctx context.Context, id string, c geo.Coordinate) error {
	return b.idx.Upsert(ctx, id, c)
}
func (b redisBackend) Remove(ctx context.Context, id string) error { return b.idx.Remove(ctx, id) }
func (b redisBackend) Query(ctx context.Context, origin geo.Coordinate, radiusKM float64, limit int) ([]geo.Candidate, error) {
	return b.idx.Query(ctx, origin, radiusKM, limit)
}
