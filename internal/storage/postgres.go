package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridecore/dispatch/internal/dispatch"
)

// DefaultPool builds a pgxpool with the teacher's connection lifetime.
func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Postgres is the durable Repository backing internal/dispatch.Engine,
// generalized from the teacher's rides/drivers pair to the full
// RideRequest/DriverOffer shape.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema applies schema.sql, once per content hash.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return ApplySchema(ctx, pool)
}

func (p *Postgres) CreateRideRequest(ctx context.Context, r dispatch.RideRequest) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO ride_requests (id, rider_id, driver_id, status, pickup_lat, pickup_lon, dest_lat, dest_lon, tier,
	payment_method, attempts, max_attempts, surge_at_request, estimated_fare, current_offer_id, idempotency_key,
	expires_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (id) DO UPDATE SET
	driver_id = EXCLUDED.driver_id,
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	current_offer_id = EXCLUDED.current_offer_id,
	updated_at = EXCLUDED.updated_at
`, r.ID, r.RiderID, nullableString(r.DriverID), r.Status, r.Pickup.Latitude, r.Pickup.Longitude,
		r.Destination.Latitude, r.Destination.Longitude, r.Tier, r.PaymentMethod, r.Attempts, r.MaxAttempts,
		r.SurgeAtRequest, r.EstimatedFare, nullableString(r.CurrentOfferID), nullableString(r.IdempotencyKey),
		r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *Postgres) UpdateRideRequest(ctx context.Context, r dispatch.RideRequest) error {
	_, err := p.pool.Exec(ctx, `
UPDATE ride_requests SET driver_id=$2, status=$3, attempts=$4, surge_at_request=$5, current_offer_id=$6, updated_at=$7
WHERE id=$1
`, r.ID, nullableString(r.DriverID), r.Status, r.Attempts, r.SurgeAtRequest, nullableString(r.CurrentOfferID), r.UpdatedAt)
	return err
}

func (p *Postgres) GetRideRequest(ctx context.Context, id string) (dispatch.RideRequest, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, rider_id, COALESCE(driver_id,''), status, pickup_lat, pickup_lon, dest_lat, dest_lon, tier,
	COALESCE(payment_method,''), attempts, max_attempts, surge_at_request, estimated_fare,
	COALESCE(current_offer_id,''), COALESCE(idempotency_key,''), expires_at, created_at, updated_at
FROM ride_requests WHERE id=$1
`, id)
	var r dispatch.RideRequest
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Status, &r.Pickup.Latitude, &r.Pickup.Longitude,
		&r.Destination.Latitude, &r.Destination.Longitude, &r.Tier, &r.PaymentMethod, &r.Attempts, &r.MaxAttempts,
		&r.SurgeAtRequest, &r.EstimatedFare, &r.CurrentOfferID, &r.IdempotencyKey, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return dispatch.RideRequest{}, false, nil
		}
		return dispatch.RideRequest{}, false, err
	}
	r.Pickup.At = r.CreatedAt
	r.Destination.At = r.CreatedAt
	return r, true, nil
}

func (p *Postgres) CreateOffer(ctx context.Context, o dispatch.DriverOffer) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO driver_offers (id, ride_id, driver_id, status, dist_km, expires_at, created_at, responded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, responded_at = EXCLUDED.responded_at
`, o.ID, o.RideID, o.DriverID, o.Status, o.DistKM, o.ExpiresAt, o.CreatedAt, o.RespondedAt)
	return err
}

func (p *Postgres) UpdateOffer(ctx context.Context, o dispatch.DriverOffer) error {
	_, err := p.pool.Exec(ctx, `
UPDATE driver_offers SET status=$2, responded_at=$3 WHERE id=$1
`, o.ID, o.Status, o.RespondedAt)
	return err
}

func (p *Postgres) GetOffer(ctx context.Context, id string) (dispatch.DriverOffer, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, ride_id, driver_id, status, dist_km, expires_at, created_at, responded_at
FROM driver_offers WHERE id=$1
`, id)
	var o dispatch.DriverOffer
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Status, &o.DistKM, &o.ExpiresAt, &o.CreatedAt, &o.RespondedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return dispatch.DriverOffer{}, false, nil
		}
		return dispatch.DriverOffer{}, false, err
	}
	return o, true, nil
}

func (p *Postgres) GetPendingOfferForRide(ctx context.Context, rideID string) (dispatch.DriverOffer, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, ride_id, driver_id, status, dist_km, expires_at, created_at, responded_at
FROM driver_offers WHERE ride_id=$1 AND status=$2
ORDER BY created_at DESC LIMIT 1
`, rideID, dispatch.OfferStatusPending)
	var o dispatch.DriverOffer
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Status, &o.DistKM, &o.ExpiresAt, &o.CreatedAt, &o.RespondedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return dispatch.DriverOffer{}, false, nil
		}
		return dispatch.DriverOffer{}, false, err
	}
	return o, true, nil
}

func (p *Postgres) ListOffersForRide(ctx context.Context, rideID string) ([]dispatch.DriverOffer, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, ride_id, driver_id, status, dist_km, expires_at, created_at, responded_at
FROM driver_offers WHERE ride_id=$1
`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []dispatch.DriverOffer
	for rows.Next() {
		var o dispatch.DriverOffer
		if err := rows.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Status, &o.DistKM, &o.ExpiresAt, &o.CreatedAt, &o.RespondedAt); err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// UpsertDriverProfile records a driver's registry metadata (tier, rating,
// acceptance rate) used by the optional scoring function.
func (p *Postgres) UpsertDriverProfile(ctx context.Context, driverID, tier string, rating, acceptanceRate float64) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO drivers (id, tier, rating, acceptance_rate)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET tier=EXCLUDED.tier, rating=EXCLUDED.rating, acceptance_rate=EXCLUDED.acceptance_rate
`, driverID, tier, rating, acceptanceRate)
	return err
}

// GetDriverProfile returns a driver's registry metadata, if recorded.
func (p *Postgres) GetDriverProfile(ctx context.Context, driverID string) (tier string, rating, acceptanceRate float64, found bool, err error) {
	row := p.pool.QueryRow(ctx, `SELECT tier, rating, acceptance_rate FROM drivers WHERE id=$1`, driverID)
	err = row.Scan(&tier, &rating, &acceptanceRate)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", 0, 0, false, nil
		}
		return "", 0, 0, false, err
	}
	return tier, rating, acceptanceRate, true, nil
}

// UpsertRiderProfile records a rider's registry metadata.
func (p *Postgres) UpsertRiderProfile(ctx context.Context, riderID, defaultTier string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO riders (id, default_tier)
VALUES ($1,$2)
ON CONFLICT (id) DO UPDATE SET default_tier=EXCLUDED.default_tier
`, riderID, defaultTier)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
