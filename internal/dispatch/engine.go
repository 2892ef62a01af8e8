package dispatch

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/config"
	"github.com/ridecore/dispatch/internal/events"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/presence"
	"github.com/ridecore/dispatch/internal/surge"
)

// EventAppender persists a durable audit trail of ride transitions,
// independent of the fire-and-forget event bus. storage.Postgres
// satisfies it via a thin adapter (cmd/server wires it); tests and
// cmd/server without a database leave it nil.
type EventAppender interface {
	AppendRideEvent(ctx context.Context, rideID, eventType string, payload interface{}) error
}

// Repository persists RideRequests and DriverOffers. internal/storage's
// Postgres-backed store and the in-memory MemStore in this package both
// satisfy it.
type Repository interface {
	CreateRideRequest(ctx context.Context, ride RideRequest) error
	UpdateRideRequest(ctx context.Context, ride RideRequest) error
	GetRideRequest(ctx context.Context, id string) (RideRequest, bool, error)
	CreateOffer(ctx context.Context, offer DriverOffer) error
	UpdateOffer(ctx context.Context, offer DriverOffer) error
	GetOffer(ctx context.Context, id string) (DriverOffer, bool, error)
	GetPendingOfferForRide(ctx context.Context, rideID string) (DriverOffer, bool, error)
	ListOffersForRide(ctx context.Context, rideID string) ([]DriverOffer, error)
}

// Engine is the Dispatch/Matching Engine: it owns the RideRequest/
// DriverOffer state machine, cyclically reconstructed here by id from
// Repository rather than held as live object references.
type Engine struct {
	repo      Repository
	presence  *presence.Index
	surge     *surge.Engine
	publisher events.Publisher
	lock      *RideLock
	offerTTLCache *redis.Client
	eventLog  EventAppender
	hub       *Hub
	cfg       config.Config
}

// NewEngine wires an Engine from its constructed dependencies. Matches the
// teacher's pattern of threading concrete collaborators through main,
// rather than a service locator.
func NewEngine(repo Repository, idx *presence.Index, surgeEngine *surge.Engine, publisher events.Publisher, lock *RideLock, offerCache *redis.Client, cfg config.Config) *Engine {
	if publisher == nil {
		publisher = events.NullPublisher{}
	}
	return &Engine{
		repo:          repo,
		presence:      idx,
		surge:         surgeEngine,
		publisher:     publisher,
		lock:          lock,
		offerTTLCache: offerCache,
		cfg:           cfg,
	}
}

// WithEventLog attaches a durable audit-trail sink. Optional: an Engine
// without one simply skips the audit write.
func (e *Engine) WithEventLog(log EventAppender) *Engine {
	e.eventLog = log
	return e
}

// WithHub attaches the websocket hub so ride/offer mutations broadcast to
// subscribers of GET /ws/rides/{id} as they happen. Optional.
func (e *Engine) WithHub(hub *Hub) *Engine {
	e.hub = hub
	return e
}

func (e *Engine) broadcastRide(ride RideRequest) {
	if e.hub != nil {
		e.hub.PublishRideUpdate(ride)
	}
}

func (e *Engine) broadcastOffer(offer DriverOffer) {
	if e.hub != nil {
		e.hub.PublishOfferUpdate(offer)
	}
}

func (e *Engine) logEvent(ctx context.Context, rideID, eventType string, payload interface{}) {
	if e.eventLog == nil {
		return
	}
	if err := e.eventLog.AppendRideEvent(ctx, rideID, eventType, payload); err != nil {
		log.Printf("dispatch: audit log write failed ride=%s event=%s err=%v", rideID, eventType, err)
	}
}

func offerCacheKey(offerID string) string { return fmt.Sprintf("offer:%s", offerID) }

// CreateRideInput is CreateRideRequest's validated input, per spec §4.3.
type CreateRideInput struct {
	RiderID        string
	Pickup         Coordinate
	Destination    Coordinate
	Tier           string
	PaymentMethod  string
	IdempotencyKey string
}

// round2 rounds a fare amount to cents, matching the estimatedFare formula.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CreateRideRequest records a new ride request and immediately attempts
// to match it, per spec: matching begins as soon as the request exists.
func (e *Engine) CreateRideRequest(ctx context.Context, in CreateRideInput) (RideRequest, error) {
	if !validCoordinate(in.Pickup) || !validCoordinate(in.Destination) {
		return RideRequest{}, NewValidationError("pickup and destination must be valid coordinates")
	}
	if !validTier(in.Tier) {
		return RideRequest{}, NewValidationError("tier must be one of ECONOMY, PREMIUM, XL")
	}
	if !validPaymentMethod(in.PaymentMethod) {
		return RideRequest{}, NewValidationError("paymentMethod must be one of CARD, WALLET, CASH")
	}

	now := time.Now()
	ride := RideRequest{
		ID:             fmt.Sprintf("ride_%d", now.UnixNano()),
		RiderID:        in.RiderID,
		Pickup:         in.Pickup,
		Destination:    in.Destination,
		Tier:           in.Tier,
		PaymentMethod:  in.PaymentMethod,
		Status:         RideStatusPending,
		MaxAttempts:    e.cfg.MaxAttempts,
		IdempotencyKey: in.IdempotencyKey,
		ExpiresAt:      now.Add(e.cfg.RideRequestTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	pickupCell := geo.Coordinate{Lat: in.Pickup.Latitude, Lon: in.Pickup.Longitude}
	distKM := geo.Haversine(pickupCell, geo.Coordinate{Lat: in.Destination.Latitude, Lon: in.Destination.Longitude})

	surgeMultiplier := 1.0
	if e.surge != nil {
		snap, err := e.surge.GetSurgeForLocation(ctx, pickupCell)
		if err == nil {
			surgeMultiplier = snap.Multiplier
		}
		ride.SurgeAtRequest = surgeMultiplier
		if _, err := e.surge.IncrementDemand(ctx, geo.CellID(pickupCell)); err != nil {
			log.Printf("dispatch: demand increment failed ride=%s err=%v", ride.ID, err)
		}
	}
	ride.EstimatedFare = round2((e.cfg.FareBase + e.cfg.FarePerKm*distKM + e.cfg.FarePerMinute*distKM*3) * surgeMultiplier)

	if err := e.repo.CreateRideRequest(ctx, ride); err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: create ride request: %w", err)
	}
	e.publisher.Publish(ctx, events.TopicRideRequested, ride.ID, ride)
	e.logEvent(ctx, ride.ID, string(events.TopicRideRequested), ride)
	e.broadcastRide(ride)

	matched, err := e.MatchNextDriver(ctx, ride.ID)
	if err != nil {
		return matched, err
	}
	return matched, nil
}

// MatchNextDriver looks for the nearest eligible driver not yet offered
// this ride, creates a DriverOffer, and advances the ride to
// DRIVER_OFFERED. If no eligible driver exists it transitions the ride
// to NO_DRIVERS on the first attempt or EXPIRED on a later one; a ride
// whose attempts already reached MaxAttempts is marked EXPIRED without
// a search.
func (e *Engine) MatchNextDriver(ctx context.Context, rideID string) (RideRequest, error) {
	release, ok, err := e.lock.Acquire(ctx, rideID)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: acquire lock: %w", err)
	}
	if !ok {
		return RideRequest{}, newError(KindConflict, "ride is locked by another operation")
	}
	defer release()

	ride, found, err := e.repo.GetRideRequest(ctx, rideID)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: load ride: %w", err)
	}
	if !found {
		return RideRequest{}, ErrRideNotFound
	}
	if ride.Status.Terminal() {
		return ride, ErrRideTerminal
	}
	if ride.Attempts >= ride.MaxAttempts {
		ride.Status = RideStatusExpired
		ride.UpdatedAt = time.Now()
		if err := e.repo.UpdateRideRequest(ctx, ride); err != nil {
			return RideRequest{}, fmt.Errorf("dispatch: update ride: %w", err)
		}
		e.publisher.Publish(ctx, events.TopicRideExpired, rideID, ride)
		e.logEvent(ctx, rideID, string(events.TopicRideExpired), ride)
		e.broadcastRide(ride)
		return ride, nil
	}

	excluded, err := e.previouslyOfferedDrivers(ctx, rideID)
	if err != nil {
		return RideRequest{}, err
	}

	origin := geo.Coordinate{Lat: ride.Pickup.Latitude, Lon: ride.Pickup.Longitude}
	candidates, err := e.presence.FindNearby(ctx, origin, e.cfg.DefaultRadiusKm, len(excluded)+1, ride.Tier)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: find nearby drivers: %w", err)
	}

	var chosen *presence.Record
	var chosenDist float64
	for i := range candidates {
		if _, skip := excluded[candidates[i].DriverID]; skip {
			continue
		}
		chosen = &candidates[i]
		chosenDist = geo.Haversine(origin, geo.Coordinate{Lat: candidates[i].Lat, Lon: candidates[i].Lon})
		break
	}

	ride.Attempts++
	ride.UpdatedAt = time.Now()

	if chosen == nil {
		if ride.Attempts == 1 {
			ride.Status = RideStatusNoDrivers
		} else {
			ride.Status = RideStatusExpired
		}
		if err := e.repo.UpdateRideRequest(ctx, ride); err != nil {
			return RideRequest{}, fmt.Errorf("dispatch: update ride: %w", err)
		}
		e.publisher.Publish(ctx, events.TopicRideExpired, rideID, ride)
		e.logEvent(ctx, rideID, string(events.TopicRideExpired), ride)
		e.broadcastRide(ride)
		return ride, nil
	}

	now := time.Now()
	offer := DriverOffer{
		ID:        fmt.Sprintf("offer_%d", now.UnixNano()),
		RideID:    rideID,
		DriverID:  chosen.DriverID,
		Status:    OfferStatusPending,
		DistKM:    chosenDist,
		ExpiresAt: now.Add(e.cfg.OfferTTL),
		CreatedAt: now,
	}
	if err := e.repo.CreateOffer(ctx, offer); err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: create offer: %w", err)
	}
	if e.offerTTLCache != nil {
		if err := e.offerTTLCache.SetEx(ctx, offerCacheKey(offer.ID), rideID, e.cfg.OfferTTL).Err(); err != nil {
			log.Printf("dispatch: offer cache write failed offer=%s err=%v", offer.ID, err)
		}
	}

	ride.Status = RideStatusDriverOffered
	ride.DriverID = chosen.DriverID
	ride.CurrentOfferID = offer.ID
	if err := e.repo.UpdateRideRequest(ctx, ride); err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: update ride: %w", err)
	}

	e.publisher.Publish(ctx, events.TopicRideMatched, rideID, offer)
	e.logEvent(ctx, rideID, string(events.TopicRideMatched), offer)
	e.broadcastRide(ride)
	e.broadcastOffer(offer)
	return ride, nil
}

// previouslyOfferedDrivers returns the set of drivers already offered
// this ride (declined, expired, or still pending), so reassignment
// never re-offers a driver who has already had a shot at the same
// ride, per spec.
func (e *Engine) previouslyOfferedDrivers(ctx context.Context, rideID string) (map[string]struct{}, error) {
	offers, err := e.repo.ListOffersForRide(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list prior offers: %w", err)
	}
	excluded := make(map[string]struct{}, len(offers))
	for _, o := range offers {
		excluded[o.DriverID] = struct{}{}
	}
	return excluded, nil
}

// HandleDriverResponse records a driver's accept/decline for an offer. On
// accept, the ride moves to ACCEPTED and the fast-lookup offer entry is
// deleted after the accepted event publishes. On decline, the ride is
// re-queued for MatchNextDriver.
func (e *Engine) HandleDriverResponse(ctx context.Context, rideID, offerID string, accept bool) (RideRequest, error) {
	release, ok, err := e.lock.Acquire(ctx, rideID)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: acquire lock: %w", err)
	}
	if !ok {
		return RideRequest{}, newError(KindConflict, "ride is locked by another operation")
	}
	released := false
	defer func() {
		if !released {
			release()
		}
	}()

	offer, found, err := e.repo.GetOffer(ctx, offerID)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: load offer: %w", err)
	}
	if !found {
		return RideRequest{}, ErrOfferNotFound
	}
	if offer.RideID != rideID {
		return RideRequest{}, ErrDriverMismatch
	}
	if offer.Status != OfferStatusPending {
		return RideRequest{}, ErrOfferNotPending
	}
	if time.Now().After(offer.ExpiresAt) {
		return e.expireOfferLocked(ctx, offer)
	}

	ride, found, err := e.repo.GetRideRequest(ctx, rideID)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: load ride: %w", err)
	}
	if !found {
		return RideRequest{}, ErrRideNotFound
	}
	if ride.Status != RideStatusDriverOffered {
		return RideRequest{}, ErrRideTerminal
	}

	now := time.Now()
	offer.RespondedAt = &now

	if accept {
		offer.Status = OfferStatusAccepted
		if err := e.repo.UpdateOffer(ctx, offer); err != nil {
			return RideRequest{}, fmt.Errorf("dispatch: update offer: %w", err)
		}
		ride.Status = RideStatusAccepted
		ride.UpdatedAt = now
		if err := e.repo.UpdateRideRequest(ctx, ride); err != nil {
			return RideRequest{}, fmt.Errorf("dispatch: update ride: %w", err)
		}
		e.publisher.Publish(ctx, events.TopicRideAccepted, rideID, ride)
		e.logEvent(ctx, rideID, string(events.TopicRideAccepted), ride)
		e.broadcastRide(ride)
		e.broadcastOffer(offer)
		if e.offerTTLCache != nil {
			e.offerTTLCache.Del(ctx, offerCacheKey(offer.ID))
		}
		return ride, nil
	}

	offer.Status = OfferStatusDeclined
	if err := e.repo.UpdateOffer(ctx, offer); err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: update offer: %w", err)
	}
	if e.offerTTLCache != nil {
		e.offerTTLCache.Del(ctx, offerCacheKey(offer.ID))
	}
	e.publisher.Publish(ctx, events.TopicRideDeclined, rideID, offer)
	e.logEvent(ctx, rideID, string(events.TopicRideDeclined), offer)
	e.broadcastOffer(offer)

	ride.Status = RideStatusMatching
	ride.DriverID = ""
	ride.CurrentOfferID = ""
	ride.UpdatedAt = now
	if err := e.repo.UpdateRideRequest(ctx, ride); err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: update ride: %w", err)
	}
	e.broadcastRide(ride)
	// MatchNextDriver takes the ride lock itself, so release it first.
	release()
	released = true
	return e.MatchNextDriver(ctx, rideID)
}

// CheckTimeout is the polling entry point for offer expiry: it is safe to
// call repeatedly and concurrently for the same ride, guarded by the
// same per-ride lock HandleDriverResponse uses.
func (e *Engine) CheckTimeout(ctx context.Context, rideID string) (RideRequest, error) {
	release, ok, err := e.lock.Acquire(ctx, rideID)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: acquire lock: %w", err)
	}
	if !ok {
		return RideRequest{}, newError(KindConflict, "ride is locked by another operation")
	}

	offer, found, err := e.repo.GetPendingOfferForRide(ctx, rideID)
	if err != nil {
		release()
		return RideRequest{}, fmt.Errorf("dispatch: load pending offer: %w", err)
	}
	if !found {
		release()
		ride, found, err := e.repo.GetRideRequest(ctx, rideID)
		if err != nil {
			return RideRequest{}, err
		}
		if !found {
			return RideRequest{}, ErrRideNotFound
		}
		return ride, nil
	}
	if time.Now().Before(offer.ExpiresAt) {
		release()
		ride, _, err := e.repo.GetRideRequest(ctx, rideID)
		return ride, err
	}

	ride, err := e.expireOfferLocked(ctx, offer)
	release()
	if err != nil {
		return ride, err
	}
	return e.MatchNextDriver(ctx, rideID)
}

// expireOfferLocked marks offer EXPIRED and requeues the ride for
// rematching. Caller must hold the ride's lock.
func (e *Engine) expireOfferLocked(ctx context.Context, offer DriverOffer) (RideRequest, error) {
	offer.Status = OfferStatusExpired
	if err := e.repo.UpdateOffer(ctx, offer); err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: expire offer: %w", err)
	}
	if e.offerTTLCache != nil {
		e.offerTTLCache.Del(ctx, offerCacheKey(offer.ID))
	}
	e.publisher.Publish(ctx, events.TopicRideExpired, offer.RideID, offer)
	e.logEvent(ctx, offer.RideID, string(events.TopicRideExpired), offer)
	e.broadcastOffer(offer)

	ride, found, err := e.repo.GetRideRequest(ctx, offer.RideID)
	if err != nil {
		return RideRequest{}, err
	}
	if !found {
		return RideRequest{}, ErrRideNotFound
	}
	if ride.Status.Terminal() {
		return ride, nil
	}
	ride.Status = RideStatusMatching
	ride.DriverID = ""
	ride.CurrentOfferID = ""
	ride.UpdatedAt = time.Now()
	if err := e.repo.UpdateRideRequest(ctx, ride); err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: update ride: %w", err)
	}
	e.broadcastRide(ride)
	return ride, nil
}

// GetRideDetails fetches the current state of a ride request, augmented
// with its current offer's driver and status, per spec.
func (e *Engine) GetRideDetails(ctx context.Context, rideID string) (RideDetails, error) {
	ride, found, err := e.repo.GetRideRequest(ctx, rideID)
	if err != nil {
		return RideDetails{}, fmt.Errorf("dispatch: load ride: %w", err)
	}
	if !found {
		return RideDetails{}, ErrRideNotFound
	}
	details := RideDetails{RideRequest: ride}
	if ride.CurrentOfferID != "" {
		if offer, ok, err := e.repo.GetOffer(ctx, ride.CurrentOfferID); err == nil && ok {
			details.OfferDriverID = offer.DriverID
			details.OfferStatus = offer.Status
		}
	}
	return details, nil
}

// CancelRide transitions a ride to CANCELLED from any non-terminal state,
// also expiring any outstanding offer.
func (e *Engine) CancelRide(ctx context.Context, rideID string) (RideRequest, error) {
	release, ok, err := e.lock.Acquire(ctx, rideID)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: acquire lock: %w", err)
	}
	if !ok {
		return RideRequest{}, newError(KindConflict, "ride is locked by another operation")
	}
	defer release()

	ride, found, err := e.repo.GetRideRequest(ctx, rideID)
	if err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: load ride: %w", err)
	}
	if !found {
		return RideRequest{}, ErrRideNotFound
	}
	if ride.Status.Terminal() {
		return RideRequest{}, ErrRideTerminal
	}

	if offer, found, err := e.repo.GetPendingOfferForRide(ctx, rideID); err == nil && found {
		offer.Status = OfferStatusExpired
		_ = e.repo.UpdateOffer(ctx, offer)
		if e.offerTTLCache != nil {
			e.offerTTLCache.Del(ctx, offerCacheKey(offer.ID))
		}
	}

	ride.Status = RideStatusCancelled
	ride.UpdatedAt = time.Now()
	if err := e.repo.UpdateRideRequest(ctx, ride); err != nil {
		return RideRequest{}, fmt.Errorf("dispatch: update ride: %w", err)
	}
	e.broadcastRide(ride)
	return ride, nil
}
