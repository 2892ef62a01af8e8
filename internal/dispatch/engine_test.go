package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/ridecore/dispatch/internal/config"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/presence"
)

func newTestEngine(t *testing.T, offerTTL time.Duration, maxAttempts int) (*Engine, *presence.Index) {
	t.Helper()
	backend := presence.NewInMemoryBackend(geo.NewInMemoryIndex())
	idx := presence.NewIndex(backend, nil, time.Minute)
	lock := NewRideLock(nil, time.Second)
	cfg := config.Config{
		OfferTTL:        offerTTL,
		MaxAttempts:     maxAttempts,
		DefaultRadiusKm: 5,
		RideRequestTTL:  time.Hour,
		FareBase:        2.50,
		FarePerKm:       1.10,
		FarePerMinute:   0.20,
	}
	engine := NewEngine(NewMemStore(), idx, nil, nil, lock, nil, cfg)
	return engine, idx
}

func placeDriver(t *testing.T, idx *presence.Index, driverID string, lat, lon float64, tier string) {
	t.Helper()
	if err := idx.UpdateLocation(context.Background(), driverID, lat, lon, 0, 0, tier); err != nil {
		t.Fatalf("place driver %s: %v", driverID, err)
	}
}

func testRideInput(pickup Coordinate) CreateRideInput {
	return CreateRideInput{
		RiderID:       "rider1",
		Pickup:        pickup,
		Destination:   Coordinate{Latitude: pickup.Latitude + 0.02, Longitude: pickup.Longitude + 0.02},
		Tier:          TierEconomy,
		PaymentMethod: PaymentCard,
	}
}

func TestCreateRideRequest_MatchesNearestDriver(t *testing.T) {
	engine, idx := newTestEngine(t, time.Minute, 3)
	placeDriver(t, idx, "driver1", 40.758, -73.9855, TierEconomy)

	ride, err := engine.CreateRideRequest(context.Background(), testRideInput(Coordinate{Latitude: 40.7581, Longitude: -73.9854}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ride.Status != RideStatusDriverOffered {
		t.Fatalf("expected DRIVER_OFFERED, got %s", ride.Status)
	}
	if ride.DriverID != "driver1" {
		t.Fatalf("expected driver1 offered, got %s", ride.DriverID)
	}
	if ride.CurrentOfferID == "" {
		t.Fatalf("expected CurrentOfferID to be set after a match")
	}
	if ride.EstimatedFare <= 0 {
		t.Fatalf("expected a positive estimated fare, got %v", ride.EstimatedFare)
	}
}

func TestCreateRideRequest_NoDriversNearby(t *testing.T) {
	engine, _ := newTestEngine(t, time.Minute, 1)

	ride, err := engine.CreateRideRequest(context.Background(), testRideInput(Coordinate{Latitude: 40.758, Longitude: -73.9855}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ride.Status != RideStatusNoDrivers {
		t.Fatalf("expected NO_DRIVERS when the first attempt finds no candidates, got %s", ride.Status)
	}
}

func TestCreateRideRequest_RejectsInvalidTier(t *testing.T) {
	engine, _ := newTestEngine(t, time.Minute, 3)

	in := testRideInput(Coordinate{Latitude: 40.758, Longitude: -73.9855})
	in.Tier = "STANDARD"
	if _, err := engine.CreateRideRequest(context.Background(), in); KindOf(err) != KindValidation {
		t.Fatalf("expected VALIDATION_ERROR for an unrecognized tier, got %v", err)
	}
}

func TestCreateRideRequest_RejectsOutOfRangeCoordinate(t *testing.T) {
	engine, _ := newTestEngine(t, time.Minute, 3)

	in := testRideInput(Coordinate{Latitude: 400, Longitude: -73.9855})
	if _, err := engine.CreateRideRequest(context.Background(), in); KindOf(err) != KindValidation {
		t.Fatalf("expected VALIDATION_ERROR for an out-of-range latitude, got %v", err)
	}
}

func TestHandleDriverResponse_Accept(t *testing.T) {
	engine, idx := newTestEngine(t, time.Minute, 3)
	placeDriver(t, idx, "driver1", 40.758, -73.9855, TierEconomy)

	ride, err := engine.CreateRideRequest(context.Background(), testRideInput(Coordinate{Latitude: 40.758, Longitude: -73.9855}))
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	offer, found, err := engine.repo.GetPendingOfferForRide(context.Background(), ride.ID)
	if err != nil || !found {
		t.Fatalf("expected a pending offer, found=%v err=%v", found, err)
	}

	updated, err := engine.HandleDriverResponse(context.Background(), ride.ID, offer.ID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != RideStatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", updated.Status)
	}

	details, err := engine.GetRideDetails(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("get ride details: %v", err)
	}
	if details.OfferDriverID != "driver1" || details.OfferStatus != OfferStatusAccepted {
		t.Fatalf("expected ride details augmented with the accepted offer, got driver=%s status=%s", details.OfferDriverID, details.OfferStatus)
	}
}

func TestHandleDriverResponse_DeclineRematches(t *testing.T) {
	engine, idx := newTestEngine(t, time.Minute, 3)
	placeDriver(t, idx, "driver1", 40.758, -73.9855, TierEconomy)
	placeDriver(t, idx, "driver2", 40.7581, -73.9854, TierEconomy)

	ride, err := engine.CreateRideRequest(context.Background(), testRideInput(Coordinate{Latitude: 40.758, Longitude: -73.9855}))
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	offer, _, err := engine.repo.GetPendingOfferForRide(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("get pending offer: %v", err)
	}

	updated, err := engine.HandleDriverResponse(context.Background(), ride.ID, offer.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != RideStatusDriverOffered && updated.Status != RideStatusNoDrivers && updated.Status != RideStatusMatching {
		t.Fatalf("unexpected status after decline: %s", updated.Status)
	}
	if updated.Attempts < 2 {
		t.Fatalf("expected a second match attempt after decline, attempts=%d", updated.Attempts)
	}
}

func TestCheckTimeout_ExpiresAndRematches(t *testing.T) {
	engine, idx := newTestEngine(t, 5*time.Millisecond, 3)
	placeDriver(t, idx, "driver1", 40.758, -73.9855, TierEconomy)
	placeDriver(t, idx, "driver2", 40.7581, -73.9854, TierEconomy)

	ride, err := engine.CreateRideRequest(context.Background(), testRideInput(Coordinate{Latitude: 40.758, Longitude: -73.9855}))
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	updated, err := engine.CheckTimeout(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Attempts < 2 {
		t.Fatalf("expected rematch attempt after timeout, attempts=%d", updated.Attempts)
	}
}

func TestCancelRide_FromNonTerminalState(t *testing.T) {
	engine, idx := newTestEngine(t, time.Minute, 3)
	placeDriver(t, idx, "driver1", 40.758, -73.9855, TierEconomy)

	ride, err := engine.CreateRideRequest(context.Background(), testRideInput(Coordinate{Latitude: 40.758, Longitude: -73.9855}))
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}

	cancelled, err := engine.CancelRide(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != RideStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	if _, err := engine.CancelRide(context.Background(), ride.ID); KindOf(err) != KindInvalidState {
		t.Fatalf("expected cancelling an already-terminal ride to fail, got %v", err)
	}
}
