package dispatch

import (
	"context"
	"sync"
)

// MemStore is an in-memory Repository, used by tests and by cmd/server
// when no Postgres connection is configured — the same role the
// teacher's Store played before persistence became mandatory.
type MemStore struct {
	mu     sync.RWMutex
	rides  map[string]RideRequest
	offers map[string]DriverOffer
}

// NewMemStore builds an empty in-memory Repository.
func NewMemStore() *MemStore {
	return &MemStore{
		rides:  make(map[string]RideRequest),
		offers: make(map[string]DriverOffer),
	}
}

func (m *MemStore) CreateRideRequest(_ context.Context, ride RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[ride.ID] = ride
	return nil
}

func (m *MemStore) UpdateRideRequest(_ context.Context, ride RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[ride.ID] = ride
	return nil
}

func (m *MemStore) GetRideRequest(_ context.Context, id string) (RideRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	return ride, ok, nil
}

func (m *MemStore) CreateOffer(_ context.Context, offer DriverOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[offer.ID] = offer
	return nil
}

func (m *MemStore) UpdateOffer(_ context.Context, offer DriverOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[offer.ID] = offer
	return nil
}

func (m *MemStore) GetOffer(_ context.Context, id string) (DriverOffer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offer, ok := m.offers[id]
	return offer, ok, nil
}

func (m *MemStore) GetPendingOfferForRide(_ context.Context, rideID string) (DriverOffer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, offer := range m.offers {
		if offer.RideID == rideID && offer.Status == OfferStatusPending {
			return offer, true, nil
		}
	}
	return DriverOffer{}, false, nil
}

func (m *MemStore) ListOffersForRide(_ context.Context, rideID string) ([]DriverOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var offers []DriverOffer
	for _, offer := range m.offers {
		if offer.RideID == rideID {
			offers = append(offers, offer)
		}
	}
	return offers, nil
}
