package dispatch

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans ride/offer state out to every open GET /ws/rides/{id}
// subscriber, and separately tracks which ride each driver is currently
// working so driver location pings can be routed to the right ride's
// subscribers without the caller having to know.
type Hub struct {
	mu         sync.RWMutex
	rideConns  map[string]map[*websocket.Conn]struct{}
	driverRide map[string]string
	register   chan subscription
	unregister chan subscription
}

type subscription struct {
	rideID string
	conn   *websocket.Conn
}

func NewHub() *Hub {
	return &Hub{
		rideConns:  make(map[string]map[*websocket.Conn]struct{}),
		driverRide: make(map[string]string),
		register:   make(chan subscription),
		unregister: make(chan subscription),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if h.rideConns[sub.rideID] == nil {
				h.rideConns[sub.rideID] = make(map[*websocket.Conn]struct{})
			}
			h.rideConns[sub.rideID][sub.conn] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.rideConns[sub.rideID]; ok {
				delete(conns, sub.conn)
				if len(conns) == 0 {
					delete(h.rideConns, sub.rideID)
				}
			}
			h.mu.Unlock()
			sub.conn.Close()
		}
	}
}

func (h *Hub) ServeRide(w http.ResponseWriter, r *http.Request, rideID string) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	h.register <- subscription{rideID: rideID, conn: conn}

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.unregister <- subscription{rideID: rideID, conn: conn}
				return
			}
		}
	}()
}

// PublishRideUpdate broadcasts a ride's state to its subscribers. While
// the ride has an assigned driver and isn't terminal, it also records the
// driver-to-ride association UpdateDriverLocation routes against; once
// the ride goes terminal (or loses its driver, e.g. on decline) the
// association is dropped so stale location pings stop reaching it.
func (h *Hub) PublishRideUpdate(ride RideRequest) {
	h.mu.Lock()
	if ride.DriverID != "" && !ride.Status.Terminal() {
		h.driverRide[ride.DriverID] = ride.ID
	} else {
		for driverID, rideID := range h.driverRide {
			if rideID == ride.ID {
				delete(h.driverRide, driverID)
			}
		}
	}
	h.mu.Unlock()
	h.broadcast(ride.ID, ride)
}

func (h *Hub) PublishOfferUpdate(offer DriverOffer) {
	h.broadcast(offer.RideID, map[string]any{
		"type":  "driver_offer",
		"offer": offer,
	})
}

// UpdateDriverLocation fans a driver's live position out to whichever
// ride's subscribers are currently tracking that driver. A no-op for
// drivers with no active offer or assignment.
func (h *Hub) UpdateDriverLocation(driverID string, lat, lon float64) {
	h.mu.RLock()
	rideID, ok := h.driverRide[driverID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.broadcast(rideID, map[string]any{
		"type":     "driver_location",
		"driverId": driverID,
		"lat":      lat,
		"lon":      lon,
	})
}

func (h *Hub) broadcast(rideID string, payload any) {
	h.mu.RLock()
	conns := h.rideConns[rideID]
	h.mu.RUnlock()
	for conn := range conns {
		if err := conn.WriteJSON(payload); err != nil {
			h.unregister <- subscription{rideID: rideID, conn: conn}
		}
	}
}
