package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ridecore/dispatch/internal/dispatch"
	"github.com/ridecore/dispatch/internal/geo"
	"github.com/ridecore/dispatch/internal/idempotency"
	"github.com/ridecore/dispatch/internal/presence"
	"github.com/ridecore/dispatch/internal/storage"
	"github.com/ridecore/dispatch/internal/surge"
)

// Handler holds the wired collaborators and atomic counters the HTTP
// surface is built on, the same shape the teacher's Handler used.
type Handler struct {
	engine   *dispatch.Engine
	presence *presence.Index
	surge    *surge.Engine
	hub      *dispatch.Hub
	events   storage.EventLogger
	idem     idempotency.Store
	idemTTL  time.Duration

	startTime      time.Time
	reqCount       int64
	reqErrors      int64
	reqLatencyNS   int64
	rideStarts     int64
	rideAccepts    int64
	rideDeclines   int64
	rideCancels    int64
	matchBuckets   bucketCounter
	acceptBuckets  bucketCounter
	matchCount     int64
	matchSumNS     int64
}

// NewHandler wires a Handler from its constructed collaborators.
func NewHandler(engine *dispatch.Engine, idx *presence.Index, surgeEngine *surge.Engine, hub *dispatch.Hub, events storage.EventLogger, idem idempotency.Store, idemTTL time.Duration) *Handler {
	return &Handler{
		engine:   engine,
		presence: idx,
		surge:    surgeEngine,
		hub:      hub,
		events:   events,
		idem:     idem,
		idemTTL:  idemTTL,
		startTime: time.Now(),
		matchBuckets:  newBucketCounter(map[float64]int64{1: 0, 5: 0, 15: 0, 30: 0, 60: 0}),
		acceptBuckets: newBucketCounter(map[float64]int64{1: 0, 5: 0, 15: 0}),
	}
}

type driverLocationPayload struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	HeadingDeg float64 `json:"headingDeg,omitempty"`
	SpeedKmh   float64 `json:"speedKmh,omitempty"`
	Tier       string  `json:"tier,omitempty"`
}

// UpdateDriverLocation handles POST /api/drivers/{driverID}/location.
func (h *Handler) UpdateDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	var payload driverLocationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.presence.UpdateLocation(r.Context(), driverID, payload.Latitude, payload.Longitude, payload.HeadingDeg, payload.SpeedKmh, payload.Tier); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if h.hub != nil {
		h.hub.UpdateDriverLocation(driverID, payload.Latitude, payload.Longitude)
	}
	rec, _ := h.presence.GetLocation(driverID)
	respondJSON(w, http.StatusOK, rec)
}

type driverStatusPayload struct {
	Status string `json:"status"`
}

// UpdateDriverStatus handles POST /api/drivers/{driverID}/status.
func (h *Handler) UpdateDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	var payload driverStatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.presence.SetStatus(r.Context(), driverID, presence.Status(payload.Status)); err != nil {
		if err == presence.ErrNotPresent {
			respondError(w, http.StatusNotFound, "driver not present")
			return
		}
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": payload.Status})
}

// NearbyDrivers handles GET /api/drivers/nearby.
func (h *Handler) NearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := parseFloatParam(q.Get("lat"))
	lon, err2 := parseFloatParam(q.Get("lon"))
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, "invalid lat/lon")
		return
	}
	radius := 5.0
	if raw := q.Get("radiusKm"); raw != "" {
		v, err := parseFloatParam(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "radiusKm must be a number")
			return
		}
		radius = v
	}
	if radius <= 0.1 || radius > 50 {
		respondError(w, http.StatusBadRequest, "radiusKm must be in (0.1, 50]")
		return
	}
	limit := 20
	if raw := q.Get("limit"); raw != "" {
		v, err := parseFloatParam(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = int(v)
	}
	if limit < 1 || limit > 50 {
		respondError(w, http.StatusBadRequest, "limit must be in [1, 50]")
		return
	}
	records, err := h.presence.FindNearby(r.Context(), geo.Coordinate{Lat: lat, Lon: lon}, radius, limit, q.Get("tier"))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"drivers": records})
}

type rideRequestPayload struct {
	RiderID       string  `json:"riderId"`
	PickupLat     float64 `json:"pickupLat"`
	PickupLon     float64 `json:"pickupLon"`
	DestLat       float64 `json:"destLat"`
	DestLon       float64 `json:"destLon"`
	Tier          string  `json:"tier,omitempty"`
	PaymentMethod string  `json:"paymentMethod,omitempty"`
}

// RequestRide handles POST /api/rides. The Idempotency-Key header is
// required and governs new/replay/conflict arbitration per the
// idempotency package.
func (h *Handler) RequestRide(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		respondEngineError(w, dispatch.ErrMissingIdempotencyKey)
		return
	}

	var payload rideRequestPayload
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if h.idem != nil {
		hash, err := idempotency.HashRequest(payload)
		if err == nil {
			outcome, cached, err := idempotency.Arbitrate(r.Context(), h.idem, key, hash)
			if err == nil {
				switch outcome {
				case idempotency.Replay:
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusOK)
					w.Write(cached)
					return
				case idempotency.Conflict:
					respondError(w, http.StatusConflict, "idempotency key reused with a different request body")
					return
				}
			}
		}
	}

	now := time.Now()
	ride, err := h.engine.CreateRideRequest(r.Context(), dispatch.CreateRideInput{
		RiderID:       payload.RiderID,
		Pickup:        dispatch.Coordinate{Latitude: payload.PickupLat, Longitude: payload.PickupLon, At: now},
		Destination:   dispatch.Coordinate{Latitude: payload.DestLat, Longitude: payload.DestLon, At: now},
		Tier:          payload.Tier,
		PaymentMethod: payload.PaymentMethod,
		IdempotencyKey: key,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}

	if h.idem != nil {
		if hash, err := idempotency.HashRequest(payload); err == nil {
			_ = idempotency.Remember(r.Context(), h.idem, key, hash, ride, h.idemTTL)
		}
	}

	atomic.AddInt64(&h.rideStarts, 1)
	if ride.Status == dispatch.RideStatusDriverOffered {
		atomic.AddInt64(&h.matchCount, 1)
	}
	respondJSON(w, http.StatusAccepted, ride)
}

// GetRide handles GET /api/rides/{rideID}.
func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	ride, err := h.engine.GetRideDetails(r.Context(), rideID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

type driverResponsePayload struct {
	OfferID string `json:"offerId"`
	Accept  bool   `json:"accept"`
}

// RespondToOffer handles POST /api/rides/{rideID}/driver-response.
func (h *Handler) RespondToOffer(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	var payload driverResponsePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	ride, err := h.engine.HandleDriverResponse(r.Context(), rideID, payload.OfferID, payload.Accept)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if payload.Accept {
		atomic.AddInt64(&h.rideAccepts, 1)
	} else {
		atomic.AddInt64(&h.rideDeclines, 1)
	}
	respondJSON(w, http.StatusOK, ride)
}

// CheckTimeout handles POST /api/rides/{rideID}/check-timeout.
func (h *Handler) CheckTimeout(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	ride, err := h.engine.CheckTimeout(r.Context(), rideID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

// CancelRide handles POST /api/rides/{rideID}/cancel.
func (h *Handler) CancelRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	ride, err := h.engine.CancelRide(r.Context(), rideID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	atomic.AddInt64(&h.rideCancels, 1)
	respondJSON(w, http.StatusOK, ride)
}

// GetRideEvents handles GET /api/rides/{rideID}/events, returning the
// durable audit trail independent of the event bus. Returns an empty
// list when no event logger is wired (in-memory dev mode).
func (h *Handler) GetRideEvents(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideID")
	if h.events == nil {
		respondJSON(w, http.StatusOK, map[string]any{"events": []storage.RideEvent{}})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := parseFloatParam(raw); err == nil {
			limit = int(v)
		}
	}
	events, err := h.events.ListRideEvents(r.Context(), rideID, limit, 0)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// GetSurgeForLocation handles GET /api/surge.
func (h *Handler) GetSurgeForLocation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := parseFloatParam(q.Get("lat"))
	lon, err2 := parseFloatParam(q.Get("lon"))
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, "invalid lat/lon")
		return
	}
	snap, err := h.surge.GetSurgeForLocation(r.Context(), geo.Coordinate{Lat: lat, Lon: lon})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetSurgeForCell handles GET /api/v1/surge/{cell}: the cached multiplier
// for a cell id, or the {1.0,0,0} sentinel if nothing is cached yet. Never
// triggers a computation.
func (h *Handler) GetSurgeForCell(w http.ResponseWriter, r *http.Request) {
	cellID := chi.URLParam(r, "cell")
	snap, err := h.surge.GetSurgeForCell(r.Context(), cellID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type surgeCoordinatePayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CalculateSurge handles POST /api/v1/surge/calculate: forces a live
// recomputation of supply/demand for the cell containing the given point.
func (h *Handler) CalculateSurge(w http.ResponseWriter, r *http.Request) {
	var payload surgeCoordinatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	snap, err := h.surge.CalculateSurge(r.Context(), geo.Coordinate{Lat: payload.Lat, Lon: payload.Lon})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetSurgeZonesForRegion handles GET /api/v1/surge/region/{region}: cached
// zones for the region, descending by multiplier, filtered to
// minMultiplier (default 1.0).
func (h *Handler) GetSurgeZonesForRegion(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	minMultiplier := 1.0
	if raw := r.URL.Query().Get("minMultiplier"); raw != "" {
		if v, err := parseFloatParam(raw); err == nil {
			minMultiplier = v
		}
	}
	zones, err := h.surge.GetSurgeZonesForRegion(r.Context(), region, minMultiplier)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"zones": zones})
}

// IncrementDemand handles POST /api/v1/surge/demand: records one unit of
// demand signal (e.g. a ride request or a rider opening the app) for the
// cell containing the given point.
func (h *Handler) IncrementDemand(w http.ResponseWriter, r *http.Request) {
	var payload surgeCoordinatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	cellID := geo.CellID(geo.Coordinate{Lat: payload.Lat, Lon: payload.Lon})
	count, err := h.surge.IncrementDemand(r.Context(), cellID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cellId": cellID, "demand": count})
}

func respondEngineError(w http.ResponseWriter, err error) {
	switch dispatch.KindOf(err) {
	case dispatch.KindNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case dispatch.KindInvalidState, dispatch.KindOfferExpired:
		respondError(w, http.StatusConflict, err.Error())
	case dispatch.KindConflict:
		respondError(w, http.StatusConflict, err.Error())
	case dispatch.KindNoDriversNearby:
		respondJSON(w, http.StatusOK, map[string]string{"status": string(dispatch.RideStatusNoDrivers)})
	case dispatch.KindValidation:
		respondError(w, http.StatusBadRequest, err.Error())
	case dispatch.KindMissingIdempotencyKey:
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func parseFloatParam(raw string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(raw, "%f", &f)
	return f, err
}

// Metrics handles GET /metrics in the teacher's plain-text exposition
// format.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "dispatch_ride_starts %d\n", atomic.LoadInt64(&h.rideStarts))
	fmt.Fprintf(w, "dispatch_ride_accepts %d\n", atomic.LoadInt64(&h.rideAccepts))
	fmt.Fprintf(w, "dispatch_ride_declines %d\n", atomic.LoadInt64(&h.rideDeclines))
	fmt.Fprintf(w, "dispatch_ride_cancels %d\n", atomic.LoadInt64(&h.rideCancels))
	fmt.Fprintf(w, "dispatch_match_count %d\n", atomic.LoadInt64(&h.matchCount))
	fmt.Fprintf(w, "dispatch_uptime_seconds %.0f\n", time.Since(h.startTime).Seconds())
	fmt.Fprintf(w, "dispatch_requests_total %d\n", atomic.LoadInt64(&h.reqCount))
	fmt.Fprintf(w, "dispatch_request_errors_total %d\n", atomic.LoadInt64(&h.reqErrors))
	fmt.Fprintf(w, "dispatch_request_latency_seconds_total %.6f\n", float64(atomic.LoadInt64(&h.reqLatencyNS))/1e9)
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Fprintf(w, "dispatch_mem_alloc_bytes %d\n", m.Alloc)
	fmt.Fprintf(w, "dispatch_goroutines %d\n", runtime.NumGoroutine())
	for le, count := range h.matchBuckets.snapshot() {
		fmt.Fprintf(w, "dispatch_match_latency_seconds_bucket{le=\"%.0f\"} %d\n", le, count)
	}
}

// metricsMiddleware captures basic per-request counters.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		atomic.AddInt64(&h.reqCount, 1)
		if rec.status >= 400 {
			atomic.AddInt64(&h.reqErrors, 1)
		}
		atomic.AddInt64(&h.reqLatencyNS, time.Since(start).Nanoseconds())
	})
}
