package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ridecore/dispatch/internal/dispatch"
)

// AttachRoutes wires the HTTP surface onto r using handler and hub.
func AttachRoutes(r chi.Router, handler *Handler, hub *dispatch.Hub) {
	r.Use(handler.metricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(JSONLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Idempotency-Key"},
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", handler.Metrics)

	r.Post("/api/drivers/{driverID}/location", handler.UpdateDriverLocation)
	r.Post("/api/drivers/{driverID}/status", handler.UpdateDriverStatus)
	r.Get("/api/drivers/nearby", handler.NearbyDrivers)

	r.Post("/api/rides", handler.RequestRide)
	r.Get("/api/rides/{rideID}", handler.GetRide)
	r.Post("/api/rides/{rideID}/driver-response", handler.RespondToOffer)
	r.Post("/api/rides/{rideID}/check-timeout", handler.CheckTimeout)
	r.Post("/api/rides/{rideID}/cancel", handler.CancelRide)
	r.Get("/api/rides/{rideID}/events", handler.GetRideEvents)

	r.Get("/api/surge", handler.GetSurgeForLocation)

	r.Get("/api/v1/surge/region/{region}", handler.GetSurgeZonesForRegion)
	r.Get("/api/v1/surge/{cell}", handler.GetSurgeForCell)
	r.Post("/api/v1/surge/calculate", handler.CalculateSurge)
	r.Post("/api/v1/surge/demand", handler.IncrementDemand)

	r.Get("/ws/rides/{rideID}", func(w http.ResponseWriter, r *http.Request) {
		rideID := chi.URLParam(r, "rideID")
		if _, err := handler.engine.GetRideDetails(r.Context(), rideID); err != nil {
			respondEngineError(w, err)
			return
		}
		hub.ServeRide(w, r, rideID)
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
