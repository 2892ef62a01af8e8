package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type rideRequestPayload struct {
	RiderID       string  `json:"riderId"`
	PickupLat     float64 `json:"pickupLat"`
	PickupLon     float64 `json:"pickupLon"`
	DestLat       float64 `json:"destLat"`
	DestLon       float64 `json:"destLon"`
	Tier          string  `json:"tier,omitempty"`
	PaymentMethod string  `json:"paymentMethod,omitempty"`
}

type rideResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	DriverID string `json:"driverId"`
}

type driverResponsePayload struct {
	OfferID string `json:"offerId"`
	Accept  bool   `json:"accept"`
}

func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	riderID := flag.String("rider-id", "sim_rider_1", "rider id")
	driverID := flag.String("driver-id", "sim_driver_1", "driver id whose heartbeat was seeded nearby")
	tier := flag.String("tier", "ECONOMY", "ride tier (ECONOMY, PREMIUM, XL)")
	payment := flag.String("payment", "CARD", "payment method (CARD, WALLET, CASH)")
	lat := flag.Float64("lat", 40.758, "pickup latitude")
	lon := flag.Float64("lon", -73.9855, "pickup longitude")
	destLat := flag.Float64("dest-lat", 40.778, "destination latitude")
	destLon := flag.Float64("dest-lon", -73.9655, "destination longitude")
	poll := flag.Duration("poll-interval", 500*time.Millisecond, "how often to poll for a driver offer")
	pollFor := flag.Duration("poll-for", 10*time.Second, "how long to wait for a driver offer before giving up")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	ride, err := requestRide(client, *api, rideRequestPayload{
		RiderID:       *riderID,
		PickupLat:     *lat,
		PickupLon:     *lon,
		DestLat:       *destLat,
		DestLon:       *destLon,
		Tier:          *tier,
		PaymentMethod: *payment,
	})
	if err != nil {
		log.Fatalf("ride request failed: %v", err)
	}
	log.Printf("ride requested: id=%s status=%s", ride.ID, ride.Status)

	deadline := time.Now().Add(*pollFor)
	for ride.Status != "DRIVER_OFFERED" && time.Now().Before(deadline) {
		time.Sleep(*poll)
		ride, err = getRide(client, *api, ride.ID)
		if err != nil {
			log.Fatalf("poll ride failed: %v", err)
		}
	}
	if ride.Status != "DRIVER_OFFERED" {
		log.Fatalf("no driver offered within %s, last status=%s", *pollFor, ride.Status)
	}
	log.Printf("driver offered: %s", ride.DriverID)

	offerID, err := findPendingOffer(client, *api, ride.ID)
	if err != nil {
		log.Fatalf("could not locate offer id: %v", err)
	}
	if err := respondToOffer(client, *api, ride.ID, offerID, true); err != nil {
		log.Fatalf("driver response failed: %v", err)
	}
	log.Printf("ride %s accepted by %s", ride.ID, *driverID)
}

func requestRide(client *http.Client, api string, payload rideRequestPayload) (rideResponse, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/api/rides", api), bytes.NewBuffer(body))
	if err != nil {
		return rideResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("simulate-%d", time.Now().UnixNano()))
	return doRideRequest(client, req)
}

func getRide(client *http.Client, api, rideID string) (rideResponse, error) {
	req, err := http.NewRequest("GET", fmt.Sprintf("%s/api/rides/%s", api, rideID), nil)
	if err != nil {
		return rideResponse{}, err
	}
	return doRideRequest(client, req)
}

func doRideRequest(client *http.Client, req *http.Request) (rideResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return rideResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return rideResponse{}, fmt.Errorf("status %s", resp.Status)
	}
	var ride rideResponse
	if err := json.NewDecoder(resp.Body).Decode(&ride); err != nil {
		return rideResponse{}, err
	}
	return ride, nil
}

// findPendingOffer reads the ride's audit trail for its most recent
// ride.matched event to recover the offer id the simulator needs to
// respond to; rideResponse does not decode the ride's currentOfferId.
func findPendingOffer(client *http.Client, api, rideID string) (string, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/rides/%s/events?limit=50", api, rideID))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var body struct {
		Events []struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	for i := len(body.Events) - 1; i >= 0; i-- {
		if body.Events[i].Type != "ride.matched" {
			continue
		}
		var offer struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body.Events[i].Payload, &offer); err == nil && offer.ID != "" {
			return offer.ID, nil
		}
	}
	return "", fmt.Errorf("no ride.matched event found for %s", rideID)
}

func respondToOffer(client *http.Client, api, rideID, offerID string, accept bool) error {
	body, _ := json.Marshal(driverResponsePayload{OfferID: offerID, Accept: accept})
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/api/rides/%s/driver-response", api, rideID), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("driver-response status: %s", resp.Status)
	}
	return nil
}

func init() {
	log.SetOutput(os.Stdout)
}
