package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	api := envOrDefault("API_BASE", "http://localhost:8080")
	wsBase := envOrDefault("WS_BASE", "ws://localhost:8080")

	fmt.Println("Seeding driver/rider profiles...")
	if err := runCmd("go", "run", "./cmd/seed"); err != nil {
		log.Fatalf("seed failed: %v", err)
	}

	fmt.Println("Sending driver heartbeat...")
	if err := postJSON(api+"/api/drivers/sim_driver_1/location", map[string]any{
		"latitude":  40.758,
		"longitude": -73.9855,
		"tier":      "ECONOMY",
	}); err != nil {
		log.Fatalf("heartbeat failed: %v", err)
	}
	if err := postJSON(api+"/api/drivers/sim_driver_1/status", map[string]any{
		"status": "ONLINE",
	}); err != nil {
		log.Fatalf("driver status failed: %v", err)
	}

	fmt.Println("Requesting ride...")
	idemKey := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	rideID, err := requestRide(api, idemKey, map[string]any{
		"riderId":       "sim_rider_1",
		"pickupLat":     40.758,
		"pickupLon":     -73.9855,
		"destLat":       40.778,
		"destLon":       -73.9655,
		"tier":          "ECONOMY",
		"paymentMethod": "CARD",
	})
	if err != nil {
		log.Fatalf("request ride failed: %v", err)
	}
	fmt.Printf("Ride ID: %s\n", rideID)

	events := make(chan map[string]any, 5)
	go subscribeWS(wsBase, rideID, events)

	offerID, err := waitForOffer(api, rideID, 8*time.Second)
	if err != nil {
		log.Fatalf("waiting for driver offer failed: %v", err)
	}
	fmt.Printf("Offer ID: %s\n", offerID)

	fmt.Println("Accepting ride...")
	if err := postJSON(fmt.Sprintf("%s/api/rides/%s/driver-response", api, rideID), map[string]any{
		"offerId": offerID,
		"accept":  true,
	}); err != nil {
		log.Fatalf("driver response failed: %v", err)
	}

	waitForStatus(events, "ACCEPTED", rideID)

	fmt.Println("Smoke test complete.")
}

func requestRide(api, idempotencyKey string, payload map[string]any) (string, error) {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", api+"/api/rides", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	var res map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	id, _ := res["id"].(string)
	if id == "" {
		return "", fmt.Errorf("ride id missing")
	}
	return id, nil
}

func waitForOffer(api, rideID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/api/rides/%s/events?limit=50", api, rideID))
		if err == nil {
			var body struct {
				Events []struct {
					Type    string          `json:"type"`
					Payload json.RawMessage `json:"payload"`
				} `json:"events"`
			}
			if json.NewDecoder(resp.Body).Decode(&body) == nil {
				for i := len(body.Events) - 1; i >= 0; i-- {
					if body.Events[i].Type != "ride.matched" {
						continue
					}
					var offer struct {
						ID string `json:"id"`
					}
					if json.Unmarshal(body.Events[i].Payload, &offer) == nil && offer.ID != "" {
						resp.Body.Close()
						return offer.ID, nil
					}
				}
			}
			resp.Body.Close()
		}
		time.Sleep(300 * time.Millisecond)
	}
	return "", fmt.Errorf("no ride.matched event within %s", timeout)
}

func postJSON(url string, payload map[string]any) error {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "DATABASE_URL="+envOrDefault("DATABASE_URL", ""))
	return cmd.Run()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func subscribeWS(base, rideID string, sink chan<- map[string]any) {
	u := fmt.Sprintf("%s/ws/rides/%s", base, rideID)
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		log.Printf("ws dial failed: %v", err)
		return
	}
	defer c.Close()
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			continue
		}
		sink <- payload
	}
}

func waitForStatus(events <-chan map[string]any, expect, rideID string) {
	timeout := time.After(8 * time.Second)
	for {
		select {
		case msg := <-events:
			status, _ := msg["status"].(string)
			if status == "" {
				continue
			}
			if id, ok := msg["id"].(string); ok && id != "" && rideID != "" && id != rideID {
				continue
			}
			fmt.Printf("WS update received: %v\n", msg)
			if status == expect {
				return
			}
		case <-timeout:
			log.Fatalf("expected ws status %q not received", expect)
		}
	}
}
