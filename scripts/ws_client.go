// Package main is a demo client: it registers a worker and a zone, reports a sample, triggers a
// polling cycle and prints engine signals from the WebSocket stream.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	worker := "demo-worker"
	client := resty.New().SetBaseURL(fmt.Sprintf("http://localhost:%s", port))

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/signals/stream"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			var v map[string]any
			if json.Unmarshal(msg, &v) == nil {
				log.Printf("signal %v: %s", v["kind"], msg)
			}
		}
	}()

	steps := []struct {
		method, path string
		body         any
	}{
		{"PUT", "/v1/workers/" + worker, map[string]any{"active": true}},
		{"POST", "/v1/geofences", map[string]any{"name": "HQ", "centerLat": 31.5204, "centerLng": 74.3587, "radiusMeters": 100, "zoneType": "office"}},
		{"POST", "/v1/devices/locations", map[string]any{"workerId": worker, "capturedAt": time.Now().UTC(), "latitude": 31.5204, "longitude": 74.3587, "accuracyMeters": 12}},
		{"POST", "/v1/admin/polling/cycle", nil},
	}
	for _, s := range steps {
		resp, err := client.R().SetBody(s.body).Execute(s.method, s.path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("%s %s -> %d", s.method, s.path, resp.StatusCode())
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
}
