// Package main runs a demo client for the optimization progress stream.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const demoRequest = `{
  "planDate": "2026-03-02",
  "strategy": "balanced",
  "timeLimitSeconds": 5,
  "depot": {"id": "DC1", "location": {"lat": 52.52, "lng": 13.40}},
  "vehicles": [
    {"id": "V1", "capacityKg": 80, "capacityM3": 4, "hasRefrigeration": true, "temperatureMin": 2, "temperatureMax": 8},
    {"id": "V2", "capacityKg": 80, "capacityM3": 4}
  ],
  "shipments": [
    {"id": "S1", "location": {"lat": 52.53, "lng": 13.41}, "weightKg": 5, "volumeM3": 0.1, "requiresColdChain": true, "temperatureMin": 2, "temperatureMax": 8},
    {"id": "S2", "location": {"lat": 52.51, "lng": 13.42}, "weightKg": 5, "volumeM3": 0.1, "clinicalPriority": 1},
    {"id": "S3", "location": {"lat": 52.54, "lng": 13.38}, "weightKg": 5, "volumeM3": 0.1},
    {"id": "S4", "location": {"lat": 52.49, "lng": 13.36}, "weightKg": 5, "volumeM3": 0.1, "timeWindow": {"start": 540, "end": 660}}
  ]
}`

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/optimize/stream"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", "dispatcher")
	if tok := os.Getenv("MEDROUTE_TOKEN"); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteMessage(websocket.TextMessage, []byte(demoRequest)); err != nil {
		log.Fatal(err)
	}
	for {
		_ = c.SetReadDeadline(time.Now().Add(time.Minute))
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			log.Fatalf("read: %v", err)
		}
		log.Printf("WS <- %s: %s", m.Type, string(m.Data))
		if m.Type == "result" || m.Type == "error" {
			return
		}
	}
}
