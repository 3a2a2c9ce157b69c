// Package main runs a demo WebSocket client for case events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const token = "demo-caller:citizen"

func post(base, path string, body any) (*http.Response, error) {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return http.DefaultClient.Do(req)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Report a case to watch
	resp, err := post(base, "/v1/cases", map[string]any{
		"type":     "medical",
		"location": map[string]float64{"lat": 52.52, "lng": 13.405},
		"notes":    "ws demo",
	})
	if err != nil {
		log.Fatal(err)
	}
	var created struct {
		ID string `json:"id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	_ = resp.Body.Close()
	if err != nil || created.ID == "" {
		log.Fatalf("report failed: status %d: %v", resp.StatusCode, err)
	}
	log.Printf("Case ID: %s", created.ID)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"caseId": created.ID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// The reporter may cancel its own case, which produces one event.
	time.Sleep(500 * time.Millisecond)
	if resp, err := post(base, "/v1/cases/"+created.ID+"/transitions", map[string]string{"event": "cancel", "reason": "demo"}); err == nil {
		_ = resp.Body.Close()
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
