package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"emdispatch/internal/store"
)

const heartbeatEvery = 15 * time.Second

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, f http.Flusher, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

// CaseEventsHandler handles GET /v1/cases/{id}/events/stream (SSE)
func (s *Server) CaseEventsHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.viewableCase(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	ch := s.Broker.Subscribe(c.ID)
	defer s.Broker.Unsubscribe(c.ID, ch)

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	// current snapshot first so clients need no separate fetch
	snap, _ := json.Marshal(c)
	writeSSE(w, flusher, "snapshot", snap)

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, flusher, evt.Type, evt.Data)
		case <-ticker.C:
			writeSSE(w, flusher, "heartbeat", []byte(fmt.Sprintf(`{"caseId":%q,"ts":%q}`, c.ID, time.Now().UTC().Format(time.RFC3339))))
		}
	}
}

// LocationStreamHandler handles GET /v1/responders/{id}/location/stream (SSE)
func (s *Server) LocationStreamHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.locationTarget(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	ch, cancel, ok := s.Hub.Watch(id)
	if !ok {
		writeProblem(w, http.StatusServiceUnavailable, "Tracking stopped", "", r.URL.Path)
		return
	}
	defer cancel()

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	if st, ok := s.Hub.State(id); ok {
		b, _ := json.Marshal(st)
		writeSSE(w, flusher, "location", b)
	}
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(st)
			writeSSE(w, flusher, "location", b)
		case <-ticker.C:
			writeSSE(w, flusher, "heartbeat", []byte(`{}`))
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage follows the graphql-transport-ws framing: connection_init,
// subscribe {caseId}, next, error, complete, ping/pong.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribe struct {
	CaseID string `json:"caseId"`
}

// CaseWSHandler handles /v1/ws. Each subscribe message streams one case's events.
func (s *Server) CaseWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	p := principal(r)
	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	fail := func(id, msg string) {
		payload, _ := json.Marshal([]map[string]string{{"message": msg}})
		_ = write(wsMessage{Type: "error", ID: id, Payload: payload})
	}

	type sub struct {
		caseID string
		ch     chan SSEEvent
	}
	subs := map[string]sub{}
	done := make(chan struct{})
	defer close(done)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl wsSubscribe
			if err := json.Unmarshal(msg.Payload, &pl); err != nil || pl.CaseID == "" {
				fail(msg.ID, "caseId required")
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				fail(msg.ID, "subscription id already in use")
				continue
			}
			c, err := s.Store.GetCase(r.Context(), pl.CaseID)
			if err != nil || !canViewCase(p, c) {
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					s.Log.Warn("ws case lookup failed", zap.String("caseId", pl.CaseID), zap.Error(err))
				}
				fail(msg.ID, "case not found")
				continue
			}
			ch := s.Broker.Subscribe(c.ID)
			subs[msg.ID] = sub{caseID: c.ID, ch: ch}
			go func(id string, ch chan SSEEvent) {
				for evt := range ch {
					payload, _ := json.Marshal(map[string]any{"data": map[string]any{"caseEvents": evt}})
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(s0.caseID, s0.ch)
				delete(subs, msg.ID)
			}
		}
	}
	for id, s0 := range subs {
		s.Broker.Unsubscribe(s0.caseID, s0.ch)
		delete(subs, id)
	}
}
