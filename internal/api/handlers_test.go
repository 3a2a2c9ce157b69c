package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emdispatch/internal/auth"
	"emdispatch/internal/dispatch"
	"emdispatch/internal/lifecycle"
	"emdispatch/internal/model"
	"emdispatch/internal/store"
	"emdispatch/internal/tracking"
)

const (
	adminTok   = "ops:admin"
	callerTok  = "caller-1:citizen"
	crewATok   = "crew-a:ambulance:A"
	crewBTok   = "crew-b:ambulance:B"
	strangeTok = "caller-2:citizen"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *store.Memory
	hub     *tracking.Hub
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st := store.NewMemory()
	broker := NewBroker()
	cases := lifecycle.NewService(st, dispatch.NewResolver(dispatch.DefaultConfig(), nil), lifecycle.Config{}, nil, broker)
	hub := tracking.NewHub(tracking.Config{Timeout: 50 * time.Millisecond}, cases, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		hub.Close()
	})
	srv := NewServer(st, cases, hub, auth.NewVerifier(auth.Config{Mode: "dev"}), broker, nil, opts)
	return &testEnv{srv: srv, handler: srv.Routes(), store: st, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (e *testEnv) putResponder(t *testing.T, id string, body map[string]any) {
	t.Helper()
	rr := e.do(t, http.MethodPut, "/v1/responders/"+id, adminTok, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func (e *testEnv) reportCase(t *testing.T, token string, typ string, lat, lng float64) model.EmergencyCase {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/cases", token, map[string]any{"type": typ, "location": map[string]float64{"lat": lat, "lng": lng}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[model.EmergencyCase](t, rr)
}

func TestHealthReadyMetricsDocs(t *testing.T) {
	e := newTestEnv(t, Options{})
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/openapi.yaml", "/docs", "/debug"} {
		rr := e.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
	rr := e.do(t, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	doc := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "3.0.3", doc["openapi"])
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t, Options{})
	rr := e.do(t, http.MethodGet, "/v1/cases", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = e.do(t, http.MethodGet, "/v1/cases", "no-role", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// dev headers only when enabled
	req := httptest.NewRequest(http.MethodGet, "/v1/cases", nil)
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Role", "admin")
	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	dev := newTestEnv(t, Options{DevHeaders: true})
	rr = httptest.NewRecorder()
	dev.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDispatchFlowOverHTTP(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.putResponder(t, "A", map[string]any{"role": "ambulance", "status": "available", "lat": 0, "lng": 0.001})
	e.putResponder(t, "B", map[string]any{"role": "ambulance", "status": "available", "lat": 0, "lng": 0.02})

	c := e.reportCase(t, callerTok, "medical", 0, 0)
	assert.Equal(t, model.CasePending, c.Status)

	rr := e.do(t, http.MethodGet, "/v1/cases/"+c.ID+"/candidates", crewATok, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	cands := decodeBody[struct {
		Items []dispatch.Candidate `json:"items"`
	}](t, rr)
	require.Len(t, cands.Items, 2)
	assert.Equal(t, "A", cands.Items[0].ID)
	assert.InDelta(t, 111.19, cands.Items[0].Distance, 0.5)

	rr = e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", crewATok, map[string]any{"event": "accept"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	c = decodeBody[model.EmergencyCase](t, rr)
	assert.Equal(t, model.CaseAccepted, c.Status)
	require.NotNil(t, c.Assigned)
	assert.Equal(t, "A", c.Assigned.ResponderID)

	rr = e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", crewBTok, map[string]any{"event": "accept"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/responders/A/location", crewATok, map[string]any{"latitude": 0, "longitude": 0, "accuracy": 4})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	st := decodeBody[tracking.LocationState](t, rr)
	require.NotNil(t, st.Sample)
	assert.True(t, st.Supported)

	require.Eventually(t, func() bool {
		got, err := e.store.GetCase(context.Background(), c.ID)
		return err == nil && got.Status == model.CaseArrived
	}, 2*time.Second, 10*time.Millisecond)

	rr = e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", crewATok, map[string]any{"event": "complete"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	c = decodeBody[model.EmergencyCase](t, rr)
	assert.Equal(t, model.CaseCompleted, c.Status)
	assert.NotNil(t, c.ArchivedAt)

	rr = e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", crewATok, map[string]any{"event": "complete"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", adminTok, map[string]any{"event": "cancel"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/responders/A", crewATok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "available", decodeBody[model.ResponderRecord](t, rr).Status)
}

func TestTransitionErrorMapping(t *testing.T) {
	e := newTestEnv(t, Options{})
	c := e.reportCase(t, callerTok, "fire", 10, 10)

	rr := e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", callerTok, map[string]any{"event": "accept", "responderId": "A"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", adminTok, map[string]any{"event": "teleport"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", adminTok, map[string]any{"event": "complete"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	p := decodeBody[Problem](t, rr)
	assert.Equal(t, "Invalid transition", p.Title)

	rr = e.do(t, http.MethodPost, "/v1/cases/missing/transitions", adminTok, map[string]any{"event": "cancel"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", callerTok, map[string]any{"event": "cancel", "reason": "false alarm"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.CaseCanceled, decodeBody[model.EmergencyCase](t, rr).Status)
}

func TestReportValidation(t *testing.T) {
	e := newTestEnv(t, Options{})
	rr := e.do(t, http.MethodPost, "/v1/cases", callerTok, map[string]any{"type": "medical", "location": map[string]float64{"lat": 95, "lng": 0}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = e.do(t, http.MethodPost, "/v1/cases", callerTok, map[string]any{"type": "alien", "location": map[string]float64{"lat": 1, "lng": 1}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = e.do(t, http.MethodPost, "/v1/cases", callerTok, map[string]any{"type": "medical", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCaseVisibility(t *testing.T) {
	e := newTestEnv(t, Options{})
	mine := e.reportCase(t, callerTok, "medical", 1, 1)
	e.reportCase(t, strangeTok, "medical", 2, 2)

	rr := e.do(t, http.MethodGet, "/v1/cases/"+mine.ID, strangeTok, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = e.do(t, http.MethodGet, "/v1/cases/"+mine.ID, crewATok, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/cases", callerTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	own := decodeBody[page[model.EmergencyCase]](t, rr)
	require.Len(t, own.Items, 1)
	assert.Equal(t, mine.ID, own.Items[0].ID)

	rr = e.do(t, http.MethodGet, "/v1/cases?status=pending", adminTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[page[model.EmergencyCase]](t, rr).Items, 2)

	rr = e.do(t, http.MethodGet, "/v1/cases?status=bogus", adminTok, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLocationFailureAndRetry(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.putResponder(t, "A", map[string]any{"role": "ambulance", "status": "available"})

	rr := e.do(t, http.MethodPost, "/v1/responders/A/location/retry", crewATok, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/responders/A/location", crewBTok, map[string]any{"latitude": 1, "longitude": 1})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = e.do(t, http.MethodPost, "/v1/responders/Z/location", adminTok, map[string]any{"latitude": 1, "longitude": 1})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/responders/A/location/failure", crewATok, map[string]any{"code": "permission-denied"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	st := decodeBody[tracking.LocationState](t, rr)
	assert.True(t, st.PermissionDenied)
	require.NotNil(t, st.Err)
	assert.Equal(t, tracking.CodePermissionDenied, st.Err.Code)
	assert.Nil(t, st.Sample)

	rr = e.do(t, http.MethodPost, "/v1/responders/A/location/retry", crewATok, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	st = decodeBody[tracking.LocationState](t, rr)
	assert.False(t, st.PermissionDenied)
	assert.Nil(t, st.Err)
	assert.True(t, st.Loading)

	rr = e.do(t, http.MethodPost, "/v1/responders/A/location", crewATok, map[string]any{"latitude": 1, "longitude": 1})
	require.Equal(t, http.StatusAccepted, rr.Code)
	st = decodeBody[tracking.LocationState](t, rr)
	require.NotNil(t, st.Sample)
	assert.False(t, st.Loading)

	rr = e.do(t, http.MethodGet, "/v1/responders/A/location", adminTok, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	e.putResponder(t, "A", map[string]any{"role": "ambulance", "status": "offline"})
	assert.Empty(t, e.hub.Responders())
}

func TestLocationRateLimit(t *testing.T) {
	e := newTestEnv(t, Options{RateRPS: 0.001, RateBurst: 1})
	e.putResponder(t, "A", map[string]any{"role": "ambulance", "status": "available"})

	rr := e.do(t, http.MethodPost, "/v1/responders/A/location", crewATok, map[string]any{"latitude": 1, "longitude": 1})
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr = e.do(t, http.MethodPost, "/v1/responders/A/location", crewATok, map[string]any{"latitude": 1, "longitude": 1})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestResponderUpdatesByCrew(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.putResponder(t, "A", map[string]any{"role": "ambulance", "status": "available", "lat": 1, "lng": 1})

	rr := e.do(t, http.MethodPut, "/v1/responders/A", crewATok, map[string]any{"role": "ambulance", "status": "busy"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rec := decodeBody[model.ResponderRecord](t, rr)
	assert.Equal(t, "busy", rec.Status)
	require.NotNil(t, rec.Lat, "location survives a status-only update")

	rr = e.do(t, http.MethodPut, "/v1/responders/A", crewATok, map[string]any{"role": "police", "status": "busy"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = e.do(t, http.MethodPut, "/v1/responders/A", crewBTok, map[string]any{"role": "ambulance", "status": "busy"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = e.do(t, http.MethodPut, "/v1/responders/H", adminTok, map[string]any{"role": "hospital", "status": "en-route"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = e.do(t, http.MethodPut, "/v1/responders/H", adminTok, map[string]any{"role": "hospital", "status": "full", "lat": 1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/responders?role=ambulance", crewBTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":"A"`)
}

func TestCrewStatusWhileAssigned(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.putResponder(t, "A", map[string]any{"role": "ambulance", "status": "available", "lat": 0, "lng": 0.001})
	c := e.reportCase(t, callerTok, "medical", 0, 0)
	rr := e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", crewATok, map[string]any{"event": "accept"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	for _, status := range []string{"available", "idle"} {
		rr = e.do(t, http.MethodPut, "/v1/responders/A", crewATok, map[string]any{"role": "ambulance", "status": status})
		assert.Equal(t, http.StatusConflict, rr.Code, status)
	}
	rec, err := e.store.GetResponder(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "busy", rec.Status)

	// a crew-supplied fix time is replaced by the server clock
	future := time.Now().Add(24 * time.Hour).UTC()
	rr = e.do(t, http.MethodPut, "/v1/responders/A", crewATok, map[string]any{"role": "ambulance", "status": "en-route", "lat": 0, "lng": 0.002, "lastUpdated": future})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rec = decodeBody[model.ResponderRecord](t, rr)
	require.NotNil(t, rec.LastUpdated)
	assert.WithinDuration(t, time.Now(), *rec.LastUpdated, time.Minute)

	rr = e.do(t, http.MethodPut, "/v1/responders/A", crewATok, map[string]any{"role": "ambulance", "status": "busy", "lastUpdated": future})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rec = decodeBody[model.ResponderRecord](t, rr)
	require.NotNil(t, rec.LastUpdated)
	assert.True(t, rec.LastUpdated.Before(future))

	rr = e.do(t, http.MethodPut, "/v1/responders/A", adminTok, map[string]any{"role": "ambulance", "status": "available"})
	assert.Equal(t, http.StatusOK, rr.Code, "admins may override")
}

func TestSubscriptionsAndDeliveries(t *testing.T) {
	e := newTestEnv(t, Options{})
	rr := e.do(t, http.MethodPost, "/v1/subscriptions", callerTok, map[string]any{"url": "https://example.com/hook", "events": []string{"*"}})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/subscriptions", adminTok, map[string]any{"url": "https://example.com/hook", "events": []string{"case.canceled"}, "secret": "s"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sub := decodeBody[model.Subscription](t, rr)
	assert.Empty(t, sub.Secret)

	rr = e.do(t, http.MethodPost, "/v1/subscriptions", adminTok, map[string]any{"url": "not a url", "events": []string{"*"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/subscriptions", adminTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[page[model.Subscription]](t, rr).Items, 1)

	id, err := e.store.EnqueueWebhook(context.Background(), sub.ID, "case.canceled", sub.URL, "s", []byte(`{"id":"e1"}`))
	require.NoError(t, err)
	rr = e.do(t, http.MethodGet, "/v1/admin/webhook-deliveries?status=pending", adminTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), id)
	assert.NotContains(t, rr.Body.String(), `"secret"`)
	rr = e.do(t, http.MethodPost, "/v1/admin/webhook-deliveries/"+id+"/retry", adminTok, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	rr = e.do(t, http.MethodPost, "/v1/admin/webhook-deliveries/nope/retry", adminTok, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, adminTok, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = e.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, adminTok, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCaseEventStream(t *testing.T) {
	e := newTestEnv(t, Options{})
	ts := httptest.NewServer(e.handler)
	defer ts.Close()
	c := e.reportCase(t, callerTok, "other", 3, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/cases/"+c.ID+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+callerTok)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for stream event")
			return ""
		}
	}
	assert.Equal(t, "snapshot", next())

	rr := e.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/transitions", callerTok, map[string]any{"event": "cancel"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "case.canceled", next())
}
