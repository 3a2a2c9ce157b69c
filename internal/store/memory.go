package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"emdispatch/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	cases      map[string]model.EmergencyCase   // id -> case
	responders map[string]model.ResponderRecord // id -> responder
	subs       map[string]model.Subscription    // id -> subscription
	// Webhooks queue state
	deliveries map[string]*WebhookDelivery // id -> delivery state
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		cases:      map[string]model.EmergencyCase{},
		responders: map[string]model.ResponderRecord{},
		subs:       map[string]model.Subscription{},
		deliveries: map[string]*WebhookDelivery{},
		now:        time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Cases

func (m *Memory) CreateCase(ctx context.Context, c model.EmergencyCase) (model.EmergencyCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := m.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if c.Version == 0 {
		c.Version = 1
	}
	m.cases[c.ID] = c.Clone()
	return c, nil
}

func (m *Memory) GetCase(ctx context.Context, id string) (model.EmergencyCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return model.EmergencyCase{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) ListCases(ctx context.Context, f CaseFilter) ([]model.EmergencyCase, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := clampLimit(f.Limit)
	ids := make([]string, 0, len(m.cases))
	for id := range m.cases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []model.EmergencyCase{}
	for _, id := range ids {
		if f.Cursor != "" && id <= f.Cursor {
			continue
		}
		c := m.cases[id]
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.ReportedBy != "" && c.ReportedBy != f.ReportedBy {
			continue
		}
		if f.ResponderID != "" && (c.Assigned == nil || c.Assigned.ResponderID != f.ResponderID) {
			continue
		}
		out = append(out, c.Clone())
		if len(out) == limit {
			break
		}
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) UpdateCase(ctx context.Context, c model.EmergencyCase, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

func (m *Memory) ListActiveCasesForResponder(ctx context.Context, responderID string) ([]model.EmergencyCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.EmergencyCase{}
	for _, c := range m.cases {
		if c.Assigned != nil && c.Assigned.ResponderID == responderID && !c.Status.Terminal() {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Responders

func (m *Memory) UpsertResponder(ctx context.Context, rec model.ResponderRecord) (model.ResponderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if prev, ok := m.responders[rec.ID]; ok && rec.Lat == nil {
		// keep the last known fix when the caller only changes status or name
		rec.Lat, rec.Lng, rec.Accuracy, rec.LastUpdated = prev.Lat, prev.Lng, prev.Accuracy, prev.LastUpdated
	}
	m.responders[rec.ID] = rec
	return rec, nil
}

func (m *Memory) GetResponder(ctx context.Context, id string) (model.ResponderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[id]
	if !ok {
		return model.ResponderRecord{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListResponders(ctx context.Context, role model.Role) ([]model.ResponderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ResponderRecord{}
	for _, r := range m.responders {
		if role == "" || r.Role == role {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetResponderStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	m.responders[id] = r
	return nil
}

func (m *Memory) ClaimResponder(ctx context.Context, id string, from []string, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(from, r.Status) {
		return ErrConflict
	}
	r.Status = to
	m.responders[id] = r
	return nil
}

func (m *Memory) UpdateResponderLocation(ctx context.Context, id string, loc model.KnownLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[id]
	if !ok {
		return ErrNotFound
	}
	lat, lng, ts := loc.Point.Lat, loc.Point.Lng, loc.LastUpdated
	r.Lat, r.Lng, r.Accuracy, r.LastUpdated = &lat, &lng, loc.Accuracy, &ts
	m.responders[id] = r
	return nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: append([]string(nil), req.Events...), Secret: req.Secret}
	m.subs[s.ID] = s
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		if cursor == "" || id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.subs[id])
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := computeDedupKey(payload)
	for _, d := range m.deliveries {
		if d.EventType == eventType && d.URL == url && computeDedupKey(d.Payload) == key {
			return d.ID, nil
		}
	}
	now := m.now()
	id := uuid.New().String()
	m.deliveries[id] = &WebhookDelivery{
		ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret,
		Payload: payload, Status: DeliveryPending, NextAttemptAt: now, CreatedAt: now,
	}
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []WebhookDelivery{}
	for _, d := range m.deliveries {
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.ResponseCode, d.LatencyMs = responseCode, latencyMs
	if success {
		now := m.now()
		d.Status, d.DeliveredAt, d.LastError = DeliveryDelivered, &now, ""
		return nil
	}
	d.Attempts++
	d.Status, d.LastError = DeliveryRetry, lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = m.now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status, d.LastError, d.ResponseCode, d.LatencyMs = DeliveryFailed, lastError, responseCode, latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	ids := make([]string, 0, len(m.deliveries))
	for id, d := range m.deliveries {
		if (status == "" || d.Status == status) && (cursor == "" || id > cursor) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]WebhookDelivery, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.deliveries[id])
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.NextAttemptAt = m.now()
	return nil
}

func (m *Memory) PruneWebhookDeliveries(ctx context.Context, deliveredBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.deliveries {
		if d.Status == DeliveryDelivered && d.DeliveredAt != nil && d.DeliveredAt.Before(deliveredBefore) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}
