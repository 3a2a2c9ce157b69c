package store

import (
	"context"
	"errors"
	"time"

	"emdispatch/internal/model"
)

// Store is the persistence interface used by the API server and the lifecycle service.
type Store interface {
	// Cases
	CreateCase(ctx context.Context, c model.EmergencyCase) (model.EmergencyCase, error)
	GetCase(ctx context.Context, id string) (model.EmergencyCase, error)
	ListCases(ctx context.Context, f CaseFilter) ([]model.EmergencyCase, string, error)
	// UpdateCase replaces the case only if the stored version equals expectedVersion.
	UpdateCase(ctx context.Context, c model.EmergencyCase, expectedVersion int) error
	ListActiveCasesForResponder(ctx context.Context, responderID string) ([]model.EmergencyCase, error)

	// Responders
	UpsertResponder(ctx context.Context, rec model.ResponderRecord) (model.ResponderRecord, error)
	GetResponder(ctx context.Context, id string) (model.ResponderRecord, error)
	ListResponders(ctx context.Context, role model.Role) ([]model.ResponderRecord, error)
	SetResponderStatus(ctx context.Context, id, status string) error
	// ClaimResponder sets the status to `to` only while the current status is one
	// of from. It reports ErrConflict when the responder is in another status.
	ClaimResponder(ctx context.Context, id string, from []string, to string) error
	UpdateResponderLocation(ctx context.Context, id string, loc model.KnownLocation) error

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]WebhookDelivery, string, error)
	RetryWebhookDelivery(ctx context.Context, id string) error
	PruneWebhookDeliveries(ctx context.Context, deliveredBefore time.Time) (int, error)

	Ping(ctx context.Context) error
}

// CaseFilter narrows ListCases. Empty fields match everything.
type CaseFilter struct {
	Status      model.CaseStatus
	ResponderID string
	ReportedBy  string
	Cursor      string
	Limit       int
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the stored version moved since the caller read it.
	ErrConflict = errors.New("version conflict")
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
