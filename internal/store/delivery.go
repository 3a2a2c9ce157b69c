package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type WebhookDelivery struct {
	ID             string     `json:"id" db:"id"`
	SubscriptionID string     `json:"subscriptionId,omitempty" db:"subscription_id"`
	EventType      string     `json:"eventType" db:"event_type"`
	URL            string     `json:"url" db:"url"`
	Secret         string     `json:"-" db:"secret"`
	Payload        []byte     `json:"-" db:"payload"`
	Status         string     `json:"status" db:"status"`
	Attempts       int        `json:"attempts" db:"attempts"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt" db:"next_attempt_at"`
	LastError      string     `json:"lastError,omitempty" db:"last_error"`
	ResponseCode   int        `json:"responseCode,omitempty" db:"response_code"`
	LatencyMs      int        `json:"latencyMs,omitempty" db:"latency_ms"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty" db:"delivered_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

const (
	DeliveryPending   = "pending"
	DeliveryRetry     = "retry"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// computeDedupKey uses the payload's "id" when present, else a short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
