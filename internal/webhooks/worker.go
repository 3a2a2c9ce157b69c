package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"emdispatch/internal/metrics"
	"emdispatch/internal/store"
)

type Config struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Worker drains due deliveries, signs them and records the outcome.
type Worker struct {
	Store store.Store
	HTTP  *http.Client
	Log   *zap.Logger
	cfg   Config
}

func NewWorker(s store.Store, cfg Config, log *zap.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{Store: s, HTTP: &http.Client{Timeout: cfg.Timeout}, Log: log, cfg: cfg}
}

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.cfg.BatchSize)
	if err != nil {
		w.Log.Warn("fetch due webhooks failed", zap.Error(err))
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	req.Header.Set("X-Delivery-Id", it.ID)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(it.Attempts+1))
	if it.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
	}

	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	code := 0
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	} else {
		code = resp.StatusCode
		_ = resp.Body.Close()
		if code < 200 || code >= 300 {
			lastErr = fmt.Sprintf("unexpected status %d", code)
		}
	}
	success := lastErr == ""

	status := "retry"
	switch {
	case success:
		status = "delivered"
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	case it.Attempts+1 >= w.cfg.MaxAttempts:
		status = "failed"
		err = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
		w.Log.Warn("webhook delivery gave up", zap.String("deliveryId", it.ID), zap.String("url", it.URL), zap.Int("attempts", it.Attempts+1), zap.String("error", lastErr))
	default:
		next := time.Now().Add(nextBackoff(it.Attempts))
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
	}
	if err != nil {
		w.Log.Warn("webhook delivery state update failed", zap.String("deliveryId", it.ID), zap.Error(err))
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
