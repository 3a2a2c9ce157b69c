// Package webhooks fans case events out to HTTP subscribers through the
// store's delivery queue.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"emdispatch/internal/model"
	"emdispatch/internal/store"
)

// Publisher enqueues one delivery per matching subscription. It implements
// lifecycle.EventSink.
type Publisher struct {
	Store store.Store
	Log   *zap.Logger
}

func NewPublisher(s store.Store, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{Store: s, Log: log}
}

type envelope struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	CaseID string          `json:"caseId"`
	TS     string          `json:"ts"`
	Data   model.CaseEvent `json:"data"`
}

// PublishCaseEvent enqueues ev for every subscription listening on its type.
func (p *Publisher) PublishCaseEvent(ctx context.Context, ev model.CaseEvent) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, ev.Type)
	if err != nil {
		p.Log.Warn("webhook subscriptions lookup failed", zap.String("event", ev.Type), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(envelope{ID: ev.ID, Type: ev.Type, CaseID: ev.CaseID, TS: ev.TS.UTC().Format(time.RFC3339), Data: ev})
	if err != nil {
		p.Log.Error("webhook payload encode failed", zap.String("event", ev.Type), zap.Error(err))
		return
	}
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, ev.Type, s.URL, s.Secret, body); err != nil {
			p.Log.Warn("webhook enqueue failed", zap.String("subscriptionId", s.ID), zap.Error(err))
		}
	}
}
