package api

import (
	"context"
	"encoding/json"
	"sync"

	"emdispatch/internal/model"
)

// SSEEvent is what case streams deliver to clients.
type SSEEvent struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventBroker fans case events out to stream subscribers keyed by case id.
type EventBroker interface {
	Subscribe(caseID string) chan SSEEvent
	Unsubscribe(caseID string, ch chan SSEEvent)
	Publish(caseID string, evt SSEEvent)
	PublishCaseEvent(ctx context.Context, ev model.CaseEvent)
}

func eventFromCase(ev model.CaseEvent) (SSEEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return SSEEvent{}, err
	}
	return SSEEvent{ID: ev.ID, Type: ev.Type, Data: data}, nil
}

// Broker is the in-process EventBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // caseId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(caseID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[caseID] == nil {
		b.subs[caseID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[caseID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(caseID string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[caseID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, caseID)
	}
	close(ch)
}

// Publish never blocks; slow subscribers miss events.
func (b *Broker) Publish(caseID string, evt SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[caseID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishCaseEvent implements lifecycle.EventSink.
func (b *Broker) PublishCaseEvent(_ context.Context, ev model.CaseEvent) {
	if evt, err := eventFromCase(ev); err == nil {
		b.Publish(ev.CaseID, evt)
	}
}
