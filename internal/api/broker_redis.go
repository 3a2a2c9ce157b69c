package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"emdispatch/internal/model"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so every API replica
// sees every case event.
type RedisBroker struct {
	rdb *redis.Client
	log *zap.Logger

	mu   sync.Mutex
	subs map[chan SSEEvent]*redis.PubSub
}

func NewRedisBroker(url string, log *zap.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return newRedisBroker(redis.NewClient(opt), log), nil
}

func newRedisBroker(rdb *redis.Client, log *zap.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, log: log, subs: map[chan SSEEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Subscribe(caseID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(caseID))
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis subscribe failed", zap.String("caseId", caseID), zap.Error(err))
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt SSEEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the PubSub; the forwarding goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(caseID string, ch chan SSEEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(caseID string, evt SSEEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.chanName(caseID), data).Err(); err != nil {
		b.log.Warn("redis publish failed", zap.String("caseId", caseID), zap.Error(err))
	}
}

// PublishCaseEvent implements lifecycle.EventSink.
func (b *RedisBroker) PublishCaseEvent(_ context.Context, ev model.CaseEvent) {
	if evt, err := eventFromCase(ev); err == nil {
		b.Publish(ev.CaseID, evt)
	}
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(caseID string) string { return "case:" + caseID }
