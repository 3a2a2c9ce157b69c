// Package stream publishes case events to Kafka for downstream consumers
// such as analytics and the CAD integration.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"emdispatch/internal/model"
)

type Config struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes every case event to one topic keyed by case id, so the
// events of a case stay in order on a single partition.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
	log     *zap.Logger
}

func NewKafkaSink(cfg Config, log *zap.Logger) (*KafkaSink, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaSink(w, cfg.WriteTimeout, log), nil
}

func newKafkaSink(w messageWriter, timeout time.Duration, log *zap.Logger) *KafkaSink {
	return &KafkaSink{w: w, timeout: timeout, log: log}
}

// PublishCaseEvent implements lifecycle.EventSink. Failures are logged; the
// case write has already happened.
func (k *KafkaSink) PublishCaseEvent(ctx context.Context, ev model.CaseEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		k.log.Error("kafka: encode case event", zap.String("caseId", ev.CaseID), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.CaseID),
		Value: body,
		Time:  ev.TS,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		k.log.Warn("kafka: publish case event failed", zap.String("caseId", ev.CaseID), zap.String("type", ev.Type), zap.Error(err))
		return
	}
	k.log.Debug("kafka: case event published", zap.String("caseId", ev.CaseID), zap.String("type", ev.Type))
}

func (k *KafkaSink) Close() error { return k.w.Close() }
