// Package maintenance runs periodic housekeeping jobs on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"emdispatch/internal/model"
	"emdispatch/internal/store"
)

// Schedules use the six-field cron format with seconds.
type Config struct {
	PruneSchedule      string        `mapstructure:"prune_schedule"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	DeliveredRetention time.Duration `mapstructure:"delivered_retention"`
}

// Trackers is the part of tracking.Hub the sweep needs.
type Trackers interface {
	Responders() []string
	Dispose(responderID string)
}

type Scheduler struct {
	cfg   Config
	store store.Store
	hub   Trackers
	log   *zap.Logger
	cron  *cron.Cron
	now   func() time.Time
}

func New(cfg Config, st store.Store, hub Trackers, log *zap.Logger) (*Scheduler, error) {
	if cfg.DeliveredRetention <= 0 {
		cfg.DeliveredRetention = 72 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cfg:   cfg,
		store: st,
		hub:   hub,
		log:   log,
		cron:  cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:   time.Now,
	}
	if cfg.PruneSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.PruneSchedule, s.job("prune_deliveries", s.PruneDeliveries)); err != nil {
			return nil, fmt.Errorf("prune schedule %q: %w", cfg.PruneSchedule, err)
		}
	}
	if cfg.SweepSchedule != "" && hub != nil {
		if _, err := s.cron.AddFunc(cfg.SweepSchedule, s.job("sweep_trackers", s.SweepTrackers)); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.Warn("maintenance job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.log.Debug("maintenance job done", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}
}

func (s *Scheduler) Start() {
	s.log.Info("maintenance scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// PruneDeliveries removes delivered webhooks older than the retention window.
func (s *Scheduler) PruneDeliveries(ctx context.Context) error {
	n, err := s.store.PruneWebhookDeliveries(ctx, s.now().Add(-s.cfg.DeliveredRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("pruned delivered webhooks", zap.Int("count", n))
	}
	return nil
}

// SweepTrackers disposes trackers of responders that are offline or no
// longer registered.
func (s *Scheduler) SweepTrackers(ctx context.Context) error {
	var errs []error
	for _, id := range s.hub.Responders() {
		rec, err := s.store.GetResponder(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("responder %s: %w", id, err))
			continue
		default:
			r, perr := model.ParseResponder(rec)
			if perr == nil && r.Availability() != model.Offline {
				continue
			}
		}
		s.hub.Dispose(id)
		s.log.Info("tracker disposed", zap.String("responderId", id))
	}
	return errors.Join(errs...)
}
