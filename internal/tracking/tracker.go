package tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"emdispatch/internal/metrics"
	"emdispatch/internal/model"
)

// Config controls a single tracker. PollInterval of zero disables polling.
type Config struct {
	HighAccuracy bool          `mapstructure:"high_accuracy"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxSampleAge time.Duration `mapstructure:"max_sample_age"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func (c Config) options() Options {
	return Options{HighAccuracy: c.HighAccuracy, Timeout: c.Timeout, MaxSampleAge: c.MaxSampleAge}
}

// LocationState is replaced as a whole on every update; readers never see a
// half-applied change.
type LocationState struct {
	Sample           *model.PositionSample `json:"sample,omitempty"`
	Err              *Failure              `json:"error,omitempty"`
	Loading          bool                  `json:"loading"`
	Supported        bool                  `json:"supported"`
	PermissionDenied bool                  `json:"permissionDenied"`
}

// Tracker owns one LocationState fed by a PositionSource.
type Tracker struct {
	src      PositionSource
	log      *zap.Logger
	onChange func(LocationState)

	cur atomic.Pointer[LocationState]

	mu       sync.Mutex
	cfg      Config
	gen      uint64 // bumped on Start and Stop; callbacks carrying an older value are dropped
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	subID    SubscriptionID
	hasSub   bool
	counted  bool
	watchers map[chan LocationState]struct{}
	wg       sync.WaitGroup
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.log = l } }

// OnChange registers fn to be called after every state replacement. fn runs
// while the tracker is serialising updates, so it must not call Start, Stop,
// Retry or Reconfigure.
func OnChange(fn func(LocationState)) Option { return func(t *Tracker) { t.onChange = fn } }

func NewTracker(src PositionSource, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{src: src, cfg: cfg, log: zap.NewNop(), watchers: map[chan LocationState]struct{}{}}
	for _, o := range opts {
		o(t)
	}
	t.cur.Store(&LocationState{Supported: src.Supported()})
	return t
}

// State returns the current snapshot.
func (t *Tracker) State() LocationState { return *t.cur.Load() }

// Watch streams every state replacement until cancel is called. Slow readers
// miss intermediate states but State() is always current.
func (t *Tracker) Watch() (<-chan LocationState, func()) {
	ch := make(chan LocationState, 8)
	t.mu.Lock()
	t.watchers[ch] = struct{}{}
	t.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Start begins acquisition. Calling Start on a running tracker does nothing.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.gen++
	gen := t.gen
	prev := t.State()
	if !t.src.Supported() {
		t.setLocked(LocationState{Supported: false, Err: NewFailure(CodeUnsupported, ""), Sample: prev.Sample})
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.runCtx, t.cancel = ctx, cancel
	t.setLocked(LocationState{Supported: true, Loading: prev.Sample == nil, Sample: prev.Sample})
	cfg := t.cfg
	t.counted = true
	t.mu.Unlock()
	metrics.ActiveTrackers.Inc()

	id, err := t.src.Subscribe(cfg.options(),
		func(s model.PositionSample) { t.handleSample(gen, s) },
		func(err error) { t.handleFailure(gen, err) },
	)

	t.mu.Lock()
	if t.gen != gen {
		// stopped while subscribing
		t.mu.Unlock()
		if err == nil {
			t.src.Cancel(id)
		}
		return
	}
	if err != nil {
		t.failLocked(Classify(err))
	} else {
		t.subID, t.hasSub = id, true
	}
	t.wg.Add(1)
	go t.request(ctx, gen, cfg)
	if cfg.PollInterval > 0 {
		t.wg.Add(1)
		go t.poll(ctx, gen, cfg)
	}
	t.mu.Unlock()
}

// Stop releases the subscription and in-flight requests. After Stop returns
// no callback from the previous run can change the state.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.gen++
	counted := t.counted
	t.counted = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	id, hasSub := t.subID, t.hasSub
	t.hasSub = false
	t.mu.Unlock()

	if hasSub {
		t.src.Cancel(id)
	}
	t.wg.Wait()
	if counted {
		metrics.ActiveTrackers.Dec()
	}
}

// Retry clears the failure and asks the source again. It is a no-op when the
// capability is unsupported or the tracker is stopped.
func (t *Tracker) Retry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.State()
	if !t.running || !prev.Supported {
		return
	}
	t.setLocked(LocationState{Supported: true, Loading: prev.Sample == nil, Sample: prev.Sample})
	t.wg.Add(1)
	go t.request(t.runCtx, t.gen, t.cfg)
}

// Reconfigure restarts the tracker with cfg. The last sample is kept.
func (t *Tracker) Reconfigure(cfg Config) {
	t.mu.Lock()
	wasRunning := t.running
	t.mu.Unlock()
	t.Stop()
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
	if wasRunning {
		t.Start()
	}
}

func (t *Tracker) request(ctx context.Context, gen uint64, cfg Config) {
	defer t.wg.Done()
	t.fetch(ctx, gen, cfg)
}

func (t *Tracker) fetch(ctx context.Context, gen uint64, cfg Config) {
	rctx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	s, err := t.src.RequestOnce(rctx, cfg.options())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.handleFailure(gen, err)
		return
	}
	t.handleSample(gen, s)
}

func (t *Tracker) poll(ctx context.Context, gen uint64, cfg Config) {
	defer t.wg.Done()
	tick := time.NewTicker(cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.mu.Lock()
			stale := t.gen != gen
			denied := t.State().PermissionDenied
			t.mu.Unlock()
			if stale {
				return
			}
			if denied {
				continue
			}
			t.fetch(ctx, gen, cfg)
		}
	}
}

func (t *Tracker) handleSample(gen uint64, s model.PositionSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	sample := s
	t.setLocked(LocationState{Supported: true, Sample: &sample})
	metrics.TrackerUpdates.WithLabelValues("sample").Inc()
}

func (t *Tracker) handleFailure(gen uint64, err error) {
	f := Classify(err)
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.failLocked(f)
}

func (t *Tracker) failLocked(f *Failure) {
	prev := t.State()
	t.setLocked(LocationState{
		Supported:        f.Code != CodeUnsupported,
		Sample:           prev.Sample,
		Err:              f,
		PermissionDenied: prev.PermissionDenied || f.Code == CodePermissionDenied,
	})
	metrics.TrackerUpdates.WithLabelValues(string(f.Code)).Inc()
	t.log.Debug("location failure", zap.String("code", string(f.Code)), zap.String("message", f.Message), zap.Bool("hasSample", prev.Sample != nil))
}

func (t *Tracker) setLocked(st LocationState) {
	t.cur.Store(&st)
	for ch := range t.watchers {
		select {
		case ch <- st:
		default:
		}
	}
	if t.onChange != nil {
		t.onChange(st)
	}
}
