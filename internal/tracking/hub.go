package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"emdispatch/internal/model"
)

// Sink receives every fresh sample a responder's tracker accepts.
type Sink interface {
	ObserveLocation(ctx context.Context, responderID string, s model.PositionSample) error
}

type hubEntry struct {
	feed    *DeviceFeed
	tracker *Tracker

	mu      sync.Mutex
	lastFix time.Time // CapturedAt of the last forwarded sample
}

// advance records capturedAt as forwarded unless an equal or newer fix
// already went out.
func (e *hubEntry) advance(capturedAt time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastFix.IsZero() && !capturedAt.After(e.lastFix) {
		return false
	}
	e.lastFix = capturedAt
	return true
}

type hubUpdate struct {
	responderID string
	sample      model.PositionSample
}

// Hub keeps one tracker per responder, created on first contact.
type Hub struct {
	cfg  Config
	sink Sink
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]*hubEntry
	closed  bool

	updates chan hubUpdate
}

func NewHub(cfg Config, sink Sink, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{cfg: cfg, sink: sink, log: log, entries: map[string]*hubEntry{}, updates: make(chan hubUpdate, 256)}
}

func (h *Hub) entry(responderID string) (*hubEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	if e, ok := h.entries[responderID]; ok {
		return e, true
	}
	feed := NewDeviceFeed()
	e := &hubEntry{feed: feed}
	e.tracker = NewTracker(feed, h.cfg,
		WithLogger(h.log.With(zap.String("responderId", responderID))),
		OnChange(func(st LocationState) { h.forward(e, responderID, st) }),
	)
	h.entries[responderID] = e
	e.tracker.Start()
	return e, true
}

// forward queues a sample for the sink once. Retries, restarts and the
// startup request all republish the cached fix.
func (h *Hub) forward(e *hubEntry, responderID string, st LocationState) {
	if st.Sample == nil || st.Err != nil || st.Loading {
		return
	}
	if !e.advance(st.Sample.CapturedAt) {
		return
	}
	select {
	case h.updates <- hubUpdate{responderID: responderID, sample: *st.Sample}:
	default:
		h.log.Warn("location update dropped", zap.String("responderId", responderID))
	}
}

// Push feeds a device fix into the responder's tracker.
func (h *Hub) Push(responderID string, s model.PositionSample) (LocationState, bool) {
	e, ok := h.entry(responderID)
	if !ok {
		return LocationState{}, false
	}
	if !e.feed.Supported() {
		// the device evidently has a fix again
		e.feed.SetSupported(true)
		e.tracker.Reconfigure(h.cfg)
	}
	e.feed.Push(s)
	return e.tracker.State(), true
}

// ReportFailure records a device-side failure. An unsupported report marks the
// capability missing and restarts the tracker so it settles in that state.
func (h *Hub) ReportFailure(responderID string, f *Failure) (LocationState, bool) {
	e, ok := h.entry(responderID)
	if !ok {
		return LocationState{}, false
	}
	if f.Code == CodeUnsupported {
		e.feed.SetSupported(false)
		e.tracker.Reconfigure(h.cfg)
		return e.tracker.State(), true
	}
	e.feed.PushFailure(f)
	return e.tracker.State(), true
}

// Retry re-requests a position for a responder that already has a tracker.
func (h *Hub) Retry(responderID string) (LocationState, bool) {
	h.mu.Lock()
	e, ok := h.entries[responderID]
	h.mu.Unlock()
	if !ok {
		return LocationState{}, false
	}
	e.tracker.Retry()
	return e.tracker.State(), true
}

func (h *Hub) State(responderID string) (LocationState, bool) {
	h.mu.Lock()
	e, ok := h.entries[responderID]
	h.mu.Unlock()
	if !ok {
		return LocationState{}, false
	}
	return e.tracker.State(), true
}

// Watch streams a responder's state changes, creating the tracker if needed.
func (h *Hub) Watch(responderID string) (<-chan LocationState, func(), bool) {
	e, ok := h.entry(responderID)
	if !ok {
		return nil, nil, false
	}
	ch, cancel := e.tracker.Watch()
	return ch, cancel, true
}

// Responders lists ids with a live tracker.
func (h *Hub) Responders() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.entries))
	for id := range h.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dispose stops and forgets the responder's tracker.
func (h *Hub) Dispose(responderID string) {
	h.mu.Lock()
	e, ok := h.entries[responderID]
	delete(h.entries, responderID)
	h.mu.Unlock()
	if ok {
		e.tracker.Stop()
	}
}

// Run forwards accepted samples to the sink until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-h.updates:
			if h.sink == nil {
				continue
			}
			if err := h.sink.ObserveLocation(ctx, u.responderID, u.sample); err != nil {
				h.log.Warn("observe location failed", zap.String("responderId", u.responderID), zap.Error(err))
			}
		}
	}
}

// Close stops every tracker. Later calls to Push or Watch report false.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := h.entries
	h.entries = map[string]*hubEntry{}
	h.mu.Unlock()
	for _, e := range entries {
		e.tracker.Stop()
	}
}
