package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"emdispatch/internal/model"
)

// DeviceFeed is a PositionSource fed by pushes from a responder's device
// (for example the location endpoint or a WebSocket client).
type DeviceFeed struct {
	mu        sync.Mutex
	supported bool
	last      *model.PositionSample
	nextID    SubscriptionID
	subs      map[SubscriptionID]feedSub
	waiters   map[chan feedResult]struct{}
	now       func() time.Time
}

type feedSub struct {
	onSample  func(model.PositionSample)
	onFailure func(error)
}

type feedResult struct {
	sample model.PositionSample
	err    error
}

func NewDeviceFeed() *DeviceFeed {
	return &DeviceFeed{
		supported: true,
		subs:      map[SubscriptionID]feedSub{},
		waiters:   map[chan feedResult]struct{}{},
		now:       time.Now,
	}
}

func (f *DeviceFeed) Supported() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supported
}

// SetSupported marks whether the device has a location capability at all.
func (f *DeviceFeed) SetSupported(v bool) {
	f.mu.Lock()
	f.supported = v
	f.mu.Unlock()
}

// Push delivers a fresh fix to subscribers and any pending one-shot request.
func (f *DeviceFeed) Push(s model.PositionSample) {
	f.mu.Lock()
	if s.CapturedAt.IsZero() {
		s.CapturedAt = f.now()
	}
	cp := s
	f.last = &cp
	subs := f.snapshotLocked()
	f.wakeLocked(feedResult{sample: s})
	f.mu.Unlock()
	for _, sub := range subs {
		sub.onSample(s)
	}
}

// PushFailure reports a device-side failure such as a revoked permission.
func (f *DeviceFeed) PushFailure(err error) {
	f.mu.Lock()
	subs := f.snapshotLocked()
	f.wakeLocked(feedResult{err: err})
	f.mu.Unlock()
	for _, sub := range subs {
		sub.onFailure(err)
	}
}

// RequestOnce returns the cached fix when it was captured within opts.MaxSampleAge,
// otherwise it waits for the next push until ctx is done.
func (f *DeviceFeed) RequestOnce(ctx context.Context, opts Options) (model.PositionSample, error) {
	f.mu.Lock()
	if !f.supported {
		f.mu.Unlock()
		return model.PositionSample{}, ErrUnsupported
	}
	if f.last != nil && opts.MaxSampleAge > 0 && f.now().Sub(f.last.CapturedAt) <= opts.MaxSampleAge {
		s := *f.last
		f.mu.Unlock()
		return s, nil
	}
	ch := make(chan feedResult, 1)
	f.waiters[ch] = struct{}{}
	f.mu.Unlock()

	select {
	case r := <-ch:
		return r.sample, r.err
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.waiters, ch)
		f.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.PositionSample{}, ErrTimeout
		}
		return model.PositionSample{}, ctx.Err()
	}
}

func (f *DeviceFeed) Subscribe(_ Options, onSample func(model.PositionSample), onFailure func(error)) (SubscriptionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.supported {
		return 0, ErrUnsupported
	}
	f.nextID++
	f.subs[f.nextID] = feedSub{onSample: onSample, onFailure: onFailure}
	return f.nextID, nil
}

func (f *DeviceFeed) Cancel(id SubscriptionID) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (f *DeviceFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *DeviceFeed) snapshotLocked() []feedSub {
	out := make([]feedSub, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out
}

func (f *DeviceFeed) wakeLocked(r feedResult) {
	for ch := range f.waiters {
		ch <- r
		delete(f.waiters, ch)
	}
}
