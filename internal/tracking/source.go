// Package tracking turns a device's position capability into a stable,
// fault-tolerant LocationState per responder.
package tracking

import (
	"context"
	"errors"
	"time"

	"emdispatch/internal/model"
)

// Options are passed through to the position source on every request.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxSampleAge time.Duration // a cached fix younger than this may be returned
}

type SubscriptionID uint64

// PositionSource wraps a device's location capability.
// Callbacks may be invoked from any goroutine but never while Subscribe holds a lock
// the caller could need.
type PositionSource interface {
	Supported() bool
	RequestOnce(ctx context.Context, opts Options) (model.PositionSample, error)
	Subscribe(opts Options, onSample func(model.PositionSample), onFailure func(error)) (SubscriptionID, error)
	Cancel(id SubscriptionID)
}

type FailureCode string

const (
	CodeUnsupported         FailureCode = "unsupported"
	CodePermissionDenied    FailureCode = "permission-denied"
	CodePositionUnavailable FailureCode = "position-unavailable"
	CodeTimeout             FailureCode = "timeout"
	CodeUnknown             FailureCode = "unknown"
)

var reasons = map[FailureCode]string{
	CodeUnsupported:         "location capability is not supported on this device",
	CodePermissionDenied:    "location permission was denied",
	CodePositionUnavailable: "position is currently unavailable",
	CodeTimeout:             "location request timed out",
	CodeUnknown:             "unknown location error",
}

// Failure is the only error shape a tracker exposes.
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

func NewFailure(code FailureCode, msg string) *Failure {
	if _, ok := reasons[code]; !ok {
		code = CodeUnknown
	}
	if msg == "" {
		msg = reasons[code]
	}
	return &Failure{Code: code, Message: msg}
}

func (f *Failure) Error() string { return f.Message }

// Is matches on code so errors.Is(err, ErrTimeout) works for any timeout failure.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Code == f.Code
}

// Transient reports whether the failure is expected to clear on its own.
func (f *Failure) Transient() bool {
	return f.Code == CodePositionUnavailable || f.Code == CodeTimeout
}

var (
	ErrUnsupported         = NewFailure(CodeUnsupported, "")
	ErrPermissionDenied    = NewFailure(CodePermissionDenied, "")
	ErrPositionUnavailable = NewFailure(CodePositionUnavailable, "")
	ErrTimeout             = NewFailure(CodeTimeout, "")
)

// Classify folds any error into exactly one failure code.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(CodeTimeout, "")
	}
	if err == nil {
		return NewFailure(CodeUnknown, "")
	}
	return NewFailure(CodeUnknown, err.Error())
}

// ParseFailureCode accepts the codes devices report; anything else is unknown.
func ParseFailureCode(s string) FailureCode {
	c := FailureCode(s)
	if _, ok := reasons[c]; ok {
		return c
	}
	return CodeUnknown
}
