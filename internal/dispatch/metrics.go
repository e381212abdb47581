package dispatch

import (
	"context"
	"time"
)

// MetricsRecorder receives dispatch metrics. Implementations must be safe
// for concurrent use and must not block on the
// backend they publish to.
type MetricsRecorder interface {
	RecordAttempt(ctx context.Context, destination, outcome string, elapsed time.Duration)
	RecordRetryScheduled(ctx context.Context, destination string, delay time.Duration)
	RecordExhausted(ctx context.Context, destination string)
	RecordPermanentFailure(ctx context.Context, destination, reason string)
	RecordDuplicate(ctx context.Context, destination string)
}

// Attempt outcomes as reported to RecordAttempt.
const (
	AttemptSuccess   = "success"
	AttemptRejected  = "rejected"
	AttemptTransport = "transport_error"
)

type nopMetrics struct{}

func (nopMetrics) RecordAttempt(context.Context, string, string, time.Duration) {}
func (nopMetrics) RecordRetryScheduled(context.Context, string, time.Duration)  {}
func (nopMetrics) RecordExhausted(context.Context, string)                      {}
func (nopMetrics) RecordPermanentFailure(context.Context, string, string)       {}
func (nopMetrics) RecordDuplicate(context.Context, string)                      {}

// MultiRecorder fans metrics out to several recorders.
type MultiRecorder []MetricsRecorder

func (m MultiRecorder) RecordAttempt(ctx context.Context, destination, outcome string, elapsed time.Duration) {
	for _, r := range m {
		r.RecordAttempt(ctx, destination, outcome, elapsed)
	}
}

func (m MultiRecorder) RecordRetryScheduled(ctx context.Context, destination string, delay time.Duration) {
	for _, r := range m {
		r.RecordRetryScheduled(ctx, destination, delay)
	}
}

func (m MultiRecorder) RecordExhausted(ctx context.Context, destination string) {
	for _, r := range m {
		r.RecordExhausted(ctx, destination)
	}
}

func (m MultiRecorder) RecordPermanentFailure(ctx context.Context, destination, reason string) {
	for _, r := range m {
		r.RecordPermanentFailure(ctx, destination, reason)
	}
}

func (m MultiRecorder) RecordDuplicate(ctx context.Context, destination string) {
	for _, r := range m {
		r.RecordDuplicate(ctx, destination)
	}
}
