package main

import (
	"context"
	"time"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/dispatch"
)

// Retrier re-runs delivery for a record. *dispatch.Service implements it.
type Retrier interface {
	Retry(ctx context.Context, recordID string) (*dispatch.Outcome, error)
}

// Deferrer re-enqueues a retry that arrived before its time.
// *aws.RetryPublisher implements it.
type Deferrer interface {
	ScheduleAt(ctx context.Context, at time.Time, recordID string) error
}
