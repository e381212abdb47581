// Package app wires the dispatch service from configuration for the API and
// worker entrypoints.
package app

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/aws"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/config"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/destination"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/dispatch"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/ledger"
	"github.com/imrishuroy/go-idempotent-dispatch/pkg/backoff"
)

// ErrMissingQueue is returned when no retry queue is configured.
var ErrMissingQueue = errors.New("RETRY_QUEUE_URL is required")

// Deps are the collaborators Build cannot create from configuration alone.
type Deps struct {
	Clients *aws.AWSClients
	// Metrics are added alongside CloudWatch; may be nil.
	Metrics dispatch.MetricsRecorder
	Logger  *logrus.Entry
}

// Components is the wired object graph.
type Components struct {
	Service    *dispatch.Service
	Ledger     *ledger.Store
	Registry   *destination.Registry
	Publisher  *aws.RetryPublisher
	// CloudWatch buffers metrics until flushed; nil when no namespace is set.
	CloudWatch *aws.CloudWatchRecorder
}

// Build loads the destination registry and assembles the dispatch service.
func Build(cfg *config.ServiceConfig, deps Deps) (*Components, error) {
	if cfg.RetryQueueURL == "" {
		return nil, ErrMissingQueue
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	registry, err := destination.Load(cfg.DestinationsFile)
	if err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"destinations": registry.Len(),
		"file":         cfg.DestinationsFile,
	}).Info("destination registry loaded")

	if cfg.IdempotencyTTL > 0 {
		logger.WithField("idempotency_ttl", cfg.IdempotencyTTL.String()).
			Warn("idempotency keys expire; a key reused after the window dispatches a second time")
	}
	keys := idempotency.NewStore(deps.Clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
	store := ledger.NewStore(deps.Clients.DynamoDB, cfg.DispatchTable, keys)
	publisher := aws.NewRetryPublisher(deps.Clients.SQS, cfg.RetryQueueURL)

	recorders := dispatch.MultiRecorder{}
	var cw *aws.CloudWatchRecorder
	if deps.Clients.CloudWatch != nil && cfg.MetricsNamespace != "" {
		cw = aws.NewCloudWatchRecorder(deps.Clients.CloudWatch, cfg.MetricsNamespace, logger.WithField("component", "cloudwatch"))
		recorders = append(recorders, cw)
	}
	if deps.Metrics != nil {
		recorders = append(recorders, deps.Metrics)
	}

	svc := dispatch.NewService(dispatch.Config{
		Ledger:      store,
		Registry:    registry,
		Scheduler:   publisher,
		Metrics:     recorders,
		Logger:      logger.WithField("component", "dispatch"),
		MaxAttempts: cfg.MaxAttempts,
		Backoff: backoff.Config{
			Initial: cfg.BackoffInitial,
			Max:     cfg.BackoffMax,
		},
	})

	return &Components{
		Service:    svc,
		Ledger:     store,
		Registry:   registry,
		Publisher:  publisher,
		CloudWatch: cw,
	}, nil
}
