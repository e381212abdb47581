// Package dispatch delivers wallet and coupon codes to partner stores and
// keeps the ledger consistent across retries.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/apperrors"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/destination"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/ledger"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/payload"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/validation"
	"github.com/imrishuroy/go-idempotent-dispatch/pkg/backoff"
)

// DefaultMaxAttempts bounds the total attempts per record.
const DefaultMaxAttempts = 8

// A retry arriving this close to next_attempt_at is treated as due.
const staleTolerance = time.Second

// claimLease is added to the destination timeout to hold off concurrent
// retries while an attempt is in flight.
const claimLease = 30 * time.Second

// Ledger is the dispatch record store. *ledger.Store implements it.
type Ledger interface {
	Create(ctx context.Context, rec *ledger.Record) (string, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Record, error)
	Get(ctx context.Context, id string) (*ledger.Record, error)
	IncrementAttempts(ctx context.Context, id string, expected int, leaseUntil time.Time) (*ledger.Record, error)
	Update(ctx context.Context, id string, p ledger.Patch) error
}

// Scheduler arranges a later Retry call for a record.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, recordID string) error
}

// Resolver looks up destination credentials. *destination.Registry implements it.
type Resolver interface {
	Resolve(ref string) (destination.Destination, error)
}

// Config wires a Service. Ledger, Registry and Scheduler are required.
type Config struct {
	Ledger      Ledger
	Registry    Resolver
	Scheduler   Scheduler
	Sender      *Sender
	Metrics     MetricsRecorder
	Logger      *logrus.Entry
	MaxAttempts int
	Backoff     backoff.Config
	Now         func() time.Time
}

// Service is the dispatch orchestrator.
type Service struct {
	ledger      Ledger
	registry    Resolver
	scheduler   Scheduler
	sender      *Sender
	metrics     MetricsRecorder
	logger      *logrus.Entry
	validate    *validatorv10.Validate
	maxAttempts int
	backoff     backoff.Config
	nowFunc     func() time.Time
}

func NewService(cfg Config) *Service {
	s := &Service{
		ledger:      cfg.Ledger,
		registry:    cfg.Registry,
		scheduler:   cfg.Scheduler,
		sender:      cfg.Sender,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		validate:    validation.New(),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		nowFunc:     cfg.Now,
	}
	if s.sender == nil {
		s.sender = NewSender(nil)
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.logger == nil {
		s.logger = logrus.WithField("component", "dispatch")
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.nowFunc == nil {
		s.nowFunc = time.Now
	}
	return s
}

// Dispatch validates req, creates its ledger record and makes the first
// delivery attempt. A reused idempotency key returns the existing record's
// current outcome without attempting delivery.
//
// On a recoverable failure the returned Outcome is pending_retry and the
// error is retryable (see apperrors.Retryable).
func (s *Service) Dispatch(ctx context.Context, req validation.DispatchRequest, idempotencyKey string) (*Outcome, error) {
	req.Normalize()
	if err := s.validate.Struct(req); err != nil {
		return nil, validation.ToAppError(err)
	}
	key := strings.TrimSpace(idempotencyKey)

	if key != "" {
		existing, err := s.ledger.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, apperrors.Internal("ledger.find", err)
		}
		if existing != nil {
			return s.replay(ctx, existing), nil
		}
	}

	snapshot, err := payload.Encode(payload.Body{
		Code:           req.Code,
		Amount:         req.Amount,
		Currency:       req.Currency,
		RecipientEmail: req.RecipientEmail,
		Meta:           req.Meta,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		return nil, apperrors.Encoding("payload.encode", err)
	}

	now := s.nowFunc()
	rec := &ledger.Record{
		ID:              uuid.NewString(),
		DispatchID:      uuid.NewString(),
		Code:            req.Code,
		Kind:            req.Kind,
		Amount:          req.Amount,
		Currency:        req.Currency,
		RecipientEmail:  req.RecipientEmail,
		ReferenceID:     req.ReferenceID,
		Destination:     req.Destination,
		PayloadSnapshot: string(snapshot),
		IdempotencyKey:  key,
		Status:          ledger.StatusPending,
		ExpiresAt:       req.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := s.ledger.Create(ctx, rec); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateKey) {
			return nil, apperrors.Internal("ledger.create", err)
		}
		// lost the race for this key; report the winner's record
		existing, ferr := s.ledger.FindByIdempotencyKey(ctx, key)
		if ferr != nil {
			return nil, apperrors.Internal("ledger.find", ferr)
		}
		if existing == nil {
			return nil, apperrors.Internal("ledger.find", err)
		}
		return s.replay(ctx, existing), nil
	}

	s.logger.WithFields(logrus.Fields{
		"record_id":       rec.ID,
		"destination":     rec.Destination,
		"kind":            rec.Kind,
		"idempotency_key": key,
	}).Info("dispatch created")

	return s.attempt(ctx, rec)
}

// Retry re-runs delivery for a record. It is safe to call redundantly: a
// delivered record returns its cached outcome, terminal records are left
// alone, and a call arriving before next_attempt_at is skipped.
func (s *Service) Retry(ctx context.Context, recordID string) (*Outcome, error) {
	rec, err := s.ledger.Get(ctx, recordID)
	if err != nil {
		return nil, apperrors.Internal("ledger.get", err)
	}
	if rec == nil {
		return nil, apperrors.NotFound("dispatch", recordID)
	}
	log := s.logger.WithFields(logrus.Fields{
		"record_id":   rec.ID,
		"destination": rec.Destination,
		"attempts":    rec.Attempts,
	})

	switch {
	case rec.Status == ledger.StatusSuccess:
		return outcomeFor(rec), nil
	case rec.Status == ledger.StatusExhausted:
		return outcomeFor(rec), apperrors.RetriesExhausted(rec.ID, rec.Attempts, nil)
	case rec.Terminal():
		log.Info("retry skipped: permanent failure")
		return outcomeFor(rec), nil
	}

	if rec.NextAttemptAt != nil && s.nowFunc().Add(staleTolerance).Before(*rec.NextAttemptAt) {
		log.WithField("next_attempt_at", rec.NextAttemptAt).Debug("retry skipped: not due")
		return outcomeFor(rec), nil
	}
	if rec.Attempts >= s.maxAttempts {
		return s.exhaust(ctx, rec, rec.Destination, ledger.Patch{
			LastResponseCode: rec.LastResponseCode,
			LastError:        rec.LastError,
			ResponseBody:     rec.ResponseBody,
		}, nil)
	}

	return s.attempt(ctx, rec)
}

// Get returns the ledger record for recordID.
func (s *Service) Get(ctx context.Context, recordID string) (*ledger.Record, error) {
	rec, err := s.ledger.Get(ctx, recordID)
	if err != nil {
		return nil, apperrors.Internal("ledger.get", err)
	}
	if rec == nil {
		return nil, apperrors.NotFound("dispatch", recordID)
	}
	return rec, nil
}

func (s *Service) replay(ctx context.Context, rec *ledger.Record) *Outcome {
	s.metrics.RecordDuplicate(ctx, rec.Destination)
	s.logger.WithFields(logrus.Fields{
		"record_id":       rec.ID,
		"idempotency_key": rec.IdempotencyKey,
		"status":          rec.Status,
	}).Info("duplicate dispatch, returning stored outcome")

	out := outcomeFor(rec)
	out.Duplicate = true
	return out
}
