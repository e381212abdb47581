package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/apperrors"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/ledger"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/payload"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/signer"
	"github.com/imrishuroy/go-idempotent-dispatch/pkg/backoff"
)

// maxErrorExcerpt bounds the partner body quoted in errors.
const maxErrorExcerpt = 512

// attempt makes one delivery attempt for rec and persists its outcome
// before returning. The attempt is claimed in the ledger before anything is
// sent, so HTTP calls never outnumber recorded attempts.
func (s *Service) attempt(ctx context.Context, rec *ledger.Record) (*Outcome, error) {
	// an attempt in flight always runs to completion and gets recorded
	ctx = context.WithoutCancel(ctx)

	dest, err := s.registry.Resolve(rec.Destination)
	if err != nil {
		return s.failPermanently(ctx, rec, "credentials_missing", err)
	}
	if _, err := payload.Decode(rec.PayloadSnapshot); err != nil {
		return s.failPermanently(ctx, rec, "encoding", apperrors.Encoding("payload.decode", err))
	}

	lease := s.nowFunc().Add(dest.Timeout + claimLease)
	claimed, err := s.ledger.IncrementAttempts(ctx, rec.ID, rec.Attempts, lease)
	if errors.Is(err, ledger.ErrAttemptConflict) {
		return s.current(ctx, rec.ID)
	}
	if err != nil {
		return nil, apperrors.Internal("ledger.claim", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"record_id":   claimed.ID,
		"destination": dest.ID,
		"attempt":     claimed.Attempts,
	})

	key := claimed.IdempotencyKey
	if key == "" {
		key = claimed.Code
	}
	body := []byte(claimed.PayloadSnapshot)
	canonical := signer.Canonical{
		Method:    http.MethodPost,
		Path:      dest.PathFor(claimed.Kind),
		Timestamp: s.nowFunc().Unix(),
		Body:      body,
	}

	start := time.Now()
	resp, sendErr := s.sender.Send(ctx, Delivery{
		URL:     dest.URLFor(claimed.Kind),
		Body:    body,
		Header:  signer.Headers(dest.SigningKey, dest.Secret, key, canonical),
		Timeout: dest.Timeout,
	})
	elapsed := time.Since(start)

	switch {
	case sendErr != nil:
		s.metrics.RecordAttempt(ctx, dest.ID, AttemptTransport, elapsed)
		cause := apperrors.Transport(dest.ID, sendErr)
		return s.failRecoverably(ctx, log, claimed, dest.ID, ledger.Patch{
			LastError: cause.Error(),
		}, cause)

	case !resp.Success():
		s.metrics.RecordAttempt(ctx, dest.ID, AttemptRejected, elapsed)
		cause := apperrors.PartnerRejected(dest.ID, resp.StatusCode, excerpt(resp.Body))
		return s.failRecoverably(ctx, log, claimed, dest.ID, ledger.Patch{
			LastResponseCode: resp.StatusCode,
			LastError:        cause.Error(),
			ResponseBody:     string(resp.Body),
		}, cause)
	}

	s.metrics.RecordAttempt(ctx, dest.ID, AttemptSuccess, elapsed)
	patch := ledger.Patch{
		Status:           ledger.StatusSuccess,
		DispatchID:       partnerDispatchID(resp.Body),
		LastResponseCode: resp.StatusCode,
		ResponseBody:     string(resp.Body),
		ExpectedAttempts: &claimed.Attempts,
	}
	if err := s.ledger.Update(ctx, claimed.ID, patch); err != nil {
		log.WithError(err).Error("delivered but failed to record success")
		s.retryAfterLease(ctx, log, claimed)
		return nil, apperrors.Internal("ledger.update", err)
	}
	applyPatch(claimed, patch)

	log.WithFields(logrus.Fields{
		"dispatch_id": claimed.DispatchID,
		"status_code": resp.StatusCode,
		"elapsed_ms":  elapsed.Milliseconds(),
	}).Info("dispatch delivered")
	return outcomeFor(claimed), nil
}

// failRecoverably records a transport failure or partner rejection and
// schedules the next attempt, or exhausts the record when it has none left.
func (s *Service) failRecoverably(ctx context.Context, log *logrus.Entry, rec *ledger.Record, destID string, patch ledger.Patch, cause error) (*Outcome, error) {
	if rec.Attempts >= s.maxAttempts {
		return s.exhaust(ctx, rec, destID, patch, cause)
	}

	delay := backoff.Exponential(rec.Attempts, &s.backoff)
	next := s.nowFunc().Add(delay).UTC()

	patch.Status = ledger.StatusFailed
	patch.FailureKind = ledger.FailureRecoverable
	patch.ExpectedAttempts = &rec.Attempts

	// schedule before persisting so a failed write still leaves a retry behind
	schedErr := s.scheduler.ScheduleAt(ctx, next, rec.ID)
	if schedErr == nil {
		patch.NextAttemptAt = &next
	} else {
		patch.LastError = patch.LastError + "; retry not scheduled: " + schedErr.Error()
	}

	if err := s.ledger.Update(ctx, rec.ID, patch); err != nil {
		log.WithError(err).Error("failed to record attempt failure")
		if schedErr == nil {
			// the retry at next would find the claim lease still in place
			s.retryAfterLease(ctx, log, rec)
		}
		return nil, apperrors.Internal("ledger.update", err)
	}
	applyPatch(rec, patch)

	if schedErr != nil {
		log.WithError(schedErr).Error("failed to schedule retry")
		return outcomeFor(rec), apperrors.Internal("scheduler.schedule", schedErr)
	}

	s.metrics.RecordRetryScheduled(ctx, destID, delay)
	log.WithError(cause).WithFields(logrus.Fields{
		"status_code":     patch.LastResponseCode,
		"next_attempt_at": next,
		"retry_in":        delay.String(),
	}).Warn("dispatch attempt failed, retry scheduled")
	return outcomeFor(rec), cause
}

// exhaust marks rec as out of attempts. cause is the last attempt's failure,
// nil when the limit was found already reached.
func (s *Service) exhaust(ctx context.Context, rec *ledger.Record, destID string, patch ledger.Patch, cause error) (*Outcome, error) {
	patch.Status = ledger.StatusExhausted
	patch.FailureKind = ledger.FailureRecoverable
	patch.NextAttemptAt = nil
	patch.ExpectedAttempts = &rec.Attempts

	log := s.logger.WithFields(logrus.Fields{
		"record_id":   rec.ID,
		"destination": destID,
		"attempts":    rec.Attempts,
		"exhausted":   true,
	})
	if err := s.ledger.Update(ctx, rec.ID, patch); err != nil {
		if errors.Is(err, ledger.ErrAttemptConflict) {
			return s.current(ctx, rec.ID)
		}
		log.WithError(err).Error("failed to record exhaustion")
		s.retryAfterLease(ctx, log, rec)
		return nil, apperrors.Internal("ledger.update", err)
	}
	applyPatch(rec, patch)

	s.metrics.RecordExhausted(ctx, destID)
	log.WithError(cause).Error("dispatch exhausted")
	return outcomeFor(rec), apperrors.RetriesExhausted(rec.ID, rec.Attempts, cause)
}

// failPermanently records a failure that no retry can fix. attempts is left
// unchanged since nothing was sent.
func (s *Service) failPermanently(ctx context.Context, rec *ledger.Record, reason string, cause error) (*Outcome, error) {
	patch := ledger.Patch{
		Status:           ledger.StatusFailed,
		FailureKind:      ledger.FailurePermanent,
		LastError:        cause.Error(),
		ExpectedAttempts: &rec.Attempts,
	}
	log := s.logger.WithFields(logrus.Fields{
		"record_id":   rec.ID,
		"destination": rec.Destination,
		"reason":      reason,
	})
	if err := s.ledger.Update(ctx, rec.ID, patch); err != nil {
		if errors.Is(err, ledger.ErrAttemptConflict) {
			return s.current(ctx, rec.ID)
		}
		log.WithError(err).Error("failed to record permanent failure")
		return nil, apperrors.Internal("ledger.update", err)
	}
	applyPatch(rec, patch)

	s.metrics.RecordPermanentFailure(ctx, rec.Destination, reason)
	log.WithError(cause).Error("dispatch failed permanently")
	return outcomeFor(rec), cause
}

// retryAfterLease schedules a retry for when the claim on rec lapses. It is
// used when the outcome of a claimed attempt could not be written, which
// leaves the record pending with the lease as its next_attempt_at.
func (s *Service) retryAfterLease(ctx context.Context, log *logrus.Entry, rec *ledger.Record) {
	if rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(s.nowFunc()) {
		return
	}
	at := *rec.NextAttemptAt
	if err := s.scheduler.ScheduleAt(ctx, at, rec.ID); err != nil {
		log.WithError(err).Error("failed to schedule retry after lost write, record needs a manual re-drive")
		return
	}
	log.WithField("next_attempt_at", at).Warn("retry scheduled for when the claim lapses")
}

// current reports the record as another caller left it, after losing a
// conditional write to them.
func (s *Service) current(ctx context.Context, id string) (*Outcome, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("ledger.get", err)
	}
	if rec == nil {
		return nil, apperrors.NotFound("dispatch", id)
	}
	s.logger.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"status":    rec.Status,
		"attempts":  rec.Attempts,
	}).Info("attempt claimed by a concurrent caller")
	return outcomeFor(rec), nil
}

func applyPatch(rec *ledger.Record, p ledger.Patch) {
	rec.Status = p.Status
	if p.DispatchID != "" {
		rec.DispatchID = p.DispatchID
	}
	rec.LastResponseCode = p.LastResponseCode
	rec.LastError = p.LastError
	rec.ResponseBody = p.ResponseBody
	rec.FailureKind = p.FailureKind
	rec.NextAttemptAt = p.NextAttemptAt
}

// partnerDispatchID extracts the optional dispatch_id from a 2xx body.
func partnerDispatchID(body []byte) string {
	var parsed struct {
		DispatchID string `json:"dispatch_id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.DispatchID)
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorExcerpt {
		s = s[:maxErrorExcerpt] + "..."
	}
	return s
}
