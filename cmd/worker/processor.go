package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/apperrors"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/aws"
)

// earlyTolerance matches the service's stale-retry tolerance.
const earlyTolerance = time.Second

// Processor consumes retry messages from SQS.
type Processor struct {
	retrier  Retrier
	deferrer Deferrer
	logger   *logrus.Entry
	nowFunc  func() time.Time
}

func NewProcessor(retrier Retrier, deferrer Deferrer, logger *logrus.Entry) *Processor {
	if logger == nil {
		logger = logrus.WithField("component", "worker")
	}
	return &Processor{
		retrier:  retrier,
		deferrer: deferrer,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Handle processes an SQS batch. Only messages that hit an infrastructure
// failure are reported back, so SQS redelivers just those.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, msg := range ev.Records {
		if err := p.processMessage(ctx, msg); err != nil {
			p.logger.WithError(err).WithField("message_id", msg.MessageId).Error("retry message failed")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: msg.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, msg events.SQSMessage) error {
	var rm aws.RetryMessage
	if err := json.Unmarshal([]byte(msg.Body), &rm); err != nil || rm.RecordID == "" {
		// redelivery cannot fix a bad body
		p.logger.WithField("message_id", msg.MessageId).WithField("body", msg.Body).Error("dropping malformed retry message")
		return nil
	}
	log := p.logger.WithFields(logrus.Fields{
		"message_id": msg.MessageId,
		"record_id":  rm.RecordID,
	})

	if !rm.NotBefore.IsZero() && p.nowFunc().Add(earlyTolerance).Before(rm.NotBefore) {
		if err := p.deferrer.ScheduleAt(ctx, rm.NotBefore, rm.RecordID); err != nil {
			return fmt.Errorf("re-defer %s: %w", rm.RecordID, err)
		}
		log.WithField("not_before", rm.NotBefore).Debug("retry not due, re-deferred")
		return nil
	}

	out, err := p.retrier.Retry(ctx, rm.RecordID)
	switch {
	case err == nil:
		log.WithField("status", out.Status).Info("retry processed")
		return nil
	case errors.Is(err, apperrors.ErrInternal):
		return err
	case errors.Is(err, apperrors.ErrNotFound):
		log.Warn("retry for unknown record, dropping")
		return nil
	default:
		// the service recorded the outcome and scheduled any further retry
		log.WithError(err).Info("retry attempt did not deliver")
		return nil
	}
}
