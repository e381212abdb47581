package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// MaxDelay is the longest DelaySeconds SQS accepts on a single message.
const MaxDelay = 15 * time.Minute

// RetryMessage is the body of a scheduled retry. NotBefore is the earliest
// time the attempt may run; consumers re-defer messages that arrive early.
type RetryMessage struct {
	RecordID  string    `json:"record_id"`
	NotBefore time.Time `json:"not_before"`
}

// RetryPublisher schedules dispatch retries on an SQS queue.
type RetryPublisher struct {
	SQS      SQSAPI
	QueueURL string
	nowFunc  func() time.Time
}

// NewRetryPublisher returns a RetryPublisher bound to a queue URL.
func NewRetryPublisher(sqsClient SQSAPI, queueURL string) *RetryPublisher {
	return &RetryPublisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
		nowFunc:  time.Now,
	}
}

// ScheduleAt enqueues a retry for recordID that becomes visible at `at`, or
// after MaxDelay when `at` is further out.
func (p *RetryPublisher) ScheduleAt(ctx context.Context, at time.Time, recordID string) error {
	body, err := json.Marshal(RetryMessage{RecordID: recordID, NotBefore: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshal retry message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  awsString(string(body)),
		DelaySeconds: DelaySeconds(at, p.nowFunc()),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"record_id": {
				DataType:    awsString("String"),
				StringValue: awsString(recordID),
			},
			"not_before": {
				DataType:    awsString("String"),
				StringValue: awsString(at.UTC().Format(time.RFC3339)),
			},
		},
	}

	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send retry message: %w", err)
	}
	return nil
}

// DelaySeconds converts a target time into an SQS delay, rounded up and
// clamped to [0, MaxDelay].
func DelaySeconds(at, now time.Time) int32 {
	d := at.Sub(now)
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return int32(math.Ceil(d.Seconds()))
}

// awsString helper
func awsString(s string) *string { return &s }
