package idempotency

import "time"

// Entry is the shape persisted in the idempotency DynamoDB table. It maps a
// caller-supplied key to the single dispatch record created for it.
type Entry struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	RecordID       string    `dynamodbav:"record_id"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at,omitempty"` // TTL epoch seconds, unset when keys never expire
}
