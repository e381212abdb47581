package ledger

import "time"

// Record statuses
const (
	StatusPending   = "pending"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusExhausted = "exhausted"
)

// Failure kinds for failed records
const (
	FailurePermanent   = "permanent"
	FailureRecoverable = "recoverable"
)

// Code kinds
const (
	KindWallet = "wallet"
	KindCoupon = "coupon"
)

// Record is one dispatch of one code to one destination, stored in the
// dispatch DynamoDB table.
type Record struct {
	ID               string     `dynamodbav:"id" json:"id"` // PK
	DispatchID       string     `dynamodbav:"dispatch_id" json:"dispatch_id"`
	Code             string     `dynamodbav:"code" json:"code"`
	Kind             string     `dynamodbav:"kind" json:"kind"`
	Amount           float64    `dynamodbav:"amount" json:"amount"`
	Currency         string     `dynamodbav:"currency" json:"currency"`
	RecipientEmail   string     `dynamodbav:"recipient_email,omitempty" json:"recipient_email,omitempty"`
	ReferenceID      string     `dynamodbav:"reference_id,omitempty" json:"reference_id,omitempty"`
	Destination      string     `dynamodbav:"destination" json:"destination"`
	PayloadSnapshot  string     `dynamodbav:"payload_snapshot" json:"payload_snapshot"`
	IdempotencyKey   string     `dynamodbav:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	Status           string     `dynamodbav:"status" json:"status"`
	Attempts         int        `dynamodbav:"attempts" json:"attempts"`
	LastResponseCode int        `dynamodbav:"last_response_code,omitempty" json:"last_response_code,omitempty"`
	LastError        string     `dynamodbav:"last_error,omitempty" json:"last_error,omitempty"`
	ResponseBody     string     `dynamodbav:"response_body,omitempty" json:"response_body,omitempty"`
	FailureKind      string     `dynamodbav:"failure_kind,omitempty" json:"failure_kind,omitempty"`
	NextAttemptAt    *time.Time `dynamodbav:"next_attempt_at,omitempty" json:"next_attempt_at,omitempty"`
	ExpiresAt        *time.Time `dynamodbav:"expires_at,omitempty" json:"expires_at,omitempty"`
	CreatedAt        time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `dynamodbav:"updated_at" json:"updated_at"`
}

// Terminal reports whether no further attempt may run for r.
func (r *Record) Terminal() bool {
	switch r.Status {
	case StatusSuccess, StatusExhausted:
		return true
	case StatusFailed:
		return r.FailureKind == FailurePermanent
	}
	return false
}

// Patch is the outcome of one attempt. It is written atomically by Update.
type Patch struct {
	Status           string
	DispatchID       string // unchanged when empty
	LastResponseCode int
	LastError        string
	ResponseBody     string
	FailureKind      string
	NextAttemptAt    *time.Time // nil clears it

	// ExpectedAttempts, when set, makes the write conditional on the record
	// still carrying this attempt count.
	ExpectedAttempts *int
}
