package dispatch

import (
	"time"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/ledger"
)

// Outcome statuses
const (
	OutcomeOK           = "ok"
	OutcomePending      = "pending"
	OutcomePendingRetry = "pending_retry"
	OutcomeFailed       = "failed"
	OutcomeExhausted    = "exhausted"
)

// Outcome is what a caller learns about a dispatch.
type Outcome struct {
	Status        string     `json:"status"`
	DispatchID    string     `json:"dispatch_id"`
	Mode          string     `json:"mode"` // the code kind
	RecordID      string     `json:"record_id"`
	LedgerStatus  string     `json:"ledger_status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Duplicate     bool       `json:"duplicate,omitempty"`
}

func outcomeFor(rec *ledger.Record) *Outcome {
	out := &Outcome{
		DispatchID:    rec.DispatchID,
		Mode:          rec.Kind,
		RecordID:      rec.ID,
		LedgerStatus:  rec.Status,
		Attempts:      rec.Attempts,
		NextAttemptAt: rec.NextAttemptAt,
		LastError:     rec.LastError,
	}
	switch {
	case rec.Status == ledger.StatusSuccess:
		out.Status = OutcomeOK
	case rec.Status == ledger.StatusExhausted:
		out.Status = OutcomeExhausted
	case rec.Status == ledger.StatusFailed && rec.FailureKind == ledger.FailurePermanent:
		out.Status = OutcomeFailed
	case rec.Status == ledger.StatusFailed && rec.NextAttemptAt != nil:
		out.Status = OutcomePendingRetry
	case rec.Status == ledger.StatusFailed:
		out.Status = OutcomeFailed
	default:
		out.Status = OutcomePending
	}
	return out
}
