package validation

import (
	"strings"
	"time"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/payload"
)

// DispatchRequest is the payload for POST /dispatches.
type DispatchRequest struct {
	Code           string       `json:"code" validate:"required,max=128"`
	Kind           string       `json:"kind" validate:"required,oneof=wallet coupon"`
	Amount         float64      `json:"amount" validate:"gt=0"`
	Currency       string       `json:"currency" validate:"required,len=3,alpha"`
	RecipientEmail string       `json:"recipient_email,omitempty" validate:"omitempty,email"`
	ReferenceID    string       `json:"reference_id,omitempty" validate:"max=256"`

	// Destination is a registered store id or an https base URL.
	Destination string       `json:"destination" validate:"required"`
	Meta        payload.Meta `json:"meta,omitempty"`

	// ExpiresAt is informational and never enforced.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Normalize trims fields, lower-cases kind and email and upper-cases the
// currency.
func (r *DispatchRequest) Normalize() {
	r.Code = strings.TrimSpace(r.Code)
	r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.RecipientEmail = strings.ToLower(strings.TrimSpace(r.RecipientEmail))
	r.ReferenceID = strings.TrimSpace(r.ReferenceID)
	r.Destination = strings.TrimSpace(r.Destination)
}
