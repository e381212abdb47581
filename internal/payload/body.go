package payload

import (
	"encoding/json"
	"fmt"
	"time"
)

// Body is the JSON document POSTed to a partner store. Its encoded form is
// the record's payload snapshot, reused byte for byte on every retry.
type Body struct {
	Code           string     `json:"code"`
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	RecipientEmail string     `json:"recipient_email"`
	Meta           Meta       `json:"meta"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Encode serializes b into a snapshot.
func Encode(b Body) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Decode parses a stored snapshot. A snapshot that is not a JSON object or
// has no code is rejected.
func Decode(snapshot string) (Body, error) {
	var b Body
	if err := json.Unmarshal([]byte(snapshot), &b); err != nil {
		return Body{}, fmt.Errorf("decode payload: %w", err)
	}
	if b.Code == "" {
		return Body{}, fmt.Errorf("decode payload: code missing")
	}
	return b, nil
}
