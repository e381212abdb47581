// Package signer produces the HMAC headers partner stores use to
// authenticate dispatch requests.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderKeyID          = "X-Dispatch-Key-Id"
	HeaderTimestamp      = "X-Dispatch-Timestamp"
	HeaderSignature      = "X-Dispatch-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"

	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed skew")
)

// Canonical is the signed view of an outbound request.
type Canonical struct {
	Method    string
	Path      string
	Timestamp int64 // unix seconds
	Body      []byte
}

// String renders METHOD\nPATH\nTIMESTAMP\nhex(sha256(body)).
func (c Canonical) String() string {
	sum := sha256.Sum256(c.Body)
	return strings.Join([]string{
		strings.ToUpper(c.Method),
		c.Path,
		strconv.FormatInt(c.Timestamp, 10),
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// Sign returns "sha256=" + hex(HMAC-SHA256(secret, canonical)).
func Sign(secret string, c Canonical) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(c.String()))
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Headers returns the full header set for a signed request. The idempotency
// key lets the partner drop replays of the same dispatch.
func Headers(keyID, secret, idempotencyKey string, c Canonical) http.Header {
	h := http.Header{}
	h.Set(HeaderKeyID, keyID)
	h.Set(HeaderTimestamp, strconv.FormatInt(c.Timestamp, 10))
	h.Set(HeaderSignature, Sign(secret, c))
	if idempotencyKey != "" {
		h.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	return h
}

// Verify checks signature against c and rejects timestamps further than
// maxSkew from now. A zero maxSkew disables the freshness check.
func Verify(secret string, c Canonical, signature string, now time.Time, maxSkew time.Duration) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if maxSkew > 0 {
		skew := now.Sub(time.Unix(c.Timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return fmt.Errorf("%w: %s", ErrStaleTimestamp, skew)
		}
	}
	if !hmac.Equal([]byte(Sign(secret, c)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// FromRequest rebuilds the canonical form on the receiving side. The caller
// supplies the already-read body.
func FromRequest(r *http.Request, body []byte) (Canonical, error) {
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return Canonical{}, fmt.Errorf("parse %s: %w", HeaderTimestamp, err)
	}
	return Canonical{
		Method:    r.Method,
		Path:      r.URL.Path,
		Timestamp: ts,
		Body:      body,
	}, nil
}
