package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRetriesExhausted):
		return http.StatusConflict
	case errors.Is(err, ErrCredentialsMissing), errors.Is(err, ErrEncoding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPartnerRejected):
		return http.StatusBadGateway
	case errors.Is(err, ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable code for API responses.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, ErrCredentialsMissing):
		return "credentials_missing"
	case errors.Is(err, ErrEncoding):
		return "encoding_failed"
	case errors.Is(err, ErrPartnerRejected):
		return "partner_rejected"
	case errors.Is(err, ErrTransport):
		return "transport_failed"
	default:
		return "internal_error"
	}
}
