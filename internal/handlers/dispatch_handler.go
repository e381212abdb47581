package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/apperrors"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/dispatch"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/ledger"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/validation"
)

// DispatchService is the orchestrator as seen by the HTTP layer.
// *dispatch.Service implements it.
type DispatchService interface {
	Dispatch(ctx context.Context, req validation.DispatchRequest, idempotencyKey string) (*dispatch.Outcome, error)
	Retry(ctx context.Context, recordID string) (*dispatch.Outcome, error)
	Get(ctx context.Context, recordID string) (*ledger.Record, error)
}

// DispatchHandler serves the /dispatches routes.
type DispatchHandler struct {
	svc      DispatchService
	validate *validatorv10.Validate
	logger   *logrus.Entry
	nowFunc  func() time.Time
}

func NewDispatchHandler(svc DispatchService, logger *logrus.Entry) *DispatchHandler {
	if logger == nil {
		logger = logrus.WithField("component", "http")
	}
	return &DispatchHandler{
		svc:      svc,
		validate: validation.New(),
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// RegisterDispatchRoutes registers routes for the dispatch API.
func RegisterDispatchRoutes(r gin.IRouter, h *DispatchHandler) {
	r.POST("/dispatches", h.create)
	r.GET("/dispatches/:id", h.get)
	r.POST("/dispatches/:id/retry", h.retry)
}

type outcomeResponse struct {
	*dispatch.Outcome
	Retryable bool   `json:"retryable,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (h *DispatchHandler) create(c *gin.Context) {
	var req validation.DispatchRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	out, err := h.svc.Dispatch(c.Request.Context(), req, key)
	h.respond(c, out, err)
}

func (h *DispatchHandler) retry(c *gin.Context) {
	out, err := h.svc.Retry(c.Request.Context(), c.Param("id"))
	h.respond(c, out, err)
}

func (h *DispatchHandler) get(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *DispatchHandler) respond(c *gin.Context, out *dispatch.Outcome, err error) {
	if out == nil {
		if err == nil {
			err = apperrors.Internal("dispatch", errors.New("no outcome"))
		}
		h.writeError(c, err)
		return
	}
	if out.RecordID != "" {
		c.Header("Location", fmt.Sprintf("/dispatches/%s", out.RecordID))
	}

	body := outcomeResponse{Outcome: out}
	if err != nil {
		body.Error = apperrors.Code(err)
		body.Message = err.Error()
	}
	if out.Status == dispatch.OutcomePendingRetry {
		body.Retryable = true
		if out.NextAttemptAt != nil {
			c.Header("Retry-After", strconv.Itoa(h.retryAfter(*out.NextAttemptAt)))
		}
	}
	status := statusFor(out, err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("record_id", out.RecordID).Error("dispatch request failed")
	}
	c.JSON(status, body)
}

// statusFor maps an outcome to its HTTP status. Internal errors win over the
// outcome since the record may not reflect what happened.
func statusFor(out *dispatch.Outcome, err error) int {
	if err != nil && apperrors.HTTPStatus(err) == http.StatusInternalServerError {
		return http.StatusInternalServerError
	}
	switch out.Status {
	case dispatch.OutcomeOK:
		return http.StatusOK
	case dispatch.OutcomePending, dispatch.OutcomePendingRetry:
		return http.StatusAccepted
	case dispatch.OutcomeExhausted:
		return http.StatusConflict
	}
	// failed: the permanent cause carries its own status
	if err != nil {
		return apperrors.HTTPStatus(err)
	}
	return http.StatusConflict
}

func (h *DispatchHandler) writeError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed")
	}
	body := gin.H{"error": apperrors.Code(err), "message": err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	c.JSON(status, body)
}

// retryAfter is the whole number of seconds until at, at least 1.
func (h *DispatchHandler) retryAfter(at time.Time) int {
	secs := int(math.Ceil(at.Sub(h.nowFunc()).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
