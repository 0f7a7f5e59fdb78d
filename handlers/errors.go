package handlers

import (
	"errors"
	"net/http"

	"order-svc/middleware"
	"order-svc/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

type errorMapping struct {
	target    error
	status    int
	code      string
	retryable bool
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{models.ErrInvalidOrderRequest, http.StatusBadRequest, "INVALID_ORDER_REQUEST", false},
	{models.ErrMalformedWebhook, http.StatusBadRequest, "MALFORMED_WEBHOOK", false},
	{models.ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE", false},
	{models.ErrReplayDetected, http.StatusUnauthorized, "REPLAY_DETECTED", false},
	{models.ErrAccessDenied, http.StatusForbidden, "ACCESS_DENIED", false},
	{models.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND", false},
	{models.ErrRefundNotFound, http.StatusNotFound, "REFUND_NOT_FOUND", false},
	{models.ErrInvalidStateTransition, http.StatusConflict, "INVALID_STATE_TRANSITION", false},
	{models.ErrRefundBalanceChanged, http.StatusConflict, "REFUND_BALANCE_CHANGED", false},
	{models.ErrPaymentNotCompleted, http.StatusConflict, "PAYMENT_NOT_COMPLETED", true},
	{models.ErrRefundInProgress, http.StatusConflict, "REFUND_IN_PROGRESS", true},
	{models.ErrDuplicateRequest, http.StatusConflict, "DUPLICATE_REQUEST", true},
	{models.ErrRefundAmountInvalid, http.StatusUnprocessableEntity, "REFUND_AMOUNT_INVALID", false},
	{models.ErrPaymentAmountMismatch, http.StatusUnprocessableEntity, "PAYMENT_AMOUNT_MISMATCH", false},
	{models.ErrPaymentFailed, http.StatusUnprocessableEntity, "PAYMENT_FAILED", false},
	{models.ErrGatewayUnavailable, http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE", true},
	{models.ErrCatalogUnavailable, http.StatusServiceUnavailable, "CATALOG_UNAVAILABLE", true},
}

// respondError writes the typed error body for err. Unclassified errors are
// logged and reported as 500 without their detail.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var gwErr *models.RefundGatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Retryable() {
			c.JSON(http.StatusServiceUnavailable, errorResponse{
				Error:     "refund outcome unknown, it will be reconciled",
				Code:      "REFUND_OUTCOME_UNKNOWN",
				Retryable: true,
			})
			return
		}
		c.JSON(http.StatusBadGateway, errorResponse{
			Error: "the payment provider rejected the refund",
			Code:  "GATEWAY_REJECTED",
		})
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, errorResponse{Error: err.Error(), Code: m.code, Retryable: m.retryable})
			return
		}
	}

	logger.Error("Unhandled error",
		zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "Internal server error", Code: "INTERNAL_ERROR"})
}
