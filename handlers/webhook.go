package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"order-svc/middleware"
	"order-svc/models"
	"order-svc/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type WebhookProcessor interface {
	Handle(ctx context.Context, webhookID string, body []byte) (models.WebhookOutcome, error)
}

type WebhookHandler struct {
	verifier  *webhook.Verifier
	processor WebhookProcessor
	logger    *zap.Logger
}

func NewWebhookHandler(verifier *webhook.Verifier, processor WebhookProcessor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, processor: processor, logger: logger}
}

// Receive handles POST /api/webhook-portone. Anything that fails after the
// signature check is answered with 503 so the gateway redelivers.
func (h *WebhookHandler) Receive(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "failed to read body", Code: "MALFORMED_WEBHOOK"})
		return
	}

	webhookID := c.GetHeader(webhook.HeaderID)
	err = h.verifier.Verify(webhookID, c.GetHeader(webhook.HeaderTimestamp), c.GetHeader(webhook.HeaderSignature), body)
	if err != nil {
		h.logger.Warn("Rejected webhook",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("webhook_id", webhookID),
			zap.String("remote_addr", c.ClientIP()),
			zap.Error(err),
		)
		middleware.RecordWebhook("", "rejected")
		respondError(c, h.logger, err)
		return
	}

	outcome, err := h.processor.Handle(ctx, webhookID, body)
	if err != nil {
		if errors.Is(err, models.ErrMalformedWebhook) {
			respondError(c, h.logger, err)
			return
		}
		h.logger.Error("Failed to process webhook",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("webhook_id", webhookID),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, errorResponse{
			Error:     "webhook not processed, redeliver",
			Code:      "WEBHOOK_RETRY",
			Retryable: true,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"webhookId": webhookID, "outcome": outcome})
}
