package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"order-svc/middleware"
	"order-svc/models"
	"order-svc/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const idempotencyKeyHeader = "Idempotency-Key"

type PaymentService interface {
	StartPayment(ctx context.Context, userID int64, req models.StartPaymentRequest, idempotencyKey string) (*models.Order, error)
	Validate(ctx context.Context, paymentID string) (*models.Order, error)
}

type RefundService interface {
	Refund(ctx context.Context, userID int64, req models.RefundRequest) (*models.Refund, error)
}

type OrderQueries interface {
	History(ctx context.Context, userID int64, period string, page, size int) (models.PageResponse[models.OrderSummary], error)
	Detail(ctx context.Context, userID, orderID int64) (*models.OrderDetail, error)
	OrderItem(ctx context.Context, userID, orderID, productID int64) (*models.OrderItemInfo, error)
	PaymentOwner(ctx context.Context, userID int64, paymentID string) error
}

type OrderHandler struct {
	payments PaymentService
	refunds  RefundService
	queries  OrderQueries
	logger   *zap.Logger
}

func NewOrderHandler(payments PaymentService, refunds RefundService, queries OrderQueries, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		payments: payments,
		refunds:  refunds,
		queries:  queries,
		logger:   logger,
	}
}

// StartPayment handles POST /api/order/start.
func (h *OrderHandler) StartPayment(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req models.StartPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "INVALID_ORDER_REQUEST"})
		return
	}

	order, err := h.payments.StartPayment(c.Request.Context(), userID, req, c.GetHeader(idempotencyKeyHeader))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, models.StartPaymentResponse{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		PaymentID:   order.PaymentID,
		TotalPrice:  order.TotalPrice,
		Currency:    order.Currency,
		Status:      order.Status,
	})
}

// ValidatePayment handles POST /api/order/validation.
func (h *OrderHandler) ValidatePayment(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req models.ValidatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "INVALID_ORDER_REQUEST"})
		return
	}

	// Ownership is checked before the gateway is asked to confirm anything.
	if err := h.queries.PaymentOwner(c.Request.Context(), userID, req.PaymentID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	order, err := h.payments.Validate(c.Request.Context(), req.PaymentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.ValidatePaymentResponse{
		OrderID:       order.ID,
		PaymentID:     order.PaymentID,
		Status:        order.Status,
		PaymentMethod: order.PaymentMethod,
		ApprovedAt:    order.ApprovedAt,
	})
}

// History handles GET /api/order/history.
func (h *OrderHandler) History(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	page, err := queryInt(c, "page", 0)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	size, err := queryInt(c, "size", payment.DefaultPageSize)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp, err := h.queries.History(c.Request.Context(), userID, c.DefaultQuery("period", "1month"), int(page), int(size))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Details handles GET /api/order/details.
func (h *OrderHandler) Details(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	orderID, err := requiredQueryInt(c, "orderId")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	detail, err := h.queries.Detail(c.Request.Context(), userID, orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Product handles GET /api/order/product, the line lookup used when a
// customer reviews something they bought.
func (h *OrderHandler) Product(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	orderID, err := requiredQueryInt(c, "orderId")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	productID, err := requiredQueryInt(c, "productId")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	info, err := h.queries.OrderItem(c.Request.Context(), userID, orderID, productID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Refund handles POST /api/order/refund.
func (h *OrderHandler) Refund(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "INVALID_ORDER_REQUEST"})
		return
	}
	req.IdempotencyKey = c.GetHeader(idempotencyKeyHeader)

	refund, err := h.refunds.Refund(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Refund completed",
		zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
		zap.Int64("user_id", userID),
		zap.Int64("order_id", req.OrderID),
		zap.Int64("refund_id", refund.ID),
		zap.Int64("amount", refund.Amount),
	)
	c.JSON(http.StatusOK, models.RefundResponse{
		PaymentID:      req.PaymentID,
		RefundID:       refund.ID,
		Status:         refund.Status,
		RefundedAmount: refund.Amount,
	})
}

func (h *OrderHandler) userID(c *gin.Context) (int64, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "Authorization required", Code: "UNAUTHORIZED"})
		return 0, false
	}
	return userID, true
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalidOrderRequest, key)
	}
	return v, nil
}

func requiredQueryInt(c *gin.Context, key string) (int64, error) {
	if c.Query(key) == "" {
		return 0, fmt.Errorf("%w: %s is required", models.ErrInvalidOrderRequest, key)
	}
	return queryInt(c, key, 0)
}
