package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-svc/gateway"
	"order-svc/middleware"
	"order-svc/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("order-service")

// Orchestrator drives an order from creation through gateway confirmation.
type Orchestrator struct {
	store     Store
	gateway   Gateway
	catalog   Catalog
	publisher Publisher
	currency  string
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator wires the orchestrator. catalog may be nil, in which case
// product names and prices are taken from the request as submitted.
func NewOrchestrator(store Store, gw Gateway, catalog Catalog, publisher Publisher, currency string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		gateway:   gw,
		catalog:   catalog,
		publisher: publisher,
		currency:  currency,
		logger:    logger,
		now:       time.Now,
	}
}

// StartPayment validates the request, registers a payment intent for the
// computed total and stores the order as PENDING. A repeated call with the
// same idempotency key returns the order created by the first call.
func (o *Orchestrator) StartPayment(ctx context.Context, userID int64, req models.StartPaymentRequest, idempotencyKey string) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "StartPayment")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int("order.items", len(req.Items)),
	)

	if idempotencyKey != "" {
		existing, err := o.store.FindOrderByIdempotencyKey(ctx, userID, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, models.ErrOrderNotFound) {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	if !req.OrderType.Valid() {
		return nil, fmt.Errorf("%w: unknown order type %q", models.ErrInvalidOrderRequest, req.OrderType)
	}
	if err := validateDelivery(req.Delivery); err != nil {
		return nil, err
	}

	items, err := o.resolveItems(ctx, req.Items)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	total, err := models.LineItemsTotal(items)
	if err != nil {
		return nil, err
	}
	if total != req.TotalPrice {
		return nil, fmt.Errorf("%w: total %d does not match line items %d", models.ErrInvalidOrderRequest, req.TotalPrice, total)
	}

	paymentID, err := o.gateway.StartIntent(ctx, gateway.Intent{
		Amount:     total,
		Currency:   o.currency,
		OrderName:  orderName(items),
		CustomerID: fmt.Sprintf("%d", userID),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, err)
	}
	span.SetAttributes(attribute.String("payment.id", paymentID))

	order, err := models.NewOrder(userID, paymentID, req.OrderType, o.currency, items, req.Delivery.Snapshot())
	if err != nil {
		return nil, err
	}
	order.IdempotencyKey = idempotencyKey

	if err := o.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, models.ErrDuplicateRequest) {
			// A concurrent request with the same key won; its intent is the one
			// the client will pay against.
			o.logger.Warn("Discarding duplicate payment intent",
				zap.String("trace_id", middleware.GetTraceID(ctx)),
				zap.String("payment_id", paymentID),
			)
			return o.store.FindOrderByIdempotencyKey(ctx, userID, idempotencyKey)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	middleware.RecordPaymentStarted()
	o.publish(ctx, models.OrderEvent{
		EventType:  models.EventOrderCreated,
		OrderID:    order.ID,
		UserID:     order.UserID,
		PaymentID:  order.PaymentID,
		Status:     order.Status,
		TotalPrice: order.TotalPrice,
	})

	o.logger.Info("Payment started",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", order.PaymentID),
		zap.Int64("total_price", order.TotalPrice),
	)
	return order, nil
}

func (o *Orchestrator) resolveItems(ctx context.Context, reqItems []models.OrderItemRequest) ([]models.OrderItem, error) {
	if len(reqItems) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", models.ErrInvalidOrderRequest)
	}

	items := make([]models.OrderItem, 0, len(reqItems))
	for _, ri := range reqItems {
		item := models.OrderItem{
			ProductID:   ri.ProductID,
			ProductName: ri.ProductName,
			UnitPrice:   ri.ProductPrice,
			Quantity:    ri.Quantity,
		}

		if o.catalog != nil {
			product, err := o.catalog.Resolve(ctx, ri.ProductID)
			if err != nil {
				return nil, err
			}
			if ri.ProductPrice != 0 && ri.ProductPrice != product.Price {
				return nil, fmt.Errorf("%w: price of product %d is %d, not %d",
					models.ErrInvalidOrderRequest, ri.ProductID, product.Price, ri.ProductPrice)
			}
			item.ProductName = product.Name
			item.UnitPrice = product.Price
		}

		items = append(items, item)
	}
	return items, nil
}

func validateDelivery(d models.OrderDeliveryRequest) error {
	if strings.TrimSpace(d.ReceiverName) == "" || strings.TrimSpace(d.ReceiverPhone) == "" || strings.TrimSpace(d.Address) == "" {
		return fmt.Errorf("%w: receiver name, phone and address are required", models.ErrInvalidOrderRequest)
	}
	return nil
}

func orderName(items []models.OrderItem) string {
	if len(items) == 1 {
		return items[0].ProductName
	}
	return fmt.Sprintf("%s and %d more", items[0].ProductName, len(items)-1)
}

// Validate reconciles a payment with the gateway and moves the order to PAID.
// It is idempotent: an order that was already confirmed is returned as is.
func (o *Orchestrator) Validate(ctx context.Context, paymentID string) (*models.Order, error) {
	return o.validate(ctx, paymentID, true)
}

// validate implements Validate. queueUnknown controls whether an unknown
// gateway outcome is queued for reconciliation; the resolver itself passes
// false so a gateway outage does not feed the queue it is draining.
func (o *Orchestrator) validate(ctx context.Context, paymentID string, queueUnknown bool) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "ValidatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	order, err := o.store.GetOrderByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if order.Status.Settled() {
		middleware.RecordPaymentValidated("already_paid")
		return order, nil
	}
	if order.Status == models.OrderStatusFailed {
		return order, fmt.Errorf("%w: order %d", models.ErrPaymentFailed, order.ID)
	}

	conf, err := o.gateway.Confirm(ctx, paymentID)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrPaymentFailed):
		return o.markFailed(ctx, paymentID, err)
	case errors.Is(err, models.ErrPaymentNotCompleted), gateway.IsNotFound(err):
		middleware.RecordPaymentValidated("not_completed")
		if !errors.Is(err, models.ErrPaymentNotCompleted) {
			err = fmt.Errorf("%w: %w", models.ErrPaymentNotCompleted, err)
		}
		return order, err
	default:
		span.RecordError(err)
		middleware.RecordPaymentValidated("gateway_error")
		if queueUnknown && gateway.OutcomeOf(err) == gateway.OutcomeUnknown {
			o.requestReview(ctx, models.ReviewRequest{
				PaymentID: paymentID,
				OrderID:   order.ID,
				Reason:    models.ReviewValidationUnknown,
				Detail:    err.Error(),
			})
		}
		return nil, fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, err)
	}

	if conf.Amount != order.TotalPrice || !strings.EqualFold(conf.Currency, order.Currency) {
		middleware.RecordPaymentValidated("amount_mismatch")
		o.logger.Error("Payment amount mismatch",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Bool("alarm", true),
			zap.String("payment_id", paymentID),
			zap.Int64("order_total", order.TotalPrice),
			zap.String("order_currency", order.Currency),
			zap.Int64("gateway_amount", conf.Amount),
			zap.String("gateway_currency", conf.Currency),
		)
		o.publish(ctx, models.OrderEvent{
			EventType:  models.EventPaymentAmountMismatch,
			OrderID:    order.ID,
			UserID:     order.UserID,
			PaymentID:  paymentID,
			Status:     order.Status,
			TotalPrice: order.TotalPrice,
			Amount:     conf.Amount,
			Detail:     conf.Currency,
		})
		return order, fmt.Errorf("%w: gateway reports %d %s, order total is %d %s",
			models.ErrPaymentAmountMismatch, conf.Amount, conf.Currency, order.TotalPrice, order.Currency)
	}

	transitioned := false
	err = o.store.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockOrderByPaymentID(ctx, paymentID)
		if err != nil {
			return err
		}
		order = locked
		if order.Status != models.OrderStatusPending {
			// Another validation got here first.
			return nil
		}
		if err := order.MarkPaid(conf.Method, conf.ApprovedAt); err != nil {
			return err
		}
		transitioned = true
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	if !transitioned {
		middleware.RecordPaymentValidated("already_paid")
		if order.Status == models.OrderStatusFailed {
			return order, fmt.Errorf("%w: order %d", models.ErrPaymentFailed, order.ID)
		}
		return order, nil
	}

	middleware.RecordPaymentValidated("paid")
	o.publish(ctx, models.OrderEvent{
		EventType:  models.EventPaymentPaid,
		OrderID:    order.ID,
		UserID:     order.UserID,
		PaymentID:  paymentID,
		Status:     order.Status,
		TotalPrice: order.TotalPrice,
	})
	o.logger.Info("Payment validated",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", paymentID),
		zap.String("payment_method", order.PaymentMethod),
	)
	return order, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, paymentID string, cause error) (*models.Order, error) {
	var order *models.Order
	transitioned := false
	err := o.store.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockOrderByPaymentID(ctx, paymentID)
		if err != nil {
			return err
		}
		order = locked
		if order.Status != models.OrderStatusPending {
			return nil
		}
		if err := order.TransitionTo(models.OrderStatusFailed); err != nil {
			return err
		}
		transitioned = true
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark order failed: %w", err)
	}

	if order.Status.Settled() {
		// Confirmed by a concurrent validation before the failure was observed.
		return order, nil
	}
	if transitioned {
		middleware.RecordPaymentValidated("failed")
		o.publish(ctx, models.OrderEvent{
			EventType:  models.EventPaymentFailed,
			OrderID:    order.ID,
			UserID:     order.UserID,
			PaymentID:  paymentID,
			Status:     order.Status,
			TotalPrice: order.TotalPrice,
		})
	}
	return order, cause
}

func (o *Orchestrator) publish(ctx context.Context, event models.OrderEvent) {
	publishEvent(ctx, o.publisher, o.logger, event, o.now())
}

func (o *Orchestrator) requestReview(ctx context.Context, req models.ReviewRequest) {
	requestReview(ctx, o.publisher, o.logger, req, o.now())
}

func publishEvent(ctx context.Context, publisher Publisher, logger *zap.Logger, event models.OrderEvent, now time.Time) {
	if publisher == nil {
		return
	}
	event.OccurredAt = now
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		// Events are notifications; the database is the record.
		logger.Error("Failed to publish event",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("event_type", event.EventType),
			zap.String("payment_id", event.PaymentID),
			zap.Error(err),
		)
	}
}

// requestReview queues a payment for asynchronous reconciliation. A failure to
// queue is logged as an alarm since the divergence would otherwise go unseen.
func requestReview(ctx context.Context, publisher Publisher, logger *zap.Logger, req models.ReviewRequest, now time.Time) {
	req.RequestedAt = now
	logger.Error("Payment flagged for reconciliation",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Bool("alarm", true),
		zap.String("payment_id", req.PaymentID),
		zap.Int64("order_id", req.OrderID),
		zap.Int64("refund_id", req.RefundID),
		zap.String("reason", string(req.Reason)),
		zap.String("detail", req.Detail),
	)
	if publisher == nil {
		return
	}
	if err := publisher.RequestReview(ctx, req); err != nil {
		logger.Error("Failed to queue reconciliation review",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Bool("alarm", true),
			zap.String("payment_id", req.PaymentID),
			zap.Error(err),
		)
	}
}
