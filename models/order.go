package models

import (
	"fmt"
	"math"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "PENDING"
	OrderStatusPaid              OrderStatus = "PAID"
	OrderStatusPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
	OrderStatusRefunded          OrderStatus = "REFUNDED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
	OrderStatusFailed            OrderStatus = "FAILED"
)

// orderTransitions lists every status an order may move to from a given status.
// Statuses missing from the map are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:           {OrderStatusPaid, OrderStatusFailed},
	OrderStatusPaid:              {OrderStatusPartiallyRefunded, OrderStatusRefunded, OrderStatusCancelled},
	OrderStatusPartiallyRefunded: {OrderStatusPartiallyRefunded, OrderStatusRefunded},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusPartiallyRefunded,
		OrderStatusRefunded, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	_, ok := orderTransitions[s]
	return !ok
}

// Settled reports whether the payment for an order in this status has been
// captured at some point, regardless of later refunds.
func (s OrderStatus) Settled() bool {
	switch s {
	case OrderStatusPaid, OrderStatusPartiallyRefunded, OrderStatusRefunded, OrderStatusCancelled:
		return true
	}
	return false
}

// Refundable reports whether new refunds may be requested in this status.
func (s OrderStatus) Refundable() bool {
	return s == OrderStatusPaid || s == OrderStatusPartiallyRefunded
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type OrderType string

const (
	OrderTypeOnline  OrderType = "ONLINE"
	OrderTypeOffline OrderType = "OFFLINE"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeOnline || t == OrderTypeOffline
}

type DeliveryStatus string

const (
	DeliveryStatusReady     DeliveryStatus = "READY"
	DeliveryStatusShipped   DeliveryStatus = "SHIPPED"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
)

type Order struct {
	ID             int64          `json:"orderId"`
	UserID         int64          `json:"userId"`
	PaymentID      string         `json:"paymentId"`
	OrderNumber    string         `json:"orderNumber"`
	TotalPrice     int64          `json:"totalPrice"`
	Currency       string         `json:"currency"`
	OrderType      OrderType      `json:"orderType"`
	Status         OrderStatus    `json:"status"`
	PaymentMethod  string         `json:"paymentMethod,omitempty"`
	ApprovedAt     *time.Time     `json:"approvedAt,omitempty"`
	IdempotencyKey string         `json:"-"`
	Items          []OrderItem    `json:"items"`
	Delivery       *OrderDelivery `json:"delivery"`
	Refunds        []Refund       `json:"refunds,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type OrderItem struct {
	ID             int64          `json:"orderItemId"`
	OrderID        int64          `json:"orderId"`
	ProductID      int64          `json:"productId"`
	ProductName    string         `json:"productName"`
	UnitPrice      int64          `json:"productPrice"`
	Quantity       int            `json:"quantity"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
}

// MaxItemQuantity is the largest quantity the order_items.quantity column holds.
const MaxItemQuantity = math.MaxInt32

func (i OrderItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

type OrderDelivery struct {
	ID             int64  `json:"deliveryId"`
	OrderID        int64  `json:"orderId"`
	ReceiverName   string `json:"receiverName"`
	ReceiverPhone  string `json:"receiverPhone"`
	ZipCode        string `json:"zipCode"`
	Address        string `json:"address"`
	DetailAddress  string `json:"detailAddress"`
	DeliveryPlace  string `json:"deliveryPlace"`
	RequestMessage string `json:"requestMessage"`
}

// LineItemsTotal validates line items and returns the sum of unit price times
// quantity.
func LineItemsTotal(items []OrderItem) (int64, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: order must contain at least one item", ErrInvalidOrderRequest)
	}
	var total int64
	for _, item := range items {
		if item.Quantity <= 0 {
			return 0, fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidOrderRequest, item.ProductID)
		}
		if item.UnitPrice <= 0 {
			return 0, fmt.Errorf("%w: item %d price must be positive", ErrInvalidOrderRequest, item.ProductID)
		}
		if item.Quantity > MaxItemQuantity {
			return 0, fmt.Errorf("%w: item %d quantity exceeds %d", ErrInvalidOrderRequest, item.ProductID, MaxItemQuantity)
		}
		if item.UnitPrice > (math.MaxInt64-total)/int64(item.Quantity) {
			return 0, fmt.Errorf("%w: item %d overflows the order total", ErrInvalidOrderRequest, item.ProductID)
		}
		total += item.LineTotal()
	}
	return total, nil
}

// NewOrder builds a PENDING order from line items and the gateway-assigned
// payment id. The total is fixed here and never recomputed.
func NewOrder(userID int64, paymentID string, orderType OrderType, currency string, items []OrderItem, delivery OrderDelivery) (*Order, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", ErrInvalidOrderRequest)
	}
	if !orderType.Valid() {
		return nil, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrderRequest, orderType)
	}
	total, err := LineItemsTotal(items)
	if err != nil {
		return nil, err
	}

	snapshot := make([]OrderItem, len(items))
	for i, item := range items {
		item.DeliveryStatus = DeliveryStatusReady
		snapshot[i] = item
	}

	return &Order{
		UserID:     userID,
		PaymentID:  paymentID,
		TotalPrice: total,
		Currency:   currency,
		OrderType:  orderType,
		Status:     OrderStatusPending,
		Items:      snapshot,
		Delivery:   &delivery,
	}, nil
}

// OrderNumberFor formats the customer-facing order number.
func OrderNumberFor(id int64, createdAt time.Time) string {
	return fmt.Sprintf("ORD%s-%05d", createdAt.Format("20060102"), id)
}

// CurrentCancellableAmount is the part of the total not yet refunded
// successfully. It is always derived from the refund rows.
func (o *Order) CurrentCancellableAmount() int64 {
	var refunded int64
	for _, r := range o.Refunds {
		if r.Status == RefundStatusSuccess {
			refunded += r.Amount
		}
	}
	return o.TotalPrice - refunded
}

// ReservedRefundAmount sums refunds still waiting on the gateway.
func (o *Order) ReservedRefundAmount() int64 {
	var reserved int64
	for _, r := range o.Refunds {
		if r.Status == RefundStatusPending {
			reserved += r.Amount
		}
	}
	return reserved
}

func (o *Order) TransitionTo(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, o.Status, next)
	}
	o.Status = next
	return nil
}

// MarkPaid records a successful gateway confirmation.
func (o *Order) MarkPaid(method string, approvedAt time.Time) error {
	if err := o.TransitionTo(OrderStatusPaid); err != nil {
		return err
	}
	o.PaymentMethod = method
	o.ApprovedAt = &approvedAt
	return nil
}

// SettleRefunds moves the order to the status implied by its remaining
// balance. gatewayCancelled marks a cancellation that originated at the
// gateway, which turns a full cancellation of an untouched payment into
// CANCELLED rather than REFUNDED.
func (o *Order) SettleRefunds(gatewayCancelled bool) error {
	balance := o.CurrentCancellableAmount()
	switch {
	case balance < 0:
		return fmt.Errorf("%w: refunded total exceeds %d", ErrRefundAmountInvalid, o.TotalPrice)
	case balance == o.TotalPrice:
		return nil
	case balance > 0:
		return o.TransitionTo(OrderStatusPartiallyRefunded)
	case gatewayCancelled && o.Status == OrderStatusPaid:
		return o.TransitionTo(OrderStatusCancelled)
	default:
		return o.TransitionTo(OrderStatusRefunded)
	}
}

// RecordRefund inserts or replaces a refund in the loaded refund set.
func (o *Order) RecordRefund(r Refund) {
	for i := range o.Refunds {
		if o.Refunds[i].ID == r.ID && r.ID != 0 {
			o.Refunds[i] = r
			return
		}
	}
	o.Refunds = append(o.Refunds, r)
}

func (o *Order) RefundByCancellationID(id string) *Refund {
	if id == "" {
		return nil
	}
	for i := range o.Refunds {
		if o.Refunds[i].CancellationID == id {
			return &o.Refunds[i]
		}
	}
	return nil
}

func (o *Order) RefundByID(id int64) *Refund {
	for i := range o.Refunds {
		if o.Refunds[i].ID == id {
			return &o.Refunds[i]
		}
	}
	return nil
}

func (o *Order) HasProduct(productID int64) bool {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

func (o *Order) Item(productID int64) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return OrderItem{}, false
}
