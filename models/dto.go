package models

import "time"

type StartPaymentRequest struct {
	TotalPrice int64                `json:"totalPrice" binding:"required,gt=0"`
	OrderType  OrderType            `json:"orderType" binding:"required"`
	Items      []OrderItemRequest   `json:"items" binding:"required,min=1,dive"`
	Delivery   OrderDeliveryRequest `json:"delivery" binding:"required"`
}

type OrderItemRequest struct {
	ProductID    int64  `json:"productId" binding:"required"`
	ProductName  string `json:"productName"`
	ProductPrice int64  `json:"productPrice" binding:"gte=0"`
	Quantity     int    `json:"quantity" binding:"required,gt=0,max=2147483647"`
}

type OrderDeliveryRequest struct {
	ReceiverName   string `json:"receiverName" binding:"required"`
	ReceiverPhone  string `json:"receiverPhone" binding:"required"`
	ZipCode        string `json:"zipCode"`
	Address        string `json:"address" binding:"required"`
	DetailAddress  string `json:"detailAddress"`
	DeliveryPlace  string `json:"deliveryPlace"`
	RequestMessage string `json:"requestMessage"`
}

func (d OrderDeliveryRequest) Snapshot() OrderDelivery {
	return OrderDelivery{
		ReceiverName:   d.ReceiverName,
		ReceiverPhone:  d.ReceiverPhone,
		ZipCode:        d.ZipCode,
		Address:        d.Address,
		DetailAddress:  d.DetailAddress,
		DeliveryPlace:  d.DeliveryPlace,
		RequestMessage: d.RequestMessage,
	}
}

type StartPaymentResponse struct {
	OrderID     int64       `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	PaymentID   string      `json:"paymentId"`
	TotalPrice  int64       `json:"totalPrice"`
	Currency    string      `json:"currency"`
	Status      OrderStatus `json:"status"`
}

type ValidatePaymentRequest struct {
	PaymentID string `json:"paymentId" binding:"required"`
}

type ValidatePaymentResponse struct {
	OrderID       int64       `json:"orderId"`
	PaymentID     string      `json:"paymentId"`
	Status        OrderStatus `json:"status"`
	PaymentMethod string      `json:"paymentMethod,omitempty"`
	ApprovedAt    *time.Time  `json:"approvedAt,omitempty"`
}

type RefundRequest struct {
	PaymentID string `json:"paymentId" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
	// Amount is nil for a refund of everything currently refundable.
	Amount *int64 `json:"amount"`
	// CurrentCancellableAmount is what the client believed was refundable.
	// It is only compared and logged.
	CurrentCancellableAmount *int64 `json:"currentCancellableAmount"`
	OrderID                  int64  `json:"orderId" binding:"required"`
	ProductID                *int64 `json:"productId"`
	IdempotencyKey           string `json:"-"`
}

type RefundResponse struct {
	PaymentID      string       `json:"paymentId"`
	RefundID       int64        `json:"refundId"`
	Status         RefundStatus `json:"status"`
	RefundedAmount int64        `json:"refundedAmount"`
}

type OrderSummary struct {
	OrderID     int64       `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	PaymentID   string      `json:"paymentId"`
	TotalPrice  int64       `json:"totalPrice"`
	Status      OrderStatus `json:"status"`
	ItemCount   int         `json:"itemCount"`
	FirstItem   string      `json:"firstItemName"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type OrderDetail struct {
	Order
	CurrentCancellableAmount int64 `json:"currentCancellableAmount"`
}

type OrderItemInfo struct {
	OrderID     int64     `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	OrderItem   OrderItem `json:"item"`
	OrderedAt   time.Time `json:"orderedAt"`
}

type PageResponse[T any] struct {
	Content       []T   `json:"content"`
	CurrentPage   int   `json:"currentPage"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
	Size          int   `json:"size"`
	HasNext       bool  `json:"hasNext"`
}

func NewPageResponse[T any](content []T, page, size int, total int64) PageResponse[T] {
	if content == nil {
		content = []T{}
	}
	totalPages := 0
	if size > 0 {
		totalPages = int((total + int64(size) - 1) / int64(size))
	}
	return PageResponse[T]{
		Content:       content,
		CurrentPage:   page,
		TotalPages:    totalPages,
		TotalElements: total,
		Size:          size,
		HasNext:       page+1 < totalPages,
	}
}
