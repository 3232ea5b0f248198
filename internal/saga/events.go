package saga

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Topic names consumed by the orchestrator.
const (
	TopicOrderCreated       = "order.created"
	TopicOrderStatusChanged = "order.status.changed"
	TopicOrderDeleted       = "order.deleted"
	TopicPaymentProcessed   = "payment.processed"
	TopicPaymentFailed      = "payment.failed"
	TopicInventoryReserved  = "inventory.reserved"
	TopicInventoryFailed    = "inventory.failed"
	TopicShippingPrepared   = "shipping.prepared"
	TopicShippingFailed     = "shipping.failed"
)

// Topic names published by the orchestrator.
const (
	TopicOrderFailed          = "order.failed"
	TopicPaymentRefund        = "payment.refund"
	TopicInventoryRelease     = "inventory.release"
	TopicShippingCancellation = "shipping.cancellation"
	// Step-request topics, published only when a retry policy re-drives a
	// failed step.
	TopicInventoryReservation = "inventory.reservation"
	TopicShippingPreparation  = "shipping.preparation"
)

// OrderItem is one line of an order as carried on order.created.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// OrderCreatedEvent triggers saga creation.
type OrderCreatedEvent struct {
	OrderID         string          `json:"orderId"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	CustomerID      string          `json:"customerId"`
	OrderNumber     string          `json:"orderNumber"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Currency        string          `json:"currency,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	Items           []OrderItem     `json:"items,omitempty"`
	ShippingAddress json.RawMessage `json:"shippingAddress,omitempty"`
	BillingAddress  json.RawMessage `json:"billingAddress,omitempty"`
}

// PaymentProcessedEvent confirms payment for an order.
type PaymentProcessedEvent struct {
	OrderID     string          `json:"orderId"`
	PaymentID   string          `json:"paymentId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	ProcessedAt time.Time       `json:"processedAt"`
}

// StepFailedEvent is the shared shape of payment.failed, inventory.failed and
// shipping.failed.
type StepFailedEvent struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	ErrorCode string    `json:"errorCode,omitempty"`
	FailedAt  time.Time `json:"failedAt"`
}

// InventoryReservedEvent records a stock reservation.
type InventoryReservedEvent struct {
	OrderID       string    `json:"orderId"`
	ReservationID string    `json:"reservationId"`
	ProductIDs    []string  `json:"productIds,omitempty"`
	ReservedAt    time.Time `json:"reservedAt"`
}

// ShippingPreparedEvent completes the saga.
type ShippingPreparedEvent struct {
	OrderID        string    `json:"orderId"`
	ShippingID     string    `json:"shippingId"`
	TrackingNumber string    `json:"trackingNumber,omitempty"`
	CarrierName    string    `json:"carrierName,omitempty"`
	ShippingMethod string    `json:"shippingMethod,omitempty"`
	PreparedAt     time.Time `json:"preparedAt"`
}

// OrderStatusChangedEvent reports an external order status transition.
type OrderStatusChangedEvent struct {
	OrderID        string    `json:"orderId"`
	OrderNumber    string    `json:"orderNumber,omitempty"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	NewStatus      string    `json:"newStatus"`
	UpdatedBy      string    `json:"updatedBy,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// OrderDeletedEvent asks the processor to discard the saga for a deleted order.
type OrderDeletedEvent struct {
	OrderID   string    `json:"orderId"`
	DeletedBy string    `json:"deletedBy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DeletedAt time.Time `json:"deletedAt"`
}

// OrderFailedEvent notifies the order service that fulfillment failed and was
// rolled back.
type OrderFailedEvent struct {
	OrderID       string `json:"orderId"`
	OrderNumber   string `json:"orderNumber"`
	CustomerID    string `json:"customerId"`
	ErrorMessage  string `json:"errorMessage"`
	FailedStep    string `json:"failedStep"`
	CorrelationID string `json:"correlationId,omitempty"`
	Status        string `json:"status"`
}

// PaymentRefundEvent asks the payment service to undo a charge.
type PaymentRefundEvent struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
}

// InventoryReleaseEvent asks the inventory service to undo a reservation.
type InventoryReleaseEvent struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
}

// ShippingCancellationEvent asks the shipping service to undo a prepared
// shipment.
type ShippingCancellationEvent struct {
	OrderID    string `json:"orderId"`
	ShippingID string `json:"shippingId"`
}

// InventoryReservationEvent requests a stock reservation (retry path only).
type InventoryReservationEvent struct {
	OrderID     string          `json:"orderId"`
	Items       json.RawMessage `json:"items,omitempty"`
	RequestedAt time.Time       `json:"requestedAt"`
}

// ShippingPreparationEvent requests shipment preparation (retry path only).
type ShippingPreparationEvent struct {
	OrderID     string    `json:"orderId"`
	CustomerID  string    `json:"customerId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// StatusNotification is the order.status.changed payload published when a
// saga completes, with step-specific fields in Fields.
type StatusNotification struct {
	OrderID       string            `json:"orderId"`
	OrderNumber   string            `json:"orderNumber,omitempty"`
	CustomerID    string            `json:"customerId,omitempty"`
	Status        string            `json:"status"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}
