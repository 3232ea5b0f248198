package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status captures the current state of an order processing saga.
type Status string

const (
	StatusCreated                    Status = "CREATED"
	StatusPendingPaymentConfirmation Status = "PENDING_PAYMENT_CONFIRMATION"
	StatusPaymentConfirmed           Status = "PAYMENT_CONFIRMED"
	StatusPendingShippingPreparation Status = "PENDING_SHIPPING_PREPARATION"
	StatusShippingPrepared           Status = "SHIPPING_PREPARED"
	StatusCompleted                  Status = "COMPLETED"
	StatusCancelled                  Status = "CANCELLED"
	StatusCompensating               Status = "COMPENSATING"
	StatusCompensated                Status = "COMPENSATED"
)

// Step is a coarse progress indicator alongside Status.
type Step string

const (
	StepAwaitingPayment  Step = "AWAITING_PAYMENT"
	StepAwaitingShipment Step = "AWAITING_SHIPMENT"
	StepCompleted        Step = "COMPLETED"
)

// AllStatuses lists every legal stored status, in lifecycle order.
var AllStatuses = []Status{
	StatusCreated,
	StatusPendingPaymentConfirmation,
	StatusPaymentConfirmed,
	StatusPendingShippingPreparation,
	StatusShippingPrepared,
	StatusCompleted,
	StatusCancelled,
	StatusCompensating,
	StatusCompensated,
}

// AwaitingStatuses are the states in which a saga sits waiting for an admin
// action. Sagas stuck in one of these past the staleness window get flagged by
// the sweep.
var AwaitingStatuses = []Status{
	StatusPendingPaymentConfirmation,
	StatusPendingShippingPreparation,
}

// ActiveStatuses are the non-terminal, non-compensating states.
var ActiveStatuses = []Status{
	StatusPendingPaymentConfirmation,
	StatusPaymentConfirmed,
	StatusPendingShippingPreparation,
}

// Saga is the single aggregate of the order processor: one row per order,
// tracking how far fulfillment has progressed and which external identifiers
// have been collected along the way.
type Saga struct {
	ID                     string          `json:"id"`
	OrderID                string          `json:"orderId"`
	CustomerID             string          `json:"customerId"`
	OrderNumber            string          `json:"orderNumber"`
	TotalAmount            decimal.Decimal `json:"totalAmount"`
	Currency               string          `json:"currency"`
	Status                 Status          `json:"status"`
	CurrentStep            Step            `json:"currentStep"`
	PaymentID              string          `json:"paymentId,omitempty"`
	InventoryReservationID string          `json:"inventoryReservationId,omitempty"`
	ShippingID             string          `json:"shippingId,omitempty"`

	// Captured verbatim from the order.created event so later steps need no
	// lookup against the order service.
	OrderItems      json.RawMessage `json:"orderItems,omitempty"`
	ShippingAddress json.RawMessage `json:"shippingAddress,omitempty"`
	BillingAddress  json.RawMessage `json:"billingAddress,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	// FailedStep records which step failed, set at failure time. Empty for
	// sagas failed before this field existed; compensation then falls back to
	// inferring the step from which identifiers are missing.
	FailedStep string `json:"failedStep,omitempty"`
	RetryCount int    `json:"retryCount"`

	// Version is the optimistic concurrency token compared on save.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New constructs a saga in PENDING_PAYMENT_CONFIRMATION awaiting admin payment
// confirmation. There is no separate CREATED-only path.
func New(orderID, customerID, orderNumber string, amount decimal.Decimal, currency string) *Saga {
	now := time.Now().UTC()
	return &Saga{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		CustomerID:  customerID,
		OrderNumber: orderNumber,
		TotalAmount: amount,
		Currency:    currency,
		Status:      StatusPendingPaymentConfirmation,
		CurrentStep: StepAwaitingPayment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Saga) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// SetPaymentID records the external payment identifier.
func (s *Saga) SetPaymentID(id string) {
	s.PaymentID = id
	s.touch()
}

// SetInventoryReservationID records the external reservation identifier.
func (s *Saga) SetInventoryReservationID(id string) {
	s.InventoryReservationID = id
	s.touch()
}

// SetShippingID records the external shipping identifier.
func (s *Saga) SetShippingID(id string) {
	s.ShippingID = id
	s.touch()
}

// MarkPaymentConfirmed moves the saga to awaiting shipment preparation.
func (s *Saga) MarkPaymentConfirmed() {
	s.Status = StatusPendingShippingPreparation
	s.CurrentStep = StepAwaitingShipment
	s.touch()
}

// MarkShippingPrepared records that the shipment has been prepared.
func (s *Saga) MarkShippingPrepared() {
	s.Status = StatusShippingPrepared
	s.touch()
}

// MarkCompleted moves the saga to its successful terminal state.
func (s *Saga) MarkCompleted() {
	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.CurrentStep = StepCompleted
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// MarkFailed records the failure reason and moves the saga to CANCELLED.
func (s *Saga) MarkFailed(reason string) {
	s.Status = StatusCancelled
	s.ErrorMessage = reason
	s.touch()
}

// MarkCompensating flags the saga as rolling back with the given reason and
// the step that failed.
func (s *Saga) MarkCompensating(reason, failedStep string) {
	s.Status = StatusCompensating
	s.ErrorMessage = reason
	if failedStep != "" {
		s.FailedStep = failedStep
	}
	s.touch()
}

// MarkCompensated records that rollback finished.
func (s *Saga) MarkCompensated() {
	s.Status = StatusCompensated
	s.touch()
}

// IncrementRetry bumps the retry counter. It never decreases.
func (s *Saga) IncrementRetry() {
	s.RetryCount++
	s.touch()
}

// CanRetry reports whether another attempt is allowed under the given budget.
// The admin-confirmed workflow runs with a zero budget, so this is always
// false there.
func (s *Saga) CanRetry(maxAttempts int) bool {
	return s.RetryCount < maxAttempts
}

// IsCompleted reports whether the saga finished successfully.
func (s *Saga) IsCompleted() bool {
	return s.Status == StatusCompleted
}

// IsFailed reports whether the saga ended in a failure state.
func (s *Saga) IsFailed() bool {
	return s.Status == StatusCancelled || s.Status == StatusCompensated
}

// IsTerminal reports whether no further transition is allowed except deletion.
func (s *Saga) IsTerminal() bool {
	return s.Status == StatusCancelled || s.Status == StatusCompensated
}

// InFlight reports whether the saga is still progressing toward completion and
// must be compensated before deletion.
func (s *Saga) InFlight() bool {
	switch s.Status {
	case StatusPendingPaymentConfirmation, StatusPaymentConfirmed, StatusPendingShippingPreparation:
		return true
	}
	return false
}

// FailureStep returns the recorded failed step, or infers it from which
// identifiers are still missing. The inference can misreport a legitimately
// skipped step; the explicit FailedStep field takes precedence.
func (s *Saga) FailureStep() string {
	if s.FailedStep != "" {
		return s.FailedStep
	}
	switch {
	case s.PaymentID == "":
		return "payment"
	case s.InventoryReservationID == "":
		return "inventory"
	case s.ShippingID == "":
		return "shipping"
	default:
		return "unknown"
	}
}
