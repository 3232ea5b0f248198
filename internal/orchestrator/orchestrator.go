package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"steward/internal/gateway"
	"steward/internal/saga"
)

const defaultCurrency = "USD"

// Config tunes orchestration behavior.
type Config struct {
	// DefaultCurrency is applied when order.created carries no currency.
	DefaultCurrency string
	// Retry governs the inventory/shipping failure handlers.
	Retry RetryPolicy
}

// Orchestrator drives order sagas: one handler per inbound event type, the
// compensation algorithm, and the stuck-saga sweep. Handlers are safe under
// duplicate delivery; a saga that cannot be found is a benign no-op because
// the event may be out of order or the saga already archived.
type Orchestrator struct {
	store     saga.Store
	publisher gateway.Publisher
	notifier  Notifier
	logger    *slog.Logger
	retry     RetryPolicy
	currency  string
}

// New constructs an Orchestrator. notifier and logger may be nil.
func New(store saga.Store, publisher gateway.Publisher, notifier Notifier, logger *slog.Logger, cfg Config) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	currency := cfg.DefaultCurrency
	if currency == "" {
		currency = defaultCurrency
	}
	return &Orchestrator{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		retry:     cfg.Retry,
		currency:  currency,
	}
}

// Register binds every inbound topic to its handler on the dispatcher.
func (o *Orchestrator) Register(d *gateway.Dispatcher) {
	d.Register(saga.TopicOrderCreated, o.HandleOrderCreated)
	d.Register(saga.TopicPaymentProcessed, o.HandlePaymentProcessed)
	d.Register(saga.TopicPaymentFailed, o.HandlePaymentFailed)
	d.Register(saga.TopicInventoryReserved, o.HandleInventoryReserved)
	d.Register(saga.TopicInventoryFailed, o.HandleInventoryFailed)
	d.Register(saga.TopicShippingPrepared, o.HandleShippingPrepared)
	d.Register(saga.TopicShippingFailed, o.HandleShippingFailed)
	d.Register(saga.TopicOrderStatusChanged, o.HandleOrderStatusChanged)
	d.Register(saga.TopicOrderDeleted, o.HandleOrderDeleted)
}

// HandleOrderCreated starts a new saga in PENDING_PAYMENT_CONFIRMATION. The
// workflow then waits for an external payment confirmation; nothing is
// published. Items and addresses are captured verbatim off the event so later
// steps need no lookup. Duplicate creation resolves to a no-op at the store.
func (o *Orchestrator) HandleOrderCreated(ctx context.Context, env gateway.Envelope) error {
	var event saga.OrderCreatedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	o.logger.Info("starting order processing saga", "order_id", event.OrderID, "order_number", event.OrderNumber)

	currency := event.Currency
	if currency == "" {
		currency = o.currency
	}
	sg := saga.New(event.OrderID, event.CustomerID, event.OrderNumber, event.TotalAmount, currency)

	if len(event.Items) > 0 {
		items, err := json.Marshal(event.Items)
		if err != nil {
			return fmt.Errorf("store order items: %w", err)
		}
		sg.OrderItems = items
	}
	sg.ShippingAddress = event.ShippingAddress
	sg.BillingAddress = event.BillingAddress

	created, err := o.store.Create(ctx, sg)
	if err != nil {
		return err
	}
	if !created {
		o.logger.Warn("saga already exists for order", "order_id", event.OrderID)
		return nil
	}

	o.notifier.SagaStarted(sg)
	o.logger.Info("saga awaiting payment confirmation", "saga_id", sg.ID, "order_id", sg.OrderID)
	return nil
}

// HandlePaymentProcessed records the payment id and moves the saga to
// awaiting shipment preparation.
func (o *Orchestrator) HandlePaymentProcessed(ctx context.Context, env gateway.Envelope) error {
	var event saga.PaymentProcessedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	sg, ok, err := o.find(ctx, event.OrderID, env.Topic)
	if err != nil || !ok {
		return err
	}
	if o.refuseTerminal(sg, env.Topic) {
		return nil
	}

	sg.SetPaymentID(event.PaymentID)
	sg.MarkPaymentConfirmed()
	if err := o.store.Save(ctx, sg); err != nil {
		return err
	}

	o.logger.Info("payment confirmed, awaiting shipment preparation", "saga_id", sg.ID, "order_id", sg.OrderID)
	return nil
}

// HandlePaymentFailed routes a failed payment straight to compensation.
// Payment has no retry branch: there is nothing to unwind yet and the admin
// decides whether to re-trigger.
func (o *Orchestrator) HandlePaymentFailed(ctx context.Context, env gateway.Envelope) error {
	var event saga.StepFailedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	sg, ok, err := o.find(ctx, event.OrderID, env.Topic)
	if err != nil || !ok {
		return err
	}
	if o.refuseTerminal(sg, env.Topic) {
		return nil
	}

	o.logger.Warn("payment failed", "order_id", sg.OrderID, "reason", event.Reason)
	return o.failSaga(ctx, sg, "Payment failed: "+event.Reason, "payment", correlation(env, sg))
}

// HandleInventoryReserved records the reservation id. The admin-confirmed
// workflow has no explicit reservation step, so no status transition happens;
// the id matters later when compensation decides how far to unwind.
func (o *Orchestrator) HandleInventoryReserved(ctx context.Context, env gateway.Envelope) error {
	var event saga.InventoryReservedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	sg, ok, err := o.find(ctx, event.OrderID, env.Topic)
	if err != nil || !ok {
		return err
	}
	if o.refuseTerminal(sg, env.Topic) {
		return nil
	}

	sg.SetInventoryReservationID(event.ReservationID)
	if err := o.store.Save(ctx, sg); err != nil {
		return err
	}

	o.logger.Info("inventory reservation recorded", "saga_id", sg.ID, "reservation_id", event.ReservationID)
	return nil
}

// HandleInventoryFailed retries the reservation when the policy allows,
// otherwise fails the saga into compensation.
func (o *Orchestrator) HandleInventoryFailed(ctx context.Context, env gateway.Envelope) error {
	var event saga.StepFailedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	sg, ok, err := o.find(ctx, event.OrderID, env.Topic)
	if err != nil || !ok {
		return err
	}
	if o.refuseTerminal(sg, env.Topic) {
		return nil
	}

	if o.retry.Enabled() && sg.CanRetry(o.retry.MaxAttempts) {
		return o.scheduleRetry(ctx, sg, "inventory", correlation(env, sg))
	}

	o.logger.Error("inventory reservation failed", "saga_id", sg.ID, "attempts", sg.RetryCount, "reason", event.Reason)
	return o.failSaga(ctx, sg, "Inventory reservation failed: "+event.Reason, "inventory", correlation(env, sg))
}

// HandleShippingPrepared completes the saga.
func (o *Orchestrator) HandleShippingPrepared(ctx context.Context, env gateway.Envelope) error {
	var event saga.ShippingPreparedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	sg, ok, err := o.find(ctx, event.OrderID, env.Topic)
	if err != nil || !ok {
		return err
	}
	if o.refuseTerminal(sg, env.Topic) {
		return nil
	}

	sg.SetShippingID(event.ShippingID)
	sg.MarkShippingPrepared()
	sg.MarkCompleted()
	if err := o.store.Save(ctx, sg); err != nil {
		return err
	}

	o.notifier.SagaCompleted(sg)
	o.publishCompleted(ctx, sg, correlation(env, sg))
	o.logger.Info("saga completed", "saga_id", sg.ID, "order_id", sg.OrderID)
	return nil
}

// HandleShippingFailed retries shipment preparation when the policy allows,
// otherwise fails the saga into compensation.
func (o *Orchestrator) HandleShippingFailed(ctx context.Context, env gateway.Envelope) error {
	var event saga.StepFailedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	sg, ok, err := o.find(ctx, event.OrderID, env.Topic)
	if err != nil || !ok {
		return err
	}
	if o.refuseTerminal(sg, env.Topic) {
		return nil
	}

	if o.retry.Enabled() && sg.CanRetry(o.retry.MaxAttempts) {
		return o.scheduleRetry(ctx, sg, "shipping", correlation(env, sg))
	}

	o.logger.Error("shipping preparation failed", "saga_id", sg.ID, "attempts", sg.RetryCount, "reason", event.Reason)
	return o.failSaga(ctx, sg, "Shipping preparation failed: "+event.Reason, "shipping", correlation(env, sg))
}

// HandleOrderStatusChanged reacts to external order status transitions:
// cancellation triggers compensation, shipped/delivered force completion.
func (o *Orchestrator) HandleOrderStatusChanged(ctx context.Context, env gateway.Envelope) error {
	var event saga.OrderStatusChangedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	sg, ok, err := o.find(ctx, event.OrderID, env.Topic)
	if err != nil || !ok {
		return err
	}
	if o.refuseTerminal(sg, env.Topic) {
		return nil
	}

	o.logger.Info("order status changed",
		"saga_id", sg.ID, "order_id", sg.OrderID,
		"from", event.PreviousStatus, "to", event.NewStatus,
		"updated_by", event.UpdatedBy, "reason", event.Reason)

	switch strings.ToLower(event.NewStatus) {
	case "cancelled":
		if sg.Status == saga.StatusCompensating {
			o.logger.Info("saga already compensating", "saga_id", sg.ID)
			return nil
		}
		reason := event.Reason
		if reason == "" {
			reason = "User requested"
		}
		if err := o.failSaga(ctx, sg, "Order cancelled: "+reason, "", correlation(env, sg)); err != nil {
			return err
		}
		if sg.Status == saga.StatusCompensated {
			o.notifier.SagaCancelled(sg)
		}
		return nil

	case "shipped", "delivered":
		if sg.IsCompleted() {
			return nil
		}
		sg.MarkCompleted()
		if err := o.store.Save(ctx, sg); err != nil {
			return err
		}
		o.notifier.SagaCompleted(sg)
		o.publishCompleted(ctx, sg, correlation(env, sg))
		o.logger.Info("saga forced to completed by order status", "saga_id", sg.ID, "status", event.NewStatus)
		return nil

	default:
		o.logger.Debug("status change requires no saga update", "saga_id", sg.ID, "status", event.NewStatus)
		return nil
	}
}

// HandleOrderDeleted compensates an in-flight saga, then hard-deletes the row
// unconditionally.
func (o *Orchestrator) HandleOrderDeleted(ctx context.Context, env gateway.Envelope) error {
	var event saga.OrderDeletedEvent
	if err := env.Decode(&event); err != nil {
		return err
	}

	sg, ok, err := o.find(ctx, event.OrderID, env.Topic)
	if err != nil || !ok {
		return err
	}

	if sg.InFlight() {
		reason := event.Reason
		if reason == "" {
			reason = "User requested"
		}
		o.logger.Warn("saga in progress, compensating before deletion", "saga_id", sg.ID)
		sg.MarkCompensating("Order deleted: "+reason, "")
		if err := o.store.Save(ctx, sg); err != nil {
			return err
		}
		if err := o.compensate(ctx, sg, correlation(env, sg)); err != nil {
			// The row is going away regardless; record the failure and move on.
			o.logger.Error("compensation before deletion failed", "saga_id", sg.ID, "error", err)
		}
	}

	if err := o.store.Delete(ctx, sg.ID); err != nil && !errors.Is(err, saga.ErrNotFound) {
		return err
	}

	o.notifier.SagaDeleted(sg)
	o.logger.Info("saga deleted", "saga_id", sg.ID, "order_id", sg.OrderID, "deleted_by", event.DeletedBy)
	return nil
}

// failSaga marks the saga as compensating, persists it, and runs the
// compensation algorithm. A compensation failure forces the CANCELLED
// terminal: that state is operator-visible and never auto-retried, so the
// handler reports success to avoid redelivery loops.
func (o *Orchestrator) failSaga(ctx context.Context, sg *saga.Saga, reason, failedStep, correlationID string) error {
	o.logger.Error("handling saga failure", "saga_id", sg.ID, "order_id", sg.OrderID, "reason", reason)

	sg.MarkCompensating(reason, failedStep)
	if err := o.store.Save(ctx, sg); err != nil {
		return err
	}

	if err := o.compensate(ctx, sg, correlationID); err != nil {
		o.logger.Error("compensation failed, saga requires manual remediation", "saga_id", sg.ID, "error", err)
		sg.MarkFailed("Compensation failed: " + err.Error())
		if saveErr := o.store.Save(ctx, sg); saveErr != nil {
			return saveErr
		}
		o.notifier.SagaCancelled(sg)
	}
	return nil
}

// compensate undoes completed steps in strict reverse order of normal
// progress, publishing a rollback event only for steps whose identifier was
// recorded. It then persists the COMPENSATED state and notifies the order
// service of the failure.
func (o *Orchestrator) compensate(ctx context.Context, sg *saga.Saga, correlationID string) error {
	o.logger.Info("compensating saga", "saga_id", sg.ID, "order_id", sg.OrderID)
	meta := metadata(correlationID)

	if sg.ShippingID != "" {
		event := saga.ShippingCancellationEvent{OrderID: sg.OrderID, ShippingID: sg.ShippingID}
		if err := o.publisher.Publish(ctx, saga.TopicShippingCancellation, event, meta); err != nil {
			return err
		}
	}
	if sg.InventoryReservationID != "" {
		event := saga.InventoryReleaseEvent{OrderID: sg.OrderID, ReservationID: sg.InventoryReservationID}
		if err := o.publisher.Publish(ctx, saga.TopicInventoryRelease, event, meta); err != nil {
			return err
		}
	}
	if sg.PaymentID != "" {
		event := saga.PaymentRefundEvent{OrderID: sg.OrderID, PaymentID: sg.PaymentID}
		if err := o.publisher.Publish(ctx, saga.TopicPaymentRefund, event, meta); err != nil {
			return err
		}
	}

	sg.MarkCompensated()
	if err := o.store.Save(ctx, sg); err != nil {
		return err
	}

	failedStep := sg.FailureStep()
	failure := saga.OrderFailedEvent{
		OrderID:       sg.OrderID,
		OrderNumber:   sg.OrderNumber,
		CustomerID:    sg.CustomerID,
		ErrorMessage:  fmt.Sprintf("Saga compensation completed. Failure at %s: %s", failedStep, sg.ErrorMessage),
		FailedStep:    failedStep,
		CorrelationID: correlationID,
		Status:        "FAILED",
	}
	if err := o.publisher.Publish(ctx, saga.TopicOrderFailed, failure, meta); err != nil {
		return err
	}

	o.notifier.SagaCompensated(sg)
	o.logger.Info("completed compensation", "saga_id", sg.ID, "failed_step", failedStep)
	return nil
}

// publishCompleted notifies the order service that fulfillment finished. The
// notification is advisory: the COMPLETED state is already persisted, so a
// publish failure is logged rather than failing the handler into redelivery.
func (o *Orchestrator) publishCompleted(ctx context.Context, sg *saga.Saga, correlationID string) {
	note := saga.StatusNotification{
		OrderID:       sg.OrderID,
		OrderNumber:   sg.OrderNumber,
		CustomerID:    sg.CustomerID,
		Status:        "completed",
		CorrelationID: correlationID,
	}
	if err := o.publisher.Publish(ctx, saga.TopicOrderStatusChanged, note, metadata(correlationID)); err != nil {
		o.logger.Error("publish completion status failed", "saga_id", sg.ID, "order_id", sg.OrderID, "error", err)
	}
}

// scheduleRetry bumps the retry counter, persists it, and re-publishes the
// step-request event after the policy's backoff without blocking the handler.
func (o *Orchestrator) scheduleRetry(ctx context.Context, sg *saga.Saga, step, correlationID string) error {
	sg.IncrementRetry()
	if err := o.store.Save(ctx, sg); err != nil {
		return err
	}
	o.notifier.SagaRetried(sg, step)
	o.logger.Info("retry scheduled", "saga_id", sg.ID, "step", step, "attempt", sg.RetryCount)

	orderID := sg.OrderID
	customerID := sg.CustomerID
	items := sg.OrderItems
	meta := metadata(correlationID)

	o.retry.Schedule(func() {
		// Runs after the handler's transaction; use a fresh context.
		ctx := context.Background()
		var err error
		switch step {
		case "inventory":
			event := saga.InventoryReservationEvent{OrderID: orderID, Items: items, RequestedAt: time.Now().UTC()}
			err = o.publisher.Publish(ctx, saga.TopicInventoryReservation, event, meta)
		case "shipping":
			event := saga.ShippingPreparationEvent{OrderID: orderID, CustomerID: customerID, RequestedAt: time.Now().UTC()}
			err = o.publisher.Publish(ctx, saga.TopicShippingPreparation, event, meta)
		}
		if err != nil {
			o.logger.Error("scheduled retry publish failed", "order_id", orderID, "step", step, "error", err)
		}
	})
	return nil
}

// find loads the saga for an order. A missing saga is a benign no-op: it may
// have completed and been archived, or the event arrived ahead of creation.
func (o *Orchestrator) find(ctx context.Context, orderID, topic string) (*saga.Saga, bool, error) {
	sg, err := o.store.FindByOrderID(ctx, orderID)
	if errors.Is(err, saga.ErrNotFound) {
		o.logger.Info("no saga found for order", "order_id", orderID, "topic", topic)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sg, true, nil
}

// refuseTerminal reports (and logs) an attempt to transition a terminal saga.
func (o *Orchestrator) refuseTerminal(sg *saga.Saga, topic string) bool {
	if !sg.IsTerminal() {
		return false
	}
	o.logger.Warn("ignoring event for terminal saga", "saga_id", sg.ID, "status", sg.Status, "topic", topic)
	return true
}

func correlation(env gateway.Envelope, sg *saga.Saga) string {
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return sg.ID
}

func metadata(correlationID string) map[string]string {
	if correlationID == "" {
		return nil
	}
	return map[string]string{"correlationId": correlationID}
}
