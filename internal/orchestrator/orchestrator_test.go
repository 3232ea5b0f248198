package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"steward/internal/gateway"
	"steward/internal/saga"
)

type memStore struct {
	mu      sync.Mutex
	sagas   map[string]*saga.Saga
	byOrder map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		sagas:   make(map[string]*saga.Saga),
		byOrder: make(map[string]string),
	}
}

func clone(s *saga.Saga) *saga.Saga {
	c := *s
	return &c
}

func (m *memStore) Create(ctx context.Context, s *saga.Saga) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOrder[s.OrderID]; ok {
		return false, nil
	}
	m.sagas[s.ID] = clone(s)
	m.byOrder[s.OrderID] = s.ID
	return true, nil
}

func (m *memStore) Save(ctx context.Context, s *saga.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sagas[s.ID]
	if !ok {
		return saga.ErrNotFound
	}
	if stored.Version != s.Version {
		return saga.ErrVersionConflict
	}
	s.Version++
	m.sagas[s.ID] = clone(s)
	return nil
}

func (m *memStore) FindByID(ctx context.Context, id string) (*saga.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[id]
	if !ok {
		return nil, saga.ErrNotFound
	}
	return clone(s), nil
}

func (m *memStore) FindByOrderID(ctx context.Context, orderID string) (*saga.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, saga.ErrNotFound
	}
	return clone(m.sagas[id]), nil
}

func (m *memStore) ExistsByOrderID(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byOrder[orderID]
	return ok, nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[id]
	if !ok {
		return saga.ErrNotFound
	}
	delete(m.byOrder, s.OrderID)
	delete(m.sagas, id)
	return nil
}

func (m *memStore) CountByStatus(ctx context.Context, status saga.Status) (int64, error) {
	return m.CountByStatusIn(ctx, []saga.Status{status})
}

func (m *memStore) CountByStatusIn(ctx context.Context, statuses []saga.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, s := range m.sagas {
		for _, status := range statuses {
			if s.Status == status {
				count++
			}
		}
	}
	return count, nil
}

func (m *memStore) FindStale(ctx context.Context, statuses []saga.Status, cutoff time.Time) ([]*saga.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*saga.Saga
	for _, s := range m.sagas {
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, status := range statuses {
			if s.Status == status {
				out = append(out, clone(s))
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) CountStale(ctx context.Context, statuses []saga.Status, cutoff time.Time) (int64, error) {
	stale, err := m.FindStale(ctx, statuses, cutoff)
	return int64(len(stale)), err
}

func (m *memStore) List(ctx context.Context, limit, offset int) ([]*saga.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*saga.Saga
	for _, s := range m.sagas {
		out = append(out, clone(s))
	}
	return out, nil
}

func (m *memStore) seed(t *testing.T, s *saga.Saga) {
	t.Helper()
	created, err := m.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !created {
		t.Fatalf("seed: saga already exists for order %s", s.OrderID)
	}
}

func (m *memStore) mustGet(t *testing.T, orderID string) *saga.Saga {
	t.Helper()
	s, err := m.FindByOrderID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get saga for %s: %v", orderID, err)
	}
	return s
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, topic string, payload any, metadata map[string]string) error {
	return errors.New("broker unavailable")
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *memStore, *gateway.Recorder) {
	t.Helper()
	store := newMemStore()
	recorder := gateway.NewRecorder()
	orch := New(store, recorder, nil, nil, cfg)
	return orch, store, recorder
}

func envelope(t *testing.T, topic string, payload any) gateway.Envelope {
	t.Helper()
	env, err := gateway.NewEnvelope(topic, payload, nil)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func orderCreated(orderID string) saga.OrderCreatedEvent {
	return saga.OrderCreatedEvent{
		OrderID:     orderID,
		CustomerID:  "cust-1",
		OrderNumber: "ORD-1001",
		TotalAmount: decimal.RequireFromString("49.99"),
		CreatedAt:   time.Now().UTC(),
		Items: []saga.OrderItem{
			{ProductID: "sku-1", Quantity: 2, UnitPrice: decimal.RequireFromString("24.99")},
		},
		ShippingAddress: []byte(`{"city":"Lyon"}`),
	}
}

func TestHandleOrderCreated_Idempotent(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	env := envelope(t, saga.TopicOrderCreated, orderCreated("order-1"))
	if err := orch.HandleOrderCreated(ctx, env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := orch.HandleOrderCreated(ctx, env); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if got := len(store.sagas); got != 1 {
		t.Fatalf("expected exactly one saga, got %d", got)
	}
	if got := len(recorder.Envelopes()); got != 0 {
		t.Fatalf("expected no outbound events, got %d", got)
	}

	sg := store.mustGet(t, "order-1")
	if sg.Status != saga.StatusPendingPaymentConfirmation {
		t.Fatalf("unexpected status: %s", sg.Status)
	}
	if sg.CurrentStep != saga.StepAwaitingPayment {
		t.Fatalf("unexpected step: %s", sg.CurrentStep)
	}
	if sg.Currency != "USD" {
		t.Fatalf("expected default currency, got %s", sg.Currency)
	}
	if len(sg.OrderItems) == 0 {
		t.Fatalf("expected captured order items")
	}
	if string(sg.ShippingAddress) != `{"city":"Lyon"}` {
		t.Fatalf("shipping address not captured verbatim: %s", sg.ShippingAddress)
	}
}

func TestHandlePaymentProcessed(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	if err := orch.HandleOrderCreated(ctx, envelope(t, saga.TopicOrderCreated, orderCreated("order-2"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := orch.HandlePaymentProcessed(ctx, envelope(t, saga.TopicPaymentProcessed, saga.PaymentProcessedEvent{
		OrderID:   "order-2",
		PaymentID: "pay-42",
	}))
	if err != nil {
		t.Fatalf("payment processed: %v", err)
	}

	sg := store.mustGet(t, "order-2")
	if sg.PaymentID != "pay-42" {
		t.Fatalf("unexpected payment id: %s", sg.PaymentID)
	}
	if sg.Status != saga.StatusPendingShippingPreparation {
		t.Fatalf("unexpected status: %s", sg.Status)
	}
	if sg.CurrentStep != saga.StepAwaitingShipment {
		t.Fatalf("unexpected step: %s", sg.CurrentStep)
	}
	if got := len(recorder.Envelopes()); got != 0 {
		t.Fatalf("expected no outbound events, got %d", got)
	}
}

func TestHandleShippingPrepared_Completes(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	if err := orch.HandleOrderCreated(ctx, envelope(t, saga.TopicOrderCreated, orderCreated("order-3"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := orch.HandleShippingPrepared(ctx, envelope(t, saga.TopicShippingPrepared, saga.ShippingPreparedEvent{
		OrderID:    "order-3",
		ShippingID: "ship-7",
	}))
	if err != nil {
		t.Fatalf("shipping prepared: %v", err)
	}

	sg := store.mustGet(t, "order-3")
	if sg.Status != saga.StatusCompleted {
		t.Fatalf("unexpected status: %s", sg.Status)
	}
	if sg.CurrentStep != saga.StepCompleted {
		t.Fatalf("unexpected step: %s", sg.CurrentStep)
	}
	if sg.ShippingID != "ship-7" {
		t.Fatalf("unexpected shipping id: %s", sg.ShippingID)
	}
	if sg.CompletedAt == nil {
		t.Fatalf("expected completedAt to be set")
	}
	if sg.CompletedAt.Before(sg.CreatedAt) {
		t.Fatalf("completedAt %v before createdAt %v", sg.CompletedAt, sg.CreatedAt)
	}

	events := recorder.Envelopes()
	if len(events) != 1 {
		t.Fatalf("expected the completion notification, got %d events", len(events))
	}
	if events[0].Topic != saga.TopicOrderStatusChanged {
		t.Fatalf("unexpected topic: %s", events[0].Topic)
	}
	var note saga.StatusNotification
	if err := events[0].Decode(&note); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if note.Status != "completed" || note.OrderID != "order-3" {
		t.Fatalf("unexpected notification: %+v", note)
	}
}

func TestHandlePaymentFailed_Compensates(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	if err := orch.HandleOrderCreated(ctx, envelope(t, saga.TopicOrderCreated, orderCreated("order-4"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := orch.HandlePaymentFailed(ctx, envelope(t, saga.TopicPaymentFailed, saga.StepFailedEvent{
		OrderID: "order-4",
		Reason:  "card declined",
	}))
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	sg := store.mustGet(t, "order-4")
	if sg.Status != saga.StatusCompensated {
		t.Fatalf("unexpected status: %s", sg.Status)
	}
	if sg.ErrorMessage != "Payment failed: card declined" {
		t.Fatalf("unexpected error message: %s", sg.ErrorMessage)
	}

	events := recorder.Envelopes()
	if len(events) != 1 {
		t.Fatalf("expected only the failure notification, got %d events", len(events))
	}
	if events[0].Topic != saga.TopicOrderFailed {
		t.Fatalf("unexpected topic: %s", events[0].Topic)
	}
	var failure saga.OrderFailedEvent
	if err := events[0].Decode(&failure); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if failure.FailedStep != "payment" {
		t.Fatalf("unexpected failed step: %s", failure.FailedStep)
	}
}

func TestCompensation_FullUnwind(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	sg := saga.New("order-5", "cust-1", "ORD-1005", decimal.RequireFromString("10.00"), "USD")
	sg.PaymentID = "pay-1"
	sg.InventoryReservationID = "res-1"
	sg.ShippingID = "ship-1"
	store.seed(t, sg)

	err := orch.HandleOrderStatusChanged(ctx, envelope(t, saga.TopicOrderStatusChanged, saga.OrderStatusChangedEvent{
		OrderID:   "order-5",
		NewStatus: "cancelled",
		Reason:    "customer changed mind",
	}))
	if err != nil {
		t.Fatalf("status changed: %v", err)
	}

	events := recorder.Envelopes()
	wantTopics := []string{
		saga.TopicShippingCancellation,
		saga.TopicInventoryRelease,
		saga.TopicPaymentRefund,
		saga.TopicOrderFailed,
	}
	if len(events) != len(wantTopics) {
		t.Fatalf("expected %d events, got %d", len(wantTopics), len(events))
	}
	for i, topic := range wantTopics {
		if events[i].Topic != topic {
			t.Fatalf("event %d: expected %s, got %s", i, topic, events[i].Topic)
		}
	}

	var cancel saga.ShippingCancellationEvent
	if err := events[0].Decode(&cancel); err != nil {
		t.Fatalf("decode cancellation: %v", err)
	}
	if cancel.ShippingID != "ship-1" {
		t.Fatalf("unexpected shipping id: %s", cancel.ShippingID)
	}
	var release saga.InventoryReleaseEvent
	if err := events[1].Decode(&release); err != nil {
		t.Fatalf("decode release: %v", err)
	}
	if release.ReservationID != "res-1" {
		t.Fatalf("unexpected reservation id: %s", release.ReservationID)
	}
	var refund saga.PaymentRefundEvent
	if err := events[2].Decode(&refund); err != nil {
		t.Fatalf("decode refund: %v", err)
	}
	if refund.PaymentID != "pay-1" {
		t.Fatalf("unexpected payment id: %s", refund.PaymentID)
	}

	stored := store.mustGet(t, "order-5")
	if stored.Status != saga.StatusCompensated {
		t.Fatalf("unexpected status: %s", stored.Status)
	}
}

func TestCompensation_InfersInventoryStep(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	sg := saga.New("order-6", "cust-1", "ORD-1006", decimal.RequireFromString("10.00"), "USD")
	sg.PaymentID = "pay-2"
	store.seed(t, sg)

	err := orch.HandleOrderStatusChanged(ctx, envelope(t, saga.TopicOrderStatusChanged, saga.OrderStatusChangedEvent{
		OrderID:   "order-6",
		NewStatus: "cancelled",
	}))
	if err != nil {
		t.Fatalf("status changed: %v", err)
	}

	events := recorder.Envelopes()
	if len(events) != 2 {
		t.Fatalf("expected refund + failure, got %d events", len(events))
	}
	if events[0].Topic != saga.TopicPaymentRefund {
		t.Fatalf("unexpected first topic: %s", events[0].Topic)
	}
	var failure saga.OrderFailedEvent
	if err := events[1].Decode(&failure); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if failure.FailedStep != "inventory" {
		t.Fatalf("expected inferred step inventory, got %s", failure.FailedStep)
	}
}

func TestCompensationFailure_ForcesCancelled(t *testing.T) {
	store := newMemStore()
	orch := New(store, failingPublisher{}, nil, nil, Config{})
	ctx := context.Background()

	sg := saga.New("order-7", "cust-1", "ORD-1007", decimal.RequireFromString("10.00"), "USD")
	sg.PaymentID = "pay-3"
	store.seed(t, sg)

	err := orch.HandlePaymentFailed(ctx, envelope(t, saga.TopicPaymentFailed, saga.StepFailedEvent{
		OrderID: "order-7",
		Reason:  "card declined",
	}))
	if err != nil {
		t.Fatalf("expected failure handling to absorb compensation error, got %v", err)
	}

	stored := store.mustGet(t, "order-7")
	if stored.Status != saga.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", stored.Status)
	}
	if stored.ErrorMessage == "" {
		t.Fatalf("expected compensation failure recorded in error message")
	}
}

func TestHandleOrderStatusChanged_ShippedForcesCompleted(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	if err := orch.HandleOrderCreated(ctx, envelope(t, saga.TopicOrderCreated, orderCreated("order-8"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := orch.HandleOrderStatusChanged(ctx, envelope(t, saga.TopicOrderStatusChanged, saga.OrderStatusChangedEvent{
		OrderID:   "order-8",
		NewStatus: "shipped",
	}))
	if err != nil {
		t.Fatalf("status changed: %v", err)
	}

	sg := store.mustGet(t, "order-8")
	if sg.Status != saga.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", sg.Status)
	}
	if sg.CurrentStep != saga.StepCompleted {
		t.Fatalf("expected step COMPLETED, got %s", sg.CurrentStep)
	}

	events := recorder.Envelopes()
	if len(events) != 1 || events[0].Topic != saga.TopicOrderStatusChanged {
		t.Fatalf("expected a completion notification, got %d events", len(events))
	}
}

func TestHandleOrderStatusChanged_TerminalSagaUntouched(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	compensated := saga.New("order-17", "cust-1", "ORD-1017", decimal.RequireFromString("10.00"), "USD")
	compensated.MarkCompensating("Payment failed: card declined", "payment")
	compensated.MarkCompensated()
	store.seed(t, compensated)

	cancelled := saga.New("order-18", "cust-1", "ORD-1018", decimal.RequireFromString("10.00"), "USD")
	cancelled.PaymentID = "pay-8"
	cancelled.MarkFailed("Compensation failed: broker unavailable")
	store.seed(t, cancelled)

	// shipped must not force a compensated saga to COMPLETED after its
	// payment was already refunded.
	err := orch.HandleOrderStatusChanged(ctx, envelope(t, saga.TopicOrderStatusChanged, saga.OrderStatusChangedEvent{
		OrderID:   "order-17",
		NewStatus: "shipped",
	}))
	if err != nil {
		t.Fatalf("status changed: %v", err)
	}
	if got := store.mustGet(t, "order-17"); got.Status != saga.StatusCompensated {
		t.Fatalf("terminal saga mutated to %s", got.Status)
	}

	// cancelled must not push a cancelled saga back into compensation and
	// publish a second refund.
	err = orch.HandleOrderStatusChanged(ctx, envelope(t, saga.TopicOrderStatusChanged, saga.OrderStatusChangedEvent{
		OrderID:   "order-18",
		NewStatus: "cancelled",
	}))
	if err != nil {
		t.Fatalf("status changed: %v", err)
	}
	if got := store.mustGet(t, "order-18"); got.Status != saga.StatusCancelled {
		t.Fatalf("terminal saga mutated to %s", got.Status)
	}

	if got := len(recorder.Envelopes()); got != 0 {
		t.Fatalf("expected zero outbound events for terminal sagas, got %d", got)
	}
}

func TestHandleOrderStatusChanged_IgnoredStatus(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	if err := orch.HandleOrderCreated(ctx, envelope(t, saga.TopicOrderCreated, orderCreated("order-9"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := orch.HandleOrderStatusChanged(ctx, envelope(t, saga.TopicOrderStatusChanged, saga.OrderStatusChangedEvent{
		OrderID:   "order-9",
		NewStatus: "processing",
	}))
	if err != nil {
		t.Fatalf("status changed: %v", err)
	}

	sg := store.mustGet(t, "order-9")
	if sg.Status != saga.StatusPendingPaymentConfirmation {
		t.Fatalf("status should be unchanged, got %s", sg.Status)
	}
	if got := len(recorder.Envelopes()); got != 0 {
		t.Fatalf("expected no outbound events, got %d", got)
	}
}

func TestHandleOrderDeleted_InFlightCompensatesFirst(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	sg := saga.New("order-10", "cust-1", "ORD-1010", decimal.RequireFromString("10.00"), "USD")
	sg.PaymentID = "pay-4"
	store.seed(t, sg)

	err := orch.HandleOrderDeleted(ctx, envelope(t, saga.TopicOrderDeleted, saga.OrderDeletedEvent{
		OrderID:   "order-10",
		DeletedBy: "admin",
	}))
	if err != nil {
		t.Fatalf("order deleted: %v", err)
	}

	if _, err := store.FindByOrderID(ctx, "order-10"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected saga row removed, got %v", err)
	}

	var sawRefund bool
	for _, env := range recorder.Envelopes() {
		if env.Topic == saga.TopicPaymentRefund {
			sawRefund = true
		}
	}
	if !sawRefund {
		t.Fatalf("expected compensation before deletion")
	}
}

func TestHandleOrderDeleted_CompletedSkipsCompensation(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	sg := saga.New("order-11", "cust-1", "ORD-1011", decimal.RequireFromString("10.00"), "USD")
	sg.PaymentID = "pay-5"
	sg.MarkCompleted()
	store.seed(t, sg)

	err := orch.HandleOrderDeleted(ctx, envelope(t, saga.TopicOrderDeleted, saga.OrderDeletedEvent{
		OrderID: "order-11",
	}))
	if err != nil {
		t.Fatalf("order deleted: %v", err)
	}

	if _, err := store.FindByOrderID(ctx, "order-11"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected saga row removed, got %v", err)
	}
	if got := len(recorder.Envelopes()); got != 0 {
		t.Fatalf("expected zero compensation events, got %d", got)
	}
}

func TestHandlers_NoSagaIsBenign(t *testing.T) {
	orch, _, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	deliveries := []struct {
		name string
		call func() error
	}{
		{"payment processed", func() error {
			return orch.HandlePaymentProcessed(ctx, envelope(t, saga.TopicPaymentProcessed, saga.PaymentProcessedEvent{OrderID: "ghost"}))
		}},
		{"payment failed", func() error {
			return orch.HandlePaymentFailed(ctx, envelope(t, saga.TopicPaymentFailed, saga.StepFailedEvent{OrderID: "ghost"}))
		}},
		{"inventory reserved", func() error {
			return orch.HandleInventoryReserved(ctx, envelope(t, saga.TopicInventoryReserved, saga.InventoryReservedEvent{OrderID: "ghost"}))
		}},
		{"inventory failed", func() error {
			return orch.HandleInventoryFailed(ctx, envelope(t, saga.TopicInventoryFailed, saga.StepFailedEvent{OrderID: "ghost"}))
		}},
		{"shipping prepared", func() error {
			return orch.HandleShippingPrepared(ctx, envelope(t, saga.TopicShippingPrepared, saga.ShippingPreparedEvent{OrderID: "ghost"}))
		}},
		{"shipping failed", func() error {
			return orch.HandleShippingFailed(ctx, envelope(t, saga.TopicShippingFailed, saga.StepFailedEvent{OrderID: "ghost"}))
		}},
		{"status changed", func() error {
			return orch.HandleOrderStatusChanged(ctx, envelope(t, saga.TopicOrderStatusChanged, saga.OrderStatusChangedEvent{OrderID: "ghost", NewStatus: "cancelled"}))
		}},
		{"order deleted", func() error {
			return orch.HandleOrderDeleted(ctx, envelope(t, saga.TopicOrderDeleted, saga.OrderDeletedEvent{OrderID: "ghost"}))
		}},
	}

	for _, d := range deliveries {
		if err := d.call(); err != nil {
			t.Fatalf("%s: expected benign no-op, got %v", d.name, err)
		}
	}
	if got := len(recorder.Envelopes()); got != 0 {
		t.Fatalf("expected zero outbound events, got %d", got)
	}
}

func TestTerminalSaga_RefusesTransition(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	sg := saga.New("order-12", "cust-1", "ORD-1012", decimal.RequireFromString("10.00"), "USD")
	sg.MarkCompensated()
	store.seed(t, sg)

	err := orch.HandlePaymentProcessed(ctx, envelope(t, saga.TopicPaymentProcessed, saga.PaymentProcessedEvent{
		OrderID:   "order-12",
		PaymentID: "pay-late",
	}))
	if err != nil {
		t.Fatalf("expected terminal saga to absorb event, got %v", err)
	}

	stored := store.mustGet(t, "order-12")
	if stored.Status != saga.StatusCompensated {
		t.Fatalf("terminal status mutated to %s", stored.Status)
	}
	if stored.PaymentID != "" {
		t.Fatalf("terminal saga mutated: payment id %s", stored.PaymentID)
	}
	if got := len(recorder.Envelopes()); got != 0 {
		t.Fatalf("expected zero outbound events, got %d", got)
	}
}

func TestHandleInventoryReserved_RecordsReservation(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	if err := orch.HandleOrderCreated(ctx, envelope(t, saga.TopicOrderCreated, orderCreated("order-13"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := orch.HandleInventoryReserved(ctx, envelope(t, saga.TopicInventoryReserved, saga.InventoryReservedEvent{
		OrderID:       "order-13",
		ReservationID: "res-9",
	}))
	if err != nil {
		t.Fatalf("inventory reserved: %v", err)
	}

	sg := store.mustGet(t, "order-13")
	if sg.InventoryReservationID != "res-9" {
		t.Fatalf("unexpected reservation id: %s", sg.InventoryReservationID)
	}
	if sg.Status != saga.StatusPendingPaymentConfirmation {
		t.Fatalf("reservation must not advance status, got %s", sg.Status)
	}
}

func TestInventoryFailed_RetrySchedulesReservation(t *testing.T) {
	store := newMemStore()
	recorder := gateway.NewRecorder()

	retry := FixedBackoff(3, time.Second)
	retry.after = func(d time.Duration, fn func()) { fn() }
	orch := New(store, recorder, nil, nil, Config{Retry: retry})
	ctx := context.Background()

	if err := orch.HandleOrderCreated(ctx, envelope(t, saga.TopicOrderCreated, orderCreated("order-14"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := orch.HandleInventoryFailed(ctx, envelope(t, saga.TopicInventoryFailed, saga.StepFailedEvent{
		OrderID: "order-14",
		Reason:  "out of stock",
	}))
	if err != nil {
		t.Fatalf("inventory failed: %v", err)
	}

	sg := store.mustGet(t, "order-14")
	if sg.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", sg.RetryCount)
	}
	if sg.Status != saga.StatusPendingPaymentConfirmation {
		t.Fatalf("retry must not fail the saga, got %s", sg.Status)
	}

	events := recorder.Envelopes()
	if len(events) != 1 {
		t.Fatalf("expected one re-publish, got %d", len(events))
	}
	if events[0].Topic != saga.TopicInventoryReservation {
		t.Fatalf("unexpected topic: %s", events[0].Topic)
	}
}

func TestShippingFailed_RetryExhaustedCompensates(t *testing.T) {
	store := newMemStore()
	recorder := gateway.NewRecorder()

	retry := FixedBackoff(1, time.Second)
	retry.after = func(d time.Duration, fn func()) { fn() }
	orch := New(store, recorder, nil, nil, Config{Retry: retry})
	ctx := context.Background()

	sg := saga.New("order-15", "cust-1", "ORD-1015", decimal.RequireFromString("10.00"), "USD")
	sg.PaymentID = "pay-6"
	sg.RetryCount = 1
	store.seed(t, sg)

	err := orch.HandleShippingFailed(ctx, envelope(t, saga.TopicShippingFailed, saga.StepFailedEvent{
		OrderID: "order-15",
		Reason:  "no carrier",
	}))
	if err != nil {
		t.Fatalf("shipping failed: %v", err)
	}

	stored := store.mustGet(t, "order-15")
	if stored.Status != saga.StatusCompensated {
		t.Fatalf("expected COMPENSATED after exhausted retries, got %s", stored.Status)
	}
	if stored.FailedStep != "shipping" {
		t.Fatalf("expected recorded failed step shipping, got %s", stored.FailedStep)
	}

	events := recorder.Envelopes()
	if len(events) != 2 {
		t.Fatalf("expected refund + failure, got %d", len(events))
	}
	if events[0].Topic != saga.TopicPaymentRefund {
		t.Fatalf("unexpected first topic: %s", events[0].Topic)
	}
}

func TestCorrelationID_Propagates(t *testing.T) {
	orch, store, recorder := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	sg := saga.New("order-16", "cust-1", "ORD-1016", decimal.RequireFromString("10.00"), "USD")
	sg.PaymentID = "pay-7"
	store.seed(t, sg)

	env, err := gateway.NewEnvelope(saga.TopicPaymentFailed, saga.StepFailedEvent{
		OrderID: "order-16",
		Reason:  "card declined",
	}, map[string]string{"correlationId": "corr-abc"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := orch.HandlePaymentFailed(ctx, env); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	events := recorder.Envelopes()
	if len(events) == 0 {
		t.Fatalf("expected outbound events")
	}
	for _, out := range events {
		if out.CorrelationID != "corr-abc" {
			t.Fatalf("correlation id not propagated on %s: %q", out.Topic, out.CorrelationID)
		}
	}
}
