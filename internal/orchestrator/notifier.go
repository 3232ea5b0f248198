package orchestrator

import (
	"encoding/json"

	"steward/internal/saga"
)

// Notifier receives saga lifecycle notifications for observability. It never
// influences control flow; implementations must not fail the caller.
type Notifier interface {
	SagaStarted(s *saga.Saga)
	SagaCompleted(s *saga.Saga)
	SagaCancelled(s *saga.Saga)
	SagaCompensated(s *saga.Saga)
	SagaRetried(s *saga.Saga, step string)
	SagaDeleted(s *saga.Saga)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) SagaStarted(*saga.Saga)         {}
func (NopNotifier) SagaCompleted(*saga.Saga)       {}
func (NopNotifier) SagaCancelled(*saga.Saga)       {}
func (NopNotifier) SagaCompensated(*saga.Saga)     {}
func (NopNotifier) SagaRetried(*saga.Saga, string) {}
func (NopNotifier) SagaDeleted(*saga.Saga)         {}

// LifecycleCounters is the metrics sink side of the fanout.
type LifecycleCounters interface {
	RecordSagaStarted(orderNumber string)
	RecordSagaCompleted(orderNumber string)
	RecordSagaCancelled(orderNumber string)
	RecordSagaCompensated(orderNumber string)
	RecordSagaRetried(orderNumber, step string)
	RecordSagaDeleted(orderNumber string)
}

// Broadcaster pushes messages to connected admin clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutNotifier records counters and broadcasts a JSON lifecycle message.
type FanoutNotifier struct {
	counters    LifecycleCounters
	broadcaster Broadcaster
}

// NewFanoutNotifier constructs a notifier targeting counters and an optional
// broadcaster. Either may be nil.
func NewFanoutNotifier(counters LifecycleCounters, broadcaster Broadcaster) *FanoutNotifier {
	return &FanoutNotifier{counters: counters, broadcaster: broadcaster}
}

func (n *FanoutNotifier) SagaStarted(s *saga.Saga) {
	if n.counters != nil {
		n.counters.RecordSagaStarted(s.OrderNumber)
	}
	n.broadcast("saga_started", s, "")
}

func (n *FanoutNotifier) SagaCompleted(s *saga.Saga) {
	if n.counters != nil {
		n.counters.RecordSagaCompleted(s.OrderNumber)
	}
	n.broadcast("saga_completed", s, "")
}

func (n *FanoutNotifier) SagaCancelled(s *saga.Saga) {
	if n.counters != nil {
		n.counters.RecordSagaCancelled(s.OrderNumber)
	}
	n.broadcast("saga_cancelled", s, "")
}

func (n *FanoutNotifier) SagaCompensated(s *saga.Saga) {
	if n.counters != nil {
		n.counters.RecordSagaCompensated(s.OrderNumber)
	}
	n.broadcast("saga_compensated", s, "")
}

func (n *FanoutNotifier) SagaRetried(s *saga.Saga, step string) {
	if n.counters != nil {
		n.counters.RecordSagaRetried(s.OrderNumber, step)
	}
	n.broadcast("saga_retried", s, step)
}

func (n *FanoutNotifier) SagaDeleted(s *saga.Saga) {
	if n.counters != nil {
		n.counters.RecordSagaDeleted(s.OrderNumber)
	}
	n.broadcast("saga_deleted", s, "")
}

func (n *FanoutNotifier) broadcast(kind string, s *saga.Saga, step string) {
	if n.broadcaster == nil {
		return
	}

	payload := struct {
		Type        string `json:"type"`
		SagaID      string `json:"sagaId"`
		OrderID     string `json:"orderId"`
		OrderNumber string `json:"orderNumber"`
		Status      string `json:"status"`
		Step        string `json:"step,omitempty"`
	}{
		Type:        kind,
		SagaID:      s.ID,
		OrderID:     s.OrderID,
		OrderNumber: s.OrderNumber,
		Status:      string(s.Status),
		Step:        step,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	n.broadcaster.Broadcast(data)
}
