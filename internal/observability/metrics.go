package observability

import (
	"context"
	"sync"
	"time"

	"steward/internal/saga"
)

// Snapshot is the JSON shape served on /metrics.
type Snapshot struct {
	UptimeSec        int64            `json:"uptime_sec"`
	SagasStarted     int64            `json:"sagas_started"`
	SagasCompleted   int64            `json:"sagas_completed"`
	SagasCancelled   int64            `json:"sagas_cancelled"`
	SagasCompensated int64            `json:"sagas_compensated"`
	SagasDeleted     int64            `json:"sagas_deleted"`
	Retries          map[string]int64 `json:"retries,omitempty"`
	Gauges           *GaugeSnapshot   `json:"gauges,omitempty"`
}

// GaugeSnapshot holds point-in-time counts recomputed from the store.
type GaugeSnapshot struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	Stuck     int64 `json:"stuck"`
}

// Metrics collects saga lifecycle counters and, when given a store, derives
// gauges from it at snapshot time. It is purely an observability sink and has
// no influence on orchestration.
type Metrics struct {
	mu          sync.Mutex
	start       time.Time
	started     int64
	completed   int64
	cancelled   int64
	compensated int64
	deleted     int64
	retries     map[string]int64
	stuck       int64

	store       saga.Store
	staleWindow time.Duration
}

// NewMetrics constructs a Metrics sink. store may be nil; gauges are then
// omitted from snapshots.
func NewMetrics(store saga.Store, staleWindow time.Duration) *Metrics {
	return &Metrics{
		start:       time.Now(),
		retries:     make(map[string]int64),
		store:       store,
		staleWindow: staleWindow,
	}
}

func (m *Metrics) RecordSagaStarted(orderNumber string) { m.add(&m.started) }

func (m *Metrics) RecordSagaCompleted(orderNumber string) { m.add(&m.completed) }

func (m *Metrics) RecordSagaCancelled(orderNumber string) { m.add(&m.cancelled) }

func (m *Metrics) RecordSagaCompensated(orderNumber string) { m.add(&m.compensated) }

func (m *Metrics) RecordSagaDeleted(orderNumber string) { m.add(&m.deleted) }

func (m *Metrics) RecordSagaRetried(orderNumber, step string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.retries[step]++
	m.mu.Unlock()
}

// RecordStuckSagas stores the count observed by the latest sweep.
func (m *Metrics) RecordStuckSagas(count int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stuck = int64(count)
	m.mu.Unlock()
}

func (m *Metrics) add(counter *int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

// Snapshot returns current counters plus store-derived gauges. A gauge query
// failure degrades to a snapshot without gauges rather than failing the
// endpoint.
func (m *Metrics) Snapshot(ctx context.Context) Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		UptimeSec:        int64(time.Since(m.start).Seconds()),
		SagasStarted:     m.started,
		SagasCompleted:   m.completed,
		SagasCancelled:   m.cancelled,
		SagasCompensated: m.compensated,
		SagasDeleted:     m.deleted,
	}
	if len(m.retries) > 0 {
		snap.Retries = make(map[string]int64, len(m.retries))
		for step, count := range m.retries {
			snap.Retries[step] = count
		}
	}
	stuckObserved := m.stuck
	m.mu.Unlock()

	if m.store == nil {
		return snap
	}

	active, err := m.store.CountByStatusIn(ctx, saga.ActiveStatuses)
	if err != nil {
		return snap
	}
	completed, err := m.store.CountByStatus(ctx, saga.StatusCompleted)
	if err != nil {
		return snap
	}
	cancelled, err := m.store.CountByStatus(ctx, saga.StatusCancelled)
	if err != nil {
		return snap
	}
	window := m.staleWindow
	if window <= 0 {
		window = 30 * time.Minute
	}
	stuck, err := m.store.CountStale(ctx, saga.AwaitingStatuses, time.Now().UTC().Add(-window))
	if err != nil {
		return snap
	}

	snap.Gauges = &GaugeSnapshot{
		Active:    active,
		Completed: completed,
		Cancelled: cancelled,
		Stuck:     stuck,
	}
	if stuckObserved > snap.Gauges.Stuck {
		snap.Gauges.Stuck = stuckObserved
	}
	return snap
}
