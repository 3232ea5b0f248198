package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"steward/internal/saga"
)

const (
	// DefaultSweepInterval is how often the stuck-saga sweep runs.
	DefaultSweepInterval = 15 * time.Minute
	// DefaultStaleWindow is how long a saga may await admin action before the
	// sweep flags it.
	DefaultStaleWindow = 30 * time.Minute
)

// StuckRecorder receives the stuck-saga count observed by each sweep.
type StuckRecorder interface {
	RecordStuckSagas(count int)
}

// ProcessStuckSagas returns sagas that have been awaiting admin action longer
// than the staleness window. The sweep is observational only: the workflow is
// admin-confirmed, so stuck sagas are alerts for operators, never automatic
// retries, and no saga state is mutated here.
func (o *Orchestrator) ProcessStuckSagas(ctx context.Context, window time.Duration) ([]*saga.Saga, error) {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	cutoff := time.Now().UTC().Add(-window)

	stuck, err := o.store.FindStale(ctx, saga.AwaitingStatuses, cutoff)
	if err != nil {
		return nil, err
	}

	for _, sg := range stuck {
		o.logger.Warn("saga awaiting admin action for extended period",
			"saga_id", sg.ID, "order_id", sg.OrderID,
			"status", sg.Status, "updated_at", sg.UpdatedAt)
	}
	return stuck, nil
}

// Sweeper periodically runs the stuck-saga sweep. In a multi-instance
// deployment the sweep should be serialized externally (distributed lock or
// leader election) to avoid duplicate alerts.
type Sweeper struct {
	orch     *Orchestrator
	recorder StuckRecorder
	logger   *slog.Logger
	interval time.Duration
	window   time.Duration
}

// NewSweeper constructs a Sweeper. recorder may be nil; zero durations fall
// back to the defaults.
func NewSweeper(orch *Orchestrator, recorder StuckRecorder, logger *slog.Logger, interval, window time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if window <= 0 {
		window = DefaultStaleWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{orch: orch, recorder: recorder, logger: logger, interval: interval, window: window}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	stuck, err := s.orch.ProcessStuckSagas(ctx, s.window)
	if err != nil {
		s.logger.Error("stuck saga sweep failed", "error", err)
		return
	}
	if s.recorder != nil {
		s.recorder.RecordStuckSagas(len(stuck))
	}
	if len(stuck) > 0 {
		s.logger.Warn("stuck sagas require admin attention", "count", len(stuck))
	}
}
