package saga

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals no saga exists for the given key.
var ErrNotFound = errors.New("saga not found")

// ErrVersionConflict signals a save lost a race against a concurrent update.
var ErrVersionConflict = errors.New("saga version conflict")

// Store persists saga aggregates. Implementations must enforce one saga per
// order id with a unique constraint; Create resolves racing duplicate inserts
// at the store, not in application code.
type Store interface {
	// Create inserts the saga unless one already exists for its order id.
	// Returns false (and no error) when a saga for the order was already
	// present.
	Create(ctx context.Context, s *Saga) (bool, error)

	// Save updates an existing saga. The saga's Version is compared against
	// the stored row; on success the version is bumped in both the row and
	// the passed aggregate. Returns ErrVersionConflict on a lost update.
	Save(ctx context.Context, s *Saga) error

	FindByID(ctx context.Context, id string) (*Saga, error)
	FindByOrderID(ctx context.Context, orderID string) (*Saga, error)
	ExistsByOrderID(ctx context.Context, orderID string) (bool, error)
	Delete(ctx context.Context, id string) error

	CountByStatus(ctx context.Context, status Status) (int64, error)
	CountByStatusIn(ctx context.Context, statuses []Status) (int64, error)

	// FindStale returns sagas whose updatedAt predates cutoff while their
	// status is one of the given awaiting statuses.
	FindStale(ctx context.Context, statuses []Status, cutoff time.Time) ([]*Saga, error)
	CountStale(ctx context.Context, statuses []Status, cutoff time.Time) (int64, error)

	// List returns sagas ordered by creation time descending, for the admin
	// read surface.
	List(ctx context.Context, limit, offset int) ([]*Saga, error)
}
