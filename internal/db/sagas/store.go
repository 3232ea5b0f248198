package sagasdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"steward/internal/saga"
)

// Store persists saga aggregates in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga table if it does not exist. The unique index on
// order_id is what makes racing duplicate creation safe.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_processing_sagas (
			id TEXT PRIMARY KEY,
			order_id TEXT UNIQUE NOT NULL,
			customer_id TEXT NOT NULL,
			order_number TEXT NOT NULL,
			total_amount NUMERIC(10,2) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL,
			payment_id TEXT,
			inventory_reservation_id TEXT,
			shipping_id TEXT,
			order_items JSONB,
			shipping_address JSONB,
			billing_address JSONB,
			error_message TEXT,
			failed_step TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_status_updated
			ON order_processing_sagas (status, updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

const sagaColumns = `id, order_id, customer_id, order_number, total_amount, currency,
		status, current_step, payment_id, inventory_reservation_id, shipping_id,
		order_items, shipping_address, billing_address, error_message, failed_step,
		retry_count, version, created_at, updated_at, completed_at`

// Create inserts the saga unless one already exists for its order id. The
// insert races are resolved by the unique constraint, not by a prior check.
func (s *Store) Create(ctx context.Context, sg *saga.Saga) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_processing_sagas (
			id, order_id, customer_id, order_number, total_amount, currency,
			status, current_step, payment_id, inventory_reservation_id, shipping_id,
			order_items, shipping_address, billing_address, error_message, failed_step,
			retry_count, version, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (order_id) DO NOTHING`,
		sg.ID, sg.OrderID, sg.CustomerID, sg.OrderNumber, sg.TotalAmount, sg.Currency,
		string(sg.Status), string(sg.CurrentStep),
		nullString(sg.PaymentID), nullString(sg.InventoryReservationID), nullString(sg.ShippingID),
		nullBytes(sg.OrderItems), nullBytes(sg.ShippingAddress), nullBytes(sg.BillingAddress),
		nullString(sg.ErrorMessage), nullString(sg.FailedStep),
		sg.RetryCount, sg.Version, sg.CreatedAt, sg.UpdatedAt, sg.CompletedAt,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Save updates the saga row guarded by its version token. The version bump
// happens in the same statement so a concurrent writer loses cleanly.
func (s *Store) Save(ctx context.Context, sg *saga.Saga) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_processing_sagas SET
			status = $3, current_step = $4,
			payment_id = $5, inventory_reservation_id = $6, shipping_id = $7,
			error_message = $8, failed_step = $9, retry_count = $10,
			updated_at = $11, completed_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		sg.ID, sg.Version,
		string(sg.Status), string(sg.CurrentStep),
		nullString(sg.PaymentID), nullString(sg.InventoryReservationID), nullString(sg.ShippingID),
		nullString(sg.ErrorMessage), nullString(sg.FailedStep), sg.RetryCount,
		sg.UpdatedAt, sg.CompletedAt,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		exists, err := s.exists(ctx, `SELECT 1 FROM order_processing_sagas WHERE id = $1`, sg.ID)
		if err != nil {
			return err
		}
		if !exists {
			return saga.ErrNotFound
		}
		return saga.ErrVersionConflict
	}

	sg.Version++
	return nil
}

// FindByID looks a saga up by its primary key.
func (s *Store) FindByID(ctx context.Context, id string) (*saga.Saga, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM order_processing_sagas
		WHERE id = $1`, id)
	return scanSaga(row)
}

// FindByOrderID looks a saga up by its order id.
func (s *Store) FindByOrderID(ctx context.Context, orderID string) (*saga.Saga, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM order_processing_sagas
		WHERE order_id = $1`, orderID)
	return scanSaga(row)
}

// ExistsByOrderID reports whether a saga exists for the order.
func (s *Store) ExistsByOrderID(ctx context.Context, orderID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM order_processing_sagas WHERE order_id = $1`, orderID)
}

// Delete removes the saga row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM order_processing_sagas WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrNotFound
	}
	return nil
}

// CountByStatus counts sagas in a single status.
func (s *Store) CountByStatus(ctx context.Context, status saga.Status) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_processing_sagas WHERE status = $1`,
		string(status),
	).Scan(&count)
	return count, err
}

// CountByStatusIn counts sagas across several statuses.
func (s *Store) CountByStatusIn(ctx context.Context, statuses []saga.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query, args := statusInQuery(`SELECT COUNT(*) FROM order_processing_sagas WHERE status IN (%s)`, statuses)
	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// FindStale returns sagas sitting in one of the given statuses with no update
// since cutoff.
func (s *Store) FindStale(ctx context.Context, statuses []saga.Status, cutoff time.Time) ([]*saga.Saga, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args := statusInQuery(`
		SELECT `+sagaColumns+`
		FROM order_processing_sagas
		WHERE status IN (%s) AND updated_at < $`+fmt.Sprint(len(statuses)+1), statuses)
	args = append(args, cutoff)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSagas(rows)
}

// CountStale counts sagas that FindStale would return.
func (s *Store) CountStale(ctx context.Context, statuses []saga.Status, cutoff time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query, args := statusInQuery(
		`SELECT COUNT(*) FROM order_processing_sagas WHERE status IN (%s) AND updated_at < $`+fmt.Sprint(len(statuses)+1),
		statuses)
	args = append(args, cutoff)

	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// List returns sagas newest-first for the admin surface.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*saga.Saga, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM order_processing_sagas
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSagas(rows)
}

func (s *Store) exists(ctx context.Context, query string, arg any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func statusInQuery(format string, statuses []saga.Status) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(status)
	}
	return fmt.Sprintf(format, strings.Join(placeholders, ", ")), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*saga.Saga, error) {
	var sg saga.Saga
	var status, step string
	var paymentID, reservationID, shippingID, errorMessage, failedStep sql.NullString
	var orderItems, shippingAddress, billingAddress []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&sg.ID, &sg.OrderID, &sg.CustomerID, &sg.OrderNumber, &sg.TotalAmount, &sg.Currency,
		&status, &step, &paymentID, &reservationID, &shippingID,
		&orderItems, &shippingAddress, &billingAddress, &errorMessage, &failedStep,
		&sg.RetryCount, &sg.Version, &sg.CreatedAt, &sg.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sg.Status = saga.Status(status)
	sg.CurrentStep = saga.Step(step)
	sg.PaymentID = paymentID.String
	sg.InventoryReservationID = reservationID.String
	sg.ShippingID = shippingID.String
	sg.ErrorMessage = errorMessage.String
	sg.FailedStep = failedStep.String
	sg.OrderItems = orderItems
	sg.ShippingAddress = shippingAddress
	sg.BillingAddress = billingAddress
	if completedAt.Valid {
		t := completedAt.Time
		sg.CompletedAt = &t
	}
	return &sg, nil
}

func scanSagas(rows *sql.Rows) ([]*saga.Saga, error) {
	var sagas []*saga.Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, sg)
	}
	return sagas, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullBytes(v []byte) []byte {
	if len(v) == 0 {
		return nil
	}
	return v
}
