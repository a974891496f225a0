package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/block-reserve/internal/core/domain"
)

//go:embed schema.sql
var schemaSQL string

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) CreateStockItem(ctx context.Context, item domain.StockItem) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock_items (id, name, unit_price, quantity, block, offered_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.UnitPrice, item.Quantity, item.Block,
		item.Date.Format(time.DateOnly), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stock item: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetStockItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	item, err := scanStockItem(m.db.QueryRowContext(ctx, `
		SELECT id, name, unit_price, quantity, block, offered_on, created_at, updated_at
		FROM stock_items WHERE id = ?`, itemID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrStockItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query stock item: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) ListStockItems(ctx context.Context, block domain.Block, day time.Time) ([]domain.StockItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, unit_price, quantity, block, offered_on, created_at, updated_at
		FROM stock_items WHERE block = ? AND offered_on = ?
		ORDER BY created_at`, block, day.Format(time.DateOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("query stock items: %w", err)
	}
	defer rows.Close()

	var items []domain.StockItem
	for rows.Next() {
		item, err := scanStockItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// DecrementStock relies on the row lock taken by the conditional UPDATE: the
// quantity check and the subtraction happen in one statement.
func (m *MySQLAdapter) DecrementStock(ctx context.Context, itemID string, quantity int) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE stock_items
		SET quantity = quantity - ?, updated_at = ?
		WHERE id = ? AND quantity >= ?`,
		quantity, time.Now().UTC(), itemID, quantity,
	)
	if err != nil {
		return 0, fmt.Errorf("update stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `SELECT quantity FROM stock_items WHERE id = ?`, itemID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrStockItemNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read remaining stock: %w", err)
	}
	if rows == 0 {
		return remaining, domain.ErrInsufficientStock
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return remaining, nil
}

func (m *MySQLAdapter) CreateReservation(ctx context.Context, r domain.Reservation) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO reservations (id, user_id, item_id, quantity, block, payment_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.ItemID, r.Quantity, r.Block, r.PaymentStatus, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	r, err := scanReservation(m.db.QueryRowContext(ctx, `
		SELECT id, user_id, item_id, quantity, block, payment_status, created_at, paid_at, stock_settled
		FROM reservations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return r, nil
}

func (m *MySQLAdapter) ListReservations(ctx context.Context, userID string, block domain.Block) ([]domain.Reservation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, item_id, quantity, block, payment_status, created_at, paid_at, stock_settled
		FROM reservations WHERE user_id = ? AND block = ?
		ORDER BY created_at DESC`, userID, block,
	)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var list []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		list = append(list, *r)
	}
	return list, rows.Err()
}

// MarkPaid is a compare-and-set on payment_status; InnoDB serialises
// concurrent UPDATEs of one row so only one of them matches 'pending'.
func (m *MySQLAdapter) MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE reservations
		SET payment_status = ?, paid_at = ?, stock_settled = 0
		WHERE id = ? AND payment_status = ?`,
		domain.PaymentStatusPaid, paidAt, id, domain.PaymentStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("update reservation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	var status string
	err = m.db.QueryRowContext(ctx, `SELECT payment_status FROM reservations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrReservationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query reservation status: %w", err)
	}
	return false, nil
}

func (m *MySQLAdapter) MarkStockSettled(ctx context.Context, id string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE reservations SET stock_settled = 1
		WHERE id = ? AND payment_status = ?`,
		id, domain.PaymentStatusPaid,
	)
	if err != nil {
		return fmt.Errorf("settle reservation: %w", err)
	}
	if _, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) ListUnsettledPaid(ctx context.Context, paidBefore time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, item_id, quantity, block, payment_status, created_at, paid_at, stock_settled
		FROM reservations
		WHERE payment_status = ? AND stock_settled = 0 AND paid_at < ?
		ORDER BY paid_at ASC LIMIT ?`,
		domain.PaymentStatusPaid, paidBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unsettled reservations: %w", err)
	}
	defer rows.Close()

	var list []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		list = append(list, *r)
	}
	return list, rows.Err()
}

func (m *MySQLAdapter) RecordFault(ctx context.Context, f domain.ReconciliationFault) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO reconciliation_faults (id, reservation_id, item_id, quantity, reason, detail, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ReservationID, f.ItemID, f.Quantity, f.Reason, f.Detail, f.Source, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fault: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) ListFaults(ctx context.Context, limit int) ([]domain.ReconciliationFault, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, reservation_id, item_id, quantity, reason, detail, source, created_at
		FROM reconciliation_faults ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query faults: %w", err)
	}
	defer rows.Close()

	var faults []domain.ReconciliationFault
	for rows.Next() {
		var f domain.ReconciliationFault
		if err := rows.Scan(&f.ID, &f.ReservationID, &f.ItemID, &f.Quantity, &f.Reason, &f.Detail, &f.Source, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		faults = append(faults, f)
	}
	return faults, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStockItem(row rowScanner) (*domain.StockItem, error) {
	var item domain.StockItem
	err := row.Scan(&item.ID, &item.Name, &item.UnitPrice, &item.Quantity, &item.Block,
		&item.Date, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var (
		r      domain.Reservation
		paidAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.ItemID, &r.Quantity, &r.Block, &r.PaymentStatus, &r.CreatedAt, &paidAt, &r.StockSettled)
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		r.PaidAt = &t
	}
	return &r, nil
}
