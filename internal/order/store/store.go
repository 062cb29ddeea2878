package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
)

// Schema creates the orders table. Terminal statuses are enforced in UpdateOrder.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              UUID PRIMARY KEY,
	product_id      TEXT NOT NULL,
	server_order_id TEXT NOT NULL UNIQUE,
	transaction_id  TEXT UNIQUE,
	user_info       JSONB NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ,
	expires_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS orders_product_status_idx ON orders (product_id, status);
`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrating orders schema: %w", err)
	}

	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanOrder reads an order row from the scanner.
// Expected column order: id, product_id, server_order_id, transaction_id, user_info, status, created_at, updated_at, expires_at
func scanOrder(s scanner) (*order.Order, error) {
	var o order.Order

	var statusStr string

	var txID sql.NullString

	var userInfo []byte

	if err := s.Scan(
		&o.ID, &o.ProductID, &o.ServerOrderID, &txID, &userInfo, &statusStr,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt,
	); err != nil {
		return nil, err
	}

	o.Status = order.Status(statusStr)
	o.TransactionID = txID.String

	if len(userInfo) > 0 {
		if err := json.Unmarshal(userInfo, &o.UserInfo); err != nil {
			return nil, fmt.Errorf("decoding user info: %w", err)
		}
	}

	return &o, nil
}

const selectOrderColumns = `
	id, product_id, server_order_id, transaction_id, user_info, status, created_at, updated_at, expires_at
`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateOrder inserts o keyed by its client-generated id. Replaying the same create is
// idempotent and returns the stored record; reusing an id for another product is a conflict.
func (s *Store) CreateOrder(ctx context.Context, o *order.Order) error {
	userInfo, err := json.Marshal(o.UserInfo)
	if err != nil {
		return fmt.Errorf("encoding user info: %w", err)
	}

	query := `
		INSERT INTO orders (id, product_id, server_order_id, user_info, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		o.ID,
		o.ProductID,
		serverOrderID(o.ID),
		userInfo,
		order.StatusCreated,
		o.CreatedAt,
		o.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}

	stored, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}

	if stored.ProductID != o.ProductID {
		return apperr.Wrap(order.ErrMismatch, fmt.Errorf("order id %s already used for %q", o.ID, stored.ProductID))
	}

	*o = *stored

	return nil
}

func serverOrderID(id uuid.UUID) string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:16])
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	query := `SELECT ` + selectOrderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Wrap(order.ErrNotFound, fmt.Errorf("order %s", id))
		}

		return nil, fmt.Errorf("getting order: %w", err)
	}

	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, filter order.ListFilter) ([]*order.Order, error) {
	query := `SELECT ` + selectOrderColumns + ` FROM orders WHERE TRUE`

	var args []any

	argIdx := 1

	if filter.ProductID != nil {
		query += fmt.Sprintf(" AND product_id = $%d", argIdx)

		args = append(args, *filter.ProductID)
		argIdx++
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}

		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)

		args = append(args, statuses)
		argIdx++
	}

	if filter.CreatedBefore != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)

		args = append(args, *filter.CreatedBefore)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []*order.Order

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}

		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order rows: %w", err)
	}

	return orders, nil
}

// UpdateOrder persists status and transaction link. Terminal rows are never rewritten and a
// linked transaction is never replaced; both surface as conflicts.
func (s *Store) UpdateOrder(ctx context.Context, o *order.Order) error {
	query := `
		UPDATE orders
		SET status = $1, transaction_id = COALESCE($2, transaction_id), updated_at = NOW()
		WHERE id = $3
			AND status NOT IN ('completed', 'failed', 'cancelled')
			AND (transaction_id IS NULL OR $2::TEXT IS NULL OR transaction_id = $2)
	`

	res, err := s.db.ExecContext(ctx, query, o.Status, nullString(o.TransactionID), o.ID)
	if err != nil {
		return fmt.Errorf("updating order: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating order: %w", err)
	}

	if n > 0 {
		return nil
	}

	cur, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}

	if cur.Status.IsTerminal() {
		return apperr.Wrap(order.TerminalError(cur.Status), fmt.Errorf("order %s", o.ID))
	}

	return apperr.Wrap(order.ErrMismatch, fmt.Errorf("order %s already linked to transaction %s", o.ID, cur.TransactionID))
}
