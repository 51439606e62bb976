package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pvieira/mercurio/internal/order"
)

// CreateOrder inserts a new order in PENDING state.
func (db *DB) CreateOrder(o *Order) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO orders (id, customer_id, store_id, state, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CustomerID, o.StoreID, string(order.Pending), o.Payload, now, now)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	o.State = string(order.Pending)
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

// GetOrder returns an order by id, or ErrNotFound.
func (db *DB) GetOrder(id string) (*Order, error) {
	var o Order
	err := db.QueryRow(`
		SELECT id, customer_id, store_id, state, accepted_by, payload, created_at, updated_at
		FROM orders WHERE id = ?`, id).
		Scan(&o.ID, &o.CustomerID, &o.StoreID, &o.State, &o.AcceptedBy, &o.Payload, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// TransitionOrder moves an order to the target state under the order's
// exclusive section. The current state is re-read inside the lock, so of two
// concurrent PENDING -> ACCEPTED attempts exactly one wins; the loser
// observes an InvalidTransitionError. Returns keylock.ErrLockTimeout when
// contention outlasts the lock wait.
func (db *DB) TransitionOrder(ctx context.Context, id, actor string, target order.State) (*Order, error) {
	release, err := db.locks.Acquire(ctx, "order:"+id)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var o Order
	err = tx.QueryRow(`
		SELECT id, customer_id, store_id, state, accepted_by, payload, created_at, updated_at
		FROM orders WHERE id = ?`, id).
		Scan(&o.ID, &o.CustomerID, &o.StoreID, &o.State, &o.AcceptedBy, &o.Payload, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if !order.CanTransition(order.State(o.State), target) {
		return nil, &InvalidTransitionError{OrderID: id, From: o.State, To: string(target)}
	}

	now := time.Now().UnixMilli()
	acceptedBy := o.AcceptedBy
	if target == order.Accepted {
		acceptedBy = actor
	}
	if _, err := tx.Exec(`
		UPDATE orders SET state = ?, accepted_by = ?, updated_at = ? WHERE id = ?`,
		string(target), acceptedBy, now, id); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	o.State = string(target)
	o.AcceptedBy = acceptedBy
	o.UpdatedAt = now
	return &o, nil
}
