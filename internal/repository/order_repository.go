package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/platform/database"
	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// OrderRepository manages purchase orders, their atomic counters and their
// append-only history. A unique index on request_id backs the one-order-per-
// request idempotence of materialization.
type OrderRepository struct {
	db    *database.DB
	audit *AuditRepository
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(db *database.DB, audit *AuditRepository) *OrderRepository {
	return &OrderRepository{db: db, audit: audit}
}

// Materialize completes an approved request and creates its purchase order
// in one transaction. Returns the order and whether this call created it.
// Calling it again on a completed request is a no-op that returns the
// existing order: external retries must not create duplicates.
func (r *OrderRepository) Materialize(ctx context.Context, order *PurchaseOrder, audit *AuditEntry) (result *PurchaseOrder, created bool, err error) {
	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		completeQuery := `
			UPDATE purchase_requests
			SET status       = 'completed'::purchase_request_status,
			    completed_at = NOW(),
			    updated_at   = NOW()
			WHERE id = $1
			  AND status = 'approved'::purchase_request_status
			RETURNING id
		`

		var requestID string
		txErr := tx.QueryRow(ctx, completeQuery, order.RequestID).Scan(&requestID)
		if txErr == pgx.ErrNoRows {
			// Either already completed (idempotent no-op) or in a state that
			// cannot be materialized. Decided by re-reading inside the
			// transaction.
			var status string
			if txErr = tx.QueryRow(ctx,
				`SELECT status FROM purchase_requests WHERE id = $1`, order.RequestID,
			).Scan(&status); txErr != nil {
				if txErr == pgx.ErrNoRows {
					return errors.NotFound("purchase_request", order.RequestID)
				}
				return errors.Wrap(txErr, errors.ErrCodeInternal, "failed to read request status")
			}
			if status != RequestStatusCompleted {
				return errors.Newf(errors.ErrCodeInvalidState,
					"purchase request %q is %s, not approved", order.RequestID, status)
			}
			existing, txErr := r.getByRequestIDTx(ctx, tx, order.RequestID)
			if txErr != nil {
				return txErr
			}
			result = existing
			created = false
			return nil
		}
		if txErr != nil {
			return errors.Wrap(txErr, errors.ErrCodeInternal, "failed to complete purchase request")
		}

		insertQuery := `
			INSERT INTO purchase_orders
			    (id, request_id, order_number, division_id, amount, created_by)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at
		`

		txErr = tx.QueryRow(ctx, insertQuery,
			order.ID,
			order.RequestID,
			order.OrderNumber,
			order.DivisionID,
			order.Amount,
			order.CreatedBy,
		).Scan(&order.CreatedAt, &order.UpdatedAt)
		if txErr != nil {
			return errors.Wrap(txErr, errors.ErrCodeInternal, "failed to create purchase order")
		}

		if audit != nil {
			audit.EntityType = "purchase_order"
			audit.EntityID = order.ID
			if txErr := r.audit.AppendTx(ctx, tx, audit); txErr != nil {
				return txErr
			}
		}

		result = order
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// RecordAction appends one history entry and applies its counter update as a
// single all-or-nothing unit. A print count observable without its history
// entry, or vice versa, would violate the order invariant.
func (r *OrderRepository) RecordAction(ctx context.Context, entry *OrderHistoryEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		counterQuery := `
			UPDATE purchase_orders
			SET print_count = print_count + CASE WHEN $2 = 'printed' THEN 1 ELSE 0 END,
			    updated_at  = NOW()
			WHERE id = $1
			RETURNING id
		`

		var orderID string
		err := tx.QueryRow(ctx, counterQuery, entry.OrderID, entry.Action).Scan(&orderID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("purchase_order", entry.OrderID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update order counters")
		}

		historyQuery := `
			INSERT INTO purchase_order_history
			    (id, order_id, action, actor_id, comment)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at
		`

		err = tx.QueryRow(ctx, historyQuery,
			entry.ID,
			entry.OrderID,
			entry.Action,
			entry.ActorID,
			entry.Comment,
		).Scan(&entry.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append order history")
		}
		return nil
	})
}

// GetByID retrieves an order by primary key.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*PurchaseOrder, error) {
	query := selectOrder + ` WHERE id = $1`

	order, err := r.scanOrder(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("purchase_order", id)
	}
	return order, err
}

// GetByRequestID retrieves the order materialized from a request, or nil.
func (r *OrderRepository) GetByRequestID(ctx context.Context, requestID string) (*PurchaseOrder, error) {
	query := selectOrder + ` WHERE request_id = $1`

	order, err := r.scanOrder(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return order, err
}

// SetDocumentKey records the document store key for the order's generated
// document.
func (r *OrderRepository) SetDocumentKey(ctx context.Context, orderID, key string) error {
	query := `
		UPDATE purchase_orders
		SET document_key = $2,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, orderID, key).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("purchase_order", orderID)
	}
	return err
}

// History returns the order's action history, oldest first.
func (r *OrderRepository) History(ctx context.Context, orderID string) ([]*OrderHistoryEntry, error) {
	query := `
		SELECT id, order_id, action, actor_id, comment, created_at
		FROM purchase_order_history
		WHERE order_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get order history")
	}
	defer rows.Close()

	var entries []*OrderHistoryEntry
	for rows.Next() {
		e := &OrderHistoryEntry{}
		err := rows.Scan(&e.ID, &e.OrderID, &e.Action, &e.ActorID, &e.Comment, &e.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan order history entry")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectOrder = `
	SELECT id, request_id, order_number, division_id, amount,
	       document_key, print_count, created_by, created_at, updated_at
	FROM purchase_orders`

type orderScanner interface {
	Scan(dest ...any) error
}

func (r *OrderRepository) scanOrder(row orderScanner) (*PurchaseOrder, error) {
	order := &PurchaseOrder{}
	err := row.Scan(
		&order.ID,
		&order.RequestID,
		&order.OrderNumber,
		&order.DivisionID,
		&order.Amount,
		&order.DocumentKey,
		&order.PrintCount,
		&order.CreatedBy,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) getByRequestIDTx(ctx context.Context, tx pgx.Tx, requestID string) (*PurchaseOrder, error) {
	query := selectOrder + ` WHERE request_id = $1`

	order, err := r.scanOrder(tx.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("purchase_order", requestID)
	}
	return order, err
}
