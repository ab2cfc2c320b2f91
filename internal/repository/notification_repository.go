package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/platform/database"
	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// NotificationRepository stores observational notifications. Escalation rows
// double as the dedup marker the overdue scanner checks before raising a new
// one.
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts one notification.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications
		    (id, recipient, kind, entity_type, entity_id, step_index, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		n.ID,
		n.Recipient,
		n.Kind,
		n.EntityType,
		n.EntityID,
		n.StepIndex,
		n.Message,
	).Scan(&n.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create notification")
	}
	return nil
}

// ExistsEscalation reports whether an escalation was already raised for a
// specific step of a request. Steps never return to pending once decided, so
// one escalation per (request, step) is the idempotence unit.
func (r *NotificationRepository) ExistsEscalation(ctx context.Context, requestID string, stepIndex int) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE kind = 'escalation'
			  AND entity_type = 'purchase_request'
			  AND entity_id = $1
			  AND step_index = $2
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, requestID, stepIndex).Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check escalation marker")
	}
	return exists, nil
}

// ListForRecipient returns notifications for a recipient, newest first.
func (r *NotificationRepository) ListForRecipient(ctx context.Context, recipient string, unreadOnly bool) ([]*Notification, error) {
	query := `
		SELECT id, recipient, kind, entity_type, entity_id, step_index,
		       message, created_at, read_at
		FROM notifications
		WHERE recipient = $1
	`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, recipient)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list notifications")
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n := &Notification{}
		err := rows.Scan(
			&n.ID,
			&n.Recipient,
			&n.Kind,
			&n.EntityType,
			&n.EntityID,
			&n.StepIndex,
			&n.Message,
			&n.CreatedAt,
			&n.ReadAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan notification")
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// MarkRead stamps a notification as read. Idempotent.
func (r *NotificationRepository) MarkRead(ctx context.Context, id string) error {
	query := `
		UPDATE notifications
		SET read_at = COALESCE(read_at, NOW())
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("notification", id)
	}
	return err
}
