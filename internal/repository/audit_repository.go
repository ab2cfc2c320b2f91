package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/platform/database"
	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// AuditRepository appends and reads immutable audit log entries. The table
// has a delete-prevention trigger, so Append is the only mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const appendAuditQuery = `
	INSERT INTO procurement_audit_log
	    (id, entity_type, entity_id, action, actor_id, detail)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING performed_at
`

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	detailJSON, err := marshalDetail(entry)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, appendAuditQuery,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.ActorID, detailJSON,
	).Scan(&entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// AppendTx inserts one audit entry inside an existing transaction so the
// entry commits or rolls back with the state change it records.
func (r *AuditRepository) AppendTx(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	detailJSON, err := marshalDetail(entry)
	if err != nil {
		return err
	}
	err = tx.QueryRow(ctx, appendAuditQuery,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.ActorID, detailJSON,
	).Scan(&entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByEntity returns the audit trail for an entity, oldest first.
func (r *AuditRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, action, actor_id, performed_at, detail
		FROM procurement_audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var detailJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Action,
			&entry.ActorID,
			&entry.PerformedAt,
			&detailJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &entry.Detail); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit detail")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func marshalDetail(entry *AuditEntry) ([]byte, error) {
	if entry.Detail == nil {
		return nil, nil
	}
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit detail")
	}
	return detailJSON, nil
}
