package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/platform/database"
	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// RequestRepository manages purchase requests and their bound step plans.
// Submission and step decisions are always applied in a single transaction;
// the step decision update is the conditional write that serializes
// concurrent attempts on the same (request, step).
type RequestRepository struct {
	db    *database.DB
	audit *AuditRepository
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB, audit *AuditRepository) *RequestRepository {
	return &RequestRepository{db: db, audit: audit}
}

// Create inserts a draft purchase request.
func (r *RequestRepository) Create(ctx context.Context, req *PurchaseRequest) error {
	query := `
		INSERT INTO purchase_requests
		    (id, budget_id, division_id, description, amount, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6::purchase_request_status, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		req.ID,
		req.BudgetID,
		req.DivisionID,
		req.Description,
		req.Amount,
		req.Status,
		req.CreatedBy,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create purchase request")
	}
	return nil
}

// GetByID retrieves a purchase request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*PurchaseRequest, error) {
	query := selectRequest + ` WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("purchase_request", id)
	}
	return req, err
}

// List returns requests for a division, optionally filtered by status,
// newest first.
func (r *RequestRepository) List(ctx context.Context, divisionID string, status *string) ([]*PurchaseRequest, error) {
	query := selectRequest + ` WHERE division_id = $1`
	args := []any{divisionID}
	if status != nil {
		query += ` AND status = $2::purchase_request_status`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list purchase requests")
	}
	defer rows.Close()

	var reqs []*PurchaseRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan purchase request")
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// SubmitWithPlan flips a draft request to pending_approval and inserts its
// snapshotted step plan, all in one transaction. The status flip is guarded
// on the current status, so a concurrent submit loses cleanly.
func (r *RequestRepository) SubmitWithPlan(ctx context.Context, requestID string, steps []*RequestStep, audit *AuditEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		submitQuery := `
			UPDATE purchase_requests
			SET status       = 'pending_approval'::purchase_request_status,
			    submitted_at = NOW(),
			    updated_at   = NOW()
			WHERE id = $1
			  AND status = 'draft'::purchase_request_status
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, submitQuery, requestID).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.ErrCodeInvalidState, "purchase request %q is not in draft", requestID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to submit purchase request")
		}

		stepQuery := `
			INSERT INTO purchase_request_steps
			    (id, request_id, step_index, role_id, threshold, assignee_id, decision)
			VALUES ($1, $2, $3, $4, $5, $6, $7::step_decision)
			RETURNING created_at, updated_at
		`

		for _, step := range steps {
			step.RequestID = requestID
			err := tx.QueryRow(ctx, stepQuery,
				step.ID,
				step.RequestID,
				step.StepIndex,
				step.RoleID,
				step.Threshold,
				step.AssigneeID,
				step.Decision,
			).Scan(&step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
			}
		}

		if audit != nil {
			if err := r.audit.AppendTx(ctx, tx, audit); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSteps returns the bound step plan ordered by step index.
func (r *RequestRepository) GetSteps(ctx context.Context, requestID string) ([]*RequestStep, error) {
	query := selectStep + `
		WHERE request_id = $1
		ORDER BY step_index ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	return r.scanSteps(rows)
}

// ApplyDecision writes one step decision atomically. The step update only
// matches when the step is still pending, the request is still in
// pending_approval, and every earlier step is approved, which makes it the
// single-writer-wins compare-and-set for concurrent attempts: exactly one
// caller gets the row, everyone else gets a stale-step error. The request
// guard also stops a mid-chain decision from landing after an override moved
// the request to a terminal status. The request status transition and the audit entry commit in the
// same transaction, so a decision is never visible without its audit record.
func (r *RequestRepository) ApplyDecision(ctx context.Context, p DecisionParams) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		stepQuery := `
			UPDATE purchase_request_steps
			SET decision       = $3::step_decision,
			    acted_by       = $4,
			    acted_at       = $5,
			    comment        = $6,
			    certificate_id = $7,
			    signature      = $8,
			    updated_at     = NOW()
			WHERE request_id = $1
			  AND step_index = $2
			  AND decision = 'pending'::step_decision
			  AND EXISTS (
			      SELECT 1 FROM purchase_requests r
			      WHERE r.id = $1
			        AND r.status = 'pending_approval'::purchase_request_status
			  )
			  AND NOT EXISTS (
			      SELECT 1 FROM purchase_request_steps p
			      WHERE p.request_id = $1
			        AND p.step_index < $2
			        AND p.decision <> 'approved'::step_decision
			  )
			RETURNING id
		`

		var stepID string
		err := tx.QueryRow(ctx, stepQuery,
			p.RequestID,
			p.StepIndex,
			p.Decision,
			p.ActorID,
			p.ActedAt,
			p.Comment,
			p.CertificateID,
			p.Signature,
		).Scan(&stepID)
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.ErrCodeStaleStep,
				"step %d of request %q is not the current pending step", p.StepIndex, p.RequestID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to record step decision")
		}

		if p.RequestStatus != "" {
			reqQuery := `
				UPDATE purchase_requests
				SET status     = $2::purchase_request_status,
				    updated_at = NOW()
				WHERE id = $1
				  AND status = 'pending_approval'::purchase_request_status
				RETURNING id
			`

			var requestID string
			err := tx.QueryRow(ctx, reqQuery, p.RequestID, p.RequestStatus).Scan(&requestID)
			if err == pgx.ErrNoRows {
				return errors.Newf(errors.ErrCodeInvalidState,
					"purchase request %q is not pending approval", p.RequestID)
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request status")
			}
		}

		if p.Audit != nil {
			p.Audit.EntityType = "purchase_request"
			p.Audit.EntityID = p.RequestID
			if err := r.audit.AppendTx(ctx, tx, p.Audit); err != nil {
				return err
			}
		}
		return nil
	})
}

// OverrideStatus applies an administrator override decision: the request
// leaves pending_approval without the remaining steps being decided. The
// conditional update loses cleanly to a concurrent decision that already
// terminated the chain.
func (r *RequestRepository) OverrideStatus(ctx context.Context, p OverrideParams) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE purchase_requests
			SET status     = $2::purchase_request_status,
			    updated_at = NOW()
			WHERE id = $1
			  AND status = 'pending_approval'::purchase_request_status
			RETURNING id
		`

		var requestID string
		err := tx.QueryRow(ctx, query, p.RequestID, p.Status).Scan(&requestID)
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.ErrCodeInvalidState,
				"purchase request %q is not pending approval", p.RequestID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to override request status")
		}

		if p.Audit != nil {
			p.Audit.EntityType = "purchase_request"
			p.Audit.EntityID = p.RequestID
			if err := r.audit.AppendTx(ctx, tx, p.Audit); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPendingForActor returns the current lowest-pending steps awaiting the
// given actor, either by direct assignment or by role.
func (r *RequestRepository) GetPendingForActor(ctx context.Context, actorID string, roles []string) ([]*RequestStep, error) {
	query := `
		SELECT s.id, s.request_id, s.step_index, s.role_id, s.threshold,
		       s.assignee_id, s.decision, s.acted_by, s.acted_at, s.comment,
		       s.certificate_id, s.signature, s.created_at, s.updated_at
		FROM purchase_request_steps s
		JOIN purchase_requests r ON r.id = s.request_id
		WHERE r.status = 'pending_approval'::purchase_request_status
		  AND s.decision = 'pending'::step_decision
		  AND NOT EXISTS (
		      SELECT 1 FROM purchase_request_steps p
		      WHERE p.request_id = s.request_id
		        AND p.step_index < s.step_index
		        AND p.decision <> 'approved'::step_decision
		  )
		  AND (s.assignee_id = $1 OR s.role_id = ANY($2))
		ORDER BY s.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, actorID, roles)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	return r.scanSteps(rows)
}

// ListStalledSteps returns every lowest-pending step whose pending-since
// instant (previous step decision, or submission for step 0) is at or before
// the cutoff. Read-only: the escalation sweep never mutates workflow state.
func (r *RequestRepository) ListStalledSteps(ctx context.Context, cutoff time.Time) ([]*StalledStep, error) {
	query := `
		SELECT r.id, r.division_id, s.step_index, s.role_id, s.assignee_id, r.amount,
		       COALESCE(prev.acted_at, r.submitted_at) AS pending_since
		FROM purchase_requests r
		JOIN purchase_request_steps s
		  ON s.request_id = r.id
		 AND s.decision = 'pending'::step_decision
		LEFT JOIN purchase_request_steps prev
		  ON prev.request_id = r.id
		 AND prev.step_index = s.step_index - 1
		WHERE r.status = 'pending_approval'::purchase_request_status
		  AND NOT EXISTS (
		      SELECT 1 FROM purchase_request_steps p
		      WHERE p.request_id = r.id
		        AND p.step_index < s.step_index
		        AND p.decision <> 'approved'::step_decision
		  )
		  AND COALESCE(prev.acted_at, r.submitted_at) <= $1
		ORDER BY pending_since ASC
	`

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stalled steps")
	}
	defer rows.Close()

	var stalled []*StalledStep
	for rows.Next() {
		s := &StalledStep{}
		err := rows.Scan(
			&s.RequestID,
			&s.DivisionID,
			&s.StepIndex,
			&s.RoleID,
			&s.AssigneeID,
			&s.Amount,
			&s.PendingSince,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stalled step")
		}
		stalled = append(stalled, s)
	}
	return stalled, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectRequest = `
	SELECT id, budget_id, division_id, description, amount, status,
	       created_by, submitted_at, completed_at, created_at, updated_at
	FROM purchase_requests`

const selectStep = `
	SELECT id, request_id, step_index, role_id, threshold,
	       assignee_id, decision, acted_by, acted_at, comment,
	       certificate_id, signature, created_at, updated_at
	FROM purchase_request_steps`

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*PurchaseRequest, error) {
	req := &PurchaseRequest{}
	err := row.Scan(
		&req.ID,
		&req.BudgetID,
		&req.DivisionID,
		&req.Description,
		&req.Amount,
		&req.Status,
		&req.CreatedBy,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *RequestRepository) scanSteps(rows pgx.Rows) ([]*RequestStep, error) {
	var steps []*RequestStep
	for rows.Next() {
		s := &RequestStep{}
		err := rows.Scan(
			&s.ID,
			&s.RequestID,
			&s.StepIndex,
			&s.RoleID,
			&s.Threshold,
			&s.AssigneeID,
			&s.Decision,
			&s.ActedBy,
			&s.ActedAt,
			&s.Comment,
			&s.CertificateID,
			&s.Signature,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, nil
}
