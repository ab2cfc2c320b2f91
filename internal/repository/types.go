package repository

import "time"

// ── Request lifecycle ─────────────────────────────────────────────────────────

// Request statuses.
const (
	RequestStatusDraft     = "draft"
	RequestStatusPending   = "pending_approval"
	RequestStatusApproved  = "approved"
	RequestStatusRejected  = "rejected"
	RequestStatusCompleted = "completed"
)

// Step decisions.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// ── Domain types ──────────────────────────────────────────────────────────────

// SchemaStep is one entry in an approval schema's steps JSONB array.
// Thresholds are cents. AssigneeID optionally binds the step to a specific
// approver instead of any role holder.
type SchemaStep struct {
	StepIndex  int     `json:"step_index"`
	RoleID     string  `json:"role_id"`
	Threshold  int64   `json:"threshold"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

// ApprovalSchema is the per-division approval routing template. Mutated only
// by administrative configuration; requests snapshot its steps at submission.
type ApprovalSchema struct {
	ID         string
	DivisionID string
	Name       string
	Steps      []SchemaStep
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PurchaseRequest is one procurement ask, tied to a budget and division.
type PurchaseRequest struct {
	ID          string
	BudgetID    string
	DivisionID  string
	Description string
	Amount      int64 // cents
	Status      string
	CreatedBy   string
	SubmittedAt *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RequestStep is one bound approval step instance. The (RoleID, Threshold)
// pair is a snapshot taken at submission, never a live schema reference.
type RequestStep struct {
	ID            string
	RequestID     string
	StepIndex     int
	RoleID        string
	Threshold     int64
	AssigneeID    *string
	Decision      string
	ActedBy       *string
	ActedAt       *time.Time
	Comment       *string
	CertificateID *string
	Signature     []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Certificate is a per-user signing certificate. At most one live certificate
// per user. Expiry is computed at validation time, never stored as a state
// transition.
type Certificate struct {
	ID               string
	UserID           string
	PublicKey        []byte
	PrivateKey       []byte
	IssuedAt         time.Time
	ExpiresAt        time.Time
	IsActive         bool
	RevokedAt        *time.Time
	RevocationReason *string
}

// EligibleAt reports whether the certificate may sign at the given instant:
// active, unrevoked, unexpired — all three required.
func (c *Certificate) EligibleAt(now time.Time) bool {
	return c.IsActive && c.RevokedAt == nil && now.Before(c.ExpiresAt)
}

// Notification is a purely observational record; it never mutates workflow
// entities. Kind "escalation" rows double as the dedup marker for the
// overdue scanner.
type Notification struct {
	ID         string
	Recipient  string
	Kind       string // escalation | approval_required | request_approved | request_rejected | order_created
	EntityType string
	EntityID   string
	StepIndex  *int
	Message    string
	CreatedAt  time.Time
	ReadAt     *time.Time
}

// PurchaseOrder is materialized from a fully approved request. Exactly one
// order per request.
type PurchaseOrder struct {
	ID          string
	RequestID   string
	OrderNumber string
	DivisionID  string
	Amount      int64
	DocumentKey *string
	PrintCount  int
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderHistoryEntry is one append-only action record on a purchase order.
type OrderHistoryEntry struct {
	ID        string
	OrderID   string
	Action    string
	ActorID   string
	Comment   *string
	CreatedAt time.Time
}

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID          string
	EntityType  string // purchase_request | certificate | purchase_order | approval_schema
	EntityID    string
	Action      string
	ActorID     string
	PerformedAt time.Time
	Detail      map[string]interface{}
}

// ── Composite parameters ──────────────────────────────────────────────────────

// DecisionParams carries one atomic step decision. The step write, the
// request status transition and the audit entry are applied in a single
// transaction; the step update is the conditional write that serializes
// concurrent attempts.
type DecisionParams struct {
	RequestID     string
	StepIndex     int
	Decision      string // approved | rejected
	ActorID       string
	ActedAt       time.Time
	Comment       *string
	CertificateID string
	Signature     []byte
	// RequestStatus is the new request status, or "" when the request stays
	// in pending_approval (mid-chain approval).
	RequestStatus string
	Audit         *AuditEntry
}

// OverrideParams carries an administrator override decision.
type OverrideParams struct {
	RequestID string
	Status    string // approved | rejected
	ActorID   string
	Audit     *AuditEntry
}

// StalledStep is one overdue lowest-pending step found by the escalation
// sweep. PendingSince is the previous step's decision time, or the request's
// submission time for step 0.
type StalledStep struct {
	RequestID    string
	DivisionID   string
	StepIndex    int
	RoleID       string
	AssigneeID   *string
	Amount       int64
	PendingSince time.Time
}
