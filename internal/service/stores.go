package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// Store interfaces consumed by the services. The concrete implementations
// live in internal/repository; tests substitute in-memory fakes.

// SchemaStore persists approval schemas.
type SchemaStore interface {
	Create(ctx context.Context, schema *repository.ApprovalSchema) error
	Update(ctx context.Context, schema *repository.ApprovalSchema) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalSchema, error)
	GetByDivision(ctx context.Context, divisionID string) (*repository.ApprovalSchema, error)
	List(ctx context.Context) ([]*repository.ApprovalSchema, error)
}

// RequestStore persists purchase requests and their bound step plans. The
// write methods are transactional units; ApplyDecision in particular is the
// atomic conditional write that serializes concurrent decisions.
type RequestStore interface {
	Create(ctx context.Context, req *repository.PurchaseRequest) error
	GetByID(ctx context.Context, id string) (*repository.PurchaseRequest, error)
	List(ctx context.Context, divisionID string, status *string) ([]*repository.PurchaseRequest, error)
	SubmitWithPlan(ctx context.Context, requestID string, steps []*repository.RequestStep, audit *repository.AuditEntry) error
	GetSteps(ctx context.Context, requestID string) ([]*repository.RequestStep, error)
	ApplyDecision(ctx context.Context, p repository.DecisionParams) error
	OverrideStatus(ctx context.Context, p repository.OverrideParams) error
	GetPendingForActor(ctx context.Context, actorID string, roles []string) ([]*repository.RequestStep, error)
	ListStalledSteps(ctx context.Context, cutoff time.Time) ([]*repository.StalledStep, error)
}

// CertificateStore persists signing certificates.
type CertificateStore interface {
	Create(ctx context.Context, cert *repository.Certificate) error
	GetByID(ctx context.Context, id string) (*repository.Certificate, error)
	GetActiveByUser(ctx context.Context, userID string) (*repository.Certificate, error)
	Revoke(ctx context.Context, id, reason string) error
	DeactivateExpired(ctx context.Context, userID string, asOf time.Time) error
}

// NotificationStore persists observational notifications.
type NotificationStore interface {
	Create(ctx context.Context, n *repository.Notification) error
	ExistsEscalation(ctx context.Context, requestID string, stepIndex int) (bool, error)
	ListForRecipient(ctx context.Context, recipient string, unreadOnly bool) ([]*repository.Notification, error)
	MarkRead(ctx context.Context, id string) error
}

// OrderStore persists purchase orders, their counters and history.
type OrderStore interface {
	Materialize(ctx context.Context, order *repository.PurchaseOrder, audit *repository.AuditEntry) (*repository.PurchaseOrder, bool, error)
	RecordAction(ctx context.Context, entry *repository.OrderHistoryEntry) error
	GetByID(ctx context.Context, id string) (*repository.PurchaseOrder, error)
	GetByRequestID(ctx context.Context, requestID string) (*repository.PurchaseOrder, error)
	SetDocumentKey(ctx context.Context, orderID, key string) error
	History(ctx context.Context, orderID string) ([]*repository.OrderHistoryEntry, error)
}

// AuditStore appends and reads the audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*repository.AuditEntry, error)
}

// IdentityClient resolves role holders from the identity service.
type IdentityClient interface {
	GetUsersWithRole(ctx context.Context, divisionID, role string) ([]string, error)
}

// EventPublisher pushes workflow events to the notification sink.
// Fire-and-forget: implementations never fail the caller.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType, resourceID, divisionID, actorID string, recipients []string, payload map[string]interface{})
}

// DocumentStore holds opaque generated documents keyed by id.
type DocumentStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}
