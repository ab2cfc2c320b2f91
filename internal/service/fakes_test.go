package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// In-memory fakes for the store interfaces. The write paths mirror the
// conditional semantics of the SQL repositories, so concurrency behavior
// under test matches production: ApplyDecision in particular is a
// mutex-guarded compare-and-set, exactly one of two racing calls wins.

// ── Audit ─────────────────────────────────────────────────────────────────────

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
}

func (f *fakeAuditStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := *entry
	e.PerformedAt = time.Now().UTC()
	f.entries = append(f.entries, &e)
	return nil
}

func (f *fakeAuditStore) ListByEntity(_ context.Context, entityType, entityID string) ([]*repository.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) countByAction(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// ── Schemas ───────────────────────────────────────────────────────────────────

type fakeSchemaStore struct {
	mu       sync.Mutex
	byDiv    map[string]*repository.ApprovalSchema
	createN  int
	updateN  int
	failWith error
}

func newFakeSchemaStore() *fakeSchemaStore {
	return &fakeSchemaStore{byDiv: make(map[string]*repository.ApprovalSchema)}
}

func (f *fakeSchemaStore) Create(_ context.Context, schema *repository.ApprovalSchema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.createN++
	f.byDiv[schema.DivisionID] = schema
	return nil
}

func (f *fakeSchemaStore) Update(_ context.Context, schema *repository.ApprovalSchema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateN++
	f.byDiv[schema.DivisionID] = schema
	return nil
}

func (f *fakeSchemaStore) GetByID(_ context.Context, id string) (*repository.ApprovalSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byDiv {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, errors.NotFound("approval_schema", id)
}

func (f *fakeSchemaStore) GetByDivision(_ context.Context, divisionID string) (*repository.ApprovalSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byDiv[divisionID], nil
}

func (f *fakeSchemaStore) List(_ context.Context) ([]*repository.ApprovalSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*repository.ApprovalSchema, 0, len(f.byDiv))
	for _, s := range f.byDiv {
		out = append(out, s)
	}
	return out, nil
}

// ── Requests ──────────────────────────────────────────────────────────────────

type fakeRequestStore struct {
	mu       sync.Mutex
	requests map[string]*repository.PurchaseRequest
	steps    map[string][]*repository.RequestStep
	audit    *fakeAuditStore
}

func newFakeRequestStore(audit *fakeAuditStore) *fakeRequestStore {
	return &fakeRequestStore{
		requests: make(map[string]*repository.PurchaseRequest),
		steps:    make(map[string][]*repository.RequestStep),
		audit:    audit,
	}
}

func (f *fakeRequestStore) Create(_ context.Context, req *repository.PurchaseRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	f.requests[req.ID] = req
	return nil
}

func (f *fakeRequestStore) GetByID(_ context.Context, id string) (*repository.PurchaseRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, errors.NotFound("purchase_request", id)
	}
	cp := *req
	return &cp, nil
}

func (f *fakeRequestStore) List(_ context.Context, divisionID string, status *string) ([]*repository.PurchaseRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.PurchaseRequest
	for _, req := range f.requests {
		if req.DivisionID != divisionID {
			continue
		}
		if status != nil && req.Status != *status {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRequestStore) SubmitWithPlan(ctx context.Context, requestID string, steps []*repository.RequestStep, audit *repository.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestID]
	if !ok {
		return errors.NotFound("purchase_request", requestID)
	}
	if req.Status != repository.RequestStatusDraft {
		return errors.Newf(errors.ErrCodeInvalidState, "purchase request %q is not in draft", requestID)
	}
	now := time.Now().UTC()
	req.Status = repository.RequestStatusPending
	req.SubmittedAt = &now
	req.UpdatedAt = now
	bound := make([]*repository.RequestStep, len(steps))
	for i, s := range steps {
		cp := *s
		cp.CreatedAt = now
		cp.UpdatedAt = now
		bound[i] = &cp
	}
	f.steps[requestID] = bound
	return f.audit.Append(ctx, audit)
}

func (f *fakeRequestStore) GetSteps(_ context.Context, requestID string) ([]*repository.RequestStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bound := f.steps[requestID]
	out := make([]*repository.RequestStep, len(bound))
	for i, s := range bound {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

// ApplyDecision is the serialized compare-and-set: the request must still be
// pending approval and the step must still be pending with every earlier step
// approved, checked and written under one lock like the production
// single-statement UPDATE.
func (f *fakeRequestStore) ApplyDecision(ctx context.Context, p repository.DecisionParams) error {
	f.mu.Lock()

	req := f.requests[p.RequestID]
	var target *repository.RequestStep
	earlierApproved := true
	for _, s := range f.steps[p.RequestID] {
		if s.StepIndex < p.StepIndex && s.Decision != repository.DecisionApproved {
			earlierApproved = false
		}
		if s.StepIndex == p.StepIndex {
			target = s
		}
	}
	if req == nil || req.Status != repository.RequestStatusPending ||
		target == nil || target.Decision != repository.DecisionPending || !earlierApproved {
		f.mu.Unlock()
		return errors.Newf(errors.ErrCodeStaleStep,
			"step %d of request %q is not the actionable pending step", p.StepIndex, p.RequestID)
	}

	target.Decision = p.Decision
	target.ActedBy = &p.ActorID
	actedAt := p.ActedAt
	target.ActedAt = &actedAt
	target.Comment = p.Comment
	certID := p.CertificateID
	target.CertificateID = &certID
	target.Signature = p.Signature

	if p.RequestStatus != "" {
		req.Status = p.RequestStatus
	}
	f.mu.Unlock()

	if p.Audit != nil {
		p.Audit.EntityType = "purchase_request"
		p.Audit.EntityID = p.RequestID
		return f.audit.Append(ctx, p.Audit)
	}
	return nil
}

func (f *fakeRequestStore) OverrideStatus(ctx context.Context, p repository.OverrideParams) error {
	f.mu.Lock()
	req, ok := f.requests[p.RequestID]
	if !ok {
		f.mu.Unlock()
		return errors.NotFound("purchase_request", p.RequestID)
	}
	if req.Status != repository.RequestStatusPending {
		f.mu.Unlock()
		return errors.Newf(errors.ErrCodeInvalidState,
			"purchase request %q is no longer pending approval", p.RequestID)
	}
	req.Status = p.Status
	f.mu.Unlock()

	if p.Audit != nil {
		p.Audit.EntityType = "purchase_request"
		p.Audit.EntityID = p.RequestID
		return f.audit.Append(ctx, p.Audit)
	}
	return nil
}

func (f *fakeRequestStore) GetPendingForActor(_ context.Context, actorID string, roles []string) ([]*repository.RequestStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	var out []*repository.RequestStep
	for id, req := range f.requests {
		if req.Status != repository.RequestStatusPending {
			continue
		}
		for _, s := range f.steps[id] {
			if s.Decision != repository.DecisionPending {
				continue
			}
			if (s.AssigneeID != nil && *s.AssigneeID == actorID) || roleSet[s.RoleID] {
				cp := *s
				out = append(out, &cp)
			}
			break // only the lowest pending step is actionable
		}
	}
	return out, nil
}

func (f *fakeRequestStore) ListStalledSteps(_ context.Context, cutoff time.Time) ([]*repository.StalledStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.StalledStep
	for id, req := range f.requests {
		if req.Status != repository.RequestStatusPending {
			continue
		}
		var prevActed *time.Time
		for _, s := range f.steps[id] {
			if s.Decision == repository.DecisionPending {
				since := req.SubmittedAt
				if prevActed != nil {
					since = prevActed
				}
				if since != nil && !since.After(cutoff) {
					out = append(out, &repository.StalledStep{
						RequestID:    id,
						DivisionID:   req.DivisionID,
						StepIndex:    s.StepIndex,
						RoleID:       s.RoleID,
						AssigneeID:   s.AssigneeID,
						Amount:       req.Amount,
						PendingSince: *since,
					})
				}
				break
			}
			prevActed = s.ActedAt
		}
	}
	return out, nil
}

// ── Certificates ──────────────────────────────────────────────────────────────

type fakeCertificateStore struct {
	mu    sync.Mutex
	certs map[string]*repository.Certificate
}

func newFakeCertificateStore() *fakeCertificateStore {
	return &fakeCertificateStore{certs: make(map[string]*repository.Certificate)}
}

func (f *fakeCertificateStore) Create(_ context.Context, cert *repository.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.certs {
		if c.UserID == cert.UserID && c.IsActive {
			return errors.Newf(errors.ErrCodeConflict, "user %q already holds an active certificate", cert.UserID)
		}
	}
	cp := *cert
	f.certs[cert.ID] = &cp
	return nil
}

func (f *fakeCertificateStore) GetByID(_ context.Context, id string) (*repository.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.certs[id]
	if !ok {
		return nil, errors.NotFound("certificate", id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCertificateStore) GetActiveByUser(_ context.Context, userID string) (*repository.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.certs {
		if c.UserID == userID && c.IsActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeCertificateStore) Revoke(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.certs[id]
	if !ok {
		return errors.NotFound("certificate", id)
	}
	if c.RevokedAt != nil {
		return errors.Newf(errors.ErrCodeConflict, "certificate %q is already revoked", id)
	}
	now := time.Now().UTC()
	c.RevokedAt = &now
	c.RevocationReason = &reason
	c.IsActive = false
	return nil
}

func (f *fakeCertificateStore) DeactivateExpired(_ context.Context, userID string, asOf time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.certs {
		if c.UserID == userID && c.IsActive && !asOf.Before(c.ExpiresAt) {
			c.IsActive = false
		}
	}
	return nil
}

// ── Notifications ─────────────────────────────────────────────────────────────

type fakeNotificationStore struct {
	mu            sync.Mutex
	notifications []*repository.Notification
	failCreate    error
}

func (f *fakeNotificationStore) Create(_ context.Context, n *repository.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	cp := *n
	cp.CreatedAt = time.Now().UTC()
	f.notifications = append(f.notifications, &cp)
	return nil
}

func (f *fakeNotificationStore) ExistsEscalation(_ context.Context, requestID string, stepIndex int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.Kind == "escalation" && n.EntityID == requestID && n.StepIndex != nil && *n.StepIndex == stepIndex {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeNotificationStore) ListForRecipient(_ context.Context, recipient string, unreadOnly bool) ([]*repository.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Notification
	for _, n := range f.notifications {
		if n.Recipient != recipient {
			continue
		}
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeNotificationStore) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.ID == id && n.ReadAt == nil {
			now := time.Now().UTC()
			n.ReadAt = &now
		}
	}
	return nil
}

func (f *fakeNotificationStore) countKind(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range f.notifications {
		if item.Kind == kind {
			n++
		}
	}
	return n
}

// ── Orders ────────────────────────────────────────────────────────────────────

type fakeOrderStore struct {
	mu       sync.Mutex
	requests *fakeRequestStore
	byID     map[string]*repository.PurchaseOrder
	byReq    map[string]*repository.PurchaseOrder
	history  map[string][]*repository.OrderHistoryEntry
	audit    *fakeAuditStore
}

func newFakeOrderStore(requests *fakeRequestStore, audit *fakeAuditStore) *fakeOrderStore {
	return &fakeOrderStore{
		requests: requests,
		byID:     make(map[string]*repository.PurchaseOrder),
		byReq:    make(map[string]*repository.PurchaseOrder),
		history:  make(map[string][]*repository.OrderHistoryEntry),
		audit:    audit,
	}
}

// Materialize mirrors the production transaction: flip approved→completed
// and insert the order, or resolve an already-completed request to its
// existing order.
func (f *fakeOrderStore) Materialize(ctx context.Context, order *repository.PurchaseOrder, audit *repository.AuditEntry) (*repository.PurchaseOrder, bool, error) {
	f.mu.Lock()
	f.requests.mu.Lock()
	req, ok := f.requests.requests[order.RequestID]
	if !ok {
		f.requests.mu.Unlock()
		f.mu.Unlock()
		return nil, false, errors.NotFound("purchase_request", order.RequestID)
	}
	if req.Status != repository.RequestStatusApproved {
		status := req.Status
		f.requests.mu.Unlock()
		if status == repository.RequestStatusCompleted {
			existing := f.byReq[order.RequestID]
			f.mu.Unlock()
			return existing, false, nil
		}
		f.mu.Unlock()
		return nil, false, errors.Newf(errors.ErrCodeInvalidState,
			"purchase request %q is %s, not approved", order.RequestID, status)
	}
	now := time.Now().UTC()
	req.Status = repository.RequestStatusCompleted
	req.CompletedAt = &now
	f.requests.mu.Unlock()

	cp := *order
	cp.CreatedAt = now
	cp.UpdatedAt = now
	f.byID[cp.ID] = &cp
	f.byReq[cp.RequestID] = &cp
	f.mu.Unlock()

	if audit != nil {
		audit.EntityType = "purchase_order"
		audit.EntityID = cp.ID
		if err := f.audit.Append(ctx, audit); err != nil {
			return nil, false, err
		}
	}
	return &cp, true, nil
}

func (f *fakeOrderStore) RecordAction(_ context.Context, entry *repository.OrderHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.byID[entry.OrderID]
	if !ok {
		return errors.NotFound("purchase_order", entry.OrderID)
	}
	if entry.Action == "printed" {
		order.PrintCount++
	}
	cp := *entry
	cp.CreatedAt = time.Now().UTC()
	f.history[entry.OrderID] = append(f.history[entry.OrderID], &cp)
	return nil
}

func (f *fakeOrderStore) GetByID(_ context.Context, id string) (*repository.PurchaseOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.byID[id]
	if !ok {
		return nil, errors.NotFound("purchase_order", id)
	}
	cp := *order
	return &cp, nil
}

func (f *fakeOrderStore) GetByRequestID(_ context.Context, requestID string) (*repository.PurchaseOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.byReq[requestID]
	if !ok {
		return nil, errors.NotFound("purchase_order", requestID)
	}
	cp := *order
	return &cp, nil
}

func (f *fakeOrderStore) SetDocumentKey(_ context.Context, orderID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order, ok := f.byID[orderID]; ok {
		order.DocumentKey = &key
	}
	return nil
}

func (f *fakeOrderStore) History(_ context.Context, orderID string) ([]*repository.OrderHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[orderID], nil
}

// ── Identity and events ───────────────────────────────────────────────────────

type fakeIdentityClient struct {
	usersByRole map[string][]string
}

func (f *fakeIdentityClient) GetUsersWithRole(_ context.Context, _, role string) ([]string, error) {
	return f.usersByRole[role], nil
}

type publishedEvent struct {
	EventType  string
	ResourceID string
	Recipients []string
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeEventPublisher) PublishEvent(_ context.Context, eventType, resourceID, _, _ string, recipients []string, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{EventType: eventType, ResourceID: resourceID, Recipients: recipients})
}

func (f *fakeEventPublisher) countType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type fakeDocumentStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (f *fakeDocumentStore) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs == nil {
		f.docs = make(map[string][]byte)
	}
	f.docs[key] = data
	return nil
}
