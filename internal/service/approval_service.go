package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
	"github.com/pesio-ai/be-proc-requests/internal/platform/identity"
	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// PlanResolver computes the ordered step plan for a division and amount.
// Implemented by SchemaService.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, divisionID string, amount int64) ([]repository.SchemaStep, error)
}

// Signer gates decisions on live certificate eligibility and produces the
// decision signatures. Implemented by CertificateService.
type Signer interface {
	SignerCertificate(ctx context.Context, userID string, asOf time.Time) (*repository.Certificate, error)
	SignDecision(cert *repository.Certificate, payload DecisionPayload) ([]byte, error)
}

// ApprovalService owns the purchase request lifecycle:
//
//	draft → pending_approval → {approved, rejected} → completed
//
// rejected and completed are terminal; completed is only reachable from
// approved via order materialization.
type ApprovalService struct {
	requests      RequestStore
	plans         PlanResolver
	signer        Signer
	notifications NotificationStore
	identityCli   IdentityClient
	events        EventPublisher
	orders        OrderStore
	documents     DocumentStore
	auditLog      AuditStore
	log           *logger.Logger
}

// NewApprovalService creates a new ApprovalService. documents may be nil
// when no document store is configured.
func NewApprovalService(
	requests RequestStore,
	plans PlanResolver,
	signer Signer,
	notifications NotificationStore,
	identityCli IdentityClient,
	events EventPublisher,
	orders OrderStore,
	documents DocumentStore,
	auditLog AuditStore,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		requests:      requests,
		plans:         plans,
		signer:        signer,
		notifications: notifications,
		identityCli:   identityCli,
		events:        events,
		orders:        orders,
		documents:     documents,
		auditLog:      auditLog,
		log:           log,
	}
}

// ── Request creation ──────────────────────────────────────────────────────────

// CreateRequestParams describes a new draft purchase request.
type CreateRequestParams struct {
	BudgetID    string
	DivisionID  string
	Description string
	Amount      int64 // cents
}

// CreateRequest creates a draft purchase request.
func (s *ApprovalService) CreateRequest(ctx context.Context, p CreateRequestParams, actor identity.Actor) (*repository.PurchaseRequest, error) {
	if p.BudgetID == "" {
		return nil, errors.InvalidInput("budget_id", "budget is required")
	}
	if p.DivisionID == "" {
		return nil, errors.InvalidInput("division_id", "division is required")
	}
	if p.Amount <= 0 {
		return nil, errors.InvalidInput("amount", "amount must be positive")
	}

	req := &repository.PurchaseRequest{
		ID:          uuid.NewString(),
		BudgetID:    p.BudgetID,
		DivisionID:  p.DivisionID,
		Description: p.Description,
		Amount:      p.Amount,
		Status:      repository.RequestStatusDraft,
		CreatedBy:   actor.ID,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("division_id", req.DivisionID).
		Int64("amount", req.Amount).
		Msg("Purchase request created")
	return req, nil
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit moves a draft request into the approval chain. The step plan is
// resolved once here and snapshotted onto the request in the same
// transaction as the status flip; later schema edits never touch it.
func (s *ApprovalService) Submit(ctx context.Context, requestID string, actor identity.Actor) ([]*repository.RequestStep, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestStatusDraft {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"purchase request %q is %s, not draft", requestID, req.Status)
	}

	plan, err := s.plans.ResolvePlan(ctx, req.DivisionID, req.Amount)
	if err != nil {
		return nil, err
	}

	steps := make([]*repository.RequestStep, 0, len(plan))
	for i, planned := range plan {
		steps = append(steps, &repository.RequestStep{
			ID:         uuid.NewString(),
			RequestID:  requestID,
			StepIndex:  i,
			RoleID:     planned.RoleID,
			Threshold:  planned.Threshold,
			AssigneeID: planned.AssigneeID,
			Decision:   repository.DecisionPending,
		})
	}

	audit := &repository.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: "purchase_request",
		EntityID:   requestID,
		Action:     "submitted",
		ActorID:    actor.ID,
		Detail:     map[string]interface{}{"total_steps": len(steps), "amount": req.Amount},
	}
	if err := s.requests.SubmitWithPlan(ctx, requestID, steps, audit); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", requestID).
		Int("total_steps", len(steps)).
		Msg("Purchase request submitted for approval")

	s.events.PublishEvent(ctx, "request_submitted", requestID, req.DivisionID, actor.ID,
		[]string{req.CreatedBy}, map[string]interface{}{"amount": req.Amount})
	s.notifyStepApprovers(ctx, req, steps[0], actor.ID)

	return steps, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// DecideParams carries one approval decision attempt.
type DecideParams struct {
	RequestID string
	StepIndex int
	Decision  string // approved | rejected
	Comment   *string
}

// Decide records a decision on the request's current pending step. Returns
// whether the chain is now complete (request approved).
//
// The storage write is a compare-and-set keyed on the step still being
// pending with all earlier steps approved, so two concurrent attempts on the
// same step yield exactly one success and one stale-step failure. The
// signer's certificate is re-read here on every call — a revocation that
// lands before this check wins over the in-flight decision.
func (s *ApprovalService) Decide(ctx context.Context, p DecideParams, actor identity.Actor) (chainComplete bool, err error) {
	if p.Decision != repository.DecisionApproved && p.Decision != repository.DecisionRejected {
		return false, errors.InvalidInput("decision", "decision must be approved or rejected")
	}
	if p.Decision == repository.DecisionRejected && (p.Comment == nil || *p.Comment == "") {
		return false, errors.InvalidInput("comment", "rejection reason is required")
	}

	req, err := s.requests.GetByID(ctx, p.RequestID)
	if err != nil {
		return false, err
	}
	if req.Status != repository.RequestStatusPending {
		return false, errors.Newf(errors.ErrCodeInvalidState,
			"purchase request %q is %s, not pending approval", p.RequestID, req.Status)
	}

	steps, err := s.requests.GetSteps(ctx, p.RequestID)
	if err != nil {
		return false, err
	}
	lowest := lowestPendingIndex(steps)
	if lowest < 0 {
		return false, errors.Newf(errors.ErrCodeInvalidState,
			"purchase request %q has no pending steps", p.RequestID)
	}
	if p.StepIndex != lowest {
		return false, errors.Newf(errors.ErrCodeStaleStep,
			"step %d is not the current pending step (current: %d)", p.StepIndex, lowest)
	}

	step := steps[lowest]
	if !actorMayAct(step, actor) {
		return false, errors.Newf(errors.ErrCodeUnauthorizedSigner,
			"actor %q does not hold role %q required by step %d", actor.ID, step.RoleID, step.StepIndex)
	}

	now := time.Now().UTC()
	cert, err := s.signer.SignerCertificate(ctx, actor.ID, now)
	if err != nil {
		return false, err
	}

	payload := DecisionPayload{
		RequestID: p.RequestID,
		StepIndex: p.StepIndex,
		Decision:  p.Decision,
		ActorID:   actor.ID,
		ActedAt:   now.Unix(),
	}
	signature, err := s.signer.SignDecision(cert, payload)
	if err != nil {
		return false, err
	}

	// Terminal status for the request, or "" to remain pending mid-chain.
	newStatus := ""
	lastStep := lowest == len(steps)-1
	switch {
	case p.Decision == repository.DecisionRejected:
		newStatus = repository.RequestStatusRejected
	case lastStep:
		newStatus = repository.RequestStatusApproved
	}

	err = s.requests.ApplyDecision(ctx, repository.DecisionParams{
		RequestID:     p.RequestID,
		StepIndex:     p.StepIndex,
		Decision:      p.Decision,
		ActorID:       actor.ID,
		ActedAt:       now,
		Comment:       p.Comment,
		CertificateID: cert.ID,
		Signature:     signature,
		RequestStatus: newStatus,
		Audit: &repository.AuditEntry{
			ID:      uuid.NewString(),
			Action:  "step_" + p.Decision,
			ActorID: actor.ID,
			Detail: map[string]interface{}{
				"step_index":     p.StepIndex,
				"certificate_id": cert.ID,
			},
		},
	})
	if err != nil {
		return false, err
	}

	s.log.Info().
		Str("request_id", p.RequestID).
		Int("step_index", p.StepIndex).
		Str("decision", p.Decision).
		Str("actor_id", actor.ID).
		Msg("Approval decision recorded")

	switch {
	case p.Decision == repository.DecisionRejected:
		s.events.PublishEvent(ctx, "request_rejected", p.RequestID, req.DivisionID, actor.ID,
			[]string{req.CreatedBy}, map[string]interface{}{"step_index": p.StepIndex, "reason": p.Comment})
		s.createNotification(ctx, req.CreatedBy, "request_rejected", p.RequestID, nil,
			fmt.Sprintf("Purchase request %s was rejected at step %d", p.RequestID, p.StepIndex))
	case lastStep:
		chainComplete = true
		s.events.PublishEvent(ctx, "request_approved", p.RequestID, req.DivisionID, actor.ID,
			[]string{req.CreatedBy}, nil)
		s.createNotification(ctx, req.CreatedBy, "request_approved", p.RequestID, nil,
			fmt.Sprintf("Purchase request %s is fully approved", p.RequestID))
	default:
		s.notifyStepApprovers(ctx, req, steps[lowest+1], actor.ID)
	}

	return chainComplete, nil
}

// ── Administrator override ────────────────────────────────────────────────────

// Override lets an actor with override authority terminate the chain
// directly. Overrides are first-class audited events, not routed steps; the
// remaining step instances stay untouched.
func (s *ApprovalService) Override(ctx context.Context, requestID, decision, reason string, actor identity.Actor) error {
	if !actor.Override {
		return errors.Newf(errors.ErrCodeUnauthorizedSigner,
			"actor %q lacks override authority", actor.ID)
	}
	if decision != repository.DecisionApproved && decision != repository.DecisionRejected {
		return errors.InvalidInput("decision", "decision must be approved or rejected")
	}
	if reason == "" {
		return errors.InvalidInput("reason", "override reason is required")
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != repository.RequestStatusPending {
		return errors.Newf(errors.ErrCodeInvalidState,
			"purchase request %q is %s, not pending approval", requestID, req.Status)
	}

	now := time.Now().UTC()
	cert, err := s.signer.SignerCertificate(ctx, actor.ID, now)
	if err != nil {
		return err
	}
	signature, err := s.signer.SignDecision(cert, DecisionPayload{
		RequestID: requestID,
		StepIndex: -1,
		Decision:  decision,
		ActorID:   actor.ID,
		ActedAt:   now.Unix(),
	})
	if err != nil {
		return err
	}

	newStatus := repository.RequestStatusApproved
	if decision == repository.DecisionRejected {
		newStatus = repository.RequestStatusRejected
	}

	err = s.requests.OverrideStatus(ctx, repository.OverrideParams{
		RequestID: requestID,
		Status:    newStatus,
		ActorID:   actor.ID,
		Audit: &repository.AuditEntry{
			ID:      uuid.NewString(),
			Action:  "override_" + decision,
			ActorID: actor.ID,
			Detail: map[string]interface{}{
				"reason":         reason,
				"certificate_id": cert.ID,
				"signature":      signature,
			},
		},
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("decision", decision).
		Str("actor_id", actor.ID).
		Msg("Administrator override applied")

	s.events.PublishEvent(ctx, "request_"+decision, requestID, req.DivisionID, actor.ID,
		[]string{req.CreatedBy}, map[string]interface{}{"override": true, "reason": reason})
	return nil
}

// ── Materialize ───────────────────────────────────────────────────────────────

// Materialize completes an approved request by creating its purchase order.
// Idempotent: calling it again on a completed request returns the existing
// order without side effects, so external retries never create duplicates.
func (s *ApprovalService) Materialize(ctx context.Context, requestID string, actor identity.Actor) (*repository.PurchaseOrder, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case repository.RequestStatusApproved, repository.RequestStatusCompleted:
		// eligible; the completed case resolves to the existing order below
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"purchase request %q is %s, not approved", requestID, req.Status)
	}

	order := &repository.PurchaseOrder{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		OrderNumber: newOrderNumber(),
		DivisionID:  req.DivisionID,
		Amount:      req.Amount,
		CreatedBy:   actor.ID,
	}
	audit := &repository.AuditEntry{
		ID:      uuid.NewString(),
		Action:  "order_created",
		ActorID: actor.ID,
		Detail:  map[string]interface{}{"request_id": requestID, "order_number": order.OrderNumber},
	}

	result, created, err := s.orders.Materialize(ctx, order, audit)
	if err != nil {
		return nil, err
	}
	if !created {
		return result, nil
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("order_id", result.ID).
		Str("order_number", result.OrderNumber).
		Msg("Purchase order materialized")

	s.storeOrderDocument(ctx, result, req)
	s.events.PublishEvent(ctx, "order_created", requestID, req.DivisionID, actor.ID,
		[]string{req.CreatedBy}, map[string]interface{}{"order_number": result.OrderNumber})
	s.createNotification(ctx, req.CreatedBy, "order_created", result.ID, nil,
		fmt.Sprintf("Purchase order %s created", result.OrderNumber))

	return result, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a purchase request by id.
func (s *ApprovalService) GetRequest(ctx context.Context, id string) (*repository.PurchaseRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// ListRequests returns requests for a division, optionally by status.
func (s *ApprovalService) ListRequests(ctx context.Context, divisionID string, status *string) ([]*repository.PurchaseRequest, error) {
	return s.requests.List(ctx, divisionID, status)
}

// GetSteps returns the bound step plan for a request.
func (s *ApprovalService) GetSteps(ctx context.Context, requestID string) ([]*repository.RequestStep, error) {
	return s.requests.GetSteps(ctx, requestID)
}

// PendingApprovals returns the steps currently awaiting action from an actor.
func (s *ApprovalService) PendingApprovals(ctx context.Context, actor identity.Actor) ([]*repository.RequestStep, error) {
	return s.requests.GetPendingForActor(ctx, actor.ID, actor.Roles)
}

// History returns the audit trail for a purchase request.
func (s *ApprovalService) History(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return s.auditLog.ListByEntity(ctx, "purchase_request", requestID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// lowestPendingIndex returns the index of the lowest pending step, or -1.
// Derived, never stored: there is no separate cursor to desynchronize.
func lowestPendingIndex(steps []*repository.RequestStep) int {
	for _, step := range steps {
		if step.Decision == repository.DecisionPending {
			return step.StepIndex
		}
	}
	return -1
}

// actorMayAct reports whether the actor may decide the step: direct assignee
// or holder of the required role.
func actorMayAct(step *repository.RequestStep, actor identity.Actor) bool {
	if step.AssigneeID != nil && *step.AssigneeID == actor.ID {
		return true
	}
	return actor.HasRole(step.RoleID)
}

// notifyStepApprovers resolves the step's recipients and raises
// approval_required notifications. Non-fatal throughout.
func (s *ApprovalService) notifyStepApprovers(ctx context.Context, req *repository.PurchaseRequest, step *repository.RequestStep, actorID string) {
	recipients := resolveRecipients(ctx, s.identityCli, req.DivisionID, step.RoleID, step.AssigneeID)
	for _, recipient := range recipients {
		idx := step.StepIndex
		s.createNotification(ctx, recipient, "approval_required", req.ID, &idx,
			fmt.Sprintf("Purchase request %s awaits your approval (step %d)", req.ID, step.StepIndex))
	}
	s.events.PublishEvent(ctx, "approval_required", req.ID, req.DivisionID, actorID,
		recipients, map[string]interface{}{"step_index": step.StepIndex, "role_id": step.RoleID})
}

func (s *ApprovalService) createNotification(ctx context.Context, recipient, kind, entityID string, stepIndex *int, message string) {
	n := &repository.Notification{
		ID:         uuid.NewString(),
		Recipient:  recipient,
		Kind:       kind,
		EntityType: "purchase_request",
		EntityID:   entityID,
		StepIndex:  stepIndex,
		Message:    message,
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		s.log.Warn().Err(err).
			Str("recipient", recipient).
			Str("kind", kind).
			Msg("Failed to create notification")
	}
}

// storeOrderDocument writes the generated order document to the document
// store. Failures are logged, never propagated: the workflow transition that
// produced the order has already committed.
func (s *ApprovalService) storeOrderDocument(ctx context.Context, order *repository.PurchaseOrder, req *repository.PurchaseRequest) {
	if s.documents == nil {
		return
	}

	doc, err := json.Marshal(map[string]interface{}{
		"order_number": order.OrderNumber,
		"request_id":   order.RequestID,
		"division_id":  order.DivisionID,
		"amount":       order.Amount,
		"description":  req.Description,
		"created_by":   order.CreatedBy,
		"created_at":   order.CreatedAt,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to build order document")
		return
	}

	key := fmt.Sprintf("orders/%s.json", order.ID)
	if err := s.documents.Put(ctx, key, doc, "application/json"); err != nil {
		s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to store order document")
		return
	}
	if err := s.orders.SetDocumentKey(ctx, order.ID, key); err != nil {
		s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to record order document key")
	}
}

// resolveRecipients returns the users who should be addressed for a step:
// the bound assignee when the schema set one, otherwise the role holders
// from the identity service, otherwise the role id itself as a role-addressed
// fallback.
func resolveRecipients(ctx context.Context, identityCli IdentityClient, divisionID, roleID string, assigneeID *string) []string {
	if assigneeID != nil && *assigneeID != "" {
		return []string{*assigneeID}
	}
	if identityCli != nil {
		if users, err := identityCli.GetUsersWithRole(ctx, divisionID, roleID); err == nil && len(users) > 0 {
			return users
		}
	}
	return []string{roleID}
}

// newOrderNumber generates a human-referenceable order number.
func newOrderNumber() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("PO-%d-%s", time.Now().UTC().Year(), id[:8])
}
