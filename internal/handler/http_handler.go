package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
	"github.com/pesio-ai/be-proc-requests/internal/platform/identity"
	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
	"github.com/pesio-ai/be-proc-requests/internal/service"
)

// HTTPHandler handles HTTP requests for the procurement approval engine.
type HTTPHandler struct {
	approvals     *service.ApprovalService
	schemas       *service.SchemaService
	certificates  *service.CertificateService
	escalations   *service.EscalationService
	orders        *service.OrderService
	notifications service.NotificationStore
	log           *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	approvals *service.ApprovalService,
	schemas *service.SchemaService,
	certificates *service.CertificateService,
	escalations *service.EscalationService,
	orders *service.OrderService,
	notifications service.NotificationStore,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		approvals:     approvals,
		schemas:       schemas,
		certificates:  certificates,
		escalations:   escalations,
		orders:        orders,
		notifications: notifications,
		log:           log,
	}
}

// ── Purchase requests ─────────────────────────────────────────────────────────

// CreateRequest handles POST /api/v1/requests.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		BudgetID    string `json:"budget_id"`
		DivisionID  string `json:"division_id"`
		Description string `json:"description"`
		Amount      int64  `json:"amount"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.approvals.CreateRequest(r.Context(), service.CreateRequestParams{
		BudgetID:    req.BudgetID,
		DivisionID:  req.DivisionID,
		Description: req.Description,
		Amount:      req.Amount,
	}, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// GetRequest handles GET /api/v1/requests/get?id=.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "request id is required"))
		return
	}
	req, err := h.approvals.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListRequests handles GET /api/v1/requests?division_id=&status=.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	divisionID := r.URL.Query().Get("division_id")
	if divisionID == "" {
		h.writeError(w, errors.InvalidInput("division_id", "division is required"))
		return
	}
	var status *string
	if s := r.URL.Query().Get("status"); s != "" {
		status = &s
	}
	reqs, err := h.approvals.ListRequests(r.Context(), divisionID, status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

// SubmitRequest handles POST /api/v1/requests/submit.
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	steps, err := h.approvals.Submit(r.Context(), req.ID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "submitted", "steps": steps})
}

// DecideRequest handles POST /api/v1/requests/decide.
func (h *HTTPHandler) DecideRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		ID        string  `json:"id"`
		StepIndex int     `json:"step_index"`
		Decision  string  `json:"decision"`
		Comment   *string `json:"comment"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	complete, err := h.approvals.Decide(r.Context(), service.DecideParams{
		RequestID: req.ID,
		StepIndex: req.StepIndex,
		Decision:  req.Decision,
		Comment:   req.Comment,
	}, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"decision": req.Decision, "chain_complete": complete})
}

// OverrideRequest handles POST /api/v1/requests/override.
func (h *HTTPHandler) OverrideRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		ID       string `json:"id"`
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.approvals.Override(r.Context(), req.ID, req.Decision, req.Reason, actor); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "overridden"})
}

// MaterializeRequest handles POST /api/v1/requests/materialize.
func (h *HTTPHandler) MaterializeRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.approvals.Materialize(r.Context(), req.ID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

// GetRequestSteps handles GET /api/v1/requests/steps?id=.
func (h *HTTPHandler) GetRequestSteps(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "request id is required"))
		return
	}
	steps, err := h.approvals.GetSteps(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// GetRequestHistory handles GET /api/v1/requests/history?id=.
func (h *HTTPHandler) GetRequestHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "request id is required"))
		return
	}
	entries, err := h.approvals.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// PendingApprovals handles GET /api/v1/approvals/pending.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	steps, err := h.approvals.PendingApprovals(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"pending": steps})
}

// ── Approval schemas ──────────────────────────────────────────────────────────

type schemaPayload struct {
	ID         string                  `json:"id"`
	DivisionID string                  `json:"division_id"`
	Name       string                  `json:"name"`
	Steps      []repository.SchemaStep `json:"steps"`
	IsActive   *bool                   `json:"is_active"`
}

// CreateSchema handles POST /api/v1/schemas.
func (h *HTTPHandler) CreateSchema(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req schemaPayload
	if !h.decode(w, r, &req) {
		return
	}

	schema := &repository.ApprovalSchema{
		DivisionID: req.DivisionID,
		Name:       req.Name,
		Steps:      req.Steps,
	}
	if err := h.schemas.CreateSchema(r.Context(), schema, actor.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, schema)
}

// UpdateSchema handles PUT /api/v1/schemas.
func (h *HTTPHandler) UpdateSchema(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req schemaPayload
	if !h.decode(w, r, &req) {
		return
	}

	schema := &repository.ApprovalSchema{
		ID:         req.ID,
		DivisionID: req.DivisionID,
		Name:       req.Name,
		Steps:      req.Steps,
		IsActive:   req.IsActive == nil || *req.IsActive,
	}
	if err := h.schemas.UpdateSchema(r.Context(), schema, actor.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schema)
}

// GetSchema handles GET /api/v1/schemas/get?division_id=.
func (h *HTTPHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	divisionID := r.URL.Query().Get("division_id")
	if divisionID == "" {
		h.writeError(w, errors.InvalidInput("division_id", "division is required"))
		return
	}
	schema, err := h.schemas.GetByDivision(r.Context(), divisionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schema)
}

// ListSchemas handles GET /api/v1/schemas.
func (h *HTTPHandler) ListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.schemas.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"schemas": schemas})
}

// ── Certificates ──────────────────────────────────────────────────────────────

// certificateResponse never exposes the private key.
type certificateResponse struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	PublicKey []byte     `json:"public_key"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	IsActive  bool       `json:"is_active"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func toCertificateResponse(c *repository.Certificate) certificateResponse {
	return certificateResponse{
		ID:        c.ID,
		UserID:    c.UserID,
		PublicKey: c.PublicKey,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
		IsActive:  c.IsActive,
		RevokedAt: c.RevokedAt,
	}
}

// IssueCertificate handles POST /api/v1/certificates.
func (h *HTTPHandler) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	cert, err := h.certificates.Issue(r.Context(), req.UserID, actor.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toCertificateResponse(cert))
}

// RevokeCertificate handles POST /api/v1/certificates/revoke.
func (h *HTTPHandler) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.certificates.Revoke(r.Context(), req.ID, req.Reason, actor.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// CertificateEligibility handles GET /api/v1/certificates/eligibility?id=.
func (h *HTTPHandler) CertificateEligibility(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "certificate id is required"))
		return
	}
	eligible, err := h.certificates.IsEligible(r.Context(), id, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"eligible": eligible})
}

// ── Escalations ───────────────────────────────────────────────────────────────

// TriggerScan handles POST /api/v1/escalations/scan. The body may carry an
// optional as_of timestamp for deterministic sweeps.
func (h *HTTPHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AsOf *time.Time `json:"as_of"`
	}
	// Empty body means "now".
	_ = json.NewDecoder(r.Body).Decode(&req)

	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	summary, err := h.escalations.Scan(r.Context(), asOf)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// ── Notifications ─────────────────────────────────────────────────────────────

// ListNotifications handles GET /api/v1/notifications.
func (h *HTTPHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	items, err := h.notifications.ListForRecipient(r.Context(), actor.ID, unreadOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": items})
}

// MarkNotificationRead handles POST /api/v1/notifications/read.
func (h *HTTPHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.notifications.MarkRead(r.Context(), req.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// ── Purchase orders ───────────────────────────────────────────────────────────

// RecordOrderAction handles POST /api/v1/orders/action.
func (h *HTTPHandler) RecordOrderAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		OrderID string  `json:"order_id"`
		Action  string  `json:"action"`
		Comment *string `json:"comment"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.orders.RecordAction(r.Context(), req.OrderID, req.Action, req.Comment, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// GetOrder handles GET /api/v1/orders/get?id=.
func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "order id is required"))
		return
	}
	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

// GetOrderHistory handles GET /api/v1/orders/history?id=.
func (h *HTTPHandler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "order id is required"))
		return
	}
	entries, err := h.orders.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) requireActor(w http.ResponseWriter, r *http.Request) (identity.Actor, bool) {
	actor, ok := identity.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorizedSigner, "missing actor identity"))
		return identity.Actor{}, false
	}
	return actor, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.CodeOf(err)),
		"error": err.Error(),
	})
}
