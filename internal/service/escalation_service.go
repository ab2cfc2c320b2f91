package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// EscalationService sweeps for approvals stalled past the configured
// threshold and raises notifications. Purely observational: it never mutates
// request or step state, and it is driven by an external scheduler — it owns
// no timer of its own, which keeps Scan deterministic under a supplied
// "as-of" instant.
type EscalationService struct {
	requests      RequestStore
	notifications NotificationStore
	audit         AuditStore
	identityCli   IdentityClient
	events        EventPublisher
	threshold     time.Duration
	log           *logger.Logger
}

// NewEscalationService creates a new EscalationService. threshold is how
// long a step may sit pending (since the previous step's decision, or since
// submission for step 0) before it escalates.
func NewEscalationService(
	requests RequestStore,
	notifications NotificationStore,
	audit AuditStore,
	identityCli IdentityClient,
	events EventPublisher,
	threshold time.Duration,
	log *logger.Logger,
) *EscalationService {
	return &EscalationService{
		requests:      requests,
		notifications: notifications,
		audit:         audit,
		identityCli:   identityCli,
		events:        events,
		threshold:     threshold,
		log:           log,
	}
}

// ScanSummary reports one sweep's outcome.
type ScanSummary struct {
	Scanned   int      `json:"scanned"`
	Escalated int      `json:"escalated"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Scan performs one escalation sweep as of the given instant. Each stalled
// step gets at most one escalation ever: the notification row is the dedup
// marker checked before raising a new one, so back-to-back sweeps with no
// intervening decisions create nothing new. A failure on one request is
// isolated — it is recorded in the summary and the sweep continues.
func (s *EscalationService) Scan(ctx context.Context, asOf time.Time) (*ScanSummary, error) {
	cutoff := asOf.Add(-s.threshold)
	stalled, err := s.requests.ListStalledSteps(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	summary := &ScanSummary{Scanned: len(stalled)}
	for _, item := range stalled {
		escalated, err := s.escalateOne(ctx, item)
		if err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("request %s step %d: %v", item.RequestID, item.StepIndex, err))
			s.log.Warn().Err(err).
				Str("request_id", item.RequestID).
				Int("step_index", item.StepIndex).
				Msg("Escalation check failed")
			continue
		}
		if escalated {
			summary.Escalated++
		} else {
			summary.Skipped++
		}
	}

	s.log.Info().
		Int("scanned", summary.Scanned).
		Int("escalated", summary.Escalated).
		Int("skipped", summary.Skipped).
		Int("errors", len(summary.Errors)).
		Msg("Escalation sweep finished")
	return summary, nil
}

// escalateOne raises one escalation if it is still due. Returns false when
// the item was skipped (already escalated, or the request moved on).
func (s *EscalationService) escalateOne(ctx context.Context, item *repository.StalledStep) (bool, error) {
	exists, err := s.notifications.ExistsEscalation(ctx, item.RequestID, item.StepIndex)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	// A decision may have landed since the sweep query ran. Re-check the
	// request right before notifying; a request that left pending_approval
	// mid-scan is skipped, not an error.
	req, err := s.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return false, err
	}
	if req.Status != repository.RequestStatusPending {
		return false, nil
	}

	recipients := resolveRecipients(ctx, s.identityCli, item.DivisionID, item.RoleID, item.AssigneeID)
	message := fmt.Sprintf("Approval step %d of purchase request %s has been pending since %s",
		item.StepIndex, item.RequestID, item.PendingSince.Format(time.RFC3339))

	for _, recipient := range recipients {
		idx := item.StepIndex
		n := &repository.Notification{
			ID:         uuid.NewString(),
			Recipient:  recipient,
			Kind:       "escalation",
			EntityType: "purchase_request",
			EntityID:   item.RequestID,
			StepIndex:  &idx,
			Message:    message,
		}
		if err := s.notifications.Create(ctx, n); err != nil {
			return false, err
		}
	}

	if err := s.audit.Append(ctx, &repository.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: "purchase_request",
		EntityID:   item.RequestID,
		Action:     "escalated",
		ActorID:    "system",
		Detail: map[string]interface{}{
			"step_index":    item.StepIndex,
			"role_id":       item.RoleID,
			"pending_since": item.PendingSince,
		},
	}); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", item.RequestID).
			Msg("Failed to write escalation audit entry")
	}

	s.events.PublishEvent(ctx, "approval_overdue", item.RequestID, item.DivisionID, "system",
		recipients, map[string]interface{}{"step_index": item.StepIndex, "pending_since": item.PendingSince})
	return true, nil
}
