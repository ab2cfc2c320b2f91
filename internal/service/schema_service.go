package service

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// SchemaService manages approval schemas and resolves step plans for
// purchase requests.
type SchemaService struct {
	store     SchemaStore
	audit     AuditStore
	adminRole string
	log       *logger.Logger
}

// NewSchemaService creates a new SchemaService. adminRole is the override
// authority excluded from configurable routing.
func NewSchemaService(store SchemaStore, audit AuditStore, adminRole string, log *logger.Logger) *SchemaService {
	return &SchemaService{
		store:     store,
		audit:     audit,
		adminRole: adminRole,
		log:       log,
	}
}

// ── Plan resolution ───────────────────────────────────────────────────────────

// ResolvePlan computes the ordered approval steps a request of the given
// amount needs in the given division. Administrator steps are excluded from
// routing; the plan runs up to and including the first step whose threshold
// covers the amount, and escalates to every configured step when none does.
// Resolution happens once at submission — the returned plan is snapshotted
// onto the request and never recomputed.
func (s *SchemaService) ResolvePlan(ctx context.Context, divisionID string, amount int64) ([]repository.SchemaStep, error) {
	schema, err := s.store.GetByDivision(ctx, divisionID)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, errors.Newf(errors.ErrCodeConfiguration,
			"division %q has no approval schema configured", divisionID)
	}
	plan := resolveSteps(schema.Steps, amount, s.adminRole)
	if len(plan) == 0 {
		// Administrator-only schemas filter down to nothing. A request must
		// never enter the approval chain without at least one routable step.
		return nil, errors.Newf(errors.ErrCodeConfiguration,
			"division %q has no routable approval steps", divisionID)
	}
	return plan, nil
}

// resolveSteps applies the routing rule to a schema's configured steps.
func resolveSteps(configured []repository.SchemaStep, amount int64, adminRole string) []repository.SchemaStep {
	steps := make([]repository.SchemaStep, 0, len(configured))
	for _, step := range configured {
		if step.RoleID == adminRole {
			continue
		}
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })

	plan := make([]repository.SchemaStep, 0, len(steps))
	for _, step := range steps {
		plan = append(plan, step)
		if step.Threshold >= amount {
			// The minimum sufficient authority level is reached; no request
			// ever needs approval beyond it.
			break
		}
	}
	return plan
}

// ── Schema administration ─────────────────────────────────────────────────────

// CreateSchema validates and persists a new division schema.
func (s *SchemaService) CreateSchema(ctx context.Context, schema *repository.ApprovalSchema, actorID string) error {
	if schema.DivisionID == "" {
		return errors.InvalidInput("division_id", "division is required")
	}
	if err := validateSteps(schema.Steps); err != nil {
		return err
	}
	if err := s.requireRoutableStep(schema.Steps); err != nil {
		return err
	}

	schema.ID = uuid.NewString()
	schema.IsActive = true
	if err := s.store.Create(ctx, schema); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: "approval_schema",
		EntityID:   schema.ID,
		Action:     "schema_created",
		ActorID:    actorID,
		Detail:     map[string]interface{}{"division_id": schema.DivisionID, "steps": len(schema.Steps)},
	})

	s.log.Info().
		Str("schema_id", schema.ID).
		Str("division_id", schema.DivisionID).
		Int("steps", len(schema.Steps)).
		Msg("Approval schema created")
	return nil
}

// UpdateSchema validates and persists schema changes. In-flight requests
// keep their snapshotted plans.
func (s *SchemaService) UpdateSchema(ctx context.Context, schema *repository.ApprovalSchema, actorID string) error {
	if err := validateSteps(schema.Steps); err != nil {
		return err
	}
	if err := s.requireRoutableStep(schema.Steps); err != nil {
		return err
	}
	if err := s.store.Update(ctx, schema); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: "approval_schema",
		EntityID:   schema.ID,
		Action:     "schema_updated",
		ActorID:    actorID,
		Detail:     map[string]interface{}{"steps": len(schema.Steps)},
	})
	return nil
}

// GetByDivision returns the division's active schema.
func (s *SchemaService) GetByDivision(ctx context.Context, divisionID string) (*repository.ApprovalSchema, error) {
	schema, err := s.store.GetByDivision(ctx, divisionID)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, errors.NotFound("approval_schema", divisionID)
	}
	return schema, nil
}

// List returns all configured schemas.
func (s *SchemaService) List(ctx context.Context) ([]*repository.ApprovalSchema, error) {
	return s.store.List(ctx)
}

// validateSteps enforces the schema invariants: at least one step, indices
// contiguous from 0, positive thresholds non-decreasing across increasing
// index. Without monotone thresholds the minimal approver set for an amount
// is not well defined.
func validateSteps(steps []repository.SchemaStep) error {
	if len(steps) == 0 {
		return errors.InvalidInput("steps", "schema must have at least one step")
	}

	sorted := make([]repository.SchemaStep, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepIndex < sorted[j].StepIndex })

	var prevThreshold int64
	for i, step := range sorted {
		if step.StepIndex != i {
			return errors.InvalidInput("steps", "step indices must be contiguous starting at 0")
		}
		if step.RoleID == "" {
			return errors.InvalidInput("steps", "every step requires a role")
		}
		if step.Threshold <= 0 {
			return errors.InvalidInput("steps", "thresholds must be positive")
		}
		if step.Threshold < prevThreshold {
			return errors.InvalidInput("steps", "thresholds must be non-decreasing across steps")
		}
		prevThreshold = step.Threshold
	}
	return nil
}

// requireRoutableStep rejects step sets that filter down to an empty plan.
// Administrator steps are excluded from routing, so a schema of only
// administrator roles would leave every request unroutable.
func (s *SchemaService) requireRoutableStep(steps []repository.SchemaStep) error {
	for _, step := range steps {
		if step.RoleID != s.adminRole {
			return nil
		}
	}
	return errors.InvalidInput("steps", "schema requires at least one non-administrator step")
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *SchemaService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
