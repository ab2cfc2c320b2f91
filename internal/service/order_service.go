package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
	"github.com/pesio-ai/be-proc-requests/internal/platform/identity"
	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// Actions recordable on a purchase order. "printed" carries a counter
// update that commits atomically with the history entry.
var validOrderActions = map[string]bool{
	"printed":  true,
	"sent":     true,
	"received": true,
	"note":     true,
}

// OrderService exposes post-approval operations on purchase orders.
type OrderService struct {
	orders OrderStore
	audit  AuditStore
	log    *logger.Logger
}

// NewOrderService creates a new OrderService.
func NewOrderService(orders OrderStore, audit AuditStore, log *logger.Logger) *OrderService {
	return &OrderService{orders: orders, audit: audit, log: log}
}

// RecordAction appends an action to the order's history. Counter updates
// tied to the action (the print count) apply in the same transaction as the
// history entry — neither is ever observable without the other.
func (s *OrderService) RecordAction(ctx context.Context, orderID, action string, comment *string, actor identity.Actor) (*repository.OrderHistoryEntry, error) {
	if !validOrderActions[action] {
		return nil, errors.InvalidInput("action", "unknown order action")
	}

	entry := &repository.OrderHistoryEntry{
		ID:      uuid.NewString(),
		OrderID: orderID,
		Action:  action,
		ActorID: actor.ID,
		Comment: comment,
	}
	if err := s.orders.RecordAction(ctx, entry); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: "purchase_order",
		EntityID:   orderID,
		Action:     "order_" + action,
		ActorID:    actor.ID,
	})

	s.log.Info().
		Str("order_id", orderID).
		Str("action", action).
		Str("actor_id", actor.ID).
		Msg("Order action recorded")
	return entry, nil
}

// GetOrder returns an order by id.
func (s *OrderService) GetOrder(ctx context.Context, id string) (*repository.PurchaseOrder, error) {
	return s.orders.GetByID(ctx, id)
}

// History returns the order's action history.
func (s *OrderService) History(ctx context.Context, orderID string) ([]*repository.OrderHistoryEntry, error) {
	return s.orders.History(ctx, orderID)
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *OrderService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
