package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// NotificationPublisher publishes procurement workflow events to NATS for
// consumption by the platform notifications service.
//
// Subject convention: notifications.proc.<event_type>
// Event types: request_submitted, approval_required, request_approved,
//              request_rejected, approval_overdue, order_created
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt
// workflow operations.
type NotificationPublisher struct {
	nats *NATSClient
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	DivisionID   string                 `json:"division_id"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
// A nil client disables publishing entirely.
func NewNotificationPublisher(nats *NATSClient, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishEvent publishes a procurement workflow event to NATS.
// Subject: notifications.proc.<eventType>
func (p *NotificationPublisher) PublishEvent(ctx context.Context, eventType, resourceID, divisionID, actorID string, recipients []string, payload map[string]interface{}) {
	if p.nats == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	severity := "info"
	if eventType == "approval_overdue" {
		severity = "warning"
	}

	event := &NotificationEvent{
		EventType:    eventType,
		DivisionID:   divisionID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "purchase_request",
		ResourceID:   resourceID,
		Severity:     severity,
		Category:     "procurement_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.proc.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", resourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", resourceID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
