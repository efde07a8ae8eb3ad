package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
)

// EventPublisher sends raw payloads to a subject. Implemented by JetStream.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes governance notifications to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: notifications.feegov.<notification_type, lower case>
//
// All publish operations are non-fatal: errors are logged and returned to the
// dispatcher, which never propagates them to workflow callers.
type NotificationPublisher struct {
	events EventPublisher
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	NotificationID string         `json:"notification_id,omitempty"`
	EventType      string         `json:"event_type"`
	Recipients     []string       `json:"recipients"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	IsActionable   bool           `json:"is_actionable,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	Category       string         `json:"category,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil events publisher makes
// every publish a no-op.
func NewNotificationPublisher(events EventPublisher, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{events: events, log: log}
}

// Subject returns the subject a notification type is published on.
func Subject(t domain.NotificationType) string {
	return fmt.Sprintf("notifications.feegov.%s", strings.ToLower(string(t)))
}

// PublishNotification publishes one stored notification.
func (p *NotificationPublisher) PublishNotification(ctx context.Context, notificationID string, n domain.Notification) error {
	if p == nil || p.events == nil {
		return nil
	}

	event := &NotificationEvent{
		NotificationID: notificationID,
		EventType:      string(n.Type),
		Recipients:     []string{n.UserID},
		Title:          n.Title,
		Message:        n.Message,
		ResourceType:   n.RelatedEntityType,
		ResourceID:     n.RelatedEntityID,
		IsActionable:   actionable(n.Type),
		Severity:       severity(n.Priority),
		Category:       "fee_governance",
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return err
	}

	subject := Subject(n.Type)
	if err := p.events.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", n.RelatedEntityID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", n.RelatedEntityID).
		Str("user_id", n.UserID).
		Msg("notification: event published")
	return nil
}

// actionable reports whether the recipient is expected to act on the
// notification rather than just read it.
func actionable(t domain.NotificationType) bool {
	switch t {
	case domain.NotifyCeoApprovalRequired,
		domain.NotifyExemptionRecommendation,
		domain.NotifyMakerCheckerPending,
		domain.NotifyThresholdExceptionReq:
		return true
	}
	return false
}

func severity(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh, domain.PriorityCritical:
		return "warning"
	}
	return "info"
}
