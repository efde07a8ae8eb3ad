package domain

// NotificationType classifies an outbound notification.
type NotificationType string

const (
	NotifyCeoApprovalRequired      NotificationType = "CEO_APPROVAL_REQUIRED"
	NotifyCeoDecision              NotificationType = "CEO_DECISION"
	NotifyExemptionRecommendation  NotificationType = "TEMP_EXEMPTION_RECOMMENDATION"
	NotifyExemptionDecision        NotificationType = "TEMP_EXEMPTION_DECISION"
	NotifyMakerCheckerPending      NotificationType = "MAKER_CHECKER_PENDING"
	NotifyMakerCheckerDecision     NotificationType = "MAKER_CHECKER_DECISION"
	NotifyThresholdSet             NotificationType = "THRESHOLD_SET"
	NotifyThresholdExceptionReq    NotificationType = "THRESHOLD_EXCEPTION_REQUEST"
	NotifyThresholdExceptionResult NotificationType = "THRESHOLD_EXCEPTION_DECISION"
)

// Priority of a notification.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Entity types referenced by notifications and audit events.
const (
	EntityPerformance        = "FEE_PERFORMANCE"
	EntityExemption          = "TEMP_EXEMPTION"
	EntityExemptionLimit     = "EXEMPTION_LIMIT"
	EntityGlobalThreshold    = "THRESHOLD"
	EntityThresholdException = "THRESHOLD_EXCEPTION"
)

// Audit actions.
const (
	AuditCreate      = "CREATE"
	AuditUpdate      = "UPDATE"
	AuditAcknowledge = "ACKNOWLEDGE"
	AuditApprove     = "APPROVE"
	AuditReject      = "REJECT"
	AuditReview      = "REVIEW"
	AuditExpire      = "EXPIRE"
	AuditTransition  = "TRANSITION"
)

// Notification is a message for one user.
type Notification struct {
	UserID            string           `json:"user_id"`
	Type              NotificationType `json:"notification_type"`
	Title             string           `json:"title"`
	Message           string           `json:"message"`
	RelatedEntityType string           `json:"related_entity_type"`
	RelatedEntityID   string           `json:"related_entity_id"`
	Priority          Priority         `json:"priority"`
}

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	UserID     string         `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	OldValue   any            `json:"old_value,omitempty"`
	NewValue   any            `json:"new_value,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewAuditEvent builds an event whose type is "<entity>_<action>".
func NewAuditEvent(entityType, entityID, userID, action string, oldValue, newValue any) AuditEvent {
	return AuditEvent{
		EventType:  entityType + "_" + action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Action:     action,
		OldValue:   oldValue,
		NewValue:   newValue,
	}
}
