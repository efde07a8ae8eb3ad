package repository

import (
	"context"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// NotificationRepository stores in-app notifications.
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification and returns its id.
func (r *NotificationRepository) Create(ctx context.Context, n domain.Notification) (string, error) {
	priority := n.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	query := `
		INSERT INTO notifications
		    (user_id, notification_type, title, message,
		     related_entity_type, related_entity_id, priority)
		VALUES ($1, $2, $3, $4,
		        NULLIF($5, ''), NULLIF($6, '')::uuid, $7)
		RETURNING notification_id
	`

	var id string
	err := r.db.QueryRow(ctx, query,
		n.UserID,
		n.Type,
		n.Title,
		n.Message,
		n.RelatedEntityType,
		n.RelatedEntityID,
		priority,
	).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to create notification")
	}
	return id, nil
}
