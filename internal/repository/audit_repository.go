package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// AuditRepository appends and reads immutable audit events.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditRecord is a stored audit event.
type AuditRecord struct {
	ID        string `json:"event_id"`
	domain.AuditEvent
	CreatedAt time.Time `json:"created_at"`
}

// Record inserts one audit event. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *AuditRepository) Record(ctx context.Context, ev domain.AuditEvent) error {
	oldJSON, err := marshalNullable(ev.OldValue)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit old value")
	}
	newJSON, err := marshalNullable(ev.NewValue)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit new value")
	}
	metaJSON, err := marshalNullable(ev.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
	}

	query := `
		INSERT INTO audit_events
		    (event_type, entity_type, entity_id, user_id,
		     action, old_value, new_value, metadata)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid,
		        $5, $6, $7, $8)
	`

	_, err = r.db.Exec(ctx, query,
		ev.EventType,
		ev.EntityType,
		ev.EntityID,
		ev.UserID,
		ev.Action,
		oldJSON,
		newJSON,
		metaJSON,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record audit event")
	}
	return nil
}

// ListByEntity returns the audit trail for one entity oldest-first.
func (r *AuditRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*AuditRecord, error) {
	query := `
		SELECT event_id, event_type, entity_type, entity_id::text, COALESCE(user_id::text, ''),
		       action, old_value, new_value, metadata, created_at
		FROM audit_events
		WHERE entity_type = $1 AND entity_id::text = $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var oldJSON, newJSON, metaJSON []byte
		err := rows.Scan(
			&rec.ID,
			&rec.EventType,
			&rec.EntityType,
			&rec.EntityID,
			&rec.UserID,
			&rec.Action,
			&oldJSON,
			&newJSON,
			&metaJSON,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit event")
		}
		if oldJSON != nil {
			rec.OldValue = json.RawMessage(oldJSON)
		}
		if newJSON != nil {
			rec.NewValue = json.RawMessage(newJSON)
		}
		if metaJSON != nil {
			if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	return out, nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
