package repository

import (
	"context"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// AcknowledgmentRepository stores GM acknowledgments. Rows are never updated
// or deleted.
type AcknowledgmentRepository struct {
	db *database.DB
}

// NewAcknowledgmentRepository creates a new AcknowledgmentRepository.
func NewAcknowledgmentRepository(db *database.DB) *AcknowledgmentRepository {
	return &AcknowledgmentRepository{db: db}
}

// Create inserts an acknowledgment. A second row for the same record and user
// violates the unique constraint and is reported as a duplicate.
func (r *AcknowledgmentRepository) Create(ctx context.Context, a *domain.GmAcknowledgment) error {
	query := `
		INSERT INTO gm_acknowledgments
		    (performance_id, fee_id, gm_user_id, notes)
		VALUES ($1, $2, $3, $4)
		RETURNING acknowledgment_id, submitted_at
	`

	err := r.db.QueryRow(ctx, query,
		a.PerformanceID,
		a.FeeID,
		a.GMUserID,
		a.Notes,
	).Scan(&a.ID, &a.SubmittedAt)
	if database.IsUniqueViolation(err) {
		return errors.Duplicate("user has already acknowledged this performance record")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create acknowledgment")
	}
	return nil
}

// Exists reports whether userID has acknowledged the record.
func (r *AcknowledgmentRepository) Exists(ctx context.Context, performanceID, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM gm_acknowledgments
			WHERE performance_id = $1 AND gm_user_id = $2
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, performanceID, userID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check acknowledgment")
	}
	return exists, nil
}

// ListByPerformance returns a record's acknowledgments oldest-first.
func (r *AcknowledgmentRepository) ListByPerformance(ctx context.Context, performanceID string) ([]*domain.GmAcknowledgment, error) {
	query := `
		SELECT acknowledgment_id, performance_id, fee_id, gm_user_id, notes, submitted_at
		FROM gm_acknowledgments
		WHERE performance_id = $1
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query, performanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list acknowledgments")
	}
	defer rows.Close()

	var out []*domain.GmAcknowledgment
	for rows.Next() {
		a := &domain.GmAcknowledgment{}
		if err := rows.Scan(&a.ID, &a.PerformanceID, &a.FeeID, &a.GMUserID, &a.Notes, &a.SubmittedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan acknowledgment")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list acknowledgments")
	}
	return out, nil
}

// CeoApprovalRepository appends CEO decisions.
type CeoApprovalRepository struct {
	db *database.DB
}

// NewCeoApprovalRepository creates a new CeoApprovalRepository.
func NewCeoApprovalRepository(db *database.DB) *CeoApprovalRepository {
	return &CeoApprovalRepository{db: db}
}

// Create appends a decision.
func (r *CeoApprovalRepository) Create(ctx context.Context, a *domain.CeoApproval) error {
	query := `
		INSERT INTO ceo_approvals
		    (performance_id, fee_id, approved_by, decision, comments)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING approval_id, approved_at
	`

	err := r.db.QueryRow(ctx, query,
		a.PerformanceID,
		a.FeeID,
		a.ApprovedBy,
		a.Decision,
		a.Comments,
	).Scan(&a.ID, &a.ApprovedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create CEO approval")
	}
	return nil
}

// ListByPerformance returns a record's CEO decisions oldest-first.
func (r *CeoApprovalRepository) ListByPerformance(ctx context.Context, performanceID string) ([]*domain.CeoApproval, error) {
	query := `
		SELECT approval_id, performance_id, fee_id, approved_by, decision, comments, approved_at
		FROM ceo_approvals
		WHERE performance_id = $1
		ORDER BY approved_at ASC
	`

	rows, err := r.db.Query(ctx, query, performanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list CEO approvals")
	}
	defer rows.Close()

	var out []*domain.CeoApproval
	for rows.Next() {
		a := &domain.CeoApproval{}
		if err := rows.Scan(&a.ID, &a.PerformanceID, &a.FeeID, &a.ApprovedBy, &a.Decision, &a.Comments, &a.ApprovedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan CEO approval")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list CEO approvals")
	}
	return out, nil
}
