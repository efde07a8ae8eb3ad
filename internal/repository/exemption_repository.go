package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// ExemptionRepository persists temporary customer exemptions. The approval
// chain is stored as a JSONB array and decoded at this boundary only.
type ExemptionRepository struct {
	db *database.DB
}

// NewExemptionRepository creates a new ExemptionRepository.
func NewExemptionRepository(db *database.DB) *ExemptionRepository {
	return &ExemptionRepository{db: db}
}

const exemptionColumns = `
	exemption_id, customer_id, fee_id, exemption_type, percentage_exempted,
	start_date, end_date, justification,
	recommended_by, approved_by, approval_chain,
	status, activated_at, created_at, updated_at`

// Create inserts a pending exemption with its initial chain.
func (r *ExemptionRepository) Create(ctx context.Context, e *domain.TemporaryExemption) error {
	chainJSON, err := json.Marshal(e.ApprovalChain)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval chain")
	}

	query := `
		INSERT INTO customer_exemptions_temporary
		    (customer_id, fee_id, exemption_type, percentage_exempted,
		     start_date, end_date, justification,
		     recommended_by, approval_chain, status)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10)
		RETURNING exemption_id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		e.CustomerID,
		e.FeeID,
		e.ExemptionType,
		e.PercentageExempted,
		e.StartDate,
		e.EndDate,
		e.Justification,
		e.RecommendedBy,
		chainJSON,
		e.Status,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create temporary exemption")
	}
	return nil
}

// GetByID retrieves an exemption by primary key.
func (r *ExemptionRepository) GetByID(ctx context.Context, id string) (*domain.TemporaryExemption, error) {
	query := `SELECT` + exemptionColumns + ` FROM customer_exemptions_temporary WHERE exemption_id = $1`
	return r.get(ctx, query, id)
}

// GetForUpdate retrieves an exemption and locks its row.
func (r *ExemptionRepository) GetForUpdate(ctx context.Context, id string) (*domain.TemporaryExemption, error) {
	query := `SELECT` + exemptionColumns + ` FROM customer_exemptions_temporary WHERE exemption_id = $1 FOR UPDATE`
	return r.get(ctx, query, id)
}

func (r *ExemptionRepository) get(ctx context.Context, query, id string) (*domain.TemporaryExemption, error) {
	e, err := scanExemption(r.db.QueryRow(ctx, query, id))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("temporary_exemption", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get temporary exemption")
	}
	return e, nil
}

// UpdateDecision persists the outcome of a decision. The status guard in the
// WHERE clause keeps a decided exemption from being rewritten.
func (r *ExemptionRepository) UpdateDecision(ctx context.Context, e *domain.TemporaryExemption) error {
	chainJSON, err := json.Marshal(e.ApprovalChain)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval chain")
	}

	query := `
		UPDATE customer_exemptions_temporary
		SET approved_by    = $2,
		    approval_chain = $3,
		    status         = $4,
		    activated_at   = $5,
		    updated_at     = NOW()
		WHERE exemption_id = $1
		  AND status = $6
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		e.ID,
		e.ApprovedBy,
		chainJSON,
		e.Status,
		e.ActivatedAt,
		domain.ExemptionPending,
	).Scan(&e.UpdatedAt)
	if database.IsNoRows(err) {
		return errors.InvalidState("exemption is no longer pending")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update temporary exemption")
	}
	return nil
}

// List returns exemptions newest-first, optionally filtered by stored status
// and fee.
func (r *ExemptionRepository) List(ctx context.Context, status, feeID string) ([]*domain.TemporaryExemption, error) {
	query := `SELECT` + exemptionColumns + `
		FROM customer_exemptions_temporary
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR fee_id::text = $2)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, status, feeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list temporary exemptions")
	}
	defer rows.Close()

	var out []*domain.TemporaryExemption
	for rows.Next() {
		e, err := scanExemption(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan temporary exemption")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list temporary exemptions")
	}
	return out, nil
}

func scanExemption(sc rowScanner) (*domain.TemporaryExemption, error) {
	e := &domain.TemporaryExemption{}
	var chainJSON []byte
	var start, end time.Time

	err := sc.Scan(
		&e.ID,
		&e.CustomerID,
		&e.FeeID,
		&e.ExemptionType,
		&e.PercentageExempted,
		&start,
		&end,
		&e.Justification,
		&e.RecommendedBy,
		&e.ApprovedBy,
		&chainJSON,
		&e.Status,
		&e.ActivatedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.StartDate, e.EndDate = domain.DateOf(start), domain.DateOf(end)

	if len(chainJSON) > 0 {
		if err := json.Unmarshal(chainJSON, &e.ApprovalChain); err != nil {
			return nil, err
		}
	}
	return e, nil
}
