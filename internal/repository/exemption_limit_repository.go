package repository

import (
	"context"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// ExemptionLimitRepository persists maker/checker controlled exemption limits.
type ExemptionLimitRepository struct {
	db *database.DB
}

// NewExemptionLimitRepository creates a new ExemptionLimitRepository.
func NewExemptionLimitRepository(db *database.DB) *ExemptionLimitRepository {
	return &ExemptionLimitRepository{db: db}
}

const limitColumns = `
	limit_id, fee_id, limit_type, limit_value, currency,
	maker_user_id, maker_at, checker_user_id, checker_at,
	status, created_at`

// Create inserts a pending limit.
func (r *ExemptionLimitRepository) Create(ctx context.Context, l *domain.ExemptionLimit) error {
	query := `
		INSERT INTO temporary_exemption_limits
		    (fee_id, limit_type, limit_value, currency,
		     maker_user_id, maker_at, status)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING limit_id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		l.FeeID,
		l.LimitType,
		l.LimitValue,
		l.Currency,
		l.MakerUserID,
		l.MakerAt,
		l.Status,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create exemption limit")
	}
	return nil
}

// GetByID retrieves a limit by primary key.
func (r *ExemptionLimitRepository) GetByID(ctx context.Context, id string) (*domain.ExemptionLimit, error) {
	query := `SELECT` + limitColumns + ` FROM temporary_exemption_limits WHERE limit_id = $1`
	return r.get(ctx, query, id)
}

// GetForUpdate retrieves a limit and locks its row.
func (r *ExemptionLimitRepository) GetForUpdate(ctx context.Context, id string) (*domain.ExemptionLimit, error) {
	query := `SELECT` + limitColumns + ` FROM temporary_exemption_limits WHERE limit_id = $1 FOR UPDATE`
	return r.get(ctx, query, id)
}

func (r *ExemptionLimitRepository) get(ctx context.Context, query, id string) (*domain.ExemptionLimit, error) {
	l, err := scanLimit(r.db.QueryRow(ctx, query, id))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("exemption_limit", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get exemption limit")
	}
	return l, nil
}

// UpdateCheck persists the checker's decision on a pending limit.
func (r *ExemptionLimitRepository) UpdateCheck(ctx context.Context, l *domain.ExemptionLimit) error {
	query := `
		UPDATE temporary_exemption_limits
		SET checker_user_id = $2,
		    checker_at      = $3,
		    status          = $4
		WHERE limit_id = $1
		  AND status = $5
	`

	tag, err := r.db.Exec(ctx, query, l.ID, l.CheckerUserID, l.CheckerAt, l.Status, domain.ControlPending)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update exemption limit")
	}
	if tag.RowsAffected() == 0 {
		return errors.InvalidState("exemption limit is no longer pending")
	}
	return nil
}

// List returns limits newest-first, optionally for one fee.
func (r *ExemptionLimitRepository) List(ctx context.Context, feeID string) ([]*domain.ExemptionLimit, error) {
	query := `SELECT` + limitColumns + `
		FROM temporary_exemption_limits
		WHERE ($1 = '' OR fee_id::text = $1)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, feeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list exemption limits")
	}
	defer rows.Close()

	var out []*domain.ExemptionLimit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan exemption limit")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list exemption limits")
	}
	return out, nil
}

// LatestApproved returns the most recently checked approved limit of the given
// type for a fee, or nil when there is none.
func (r *ExemptionLimitRepository) LatestApproved(ctx context.Context, feeID string, limitType domain.LimitType) (*domain.ExemptionLimit, error) {
	query := `SELECT` + limitColumns + `
		FROM temporary_exemption_limits
		WHERE fee_id = $1 AND limit_type = $2 AND status = $3
		ORDER BY checker_at DESC NULLS LAST, created_at DESC
		LIMIT 1
	`

	l, err := scanLimit(r.db.QueryRow(ctx, query, feeID, limitType, domain.ControlApproved))
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approved exemption limit")
	}
	return l, nil
}

func scanLimit(sc rowScanner) (*domain.ExemptionLimit, error) {
	l := &domain.ExemptionLimit{}
	err := sc.Scan(
		&l.ID,
		&l.FeeID,
		&l.LimitType,
		&l.LimitValue,
		&l.Currency,
		&l.MakerUserID,
		&l.MakerAt,
		&l.CheckerUserID,
		&l.CheckerAt,
		&l.Status,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}
