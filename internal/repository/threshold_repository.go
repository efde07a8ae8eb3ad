package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// ThresholdRepository handles global threshold settings and fee-specific
// threshold exceptions.
type ThresholdRepository struct {
	db *database.DB
}

// NewThresholdRepository creates a new ThresholdRepository.
func NewThresholdRepository(db *database.DB) *ThresholdRepository {
	return &ThresholdRepository{db: db}
}

// ── Global settings ─────────────────────────────────────────────────────────

// CreateGlobal inserts the setting for a year. An existing year is never
// overwritten.
func (r *ThresholdRepository) CreateGlobal(ctx context.Context, g *domain.GlobalThreshold) error {
	query := `
		INSERT INTO global_threshold_settings
		    (threshold_year, threshold_percentage, set_by, set_at)
		VALUES ($1, $2, $3, $4)
		RETURNING setting_id
	`

	err := r.db.QueryRow(ctx, query, g.Year, g.Percentage, g.SetBy, g.SetAt).Scan(&g.ID)
	if database.IsUniqueViolation(err) {
		return errors.Duplicate("a global threshold is already set for this year")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create global threshold")
	}
	return nil
}

// GetGlobalByYear returns the setting for year, or nil when there is none.
func (r *ThresholdRepository) GetGlobalByYear(ctx context.Context, year int) (*domain.GlobalThreshold, error) {
	query := `
		SELECT setting_id, threshold_year, threshold_percentage, set_by, set_at, notification_sent
		FROM global_threshold_settings
		WHERE threshold_year = $1
	`
	return r.getGlobal(ctx, query, year)
}

// LatestGlobal returns the setting with the highest year, or nil when none
// has ever been set.
func (r *ThresholdRepository) LatestGlobal(ctx context.Context) (*domain.GlobalThreshold, error) {
	query := `
		SELECT setting_id, threshold_year, threshold_percentage, set_by, set_at, notification_sent
		FROM global_threshold_settings
		ORDER BY threshold_year DESC
		LIMIT 1
	`
	return r.getGlobal(ctx, query)
}

func (r *ThresholdRepository) getGlobal(ctx context.Context, query string, args ...any) (*domain.GlobalThreshold, error) {
	g := &domain.GlobalThreshold{}
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&g.ID, &g.Year, &g.Percentage, &g.SetBy, &g.SetAt, &g.NotificationSent,
	)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get global threshold")
	}
	return g, nil
}

// MarkGlobalNotified flags that GMs were told about the setting.
func (r *ThresholdRepository) MarkGlobalNotified(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE global_threshold_settings SET notification_sent = true WHERE setting_id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark threshold notified")
	}
	return nil
}

// ── Exceptions ──────────────────────────────────────────────────────────────

const exceptionColumns = `
	exception_id, fee_id, requested_threshold, justification,
	start_date, end_date, requested_by,
	finance_reviewed_by, finance_reviewed_at, finance_approved, finance_comments,
	risk_reviewed_by, risk_reviewed_at, risk_approved, risk_comments,
	approved_by, approved_at, decision_comments,
	status, activated_at, created_at, updated_at`

// CreateException inserts a pending exception.
func (r *ThresholdRepository) CreateException(ctx context.Context, e *domain.FeeThresholdException) error {
	query := `
		INSERT INTO fee_threshold_exceptions
		    (fee_id, requested_threshold, justification,
		     start_date, end_date, requested_by, status)
		VALUES ($1, $2, $3,
		        $4, $5, $6, $7)
		RETURNING exception_id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		e.FeeID,
		e.RequestedThreshold,
		e.Justification,
		e.StartDate,
		e.EndDate,
		e.RequestedBy,
		e.Status,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create threshold exception")
	}
	return nil
}

// GetException retrieves an exception by primary key.
func (r *ThresholdRepository) GetException(ctx context.Context, id string) (*domain.FeeThresholdException, error) {
	query := `SELECT` + exceptionColumns + ` FROM fee_threshold_exceptions WHERE exception_id = $1`
	return r.getException(ctx, query, id)
}

// GetExceptionForUpdate retrieves an exception and locks its row.
func (r *ThresholdRepository) GetExceptionForUpdate(ctx context.Context, id string) (*domain.FeeThresholdException, error) {
	query := `SELECT` + exceptionColumns + ` FROM fee_threshold_exceptions WHERE exception_id = $1 FOR UPDATE`
	return r.getException(ctx, query, id)
}

func (r *ThresholdRepository) getException(ctx context.Context, query, id string) (*domain.FeeThresholdException, error) {
	e, err := scanException(r.db.QueryRow(ctx, query, id))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("threshold_exception", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get threshold exception")
	}
	return e, nil
}

// UpdateException persists review, decision and status fields.
func (r *ThresholdRepository) UpdateException(ctx context.Context, e *domain.FeeThresholdException) error {
	var fin, risk reviewColumns
	fin.from(e.Finance)
	risk.from(e.Risk)

	query := `
		UPDATE fee_threshold_exceptions
		SET finance_reviewed_by = $2,
		    finance_reviewed_at = $3,
		    finance_approved    = $4,
		    finance_comments    = $5,
		    risk_reviewed_by    = $6,
		    risk_reviewed_at    = $7,
		    risk_approved       = $8,
		    risk_comments       = $9,
		    approved_by         = $10,
		    approved_at         = $11,
		    decision_comments   = $12,
		    status              = $13,
		    activated_at        = $14,
		    updated_at          = NOW()
		WHERE exception_id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		e.ID,
		fin.by, fin.at, fin.approved, fin.comments,
		risk.by, risk.at, risk.approved, risk.comments,
		e.ApprovedBy,
		e.ApprovedAt,
		e.DecisionComments,
		e.Status,
		e.ActivatedAt,
	).Scan(&e.UpdatedAt)
	if database.IsNoRows(err) {
		return errors.NotFound("threshold_exception", e.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update threshold exception")
	}
	return nil
}

// ApprovedExceptions returns the fee's approved exceptions covering asOf.
func (r *ThresholdRepository) ApprovedExceptions(ctx context.Context, feeID string, asOf time.Time) ([]domain.FeeThresholdException, error) {
	query := `SELECT` + exceptionColumns + `
		FROM fee_threshold_exceptions
		WHERE fee_id = $1
		  AND status = $2
		  AND start_date <= $3
		  AND end_date >= $3
		ORDER BY created_at DESC
	`

	list, err := r.listExceptions(ctx, query, feeID, domain.ExceptionApproved, domain.DateOf(asOf))
	if err != nil {
		return nil, err
	}
	out := make([]domain.FeeThresholdException, 0, len(list))
	for _, e := range list {
		out = append(out, *e)
	}
	return out, nil
}

// ListExceptions returns exceptions newest-first, optionally filtered by
// status and fee. Empty filters match everything.
func (r *ThresholdRepository) ListExceptions(ctx context.Context, status, feeID string) ([]*domain.FeeThresholdException, error) {
	query := `SELECT` + exceptionColumns + `
		FROM fee_threshold_exceptions
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR fee_id::text = $2)
		ORDER BY created_at DESC
	`
	return r.listExceptions(ctx, query, status, feeID)
}

// ListExpirable locks approved exceptions whose end date is before today.
func (r *ThresholdRepository) ListExpirable(ctx context.Context, today time.Time) ([]*domain.FeeThresholdException, error) {
	query := `SELECT` + exceptionColumns + `
		FROM fee_threshold_exceptions
		WHERE status = $1 AND end_date < $2
		ORDER BY end_date ASC
		FOR UPDATE SKIP LOCKED
	`
	return r.listExceptions(ctx, query, domain.ExceptionApproved, domain.DateOf(today))
}

func (r *ThresholdRepository) listExceptions(ctx context.Context, query string, args ...any) ([]*domain.FeeThresholdException, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list threshold exceptions")
	}
	defer rows.Close()

	var out []*domain.FeeThresholdException
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan threshold exception")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list threshold exceptions")
	}
	return out, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

// reviewColumns is the nullable column form of a domain.Review.
type reviewColumns struct {
	by       *string
	at       *time.Time
	approved *bool
	comments *string
}

func (c *reviewColumns) from(rv *domain.Review) {
	if rv == nil {
		return
	}
	c.by, c.at, c.approved, c.comments = &rv.ReviewedBy, &rv.ReviewedAt, &rv.Approved, rv.Comments
}

func (c *reviewColumns) review() *domain.Review {
	if c.by == nil {
		return nil
	}
	rv := &domain.Review{ReviewedBy: *c.by, Comments: c.comments}
	if c.at != nil {
		rv.ReviewedAt = *c.at
	}
	if c.approved != nil {
		rv.Approved = *c.approved
	}
	return rv
}

func scanException(sc rowScanner) (*domain.FeeThresholdException, error) {
	e := &domain.FeeThresholdException{}
	var fin, risk reviewColumns
	var start, end time.Time

	err := sc.Scan(
		&e.ID,
		&e.FeeID,
		&e.RequestedThreshold,
		&e.Justification,
		&start,
		&end,
		&e.RequestedBy,
		&fin.by, &fin.at, &fin.approved, &fin.comments,
		&risk.by, &risk.at, &risk.approved, &risk.comments,
		&e.ApprovedBy,
		&e.ApprovedAt,
		&e.DecisionComments,
		&e.Status,
		&e.ActivatedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.StartDate, e.EndDate = domain.DateOf(start), domain.DateOf(end)
	e.Finance = fin.review()
	e.Risk = risk.review()
	return e, nil
}
