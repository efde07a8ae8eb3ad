package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// PerformanceRepository reads and writes fee_performance rows. The matching
// ratio column is generated by the database and never written here.
type PerformanceRepository struct {
	db *database.DB
}

// NewPerformanceRepository creates a new PerformanceRepository.
func NewPerformanceRepository(db *database.DB) *PerformanceRepository {
	return &PerformanceRepository{db: db}
}

const performanceColumns = `
	performance_id, fee_id, measurement_period, period_start, period_end,
	total_customers, exempted_customers, chargeable_customers,
	expected_amount, collected_amount, accrued_amount,
	satisfaction_state, created_at, updated_at`

// Create inserts a measurement snapshot. New records always start NOT_SATISFIED.
func (r *PerformanceRepository) Create(ctx context.Context, p *domain.FeePerformance) error {
	p.State = domain.StateNotSatisfied

	query := `
		INSERT INTO fee_performance
		    (fee_id, measurement_period, period_start, period_end,
		     total_customers, exempted_customers, chargeable_customers,
		     expected_amount, collected_amount, accrued_amount,
		     satisfaction_state)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10,
		        $11)
		RETURNING performance_id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.FeeID,
		p.MeasurementPeriod,
		p.PeriodStart,
		p.PeriodEnd,
		p.TotalCustomers,
		p.ExemptedCustomers,
		p.ChargeableCustomers,
		p.ExpectedAmount,
		p.CollectedAmount,
		p.AccruedAmount,
		p.State,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create fee performance")
	}
	return nil
}

// GetByID retrieves a record by primary key.
func (r *PerformanceRepository) GetByID(ctx context.Context, id string) (*domain.FeePerformance, error) {
	query := `SELECT` + performanceColumns + `
		FROM fee_performance
		WHERE performance_id = $1
	`
	return r.get(ctx, query, id)
}

// GetForUpdate retrieves a record and locks its row until the surrounding
// transaction ends.
func (r *PerformanceRepository) GetForUpdate(ctx context.Context, id string) (*domain.FeePerformance, error) {
	query := `SELECT` + performanceColumns + `
		FROM fee_performance
		WHERE performance_id = $1
		FOR UPDATE
	`
	return r.get(ctx, query, id)
}

func (r *PerformanceRepository) get(ctx context.Context, query, id string) (*domain.FeePerformance, error) {
	p, err := scanPerformance(r.db.QueryRow(ctx, query, id))
	if database.IsNoRows(err) {
		return nil, errors.NotFound("fee_performance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get fee performance")
	}
	return p, nil
}

// UpdateState persists a new satisfaction state.
func (r *PerformanceRepository) UpdateState(ctx context.Context, id string, state domain.SatisfactionState) error {
	query := `
		UPDATE fee_performance
		SET satisfaction_state = $2,
		    updated_at         = NOW()
		WHERE performance_id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, state)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update satisfaction state")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("fee_performance", id)
	}
	return nil
}

// UpdateMeasurement persists new counts and amounts.
func (r *PerformanceRepository) UpdateMeasurement(ctx context.Context, p *domain.FeePerformance) error {
	query := `
		UPDATE fee_performance
		SET total_customers      = $2,
		    exempted_customers   = $3,
		    chargeable_customers = $4,
		    expected_amount      = $5,
		    collected_amount     = $6,
		    accrued_amount       = $7,
		    updated_at           = NOW()
		WHERE performance_id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.ID,
		p.TotalCustomers,
		p.ExemptedCustomers,
		p.ChargeableCustomers,
		p.ExpectedAmount,
		p.CollectedAmount,
		p.AccruedAmount,
	).Scan(&p.UpdatedAt)
	if database.IsNoRows(err) {
		return errors.NotFound("fee_performance", p.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update measurement")
	}
	return nil
}

// ListOpen returns records whose state a recompute can still move.
func (r *PerformanceRepository) ListOpen(ctx context.Context) ([]*domain.FeePerformance, error) {
	query := `SELECT` + performanceColumns + `
		FROM fee_performance
		WHERE satisfaction_state IN ($1, $2)
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, domain.StateNotSatisfied, domain.StateConditionallyEligible)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list open fee performance")
	}
	defer rows.Close()

	var out []*domain.FeePerformance
	for rows.Next() {
		p, err := scanPerformance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan fee performance")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list open fee performance")
	}
	return out, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerformance(sc rowScanner) (*domain.FeePerformance, error) {
	p := &domain.FeePerformance{}
	var start, end time.Time
	err := sc.Scan(
		&p.ID,
		&p.FeeID,
		&p.MeasurementPeriod,
		&start,
		&end,
		&p.TotalCustomers,
		&p.ExemptedCustomers,
		&p.ChargeableCustomers,
		&p.ExpectedAmount,
		&p.CollectedAmount,
		&p.AccruedAmount,
		&p.State,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if !p.State.Valid() {
		return nil, fmt.Errorf("performance %s has unknown satisfaction state %q", p.ID, p.State)
	}
	p.PeriodStart, p.PeriodEnd = domain.DateOf(start), domain.DateOf(end)
	return p, nil
}
