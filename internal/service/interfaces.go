package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
)

// TxRunner runs fn in a transaction carried on the context it passes to fn.
type TxRunner interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PerformanceStore persists fee performance records.
type PerformanceStore interface {
	GetByID(ctx context.Context, id string) (*domain.FeePerformance, error)
	GetForUpdate(ctx context.Context, id string) (*domain.FeePerformance, error)
	UpdateState(ctx context.Context, id string, state domain.SatisfactionState) error
	UpdateMeasurement(ctx context.Context, p *domain.FeePerformance) error
	ListOpen(ctx context.Context) ([]*domain.FeePerformance, error)
}

// AcknowledgmentStore persists GM acknowledgments.
type AcknowledgmentStore interface {
	Create(ctx context.Context, a *domain.GmAcknowledgment) error
	Exists(ctx context.Context, performanceID, userID string) (bool, error)
	ListByPerformance(ctx context.Context, performanceID string) ([]*domain.GmAcknowledgment, error)
}

// CeoApprovalStore persists CEO decisions.
type CeoApprovalStore interface {
	Create(ctx context.Context, a *domain.CeoApproval) error
	ListByPerformance(ctx context.Context, performanceID string) ([]*domain.CeoApproval, error)
}

// ThresholdStore persists global thresholds and fee threshold exceptions.
// Lookups that may legitimately find nothing return nil without an error.
type ThresholdStore interface {
	CreateGlobal(ctx context.Context, g *domain.GlobalThreshold) error
	GetGlobalByYear(ctx context.Context, year int) (*domain.GlobalThreshold, error)
	LatestGlobal(ctx context.Context) (*domain.GlobalThreshold, error)
	MarkGlobalNotified(ctx context.Context, id string) error

	CreateException(ctx context.Context, e *domain.FeeThresholdException) error
	GetException(ctx context.Context, id string) (*domain.FeeThresholdException, error)
	GetExceptionForUpdate(ctx context.Context, id string) (*domain.FeeThresholdException, error)
	UpdateException(ctx context.Context, e *domain.FeeThresholdException) error
	ApprovedExceptions(ctx context.Context, feeID string, asOf time.Time) ([]domain.FeeThresholdException, error)
	ListExceptions(ctx context.Context, status, feeID string) ([]*domain.FeeThresholdException, error)
	ListExpirable(ctx context.Context, today time.Time) ([]*domain.FeeThresholdException, error)
}

// ExemptionStore persists temporary exemptions.
type ExemptionStore interface {
	Create(ctx context.Context, e *domain.TemporaryExemption) error
	GetByID(ctx context.Context, id string) (*domain.TemporaryExemption, error)
	GetForUpdate(ctx context.Context, id string) (*domain.TemporaryExemption, error)
	UpdateDecision(ctx context.Context, e *domain.TemporaryExemption) error
	List(ctx context.Context, status, feeID string) ([]*domain.TemporaryExemption, error)
}

// ExemptionLimitStore persists maker/checker controlled exemption limits.
type ExemptionLimitStore interface {
	Create(ctx context.Context, l *domain.ExemptionLimit) error
	GetByID(ctx context.Context, id string) (*domain.ExemptionLimit, error)
	GetForUpdate(ctx context.Context, id string) (*domain.ExemptionLimit, error)
	UpdateCheck(ctx context.Context, l *domain.ExemptionLimit) error
	List(ctx context.Context, feeID string) ([]*domain.ExemptionLimit, error)
	LatestApproved(ctx context.Context, feeID string, limitType domain.LimitType) (*domain.ExemptionLimit, error)
}

// Directory resolves users, roles, fee ownership and customers.
type Directory interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	UsersWithRoles(ctx context.Context, roles ...domain.Role) ([]*domain.User, error)
	FeeOwners(ctx context.Context, feeID string) ([]string, error)
	GetFee(ctx context.Context, id string) (*domain.Fee, error)
	CustomerExists(ctx context.Context, id string) (bool, error)
}

// Notifier accepts a notification for asynchronous delivery. An error means
// the notification was not accepted; delivery failures are never reported.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// AuditSink appends audit events.
type AuditSink interface {
	Record(ctx context.Context, ev domain.AuditEvent) error
}
