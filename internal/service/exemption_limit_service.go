package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/internal/metrics"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// ProposeLimitRequest is the maker's proposed exemption limit.
type ProposeLimitRequest struct {
	FeeID      string           `json:"fee_id"`
	LimitType  domain.LimitType `json:"limit_type"`
	LimitValue decimal.Decimal  `json:"limit_value"`
	Currency   string           `json:"currency"`
}

// CheckLimitRequest is the checker's decision.
type CheckLimitRequest struct {
	Decision domain.Decision `json:"decision"`
}

// ExemptionLimitService applies maker/checker control to exemption limits.
type ExemptionLimitService struct {
	tx     TxRunner
	limits ExemptionLimitStore
	effects
	locks *recordLocks
	now   func() time.Time
}

// NewExemptionLimitService creates a new ExemptionLimitService.
func NewExemptionLimitService(
	tx TxRunner,
	limits ExemptionLimitStore,
	directory Directory,
	notifier Notifier,
	audit AuditSink,
	m *metrics.Metrics,
	log *logger.Logger,
) *ExemptionLimitService {
	return &ExemptionLimitService{
		tx:     tx,
		limits: limits,
		effects: effects{
			directory: directory,
			notifier:  notifier,
			audit:     audit,
			metrics:   m,
			log:       log,
		},
		locks: newRecordLocks(),
		now:   time.Now,
	}
}

// Propose records a pending limit and notifies every checker.
func (s *ExemptionLimitService) Propose(ctx context.Context, req ProposeLimitRequest, userID string) (*domain.ExemptionLimit, error) {
	if _, err := s.authorize(ctx, userID, domain.OpProposeLimit); err != nil {
		return nil, err
	}
	if err := requireID("fee_id", req.FeeID); err != nil {
		return nil, err
	}
	l, err := domain.NewExemptionLimit(domain.LimitProposal{
		FeeID:      req.FeeID,
		LimitType:  req.LimitType,
		LimitValue: req.LimitValue,
		Currency:   req.Currency,
		MakerID:    userID,
	}, s.now())
	if err != nil {
		return nil, err
	}
	fee, err := s.directory.GetFee(ctx, l.FeeID)
	if err != nil {
		return nil, err
	}
	if err := s.limits.Create(ctx, l); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("limit_id", l.ID).
		Str("fee_id", l.FeeID).
		Str("limit_type", string(l.LimitType)).
		Str("limit_value", l.LimitValue.String()).
		Msg("Exemption limit proposed")

	s.notifyRoles(ctx, domain.Notification{
		Type:              domain.NotifyMakerCheckerPending,
		Title:             "Exemption limit awaiting check",
		Message:           fmt.Sprintf("A %s exemption limit of %s was proposed for fee %s.", l.LimitType, l.LimitValue.String(), fee.Code),
		RelatedEntityType: domain.EntityExemptionLimit,
		RelatedEntityID:   l.ID,
		Priority:          domain.PriorityNormal,
	}, domain.RoleAdminChecker)
	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityExemptionLimit, l.ID, userID, domain.AuditCreate, nil, l))
	return l, nil
}

// Check records the checker's decision. The maker can never check their own
// proposal.
func (s *ExemptionLimitService) Check(ctx context.Context, limitID string, req CheckLimitRequest, userID string) (*domain.ExemptionLimit, error) {
	if _, err := s.authorize(ctx, userID, domain.OpCheckLimit); err != nil {
		return nil, err
	}
	if err := requireID("limit_id", limitID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(limitID)
	defer unlock()

	var l *domain.ExemptionLimit
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		l, err = s.limits.GetForUpdate(ctx, limitID)
		if err != nil {
			return err
		}
		if err := l.Check(userID, req.Decision, s.now()); err != nil {
			return err
		}
		return s.limits.UpdateCheck(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("limit_id", l.ID).
		Str("fee_id", l.FeeID).
		Str("status", string(l.Status)).
		Msg("Exemption limit checked")

	action := domain.AuditApprove
	if l.Status == domain.ControlRejected {
		action = domain.AuditReject
	}
	s.metrics.Transition(domain.EntityExemptionLimit, string(domain.ControlPending), string(l.Status))
	s.notifyUsers(ctx, []string{l.MakerUserID}, domain.Notification{
		Type:              domain.NotifyMakerCheckerDecision,
		Title:             fmt.Sprintf("Exemption limit %s", l.Status),
		Message:           fmt.Sprintf("Your %s exemption limit of %s was %s.", l.LimitType, l.LimitValue.String(), l.Status),
		RelatedEntityType: domain.EntityExemptionLimit,
		RelatedEntityID:   l.ID,
		Priority:          domain.PriorityNormal,
	})
	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityExemptionLimit, l.ID, userID, action,
		map[string]any{"status": domain.ControlPending}, map[string]any{"status": l.Status}))
	return l, nil
}

// Get returns one limit.
func (s *ExemptionLimitService) Get(ctx context.Context, limitID string) (*domain.ExemptionLimit, error) {
	if err := requireID("limit_id", limitID); err != nil {
		return nil, err
	}
	return s.limits.GetByID(ctx, limitID)
}

// List returns limits, optionally for one fee.
func (s *ExemptionLimitService) List(ctx context.Context, feeID string) ([]*domain.ExemptionLimit, error) {
	if feeID != "" {
		if err := requireID("fee_id", feeID); err != nil {
			return nil, err
		}
	}
	return s.limits.List(ctx, feeID)
}
