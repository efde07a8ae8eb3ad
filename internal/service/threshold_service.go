package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/internal/metrics"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// SetGlobalThresholdRequest is the CEO's input for a new annual threshold.
type SetGlobalThresholdRequest struct {
	Year       int              `json:"threshold_year"`
	Percentage *decimal.Decimal `json:"threshold_percentage"`
}

// ThresholdExceptionRequest is a GM's request to override the threshold for a fee.
type ThresholdExceptionRequest struct {
	FeeID              string           `json:"fee_id"`
	RequestedThreshold *decimal.Decimal `json:"requested_threshold"`
	Justification      string           `json:"justification"`
	StartDate          string           `json:"start_date"`
	EndDate            string           `json:"end_date"`
}

// ReviewRequest carries a finance or risk reviewer's verdict.
type ReviewRequest struct {
	Approved *bool  `json:"approved"`
	Comments string `json:"comments"`
}

// DecisionRequest carries an approve/reject decision.
type DecisionRequest struct {
	Decision domain.Decision `json:"decision"`
	Comments string          `json:"comments"`
}

// ThresholdService owns the global threshold, fee threshold exceptions and
// threshold resolution.
type ThresholdService struct {
	tx         TxRunner
	thresholds ThresholdStore
	effects
	locks *recordLocks
	now   func() time.Time
}

// NewThresholdService creates a new ThresholdService.
func NewThresholdService(
	tx TxRunner,
	thresholds ThresholdStore,
	directory Directory,
	notifier Notifier,
	audit AuditSink,
	m *metrics.Metrics,
	log *logger.Logger,
) *ThresholdService {
	return &ThresholdService{
		tx:         tx,
		thresholds: thresholds,
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

// ── Resolution ────────────────────────────────────────────────────────────────

// ResolveThreshold returns the threshold applying to feeID on asOf. A zero
// asOf means today.
func (s *ThresholdService) ResolveThreshold(ctx context.Context, feeID string, asOf time.Time) (*domain.ResolvedThreshold, error) {
	if err := requireID("fee_id", feeID); err != nil {
		return nil, err
	}
	if _, err := s.directory.GetFee(ctx, feeID); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	resolved, err := resolveThreshold(ctx, s.thresholds, feeID, asOf)
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}

// resolveThreshold loads the candidates for feeID and applies the precedence
// rules.
func resolveThreshold(ctx context.Context, store ThresholdStore, feeID string, asOf time.Time) (domain.ResolvedThreshold, error) {
	date := domain.DateOf(asOf)
	exceptions, err := store.ApprovedExceptions(ctx, feeID, date)
	if err != nil {
		return domain.ResolvedThreshold{}, err
	}
	latest, err := store.LatestGlobal(ctx)
	if err != nil {
		return domain.ResolvedThreshold{}, err
	}
	return domain.ResolveThreshold(feeID, date, exceptions, latest)
}

// ── Global threshold ──────────────────────────────────────────────────────────

// SetGlobalThreshold records the threshold for a year. A year can be set once.
func (s *ThresholdService) SetGlobalThreshold(ctx context.Context, req SetGlobalThresholdRequest, userID string) (*domain.GlobalThreshold, error) {
	if _, err := s.authorize(ctx, userID, domain.OpSetGlobalThreshold); err != nil {
		return nil, err
	}
	if req.Percentage == nil {
		return nil, errors.InvalidInput("threshold_percentage", "is required")
	}
	g, err := domain.NewGlobalThreshold(req.Year, *req.Percentage, userID, s.now())
	if err != nil {
		return nil, err
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.thresholds.GetGlobalByYear(ctx, g.Year)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.Duplicate(fmt.Sprintf("threshold for %d is already set", g.Year))
		}
		return s.thresholds.CreateGlobal(ctx, g)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("setting_id", g.ID).
		Int("threshold_year", g.Year).
		Str("threshold_percentage", g.Percentage.String()).
		Msg("Global threshold set")

	sent := s.notifyRoles(ctx, domain.Notification{
		Type:              domain.NotifyThresholdSet,
		Title:             fmt.Sprintf("Fee satisfaction threshold for %d", g.Year),
		Message:           fmt.Sprintf("The CEO set the %d matching ratio threshold to %s%%.", g.Year, g.Percentage.StringFixed(2)),
		RelatedEntityType: domain.EntityGlobalThreshold,
		RelatedEntityID:   g.ID,
		Priority:          domain.PriorityHigh,
	}, domain.GMRoles()...)
	if sent > 0 {
		if err := s.thresholds.MarkGlobalNotified(context.WithoutCancel(ctx), g.ID); err != nil {
			s.log.Warn().Err(err).Str("setting_id", g.ID).Msg("Failed to mark threshold notified")
		} else {
			g.NotificationSent = true
		}
	}

	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityGlobalThreshold, g.ID, userID, domain.AuditCreate, nil, g))
	return g, nil
}

// LatestGlobalThreshold returns the setting with the highest year.
func (s *ThresholdService) LatestGlobalThreshold(ctx context.Context) (*domain.GlobalThreshold, error) {
	g, err := s.thresholds.LatestGlobal(ctx)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "no global threshold has been set")
	}
	return g, nil
}

// ── Exceptions ────────────────────────────────────────────────────────────────

// RequestException opens a pending threshold exception for a fee.
func (s *ThresholdService) RequestException(ctx context.Context, req ThresholdExceptionRequest, userID string) (*domain.FeeThresholdException, error) {
	if _, err := s.authorize(ctx, userID, domain.OpRequestException); err != nil {
		return nil, err
	}
	if err := requireID("fee_id", req.FeeID); err != nil {
		return nil, err
	}
	if req.RequestedThreshold == nil {
		return nil, errors.InvalidInput("requested_threshold", "is required")
	}
	start, err := domain.ParseDate("start_date", req.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := domain.ParseDate("end_date", req.EndDate)
	if err != nil {
		return nil, err
	}
	e, err := domain.NewFeeThresholdException(domain.ExceptionRequest{
		FeeID:              req.FeeID,
		RequestedThreshold: *req.RequestedThreshold,
		Justification:      req.Justification,
		StartDate:          start,
		EndDate:            end,
		RequestedBy:        userID,
	}, s.now())
	if err != nil {
		return nil, err
	}

	fee, err := s.directory.GetFee(ctx, req.FeeID)
	if err != nil {
		return nil, err
	}
	if err := s.thresholds.CreateException(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("exception_id", e.ID).
		Str("fee_id", e.FeeID).
		Str("requested_threshold", e.RequestedThreshold.String()).
		Msg("Threshold exception requested")

	s.notifyRoles(ctx, domain.Notification{
		Type:              domain.NotifyThresholdExceptionReq,
		Title:             "Threshold exception awaiting review",
		Message:           fmt.Sprintf("A threshold of %s%% was requested for fee %s.", e.RequestedThreshold.StringFixed(2), fee.Code),
		RelatedEntityType: domain.EntityThresholdException,
		RelatedEntityID:   e.ID,
		Priority:          domain.PriorityHigh,
	}, domain.RoleGMFinance, domain.RoleGMRisk)
	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityThresholdException, e.ID, userID, domain.AuditCreate, nil, e))
	return e, nil
}

// FinanceReview records the finance GM's review of an exception.
func (s *ThresholdService) FinanceReview(ctx context.Context, exceptionID string, req ReviewRequest, userID string) (*domain.FeeThresholdException, error) {
	return s.review(ctx, exceptionID, req, userID, domain.OpFinanceReviewException, "finance",
		func(e *domain.FeeThresholdException, approved bool, comments *string, at time.Time) error {
			return e.FinanceReview(userID, approved, comments, at)
		})
}

// RiskReview records the risk GM's review of an exception.
func (s *ThresholdService) RiskReview(ctx context.Context, exceptionID string, req ReviewRequest, userID string) (*domain.FeeThresholdException, error) {
	return s.review(ctx, exceptionID, req, userID, domain.OpRiskReviewException, "risk",
		func(e *domain.FeeThresholdException, approved bool, comments *string, at time.Time) error {
			return e.RiskReview(userID, approved, comments, at)
		})
}

func (s *ThresholdService) review(
	ctx context.Context,
	exceptionID string,
	req ReviewRequest,
	userID string,
	op domain.Operation,
	stage string,
	apply func(e *domain.FeeThresholdException, approved bool, comments *string, at time.Time) error,
) (*domain.FeeThresholdException, error) {
	if _, err := s.authorize(ctx, userID, op); err != nil {
		return nil, err
	}
	if err := requireID("exception_id", exceptionID); err != nil {
		return nil, err
	}
	if req.Approved == nil {
		return nil, errors.InvalidInput("approved", "is required")
	}

	unlock := s.locks.lock(exceptionID)
	defer unlock()

	var e *domain.FeeThresholdException
	var from domain.ExceptionStatus
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		e, err = s.thresholds.GetExceptionForUpdate(ctx, exceptionID)
		if err != nil {
			return err
		}
		from = e.Status
		if err := apply(e, *req.Approved, optionalText(req.Comments), s.now()); err != nil {
			return err
		}
		return s.thresholds.UpdateException(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("exception_id", e.ID).
		Str("stage", stage).
		Bool("approved", *req.Approved).
		Msg("Threshold exception reviewed")

	s.appendAudit(ctx, domain.AuditEvent{
		EventType:  domain.EntityThresholdException + "_" + domain.AuditReview,
		EntityType: domain.EntityThresholdException,
		EntityID:   e.ID,
		UserID:     userID,
		Action:     domain.AuditReview,
		OldValue:   map[string]any{"status": from},
		NewValue:   map[string]any{"status": e.Status},
		Metadata:   map[string]any{"stage": stage, "approved": *req.Approved},
	})
	if e.Status != from {
		s.metrics.Transition(domain.EntityThresholdException, string(from), string(e.Status))
		s.notifyUsers(ctx, []string{e.RequestedBy}, domain.Notification{
			Type:              domain.NotifyThresholdExceptionResult,
			Title:             "Threshold exception rejected",
			Message:           fmt.Sprintf("Your threshold exception was rejected at %s review.", stage),
			RelatedEntityType: domain.EntityThresholdException,
			RelatedEntityID:   e.ID,
			Priority:          domain.PriorityNormal,
		})
	}
	return e, nil
}

// DecideException records the CEO's decision on a reviewed exception.
func (s *ThresholdService) DecideException(ctx context.Context, exceptionID string, req DecisionRequest, userID string) (*domain.FeeThresholdException, error) {
	if _, err := s.authorize(ctx, userID, domain.OpDecideException); err != nil {
		return nil, err
	}
	if err := requireID("exception_id", exceptionID); err != nil {
		return nil, err
	}
	if err := req.Decision.Validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(exceptionID)
	defer unlock()

	var e *domain.FeeThresholdException
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		e, err = s.thresholds.GetExceptionForUpdate(ctx, exceptionID)
		if err != nil {
			return err
		}
		if err := e.Decide(userID, req.Decision, optionalText(req.Comments), s.now()); err != nil {
			return err
		}
		return s.thresholds.UpdateException(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("exception_id", e.ID).
		Str("fee_id", e.FeeID).
		Str("status", string(e.Status)).
		Msg("Threshold exception decided")

	action := domain.AuditApprove
	if e.Status == domain.ExceptionRejected {
		action = domain.AuditReject
	}
	s.metrics.Transition(domain.EntityThresholdException, string(domain.ExceptionPending), string(e.Status))
	s.notifyUsers(ctx, []string{e.RequestedBy}, domain.Notification{
		Type:              domain.NotifyThresholdExceptionResult,
		Title:             fmt.Sprintf("Threshold exception %s", e.Status),
		Message:           fmt.Sprintf("The CEO %s your request for a %s%% threshold.", e.Status, e.RequestedThreshold.StringFixed(2)),
		RelatedEntityType: domain.EntityThresholdException,
		RelatedEntityID:   e.ID,
		Priority:          domain.PriorityHigh,
	})
	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityThresholdException, e.ID, userID, action,
		map[string]any{"status": domain.ExceptionPending}, map[string]any{"status": e.Status}))
	return e, nil
}

// GetException returns one exception.
func (s *ThresholdService) GetException(ctx context.Context, exceptionID string) (*domain.FeeThresholdException, error) {
	if err := requireID("exception_id", exceptionID); err != nil {
		return nil, err
	}
	return s.thresholds.GetException(ctx, exceptionID)
}

// ListExceptions lists exceptions, optionally filtered by status and fee.
func (s *ThresholdService) ListExceptions(ctx context.Context, status, feeID string) ([]*domain.FeeThresholdException, error) {
	switch domain.ExceptionStatus(status) {
	case "", domain.ExceptionPending, domain.ExceptionApproved, domain.ExceptionRejected, domain.ExceptionExpired:
	default:
		return nil, errors.InvalidInput("status", "must be pending, approved, rejected or expired")
	}
	if feeID != "" {
		if err := requireID("fee_id", feeID); err != nil {
			return nil, err
		}
	}
	return s.thresholds.ListExceptions(ctx, status, feeID)
}

// ExpireExceptions moves approved exceptions whose end date has passed to
// expired and returns how many changed.
func (s *ThresholdService) ExpireExceptions(ctx context.Context) (int, error) {
	day := today(s.now)
	var expired []*domain.FeeThresholdException
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		candidates, err := s.thresholds.ListExpirable(ctx, day)
		if err != nil {
			return err
		}
		for _, e := range candidates {
			if !e.Expire(day) {
				continue
			}
			if err := s.thresholds.UpdateException(ctx, e); err != nil {
				return err
			}
			expired = append(expired, e)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, e := range expired {
		s.metrics.Transition(domain.EntityThresholdException, string(domain.ExceptionApproved), string(domain.ExceptionExpired))
		s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityThresholdException, e.ID, "", domain.AuditExpire,
			map[string]any{"status": domain.ExceptionApproved}, map[string]any{"status": domain.ExceptionExpired}))
	}
	if len(expired) > 0 {
		s.log.Info().Int("count", len(expired)).Msg("Threshold exceptions expired")
	}
	return len(expired), nil
}
