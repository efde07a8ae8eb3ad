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

// RecommendExemptionRequest is an RM's or branch manager's exemption proposal.
type RecommendExemptionRequest struct {
	CustomerID         string               `json:"customer_id"`
	FeeID              string               `json:"fee_id"`
	ExemptionType      domain.ExemptionType `json:"exemption_type"`
	PercentageExempted *decimal.Decimal     `json:"percentage_exempted"`
	StartDate          string               `json:"start_date"`
	EndDate            string               `json:"end_date"`
	Justification      string               `json:"justification"`
}

// ExemptionView is an exemption with its status as of today.
type ExemptionView struct {
	*domain.TemporaryExemption
	EffectiveStatus domain.ExemptionStatus `json:"effective_status"`
}

// ExemptionService runs the temporary exemption workflow.
type ExemptionService struct {
	tx         TxRunner
	exemptions ExemptionStore
	limits     ExemptionLimitStore
	effects
	locks *recordLocks
	now   func() time.Time
}

// NewExemptionService creates a new ExemptionService.
func NewExemptionService(
	tx TxRunner,
	exemptions ExemptionStore,
	limits ExemptionLimitStore,
	directory Directory,
	notifier Notifier,
	audit AuditSink,
	m *metrics.Metrics,
	log *logger.Logger,
) *ExemptionService {
	return &ExemptionService{
		tx:         tx,
		exemptions: exemptions,
		limits:     limits,
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

// ── Recommend ─────────────────────────────────────────────────────────────────

// Recommend creates a pending exemption and notifies the fee's owning GMs.
func (s *ExemptionService) Recommend(ctx context.Context, req RecommendExemptionRequest, userID string) (*ExemptionView, error) {
	user, err := s.authorize(ctx, userID, domain.OpRecommendExemption)
	if err != nil {
		return nil, err
	}
	if err := requireID("customer_id", req.CustomerID); err != nil {
		return nil, err
	}
	if err := requireID("fee_id", req.FeeID); err != nil {
		return nil, err
	}

	rec := domain.ExemptionRecommendation{
		CustomerID:         req.CustomerID,
		FeeID:              req.FeeID,
		ExemptionType:      req.ExemptionType,
		PercentageExempted: req.PercentageExempted,
		Justification:      req.Justification,
		RecommendedBy:      userID,
		RecommenderRole:    user.Role,
	}
	if req.StartDate != "" {
		if rec.StartDate, err = domain.ParseDate("start_date", req.StartDate); err != nil {
			return nil, err
		}
	}
	if req.EndDate != "" {
		if rec.EndDate, err = domain.ParseDate("end_date", req.EndDate); err != nil {
			return nil, err
		}
	}
	e, err := domain.NewTemporaryExemption(rec, s.now())
	if err != nil {
		return nil, err
	}

	fee, err := s.directory.GetFee(ctx, e.FeeID)
	if err != nil {
		return nil, err
	}
	known, err := s.directory.CustomerExists(ctx, e.CustomerID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, errors.NotFound("customer", e.CustomerID)
	}

	limit, err := s.limits.LatestApproved(ctx, e.FeeID, domain.LimitPercentage)
	if err != nil {
		return nil, err
	}
	if limit != nil && !limit.Permits(e.PercentageExempted) {
		return nil, errors.InvalidInput("percentage_exempted",
			fmt.Sprintf("exceeds the approved limit of %s%% for this fee", limit.LimitValue.String()))
	}

	if err := s.exemptions.Create(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("exemption_id", e.ID).
		Str("customer_id", e.CustomerID).
		Str("fee_id", e.FeeID).
		Str("percentage_exempted", e.PercentageExempted.String()).
		Msg("Temporary exemption recommended")

	owners, err := s.directory.FeeOwners(context.WithoutCancel(ctx), e.FeeID)
	if err != nil {
		s.log.Warn().Err(err).Str("fee_id", e.FeeID).Msg("Could not resolve fee owners for notification")
	}
	s.notifyUsers(ctx, owners, domain.Notification{
		Type:  domain.NotifyExemptionRecommendation,
		Title: "Temporary exemption awaiting approval",
		Message: fmt.Sprintf("A %s%% %s exemption on fee %s was recommended for %s to %s.",
			e.PercentageExempted.StringFixed(2), e.ExemptionType, fee.Code,
			e.StartDate.Format(time.DateOnly), e.EndDate.Format(time.DateOnly)),
		RelatedEntityType: domain.EntityExemption,
		RelatedEntityID:   e.ID,
		Priority:          domain.PriorityNormal,
	})
	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityExemption, e.ID, userID, domain.AuditCreate, nil, e))

	return s.view(e), nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide approves or rejects a pending exemption and notifies the recommender.
func (s *ExemptionService) Decide(ctx context.Context, exemptionID string, req DecisionRequest, userID string) (*ExemptionView, error) {
	user, err := s.authorize(ctx, userID, domain.OpDecideExemption)
	if err != nil {
		return nil, err
	}
	if err := requireID("exemption_id", exemptionID); err != nil {
		return nil, err
	}
	if err := req.Decision.Validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(exemptionID)
	defer unlock()

	var e *domain.TemporaryExemption
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		e, err = s.exemptions.GetForUpdate(ctx, exemptionID)
		if err != nil {
			return err
		}
		if err := e.Decide(user.Role, userID, req.Decision, optionalText(req.Comments), s.now()); err != nil {
			return err
		}
		return s.exemptions.UpdateDecision(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("exemption_id", e.ID).
		Str("decision", string(req.Decision)).
		Str("status", string(e.Status)).
		Int("chain_length", len(e.ApprovalChain)).
		Msg("Temporary exemption decided")

	action := domain.AuditApprove
	if req.Decision == domain.DecisionRejected {
		action = domain.AuditReject
	}
	s.metrics.Transition(domain.EntityExemption, string(domain.ExemptionPending), string(e.Status))
	s.notifyUsers(ctx, []string{e.RecommendedBy}, domain.Notification{
		Type:              domain.NotifyExemptionDecision,
		Title:             fmt.Sprintf("Temporary exemption %s", req.Decision),
		Message:           fmt.Sprintf("Your exemption recommendation for customer %s was %s.", e.CustomerID, req.Decision),
		RelatedEntityType: domain.EntityExemption,
		RelatedEntityID:   e.ID,
		Priority:          domain.PriorityNormal,
	})
	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityExemption, e.ID, userID, action,
		map[string]any{"status": domain.ExemptionPending}, map[string]any{"status": e.Status}))

	return s.view(e), nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// Get returns one exemption.
func (s *ExemptionService) Get(ctx context.Context, exemptionID string) (*ExemptionView, error) {
	if err := requireID("exemption_id", exemptionID); err != nil {
		return nil, err
	}
	e, err := s.exemptions.GetByID(ctx, exemptionID)
	if err != nil {
		return nil, err
	}
	return s.view(e), nil
}

// List returns exemptions filtered by effective status and fee. Expiry is
// derived from the end date, so "active" excludes lapsed exemptions and
// "expired" selects them.
func (s *ExemptionService) List(ctx context.Context, status, feeID string) ([]*ExemptionView, error) {
	want := domain.ExemptionStatus(status)
	stored := want
	switch want {
	case "", domain.ExemptionPending, domain.ExemptionActive, domain.ExemptionRejected:
	case domain.ExemptionExpired:
		stored = domain.ExemptionActive
	default:
		return nil, errors.InvalidInput("status", "must be pending, active, expired or rejected")
	}
	if feeID != "" {
		if err := requireID("fee_id", feeID); err != nil {
			return nil, err
		}
	}

	list, err := s.exemptions.List(ctx, string(stored), feeID)
	if err != nil {
		return nil, err
	}
	out := make([]*ExemptionView, 0, len(list))
	for _, e := range list {
		v := s.view(e)
		if want != "" && v.EffectiveStatus != want {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *ExemptionService) view(e *domain.TemporaryExemption) *ExemptionView {
	return &ExemptionView{TemporaryExemption: e, EffectiveStatus: e.EffectiveStatus(s.now())}
}
