package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/internal/metrics"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// AcknowledgeRequest is a GM's sign-off on a performance record.
type AcknowledgeRequest struct {
	PerformanceID string `json:"performance_id"`
	FeeID         string `json:"fee_id"`
	Notes         string `json:"notes"`
}

// AcknowledgeResult reports the acknowledgment and where the quorum stands.
type AcknowledgeResult struct {
	Acknowledgment *domain.GmAcknowledgment `json:"acknowledgment"`
	State          domain.SatisfactionState `json:"satisfaction_state"`
	Acknowledged   int                      `json:"acknowledged_count"`
	Required       int                      `json:"required_count"`
	QuorumReached  bool                     `json:"quorum_reached"`
	Outstanding    []string                 `json:"outstanding_owners"`
}

// CeoDecisionRequest is the CEO's verdict on a record pending approval.
type CeoDecisionRequest struct {
	PerformanceID string             `json:"performance_id"`
	FeeID         string             `json:"fee_id"`
	Decision      domain.CeoDecision `json:"decision"`
	Comments      string             `json:"comments"`
}

// CeoDecisionResult is the stored approval and the transition it caused.
type CeoDecisionResult struct {
	Approval   *domain.CeoApproval `json:"approval"`
	Transition domain.Transition   `json:"transition"`
}

// PerformanceView is a performance record with its derived values.
type PerformanceView struct {
	*domain.FeePerformance
	MatchingRatio decimal.Decimal           `json:"matching_ratio"`
	Threshold     *domain.ResolvedThreshold `json:"threshold,omitempty"`
}

// SatisfactionService drives the satisfaction state machine of fee
// performance records: recomputation, GM acknowledgment quorum and CEO
// decisions.
type SatisfactionService struct {
	tx          TxRunner
	performance PerformanceStore
	acks        AcknowledgmentStore
	approvals   CeoApprovalStore
	thresholds  ThresholdStore
	effects
	locks *recordLocks
	now   func() time.Time
}

// NewSatisfactionService creates a new SatisfactionService.
func NewSatisfactionService(
	tx TxRunner,
	performance PerformanceStore,
	acks AcknowledgmentStore,
	approvals CeoApprovalStore,
	thresholds ThresholdStore,
	directory Directory,
	notifier Notifier,
	audit AuditSink,
	m *metrics.Metrics,
	log *logger.Logger,
) *SatisfactionService {
	return &SatisfactionService{
		tx:          tx,
		performance: performance,
		acks:        acks,
		approvals:   approvals,
		thresholds:  thresholds,
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

// ── Acknowledgment ────────────────────────────────────────────────────────────

// Acknowledge records one owning GM's acknowledgment. When the last owner
// acknowledges, the record moves to PENDING_CEO_APPROVAL and every CEO is
// notified.
func (s *SatisfactionService) Acknowledge(ctx context.Context, req AcknowledgeRequest, userID string) (*AcknowledgeResult, error) {
	if err := requireID("performance_id", req.PerformanceID); err != nil {
		return nil, err
	}
	if err := requireID("fee_id", req.FeeID); err != nil {
		return nil, err
	}
	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		return nil, errors.InvalidInput("notes", "is required")
	}
	if _, err := s.authorize(ctx, userID, domain.OpAcknowledgePerformance); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(req.PerformanceID)
	defer unlock()

	var (
		ack        *domain.GmAcknowledgment
		p          *domain.FeePerformance
		quorum     domain.Quorum
		transition domain.Transition
	)
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.performance.GetForUpdate(ctx, req.PerformanceID)
		if err != nil {
			return err
		}
		if p.FeeID != req.FeeID {
			return errors.InvalidInput("fee_id", "does not match the performance record")
		}

		owners, err := s.directory.FeeOwners(ctx, p.FeeID)
		if err != nil {
			return err
		}
		if !domain.NewQuorum(owners, nil).IsOwner(userID) {
			return errors.Forbidden("user does not own this fee")
		}

		exists, err := s.acks.Exists(ctx, p.ID, userID)
		if err != nil {
			return err
		}
		if exists {
			return errors.Duplicate("performance record already acknowledged by this user")
		}
		if p.State != domain.StateConditionallyEligible {
			return errors.InvalidState(fmt.Sprintf("acknowledgments require state %s, record is %s",
				domain.StateConditionallyEligible, p.State))
		}

		ack = &domain.GmAcknowledgment{
			PerformanceID: p.ID,
			FeeID:         p.FeeID,
			GMUserID:      userID,
			Notes:         notes,
			SubmittedAt:   s.now(),
		}
		if err := s.acks.Create(ctx, ack); err != nil {
			return err
		}

		all, err := s.acks.ListByPerformance(ctx, p.ID)
		if err != nil {
			return err
		}
		acknowledgers := make([]string, 0, len(all))
		for _, a := range all {
			acknowledgers = append(acknowledgers, a.GMUserID)
		}
		quorum = domain.NewQuorum(owners, acknowledgers)
		if !quorum.Reached() {
			return nil
		}

		transition, err = p.Apply(domain.Event{
			Trigger:        domain.TriggerQuorumReached,
			RequiredOwners: quorum.RequiredCount(),
		})
		if err != nil {
			return err
		}
		return s.performance.UpdateState(ctx, p.ID, p.State)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("performance_id", p.ID).
		Str("fee_id", p.FeeID).
		Str("gm_user_id", userID).
		Int("acknowledged", quorum.AcknowledgedCount()).
		Int("required", quorum.RequiredCount()).
		Msg("Performance acknowledged")

	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityPerformance, p.ID, userID, domain.AuditAcknowledge, nil, ack))
	if transition.Changed {
		s.recordTransition(ctx, p, transition, userID)
		s.notifyRoles(ctx, domain.Notification{
			Type:              domain.NotifyCeoApprovalRequired,
			Title:             "Fee satisfaction awaiting approval",
			Message:           fmt.Sprintf("All %d owning GMs acknowledged performance record %s.", quorum.RequiredCount(), p.ID),
			RelatedEntityType: domain.EntityPerformance,
			RelatedEntityID:   p.ID,
			Priority:          domain.PriorityHigh,
		}, domain.RoleCEO)
	}

	return &AcknowledgeResult{
		Acknowledgment: ack,
		State:          p.State,
		Acknowledged:   quorum.AcknowledgedCount(),
		Required:       quorum.RequiredCount(),
		QuorumReached:  quorum.Reached(),
		Outstanding:    quorum.Outstanding(),
	}, nil
}

// ── CEO decision ──────────────────────────────────────────────────────────────

// DecideAsCeo records the CEO's decision on a record pending approval.
// Approval satisfies the fee; rejection returns it to CONDITIONALLY_ELIGIBLE.
func (s *SatisfactionService) DecideAsCeo(ctx context.Context, req CeoDecisionRequest, userID string) (*CeoDecisionResult, error) {
	if err := requireID("performance_id", req.PerformanceID); err != nil {
		return nil, err
	}
	if err := requireID("fee_id", req.FeeID); err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, userID, domain.OpCeoDecision); err != nil {
		return nil, err
	}
	trigger, err := req.Decision.Trigger()
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(req.PerformanceID)
	defer unlock()

	var (
		p             *domain.FeePerformance
		approval      *domain.CeoApproval
		transition    domain.Transition
		acknowledgers []string
	)
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.performance.GetForUpdate(ctx, req.PerformanceID)
		if err != nil {
			return err
		}
		if p.FeeID != req.FeeID {
			return errors.InvalidInput("fee_id", "does not match the performance record")
		}
		transition, err = p.Apply(domain.Event{Trigger: trigger})
		if err != nil {
			return err
		}

		approval = &domain.CeoApproval{
			PerformanceID: p.ID,
			FeeID:         p.FeeID,
			ApprovedBy:    userID,
			Decision:      req.Decision,
			Comments:      optionalText(req.Comments),
			ApprovedAt:    s.now(),
		}
		if err := s.approvals.Create(ctx, approval); err != nil {
			return err
		}
		if err := s.performance.UpdateState(ctx, p.ID, p.State); err != nil {
			return err
		}

		acks, err := s.acks.ListByPerformance(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, a := range acks {
			acknowledgers = append(acknowledgers, a.GMUserID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("performance_id", p.ID).
		Str("fee_id", p.FeeID).
		Str("decision", string(req.Decision)).
		Str("state", string(p.State)).
		Msg("CEO decision recorded")

	action := domain.AuditApprove
	if req.Decision == domain.CeoRejected {
		action = domain.AuditReject
	}
	s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityPerformance, p.ID, userID, action,
		map[string]any{"satisfaction_state": transition.From}, map[string]any{"satisfaction_state": transition.To}))
	s.metrics.Transition(domain.EntityPerformance, string(transition.From), string(transition.To))
	s.notifyUsers(ctx, acknowledgers, domain.Notification{
		Type:              domain.NotifyCeoDecision,
		Title:             fmt.Sprintf("CEO %s fee satisfaction", strings.ToLower(string(req.Decision))),
		Message:           fmt.Sprintf("Performance record %s is now %s.", p.ID, p.State),
		RelatedEntityType: domain.EntityPerformance,
		RelatedEntityID:   p.ID,
		Priority:          domain.PriorityHigh,
	})

	return &CeoDecisionResult{Approval: approval, Transition: transition}, nil
}

// ── Recomputation ─────────────────────────────────────────────────────────────

// EvaluatePerformance runs the recompute transition against the threshold
// applying today.
func (s *SatisfactionService) EvaluatePerformance(ctx context.Context, performanceID, userID string) (*PerformanceView, error) {
	if err := requireID("performance_id", performanceID); err != nil {
		return nil, err
	}
	if _, err := s.actor(ctx, userID); err != nil {
		return nil, err
	}
	return s.recompute(ctx, performanceID, userID, nil)
}

// UpdateMeasurement replaces a record's amounts and counts, then recomputes.
func (s *SatisfactionService) UpdateMeasurement(ctx context.Context, performanceID string, m domain.Measurement, userID string) (*PerformanceView, error) {
	if err := requireID("performance_id", performanceID); err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, userID, domain.OpUpdateMeasurement); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return s.recompute(ctx, performanceID, userID, &m)
}

// ReevaluateOpen recomputes every record that is still NOT_SATISFIED or
// CONDITIONALLY_ELIGIBLE. Records without an applicable threshold are skipped.
func (s *SatisfactionService) ReevaluateOpen(ctx context.Context) (int, error) {
	open, err := s.performance.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, p := range open {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		before := p.State
		view, err := s.recompute(ctx, p.ID, "", nil)
		if errors.Is(err, errors.ErrCodeNotFound) {
			s.log.Debug().Str("performance_id", p.ID).Msg("No applicable threshold; skipping")
			continue
		}
		if err != nil {
			return changed, err
		}
		if view.State != before {
			changed++
		}
	}
	return changed, nil
}

// recompute applies the optional measurement and the recompute trigger under
// the record's lock. Without an applicable threshold a measurement is still
// stored and the state is left alone; a bare recompute fails NotFound.
func (s *SatisfactionService) recompute(ctx context.Context, performanceID, userID string, m *domain.Measurement) (*PerformanceView, error) {
	unlock := s.locks.lock(performanceID)
	defer unlock()

	var (
		p          *domain.FeePerformance
		threshold  *domain.ResolvedThreshold
		transition domain.Transition
		before     *domain.FeePerformance
	)
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.performance.GetForUpdate(ctx, performanceID)
		if err != nil {
			return err
		}
		if m != nil {
			snapshot := *p
			before = &snapshot
			p.ApplyMeasurement(*m)
			if err := s.performance.UpdateMeasurement(ctx, p); err != nil {
				return err
			}
		}

		resolved, err := resolveThreshold(ctx, s.thresholds, p.FeeID, s.now())
		if errors.Is(err, errors.ErrCodeNotFound) && m != nil {
			s.log.Warn().Str("performance_id", p.ID).Msg("Measurement stored without an applicable threshold")
			return nil
		}
		if err != nil {
			return err
		}
		threshold = &resolved

		transition, err = p.Apply(domain.Event{
			Trigger:        domain.TriggerRecompute,
			MeetsThreshold: p.MeetsThreshold(resolved.Percentage),
		})
		if err != nil {
			return err
		}
		if !transition.Changed {
			return nil
		}
		return s.performance.UpdateState(ctx, p.ID, p.State)
	})
	if err != nil {
		return nil, err
	}

	if before != nil {
		s.appendAudit(ctx, domain.NewAuditEvent(domain.EntityPerformance, p.ID, userID, domain.AuditUpdate,
			measurementOf(before), measurementOf(p)))
	}
	if transition.Changed {
		s.recordTransition(ctx, p, transition, userID)
	}

	return &PerformanceView{FeePerformance: p, MatchingRatio: p.MatchingRatio(), Threshold: threshold}, nil
}

func (s *SatisfactionService) recordTransition(ctx context.Context, p *domain.FeePerformance, t domain.Transition, userID string) {
	s.log.Info().
		Str("performance_id", p.ID).
		Str("fee_id", p.FeeID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("trigger", string(t.Trigger)).
		Msg("Satisfaction state changed")
	s.metrics.Transition(domain.EntityPerformance, string(t.From), string(t.To))

	ev := domain.NewAuditEvent(domain.EntityPerformance, p.ID, userID, domain.AuditTransition,
		map[string]any{"satisfaction_state": t.From}, map[string]any{"satisfaction_state": t.To})
	ev.Metadata = map[string]any{"trigger": t.Trigger, "matching_ratio": p.MatchingRatio().String()}
	s.appendAudit(ctx, ev)
}

func measurementOf(p *domain.FeePerformance) domain.Measurement {
	return domain.Measurement{
		TotalCustomers:      p.TotalCustomers,
		ExemptedCustomers:   p.ExemptedCustomers,
		ChargeableCustomers: p.ChargeableCustomers,
		ExpectedAmount:      p.ExpectedAmount,
		CollectedAmount:     p.CollectedAmount,
		AccruedAmount:       p.AccruedAmount,
	}
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetPerformance returns a record with its matching ratio and, when one
// applies, the resolved threshold.
func (s *SatisfactionService) GetPerformance(ctx context.Context, performanceID string) (*PerformanceView, error) {
	if err := requireID("performance_id", performanceID); err != nil {
		return nil, err
	}
	p, err := s.performance.GetByID(ctx, performanceID)
	if err != nil {
		return nil, err
	}
	view := &PerformanceView{FeePerformance: p, MatchingRatio: p.MatchingRatio()}
	resolved, err := resolveThreshold(ctx, s.thresholds, p.FeeID, s.now())
	switch {
	case err == nil:
		view.Threshold = &resolved
	case !errors.Is(err, errors.ErrCodeNotFound):
		return nil, err
	}
	return view, nil
}

// ListAcknowledgments returns the acknowledgments on a record.
func (s *SatisfactionService) ListAcknowledgments(ctx context.Context, performanceID string) ([]*domain.GmAcknowledgment, error) {
	if err := requireID("performance_id", performanceID); err != nil {
		return nil, err
	}
	if _, err := s.performance.GetByID(ctx, performanceID); err != nil {
		return nil, err
	}
	return s.acks.ListByPerformance(ctx, performanceID)
}

// ListPendingForGM returns the CONDITIONALLY_ELIGIBLE records on fees the
// caller owns that they have not acknowledged yet.
func (s *SatisfactionService) ListPendingForGM(ctx context.Context, userID string) ([]*PerformanceView, error) {
	user, err := s.actor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Role.IsGM() {
		return nil, errors.Forbidden(fmt.Sprintf("role %s has no acknowledgment inbox", user.Role))
	}

	open, err := s.performance.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	owns := make(map[string]bool)
	pending := make([]*PerformanceView, 0)
	for _, p := range open {
		if p.State != domain.StateConditionallyEligible {
			continue
		}
		owner, seen := owns[p.FeeID]
		if !seen {
			owners, err := s.directory.FeeOwners(ctx, p.FeeID)
			if err != nil {
				return nil, err
			}
			owner = domain.NewQuorum(owners, nil).IsOwner(userID)
			owns[p.FeeID] = owner
		}
		if !owner {
			continue
		}
		acked, err := s.acks.Exists(ctx, p.ID, userID)
		if err != nil {
			return nil, err
		}
		if !acked {
			pending = append(pending, &PerformanceView{FeePerformance: p, MatchingRatio: p.MatchingRatio()})
		}
	}
	return pending, nil
}

// ListCeoApprovals returns the CEO decisions on a record.
func (s *SatisfactionService) ListCeoApprovals(ctx context.Context, performanceID string) ([]*domain.CeoApproval, error) {
	if err := requireID("performance_id", performanceID); err != nil {
		return nil, err
	}
	if _, err := s.performance.GetByID(ctx, performanceID); err != nil {
		return nil, err
	}
	return s.approvals.ListByPerformance(ctx, performanceID)
}
