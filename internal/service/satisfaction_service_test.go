package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedGlobal(h *harness, year int, pct string) {
	h.thresholds.globals = append(h.thresholds.globals, &domain.GlobalThreshold{
		ID:         uuid.NewString(),
		Year:       year,
		Percentage: dec(pct),
		SetBy:      userCEO,
		SetAt:      testNow,
	})
}

// seedPerformance stores a record with the given state and amounts; collected
// plus accrued over expected is the matching ratio.
func seedPerformance(h *harness, state domain.SatisfactionState, expected, collected, accrued string) *domain.FeePerformance {
	return h.performance.put(domain.FeePerformance{
		FeeID:             feeID,
		MeasurementPeriod: domain.PeriodAnnual,
		PeriodStart:       domain.DateOf(testNow.AddDate(-1, 0, 0)),
		PeriodEnd:         domain.DateOf(testNow),
		ExpectedAmount:    dec(expected),
		CollectedAmount:   dec(collected),
		AccruedAmount:     dec(accrued),
		State:             state,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	})
}

func acknowledge(h *harness, p *domain.FeePerformance, userID string) (*AcknowledgeResult, error) {
	return h.satisfaction.Acknowledge(context.Background(), AcknowledgeRequest{
		PerformanceID: p.ID,
		FeeID:         p.FeeID,
		Notes:         "reviewed",
	}, userID)
}

func TestSatisfactionHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seedGlobal(h, 2026, "98")
	p := seedPerformance(h, domain.StateNotSatisfied, "1000", "900", "90")

	view, err := h.satisfaction.EvaluatePerformance(ctx, p.ID, userGMA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConditionallyEligible, view.State)
	assert.True(t, dec("99").Equal(view.MatchingRatio))
	require.NotNil(t, view.Threshold)
	assert.Equal(t, domain.SourceGlobal, view.Threshold.Source)

	res, err := acknowledge(h, p, userGMA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConditionallyEligible, res.State)
	assert.Equal(t, 1, res.Acknowledged)
	assert.Equal(t, 2, res.Required)
	assert.False(t, res.QuorumReached)
	assert.Equal(t, []string{userGMB}, res.Outstanding)
	assert.Empty(t, h.notifier.recipients(domain.NotifyCeoApprovalRequired))

	res, err = acknowledge(h, p, userGMB)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingCeoApproval, res.State)
	assert.Equal(t, 2, res.Acknowledged)
	assert.True(t, res.QuorumReached)
	assert.Equal(t, domain.StatePendingCeoApproval, h.performance.state(p.ID))
	assert.Equal(t, []string{userCEO}, h.notifier.recipients(domain.NotifyCeoApprovalRequired))

	dr, err := h.satisfaction.DecideAsCeo(ctx, CeoDecisionRequest{
		PerformanceID: p.ID,
		FeeID:         p.FeeID,
		Decision:      domain.CeoApproved,
		Comments:      "well done",
	}, userCEO)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSatisfied, dr.Transition.To)
	assert.Equal(t, domain.StateSatisfied, h.performance.state(p.ID))

	approvals, err := h.satisfaction.ListCeoApprovals(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, domain.CeoApproved, approvals[0].Decision)
	require.NotNil(t, approvals[0].Comments)
	assert.Equal(t, "well done", *approvals[0].Comments)

	assert.Equal(t, []string{userGMA, userGMB}, h.notifier.recipients(domain.NotifyCeoDecision))
	assert.Contains(t, h.audit.actions(p.ID), domain.AuditApprove)
}

func TestCeoRejectionReturnsToConditionallyEligible(t *testing.T) {
	h := newHarness()
	seedGlobal(h, 2026, "98")
	p := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")

	_, err := acknowledge(h, p, userGMA)
	require.NoError(t, err)
	_, err = acknowledge(h, p, userGMB)
	require.NoError(t, err)

	dr, err := h.satisfaction.DecideAsCeo(context.Background(), CeoDecisionRequest{
		PerformanceID: p.ID,
		FeeID:         p.FeeID,
		Decision:      domain.CeoRejected,
	}, userCEO)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConditionallyEligible, dr.Transition.To)
	assert.Equal(t, domain.StateConditionallyEligible, h.performance.state(p.ID))
	assert.Nil(t, dr.Approval.Comments)
	assert.Contains(t, h.audit.actions(p.ID), domain.AuditReject)

	// Acknowledgments survive the rejection, so the record cannot be
	// re-acknowledged back into PENDING_CEO_APPROVAL.
	_, err = acknowledge(h, p, userGMA)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDuplicate, errors.CodeOf(err))
	acks, err := h.satisfaction.ListAcknowledgments(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, acks, 2)
	assert.Equal(t, domain.StateConditionallyEligible, h.performance.state(p.ID))

	pending, err := h.satisfaction.ListPendingForGM(context.Background(), userGMB)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAcknowledgeTwiceIsDuplicate(t *testing.T) {
	h := newHarness()
	p := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")

	_, err := acknowledge(h, p, userGMA)
	require.NoError(t, err)

	_, err = acknowledge(h, p, userGMA)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDuplicate, errors.CodeOf(err))

	acks, err := h.satisfaction.ListAcknowledgments(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, acks, 1)
	assert.Equal(t, domain.StateConditionallyEligible, h.performance.state(p.ID))
}

func TestQuorumIsOrderIndependent(t *testing.T) {
	owners := []string{userGMA, userGMB, userGMC}
	orders := [][]string{
		{userGMA, userGMB, userGMC},
		{userGMA, userGMC, userGMB},
		{userGMB, userGMA, userGMC},
		{userGMB, userGMC, userGMA},
		{userGMC, userGMA, userGMB},
		{userGMC, userGMB, userGMA},
	}

	for _, order := range orders {
		h := newHarness()
		h.dir.owners[feeID] = owners
		p := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")

		var last *AcknowledgeResult
		for i, user := range order {
			res, err := acknowledge(h, p, user)
			require.NoError(t, err)
			assert.Equal(t, i+1, res.Acknowledged)
			if i < len(order)-1 {
				assert.Equal(t, domain.StateConditionallyEligible, res.State)
			}
			last = res
		}
		assert.Equal(t, domain.StatePendingCeoApproval, last.State, "order %v", order)
		assert.Equal(t, 3, last.Acknowledged)
		assert.Empty(t, last.Outstanding)
	}
}

func TestAcknowledgeGuards(t *testing.T) {
	tests := []struct {
		name  string
		state domain.SatisfactionState
		fee   string
		user  string
		notes string
		code  string
	}{
		{"non-GM role", domain.StateConditionallyEligible, feeID, userRM, "ok", errors.ErrCodeForbidden},
		{"GM that does not own the fee", domain.StateConditionallyEligible, feeID, userGMC, "ok", errors.ErrCodeForbidden},
		{"unknown user", domain.StateConditionallyEligible, feeID, missingID, "ok", errors.ErrCodeForbidden},
		{"inactive user", domain.StateConditionallyEligible, feeID, userInactive, "ok", errors.ErrCodeForbidden},
		{"blank notes", domain.StateConditionallyEligible, feeID, userGMA, "  ", errors.ErrCodeValidation},
		{"fee mismatch", domain.StateConditionallyEligible, orphanFee, userGMA, "ok", errors.ErrCodeValidation},
		{"malformed fee id", domain.StateConditionallyEligible, "fee-1", userGMA, "ok", errors.ErrCodeValidation},
		{"record not yet eligible", domain.StateNotSatisfied, feeID, userGMA, "ok", errors.ErrCodeInvalidState},
		{"record already pending", domain.StatePendingCeoApproval, feeID, userGMA, "ok", errors.ErrCodeInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			p := seedPerformance(h, tt.state, "100", "99", "0")

			_, err := h.satisfaction.Acknowledge(context.Background(), AcknowledgeRequest{
				PerformanceID: p.ID,
				FeeID:         tt.fee,
				Notes:         tt.notes,
			}, tt.user)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Equal(t, tt.state, h.performance.state(p.ID))
			assert.Empty(t, h.acks.rows)
		})
	}
}

func TestZeroOwnerFeeNeverReachesQuorum(t *testing.T) {
	h := newHarness()
	p := h.performance.put(domain.FeePerformance{
		FeeID:          orphanFee,
		ExpectedAmount: dec("100"),
		State:          domain.StateConditionallyEligible,
	})

	_, err := h.satisfaction.Acknowledge(context.Background(), AcknowledgeRequest{
		PerformanceID: p.ID,
		FeeID:         orphanFee,
		Notes:         "no owners",
	}, userGMA)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))
	assert.Equal(t, domain.StateConditionallyEligible, h.performance.state(p.ID))
}

func TestCeoDecisionStateGuard(t *testing.T) {
	for _, state := range []domain.SatisfactionState{
		domain.StateNotSatisfied,
		domain.StateConditionallyEligible,
		domain.StateSatisfied,
	} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness()
			p := seedPerformance(h, state, "100", "99", "0")

			_, err := h.satisfaction.DecideAsCeo(context.Background(), CeoDecisionRequest{
				PerformanceID: p.ID,
				FeeID:         p.FeeID,
				Decision:      domain.CeoApproved,
			}, userCEO)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
			assert.Equal(t, state, h.performance.state(p.ID))
			assert.Empty(t, h.approvals.rows)
		})
	}
}

func TestCeoDecisionRequiresCeo(t *testing.T) {
	h := newHarness()
	p := seedPerformance(h, domain.StatePendingCeoApproval, "100", "99", "0")

	_, err := h.satisfaction.DecideAsCeo(context.Background(), CeoDecisionRequest{
		PerformanceID: p.ID,
		FeeID:         p.FeeID,
		Decision:      domain.CeoApproved,
	}, userGMA)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))
	assert.Equal(t, domain.StatePendingCeoApproval, h.performance.state(p.ID))

	_, err = h.satisfaction.DecideAsCeo(context.Background(), CeoDecisionRequest{
		PerformanceID: p.ID,
		FeeID:         p.FeeID,
		Decision:      "MAYBE",
	}, userCEO)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
}

func TestEvaluatePerformance(t *testing.T) {
	ctx := context.Background()

	t.Run("fee-specific exception wins over global", func(t *testing.T) {
		h := newHarness()
		seedGlobal(h, 2026, "98")
		h.thresholds.putException(domain.FeeThresholdException{
			FeeID:              feeID,
			RequestedThreshold: dec("99.5"),
			StartDate:          domain.DateOf(testNow.AddDate(0, -1, 0)),
			EndDate:            domain.DateOf(testNow.AddDate(0, 1, 0)),
			Status:             domain.ExceptionApproved,
			CreatedAt:          testNow,
		})
		p := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")

		view, err := h.satisfaction.EvaluatePerformance(ctx, p.ID, userGMA)
		require.NoError(t, err)
		assert.Equal(t, domain.StateNotSatisfied, view.State)
		assert.Equal(t, domain.SourceFeeSpecific, view.Threshold.Source)
		assert.Equal(t, []string{domain.AuditTransition}, h.audit.actions(p.ID))
	})

	t.Run("pending records are left alone", func(t *testing.T) {
		h := newHarness()
		seedGlobal(h, 2026, "98")
		p := seedPerformance(h, domain.StatePendingCeoApproval, "100", "10", "0")

		view, err := h.satisfaction.EvaluatePerformance(ctx, p.ID, userGMA)
		require.NoError(t, err)
		assert.Equal(t, domain.StatePendingCeoApproval, view.State)
		assert.Empty(t, h.audit.actions(p.ID))
	})

	t.Run("no threshold", func(t *testing.T) {
		h := newHarness()
		p := seedPerformance(h, domain.StateNotSatisfied, "100", "99", "0")

		_, err := h.satisfaction.EvaluatePerformance(ctx, p.ID, userGMA)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	})

	t.Run("unknown record", func(t *testing.T) {
		h := newHarness()
		_, err := h.satisfaction.EvaluatePerformance(ctx, missingID, userGMA)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	})
}

func TestUpdateMeasurement(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	seedGlobal(h, 2026, "98")
	p := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")

	m := domain.Measurement{
		TotalCustomers:      10,
		ChargeableCustomers: 10,
		ExpectedAmount:      dec("200"),
		CollectedAmount:     dec("150"),
		AccruedAmount:       dec("10"),
	}

	_, err := h.satisfaction.UpdateMeasurement(ctx, p.ID, m, userGMA)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))

	bad := m
	bad.AccruedAmount = dec("-1")
	_, err = h.satisfaction.UpdateMeasurement(ctx, p.ID, bad, userFinance)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))

	bad = m
	bad.CollectedAmount = dec("150.005")
	_, err = h.satisfaction.UpdateMeasurement(ctx, p.ID, bad, userFinance)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
	assert.Equal(t, domain.StateConditionallyEligible, h.performance.state(p.ID))

	view, err := h.satisfaction.UpdateMeasurement(ctx, p.ID, m, userFinance)
	require.NoError(t, err)
	assert.True(t, dec("80").Equal(view.MatchingRatio))
	assert.Equal(t, domain.StateNotSatisfied, view.State)

	stored, err := h.satisfaction.GetPerformance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(stored.ExpectedAmount))
	assert.Equal(t, domain.StateNotSatisfied, stored.State)
	assert.Equal(t, []string{domain.AuditUpdate, domain.AuditTransition}, h.audit.actions(p.ID))
}

func TestUpdateMeasurementWithoutThresholdKeepsState(t *testing.T) {
	h := newHarness()
	p := seedPerformance(h, domain.StateNotSatisfied, "100", "10", "0")

	view, err := h.satisfaction.UpdateMeasurement(context.Background(), p.ID, domain.Measurement{
		ExpectedAmount:  dec("100"),
		CollectedAmount: dec("100"),
	}, userFinance)
	require.NoError(t, err)
	assert.Nil(t, view.Threshold)
	assert.Equal(t, domain.StateNotSatisfied, view.State)
	assert.True(t, dec("100").Equal(view.MatchingRatio))
}

func TestReevaluateOpen(t *testing.T) {
	h := newHarness()
	seedGlobal(h, 2026, "98")
	up := seedPerformance(h, domain.StateNotSatisfied, "100", "99", "0")
	down := seedPerformance(h, domain.StateConditionallyEligible, "100", "50", "0")
	same := seedPerformance(h, domain.StateNotSatisfied, "100", "50", "0")
	done := seedPerformance(h, domain.StateSatisfied, "100", "10", "0")

	changed, err := h.satisfaction.ReevaluateOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, changed)
	assert.Equal(t, domain.StateConditionallyEligible, h.performance.state(up.ID))
	assert.Equal(t, domain.StateNotSatisfied, h.performance.state(down.ID))
	assert.Equal(t, domain.StateNotSatisfied, h.performance.state(same.ID))
	assert.Equal(t, domain.StateSatisfied, h.performance.state(done.ID))
}

func TestSideEffectFailuresDoNotRollBack(t *testing.T) {
	h := newHarness()
	h.notifier.err = stderrors.New("queue full")
	h.audit.err = stderrors.New("audit store down")
	p := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")

	_, err := acknowledge(h, p, userGMA)
	require.NoError(t, err)
	res, err := acknowledge(h, p, userGMB)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingCeoApproval, res.State)
	assert.Equal(t, domain.StatePendingCeoApproval, h.performance.state(p.ID))
}

func TestGetPerformanceWithoutThreshold(t *testing.T) {
	h := newHarness()
	p := seedPerformance(h, domain.StateNotSatisfied, "0", "0", "0")

	view, err := h.satisfaction.GetPerformance(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Threshold)
	assert.True(t, view.MatchingRatio.IsZero())

	_, err = h.satisfaction.GetPerformance(context.Background(), "not-a-uuid")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
}

func TestConcurrentAcknowledgmentsReachQuorumOnce(t *testing.T) {
	h := newHarness()
	p := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")

	callers := []string{userGMA, userGMB, userGMA, userGMB, userGMA, userGMB}
	errs := make([]error, len(callers))
	var wg sync.WaitGroup
	for i, userID := range callers {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			_, errs[i] = acknowledge(h, p, userID)
		}(i, userID)
	}
	wg.Wait()

	succeeded := map[string]int{}
	duplicates := 0
	for i, err := range errs {
		if err == nil {
			succeeded[callers[i]]++
			continue
		}
		assert.Equal(t, errors.ErrCodeDuplicate, errors.CodeOf(err))
		duplicates++
	}
	assert.Equal(t, map[string]int{userGMA: 1, userGMB: 1}, succeeded)
	assert.Equal(t, len(callers)-2, duplicates)
	assert.Equal(t, domain.StatePendingCeoApproval, h.performance.state(p.ID))
	assert.Equal(t, []string{userCEO}, h.notifier.recipients(domain.NotifyCeoApprovalRequired))
}

func TestListPendingForGM(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	open := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")
	acked := seedPerformance(h, domain.StateConditionallyEligible, "100", "99", "0")
	seedPerformance(h, domain.StateNotSatisfied, "100", "50", "0")
	h.performance.put(domain.FeePerformance{
		FeeID:          orphanFee,
		ExpectedAmount: dec("100"),
		State:          domain.StateConditionallyEligible,
	})

	_, err := acknowledge(h, acked, userGMA)
	require.NoError(t, err)

	pending, err := h.satisfaction.ListPendingForGM(ctx, userGMA)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.ID, pending[0].ID)
	assert.True(t, dec("99").Equal(pending[0].MatchingRatio))

	pending, err = h.satisfaction.ListPendingForGM(ctx, userGMB)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pending, err = h.satisfaction.ListPendingForGM(ctx, userGMC)
	require.NoError(t, err)
	assert.NotNil(t, pending)
	assert.Empty(t, pending)

	_, err = h.satisfaction.ListPendingForGM(ctx, userCEO)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))
}
