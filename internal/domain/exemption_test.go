package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func validRecommendation() ExemptionRecommendation {
	return ExemptionRecommendation{
		CustomerID:      "cust-1",
		FeeID:           "fee-1",
		StartDate:       date("2026-01-01"),
		EndDate:         date("2026-06-30"),
		Justification:   "long-standing client",
		RecommendedBy:   "rm-1",
		RecommenderRole: RoleRM,
	}
}

func TestNewTemporaryExemptionDefaults(t *testing.T) {
	now := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)
	e, err := NewTemporaryExemption(validRecommendation(), now)
	require.NoError(t, err)

	assert.Equal(t, ExemptionPending, e.Status)
	assert.Equal(t, ExemptionFull, e.ExemptionType)
	assert.True(t, decimal.NewFromInt(100).Equal(e.PercentageExempted))
	require.Len(t, e.ApprovalChain, 1)
	assert.Equal(t, ApprovalStep{Step: 1, Role: RoleRM, UserID: "rm-1", Action: ActionRecommended, Timestamp: now}, e.ApprovalChain[0])
	assert.Nil(t, e.ApprovedBy)
	assert.Nil(t, e.ActivatedAt)
}

func TestNewTemporaryExemptionValidation(t *testing.T) {
	pct := func(s string) *decimal.Decimal { d := dec(s); return &d }
	tests := []struct {
		name   string
		mutate func(r *ExemptionRecommendation)
		field  string
	}{
		{name: "end before start", mutate: func(r *ExemptionRecommendation) {
			r.StartDate, r.EndDate = date("2026-06-30"), date("2026-01-01")
		}, field: "end_date"},
		{name: "end equals start", mutate: func(r *ExemptionRecommendation) { r.EndDate = r.StartDate }, field: "end_date"},
		{name: "missing customer", mutate: func(r *ExemptionRecommendation) { r.CustomerID = " " }, field: "customer_id"},
		{name: "missing fee", mutate: func(r *ExemptionRecommendation) { r.FeeID = "" }, field: "fee_id"},
		{name: "blank justification", mutate: func(r *ExemptionRecommendation) { r.Justification = "  \n" }, field: "justification"},
		{name: "percentage above 100", mutate: func(r *ExemptionRecommendation) { r.PercentageExempted = pct("100.01") }, field: "percentage_exempted"},
		{name: "negative percentage", mutate: func(r *ExemptionRecommendation) { r.PercentageExempted = pct("-1") }, field: "percentage_exempted"},
		{name: "bad type", mutate: func(r *ExemptionRecommendation) { r.ExemptionType = "SOME" }, field: "exemption_type"},
		{name: "missing start", mutate: func(r *ExemptionRecommendation) { r.StartDate = time.Time{} }, field: "start_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecommendation()
			tt.mutate(&r)
			e, err := NewTemporaryExemption(r, time.Now())
			assert.Nil(t, e)
			require.Error(t, err)

			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, errors.ErrCodeValidation, appErr.Code)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestExemptionLifecycle(t *testing.T) {
	e, err := NewTemporaryExemption(validRecommendation(), time.Now())
	require.NoError(t, err)

	at := time.Date(2025, 12, 2, 10, 0, 0, 0, time.UTC)
	ok := "ok"
	require.NoError(t, e.Decide(RoleGMRetail, "gm-1", DecisionApproved, &ok, at))

	assert.Equal(t, ExemptionActive, e.Status)
	require.Len(t, e.ApprovalChain, 2)
	assert.Equal(t, 2, e.ApprovalChain[1].Step)
	assert.Equal(t, ActionApproved, e.ApprovalChain[1].Action)
	assert.Equal(t, "ok", *e.ApprovalChain[1].Comments)
	require.NotNil(t, e.ActivatedAt)
	assert.Equal(t, at, *e.ActivatedAt)
	assert.Equal(t, "gm-1", *e.ApprovedBy)
	assert.True(t, e.ApprovalChain.Contiguous())
}

func TestExemptionNeverReopens(t *testing.T) {
	for _, first := range []Decision{DecisionApproved, DecisionRejected} {
		e, err := NewTemporaryExemption(validRecommendation(), time.Now())
		require.NoError(t, err)
		require.NoError(t, e.Decide(RoleGMRetail, "gm-1", first, nil, time.Now()))
		status := e.Status
		chainLen := len(e.ApprovalChain)

		for _, second := range []Decision{DecisionApproved, DecisionRejected} {
			err := e.Decide(RoleGMCorporate, "gm-2", second, nil, time.Now())
			assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
			assert.Equal(t, status, e.Status)
			assert.Len(t, e.ApprovalChain, chainLen)
		}
	}
}

func TestExemptionRejectAndBadDecision(t *testing.T) {
	e, err := NewTemporaryExemption(validRecommendation(), time.Now())
	require.NoError(t, err)

	err = e.Decide(RoleGMRetail, "gm-1", "maybe", nil, time.Now())
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	assert.Len(t, e.ApprovalChain, 1)

	require.NoError(t, e.Decide(RoleGMRetail, "gm-1", DecisionRejected, nil, time.Now()))
	assert.Equal(t, ExemptionRejected, e.Status)
	assert.Nil(t, e.ActivatedAt)
	assert.Equal(t, ActionRejected, e.ApprovalChain[1].Action)
}

func TestEffectiveStatus(t *testing.T) {
	e, err := NewTemporaryExemption(validRecommendation(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, ExemptionPending, e.EffectiveStatus(date("2027-01-01")))

	require.NoError(t, e.Decide(RoleGMRetail, "gm-1", DecisionApproved, nil, time.Now()))
	assert.Equal(t, ExemptionActive, e.EffectiveStatus(date("2026-06-30")))
	assert.Equal(t, ExemptionExpired, e.EffectiveStatus(date("2026-07-01")))
	assert.Equal(t, ExemptionActive, e.Status)
}

func TestApprovalChainAppendIsContiguous(t *testing.T) {
	var c ApprovalChain
	for i := 0; i < 5; i++ {
		c = c.Append(RoleRM, "u", ActionRecommended, nil, time.Now())
		assert.Len(t, c, i+1)
	}
	assert.True(t, c.Contiguous())

	c[2].Step = 9
	assert.False(t, c.Contiguous())
}
