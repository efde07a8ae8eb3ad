package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// ExemptionType says whether an exemption waives the whole fee or part of it.
type ExemptionType string

const (
	ExemptionFull    ExemptionType = "FULL"
	ExemptionPartial ExemptionType = "PARTIAL"
)

// ExemptionStatus is the lifecycle status of a temporary exemption.
type ExemptionStatus string

const (
	ExemptionPending  ExemptionStatus = "pending"
	ExemptionActive   ExemptionStatus = "active"
	ExemptionExpired  ExemptionStatus = "expired"
	ExemptionRejected ExemptionStatus = "rejected"
)

// ChainAction is what a participant did at one approval step.
type ChainAction string

const (
	ActionRecommended ChainAction = "recommended"
	ActionApproved    ChainAction = "approved"
	ActionRejected    ChainAction = "rejected"
)

// ApprovalStep is one entry in an exemption's approval chain.
type ApprovalStep struct {
	Step      int         `json:"step"`
	Role      Role        `json:"role"`
	UserID    string      `json:"user_id"`
	Action    ChainAction `json:"action"`
	Comments  *string     `json:"comments,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ApprovalChain is the ordered, append-only provenance of an exemption.
type ApprovalChain []ApprovalStep

// Append returns the chain with a new step numbered after the last one.
func (c ApprovalChain) Append(role Role, userID string, action ChainAction, comments *string, at time.Time) ApprovalChain {
	return append(c, ApprovalStep{
		Step:      len(c) + 1,
		Role:      role,
		UserID:    userID,
		Action:    action,
		Comments:  comments,
		Timestamp: at,
	})
}

// Contiguous reports whether steps are numbered 1..n in order.
func (c ApprovalChain) Contiguous() bool {
	for i, s := range c {
		if s.Step != i+1 {
			return false
		}
	}
	return true
}

// TemporaryExemption waives a fee for one customer over a finite window.
type TemporaryExemption struct {
	ID                 string          `json:"exemption_id"`
	CustomerID         string          `json:"customer_id"`
	FeeID              string          `json:"fee_id"`
	ExemptionType      ExemptionType   `json:"exemption_type"`
	PercentageExempted decimal.Decimal `json:"percentage_exempted"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	Justification      string          `json:"justification"`
	RecommendedBy      string          `json:"recommended_by"`
	ApprovedBy         *string         `json:"approved_by,omitempty"`
	ApprovalChain      ApprovalChain   `json:"approval_chain"`
	Status             ExemptionStatus `json:"status"`
	ActivatedAt        *time.Time      `json:"activated_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ExemptionRecommendation is the input for a new temporary exemption.
type ExemptionRecommendation struct {
	CustomerID         string
	FeeID              string
	ExemptionType      ExemptionType
	PercentageExempted *decimal.Decimal
	StartDate          time.Time
	EndDate            time.Time
	Justification      string
	RecommendedBy      string
	RecommenderRole    Role
}

// NewTemporaryExemption validates rec and returns a pending exemption whose
// chain holds the recommendation as step 1.
func NewTemporaryExemption(rec ExemptionRecommendation, now time.Time) (*TemporaryExemption, error) {
	if strings.TrimSpace(rec.CustomerID) == "" {
		return nil, errors.InvalidInput("customer_id", "is required")
	}
	if strings.TrimSpace(rec.FeeID) == "" {
		return nil, errors.InvalidInput("fee_id", "is required")
	}

	typ := rec.ExemptionType
	if typ == "" {
		typ = ExemptionFull
	}
	if typ != ExemptionFull && typ != ExemptionPartial {
		return nil, errors.InvalidInput("exemption_type", "must be FULL or PARTIAL")
	}

	pct := hundred
	if rec.PercentageExempted != nil {
		pct = *rec.PercentageExempted
	}
	if err := validatePercentage("percentage_exempted", pct); err != nil {
		return nil, err
	}

	if rec.StartDate.IsZero() {
		return nil, errors.InvalidInput("start_date", "is required")
	}
	if rec.EndDate.IsZero() {
		return nil, errors.InvalidInput("end_date", "is required")
	}
	start, end := DateOf(rec.StartDate), DateOf(rec.EndDate)
	if !end.After(start) {
		return nil, errors.InvalidInput("end_date", "must be after start_date")
	}

	justification := strings.TrimSpace(rec.Justification)
	if justification == "" {
		return nil, errors.InvalidInput("justification", "is required")
	}

	return &TemporaryExemption{
		CustomerID:         rec.CustomerID,
		FeeID:              rec.FeeID,
		ExemptionType:      typ,
		PercentageExempted: pct,
		StartDate:          start,
		EndDate:            end,
		Justification:      justification,
		RecommendedBy:      rec.RecommendedBy,
		ApprovalChain:      ApprovalChain{}.Append(rec.RecommenderRole, rec.RecommendedBy, ActionRecommended, nil, now),
		Status:             ExemptionPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Decide approves or rejects a pending exemption and records the step. It is
// the only mutation of Status; a decided exemption never reopens.
func (e *TemporaryExemption) Decide(role Role, userID string, decision Decision, comments *string, at time.Time) error {
	if err := decision.Validate(); err != nil {
		return err
	}
	if e.Status != ExemptionPending {
		return errors.InvalidState(fmt.Sprintf("exemption is %s, expected %s", e.Status, ExemptionPending))
	}

	action := ActionApproved
	if decision == DecisionRejected {
		action = ActionRejected
	}
	e.ApprovalChain = e.ApprovalChain.Append(role, userID, action, comments, at)
	e.ApprovedBy = &userID
	e.UpdatedAt = at

	if decision == DecisionApproved {
		e.Status = ExemptionActive
		e.ActivatedAt = &at
	} else {
		e.Status = ExemptionRejected
	}
	return nil
}

// EffectiveStatus reports expired for an active exemption whose end date has
// passed. The stored status is left alone.
func (e *TemporaryExemption) EffectiveStatus(asOf time.Time) ExemptionStatus {
	if e.Status == ExemptionActive && DateOf(e.EndDate).Before(DateOf(asOf)) {
		return ExemptionExpired
	}
	return e.Status
}
