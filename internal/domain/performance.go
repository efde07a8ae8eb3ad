package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// SatisfactionState is the governance stage of a fee performance record.
type SatisfactionState string

const (
	StateNotSatisfied          SatisfactionState = "NOT_SATISFIED"
	StateConditionallyEligible SatisfactionState = "CONDITIONALLY_ELIGIBLE"
	StatePendingCeoApproval    SatisfactionState = "PENDING_CEO_APPROVAL"
	StateSatisfied             SatisfactionState = "SATISFIED"
)

// Valid reports whether s is a known state.
func (s SatisfactionState) Valid() bool {
	switch s {
	case StateNotSatisfied, StateConditionallyEligible, StatePendingCeoApproval, StateSatisfied:
		return true
	}
	return false
}

// MeasurementPeriod is the length of a measurement cycle.
type MeasurementPeriod string

const (
	PeriodAnnual    MeasurementPeriod = "ANNUAL"
	PeriodQuarterly MeasurementPeriod = "QUARTERLY"
	PeriodMonthly   MeasurementPeriod = "MONTHLY"
)

var hundred = decimal.NewFromInt(100)

// FeePerformance is one measurement snapshot for a fee over a period.
type FeePerformance struct {
	ID                  string            `json:"performance_id"`
	FeeID               string            `json:"fee_id"`
	MeasurementPeriod   MeasurementPeriod `json:"measurement_period"`
	PeriodStart         time.Time         `json:"period_start"`
	PeriodEnd           time.Time         `json:"period_end"`
	TotalCustomers      int               `json:"total_customers"`
	ExemptedCustomers   int               `json:"exempted_customers"`
	ChargeableCustomers int               `json:"chargeable_customers"`
	ExpectedAmount      decimal.Decimal   `json:"expected_amount"`
	CollectedAmount     decimal.Decimal   `json:"collected_amount"`
	AccruedAmount       decimal.Decimal   `json:"accrued_amount"`
	State               SatisfactionState `json:"satisfaction_state"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// MatchingRatio returns (collected+accrued)/expected*100 rounded half-up to two
// places, or zero when nothing was expected. It is always derived from the
// amounts.
func (p *FeePerformance) MatchingRatio() decimal.Decimal {
	return MatchingRatio(p.ExpectedAmount, p.CollectedAmount, p.AccruedAmount)
}

// MatchingRatio computes the matching ratio for the given amounts.
func MatchingRatio(expected, collected, accrued decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		return decimal.Zero
	}
	return collected.Add(accrued).Mul(hundred).Div(expected).Round(2)
}

// MeetsThreshold reports whether the record's matching ratio reaches threshold.
func (p *FeePerformance) MeetsThreshold(threshold decimal.Decimal) bool {
	return p.MatchingRatio().GreaterThanOrEqual(threshold)
}

// Measurement holds the inputs a finance GM may replace on a record.
type Measurement struct {
	TotalCustomers      int             `json:"total_customers"`
	ExemptedCustomers   int             `json:"exempted_customers"`
	ChargeableCustomers int             `json:"chargeable_customers"`
	ExpectedAmount      decimal.Decimal `json:"expected_amount"`
	CollectedAmount     decimal.Decimal `json:"collected_amount"`
	AccruedAmount       decimal.Decimal `json:"accrued_amount"`
}

// Validate rejects negative counts and amounts, and amounts with more than two
// decimal places.
func (m Measurement) Validate() error {
	counts := []struct {
		field string
		v     int
	}{
		{"total_customers", m.TotalCustomers},
		{"exempted_customers", m.ExemptedCustomers},
		{"chargeable_customers", m.ChargeableCustomers},
	}
	for _, c := range counts {
		if c.v < 0 {
			return errors.InvalidInput(c.field, "must not be negative")
		}
	}
	amounts := []struct {
		field string
		v     decimal.Decimal
	}{
		{"expected_amount", m.ExpectedAmount},
		{"collected_amount", m.CollectedAmount},
		{"accrued_amount", m.AccruedAmount},
	}
	for _, a := range amounts {
		if a.v.IsNegative() {
			return errors.InvalidInput(a.field, "must not be negative")
		}
		if !a.v.Equal(a.v.Round(2)) {
			return errors.InvalidInput(a.field, "must have at most two decimal places")
		}
	}
	return nil
}

// ApplyMeasurement replaces the record's counts and amounts. The state is left
// to the next recompute.
func (p *FeePerformance) ApplyMeasurement(m Measurement) {
	p.TotalCustomers = m.TotalCustomers
	p.ExemptedCustomers = m.ExemptedCustomers
	p.ChargeableCustomers = m.ChargeableCustomers
	p.ExpectedAmount = m.ExpectedAmount
	p.CollectedAmount = m.CollectedAmount
	p.AccruedAmount = m.AccruedAmount
}

// ── State machine ───────────────────────────────────────────────────────────

// Trigger is an input to the satisfaction state machine.
type Trigger string

const (
	TriggerRecompute     Trigger = "RECOMPUTE"
	TriggerQuorumReached Trigger = "QUORUM_REACHED"
	TriggerCeoApproved   Trigger = "CEO_APPROVED"
	TriggerCeoRejected   Trigger = "CEO_REJECTED"
)

// Event carries a trigger and the facts its guard needs.
type Event struct {
	Trigger Trigger
	// MeetsThreshold is the outcome of comparing the matching ratio with the
	// applicable threshold. Used by TriggerRecompute.
	MeetsThreshold bool
	// RequiredOwners is the number of distinct GM owners of the fee. Used by
	// TriggerQuorumReached.
	RequiredOwners int
}

// Transition describes the outcome of applying an event.
type Transition struct {
	From    SatisfactionState `json:"from"`
	To      SatisfactionState `json:"to"`
	Trigger Trigger           `json:"trigger"`
	Changed bool              `json:"changed"`
}

// NextState evaluates the transition table. A recompute never moves a record
// that is pending CEO approval or satisfied; it only settles the boundary
// between NOT_SATISFIED and CONDITIONALLY_ELIGIBLE.
func NextState(from SatisfactionState, ev Event) (SatisfactionState, error) {
	switch ev.Trigger {
	case TriggerRecompute:
		switch from {
		case StateNotSatisfied, StateConditionallyEligible:
			if ev.MeetsThreshold {
				return StateConditionallyEligible, nil
			}
			return StateNotSatisfied, nil
		case StatePendingCeoApproval, StateSatisfied:
			return from, nil
		}

	case TriggerQuorumReached:
		if from != StateConditionallyEligible {
			return from, errors.InvalidState(fmt.Sprintf("quorum cannot be applied in state %s", from))
		}
		if ev.RequiredOwners <= 0 {
			return from, errors.InvalidState("fee has no GM owners; quorum cannot be reached")
		}
		return StatePendingCeoApproval, nil

	case TriggerCeoApproved, TriggerCeoRejected:
		if from != StatePendingCeoApproval {
			return from, errors.InvalidState(fmt.Sprintf("CEO decision requires state %s, record is %s", StatePendingCeoApproval, from))
		}
		if ev.Trigger == TriggerCeoApproved {
			return StateSatisfied, nil
		}
		return StateConditionallyEligible, nil

	default:
		return from, errors.InvalidInput("trigger", fmt.Sprintf("unknown trigger %q", ev.Trigger))
	}

	return from, errors.InvalidState(fmt.Sprintf("unknown state %q", from))
}

// Apply runs ev through the state machine and updates the record's state. It is
// the only place State is written after creation.
func (p *FeePerformance) Apply(ev Event) (Transition, error) {
	to, err := NextState(p.State, ev)
	if err != nil {
		return Transition{}, err
	}
	t := Transition{From: p.State, To: to, Trigger: ev.Trigger, Changed: to != p.State}
	p.State = to
	return t, nil
}

// ── Acknowledgments & CEO approvals ─────────────────────────────────────────

// GmAcknowledgment is one GM's sign-off on a performance record.
type GmAcknowledgment struct {
	ID            string    `json:"acknowledgment_id"`
	PerformanceID string    `json:"performance_id"`
	FeeID         string    `json:"fee_id"`
	GMUserID      string    `json:"gm_user_id"`
	Notes         string    `json:"notes"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// CeoDecision is the CEO's verdict on a record pending approval.
type CeoDecision string

const (
	CeoApproved CeoDecision = "APPROVED"
	CeoRejected CeoDecision = "REJECTED"
)

// Trigger maps the decision onto the state machine.
func (d CeoDecision) Trigger() (Trigger, error) {
	switch d {
	case CeoApproved:
		return TriggerCeoApproved, nil
	case CeoRejected:
		return TriggerCeoRejected, nil
	}
	return "", errors.InvalidInput("decision", "must be APPROVED or REJECTED")
}

// CeoApproval is an append-only record of a CEO decision.
type CeoApproval struct {
	ID            string      `json:"approval_id"`
	PerformanceID string      `json:"performance_id"`
	FeeID         string      `json:"fee_id"`
	ApprovedBy    string      `json:"approved_by"`
	Decision      CeoDecision `json:"decision"`
	Comments      *string     `json:"comments,omitempty"`
	ApprovedAt    time.Time   `json:"approved_at"`
}
