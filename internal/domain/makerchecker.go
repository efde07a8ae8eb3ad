package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// ControlStatus is the state of a maker/checker control.
type ControlStatus string

const (
	ControlPending  ControlStatus = "pending"
	ControlApproved ControlStatus = "approved"
	ControlRejected ControlStatus = "rejected"
)

// Control is a two-party approval gate. The maker proposes, a different user
// checks.
type Control struct {
	MakerUserID   string        `json:"maker_user_id"`
	MakerAt       time.Time     `json:"maker_at"`
	CheckerUserID *string       `json:"checker_user_id,omitempty"`
	CheckerAt     *time.Time    `json:"checker_at,omitempty"`
	Status        ControlStatus `json:"status"`
}

// NewControl opens a pending control for maker.
func NewControl(maker string, at time.Time) Control {
	return Control{MakerUserID: maker, MakerAt: at, Status: ControlPending}
}

// Check records the checker's decision. The maker can never check their own
// proposal, whatever its status.
func (c *Control) Check(checker string, decision Decision, at time.Time) error {
	if checker == c.MakerUserID {
		return errors.Forbidden("maker cannot check their own proposal")
	}
	if c.Status != ControlPending {
		return errors.InvalidState(fmt.Sprintf("control is %s, expected %s", c.Status, ControlPending))
	}
	if err := decision.Validate(); err != nil {
		return err
	}
	c.CheckerUserID = &checker
	c.CheckerAt = &at
	c.Status = ControlStatus(decision)
	return nil
}

// LimitType says how an exemption limit is expressed.
type LimitType string

const (
	LimitPercentage LimitType = "PERCENTAGE"
	LimitValue      LimitType = "VALUE"
)

const defaultCurrency = "QAR"

// ExemptionLimit caps temporary exemptions for a fee. It takes effect only
// once a checker approves it.
type ExemptionLimit struct {
	ID         string          `json:"limit_id"`
	FeeID      string          `json:"fee_id"`
	LimitType  LimitType       `json:"limit_type"`
	LimitValue decimal.Decimal `json:"limit_value"`
	Currency   string          `json:"currency"`
	Control
	CreatedAt time.Time `json:"created_at"`
}

// LimitProposal is the maker's input for a new limit.
type LimitProposal struct {
	FeeID      string
	LimitType  LimitType
	LimitValue decimal.Decimal
	Currency   string
	MakerID    string
}

// NewExemptionLimit validates p and returns a pending limit.
func NewExemptionLimit(p LimitProposal, now time.Time) (*ExemptionLimit, error) {
	if strings.TrimSpace(p.FeeID) == "" {
		return nil, errors.InvalidInput("fee_id", "is required")
	}
	if p.LimitType != LimitPercentage && p.LimitType != LimitValue {
		return nil, errors.InvalidInput("limit_type", "must be PERCENTAGE or VALUE")
	}
	if !p.LimitValue.IsPositive() {
		return nil, errors.InvalidInput("limit_value", "must be positive")
	}
	if p.LimitType == LimitPercentage && p.LimitValue.GreaterThan(hundred) {
		return nil, errors.InvalidInput("limit_value", "percentage limit must not exceed 100")
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &ExemptionLimit{
		FeeID:      p.FeeID,
		LimitType:  p.LimitType,
		LimitValue: p.LimitValue,
		Currency:   currency,
		Control:    NewControl(p.MakerID, now),
		CreatedAt:  now,
	}, nil
}

// Permits reports whether an exemption of pct is within an approved
// percentage limit. Value limits and unapproved limits never block.
func (l *ExemptionLimit) Permits(pct decimal.Decimal) bool {
	if l.Status != ControlApproved || l.LimitType != LimitPercentage {
		return true
	}
	return pct.LessThanOrEqual(l.LimitValue)
}
