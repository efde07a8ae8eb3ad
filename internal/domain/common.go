// Package domain holds the fee governance entities and the rules that move
// them between states. Nothing here touches storage or transport.
package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// Decision is a reviewer's lower-case verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Validate rejects anything other than approved or rejected.
func (d Decision) Validate() error {
	if d != DecisionApproved && d != DecisionRejected {
		return errors.InvalidInput("decision", "must be approved or rejected")
	}
	return nil
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.InvalidInput(field, "must be a YYYY-MM-DD date")
	}
	return t, nil
}

func validatePercentage(field string, pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return errors.InvalidInput(field, "must be between 0 and 100")
	}
	return nil
}

// User is an entry in the identity directory.
type User struct {
	ID       string `json:"user_id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role_code"`
	Status   string `json:"status"`
}

// Active reports whether the user may act.
func (u *User) Active() bool { return u.Status == "" || u.Status == "active" }

// Fee is a fee definition as seen by the governance core.
type Fee struct {
	ID     string  `json:"fee_id"`
	Code   string  `json:"fee_code"`
	Name   string  `json:"fee_name"`
	Status string  `json:"status"`
	OrgID  *string `json:"org_id,omitempty"`
}
