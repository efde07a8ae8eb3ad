package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// GlobalThreshold is the CEO-set minimum matching ratio for a calendar year.
type GlobalThreshold struct {
	ID               string          `json:"setting_id"`
	Year             int             `json:"threshold_year"`
	Percentage       decimal.Decimal `json:"threshold_percentage"`
	SetBy            string          `json:"set_by"`
	SetAt            time.Time       `json:"set_at"`
	NotificationSent bool            `json:"notification_sent"`
}

// NewGlobalThreshold validates and builds a threshold for year.
func NewGlobalThreshold(year int, pct decimal.Decimal, setBy string, now time.Time) (*GlobalThreshold, error) {
	if year <= 0 {
		return nil, errors.InvalidInput("threshold_year", "must be positive")
	}
	if err := validatePercentage("threshold_percentage", pct); err != nil {
		return nil, err
	}
	return &GlobalThreshold{Year: year, Percentage: pct, SetBy: setBy, SetAt: now}, nil
}

// ExceptionStatus is the lifecycle status of a fee threshold exception.
type ExceptionStatus string

const (
	ExceptionPending  ExceptionStatus = "pending"
	ExceptionApproved ExceptionStatus = "approved"
	ExceptionRejected ExceptionStatus = "rejected"
	ExceptionExpired  ExceptionStatus = "expired"
)

// FeeThresholdException overrides the global threshold for one fee over a
// bounded date range. It needs a finance review, an optional risk review and
// a CEO decision.
type FeeThresholdException struct {
	ID                 string          `json:"exception_id"`
	FeeID              string          `json:"fee_id"`
	RequestedThreshold decimal.Decimal `json:"requested_threshold"`
	Justification      string          `json:"justification"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	RequestedBy        string          `json:"requested_by"`
	Finance            *Review         `json:"finance_review,omitempty"`
	Risk               *Review         `json:"risk_review,omitempty"`
	ApprovedBy         *string         `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	DecisionComments   *string         `json:"decision_comments,omitempty"`
	Status             ExceptionStatus `json:"status"`
	ActivatedAt        *time.Time      `json:"activated_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Review is one reviewer's verdict on an exception.
type Review struct {
	ReviewedBy string    `json:"reviewed_by"`
	ReviewedAt time.Time `json:"reviewed_at"`
	Approved   bool      `json:"approved"`
	Comments   *string   `json:"comments,omitempty"`
}

// ExceptionRequest is the input for a new threshold exception.
type ExceptionRequest struct {
	FeeID              string
	RequestedThreshold decimal.Decimal
	Justification      string
	StartDate          time.Time
	EndDate            time.Time
	RequestedBy        string
}

// NewFeeThresholdException validates req and returns a pending exception.
func NewFeeThresholdException(req ExceptionRequest, now time.Time) (*FeeThresholdException, error) {
	if strings.TrimSpace(req.FeeID) == "" {
		return nil, errors.InvalidInput("fee_id", "is required")
	}
	if err := validatePercentage("requested_threshold", req.RequestedThreshold); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Justification) == "" {
		return nil, errors.InvalidInput("justification", "is required")
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() {
		return nil, errors.InvalidInput("start_date", "start and end dates are required")
	}
	start, end := DateOf(req.StartDate), DateOf(req.EndDate)
	if end.Before(start) {
		return nil, errors.InvalidInput("end_date", "must not be before start_date")
	}
	return &FeeThresholdException{
		FeeID:              req.FeeID,
		RequestedThreshold: req.RequestedThreshold,
		Justification:      strings.TrimSpace(req.Justification),
		StartDate:          start,
		EndDate:            end,
		RequestedBy:        req.RequestedBy,
		Status:             ExceptionPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (e *FeeThresholdException) requirePending() error {
	if e.Status != ExceptionPending {
		return errors.InvalidState(fmt.Sprintf("exception is %s, expected %s", e.Status, ExceptionPending))
	}
	return nil
}

// FinanceReview records the finance GM's verdict. A negative verdict rejects
// the exception.
func (e *FeeThresholdException) FinanceReview(userID string, approved bool, comments *string, at time.Time) error {
	if e.Finance != nil {
		return errors.Duplicate("exception already has a finance review")
	}
	if err := e.requirePending(); err != nil {
		return err
	}
	e.Finance = &Review{ReviewedBy: userID, ReviewedAt: at, Approved: approved, Comments: comments}
	if !approved {
		e.Status = ExceptionRejected
	}
	e.UpdatedAt = at
	return nil
}

// RiskReview records the risk GM's verdict. The finance review must come first.
func (e *FeeThresholdException) RiskReview(userID string, approved bool, comments *string, at time.Time) error {
	if e.Finance == nil {
		return errors.InvalidState("risk review requires a finance review first")
	}
	if e.Risk != nil {
		return errors.Duplicate("exception already has a risk review")
	}
	if err := e.requirePending(); err != nil {
		return err
	}
	e.Risk = &Review{ReviewedBy: userID, ReviewedAt: at, Approved: approved, Comments: comments}
	if !approved {
		e.Status = ExceptionRejected
	}
	e.UpdatedAt = at
	return nil
}

// Decide records the CEO's decision.
func (e *FeeThresholdException) Decide(userID string, decision Decision, comments *string, at time.Time) error {
	if err := decision.Validate(); err != nil {
		return err
	}
	if err := e.requirePending(); err != nil {
		return err
	}
	if e.Finance == nil {
		return errors.InvalidState("CEO decision requires a finance review first")
	}
	e.DecisionComments = comments
	e.UpdatedAt = at
	if decision == DecisionRejected {
		e.Status = ExceptionRejected
		return nil
	}
	e.Status = ExceptionApproved
	e.ApprovedBy = &userID
	e.ApprovedAt = &at
	e.ActivatedAt = &at
	return nil
}

// Expire marks an approved exception expired once its end date has passed.
// It reports whether the status changed.
func (e *FeeThresholdException) Expire(today time.Time) bool {
	if e.Status != ExceptionApproved || !DateOf(e.EndDate).Before(DateOf(today)) {
		return false
	}
	e.Status = ExceptionExpired
	e.UpdatedAt = today
	return true
}

// Covers reports whether the exception is approved and in force on date.
func (e *FeeThresholdException) Covers(date time.Time) bool {
	d := DateOf(date)
	return e.Status == ExceptionApproved &&
		!d.Before(DateOf(e.StartDate)) &&
		!d.After(DateOf(e.EndDate))
}

// ── Resolution ──────────────────────────────────────────────────────────────

// ThresholdSource tags where a resolved threshold came from.
type ThresholdSource string

const (
	SourceGlobal      ThresholdSource = "global"
	SourceFeeSpecific ThresholdSource = "fee_specific"
)

// ResolvedThreshold is the threshold that applies to a fee on a date.
type ResolvedThreshold struct {
	FeeID       string          `json:"fee_id"`
	Percentage  decimal.Decimal `json:"threshold_percentage"`
	Source      ThresholdSource `json:"source"`
	ExceptionID *string         `json:"exception_id,omitempty"`
	Year        *int            `json:"threshold_year,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// ResolveThreshold picks the applicable threshold for feeID on asOf. An
// approved exception covering the date wins over the global setting; among
// several, the most recently created wins. latest is the global setting with
// the highest year and may be nil.
func ResolveThreshold(feeID string, asOf time.Time, exceptions []FeeThresholdException, latest *GlobalThreshold) (ResolvedThreshold, error) {
	var best *FeeThresholdException
	for i := range exceptions {
		e := &exceptions[i]
		if e.FeeID != feeID || !e.Covers(asOf) {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) ||
			(e.CreatedAt.Equal(best.CreatedAt) && e.ID > best.ID) {
			best = e
		}
	}
	if best != nil {
		id := best.ID
		end := best.EndDate
		return ResolvedThreshold{
			FeeID:       feeID,
			Percentage:  best.RequestedThreshold,
			Source:      SourceFeeSpecific,
			ExceptionID: &id,
			ExpiresAt:   &end,
		}, nil
	}

	if latest == nil {
		return ResolvedThreshold{}, errors.NotFound("threshold", feeID)
	}
	year := latest.Year
	return ResolvedThreshold{
		FeeID:      feeID,
		Percentage: latest.Percentage,
		Source:     SourceGlobal,
		Year:       &year,
	}, nil
}
