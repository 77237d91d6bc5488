package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// CaseOpenThreshold is the score a transaction must exceed to open a case.
const CaseOpenThreshold = 0.5

// ShouldOpenCase reports whether riskScore strictly exceeds CaseOpenThreshold.
func ShouldOpenCase(riskScore float64) bool {
	return riskScore > CaseOpenThreshold
}

// CaseStatus is the triage state of a fraud case.
type CaseStatus string

const (
	// CaseStatusPendingReview is assigned when a case is opened.
	CaseStatusPendingReview CaseStatus = "pending-review"

	// CaseStatusMarkedSafe is terminal unless a reviewer reopens the case.
	CaseStatusMarkedSafe CaseStatus = "marked-safe"

	// CaseStatusConfirmedFraud is terminal unless a reviewer reopens the case.
	CaseStatusConfirmedFraud CaseStatus = "confirmed-fraud"
)

// Valid reports whether s is one of the three case statuses.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseStatusPendingReview, CaseStatusMarkedSafe, CaseStatusConfirmedFraud:
		return true
	}
	return false
}

// Terminal reports whether s is a reviewer verdict.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusMarkedSafe || s == CaseStatusConfirmedFraud
}

// FraudCase is a human-triaged record opened for a high-risk transaction.
// Cases are never deleted; status changes only through UpdateCase.
type FraudCase struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	TransactionID string     `json:"transactionId"`
	Status        CaseStatus `json:"status"`
	RiskScore     float64    `json:"riskScore"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Tier returns the badge tier of the case's risk snapshot.
func (c *FraudCase) Tier() RiskTier {
	return BadgeTier(c.RiskScore)
}

// CaseFilter narrows ListCases. An empty Status matches every case.
type CaseFilter struct {
	Status CaseStatus `json:"status,omitempty" validate:"omitempty,casestatus"`
	Limit  int        `json:"limit" validate:"gte=0,lte=500"`
}

// DefaultCaseLimit applies when a filter has no limit.
const DefaultCaseLimit = 50

// CaseUpdate is a reviewer action on a case.
// Nil fields are left unchanged; non-nil fields overwrite the stored value.
type CaseUpdate struct {
	Status     CaseStatus `json:"status" validate:"required,casestatus"`
	Notes      *string    `json:"notes,omitempty"`
	Resolution *string    `json:"resolution,omitempty"`
	AssignedTo *string    `json:"assignedTo,omitempty"`
	Actor      string     `json:"-"`
}

// CaseEvent is an append-only audit entry for a case.
type CaseEvent struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	CaseID     string     `json:"caseId"`
	FromStatus CaseStatus `json:"fromStatus,omitempty"`
	ToStatus   CaseStatus `json:"toStatus"`
	Notes      string     `json:"notes,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Statistics summarises a tenant's cases for the dashboard.
type Statistics struct {
	HighRiskCount   int             `json:"highRiskCount"`
	MediumRiskCount int             `json:"mediumRiskCount"`
	LowRiskCount    int             `json:"lowRiskCount"`
	ClearedCount    int             `json:"clearedCount"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
}

// Add folds one case into the statistics. amount is the joined
// transaction amount, or nil when none is available.
func (s *Statistics) Add(c *FraudCase, amount *decimal.Decimal) {
	switch BucketFor(c.RiskScore) {
	case BucketHigh:
		s.HighRiskCount++
	case BucketMedium:
		s.MediumRiskCount++
	default:
		s.LowRiskCount++
	}
	if c.Status == CaseStatusMarkedSafe {
		s.ClearedCount++
	}
	if amount != nil {
		s.TotalAmount = s.TotalAmount.Add(*amount)
		return
	}
	s.TotalAmount = s.TotalAmount.Add(SyntheticAmount(c.RiskScore))
}

// SyntheticAmount is the demo placeholder used when a case has no joinable
// transaction amount: 500+round(r*1000) above 0.5, otherwise 100+round(r*200).
// Rounding is half-up.
func SyntheticAmount(riskScore float64) decimal.Decimal {
	if riskScore > 0.5 {
		return decimal.NewFromInt(500 + int64(math.Floor(riskScore*1000+0.5)))
	}
	return decimal.NewFromInt(100 + int64(math.Floor(riskScore*200+0.5)))
}
