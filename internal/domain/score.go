package domain

import (
	"fmt"
	"math"
	"time"
)

// FraudScore is the recorded output of one scoring call.
// A transaction may be rescored; the latest score wins for display.
type FraudScore struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenantId"`
	TransactionID string      `json:"transactionId"`
	RiskScore     float64     `json:"riskScore"`
	Features      Explanation `json:"features"`
	ModelVersion  string      `json:"modelVersion"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Tier returns the badge tier of the score.
func (s *FraudScore) Tier() RiskTier {
	return BadgeTier(s.RiskScore)
}

// Prediction is a validated scorer response.
type Prediction struct {
	TransactionID string      `json:"transactionId"`
	RiskScore     float64     `json:"riskScore"`
	Explanation   Explanation `json:"explanation"`
	ModelVersion  string      `json:"modelVersion,omitempty"`
}

// Explanation carries the model's explanatory signals.
type Explanation struct {
	FeatureImportance     map[string]float64     `json:"featureImportance"`
	SuspiciousConnections []SuspiciousConnection `json:"suspiciousConnections"`
	RiskFactors           []string               `json:"riskFactors"`
}

// SuspiciousConnection is a related entity and its share of the risk.
type SuspiciousConnection struct {
	EntityType       string  `json:"entityType"`
	EntityID         string  `json:"entityId"`
	RiskContribution float64 `json:"riskContribution"`
}

// Validate rejects out-of-range scores and malformed explanations.
func (p *Prediction) Validate() error {
	if math.IsNaN(p.RiskScore) || p.RiskScore < 0 || p.RiskScore > 1 {
		return fmt.Errorf("risk score %v outside [0,1]", p.RiskScore)
	}
	for name, v := range p.Explanation.FeatureImportance {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("feature importance %q is not finite", name)
		}
	}
	for i, c := range p.Explanation.SuspiciousConnections {
		if c.EntityType == "" || c.EntityID == "" {
			return fmt.Errorf("suspicious connection %d missing entity type or id", i)
		}
		if math.IsNaN(c.RiskContribution) || math.IsInf(c.RiskContribution, 0) {
			return fmt.Errorf("suspicious connection %d has non-finite contribution", i)
		}
	}
	return nil
}

// RiskTier is the badge classification shown next to a score.
type RiskTier string

const (
	TierCritical RiskTier = "Critical"
	TierHigh     RiskTier = "High"
	TierMedium   RiskTier = "Medium"
	TierLow      RiskTier = "Low"
)

// BadgeTier maps a risk score to its badge tier.
// All comparisons are strict: 0.75 is High, 0.5 is Medium, 0.25 is Low.
func BadgeTier(riskScore float64) RiskTier {
	switch {
	case riskScore > 0.75:
		return TierCritical
	case riskScore > 0.5:
		return TierHigh
	case riskScore > 0.25:
		return TierMedium
	default:
		return TierLow
	}
}

// StatisticsBucket is the aggregation bucket used by case statistics.
// It intentionally uses different thresholds from BadgeTier.
type StatisticsBucket string

const (
	BucketHigh   StatisticsBucket = "high"
	BucketMedium StatisticsBucket = "medium"
	BucketLow    StatisticsBucket = "low"
)

// BucketFor maps a risk score to its statistics bucket.
func BucketFor(riskScore float64) StatisticsBucket {
	switch {
	case riskScore > 0.7:
		return BucketHigh
	case riskScore > 0.4:
		return BucketMedium
	default:
		return BucketLow
	}
}
