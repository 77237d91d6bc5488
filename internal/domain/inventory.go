package domain

import "time"

// ProductForecast is a demand forecast for one product.
type ProductForecast struct {
	TenantID     string          `json:"tenantId"`
	ProductID    string          `json:"productId"`
	HorizonDays  int             `json:"horizonDays"`
	Points       []ForecastPoint `json:"points"`
	ModelVersion string          `json:"modelVersion"`
	GeneratedAt  time.Time       `json:"generatedAt"`
}

// ForecastPoint is the predicted quantity for one day.
type ForecastPoint struct {
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

// RestockStatus is the approval state of a restock recommendation.
type RestockStatus string

const (
	RestockPending  RestockStatus = "pending"
	RestockApproved RestockStatus = "approved"
	RestockRejected RestockStatus = "rejected"
	RestockOrdered  RestockStatus = "ordered"
)

// Valid reports whether s is a known restock status.
func (s RestockStatus) Valid() bool {
	switch s {
	case RestockPending, RestockApproved, RestockRejected, RestockOrdered:
		return true
	}
	return false
}

// RestockRecommendation suggests a reorder quantity for a product.
type RestockRecommendation struct {
	ID                  string        `json:"id"`
	TenantID            string        `json:"tenantId"`
	ProductID           string        `json:"productId"`
	CurrentStock        int           `json:"currentStock"`
	RecommendedQuantity int           `json:"recommendedQuantity"`
	Status              RestockStatus `json:"status"`
	Notes               string        `json:"notes,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// RestockUpdate is a warehouse action on a recommendation.
type RestockUpdate struct {
	Status   RestockStatus `json:"status" validate:"required,restockstatus"`
	Quantity *int          `json:"quantity,omitempty" validate:"omitempty,gte=0"`
	Notes    *string       `json:"notes,omitempty"`
}

// ForecastRequest is an upstream forecast delivered for one product.
type ForecastRequest struct {
	HorizonDays  int             `json:"horizonDays" validate:"gte=1,lte=365"`
	Points       []ForecastPoint `json:"points" validate:"required,dive"`
	ModelVersion string          `json:"modelVersion"`
}

// RestockRequest creates a pending recommendation.
type RestockRequest struct {
	ProductID           string `json:"productId" validate:"required"`
	CurrentStock        int    `json:"currentStock" validate:"gte=0"`
	RecommendedQuantity int    `json:"recommendedQuantity" validate:"gte=0"`
	Notes               string `json:"notes,omitempty"`
}
