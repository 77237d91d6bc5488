package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents a purchase event submitted for fraud scoring.
// Transactions are immutable once recorded.
type Transaction struct {
	// Core identifiers
	ID       string `json:"transactionId"`
	TenantID string `json:"tenantId"`

	// Order details
	UserID        string          `json:"userId"`
	OrderID       string          `json:"orderId"`
	PaymentMethod string          `json:"paymentMethod"`
	Amount        decimal.Decimal `json:"amount"`
	CustomerName  string          `json:"customerName"`

	// Optional device/location signals
	DeviceID   string `json:"deviceId,omitempty"`
	LocationID string `json:"locationId,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// TransactionRequest is the API request payload for transaction submission.
type TransactionRequest struct {
	UserID        string          `json:"userId" validate:"required"`
	OrderID       string          `json:"orderId" validate:"required"`
	PaymentMethod string          `json:"paymentMethod" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"gte=0"`
	CustomerName  string          `json:"customerName" validate:"required"`
	DeviceID      string          `json:"deviceId,omitempty"`
	LocationID    string          `json:"locationId,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
// The caller assigns the ID.
func (r *TransactionRequest) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		TenantID:      tenantID,
		UserID:        r.UserID,
		OrderID:       r.OrderID,
		PaymentMethod: r.PaymentMethod,
		Amount:        r.Amount,
		CustomerName:  r.CustomerName,
		DeviceID:      r.DeviceID,
		LocationID:    r.LocationID,
		Timestamp:     now,
		CreatedAt:     now,
	}
}
