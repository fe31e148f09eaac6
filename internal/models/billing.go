package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlanID identifies a subscription tier.
type PlanID string

const (
	PlanMonthly   PlanID = "monthly"
	PlanQuarterly PlanID = "quarterly"
	PlanYearly    PlanID = "yearly"
)

// Valid reports whether p is one of the known plans.
func (p PlanID) Valid() bool {
	switch p {
	case PlanMonthly, PlanQuarterly, PlanYearly:
		return true
	}
	return false
}

// SubscriptionStatus is the lifecycle state of a SubscriptionRecord.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	// SubscriptionCanceled is the provider spelling; older records carry it.
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// IsCancelled reports whether the status is terminal.
func (s SubscriptionStatus) IsCancelled() bool {
	return s == SubscriptionCancelled || s == SubscriptionCanceled
}

// SubscriptionRecord is the subscription embedded in a user. A new checkout
// replaces it wholesale.
type SubscriptionRecord struct {
	PlanID                 PlanID             `json:"planId"`
	Status                 SubscriptionStatus `json:"status"`
	ProviderCustomerID     string             `json:"providerCustomerId,omitempty"`
	ProviderSubscriptionID string             `json:"providerSubscriptionId,omitempty"`
	ProviderSessionID      string             `json:"providerSessionId,omitempty"`
	StartedAt              time.Time          `json:"startedAt"`
	ExpiresAt              time.Time          `json:"expiresAt"`
	Amount                 int64              `json:"amount"`
	Currency               string             `json:"currency,omitempty"`
	IsTest                 bool               `json:"isTest"`
	CancelledAt            *time.Time         `json:"cancelledAt,omitempty"`
}

// Value implements driver.Valuer so the record can be stored in a JSONB column.
func (r SubscriptionRecord) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for JSONB columns.
func (r *SubscriptionRecord) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into SubscriptionRecord", value)
	}
	return json.Unmarshal(raw, r)
}

// PaymentStatusCompleted is the only status written by the checkout path.
const PaymentStatusCompleted = "completed"

// PaymentRecord is an append-only audit row for a completed checkout.
type PaymentRecord struct {
	ID                     uuid.UUID `json:"id"`
	UserID                 string    `json:"userId"`
	PlanID                 PlanID    `json:"planId"`
	Amount                 int64     `json:"amount"`
	Currency               string    `json:"currency,omitempty"`
	Status                 string    `json:"status"`
	ProviderSessionID      string    `json:"providerSessionId,omitempty"`
	ProviderCustomerID     string    `json:"providerCustomerId,omitempty"`
	ProviderSubscriptionID string    `json:"providerSubscriptionId,omitempty"`
	CustomerEmail          string    `json:"customerEmail,omitempty"`
	IsTest                 bool      `json:"isTest"`
	CreatedAt              time.Time `json:"createdAt"`
}
