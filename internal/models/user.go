package models

import "time"

// User is the long-lived account aggregate. Subscription is nil until the
// first completed checkout.
type User struct {
	ID           string              `json:"id"`
	Email        string              `json:"email"`
	Subscription *SubscriptionRecord `json:"subscription,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}
