package billing

import (
	"encoding/json"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
)

// EventKind is the closed set of provider events the service understands.
type EventKind int

const (
	KindUnrecognized EventKind = iota
	KindCheckoutCompleted
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
)

// ParseEventKind maps a provider event type to a kind by exact match.
func ParseEventKind(eventType string) EventKind {
	switch stripe.EventType(eventType) {
	case stripe.EventTypeCheckoutSessionCompleted:
		return KindCheckoutCompleted
	case stripe.EventTypeCustomerSubscriptionCreated:
		return KindSubscriptionCreated
	case stripe.EventTypeCustomerSubscriptionUpdated:
		return KindSubscriptionUpdated
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return KindSubscriptionDeleted
	default:
		return KindUnrecognized
	}
}

func (k EventKind) String() string {
	switch k {
	case KindCheckoutCompleted:
		return "checkout_completed"
	case KindSubscriptionCreated:
		return "subscription_created"
	case KindSubscriptionUpdated:
		return "subscription_updated"
	case KindSubscriptionDeleted:
		return "subscription_deleted"
	default:
		return "unrecognized"
	}
}

// Envelope is the outer shape of every webhook delivery.
type Envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Livemode *bool  `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSession holds the fields of a checkout.session object used by the
// completion path.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	CustomerEmail     string            `json:"customer_email"`
	AmountTotal       *int64            `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Livemode          *bool             `json:"livemode"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Email returns customer_email, falling back to customer_details.email.
func (s CheckoutSession) Email() string {
	if e := strings.TrimSpace(s.CustomerEmail); e != "" {
		return e
	}
	return strings.TrimSpace(s.CustomerDetails.Email)
}

// SubscriptionObject holds the fields of a subscription object used by the
// cancellation path.
type SubscriptionObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// Checkout metadata keys set by the frontend when it opens a session.
const (
	MetadataUserID = "userId"
	MetadataPlanID = "planId"
)

func decodeObject(env *Envelope, dst interface{}) error {
	if len(env.Data.Object) == 0 || string(env.Data.Object) == "null" {
		return ErrMalformedEvent
	}
	if err := json.Unmarshal(env.Data.Object, dst); err != nil {
		return ErrMalformedEvent
	}
	return nil
}

// isTestMode is true only when the provider explicitly says the event is not
// live. The session flag wins over the envelope flag.
func isTestMode(session, envelope *bool) bool {
	if session != nil {
		return !*session
	}
	if envelope != nil {
		return !*envelope
	}
	return false
}
