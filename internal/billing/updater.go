package billing

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/mealplan-billing/internal/metrics"
	"github.com/PortNumber53/mealplan-billing/internal/models"
)

// SubscriptionField names a provider identifier stored on a SubscriptionRecord
// that can be used to look users up.
type SubscriptionField string

const (
	FieldProviderCustomerID     SubscriptionField = "providerCustomerId"
	FieldProviderSubscriptionID SubscriptionField = "providerSubscriptionId"
)

// Store is the persistence contract the updater needs.
type Store interface {
	// FindUserByEmail returns nil, nil when no user has the email.
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUserSubscription(ctx context.Context, userID string, rec models.SubscriptionRecord) error
	AppendPaymentRecord(ctx context.Context, rec models.PaymentRecord) error
	FindUsersBySubscriptionField(ctx context.Context, field SubscriptionField, value string) ([]models.User, error)
}

// Deferrer accepts payment records whose append failed so they can be
// written later.
type Deferrer interface {
	DeferPaymentRecord(ctx context.Context, rec models.PaymentRecord) error
}

// Publisher receives subscription change notifications.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

// Notification routing keys.
const (
	RoutingSubscriptionActivated = "subscription.activated"
	RoutingSubscriptionCancelled = "subscription.cancelled"
)

// Resolution sources reported in CheckoutOutcome.
const (
	ResolvedByClientReference = "client_reference_id"
	ResolvedByMetadata        = "metadata.userId"
	ResolvedByEmail           = "customer_email"
)

// CheckoutOutcome describes what the completion path did.
type CheckoutOutcome struct {
	Resolved     bool
	UserID       string
	ResolvedBy   string
	Subscription models.SubscriptionRecord
	Payment      models.PaymentRecord
	// PaymentDeferred is set when the audit row was handed to the Deferrer.
	PaymentDeferred bool
}

// Updater computes and persists subscription state for webhook events.
type Updater struct {
	store     Store
	policy    PlanPolicy
	now       func() time.Time
	newID     func() uuid.UUID
	deferrer  Deferrer
	publisher Publisher
}

// Option configures an Updater.
type Option func(*Updater)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// WithPlanPolicy overrides the plan thresholds.
func WithPlanPolicy(p PlanPolicy) Option {
	return func(u *Updater) { u.policy = p }
}

// WithDeferrer enables deferred payment record writes.
func WithDeferrer(d Deferrer) Option {
	return func(u *Updater) { u.deferrer = d }
}

// WithPublisher enables subscription change notifications.
func WithPublisher(p Publisher) Option {
	return func(u *Updater) { u.publisher = p }
}

// WithIDGenerator overrides payment record id generation.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(u *Updater) { u.newID = fn }
}

// NewUpdater constructs an Updater over store.
func NewUpdater(store Store, opts ...Option) *Updater {
	u := &Updater{
		store:  store,
		policy: DefaultPlanPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// CompleteCheckout activates the subscription paid for by session. An event
// that names no known user is dropped with a log line and a nil error.
func (u *Updater) CompleteCheckout(ctx context.Context, session CheckoutSession, envelopeLivemode *bool) (CheckoutOutcome, error) {
	logger := log.With().Str("component", "billing").Str("session_id", session.ID).Logger()

	userID, source, err := u.resolveUser(ctx, session)
	if err != nil {
		return CheckoutOutcome{}, err
	}
	if userID == "" {
		logger.Warn().
			Bool("has_email", session.Email() != "").
			Msg("checkout completed but no user could be resolved; dropping event")
		metrics.SubscriptionTransitions.WithLabelValues("unresolved").Inc()
		return CheckoutOutcome{}, nil
	}

	var amount int64
	if session.AmountTotal != nil {
		amount = *session.AmountTotal
	} else {
		logger.Warn().Msg("checkout session has no amount_total; treating as 0")
	}

	plan, fromMetadata := u.policy.ResolvePlan(session.Metadata[MetadataPlanID], amount)
	if raw := session.Metadata[MetadataPlanID]; raw != "" && !fromMetadata {
		logger.Warn().Str("metadata_plan", raw).Msg("unknown plan in metadata; inferring from amount")
	}

	now := u.now()
	isTest := isTestMode(session.Livemode, envelopeLivemode)

	sub := models.SubscriptionRecord{
		PlanID:                 plan,
		Status:                 models.SubscriptionActive,
		ProviderCustomerID:     session.Customer,
		ProviderSubscriptionID: session.Subscription,
		ProviderSessionID:      session.ID,
		StartedAt:              now,
		ExpiresAt:              ExpiresAt(plan, now),
		Amount:                 amount,
		Currency:               session.Currency,
		IsTest:                 isTest,
	}
	payment := models.PaymentRecord{
		ID:                     u.newID(),
		UserID:                 userID,
		PlanID:                 plan,
		Amount:                 amount,
		Currency:               session.Currency,
		Status:                 models.PaymentStatusCompleted,
		ProviderSessionID:      session.ID,
		ProviderCustomerID:     session.Customer,
		ProviderSubscriptionID: session.Subscription,
		CustomerEmail:          session.Email(),
		IsTest:                 isTest,
		CreatedAt:              now,
	}
	outcome := CheckoutOutcome{
		Resolved:     true,
		UserID:       userID,
		ResolvedBy:   source,
		Subscription: sub,
		Payment:      payment,
	}

	if err := u.store.UpdateUserSubscription(ctx, userID, sub); err != nil {
		return outcome, storeErr("update subscription", err)
	}

	if err := u.store.AppendPaymentRecord(ctx, payment); err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("subscription updated but payment record append failed")
		if u.deferrer == nil {
			return outcome, storeErr("append payment record", err)
		}
		if derr := u.deferrer.DeferPaymentRecord(ctx, payment); derr != nil {
			return outcome, storeErr("defer payment record", derr)
		}
		outcome.PaymentDeferred = true
	}

	logger.Info().
		Str("user_id", userID).
		Str("resolved_by", source).
		Str("plan", string(plan)).
		Time("expires_at", sub.ExpiresAt).
		Bool("is_test", isTest).
		Msg("subscription activated")
	metrics.SubscriptionTransitions.WithLabelValues("activated").Inc()

	u.notify(ctx, RoutingSubscriptionActivated, userID, sub)
	return outcome, nil
}

func (u *Updater) resolveUser(ctx context.Context, session CheckoutSession) (string, string, error) {
	if id := strings.TrimSpace(session.ClientReferenceID); id != "" {
		return id, ResolvedByClientReference, nil
	}
	if id := strings.TrimSpace(session.Metadata[MetadataUserID]); id != "" {
		return id, ResolvedByMetadata, nil
	}
	email := session.Email()
	if email == "" {
		return "", "", nil
	}
	user, err := u.store.FindUserByEmail(ctx, email)
	if err != nil {
		return "", "", storeErr("find user by email", err)
	}
	if user == nil {
		return "", "", nil
	}
	return user.ID, ResolvedByEmail, nil
}

// CancelSubscription marks every user holding the subscription as cancelled
// and returns how many records changed. Records that are already cancelled
// keep their original cancellation time.
func (u *Updater) CancelSubscription(ctx context.Context, obj SubscriptionObject) (int, error) {
	logger := log.With().Str("component", "billing").Str("subscription_id", obj.ID).Logger()

	users, err := u.cancellationTargets(ctx, obj)
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		logger.Info().Str("customer_id", obj.Customer).Msg("subscription deleted for unknown customer; nothing to cancel")
		return 0, nil
	}

	now := u.now()
	cancelled := 0
	for _, user := range users {
		if user.Subscription == nil {
			continue
		}
		if user.Subscription.Status.IsCancelled() {
			logger.Debug().Str("user_id", user.ID).Msg("subscription already cancelled")
			continue
		}

		rec := *user.Subscription
		rec.Status = models.SubscriptionCancelled
		cancelledAt := now
		rec.CancelledAt = &cancelledAt

		if err := u.store.UpdateUserSubscription(ctx, user.ID, rec); err != nil {
			return cancelled, storeErr("cancel subscription", err)
		}
		cancelled++

		logger.Info().Str("user_id", user.ID).Msg("subscription cancelled")
		metrics.SubscriptionTransitions.WithLabelValues("cancelled").Inc()
		u.notify(ctx, RoutingSubscriptionCancelled, user.ID, rec)
	}
	return cancelled, nil
}

// cancellationTargets looks users up by subscription id first and falls back
// to the customer. A customer match whose record names a different
// subscription is skipped, so deleting an old subscription leaves a newer one
// for the same customer active. Results are de-duplicated by user id.
func (u *Updater) cancellationTargets(ctx context.Context, obj SubscriptionObject) ([]models.User, error) {
	subscriptionID := strings.TrimSpace(obj.ID)
	customerID := strings.TrimSpace(obj.Customer)

	if subscriptionID != "" {
		users, err := u.store.FindUsersBySubscriptionField(ctx, FieldProviderSubscriptionID, subscriptionID)
		if err != nil {
			return nil, storeErr("find users by "+string(FieldProviderSubscriptionID), err)
		}
		if len(users) > 0 {
			return dedupeUsers(users), nil
		}
	}

	if customerID == "" {
		return nil, nil
	}
	users, err := u.store.FindUsersBySubscriptionField(ctx, FieldProviderCustomerID, customerID)
	if err != nil {
		return nil, storeErr("find users by "+string(FieldProviderCustomerID), err)
	}
	matched := users[:0]
	for _, user := range users {
		if user.Subscription == nil {
			continue
		}
		current := user.Subscription.ProviderSubscriptionID
		if subscriptionID != "" && current != "" && current != subscriptionID {
			log.Info().
				Str("component", "billing").
				Str("user_id", user.ID).
				Str("subscription_id", subscriptionID).
				Str("current_subscription_id", current).
				Msg("customer holds a different subscription; not cancelling")
			continue
		}
		matched = append(matched, user)
	}
	return dedupeUsers(matched), nil
}

func dedupeUsers(users []models.User) []models.User {
	seen := make(map[string]struct{}, len(users))
	out := users[:0]
	for _, user := range users {
		if _, ok := seen[user.ID]; ok {
			continue
		}
		seen[user.ID] = struct{}{}
		out = append(out, user)
	}
	return out
}

type subscriptionNotification struct {
	UserID       string                    `json:"userId"`
	Subscription models.SubscriptionRecord `json:"subscription"`
	OccurredAt   time.Time                 `json:"occurredAt"`
}

func (u *Updater) notify(ctx context.Context, routingKey, userID string, rec models.SubscriptionRecord) {
	if u.publisher == nil {
		return
	}
	payload, err := json.Marshal(subscriptionNotification{
		UserID:       userID,
		Subscription: rec,
		OccurredAt:   u.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("routing_key", routingKey).Msg("encode subscription notification")
		return
	}
	if err := u.publisher.Publish(ctx, routingKey, payload); err != nil {
		log.Warn().Err(err).Str("routing_key", routingKey).Str("user_id", userID).Msg("publish subscription notification")
	}
}
