package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/mealplan-billing/internal/billing"
	"github.com/PortNumber53/mealplan-billing/internal/models"
)

func TestMemoryStoreFindUserByEmail(t *testing.T) {
	s := NewMemoryStore()
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SeedUser(models.User{ID: "user_new", Email: "a@b.com", CreatedAt: older.Add(time.Hour)})
	s.SeedUser(models.User{ID: "user_old", Email: "A@B.com", CreatedAt: older})

	u, err := s.FindUserByEmail(context.Background(), "a@B.com")
	require.NoError(t, err)
	require.Equal(t, "user_old", u.ID)

	u, err = s.FindUserByEmail(context.Background(), "ghost@example.com")
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestMemoryStoreSubscriptionRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := models.SubscriptionRecord{
		PlanID:                 models.PlanYearly,
		Status:                 models.SubscriptionActive,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
	}
	require.NoError(t, s.UpdateUserSubscription(ctx, "user_1", rec))

	u, err := s.GetUser(ctx, "user_1")
	require.NoError(t, err)
	require.Equal(t, rec, *u.Subscription)

	// Mutating the returned copy must not leak into the store.
	u.Subscription.Status = models.SubscriptionCancelled
	again, err := s.GetUser(ctx, "user_1")
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionActive, again.Subscription.Status)

	byCustomer, err := s.FindUsersBySubscriptionField(ctx, billing.FieldProviderCustomerID, "cus_1")
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)

	bySub, err := s.FindUsersBySubscriptionField(ctx, billing.FieldProviderSubscriptionID, "sub_1")
	require.NoError(t, err)
	require.Len(t, bySub, 1)

	none, err := s.FindUsersBySubscriptionField(ctx, billing.FieldProviderCustomerID, "cus_2")
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = s.GetUser(ctx, "missing")
	require.True(t, errors.Is(err, ErrUserNotFound))
}

func TestMemoryStorePaymentDedupe(t *testing.T) {
	ctx := context.Background()
	rec := models.PaymentRecord{ID: uuid.New(), UserID: "user_1", ProviderSessionID: "cs_1"}

	replay := rec
	replay.ID = uuid.New()

	plain := NewMemoryStore()
	require.NoError(t, plain.AppendPaymentRecord(ctx, rec))
	require.NoError(t, plain.AppendPaymentRecord(ctx, replay))
	require.Equal(t, 2, plain.PaymentCount())

	deduped := NewMemoryStore(WithMemoryPaymentDedupe(true))
	require.NoError(t, deduped.AppendPaymentRecord(ctx, rec))
	require.NoError(t, deduped.AppendPaymentRecord(ctx, replay))
	require.Equal(t, 1, deduped.PaymentCount())
}

func TestMemoryStoreAppendSameIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := models.PaymentRecord{ID: uuid.New(), UserID: "user_1", ProviderSessionID: "cs_1"}

	s := NewMemoryStore()
	require.NoError(t, s.AppendPaymentRecord(ctx, rec))
	require.NoError(t, s.AppendPaymentRecord(ctx, rec))
	require.Equal(t, 1, s.PaymentCount())
}

func TestMemoryStoreClockOption(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithMemoryClock(func() time.Time { return at }))

	require.NoError(t, s.UpdateUserSubscription(context.Background(), "user_1", models.SubscriptionRecord{PlanID: models.PlanMonthly}))
	u, err := s.GetUser(context.Background(), "user_1")
	require.NoError(t, err)
	require.Equal(t, at, u.CreatedAt)
	require.Equal(t, at, u.UpdatedAt)
}

func TestMemoryStoreListPaymentRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendPaymentRecord(ctx, models.PaymentRecord{
			ID:        uuid.New(),
			UserID:    "user_1",
			Amount:    int64(i),
			CreatedAt: base.AddDate(0, i, 0),
		}))
	}
	require.NoError(t, s.AppendPaymentRecord(ctx, models.PaymentRecord{ID: uuid.New(), UserID: "user_2"}))

	records, err := s.ListPaymentRecords(ctx, "user_1", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(2), records[0].Amount)
	require.Equal(t, int64(1), records[1].Amount)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, s.UpdateUserSubscription(ctx, "user_1", models.SubscriptionRecord{}), context.Canceled)
}

// The memory store drives the full checkout and cancellation flow.
func TestMemoryStoreWithUpdater(t *testing.T) {
	s := NewMemoryStore(WithMemoryPaymentDedupe(true))
	s.SeedUser(models.User{ID: "user_7", Email: "seven@example.com"})
	u := billing.NewUpdater(s)
	ctx := context.Background()

	amount := int64(2500)
	session := billing.CheckoutSession{
		ID:            "cs_7",
		Customer:      "cus_7",
		Subscription:  "sub_7",
		CustomerEmail: "seven@example.com",
		AmountTotal:   &amount,
		Currency:      "eur",
	}
	out, err := u.CompleteCheckout(ctx, session, nil)
	require.NoError(t, err)
	require.Equal(t, "user_7", out.UserID)

	_, err = u.CompleteCheckout(ctx, session, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.PaymentCount())

	n, err := u.CancelSubscription(ctx, billing.SubscriptionObject{ID: "sub_7", Customer: "cus_7"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	user, err := s.GetUser(ctx, "user_7")
	require.NoError(t, err)
	require.Equal(t, models.PlanYearly, user.Subscription.PlanID)
	require.Equal(t, models.SubscriptionCancelled, user.Subscription.Status)
	require.Equal(t, "seven@example.com", user.Email)
}
