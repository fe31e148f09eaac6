package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/mealplan-billing/internal/billing"
	"github.com/PortNumber53/mealplan-billing/internal/models"
)

// MemoryStore keeps users and payments in process memory. It backs local
// runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]models.User
	payments []models.PaymentRecord
	dedupe   bool
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryPaymentDedupe skips payment records whose provider session id is
// already stored, matching WithPaymentDedupe on the Postgres store.
func WithMemoryPaymentDedupe(enabled bool) MemoryOption {
	return func(s *MemoryStore) { s.dedupe = enabled }
}

// WithMemoryClock overrides the time source used for user timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		users: make(map[string]models.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// SeedUser inserts or replaces a user.
func (s *MemoryStore) SeedUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
	s.users[user.ID] = cloneUser(user)
}

func cloneUser(u models.User) models.User {
	if u.Subscription != nil {
		rec := *u.Subscription
		if rec.CancelledAt != nil {
			at := *rec.CancelledAt
			rec.CancelledAt = &at
		}
		u.Subscription = &rec
	}
	return u
}

func (s *MemoryStore) UpsertUser(ctx context.Context, userID, email string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	u, ok := s.users[userID]
	if !ok {
		u = models.User{ID: userID, CreatedAt: now}
	}
	if e := strings.TrimSpace(email); e != "" {
		u.Email = e
	}
	u.UpdatedAt = now
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.User
	for _, u := range s.users {
		if !strings.EqualFold(u.Email, email) {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			cp := cloneUser(u)
			found = &cp
		}
	}
	return found, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := cloneUser(u)
	return &cp, nil
}

func (s *MemoryStore) UpdateUserSubscription(ctx context.Context, userID string, rec models.SubscriptionRecord) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	u, ok := s.users[userID]
	if !ok {
		u = models.User{ID: userID, CreatedAt: now}
	}
	u.Subscription = &rec
	u.UpdatedAt = now
	s.users[userID] = cloneUser(u)
	return nil
}

func (s *MemoryStore) FindUsersBySubscriptionField(ctx context.Context, field billing.SubscriptionField, value string) ([]models.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.User
	for _, u := range s.users {
		if u.Subscription == nil {
			continue
		}
		var got string
		switch field {
		case billing.FieldProviderCustomerID:
			got = u.Subscription.ProviderCustomerID
		case billing.FieldProviderSubscriptionID:
			got = u.Subscription.ProviderSubscriptionID
		default:
			continue
		}
		if got == value {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendPaymentRecord stores rec unless a record with the same id, or with
// dedupe the same session id, is already present.
func (s *MemoryStore) AppendPaymentRecord(ctx context.Context, rec models.PaymentRecord) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID == rec.ID {
			return nil
		}
		if s.dedupe && rec.ProviderSessionID != "" && p.ProviderSessionID == rec.ProviderSessionID {
			return nil
		}
	}
	s.payments = append(s.payments, rec)
	return nil
}

// ListPaymentRecords returns a user's payment records, newest first.
func (s *MemoryStore) ListPaymentRecords(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PaymentRecord
	for i := len(s.payments) - 1; i >= 0; i-- {
		if s.payments[i].UserID == userID {
			out = append(out, s.payments[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PaymentCount reports how many payment records are stored.
func (s *MemoryStore) PaymentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payments)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctxErr(ctx)
}
