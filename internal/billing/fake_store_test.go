package billing

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/PortNumber53/mealplan-billing/internal/models"
)

var errBoom = errors.New("boom")

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	payments []models.PaymentRecord
	updates  int

	findErr   error
	updateErr error
	appendErr error
}

func newFakeStore(users ...models.User) *fakeStore {
	s := &fakeStore{users: make(map[string]*models.User)}
	for i := range users {
		u := users[i]
		s.users[u.ID] = &u
	}
	return s
}

func (s *fakeStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateUserSubscription(_ context.Context, userID string, rec models.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	u, ok := s.users[userID]
	if !ok {
		u = &models.User{ID: userID}
		s.users[userID] = u
	}
	u.Subscription = &rec
	s.updates++
	return nil
}

func (s *fakeStore) AppendPaymentRecord(_ context.Context, rec models.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.payments = append(s.payments, rec)
	return nil
}

func (s *fakeStore) FindUsersBySubscriptionField(_ context.Context, field SubscriptionField, value string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []models.User
	for _, u := range s.users {
		if u.Subscription == nil {
			continue
		}
		var got string
		switch field {
		case FieldProviderCustomerID:
			got = u.Subscription.ProviderCustomerID
		case FieldProviderSubscriptionID:
			got = u.Subscription.ProviderSubscriptionID
		}
		if got == value {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *fakeStore) subscription(userID string) *models.SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.Subscription == nil {
		return nil
	}
	cp := *u.Subscription
	return &cp
}

type recordingDeferrer struct {
	records []models.PaymentRecord
	err     error
}

func (d *recordingDeferrer) DeferPaymentRecord(_ context.Context, rec models.PaymentRecord) error {
	if d.err != nil {
		return d.err
	}
	d.records = append(d.records, rec)
	return nil
}

type publishedMessage struct {
	key     string
	payload []byte
}

type recordingPublisher struct {
	messages []publishedMessage
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.messages = append(p.messages, publishedMessage{key: routingKey, payload: payload})
	return p.err
}
