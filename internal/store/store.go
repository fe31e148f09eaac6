package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/mealplan-billing/internal/billing"
	"github.com/PortNumber53/mealplan-billing/internal/models"
)

const defaultPageSize = 200

// ErrUserNotFound is returned by lookups that require the user to exist.
var ErrUserNotFound = errors.New("user not found")

// subscriptionKeys whitelists the JSONB keys that may be queried.
var subscriptionKeys = map[billing.SubscriptionField]string{
	billing.FieldProviderCustomerID:     "providerCustomerId",
	billing.FieldProviderSubscriptionID: "providerSubscriptionId",
}

// Store is the Postgres-backed user and payment store.
type Store struct {
	db          *sql.DB
	dedupeByRef bool
}

// Option configures a Store.
type Option func(*Store)

// WithPaymentDedupe skips payment rows whose provider session id is already
// recorded.
func WithPaymentDedupe(enabled bool) Option {
	return func(s *Store) { s.dedupeByRef = enabled }
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const userColumns = `id, COALESCE(email, ''), subscription, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u   models.User
		sub []byte
	)
	if err := row.Scan(&u.ID, &u.Email, &sub, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if len(sub) > 0 && string(sub) != "null" {
		var rec models.SubscriptionRecord
		if err := json.Unmarshal(sub, &rec); err != nil {
			return nil, fmt.Errorf("decode subscription for user %s: %w", u.ID, err)
		}
		u.Subscription = &rec
	}
	return &u, nil
}

// FindUserByEmail returns the oldest user with the email (case-insensitive),
// or nil when there is none.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: db cannot be nil")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE LOWER(email) = LOWER($1)
ORDER BY created_at ASC
LIMIT 1
`, email)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find user by email: %w", err)
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: db cannot be nil")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: get user %s: %w", userID, err)
	}
	return user, nil
}

// UpsertUser creates a user or refreshes its email.
func (s *Store) UpsertUser(ctx context.Context, userID, email string) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, email)
VALUES ($1, NULLIF($2, ''))
ON CONFLICT (id) DO UPDATE
SET email = COALESCE(EXCLUDED.email, users.email),
    updated_at = NOW()
`, userID, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("store: upsert user %s: %w", userID, err)
	}
	return nil
}

// UpdateUserSubscription replaces the user's subscription. A user id that
// does not exist yet is created without an email.
func (s *Store) UpdateUserSubscription(ctx context.Context, userID string, rec models.SubscriptionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, subscription)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE
SET subscription = EXCLUDED.subscription,
    updated_at = NOW()
`, userID, rec)
	if err != nil {
		return fmt.Errorf("store: update subscription for user %s: %w", userID, err)
	}
	return nil
}

// FindUsersBySubscriptionField returns every user whose subscription carries
// value under field.
func (s *Store) FindUsersBySubscriptionField(ctx context.Context, field billing.SubscriptionField, value string) ([]models.User, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: db cannot be nil")
	}
	key, ok := subscriptionKeys[field]
	if !ok {
		return nil, fmt.Errorf("store: unsupported subscription field %q", field)
	}

	query := fmt.Sprintf(`
SELECT %s
FROM users
WHERE subscription->>'%s' = $1
ORDER BY id
`, userColumns, key)

	rows, err := s.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("store: find users by %s: %w", key, err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate users: %w", err)
	}
	return users, nil
}

const paymentInsertColumns = `id, user_id, plan_id, amount, currency, status, provider_session_id,
  provider_customer_id, provider_subscription_id, customer_email, is_test, created_at`

// AppendPaymentRecord inserts an audit row. Re-appending a record whose id is
// already stored is a no-op, so a retried deferred append succeeds even when
// the first attempt committed. With dedupe enabled a row for an already
// recorded session id is also skipped.
func (s *Store) AppendPaymentRecord(ctx context.Context, rec models.PaymentRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	args := []interface{}{
		rec.ID,
		rec.UserID,
		string(rec.PlanID),
		rec.Amount,
		rec.Currency,
		rec.Status,
		rec.ProviderSessionID,
		rec.ProviderCustomerID,
		rec.ProviderSubscriptionID,
		rec.CustomerEmail,
		rec.IsTest,
		rec.CreatedAt,
	}

	query := `
INSERT INTO payments (` + paymentInsertColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING
`
	if s.dedupeByRef && rec.ProviderSessionID != "" {
		query = `
INSERT INTO payments (` + paymentInsertColumns + `)
SELECT $1::uuid, $2::text, $3::text, $4::bigint, $5::text, $6::text, $7::text,
       $8::text, $9::text, $10::text, $11::boolean, $12::timestamptz
WHERE NOT EXISTS (SELECT 1 FROM payments WHERE provider_session_id = $7::text)
ON CONFLICT (id) DO NOTHING
`
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: append payment record: %w", err)
	}
	return nil
}

// ListPaymentRecords returns a user's payment records, newest first.
func (s *Store) ListPaymentRecords(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: db cannot be nil")
	}
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+paymentInsertColumns+`
FROM payments
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list payment records: %w", err)
	}
	defer rows.Close()

	var records []models.PaymentRecord
	for rows.Next() {
		var (
			p      models.PaymentRecord
			plan   string
			cur    sql.NullString
			sessID sql.NullString
			cusID  sql.NullString
			subID  sql.NullString
			email  sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UserID, &plan, &p.Amount, &cur, &p.Status, &sessID,
			&cusID, &subID, &email, &p.IsTest, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan payment record: %w", err)
		}
		p.PlanID = models.PlanID(plan)
		p.Currency = cur.String
		p.ProviderSessionID = sessID.String
		p.ProviderCustomerID = cusID.String
		p.ProviderSubscriptionID = subID.String
		p.CustomerEmail = email.String
		records = append(records, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate payment records: %w", err)
	}
	return records, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}
	return s.db.PingContext(ctx)
}
