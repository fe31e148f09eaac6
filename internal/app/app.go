// Package app assembles the billing service from configuration: store,
// job queue, notifications, and the webhook dispatcher.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/mealplan-billing/internal/billing"
	"github.com/PortNumber53/mealplan-billing/internal/config"
	"github.com/PortNumber53/mealplan-billing/internal/handlers"
	"github.com/PortNumber53/mealplan-billing/internal/httpserver"
	"github.com/PortNumber53/mealplan-billing/internal/migrations"
	"github.com/PortNumber53/mealplan-billing/internal/notify"
	"github.com/PortNumber53/mealplan-billing/internal/store"
	"github.com/PortNumber53/mealplan-billing/internal/worker"
)

// Store is the user store surface the service needs.
type Store interface {
	billing.Store
	handlers.BillingReader
	handlers.Pinger
}

// App holds the wired service components.
type App struct {
	Config     config.Config
	Store      Store
	Jobs       *store.JobStore
	Worker     *worker.Worker
	Publisher  notify.Publisher
	Updater    *billing.Updater
	Dispatcher *billing.Dispatcher

	db *sql.DB
}

// New opens the configured backends and builds the dispatcher. The postgres
// driver also applies pending migrations.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn().Str("component", "app").Msg("using in-memory store; data is lost on exit")
		a.Store = store.NewMemoryStore(store.WithMemoryPaymentDedupe(cfg.PaymentDedupe))
	default:
		db, err := OpenDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db

		if err := runMigrationsWithDirtyFix(db); err != nil {
			a.Close()
			return nil, fmt.Errorf("apply database migrations: %w", err)
		}

		s, err := store.New(db, store.WithPaymentDedupe(cfg.PaymentDedupe))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create store: %w", err)
		}
		a.Store = s

		jobs, err := store.NewJobStore(db)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create job store: %w", err)
		}
		a.Jobs = jobs

		wcfg := worker.DefaultConfig()
		wcfg.MaxConcurrent = cfg.WorkerConcurrency
		a.Worker = worker.New(wcfg, jobs)
		worker.RegisterBillingJobs(a.Worker, s)
	}

	a.Publisher = notify.NoopPublisher{}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewRabbitMQPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect notifications: %w", err)
		}
		a.Publisher = pub
	}

	opts := []billing.Option{
		billing.WithPlanPolicy(billing.PlanPolicy{
			YearlyThreshold:    cfg.YearlyThreshold,
			QuarterlyThreshold: cfg.QuarterlyThreshold,
		}),
		billing.WithPublisher(a.Publisher),
	}
	if cfg.PaymentDeferOnFailure && a.Worker != nil {
		opts = append(opts, billing.WithDeferrer(a.Worker))
	}

	a.Updater = billing.NewUpdater(a.Store, opts...)
	a.Dispatcher = billing.NewDispatcher(a.Updater, cfg.WebhookSecret)
	return a, nil
}

// ServerDeps exposes the components the HTTP router serves.
func (a *App) ServerDeps() httpserver.Deps {
	deps := httpserver.Deps{
		Dispatcher: a.Dispatcher,
		Billing:    a.Store,
		Pinger:     a.Store,
		Worker:     a.Worker,
	}
	if a.Jobs != nil {
		deps.Jobs = a.Jobs
	}
	return deps
}

// Close releases the publisher and database connection.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// OpenDatabase opens and pings a Postgres connection pool.
func OpenDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logDBTarget("primary", dsn)
	configureDB(db)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB) error {
	logger := log.With().Str("component", "migrations").Logger()
	err := migrations.Up(db)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "Dirty database version") {
		return err
	}

	logger.Warn().Err(err).Msg("dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		logger.Error().Err(fixErr).Msg("failed to fix dirty database")
		return err
	}
	return migrations.Up(db)
}

func logDBTarget(name, dsn string) {
	// Only host and database name; the DSN may carry credentials.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("database configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database configured")
}
