// Package worker runs the deferred job queue: a pool of processors that
// claim jobs, run the registered handler, and retry failures with
// exponential backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/mealplan-billing/internal/metrics"
	"github.com/PortNumber53/mealplan-billing/internal/models"
)

// Queue is the persistence the worker needs. *store.JobStore implements it.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	ReleaseJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// Handler processes a single job
type Handler func(ctx context.Context, job *models.Job) error

// Stats holds worker counters
type Stats struct {
	JobsProcessed   int64     `json:"jobs_processed"`
	JobsSucceeded   int64     `json:"jobs_succeeded"`
	JobsFailed      int64     `json:"jobs_failed"`
	JobsRetried     int64     `json:"jobs_retried"`
	ActiveJobs      int       `json:"active_jobs"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the number of processor goroutines
	MaxConcurrent int
	// PollInterval is the wait between polls of an empty queue
	PollInterval time.Duration
	// RetryBaseDelay is the delay before the first retry
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier grows the delay per attempt
	RetryBackoffMultiplier float64
	// JobTimeout bounds a single handler run
	JobTimeout time.Duration
	// ShutdownTimeout bounds Stop
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         5 * time.Second,
		RetryMaxDelay:          10 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             30 * time.Second,
		ShutdownTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RetryBackoffMultiplier <= 1 {
		c.RetryBackoffMultiplier = d.RetryBackoffMultiplier
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Worker is the deferred job processor
type Worker struct {
	config Config
	queue  Queue
	logger zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.Mutex

	// activeJobs tracks in-flight jobs so Stop can release them
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a Worker over queue
func New(config Config, queue Queue) *Worker {
	id := generateWorkerID()
	return &Worker{
		config:     config.withDefaults(),
		queue:      queue,
		logger:     log.With().Str("component", "worker").Str("worker_id", id).Logger(),
		handlers:   make(map[string]Handler),
		workerID:   id,
		stopCh:     make(chan struct{}),
		activeJobs: make(map[int64]context.CancelFunc),
	}
}

// RegisterHandler binds a handler to a job type
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Start launches the processor pool. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
	w.logger.Info().Int("processors", w.config.MaxConcurrent).Msg("worker started")
}

// Stop signals processors to exit, releases in-flight jobs and waits for the
// pool to drain.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("worker stopped")
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("worker shutdown: %w", shutdownCtx.Err())
	}
}

func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if err := w.processNextJob(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.logger.Error().Err(err).Int("processor", id).Msg("claim job")
			w.sleep(ctx)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.config.PollInterval):
	}
}

// processNextJob claims and runs one job, sleeping when the queue is empty.
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		w.sleep(ctx)
		return nil
	}
	w.processJob(ctx, job)
	return nil
}

// RunOnce claims and runs at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil || job == nil {
		return false, err
	}
	w.processJob(ctx, job)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	w.logger.Debug().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("processing job")

	h, ok := w.handler(job.JobType)
	if !ok {
		w.handleError(ctx, job, fmt.Errorf("no handler registered for job type: %s", job.JobType), start)
		return
	}

	if err := h(jobCtx, job); err != nil {
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// backoff returns the delay before the next attempt, jittered by ±20%.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempts-1))
	delay := math.Min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	logger := w.logger.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()

	if job.CanRetry() {
		delay := w.backoff(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()
		metrics.JobsProcessed.WithLabelValues(job.JobType, "retry").Inc()

		logger.Warn().Err(err).
			Dur("elapsed", time.Since(start)).
			Dur("retry_in", delay).
			Int("attempt", job.Attempts).
			Msg("job failed; scheduling retry")

		if serr := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); serr != nil {
			logger.Error().Err(serr).Msg("schedule retry")
		}
		return
	}

	metrics.JobsProcessed.WithLabelValues(job.JobType, "failed").Inc()
	logger.Error().Err(err).Int("attempts", job.Attempts).Msg("job exhausted its attempts")
	if ferr := w.queue.MarkFailed(ctx, job.ID, err.Error()); ferr != nil {
		logger.Error().Err(ferr).Msg("mark job failed")
	}
}

func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()
	metrics.JobsProcessed.WithLabelValues(job.JobType, "completed").Inc()

	w.logger.Info().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Dur("elapsed", time.Since(start)).
		Msg("job completed")

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("mark job completed")
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		cancel()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			w.logger.Error().Err(err).Int64("job_id", id).Msg("release job")
			continue
		}
		w.logger.Info().Int64("job_id", id).Msg("released job back to pending")
	}
}

// GetStats returns the worker's counters
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.Lock()
	active := len(w.activeJobs)
	w.mu.Unlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveJobs:      active,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// Enqueue adds a job to the queue
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Normalize(); err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	w.logger.Info().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("priority", string(job.Priority)).
		Msg("enqueued job")
	return nil
}

// GetQueueStats returns queue counts by status
func (w *Worker) GetQueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.queue.GetStats(ctx)
}

func generateWorkerID() string {
	return fmt.Sprintf("worker-%d-%d", time.Now().UnixNano(), rand.Intn(10000))
}
