package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a deferred job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobPriority orders claims; higher priorities are claimed first.
type JobPriority string

const (
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
)

// JobTypePaymentRecordAppend retries an audit row that could not be written
// while handling a webhook.
const JobTypePaymentRecordAppend = "payment_record.append"

const defaultJobMaxAttempts = 5

// Job is a unit of deferred work stored in the jobs table.
type Job struct {
	ID          int64       `json:"id"`
	JobType     string      `json:"job_type"`
	Payload     JSONB       `json:"payload"`
	Status      JobStatus   `json:"status"`
	Priority    JobPriority `json:"priority"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   *string     `json:"last_error,omitempty"`
	RetryAfter  *time.Time  `json:"retry_after,omitempty"`
	WorkerID    *string     `json:"worker_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// JSONB is a generic JSON object stored in a Postgres JSONB column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONB", value)
	}

	return json.Unmarshal(raw, j)
}

// JobStats summarises the queue by status.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Normalize validates the job and fills in defaults before it is enqueued.
func (j *Job) Normalize() error {
	if j.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = defaultJobMaxAttempts
	}
	if j.Priority == "" {
		j.Priority = JobPriorityNormal
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// NewPaymentRecordJob wraps a payment record into a deferred append job.
func NewPaymentRecordJob(rec PaymentRecord) (*Job, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode payment record: %w", err)
	}
	var payload JSONB
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("encode payment record: %w", err)
	}
	return &Job{
		JobType:  JobTypePaymentRecordAppend,
		Payload:  payload,
		Priority: JobPriorityHigh,
	}, nil
}

// PaymentRecordFromJob decodes the payload written by NewPaymentRecordJob.
func PaymentRecordFromJob(job *Job) (PaymentRecord, error) {
	var rec PaymentRecord
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return rec, fmt.Errorf("decode payment record job %d: %w", job.ID, err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode payment record job %d: %w", job.ID, err)
	}
	return rec, nil
}
