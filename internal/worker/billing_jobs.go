package worker

import (
	"context"
	"fmt"

	"github.com/PortNumber53/mealplan-billing/internal/models"
)

// PaymentAppender writes payment audit rows.
type PaymentAppender interface {
	AppendPaymentRecord(ctx context.Context, rec models.PaymentRecord) error
}

// RegisterBillingJobs registers the deferred payment record handler
func RegisterBillingJobs(w *Worker, appender PaymentAppender) {
	w.RegisterHandler(models.JobTypePaymentRecordAppend, paymentRecordHandler(appender))
	w.logger.Info().Str("job_type", models.JobTypePaymentRecordAppend).Msg("registered billing job handler")
}

func paymentRecordHandler(appender PaymentAppender) Handler {
	return func(ctx context.Context, job *models.Job) error {
		rec, err := models.PaymentRecordFromJob(job)
		if err != nil {
			return err
		}
		if rec.UserID == "" {
			return fmt.Errorf("payment record job %d has no user id", job.ID)
		}
		return appender.AppendPaymentRecord(ctx, rec)
	}
}

// DeferPaymentRecord queues rec for a later append. It lets the worker serve
// as the billing updater's deferrer.
func (w *Worker) DeferPaymentRecord(ctx context.Context, rec models.PaymentRecord) error {
	job, err := models.NewPaymentRecordJob(rec)
	if err != nil {
		return err
	}
	return w.Enqueue(ctx, job)
}
