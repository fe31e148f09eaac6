package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/mealplan-billing/internal/models"
)

// JobReader exposes the deferred job queue for inspection.
type JobReader interface {
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// GetJobStats returns queue counts by status.
func GetJobStats(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := jobs.GetStats(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("GetJobStats: failed to get stats")
			writeError(w, http.StatusInternalServerError, "failed to get job stats")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ListPendingJobs returns pending jobs in claim order.
func ListPendingJobs(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		pending, err := jobs.ListPendingJobs(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("ListPendingJobs: failed to list jobs")
			writeError(w, http.StatusInternalServerError, "failed to list pending jobs")
			return
		}
		if pending == nil {
			pending = []*models.Job{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":  pending,
			"count": len(pending),
		})
	}
}
