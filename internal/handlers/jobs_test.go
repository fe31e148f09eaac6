package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PortNumber53/mealplan-billing/internal/models"
)

type mockJobReader struct {
	stats     *models.JobStats
	jobs      []*models.Job
	lastLimit int
	err       error
}

func (m *mockJobReader) GetStats(context.Context) (*models.JobStats, error) {
	return m.stats, m.err
}

func (m *mockJobReader) ListPendingJobs(_ context.Context, limit int) ([]*models.Job, error) {
	m.lastLimit = limit
	return m.jobs, m.err
}

func TestGetJobStats(t *testing.T) {
	reader := &mockJobReader{stats: &models.JobStats{Pending: 2, Failed: 1, Total: 3}}

	rr := httptest.NewRecorder()
	GetJobStats(reader).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	var stats models.JobStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Pending != 2 || stats.Total != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestListPendingJobs(t *testing.T) {
	reader := &mockJobReader{jobs: []*models.Job{{ID: 1, JobType: models.JobTypePaymentRecordAppend}}}

	rr := httptest.NewRecorder()
	ListPendingJobs(reader).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/pending?limit=5", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if reader.lastLimit != 5 {
		t.Fatalf("expected limit 5 got %d", reader.lastLimit)
	}

	rr = httptest.NewRecorder()
	ListPendingJobs(reader).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/pending?limit=0", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestJobHandlersSurfaceErrors(t *testing.T) {
	reader := &mockJobReader{err: errors.New("boom")}

	for _, h := range []http.HandlerFunc{GetJobStats(reader), ListPendingJobs(reader)} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rr.Code)
		}
	}
}
