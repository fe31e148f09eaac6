package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/mealplan-billing/internal/metrics"
)

func newTrackedRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(NewRequestTracker().Middleware())
	r.Get("/api/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func TestRequestTrackerLabelsByRoutePattern(t *testing.T) {
	h := newTrackedRouter()
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/items/{id}", "418")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"1", "2", "3"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/items/"+id, nil))
		require.Equal(t, http.StatusTeapot, rr.Code)
	}

	require.Equal(t, before+3, testutil.ToFloat64(counter))
}

func TestRequestTrackerDefaultsToOK(t *testing.T) {
	h := newTrackedRouter()
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/ok", "200")
	before := testutil.ToFloat64(counter)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ok", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestResponseWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	n, err := rw.Write([]byte("abc"))

	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, http.StatusAccepted, rw.statusCode)
	require.Equal(t, 3, rw.size)
}
