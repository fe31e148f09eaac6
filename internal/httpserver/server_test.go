package httpserver

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/mealplan-billing/internal/billing"
	"github.com/PortNumber53/mealplan-billing/internal/config"
	"github.com/PortNumber53/mealplan-billing/internal/models"
	"github.com/PortNumber53/mealplan-billing/internal/store"
)

const testSecret = "whsec_server_test"

type stubJobs struct{}

func (stubJobs) GetStats(context.Context) (*models.JobStats, error) {
	return &models.JobStats{Pending: 1, Total: 1}, nil
}

func (stubJobs) ListPendingJobs(context.Context, int) ([]*models.Job, error) {
	return nil, nil
}

func newTestServer(withJobs bool) (*Server, *store.MemoryStore) {
	s := store.NewMemoryStore()
	deps := Deps{
		Dispatcher: billing.NewDispatcher(billing.NewUpdater(s), testSecret),
		Billing:    s,
		Pinger:     s,
	}
	if withJobs {
		deps.Jobs = stubJobs{}
	}
	return New(config.Config{ServerAddress: ":0"}, deps), s
}

func TestHealthRoute(t *testing.T) {
	server, _ := newTestServer(false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestReadyAndMetricsRoutes(t *testing.T) {
	server, _ := newTestServer(false)

	for _, path := range []string{"/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, rr.Code)
		}
	}
}

func TestWebhookThenSubscriptionLookup(t *testing.T) {
	server, _ := newTestServer(false)

	payload := `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","customer":"cus_1","subscription":"sub_1","amount_total":500,"currency":"eur","client_reference_id":"user_1","livemode":false}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(signed.Payload))
	req.Header.Set(billing.SignatureHeader, signed.Header)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook: expected 200 got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/billing/subscription?user_id=user_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("subscription: expected 200 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"planId":"quarterly"`) || !strings.Contains(rr.Body.String(), `"isTest":true`) {
		t.Fatalf("unexpected subscription body: %s", rr.Body.String())
	}
}

func TestWebhookRouteRejectsGet(t *testing.T) {
	server, _ := newTestServer(false)

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, WebhookPath, nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rr.Code)
	}
}

func TestJobRoutesOnlyWithQueue(t *testing.T) {
	without, _ := newTestServer(false)
	rr := httptest.NewRecorder()
	without.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without queue, got %d", rr.Code)
	}

	with, _ := newTestServer(true)
	rr = httptest.NewRecorder()
	with.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with queue, got %d", rr.Code)
	}
}

// blockingStore pauses the checkout path between the subscription write and
// the payment append.
type blockingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) AppendPaymentRecord(ctx context.Context, rec models.PaymentRecord) error {
	close(b.entered)
	<-b.release
	return b.MemoryStore.AppendPaymentRecord(ctx, rec)
}

func TestServeDrainsInFlightWebhookBeforeReturning(t *testing.T) {
	mem := store.NewMemoryStore()
	bs := &blockingStore{MemoryStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	server := New(config.Config{}, Deps{
		Dispatcher: billing.NewDispatcher(billing.NewUpdater(bs), ""),
		Billing:    mem,
		Pinger:     mem,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, ln, 5*time.Second)
	}()

	payload := `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","amount_total":500,"client_reference_id":"user_1"}}}`
	respCode := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+WebhookPath, "application/json", strings.NewReader(payload))
		if err != nil {
			respCode <- 0
			return
		}
		resp.Body.Close()
		respCode <- resp.StatusCode
	}()

	select {
	case <-bs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never reached the store")
	}

	cancel()
	select {
	case err := <-serveErr:
		t.Fatalf("Serve returned before the in-flight request finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(bs.release)
	if code := <-respCode; code != http.StatusOK {
		t.Fatalf("expected 200 for drained request, got %d", code)
	}
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after drain")
	}
	if mem.PaymentCount() != 1 {
		t.Fatalf("expected the payment to be recorded, got %d", mem.PaymentCount())
	}
}
