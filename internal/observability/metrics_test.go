package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveMovement("RECEIPT")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `stockledger_movements_posted_total{kind="RECEIPT"} 1`) {
		t.Fatalf("expected body to contain posted movements, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestLedgerAndCloseCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveMovement("ISSUE")
	metrics.ObserveMovement("ISSUE")
	metrics.ObserveRejection("INSUFFICIENT_STOCK")
	metrics.ObserveRejection("")
	metrics.ObserveCloseRun("success", 2*time.Second)
	metrics.ObserveLocationClosed(4)

	if got := testutil.ToFloat64(metrics.movements.WithLabelValues("ISSUE")); got != 2 {
		t.Fatalf("issues = %v", got)
	}
	if got := testutil.ToFloat64(metrics.rejections.WithLabelValues("INSUFFICIENT_STOCK")); got != 1 {
		t.Fatalf("rejections = %v", got)
	}
	if got := testutil.ToFloat64(metrics.rejections.WithLabelValues("UNCLASSIFIED")); got != 1 {
		t.Fatalf("unclassified = %v", got)
	}
	if got := testutil.ToFloat64(metrics.closeRuns.WithLabelValues("success")); got != 1 {
		t.Fatalf("close runs = %v", got)
	}
	if got := testutil.ToFloat64(metrics.locationsClosed.WithLabelValues("4")); got != 1 {
		t.Fatalf("locations closed = %v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveMovement("ISSUE")
	nilMetrics.ObserveCloseRun("failure", time.Second)
}

type pingMounter struct{}

func (pingMounter) MountRoutes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestOpsRouterServesMetricsAndMounts(t *testing.T) {
	router := NewOpsRouter(NewMetrics(), pingMounter{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("health status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `route="/health"`) {
		t.Fatalf("metrics missing health route: %d %s", rr.Code, rr.Body.String())
	}
}
