package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumentedRouter mounts a few routes behind Middleware and returns the
// recorded spans and metrics.
func instrumentedRouter(t *testing.T, quiet ...string) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := installTracer(t)
	m, reader := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(Middleware(m, quiet...))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})
	r.Get("/scrape", func(w http.ResponseWriter, _ *http.Request) {})
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("item"))
	})
	r.Post("/fail", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return r, reader, exp
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, exp := instrumentedRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))

	cid := rec.Header().Get("X-Correlation-ID")
	if !traceIDPattern.MatchString(cid) {
		t.Fatalf("X-Correlation-ID = %q", cid)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("trace context not injected into the response")
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].SpanContext.TraceID().String() != cid {
		t.Errorf("span trace ID does not match correlation ID %s", cid)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h, _, _ := instrumentedRouter(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want the incoming trace %s", got, traceID)
	}
}

func TestMiddleware_SpansUseRoutePattern(t *testing.T) {
	h, _, exp := instrumentedRouter(t)

	tests := []struct {
		method, path string
		wantName     string
		wantStatus   int64
	}{
		{http.MethodGet, "/items/42", "HTTP GET /items/{id}", 200},
		{http.MethodPost, "/fail", "HTTP POST /fail", 418},
		{http.MethodGet, "/nope", "HTTP GET unmatched", 404},
	}
	for _, tc := range tests {
		exp.Reset()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s %s: %d spans", tc.method, tc.path, len(spans))
		}
		if spans[0].Name != tc.wantName {
			t.Errorf("%s %s: span name = %q, want %q", tc.method, tc.path, spans[0].Name, tc.wantName)
		}
		var status int64
		for _, a := range spans[0].Attributes {
			if a.Key == "http.response.status_code" {
				status = a.Value.AsInt64()
			}
		}
		if status != tc.wantStatus {
			t.Errorf("%s %s: status attribute = %d, want %d", tc.method, tc.path, status, tc.wantStatus)
		}
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	h, reader, _ := instrumentedRouter(t)

	for _, id := range []string{"1", "2", "3"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "carevoice.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1 series for the shared route", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, ok := dp.Attributes.Value("route"); !ok || v.AsString() != "/items/{id}" {
		t.Errorf("route attribute = %v", v.AsString())
	}
}

func TestMiddleware_QuietPaths(t *testing.T) {
	tests := []struct {
		path      string
		wantQuiet bool
	}{
		{"/healthz", true},
		{"/scrape", true},
		{"/items/1", false},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			h, _, _ := instrumentedRouter(t, "/scrape")
			buf := captureLogs(t)

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))

			logged := strings.Contains(buf.String(), "request completed")
			if logged == tc.wantQuiet {
				t.Errorf("logged at info = %v, want %v: %s", logged, !tc.wantQuiet, buf.String())
			}
		})
	}
}

func TestMiddleware_WithoutRouterUsesPath(t *testing.T) {
	exp := installTracer(t)
	m, _ := newTestMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /plain" {
		t.Errorf("spans = %+v", spans)
	}
}
