package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/carevoice/internal/health"
	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/internal/session"
	audiomock "github.com/MrWong99/carevoice/pkg/audio/mock"
	"github.com/MrWong99/carevoice/pkg/provider/live"
	livemock "github.com/MrWong99/carevoice/pkg/provider/live/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func do(t *testing.T, ts *httptest.Server, method, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res, body
}

func decodeSnapshot(t *testing.T, body []byte) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot %q: %v", body, err)
	}
	return snap
}

func waitStatus(t *testing.T, ts *httptest.Server, want string) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := do(t, ts, http.MethodGet, "/api/session")
		snap := decodeSnapshot(t, body)
		if snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %q, want %q", snap.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	met := testMetrics(t)
	dialer := &livemock.Dialer{}
	m := session.NewManager(dialer, &audiomock.Devices{}, session.WithMetrics(met))
	t.Cleanup(func() { _ = m.Close() })
	ts := httptest.NewServer(New(m, WithMetrics(met)).Router())
	defer ts.Close()

	_, body := do(t, ts, http.MethodGet, "/api/session")
	if snap := decodeSnapshot(t, body); snap.Status != "inactive" || snap.SessionID != "" {
		t.Fatalf("initial snapshot = %+v", snap)
	}

	res, body := do(t, ts, http.MethodPost, "/api/session/start")
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, body %s", res.StatusCode, body)
	}
	if snap := decodeSnapshot(t, body); snap.Status != "connecting" || snap.SessionID == "" {
		t.Errorf("snapshot after start = %+v", snap)
	}

	for dialer.LastConn() == nil {
		time.Sleep(time.Millisecond)
	}
	dialer.LastConn().Push(live.Event{Type: live.EventReady})
	waitStatus(t, ts, "active")

	// A second start leaves the running session alone.
	res, _ = do(t, ts, http.MethodPost, "/api/session/start")
	if res.StatusCode != http.StatusOK {
		t.Errorf("repeated start status = %d, want 200", res.StatusCode)
	}
	waitStatus(t, ts, "active")

	res, body = do(t, ts, http.MethodPost, "/api/session/stop")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", res.StatusCode)
	}
	if snap := decodeSnapshot(t, body); snap.Status != "inactive" {
		t.Errorf("snapshot after stop = %+v", snap)
	}
}

func TestToggle(t *testing.T) {
	t.Parallel()
	m := session.NewManager(&livemock.Dialer{}, &audiomock.Devices{}, session.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = m.Close() })
	ts := httptest.NewServer(New(m, WithMetrics(testMetrics(t))).Router())
	defer ts.Close()

	_, body := do(t, ts, http.MethodPost, "/api/session/toggle")
	if snap := decodeSnapshot(t, body); snap.Status != "connecting" {
		t.Fatalf("after first toggle = %+v", snap)
	}
	do(t, ts, http.MethodPost, "/api/session/toggle")
	waitStatus(t, ts, "inactive")
}

func TestErrorIsReportedAndDismissed(t *testing.T) {
	t.Parallel()
	devs := &audiomock.Devices{MicrophoneErr: errors.New("permission denied")}
	m := session.NewManager(&livemock.Dialer{}, devs, session.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = m.Close() })
	ts := httptest.NewServer(New(m, WithMetrics(testMetrics(t))).Router())
	defer ts.Close()

	res, body := do(t, ts, http.MethodPost, "/api/session/start")
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatal(err)
	}
	if er.Code != "device_unavailable" || !strings.Contains(er.Error, "microphone") {
		t.Errorf("error response = %+v", er)
	}

	snap := waitStatus(t, ts, "inactive")
	if snap.Error == "" {
		t.Error("snapshot should carry the error")
	}

	res, _ = do(t, ts, http.MethodDelete, "/api/session/error")
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("dismiss status = %d, want 204", res.StatusCode)
	}
	_, body = do(t, ts, http.MethodGet, "/api/session")
	if snap := decodeSnapshot(t, body); snap.Error != "" {
		t.Errorf("error after dismiss = %q", snap.Error)
	}
}

// fakeSessions returns canned results.
type fakeSessions struct {
	startErr error
	stopErr  error
}

func (f *fakeSessions) Toggle(context.Context) error { return f.startErr }

func (f *fakeSessions) StartIfIdle(context.Context) (bool, error) {
	return f.startErr == nil, f.startErr
}

func (f *fakeSessions) Stop(context.Context) error { return f.stopErr }

func (f *fakeSessions) Snapshot() session.Snapshot {
	return session.Snapshot{Status: "inactive"}
}

func (f *fakeSessions) DismissError() {}

func TestStartErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"not configured", session.ErrNotConfigured, http.StatusServiceUnavailable, "not_configured"},
		{"credentials", &session.CredentialError{Err: live.ErrUnauthorized}, http.StatusUnauthorized, "credentials"},
		{"output device", &session.DeviceAcquisitionError{Device: session.DeviceOutput, Err: errors.New("busy")}, http.StatusServiceUnavailable, "device_unavailable"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "session_failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(New(&fakeSessions{startErr: tc.err}, WithMetrics(testMetrics(t))).Router())
			defer ts.Close()

			for _, path := range []string{"/api/session/start", "/api/session/toggle"} {
				res, body := do(t, ts, http.MethodPost, path)
				if res.StatusCode != tc.wantCode {
					t.Errorf("%s status = %d, want %d", path, res.StatusCode, tc.wantCode)
				}
				if !strings.Contains(string(body), tc.wantBody) {
					t.Errorf("%s body = %s, want code %q", path, body, tc.wantBody)
				}
			}
		})
	}
}

func TestStopTimeout(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(New(&fakeSessions{stopErr: context.DeadlineExceeded}, WithMetrics(testMetrics(t))).Router())
	defer ts.Close()

	res, _ := do(t, ts, http.MethodPost, "/api/session/stop")
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", res.StatusCode)
	}
}

func TestHealthAndMetricsMounted(t *testing.T) {
	t.Parallel()
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	srv := New(&fakeSessions{},
		WithMetrics(testMetrics(t)),
		WithHealth(health.New(health.Configured("live", func() bool { return false }))),
		WithMetricsHandler("/prom", metricsHandler),
	)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusServiceUnavailable},
		{http.MethodGet, "/prom", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusNotFound},
		{http.MethodGet, "/api/session/", http.StatusOK},
		{http.MethodPut, "/api/session/toggle", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		res, _ := do(t, ts, tc.method, tc.path)
		if res.StatusCode != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, res.StatusCode, tc.want)
		}
	}
}
