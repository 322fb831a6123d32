package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// get serves path through a chi router carrying h and decodes the report.
func get(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	r := chi.NewRouter()
	h.Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	code, rep := get(t, New(Checker{Name: "live", Check: failing("down")}), "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("healthz = %d %+v, want 200 ok regardless of checkers", code, rep)
	}
	if len(rep.Checks) != 0 {
		t.Errorf("healthz ran checks: %+v", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantChecks map[string]CheckResult
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{{"live", ok}, {"audio", ok}},
			wantCode:   http.StatusOK,
			wantChecks: map[string]CheckResult{"live": {Status: StatusOK}, "audio": {Status: StatusOK}},
		},
		{
			name:     "one fails",
			checkers: []Checker{{"live", failing("connection refused")}, {"audio", ok}},
			wantCode: http.StatusServiceUnavailable,
			wantChecks: map[string]CheckResult{
				"live":  {Status: StatusFail, Error: "connection refused"},
				"audio": {Status: StatusOK},
			},
		},
		{
			name:     "all fail",
			checkers: []Checker{{"live", failing("timeout")}, Configured("audio", func() bool { return false })},
			wantCode: http.StatusServiceUnavailable,
			wantChecks: map[string]CheckResult{
				"live":  {Status: StatusFail, Error: "timeout"},
				"audio": {Status: StatusFail, Error: ErrNotConfigured.Error()},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, rep := get(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode {
				t.Errorf("code = %d, want %d", code, tc.wantCode)
			}
			if (rep.Status == StatusOK) != (tc.wantCode == http.StatusOK) {
				t.Errorf("report status = %q for code %d", rep.Status, code)
			}
			if len(rep.Checks) != len(tc.wantChecks) {
				t.Fatalf("checks = %+v, want %d entries", rep.Checks, len(tc.wantChecks))
			}
			for name, want := range tc.wantChecks {
				got := rep.Checks[name]
				if got.Status != want.Status || got.Error != want.Error {
					t.Errorf("%s = %+v, want %+v", name, got, want)
				}
				if got.Duration == "" {
					t.Errorf("%s has no duration", name)
				}
			}
		})
	}
}

func TestCheck_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{"a", slow}, Checker{"b", slow})

	done := make(chan Report, 1)
	go func() { done <- h.Check(context.Background()) }()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checks did not start concurrently")
		}
	}
	close(release)
	if rep := <-done; rep.Status != StatusOK {
		t.Errorf("report = %+v", rep)
	}
}

func TestCheck_HonoursCancellation(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.Check(ctx)
	if rep.Status != StatusFail || rep.Checks["slow"].Error != context.Canceled.Error() {
		t.Errorf("report = %+v", rep)
	}
}

func TestConfigured_FollowsPresence(t *testing.T) {
	t.Parallel()

	present := false
	c := Configured("live", func() bool { return present })
	if err := c.Check(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("absent: err = %v", err)
	}
	present = true
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("present: err = %v", err)
	}
}
