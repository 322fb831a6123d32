package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/pkg/provider/live"
	"github.com/MrWong99/carevoice/pkg/provider/live/mock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestDialer(t *testing.T, clock *fakeClock, primary live.Dialer) *Dialer {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return NewDialer("primary", primary, DialerConfig{
		Breaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, Now: clock.Now},
		Metrics: m,
	})
}

func TestDialer_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &mock.Dialer{}
	fallback := &mock.Dialer{}
	d := newTestDialer(t, newFakeClock(), primary)
	d.AddFallback("fallback", fallback)

	conn, err := d.Dial(context.Background(), live.Config{Model: "m"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if primary.CallCount() != 1 || fallback.CallCount() != 0 {
		t.Errorf("calls = %d/%d, want 1/0", primary.CallCount(), fallback.CallCount())
	}
}

func TestDialer_FallsOver(t *testing.T) {
	t.Parallel()
	primary := &mock.Dialer{DialErr: errTest}
	fallback := &mock.Dialer{}
	d := newTestDialer(t, newFakeClock(), primary)
	d.AddFallback("fallback", fallback)

	conn, err := d.Dial(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if fallback.CallCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.CallCount())
	}
}

func TestDialer_AllFailWrapsEveryError(t *testing.T) {
	t.Parallel()
	other := errors.New("boom")
	d := newTestDialer(t, newFakeClock(), &mock.Dialer{DialErr: live.ErrUnauthorized})
	d.AddFallback("fallback", &mock.Dialer{DialErr: other})

	_, err := d.Dial(context.Background(), live.Config{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, live.ErrUnauthorized) || !errors.Is(err, other) {
		t.Errorf("err = %v, want both provider errors wrapped", err)
	}
}

func TestDialer_SingleProviderErrorUnwrapped(t *testing.T) {
	t.Parallel()
	d := newTestDialer(t, newFakeClock(), &mock.Dialer{DialErr: errTest})

	_, err := d.Dial(context.Background(), live.Config{})
	if err != errTest {
		t.Errorf("err = %v, want the provider error itself", err)
	}
}

func TestDialer_OpenBreakerSkipsDial(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	primary := &mock.Dialer{DialErr: errTest}
	d := newTestDialer(t, clock, primary)

	_, _ = d.Dial(context.Background(), live.Config{})
	_, _ = d.Dial(context.Background(), live.Config{})
	if d.Available() {
		t.Fatal("breaker should be open after 2 failures")
	}

	_, err := d.Dial(context.Background(), live.Config{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if primary.CallCount() != 2 {
		t.Errorf("dial calls = %d, want 2", primary.CallCount())
	}

	states := d.States()
	if len(states) != 1 || states[0].Name != "primary" || states[0].State != StateOpen {
		t.Errorf("States = %+v", states)
	}

	clock.Advance(time.Minute)
	if !d.Available() {
		t.Error("breaker should let a dial through after the reset timeout")
	}
}

func TestDialer_CancelledContextStops(t *testing.T) {
	t.Parallel()
	primary := &mock.Dialer{Gate: make(chan struct{})}
	fallback := &mock.Dialer{}
	d := newTestDialer(t, newFakeClock(), primary)
	d.AddFallback("fallback", fallback)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Dial(ctx, live.Config{})
		done <- err
	}()
	for primary.CallCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return after cancel")
	}
	if fallback.CallCount() != 0 {
		t.Error("fallback dialed after cancellation")
	}
	if d.States()[0].State != StateClosed {
		t.Error("cancellation counted as a failure")
	}
}

func TestIsConnectFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"provider error", errTest, true},
		{"unauthorized", live.ErrUnauthorized, false},
		{"wrapped unauthorized", fmt.Errorf("%w: API key not valid", live.ErrUnauthorized), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsConnectFailure(tc.err); got != tc.want {
				t.Errorf("IsConnectFailure(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDialer_UnauthorizedKeepsBreakerClosed(t *testing.T) {
	t.Parallel()
	rejected := fmt.Errorf("%w: API key not valid", live.ErrUnauthorized)
	primary := &mock.Dialer{DialErr: rejected}
	d := newTestDialer(t, newFakeClock(), primary)

	// MaxFailures is 2; every attempt must still reach the provider.
	for i := range 5 {
		_, err := d.Dial(context.Background(), live.Config{})
		if !errors.Is(err, live.ErrUnauthorized) {
			t.Fatalf("dial %d: err = %v, want ErrUnauthorized", i, err)
		}
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("dial %d: breaker opened on a rejected key", i)
		}
	}
	if primary.CallCount() != 5 {
		t.Errorf("dial calls = %d, want 5", primary.CallCount())
	}
	if d.States()[0].State != StateClosed {
		t.Errorf("state = %v, want closed", d.States()[0].State)
	}
}

// Not parallel: swaps the global tracer provider.
func TestDialer_SpanPerAttempt(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	d := newTestDialer(t, newFakeClock(), &mock.Dialer{DialErr: errTest})
	d.AddFallback("fallback", &mock.Dialer{})
	conn, err := d.Dial(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want one per attempt", len(spans))
	}
	wantStatus := []codes.Code{codes.Error, codes.Unset}
	for i, want := range []string{"primary", "fallback"} {
		var provider string
		for _, a := range spans[i].Attributes {
			if a.Key == "live.provider" {
				provider = a.Value.AsString()
			}
		}
		if spans[i].Name != "live.dial" || provider != want {
			t.Errorf("span %d = %s provider=%q, want live.dial provider=%q", i, spans[i].Name, provider, want)
		}
		if spans[i].Status.Code != wantStatus[i] {
			t.Errorf("span %d status = %v, want %v", i, spans[i].Status.Code, wantStatus[i])
		}
	}
}
