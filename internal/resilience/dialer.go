package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

// ErrAllFailed is returned by [Dialer.Dial] when every provider failed or had
// an open breaker. It wraps each provider's error.
var ErrAllFailed = errors.New("all providers failed")

var _ live.Dialer = (*Dialer)(nil)

// DialerConfig configures a [Dialer].
type DialerConfig struct {
	// Breaker is the template for every provider's breaker. Name is
	// replaced with the provider name. A nil IsFailure becomes
	// [IsConnectFailure].
	Breaker CircuitBreakerConfig

	// Metrics records rejected and failed connects. Default: the
	// process-wide instruments.
	Metrics *observe.Metrics

	// Logger receives failover messages. Default: [slog.Default].
	Logger *slog.Logger
}

type dialerEntry struct {
	name    string
	next    live.Dialer
	breaker *CircuitBreaker
}

// Dialer is a [live.Dialer] that puts each provider behind its own
// [CircuitBreaker] and falls over to the next provider when one fails to
// connect. Only connection establishment is guarded; a session that
// connected and later failed is not retried.
type Dialer struct {
	cfg     DialerConfig
	entries []dialerEntry
}

// NewDialer returns a Dialer whose first choice is primary.
func NewDialer(name string, primary live.Dialer, cfg DialerConfig) *Dialer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	d := &Dialer{cfg: cfg}
	d.AddFallback(name, primary)
	return d
}

// IsConnectFailure reports whether a connect error says anything about the
// provider's health. A rejected API key is the user's to fix: it must reach
// the caller as [live.ErrUnauthorized] every time, not trip the breaker into
// a generic connection failure.
func IsConnectFailure(err error) bool {
	return countsAsFailure(err) && !errors.Is(err, live.ErrUnauthorized)
}

// AddFallback appends a provider tried after every earlier one. It must not
// be called concurrently with Dial.
func (d *Dialer) AddFallback(name string, next live.Dialer) {
	bc := d.cfg.Breaker
	bc.Name = name
	if bc.Logger == nil {
		bc.Logger = d.cfg.Logger
	}
	if bc.IsFailure == nil {
		bc.IsFailure = IsConnectFailure
	}
	d.entries = append(d.entries, dialerEntry{
		name:    name,
		next:    next,
		breaker: NewCircuitBreaker(bc),
	})
}

// Dial tries each provider in order and returns the first connection. A
// cancelled ctx stops the search. With a single provider its error is
// returned as is; otherwise the result wraps [ErrAllFailed].
func (d *Dialer) Dial(ctx context.Context, cfg live.Config) (live.Conn, error) {
	var errs []error
	for _, e := range d.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var conn live.Conn
		actx, span := observe.StartSpan(ctx, "live.dial",
			trace.WithAttributes(attribute.String("live.provider", e.name)))
		err := e.breaker.Execute(func() error {
			var dialErr error
			conn, dialErr = e.next.Dial(actx, cfg)
			return dialErr
		})
		observe.EndSpan(span, err)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		if errors.Is(err, ErrCircuitOpen) {
			d.cfg.Metrics.RecordProviderError(ctx, e.name, "circuit_open")
			d.cfg.Logger.Debug("skipping provider, circuit open", "provider", e.name)
			err = fmt.Errorf("%s: %w", e.name, err)
		} else {
			d.cfg.Logger.Warn("provider failed to connect", "provider", e.name, "err", err)
		}
		errs = append(errs, err)
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// States reports each provider's breaker state, in dial order.
func (d *Dialer) States() []ProviderState {
	out := make([]ProviderState, len(d.entries))
	for i, e := range d.entries {
		out[i] = ProviderState{Name: e.name, State: e.breaker.State()}
	}
	return out
}

// Available reports whether at least one provider's breaker would let a
// connect attempt through.
func (d *Dialer) Available() bool {
	for _, e := range d.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// ProviderState pairs a provider name with its breaker state.
type ProviderState struct {
	Name  string
	State State
}
