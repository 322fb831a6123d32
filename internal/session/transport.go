package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

// Default transport parameters.
const (
	defaultOutboxSize = 8
	eventBuffer       = 64
)

// Drop reasons reported to [observe.Metrics.RecordFrameDropped].
const (
	dropNotReady     = "not_ready"
	dropFailed       = "failed"
	dropBackpressure = "backpressure"
	dropClosed       = "closed"
)

var (
	// ErrTransportClosed is the result of a connect that was abandoned
	// because the transport was closed first.
	ErrTransportClosed = errors.New("session: transport closed")

	// ErrAlreadyConnecting is returned by a second Connect on one transport.
	ErrAlreadyConnecting = errors.New("session: transport already connecting")
)

// Pending is the future of an in-flight [Transport.Connect].
type Pending struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the connection attempt resolved either way.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the attempt resolves or ctx is done. It returns the dial
// error, or nil when the connection was established.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransportOption configures a [Transport].
type TransportOption func(*Transport)

// WithOutboxSize sets how many encoded packets may wait for the writer before
// new ones are dropped. Values below 1 are ignored.
func WithOutboxSize(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.outboxSize = n
		}
	}
}

// WithTransportMetrics records transport telemetry on m instead of
// [observe.DefaultMetrics].
func WithTransportMetrics(m *observe.Metrics) TransportOption {
	return func(t *Transport) { t.metrics = m }
}

// WithTransportLogger sets the logger. Defaults to [slog.Default].
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) { t.log = l }
}

// Transport owns one live connection for one session.
//
// It turns the dialer's blocking Dial into a non-blocking [Transport.Connect],
// makes [Transport.Send] best effort so the capture callback never waits on the
// network, and merges remote events and local send failures into one ordered
// stream with at most one terminal event.
//
// All methods are safe for concurrent use.
type Transport struct {
	dialer     live.Dialer
	outboxSize int
	metrics    *observe.Metrics
	log        *slog.Logger

	events chan live.Event
	outbox chan audio.EncodedPacket
	failed chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	resolved bool
	closed   bool
	conn     live.Conn
	dialErr  error

	failOnce  sync.Once
	hasFailed atomic.Bool
	dropped   atomic.Int64
	sent      atomic.Int64
}

// NewTransport returns an unconnected transport over dialer.
func NewTransport(dialer live.Dialer, opts ...TransportOption) *Transport {
	t := &Transport{
		dialer:     dialer,
		outboxSize: defaultOutboxSize,
		log:        slog.Default(),
		events:     make(chan live.Event, eventBuffer),
		failed:     make(chan error, 1),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	t.outbox = make(chan audio.EncodedPacket, t.outboxSize)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Events returns the inbound event stream. It delivers at most one terminal
// event ([live.EventError] or [live.EventClosed]) and is closed after it, or
// without one after a local [Transport.Close].
func (t *Transport) Events() <-chan live.Event { return t.events }

// Connect starts dialing in the background and returns immediately. ctx bounds
// the dial only; a later [Transport.Close] also cancels it.
//
// A transport connects once. A second Connect resolves with
// [ErrAlreadyConnecting]; a Connect after Close resolves with
// [ErrTransportClosed].
func (t *Transport) Connect(ctx context.Context, cfg live.Config) *Pending {
	p := newPending()

	t.mu.Lock()
	switch {
	case t.closed:
		if !t.started {
			t.started = true
			close(t.events)
		}
		t.mu.Unlock()
		p.resolve(ErrTransportClosed)
		return p
	case t.started:
		t.mu.Unlock()
		p.resolve(ErrAlreadyConnecting)
		return p
	}
	t.started = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.run(ctx, cfg, p)
	return p
}

// run is the only goroutine that writes to t.events.
func (t *Transport) run(ctx context.Context, cfg live.Config, p *Pending) {
	defer t.wg.Done()
	defer close(t.events)

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	stop := context.AfterFunc(t.ctx, cancelDial)
	defer stop()

	dialCtx, span := observe.StartSpan(dialCtx, "live.connect",
		trace.WithAttributes(attribute.String("live.model", cfg.Model)),
	)
	start := time.Now()
	conn, err := t.dialer.Dial(dialCtx, cfg)

	t.mu.Lock()
	if err == nil && t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		span.End()
		p.resolve(ErrTransportClosed)
		return
	}
	t.resolved = true
	if err != nil {
		err = classifyConnErr("connect", err)
		t.dialErr = err
	} else {
		t.conn = conn
	}
	t.mu.Unlock()
	p.resolve(err)

	if err != nil {
		observe.EndSpan(span, err)
		if t.ctx.Err() != nil {
			return
		}
		t.fail(err)
		t.deliver(live.Event{Type: live.EventError, Err: <-t.failed})
		return
	}

	t.wg.Add(1)
	go t.writeLoop(conn)

	ready := false
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				if !ready {
					span.End()
				}
				t.ended()
				if t.ctx.Err() == nil {
					t.deliver(live.Event{Type: live.EventClosed})
				}
				return
			}
			if ev.Type == live.EventReady && !ready {
				ready = true
				t.metrics.ConnectDuration.Record(t.ctx, time.Since(start).Seconds())
				span.End()
			}
			if ev.Type == live.EventError {
				ev.Err = classifyConnErr("receive", ev.Err)
			}
			if ev.Type.Terminal() {
				t.ended()
			}
			t.deliver(ev)
			if ev.Type.Terminal() {
				if !ready {
					observe.EndSpan(span, ev.Err)
				}
				return
			}
		case err := <-t.failed:
			if !ready {
				observe.EndSpan(span, err)
			}
			t.deliver(live.Event{Type: live.EventError, Err: err})
			return
		case <-t.ctx.Done():
			if !ready {
				span.End()
			}
			return
		}
	}
}

// deliver hands ev to the consumer unless the transport is closed first.
func (t *Transport) deliver(ev live.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// fail records the first local failure. Later failures are ignored.
func (t *Transport) fail(err error) {
	t.failOnce.Do(func() {
		t.hasFailed.Store(true)
		t.failed <- err
	})
}

// ended marks the connection as finished by the remote side. It takes the
// single failure slot so no local error follows the remote terminal event,
// and later sends are dropped.
func (t *Transport) ended() {
	t.failOnce.Do(func() { t.hasFailed.Store(true) })
}

func (t *Transport) writeLoop(conn live.Conn) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case pkt := <-t.outbox:
			if err := conn.SendAudio(t.ctx, pkt); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.log.Debug("live send failed", "err", err)
				t.fail(classifyConnErr("send", err))
				return
			}
			t.sent.Add(1)
			t.metrics.FramesSent.Add(t.ctx, 1)
		}
	}
}

// Send queues pkt for transmission. It never blocks and never fails: a packet
// that cannot be sent right now is dropped and counted. Sending on a transport
// whose dial failed triggers the single terminal error if it has not been
// delivered yet.
func (t *Transport) Send(pkt audio.EncodedPacket) {
	t.mu.Lock()
	closed, resolved, dialErr := t.closed, t.resolved, t.dialErr
	t.mu.Unlock()

	switch {
	case closed:
		t.drop(dropClosed)
		return
	case !resolved:
		t.drop(dropNotReady)
		return
	case dialErr != nil:
		t.fail(dialErr)
		t.drop(dropFailed)
		return
	case t.hasFailed.Load():
		t.drop(dropFailed)
		return
	}

	select {
	case t.outbox <- pkt:
	default:
		t.drop(dropBackpressure)
	}
}

func (t *Transport) drop(reason string) {
	t.dropped.Add(1)
	t.metrics.RecordFrameDropped(t.ctx, reason)
}

// Dropped returns how many packets Send discarded.
func (t *Transport) Dropped() int64 { return t.dropped.Load() }

// Sent returns how many packets were written to the connection.
func (t *Transport) Sent() int64 { return t.sent.Load() }

// Close cancels an in-flight dial, closes an established connection, and waits
// for the transport's goroutines to exit. Idempotent; only the first call
// returns the connection's close error.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}
