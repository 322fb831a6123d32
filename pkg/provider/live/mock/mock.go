// Package mock provides test doubles for the live package interfaces.
//
// Use Dialer to verify Dial calls and hand out controlled connections. Use
// Conn to inject inbound events and inspect the audio packets that were sent.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn}
//	c, _ := d.Dial(ctx, cfg)
//	conn.Push(live.Event{Type: live.EventReady})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

var (
	_ live.Dialer = (*Dialer)(nil)
	_ live.Conn   = (*Conn)(nil)
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Cfg is the Config passed to Dial.
	Cfg live.Config
}

// Dialer is a mock implementation of live.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a fresh [NewConn].
	Conn *Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// Gate, if non-nil, makes Dial block until the channel is closed or ctx
	// is done. It simulates a slow connection establishment.
	Gate chan struct{}

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall

	// Conns records every connection returned by Dial.
	Conns []*Conn
}

// Dial records the call and returns Conn, DialErr.
func (d *Dialer) Dial(ctx context.Context, cfg live.Config) (live.Conn, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, DialCall{Ctx: ctx, Cfg: cfg})
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := d.Conn
	if c == nil {
		c = NewConn()
	}
	d.Conns = append(d.Conns, c)
	return c, nil
}

// CallCount returns how many times Dial was called.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// LastConn returns the most recent connection handed out, or nil.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}

// Conn is a mock implementation of live.Conn.
type Conn struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Sent records every packet passed to SendAudio.
	Sent []audio.EncodedPacket

	// CloseCount is the number of times Close was called.
	CloseCount int

	events   chan live.Event
	finished bool
	sent     chan struct{}
}

// NewConn returns a Conn with a buffered event channel.
func NewConn() *Conn {
	return &Conn{
		events: make(chan live.Event, 64),
		sent:   make(chan struct{}, 256),
	}
}

// SendAudio implements live.Conn.
func (c *Conn) SendAudio(_ context.Context, pkt audio.EncodedPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, pkt)
	select {
	case c.sent <- struct{}{}:
	default:
	}
	return nil
}

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event { return c.events }

// Close implements live.Conn. It closes the event stream without a terminal
// event, as a real connection closed locally does.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCount++
	c.finishLocked()
	return nil
}

// Push injects an inbound event. Terminal events close the stream. Push is a
// no-op once the stream is closed.
func (c *Conn) Push(ev live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.events <- ev
	if ev.Type.Terminal() {
		c.finishLocked()
	}
}

func (c *Conn) finishLocked() {
	if !c.finished {
		c.finished = true
		close(c.events)
	}
}

// SentPackets returns a copy of the packets passed to SendAudio.
func (c *Conn) SentPackets() []audio.EncodedPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.EncodedPacket(nil), c.Sent...)
}

// SentSignal is signalled (non-blocking) after each successful SendAudio.
func (c *Conn) SentSignal() <-chan struct{} { return c.sent }

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCount
}
