// Package genai implements the live.Dialer interface on top of the official
// Google Gen AI Go SDK (google.golang.org/genai) Live API.
//
// It is an alternative to the raw WebSocket dialer in the gemini package:
// the SDK builds the setup message and request URL, and this package maps
// [genaisdk.LiveServerMessage] values onto the live event taxonomy.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/provider/live"
	"github.com/gorilla/websocket"
	genaisdk "google.golang.org/genai"
)

// Compile-time assertions that Dialer and conn satisfy the live interfaces.
var _ live.Dialer = (*Dialer)(nil)
var _ live.Conn = (*conn)(nil)

const (
	// DefaultModel is used when neither the dial config nor WithModel names one.
	DefaultModel      = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultAPIVersion = "v1beta"

	eventBuffer = 64
)

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the fallback model used when live.Config.Model is empty.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the SDK base URL. A ws:// or wss:// scheme is kept
// as is; anything else is upgraded to wss://.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithAPIVersion overrides the API version segment of the endpoint.
func WithAPIVersion(v string) Option {
	return func(d *Dialer) { d.apiVersion = v }
}

// Dialer implements live.Dialer using the Gen AI SDK.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
}

// New creates a Dialer authenticating with apiKey against the Gemini API
// backend.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:     apiKey,
		model:      DefaultModel,
		apiVersion: defaultAPIVersion,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens a Live session. The SDK handshake is not context-aware, so it
// runs on its own goroutine; when ctx ends first the late session is closed
// as soon as it arrives.
func (d *Dialer) Dial(ctx context.Context, cfg live.Config) (live.Conn, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("genai: dial: missing API key: %w", live.ErrUnauthorized)
	}

	client, err := genaisdk.NewClient(ctx, &genaisdk.ClientConfig{
		APIKey:  d.apiKey,
		Backend: genaisdk.BackendGeminiAPI,
		HTTPOptions: genaisdk.HTTPOptions{
			BaseURL:    d.baseURL,
			APIVersion: d.apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = d.model
	}

	type result struct {
		sess *genaisdk.Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := client.Live.Connect(ctx, model, connectConfig(cfg))
		done <- result{sess: sess, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("genai: connect: %w", classify(r.err))
		}
		c := &conn{
			sess:   r.sess,
			events: make(chan live.Event, eventBuffer),
			done:   make(chan struct{}),
		}
		go c.receiveLoop()
		return c, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.sess != nil {
				_ = r.sess.Close()
			}
		}()
		return nil, fmt.Errorf("genai: connect: %w", ctx.Err())
	}
}

// connectConfig translates cfg into the SDK's connect configuration.
func connectConfig(cfg live.Config) *genaisdk.LiveConnectConfig {
	lc := &genaisdk.LiveConnectConfig{
		ResponseModalities: []genaisdk.Modality{genaisdk.Modality(cfg.Modality())},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genaisdk.SpeechConfig{
			VoiceConfig: &genaisdk.VoiceConfig{
				PrebuiltVoiceConfig: &genaisdk.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genaisdk.NewContentFromText(cfg.SystemInstruction, genaisdk.RoleUser)
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genaisdk.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genaisdk.AudioTranscriptionConfig{}
	}
	return lc
}

// classify wraps authorization failures with live.ErrUnauthorized. The SDK
// surfaces server errors as formatted strings, so detection is textual.
func classify(err error) error {
	var ce *websocket.CloseError
	text := err.Error()
	if errors.As(err, &ce) {
		text = ce.Text
	}
	t := strings.ToLower(text)
	if strings.Contains(t, "api key") ||
		strings.Contains(t, "unauthenticated") ||
		strings.Contains(t, "permission_denied") {
		return fmt.Errorf("%w: %w", err, live.ErrUnauthorized)
	}
	return err
}

type conn struct {
	sess   *genaisdk.Session
	events chan live.Event

	writeMu sync.Mutex // the SDK's websocket allows one writer at a time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// receiveLoop pulls messages from the SDK session. It owns the events channel
// and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(live.Event{Type: live.EventClosed})
				return
			}
			c.emit(live.Event{Type: live.EventError, Err: fmt.Errorf("genai: receive: %w", classify(err))})
			return
		}
		if !c.handle(msg) {
			return
		}
	}
}

func (c *conn) handle(msg *genaisdk.LiveServerMessage) bool {
	if msg.SetupComplete != nil {
		if !c.emit(live.Event{Type: live.EventReady}) {
			return false
		}
	}
	if msg.GoAway != nil {
		slog.Debug("genai: server requested disconnect", "time_left", msg.GoAway.TimeLeft)
	}

	sc := msg.ServerContent
	if sc == nil {
		return true
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			if !c.emit(live.Event{Type: live.EventAudio, Audio: p.InlineData.Data, MIMEType: p.InlineData.MIMEType}) {
				return false
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !c.emit(live.Event{Type: live.EventTranscript, Text: sc.InputTranscription.Text, Source: live.SourceInput}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !c.emit(live.Event{Type: live.EventTranscript, Text: sc.OutputTranscription.Text, Source: live.SourceOutput}) {
			return false
		}
	}
	if sc.Interrupted {
		return c.emit(live.Event{Type: live.EventInterrupted})
	}
	return true
}

func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// SendAudio streams one PCM packet as realtime audio input. The SDK write is
// not context-aware; ctx is only checked before writing.
func (c *conn) SendAudio(ctx context.Context, pkt audio.EncodedPacket) error {
	if c.isClosed() {
		return errors.New("genai: connection closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.sess.SendRealtimeInput(genaisdk.LiveRealtimeInput{
		Audio: &genaisdk.Blob{Data: pkt.Data, MIMEType: pkt.MIMEType},
	})
	if err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan live.Event { return c.events }

// Close terminates the session. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	_ = c.sess.Close()
	return nil
}
