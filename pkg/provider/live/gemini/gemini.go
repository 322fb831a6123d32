// Package gemini implements the live.Dialer interface for Google's Gemini Live
// API over a raw WebSocket.
//
// It exchanges JSON messages according to the BidiGenerateContent protocol:
// a setup message carrying the model, voice, system instruction and
// transcription flags, then a stream of realtimeInput media chunks with
// base64-encoded 16 kHz PCM. Server content is translated into the live
// event taxonomy (ready, audio, transcript, interrupted, error, closed).
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and conn satisfy the live interfaces.
var _ live.Dialer = (*Dialer)(nil)
var _ live.Conn = (*conn)(nil)

const (
	// DefaultModel is used when neither the dial config nor WithModel names one.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message. Audio turns arrive as
	// base64 inside JSON and easily exceed the library default of 32 KiB.
	readLimit = 16 << 20

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the fallback Gemini model used when live.Config.Model is empty.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithKeepalive sets the WebSocket ping interval. Zero disables pings.
func WithKeepalive(interval time.Duration) Option {
	return func(d *Dialer) { d.keepalive = interval }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements live.Dialer for Google's Gemini Live API.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	keepalive  time.Duration
	httpClient *http.Client
}

// New creates a new Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens a WebSocket to the BidiGenerateContent endpoint and sends the
// setup message. live.EventReady is delivered once the server acknowledges
// the setup.
func (d *Dialer) Dial(ctx context.Context, cfg live.Config) (live.Conn, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("gemini: dial: missing API key: %w", live.ErrUnauthorized)
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		strings.TrimRight(d.baseURL, "/"), url.QueryEscape(d.apiKey),
	)

	ws, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("gemini: dial: %s: %w", resp.Status, live.ErrUnauthorized)
		}
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: connCancel,
	}

	model := cfg.Model
	if model == "" {
		model = d.model
	}
	if err := c.sendSetup(ctx, model, cfg); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	if d.keepalive > 0 {
		go c.keepaliveLoop(d.keepalive)
	}

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *apiError        `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// apiError is the error object Gemini embeds in server messages.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *apiError) err() error {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	err := fmt.Errorf("gemini: server error %d %s: %s", e.Code, e.Status, msg)
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden ||
		e.Status == "UNAUTHENTICATED" || e.Status == "PERMISSION_DENIED" {
		return fmt.Errorf("%w: %w", err, live.ErrUnauthorized)
	}
	return err
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan live.Event

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *conn) sendSetup(ctx context.Context, model string, cfg live.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(cfg.Modality())},
			},
		},
	}

	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return c.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Closed locally: no terminal event.
			if c.ctx.Err() != nil {
				return
			}
			c.emit(readFailure(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// readFailure maps a read error to the terminal event the remote close
// implies.
func readFailure(err error) live.Event {
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return live.Event{Type: live.EventClosed}
	case -1:
		return live.Event{Type: live.EventError, Err: fmt.Errorf("gemini: receive: %w", err)}
	default:
		var ce websocket.CloseError
		errors.As(err, &ce)
		if isAuthReason(ce.Reason) {
			return live.Event{Type: live.EventError, Err: fmt.Errorf("gemini: closed %d: %s: %w", status, ce.Reason, live.ErrUnauthorized)}
		}
		return live.Event{Type: live.EventError, Err: fmt.Errorf("gemini: receive: %w", err)}
	}
}

func isAuthReason(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "api key") ||
		strings.Contains(r, "unauthenticated") ||
		strings.Contains(r, "permission_denied") ||
		strings.Contains(r, "permission denied")
}

// handleServerMessage emits the events carried by msg. It returns false once
// a terminal event has been emitted or the connection is closing.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		c.emit(live.Event{Type: live.EventError, Err: msg.Error.err()})
		return false
	}
	if msg.SetupComplete != nil {
		if !c.emit(live.Event{Type: live.EventReady}) {
			return false
		}
	}
	if msg.GoAway != nil {
		slog.Debug("gemini: server requested disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		return c.handleServerContent(msg.ServerContent)
	}
	return true
}

func (c *conn) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			// Native-audio models interleave reasoning text with audio parts;
			// only audio is surfaced. Spoken text arrives as output
			// transcription.
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			data, err := audio.DecodeBase64(p.InlineData.Data)
			if err != nil || len(data) == 0 {
				continue
			}
			if !c.emit(live.Event{Type: live.EventAudio, Audio: data, MIMEType: p.InlineData.MIMEType}) {
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
		if !c.emit(live.Event{Type: live.EventInterrupted}) {
			return false
		}
	}
	return true
}

// emit delivers ev unless the connection is closing.
func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

// SendAudio streams one PCM packet as a realtimeInput media chunk.
func (c *conn) SendAudio(ctx context.Context, pkt audio.EncodedPacket) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("gemini: connection closed")
	}
	c.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: pkt.MIMEType, Data: pkt.Base64()},
			},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan live.Event { return c.events }

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
