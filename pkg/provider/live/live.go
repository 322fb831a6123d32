// Package live defines the Dialer and Conn interfaces for real-time
// conversational voice backends.
//
// A live backend accepts a continuous stream of microphone audio and answers
// with synthesised speech, transcript fragments of both directions, and
// interruption signals, all over a single duplex connection. The Gemini Live
// BidiGenerateContent API is the reference backend; see the gemini and genai
// subpackages.
//
// The central abstraction is Conn: an outbound audio sink plus a single
// ordered stream of inbound [Event] values. Consumers process events
// sequentially from one goroutine, which keeps ordering explicit instead of
// relying on callback registration.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/carevoice/pkg/audio"
)

// ErrUnauthorized is wrapped by dialers and connections when the backend
// rejects the request because credentials are missing or invalid. Callers use
// errors.Is to route such failures to the credential-selection flow.
var ErrUnauthorized = errors.New("live: unauthorized")

// Modality is a response modality requested from the backend.
type Modality string

// ModalityAudio requests synthesised speech responses.
const ModalityAudio Modality = "AUDIO"

// Config is the configuration payload sent when a connection is opened.
type Config struct {
	// Model is the backend model identifier, without any "models/" prefix.
	Model string

	// ResponseModality is the desired response modality. Empty means
	// [ModalityAudio].
	ResponseModality Modality

	// InputTranscription asks the backend to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the backend to transcribe its own speech.
	OutputTranscription bool

	// Voice is the prebuilt voice name, e.g. "Zephyr". Empty leaves the
	// backend default.
	Voice string

	// SystemInstruction constrains the assistant's behaviour for the whole
	// connection.
	SystemInstruction string
}

// Modality returns the configured response modality, defaulting to audio.
func (c Config) Modality() Modality {
	if c.ResponseModality == "" {
		return ModalityAudio
	}
	return c.ResponseModality
}

// EventType discriminates [Event] values.
type EventType int

const (
	// EventReady signals that the connection is fully open and audio may be
	// streamed.
	EventReady EventType = iota + 1

	// EventTranscript carries a transcript fragment in Event.Text.
	EventTranscript

	// EventAudio carries a chunk of synthesised PCM in Event.Audio.
	EventAudio

	// EventInterrupted signals that the backend cancelled the current
	// response; any buffered playback must be discarded.
	EventInterrupted

	// EventError is terminal. Event.Err holds the cause.
	EventError

	// EventClosed is terminal. The backend closed the connection normally.
	EventClosed
)

// String returns the event type name used in logs and metrics.
func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventTranscript:
		return "transcript"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events follow an event of this type.
func (t EventType) Terminal() bool {
	return t == EventError || t == EventClosed
}

// TranscriptSource identifies which side of the conversation a transcript
// fragment belongs to.
type TranscriptSource string

const (
	// SourceInput marks transcription of the user's speech.
	SourceInput TranscriptSource = "input"

	// SourceOutput marks transcription of the assistant's speech.
	SourceOutput TranscriptSource = "output"
)

// Event is one inbound notification from the backend.
type Event struct {
	Type EventType

	// Text is the transcript fragment for EventTranscript.
	Text string

	// Source is the transcript direction for EventTranscript.
	Source TranscriptSource

	// Audio is raw little-endian s16 PCM for EventAudio.
	Audio []byte

	// MIMEType describes Audio, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Err is the cause for EventError.
	Err error
}

// Conn is an open live connection.
//
// The events channel delivers at most one terminal event (EventError or
// EventClosed) and is closed right after it. A connection closed locally via
// Close delivers no terminal event; its channel is simply closed.
type Conn interface {
	// SendAudio streams one encoded microphone packet. It may block until the
	// frame is written or ctx is done.
	SendAudio(ctx context.Context, pkt audio.EncodedPacket) error

	// Events returns the inbound event stream. The same channel is returned on
	// every call.
	Events() <-chan Event

	// Close terminates the connection. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Dialer opens live connections.
type Dialer interface {
	// Dial opens a connection and sends cfg. It returns once the transport is
	// established; EventReady follows on the events channel when the backend
	// acknowledges the configuration.
	//
	// Authorization failures wrap [ErrUnauthorized].
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, cfg Config) (Conn, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Conn, error) {
	return f(ctx, cfg)
}
