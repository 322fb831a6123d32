// Package session implements the real-time voice session core: a lifecycle
// state machine that acquires the microphone and playback devices, opens a
// live connection, streams encoded microphone frames out, plays synthesised
// speech back gap-free, and tears everything down exactly once.
//
// The [Manager] owns at most one session at a time. Starting while a session
// exists stops it instead (toggle semantics). Inbound events for a session
// are consumed by a single dispatcher goroutine in arrival order; capture
// callbacks and playback completion callbacks run on the device goroutines
// and only touch the [Transport] and [Scheduler], both of which are safe for
// concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

// ── State ───────────────────────────────────────────────────────────────────

// State is the lifecycle state of the manager.
type State int

const (
	// StateIdle means no session exists.
	StateIdle State = iota

	// StateConnecting means devices are being acquired or the live connection
	// is not ready yet.
	StateConnecting

	// StateActive means the connection is ready and microphone audio flows.
	StateActive

	// StateClosing means teardown is in progress.
	StateClosing
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status maps the state onto the three-valued status shown to users.
// Closing is reported as inactive.
func (s State) Status() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "inactive"
	}
}

// Teardown reasons, recorded on the sessions-ended metric.
const (
	reasonStop       = "stop"
	reasonClosed     = "closed"
	reasonError      = "error"
	reasonCredential = "credential"
)

// ── Updates ─────────────────────────────────────────────────────────────────

// UpdateKind discriminates [Update] values.
type UpdateKind int

const (
	// UpdateState reports a lifecycle transition in Update.State.
	UpdateState UpdateKind = iota + 1

	// UpdateTranscript reports a transcript fragment in Update.Text.
	UpdateTranscript

	// UpdateError reports a session-fatal error in Update.Err.
	UpdateError
)

// Update is a notification delivered to the function registered with
// [WithObserver].
type Update struct {
	Kind      UpdateKind
	SessionID string
	State     State
	Text      string
	Source    live.TranscriptSource
	Err       error
}

// Snapshot is a consistent view of the manager for presentation.
type Snapshot struct {
	SessionID      string    `json:"session_id,omitempty"`
	State          string    `json:"state"`
	Status         string    `json:"status"`
	Transcript     string    `json:"transcript"`
	UserTranscript string    `json:"user_transcript"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
}

// ── Options ─────────────────────────────────────────────────────────────────

// Option configures a [Manager].
type Option func(*Manager)

// WithLiveConfig sets the connection configuration for new sessions.
func WithLiveConfig(c LiveConfig) Option {
	return func(m *Manager) { m.liveCfg = c }
}

// WithBlockSize sets the capture block size in samples.
func WithBlockSize(n int) Option {
	return func(m *Manager) { m.blockSize = n }
}

// WithSampleRates sets the rates requested for the input and output
// contexts. Non-positive values keep the defaults of 16 kHz and 24 kHz.
func WithSampleRates(input, output int) Option {
	return func(m *Manager) {
		if input > 0 {
			m.inputRate = input
		}
		if output > 0 {
			m.outputRate = output
		}
	}
}

// WithMetrics records session telemetry on met instead of
// [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithTransportOptions passes extra options to every session's [Transport].
func WithTransportOptions(opts ...TransportOption) Option {
	return func(m *Manager) { m.transportOpts = append(m.transportOpts, opts...) }
}

// WithCredentialNotifier registers the credential-selection collaborator. fn
// is called on its own goroutine with the [*CredentialError] whenever a
// session fails for lack of valid credentials, or when the advisory check
// from [WithCredentialCheck] fails. It never delays teardown.
func WithCredentialNotifier(fn func(error)) Option {
	return func(m *Manager) { m.onCredential = fn }
}

// WithCredentialCheck registers an advisory pre-flight check run by Start.
// A failing check notifies the credential collaborator but the session still
// starts; the live service has the final word.
func WithCredentialCheck(fn func(context.Context) error) Option {
	return func(m *Manager) { m.credCheck = fn }
}

// WithObserver registers fn for state, transcript and error updates. fn runs
// on the goroutine that caused the update and must not block.
func WithObserver(fn func(Update)) Option {
	return func(m *Manager) { m.observer = fn }
}

// ── Manager ─────────────────────────────────────────────────────────────────

// Manager runs the voice session lifecycle
// Idle → Connecting → Active → Closing → Idle.
//
// All methods are safe for concurrent use.
type Manager struct {
	blockSize     int
	inputRate     int
	outputRate    int
	metrics       *observe.Metrics
	transportOpts []TransportOption
	onCredential  func(error)
	credCheck     func(context.Context) error
	observer      func(Update)

	mu             sync.Mutex
	dialer         live.Dialer
	devices        audio.Devices
	liveCfg        LiveConfig
	state          State
	sess           *session
	sessionID      string
	startedAt      time.Time
	transcript     strings.Builder
	userTranscript strings.Builder
	lastErr        error
}

// NewManager returns an idle manager that opens connections with dialer and
// devices with devs.
func NewManager(dialer live.Dialer, devs audio.Devices, opts ...Option) *Manager {
	m := &Manager{
		dialer:     dialer,
		devices:    devs,
		liveCfg:    DefaultLiveConfig(),
		blockSize:  DefaultBlockSize,
		inputRate:  audio.CaptureSampleRate,
		outputRate: audio.PlaybackSampleRate,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Reconfigure replaces the dialer, the devices and the connection settings
// used by the next session. Nil arguments keep the current value. A running
// session is not affected.
func (m *Manager) Reconfigure(dialer live.Dialer, devs audio.Devices, cfg *LiveConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dialer != nil {
		m.dialer = dialer
	}
	if devs != nil {
		m.devices = devs
	}
	if cfg != nil {
		m.liveCfg = *cfg
	}
}

// Toggle starts a session when idle and stops the current one otherwise.
func (m *Manager) Toggle(ctx context.Context) error {
	return m.Start(ctx)
}

// Start opens a new session: it acquires the microphone and both device
// contexts, resumes them and starts connecting. It returns once the
// connection attempt is under way; [StateActive] follows when the service
// signals readiness.
//
// Calling Start while a session exists stops that session instead and does
// not start a new one.
//
// A device failure tears the session down and is returned. Connection
// failures arrive later and surface through [Manager.Err].
func (m *Manager) Start(ctx context.Context) error {
	_, err := m.start(ctx, true)
	return err
}

// StartIfIdle opens a new session like [Manager.Start] but leaves an existing
// session running. It reports whether a session was started.
func (m *Manager) StartIfIdle(ctx context.Context) (bool, error) {
	return m.start(ctx, false)
}

func (m *Manager) start(ctx context.Context, stopExisting bool) (bool, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		s := m.sess
		m.mu.Unlock()
		if stopExisting && s != nil {
			s.teardown(reasonStop, nil)
		}
		return false, nil
	}
	if m.dialer == nil || m.devices == nil {
		m.mu.Unlock()
		return false, ErrNotConfigured
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:      id,
		m:       m,
		ctx:     sctx,
		cancel:  cancel,
		started: time.Now(),
		log:     observe.SessionLogger(ctx, id),
		dialer:  m.dialer,
		devices: m.devices,
		cfg:     m.liveCfg.build(),
		done:    make(chan struct{}),
	}
	m.sess = s
	m.state = StateConnecting
	m.sessionID = id
	m.startedAt = s.started
	m.transcript.Reset()
	m.userTranscript.Reset()
	m.lastErr = nil
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session starting")
	m.notify(Update{Kind: UpdateState, SessionID: id, State: StateConnecting})

	if m.credCheck != nil {
		if err := m.credCheck(ctx); err != nil {
			s.log.Warn("credential check failed, continuing", "err", err)
			m.notifyCredential(&CredentialError{Err: err})
		}
	}

	return true, s.open(ctx)
}

// Stop tears down the current session, if any, and returns once the manager
// is idle or ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	go s.teardown(reasonStop, nil)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any session. It is meant for application shutdown.
func (m *Manager) Close() error {
	return m.Stop(context.Background())
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state, transcripts and error message.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		State:          m.state.String(),
		Status:         m.state.Status(),
		Transcript:     m.transcript.String(),
		UserTranscript: m.userTranscript.String(),
		Error:          UserMessage(m.lastErr),
	}
	if m.state != StateIdle {
		snap.SessionID = m.sessionID
		snap.StartedAt = m.startedAt
	}
	return snap
}

// Transcript returns the assistant's accumulated transcript. It survives
// teardown and is cleared by the next Start.
func (m *Manager) Transcript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript.String()
}

// UserTranscript returns the accumulated transcription of the user's speech.
func (m *Manager) UserTranscript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userTranscript.String()
}

// Err returns the error that ended the last session, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// DismissError clears the error returned by [Manager.Err].
func (m *Manager) DismissError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = nil
}

func (m *Manager) notify(u Update) {
	if m.observer != nil {
		m.observer(u)
	}
}

func (m *Manager) notifyCredential(err error) {
	if m.onCredential != nil {
		go m.onCredential(err)
	}
}

// transition moves the manager from one of the from states to to, provided s
// is still the current session.
func (m *Manager) transition(s *session, to State, from ...State) bool {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return false
	}
	ok := len(from) == 0
	for _, f := range from {
		if m.state == f {
			ok = true
			break
		}
	}
	if ok {
		m.state = to
	}
	m.mu.Unlock()

	if ok {
		s.log.Info("session state changed", "state", to.String())
		m.notify(Update{Kind: UpdateState, SessionID: s.id, State: to})
	}
	return ok
}

func (m *Manager) appendTranscript(s *session, ev live.Event) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	if ev.Source == live.SourceInput {
		m.userTranscript.WriteString(ev.Text)
	} else {
		m.transcript.WriteString(ev.Text)
	}
	m.mu.Unlock()
	m.notify(Update{Kind: UpdateTranscript, SessionID: s.id, Text: ev.Text, Source: ev.Source})
}

// ── session ─────────────────────────────────────────────────────────────────

// session holds everything one start/stop cycle owns. Resources are recorded
// as they are acquired so teardown releases exactly what exists; a resource
// acquired after teardown began is released on the spot.
type session struct {
	id      string
	m       *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	log     *slog.Logger
	dialer  live.Dialer
	devices audio.Devices
	cfg     live.Config

	mu        sync.Mutex
	tornDown  bool
	mic       audio.Microphone
	in        audio.InputContext
	out       audio.OutputContext
	sched     *Scheduler
	transport *Transport
	capture   *Capture

	once sync.Once
	done chan struct{}
}

// adopt records a freshly acquired resource. It returns false, after calling
// release, when teardown already started.
func (s *session) adopt(record func(), release func() error) bool {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		_ = release()
		return false
	}
	record()
	s.mu.Unlock()
	return true
}

// open acquires the devices and starts connecting. It returns nil when the
// session was stopped while acquiring.
func (s *session) open(ctx context.Context) error {
	mic, err := s.devices.OpenMicrophone(ctx)
	if err != nil {
		return s.abort(&DeviceAcquisitionError{Device: DeviceMicrophone, Err: err})
	}
	if !s.adopt(func() { s.mic = mic }, mic.Close) {
		return nil
	}

	in, err := s.devices.NewInputContext(ctx, s.m.inputRate)
	if err != nil {
		return s.abort(&DeviceAcquisitionError{Device: DeviceInput, Err: err})
	}
	if !s.adopt(func() { s.in = in }, in.Close) {
		return nil
	}

	out, err := s.devices.NewOutputContext(ctx, s.m.outputRate)
	if err != nil {
		return s.abort(&DeviceAcquisitionError{Device: DeviceOutput, Err: err})
	}
	if !s.adopt(func() {
		s.out = out
		s.sched = NewScheduler(out, s.m.metrics)
	}, out.Close) {
		return nil
	}

	if err := in.Resume(ctx); err != nil {
		return s.abort(&DeviceAcquisitionError{Device: DeviceInput, Err: err})
	}
	if err := out.Resume(ctx); err != nil {
		return s.abort(&DeviceAcquisitionError{Device: DeviceOutput, Err: err})
	}

	opts := append([]TransportOption{
		WithTransportMetrics(s.m.metrics),
		WithTransportLogger(s.log),
	}, s.m.transportOpts...)
	t := NewTransport(s.dialer, opts...)
	if !s.adopt(func() { s.transport = t }, t.Close) {
		return nil
	}

	t.Connect(s.ctx, s.cfg)
	go s.dispatch(t)
	return nil
}

// abort records err and tears the session down. It returns err, or nil when
// the session was already stopped: a device failing because Stop closed it
// under us is not a start failure.
func (s *session) abort(err error) error {
	s.mu.Lock()
	stopped := s.tornDown
	s.mu.Unlock()
	if stopped {
		s.log.Debug("session stopped while starting", "err", err)
		return nil
	}
	s.log.Warn("session start failed", "err", err)
	s.fail(err)
	return err
}

// fail tears the session down because of err.
func (s *session) fail(err error) {
	reason := reasonError
	var cred *CredentialError
	if errors.As(err, &cred) {
		reason = reasonCredential
		s.m.notifyCredential(err)
	}
	s.teardown(reason, err)
}

// dispatch consumes the transport's events in order. It is the only reader.
func (s *session) dispatch(t *Transport) {
	for ev := range t.Events() {
		switch ev.Type {
		case live.EventReady:
			s.activate()
		case live.EventTranscript:
			s.m.appendTranscript(s, ev)
		case live.EventAudio:
			s.play(ev.Audio)
		case live.EventInterrupted:
			if sched := s.scheduler(); sched != nil {
				sched.Flush()
			}
			s.m.metrics.Interruptions.Add(s.ctx, 1)
			s.log.Debug("playback interrupted")
		case live.EventError:
			s.log.Warn("live connection failed", "err", ev.Err)
			s.m.metrics.RecordProviderError(s.ctx, "live", errorKind(ev.Err))
			s.fail(ev.Err)
		case live.EventClosed:
			s.log.Info("live connection closed by remote")
			s.teardown(reasonClosed, nil)
		}
	}
}

func (s *session) scheduler() *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

func (s *session) play(chunk []byte) {
	sched := s.scheduler()
	if sched == nil {
		return
	}
	_, err := sched.Schedule(chunk)
	var codecErr *audio.CodecError
	switch {
	case errors.As(err, &codecErr):
		s.m.metrics.CodecErrors.Add(s.ctx, 1)
		s.log.Debug("dropping malformed audio chunk", "err", err)
	case err != nil:
		s.log.Warn("scheduling playback failed", "err", err)
	}
}

// activate starts capture once the connection is ready.
func (s *session) activate() {
	s.mu.Lock()
	if s.tornDown || s.capture != nil {
		s.mu.Unlock()
		return
	}
	c := NewCapture(s.in, s.mic, s.m.blockSize, s.transport.Send)
	if err := c.Start(); err != nil {
		s.mu.Unlock()
		s.fail(err)
		return
	}
	s.capture = c
	s.mu.Unlock()

	s.m.transition(s, StateActive, StateConnecting)
}

// teardown releases every resource exactly once, in order: capture,
// transport, microphone, input context, output context, scheduled playback.
// Concurrent callers block until the first one finishes.
func (s *session) teardown(reason string, cause error) {
	s.once.Do(func() {
		s.m.mu.Lock()
		if s.m.sess == s {
			s.m.state = StateClosing
			if cause != nil {
				s.m.lastErr = cause
			}
		}
		s.m.mu.Unlock()
		if cause != nil {
			s.m.notify(Update{Kind: UpdateError, SessionID: s.id, Err: cause})
		}
		s.m.notify(Update{Kind: UpdateState, SessionID: s.id, State: StateClosing})

		s.mu.Lock()
		s.tornDown = true
		capture, t, mic, in, out, sched := s.capture, s.transport, s.mic, s.in, s.out, s.sched
		s.mu.Unlock()

		if capture != nil {
			_ = capture.Stop()
		}
		if t != nil {
			if err := t.Close(); err != nil {
				s.log.Debug("closing transport", "err", err)
			}
		}
		if mic != nil {
			_ = mic.Close()
		}
		if in != nil {
			_ = in.Close()
		}
		if out != nil {
			_ = out.Close()
		}
		if sched != nil {
			sched.Flush()
		}
		s.cancel()

		s.m.mu.Lock()
		if s.m.sess == s {
			s.m.sess = nil
			s.m.state = StateIdle
		}
		s.m.mu.Unlock()

		s.m.metrics.RecordSessionEnded(context.Background(), reason, time.Since(s.started))
		s.log.Info("session ended", "reason", reason)
		s.m.notify(Update{Kind: UpdateState, SessionID: s.id, State: StateIdle})
		close(s.done)
	})
}

func errorKind(err error) string {
	var (
		cred *CredentialError
		conn *ConnectionError
	)
	switch {
	case errors.As(err, &cred):
		return "credential"
	case errors.As(err, &conn):
		return conn.Op
	default:
		return "unknown"
	}
}
