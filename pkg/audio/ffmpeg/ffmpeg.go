// Package ffmpeg implements [audio.Devices] on top of the ffmpeg and ffplay
// command-line tools.
//
// The microphone is an ffmpeg process that captures the platform's default
// input device (avfoundation on macOS, PulseAudio on Linux) and writes mono
// s16le PCM to stdout. Playback goes through a [mixer.Output] whose sink is an
// ffplay process reading s16le PCM from stdin; resetting the sink restarts
// ffplay so that audio it has already buffered is discarded.
//
// Both tools must be on PATH, or their locations given in [Options].
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/audio/mixer"
)

var _ audio.Devices = (*Devices)(nil)

// Options configures [Devices]. Zero values select platform defaults.
type Options struct {
	// FFmpegPath is the ffmpeg executable. Default: "ffmpeg".
	FFmpegPath string

	// FFplayPath is the ffplay executable. Default: "ffplay".
	FFplayPath string

	// InputFormat overrides the ffmpeg capture format ("-f"), e.g. "alsa".
	InputFormat string

	// InputDevice overrides the ffmpeg capture device ("-i"), e.g. "hw:1".
	InputDevice string

	// CaptureRate is the rate ffmpeg resamples the microphone to.
	// Default: [audio.CaptureSampleRate].
	CaptureRate int
}

// Devices opens ffmpeg-backed audio devices.
type Devices struct {
	opts Options
	goos string
}

// New returns Devices configured by opts.
func New(opts Options) *Devices {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFplayPath == "" {
		opts.FFplayPath = "ffplay"
	}
	if opts.CaptureRate <= 0 {
		opts.CaptureRate = audio.CaptureSampleRate
	}
	return &Devices{opts: opts, goos: runtime.GOOS}
}

// OpenMicrophone implements [audio.Devices]. It starts an ffmpeg capture
// process that lives until the microphone is closed.
func (d *Devices) OpenMicrophone(_ context.Context) (audio.Microphone, error) {
	if _, err := exec.LookPath(d.opts.FFmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s is required for microphone capture: %w", d.opts.FFmpegPath, err)
	}
	args, err := captureArgs(d.goos, d.opts)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(d.opts.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start capture: %w", err)
	}
	mic := newPCMMicrophone(stdout, d.opts.CaptureRate)
	mic.stop = func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}
	return mic, nil
}

// NewInputContext implements [audio.Devices].
func (d *Devices) NewInputContext(_ context.Context, sampleRate int) (audio.InputContext, error) {
	return audio.NewPumpInput(sampleRate), nil
}

// NewOutputContext implements [audio.Devices]. It starts an ffplay process
// playing at sampleRate.
func (d *Devices) NewOutputContext(_ context.Context, sampleRate int) (audio.OutputContext, error) {
	if _, err := exec.LookPath(d.opts.FFplayPath); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s is required for playback: %w", d.opts.FFplayPath, err)
	}
	p := &player{path: d.opts.FFplayPath, rate: sampleRate}
	p.mu.Lock()
	err := p.startLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return mixer.New(sampleRate, p), nil
}

// captureArgs returns the ffmpeg arguments for capturing the default
// microphone as mono s16le on stdout.
func captureArgs(goos string, opts Options) ([]string, error) {
	format, device := opts.InputFormat, opts.InputDevice
	if format == "" {
		switch goos {
		case "darwin":
			format = "avfoundation"
		case "linux":
			format = "pulse"
		default:
			return nil, fmt.Errorf("ffmpeg: microphone capture is not implemented for %s; set an input format explicitly", goos)
		}
	}
	if device == "" {
		if format == "avfoundation" {
			device = ":0"
		} else {
			device = "default"
		}
	}
	rate := opts.CaptureRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", device,
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "s16le", "-",
	}, nil
}

// playbackArgs returns the ffplay arguments for playing mono s16le from stdin.
func playbackArgs(rate int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

// ── Microphone ──────────────────────────────────────────────────────────────

// pcmMicrophone adapts a mono s16le byte stream to [audio.Microphone].
type pcmMicrophone struct {
	r    io.ReadCloser
	rate int
	stop func()

	mu       sync.Mutex // serialises Read
	raw      []byte
	carry    byte
	hasCarry bool

	closeOnce sync.Once
}

func newPCMMicrophone(r io.ReadCloser, rate int) *pcmMicrophone {
	return &pcmMicrophone{r: r, rate: rate}
}

// Read implements [audio.Microphone]. A sample split across two reads of the
// underlying stream is carried over.
func (m *pcmMicrophone) Read(buf []float32) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	need := len(buf) * audio.BytesPerSample
	if cap(m.raw) < need {
		m.raw = make([]byte, need)
	}
	raw := m.raw[:need]

	for {
		off := 0
		if m.hasCarry {
			raw[0] = m.carry
			m.hasCarry = false
			off = 1
		}
		n, err := m.r.Read(raw[off:])
		total := off + n
		if total%2 == 1 {
			m.carry = raw[total-1]
			m.hasCarry = true
			total--
		}
		samples := total / audio.BytesPerSample
		for i := range samples {
			s := int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
			buf[i] = float32(s) / 32768
		}
		if samples > 0 {
			return samples, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return 0, audio.ErrClosed
			}
			return 0, err
		}
	}
}

// SampleRate implements [audio.Microphone].
func (m *pcmMicrophone) SampleRate() int { return m.rate }

// Channels implements [audio.Microphone].
func (m *pcmMicrophone) Channels() int { return 1 }

// Close implements [audio.Microphone].
func (m *pcmMicrophone) Close() error {
	m.closeOnce.Do(func() {
		_ = m.r.Close()
		if m.stop != nil {
			m.stop()
		}
	})
	return nil
}

// ── Playback ────────────────────────────────────────────────────────────────

// player is a [mixer.Sink] feeding an ffplay process.
type player struct {
	path string
	rate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

func (p *player) startLocked() error {
	cmd := exec.Command(p.path, playbackArgs(p.rate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	return nil
}

func (p *player) killLocked() {
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.cmd = nil
}

// Write implements [mixer.Sink].
func (p *player) Write(frame audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.ErrClosed
	}
	if p.stdin == nil {
		return errors.New("ffmpeg: ffplay is not running")
	}
	_, err := p.stdin.Write(audio.Encode(frame.Samples, frame.SampleRate).Data)
	return err
}

// Reset implements [mixer.Sink] by restarting ffplay.
func (p *player) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.killLocked()
	return p.startLocked()
}

// Close implements [mixer.Sink].
func (p *player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.killLocked()
	return nil
}
