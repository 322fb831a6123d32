// Package app wires the carevoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the providers, the
// session manager and the control API, Run serves until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock providers via [WithProviders] and a listener via
// [WithListener]. When no providers are injected, New creates them from the
// config through the [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/carevoice/internal/config"
	"github.com/MrWong99/carevoice/internal/health"
	"github.com/MrWong99/carevoice/internal/httpapi"
	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/internal/resilience"
	"github.com/MrWong99/carevoice/internal/session"
	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

// shutdownTimeout bounds the HTTP server drain when Run's context ends.
const shutdownTimeout = 5 * time.Second

// Providers holds the two provider slots. Nil means the provider is not
// configured. Populated by main.go via the config registry.
type Providers struct {
	Dialer  live.Dialer
	Devices audio.Devices
}

// App owns all subsystem lifetimes.
type App struct {
	registry   *config.Registry
	providers  *Providers
	metrics    *observe.Metrics
	levelVar   *slog.LevelVar
	configPath string
	listener   net.Listener
	metricsH   http.Handler
	observer   func(session.Update)

	mu        sync.Mutex
	cfg       *config.Config
	dialer    *resilience.Dialer
	devClosed []io.Closer

	manager *session.Manager
	server  *http.Server
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry sets the registry providers are built from, both at startup
// and on config reload.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithProviders injects providers instead of creating them from the registry.
func WithProviders(p *Providers) Option {
	return func(a *App) { a.providers = p }
}

// WithMetrics records telemetry on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigPath enables hot reload by watching path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetricsHandler serves h at telemetry.metrics_path instead of
// promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithObserver forwards every session update to fn, which must not block.
func WithObserver(fn func(session.Update)) Option {
	return func(a *App) { a.observer = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Providers come from [WithProviders] or, when
// absent, from the registry set with [WithRegistry].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if a.providers == nil {
		if a.registry == nil {
			return nil, errors.New("app: no providers and no registry")
		}
		p, err := a.buildProviders(cfg)
		if err != nil {
			return nil, err
		}
		a.providers = p
	}
	if a.providers.Dialer != nil {
		a.dialer = a.wrapDialer(cfg.Live, a.providers.Dialer)
	}
	a.trackDevices(a.providers.Devices)

	// ── 2. Session manager ───────────────────────────────────────────────
	a.initManager(cfg)

	// ── 3. Control API ───────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "-" || a.listener != nil {
		a.initServer(cfg)
	}

	// Devices are released after the manager has stopped using them.
	a.closers = append(a.closers, a.closeDevices)

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	slog.Info("app initialised",
		"live_provider", cfg.Live.Provider,
		"fallback", cfg.Live.Fallback,
		"audio_device", cfg.Audio.Device,
		"listen_addr", cfg.Server.ListenAddr,
	)
	return a, nil
}

// buildProviders creates the dialer and devices named by cfg. A missing live
// provider is not fatal: the app still serves the API and reports the
// dependency as not ready.
func (a *App) buildProviders(cfg *config.Config) (*Providers, error) {
	p := &Providers{}

	d, err := a.registry.CreateLive(cfg.Live)
	switch {
	case err == nil:
		p.Dialer = d
	case errors.Is(err, config.ErrProviderNotRegistered):
		slog.Warn("live provider not available", "provider", cfg.Live.Provider, "err", err)
	default:
		return nil, fmt.Errorf("app: create live provider %q: %w", cfg.Live.Provider, err)
	}

	devs, err := a.registry.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("app: create audio device %q: %w", cfg.Audio.Device, err)
	}
	p.Devices = devs
	return p, nil
}

// wrapDialer puts primary, and the configured fallback if it can be built,
// behind per-provider circuit breakers.
func (a *App) wrapDialer(lc config.LiveConfig, primary live.Dialer) *resilience.Dialer {
	d := resilience.NewDialer(lc.Provider, primary, resilience.DialerConfig{
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  lc.Breaker.MaxFailures,
			ResetTimeout: lc.Breaker.ResetTimeout,
		},
		Metrics: a.metrics,
	})
	if lc.Fallback == "" || a.registry == nil {
		return d
	}
	fc := lc
	fc.Provider = lc.Fallback
	fb, err := a.registry.CreateLive(fc)
	if err != nil {
		slog.Warn("fallback live provider not available", "provider", lc.Fallback, "err", err)
		return d
	}
	d.AddFallback(lc.Fallback, fb)
	return d
}

func (a *App) initManager(cfg *config.Config) {
	opts := []session.Option{
		session.WithLiveConfig(sessionConfig(cfg.Live)),
		session.WithBlockSize(cfg.Audio.CaptureBlockSize),
		session.WithSampleRates(cfg.Audio.InputSampleRate, cfg.Audio.OutputSampleRate),
		session.WithMetrics(a.metrics),
		session.WithCredentialCheck(a.checkCredentials),
		session.WithCredentialNotifier(func(err error) {
			slog.Warn("credentials rejected; set live.api_key or "+config.APIKeyEnv[0], "err", err)
		}),
	}
	if a.observer != nil {
		opts = append(opts, session.WithObserver(a.observer))
	}

	var dialer live.Dialer
	if a.dialer != nil {
		dialer = a.dialer
	}
	a.manager = session.NewManager(dialer, a.providers.Devices, opts...)
	a.closers = append(a.closers, a.manager.Close)
}

func (a *App) initServer(cfg *config.Config) {
	checks := health.New(
		health.Configured("live", func() bool { return a.currentDialer() != nil }),
		health.Configured("audio", func() bool { return a.providers.Devices != nil }),
		health.Checker{Name: "breaker", Check: func(context.Context) error {
			if d := a.currentDialer(); d != nil && !d.Available() {
				return resilience.ErrCircuitOpen
			}
			return nil
		}},
	)
	metricsH := a.metricsH
	if metricsH == nil {
		metricsH = promhttp.Handler()
	}
	api := httpapi.New(a.manager,
		httpapi.WithHealth(checks),
		httpapi.WithMetricsHandler(cfg.Telemetry.MetricsPath, metricsH),
		httpapi.WithMetrics(a.metrics),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(ctx)
	})
}

// checkCredentials is the advisory pre-flight check: it only verifies that a
// key is configured at all.
func (a *App) checkCredentials(context.Context) error {
	a.mu.Lock()
	key := a.cfg.Live.APIKey
	a.mu.Unlock()
	if key == "" {
		return fmt.Errorf("%w: no API key configured", live.ErrUnauthorized)
	}
	return nil
}

func (a *App) currentDialer() *resilience.Dialer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialer
}

func (a *App) trackDevices(devs audio.Devices) {
	if c, ok := devs.(io.Closer); ok {
		a.mu.Lock()
		a.devClosed = append(a.devClosed, c)
		a.mu.Unlock()
	}
}

func (a *App) closeDevices() error {
	a.mu.Lock()
	closers := a.devClosed
	a.devClosed = nil
	a.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Handler returns the control API handler, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ErrNoConfigFile is returned by [App.Reload] when the app was built without
// [WithConfigPath].
var ErrNoConfigFile = errors.New("app: no config file to reload")

// Reload re-reads the config file now instead of waiting for the next poll.
func (a *App) Reload() error {
	if a.watcher == nil {
		return ErrNoConfigFile
	}
	changed, err := a.watcher.Reload()
	if err != nil {
		return fmt.Errorf("app: reload config: %w", err)
	}
	if !changed {
		slog.Info("config unchanged")
	}
	return nil
}

// applyConfig is the watcher callback. Provider and session changes apply to
// the next session; the running one keeps what it started with.
func (a *App) applyConfig(_, next *config.Config, d config.ConfigDiff) {
	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	var (
		dialer live.Dialer
		devs   audio.Devices
		lc     *session.LiveConfig
	)
	if d.LiveChanged && a.registry != nil {
		nd, err := a.registry.CreateLive(next.Live)
		if err != nil {
			slog.Error("config reload: keeping previous live provider", "provider", next.Live.Provider, "err", err)
		} else {
			rd := a.wrapDialer(next.Live, nd)
			a.mu.Lock()
			a.dialer = rd
			a.mu.Unlock()
			dialer = rd
		}
	}
	if d.AudioChanged && a.registry != nil {
		nd, err := a.registry.CreateAudio(next.Audio)
		if err != nil {
			slog.Error("config reload: keeping previous audio device", "device", next.Audio.Device, "err", err)
		} else {
			a.trackDevices(nd)
			devs = nd
		}
	}
	if d.SessionChanged {
		c := sessionConfig(next.Live)
		lc = &c
	}
	if dialer != nil || devs != nil || lc != nil {
		a.manager.Reconfigure(dialer, devs, lc)
		slog.Info("config reload: applies to the next session",
			"live", dialer != nil, "audio", devs != nil, "session", lc != nil)
	}
}

// sessionConfig converts the live config section into session settings.
func sessionConfig(lc config.LiveConfig) session.LiveConfig {
	return session.LiveConfig{
		Model:               lc.Model,
		Voice:               lc.Voice,
		Languages:           lc.Languages,
		Instructions:        lc.Instructions,
		InputTranscription:  config.Enabled(lc.InputTranscription, true),
		OutputTranscription: config.Enabled(lc.OutputTranscription, true),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and blocks until ctx is cancelled or the server
// fails. It returns nil on a clean stop. Call Shutdown afterwards to release
// the session and devices.
func (a *App) Run(ctx context.Context) error {
	if a.server == nil {
		slog.Info("app running without control API")
		<-ctx.Done()
		return nil
	}

	a.mu.Lock()
	tls := a.cfg.Server.TLS
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		switch {
		case a.listener != nil:
			slog.Info("control API listening", "addr", a.listener.Addr().String())
			err = a.server.Serve(a.listener)
		case tls != nil:
			slog.Info("control API listening", "addr", a.server.Addr, "tls", true)
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		default:
			slog.Info("control API listening", "addr", a.server.Addr)
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any session, the server, the watcher and the devices. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
