// Command carevoice runs the real-time voice session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/MrWong99/carevoice/internal/app"
	"github.com/MrWong99/carevoice/internal/config"
	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/audio/ffmpeg"
	"github.com/MrWong99/carevoice/pkg/audio/null"
	"github.com/MrWong99/carevoice/pkg/provider/live"
	"github.com/MrWong99/carevoice/pkg/provider/live/gemini"
	"github.com/MrWong99/carevoice/pkg/provider/live/genai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	consoleMode := flag.Bool("console", false, "control the session from stdin and print transcripts")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "carevoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "carevoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("carevoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, reg)

	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithLevelVar(&level),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	}
	if *configPath != "" {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	var con *console
	if *consoleMode {
		con = newConsole(os.Stdout)
		opts = append(opts, app.WithObserver(con.observe))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if con != nil {
		con.ctl = application.Manager()
		go func() {
			if err := con.run(ctx, os.Stdin); err != nil {
				slog.Error("console error", "err", err)
			}
			stop()
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := application.Reload(); err != nil {
					slog.Warn("reload on SIGHUP failed", "err", err)
				}
			}
		}
	}()

	slog.Info("server ready; press Ctrl+C to shut down, send SIGHUP to reload the config")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or returns the defaults (with the API key taken from
// the environment) when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// PortAudio registers itself from portaudio.go when built with that tag.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(lc config.LiveConfig) (live.Dialer, error) {
		var opts []gemini.Option
		if lc.Model != "" {
			opts = append(opts, gemini.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(lc.BaseURL))
		}
		if lc.Keepalive > 0 {
			opts = append(opts, gemini.WithKeepalive(lc.Keepalive))
		}
		return gemini.New(lc.APIKey, opts...), nil
	})

	reg.RegisterLive("genai", func(lc config.LiveConfig) (live.Dialer, error) {
		var opts []genai.Option
		if lc.Model != "" {
			opts = append(opts, genai.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(lc.BaseURL))
		}
		return genai.New(lc.APIKey, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("ffmpeg", func(ac config.AudioConfig) (audio.Devices, error) {
		return ffmpeg.New(ffmpeg.Options{
			FFmpegPath:  ac.OptionString("ffmpeg_path"),
			FFplayPath:  ac.OptionString("ffplay_path"),
			InputFormat: ac.OptionString("input_format"),
			InputDevice: ac.OptionString("input_device"),
			CaptureRate: ac.InputSampleRate,
		}), nil
	})

	reg.RegisterAudio("null", func(config.AudioConfig) (audio.Devices, error) {
		return null.Devices{}, nil
	})

	for _, register := range extraProviders {
		register(reg)
	}
}

// extraProviders holds registrations contributed by build-tagged files.
var extraProviders []func(*config.Registry)

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        carevoice · startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", cfg.Live.Provider, cfg.Live.Model, reg.LiveNames())
	if cfg.Live.Fallback != "" {
		printRow("Fallback", cfg.Live.Fallback, "", reg.LiveNames())
	}
	printRow("Audio", cfg.Audio.Device, "", reg.AudioNames())
	if cfg.Live.APIKey == "" {
		fmt.Printf("║  %-12s    : %-19s ║\n", "API key", "(missing)")
	} else {
		fmt.Printf("║  %-12s    : %-19s ║\n", "API key", "set")
	}
	if cfg.Server.ListenAddr == "-" {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", "(disabled)")
	} else {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, model string, registered []string) {
	value := name
	switch {
	case name == "":
		value = "(not configured)"
	case !slices.Contains(registered, name):
		value = name + " (unknown)"
	case model != "":
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
