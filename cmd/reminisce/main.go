// Command reminisce runs a voice-guided reminiscence therapy session: it
// opens a session with the therapy API, streams the microphone to the voice
// assistant and plays its replies while the patient looks at photos.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/reminisce/internal/app"
	"github.com/MrWong99/reminisce/internal/config"
	"github.com/MrWong99/reminisce/internal/observe"
	"github.com/MrWong99/reminisce/pkg/audio/capture"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the capture devices and exit")
	noHotkeys := flag.Bool("no-hotkeys", false, "do not register global hotkeys")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "reminisce: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "reminisce: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("reminisce starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithMetrics(metrics)}
	if *noHotkeys {
		opts = append(opts, app.WithoutHotkeys())
	} else if m := hotkeyManager(); m != nil {
		opts = append(opts, app.WithHotkeys(m))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Level())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.PlaybackChanged {
			application.ApplyPlayback(d.NewPlayback)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	// ── Operations server ─────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", provider.MetricsHandler())
	application.Health().Register(mux)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("operations server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operations server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("starting therapy session, press Ctrl+C to finish",
			"talk", cfg.Hotkeys.Talk,
			"next_photo", cfg.Hotkeys.NextPhoto,
		)
		err := application.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	code := 0
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Reminisce startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Backend.BaseURL)
	printRow("Patient", cfg.Backend.PatientID)
	printRow("Capture", cfg.Audio.Capture.Backend+" / "+orDefault(cfg.Audio.Capture.Strategy, "stream"))
	printRow("Device", orDefault(cfg.Audio.Capture.Device, "(system default)"))
	printRow("Playback", cfg.Audio.Playback.Backend)
	printRow("Transcripts", fmt.Sprint(len(cfg.Transcript.Sinks))+" sink(s)")
	printRow("Talk key", cfg.Hotkeys.Talk)
	printRow("Next photo", cfg.Hotkeys.NextPhoto)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices() int {
	names, err := capture.DeviceNames()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reminisce: %v\n", err)
		return 1
	}
	if len(names) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return 0
}
