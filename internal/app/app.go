// Package app wires the reminisce subsystems into a running voice client.
//
// The App struct owns the full lifecycle: New builds the backend client,
// transcript sinks, audio devices and voice session, Run opens a therapy
// session and serves hotkeys until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithTherapyAPI,
// WithVoice, WithDialer, ...). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/reminisce/internal/backend"
	"github.com/MrWong99/reminisce/internal/config"
	"github.com/MrWong99/reminisce/internal/health"
	"github.com/MrWong99/reminisce/internal/input"
	"github.com/MrWong99/reminisce/internal/observe"
	"github.com/MrWong99/reminisce/internal/resilience"
	"github.com/MrWong99/reminisce/internal/session"
	"github.com/MrWong99/reminisce/internal/transcript"
	"github.com/MrWong99/reminisce/internal/transcript/postgres"
	"github.com/MrWong99/reminisce/internal/transport"
	"github.com/MrWong99/reminisce/pkg/audio/capture"
	"github.com/MrWong99/reminisce/pkg/audio/playback"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	out      io.Writer

	// Subsystems, initialised in New and torn down in Shutdown.
	api      TherapyAPI
	client   *backend.Client
	endpoint session.EndpointFunc
	uploader transcript.Uploader
	dialer   transport.Dialer
	capturer capture.Capturer
	perm     capture.Permission
	output   playback.OutputFactory
	voice    Voice
	sessions *SessionManager
	health   *health.Handler
	hotkeys  *input.Manager
	noKeys   bool

	// playback holds the scheduler tuning for the next connection.
	playback atomic.Pointer[config.PlaybackConfig]

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTherapyAPI replaces the backend client for starting and ending
// sessions.
func WithTherapyAPI(api TherapyAPI) Option {
	return func(a *App) { a.api = api }
}

// WithVoice injects the voice session. The audio and transport options
// are ignored when it is set.
func WithVoice(v Voice) Option {
	return func(a *App) { a.voice = v }
}

// WithUploader replaces the configured transcript sinks.
func WithUploader(u transcript.Uploader) Option {
	return func(a *App) { a.uploader = u }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithCapturer replaces the microphone pipeline built from the registry.
func WithCapturer(c capture.Capturer) Option {
	return func(a *App) { a.capturer = c }
}

// WithPermission replaces the microphone permission probe.
func WithPermission(p capture.Permission) Option {
	return func(a *App) { a.perm = p }
}

// WithOutputFactory replaces the playback output built from the registry.
func WithOutputFactory(f playback.OutputFactory) Option {
	return func(a *App) { a.output = f }
}

// WithRegistry replaces [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithOutput sets where the live transcript is printed. Default: stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithHotkeys sets the manager that registers the talk and next-photo
// shortcuts. Without it Run serves no hotkeys.
func WithHotkeys(m *input.Manager) Option {
	return func(a *App) { a.hotkeys = m }
}

// WithoutHotkeys skips global hotkey registration even when a manager is
// set, e.g. on headless hosts.
func WithoutHotkeys() Option {
	return func(a *App) { a.noKeys = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It performs all
// initialisation synchronously; nothing talks to the therapy API or the
// voice endpoint until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, out: os.Stdout}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	pb := cfg.Audio.Playback
	a.playback.Store(&pb)
	a.health = health.New()

	// ── 1. Backend client ────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	if a.voice == nil {
		// ── 2. Transcript sinks ──────────────────────────────────────────
		if err := a.initTranscripts(ctx); err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init transcripts: %w", err)
		}

		// ── 3. Audio devices ─────────────────────────────────────────────
		if err := a.initAudio(); err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init audio: %w", err)
		}

		// ── 4. Voice session ─────────────────────────────────────────────
		a.initVoice()
	}
	a.closers = append(a.closers, a.voice.Close)
	a.health.Add(health.Checker{Name: "voice", Check: a.voice.Ready})
	a.voice.OnStateChange(a.printState)
	a.voice.OnTranscript(a.printEntry)

	// ── 5. Therapy session manager ───────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		API:       a.api,
		Voice:     a.voice,
		PatientID: cfg.Backend.PatientID,
		Token:     cfg.Backend.Token,
	})
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBackend creates the REST client. An injected API still gets a client
// for the endpoint and the backend transcript sink.
func (a *App) initBackend() error {
	br := resilience.New(resilience.Config{Name: "backend", IsFailure: backend.Transient})
	c, err := backend.New(a.cfg.Backend.BaseURL, a.cfg.Backend.Token,
		backend.WithMetrics(a.metrics),
		backend.WithBreaker(br),
	)
	if err != nil {
		return err
	}
	a.client = c
	a.endpoint = c.Endpoint
	a.health.Add(health.Checker{Name: "backend", Check: br.Ready})
	if a.api == nil {
		a.api = c
	}
	return nil
}

// initTranscripts builds one sink per configured name.
func (a *App) initTranscripts(ctx context.Context) error {
	if a.uploader != nil {
		return nil
	}
	var sinks []transcript.Sink
	for _, name := range a.cfg.Transcript.Sinks {
		switch name {
		case config.SinkBackend:
			sinks = append(sinks, transcript.Sink{Name: name, Uploader: a.client})
		case config.SinkPostgres:
			store, err := postgres.NewStore(ctx, a.cfg.Transcript.PostgresDSN)
			if err != nil {
				return fmt.Errorf("postgres sink: %w", err)
			}
			a.closers = append(a.closers, func() error { store.Close(); return nil })
			a.health.Add(health.Checker{Name: "transcript_store", Check: store.Ping})
			sinks = append(sinks, transcript.Sink{Name: name, Uploader: store})
		default:
			return fmt.Errorf("unknown transcript sink %q", name)
		}
	}
	if len(sinks) == 0 {
		a.uploader = transcript.Discard
		return nil
	}
	a.uploader = transcript.NewFanout(a.metrics, sinks...)
	slog.Info("transcript sinks ready", "sinks", a.cfg.Transcript.Sinks)
	return nil
}

// initAudio resolves the capture source and playback output by name.
func (a *App) initAudio() error {
	c := a.cfg.Audio.Capture
	if a.capturer == nil {
		src, err := a.registry.CreateCapture(c)
		if err != nil {
			return err
		}
		pipe, err := capture.New(c.PipelineConfig(), src, capture.WithMetrics(a.metrics))
		if err != nil {
			return err
		}
		a.capturer = pipe
	}
	if a.perm == nil {
		a.perm = capture.AllowAll
		if c.Backend == config.DefaultCaptureBackend {
			a.perm = capture.MalgoPermission{}
		}
	}
	if a.output == nil {
		f, err := a.registry.CreatePlayback(a.cfg.Audio.Playback)
		if err != nil {
			return err
		}
		a.output = f
	}
	return nil
}

func (a *App) initVoice() {
	if a.dialer == nil {
		h := http.Header{}
		if a.cfg.Backend.Token != "" {
			h.Set("Authorization", "Bearer "+a.cfg.Backend.Token)
		}
		a.dialer = &transport.WebSocketDialer{Header: h}
	}
	a.voice = session.New(
		session.WithDialer(a.dialer),
		session.WithPermission(a.perm),
		session.WithCapturer(a.capturer),
		session.WithPlayerFactory(a.newPlayer),
		session.WithUploader(a.uploader),
		session.WithUploadTimeout(a.cfg.Transcript.UploadTimeout),
		session.WithEndpoint(a.endpoint),
		session.WithMetrics(a.metrics),
	)
}

// newPlayer builds a scheduler with the latest playback tuning.
func (a *App) newPlayer() (playback.Player, error) {
	cfg := a.playback.Load().SchedulerConfig()
	return playback.NewScheduler(a.output, cfg, playback.WithMetrics(a.metrics)), nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Health returns the readiness handler for the operations server.
func (a *App) Health() *health.Handler { return a.health }

// Sessions returns the therapy session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ApplyPlayback swaps the scheduler tuning used from the next connection on.
// The backend name cannot change at runtime and is kept.
func (a *App) ApplyPlayback(p config.PlaybackConfig) {
	p.Backend = a.playback.Load().Backend
	a.playback.Store(&p)
	slog.Info("playback tuning updated",
		"preroll_chunks", p.PrerollChunks,
		"safety_margin", p.SafetyMargin,
		"preroll_timeout", p.PrerollTimeout,
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens a therapy session, registers the hotkeys and blocks until ctx
// is cancelled. Hotkey failures are logged; the session keeps running
// without them.
func (a *App) Run(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return err
	}

	switch {
	case a.noKeys:
	case a.hotkeys == nil:
		slog.Info("hotkeys not available in this build")
	default:
		err := a.hotkeys.Start(ctx,
			input.Binding{Name: "talk", Combo: a.cfg.Hotkeys.Talk, Action: a.toggle},
			input.Binding{Name: "next_photo", Combo: a.cfg.Hotkeys.NextPhoto, Action: a.next},
		)
		if err != nil {
			slog.Warn("hotkeys unavailable", "err", err)
		}
	}

	info := a.sessions.Info()
	slog.Info("app running", "session_id", info.SessionID, "photo_id", info.Photo.ID)
	<-ctx.Done()
	return ctx.Err()
}

func (a *App) toggle(ctx context.Context) {
	if err := a.sessions.ToggleListening(ctx); err != nil {
		slog.Warn("toggle listening failed", "err", err)
	}
}

func (a *App) next(ctx context.Context) {
	p, err := a.sessions.Next(ctx)
	switch {
	case errors.Is(err, ErrEndOfQueue):
		slog.Info("last photo reached")
	case err != nil:
		slog.Warn("photo change failed", "photo_id", p.ID, "err", err)
	default:
		fmt.Fprintf(a.out, "now showing photo %s: %s\n", p.ID, p.Caption)
	}
}

func (a *App) printState(snap session.Snapshot) {
	if snap.Err != "" {
		fmt.Fprintf(a.out, "[%s] %s\n", snap.State, snap.Err)
		return
	}
	fmt.Fprintf(a.out, "[%s]\n", snap.State)
}

func (a *App) printEntry(e transcript.Entry) {
	fmt.Fprintf(a.out, "%s %s: %s\n", e.Timestamp.Format("15:04:05"), e.Role, e.Text)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the therapy session and tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.hotkeys != nil {
			a.hotkeys.Stop()
		}
		if a.sessions != nil && a.sessions.IsActive() {
			if err := a.sessions.Stop(ctx, true); err != nil {
				slog.Warn("stop therapy session", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases whatever New acquired before failing.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
