// Package app wires the Zeno subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems and binds the HTTP listener, Run serves until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithTranscriptStore, WithMetrics, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/zeno/internal/api"
	"github.com/MrWong99/zeno/internal/config"
	"github.com/MrWong99/zeno/internal/health"
	"github.com/MrWong99/zeno/internal/host"
	"github.com/MrWong99/zeno/internal/observe"
	"github.com/MrWong99/zeno/internal/resilience"
	"github.com/MrWong99/zeno/internal/transcriptlog"
	"github.com/MrWong99/zeno/internal/voice"
	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

// serverShutdownTimeout bounds the HTTP drain when Run's context ends.
const serverShutdownTimeout = 10 * time.Second

// errQuit ends Run when the terminal user asks to quit.
var errQuit = errors.New("app: quit requested")

// Providers holds the transports and devices built by main.go via the config
// registry.
type Providers struct {
	// S2S is the primary transport. Required.
	S2S s2s.Provider

	// S2SFallbacks are tried in order when the primary cannot connect.
	S2SFallbacks []s2s.Provider

	Capture audio.CaptureDevice
	Output  audio.OutputDevice
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	log        *slog.Logger
	levelVar   *slog.LevelVar
	configPath string
	termIn     io.Reader
	termOut    io.Writer

	store     transcriptlog.Store
	ownsStore bool
	metrics   *observe.Metrics
	metricsH  http.Handler
	host      *host.App
	transport *resilience.S2SFallback
	voice     *voice.Controller
	watcher   *config.Watcher
	server    *http.Server
	listener  net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriptStore injects a transcript store instead of creating one from
// config. The caller keeps ownership and closes it.
func WithTranscriptStore(s transcriptlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry uses the instruments and /metrics registry of t instead of
// the process defaults.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics()
		a.metricsH = t.Handler()
	}
}

// WithLogLevel lets config reloads change the level of the installed handler.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithTerminal enables the interactive loop: each line read from in toggles
// the session, "q" quits, and state changes are printed to out.
func WithTerminal(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.termIn = in
		a.termOut = out
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together and binding the HTTP
// listener. On error every resource acquired so far is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: s2s provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = observe.MetricsHandler()
	}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}

	as := cfg.Assistant
	a.host = host.New(as.Catalog(),
		host.Defaults{Page: as.DefaultPage, Personality: as.DefaultPersonality},
		a.store,
		host.WithLogger(a.log),
		host.WithCustomInstruction(as.CustomInstruction),
	)

	a.initTransport()

	a.voice, err = voice.New(voice.Config{
		Provider:   a.transport,
		Capture:    providers.Capture,
		Output:     providers.Output,
		Host:       a.host,
		Voice:      as.Voice,
		FrameSize:  cfg.Audio.FrameSize,
		MicTimeout: cfg.Audio.MicTimeout,
		Metrics:    a.metrics,
		Logger:     a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init voice: %w", err)
	}
	a.closers = append(a.closers, a.voice.Close)

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, config.WithWatcherLogger(a.log))
		if err != nil {
			return nil, fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	return a, nil
}

// initStore opens the configured transcript store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	tc := a.cfg.Transcripts
	switch tc.Backend {
	case config.TranscriptsFile:
		a.store = transcriptlog.NewFileStore(tc.Path)
	case config.TranscriptsPostgres:
		pg, err := transcriptlog.OpenPostgres(ctx, tc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = pg
	default:
		a.store = transcriptlog.NewMemoryStore()
	}
	a.ownsStore = true
	a.log.Info("transcript store ready", "backend", string(tc.Backend))
	return nil
}

// initTransport wraps the configured transports in a failover group.
func (a *App) initTransport() {
	r := a.cfg.Resilience
	a.transport = resilience.NewS2SFallback(a.providers.S2S, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  r.MaxFailures,
			ResetTimeout: r.ResetTimeout,
		},
		Logger: a.log,
	})
	for _, p := range a.providers.S2SFallbacks {
		a.transport.AddFallback(p)
	}
}

// initServer builds the HTTP routes and binds the listener.
func (a *App) initServer() error {
	mux := http.NewServeMux()

	api.New(a.voice, a.host, api.WithLogger(a.log), api.WithTransports(a.transport)).Register(mux)

	checkers := []health.Checker{health.TransportChecker(a.transport)}
	if p, ok := a.store.(transcriptlog.Pinger); ok {
		checkers = append(checkers, health.PingChecker("transcripts", p))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", a.metricsH)

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.server = &http.Server{
		Handler: observe.Middleware(a.metrics,
			observe.WithQuietRoutes("GET /healthz", "GET /readyz", "GET /metrics"),
		)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return nil
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Host returns the application model.
func (a *App) Host() *host.App { return a.host }

// Voice returns the session controller.
func (a *App) Voice() *voice.Controller { return a.voice }

// Run serves HTTP and, when enabled, applies config reloads and runs the
// terminal loop. It blocks until ctx is cancelled or the terminal user quits,
// and returns nil in both cases.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.Addr().String())
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
		g.Go(func() error {
			a.applyReloads(ctx)
			return nil
		})
	}
	if a.termIn != nil {
		g.Go(func() error { return a.terminal(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// applyReloads applies hot-reloadable config changes until ctx is done.
func (a *App) applyReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.watcher.Reloads():
			a.applyDiff(r.Diff, r.New)
		}
	}
}

func (a *App) applyDiff(d config.ConfigDiff, next *config.Config) {
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(ParseLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.CatalogChanged {
		as := next.Assistant
		a.host.SetCatalog(as.Catalog())
		a.host.SetDefaults(host.Defaults{Page: as.DefaultPage, Personality: as.DefaultPersonality})
		a.log.Info("catalog reloaded")
	}
	if d.VoiceChanged {
		a.voice.SetVoice(d.NewVoice)
		a.log.Info("voice changed, applies to the next session", "voice", d.NewVoice)
	}
	if d.CustomInstructionChanged {
		a.host.SetCustomInstruction(d.NewCustomInstruction)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", strings.Join(d.RestartRequired, ","))
	}
}

// terminal toggles the session on every input line and prints each state
// change. It returns errQuit on "q" or end of input.
func (a *App) terminal(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.termIn)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	updates, cancel := a.voice.Subscribe()
	defer cancel()

	out := a.termOut
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintln(out, "Press Enter to toggle the voice session, q to quit.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, FormatState(st))
		case line, ok := <-lines:
			if !ok || strings.EqualFold(line, "q") {
				return errQuit
			}
			if err := a.voice.Toggle(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("toggle failed", "err", err)
			}
		}
	}
}

// FormatState renders st as a single terminal line.
func FormatState(st voice.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", st.Status)
	if st.Text != "" {
		b.WriteString(" " + st.Text)
	}
	if st.Error != "" {
		b.WriteString(" (error: " + st.Error + ")")
	}
	return b.String()
}

// ParseLevel maps a config log level to its slog level. Unknown values map to
// info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown stops the voice controller, drains the HTTP
// server and closes the owned transcript store. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		var errs []error
		if a.server != nil {
			if e := a.server.Shutdown(ctx); e != nil {
				errs = append(errs, fmt.Errorf("app: http shutdown: %w", e))
			}
			if e := a.listener.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("app: close listener: %w", e))
			}
		}
		if e := a.closeAll(); e != nil {
			errs = append(errs, e)
		}
		err = errors.Join(errs...)
	})
	return err
}

// closeAll runs the closers in order, then closes the store when owned.
func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.ownsStore && a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close transcripts: %w", err))
		}
		a.ownsStore = false
	}
	return errors.Join(errs...)
}
