// Command zeno is the main entry point for the Zeno voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/natefinch/lumberjack"

	"github.com/MrWong99/zeno/internal/app"
	"github.com/MrWong99/zeno/internal/config"
	"github.com/MrWong99/zeno/internal/observe"
	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/audio/ffmpeg"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
	geminilive "github.com/MrWong99/zeno/pkg/provider/s2s/gemini"
	gemsdk "github.com/MrWong99/zeno/pkg/provider/s2s/genai"
	oais2s "github.com/MrWong99/zeno/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// platformRegistrations adds devices that need build tags.
var platformRegistrations []func(*config.Registry)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	interactive := flag.Bool("interactive", false, "toggle the session with Enter, quit with q")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "zeno: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "zeno: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "zeno: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	logOut, closeLog := logOutput(cfg.Server.LogFile)
	defer closeLog()
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: &level})))

	slog.Info("zeno starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "zeno",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)
	for _, fn := range platformRegistrations {
		fn(reg)
	}

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg, *interactive)

	opts := []app.Option{
		app.WithLogLevel(&level),
		app.WithConfigPath(*configPath),
		app.WithTelemetry(tel),
	}
	if *interactive {
		opts = append(opts, app.WithTerminal(os.Stdin, os.Stdout))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down", "addr", application.Addr().String())

	code := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// logOutput returns stderr, or a rotated file when lf names a path.
func logOutput(lf *config.LogFileConfig) (io.Writer, func()) {
	if lf == nil || lf.Path == "" {
		return os.Stderr, func() {}
	}
	l := &lumberjack.Logger{
		Filename:   lf.Path,
		MaxSize:    lf.MaxSizeMB,
		MaxBackups: lf.MaxBackups,
		MaxAge:     lf.MaxAgeDays,
		Compress:   lf.Compress,
	}
	return l, func() { _ = l.Close() }
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the built-in transports and devices into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if name := optString(entry.Options, "label"); name != "" {
			opts = append(opts, geminilive.WithName(name))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("genai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []gemsdk.Option
		if entry.Model != "" {
			opts = append(opts, gemsdk.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemsdk.WithBaseURL(entry.BaseURL))
		}
		if name := optString(entry.Options, "label"); name != "" {
			opts = append(opts, gemsdk.WithName(name))
		}
		return gemsdk.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if name := optString(entry.Options, "label"); name != "" {
			opts = append(opts, oais2s.WithName(name))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterCapture("ffmpeg", func(cfg config.AudioConfig) (audio.CaptureDevice, error) {
		return &ffmpeg.Capture{Device: cfg.InputDevice}, nil
	})
	reg.RegisterOutput("ffmpeg", func(config.AudioConfig) (audio.OutputDevice, error) {
		return &ffmpeg.Output{}, nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// buildProviders instantiates the transports and devices named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	ps.S2S = p
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name)

	for _, entry := range cfg.Providers.S2SFallbacks {
		fb, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("create s2s fallback %q: %w", entry.Name, err)
		}
		ps.S2SFallbacks = append(ps.S2SFallbacks, fb)
		slog.Info("provider created", "kind", "s2s-fallback", "name", entry.Name)
	}

	if ps.Capture, err = reg.CreateCapture(cfg.Audio); err != nil {
		return nil, fmt.Errorf("create capture device %q: %w", cfg.Audio.Capture, err)
	}
	if ps.Output, err = reg.CreateOutput(cfg.Audio); err != nil {
		return nil, fmt.Errorf("create output device %q: %w", cfg.Audio.Output, err)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, interactive bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Zeno startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("S2S", summarize(cfg.Providers.S2S.Name, cfg.Providers.S2S.Model))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.S2SFallbacks)))
	printRow("Capture", cfg.Audio.Capture)
	printRow("Output", cfg.Audio.Output)
	printRow("Voice", cfg.Assistant.Voice)
	printRow("Page", cfg.Assistant.DefaultPage)
	printRow("Personality", cfg.Assistant.DefaultPersonality)
	printRow("Transcripts", string(cfg.Transcripts.Backend))
	printRow("Listen addr", cfg.Server.ListenAddr)
	if interactive {
		printRow("Terminal", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summarize(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
