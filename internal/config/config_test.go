package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/zeno/internal/catalog"
	"github.com/MrWong99/zeno/internal/config"
	"github.com/MrWong99/zeno/pkg/audio"
	audiomock "github.com/MrWong99/zeno/pkg/audio/mock"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
	s2smock "github.com/MrWong99/zeno/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  log_file:
    path: /var/log/zeno.log
    compress: true

providers:
  s2s:
    name: gemini-live
    api_key: g-test
    model: gemini-2.5-flash-native-audio-preview-09-2025
  s2s_fallbacks:
    - name: openai-realtime
      api_key: sk-test

audio:
  capture: ffmpeg
  output: ffmpeg
  input_device: hw:1
  frame_size: 2048
  mic_timeout: 5s

assistant:
  voice: Puck
  default_page: creative
  default_personality: pirate
  custom_instruction: Talk like a pirate.

transcripts:
  backend: file
  path: /tmp/zeno.jsonl

resilience:
  max_failures: 5
  reset_timeout: 1m
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	lf := cfg.Server.LogFile
	if lf == nil || lf.Path != "/var/log/zeno.log" || !lf.Compress {
		t.Fatalf("log_file: got %+v", lf)
	}
	if lf.MaxSizeMB == 0 || lf.MaxBackups == 0 || lf.MaxAgeDays == 0 {
		t.Errorf("log_file rotation defaults not applied: %+v", lf)
	}

	if cfg.Providers.S2S.Name != "gemini-live" || cfg.Providers.S2S.APIKey != "g-test" {
		t.Errorf("providers.s2s: got %+v", cfg.Providers.S2S)
	}
	if len(cfg.Providers.S2SFallbacks) != 1 || cfg.Providers.S2SFallbacks[0].Name != "openai-realtime" {
		t.Errorf("providers.s2s_fallbacks: got %+v", cfg.Providers.S2SFallbacks)
	}

	want := config.AudioConfig{
		Capture:     "ffmpeg",
		Output:      "ffmpeg",
		InputDevice: "hw:1",
		FrameSize:   2048,
		MicTimeout:  5 * time.Second,
	}
	if cfg.Audio != want {
		t.Errorf("audio: got %+v, want %+v", cfg.Audio, want)
	}

	a := cfg.Assistant
	if a.Voice != "Puck" || a.DefaultPage != "creative" || a.DefaultPersonality != "pirate" {
		t.Errorf("assistant: got %+v", a)
	}
	if a.CustomInstruction != "Talk like a pirate." {
		t.Errorf("custom_instruction: got %q", a.CustomInstruction)
	}

	if cfg.Transcripts.Backend != config.TranscriptsFile || cfg.Transcripts.Path != "/tmp/zeno.jsonl" {
		t.Errorf("transcripts: got %+v", cfg.Transcripts)
	}
	if cfg.Resilience.MaxFailures != 5 || cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("resilience: got %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"s2s", cfg.Providers.S2S.Name, config.DefaultS2SProvider},
		{"capture", cfg.Audio.Capture, config.DefaultAudioDevice},
		{"output", cfg.Audio.Output, config.DefaultAudioDevice},
		{"frame_size", cfg.Audio.FrameSize, config.DefaultFrameSize},
		{"mic_timeout", cfg.Audio.MicTimeout, config.DefaultMicTimeout},
		{"voice", cfg.Assistant.Voice, catalog.DefaultVoice},
		{"default_page", cfg.Assistant.DefaultPage, config.DefaultPage},
		{"default_personality", cfg.Assistant.DefaultPersonality, config.DefaultPersonality},
		{"backend", cfg.Transcripts.Backend, config.TranscriptsMemory},
		{"max_failures", cfg.Resilience.MaxFailures, config.DefaultMaxFailures},
		{"reset_timeout", cfg.Resilience.ResetTimeout, config.DefaultResetTimeout},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Server.LogFile != nil {
		t.Errorf("log_file: got %+v, want nil", cfg.Server.LogFile)
	}
}

func TestLoadFromReader_FileBackendDefaultPath(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("transcripts:\n  backend: file\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Transcripts.Path != config.DefaultTranscriptsPath {
		t.Errorf("path: got %q, want %q", cfg.Transcripts.Path, config.DefaultTranscriptsPath)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server: [unclosed"))
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

// ── Catalog overrides ─────────────────────────────────────────────────────────

func TestAssistantConfig_Catalog(t *testing.T) {
	t.Parallel()

	t.Run("empty uses built-in", func(t *testing.T) {
		t.Parallel()
		got := config.AssistantConfig{}.Catalog()
		def := catalog.Default()
		if len(got.Pages) != len(def.Pages) || len(got.Personalities) != len(def.Personalities) {
			t.Errorf("got %d pages / %d personalities, want %d / %d",
				len(got.Pages), len(got.Personalities), len(def.Pages), len(def.Personalities))
		}
	})

	t.Run("pages override", func(t *testing.T) {
		t.Parallel()
		a := config.AssistantConfig{Pages: []catalog.Page{{ID: "home", Name: "Home"}}}
		got := a.Catalog()
		if len(got.Pages) != 1 || got.Pages[0].ID != "home" {
			t.Errorf("pages: got %+v", got.Pages)
		}
		if len(got.Personalities) != len(catalog.Default().Personalities) {
			t.Errorf("personalities should stay built-in, got %d", len(got.Personalities))
		}
	})

	t.Run("personalities override", func(t *testing.T) {
		t.Parallel()
		a := config.AssistantConfig{Personalities: []catalog.Personality{
			{ID: "calm", Instruction: "Be calm."},
			{ID: catalog.CustomPersonalityID},
		}}
		got := a.Catalog()
		if _, ok := got.Personality("calm"); !ok {
			t.Error("calm personality missing")
		}
	})
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_S2S(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterS2S("mock", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotEntry = e
		return &s2smock.Provider{ProviderName: e.Name}, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "mock", APIKey: "k"})
	if err != nil {
		t.Fatalf("CreateS2S: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("Name: got %q", p.Name())
	}
	if gotEntry.APIKey != "k" {
		t.Errorf("factory entry: got %+v", gotEntry)
	}

	if names := reg.S2SNames(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("S2SNames: got %v", names)
	}
}

func TestRegistry_Audio(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterCapture("scripted", func(cfg config.AudioConfig) (audio.CaptureDevice, error) {
		return &audiomock.CaptureDevice{}, nil
	})
	reg.RegisterOutput("scripted", func(cfg config.AudioConfig) (audio.OutputDevice, error) {
		return &audiomock.OutputDevice{}, nil
	})

	cfg := config.AudioConfig{Capture: "scripted", Output: "scripted"}
	if _, err := reg.CreateCapture(cfg); err != nil {
		t.Errorf("CreateCapture: %v", err)
	}
	if _, err := reg.CreateOutput(cfg); err != nil {
		t.Errorf("CreateOutput: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	tests := []struct {
		name string
		fn   func() error
	}{
		{"s2s", func() error { _, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"}); return err }},
		{"capture", func() error { _, err := reg.CreateCapture(config.AudioConfig{Capture: "nope"}); return err }},
		{"output", func() error { _, err := reg.CreateOutput(config.AudioConfig{Output: "nope"}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.fn()
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("got %v, want ErrProviderNotRegistered", err)
			}
			if err != nil && !strings.Contains(err.Error(), "nope") {
				t.Errorf("error should name the provider: %v", err)
			}
		})
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterS2S("bad", func(config.ProviderEntry) (s2s.Provider, error) { return nil, boom })

	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "bad"}); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterS2S("p", func(config.ProviderEntry) (s2s.Provider, error) {
		return &s2smock.Provider{ProviderName: "first"}, nil
	})
	reg.RegisterS2S("p", func(config.ProviderEntry) (s2s.Provider, error) {
		return &s2smock.Provider{ProviderName: "second"}, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "p"})
	if err != nil {
		t.Fatalf("CreateS2S: %v", err)
	}
	if p.Name() != "second" {
		t.Errorf("Name: got %q, want second", p.Name())
	}
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Errorf("Connect: %v", err)
	}
}
