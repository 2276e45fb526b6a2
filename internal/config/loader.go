package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/zeno/internal/catalog"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":     {"gemini-live", "genai", "openai-realtime"},
	"capture": {"ffmpeg", "portaudio"},
	"output":  {"ffmpeg", "portaudio"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, expands
// ${VAR} references and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ExpandEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expand replaces every ${VAR} in s with the value of the environment
// variable VAR. Bare $VAR references are left alone.
func expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// ExpandEnv expands ${VAR} references in the credential, endpoint and path
// fields of cfg. Instruction texts are left untouched.
func ExpandEnv(cfg *Config) {
	cfg.Server.ListenAddr = expand(cfg.Server.ListenAddr)
	if cfg.Server.LogFile != nil {
		cfg.Server.LogFile.Path = expand(cfg.Server.LogFile.Path)
	}
	expandEntry(&cfg.Providers.S2S)
	for i := range cfg.Providers.S2SFallbacks {
		expandEntry(&cfg.Providers.S2SFallbacks[i])
	}
	cfg.Audio.InputDevice = expand(cfg.Audio.InputDevice)
	cfg.Transcripts.Path = expand(cfg.Transcripts.Path)
	cfg.Transcripts.PostgresDSN = expand(cfg.Transcripts.PostgresDSN)
}

func expandEntry(e *ProviderEntry) {
	e.Name = expand(e.Name)
	e.APIKey = expand(e.APIKey)
	e.BaseURL = expand(e.BaseURL)
	e.Model = expand(e.Model)
	for k, v := range e.Options {
		if s, ok := v.(string); ok {
			e.Options[k] = expand(s)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider and device names only warn; third-party registrations are allowed.
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	for i, fb := range cfg.Providers.S2SFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.s2s_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
	}
	validateProviderName("capture", cfg.Audio.Capture)
	validateProviderName("output", cfg.Audio.Output)

	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.MicTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.mic_timeout %s must not be negative", cfg.Audio.MicTimeout))
	}

	// Assistant
	errs = append(errs, validateAssistant(cfg.Assistant)...)

	// Transcripts
	switch t := cfg.Transcripts; {
	case !t.Backend.IsValid():
		errs = append(errs, fmt.Errorf("transcripts.backend %q is invalid; valid values: memory, file, postgres", t.Backend))
	case t.Backend == TranscriptsPostgres && t.PostgresDSN == "":
		errs = append(errs, errors.New("transcripts.postgres_dsn is required when backend is postgres"))
	case t.Backend == TranscriptsFile && t.Path == "":
		errs = append(errs, errors.New("transcripts.path is required when backend is file"))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

func validateAssistant(a AssistantConfig) []error {
	var errs []error

	pagesSeen := make(map[string]int, len(a.Pages))
	for i, p := range a.Pages {
		prefix := fmt.Sprintf("assistant.pages[%d]", i)
		if strings.TrimSpace(p.ID) == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := pagesSeen[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of assistant.pages[%d]", prefix, p.ID, prev))
		}
		pagesSeen[p.ID] = i
	}

	personalitiesSeen := make(map[string]int, len(a.Personalities))
	for i, p := range a.Personalities {
		prefix := fmt.Sprintf("assistant.personalities[%d]", i)
		if strings.TrimSpace(p.ID) == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := personalitiesSeen[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of assistant.personalities[%d]", prefix, p.ID, prev))
		}
		personalitiesSeen[p.ID] = i
	}
	if len(a.Personalities) > 0 {
		if _, ok := personalitiesSeen[catalog.CustomPersonalityID]; !ok {
			errs = append(errs, fmt.Errorf("assistant.personalities must include the %q personality", catalog.CustomPersonalityID))
		}
	}

	cat := a.Catalog()
	if _, ok := cat.Page(a.DefaultPage); !ok {
		errs = append(errs, fmt.Errorf("assistant.default_page %q is not a known page", a.DefaultPage))
	}
	if _, ok := cat.Personality(a.DefaultPersonality); !ok {
		errs = append(errs, fmt.Errorf("assistant.default_personality %q is not a known personality", a.DefaultPersonality))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
