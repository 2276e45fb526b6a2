package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/MrWong99/zeno/internal/catalog"
	"github.com/MrWong99/zeno/internal/config"
	audiomock "github.com/MrWong99/zeno/pkg/audio/mock"
	s2smock "github.com/MrWong99/zeno/pkg/provider/s2s/mock"
)

func newReloadApp(t *testing.T, lv *slog.LevelVar) (*App, *config.Config) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	config.ApplyDefaults(cfg)

	a, err := New(context.Background(), cfg, &Providers{
		S2S:     &s2smock.Provider{},
		Capture: &audiomock.CaptureDevice{},
		Output:  &audiomock.OutputDevice{},
	}, WithLogLevel(lv))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, cfg
}

func TestApplyDiff_LiveChanges(t *testing.T) {
	t.Parallel()

	var lv slog.LevelVar
	a, old := newReloadApp(t, &lv)

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Assistant.CustomInstruction = "Be terse."
	next.Assistant.Pages = []catalog.Page{{ID: "ask", Name: "Ask"}, {ID: "history", Name: "History"}}
	next.Assistant.DefaultPage = "history"

	a.applyDiff(config.Diff(old, &next), &next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	snap := a.host.Snapshot()
	if snap.CustomInstruction != "Be terse." {
		t.Errorf("CustomInstruction = %q", snap.CustomInstruction)
	}
	if len(snap.Catalog.Pages) != 2 {
		t.Errorf("pages = %d, want 2", len(snap.Catalog.Pages))
	}
}

func TestApplyDiff_EmptyIsNoop(t *testing.T) {
	t.Parallel()

	var lv slog.LevelVar
	lv.Set(slog.LevelWarn)
	a, old := newReloadApp(t, &lv)
	before := a.host.Snapshot()

	a.applyDiff(config.Diff(old, old), old)

	if lv.Level() != slog.LevelWarn {
		t.Errorf("level changed to %v", lv.Level())
	}
	if after := a.host.Snapshot(); after.ActivePage != before.ActivePage || after.Personality != before.Personality {
		t.Errorf("host changed: %+v -> %+v", before, after)
	}
}
