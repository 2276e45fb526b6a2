// Package host holds the application model the voice assistant drives: the
// live capability catalog, the active page and personality, and the
// conversation history.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/zeno/internal/catalog"
	"github.com/MrWong99/zeno/internal/transcriptlog"
)

// ChangeKind identifies what a [Change] reports.
type ChangeKind string

const (
	// ChangePage reports a new active page id.
	ChangePage ChangeKind = "page"

	// ChangePersonality reports a new active personality id.
	ChangePersonality ChangeKind = "personality"
)

// Change is delivered to listeners registered with [App.OnChange].
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Value string     `json:"value"`
}

// Defaults selects the initial page and personality.
type Defaults struct {
	Page        string
	Personality string
}

// Snapshot is a read-only view of the host state.
type Snapshot struct {
	ActivePage        string          `json:"active_page"`
	ActivePageName    string          `json:"active_page_name"`
	Personality       string          `json:"personality"`
	ChatInstruction   string          `json:"chat_instruction"`
	CustomInstruction string          `json:"custom_instruction"`
	Catalog           catalog.Catalog `json:"catalog"`
}

// App is the host application model. All methods are safe for concurrent use.
type App struct {
	store transcriptlog.Store
	log   *slog.Logger

	mu          sync.RWMutex
	cat         catalog.Catalog
	defaults    Defaults
	page        string
	personality string
	custom      string
	listeners   []func(Change)
}

// Option configures an [App].
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithCustomInstruction sets the initial custom personality text.
func WithCustomInstruction(text string) Option {
	return func(a *App) { a.custom = text }
}

// New creates an App over cat that stores history in store. Unknown defaults
// fall back to the first page and personality of the catalog.
func New(cat catalog.Catalog, defaults Defaults, store transcriptlog.Store, opts ...Option) *App {
	a := &App{
		store:    store,
		log:      slog.Default(),
		cat:      cat,
		defaults: defaults,
	}
	for _, o := range opts {
		o(a)
	}
	a.page = a.fallbackPage()
	a.personality = a.fallbackPersonality()
	return a
}

// Catalog returns the live capability set.
func (a *App) Catalog() catalog.Catalog {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cat
}

// VoiceState returns the state a voice session is configured from.
func (a *App) VoiceState() catalog.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return catalog.State{
		ActivePage:        a.page,
		Personality:       a.personality,
		CustomInstruction: a.custom,
	}
}

// Snapshot returns the full host state.
func (a *App) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		ActivePage:        a.page,
		ActivePageName:    a.cat.PageName(a.page),
		Personality:       a.personality,
		ChatInstruction:   catalog.ChatInstruction(a.cat, a.personality, a.custom),
		CustomInstruction: a.custom,
		Catalog:           a.cat,
	}
}

// Navigate sets the active page. Unknown ids are ignored.
func (a *App) Navigate(pageID string) {
	a.mu.Lock()
	if _, ok := a.cat.Page(pageID); !ok {
		a.mu.Unlock()
		a.log.Warn("host: navigate to unknown page", "page", pageID)
		return
	}
	prev := a.page
	a.page = pageID
	listeners := a.listeners
	a.mu.Unlock()

	a.log.Info("host: navigated", "from", prev, "to", pageID)
	notify(listeners, Change{Kind: ChangePage, Value: pageID})
}

// ChangePersonality sets the active personality. Unknown ids are ignored.
func (a *App) ChangePersonality(id string) {
	a.mu.Lock()
	if _, ok := a.cat.Personality(id); !ok {
		a.mu.Unlock()
		a.log.Warn("host: unknown personality", "personality", id)
		return
	}
	prev := a.personality
	a.personality = id
	listeners := a.listeners
	a.mu.Unlock()

	a.log.Info("host: personality changed", "from", prev, "to", id)
	notify(listeners, Change{Kind: ChangePersonality, Value: id})
}

// SetCustomInstruction sets the text of the custom personality.
func (a *App) SetCustomInstruction(text string) {
	a.mu.Lock()
	a.custom = text
	a.mu.Unlock()
	a.log.Info("host: custom instruction updated", "length", len(text))
}

// SetCatalog replaces the capability set. An active page or personality that
// no longer exists falls back to the configured default.
func (a *App) SetCatalog(cat catalog.Catalog) {
	a.mu.Lock()
	a.cat = cat
	var changes []Change
	if _, ok := cat.Page(a.page); !ok {
		a.page = a.fallbackPage()
		changes = append(changes, Change{Kind: ChangePage, Value: a.page})
	}
	if _, ok := cat.Personality(a.personality); !ok {
		a.personality = a.fallbackPersonality()
		changes = append(changes, Change{Kind: ChangePersonality, Value: a.personality})
	}
	listeners := a.listeners
	a.mu.Unlock()

	a.log.Info("host: catalog replaced", "pages", len(cat.Pages), "personalities", len(cat.Personalities))
	for _, c := range changes {
		notify(listeners, c)
	}
}

// SetDefaults replaces the fallback page and personality used by SetCatalog.
func (a *App) SetDefaults(d Defaults) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaults = d
}

// OnChange registers fn for page and personality changes. fn runs on the
// goroutine that made the change and must not block.
func (a *App) OnChange(fn func(Change)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners[:len(a.listeners):len(a.listeners)], fn)
}

// AppendTranscriptionEntries persists the entries of one turn.
func (a *App) AppendTranscriptionEntries(ctx context.Context, entries []transcriptlog.Entry) error {
	if err := a.store.Append(ctx, entries); err != nil {
		return fmt.Errorf("host: append transcription: %w", err)
	}
	a.log.Debug("host: transcription stored", "entries", len(entries))
	return nil
}

// Transcripts lists the most recent limit history entries, oldest first.
func (a *App) Transcripts(ctx context.Context, limit int) ([]transcriptlog.Entry, error) {
	entries, err := a.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("host: list transcription: %w", err)
	}
	return entries, nil
}

// fallbackPage returns the default page, or the first page when the default
// is not in the catalog. Must be called with a.mu held or during construction.
func (a *App) fallbackPage() string {
	if _, ok := a.cat.Page(a.defaults.Page); ok {
		return a.defaults.Page
	}
	if len(a.cat.Pages) > 0 {
		return a.cat.Pages[0].ID
	}
	return ""
}

func (a *App) fallbackPersonality() string {
	if _, ok := a.cat.Personality(a.defaults.Personality); ok {
		return a.defaults.Personality
	}
	if len(a.cat.Personalities) > 0 {
		return a.cat.Personalities[0].ID
	}
	return ""
}

func notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}
