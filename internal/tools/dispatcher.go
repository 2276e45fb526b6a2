// Package tools executes the host capabilities the voice model may invoke:
// page navigation and personality change.
//
// Every request yields exactly one result string. Rejections (unknown ids,
// missing arguments, unknown tools) are reported to the model as text and are
// never errors.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/zeno/internal/catalog"
	"github.com/MrWong99/zeno/internal/observe"
	"github.com/MrWong99/zeno/internal/phonetic"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

// Callbacks are the host operations a successful tool call performs.
type Callbacks interface {
	Navigate(pageID string)
	ChangePersonality(id string)
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics records tool outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithMatcher replaces the matcher used for "did you mean" suggestions.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(d *Dispatcher) { d.matcher = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher validates tool calls against the live catalog and applies them.
// It is safe for concurrent use.
type Dispatcher struct {
	host    Callbacks
	metrics *observe.Metrics
	matcher *phonetic.Matcher
	log     *slog.Logger

	mu  sync.RWMutex
	cat catalog.Catalog
}

// New returns a Dispatcher over cat that applies successful calls to host.
func New(cat catalog.Catalog, host Callbacks, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		host:    host,
		cat:     cat,
		matcher: phonetic.New(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetCatalog replaces the capability set used for validation.
func (d *Dispatcher) SetCatalog(cat catalog.Catalog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cat = cat
}

// Dispatch runs req and returns its single response.
func (d *Dispatcher) Dispatch(ctx context.Context, req s2s.ToolCallRequest) s2s.ToolCallResponse {
	d.mu.RLock()
	cat := d.cat
	d.mu.RUnlock()

	var result, status string
	switch req.Name {
	case catalog.NavigateTool:
		result, status = d.navigate(cat, stringArg(req.Args, "pageId"))
	case catalog.PersonalityTool:
		result, status = d.changePersonality(cat, stringArg(req.Args, "personality"))
	default:
		result, status = fmt.Sprintf("Unknown tool: %s.", req.Name), observe.ToolUnknownTool
	}

	d.log.Debug("tool call dispatched", "tool", req.Name, "id", req.ID, "status", status, "result", result)
	if d.metrics != nil {
		d.metrics.RecordToolCall(ctx, req.Name, status)
	}
	return s2s.ToolCallResponse{ID: req.ID, Name: req.Name, Result: result}
}

func (d *Dispatcher) navigate(cat catalog.Catalog, pageID string) (string, string) {
	if p, ok := cat.Page(pageID); ok && pageID != "" {
		d.host.Navigate(p.ID)
		return fmt.Sprintf("Navigated to %s.", cat.PageName(p.ID)), observe.ToolOK
	}
	result := fmt.Sprintf("Could not navigate to unknown page: %s.", pageID)
	cands := make([]phonetic.Candidate, len(cat.Pages))
	for i, p := range cat.Pages {
		cands[i] = phonetic.Candidate{ID: p.ID, Name: p.Name}
	}
	if c, _, ok := d.matcher.Suggest(pageID, cands); ok {
		result += fmt.Sprintf(" Did you mean %s (%s)?", c.Name, c.ID)
	}
	return result, observe.ToolRejected
}

func (d *Dispatcher) changePersonality(cat catalog.Catalog, id string) (string, string) {
	if _, ok := cat.Personality(id); ok && id != "" {
		d.host.ChangePersonality(id)
		if id == catalog.CustomPersonalityID {
			return "Switched to your custom personality.", observe.ToolOK
		}
		return fmt.Sprintf("Changed personality to %s.", id), observe.ToolOK
	}
	result := fmt.Sprintf("Could not change to unknown personality: %s.", id)
	cands := make([]phonetic.Candidate, len(cat.Personalities))
	for i, p := range cat.Personalities {
		cands[i] = phonetic.Candidate{ID: p.ID}
	}
	if c, _, ok := d.matcher.Suggest(id, cands); ok {
		result += fmt.Sprintf(" Did you mean %s?", c.ID)
	}
	return result, observe.ToolRejected
}

// stringArg returns args[key] when it is a string, "" otherwise.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
