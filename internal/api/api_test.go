package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/zeno/internal/api"
	"github.com/MrWong99/zeno/internal/catalog"
	"github.com/MrWong99/zeno/internal/host"
	"github.com/MrWong99/zeno/internal/resilience"
	"github.com/MrWong99/zeno/internal/transcriptlog"
	"github.com/MrWong99/zeno/internal/voice"
)

// fakeVoice is a scripted session controller.
type fakeVoice struct {
	mu    sync.Mutex
	state voice.State
	calls []string
	err   error
	subs  []chan voice.State
}

func (f *fakeVoice) op(name string, next voice.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err != nil {
		return f.err
	}
	f.state.Status = next
	return nil
}

func (f *fakeVoice) Start(context.Context) error { return f.op("start", voice.StatusListening) }
func (f *fakeVoice) Stop(context.Context) error  { return f.op("stop", voice.StatusOff) }

func (f *fakeVoice) Toggle(context.Context) error {
	next := voice.StatusListening
	if f.Snapshot().Status != voice.StatusOff {
		next = voice.StatusOff
	}
	return f.op("toggle", next)
}

func (f *fakeVoice) Snapshot() voice.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeVoice) Subscribe() (<-chan voice.State, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan voice.State, 4)
	ch <- f.state
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeVoice) publish(st voice.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
	for _, ch := range f.subs {
		ch <- st
	}
}

func (f *fakeVoice) closeSubs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

func (f *fakeVoice) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeVoice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type failingStore struct{ transcriptlog.Store }

func (failingStore) List(context.Context, int) ([]transcriptlog.Entry, error) {
	return nil, errors.New("db down")
}

func newServer(t *testing.T, store transcriptlog.Store) (*fakeVoice, *host.App, http.Handler) {
	t.Helper()
	v := &fakeVoice{}
	h := host.New(catalog.Default(), host.Defaults{Page: "ask", Personality: "zeno"}, store)
	mux := http.NewServeMux()
	api.New(v, h).Register(mux)
	return v, h, mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

func TestVoiceRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path       string
		wantCall   string
		wantStatus string
	}{
		{"/api/voice/start", "start", "listening"},
		{"/api/voice/stop", "stop", "off"},
		{"/api/voice/toggle", "toggle", "listening"},
	}
	for _, tt := range tests {
		t.Run(tt.wantCall, func(t *testing.T) {
			t.Parallel()
			v, _, h := newServer(t, transcriptlog.NewMemoryStore())

			rec := do(t, h, http.MethodPost, tt.path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			body := decode[map[string]any](t, rec)
			if body["status"] != tt.wantStatus {
				t.Errorf("status field = %v, want %q", body["status"], tt.wantStatus)
			}
			if calls := v.Calls(); len(calls) != 1 || calls[0] != tt.wantCall {
				t.Errorf("calls = %v", calls)
			}
		})
	}
}

func TestVoiceRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	_, _, h := newServer(t, transcriptlog.NewMemoryStore())

	rec := do(t, h, http.MethodGet, "/api/voice/toggle", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestVoiceRoutes_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"closed", voice.ErrClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, _, h := newServer(t, transcriptlog.NewMemoryStore())
			v.err = tt.err

			rec := do(t, h, http.MethodPost, "/api/voice/toggle", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			body := decode[map[string]string](t, rec)
			if body["error"] != tt.err.Error() {
				t.Errorf("error = %q, want %q", body["error"], tt.err.Error())
			}
		})
	}
}

func TestState(t *testing.T) {
	t.Parallel()
	v, _, h := newServer(t, transcriptlog.NewMemoryStore())
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v.state = voice.State{
		Status:    voice.StatusSpeaking,
		Text:      "Zeno: hello",
		SessionID: "s-1",
		StartedAt: started,
	}

	rec := do(t, h, http.MethodGet, "/api/voice/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decode[map[string]any](t, rec)
	want := map[string]any{
		"status":     "speaking",
		"text":       "Zeno: hello",
		"error":      "",
		"session_id": "s-1",
		"started_at": "2026-01-02T03:04:05Z",
	}
	for k, wv := range want {
		if body[k] != wv {
			t.Errorf("%s = %v, want %v", k, body[k], wv)
		}
	}
}

func TestHost(t *testing.T) {
	t.Parallel()
	_, app, h := newServer(t, transcriptlog.NewMemoryStore())
	app.Navigate("settings")

	rec := do(t, h, http.MethodGet, "/api/host", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	snap := decode[host.Snapshot](t, rec)
	if snap.ActivePage != "settings" || snap.ActivePageName != "Settings" {
		t.Errorf("page = %q / %q", snap.ActivePage, snap.ActivePageName)
	}
	if snap.Personality != "zeno" {
		t.Errorf("personality = %q", snap.Personality)
	}
	if len(snap.Catalog.Pages) != len(catalog.Default().Pages) {
		t.Errorf("catalog pages = %d", len(snap.Catalog.Pages))
	}
}

func TestCustomInstruction(t *testing.T) {
	t.Parallel()

	t.Run("sets text", func(t *testing.T) {
		t.Parallel()
		_, app, h := newServer(t, transcriptlog.NewMemoryStore())
		app.ChangePersonality(catalog.CustomPersonalityID)

		rec := do(t, h, http.MethodPut, "/api/host/custom-instruction", `{"instruction":"Speak in haiku."}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		snap := decode[host.Snapshot](t, rec)
		if snap.CustomInstruction != "Speak in haiku." {
			t.Errorf("custom = %q", snap.CustomInstruction)
		}
		if snap.ChatInstruction != "Speak in haiku." {
			t.Errorf("chat instruction = %q", snap.ChatInstruction)
		}
	})

	bad := []struct {
		name, body string
		want       int
	}{
		{"malformed", `{"instruction":`, http.StatusBadRequest},
		{"missing field", `{}`, http.StatusBadRequest},
		{"too large", `{"instruction":"` + strings.Repeat("a", 70<<10) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, h := newServer(t, transcriptlog.NewMemoryStore())
			rec := do(t, h, http.MethodPut, "/api/host/custom-instruction", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if body := decode[map[string]string](t, rec); body["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestTranscripts(t *testing.T) {
	t.Parallel()
	store := transcriptlog.NewMemoryStore()
	_, _, h := newServer(t, store)

	now := time.Now()
	entries := []transcriptlog.Entry{
		{SessionID: "s", Role: transcriptlog.RoleUser, Text: "one", Timestamp: now},
		{SessionID: "s", Role: transcriptlog.RoleModel, Text: "two", Timestamp: now},
		{SessionID: "s", Role: transcriptlog.RoleUser, Text: "three", Timestamp: now},
	}
	if err := store.Append(context.Background(), entries); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"one", "two", "three"}},
		{"?limit=2", []string{"two", "three"}},
		{"?limit=0", []string{"one", "two", "three"}},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, "/api/transcripts"+tt.query, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%q: status = %d", tt.query, rec.Code)
		}
		got := decode[[]transcriptlog.Entry](t, rec)
		if len(got) != len(tt.want) {
			t.Fatalf("%q: got %d entries, want %d", tt.query, len(got), len(tt.want))
		}
		for i, e := range got {
			if e.Text != tt.want[i] {
				t.Errorf("%q: [%d] = %q, want %q", tt.query, i, e.Text, tt.want[i])
			}
		}
	}
}

func TestTranscripts_EmptyIsArray(t *testing.T) {
	t.Parallel()
	_, _, h := newServer(t, transcriptlog.NewMemoryStore())

	rec := do(t, h, http.MethodGet, "/api/transcripts", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}

func TestTranscripts_Errors(t *testing.T) {
	t.Parallel()

	_, _, h := newServer(t, transcriptlog.NewMemoryStore())
	for _, q := range []string{"?limit=abc", "?limit=-1"} {
		if rec := do(t, h, http.MethodGet, "/api/transcripts"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", q, rec.Code)
		}
	}

	_, _, h = newServer(t, failingStore{})
	rec := do(t, h, http.MethodGet, "/api/transcripts", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

type fakeTransports []resilience.EntryStatus

func (f fakeTransports) Status() []resilience.EntryStatus { return f }

func TestTransports(t *testing.T) {
	t.Parallel()

	_, _, plain := newServer(t, transcriptlog.NewMemoryStore())
	if rec := do(t, plain, http.MethodGet, "/api/transports", ""); rec.Code != http.StatusNotFound {
		t.Errorf("without transports: status = %d, want 404", rec.Code)
	}

	want := fakeTransports{{Name: "gemini-live", State: "open"}, {Name: "openai-realtime", State: "closed"}}
	h := host.New(catalog.Default(), host.Defaults{Page: "ask", Personality: "zeno"}, transcriptlog.NewMemoryStore())
	mux := http.NewServeMux()
	api.New(&fakeVoice{}, h, api.WithTransports(want)).Register(mux)

	rec := do(t, mux, http.MethodGet, "/api/transports", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[[]resilience.EntryStatus](t, rec)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("transports = %+v, want %+v", got, want)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	v, _, h := newServer(t, transcriptlog.NewMemoryStore())
	v.state = voice.State{Status: voice.StatusOff, Text: "idle"}

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/voice/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	var first map[string]any
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if first["status"] != "off" || first["text"] != "idle" {
		t.Errorf("initial = %v", first)
	}

	// The handler subscribes before writing the first message.
	v.publish(voice.State{Status: voice.StatusListening, Text: "Listening..."})

	var next map[string]any
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if next["status"] != "listening" || next["text"] != "Listening..." {
		t.Errorf("update = %v", next)
	}

	v.closeSubs()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want going away", websocket.CloseStatus(err), err)
	}
	if v.subscribers() != 0 {
		t.Errorf("subscribers = %d", v.subscribers())
	}
}
