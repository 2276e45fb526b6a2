// Package genai implements s2s.Provider on top of the Live API of the Google
// GenAI SDK (google.golang.org/genai).
//
// It speaks the same session protocol as package gemini but lets the SDK own
// the wire format, authentication and endpoint selection. Use it when the SDK
// tracks protocol changes faster than a hand-written client would.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Session  = (*session)(nil)
)

// DefaultModel is the native-audio model used when none is configured.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the Live model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL points the SDK at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithName overrides the provider name reported to logs and metrics.
func WithName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.name = name
		}
	}
}

// Provider dials Live sessions through the GenAI SDK.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	name    string

	mu     sync.Mutex
	client *genai.Client
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  DefaultModel,
		name:   "genai",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return p.name }

// sdkClient creates the SDK client on first use and reuses it afterwards.
func (p *Provider) sdkClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// Connect implements s2s.Provider.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	client, err := p.sdkClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}

	live, err := client.Live.Connect(ctx, p.model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	s := &session{
		live:   live,
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// liveConfig maps cfg onto the SDK connect configuration.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}
	if cfg.ResponseModality != "" {
		lc.ResponseModalities = []genai.Modality{genai.Modality(cfg.ResponseModality)}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.Parameters),
			}
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// toSchema converts a JSON-schema map into the SDK schema type. Unsupported
// keywords are ignored.
func toSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	s.Enum = stringList(m["enum"])
	s.Required = stringList(m["required"])
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if pm, ok := v.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	return s
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return append([]string(nil), l...)
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	live   *genai.Session
	events chan s2s.Event
	done   chan struct{}

	// sendMu serialises writes; the SDK session is not safe for concurrent
	// senders.
	sendMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendAudio implements s2s.Session.
func (s *session) SendAudio(chunk audio.EncodedChunk) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("genai: decode chunk: %w", err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err = s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: data, MIMEType: chunk.MIMEType},
	})
	if err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

// SendToolResponse implements s2s.Session.
func (s *session) SendToolResponse(resp s2s.ToolCallResponse) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       resp.ID,
			Name:     resp.Name,
			Response: map[string]any{"result": resp.Result},
		}},
	})
	if err != nil {
		return fmt.Errorf("genai: send tool response: %w", err)
	}
	return nil
}

// Events implements s2s.Session.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close implements s2s.Session.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if err := s.live.Close(); err != nil {
		slog.Debug("genai: close session", "err", err)
	}
	return nil
}

func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.emit(s2s.Event{Kind: s2s.EventClosed, Reason: ce.Text})
				return
			}
			s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("genai: receive: %w", err)})
			return
		}
		for _, ev := range translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// translate converts one server message into events, in the same order the
// raw gemini transport uses.
func translate(msg *genai.LiveServerMessage) []s2s.Event {
	if msg == nil {
		return nil
	}
	var out []s2s.Event
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, s2s.Event{Kind: s2s.EventInputTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, s2s.Event{Kind: s2s.EventOutputTranscript, Text: sc.OutputTranscription.Text})
		}
		if sc.TurnComplete {
			out = append(out, s2s.Event{Kind: s2s.EventTurnComplete})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
					continue
				}
				out = append(out, s2s.Event{
					Kind: s2s.EventAudioChunk,
					Audio: audio.EncodedChunk{
						Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
						MIMEType: p.InlineData.MIMEType,
					},
				})
			}
		}
		if sc.Interrupted {
			out = append(out, s2s.Event{Kind: s2s.EventInterrupted})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		reqs := make([]s2s.ToolCallRequest, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			reqs = append(reqs, s2s.ToolCallRequest{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, s2s.Event{Kind: s2s.EventToolCall, ToolCalls: reqs})
	}
	return out
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
