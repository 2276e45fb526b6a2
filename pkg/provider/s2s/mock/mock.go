// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to push events as if the remote model sent them and to inspect what
// the code under test sent upstream.
//
// Example:
//
//	p := &mock.Provider{}
//	pending := s2s.ConnectAsync(ctx, p, cfg)
//	sess := p.WaitSession(t)
//	sess.Emit(s2s.Event{Kind: s2s.EventInputTranscript, Text: "hi"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Session  = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, blocks Connect until a value is received or the
	// channel is closed, or ctx is done. Tests use it to hold the connection
	// in the pending state.
	Gate chan struct{}

	// StallSends makes SendAudio on every new session block until that
	// session is closed, like a write on a stalled socket.
	StallSends bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
	notify   chan *Session
}

// Name implements s2s.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns a fresh Session, or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate, connectErr, stall := p.Gate, p.ConnectErr, p.StallSends
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	sess := NewSession()
	sess.stall = stall
	p.mu.Lock()
	p.sessions = append(p.sessions, sess)
	notify := p.notifyLocked()
	p.mu.Unlock()
	select {
	case notify <- sess:
	default:
	}
	return sess, nil
}

func (p *Provider) notifyLocked() chan *Session {
	if p.notify == nil {
		p.notify = make(chan *Session, 64)
	}
	return p.notify
}

// WaitSession blocks until Connect hands out its next session, or fails the
// test after a few seconds.
func (p *Provider) WaitSession(t interface {
	Helper()
	Fatal(args ...any)
}) *Session {
	t.Helper()
	p.mu.Lock()
	notify := p.notifyLocked()
	p.mu.Unlock()
	select {
	case s := <-notify:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("mock: timed out waiting for Connect")
		return nil
	}
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// ConnectCount returns how many times Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConfig returns the config of the most recent Connect call.
func (p *Provider) LastConfig() s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectCalls) == 0 {
		return s2s.SessionConfig{}
	}
	return p.ConnectCalls[len(p.ConnectCalls)-1].Cfg
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a scripted s2s.Session.
type Session struct {
	events    chan s2s.Event
	closed    chan struct{}
	closeOnce sync.Once
	stall     bool

	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SendToolResponseErr, if non-nil, is returned by SendToolResponse.
	SendToolResponseErr error

	audio      []audio.EncodedChunk
	responses  []s2s.ToolCallResponse
	closeCalls int
	stalled    int
	finished   bool
}

// NewSession returns an open session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64), closed: make(chan struct{})}
}

// Emit pushes ev onto the event stream. Emit after Finish is a no-op.
func (s *Session) Emit(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.events <- ev
}

// Finish closes the event stream, optionally after a terminal event.
func (s *Session) Finish(final *s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if final != nil {
		s.events <- *final
	}
	s.finished = true
	close(s.events)
}

// SendAudio records chunk. On a stalled session it blocks until Close and
// then fails with s2s.ErrSessionClosed.
func (s *Session) SendAudio(chunk audio.EncodedChunk) error {
	if s.stall {
		s.mu.Lock()
		s.stalled++
		s.mu.Unlock()
		<-s.closed
		return s2s.ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, chunk)
	return nil
}

// SendToolResponse records resp.
func (s *Session) SendToolResponse(resp s2s.ToolCallResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendToolResponseErr != nil {
		return s.SendToolResponseErr
	}
	s.responses = append(s.responses, resp)
	return nil
}

// Events implements s2s.Session.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call and closes the event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	s.Finish(nil)
	return nil
}

// Audio returns every chunk received so far.
func (s *Session) Audio() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedChunk(nil), s.audio...)
}

// ToolResponses returns every tool response received so far.
func (s *Session) ToolResponses() []s2s.ToolCallResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]s2s.ToolCallResponse(nil), s.responses...)
}

// StalledSends returns how many SendAudio calls blocked on a stalled session.
func (s *Session) StalledSends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// SetSendAudioErr sets SendAudioErr under the session lock.
func (s *Session) SetSendAudioErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioErr = err
}

// SetSendToolResponseErr sets SendToolResponseErr under the session lock.
func (s *Session) SetSendToolResponseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendToolResponseErr = err
}
