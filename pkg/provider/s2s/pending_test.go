package s2s_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
	"github.com/MrWong99/zeno/pkg/provider/s2s/mock"
)

func nextEvent(t *testing.T, ch <-chan s2s.Event) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return s2s.Event{}
	}
}

func waitClosed(t *testing.T, ch <-chan s2s.Event) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed")
		}
	}
}

func chunk(s string) audio.EncodedChunk {
	return audio.EncodedChunk{Data: s, MIMEType: audio.InputMIMEType}
}

func TestPending_QueuesAudioUntilOpen(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	p := &mock.Provider{Gate: gate}
	pd := s2s.ConnectAsync(context.Background(), p, s2s.SessionConfig{})
	defer pd.Close()

	for _, c := range []string{"a", "b", "c"} {
		if err := pd.SendAudio(chunk(c)); err != nil {
			t.Fatalf("SendAudio(%s) before open: %v", c, err)
		}
	}
	close(gate)

	sess := p.WaitSession(t)
	if ev := nextEvent(t, pd.Events()); ev.Kind != s2s.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Kind)
	}
	// The queue was flushed before Open was emitted.
	got := sess.Audio()
	if len(got) != 3 || got[0].Data != "a" || got[1].Data != "b" || got[2].Data != "c" {
		t.Fatalf("flushed audio = %+v, want a,b,c in order", got)
	}

	if err := pd.SendAudio(chunk("d")); err != nil {
		t.Fatal(err)
	}
	if got := sess.Audio(); len(got) != 4 || got[3].Data != "d" {
		t.Errorf("direct audio = %+v", got)
	}
}

func TestPending_ConnectFailure(t *testing.T) {
	t.Parallel()
	cause := errors.New("401 unauthorized")
	pd := s2s.ConnectAsync(context.Background(), &mock.Provider{ConnectErr: cause}, s2s.SessionConfig{})
	defer pd.Close()

	ev := nextEvent(t, pd.Events())
	if ev.Kind != s2s.EventError {
		t.Fatalf("event = %v, want error", ev.Kind)
	}
	if !errors.Is(ev.Err, s2s.ErrConnect) || !errors.Is(ev.Err, cause) {
		t.Errorf("err = %v, want wrapping ErrConnect and cause", ev.Err)
	}
	var ce *s2s.ConnectError
	if !errors.As(ev.Err, &ce) || ce.Err.Error() != "401 unauthorized" {
		t.Errorf("ConnectError cause = %v", ce)
	}
	waitClosed(t, pd.Events())
}

func TestPending_ForwardsEventsInOrder(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	pd := s2s.ConnectAsync(context.Background(), p, s2s.SessionConfig{})
	defer pd.Close()

	sess := p.WaitSession(t)
	nextEvent(t, pd.Events()) // open

	want := []s2s.EventKind{
		s2s.EventInputTranscript,
		s2s.EventOutputTranscript,
		s2s.EventAudioChunk,
		s2s.EventTurnComplete,
		s2s.EventInterrupted,
	}
	for _, k := range want {
		sess.Emit(s2s.Event{Kind: k})
	}
	sess.Finish(&s2s.Event{Kind: s2s.EventClosed, Reason: "bye"})

	for i, k := range want {
		if ev := nextEvent(t, pd.Events()); ev.Kind != k {
			t.Errorf("event %d = %v, want %v", i, ev.Kind, k)
		}
	}
	ev := nextEvent(t, pd.Events())
	if ev.Kind != s2s.EventClosed || ev.Reason != "bye" {
		t.Errorf("final event = %+v, want closed(bye)", ev)
	}
	waitClosed(t, pd.Events())
}

func TestPending_ToolResponseExactlyOnce(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	pd := s2s.ConnectAsync(context.Background(), p, s2s.SessionConfig{})
	defer pd.Close()

	sess := p.WaitSession(t)
	nextEvent(t, pd.Events()) // open

	sess.Emit(s2s.Event{Kind: s2s.EventToolCall, ToolCalls: []s2s.ToolCallRequest{
		{ID: "c1", Name: "navigateToPage"},
		{ID: "c2", Name: "changePersonality"},
	}})
	nextEvent(t, pd.Events())

	if err := pd.SendToolResponse(s2s.ToolCallResponse{ID: "c1", Name: "navigateToPage", Result: "ok"}); err != nil {
		t.Fatalf("first response: %v", err)
	}
	if err := pd.SendToolResponse(s2s.ToolCallResponse{ID: "c1", Name: "navigateToPage", Result: "again"}); !errors.Is(err, s2s.ErrUnknownToolCall) {
		t.Errorf("duplicate response err = %v, want ErrUnknownToolCall", err)
	}
	if err := pd.SendToolResponse(s2s.ToolCallResponse{ID: "nope"}); !errors.Is(err, s2s.ErrUnknownToolCall) {
		t.Errorf("unknown id err = %v, want ErrUnknownToolCall", err)
	}
	if err := pd.SendToolResponse(s2s.ToolCallResponse{ID: "c2", Name: "changePersonality", Result: "ok"}); err != nil {
		t.Fatalf("second response: %v", err)
	}

	got := sess.ToolResponses()
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Errorf("responses = %+v", got)
	}
}

func TestPending_CloseBeforeResolve(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	p := &mock.Provider{Gate: gate}
	pd := s2s.ConnectAsync(context.Background(), p, s2s.SessionConfig{})

	if err := pd.SendAudio(chunk("a")); err != nil {
		t.Fatal(err)
	}
	if err := pd.Close(); err != nil {
		t.Fatal(err)
	}
	if err := pd.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := pd.SendAudio(chunk("b")); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close err = %v, want ErrSessionClosed", err)
	}
	// The dial context is cancelled, so the gated Connect returns.
	waitClosed(t, pd.Events())
	if n := len(p.Sessions()); n != 0 {
		t.Errorf("sessions created = %d, want 0", n)
	}
}

func TestPending_CloseAfterResolveClosesSession(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	pd := s2s.ConnectAsync(context.Background(), p, s2s.SessionConfig{})
	sess := p.WaitSession(t)
	nextEvent(t, pd.Events()) // open

	if err := pd.Close(); err != nil {
		t.Fatal(err)
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session Close calls = %d, want 1", sess.CloseCount())
	}
	waitClosed(t, pd.Events())
}

func TestEventKind_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind s2s.EventKind
		want string
	}{
		{s2s.EventOpen, "open"},
		{s2s.EventToolCall, "tool_call"},
		{s2s.EventClosed, "closed"},
		{s2s.EventKind(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.kind, got, tc.want)
		}
	}
}
