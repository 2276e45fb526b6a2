// Package s2s defines the Session Transport: a bidirectional streaming audio
// session with a remote speech-to-speech model.
//
// A [Provider] dials a [Session]. The session accepts encoded microphone
// chunks and tool responses, and delivers everything the model sends back as
// a single ordered stream of [Event] values: transcriptions, synthesized audio,
// turn boundaries, interruptions and tool calls. Funnelling every callback into
// one channel lets the consumer handle events strictly one at a time.
//
// [ConnectAsync] wraps a provider so that the caller gets a handle immediately
// while the connection resolves in the background.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/zeno/pkg/audio"
)

var (
	// ErrConnect marks a failure to establish the session. Errors delivered
	// in an [EventError] after a failed connect wrap it.
	ErrConnect = errors.New("s2s: connect failed")

	// ErrUnknownToolCall is returned by SendToolResponse for an id that was
	// never requested or has already been answered.
	ErrUnknownToolCall = errors.New("s2s: unknown tool call id")

	// ErrSessionClosed is returned by send methods after Close.
	ErrSessionClosed = errors.New("s2s: session closed")
)

// Modality is a response modality requested from the model.
type Modality string

// ModalityAudio requests synthesized speech.
const ModalityAudio Modality = "AUDIO"

// ToolDefinition declares a host capability the model may invoke.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new session. It is built
// fresh for every session from the live host state.
type SessionConfig struct {
	ResponseModality Modality

	// InputTranscription asks the model to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the model to transcribe its own speech.
	OutputTranscription bool

	// Voice names a prebuilt voice, e.g. "Charon".
	Voice string

	// Instructions is the system instruction.
	Instructions string

	Tools []ToolDefinition
}

// ToolCallRequest is one tool invocation requested by the model.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCallResponse answers exactly one [ToolCallRequest].
type ToolCallResponse struct {
	ID     string
	Name   string
	Result string
}

// EventKind discriminates [Event].
type EventKind int

const (
	// EventOpen signals that the session is established and ready.
	EventOpen EventKind = iota + 1

	// EventInputTranscript carries a fragment of the user's speech in Text.
	EventInputTranscript

	// EventOutputTranscript carries a fragment of the model's speech in Text.
	EventOutputTranscript

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventAudioChunk carries synthesized audio in Audio.
	EventAudioChunk

	// EventInterrupted signals that the user spoke over the model.
	EventInterrupted

	// EventToolCall carries one or more requests in ToolCalls.
	EventToolCall

	// EventError carries a fatal session error in Err. It is the last event.
	EventError

	// EventClosed signals a remote close with an optional Reason. It is the
	// last event.
	EventClosed
)

var kindNames = map[EventKind]string{
	EventOpen:             "open",
	EventInputTranscript:  "input_transcript",
	EventOutputTranscript: "output_transcript",
	EventTurnComplete:     "turn_complete",
	EventAudioChunk:       "audio_chunk",
	EventInterrupted:      "interrupted",
	EventToolCall:         "tool_call",
	EventError:            "error",
	EventClosed:           "closed",
}

// String returns the snake_case name of k.
func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one message from the remote model. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind
	Text      string
	Audio     audio.EncodedChunk
	ToolCalls []ToolCallRequest
	Err       error
	Reason    string
}

// Session is an open transport. Sessions never emit [EventOpen] themselves;
// a session returned by Connect is already open.
type Session interface {
	// SendAudio streams one encoded microphone chunk to the model.
	SendAudio(chunk audio.EncodedChunk) error

	// SendToolResponse answers a tool call.
	SendToolResponse(resp ToolCallResponse) error

	// Events returns the ordered event stream. The channel is closed after
	// the final event.
	Events() <-chan Event

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider dials sessions against one remote service.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Connect dials synchronously. ctx bounds the dial only; the session
	// lives until Close or a remote close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// ConnectError is delivered in the [EventError] that follows a failed
// connect. It matches [ErrConnect] with errors.Is.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "s2s: connect: " + e.Err.Error() }

// Unwrap exposes both the sentinel and the cause.
func (e *ConnectError) Unwrap() []error { return []error{ErrConnect, e.Err} }
