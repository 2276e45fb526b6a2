package voice

import (
	"fmt"
	"time"
)

// Status is the coarse phase of the voice assistant.
type Status int

const (
	// StatusOff means no session is active.
	StatusOff Status = iota

	// StatusListening means the session is open and waiting for speech.
	StatusListening

	// StatusProcessing means the user is speaking and the model is
	// transcribing.
	StatusProcessing

	// StatusSpeaking means the model is answering.
	StatusSpeaking
)

var statusNames = [...]string{"off", "listening", "processing", "speaking"}

// String returns the lowercase name of s.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText implements [encoding.TextMarshaler] so that JSON carries the
// status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("voice: unknown status %q", b)
}

// State is the published, displayable state of the controller.
type State struct {
	Status    Status    `json:"status"`
	Text      string    `json:"text"`
	Error     string    `json:"error"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// Display texts.
const (
	textInitializing = "Initializing..."
	textListening    = "Listening..."
	prefixUser       = "You: "
	prefixModel      = "Zeno: "

	errConnectPrefix = "Failed to establish live session: "
	errLivePrefix    = "Live session error: "
)

// Session outcomes recorded in metrics and logs.
const (
	outcomeStopped       = "stopped"
	outcomeClosed        = "closed"
	outcomeError         = "error"
	outcomeConnectFailed = "connect_failed"
	outcomeAcquireFailed = "acquire_failed"
	outcomeRestarted     = "restarted"
	outcomeShutdown      = "shutdown"
)
