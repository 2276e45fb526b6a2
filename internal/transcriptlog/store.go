// Package transcriptlog persists the conversation history produced by voice
// sessions.
//
// Each completed turn yields up to two [Entry] values, the user's utterance
// first and the model's reply second. A [Store] appends them as one batch and
// lists the most recent entries back in chronological order.
package transcriptlog

import (
	"context"
	"time"
)

// Role identifies the speaker of an [Entry].
type Role string

const (
	// RoleUser marks what the user said.
	RoleUser Role = "user"

	// RoleModel marks what the assistant said.
	RoleModel Role = "model"
)

// Entry is one line of conversation history.
type Entry struct {
	SessionID string    `json:"session_id,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists transcription entries. All implementations must be safe for
// concurrent use.
type Store interface {
	// Append adds entries in order. An empty slice is a no-op.
	Append(ctx context.Context, entries []Entry) error

	// List returns the most recent limit entries, oldest first. A limit of
	// zero or less returns every entry.
	List(ctx context.Context, limit int) ([]Entry, error)

	// Close releases resources held by the store.
	Close() error
}

// Pinger is implemented by stores backed by an external service that can be
// probed for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// tail returns the last limit elements of entries, or all of them when limit
// is not positive.
func tail(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]Entry(nil), entries...)
}
