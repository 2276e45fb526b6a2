package s2s

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/zeno/pkg/audio"
)

// Compile-time interface assertion.
var _ Session = (*Pending)(nil)

// eventBuffer is the capacity of the forwarded event channel.
const eventBuffer = 64

// Pending is a [Session] whose connection may still be resolving.
//
// Audio sent before the connection resolves is queued and flushed in order
// before [EventOpen] is emitted. Every tool-call id forwarded to the consumer
// is tracked so that each one is answered exactly once.
type Pending struct {
	provider string
	out      chan Event
	done     chan struct{}
	cancel   context.CancelFunc

	mu        sync.Mutex
	sess      Session
	queue     []audio.EncodedChunk
	toolIDs   map[string]struct{}
	closed    bool
	closeOnce sync.Once
}

// ConnectAsync starts dialing p in the background and returns immediately.
// ctx bounds the dial. A failed dial is reported as one [EventError] wrapping
// [ErrConnect], after which the event channel closes.
func ConnectAsync(ctx context.Context, p Provider, cfg SessionConfig) *Pending {
	ctx, cancel := context.WithCancel(ctx)
	pd := &Pending{
		provider: p.Name(),
		out:      make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
		toolIDs:  make(map[string]struct{}),
	}
	go pd.run(ctx, p, cfg)
	return pd
}

// Provider returns the name of the provider being dialed.
func (pd *Pending) Provider() string { return pd.provider }

// Events implements [Session].
func (pd *Pending) Events() <-chan Event { return pd.out }

// SendAudio implements [Session]. Before the connection resolves the chunk is
// queued instead of sent.
func (pd *Pending) SendAudio(chunk audio.EncodedChunk) error {
	pd.mu.Lock()
	if pd.closed {
		pd.mu.Unlock()
		return ErrSessionClosed
	}
	if pd.sess == nil {
		pd.queue = append(pd.queue, chunk)
		pd.mu.Unlock()
		return nil
	}
	sess := pd.sess
	pd.mu.Unlock()
	return sess.SendAudio(chunk)
}

// SendToolResponse implements [Session]. It fails with [ErrUnknownToolCall]
// unless resp.ID was forwarded in an [EventToolCall] and not answered yet.
func (pd *Pending) SendToolResponse(resp ToolCallResponse) error {
	pd.mu.Lock()
	if pd.closed {
		pd.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := pd.toolIDs[resp.ID]; !ok {
		pd.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownToolCall, resp.ID)
	}
	delete(pd.toolIDs, resp.ID)
	sess := pd.sess
	pd.mu.Unlock()
	return sess.SendToolResponse(resp)
}

// Close implements [Session]. It is safe before or after resolution; a
// connection that resolves after Close is closed immediately.
func (pd *Pending) Close() error {
	var err error
	pd.closeOnce.Do(func() {
		pd.mu.Lock()
		pd.closed = true
		sess := pd.sess
		pd.queue = nil
		pd.mu.Unlock()

		close(pd.done)
		pd.cancel()
		if sess != nil {
			err = sess.Close()
		}
	})
	return err
}

func (pd *Pending) run(ctx context.Context, p Provider, cfg SessionConfig) {
	defer close(pd.out)
	defer pd.cancel()

	sess, err := p.Connect(ctx, cfg)
	if err != nil {
		pd.emit(Event{Kind: EventError, Err: &ConnectError{Err: err}})
		return
	}

	pd.mu.Lock()
	if pd.closed {
		pd.mu.Unlock()
		_ = sess.Close()
		return
	}
	for i, chunk := range pd.queue {
		if err := sess.SendAudio(chunk); err != nil {
			pd.queue = nil
			pd.mu.Unlock()
			slog.Warn("s2s: flush queued audio failed", "provider", pd.provider, "chunk", i, "err", err)
			_ = sess.Close()
			pd.emit(Event{Kind: EventError, Err: fmt.Errorf("s2s: flush queued audio: %w", err)})
			return
		}
	}
	pd.queue = nil
	pd.sess = sess
	pd.mu.Unlock()

	if !pd.emit(Event{Kind: EventOpen}) {
		go audio.Drain(sess.Events())
		return
	}
	for ev := range sess.Events() {
		if ev.Kind == EventToolCall {
			pd.mu.Lock()
			for _, tc := range ev.ToolCalls {
				pd.toolIDs[tc.ID] = struct{}{}
			}
			pd.mu.Unlock()
		}
		if !pd.emit(ev) {
			go audio.Drain(sess.Events())
			return
		}
	}
}

// emit delivers ev unless the handle was closed. It reports whether the
// event was delivered.
func (pd *Pending) emit(ev Event) bool {
	select {
	case <-pd.done:
		return false
	default:
	}
	select {
	case pd.out <- ev:
		return true
	case <-pd.done:
		return false
	}
}
