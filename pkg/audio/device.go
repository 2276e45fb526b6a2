package audio

import (
	"context"
	"time"
)

// CaptureDevice acquires a microphone. Implementations wrap OS audio APIs or
// external tools; tests use the scripted device in the mock package.
type CaptureDevice interface {
	// Open acquires the default input at the requested format. It returns an
	// error wrapping [ErrPermissionDenied] or [ErrDeviceUnavailable] when the
	// microphone cannot be used. ctx bounds acquisition only, not the stream.
	Open(ctx context.Context, format Format) (CaptureStream, error)
}

// CaptureStream is an open microphone.
type CaptureStream interface {
	// Read blocks until samples is full and returns len(samples), or returns
	// an error. After Close, Read returns an error promptly.
	Read(samples []float32) (int, error)

	// Close stops all device tracks. It must be safe to call more than once.
	Close() error
}

// OutputDevice opens playback contexts on a speaker.
type OutputDevice interface {
	Open(format Format) (OutputContext, error)
}

// OutputContext is an open playback context with its own clock. Buffers are
// scheduled against that clock and play back to back when their start times
// chain.
type OutputContext interface {
	// CurrentTime returns the context clock: the amount of audio the device
	// has consumed since Open.
	CurrentTime() time.Duration

	// Start schedules buf to begin at the given context time. A time in the
	// past starts immediately. onEnded is called exactly once, when the source
	// finishes naturally or is stopped, and never from inside Start.
	Start(buf Buffer, at time.Duration, onEnded func()) (Source, error)

	// Close releases the context. Sources still scheduled are ended.
	Close() error
}

// Source is one scheduled buffer.
type Source interface {
	// Stop halts the source. Stopping a source that already ended is a no-op.
	Stop()
}
