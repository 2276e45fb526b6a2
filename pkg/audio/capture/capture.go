// Package capture turns an open microphone into a stream of encoded upstream
// chunks.
//
// A [Pipeline] reads fixed-size frames from an [audio.CaptureStream] on its
// own goroutine, encodes each with [audio.EncodeFrame] and hands the result to
// a sink. The pump runs from Open, so the microphone can be acquired before
// the remote session is ready; frames read before [Pipeline.Connect] are
// discarded rather than left to queue up in the device.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/zeno/pkg/audio"
)

// DefaultFrameSize is the number of samples per encoded chunk.
const DefaultFrameSize = 4096

// Format is the capture format requested from the device.
var Format = audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize sets the samples per frame. Non-positive values are ignored.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithErrorHandler registers fn to receive a mid-stream read failure. It is
// called at most once and never for failures caused by [Pipeline.Stop]. fn
// runs on the pump goroutine and must not call Stop.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline owns an open capture stream and its frame pump.
type Pipeline struct {
	stream    audio.CaptureStream
	frameSize int
	onError   func(error)
	log       *slog.Logger

	mu      sync.Mutex
	sink    func(audio.EncodedChunk)
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open acquires the microphone through dev at 16 kHz mono. ctx bounds the
// acquisition only. Errors from dev are returned wrapped, so
// [audio.ErrPermissionDenied] and [audio.ErrDeviceUnavailable] survive
// errors.Is.
func Open(ctx context.Context, dev audio.CaptureDevice, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{frameSize: DefaultFrameSize, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	stream, err := dev.Open(ctx, Format)
	if err != nil {
		return nil, fmt.Errorf("capture: open microphone: %w", err)
	}
	p.stream = stream

	pumpCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.pump(pumpCtx)
	return p, nil
}

// Start opens the microphone and immediately connects sink.
func Start(ctx context.Context, dev audio.CaptureDevice, sink func(audio.EncodedChunk), opts ...Option) (*Pipeline, error) {
	p, err := Open(ctx, dev, opts...)
	if err != nil {
		return nil, err
	}
	p.Connect(sink)
	return p, nil
}

// Connect routes frames into sink from the next full frame on. Only the first
// call has an effect, and calls after Stop are ignored.
func (p *Pipeline) Connect(sink func(audio.EncodedChunk)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink != nil || p.stopped {
		return
	}
	p.sink = sink
}

// Halt disconnects the pump and closes the stream without waiting for the
// pump to exit. A sink call already in progress may still be running; unblock
// it, then call [Pipeline.Stop] to wait. Halt is idempotent.
func (p *Pipeline) Halt() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	if err := p.stream.Close(); err != nil {
		p.log.Warn("capture: close stream", "err", err)
	}
}

// Stop halts the pipeline and waits for the pump to exit. The sink is never
// called after Stop returns. Stop is idempotent.
func (p *Pipeline) Stop() {
	p.Halt()
	<-p.done
}

func (p *Pipeline) pump(ctx context.Context) {
	defer close(p.done)

	frame := make([]float32, p.frameSize)
	var frames, discarded int64
	for {
		n, err := p.stream.Read(frame)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Warn("capture: read failed", "err", err, "frames", frames)
			if p.onError != nil {
				p.onError(fmt.Errorf("capture: read: %w", err))
			}
			return
		}
		if n < len(frame) {
			continue
		}
		p.mu.Lock()
		sink := p.sink
		p.mu.Unlock()
		if sink == nil {
			discarded++
			continue
		}
		if frames == 0 && discarded > 0 {
			p.log.Debug("capture: discarded frames before connect", "frames", discarded)
		}
		sink(audio.EncodeFrame(frame))
		frames++
		if frames == 1 {
			p.log.Debug("capture: first frame",
				"frame_duration", time.Duration(p.frameSize)*time.Second/audio.InputSampleRate)
		}
	}
}
