//go:build portaudio

// Package portaudio implements the audio device interfaces on top of the
// PortAudio C library using blocking float32 streams.
//
// The package is only compiled with the "portaudio" build tag because it
// requires cgo and the PortAudio headers.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*Capture)(nil)
	_ audio.OutputDevice  = (*Output)(nil)
)

// framesPerBuffer is the PortAudio buffer length for capture streams.
const framesPerBuffer = 1024

// PortAudio keeps global state; every open stream holds one reference.
var (
	refMu sync.Mutex
	refs  int
)

func acquire() error {
	refMu.Lock()
	defer refMu.Unlock()
	if refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: %w: initialize: %v", audio.ErrDeviceUnavailable, err)
		}
	}
	refs++
	return nil
}

func release() {
	refMu.Lock()
	defer refMu.Unlock()
	refs--
	if refs == 0 {
		_ = portaudio.Terminate()
	}
}

// classify maps a PortAudio open failure to a device sentinel.
func classify(op string, err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("portaudio: %w: %s: %v", audio.ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("portaudio: %w: %s: %v", audio.ErrDeviceUnavailable, op, err)
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is an [audio.CaptureDevice] on the default PortAudio input.
type Capture struct{}

// Open opens and starts a blocking input stream. ctx is checked before the
// device is touched; PortAudio calls themselves do not block.
func (Capture) Open(ctx context.Context, format audio.Format) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquire(); err != nil {
		return nil, err
	}
	buf := make([]float32, framesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), framesPerBuffer, buf)
	if err != nil {
		release()
		return nil, classify("open input", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, classify("start input", err)
	}
	return &captureStream{stream: stream, buf: buf}, nil
}

type captureStream struct {
	stream  *portaudio.Stream
	buf     []float32
	pending []float32

	// readMu is held across stream.Read so Close can wait for it before
	// freeing the stream.
	readMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// Read fills dst from consecutive PortAudio buffers.
func (s *captureStream) Read(dst []float32) (int, error) {
	n := 0
	for n < len(dst) {
		if len(s.pending) == 0 {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return n, errors.New("portaudio: stream closed")
			}
			s.readMu.Lock()
			err := s.stream.Read()
			s.readMu.Unlock()
			if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
				return n, fmt.Errorf("portaudio: read: %w", err)
			}
			s.pending = s.buf
		}
		c := copy(dst[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	return n, nil
}

func (s *captureStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// A Read in flight returns within one buffer once the stream is
	// aborted. The stream is closed only after it has.
	err := s.stream.Abort()
	s.readMu.Lock()
	err = errors.Join(err, s.stream.Close())
	s.readMu.Unlock()
	release()
	return err
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Output is an [audio.OutputDevice] on the default PortAudio output.
type Output struct {
	// Period is the render period of the scheduler. Defaults to
	// [mixer.DefaultPeriod].
	Period time.Duration
}

// Open opens a blocking output stream and returns a scheduler feeding it.
func (o Output) Open(format audio.Format) (audio.OutputContext, error) {
	period := o.Period
	if period <= 0 {
		period = mixer.DefaultPeriod
	}
	frames := int(period * time.Duration(format.SampleRate) / time.Second)

	if err := acquire(); err != nil {
		return nil, err
	}
	buf := make([]float32, frames*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), frames, buf)
	if err != nil {
		release()
		return nil, classify("open output", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, classify("start output", err)
	}

	w := &streamWriter{stream: stream, buf: buf, channels: format.Channels, rate: format.SampleRate}
	closer := func() error {
		err := errors.Join(stream.Stop(), stream.Close())
		release()
		return err
	}
	return mixer.New(w, format, mixer.WithPeriod(period), mixer.WithCloser(closer)), nil
}

// streamWriter adapts the scheduler's s16le output to a float32 stream.
type streamWriter struct {
	stream   *portaudio.Stream
	buf      []float32
	pending  []float32
	channels int
	rate     int
}

func (w *streamWriter) Write(p []byte) (int, error) {
	decoded := audio.DecodePCM16(p, w.rate, w.channels)
	w.pending = append(w.pending, decoded.Samples...)
	for len(w.pending) >= len(w.buf) {
		copy(w.buf, w.pending)
		w.pending = w.pending[len(w.buf):]
		if err := w.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return len(p), fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return len(p), nil
}
