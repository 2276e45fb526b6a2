// Package mock provides in-memory implementations of the [audio.CaptureDevice],
// [audio.CaptureStream], [audio.OutputDevice] and [audio.OutputContext]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream()
//	dev := &mock.CaptureDevice{Stream: stream}
//	out := &mock.OutputDevice{}
//	// ... run the code under test ...
//	stream.Push(samples)
//	out.Last().Advance(100 * time.Millisecond)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/zeno/pkg/audio"
)

// ErrStreamClosed is returned by [CaptureStream.Read] after Close.
var ErrStreamClosed = errors.New("mock: capture stream closed")

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenErr is returned by [CaptureDevice.Open] when non-nil.
	OpenErr error

	// Stream is returned by Open. When nil a fresh [CaptureStream] is created
	// per call; retrieve it with [CaptureDevice.Streams].
	Stream *CaptureStream

	// OpenDelay blocks Open until it elapses or ctx is done.
	OpenDelay time.Duration

	// OpenCalls records the format passed to each Open call.
	OpenCalls []audio.Format

	streams []*CaptureStream
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(ctx context.Context, format audio.Format) (audio.CaptureStream, error) {
	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, format)
	delay, openErr := d.OpenDelay, d.OpenErr
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.Stream
	if s == nil {
		s = NewCaptureStream()
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// Streams returns every stream handed out by Open, in order.
func (d *CaptureDevice) Streams() []*CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*CaptureStream(nil), d.streams...)
}

// OpenCount returns how many times Open was called.
func (d *CaptureDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a scripted [audio.CaptureStream]. Samples pushed with
// [CaptureStream.Push] are returned by Read in order; a pushed error fails the
// next Read.
type CaptureStream struct {
	feed chan []float32
	errs chan error
	done chan struct{}

	mu         sync.Mutex
	pending    []float32
	closeCalls int
	closeOnce  sync.Once
}

// NewCaptureStream returns an open stream with an empty script.
func NewCaptureStream() *CaptureStream {
	return &CaptureStream{
		feed: make(chan []float32, 64),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Push queues samples for Read.
func (s *CaptureStream) Push(samples []float32) {
	s.feed <- append([]float32(nil), samples...)
}

// Fail makes the next Read that runs out of samples return err.
func (s *CaptureStream) Fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Read implements [audio.CaptureStream]. It fills dst completely before
// returning, blocking until enough samples were pushed.
func (s *CaptureStream) Read(dst []float32) (int, error) {
	n := 0
	for n < len(dst) {
		s.mu.Lock()
		c := copy(dst[n:], s.pending)
		s.pending = s.pending[c:]
		s.mu.Unlock()
		n += c
		if n == len(dst) {
			break
		}
		select {
		case <-s.done:
			return n, ErrStreamClosed
		default:
		}
		select {
		case samples := <-s.feed:
			s.mu.Lock()
			s.pending = append(s.pending, samples...)
			s.mu.Unlock()
		case err := <-s.errs:
			return n, err
		case <-s.done:
			return n, ErrStreamClosed
		}
	}
	return n, nil
}

// Close implements [audio.CaptureStream]. It unblocks pending reads.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Drained reports whether every pushed sample has been read.
func (s *CaptureStream) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feed) == 0 && len(s.pending) == 0
}

// Closed reports whether Close was called at least once.
func (s *CaptureStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CloseCount returns how many times Close was called.
func (s *CaptureStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice]. Every Open
// returns a new [OutputContext].
type OutputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by [OutputDevice.Open] when non-nil.
	OpenErr error

	contexts []*OutputContext
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(format audio.Format) (audio.OutputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	c := NewOutputContext(format)
	d.contexts = append(d.contexts, c)
	return c, nil
}

// Contexts returns every context opened so far.
func (d *OutputDevice) Contexts() []*OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*OutputContext(nil), d.contexts...)
}

// Last returns the most recently opened context, or nil.
func (d *OutputDevice) Last() *OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.contexts) == 0 {
		return nil
	}
	return d.contexts[len(d.contexts)-1]
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// StartCall records one [OutputContext.Start] invocation.
type StartCall struct {
	Buffer audio.Buffer
	At     time.Duration
}

// OutputContext is an [audio.OutputContext] whose clock only moves when the
// test calls [OutputContext.Advance] or [OutputContext.SetTime].
type OutputContext struct {
	Format audio.Format

	mu         sync.Mutex
	now        time.Duration
	starts     []StartCall
	sources    []*Source
	closeCalls int

	// StartErr is returned by Start when non-nil.
	StartErr error
}

// NewOutputContext returns a context at time zero.
func NewOutputContext(format audio.Format) *OutputContext {
	return &OutputContext{Format: format}
}

// CurrentTime implements [audio.OutputContext].
func (c *OutputContext) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Start implements [audio.OutputContext]. The source ends once the clock
// passes its scheduled end, or when the test calls [Source.End].
func (c *OutputContext) Start(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	c.starts = append(c.starts, StartCall{Buffer: buf, At: at})
	begin := max(at, c.now)
	s := &Source{ctx: c, end: begin + buf.Duration(), onEnded: onEnded}
	c.sources = append(c.sources, s)
	return s, nil
}

// Close implements [audio.OutputContext]. Remaining sources are ended.
func (c *OutputContext) Close() error {
	c.mu.Lock()
	c.closeCalls++
	live := append([]*Source(nil), c.sources...)
	c.mu.Unlock()
	for _, s := range live {
		s.finish(false)
	}
	return nil
}

// Advance moves the clock forward by d and ends sources whose end time passed.
func (c *OutputContext) Advance(d time.Duration) {
	c.mu.Lock()
	t := c.now + d
	c.mu.Unlock()
	c.SetTime(t)
}

// SetTime sets the clock and ends sources whose end time is not after t.
func (c *OutputContext) SetTime(t time.Duration) {
	c.mu.Lock()
	c.now = t
	var due []*Source
	for _, s := range c.sources {
		if s.end <= t {
			due = append(due, s)
		}
	}
	c.mu.Unlock()
	for _, s := range due {
		s.finish(false)
	}
}

// Starts returns every Start call so far.
func (c *OutputContext) Starts() []StartCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StartCall(nil), c.starts...)
}

// Sources returns every source created so far, ended or not.
func (c *OutputContext) Sources() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Source(nil), c.sources...)
}

// CloseCount returns how many times Close was called.
func (c *OutputContext) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is the mock [audio.Source] returned by [OutputContext.Start].
type Source struct {
	ctx     *OutputContext
	end     time.Duration
	onEnded func()

	mu      sync.Mutex
	ended   bool
	stopped bool
}

// Stop implements [audio.Source].
func (s *Source) Stop() { s.finish(true) }

// End simulates the source finishing naturally.
func (s *Source) End() { s.finish(false) }

// Stopped reports whether Stop ended the source.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Ended reports whether the source has ended for any reason.
func (s *Source) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Source) finish(stopped bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.stopped = stopped
	s.mu.Unlock()
	if s.onEnded != nil {
		s.onEnded()
	}
}
