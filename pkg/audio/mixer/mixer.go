// Package mixer renders scheduled playback buffers onto a streaming PCM sink.
//
// A [Scheduler] is the [audio.OutputContext] behind every real output device.
// It owns the context clock: a background loop renders one period of audio at
// a time, mixing every source whose schedule overlaps the period, and writes
// the result as little-endian int16 PCM to the sink. The clock is the amount
// of audio rendered so far, so buffers whose start times chain play back to
// back with no gap.
package mixer

import (
	"cmp"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/zeno/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputContext = (*Scheduler)(nil)

// DefaultPeriod is the render granularity when no period is configured via
// [WithPeriod].
const DefaultPeriod = 20 * time.Millisecond

// ErrClosed is returned by [Scheduler.Start] after [Scheduler.Close].
var ErrClosed = errors.New("mixer: closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithPeriod sets the render period. Shorter periods lower latency at the
// cost of more sink writes.
func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithCloser registers fn to run after the sink is closed, e.g. to reap the
// player process that owns the sink.
func WithCloser(fn func() error) Option {
	return func(s *Scheduler) { s.closer = fn }
}

// WithTickSource replaces the internal ticker. Each value received renders
// one period. Tests use it to step the clock deterministically.
func WithTickSource(ch <-chan time.Time) Option {
	return func(s *Scheduler) { s.tick = ch }
}

// Scheduler mixes scheduled buffers into a PCM stream. All exported methods
// are safe for concurrent use.
type Scheduler struct {
	sink         io.Writer
	format       audio.Format
	period       time.Duration
	periodFrames int64
	closer       func() error
	tick         <-chan time.Time
	ticker       *time.Ticker

	// conv is only used under mu.
	conv audio.FormatConverter

	mu       sync.Mutex
	rendered int64 // frames rendered since New
	voices   map[*voice]struct{}
	closed   bool

	writeWarn sync.Once
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New creates a [Scheduler] writing PCM in format to sink and starts its
// render loop. If sink implements [io.Closer] it is closed by
// [Scheduler.Close].
func New(sink io.Writer, format audio.Format, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:     sink,
		format:   format,
		period:   DefaultPeriod,
		conv:     audio.FormatConverter{Target: format},
		voices:   make(map[*voice]struct{}),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.periodFrames = int64(s.period) * int64(format.SampleRate) / int64(time.Second)
	if s.periodFrames < 1 {
		s.periodFrames = 1
	}
	if s.tick == nil {
		s.ticker = time.NewTicker(s.period)
		s.tick = s.ticker.C
	}
	go s.loop()
	return s
}

// CurrentTime returns the amount of audio rendered since New.
func (s *Scheduler) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesToTime(s.rendered)
}

// Start schedules buf at the given context time. Buffers in a different
// format are converted first. A start time that already passed plays from the
// next rendered period.
func (s *Scheduler) Start(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	buf = s.conv.Convert(buf)
	start := max(s.timeToFrames(at), s.rendered)
	v := &voice{
		s:       s,
		samples: buf.Samples,
		start:   start,
		end:     start + int64(buf.Frames()),
		onEnded: onEnded,
	}
	s.voices[v] = struct{}{}
	return v, nil
}

// Close stops the render loop, ends every scheduled source and closes the
// sink. Close is idempotent.
func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.loopDone
		if s.ticker != nil {
			s.ticker.Stop()
		}

		s.mu.Lock()
		s.closed = true
		ended := s.takeAllLocked()
		s.mu.Unlock()
		fireEnded(ended)

		var errs []error
		if c, ok := s.sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if s.closer != nil {
			errs = append(errs, s.closer())
		}
		err = errors.Join(errs...)
	})
	return err
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case <-s.tick:
			s.render()
		}
	}
}

// render mixes one period, writes it to the sink and then ends every source
// that finished inside the period.
func (s *Scheduler) render() {
	ch := s.format.Channels
	s.mu.Lock()
	from := s.rendered
	to := from + s.periodFrames
	mix := make([]float32, int(s.periodFrames)*ch)

	var finished []*voice
	for v := range s.voices {
		lo := max(v.start, from)
		hi := min(v.end, to)
		for f := lo; f < hi; f++ {
			src := v.samples[(f-v.start)*int64(ch) : (f-v.start+1)*int64(ch)]
			dst := mix[(f-from)*int64(ch):]
			for c := range ch {
				dst[c] += src[c]
			}
		}
		if v.end <= to {
			finished = append(finished, v)
			delete(s.voices, v)
		}
	}
	s.rendered = to
	s.mu.Unlock()

	if _, err := s.sink.Write(audio.EncodePCM16(mix)); err != nil {
		s.writeWarn.Do(func() {
			slog.Warn("mixer: sink write failed", "err", err)
		})
	}

	slices.SortFunc(finished, func(a, b *voice) int { return cmp.Compare(a.end, b.end) })
	fireEnded(finished)
}

// stop removes v from the schedule. Returns false if v already ended.
func (s *Scheduler) stop(v *voice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.voices[v]; !ok {
		return false
	}
	delete(s.voices, v)
	return true
}

// takeAllLocked clears the schedule. Must be called with s.mu held.
func (s *Scheduler) takeAllLocked() []*voice {
	out := make([]*voice, 0, len(s.voices))
	for v := range s.voices {
		out = append(out, v)
	}
	clear(s.voices)
	return out
}

func (s *Scheduler) framesToTime(frames int64) time.Duration {
	if s.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(s.format.SampleRate)
}

// timeToFrames rounds up so that a time produced by framesToTime, which
// truncates, maps back onto the same frame.
func (s *Scheduler) timeToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(s.format.SampleRate) + int64(time.Second) - 1) / int64(time.Second)
}

func fireEnded(vs []*voice) {
	for _, v := range vs {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// ─── voice ───────────────────────────────────────────────────────────────────

// voice is one scheduled buffer. Membership in Scheduler.voices is the only
// liveness flag, so onEnded runs exactly once.
type voice struct {
	s          *Scheduler
	samples    []float32
	start, end int64 // frame range [start, end)
	onEnded    func()
}

// Stop halts the voice and fires its end callback. No-op once ended.
func (v *voice) Stop() {
	if v.s.stop(v) && v.onEnded != nil {
		v.onEnded()
	}
}
