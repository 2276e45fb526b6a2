// Package playback schedules decoded model audio on an output context so that
// consecutive chunks play back to back, and supports immediate cut-off on
// barge-in.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/zeno/pkg/audio"
)

// ErrClosed is returned by [Pipeline.Enqueue] after [Pipeline.Close].
var ErrClosed = errors.New("playback: closed")

// Pipeline tracks every scheduled source and the next-start cursor. All
// methods are safe for concurrent use.
type Pipeline struct {
	out    audio.OutputContext
	onIdle func()

	mu sync.Mutex
	// The cursor is base plus frames at rate.
	base   time.Duration
	frames int64
	rate   int
	nextID uint64
	active map[uint64]audio.Source
	closed bool
}

// New creates a Pipeline on out. onIdle is called, outside any lock, each time
// the last active source ends naturally. It may be nil.
func New(out audio.OutputContext, onIdle func()) *Pipeline {
	return &Pipeline{
		out:    out,
		onIdle: onIdle,
		active: make(map[uint64]audio.Source),
	}
}

// Enqueue schedules buf right after the previously enqueued buffer, or at the
// current device time if the queue has drained. It returns the start time.
func (p *Pipeline) Enqueue(buf audio.Buffer) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}

	start := p.cursorLocked()
	base, frames := p.base, p.frames
	if now := p.out.CurrentTime(); now > start || buf.SampleRate != p.rate {
		start = max(start, now)
		base, frames = start, 0
	}
	id := p.nextID
	p.nextID++
	src, err := p.out.Start(buf, start, func() { p.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	p.base, p.frames, p.rate = base, frames+int64(buf.Frames()), buf.SampleRate
	p.active[id] = src
	return start, nil
}

// StopAll force-stops every active source and resets the cursor. Stopped
// sources never trigger onIdle.
func (p *Pipeline) StopAll() {
	p.mu.Lock()
	srcs := make([]audio.Source, 0, len(p.active))
	for _, s := range p.active {
		srcs = append(srcs, s)
	}
	clear(p.active)
	p.base, p.frames = 0, 0
	p.mu.Unlock()

	for _, s := range srcs {
		s.Stop()
	}
}

// Close stops playback and closes the output context. It is idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.StopAll()
	if err := p.out.Close(); err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

// Active returns the number of sources still scheduled or playing.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Clock returns the next-start cursor.
func (p *Pipeline) Clock() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursorLocked()
}

func (p *Pipeline) cursorLocked() time.Duration {
	if p.rate <= 0 {
		return p.base
	}
	return p.base + time.Duration(p.frames)*time.Second/time.Duration(p.rate)
}

func (p *Pipeline) ended(id uint64) {
	p.mu.Lock()
	if _, ok := p.active[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, id)
	idle := len(p.active) == 0
	p.mu.Unlock()

	if idle && p.onIdle != nil {
		p.onIdle()
	}
}
