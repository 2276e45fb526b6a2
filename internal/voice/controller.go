// Package voice implements the session controller of the voice assistant.
//
// A [Controller] owns the microphone, the playback pipeline and the transport
// of at most one live session. All session state lives on a single loop
// goroutine: user requests, transport events, playback idle notifications and
// capture failures are delivered to it as messages and handled one at a time,
// so no two handlers ever interleave.
//
// The loop publishes a displayable [State] after every change. Callers read it
// with [Controller.Snapshot] or follow it with [Controller.Subscribe].
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/zeno/internal/catalog"
	"github.com/MrWong99/zeno/internal/observe"
	"github.com/MrWong99/zeno/internal/tools"
	"github.com/MrWong99/zeno/internal/transcriptlog"
	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

// ErrClosed is returned by the request methods after [Controller.Close].
var ErrClosed = errors.New("voice: controller closed")

const (
	// DefaultMicTimeout bounds microphone acquisition.
	DefaultMicTimeout = 10 * time.Second

	// DefaultConnectTimeout bounds the transport dial.
	DefaultConnectTimeout = 30 * time.Second
)

// Host is the application model a session reads its configuration from and
// reports results to.
type Host interface {
	tools.Callbacks

	// VoiceState returns the active page and personality.
	VoiceState() catalog.State

	// Catalog returns the live capability set.
	Catalog() catalog.Catalog

	// AppendTranscriptionEntries stores the entries of one completed turn.
	AppendTranscriptionEntries(ctx context.Context, entries []transcriptlog.Entry) error
}

// Config holds the dependencies of a [Controller].
type Config struct {
	Provider s2s.Provider
	Capture  audio.CaptureDevice
	Output   audio.OutputDevice
	Host     Host

	// Voice is the prebuilt voice name. Empty selects [catalog.DefaultVoice].
	Voice string

	// FrameSize is the number of samples per upstream chunk. Zero uses the
	// capture default.
	FrameSize int

	// MicTimeout bounds microphone acquisition. Default: [DefaultMicTimeout].
	MicTimeout time.Duration

	// ConnectTimeout bounds the transport dial. Default: [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// Metrics receives session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the wall clock. Default: time.Now.
	Now func() time.Time
}

type requestKind int

const (
	reqStart requestKind = iota
	reqStop
	reqToggle
	reqClose
)

type request struct {
	kind requestKind
	ctx  context.Context
	done chan struct{}
}

// genMsg carries a callback from a session identified by its generation.
type genMsg struct {
	gen uint64
	err error
}

// Controller drives voice sessions. It is safe for concurrent use.
type Controller struct {
	provider       s2s.Provider
	captureDev     audio.CaptureDevice
	outputDev      audio.OutputDevice
	host           Host
	frameSize      int
	micTimeout     time.Duration
	connectTimeout time.Duration
	metrics        *observe.Metrics
	log            *slog.Logger
	now            func() time.Time

	requests    chan request
	idle        chan genMsg
	captureFail chan genMsg
	done        chan struct{}
	closeOnce   sync.Once

	// Owned by the loop goroutine.
	sess   *session
	events <-chan s2s.Event
	gen    uint64

	mu     sync.Mutex
	state  State
	voice  string
	subs   map[chan State]struct{}
	closed bool
}

// New validates cfg and starts the controller loop.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Provider == nil {
		errs = append(errs, errors.New("voice: provider is required"))
	}
	if cfg.Capture == nil {
		errs = append(errs, errors.New("voice: capture device is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("voice: output device is required"))
	}
	if cfg.Host == nil {
		errs = append(errs, errors.New("voice: host is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	c := &Controller{
		provider:       cfg.Provider,
		captureDev:     cfg.Capture,
		outputDev:      cfg.Output,
		host:           cfg.Host,
		frameSize:      cfg.FrameSize,
		micTimeout:     cfg.MicTimeout,
		connectTimeout: cfg.ConnectTimeout,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		now:            cfg.Now,
		voice:          cfg.Voice,
		requests:       make(chan request),
		idle:           make(chan genMsg),
		captureFail:    make(chan genMsg),
		done:           make(chan struct{}),
		subs:           make(map[chan State]struct{}),
	}
	if c.micTimeout <= 0 {
		c.micTimeout = DefaultMicTimeout
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}

	go c.loop()
	return c, nil
}

// Start begins a new session, tearing down an active one first. It returns
// once the microphone and output are acquired and the transport is dialing.
// Acquisition failures are reported through the state, not as an error.
func (c *Controller) Start(ctx context.Context) error { return c.do(ctx, reqStart) }

// Stop ends the active session. Stopping while off is a no-op.
func (c *Controller) Stop(ctx context.Context) error { return c.do(ctx, reqStop) }

// Toggle starts a session when off and stops it otherwise.
func (c *Controller) Toggle(ctx context.Context) error { return c.do(ctx, reqToggle) }

// Close tears down any session and stops the loop. Subscriber channels are
// closed. Close is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		req := request{kind: reqClose, ctx: context.Background(), done: make(chan struct{})}
		c.requests <- req
		<-c.done
	})
	return nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel that receives the current state immediately and
// every later change. A slow reader skips intermediate states but always
// observes the latest one. Call cancel to unsubscribe.
func (c *Controller) Subscribe() (updates <-chan State, cancel func()) {
	ch := make(chan State, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	ch <- c.state
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// SetVoice changes the voice used by sessions started afterwards.
func (c *Controller) SetVoice(voice string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voice = voice
}

func (c *Controller) do(ctx context.Context, kind requestKind) error {
	req := request{kind: kind, ctx: ctx, done: make(chan struct{})}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case req := <-c.requests:
			c.handleRequest(req)
			close(req.done)
			if req.kind == reqClose {
				c.closeSubscribers()
				return
			}

		case ev, ok := <-c.events:
			if !ok {
				c.handleClosed("")
				continue
			}
			c.handleEvent(ev)

		case m := <-c.idle:
			c.handleIdle(m.gen)

		case m := <-c.captureFail:
			c.handleCaptureFailure(m.gen, m.err)
		}
	}
}

func (c *Controller) handleRequest(req request) {
	switch req.kind {
	case reqStart:
		c.start(req.ctx)
	case reqStop:
		c.stop(outcomeStopped)
	case reqToggle:
		if c.Snapshot().Status == StatusOff {
			c.start(req.ctx)
		} else {
			c.stop(outcomeStopped)
		}
	case reqClose:
		c.stop(outcomeShutdown)
	}
}

// stop tears the active session down and switches to Off. The text and error
// are kept for display.
func (c *Controller) stop(outcome string) {
	c.teardown(outcome)
	c.update(func(s *State) { s.Status = StatusOff })
}

// fail tears the active session down and shows msg as the error.
func (c *Controller) fail(outcome, msg string) {
	c.teardown(outcome)
	c.update(func(s *State) {
		s.Status = StatusOff
		s.Error = msg
	})
}

// update applies fn to the state and publishes the result.
func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	prev := c.state
	fn(&c.state)
	next := c.state
	if next != prev {
		for ch := range c.subs {
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	c.mu.Unlock()

	if next.Status != prev.Status {
		c.log.Debug("voice: status changed",
			"from", prev.Status.String(),
			"to", next.Status.String(),
			"session_id", next.SessionID,
		)
		c.metrics.RecordTransition(context.Background(), prev.Status.String(), next.Status.String())
	}
}

func (c *Controller) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for ch := range c.subs {
		close(ch)
	}
	clear(c.subs)
}

// notifyIdle and notifyCaptureFailure run on device goroutines. They hand the
// message to the loop from a separate goroutine so the device never blocks on
// a loop that is busy tearing that same device down.
func (c *Controller) notifyIdle(gen uint64) {
	go func() {
		select {
		case c.idle <- genMsg{gen: gen}:
		case <-c.done:
		}
	}()
}

func (c *Controller) notifyCaptureFailure(gen uint64, err error) {
	go func() {
		select {
		case c.captureFail <- genMsg{gen: gen, err: err}:
		case <-c.done:
		}
	}()
}
