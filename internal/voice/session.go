package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/zeno/internal/catalog"
	"github.com/MrWong99/zeno/internal/observe"
	"github.com/MrWong99/zeno/internal/tools"
	"github.com/MrWong99/zeno/internal/transcriptlog"
	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/audio/capture"
	"github.com/MrWong99/zeno/pkg/audio/playback"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

// outputFormat is the playback format of synthesized speech.
var outputFormat = audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1}

// session holds the resources of one live session. It is only touched by the
// loop goroutine, except for the capture sink which reads the immutable
// fields.
type session struct {
	id        string
	gen       uint64
	startedAt time.Time
	openedAt  time.Time
	opened    bool

	ctx    context.Context
	span   trace.Span
	cancel context.CancelFunc

	capture    *capture.Pipeline
	playback   *playback.Pipeline
	transport  *s2s.Pending
	dispatcher *tools.Dispatcher

	input  strings.Builder
	output strings.Builder
}

func (c *Controller) start(ctx context.Context) {
	if c.sess != nil {
		c.teardown(outcomeRestarted)
	}

	c.gen++
	gen := c.gen
	id := uuid.NewString()
	startedAt := c.now()
	c.update(func(s *State) {
		s.Status = StatusListening
		s.Text = textInitializing
		s.Error = ""
		s.SessionID = id
		s.StartedAt = startedAt
	})

	spanCtx, span := observe.SessionSpan(id, c.provider.Name())
	log := c.log.With("session_id", id, "provider", c.provider.Name())

	acquireFailed := func(err error) {
		log.Warn("voice: acquire devices failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.metrics.SessionFailed(spanCtx, outcomeAcquireFailed)
		c.update(func(s *State) {
			s.Status = StatusOff
			s.Error = err.Error()
		})
	}

	micCtx, micCancel := context.WithTimeout(ctx, c.micTimeout)
	mic, err := capture.Open(micCtx, c.captureDev,
		capture.WithFrameSize(c.frameSize),
		capture.WithErrorHandler(func(err error) { c.notifyCaptureFailure(gen, err) }),
		capture.WithLogger(log),
	)
	micCancel()
	if err != nil {
		acquireFailed(err)
		return
	}

	out, err := c.outputDev.Open(outputFormat)
	if err != nil {
		mic.Stop()
		acquireFailed(err)
		return
	}

	c.mu.Lock()
	voice := c.voice
	c.mu.Unlock()
	cat := c.host.Catalog()
	cfg := catalog.SessionConfig(cat, c.host.VoiceState(), voice)

	connectCtx, cancel := context.WithTimeout(spanCtx, c.connectTimeout)
	s := &session{
		id:        id,
		gen:       gen,
		startedAt: startedAt,
		ctx:       spanCtx,
		span:      span,
		cancel:    cancel,
		capture:   mic,
		playback:  playback.New(out, func() { c.notifyIdle(gen) }),
		transport: s2s.ConnectAsync(connectCtx, c.provider, cfg),
		dispatcher: tools.New(cat, c.host,
			tools.WithMetrics(c.metrics),
			tools.WithLogger(log),
		),
	}
	c.sess = s
	c.events = s.transport.Events()
	log.Info("voice: session starting", "voice", cfg.Voice, "tools", len(cfg.Tools))
}

// teardown releases every resource of the active session. It is a no-op when
// no session is active.
func (c *Controller) teardown(outcome string) {
	s := c.sess
	if s == nil {
		return
	}
	c.sess = nil
	c.events = nil

	// The capture sink may be blocked in a send; closing the transport
	// releases it before the pump is awaited.
	s.capture.Halt()
	if err := s.transport.Close(); err != nil {
		c.log.Warn("voice: close transport", "session_id", s.id, "err", err)
	}
	s.cancel()
	s.capture.Stop()
	s.playback.StopAll()
	if err := s.playback.Close(); err != nil {
		c.log.Warn("voice: close output", "session_id", s.id, "err", err)
	}

	if s.opened {
		c.metrics.SessionEnded(s.ctx, outcome, c.now().Sub(s.openedAt))
	} else {
		c.metrics.SessionFailed(s.ctx, outcome)
	}
	s.span.End()
	c.log.Info("voice: session ended",
		"session_id", s.id,
		"outcome", outcome,
		"duration", c.now().Sub(s.startedAt),
	)
}

func (c *Controller) handleEvent(ev s2s.Event) {
	s := c.sess
	if s == nil {
		return
	}

	switch ev.Kind {
	case s2s.EventOpen:
		c.handleOpen(s)

	case s2s.EventInputTranscript:
		s.input.WriteString(ev.Text)
		text := prefixUser + s.input.String()
		c.update(func(st *State) {
			st.Status = StatusProcessing
			st.Text = text
		})

	case s2s.EventOutputTranscript:
		s.output.WriteString(ev.Text)
		text := prefixModel + s.output.String()
		c.update(func(st *State) {
			st.Status = StatusSpeaking
			st.Text = text
		})

	case s2s.EventAudioChunk:
		c.handleAudio(s, ev.Audio)

	case s2s.EventTurnComplete:
		c.handleTurnComplete(s)

	case s2s.EventInterrupted:
		s.playback.StopAll()
		c.metrics.Interruptions.Add(s.ctx, 1)
		c.listening()

	case s2s.EventToolCall:
		c.handleToolCall(s, ev.ToolCalls)

	case s2s.EventError:
		c.handleError(s, ev.Err)

	case s2s.EventClosed:
		c.handleClosed(ev.Reason)

	default:
		c.log.Debug("voice: ignoring event", "session_id", s.id, "kind", ev.Kind.String())
	}
}

func (c *Controller) handleOpen(s *session) {
	if s.opened {
		return
	}
	s.opened = true
	s.openedAt = c.now()
	s.cancel()
	c.metrics.ConnectDuration.Record(s.ctx, s.openedAt.Sub(s.startedAt).Seconds())
	c.metrics.SessionStarted(s.ctx)

	transport, metrics, log, ctx := s.transport, c.metrics, c.log, s.ctx
	s.capture.Connect(func(chunk audio.EncodedChunk) {
		if err := transport.SendAudio(chunk); err != nil {
			log.Debug("voice: send audio", "session_id", s.id, "err", err)
			return
		}
		metrics.RecordAudioChunk(ctx, observe.DirectionIn)
	})

	c.log.Info("voice: session open", "session_id", s.id, "connect", s.openedAt.Sub(s.startedAt))
	c.update(func(st *State) { st.Text = textListening })
}

func (c *Controller) handleAudio(s *session, chunk audio.EncodedChunk) {
	buf, err := audio.DecodeChunk(chunk.Data, audio.OutputSampleRate, 1)
	if err != nil {
		c.sessionError(s, err)
		return
	}
	if _, err := s.playback.Enqueue(buf); err != nil {
		c.sessionError(s, err)
		return
	}
	c.metrics.RecordAudioChunk(s.ctx, observe.DirectionOut)
	c.update(func(st *State) { st.Status = StatusSpeaking })
}

func (c *Controller) handleTurnComplete(s *session) {
	now := c.now()
	var entries []transcriptlog.Entry
	if in := strings.TrimSpace(s.input.String()); in != "" {
		entries = append(entries, transcriptlog.Entry{
			SessionID: s.id, Role: transcriptlog.RoleUser, Text: s.input.String(), Timestamp: now,
		})
	}
	if out := strings.TrimSpace(s.output.String()); out != "" {
		entries = append(entries, transcriptlog.Entry{
			SessionID: s.id, Role: transcriptlog.RoleModel, Text: s.output.String(), Timestamp: now,
		})
	}
	s.input.Reset()
	s.output.Reset()

	if len(entries) > 0 {
		if err := c.host.AppendTranscriptionEntries(s.ctx, entries); err != nil {
			c.log.Warn("voice: store transcription", "session_id", s.id, "err", err)
		}
	}
	c.metrics.Turns.Add(s.ctx, 1)
	c.listening()
}

func (c *Controller) handleToolCall(s *session, calls []s2s.ToolCallRequest) {
	s.dispatcher.SetCatalog(c.host.Catalog())
	for _, req := range calls {
		resp := s.dispatcher.Dispatch(s.ctx, req)
		if err := s.transport.SendToolResponse(resp); err != nil {
			c.sessionError(s, err)
			return
		}
	}
}

func (c *Controller) handleError(s *session, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	c.metrics.RecordTransportError(s.ctx, c.provider.Name())
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())

	var ce *s2s.ConnectError
	if errors.As(err, &ce) {
		c.log.Warn("voice: connect failed", "session_id", s.id, "err", err)
		c.fail(outcomeConnectFailed, errConnectPrefix+ce.Err.Error())
		return
	}
	c.log.Warn("voice: session error", "session_id", s.id, "err", err)
	c.fail(outcomeError, errLivePrefix+err.Error())
}

// sessionError ends the session after a local failure while handling an
// event.
func (c *Controller) sessionError(s *session, err error) {
	c.log.Warn("voice: session error", "session_id", s.id, "err", err)
	s.span.RecordError(err)
	c.fail(outcomeError, errLivePrefix+err.Error())
}

func (c *Controller) handleClosed(reason string) {
	if c.sess == nil {
		return
	}
	c.log.Info("voice: remote closed session", "session_id", c.sess.id, "reason", reason)
	c.stop(outcomeClosed)
}

func (c *Controller) handleIdle(gen uint64) {
	s := c.sess
	if s == nil || s.gen != gen {
		return
	}
	if c.Snapshot().Status != StatusSpeaking || s.playback.Active() != 0 {
		return
	}
	c.listening()
}

func (c *Controller) handleCaptureFailure(gen uint64, err error) {
	s := c.sess
	if s == nil || s.gen != gen {
		return
	}
	c.log.Warn("voice: microphone failed", "session_id", s.id, "err", err)
	s.span.RecordError(err)
	c.fail(outcomeError, err.Error())
}

func (c *Controller) listening() {
	c.update(func(st *State) {
		st.Status = StatusListening
		st.Text = textListening
	})
}
