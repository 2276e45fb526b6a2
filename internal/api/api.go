// Package api serves the HTTP control surface of the voice assistant: voice
// session control, a WebSocket stream of the displayable state, the host
// model and the conversation history.
//
// Routes:
//
//	POST /api/voice/toggle
//	POST /api/voice/start
//	POST /api/voice/stop
//	GET  /api/voice/state
//	GET  /api/voice/events              (WebSocket)
//	GET  /api/host
//	PUT  /api/host/custom-instruction
//	GET  /api/transcripts?limit=N
//	GET  /api/transports                (with WithTransports)
//
// Errors are JSON objects of the form {"error": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/zeno/internal/host"
	"github.com/MrWong99/zeno/internal/observe"
	"github.com/MrWong99/zeno/internal/resilience"
	"github.com/MrWong99/zeno/internal/transcriptlog"
	"github.com/MrWong99/zeno/internal/voice"
)

const (
	// DefaultTranscriptLimit is used when /api/transcripts has no limit.
	DefaultTranscriptLimit = 100

	maxBodyBytes = 64 << 10
	writeTimeout = 5 * time.Second
)

// Voice is the session controller surface the API drives.
type Voice interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Toggle(ctx context.Context) error
	Snapshot() voice.State
	Subscribe() (updates <-chan voice.State, cancel func())
}

// Host is the application model surface the API exposes.
type Host interface {
	Snapshot() host.Snapshot
	SetCustomInstruction(text string)
	Transcripts(ctx context.Context, limit int) ([]transcriptlog.Entry, error)
}

// Transports reports the circuit breaker state of each configured transport.
type Transports interface {
	Status() []resilience.EntryStatus
}

// Server serves the control API.
type Server struct {
	voice      Voice
	host       Host
	transports Transports
	log        *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithTransports enables GET /api/transports.
func WithTransports(t Transports) Option {
	return func(s *Server) { s.transports = t }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New returns a Server for v and h.
func New(v Voice, h Host, opts ...Option) *Server {
	s := &Server{voice: v, host: h, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/voice/toggle", s.handleVoice(Voice.Toggle))
	mux.HandleFunc("POST /api/voice/start", s.handleVoice(Voice.Start))
	mux.HandleFunc("POST /api/voice/stop", s.handleVoice(Voice.Stop))
	mux.HandleFunc("GET /api/voice/state", s.handleState)
	mux.HandleFunc("GET /api/voice/events", s.handleEvents)
	mux.HandleFunc("GET /api/host", s.handleHost)
	mux.HandleFunc("PUT /api/host/custom-instruction", s.handleCustomInstruction)
	mux.HandleFunc("GET /api/transcripts", s.handleTranscripts)
	if s.transports != nil {
		mux.HandleFunc("GET /api/transports", s.handleTransports)
	}
}

// errorBody is the JSON body of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// handleVoice runs op against the controller and answers with the state that
// results.
func (s *Server) handleVoice(op func(Voice, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(s.voice, r.Context()); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, voice.ErrClosed):
				status = http.StatusServiceUnavailable
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				status = http.StatusGatewayTimeout
			}
			observe.Logger(r.Context()).Warn("api: voice request failed", "path", r.URL.Path, "err", err)
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.voice.Snapshot())
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.voice.Snapshot())
}

// handleEvents streams the state as JSON text messages, starting with the
// current one. Slow clients skip intermediate states.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("api: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	updates, cancel := s.voice.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, st)
			wcancel()
			if err != nil {
				s.log.Debug("api: websocket write", "err", err)
				return
			}
		}
	}
}

func (s *Server) handleHost(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Snapshot())
}

type customInstructionRequest struct {
	Instruction *string `json:"instruction"`
}

func (s *Server) handleCustomInstruction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req customInstructionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Instruction == nil {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	s.host.SetCustomInstruction(*req.Instruction)
	writeJSON(w, http.StatusOK, s.host.Snapshot())
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := DefaultTranscriptLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.host.Transcripts(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("api: list transcripts", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}
	if entries == nil {
		entries = []transcriptlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTransports(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.transports.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
