package resilience

import (
	"context"

	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several
// speech-to-speech transports. Each transport has its own circuit breaker.
// Only the dial is covered; once a session is open, its errors belong to the
// session.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// transport. The primary's name labels the group.
func NewS2SFallback(primary s2s.Provider, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional transport.
func (f *S2SFallback) AddFallback(p s2s.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name returns the name of the primary transport.
func (f *S2SFallback) Name() string { return f.group.Primary().Name() }

// Connect dials the first transport whose breaker admits the call and falls
// through to the next on failure.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	return ExecuteWithResult(ctx, f.group, func(p s2s.Provider) (s2s.Session, error) {
		return p.Connect(ctx, cfg)
	})
}

// Unavailable reports whether every transport's breaker is open.
func (f *S2SFallback) Unavailable() bool { return f.group.AllOpen() }

// Status returns the breaker state per transport.
func (f *S2SFallback) Status() []EntryStatus { return f.group.Status() }
