// Package engine drives live, incremental chat responses for many
// independent sessions at once. Each session streams on its own; switching
// the current session never disturbs other streams, optimistic local state
// is merged into (or rolled back from) the authoritative session cache, and
// a mid-stream approval sub-protocol can pause and resume a turn.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prizm-dev/prizm-go/pkg/approval"
	"github.com/prizm-dev/prizm-go/pkg/cache"
	"github.com/prizm-dev/prizm-go/pkg/telemetry"
	"github.com/prizm-dev/prizm-go/pkg/transport"
)

const defaultStopGrace = 3 * time.Second

// Engine is the multi-session streaming orchestrator. All methods are safe
// for concurrent use; per-session state is partitioned by session id and
// sessions never block each other.
type Engine struct {
	client transport.Client
	cache  *cache.Store
	states *stateStore
	reg    *internalsRegistry
	recon  *cache.Reconciler

	scope     string
	cacheOpts []cache.Option
	stopGrace time.Duration
	now       func() time.Time
	logger    *slog.Logger
	tel       *telemetry.Manager
	approvals *approval.Tracker

	curMu   sync.Mutex
	current string

	errMu   sync.Mutex
	lastErr error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithScope binds the engine to a server scope. Defaults to "default".
func WithScope(scope string) Option {
	return func(e *Engine) {
		if scope != "" {
			e.scope = scope
		}
	}
}

// WithStopGrace overrides the 3s grace window between a stop request and
// the hard local cancellation.
func WithStopGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stopGrace = d
		}
	}
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTelemetry attaches a telemetry manager.
func WithTelemetry(m *telemetry.Manager) Option {
	return func(e *Engine) { e.tel = m }
}

// WithApprovals attaches an approval tracker. Interact requests whose
// tool+payload was already approved in the session are answered
// automatically without surfacing a prompt.
func WithApprovals(tr *approval.Tracker) Option {
	return func(e *Engine) { e.approvals = tr }
}

// WithCacheOptions forwards options to the session cache the engine builds.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(e *Engine) { e.cacheOpts = append(e.cacheOpts, opts...) }
}

// New builds an engine over the given backend client.
func New(client transport.Client, opts ...Option) *Engine {
	e := &Engine{
		client:    client,
		states:    newStateStore(),
		scope:     "default",
		stopGrace: defaultStopGrace,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reg = newInternalsRegistry(e.now)
	cacheOpts := append([]cache.Option{
		cache.WithClock(e.now),
		cache.WithLogger(e.logger),
		cache.WithTelemetry(e.tel),
	}, e.cacheOpts...)
	e.cache = cache.NewStore(client, e.scope, cacheOpts...)
	e.cache.SetStreamingCheck(e.reg.active)
	e.recon = cache.NewReconciler(e.cache, e.logger)
	return e
}

// State returns a snapshot of the session's streaming state, creating the
// entry lazily on first access.
func (e *Engine) State(sessionID string) StreamingState {
	return e.states.snapshot(sessionID)
}

// States returns a snapshot of every session's streaming state.
func (e *Engine) States() map[string]StreamingState {
	return e.states.all()
}

// SubscribeState registers a listener invoked with a deep-copied state
// snapshot after each change. The returned func removes the listener.
func (e *Engine) SubscribeState(fn func(sessionID string, st StreamingState)) func() {
	return e.states.subscribe(fn)
}

// SubscribeSessions registers a listener for session cache changes.
func (e *Engine) SubscribeSessions(fn func(sessionID string)) func() {
	return e.cache.Subscribe(fn)
}

// SetCurrentSession switches the UI-focus pointer. It always succeeds
// synchronously so a view can show a loading affordance immediately; the
// session data is loaded in the background. Switching focus is not
// cancellation and never aborts the previously current session's stream.
func (e *Engine) SetCurrentSession(sessionID string) {
	e.curMu.Lock()
	e.current = sessionID
	e.curMu.Unlock()
	if sessionID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := e.cache.Get(ctx, sessionID); err != nil {
			e.logger.Debug("current session load failed", "session", sessionID, "err", err)
		}
	}()
}

// CurrentSession returns the focused session id.
func (e *Engine) CurrentSession() string {
	e.curMu.Lock()
	defer e.curMu.Unlock()
	return e.current
}

// LastError returns the most recent globally surfaced stream error.
func (e *Engine) LastError() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastErr
}

// ClearError resets the global error surface.
func (e *Engine) ClearError() {
	e.errMu.Lock()
	e.lastErr = nil
	e.errMu.Unlock()
}

func (e *Engine) setError(sessionID string, err error) {
	e.errMu.Lock()
	e.lastErr = err
	e.errMu.Unlock()
	e.logger.Error("stream failed", "session", sessionID, "err", err)
}

// ApplySyncEvent feeds one out-of-band change notification into the cache
// reconciler.
func (e *Engine) ApplySyncEvent(ctx context.Context, ev cache.Event) {
	e.recon.Apply(ctx, ev)
}

// Cache exposes the underlying session cache.
func (e *Engine) Cache() *cache.Store { return e.cache }

// Approvals exposes the attached approval tracker, nil when none is set.
func (e *Engine) Approvals() *approval.Tracker { return e.approvals }
