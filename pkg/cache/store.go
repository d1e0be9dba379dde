// Package cache holds the authoritative session list on the client side. A
// Store serves reads from local copies, deduplicates concurrent fetches for
// the same session, and refreshes stale entries in the background without
// blocking callers (stale-while-revalidate). All mutation is whole-entry
// replacement; readers never observe a torn session.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prizm-dev/prizm-go/pkg/chat"
	"github.com/prizm-dev/prizm-go/pkg/telemetry"
	"github.com/prizm-dev/prizm-go/pkg/transport"
)

const (
	defaultStaleAfter = 30 * time.Second
	revalidateTimeout = 10 * time.Second
)

type entry struct {
	session   chat.Session
	fetchedAt time.Time
}

type inflight struct {
	done    chan struct{}
	session *chat.Session
	err     error
}

// Store caches sessions for one scope.
type Store struct {
	rpc   transport.RPCClient
	scope string

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*inflight

	staleAfter time.Duration
	now        func() time.Time
	streaming  func(sessionID string) bool

	lmu       sync.Mutex
	listeners map[int]func(sessionID string)
	nextID    int

	logger *slog.Logger
	tel    *telemetry.Manager
}

// Option customizes a Store.
type Option func(*Store)

// WithStaleThreshold overrides the 30s stale-while-revalidate threshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for background refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTelemetry attaches a telemetry manager.
func WithTelemetry(m *telemetry.Manager) Option {
	return func(s *Store) { s.tel = m }
}

// NewStore builds an empty session cache bound to scope.
func NewStore(rpc transport.RPCClient, scope string, opts ...Option) *Store {
	s := &Store{
		rpc:        rpc,
		scope:      scope,
		entries:    map[string]*entry{},
		inflight:   map[string]*inflight{},
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		streaming:  func(string) bool { return false },
		listeners:  map[int]func(string){},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetStreamingCheck installs the predicate the store consults before
// scheduling a background refresh. A session that is currently streaming is
// never refreshed out from under its stream.
func (s *Store) SetStreamingCheck(fn func(sessionID string) bool) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.streaming = fn
	s.mu.Unlock()
}

// Subscribe registers a change listener, invoked with the id of each session
// whose cached entry was replaced (empty id for full list refreshes). The
// returned func removes the listener.
func (s *Store) Subscribe(fn func(sessionID string)) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify(sessionID string) {
	s.lmu.Lock()
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(sessionID)
	}
}

// Get resolves a session. Order: a load already in flight for the same
// session is joined; a cached copy is returned immediately (scheduling a
// background refresh when stale and the session is not streaming); otherwise
// a blocking fetch fills the cache. A fetch failure leaves the cache
// untouched and returns a nil session, which callers must treat as "could
// not load", not as an empty session.
func (s *Store) Get(ctx context.Context, id string) (*chat.Session, error) {
	key := s.key(id)

	s.mu.Lock()
	if fl, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		s.tel.RecordCacheLookup(ctx, telemetry.CacheInflight)
		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if fl.err != nil {
			return nil, fl.err
		}
		cp := fl.session.Clone()
		return &cp, nil
	}
	if e, ok := s.entries[id]; ok {
		cp := e.session.Clone()
		stale := s.now().Sub(e.fetchedAt) > s.staleAfter
		streaming := s.streaming
		s.mu.Unlock()
		if stale && !streaming(id) {
			s.Revalidate(id)
		}
		s.tel.RecordCacheLookup(ctx, telemetry.CacheHit)
		return &cp, nil
	}
	fl := &inflight{done: make(chan struct{})}
	s.inflight[key] = fl
	s.mu.Unlock()

	s.tel.RecordCacheLookup(ctx, telemetry.CacheMiss)
	sess, err := s.rpc.GetSession(ctx, id, s.scope)

	s.mu.Lock()
	if err == nil {
		s.entries[id] = &entry{session: sess.Clone(), fetchedAt: s.now()}
	}
	fl.session, fl.err = sess, err
	delete(s.inflight, key)
	s.mu.Unlock()
	close(fl.done)

	if err != nil {
		return nil, err
	}
	s.notify(id)
	cp := sess.Clone()
	return &cp, nil
}

// Revalidate schedules a non-blocking refresh of the session unless one is
// already in flight. The cached entry is replaced only when the refreshed
// copy differs by update timestamp or message count, so unchanged sessions
// produce no downstream change notifications.
func (s *Store) Revalidate(id string) {
	key := s.key(id)
	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return
	}
	fl := &inflight{done: make(chan struct{})}
	s.inflight[key] = fl
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
		defer cancel()
		sess, err := s.rpc.GetSession(ctx, id, s.scope)

		changed := false
		s.mu.Lock()
		if err == nil {
			e, ok := s.entries[id]
			if !ok || !sess.Updated.Equal(e.session.Updated) || len(sess.Messages) != len(e.session.Messages) {
				s.entries[id] = &entry{session: sess.Clone(), fetchedAt: s.now()}
				changed = true
			} else {
				e.fetchedAt = s.now()
			}
		}
		fl.session, fl.err = sess, err
		delete(s.inflight, key)
		s.mu.Unlock()
		close(fl.done)

		if err != nil {
			s.logger.Debug("session refresh failed", "session", id, "err", err)
			return
		}
		s.tel.RecordCacheLookup(ctx, telemetry.CacheRefresh)
		if changed {
			s.notify(id)
		}
	}()
}

// Refresh replaces the whole session list from the server.
func (s *Store) Refresh(ctx context.Context) ([]chat.Session, error) {
	list, err := s.rpc.ListSessions(ctx, s.scope)
	if err != nil {
		return nil, err
	}
	now := s.now()
	s.mu.Lock()
	fresh := make(map[string]*entry, len(list))
	for _, sess := range list {
		fresh[sess.ID] = &entry{session: sess.Clone(), fetchedAt: now}
	}
	s.entries = fresh
	s.mu.Unlock()
	s.notify("")
	return list, nil
}

// Peek returns the cached copy without any fetch, or nil when absent.
func (s *Store) Peek(id string) *chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	cp := e.session.Clone()
	return &cp
}

// Sessions returns the cached session list, most recently updated first.
func (s *Store) Sessions() []chat.Session {
	s.mu.Lock()
	out := make([]chat.Session, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.session.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Updated.Equal(out[j].Updated) {
			return out[i].ID < out[j].ID
		}
		return out[i].Updated.After(out[j].Updated)
	})
	return out
}

// Replace installs the session as the cached entry and stamps it fresh.
func (s *Store) Replace(sess chat.Session) {
	s.mu.Lock()
	s.entries[sess.ID] = &entry{session: sess.Clone(), fetchedAt: s.now()}
	s.mu.Unlock()
	s.notify(sess.ID)
}

// Remove drops the session from the cache.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		s.notify(id)
	}
}

// MarkStale forces the next Get for the session to schedule a refresh.
func (s *Store) MarkStale(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.fetchedAt = time.Time{}
	}
	s.mu.Unlock()
}

// MergeTurn promotes a completed turn's two messages into the cached
// session by functional update and stamps the entry fresh, avoiding a
// redundant refetch right after a send. Reports whether a cached entry
// existed to merge into.
func (s *Store) MergeTurn(id string, user, assistant chat.Message) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	next := e.session.Clone()
	next.Messages = append(next.Messages, user.Clone(), assistant.Clone())
	next.Updated = s.now()
	s.entries[id] = &entry{session: next, fetchedAt: s.now()}
	s.mu.Unlock()
	s.notify(id)
	return true
}

func (s *Store) key(id string) string { return id + ":" + s.scope }
