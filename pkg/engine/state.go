package engine

import (
	"sync"

	"github.com/prizm-dev/prizm-go/pkg/chat"
)

// StreamingState is the observable per-session ephemeral state. Snapshots
// handed to consumers are deep copies; mutating one never affects the
// engine. OptimisticMessages is non-empty only while a turn is in flight
// (or momentarily after an abort, pending reconciliation) and is always
// cleared before the next turn starts.
type StreamingState struct {
	Sending            bool
	Thinking           bool
	OptimisticMessages []chat.Message
	PendingInteract    *chat.InteractRequest
}

// Clone returns a deep copy of the state.
func (s StreamingState) Clone() StreamingState {
	cp := s
	if s.OptimisticMessages != nil {
		cp.OptimisticMessages = make([]chat.Message, len(s.OptimisticMessages))
		for i, m := range s.OptimisticMessages {
			cp.OptimisticMessages[i] = m.Clone()
		}
	}
	if s.PendingInteract != nil {
		req := s.PendingInteract.Clone()
		cp.PendingInteract = &req
	}
	return cp
}

// stateStore is the keyed map sessionID -> StreamingState. Entries are
// created lazily on first access and never explicitly destroyed; the map is
// bounded by the number of live sessions. Each mutation is an atomic
// read-modify-write of one entry, so sessions never contend with each other
// beyond the map lock itself.
type stateStore struct {
	mu sync.Mutex
	m  map[string]*StreamingState

	lmu       sync.Mutex
	listeners map[int]func(sessionID string, st StreamingState)
	nextID    int
}

func newStateStore() *stateStore {
	return &stateStore{
		m:         map[string]*StreamingState{},
		listeners: map[int]func(string, StreamingState){},
	}
}

// snapshot returns a deep copy of the session's state, creating the entry
// if this is the first access.
func (s *stateStore) snapshot(id string) StreamingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	if !ok {
		st = &StreamingState{}
		s.m[id] = st
	}
	return st.Clone()
}

// update applies fn to the session's state entry and notifies subscribers
// with the resulting snapshot. Listeners run outside the map lock.
func (s *stateStore) update(id string, fn func(*StreamingState)) {
	s.mu.Lock()
	st, ok := s.m[id]
	if !ok {
		st = &StreamingState{}
		s.m[id] = st
	}
	fn(st)
	snap := st.Clone()
	s.mu.Unlock()

	s.lmu.Lock()
	fns := make([]func(string, StreamingState), 0, len(s.listeners))
	for _, l := range s.listeners {
		fns = append(fns, l)
	}
	s.lmu.Unlock()
	for _, l := range fns {
		l(id, snap.Clone())
	}
}

// subscribe registers a state listener; the returned func removes it.
func (s *stateStore) subscribe(fn func(sessionID string, st StreamingState)) func() {
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

// all returns a deep-copied view of every session's state.
func (s *stateStore) all() map[string]StreamingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StreamingState, len(s.m))
	for id, st := range s.m {
		out[id] = st.Clone()
	}
	return out
}
