package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prizm-dev/prizm-go/pkg/chat"
)

// ErrSessionBusy signals an attempt to start a stream on a session that
// already has one active. Send and observe must never run concurrently for
// the same session.
var ErrSessionBusy = errors.New("engine: session stream already active")

var errAlreadyObserving = errors.New("engine: session already observing")

type sessionMode int

const (
	modeIdle sessionMode = iota
	modeSending
	modeObserving
)

// internals holds the non-serializable runtime handles of one session:
// the cancellation handle, the armed stop timer, the last-chunk timestamp
// and a mirror of the pending interact request. It is never exposed to
// state observers, so touching it produces no change notifications.
type internals struct {
	mode      sessionMode
	cancel    context.CancelFunc
	stopTimer *time.Timer
	lastChunk time.Time
	interact  *chat.InteractRequest
}

type internalsRegistry struct {
	mu  sync.Mutex
	m   map[string]*internals
	now func() time.Time
}

func newInternalsRegistry(now func() time.Time) *internalsRegistry {
	if now == nil {
		now = time.Now
	}
	return &internalsRegistry{m: map[string]*internals{}, now: now}
}

// entryLocked lazily creates the per-session entry. Entries live for the
// lifetime of the registry; they are small and bounded by the number of
// sessions ever streamed.
func (r *internalsRegistry) entryLocked(id string) *internals {
	in, ok := r.m[id]
	if !ok {
		in = &internals{}
		r.m[id] = in
	}
	return in
}

// begin transitions the session into the requested mode with a fresh
// cancellation handle. The check-and-set guards the send/observe mutual
// exclusion.
func (r *internalsRegistry) begin(id string, mode sessionMode, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.entryLocked(id)
	if in.mode != modeIdle {
		if in.mode == modeObserving && mode == modeObserving {
			return errAlreadyObserving
		}
		return ErrSessionBusy
	}
	if in.stopTimer != nil {
		in.stopTimer.Stop()
		in.stopTimer = nil
	}
	in.mode = mode
	in.cancel = cancel
	in.interact = nil
	in.lastChunk = r.now()
	return nil
}

// finish clears every runtime handle begin installed. Paired with begin on
// all code paths so handles cannot leak across turns.
func (r *internalsRegistry) finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.entryLocked(id)
	if in.stopTimer != nil {
		in.stopTimer.Stop()
		in.stopTimer = nil
	}
	in.mode = modeIdle
	in.cancel = nil
	in.interact = nil
}

func (r *internalsRegistry) touch(id string) {
	r.mu.Lock()
	r.entryLocked(id).lastChunk = r.now()
	r.mu.Unlock()
}

func (r *internalsRegistry) modeOf(id string) sessionMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(id).mode
}

func (r *internalsRegistry) active(id string) bool {
	return r.modeOf(id) != modeIdle
}

func (r *internalsRegistry) cancelFor(id string) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.entryLocked(id)
	if in.mode == modeIdle || in.cancel == nil {
		return nil, false
	}
	return in.cancel, true
}

func (r *internalsRegistry) setInteract(id string, req *chat.InteractRequest) {
	r.mu.Lock()
	r.entryLocked(id).interact = req
	r.mu.Unlock()
}

func (r *internalsRegistry) interactFor(id string) *chat.InteractRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(id).interact
}

// armStop starts the grace timer that hard-cancels the stream locally if
// the server never winds it down. Arming twice is a no-op; the first timer
// wins. Reports whether a timer is armed.
func (r *internalsRegistry) armStop(id string, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.entryLocked(id)
	if in.mode != modeSending || in.cancel == nil {
		return false
	}
	if in.stopTimer != nil {
		return true
	}
	cancel := in.cancel
	in.stopTimer = time.AfterFunc(grace, cancel)
	return true
}
