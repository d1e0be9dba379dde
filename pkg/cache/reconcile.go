package cache

import (
	"context"
	"log/slog"
	"strings"
)

// EventType names an out-of-band sync notification from the server.
type EventType string

const (
	EventSessionCreated     EventType = "session.created"
	EventSessionDeleted     EventType = "session.deleted"
	EventChatStatusChanged  EventType = "session.chatStatusChanged"
	EventMessageCompleted   EventType = "message.completed"
	EventSessionCompressing EventType = "session.compressing"
	EventSessionRolledBack  EventType = "session.rolledBack"
)

// Event is one sync notification. SessionID may be empty for list-level
// events; Scope, when set, restricts the event to one scope.
type Event struct {
	Type      EventType
	SessionID string
	Scope     string
}

// Reconciler folds sync events into the session cache. It only ever
// invalidates or replaces cache entries; it never touches the state of a
// session that is currently streaming.
type Reconciler struct {
	store  *Store
	logger *slog.Logger
}

// NewReconciler binds a reconciler to the store.
func NewReconciler(store *Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Apply processes one sync event. Creation and deletion perform a targeted
// fetch-and-insert or local removal; every other event only marks the entry
// stale and, when the session is not streaming, triggers the same background
// revalidation path the loader uses. High-frequency events therefore never
// fetch synchronously.
func (r *Reconciler) Apply(ctx context.Context, ev Event) {
	if ev.Scope != "" && ev.Scope != r.store.scope {
		return
	}

	switch ev.Type {
	case EventSessionCreated:
		if strings.TrimSpace(ev.SessionID) == "" {
			return
		}
		sess, err := r.store.rpc.GetSession(ctx, ev.SessionID, r.store.scope)
		if err != nil {
			r.logger.Debug("created-session fetch failed, refreshing list", "session", ev.SessionID, "err", err)
			if _, err := r.store.Refresh(ctx); err != nil {
				r.logger.Warn("session list refresh failed", "err", err)
			}
			return
		}
		r.store.Replace(*sess)
	case EventSessionDeleted:
		r.store.Remove(ev.SessionID)
	default:
		if ev.SessionID == "" {
			return
		}
		r.store.MarkStale(ev.SessionID)
		if !r.store.isStreaming(ev.SessionID) {
			r.store.Revalidate(ev.SessionID)
		}
	}
}

func (s *Store) isStreaming(id string) bool {
	s.mu.Lock()
	fn := s.streaming
	s.mu.Unlock()
	return fn(id)
}
