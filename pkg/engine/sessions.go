package engine

import (
	"context"

	"github.com/prizm-dev/prizm-go/pkg/chat"
	"github.com/prizm-dev/prizm-go/pkg/transport"
)

// RefreshSessions replaces the cached session list from the server.
func (e *Engine) RefreshSessions(ctx context.Context) ([]chat.Session, error) {
	return e.cache.Refresh(ctx)
}

// Sessions returns the cached session list, most recently updated first.
func (e *Engine) Sessions() []chat.Session {
	return e.cache.Sessions()
}

// LoadSession resolves a session through the cache (in-flight dedup, stale
// while revalidate). A nil session means the load failed, not that the
// session is empty.
func (e *Engine) LoadSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	return e.cache.Get(ctx, sessionID)
}

// CreateSession makes a new session on the server and caches it.
func (e *Engine) CreateSession(ctx context.Context) (*chat.Session, error) {
	sess, err := e.client.CreateSession(ctx, e.scope)
	if err != nil {
		return nil, err
	}
	e.cache.Replace(*sess)
	return sess, nil
}

// DeleteSession removes the session on the server and locally.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if err := e.client.DeleteSession(ctx, sessionID, e.scope); err != nil {
		return err
	}
	e.cache.Remove(sessionID)
	return nil
}

// UpdateSession applies a metadata patch and refreshes the cached copy.
func (e *Engine) UpdateSession(ctx context.Context, sessionID string, patch transport.SessionPatch) (*chat.Session, error) {
	sess, err := e.client.UpdateSession(ctx, sessionID, patch, e.scope)
	if err != nil {
		return nil, err
	}
	e.cache.Replace(*sess)
	return sess, nil
}

// RollbackToCheckpoint reverts the session's history to the given message
// and replaces the cached copy with the server's truncated session. Not
// allowed while the session is streaming.
func (e *Engine) RollbackToCheckpoint(ctx context.Context, sessionID, messageID string) (*chat.Session, error) {
	if e.reg.active(sessionID) {
		return nil, ErrSessionBusy
	}
	sess, err := e.client.RevertSession(ctx, sessionID, messageID, e.scope)
	if err != nil {
		return nil, err
	}
	e.cache.Replace(*sess)
	return sess, nil
}
