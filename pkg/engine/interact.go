package engine

import (
	"context"

	"github.com/prizm-dev/prizm-go/pkg/transport"
)

// RespondToInteract sends the human decision for a pending approval request
// back to the server, which is expected to resume the paused stream. The
// pending request is cleared locally even when the round-trip fails, so the
// approval surface can never wedge; the trade-off (client and server
// approval state may briefly disagree) is logged, and the session's cache
// entry is marked stale so the next load reconciles with the server.
func (e *Engine) RespondToInteract(ctx context.Context, sessionID, requestID string, approved bool, answer transport.InteractAnswer) error {
	if e.client == nil {
		return nil
	}
	if answer.Scope == "" {
		answer.Scope = e.scope
	}

	err := e.client.RespondToInteract(ctx, sessionID, requestID, approved, answer)

	if e.approvals != nil {
		e.approvals.Decide(requestID, approved)
	}
	e.reg.setInteract(sessionID, nil)
	e.states.update(sessionID, func(st *StreamingState) {
		st.PendingInteract = nil
	})

	if err != nil {
		e.logger.Warn("interact response failed; pending request cleared locally",
			"session", sessionID, "request", requestID, "err", err)
		e.cache.MarkStale(sessionID)
		return err
	}
	return nil
}
