package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/prizm-dev/prizm-go/pkg/accumulate"
	"github.com/prizm-dev/prizm-go/pkg/chat"
	"github.com/prizm-dev/prizm-go/pkg/telemetry"
)

// StartObserving attaches a passive listener to the chunk stream of a
// session whose turn was started elsewhere (for example by a scheduled
// job). It reuses the same accumulator and optimistic mechanics as a send
// but transmits nothing. Attaching twice is a no-op; observing a session
// that is currently sending returns ErrSessionBusy. The call returns once
// the listener is attached; consumption continues in the background until
// the stream ends or StopObserving cancels it.
func (e *Engine) StartObserving(ctx context.Context, sessionID string) error {
	if e.client == nil {
		return nil
	}
	if strings.TrimSpace(sessionID) == "" {
		return chat.ErrInvalidSessionID
	}

	octx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := e.reg.begin(sessionID, modeObserving, cancel); err != nil {
		cancel()
		if errors.Is(err, errAlreadyObserving) {
			return nil
		}
		return err
	}

	chunks, errs, err := e.client.Observe(octx, sessionID, e.scope)
	if err != nil {
		e.reg.finish(sessionID)
		cancel()
		return err
	}

	// A single assistant placeholder: the turn's user side was not
	// authored by this client, so there is nothing local to synthesize.
	placeholder := chat.Message{ID: localID(), Role: chat.RoleAssistant, Created: e.now()}
	e.states.update(sessionID, func(st *StreamingState) {
		st.Sending = true
		st.Thinking = false
		st.PendingInteract = nil
		st.OptimisticMessages = []chat.Message{placeholder.Clone()}
	})

	go e.observeLoop(octx, sessionID, chunks, errs, cancel)
	return nil
}

// StopObserving cancels the passive listener. The underlying job keeps
// running on the server; only the local stream is torn down.
func (e *Engine) StopObserving(sessionID string) {
	if e.reg.modeOf(sessionID) != modeObserving {
		return
	}
	if cancel, ok := e.reg.cancelFor(sessionID); ok {
		cancel()
	}
}

func (e *Engine) observeLoop(ctx context.Context, sessionID string, chunks <-chan chat.Chunk, errs <-chan error, cancel context.CancelFunc) {
	start := e.now()
	acc := accumulate.New()
	streamErr := e.pump(ctx, sessionID, chunks, errs, acc)

	e.reg.finish(sessionID)
	e.states.update(sessionID, func(st *StreamingState) {
		st.Sending = false
		st.Thinking = false
		st.PendingInteract = nil
		st.OptimisticMessages = nil
	})
	cancel()

	outcome := telemetry.TurnCompleted
	if msg, failed := acc.Failed(); failed {
		outcome = telemetry.TurnErrored
		e.setError(sessionID, errors.New("engine: observed stream error: "+msg))
	} else if acc.Done() == nil && canceled(ctx, streamErr) {
		outcome = telemetry.TurnAborted
	} else if acc.Done() == nil && streamErr != nil {
		outcome = telemetry.TurnErrored
		e.setError(sessionID, streamErr)
	}

	// The authoritative final history lives on the server; drop the local
	// copy's freshness and pick it up in the background.
	e.cache.MarkStale(sessionID)
	e.cache.Revalidate(sessionID)

	e.tel.RecordTurn(context.WithoutCancel(ctx), telemetry.TurnData{
		Kind:      "observe",
		SessionID: sessionID,
		Outcome:   outcome,
		Duration:  e.now().Sub(start),
	})
}
