package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prizm-dev/prizm-go/pkg/accumulate"
	"github.com/prizm-dev/prizm-go/pkg/chat"
	"github.com/prizm-dev/prizm-go/pkg/telemetry"
	"github.com/prizm-dev/prizm-go/pkg/transport"
)

// SendMessage starts a streaming turn on the session and blocks until it
// ends. It synthesizes two optimistic messages (user, assistant placeholder)
// immediately so consumers can render the turn before the first network
// round-trip completes, mirrors stream progress into the assistant
// placeholder chunk by chunk, and on completion promotes the turn into the
// session cache. The returned string is the plain-text result, or the
// structured command result content when the turn was a command.
//
// With no transport configured or blank content the call is a no-op and
// returns empty without error. A session that is already sending or
// observing returns ErrSessionBusy.
func (e *Engine) SendMessage(ctx context.Context, sessionID, content string, opts transport.ChatOptions) (string, error) {
	if e.client == nil {
		return "", nil
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", chat.ErrInvalidSessionID
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", nil
	}
	if opts.Scope == "" {
		opts.Scope = e.scope
	}

	sctx, cancel := context.WithCancel(ctx)
	if err := e.reg.begin(sessionID, modeSending, cancel); err != nil {
		cancel()
		if errors.Is(err, errAlreadyObserving) {
			err = ErrSessionBusy
		}
		return "", err
	}

	ctx, span := e.tel.StartSpan(ctx, "engine.send")
	start := e.now()
	outcome := telemetry.TurnErrored
	var retErr error
	defer func() {
		e.reg.finish(sessionID)
		e.states.update(sessionID, func(st *StreamingState) {
			st.Sending = false
			st.Thinking = false
			st.PendingInteract = nil
			st.OptimisticMessages = nil
		})
		cancel()
		bg := context.WithoutCancel(ctx)
		e.tel.RecordTurn(bg, telemetry.TurnData{
			Kind:      "send",
			SessionID: sessionID,
			Outcome:   outcome,
			Duration:  e.now().Sub(start),
		})
		telemetry.EndSpan(span, retErr)
	}()

	user := chat.TextMessage(localID(), chat.RoleUser, content, e.now())
	placeholder := chat.Message{ID: localID(), Role: chat.RoleAssistant, Created: e.now()}
	e.states.update(sessionID, func(st *StreamingState) {
		st.Sending = true
		st.Thinking = false
		st.PendingInteract = nil
		st.OptimisticMessages = []chat.Message{user.Clone(), placeholder.Clone()}
	})

	chunks, errs, err := e.client.SendChat(sctx, transport.ChatRequest{
		SessionID: sessionID,
		Content:   content,
		Options:   opts,
	})
	if err != nil {
		e.setError(sessionID, err)
		retErr = err
		return "", err
	}

	acc := accumulate.New()
	streamErr := e.pump(sctx, sessionID, chunks, errs, acc)

	if msg, failed := acc.Failed(); failed {
		// An explicit error chunk terminates the turn like a transport
		// failure: no partial assistant message survives.
		retErr = fmt.Errorf("engine: stream error: %s", msg)
		e.setError(sessionID, retErr)
		return "", retErr
	}

	if turn := acc.Done(); turn != nil {
		finalUser := user.Clone()
		if turn.UserMessageID != "" {
			finalUser.ID = turn.UserMessageID
		}
		assistant := e.assistantMessage(placeholder, turn.AssistantMessageID, acc, false)
		e.cache.MergeTurn(sessionID, finalUser, assistant)
		outcome = telemetry.TurnCompleted
		if cmd := acc.CommandResult(); cmd != "" {
			return cmd, nil
		}
		return acc.Text(), nil
	}

	if canceled(sctx, streamErr) {
		// A stopped turn keeps the user message and whatever partial
		// assistant content accumulated, tagged as aborted.
		assistant := e.assistantMessage(placeholder, "", acc, true)
		e.cache.MergeTurn(sessionID, user, assistant)
		outcome = telemetry.TurnAborted
		return acc.Text(), nil
	}

	if streamErr == nil {
		streamErr = errors.New("engine: stream ended without done")
	}
	e.setError(sessionID, streamErr)
	retErr = streamErr
	return "", streamErr
}

// StopGeneration requests a cooperative stop of the session's running turn:
// a best-effort server-side cancellation, then a grace timer that hard
// cancels the transport locally if the stream has not wound down in time.
// Calling it on an idle or observing session is a no-op; observe streams
// are torn down with StopObserving, and asking the server to stop a turn
// this client merely watches would kill the job that owns it.
func (e *Engine) StopGeneration(ctx context.Context, sessionID string) {
	if e.reg.modeOf(sessionID) != modeSending {
		return
	}
	if _, ok := e.reg.cancelFor(sessionID); !ok {
		return
	}
	if err := e.client.StopChat(ctx, sessionID, e.scope); err != nil {
		// Non-fatal: the grace timer guarantees local termination.
		e.logger.Warn("server stop request failed", "session", sessionID, "err", err)
	}
	e.reg.armStop(sessionID, e.stopGrace)
}

// pump drains the chunk and error channels until both close, feeding every
// chunk through the accumulator and mirroring progress into the session's
// optimistic assistant message. Within one stream chunks are handled
// strictly in arrival order.
func (e *Engine) pump(ctx context.Context, sessionID string, chunks <-chan chat.Chunk, errs <-chan error, acc *accumulate.Accumulator) error {
	var streamErr error
	var n int64
	for chunks != nil || errs != nil {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			n++
			e.reg.touch(sessionID)
			e.handleChunk(sessionID, ch, acc)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		}
	}
	e.tel.RecordChunks(context.WithoutCancel(ctx), sessionID, n)
	return streamErr
}

func (e *Engine) handleChunk(sessionID string, ch chat.Chunk, acc *accumulate.Accumulator) {
	if ch.Kind == chat.ChunkInteractRequest {
		if ch.Interact == nil {
			return
		}
		req := ch.Interact.Clone()
		if e.approvals != nil {
			if _, auto, err := e.approvals.Request(req.ID, sessionID, req.Tool, req.Payload); err == nil && auto {
				go e.autoApprove(sessionID, req.ID)
				return
			}
		}
		e.reg.setInteract(sessionID, &req)
		e.states.update(sessionID, func(st *StreamingState) {
			pending := req.Clone()
			st.PendingInteract = &pending
			st.Thinking = false
		})
		return
	}

	acc.Apply(ch)

	var thinking *bool
	switch ch.Kind {
	case chat.ChunkReasoningDelta:
		thinking = ptr(true)
	case chat.ChunkTextDelta, chat.ChunkToolStart, chat.ChunkToolArgsDelta, chat.ChunkToolResult, chat.ChunkDone:
		thinking = ptr(false)
	}

	// While an approval is pending, optimistic updates stay frozen; the
	// accumulator keeps folding so nothing is lost when the turn resumes.
	if e.reg.interactFor(sessionID) != nil {
		return
	}

	parts := acc.Parts()
	model := acc.Model()
	e.states.update(sessionID, func(st *StreamingState) {
		if thinking != nil {
			st.Thinking = *thinking
		}
		n := len(st.OptimisticMessages)
		if n == 0 {
			return
		}
		last := &st.OptimisticMessages[n-1]
		if last.Role != chat.RoleAssistant {
			return
		}
		last.Parts = parts
		last.Model = model
	})
}

// autoApprove answers a whitelisted interact request without surfacing it.
// The decision was already journaled by the tracker.
func (e *Engine) autoApprove(sessionID, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.client.RespondToInteract(ctx, sessionID, requestID, true, transport.InteractAnswer{Scope: e.scope}); err != nil {
		e.logger.Warn("auto approval failed", "session", sessionID, "request", requestID, "err", err)
	}
}

func (e *Engine) assistantMessage(placeholder chat.Message, finalID string, acc *accumulate.Accumulator, aborted bool) chat.Message {
	msg := chat.Message{
		ID:      placeholder.ID,
		Role:    chat.RoleAssistant,
		Parts:   acc.Parts(),
		Created: placeholder.Created,
		Model:   acc.Model(),
		Usage:   acc.Usage(),
		Aborted: aborted,
	}
	if finalID != "" {
		msg.ID = finalID
	}
	return msg
}

func canceled(ctx context.Context, streamErr error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded)
}

func localID() string {
	return "local-" + uuid.NewString()
}

func ptr(b bool) *bool { return &b }
