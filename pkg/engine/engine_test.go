package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prizm-dev/prizm-go/pkg/chat"
	"github.com/prizm-dev/prizm-go/pkg/transport"
)

func seeded(t *testing.T, mock *transport.MockClient, ids ...string) *Engine {
	t.Helper()
	now := time.Now().UTC()
	for _, id := range ids {
		mock.AddSession(chat.Session{ID: id, Scope: "default", Kind: chat.KindChat, Created: now, Updated: now})
	}
	e := New(mock, WithStopGrace(20*time.Millisecond))
	for _, id := range ids {
		if _, err := e.LoadSession(context.Background(), id); err != nil {
			t.Fatalf("LoadSession(%s): %v", id, err)
		}
	}
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

// stateRecorder collects every state snapshot published for one session.
type stateRecorder struct {
	mu    sync.Mutex
	snaps []StreamingState
}

func record(e *Engine, sessionID string) *stateRecorder {
	r := &stateRecorder{}
	e.SubscribeState(func(id string, st StreamingState) {
		if id != sessionID {
			return
		}
		r.mu.Lock()
		r.snaps = append(r.snaps, st)
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) sawSending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.snaps {
		if st.Sending {
			return true
		}
	}
	return false
}

func TestSendMessageHappyPath(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	rec := record(e, "s1")

	before := len(e.Cache().Peek("s1").Messages)
	out, err := e.SendMessage(context.Background(), "s1", "hello", transport.ChatOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out != "hello" {
		t.Fatalf("out = %q", out)
	}

	st := e.State("s1")
	if st.Sending || st.Thinking || st.OptimisticMessages != nil || st.PendingInteract != nil {
		t.Fatalf("state not reset after turn: %+v", st)
	}
	if !rec.sawSending() {
		t.Fatalf("sending was never observed true")
	}

	sess := e.Cache().Peek("s1")
	if got := len(sess.Messages) - before; got != 2 {
		t.Fatalf("history grew by %d, want 2", got)
	}
	user := sess.Messages[len(sess.Messages)-2]
	assistant := sess.Messages[len(sess.Messages)-1]
	if user.Role != chat.RoleUser || user.Text() != "hello" {
		t.Fatalf("user message = %+v", user)
	}
	if assistant.Role != chat.RoleAssistant || assistant.Text() != "hello" || assistant.Aborted {
		t.Fatalf("assistant message = %+v", assistant)
	}
}

func TestSendMessageAssemblesToolParts(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Chunks: []chat.Chunk{
		{Kind: chat.ChunkModel, Model: "sky-1"},
		{Kind: chat.ChunkTextDelta, Text: "Looking. "},
		{Kind: chat.ChunkToolStart, ToolID: "t1", ToolName: "search"},
		{Kind: chat.ChunkToolArgsDelta, ToolID: "t1", ArgsDelta: `{"q":"x"}`},
		{Kind: chat.ChunkToolResult, ToolID: "t1", Result: "found"},
		{Kind: chat.ChunkTextDelta, Text: "Done."},
		{Kind: chat.ChunkUsage, Usage: &chat.TokenUsage{Input: 7, Output: 3}},
		{Kind: chat.ChunkDone, Done: &chat.TurnResult{UserMessageID: "u1", AssistantMessageID: "a1"}},
	}})

	out, err := e.SendMessage(context.Background(), "s1", "find x", transport.ChatOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out != "Looking. Done." {
		t.Fatalf("out = %q", out)
	}

	sess := e.Cache().Peek("s1")
	assistant := sess.Messages[len(sess.Messages)-1]
	if assistant.ID != "a1" || assistant.Model != "sky-1" {
		t.Fatalf("assistant = %+v", assistant)
	}
	if assistant.Usage == nil || assistant.Usage.Output != 3 {
		t.Fatalf("usage = %+v", assistant.Usage)
	}
	if len(assistant.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(assistant.Parts))
	}
	tool := assistant.Parts[1]
	if tool.Type != chat.PartTool || tool.Tool != "search" || tool.State.Status != chat.ToolDone || tool.State.Result != "found" {
		t.Fatalf("tool part = %+v", tool)
	}
	user := sess.Messages[len(sess.Messages)-2]
	if user.ID != "u1" {
		t.Fatalf("user id = %q, want server-assigned", user.ID)
	}
}

func TestSendMessageCommandResult(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Chunks: []chat.Chunk{
		{Kind: chat.ChunkDone, Done: &chat.TurnResult{
			UserMessageID:      "u1",
			AssistantMessageID: "a1",
			Payload:            []byte(`{"command":{"name":"status","content":"2 jobs"}}`),
		}},
	}})

	out, err := e.SendMessage(context.Background(), "s1", "/status", transport.ChatOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out != "2 jobs" {
		t.Fatalf("out = %q, want the command result content", out)
	}
}

func TestSendMessageBlankContentIsNoop(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")

	out, err := e.SendMessage(context.Background(), "s1", "   \n\t", transport.ChatOptions{})
	if err != nil || out != "" {
		t.Fatalf("out = %q err = %v", out, err)
	}
	if mock.Calls().SendChat != 0 {
		t.Fatalf("blank content reached the transport")
	}
}

func TestSendMessageRejectsBlankSessionID(t *testing.T) {
	mock := transport.NewMockClient()
	e := New(mock)

	if _, err := e.SendMessage(context.Background(), " ", "hi", transport.ChatOptions{}); !errors.Is(err, chat.ErrInvalidSessionID) {
		t.Fatalf("err = %v, want ErrInvalidSessionID", err)
	}
	if err := e.StartObserving(context.Background(), ""); !errors.Is(err, chat.ErrInvalidSessionID) {
		t.Fatalf("err = %v, want ErrInvalidSessionID", err)
	}
}

func TestSendMessageErrorChunkDiscardsPartial(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Chunks: []chat.Chunk{
		{Kind: chat.ChunkTextDelta, Text: "partial"},
		{Kind: chat.ChunkError, Message: "model unavailable"},
	}})

	before := len(e.Cache().Peek("s1").Messages)
	_, err := e.SendMessage(context.Background(), "s1", "hi", transport.ChatOptions{})
	if err == nil {
		t.Fatalf("want error from error chunk")
	}
	if e.LastError() == nil {
		t.Fatalf("error not surfaced globally")
	}
	if got := len(e.Cache().Peek("s1").Messages); got != before {
		t.Fatalf("failed turn leaked %d messages into history", got-before)
	}
	st := e.State("s1")
	if st.Sending || st.OptimisticMessages != nil {
		t.Fatalf("state not cleared after failure: %+v", st)
	}

	e.ClearError()
	if e.LastError() != nil {
		t.Fatalf("ClearError did not reset")
	}
}

func TestStopGenerationKeepsPartialAborted(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{
		Chunks: []chat.Chunk{{Kind: chat.ChunkTextDelta, Text: "par"}},
		Hang:   true,
	})

	done := make(chan struct{})
	var out string
	var sendErr error
	go func() {
		defer close(done)
		out, sendErr = e.SendMessage(context.Background(), "s1", "go", transport.ChatOptions{})
	}()

	waitFor(t, func() bool {
		st := e.State("s1")
		return len(st.OptimisticMessages) == 2 && st.OptimisticMessages[1].Text() == "par"
	})

	e.StopGeneration(context.Background(), "s1")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not terminate the turn")
	}

	if sendErr != nil {
		t.Fatalf("aborted turn returned error: %v", sendErr)
	}
	if out != "par" {
		t.Fatalf("out = %q", out)
	}
	if mock.Calls().Stop != 1 {
		t.Fatalf("stop calls = %d", mock.Calls().Stop)
	}

	sess := e.Cache().Peek("s1")
	assistant := sess.Messages[len(sess.Messages)-1]
	if !assistant.Aborted || assistant.Text() != "par" {
		t.Fatalf("assistant = %+v, want aborted partial", assistant)
	}
}

func TestStopGenerationWaitsOutGraceWindow(t *testing.T) {
	mock := transport.NewMockClient()
	now := time.Now().UTC()
	mock.AddSession(chat.Session{ID: "s1", Scope: "default", Kind: chat.KindChat, Created: now, Updated: now})
	mock.Delay = 15 * time.Millisecond
	mock.Queue("s1", transport.Script{
		Chunks: []chat.Chunk{
			{Kind: chat.ChunkTextDelta, Text: "a"},
			{Kind: chat.ChunkTextDelta, Text: "b"},
			{Kind: chat.ChunkTextDelta, Text: "c"},
			{Kind: chat.ChunkTextDelta, Text: "d"},
			{Kind: chat.ChunkTextDelta, Text: "e"},
			{Kind: chat.ChunkTextDelta, Text: "f"},
		},
		Hang: true,
	})

	grace := 400 * time.Millisecond
	e := New(mock, WithStopGrace(grace))
	if _, err := e.LoadSession(context.Background(), "s1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.SendMessage(context.Background(), "s1", "go", transport.ChatOptions{})
	}()

	optimistic := func() string {
		st := e.State("s1")
		if len(st.OptimisticMessages) < 2 {
			return ""
		}
		return st.OptimisticMessages[1].Text()
	}
	waitFor(t, func() bool { return optimistic() != "" })

	stopped := time.Now()
	e.StopGeneration(context.Background(), "s1")
	atStop := optimistic()

	// The stop is cooperative: until the grace timer fires the stream stays
	// open and late chunks still land in the optimistic mirror.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("stop killed the stream before the grace window elapsed")
	default:
	}
	if !e.State("s1").Sending {
		t.Fatalf("session left Sending before the grace window elapsed")
	}
	waitFor(t, func() bool { return len(optimistic()) > len(atStop) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("grace timer never terminated the turn")
	}
	if elapsed := time.Since(stopped); elapsed < grace {
		t.Fatalf("turn ended %v after stop, before the %v grace", elapsed, grace)
	}
}

func TestStopGenerationIdleIsNoop(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")

	e.StopGeneration(context.Background(), "s1")
	if mock.Calls().Stop != 0 {
		t.Fatalf("idle stop reached the transport")
	}
}

func TestConcurrentSendSameSessionRejected(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Hang: true})

	go e.SendMessage(context.Background(), "s1", "first", transport.ChatOptions{})
	waitFor(t, func() bool { return e.State("s1").Sending })

	if _, err := e.SendMessage(context.Background(), "s1", "second", transport.ChatOptions{}); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}

	e.StopGeneration(context.Background(), "s1")
	waitFor(t, func() bool { return !e.State("s1").Sending })
}

func TestSessionsStreamIndependently(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1", "s2")
	mock.Queue("s1", transport.Script{
		Chunks: []chat.Chunk{{Kind: chat.ChunkTextDelta, Text: "long running"}},
		Hang:   true,
	})

	go e.SendMessage(context.Background(), "s1", "slow", transport.ChatOptions{})
	waitFor(t, func() bool { return e.State("s1").Sending })

	// A second session completes a full turn while the first streams, and
	// switching focus disturbs neither.
	e.SetCurrentSession("s2")
	out, err := e.SendMessage(context.Background(), "s2", "quick", transport.ChatOptions{})
	if err != nil || out != "quick" {
		t.Fatalf("out = %q err = %v", out, err)
	}
	if !e.State("s1").Sending {
		t.Fatalf("first session's stream was disturbed")
	}
	if st := e.State("s2"); st.Sending || st.OptimisticMessages != nil {
		t.Fatalf("second session not reset: %+v", st)
	}

	e.StopGeneration(context.Background(), "s1")
	waitFor(t, func() bool { return !e.State("s1").Sending })
}

func TestStopGenerationLeavesObserversAlone(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Hang: true})

	if err := e.StartObserving(context.Background(), "s1"); err != nil {
		t.Fatalf("StartObserving: %v", err)
	}
	waitFor(t, func() bool { return e.State("s1").Sending })

	// Stopping generation on a watched session must not reach the server:
	// the turn belongs to whoever started it, not to this observer.
	e.StopGeneration(context.Background(), "s1")
	time.Sleep(40 * time.Millisecond)
	if mock.Calls().Stop != 0 {
		t.Fatalf("stop calls = %d, observer asked the server to kill the turn", mock.Calls().Stop)
	}
	if !e.State("s1").Sending {
		t.Fatalf("StopGeneration tore down an observe stream")
	}

	e.StopObserving("s1")
	waitFor(t, func() bool { return !e.State("s1").Sending })
}

func TestInteractPauseAndResume(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Chunks: []chat.Chunk{
		{Kind: chat.ChunkTextDelta, Text: "writing "},
		{Kind: chat.ChunkInteractRequest, Interact: &chat.InteractRequest{
			ID:      "req-1",
			Tool:    "write_file",
			Payload: map[string]any{"path": "/tmp/out"},
		}},
		{Kind: chat.ChunkTextDelta, Text: "done"},
		{Kind: chat.ChunkDone, Done: &chat.TurnResult{UserMessageID: "u1", AssistantMessageID: "a1"}},
	}})

	done := make(chan struct{})
	var out string
	var sendErr error
	go func() {
		defer close(done)
		out, sendErr = e.SendMessage(context.Background(), "s1", "write it", transport.ChatOptions{})
	}()

	waitFor(t, func() bool { return e.State("s1").PendingInteract != nil })
	pending := e.State("s1").PendingInteract
	if pending.ID != "req-1" || pending.Tool != "write_file" {
		t.Fatalf("pending = %+v", pending)
	}
	if st := e.State("s1"); !st.Sending {
		t.Fatalf("sending dropped while paused")
	}

	if err := e.RespondToInteract(context.Background(), "s1", "req-1", true, transport.InteractAnswer{}); err != nil {
		t.Fatalf("RespondToInteract: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn did not resume after approval")
	}

	if sendErr != nil {
		t.Fatalf("SendMessage: %v", sendErr)
	}
	if out != "writing done" {
		t.Fatalf("out = %q", out)
	}
	if e.State("s1").PendingInteract != nil {
		t.Fatalf("pending request survived the turn")
	}
	if mock.Calls().Respond != 1 {
		t.Fatalf("respond calls = %d", mock.Calls().Respond)
	}
}

func TestInteractFailureClearsLocallyAndMarksStale(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.FailRespond(errors.New("server rejected"))

	getsBefore := mock.Calls().Get
	if err := e.RespondToInteract(context.Background(), "s1", "req-1", false, transport.InteractAnswer{}); err == nil {
		t.Fatalf("want error from failed respond")
	}
	if e.State("s1").PendingInteract != nil {
		t.Fatalf("pending request not cleared on failure")
	}

	// The failure marked the cache entry stale, so the next load schedules
	// a background reconciliation fetch.
	if _, err := e.LoadSession(context.Background(), "s1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	waitFor(t, func() bool { return mock.Calls().Get == getsBefore+1 })
}

func TestObserveBackgroundTurn(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Chunks: []chat.Chunk{
		{Kind: chat.ChunkTextDelta, Text: "job output"},
		{Kind: chat.ChunkDone, Done: &chat.TurnResult{AssistantMessageID: "a1"}},
	}})

	if err := e.StartObserving(context.Background(), "s1"); err != nil {
		t.Fatalf("StartObserving: %v", err)
	}
	waitFor(t, func() bool { return !e.State("s1").Sending })

	st := e.State("s1")
	if st.OptimisticMessages != nil {
		t.Fatalf("optimistic state survived observation: %+v", st)
	}
	if mock.Calls().Observe != 1 {
		t.Fatalf("observe calls = %d", mock.Calls().Observe)
	}
}

func TestObserveTwiceIsIdempotent(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Hang: true})

	if err := e.StartObserving(context.Background(), "s1"); err != nil {
		t.Fatalf("StartObserving: %v", err)
	}
	waitFor(t, func() bool { return e.State("s1").Sending })
	if err := e.StartObserving(context.Background(), "s1"); err != nil {
		t.Fatalf("second StartObserving: %v", err)
	}
	if mock.Calls().Observe != 1 {
		t.Fatalf("observe calls = %d, second attach must be a no-op", mock.Calls().Observe)
	}

	e.StopObserving("s1")
	waitFor(t, func() bool { return !e.State("s1").Sending })
}

func TestObserveWhileSendingRejected(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Hang: true})

	go e.SendMessage(context.Background(), "s1", "busy", transport.ChatOptions{})
	waitFor(t, func() bool { return e.State("s1").Sending })

	if err := e.StartObserving(context.Background(), "s1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}

	e.StopGeneration(context.Background(), "s1")
	waitFor(t, func() bool { return !e.State("s1").Sending })
}

func TestStopObservingLeavesSendsAlone(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Hang: true})

	go e.SendMessage(context.Background(), "s1", "busy", transport.ChatOptions{})
	waitFor(t, func() bool { return e.State("s1").Sending })

	// StopObserving must not cancel a send stream.
	e.StopObserving("s1")
	time.Sleep(20 * time.Millisecond)
	if !e.State("s1").Sending {
		t.Fatalf("StopObserving cancelled a send")
	}

	e.StopGeneration(context.Background(), "s1")
	waitFor(t, func() bool { return !e.State("s1").Sending })
}

func TestRollbackRejectedWhileStreaming(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1")
	mock.Queue("s1", transport.Script{Hang: true})

	go e.SendMessage(context.Background(), "s1", "busy", transport.ChatOptions{})
	waitFor(t, func() bool { return e.State("s1").Sending })

	if _, err := e.RollbackToCheckpoint(context.Background(), "s1", "m1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}

	e.StopGeneration(context.Background(), "s1")
	waitFor(t, func() bool { return !e.State("s1").Sending })
}

func TestRollbackTruncatesHistory(t *testing.T) {
	now := time.Now().UTC()
	mock := transport.NewMockClient()
	mock.AddSession(chat.Session{
		ID:    "s1",
		Scope: "default",
		Messages: []chat.Message{
			chat.TextMessage("m1", chat.RoleUser, "one", now),
			chat.TextMessage("m2", chat.RoleAssistant, "two", now),
			chat.TextMessage("m3", chat.RoleUser, "three", now),
		},
		Created: now,
		Updated: now,
	})
	e := New(mock)

	sess, err := e.RollbackToCheckpoint(context.Background(), "s1", "m2")
	if err != nil {
		t.Fatalf("RollbackToCheckpoint: %v", err)
	}
	if len(sess.Messages) != 2 || sess.Messages[1].ID != "m2" {
		t.Fatalf("messages = %+v", sess.Messages)
	}
	if cached := e.Cache().Peek("s1"); cached == nil || len(cached.Messages) != 2 {
		t.Fatalf("cache not replaced with truncated copy")
	}
}

func TestSessionLifecycle(t *testing.T) {
	mock := transport.NewMockClient()
	e := New(mock)

	sess, err := e.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if e.Cache().Peek(sess.ID) == nil {
		t.Fatalf("created session not cached")
	}

	title := "renamed"
	updated, err := e.UpdateSession(context.Background(), sess.ID, transport.SessionPatch{Title: &title})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if updated.Title != "renamed" || e.Cache().Peek(sess.ID).Title != "renamed" {
		t.Fatalf("title patch not applied")
	}

	if err := e.DeleteSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if e.Cache().Peek(sess.ID) != nil {
		t.Fatalf("deleted session still cached")
	}
}

func TestCurrentSessionSwitching(t *testing.T) {
	mock := transport.NewMockClient()
	e := seeded(t, mock, "s1", "s2")

	e.SetCurrentSession("s1")
	if e.CurrentSession() != "s1" {
		t.Fatalf("current = %q", e.CurrentSession())
	}
	e.SetCurrentSession("s2")
	if e.CurrentSession() != "s2" {
		t.Fatalf("current = %q", e.CurrentSession())
	}
	e.SetCurrentSession("")
	if e.CurrentSession() != "" {
		t.Fatalf("current = %q, want cleared", e.CurrentSession())
	}
}
