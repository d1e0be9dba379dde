// Package accumulate folds an ordered chunk sequence into the structured
// parts of an assistant message. The accumulator is a pure reducer: it holds
// no references to session state and is driven one chunk at a time by the
// streaming orchestrator.
package accumulate

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/prizm-dev/prizm-go/pkg/chat"
)

// Accumulator builds the assistant part list incrementally. The part list
// only grows until a done or error chunk arrives; snapshots taken between
// chunks are deep copies and safe to hand to observers.
type Accumulator struct {
	parts   []chat.Part
	toolIdx map[string]int

	// open tracks whether the trailing part is still accepting deltas of
	// the given type; a chunk of any other kind closes the segment.
	open chat.PartType

	model   string
	usage   *chat.TokenUsage
	command string
	errMsg  string
	done    *chat.TurnResult
}

// New returns an empty accumulator ready for the first chunk of a turn.
func New() *Accumulator {
	return &Accumulator{toolIdx: map[string]int{}}
}

// Apply folds one chunk into the accumulator. Unknown chunk kinds are
// ignored for forward compatibility.
func (a *Accumulator) Apply(ch chat.Chunk) {
	switch ch.Kind {
	case chat.ChunkTextDelta:
		a.appendDelta(chat.PartText, ch.Text)
	case chat.ChunkReasoningDelta:
		a.appendDelta(chat.PartReasoning, ch.Text)
	case chat.ChunkToolStart:
		a.open = ""
		a.toolIdx[ch.ToolID] = len(a.parts)
		a.parts = append(a.parts, chat.Part{
			Type:   chat.PartTool,
			ToolID: ch.ToolID,
			Tool:   ch.ToolName,
			State:  &chat.ToolState{Status: chat.ToolPreparing},
		})
	case chat.ChunkToolArgsDelta:
		a.open = ""
		if i, ok := a.toolIdx[ch.ToolID]; ok {
			st := a.parts[i].State
			st.Arguments += ch.ArgsDelta
			if st.Status == chat.ToolPreparing {
				st.Status = chat.ToolRunning
			}
		}
	case chat.ChunkToolResult:
		a.open = ""
		if i, ok := a.toolIdx[ch.ToolID]; ok {
			st := a.parts[i].State
			st.Status = chat.ToolDone
			st.Result = ch.Result
			st.IsError = ch.IsError
		}
	case chat.ChunkUsage:
		if ch.Usage != nil {
			u := *ch.Usage
			a.usage = &u
		}
	case chat.ChunkModel:
		a.model = ch.Model
	case chat.ChunkError:
		a.open = ""
		a.errMsg = ch.Message
		if a.errMsg == "" {
			a.errMsg = "stream error"
		}
	case chat.ChunkDone:
		a.open = ""
		if ch.Done != nil {
			d := *ch.Done
			a.done = &d
			if len(d.Payload) > 0 {
				if res := gjson.GetBytes(d.Payload, "command.content"); res.Exists() {
					a.command = res.String()
				}
			}
		} else {
			a.done = &chat.TurnResult{}
		}
	default:
		// Unknown kind: skip.
	}
}

func (a *Accumulator) appendDelta(t chat.PartType, text string) {
	if a.open == t && len(a.parts) > 0 {
		a.parts[len(a.parts)-1].Text += text
		return
	}
	a.parts = append(a.parts, chat.Part{Type: t, Text: text})
	a.open = t
}

// Parts returns a deep-copied snapshot of the parts built so far.
func (a *Accumulator) Parts() []chat.Part {
	out := make([]chat.Part, len(a.parts))
	for i, p := range a.parts {
		out[i] = p.Clone()
	}
	return out
}

// Text concatenates the accumulated text parts.
func (a *Accumulator) Text() string {
	var b strings.Builder
	for _, p := range a.parts {
		if p.Type == chat.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Model returns the last model identifier seen on the stream.
func (a *Accumulator) Model() string { return a.model }

// Usage returns a copy of the last token usage snapshot, or nil.
func (a *Accumulator) Usage() *chat.TokenUsage {
	if a.usage == nil {
		return nil
	}
	u := *a.usage
	return &u
}

// CommandResult returns the structured command result content when the turn
// was a command invocation rather than free text. Empty otherwise.
func (a *Accumulator) CommandResult() string { return a.command }

// Failed reports whether an error chunk terminated the turn.
func (a *Accumulator) Failed() (string, bool) { return a.errMsg, a.errMsg != "" }

// Done returns the turn result once a done chunk has been applied, nil before.
func (a *Accumulator) Done() *chat.TurnResult {
	if a.done == nil {
		return nil
	}
	d := *a.done
	return &d
}
