package chat

import "encoding/json"

// ChunkKind discriminates the stream chunk union. Kinds not listed here may
// appear on the wire as the protocol evolves; consumers must skip them.
type ChunkKind string

const (
	ChunkTextDelta       ChunkKind = "text-delta"
	ChunkToolStart       ChunkKind = "tool-start"
	ChunkToolArgsDelta   ChunkKind = "tool-args-delta"
	ChunkToolResult      ChunkKind = "tool-result"
	ChunkReasoningDelta  ChunkKind = "reasoning-delta"
	ChunkUsage           ChunkKind = "usage"
	ChunkModel           ChunkKind = "model"
	ChunkInteractRequest ChunkKind = "interact-request"
	ChunkError           ChunkKind = "error"
	ChunkDone            ChunkKind = "done"
)

// TurnResult is the payload of a done chunk: the canonical identifiers the
// server assigned to the turn's two messages, plus the raw turn payload for
// structured command results.
type TurnResult struct {
	UserMessageID      string          `json:"userMessageID,omitempty"`
	AssistantMessageID string          `json:"assistantMessageID,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// Chunk is one incremental unit of a streaming response. Use Kind to
// determine which fields are populated.
type Chunk struct {
	Kind ChunkKind `json:"kind"`

	// ChunkTextDelta and ChunkReasoningDelta
	Text string `json:"text,omitempty"`

	// ChunkToolStart, ChunkToolArgsDelta and ChunkToolResult share ToolID.
	ToolID    string `json:"toolID,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ArgsDelta string `json:"argsDelta,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"isError,omitempty"`

	// ChunkUsage and ChunkModel
	Usage *TokenUsage `json:"usage,omitempty"`
	Model string      `json:"model,omitempty"`

	// ChunkInteractRequest
	Interact *InteractRequest `json:"interact,omitempty"`

	// ChunkError
	Message string `json:"message,omitempty"`

	// ChunkDone
	Done *TurnResult `json:"done,omitempty"`
}
